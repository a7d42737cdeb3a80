package main

import (
	"github.com/fgeck/repo-templater/internal/models"
	"github.com/fgeck/repo-templater/internal/services/applicator"
	"github.com/fgeck/repo-templater/internal/services/backup"
	"github.com/fgeck/repo-templater/internal/services/batch"
	"github.com/fgeck/repo-templater/internal/services/conflict"
	"github.com/fgeck/repo-templater/internal/services/gitinfo"
	"github.com/fgeck/repo-templater/internal/services/telegram"
	"github.com/fgeck/repo-templater/internal/services/template"
	"github.com/rs/zerolog/log"
)

// services is the production wiring shared by all commands.
type services struct {
	cfg        *models.AppConfig
	templates  *template.Impl
	conflicts  *conflict.Impl
	backups    *backup.Impl
	applicator *applicator.Impl
	batch      *batch.Impl
}

func newServices() (*services, error) {
	configureOutput()

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := log.Logger
	backups, err := backup.New(logger, cfg.Paths.Backups, cfg.Backup)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize backups")
		return nil, err
	}

	templates := template.New(logger, cfg.Paths.Templates)
	conflicts := conflict.New(logger)
	applicatorSvc := applicator.New(logger, templates, backups, conflicts, gitinfo.New(logger), cfg.Git)

	var batchSvc *batch.Impl
	if cfg.Telegram != nil {
		batchSvc = batch.NewWithNotifier(logger, applicatorSvc, backups, cfg.Paths.Checkpoints, telegram.New(logger), cfg.Telegram)
	} else {
		batchSvc = batch.New(logger, applicatorSvc, backups, cfg.Paths.Checkpoints)
	}

	return &services{
		cfg:        cfg,
		templates:  templates,
		conflicts:  conflicts,
		backups:    backups,
		applicator: applicatorSvc,
		batch:      batchSvc,
	}, nil
}
