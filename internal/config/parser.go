// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fgeck/repo-templater/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Default on-disk locations, relative to the working directory.
const (
	DefaultTemplatesDir   = ".mcp/templates"
	DefaultBackupsDir     = ".mcp/backups"
	DefaultCheckpointsDir = ".mcp/batch-checkpoints"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	return &Parser{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.templates", DefaultTemplatesDir)
	v.SetDefault("paths.backups", DefaultBackupsDir)
	v.SetDefault("paths.checkpoints", DefaultCheckpointsDir)

	v.SetDefault("backup.retention_days", 30)
	v.SetDefault("backup.compression", string(models.CompressionGzip))

	v.SetDefault("batch.max_workers", 4)
	v.SetDefault("batch.create_backups", true)
	v.SetDefault("batch.auto_resolve_conflicts", true)
	v.SetDefault("batch.interactive_conflicts", false)
	v.SetDefault("batch.retry_failed", true)
	v.SetDefault("batch.max_retries", 3)
	v.SetDefault("batch.retry_delay", 5*time.Second)
	v.SetDefault("batch.checkpoint_interval", 5)
	v.SetDefault("batch.timeout_per_repo", 5*time.Minute)
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.AppConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.AppConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

// Defaults returns the configuration used when no config file is given.
func (p *Parser) Defaults() (*models.AppConfig, error) {
	return p.parse()
}

func (p *Parser) parse() (*models.AppConfig, error) {
	cfg := &models.AppConfig{}

	cfg.Paths = models.PathSettings{
		Templates:   p.expandEnv(p.v.GetString("paths.templates")),
		Backups:     p.expandEnv(p.v.GetString("paths.backups")),
		Checkpoints: p.expandEnv(p.v.GetString("paths.checkpoints")),
	}

	compression, err := models.ParseCompression(p.v.GetString("backup.compression"))
	if err != nil {
		return nil, fmt.Errorf("backup.compression: %w", err)
	}
	cfg.Backup = models.BackupSettings{
		RetentionDays:     p.v.GetInt("backup.retention_days"),
		Compression:       compression,
		Exclude:           p.v.GetStringSlice("backup.exclude"),
		SelectivePatterns: p.v.GetStringSlice("backup.selective_patterns"),
		AgeRecipients:     p.expandAll(p.v.GetStringSlice("backup.age_recipients")),
		AgeIdentityFile:   p.expandEnv(p.v.GetString("backup.age_identity_file")),
	}

	cfg.Batch = models.BatchDefaults{
		MaxWorkers:           p.v.GetInt("batch.max_workers"),
		CreateBackups:        p.v.GetBool("batch.create_backups"),
		AutoResolveConflicts: p.v.GetBool("batch.auto_resolve_conflicts"),
		InteractiveConflicts: p.v.GetBool("batch.interactive_conflicts"),
		RetryFailed:          p.v.GetBool("batch.retry_failed"),
		MaxRetries:           p.v.GetInt("batch.max_retries"),
		RetryDelay:           p.v.GetDuration("batch.retry_delay"),
		CheckpointInterval:   p.v.GetInt("batch.checkpoint_interval"),
		TimeoutPerRepo:       p.v.GetDuration("batch.timeout_per_repo"),
	}

	cfg.Conflicts = models.ConflictSettings{
		Interactive: p.v.GetBool("conflicts.interactive"),
	}
	cfg.Git = models.GitSettings{
		WarnDirty: p.v.GetBool("git.warn_dirty"),
	}
	cfg.Log = models.LogSettings{
		File: p.v.GetBool("log.file"),
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

func (p *Parser) expandAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(p.expandEnv(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.AppConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}
