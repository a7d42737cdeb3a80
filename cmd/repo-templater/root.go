package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/fgeck/repo-templater/internal/config"
	"github.com/fgeck/repo-templater/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const appName = "repo-templater"

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool

	// console is the log destination chosen by setupLogging.
	console io.Writer = os.Stderr
	// logFile is closed by Execute once the command returns.
	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Apply repository templates with conflict resolution, backups and batch execution",
	Long: `repo-templater applies file templates to git repositories:
  - Conflict analysis and resolution against existing files
  - Format-aware merges (JSON, YAML, TOML, package.json, README, ignore files)
  - Compressed, verifiable backups before every change
  - Batch application across many repositories with checkpoint and resume
  - Telegram notifications for finished batches`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (optional, defaults apply when omitted)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(conflictCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	// stdout is reserved for command output
	if jsonOutput {
		console = os.Stderr
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		console = output
	}
	log.Logger = zerolog.New(console).With().Timestamp().Logger()

	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// enableFileLog mirrors the log into the XDG state directory.
func enableFileLog() error {
	if logFile != nil {
		return nil
	}
	path, err := xdg.StateFile(filepath.Join(appName, appName+".log"))
	if err != nil {
		return fmt.Errorf("failed to resolve log file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logFile = f
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).With().Timestamp().Logger()
	log.Debug().Str("file", path).Msg("file logging enabled")
	return nil
}

// loadConfig reads --config when given, the defaults otherwise.
func loadConfig() (*models.AppConfig, error) {
	parser := config.NewParser()

	var (
		cfg *models.AppConfig
		err error
	)
	if configFile == "" {
		cfg, err = parser.Defaults()
	} else {
		cfg, err = parser.LoadFile(configFile)
	}
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	if cfg.Log.File {
		if err := enableFileLog(); err != nil {
			log.Warn().Err(err).Msg("continuing without log file")
		}
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	defer func() {
		if logFile != nil {
			_ = logFile.Close()
		}
	}()
	return rootCmd.Execute()
}
