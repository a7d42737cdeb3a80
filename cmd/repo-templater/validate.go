package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fgeck/repo-templater/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without touching any repository.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to parse config")
		return err
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Paths:")
	fmt.Printf("  Templates: %s\n", cfg.Paths.Templates)
	fmt.Printf("  Backups: %s\n", cfg.Paths.Backups)
	fmt.Printf("  Checkpoints: %s\n", cfg.Paths.Checkpoints)
	fmt.Println()
	fmt.Println("Backups:")
	fmt.Printf("  Retention: %d day(s)\n", cfg.Backup.RetentionDays)
	fmt.Printf("  Compression: %s\n", cfg.Backup.Compression)
	fmt.Printf("  Encrypted: %v\n", len(cfg.Backup.AgeRecipients) > 0)
	if len(cfg.Backup.Exclude) > 0 {
		fmt.Printf("  Exclude: %s\n", strings.Join(cfg.Backup.Exclude, ", "))
	}
	fmt.Println()
	fmt.Println("Batch Defaults:")
	fmt.Printf("  Workers: %d\n", cfg.Batch.MaxWorkers)
	fmt.Printf("  Create backups: %v\n", cfg.Batch.CreateBackups)
	fmt.Printf("  Auto-resolve conflicts: %v\n", cfg.Batch.AutoResolveConflicts)
	fmt.Printf("  Retry failed: %v (max %d, delay %s)\n", cfg.Batch.RetryFailed, cfg.Batch.MaxRetries, cfg.Batch.RetryDelay)
	fmt.Printf("  Checkpoint every: %d task(s)\n", cfg.Batch.CheckpointInterval)
	fmt.Printf("  Timeout per repository: %s\n", cfg.Batch.TimeoutPerRepo)
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Interactive conflicts: %v\n", cfg.Conflicts.Interactive)
	fmt.Printf("  Warn on dirty worktree: %v\n", cfg.Git.WarnDirty)
	fmt.Printf("  Log file: %v\n", cfg.Log.File)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	return nil
}
