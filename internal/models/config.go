// Package models contains the data structures used throughout repo-templater.
package models

import "time"

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Paths     PathSettings
	Backup    BackupSettings
	Batch     BatchDefaults
	Conflicts ConflictSettings
	Git       GitSettings
	Log       LogSettings
	Telegram  *TelegramConfig // nil if not configured
}

// PathSettings locates the on-disk state of the tool.
type PathSettings struct {
	Templates   string `validate:"required"`
	Backups     string `validate:"required"`
	Checkpoints string `validate:"required"`
}

// BackupSettings holds backup-specific settings.
type BackupSettings struct {
	RetentionDays     int         `validate:"gte=0"`
	Compression       Compression `validate:"oneof=gzip zip"`
	Exclude           []string    // extra glob patterns on top of the defaults
	SelectivePatterns []string    // used by selective backups, defaults when empty
	AgeRecipients     []string    // encrypt archives when set
	AgeIdentityFile   string      // needed to read encrypted archives
}

// BatchDefaults are the execution parameters used when a batch is created
// without explicit overrides.
type BatchDefaults struct {
	MaxWorkers           int `validate:"gte=1,lte=64"`
	CreateBackups        bool
	AutoResolveConflicts bool
	InteractiveConflicts bool
	RetryFailed          bool
	MaxRetries           int           `validate:"gte=0"`
	RetryDelay           time.Duration `validate:"gte=0"`
	CheckpointInterval   int           `validate:"gte=1"`
	TimeoutPerRepo       time.Duration `validate:"gt=0"`
}

// ConflictSettings controls conflict resolution behavior.
type ConflictSettings struct {
	Interactive bool
}

// GitSettings controls repository inspection.
type GitSettings struct {
	WarnDirty bool // warn when the target worktree has uncommitted changes
}

// LogSettings controls log output beyond the console.
type LogSettings struct {
	File bool // also append to $XDG_STATE_HOME/repo-templater/repo-templater.log
}
