package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string `validate:"required"`
	ChatID   string `validate:"required"`
}

// TelegramMessage holds the data for a batch summary notification.
type TelegramMessage struct {
	Success      bool
	BatchID      string
	TemplateName string
	Status       BatchStatus
	StartTime    time.Time
	Duration     time.Duration

	// Task counters.
	Total      int
	Completed  int
	Failed     int
	Skipped    int
	Conflicted int

	// Applied changes.
	FilesCreated  int
	FilesModified int
	BackupBytes   int64

	// Failure info, keyed by error message.
	FailureReasons map[string][]string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
