// Package telegram provides Telegram notification services.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/fgeck/repo-templater/internal/models"
	"github.com/rs/zerolog"
)

// maxFailureLines caps the failure reasons listed in one message.
const maxFailureLines = 5

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// MessageFromReport builds the notification for a finished batch.
func MessageFromReport(report *models.BatchReport) models.TelegramMessage {
	msg := models.TelegramMessage{
		Success:        report.Status == models.BatchCompleted && report.Failed == 0,
		BatchID:        report.BatchID,
		TemplateName:   report.TemplateName,
		Status:         report.Status,
		StartTime:      report.CreationTime,
		Duration:       report.Duration,
		Total:          report.Total,
		Completed:      report.Completed,
		Failed:         report.Failed,
		Skipped:        report.Skipped,
		Conflicted:     report.Conflicted,
		FilesCreated:   report.FilesCreated,
		FilesModified:  report.FilesModified,
		BackupBytes:    report.BackupBytes,
		FailureReasons: report.FailureReasons,
	}
	if report.StartTime != nil {
		msg.StartTime = *report.StartTime
	}
	return msg
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendNotification sends a batch summary via Telegram. Delivery problems are
// reported in the result, never as an error.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Str("batch_id", msg.BatchID).
		Bool("success", msg.Success).
		Msg("sending Telegram notification")

	text := s.formatMessage(msg)

	reqBody := sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      text,
		ParseMode: "HTML",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Msg("Telegram notification sent successfully")

	return result, nil
}

func (s *Impl) formatMessage(msg models.TelegramMessage) string {
	var b bytes.Buffer

	if msg.Success {
		b.WriteString("✅ <b>Batch Completed</b>\n\n")
	} else {
		b.WriteString(fmt.Sprintf("❌ <b>Batch %s</b>\n\n", escapeHTML(statusTitle(msg.Status))))
	}

	b.WriteString(fmt.Sprintf("🆔 <b>Batch:</b> <code>%s</code>\n", escapeHTML(msg.BatchID)))
	b.WriteString(fmt.Sprintf("📦 <b>Template:</b> %s\n", escapeHTML(msg.TemplateName)))
	b.WriteString(fmt.Sprintf("⏰ <b>Started:</b> %s\n", msg.StartTime.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("⏱ <b>Duration:</b> %s\n", msg.Duration.Round(time.Second)))

	b.WriteString("\n<b>📊 Repositories:</b>\n")
	b.WriteString(fmt.Sprintf("  • Total: %s\n", humanize.Comma(int64(msg.Total))))
	b.WriteString(fmt.Sprintf("  • Completed: %d\n", msg.Completed))
	b.WriteString(fmt.Sprintf("  • Failed: %d\n", msg.Failed))
	if msg.Skipped > 0 {
		b.WriteString(fmt.Sprintf("  • Skipped: %d\n", msg.Skipped))
	}
	if msg.Conflicted > 0 {
		b.WriteString(fmt.Sprintf("  • Conflicted: %d\n", msg.Conflicted))
	}

	b.WriteString("\n<b>📝 Changes:</b>\n")
	b.WriteString(fmt.Sprintf("  • Files created: %d\n", msg.FilesCreated))
	b.WriteString(fmt.Sprintf("  • Files modified: %d\n", msg.FilesModified))
	if msg.BackupBytes > 0 {
		b.WriteString(fmt.Sprintf("  • Backups: %s\n", humanize.IBytes(uint64(msg.BackupBytes))))
	}

	if len(msg.FailureReasons) > 0 {
		b.WriteString("\n<b>⚠️ Failures:</b>\n")
		reasons := make([]string, 0, len(msg.FailureReasons))
		for reason := range msg.FailureReasons {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for i, reason := range reasons {
			if i == maxFailureLines {
				b.WriteString(fmt.Sprintf("  • … and %d more\n", len(reasons)-maxFailureLines))
				break
			}
			b.WriteString(fmt.Sprintf("  • %s: <code>%s</code>\n",
				english.Plural(len(msg.FailureReasons[reason]), "repository", "repositories"),
				escapeHTML(reason)))
		}
	}

	return b.String()
}

func statusTitle(status models.BatchStatus) string {
	switch status {
	case models.BatchCompleted:
		return "Completed With Failures"
	case models.BatchCancelled:
		return "Cancelled"
	case models.BatchPaused:
		return "Paused"
	default:
		return "Failed"
	}
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
