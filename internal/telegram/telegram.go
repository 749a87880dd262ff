package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"brea/server/config"
	"brea/server/internal/coordinator"
	"brea/server/internal/models"
)

// Service posts scrape run summaries to a Telegram chat
type Service struct {
	logger      *logrus.Logger
	client      *http.Client
	baseURL     string
	botToken    string
	chatID      string
	onlyChanges bool
}

func NewService(cfg *config.Config, client *http.Client, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Service{
		logger:      logger,
		client:      client,
		baseURL:     strings.TrimRight(cfg.Telegram.APIBaseURL, "/"),
		botToken:    cfg.Telegram.BotToken,
		chatID:      cfg.Telegram.ChatID,
		onlyChanges: cfg.Telegram.OnlyChanges,
	}
}

func (s *Service) Enabled() bool {
	return s.botToken != "" && s.chatID != ""
}

// SendMessage sends a message to the configured Telegram chat
func (s *Service) SendMessage(ctx context.Context, message string) error {
	if !s.Enabled() {
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.botToken)
	payload := map[string]interface{}{
		"chat_id":    s.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build Telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message to Telegram API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusNotFound:
			return errors.New("telegram rejected the bot token")
		case http.StatusBadRequest:
			return fmt.Errorf("invalid chat ID or message format: %s", string(body))
		case http.StatusForbidden:
			return errors.New("bot was blocked by the user or chat")
		default:
			return fmt.Errorf("telegram API error (status %d): %s", resp.StatusCode, string(body))
		}
	}

	return nil
}

// NotifyRun posts the outcome of a finished run
func (s *Service) NotifyRun(ctx context.Context, run models.ScrapeRun, summary coordinator.Summary) error {
	if !s.Enabled() {
		return nil
	}
	if s.onlyChanges && run.Status == models.RunStatusCompleted &&
		summary.Created == 0 && summary.Removed == 0 && summary.Failed == 0 && summary.FailedPages == 0 {
		s.logger.WithField("run_id", run.ID).Debug("Skipping notification for unchanged run")
		return nil
	}
	return s.SendMessage(ctx, FormatRun(run, summary))
}

// FormatRun renders a run summary as Telegram HTML
func FormatRun(run models.ScrapeRun, summary coordinator.Summary) string {
	var b strings.Builder

	title := "Scrape finished"
	switch run.Status {
	case models.RunStatusFailed:
		title = "Scrape failed"
	case models.RunStatusCancelled:
		title = "Scrape cancelled"
	}
	fmt.Fprintf(&b, "<b>%s</b>\n", title)
	fmt.Fprintf(&b, "%s / %s\n\n", html.EscapeString(run.Source), html.EscapeString(run.District))

	fmt.Fprintf(&b, "New: %d\nUpdated: %d\nRemoved: %d\n", summary.Created, summary.Updated, summary.Removed)
	fmt.Fprintf(&b, "Pages: %d (%d failed)\n", summary.PagesFetched, summary.FailedPages)

	if summary.Failed > 0 {
		fmt.Fprintf(&b, "Failed listings: %d\n", summary.Failed)
	}
	if len(summary.FailuresByKind) > 0 {
		kinds := make([]string, 0, len(summary.FailuresByKind))
		for kind := range summary.FailuresByKind {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		parts := make([]string, len(kinds))
		for i, kind := range kinds {
			parts[i] = fmt.Sprintf("%s %d", kind, summary.FailuresByKind[kind])
		}
		fmt.Fprintf(&b, "Failures: %s\n", strings.Join(parts, ", "))
	}
	if run.Error != "" {
		fmt.Fprintf(&b, "\n<i>%s</i>\n", html.EscapeString(run.Error))
	}
	return b.String()
}
