// Package notify sends operational notifications via a Telegram bot.
// Notifications are best-effort: failures are logged, never propagated into
// the pipeline that triggered them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const telegramAPIBase = "https://api.telegram.org/bot"

// Settings contains Telegram configuration. An empty token or chat id
// disables the notifier.
type Settings struct {
	BotToken string
	ChatID   string
}

// Notifier sends messages to one Telegram chat.
type Notifier struct {
	settings   Settings
	apiBase    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithAPIBase overrides the Telegram API base URL, used in tests.
func WithAPIBase(base string) Option {
	return func(n *Notifier) { n.apiBase = base }
}

func New(settings Settings, logger zerolog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		settings:   settings,
		apiBase:    telegramAPIBase,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "notify").Logger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enabled reports whether the notifier is configured.
func (n *Notifier) Enabled() bool {
	return n.settings.BotToken != "" && n.settings.ChatID != ""
}

// Notify sends a message, swallowing errors after logging them.
func (n *Notifier) Notify(ctx context.Context, text string) {
	if !n.Enabled() {
		return
	}
	if err := n.send(ctx, text); err != nil {
		n.logger.Warn().Err(err).Msg("notification failed")
	}
}

// Notifyf formats and sends a message.
func (n *Notifier) Notifyf(ctx context.Context, format string, args ...any) {
	n.Notify(ctx, fmt.Sprintf(format, args...))
}

func (n *Notifier) send(ctx context.Context, text string) error {
	url := fmt.Sprintf("%s%s/sendMessage", n.apiBase, n.settings.BotToken)

	body, err := json.Marshal(map[string]any{
		"chat_id": n.settings.ChatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var result struct {
			OK          bool   `json:"ok"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && result.Description != "" {
			return fmt.Errorf("telegram error: %s", result.Description)
		}
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}
