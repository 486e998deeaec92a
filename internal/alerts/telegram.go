package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	telegramBaseURL = "https://api.telegram.org"
	maxMessageRunes = 4096
)

var ErrTelegramDisabled = errors.New("telegram sink not configured")

// TelegramOptions configures the chat sink.
type TelegramOptions struct {
	BotToken    string
	ChatID      string
	BaseURL     string
	SendTimeout time.Duration
	MinGap      time.Duration
	MaxAttempts int
}

func (o *TelegramOptions) withDefaults() TelegramOptions {
	opts := *o
	if opts.BaseURL == "" {
		opts.BaseURL = telegramBaseURL
	}
	if opts.SendTimeout == 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.MinGap == 0 {
		opts.MinGap = 3 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	return opts
}

// Telegram delivers formatted alerts through the Bot API. A client-side
// minimum gap between sends keeps us under the server's per-minute cap.
type Telegram struct {
	opts    TelegramOptions
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger

	mu       sync.Mutex
	sent     int64
	failed   int64
	lastSend time.Time
}

func NewTelegram(opts TelegramOptions, logger zerolog.Logger) *Telegram {
	opts = (&opts).withDefaults()
	return &Telegram{
		opts:    opts,
		client:  &http.Client{Timeout: opts.SendTimeout},
		limiter: rate.NewLimiter(rate.Every(opts.MinGap), 1),
		log:     logger.With().Str("component", "telegram").Logger(),
	}
}

// Enabled reports whether both credentials are present.
func (t *Telegram) Enabled() bool {
	return t.opts.BotToken != "" && t.opts.ChatID != ""
}

// Send delivers one message, retrying with exponential backoff inside a
// total deadline. Over-length messages are truncated with an ellipsis.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if !t.Enabled() {
		return ErrTelegramDisabled
	}
	if text == "" {
		return errors.New("empty message")
	}
	if runes := []rune(text); len(runes) > maxMessageRunes {
		t.log.Warn().Int("length", len(runes)).Msg("Message too long, truncating")
		text = string(runes[:maxMessageRunes-6]) + "..."
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.SendTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < t.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			// 1s, 2s, 4s between attempts.
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				t.markFailed()
				return ctx.Err()
			}
		}

		if err := t.sendOnce(ctx, text); err != nil {
			lastErr = err
			t.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Telegram send failed")
			continue
		}
		t.markSent()
		return nil
	}

	t.markFailed()
	return fmt.Errorf("telegram send failed after %d attempts: %w", t.opts.MaxAttempts, lastErr)
}

func (t *Telegram) sendOnce(ctx context.Context, text string) error {
	payload := struct {
		ChatID    string `json:"chat_id"`
		Text      string `json:"text"`
		ParseMode string `json:"parse_mode"`
	}{
		ChatID:    t.opts.ChatID,
		Text:      text,
		ParseMode: "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.opts.BaseURL, t.opts.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api status %d: %s", resp.StatusCode, raw)
	}
	var result struct {
		Ok          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("telegram api response: %w", err)
	}
	if !result.Ok {
		return fmt.Errorf("telegram api rejected message: %s", result.Description)
	}
	return nil
}

// TestConnection sends a probe message to verify the credentials.
func (t *Telegram) TestConnection(ctx context.Context) error {
	return t.Send(ctx, "🔔 TELEGLAS Pro - Connection Test\n\n✅ Bot is connected and ready!")
}

func (t *Telegram) markSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent++
	t.lastSend = time.Now()
}

func (t *Telegram) markFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed++
}

func (t *Telegram) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := t.sent + t.failed
	successRate := 100.0
	if total > 0 {
		successRate = float64(t.sent) / float64(total) * 100
	}
	stats := map[string]interface{}{
		"messages_sent":   t.sent,
		"messages_failed": t.failed,
		"success_rate":    successRate,
	}
	if !t.lastSend.IsZero() {
		stats["last_send"] = t.lastSend.UTC().Format(time.RFC3339)
	}
	return stats
}
