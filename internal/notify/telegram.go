package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Telegram sends through the Bot API. Recipients are chat ids.
type Telegram struct {
	Token   string
	APIBase string
	Client  *http.Client
	Logger  zerolog.Logger
}

func NewTelegram(token, apiBase string, logger zerolog.Logger) *Telegram {
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	return &Telegram{
		Token:   token,
		APIBase: strings.TrimRight(apiBase, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
		Logger:  logger,
	}
}

func (t *Telegram) Notify(ctx context.Context, recipient, message string) {
	defer guard(t.Logger, "telegram")
	if recipient == "" {
		t.Logger.Debug().Msg("telegram skipped: no recipient")
		return
	}
	if err := t.send(ctx, recipient, message); err != nil {
		t.Logger.Warn().Err(err).Str("recipient", recipient).Msg("telegram send failed")
	}
}

func (t *Telegram) send(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(map[string]string{"chat_id": chatID, "text": text})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.APIBase, t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		// the url carries the token
		return fmt.Errorf("telegram: request failed: %w", redact(err, t.Token))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

type redactedError struct{ msg string }

func (e redactedError) Error() string { return e.msg }

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return redactedError{msg: strings.ReplaceAll(err.Error(), token, "***")}
}
