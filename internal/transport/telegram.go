package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const apiBase = "https://api.telegram.org/bot"

// pollTimeoutSeconds is the long-poll wait Telegram's getUpdates endpoint
// blocks for server-side before returning an empty batch.
const pollTimeoutSeconds = 30

// Telegram is a minimal Transport over the Telegram Bot HTTP API: outbound
// sendMessage calls and an inbound getUpdates long-poll loop. It is
// deliberately small (no send retries, no media, no keyboards) — a production
// bot client is outside the engine's scope; this is the one wire format
// needed to exercise the Transport boundary end to end.
type Telegram struct {
	httpClient *http.Client
	apiBase    string
	chatID     string
	log        *slog.Logger

	updates chan string
	offset  int64
}

// NewTelegram builds a Telegram transport for the given bot token/chat id.
func NewTelegram(botToken, chatID string, log *slog.Logger) *Telegram {
	return &Telegram{
		httpClient: &http.Client{Timeout: (pollTimeoutSeconds + 10) * time.Second},
		apiBase:    apiBase + botToken,
		chatID:     chatID,
		log:        log,
		updates:    make(chan string, 16),
	}
}

// Send implements Transport, splitting text at the platform's 4096-char
// limit and sending each chunk in order.
func (t *Telegram) Send(ctx context.Context, text string) error {
	for _, chunk := range SplitMessage(text) {
		if err := t.sendOne(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) sendOne(ctx context.Context, text string) error {
	payload := map[string]string{"chat_id": t.chatID, "text": text}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal sendMessage: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: build sendMessage request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: sendMessage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("transport: sendMessage status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// Commands implements Transport.
func (t *Telegram) Commands() <-chan string {
	return t.updates
}

// Run implements Transport, long-polling getUpdates until ctx is done.
func (t *Telegram) Run(ctx context.Context) error {
	defer close(t.updates)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.log.Warn("transport: getUpdates failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, u := range batch {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			text := strings.TrimSpace(u.Message.Text)
			cmd, ok := IsCommand(text)
			if !ok {
				continue
			}
			select {
			case t.updates <- cmd:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		Text string `json:"text"`
	} `json:"message"`
}

func (t *Telegram) getUpdates(ctx context.Context) ([]telegramUpdate, error) {
	q := url.Values{}
	q.Set("offset", fmt.Sprintf("%d", t.offset))
	q.Set("timeout", fmt.Sprintf("%d", pollTimeoutSeconds))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiBase+"/getUpdates?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("transport: decode getUpdates: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("transport: getUpdates returned ok=false")
	}
	return result.Result, nil
}
