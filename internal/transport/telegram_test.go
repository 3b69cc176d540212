package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestTelegram(t *testing.T, handler http.HandlerFunc) *Telegram {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tg := NewTelegram("test-token", "123", slog.New(slog.NewTextHandler(io.Discard, nil)))
	tg.apiBase = srv.URL
	tg.httpClient = srv.Client()
	return tg
}

func TestTelegramSendPostsToSendMessage(t *testing.T) {
	var got atomic.Bool
	tg := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sendMessage" {
			got.Store(true)
		}
		w.Write([]byte(`{"ok":true}`))
	})

	if err := tg.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !got.Load() {
		t.Fatal("expected a request to /sendMessage")
	}
}

func TestTelegramRunDeliversCommandsOnly(t *testing.T) {
	var served atomic.Bool
	tg := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		if served.CompareAndSwap(false, true) {
			json.NewEncoder(w).Encode(map[string]any{
				"ok": true,
				"result": []map[string]any{
					{"update_id": 1, "message": map[string]string{"text": "/status"}},
					{"update_id": 2, "message": map[string]string{"text": "not a command"}},
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": []any{}})
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.Run(ctx) }()

	select {
	case cmd := <-tg.Commands():
		if cmd != "status" {
			t.Fatalf("got command %q, want status", cmd)
		}
	case <-ctx.Done():
		t.Fatal("context cancelled before a command arrived")
	}

	cancel()
	<-done
}
