package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/telewatch/telewatch/internal/anomaly"
	"github.com/telewatch/telewatch/internal/classify"
	"github.com/telewatch/telewatch/internal/config"
	"github.com/telewatch/telewatch/internal/dispatch"
	"github.com/telewatch/telewatch/internal/model"
	"github.com/telewatch/telewatch/internal/profiler"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeTransport) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}
func (f *fakeTransport) Commands() <-chan string       { return nil }
func (f *fakeTransport) Run(ctx context.Context) error { <-ctx.Done(); return nil }

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// newBareEngine builds an Engine by hand (bypassing Build, which wires a
// real Telegram transport) so consume()/Status()/RecentLines() can be
// exercised against a fake transport directly.
func newBareEngine(turbo bool) (*Engine, *fakeTransport) {
	log := discardLogger()
	tr := &fakeTransport{}
	e := &Engine{
		cfg:       &config.Config{Turbo: turbo},
		log:       log,
		startedAt: time.Now(),
		lines:     make(map[string][]string),
		transport: tr,
	}
	if !turbo {
		e.profiler = profiler.New(log)
		e.detector = anomaly.NewDetector(3.0, 5*time.Minute, 0, nil)
	}
	e.classifier = classify.NewClassifier(classify.NewCache(), classify.NewPatterns(nil), nil, nil, 60, log)
	e.dispatcher = dispatch.New(tr, e, 10, nil, log)
	return e, tr
}

func TestConsumeRoutesNovelAlarmLineThroughClassifier(t *testing.T) {
	e, tr := newBareEngine(false)

	records := make(chan model.LogRecord, 1)
	records <- model.LogRecord{SourceID: "app", Raw: "panic: nil pointer dereference", ArrivedAt: time.Now()}
	close(records)

	e.consume(context.Background(), records)

	if tr.count() != 1 {
		t.Fatalf("sent count = %d, want 1 for a novel alarm-token line", tr.count())
	}
}

func TestConsumeIgnoresOrdinaryLineOutsideTurbo(t *testing.T) {
	e, tr := newBareEngine(false)

	records := make(chan model.LogRecord, 1)
	records <- model.LogRecord{SourceID: "app", Raw: "heartbeat ok", ArrivedAt: time.Now()}
	close(records)

	e.consume(context.Background(), records)

	if tr.count() != 0 {
		t.Fatalf("sent count = %d, want 0 for an unremarkable, non-novel line", tr.count())
	}
}

func TestConsumeTurboClassifiesEveryAdmittedLine(t *testing.T) {
	e, tr := newBareEngine(true)

	records := make(chan model.LogRecord, 1)
	records <- model.LogRecord{SourceID: "app", Raw: "heartbeat ok", Message: "heartbeat ok", ArrivedAt: time.Now()}
	close(records)

	e.consume(context.Background(), records)

	if tr.count() != 1 {
		t.Fatalf("sent count = %d, want 1: turbo mode classifies every admitted record", tr.count())
	}
	if e.profiler != nil || e.detector != nil {
		t.Fatal("turbo mode must not construct a profiler or anomaly detector")
	}
}

func TestHandleSyntheticDispatchesEachStateTransition(t *testing.T) {
	e, tr := newBareEngine(false)

	records := make(chan model.LogRecord, 3)
	records <- model.LogRecord{SourceID: "proc", Raw: "process started", Synthetic: true, ArrivedAt: time.Now(),
		Attributes: map[string]string{"severity": string(model.SeverityInfo)}}
	records <- model.LogRecord{SourceID: "proc", Raw: "process became a zombie", Synthetic: true, ArrivedAt: time.Now(),
		Attributes: map[string]string{"severity": string(model.SeverityCritical)}}
	records <- model.LogRecord{SourceID: "proc", Raw: "process stopped, exit status unknown", Synthetic: true, ArrivedAt: time.Now(),
		Attributes: map[string]string{"severity": string(model.SeverityCritical), "detail": "unknown"}}
	close(records)

	e.consume(context.Background(), records)

	if tr.count() != 3 {
		t.Fatalf("sent count = %d, want 3 synthetic transitions dispatched", tr.count())
	}
}

func TestStatusReflectsLineRateAndUptime(t *testing.T) {
	e, _ := newBareEngine(false)
	e.startedAt = time.Now().Add(-2 * time.Minute)

	for i := 0; i < 10; i++ {
		e.recordLine(model.LogRecord{SourceID: "app", Raw: "line"})
	}

	snap := e.Status()
	if snap.LineRatePerMin <= 0 {
		t.Fatalf("line rate = %v, want > 0 after 10 lines over ~2 minutes", snap.LineRatePerMin)
	}
	if snap.Uptime < time.Minute {
		t.Fatalf("uptime = %v, want at least 1 minute", snap.Uptime)
	}
}

func TestRecentLinesReturnsTrailingNFromLastActiveSource(t *testing.T) {
	e, _ := newBareEngine(false)

	for i := 0; i < 5; i++ {
		e.recordLine(model.LogRecord{SourceID: "a", Raw: "a-line"})
	}
	for i := 0; i < 3; i++ {
		e.recordLine(model.LogRecord{SourceID: "b", Raw: "b-line"})
	}

	lines := e.RecentLines(2)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	for _, l := range lines {
		if l != "b-line" {
			t.Fatalf("got line %q, want lines from the most recently active source b", l)
		}
	}
}

func TestBuildRejectsUnknownMonitorType(t *testing.T) {
	cfg := &config.Config{
		Monitors: []config.Monitor{{Type: "carrier-pigeon"}},
	}
	if _, err := Build(cfg, nil, discardLogger()); err == nil {
		t.Fatal("expected an error for an unknown monitor type")
	}
}
