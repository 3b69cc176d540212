package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/telewatch/telewatch/internal/model"
)

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
func (f *fakeTransport) Commands() <-chan string      { return nil }
func (f *fakeTransport) Run(ctx context.Context) error { return nil }

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fakeStatus struct{}

func (fakeStatus) Status() StatusSnapshot    { return StatusSnapshot{ProgressFraction: 0.5, ActiveStage: "build"} }
func (fakeStatus) RecentLines(n int) []string { return []string{"line1", "line2"} }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDispatchSendsFirstEventImmediately(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, fakeStatus{}, 10, nil, discardLogger())

	d.Dispatch(context.Background(), model.Event{Severity: model.SeverityWarning, Reason: model.ReasonPattern, Summary: "disk usage high"})
	if tr.count() != 1 {
		t.Fatalf("sent count = %d, want 1", tr.count())
	}
}

func TestDispatchCoalescesIdenticalEventsWithinWindow(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, fakeStatus{}, 10, nil, discardLogger())

	ev := model.Event{Severity: model.SeverityWarning, Reason: model.ReasonPattern, Summary: "disk usage high"}
	d.Dispatch(context.Background(), ev)
	d.Dispatch(context.Background(), ev)
	d.Dispatch(context.Background(), ev)

	if tr.count() != 1 {
		t.Fatalf("sent count = %d, want 1 (later duplicates suppressed)", tr.count())
	}

	d.mu.Lock()
	key := debounceKey(ev)
	g := d.groups[key]
	d.mu.Unlock()
	if g == nil || g.suppressed != 2 {
		t.Fatalf("expected 2 suppressed events tracked, got %+v", g)
	}
}

func TestDispatchRateLimitDropsNonCriticalPastCap(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, fakeStatus{}, 2, nil, discardLogger())

	for i := 0; i < 5; i++ {
		d.Dispatch(context.Background(), model.Event{
			Severity: model.SeverityInfo,
			Reason:   model.ReasonProgress,
			Summary:  "progress update",
			Record:   &model.LogRecord{Message: "tick"},
		})
		// Force a fresh debounce key each time so the rate limiter (not the
		// debouncer) is what's under test.
		d.mu.Lock()
		for k := range d.groups {
			delete(d.groups, k)
		}
		d.mu.Unlock()
	}

	if tr.count() > 2 {
		t.Fatalf("sent count = %d, want at most the 2/hour cap", tr.count())
	}
}

func TestDispatchCriticalBypassesRateLimit(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, fakeStatus{}, 1, nil, discardLogger())

	d.Dispatch(context.Background(), model.Event{Severity: model.SeverityCritical, Reason: model.ReasonStall, Summary: "source stalled", Record: &model.LogRecord{Message: "a"}})
	before := tr.count()

	d.mu.Lock()
	d.lastCritical = time.Now().Add(-2 * time.Minute)
	for k := range d.groups {
		delete(d.groups, k)
	}
	d.mu.Unlock()

	d.Dispatch(context.Background(), model.Event{Severity: model.SeverityCritical, Reason: model.ReasonStall, Summary: "source stalled again", Record: &model.LogRecord{Message: "b"}})
	if tr.count() <= before {
		t.Fatalf("expected a second critical event past the 60s bypass window to still send")
	}
}

// TestDispatchCriticalNeverConsumesInfoWarningCapSlot mirrors a reported
// failure trace: with rate_limit_per_hour=2, a critical sent between two
// warnings must not count against the cap those warnings share, so both
// warnings still go out.
func TestDispatchCriticalNeverConsumesInfoWarningCapSlot(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, fakeStatus{}, 2, nil, discardLogger())

	d.Dispatch(context.Background(), model.Event{
		Severity: model.SeverityWarning, Reason: model.ReasonPattern, Summary: "w1",
		Record: &model.LogRecord{Message: "w1"},
	})
	d.Dispatch(context.Background(), model.Event{
		Severity: model.SeverityCritical, Reason: model.ReasonSpike, Summary: "c1",
		Record: &model.LogRecord{Message: "c1"},
	})
	d.Dispatch(context.Background(), model.Event{
		Severity: model.SeverityWarning, Reason: model.ReasonPattern, Summary: "w2",
		Record: &model.LogRecord{Message: "w2"},
	})

	if tr.count() != 3 {
		t.Fatalf("sent count = %d, want 3 (w1, c1 bypassing the cap, and w2 still within it)", tr.count())
	}

	d.mu.Lock()
	slots := len(d.sendTimes)
	d.mu.Unlock()
	if slots != 2 {
		t.Fatalf("info/warning cap slots used = %d, want 2 (the critical must not occupy one)", slots)
	}
}

func TestDispatchPausedModeQueuesAndDigestsOnResume(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, fakeStatus{}, 10, nil, discardLogger())

	d.HandleCommand(context.Background(), "pause")
	d.Dispatch(context.Background(), model.Event{Severity: model.SeverityWarning, Reason: model.ReasonPattern, Summary: "a", Record: &model.LogRecord{Message: "a"}})
	d.Dispatch(context.Background(), model.Event{Severity: model.SeverityCritical, Reason: model.ReasonSpike, Summary: "b", Record: &model.LogRecord{Message: "b"}})

	if tr.count() != 0 {
		t.Fatalf("expected no sends while paused, got %d", tr.count())
	}

	d.HandleCommand(context.Background(), "resume")
	if tr.count() != 1 {
		t.Fatalf("expected exactly one resume digest, got %d", tr.count())
	}
}

func TestHandleCommandStatusReplies(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, fakeStatus{}, 10, nil, discardLogger())

	d.HandleCommand(context.Background(), "status")
	if tr.count() != 1 {
		t.Fatalf("expected a /status reply, got %d sends", tr.count())
	}
}

func TestHandleCommandUnknownIsIgnored(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, fakeStatus{}, 10, nil, discardLogger())

	d.HandleCommand(context.Background(), "frobnicate")
	if tr.count() != 0 {
		t.Fatalf("expected unknown commands to be ignored, got %d sends", tr.count())
	}
}

func TestSeverityAllowlistFiltersEvents(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, fakeStatus{}, 10, []string{"critical"}, discardLogger())

	d.Dispatch(context.Background(), model.Event{Severity: model.SeverityInfo, Reason: model.ReasonProgress, Summary: "10% done"})
	if tr.count() != 0 {
		t.Fatalf("expected info severity to be filtered out, got %d sends", tr.count())
	}
}
