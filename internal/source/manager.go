package source

import (
	"context"
	"log/slog"

	"github.com/sourcegraph/conc"

	"github.com/telewatch/telewatch/internal/model"
)

// HighWaterMark is the record-channel capacity; once it is full, Enqueue
// drops the oldest queued record rather than applying backpressure to
// source adapters. The dropped record may be of any kind, synthetic
// records included.
const HighWaterMark = 10_000

// Manager runs one goroutine per configured source adapter and fans their
// records into a single channel, using a sourcegraph/conc.WaitGroup so a
// panic in one adapter (e.g. a malformed regex on attacker-controlled log
// content) cannot take the whole process down: the panicking adapter stops,
// the others keep running, and the panic is logged once all have returned.
type Manager struct {
	adapters []Adapter
	log      *slog.Logger
}

// NewManager builds a Manager over adapters.
func NewManager(adapters []Adapter, log *slog.Logger) *Manager {
	return &Manager{adapters: adapters, log: log}
}

// Enqueue delivers rec to ch, dropping the oldest queued record (and
// logging a warning) instead of blocking the producing adapter once ch
// has backed up to HighWaterMark. Adapters use this for
// ordinary log records; synthetic records (source state transitions,
// stall warnings) use a guaranteed blocking send instead, so they are never
// dropped at send time; once queued, a synthetic record that is the oldest
// is evicted by Enqueue like any other.
func Enqueue(ch chan model.LogRecord, rec model.LogRecord, log *slog.Logger) {
	select {
	case ch <- rec:
		return
	default:
	}
	select {
	case dropped := <-ch:
		log.Warn("record channel at high-water mark, dropping oldest", "source", dropped.SourceID, "seq", dropped.Seq)
	default:
	}
	select {
	case ch <- rec:
	default:
		log.Warn("record channel still full after drop, discarding newest", "source", rec.SourceID, "seq", rec.Seq)
	}
}

// Run starts all adapters and returns a channel of their combined output.
// The returned channel is closed once ctx is cancelled and every adapter
// has returned. Records are dropped (with a logged warning) once the
// channel backs up past HighWaterMark, rather than blocking fast sources
// on a stalled one.
func (m *Manager) Run(ctx context.Context) <-chan model.LogRecord {
	out := make(chan model.LogRecord, HighWaterMark)

	var wg conc.WaitGroup
	for _, a := range m.adapters {
		a := a
		wg.Go(func() {
			if err := a.Run(ctx, out); err != nil {
				m.log.Error("source adapter exited", "source", a.Descriptor().ID, "error", err)
			}
		})
	}

	go func() {
		defer close(out)
		if r := wg.WaitAndRecover(); r != nil {
			m.log.Error("source adapter panicked", "panic", r.String())
		}
	}()

	return out
}
