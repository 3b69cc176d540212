// Package anomaly implements two orthogonal detectors: a temporal
// detector (spike/stall over an EWMA rate) and a structural novelty
// detector backed by a bounded fingerprint ring.
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telewatch/telewatch/internal/model"
)

const (
	ewmaTau            = 30 * time.Second
	spikeWindow        = 5 * time.Second
	spikeSuppress      = 60 * time.Second
	defaultStallWindow = 10 * time.Minute
	minStallRate       = 1.0 / 60.0 // 1 record/min
)

type sourceRate struct {
	ewma           float64
	baseline       float64
	lastArrival    time.Time
	windowArrivals []time.Time // arrivals within the trailing 10-minute producing check
	spikeUntil     time.Time
	stallFired     bool
}

// Temporal tracks one sourceRate per source and emits spike/stall Events
type Temporal struct {
	mu             sync.Mutex
	sources        map[string]*sourceRate
	spikeThreshold float64
	stallAfter     time.Duration
}

// NewTemporal builds a Temporal detector with spikeThreshold (default
// 3.0) and stallAfter (default 300s).
func NewTemporal(spikeThreshold float64, stallAfter time.Duration) *Temporal {
	return &Temporal{
		sources:        make(map[string]*sourceRate),
		spikeThreshold: spikeThreshold,
		stallAfter:     stallAfter,
	}
}

// Observe updates the rate estimate for rec.SourceID and returns a spike
// Event if the instantaneous rate just crossed the threshold.
func (t *Temporal) Observe(rec model.LogRecord) *model.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	sr, ok := t.sources[rec.SourceID]
	if !ok {
		sr = &sourceRate{lastArrival: rec.ArrivedAt}
		t.sources[rec.SourceID] = sr
	}

	sr.stallFired = false
	sr.windowArrivals = append(sr.windowArrivals, rec.ArrivedAt)
	sr.windowArrivals = trimBefore(sr.windowArrivals, rec.ArrivedAt.Add(-defaultStallWindow))

	if !sr.lastArrival.IsZero() {
		dt := rec.ArrivedAt.Sub(sr.lastArrival).Seconds()
		if dt > 0 {
			instant := 1.0 / dt
			if sr.ewma == 0 {
				// Seed from the first measured interval; decaying up from zero
				// would leave the reference rate far below steady traffic.
				sr.ewma = instant
			} else {
				decay := 1 - expDecay(dt, ewmaTau.Seconds())
				sr.ewma = sr.ewma + decay*(instant-sr.ewma)
			}
		}
	}
	sr.lastArrival = rec.ArrivedAt
	if sr.baseline == 0 {
		sr.baseline = sr.ewma
	} else {
		sr.baseline = sr.baseline*0.99 + sr.ewma*0.01
	}

	instantRate := instantRateOver(sr.windowArrivals, rec.ArrivedAt, spikeWindow)
	ref := sr.ewma
	if sr.baseline > ref {
		ref = sr.baseline
	}
	if ref <= 0 || rec.ArrivedAt.Before(sr.spikeUntil) {
		return nil
	}
	if instantRate > t.spikeThreshold*ref {
		sr.spikeUntil = rec.ArrivedAt.Add(spikeSuppress)
		return &model.Event{
			ID:        uuid.NewString(),
			Record:    &rec,
			Severity:  model.SeverityWarning,
			Summary:   fmt.Sprintf("record rate spiked to %.1f/s (baseline %.1f/s)", instantRate, ref),
			Reason:    model.ReasonSpike,
			Detail:    fmt.Sprintf("rate=%.2f baseline=%.2f threshold=%.2f", instantRate, ref, t.spikeThreshold),
			CreatedAt: time.Now(),
		}
	}
	return nil
}

// CheckStalls scans every tracked source at now and returns a stall Event
// for each one that has gone silent for stallAfter after having produced
// at least minStallRate records/sec over the preceding 10 minutes. Callers
// poll this on a ticker since a stall is defined by the *absence* of
// records, not by one arriving.
func (t *Temporal) CheckStalls(now time.Time) []model.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var events []model.Event
	for sourceID, sr := range t.sources {
		if sr.stallFired || sr.lastArrival.IsZero() {
			continue
		}
		if now.Sub(sr.lastArrival) < t.stallAfter {
			continue
		}
		recent := trimBefore(sr.windowArrivals, sr.lastArrival.Add(-defaultStallWindow))
		rate := float64(len(recent)) / defaultStallWindow.Seconds()
		if rate < minStallRate {
			continue
		}
		sr.stallFired = true
		events = append(events, model.Event{
			ID:        uuid.NewString(),
			Severity:  model.SeverityCritical,
			Summary:   fmt.Sprintf("source %s has produced nothing for %s", sourceID, t.stallAfter),
			Reason:    model.ReasonStall,
			Detail:    fmt.Sprintf("last_arrival=%s", sr.lastArrival.Format(time.RFC3339)),
			CreatedAt: now,
		})
	}
	return events
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func instantRateOver(arrivals []time.Time, now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)
	n := 0
	for i := len(arrivals) - 1; i >= 0; i-- {
		if arrivals[i].Before(cutoff) {
			break
		}
		n++
	}
	return float64(n) / window.Seconds()
}

func expDecay(dt, tau float64) float64 {
	return math.Exp(-dt / tau)
}
