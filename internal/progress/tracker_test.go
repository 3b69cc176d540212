package progress

import (
	"testing"
	"time"

	"github.com/telewatch/telewatch/internal/model"
)

func TestRegexProgressFraction(t *testing.T) {
	tr := NewTracker("build", nil, nil, "", 0, nil)

	events := tr.Observe(model.LogRecord{Message: "processed 42/100 items", ArrivedAt: time.Now()})
	if tr.State().Fraction != 0.42 {
		t.Fatalf("Fraction=%v, want 0.42", tr.State().Fraction)
	}
	var sawProgress bool
	for _, ev := range events {
		if ev.Reason == model.ReasonProgress {
			sawProgress = true
		}
	}
	if !sawProgress {
		t.Fatalf("expected a progress event crossing the 10%% milestone, got %v", events)
	}
}

func TestRegexProgressPercent(t *testing.T) {
	tr := NewTracker("build", nil, nil, "", 0, nil)
	tr.Observe(model.LogRecord{Message: "75% done", ArrivedAt: time.Now()})
	if tr.State().Fraction != 0.75 {
		t.Fatalf("Fraction=%v, want 0.75", tr.State().Fraction)
	}
}

func TestStagedProgressTransitionsOnStageStart(t *testing.T) {
	stages := []model.Stage{
		{Name: "A", Weight: 1, StartPattern: "phase A"},
		{Name: "B", Weight: 3, StartPattern: "phase B"},
	}
	tr := NewTracker("build", stages, nil, "", 0, nil)

	base := time.Now()
	tr.Observe(model.LogRecord{Message: "phase A starting", ArrivedAt: base})

	events := tr.Observe(model.LogRecord{Message: "phase B starting", ArrivedAt: base.Add(30 * time.Second)})

	var sawStage bool
	for _, ev := range events {
		if ev.Reason == model.ReasonStage {
			sawStage = true
		}
	}
	if !sawStage {
		t.Fatalf("expected a stage event on the B transition, got %v", events)
	}
	if got := tr.State().Fraction; got != 0.25 {
		t.Fatalf("Fraction=%v, want 0.25 (A done / total weight 4)", got)
	}
}

func TestFractionIsMonotonicNonDecreasing(t *testing.T) {
	tr := NewTracker("build", nil, nil, "", 0, nil)
	tr.Observe(model.LogRecord{Message: "50%", ArrivedAt: time.Now()})
	tr.Observe(model.LogRecord{Message: "10%", ArrivedAt: time.Now()})
	if tr.State().Fraction != 0.5 {
		t.Fatalf("Fraction=%v, want fraction to never regress below 0.5", tr.State().Fraction)
	}
}

func TestProgressStallFiresOnceWhenFractionStopsMoving(t *testing.T) {
	tr := NewTracker("build", nil, nil, "", 0, nil)
	base := time.Now()

	tr.Observe(model.LogRecord{Message: "50%", ArrivedAt: base})

	events := tr.Observe(model.LogRecord{Message: "heartbeat, still at 50%", ArrivedAt: base.Add(progressStallThreshold + time.Minute)})
	var stalls int
	for _, ev := range events {
		if ev.Reason == model.ReasonStall {
			stalls++
		}
	}
	if stalls != 1 {
		t.Fatalf("got %d stall events, want 1 once Fraction has sat still past the threshold", stalls)
	}

	again := tr.Observe(model.LogRecord{Message: "heartbeat, still at 50%", ArrivedAt: base.Add(2 * progressStallThreshold)})
	for _, ev := range again {
		if ev.Reason == model.ReasonStall {
			t.Fatal("progress stall must not fire a second time for the same stuck episode")
		}
	}
}

func TestProgressStallClearsWhenFractionMovesAgain(t *testing.T) {
	tr := NewTracker("build", nil, nil, "", 0, nil)
	base := time.Now()

	tr.Observe(model.LogRecord{Message: "50%", ArrivedAt: base})
	tr.Observe(model.LogRecord{Message: "still 50%", ArrivedAt: base.Add(progressStallThreshold + time.Minute)})
	tr.Observe(model.LogRecord{Message: "60%", ArrivedAt: base.Add(progressStallThreshold + 2*time.Minute)})

	events := tr.Observe(model.LogRecord{Message: "still 60%", ArrivedAt: base.Add(2*progressStallThreshold + 3*time.Minute)})
	var stalls int
	for _, ev := range events {
		if ev.Reason == model.ReasonStall {
			stalls++
		}
	}
	if stalls != 1 {
		t.Fatalf("got %d stall events, want a fresh one for the new stuck episode at 60%%", stalls)
	}
}

func TestCompletionFiresOnceAndPersistsHistory(t *testing.T) {
	dir := t.TempDir()
	hist, err := LoadHistory(dir + "/history.json")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}

	tr := NewTracker("build", nil, nil, "build finished", 0, hist)
	base := time.Now()
	tr.state.StartedAt = base

	events := tr.Observe(model.LogRecord{Message: "build finished successfully", ArrivedAt: base.Add(5 * time.Second)})
	var completions int
	for _, ev := range events {
		if ev.Reason == model.ReasonCompletion {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("got %d completion events, want 1", completions)
	}

	again := tr.Observe(model.LogRecord{Message: "build finished successfully", ArrivedAt: base.Add(6 * time.Second)})
	for _, ev := range again {
		if ev.Reason == model.ReasonCompletion {
			t.Fatal("completion must not fire a second time")
		}
	}

	reloaded, err := LoadHistory(dir + "/history.json")
	if err != nil {
		t.Fatalf("LoadHistory after record: %v", err)
	}
	if _, ok := reloaded.Median("build"); !ok {
		t.Fatal("expected the completed run's duration to be persisted and reloadable")
	}
}

func TestHistoryMedianOfTrailingEntries(t *testing.T) {
	h := &History{entries: map[string][]float64{}}
	for _, d := range []float64{10, 20, 30, 100, 40} {
		if err := h.Record("job", d); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	median, ok := h.Median("job")
	if !ok {
		t.Fatal("expected a median once entries are recorded")
	}
	if median != 30 {
		t.Fatalf("median=%v, want 30", median)
	}
}
