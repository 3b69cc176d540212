// Package progress maintains one ProgressState per configured process,
// deriving completion fraction from regex progress markers or weighted
// stage transitions, and learning expected duration from past runs.
package progress

import (
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/telewatch/telewatch/internal/model"
)

// defaultProgressPatterns are the stock fraction/percent/epoch markers
// recognized as regex progress indicators out of the box.
var defaultProgressPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d+)\s*/\s*(\d+)`),
	regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`),
	regexp.MustCompile(`(?i)epoch\s+(\d+)\s+of\s+(\d+)`),
}

// milestoneStep is the default progress-event granularity (every 10%).
const milestoneStep = 0.10

// milestoneMinInterval enforces "no two progress events within 60s".
const milestoneMinInterval = 60 * time.Second

// progressStallThreshold mirrors the original monitor's default: if
// Fraction hasn't moved in this long despite lines still arriving, the
// process is considered stalled even though its log source isn't silent.
const progressStallThreshold = 30 * time.Minute

// Tracker evaluates one configured process's ProgressState against
// incoming records.
type Tracker struct {
	state            *model.ProgressState
	progressPatterns []*regexp.Regexp
	terminalPattern  *regexp.Regexp
	history          *History
	expectedSeconds  float64 // config override, 0 if using history median
	totalWeight      int
	completed        bool
}

// NewTracker builds a Tracker for a configured process. stages is ordered;
// stage weights must be positive (enforced by config validation elsewhere).
func NewTracker(processName string, stages []model.Stage, progressPatterns []string, terminalPattern string, expectedDurationMinutes float64, history *History) *Tracker {
	stagePtrs := make([]*model.Stage, len(stages))
	total := 0
	for i := range stages {
		s := stages[i]
		s.Current = model.StagePending
		stagePtrs[i] = &s
		total += s.Weight
	}

	patterns := defaultProgressPatterns
	for _, p := range progressPatterns {
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		}
	}

	var terminal *regexp.Regexp
	if terminalPattern != "" {
		terminal, _ = regexp.Compile(terminalPattern)
	}

	expected := 0.0
	if expectedDurationMinutes > 0 {
		expected = expectedDurationMinutes * 60
	} else if history != nil {
		if median, ok := history.Median(processName); ok {
			expected = median
		}
	}

	return &Tracker{
		state: &model.ProgressState{
			ProcessName:      processName,
			ActiveStage:      -1,
			Stages:           stagePtrs,
			StartedAt:        time.Now(),
			HistoricalMedian: time.Duration(expected * float64(time.Second)),
		},
		progressPatterns: patterns,
		terminalPattern:  terminal,
		history:          history,
		expectedSeconds:  expected,
		totalWeight:      total,
	}
}

// State returns a read-only snapshot of the current progress state.
func (t *Tracker) State() model.ProgressState {
	return *t.state
}

// Observe evaluates rec against progress/stage/terminal patterns and
// returns any Events to emit (progress, stage, completion), in order.
// Fraction is monotonically non-decreasing across calls
// "progress monotonicity" testable property.
func (t *Tracker) Observe(rec model.LogRecord) []model.Event {
	var events []model.Event
	now := rec.ArrivedAt
	if now.IsZero() {
		now = time.Now()
	}
	t.state.LastLineAt = now

	if ev := t.evaluateStage(rec, now); ev != nil {
		events = append(events, *ev)
	}
	t.evaluateRegexProgress(rec.Message, now)
	t.recomputeStageFraction(now)

	if ev := t.maybeEmitProgress(now); ev != nil {
		events = append(events, *ev)
	}
	if ev := t.maybeEmitProgressStall(now); ev != nil {
		events = append(events, *ev)
	}
	if ev := t.maybeEmitCompletion(rec, now); ev != nil {
		events = append(events, *ev)
	}
	return events
}

// maybeEmitProgressStall fires once per stall episode when Fraction has sat
// at the same value for progressStallThreshold despite the source still
// producing lines (a distinct signal from a silent source, which
// anomaly.Temporal already covers): e.g. a build loop that keeps logging
// heartbeats while genuinely stuck on one step.
func (t *Tracker) maybeEmitProgressStall(now time.Time) *model.Event {
	if t.state.FractionFixedAt.IsZero() || t.completed {
		return nil
	}
	if t.state.StallReported {
		return nil
	}
	if now.Sub(t.state.FractionFixedAt) < progressStallThreshold {
		return nil
	}
	t.state.StallReported = true
	return &model.Event{
		ID:        uuid.NewString(),
		Severity:  model.SeverityWarning,
		Summary:   t.state.ProcessName + " progress appears stalled at " + progressSummary(t.state.Fraction),
		Reason:    model.ReasonStall,
		CreatedAt: now,
	}
}

// evaluateRegexProgress updates Fraction directly from the first matching
// configured/default progress pattern, clamped to [current, 1].
func (t *Tracker) evaluateRegexProgress(message string, now time.Time) {
	for _, re := range t.progressPatterns {
		m := re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		var fraction float64
		switch len(m) {
		case 3: // "num/denom" or "epoch N of M"
			num, err1 := strconv.ParseFloat(m[1], 64)
			denom, err2 := strconv.ParseFloat(m[2], 64)
			if err1 != nil || err2 != nil || denom <= 0 {
				continue
			}
			fraction = num / denom
		case 2: // percent
			pct, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			fraction = pct / 100
		default:
			continue
		}
		t.setFraction(fraction, now)
		return
	}
}

// setFraction raises Fraction to max(current, fraction) clamped to [0,1],
// and whenever it actually moves, resets the progress-stall clock and
// clears any already-reported stall so a fresh one can fire later.
func (t *Tracker) setFraction(fraction float64, now time.Time) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	if fraction > t.state.Fraction {
		t.state.Fraction = fraction
		t.state.FractionFixedAt = now
		t.state.StallReported = false
	} else if t.state.FractionFixedAt.IsZero() {
		t.state.FractionFixedAt = now
	}
}

// evaluateStage marks the first pending stage whose start_pattern matches
// as active (and all prior stages done), returning a stage Event on
// transition.
func (t *Tracker) evaluateStage(rec model.LogRecord, now time.Time) *model.Event {
	for i, stage := range t.state.Stages {
		if stage.Current != model.StagePending {
			continue
		}
		if stage.StartPattern == "" {
			continue
		}
		matched, err := regexp.MatchString(stage.StartPattern, rec.Message)
		if err != nil || !matched {
			continue
		}

		for j := 0; j < i; j++ {
			if t.state.Stages[j].Current != model.StageDone {
				t.state.Stages[j].Current = model.StageDone
				t.state.Stages[j].EndedAt = now
			}
		}
		stage.Current = model.StageActive
		stage.StartedAt = now
		t.state.ActiveStage = i

		return &model.Event{
			ID:        uuid.NewString(),
			Record:    &rec,
			Severity:  model.SeverityInfo,
			Summary:   "stage " + stage.Name + " started",
			Reason:    model.ReasonStage,
			CreatedAt: now,
		}
	}
	return nil
}

// recomputeStageFraction implements its weighted fraction formula:
// Σ(done_weights + active_fraction × active_weight) / Σ(weights).
func (t *Tracker) recomputeStageFraction(now time.Time) {
	if t.totalWeight == 0 || t.state.ActiveStage < 0 {
		return
	}

	doneWeight := 0
	for _, s := range t.state.Stages {
		if s.Current == model.StageDone {
			doneWeight += s.Weight
		}
	}

	active := t.state.Stages[t.state.ActiveStage]
	activeFraction := t.activeStageFraction(active, now)
	fraction := (float64(doneWeight) + activeFraction*float64(active.Weight)) / float64(t.totalWeight)
	t.setFraction(fraction, now)
}

// activeStageFraction interpolates linearly between the active stage's
// start and either the next stage's start or the historically expected
// duration for this stage's weighted share, whichever fires first.
func (t *Tracker) activeStageFraction(active *model.Stage, now time.Time) float64 {
	elapsed := now.Sub(active.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}

	budget := 0.0
	if t.expectedSeconds > 0 && t.totalWeight > 0 {
		budget = t.expectedSeconds * float64(active.Weight) / float64(t.totalWeight)
	}
	if budget <= 0 {
		return 0
	}
	fraction := elapsed / budget
	if fraction > 1 {
		fraction = 1
	}
	return fraction
}

// maybeEmitProgress emits a progress Event at the configured milestone
// granularity, clamped so no two fire within milestoneMinInterval.
func (t *Tracker) maybeEmitProgress(now time.Time) *model.Event {
	if t.state.Fraction-t.state.LastProgressValue < milestoneStep {
		return nil
	}
	if !t.state.LastProgressEmit.IsZero() && now.Sub(t.state.LastProgressEmit) < milestoneMinInterval {
		return nil
	}

	t.state.LastProgressValue = t.state.Fraction
	t.state.LastProgressEmit = now
	return &model.Event{
		ID:        uuid.NewString(),
		Severity:  model.SeverityInfo,
		Summary:   progressSummary(t.state.Fraction),
		Reason:    model.ReasonProgress,
		CreatedAt: now,
	}
}

func progressSummary(fraction float64) string {
	pct := int(fraction*100 + 0.5)
	return strconv.Itoa(pct) + "% complete"
}

// maybeEmitCompletion fires once, when the terminal pattern matches this
// record, persisting the run's duration to history.
func (t *Tracker) maybeEmitCompletion(rec model.LogRecord, now time.Time) *model.Event {
	if t.completed || t.terminalPattern == nil {
		return nil
	}
	if !t.terminalPattern.MatchString(rec.Message) {
		return nil
	}
	return t.Complete(now)
}

// Complete marks the tracked process finished at now, regardless of cause
// (terminal pattern match or a pid source's observed exit(0)), persists the
// run duration to history, and returns the completion Event. Calling it
// more than once is a no-op past the first call.
func (t *Tracker) Complete(now time.Time) *model.Event {
	if t.completed {
		return nil
	}
	t.completed = true
	t.setFraction(1, now)
	duration := now.Sub(t.state.StartedAt).Seconds()
	if t.history != nil {
		_ = t.history.Record(t.state.ProcessName, duration)
	}
	return &model.Event{
		ID:        uuid.NewString(),
		Severity:  model.SeverityInfo,
		Summary:   t.state.ProcessName + " completed in " + time.Duration(duration*float64(time.Second)).Round(time.Second).String(),
		Reason:    model.ReasonCompletion,
		CreatedAt: now,
	}
}
