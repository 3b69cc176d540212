// Package profiler implements always-on per-source format and timestamp
// inference: a bootstrap window that locks a profile by majority vote,
// followed by drift tracking that triggers re-profiling when the locked
// profile stops fitting the traffic.
package profiler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telewatch/telewatch/internal/logparse"
	"github.com/telewatch/telewatch/internal/model"
	"github.com/telewatch/telewatch/internal/timestamp"
)

const (
	bootstrapMaxRecords = 100
	bootstrapMaxWindow  = 60 * time.Second
	driftWindowSize     = 100
	driftThreshold      = 0.20 // drift/sample_size > 0.20 triggers re-profiling
)

type sourceState struct {
	profile       model.Profile
	bootstrapping bool
	bootstrapFrom time.Time
	samples       []model.LogRecord
}

// Profiler tracks one sourceState per source and enriches each incoming
// record with its extracted timestamp, severity, and message, locking and
// re-locking a Profile as traffic drifts.
type Profiler struct {
	mu     sync.Mutex
	states map[string]*sourceState
	parser *timestamp.Parser
	log    *slog.Logger
}

// New returns a Profiler ready to observe records from any number of
// sources; per-source state is created lazily on first Observe.
func New(log *slog.Logger) *Profiler {
	return &Profiler{
		states: make(map[string]*sourceState),
		parser: timestamp.NewParser(),
		log:    log,
	}
}

// InBootstrap reports whether sourceID is still inside its bootstrap
// window, satisfying source.BootstrapFilter so adapters can bypass their
// keyword filter while the profiler needs representative traffic
//.
func (p *Profiler) InBootstrap(sourceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[sourceID]
	return !ok || st.bootstrapping
}

// Observe returns a copy of rec enriched with its extracted
// timestamp/severity/message, plus a drift warning Event when this record pushed the source's
// profile into re-profiling.
func (p *Profiler) Observe(rec model.LogRecord) (model.LogRecord, *model.Event) {
	if rec.Synthetic {
		return rec, nil
	}

	p.mu.Lock()
	st, ok := p.states[rec.SourceID]
	if !ok {
		st = &sourceState{bootstrapping: true, bootstrapFrom: rec.ArrivedAt}
		p.states[rec.SourceID] = st
	}

	var ev *model.Event
	if st.bootstrapping {
		st.samples = append(st.samples, rec)
		if len(st.samples) >= bootstrapMaxRecords || rec.ArrivedAt.Sub(st.bootstrapFrom) >= bootstrapMaxWindow {
			p.finalizeBootstrap(rec.SourceID, st)
		}
	} else if p.recordDrifted(rec, st) {
		st.profile.DriftCount++
		if st.profile.DriftCount > int(driftWindowSize*driftThreshold) {
			p.log.Warn("profile drift exceeded threshold, re-profiling", "source", rec.SourceID, "drift", st.profile.DriftCount)
			ev = &model.Event{
				ID:        uuid.NewString(),
				Record:    &rec,
				Severity:  model.SeverityWarning,
				Summary:   "log format drifted from locked profile, re-profiling",
				Reason:    model.ReasonDrift,
				CreatedAt: time.Now(),
			}
			st.profile = model.Profile{}
			st.bootstrapping = true
			st.bootstrapFrom = rec.ArrivedAt
			st.samples = []model.LogRecord{rec}
		}
	} else if st.profile.DriftCount > 0 {
		st.profile.DriftCount--
	}

	profile := st.profile
	p.mu.Unlock()

	p.extractFields(&rec, profile)
	return rec, ev
}

// recordDrifted reports whether rec fails to match the locked format or
// timestamp pattern.
func (p *Profiler) recordDrifted(rec model.LogRecord, st *sourceState) bool {
	format, _, _, _ := classifyLine(rec.Raw)
	if format != st.profile.Format {
		return true
	}
	if st.profile.TimestampPattern == "" {
		return false
	}
	result := p.parser.ParseFromText(rec.Raw)
	return !result.Found || result.Pattern != st.profile.TimestampPattern
}

func (p *Profiler) finalizeBootstrap(sourceID string, st *sourceState) {
	formatCounts := make(map[model.Format]int)
	tsCounts := make(map[string]int)
	levelFieldCounts := make(map[string]int)
	delimCounts := make(map[byte]int)

	for _, s := range st.samples {
		format, delim, hasDelim, obj := classifyLine(s.Raw)
		formatCounts[format]++
		if hasDelim {
			delimCounts[delim]++
		}
		if result := p.parser.ParseFromText(s.Raw); result.Found {
			tsCounts[result.Pattern]++
		}
		if obj != nil {
			if _, k, ok := firstPresentKey(obj, jsonLevelKeys); ok {
				levelFieldCounts[k]++
			}
		}
	}

	profile := model.Profile{
		Format:      majorityFormat(formatCounts),
		LevelField:  mostFrequentKey(levelFieldCounts),
		SampleCount: len(st.samples),
		LockedAt:    time.Now(),
	}
	if d, n := mostFrequentDelimiter(delimCounts); n > 0 {
		profile.Delimiter = d
		profile.HasDelimiter = true
	}
	if pattern, n := mostFrequentPattern(tsCounts); n > 0 {
		profile.TimestampPattern = pattern
	}

	elapsed := time.Since(st.bootstrapFrom).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	profile.BaselineRate = float64(len(st.samples)) / elapsed

	p.log.Info("profile locked", "source", sourceID, "format", profile.Format,
		"timestamp_pattern", profile.TimestampPattern, "baseline_rate", profile.BaselineRate)

	st.profile = profile
	st.bootstrapping = false
	st.samples = nil
}

func firstPresentKey(obj map[string]any, keys []string) (any, string, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v, k, true
		}
	}
	return nil, "", false
}

func mostFrequentKey(counts map[string]int) string {
	best := ""
	bestCount := 0
	for k, n := range counts {
		if n > bestCount {
			bestCount = n
			best = k
		}
	}
	return best
}

func mostFrequentPattern(counts map[string]int) (string, int) {
	best := ""
	bestCount := 0
	for k, n := range counts {
		if n > bestCount {
			bestCount = n
			best = k
		}
	}
	return best, bestCount
}

func mostFrequentDelimiter(counts map[byte]int) (byte, int) {
	var best byte
	bestCount := 0
	for d, n := range counts {
		if n > bestCount {
			bestCount = n
			best = d
		}
	}
	return best, bestCount
}

// extractFields fills in Timestamp/TimeFound, Level, and Message on rec
// when the source adapter did not already populate them, using profile to
// decide whether to look at a json field or scan the raw text (:
// "the profiler exposes for each record: its extracted timestamp ... or
// the raw line").
func (p *Profiler) extractFields(rec *model.LogRecord, profile model.Profile) {
	var obj map[string]any
	if profile.Format == model.FormatJSON {
		if _, _, _, m := classifyLine(rec.Raw); m != nil {
			obj = m
		}
	}

	// For free-text records, scan once: the timestamp match gives us both
	// TimeFound and the text remaining after it is stripped, which is what
 // the level token and message must be read from ( strips the
	// same prefixes before fingerprinting).
	var textResult timestamp.Result
	if obj == nil {
		textResult = p.parser.ParseFromText(rec.Raw)
	}

	if !rec.TimeFound {
		if obj != nil {
			if v, _, ok := firstPresentKey(obj, jsonTimestampKeys); ok {
				if ts, ok := p.parser.ParseTimestamp(v); ok {
					rec.Timestamp = ts
					rec.TimeFound = true
				}
			}
		} else if textResult.Found {
			rec.Timestamp = textResult.Timestamp
			rec.TimeFound = true
		}
		if !rec.TimeFound {
			rec.Timestamp = rec.ArrivedAt
		}
	}

	if rec.Level == "" {
		if obj != nil {
			if s, ok := jsonStringField(obj, jsonLevelKeys); ok {
				rec.Level = logparse.NormalizeSeverity(s)
			}
		} else {
			afterTimestamp := rec.Raw
			if textResult.Found {
				afterTimestamp = textResult.Remaining
			}
			rec.Level = logparse.ExtractFirstToken(afterTimestamp)
		}
	}

	if rec.Message == "" {
		if obj != nil {
			if s, ok := jsonStringField(obj, jsonMessageKeys); ok {
				rec.Message = s
			} else {
				rec.Message = rec.Raw
			}
		} else {
			rec.Message = p.parser.ExtractLogMessage(rec.Raw)
		}
	}
}
