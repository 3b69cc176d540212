// Package classify decides the (severity, summary) for a record that the
// anomaly detector hasn't already settled (spike/stall own their own
// severity). It layers a fingerprint cache, a local pattern list, an
// optional LLM advisor, and a degraded heuristic fallback, in that order,
// and enforces the advisor's own soft per-hour call budget on top of
// whatever throttling the advisor reports for itself.
package classify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/telewatch/telewatch/internal/advisor"
	"github.com/telewatch/telewatch/internal/fingerprint"
	"github.com/telewatch/telewatch/internal/logparse"
	"github.com/telewatch/telewatch/internal/model"
)

// maxContextRecords bounds how much trailing history from the same source
// accompanies an advisor call.
const maxContextRecords = 5

// maxSummaryLen matches the advisor contract's cap; applied again here so
// the degraded path never exceeds it either.
const maxSummaryLen = 280

// Classifier implements the fingerprint-cache -> pattern -> advisor ->
// degraded-heuristic decision chain.
type Classifier struct {
	cache    *Cache
	patterns *Patterns
	miner    *ClusterMiner
	adv      advisor.Advisor
	log      *slog.Logger

	budgetPerHour int

	mu      sync.Mutex
	calls   []time.Time          // advisor call timestamps within the trailing hour
	context map[string][]model.LogRecord
}

// NewClassifier builds a Classifier. adv may be nil, meaning no advisor is
// configured; the classifier then always runs the degraded path once cache
// and patterns are exhausted.
func NewClassifier(cache *Cache, patterns *Patterns, miner *ClusterMiner, adv advisor.Advisor, budgetPerHour int, log *slog.Logger) *Classifier {
	if budgetPerHour <= 0 {
		budgetPerHour = 60
	}
	return &Classifier{
		cache:         cache,
		patterns:      patterns,
		miner:         miner,
		adv:           adv,
		budgetPerHour: budgetPerHour,
		log:           log,
		context:       make(map[string][]model.LogRecord),
	}
}

// recordContext keeps the trailing maxContextRecords records per source for
// advisor calls, independent of whether this record is ultimately sent.
func (c *Classifier) recordContext(rec model.LogRecord) []model.LogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	hist := c.context[rec.SourceID]
	window := append([]model.LogRecord(nil), hist...)

	hist = append(hist, rec)
	if len(hist) > maxContextRecords {
		hist = hist[len(hist)-maxContextRecords:]
	}
	c.context[rec.SourceID] = hist
	return window
}

// withinBudget reports whether another advisor call fits the trailing-hour
// soft cap, and if so reserves the slot.
func (c *Classifier) withinBudget() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	live := c.calls[:0]
	for _, t := range c.calls {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	c.calls = live
	if len(c.calls) >= c.budgetPerHour {
		return false
	}
	c.calls = append(c.calls, time.Now())
	return true
}

// Decide classifies rec. reason and reasonSeverity/reasonSummary let the
// anomaly detector own spike/stall classifications outright instead of
// falling through the cache/pattern/advisor chain.
func (c *Classifier) Decide(ctx context.Context, rec model.LogRecord, reason model.Reason, reasonSeverity model.Severity, reasonSummary string) model.ClassifyResult {
	ctxWindow := c.recordContext(rec)

	if reason == model.ReasonSpike || reason == model.ReasonStall {
		return model.ClassifyResult{Severity: reasonSeverity, Summary: reasonSummary}
	}

	fp := fingerprint.Of(rec.Message)
	if fp == "" {
		fp = fingerprint.Of(rec.Raw)
	}

	if entry, ok := c.cache.Get(fp); ok {
		return model.ClassifyResult{
			Severity:  entry.Severity,
			Summary:   entry.Summary,
			FromCache: true,
		}
	}

	if severity, summary, ok := c.patterns.FirstMatch(rec.Message); ok {
		c.cache.Put(fp, severity, summary, true)
		return model.ClassifyResult{Severity: severity, Summary: summary}
	}

	if c.miner != nil {
		if template, isNew := c.miner.Observe(rec.Message); isNew && template != "" {
			c.log.Debug("classify: new structural cluster discovered", "template", template, "source", rec.SourceID)
		}
	}

	if c.adv != nil && c.adv.Quota() == advisor.QuotaOK && c.withinBudget() {
		result, err := c.adv.Classify(ctx, rec, ctxWindow)
		if err != nil {
			c.log.Warn("classify: advisor call failed, falling back to degraded heuristic", "error", err, "source", rec.SourceID)
		} else {
			if result.Severity == model.SeverityWarning || result.Severity == model.SeverityCritical {
				c.cache.Put(fp, result.Severity, result.Summary, false)
			}
			if result.GeneratedPattern != "" {
				if c.patterns.Inject(result.GeneratedPattern, result.Severity, result.Summary) {
					c.log.Info("classify: advisor taught a new local pattern", "regex", result.GeneratedPattern, "source", rec.SourceID)
				}
			}
			return model.ClassifyResult{
				Severity:        result.Severity,
				Summary:         result.Summary,
				GeneratedPatten: result.GeneratedPattern,
				FromAdvisor:     true,
			}
		}
	}

	severity, summary := c.degraded(rec)
	c.cache.Put(fp, severity, summary, true)
	return model.ClassifyResult{Severity: severity, Summary: summary}
}

// degraded is the heuristic fallback requires when the advisor is
// unavailable, over budget, or erroring: severity from the extracted level
// field (falling back to alarm-token detection), summary truncated to the
// advisor's own cap so downstream formatting never has to special-case it.
func (c *Classifier) degraded(rec model.LogRecord) (model.Severity, string) {
	level := logparse.NormalizeSeverity(rec.Level)
	var severity model.Severity
	switch {
	case logparse.IsHighSeverity(level):
		severity = model.SeverityCritical
	case level == "WARN":
		severity = model.SeverityWarning
	case logparse.HasAlarmToken(rec.Raw):
		severity = model.SeverityCritical
	default:
		severity = model.SeverityInfo
	}

	summary := rec.Message
	if summary == "" {
		summary = rec.Raw
	}
	summary = strings.TrimSpace(summary)
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen]
	}
	return severity, summary
}
