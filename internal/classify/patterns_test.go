package classify

import (
	"testing"

	"github.com/telewatch/telewatch/internal/model"
)

func TestDefaultPatternsMatchCriticalBeforeWarningBeforeInfo(t *testing.T) {
	p := NewPatterns(DefaultPatterns())

	sev, _, ok := p.FirstMatch("panic: runtime error, retrying in 5s")
	if !ok || sev != model.SeverityCritical {
		t.Fatalf("FirstMatch = (%v, ok=%v), want critical to win over a co-occurring warning keyword", sev, ok)
	}

	sev, _, ok = p.FirstMatch("connection lost, retrying")
	if !ok || sev != model.SeverityWarning {
		t.Fatalf("FirstMatch = (%v, ok=%v), want warning", sev, ok)
	}

	sev, _, ok = p.FirstMatch("server ready and listening on :8080")
	if !ok || sev != model.SeverityInfo {
		t.Fatalf("FirstMatch = (%v, ok=%v), want info", sev, ok)
	}
}

func TestDefaultPatternsNoMatchForUnremarkableLine(t *testing.T) {
	p := NewPatterns(DefaultPatterns())
	if _, _, ok := p.FirstMatch("processed batch 42 of widgets"); ok {
		t.Fatal("expected no default pattern to match an ordinary line")
	}
}

func TestInjectAppendsAfterConfiguredPatterns(t *testing.T) {
	p := NewPatterns([]model.Pattern{
		{Name: "custom", Regex: `widget failure`, Severity: model.SeverityWarning, SummaryTemplate: "widget trouble", Enabled: true},
	})
	p.Inject(`widget failure`, model.SeverityCritical, "escalated")

	sev, summary, ok := p.FirstMatch("widget failure detected")
	if !ok || sev != model.SeverityWarning || summary != "widget trouble" {
		t.Fatalf("FirstMatch = (%v, %q, ok=%v), want the configured pattern to win since it was added first", sev, summary, ok)
	}
}
