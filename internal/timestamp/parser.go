// Package timestamp implements the profiler's fixed library of timestamp
// patterns and exposes a stateless Parser that scans text against it; the
// profiler locks onto whichever pattern matches most often for a source.
package timestamp

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// candidate is one recognized timestamp shape.
type candidate struct {
	name    string
	re      *regexp.Regexp
	layout  string // time.Parse layout, empty if handled specially (epoch)
	epoch   bool
	syslog  bool // needs the current year appended
}

// Result is the outcome of scanning one line for a timestamp.
type Result struct {
	Found     bool
	Timestamp time.Time
	Pattern   string // candidate name that matched, for profiler locking
	Remaining string // text with the timestamp removed, trimmed
}

var candidates = []candidate{
	{name: "rfc3339nano", re: regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})`), layout: time.RFC3339Nano},
	{name: "space-micros", re: regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{6}`), layout: "2006-01-02 15:04:05.000000"},
	{name: "space-millis", re: regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3}`), layout: "2006-01-02 15:04:05.000"},
	{name: "space-comma-millis", re: regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3}`), layout: "2006-01-02 15:04:05,000"},
	{name: "space-seconds", re: regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`), layout: "2006-01-02 15:04:05"},
	{name: "clf", re: regexp.MustCompile(`\d{2}/[A-Za-z]{3}/\d{4}:\d{2}:\d{2}:\d{2}`), layout: "02/Jan/2006:15:04:05"},
	{name: "bracketed-rfc3339", re: regexp.MustCompile(`\[\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})\]`), layout: "[" + time.RFC3339Nano + "]"},
	{name: "syslog", re: regexp.MustCompile(`[A-Za-z]{3}\s+\d{1,2} \d{2}:\d{2}:\d{2}`), layout: "Jan _2 15:04:05", syslog: true},
	{name: "time-millis", re: regexp.MustCompile(`\b\d{2}:\d{2}:\d{2}\.\d{3}\b`), layout: "15:04:05.000"},
	{name: "time-only", re: regexp.MustCompile(`\b\d{2}:\d{2}:\d{2}\b`), layout: "15:04:05"},
	{name: "epoch-nanos", re: regexp.MustCompile(`\b1\d{18}\b`), epoch: true},
	{name: "epoch-millis", re: regexp.MustCompile(`\b1\d{12}\b`), epoch: true},
	{name: "epoch-seconds", re: regexp.MustCompile(`\b1\d{9}\b`), epoch: true},
}

// Parser scans lines against the fixed pattern library and can also parse
// an already-extracted scalar value (used for JSON records where the
// timestamp is a known field rather than embedded in free text).
type Parser struct{}

// NewParser returns a ready-to-use Parser. The pattern library is stateless,
// so every Parser behaves identically; the type exists so call sites can be
// written against an interface-shaped value.
func NewParser() *Parser { return &Parser{} }

// ParseFromText scans text for the first matching pattern in priority order
// (most specific first) and returns the parsed timestamp plus the text with
// the match removed.
func (p *Parser) ParseFromText(text string) Result {
	for _, c := range candidates {
		loc := c.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		match := text[loc[0]:loc[1]]
		ts, ok := p.parseMatch(c, match)
		if !ok {
			continue
		}
		remaining := strings.TrimSpace(text[:loc[0]] + " " + text[loc[1]:])
		return Result{Found: true, Timestamp: ts, Pattern: c.name, Remaining: remaining}
	}
	return Result{Found: false, Remaining: text}
}

func (p *Parser) parseMatch(c candidate, match string) (time.Time, bool) {
	if c.epoch {
		n, err := strconv.ParseInt(match, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return unixFromMagnitude(n), true
	}
	ts, err := time.Parse(c.layout, match)
	if err != nil {
		return time.Time{}, false
	}
	if c.syslog {
		ts = time.Date(time.Now().Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.Local)
	}
	return ts, true
}

// ParseTimestamp parses an already-extracted scalar (as produced by a JSON
// field such as "timestamp" or "ts"): a numeric epoch in seconds, millis,
// micros, or nanos (disambiguated by magnitude), or an RFC3339 string.
func (p *Parser) ParseTimestamp(value any) (time.Time, bool) {
	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, true
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return unixFromMagnitude(int64(n)), true
		}
		return time.Time{}, false
	case float64:
		return unixFromMagnitude(int64(v)), true
	case int:
		return unixFromMagnitude(int64(v)), true
	case int64:
		return unixFromMagnitude(v), true
	default:
		return time.Time{}, false
	}
}

// unixFromMagnitude disambiguates a raw integer as seconds/millis/micros/
// nanos since the epoch based on its order of magnitude.
func unixFromMagnitude(n int64) time.Time {
	abs := n
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < 1e11:
		return time.Unix(n, 0)
	case abs < 1e14:
		return time.Unix(0, n*int64(time.Millisecond))
	case abs < 1e17:
		return time.Unix(0, n*int64(time.Microsecond))
	default:
		return time.Unix(0, n)
	}
}

// ExtractLogMessage strips the first timestamp found in text (wherever it
// sits) and then a leading severity token, returning whatever remains (or
// the original text if nothing remains).
func (p *Parser) ExtractLogMessage(text string) string {
	result := p.ParseFromText(text)
	msg := text
	if result.Found {
		msg = result.Remaining
	}
	msg = strings.TrimSpace(severityPrefix.ReplaceAllString(msg, ""))
	if msg == "" {
		return text
	}
	return msg
}

var severityPrefix = regexp.MustCompile(`(?i)^(TRACE|DEBUG|INFO|WARN(?:ING)?|ERROR|FATAL|CRITICAL)\s*:?\s*`)
