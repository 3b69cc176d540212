package classify

import (
	"regexp"
	"sync"

	"github.com/telewatch/telewatch/internal/model"
)

// compiledPattern pairs a configured Pattern with its compiled regex.
type compiledPattern struct {
	model.Pattern
	re *regexp.Regexp
}

// Patterns is the ordered local rule list: configured entries plus
// runtime-injected ones from the advisor's bootstrap teaching.
type Patterns struct {
	mu       sync.RWMutex
	compiled []compiledPattern
}

// NewPatterns compiles configured patterns in order, silently skipping
// disabled ones and any with an invalid regex.
func NewPatterns(configured []model.Pattern) *Patterns {
	p := &Patterns{}
	for _, pat := range configured {
		p.add(pat)
	}
	return p
}

// DefaultPatterns is the built-in critical/warning/info regex set checked
// before anything reaches the advisor, so an installation with no
// classify.patterns configured still resolves the obvious cases locally.
// Checked in this order (critical, then warning, then info) since a line
// can legitimately match more than one bucket's keywords.
func DefaultPatterns() []model.Pattern {
	var pats []model.Pattern
	add := func(severity model.Severity, name, regex string) {
		pats = append(pats, model.Pattern{Name: name, Regex: regex, Severity: severity, Enabled: true})
	}

	add(model.SeverityCritical, "segfault", `(?i)segmentation fault|segfault`)
	add(model.SeverityCritical, "oom", `(?i)out of memory|\boom\b|memory exhausted`)
	add(model.SeverityCritical, "panic", `(?i)panic|kernel panic`)
	add(model.SeverityCritical, "fatal", `(?i)fatal\s+error`)
	add(model.SeverityCritical, "db-connect-failed", `(?i)database\s+(connection\s+)?failed|cannot\s+connect\s+to\s+database`)
	add(model.SeverityCritical, "core-dump", `(?i)core dumped`)
	add(model.SeverityCritical, "stack-overflow", `(?i)stack overflow`)
	add(model.SeverityCritical, "deadlock", `(?i)deadlock detected`)
	add(model.SeverityCritical, "system-crash", `(?i)system\s+crash`)
	add(model.SeverityCritical, "unrecoverable", `(?i)unrecoverable\s+error`)

	add(model.SeverityWarning, "deprecated", `(?i)deprecated`)
	add(model.SeverityWarning, "retry", `(?i)retry|retrying`)
	add(model.SeverityWarning, "timeout", `(?i)timeout|timed\s+out`)
	add(model.SeverityWarning, "connection-lost", `(?i)connection\s+(lost|dropped|closed)`)
	add(model.SeverityWarning, "warn-prefix", `(?i)warn(ing)?:`)
	add(model.SeverityWarning, "potential-issue", `(?i)potential\s+issue`)
	add(model.SeverityWarning, "perf-degradation", `(?i)performance\s+degradation`)
	add(model.SeverityWarning, "disk-space-low", `(?i)disk\s+space\s+low`)
	add(model.SeverityWarning, "rate-limit", `(?i)rate\s+limit`)
	add(model.SeverityWarning, "quota-exceeded", `(?i)quota\s+exceeded`)

	add(model.SeverityInfo, "started", `(?i)start(ed|ing)`)
	add(model.SeverityInfo, "completed", `(?i)complet(ed|ion)`)
	add(model.SeverityInfo, "initialized", `(?i)initializ(ed|ing)`)
	add(model.SeverityInfo, "success", `(?i)success(ful|fully)?`)
	add(model.SeverityInfo, "ready", `(?i)ready`)
	add(model.SeverityInfo, "listening", `(?i)listening\s+on`)
	add(model.SeverityInfo, "connected", `(?i)connected\s+to`)
	add(model.SeverityInfo, "shutdown", `(?i)shutdown`)

	return pats
}

func (p *Patterns) add(pat model.Pattern) bool {
	if !pat.Enabled {
		return false
	}
	re, err := regexp.Compile(pat.Regex)
	if err != nil {
		return false
	}
	p.compiled = append(p.compiled, compiledPattern{Pattern: pat, re: re})
	return true
}

// FirstMatch tests message against every enabled pattern in order and
// returns the first match's (severity, summary).
func (p *Patterns) FirstMatch(message string) (model.Severity, string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, cp := range p.compiled {
		if cp.re.MatchString(message) {
			return cp.Severity, cp.SummaryTemplate, true
		}
	}
	return "", "", false
}

// Inject appends a runtime-generated pattern (the classifier calls it for
// advisor bootstrap teaching) to the end of the list, so explicitly
// configured patterns keep priority.
func (p *Patterns) Inject(regex string, severity model.Severity, summary string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	re, err := regexp.Compile(regex)
	if err != nil {
		return false
	}
	p.compiled = append(p.compiled, compiledPattern{
		Pattern: model.Pattern{Name: "generated", Regex: regex, Severity: severity, SummaryTemplate: summary, Enabled: true},
		re:      re,
	})
	return true
}

// Len reports how many patterns (configured + injected) are active.
func (p *Patterns) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.compiled)
}
