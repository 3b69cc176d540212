// Package dispatch consumes Events from every pipeline producer and turns
// them into outbound Transport messages, applying debouncing, rate
// limiting, and pause/resume semantics.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/telewatch/telewatch/internal/fingerprint"
	"github.com/telewatch/telewatch/internal/model"
	"github.com/telewatch/telewatch/internal/transport"
)

const (
	debounceWindow  = 300 * time.Second
	rateLimitWindow = time.Hour
	criticalBypass  = 60 * time.Second
	pausedQueueCap  = 50
)

// StatusSnapshot is what the /status command (and the optional status API)
// reports about the running pipeline.
type StatusSnapshot struct {
	ProgressFraction float64
	ActiveStage      string
	LineRatePerMin   float64
	Uptime           time.Duration
	Paused           bool
	LastEventSummary string
}

// StatusProvider supplies the live values Dispatcher can't compute itself.
type StatusProvider interface {
	Status() StatusSnapshot
	RecentLines(n int) []string
}

type debounceGroup struct {
	firstSentAt time.Time
	suppressed  int
	severity    model.Severity
	reason      model.Reason
	timer       *time.Timer
}

// Dispatcher implements its debounce/rate-limit/pause pipeline and
// the inbound control-channel command handling.
type Dispatcher struct {
	tr       transport.Transport
	status   StatusProvider
	log      *slog.Logger
	allowed  map[model.Severity]bool
	rateCap  int

	mu             sync.Mutex
	groups         map[string]*debounceGroup
	sendTimes      []time.Time
	lastCritical   time.Time
	dropped        int
	paused         bool
	pausedQueue    []model.Event
	lastSummary    string
	startedAt      time.Time
}

// New builds a Dispatcher. severityLevels is the allowlist from
// notification.severity_levels; an empty slice allows all three.
func New(tr transport.Transport, status StatusProvider, rateLimitPerHour int, severityLevels []string, log *slog.Logger) *Dispatcher {
	allowed := map[model.Severity]bool{model.SeverityInfo: true, model.SeverityWarning: true, model.SeverityCritical: true}
	if len(severityLevels) > 0 {
		allowed = map[model.Severity]bool{}
		for _, s := range severityLevels {
			allowed[model.Severity(strings.ToLower(s))] = true
		}
	}
	if rateLimitPerHour <= 0 {
		rateLimitPerHour = 10
	}
	return &Dispatcher{
		tr:        tr,
		status:    status,
		log:       log,
		allowed:   allowed,
		rateCap:   rateLimitPerHour,
		groups:    make(map[string]*debounceGroup),
		startedAt: time.Now(),
	}
}

// Dispatch handles one Event: debounce coalescing, rate limiting, pause
// queueing, and sending through the transport.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.Event) {
	if !d.allowed[ev.Severity] {
		return
	}
	d.mu.Lock()
	d.lastSummary = ev.Summary
	d.mu.Unlock()

	key := debounceKey(ev)
	if d.shouldSuppress(key, ev) {
		return
	}
	d.sendOrQueue(ctx, ev.Severity, formatEvent(ev))
}

func debounceKey(ev model.Event) string {
	var fp string
	if ev.Record != nil && ev.Record.Message != "" {
		fp = fingerprint.Of(ev.Record.Message)
	} else {
		fp = fingerprint.Of(ev.Summary)
	}
	return string(ev.Severity) + "|" + string(ev.Reason) + "|" + fp
}

// shouldSuppress implements the debounce coalescing: the first event in a
// trailing 300s window per key sends immediately; later ones increment a
// suppressed counter and schedule (once) a "plus N similar" follow-up for
// when the window closes.
func (d *Dispatcher) shouldSuppress(key string, ev model.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.groups[key]
	if !ok {
		g = &debounceGroup{firstSentAt: time.Now(), severity: ev.Severity, reason: ev.Reason}
		g.timer = time.AfterFunc(debounceWindow, func() { d.closeGroup(key) })
		d.groups[key] = g
		return false
	}
	g.suppressed++
	return true
}

func (d *Dispatcher) closeGroup(key string) {
	d.mu.Lock()
	g, ok := d.groups[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.groups, key)
	suppressed := g.suppressed
	severity := g.severity
	d.mu.Unlock()

	if suppressed > 0 {
		text := fmt.Sprintf("plus %d similar in the last 5 minutes", suppressed)
		d.sendOrQueue(context.Background(), severity, text)
	}
}

// sendOrQueue applies the rate limit and pause-mode queueing before handing
// text to the transport. rate_limit_per_hour bounds only info/warning sends
// (d.sendTimes); a critical send never occupies one of those slots. While
// the cap has room, a critical sends like any other event; once the cap is
// full, a critical bypasses it at most once per criticalBypass
// (d.lastCritical) so a storm of distinct criticals can't flood the
// transport.
func (d *Dispatcher) sendOrQueue(ctx context.Context, severity model.Severity, text string) {
	d.mu.Lock()
	if d.paused {
		d.enqueuePausedLocked(model.Event{Severity: severity, Summary: text})
		d.mu.Unlock()
		return
	}

	now := time.Now()
	cutoff := now.Add(-rateLimitWindow)
	live := d.sendTimes[:0]
	for _, t := range d.sendTimes {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	d.sendTimes = live
	capReached := len(d.sendTimes) >= d.rateCap

	if severity == model.SeverityCritical {
		if capReached {
			if now.Sub(d.lastCritical) < criticalBypass {
				d.dropped++
				d.mu.Unlock()
				return
			}
			d.lastCritical = now
		}
	} else {
		if capReached {
			d.dropped++
			d.mu.Unlock()
			return
		}
		d.sendTimes = append(d.sendTimes, now)
	}

	dropped := d.dropped
	d.dropped = 0
	d.mu.Unlock()

	if dropped > 0 {
		text = fmt.Sprintf("%s\n(%d earlier notifications were rate-limited)", text, dropped)
	}
	if err := d.tr.Send(ctx, text); err != nil {
		d.log.Warn("dispatch: send failed", "error", err)
	}
}

// enqueuePausedLocked appends to the bounded paused-mode queue, evicting the
// oldest entry once capacity is reached. Caller holds d.mu.
func (d *Dispatcher) enqueuePausedLocked(ev model.Event) {
	if len(d.pausedQueue) >= pausedQueueCap {
		d.pausedQueue = d.pausedQueue[1:]
	}
	d.pausedQueue = append(d.pausedQueue, ev)
}

// HandleCommand dispatches an inbound slash command (text already stripped
// of its leading "/") and replies through the transport where applicable.
func (d *Dispatcher) HandleCommand(ctx context.Context, cmd string) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "status":
		d.replyStatus(ctx)
	case "pause":
		d.setPaused(true)
	case "resume":
		d.resume(ctx)
	case "logs":
		d.replyLogs(ctx)
	default:
		d.log.Debug("dispatch: ignoring unknown command", "command", cmd)
	}
}

func (d *Dispatcher) replyStatus(ctx context.Context) {
	snap := d.status.Status()
	d.mu.Lock()
	paused := d.paused
	lastSummary := d.lastSummary
	d.mu.Unlock()
	snap.Paused = paused
	if lastSummary != "" {
		snap.LastEventSummary = lastSummary
	}

	text := fmt.Sprintf(
		"progress: %.0f%%\nstage: %s\nrate: %.1f lines/min\nuptime: %s\npaused: %t\nlast event: %s",
		snap.ProgressFraction*100, snap.ActiveStage, snap.LineRatePerMin, snap.Uptime.Round(time.Second), paused, snap.LastEventSummary,
	)
	if err := d.tr.Send(ctx, text); err != nil {
		d.log.Warn("dispatch: /status reply failed", "error", err)
	}
}

func (d *Dispatcher) replyLogs(ctx context.Context) {
	lines := d.status.RecentLines(15)
	text := "last lines:\n" + strings.Join(escapeLines(lines), "\n")
	if err := d.tr.Send(ctx, text); err != nil {
		d.log.Warn("dispatch: /logs reply failed", "error", err)
	}
}

func escapeLines(lines []string) []string {
	escaped := make([]string, len(lines))
	for i, l := range lines {
		escaped[i] = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(l)
	}
	return escaped
}

func (d *Dispatcher) setPaused(paused bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = paused
}

// resume flips paused off and, if anything queued while paused, sends a
// single digest summarizing it.
func (d *Dispatcher) resume(ctx context.Context) {
	d.mu.Lock()
	d.paused = false
	queued := d.pausedQueue
	d.pausedQueue = nil
	d.mu.Unlock()

	if len(queued) == 0 {
		return
	}

	counts := map[model.Severity]int{}
	for _, ev := range queued {
		counts[ev.Severity]++
	}
	var keys []string
	for sev := range counts {
		keys = append(keys, string(sev))
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", counts[model.Severity(k)], k))
	}
	text := fmt.Sprintf("resumed; while paused: %s", strings.Join(parts, ", "))
	if err := d.tr.Send(ctx, text); err != nil {
		d.log.Warn("dispatch: resume digest failed", "error", err)
	}
}

func formatEvent(ev model.Event) string {
	severity := strings.ToUpper(string(ev.Severity))
	if ev.Detail != "" {
		return fmt.Sprintf("[%s] %s (%s)", severity, ev.Summary, ev.Detail)
	}
	return fmt.Sprintf("[%s] %s", severity, ev.Summary)
}

// Shutdown attempts a final "stopped" notification within its own short
// deadline ("the dispatcher is the last to shut down").
func (d *Dispatcher) Shutdown(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, 2*time.Second)
	defer cancel()
	return d.tr.Send(ctx, "telewatch stopped")
}
