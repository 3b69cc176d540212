// Package engine wires the source/profiler/anomaly/classify/progress/
// dispatch/transport stages into the one running pipeline a configured
// telewatch process is, grounded in the reference engine's runServer
// shutdown discipline (signal handling, a bounded grace period, an
// errgroup keeping every stage's lifetime tied together).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/telewatch/telewatch/internal/advisor"
	"github.com/telewatch/telewatch/internal/anomaly"
	"github.com/telewatch/telewatch/internal/classify"
	"github.com/telewatch/telewatch/internal/config"
	"github.com/telewatch/telewatch/internal/dispatch"
	"github.com/telewatch/telewatch/internal/model"
	"github.com/telewatch/telewatch/internal/profiler"
	"github.com/telewatch/telewatch/internal/progress"
	"github.com/telewatch/telewatch/internal/source"
	"github.com/telewatch/telewatch/internal/statusapi"
	"github.com/telewatch/telewatch/internal/transport"
)

// stallCheckInterval drives anomaly.Detector.CheckStalls; a stall is the
// absence of a triggering record so nothing else polls for it.
const stallCheckInterval = 10 * time.Second

// shutdownDeadline bounds the whole shutdown sequence; the
// dispatcher gets its own shorter deadline inside this one so its
// "stopped" notification has a chance to land even when something else is
// slow to unwind.
const shutdownDeadline = 10 * time.Second

// recentLinesPerSource bounds the ring buffer /logs and the status API
// read from, per source.
const recentLinesPerSource = 50

// Engine owns every long-lived pipeline stage for one configured run and
// implements dispatch.StatusProvider so both the /status command and the
// optional status API read the same live snapshot.
type Engine struct {
	cfg *config.Config
	log *slog.Logger

	manager    *source.Manager
	profiler   *profiler.Profiler
	detector   *anomaly.Detector
	classifier *classify.Classifier
	tracker    *progress.Tracker
	dispatcher *dispatch.Dispatcher
	transport  transport.Transport
	statusSrv  *statusapi.Server

	startedAt time.Time

	mu         sync.Mutex
	lines      map[string][]string // sourceID -> ring of recent raw lines
	lastActive string
	lineCount  uint64
}

// Build constructs an Engine from a validated configuration. adv may be
// nil (cmd/telewatch passes nil when llm.api_key is empty), in which case the classifier
// always falls through to its degraded heuristic.
func Build(cfg *config.Config, adv advisor.Advisor, log *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		log:       log,
		startedAt: time.Now(),
		lines:     make(map[string][]string),
	}

 // turbo disables the profiler outright; the keyword filter
	// an adapter applies at admission time is driven by BootstrapFilter
	// reporting "still bootstrapping" to bypass it, so a disabled profiler
	// must report the opposite, or turbo would silently admit everything.
	var bootstrap source.BootstrapFilter
	if cfg.Turbo {
		bootstrap = alwaysPastBootstrap{}
	} else {
		e.profiler = profiler.New(log)
		bootstrap = e.profiler
	}

	adapters, err := buildAdapters(cfg.Monitors, bootstrap, log)
	if err != nil {
		return nil, fmt.Errorf("engine: build sources: %w", err)
	}
	e.manager = source.NewManager(adapters, log)

	if !cfg.Turbo {
		var keywords []string
		for _, m := range cfg.Monitors {
			keywords = append(keywords, m.Keywords...)
		}
		e.detector = anomaly.NewDetector(
			cfg.Anomaly.SpikeThreshold,
			time.Duration(cfg.Anomaly.StallSeconds)*time.Second,
			0,
			keywords,
		)
	}

	cache := classify.NewCache()
	patterns := classify.NewPatterns(classify.DefaultPatterns())
	miner := classify.NewClusterMiner()
	budget := 0
	if adv != nil {
		budget = 60
	}
	e.classifier = classify.NewClassifier(cache, patterns, miner, adv, budget, log)

	if cfg.Process.Name != "" {
		history, err := progress.LoadHistory(progress.DefaultHistoryPath())
		if err != nil {
			log.Warn("engine: failed to load progress history, starting fresh", "error", err)
			history, _ = progress.LoadHistory("")
		}
		stages := make([]model.Stage, len(cfg.Process.Stages))
		for i, s := range cfg.Process.Stages {
			stages[i] = model.Stage{Name: s.Name, Weight: s.Weight, StartPattern: s.StartPattern}
		}
		e.tracker = progress.NewTracker(cfg.Process.Name, stages, cfg.Process.ProgressPatterns,
			cfg.Process.TerminalPattern, cfg.Process.ExpectedDurationMinutes, history)
	}

	tg := transport.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, log)
	e.transport = tg

	e.dispatcher = dispatch.New(e.transport, e, cfg.Notification.RateLimitPerHour, cfg.Notification.SeverityLevels, log)

	if cfg.StatusAPI.Addr != "" {
		e.statusSrv = statusapi.NewServer(cfg.StatusAPI.Addr, e)
	}

	return e, nil
}

// buildAdapters constructs one source.Adapter per configured monitor.
func buildAdapters(monitors []config.Monitor, bootstrap source.BootstrapFilter, log *slog.Logger) ([]source.Adapter, error) {
	adapters := make([]source.Adapter, 0, len(monitors))
	for i, m := range monitors {
		desc := model.SourceDescriptor{
			ID:          monitorID(m, i),
			Keywords:    m.Keywords,
			DisplayName: m.Name,
		}
		switch m.Type {
		case "file":
			if _, err := os.Stat(m.Path); err != nil {
				return nil, fmt.Errorf("monitors[%d]: file source unavailable at startup: %w", i, err)
			}
			desc.Kind = model.SourceFile
			desc.Location = m.Path
			adapters = append(adapters, source.NewFileTailer(desc, false, bootstrap, log))
		case "pid":
			desc.Kind = model.SourcePID
			desc.Location = fmt.Sprintf("%d", m.PID)
			adapters = append(adapters, source.NewPIDWatcher(desc, m.PID, 0))
		case "journal":
			if _, err := exec.LookPath("journalctl"); err != nil {
				return nil, fmt.Errorf("monitors[%d]: journal source unavailable at startup: %w", i, err)
			}
			desc.Kind = model.SourceJournal
			desc.Location = m.Unit
			adapters = append(adapters, source.NewJournalReader(desc, bootstrap, log))
		default:
			return nil, fmt.Errorf("monitors[%d]: unknown type %q", i, m.Type)
		}
	}
	return adapters, nil
}

func monitorID(m config.Monitor, index int) string {
	if m.Name != "" {
		return m.Name
	}
	switch m.Type {
	case "file":
		return fmt.Sprintf("file:%s", m.Path)
	case "pid":
		return fmt.Sprintf("pid:%d", m.PID)
	case "journal":
		return fmt.Sprintf("journal:%s", m.Unit)
	default:
		return fmt.Sprintf("monitor:%d", index)
	}
}

// alwaysPastBootstrap satisfies source.BootstrapFilter for turbo mode,
// where there is no profiler to ask: adapters should always apply their
// configured keyword filter, never bypass it for bootstrap sampling.
type alwaysPastBootstrap struct{}

func (alwaysPastBootstrap) InBootstrap(sourceID string) bool { return false }

// Run drives the pipeline until ctx is cancelled, then shuts every stage
// down within shutdownDeadline, aggregating whatever errors occurred along
// the way with multierr.
func (e *Engine) Run(ctx context.Context) error {
	if e.statusSrv != nil {
		if err := e.statusSrv.Start(); err != nil {
			return fmt.Errorf("engine: start status api: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	records := e.manager.Run(gctx)
	g.Go(func() error {
		e.consume(gctx, records)
		return nil
	})

	g.Go(func() error {
		e.runStallTicker(gctx)
		return nil
	})

	g.Go(func() error {
		return e.transport.Run(gctx)
	})

	g.Go(func() error {
		e.consumeCommands(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()
	cancel()

	return multierr.Combine(runErr, e.shutdown())
}

// shutdown stops the status API and sends the dispatcher's final
// notification, both inside shutdownDeadline.
func (e *Engine) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	var err error
	if e.statusSrv != nil {
		err = multierr.Append(err, e.statusSrv.Stop())
	}
	err = multierr.Append(err, e.dispatcher.Shutdown(ctx))
	return err
}

// consume is the per-record linear pipeline: profiler, then anomaly, then
// classification, then progress, then dispatch. Every record passes
// through this one goroutine, so each source's records stay strictly
// ordered; parallelism exists only across the source adapters feeding the
// channel, not across these stages.
func (e *Engine) consume(ctx context.Context, records <-chan model.LogRecord) {
	for rec := range records {
		e.recordLine(rec)

		if rec.Synthetic {
			e.handleSynthetic(ctx, rec)
			continue
		}

		if e.cfg.Turbo {
			// The source adapter already applied the keyword filter at
			// admission; every record that reached here earned its spot,
			// so patterns/cache/advisor run on all of them directly.
			e.classifyAndDispatch(ctx, rec, model.ReasonKeyword, "", "")
			e.observeProgress(ctx, rec)
			continue
		}

		enriched, driftEvent := e.profiler.Observe(rec)
		if driftEvent != nil {
			e.dispatcher.Dispatch(ctx, *driftEvent)
		}

		spike, _, isNovel := e.detector.Observe(enriched)
		switch {
		case spike != nil:
			e.dispatcher.Dispatch(ctx, *spike)
		case isNovel:
			e.classifyAndDispatch(ctx, enriched, model.ReasonNovelty, "", "")
		}

		e.observeProgress(ctx, enriched)
	}
}

// classifyAndDispatch runs rec through the classifier's full decision
// chain (cache, patterns, advisor, degraded heuristic) and dispatches
// whatever severity/summary it settles on. Callers only reach this for
// records a prior signal already flagged as worth classifying — a
// keyword match at source admission (turbo) or a novelty signal
// (otherwise); ordinary unremarkable lines never get here.
func (e *Engine) classifyAndDispatch(ctx context.Context, rec model.LogRecord, reason model.Reason, reasonSeverity model.Severity, reasonSummary string) {
	result := e.classifier.Decide(ctx, rec, reason, reasonSeverity, reasonSummary)
	r := rec
	e.dispatcher.Dispatch(ctx, model.Event{
		ID:        rec.SourceID,
		Record:    &r,
		Severity:  result.Severity,
		Summary:   result.Summary,
		Reason:    reason,
		CreatedAt: time.Now(),
	})
}

func (e *Engine) observeProgress(ctx context.Context, rec model.LogRecord) {
	if e.tracker == nil {
		return
	}
	for _, ev := range e.tracker.Observe(rec) {
		e.dispatcher.Dispatch(ctx, ev)
	}
}

// handleSynthetic turns a pid-watcher state transition (started, stopped,
// zombie, suspended, high CPU, RSS over cap, access denied) directly into a
// dispatched Event — these are control-plane signals about the source
// itself, not log lines to run through the classifier. An exit status of 0
// completes the tracked process outright
// when a progress tracker is configured, independent of any
// terminal_pattern match: completion fires on either a terminal pattern
// match or a PID exiting 0. The pid watcher can't yet observe a real exit
// status for a process it didn't fork, so the latter only fires once that
// becomes possible.
func (e *Engine) handleSynthetic(ctx context.Context, rec model.LogRecord) {
	r := rec
	e.dispatcher.Dispatch(ctx, model.Event{
		ID:        rec.SourceID,
		Record:    &r,
		Severity:  syntheticSeverity(rec),
		Summary:   rec.Raw,
		Reason:    model.ReasonStall,
		CreatedAt: time.Now(),
	})
	if e.tracker != nil && rec.Attributes["detail"] == "0" {
		if ev := e.tracker.Complete(rec.ArrivedAt); ev != nil {
			e.dispatcher.Dispatch(ctx, *ev)
		}
	}
}

// syntheticSeverity reads the severity the pid watcher already decided for
// this transition (it alone knows whether a status change is a zombie, a
// suspend, or routine), falling back to warning if an older/unset source
// adapter left it blank.
func syntheticSeverity(rec model.LogRecord) model.Severity {
	switch sev := model.Severity(rec.Attributes["severity"]); sev {
	case model.SeverityInfo, model.SeverityWarning, model.SeverityCritical:
		return sev
	default:
		return model.SeverityWarning
	}
}

// runStallTicker polls for stalled sources; a no-op loop in turbo mode,
// where there is no detector to ask (turbo disables anomaly detection
// outright).
func (e *Engine) runStallTicker(ctx context.Context) {
	if e.detector == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(stallCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, ev := range e.detector.CheckStalls(now) {
				e.dispatcher.Dispatch(ctx, ev)
			}
		}
	}
}

func (e *Engine) consumeCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-e.transport.Commands():
			if !ok {
				return
			}
			e.dispatcher.HandleCommand(ctx, cmd)
		}
	}
}

func (e *Engine) recordLine(rec model.LogRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActive = rec.SourceID
	e.lineCount++
	lines := append(e.lines[rec.SourceID], rec.Raw)
	if len(lines) > recentLinesPerSource {
		lines = lines[len(lines)-recentLinesPerSource:]
	}
	e.lines[rec.SourceID] = lines
}

// Status implements dispatch.StatusProvider. Paused is left at its zero
// value; the dispatcher fills it in from its own state before replying.
func (e *Engine) Status() dispatch.StatusSnapshot {
	e.mu.Lock()
	uptime := time.Since(e.startedAt)
	lineCount := e.lineCount
	e.mu.Unlock()

	snap := dispatch.StatusSnapshot{
		Uptime:         uptime,
		LineRatePerMin: linesPerMinute(lineCount, uptime),
	}
	if e.tracker != nil {
		state := e.tracker.State()
		snap.ProgressFraction = state.Fraction
		if state.ActiveStage >= 0 && state.ActiveStage < len(state.Stages) {
			snap.ActiveStage = state.Stages[state.ActiveStage].Name
		}
	}
	return snap
}

// RecentLines implements dispatch.StatusProvider, returning the trailing
// n raw lines from whichever source most recently produced a record.
func (e *Engine) RecentLines(n int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	lines := e.lines[e.lastActive]
	if n <= 0 || n >= len(lines) {
		return append([]string(nil), lines...)
	}
	return append([]string(nil), lines[len(lines)-n:]...)
}

func linesPerMinute(count uint64, elapsed time.Duration) float64 {
	minutes := elapsed.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(count) / minutes
}
