package source

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/telewatch/telewatch/internal/model"
)

const defaultCheckInterval = 30 * time.Second

// cpuSpikeThresholdPercent and cpuSpikeMinDeltaPercent gate the high-CPU
// alert: the instantaneous rate must itself be high and must have moved
// meaningfully since the last sample, so a process that idles at 95% never
// re-alerts every poll.
const (
	cpuSpikeThresholdPercent = 90.0
	cpuSpikeMinDeltaPercent  = 10.0
	minCPUSampleInterval     = time.Second
)

// rssSampler reads a process's resident set size in bytes. readProcRSS
// (process_linux.go) is the real implementation; it is overridable for
// tests and is a no-op returning ok=false on platforms without /proc.
var rssSampler = readProcRSS

// statSampler reads a process's CPU ticks and state letter. readProcStat
// (process_linux.go) is the real implementation; it is overridable for
// tests and reports an error on platforms without /proc.
var statSampler = readProcStat

// PIDWatcher polls a process table entry and emits synthetic records on
// state transitions: started, stopped, zombie, suspended, other status
// change, high CPU usage, access denied, and RSS crossed 80% of cap.
type PIDWatcher struct {
	desc          model.SourceDescriptor
	pid           int
	rssCapBytes   uint64
	checkInterval time.Duration

	seq           uint64
	wasRunning    bool
	rssAlerted    bool
	deniedAlerted bool
	lastState     string
	lastCPUTicks  uint64
	lastCPUAt     time.Time
	lastCPUPct    float64
}

// NewPIDWatcher builds a pid watcher for pid, warning once RSS crosses 80%
// of rssCapBytes (0 disables the RSS check).
func NewPIDWatcher(desc model.SourceDescriptor, pid int, rssCapBytes uint64) *PIDWatcher {
	return &PIDWatcher{desc: desc, pid: pid, rssCapBytes: rssCapBytes, checkInterval: defaultCheckInterval}
}

func (w *PIDWatcher) Descriptor() model.SourceDescriptor { return w.desc }

func (w *PIDWatcher) Run(ctx context.Context, out chan model.LogRecord) error {
	w.wasRunning = processAlive(w.pid)
	if w.wasRunning {
		w.emit(out, "process started", model.SeverityInfo, "")
	}

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll(out)
		}
	}
}

func (w *PIDWatcher) poll(out chan model.LogRecord) {
	running := processAlive(w.pid)
	switch {
	case running && !w.wasRunning:
		w.emit(out, "process started", model.SeverityInfo, "")
		w.lastState = ""
		w.lastCPUTicks, w.lastCPUAt = 0, time.Time{}
	case !running && w.wasRunning:
		status := exitStatus(w.pid)
		w.emit(out, fmt.Sprintf("process stopped, exit status %s", status), model.SeverityCritical, status)
		w.rssAlerted, w.deniedAlerted = false, false
		w.lastState = ""
	}
	w.wasRunning = running
	if !running {
		return
	}

	w.pollStatusAndCPU(out)
	w.pollRSS(out)
}

// pollStatusAndCPU reads /proc/<pid>/stat once and derives both a
// zombie/stopped/other status transition and a high-CPU alert from it, the
// way a single psutil.Process.status()/cpu_percent() pair would upstream.
// A permission error here (rather than the process having simply vanished,
// already handled in poll) means the pid exists but telewatch cannot read
// its accounting — reported once per denial, like the other transitions.
func (w *PIDWatcher) pollStatusAndCPU(out chan model.LogRecord) {
	ticks, state, err := statSampler(w.pid)
	if err != nil {
		if os.IsPermission(err) && !w.deniedAlerted {
			w.emit(out, "access denied while monitoring process", model.SeverityWarning, "")
			w.deniedAlerted = true
		}
		return
	}
	w.deniedAlerted = false

	if w.lastState != "" && state != w.lastState {
		switch state {
		case "Z":
			w.emit(out, "process became a zombie", model.SeverityCritical, state)
		case "T", "t":
			w.emit(out, "process was stopped", model.SeverityWarning, state)
		default:
			w.emit(out, fmt.Sprintf("process status changed: %s -> %s", w.lastState, state), model.SeverityInfo, state)
		}
	}
	w.lastState = state

	now := time.Now()
	if w.lastCPUAt.IsZero() {
		w.lastCPUTicks, w.lastCPUAt = ticks, now
		return
	}
	elapsed := now.Sub(w.lastCPUAt)
	if elapsed < minCPUSampleInterval {
		return
	}
	pct := float64(ticks-w.lastCPUTicks) / clockTicksPerSecond / elapsed.Seconds() * 100
	w.lastCPUTicks, w.lastCPUAt = ticks, now

	if pct > cpuSpikeThresholdPercent && absFloat(pct-w.lastCPUPct) > cpuSpikeMinDeltaPercent {
		w.emit(out, fmt.Sprintf("high CPU usage: %.1f%%", pct), model.SeverityWarning, "")
	}
	w.lastCPUPct = pct
}

func (w *PIDWatcher) pollRSS(out chan model.LogRecord) {
	if w.rssCapBytes == 0 {
		return
	}
	rss, ok := rssSampler(w.pid)
	if !ok {
		return
	}
	if rss >= (w.rssCapBytes*80)/100 {
		if !w.rssAlerted {
			w.emit(out, fmt.Sprintf("RSS crossed 80%% of cap (%d/%d bytes)", rss, w.rssCapBytes), model.SeverityWarning, "")
			w.rssAlerted = true
		}
	} else {
		w.rssAlerted = false
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// emit delivers a state-transition record with a guaranteed blocking send:
// these are synthetic and infrequent, and must never be the ones Enqueue
// would drop under backpressure.
func (w *PIDWatcher) emit(out chan model.LogRecord, message string, severity model.Severity, detail string) {
	seq := atomic.AddUint64(&w.seq, 1)
	out <- model.LogRecord{
		Seq:        seq,
		ArrivedAt:  time.Now(),
		SourceID:   w.desc.ID,
		Raw:        message,
		Synthetic:  true,
		Level:      "INFO",
		Message:    message,
		Attributes: map[string]string{"detail": detail, "severity": string(severity)},
	}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscallSigZero())
	return err == nil || isPermissionSignalError(err)
}
