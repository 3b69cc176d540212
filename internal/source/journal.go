package source

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/telewatch/telewatch/internal/logparse"
	"github.com/telewatch/telewatch/internal/model"
)

// journalEntry mirrors the fields journalctl --output=json emits that
// telewatch cares about.
type journalEntry struct {
	Message          string `json:"MESSAGE"`
	Priority         string `json:"PRIORITY"`
	SyslogIdentifier string `json:"SYSLOG_IDENTIFIER"`
	PID              string `json:"_PID"`
	RealtimeUsec     string `json:"__REALTIME_TIMESTAMP"`
}

// JournalReader follows a systemd unit's journal via journalctl -f and
// reads its JSON output one line at a time. Unlike FileTailer it has no
// partial-line timeout: a line without a trailing newline is read only
// when the stream ends.
type JournalReader struct {
	desc      model.SourceDescriptor
	bootstrap BootstrapFilter
	log       *slog.Logger
	runCmd    func(ctx context.Context, unit string) (io.ReadCloser, func() error, error)

	seq uint64
}

// NewJournalReader builds a journal reader for desc (desc.Location is the
// unit name).
func NewJournalReader(desc model.SourceDescriptor, bootstrap BootstrapFilter, log *slog.Logger) *JournalReader {
	return &JournalReader{desc: desc, bootstrap: bootstrap, log: log, runCmd: runJournalctl}
}

func (j *JournalReader) Descriptor() model.SourceDescriptor { return j.desc }

func (j *JournalReader) Run(ctx context.Context, out chan model.LogRecord) error {
	backoff := backoffInitial
	for {
		err := j.followOnce(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		j.log.Warn("journal source disappeared, retrying", "unit", j.desc.Location, "error", err, "backoff", backoff)
		emitStallSourceWarning(out, &j.seq, j.desc.ID)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (j *JournalReader) followOnce(ctx context.Context, out chan model.LogRecord) error {
	rc, wait, err := j.runCmd(ctx, j.desc.Location)
	if err != nil {
		return fmt.Errorf("journal source: start: %w", err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		j.handleLine(out, scanner.Bytes())
	}
	if serr := scanner.Err(); serr != nil {
		_ = wait()
		return fmt.Errorf("journal source: scan: %w", serr)
	}
	return wait()
}

func (j *JournalReader) handleLine(out chan model.LogRecord, line []byte) {
	var entry journalEntry
	if err := json.Unmarshal(line, &entry); err != nil {
 return // malformed journal line, skip parse-error handling
	}

	inBootstrap := j.bootstrap != nil && j.bootstrap.InBootstrap(j.desc.ID)
	if !inBootstrap && !logparse.ContainsKeyword(entry.Message, j.desc.Keywords) {
		return
	}

	rec := model.LogRecord{
		Seq:       atomic.AddUint64(&j.seq, 1),
		ArrivedAt: time.Now(),
		SourceID:  j.desc.ID,
		Raw:       entry.Message,
		Message:   entry.Message,
		Level:     priorityToLevel(entry.Priority),
	}
	if usec, err := strconv.ParseInt(entry.RealtimeUsec, 10, 64); err == nil {
		rec.Timestamp = time.UnixMicro(usec)
		rec.TimeFound = true
	}
	Enqueue(out, rec, j.log)
}

// priorityToLevel maps the standard syslog priority 0-7 to a severity
// token.
func priorityToLevel(priority string) string {
	n, err := strconv.Atoi(priority)
	if err != nil {
		return ""
	}
	switch {
	case n <= 3:
		return "CRITICAL"
	case n == 4:
		return "ERROR"
	case n == 5:
		return "WARN"
	case n == 6:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func runJournalctl(ctx context.Context, unit string) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, "journalctl", "-f", "-u", unit, "--output=json", "--no-pager")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	wait := func() error {
		err := cmd.Wait()
		if err != nil && !errors.Is(ctx.Err(), context.Canceled) {
			return err
		}
		return nil
	}
	return stdout, wait, nil
}
