package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/telewatch/telewatch/internal/logparse"
	"github.com/telewatch/telewatch/internal/model"
)

const (
	pollFallback       = 250 * time.Millisecond
	partialLineTimeout = 2 * time.Second
	maxRawLineBytes    = 64 * 1024
	backoffInitial     = 1 * time.Second
	backoffMax         = 60 * time.Second
)

// FileTailer is the file source adapter: opens a file, seeks to end unless
// ReplayExisting is set, and emits one LogRecord per line, handling
// truncation and rotation by inode/size comparison.
type FileTailer struct {
	desc           model.SourceDescriptor
	replayExisting bool
	bootstrap      BootstrapFilter
	log            *slog.Logger

	seq uint64
}

// NewFileTailer builds a file tailer for desc. bootstrap reports, per
// source id, whether the profiler is still in its bootstrap window (in
// which case the keyword filter is not applied).
func NewFileTailer(desc model.SourceDescriptor, replayExisting bool, bootstrap BootstrapFilter, log *slog.Logger) *FileTailer {
	return &FileTailer{desc: desc, replayExisting: replayExisting, bootstrap: bootstrap, log: log}
}

func (f *FileTailer) Descriptor() model.SourceDescriptor { return f.desc }

// Run tails the file until ctx is cancelled, retrying with exponential
// backoff if the file disappears or cannot be opened mid-run.
func (f *FileTailer) Run(ctx context.Context, out chan model.LogRecord) error {
	backoff := backoffInitial
	first := true
	for {
		err := f.tailOnce(ctx, out, first)
		first = false
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, errRotated) {
			f.log.Info("file source rotated, reopening", "source", f.desc.ID)
			backoff = backoffInitial
			continue
		}
		f.log.Warn("file source disappeared, retrying", "source", f.desc.ID, "error", err, "backoff", backoff)
		emitStallSourceWarning(out, &f.seq, f.desc.ID)
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

func (f *FileTailer) tailOnce(ctx context.Context, out chan model.LogRecord, first bool) error {
	file, info, err := openTracked(f.desc.Location)
	if err != nil {
		return err
	}
	defer file.Close()

	if first && !f.replayExisting {
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			return fmt.Errorf("file source: seek end: %w", err)
		}
	}

	watcher, watchErr := fsnotify.NewWatcher()
	usePolling := watchErr != nil
	if !usePolling {
		defer watcher.Close()
		if err := watcher.Add(f.desc.Location); err != nil {
			usePolling = true
		}
	}

	reader := bufio.NewReader(file)
	var partial strings.Builder
	var partialSince time.Time
	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, readErr := reader.ReadString('\n')
		if len(line) > 0 {
			trimmed := strings.TrimRight(line, "\n")
			if strings.HasSuffix(line, "\n") {
				if partial.Len() > 0 {
					trimmed = partial.String() + trimmed
					partial.Reset()
				}
				f.emit(out, trimmed)
			} else {
				partial.WriteString(trimmed)
				if partialSince.IsZero() {
					partialSince = time.Now()
				}
			}
		}

		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return fmt.Errorf("file source: read: %w", readErr)
			}
			if partial.Len() > 0 && time.Since(partialSince) > partialLineTimeout {
				f.emit(out, partial.String())
				partial.Reset()
				partialSince = time.Time{}
			}

			if rotated, _, rerr := checkRotation(f.desc.Location, info); rerr == nil && rotated {
				return errRotated
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			case ev := <-watcherEvents(watcher, usePolling):
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
			}
		}
	}
}

var errRotated = errors.New("file source: rotated")

func (f *FileTailer) emit(out chan model.LogRecord, raw string) {
	if len(raw) > maxRawLineBytes {
		raw = raw[:maxRawLineBytes]
	}
	inBootstrap := f.bootstrap != nil && f.bootstrap.InBootstrap(f.desc.ID)
	if !inBootstrap && !logparse.ContainsKeyword(raw, f.desc.Keywords) {
		return
	}
	seq := atomic.AddUint64(&f.seq, 1)
	rec := model.LogRecord{
		Seq:       seq,
		ArrivedAt: time.Now(),
		SourceID:  f.desc.ID,
		Raw:       raw,
	}
	Enqueue(out, rec, f.log)
}

func watcherEvents(w *fsnotify.Watcher, usePolling bool) chan fsnotify.Event {
	if usePolling || w == nil {
		return nil
	}
	return w.Events
}

func openTracked(path string) (*os.File, os.FileInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("file source: open %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("file source: stat %s: %w", path, err)
	}
	return file, info, nil
}

// checkRotation reports whether the file at path now differs from prev by
// inode or has regressed in size, meaning it was rotated or truncated.
func checkRotation(path string, prev os.FileInfo) (bool, os.FileInfo, error) {
	cur, err := os.Stat(path)
	if err != nil {
		return false, nil, err
	}
	if cur.Size() < prev.Size() {
		return true, cur, nil
	}
	if !os.SameFile(prev, cur) {
		return true, cur, nil
	}
	return false, cur, nil
}

func emitStallSourceWarning(out chan model.LogRecord, seq *uint64, sourceID string) {
	n := atomic.AddUint64(seq, 1)
	out <- model.LogRecord{
		Seq:       n,
		ArrivedAt: time.Now(),
		SourceID:  sourceID,
		Synthetic: true,
		Level:     "WARN",
		Message:   "source unavailable, retrying",
	}
}
