// Package source implements the three source adapter kinds (file tailer,
// pid watcher, journal reader) behind one Adapter interface, plus a
// Manager that fans records from all configured sources into a single
// channel.
package source

import (
	"context"

	"github.com/telewatch/telewatch/internal/model"
)

// Adapter produces an ordered stream of records for one configured source.
// Run blocks until ctx is cancelled or the source fails unrecoverably. out
// is the Manager's single fan-in channel, held bidirectionally so Enqueue
// can evict its own oldest entry under backpressure; Run must
// stop delivering (without closing out, which the Manager owns) once ctx
// is done.
type Adapter interface {
	Descriptor() model.SourceDescriptor
	Run(ctx context.Context, out chan model.LogRecord) error
}

// BootstrapFilter decides whether a raw line should be admitted during the
// profiler's bootstrap window, when the source keyword filter must not be
// applied.
type BootstrapFilter interface {
	InBootstrap(sourceID string) bool
}
