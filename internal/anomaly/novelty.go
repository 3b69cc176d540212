package anomaly

import (
	"sync"

	"github.com/telewatch/telewatch/internal/fingerprint"
	"github.com/telewatch/telewatch/internal/logparse"
	"github.com/telewatch/telewatch/internal/model"
)

const defaultMemorySize = 1000

// Novelty maintains a bounded ring of the last N distinct fingerprints
// seen across all sources and flags records whose fingerprint is both
// new and alarm-worthy.
type Novelty struct {
	mu       sync.Mutex
	size     int
	ring     []string
	next     int
	member   map[string]bool
	keywords []string
}

// NewNovelty builds a Novelty detector holding up to size distinct
// fingerprints (default 1000). keywords is the union of all
// configured source keywords, used for the "line contains a keyword"
// novelty trigger.
func NewNovelty(size int, keywords []string) *Novelty {
	if size <= 0 {
		size = defaultMemorySize
	}
	return &Novelty{
		size:     size,
		ring:     make([]string, 0, size),
		member:   make(map[string]bool, size),
		keywords: keywords,
	}
}

// Observe computes rec's fingerprint, inserts it into structural memory
// regardless of outcome, and reports whether this record qualifies for a
// novelty signal (absent from memory AND alarm-worthy).
func (n *Novelty) Observe(rec model.LogRecord) (fp string, isNovel bool) {
	message := rec.Message
	if message == "" {
		message = rec.Raw
	}
	fp = fingerprint.Of(message)

	n.mu.Lock()
	seen := n.member[fp]
	n.insert(fp)
	n.mu.Unlock()

	if seen {
		return fp, false
	}
	return fp, n.isAlarmWorthy(rec)
}

func (n *Novelty) isAlarmWorthy(rec model.LogRecord) bool {
	if logparse.IsHighSeverity(rec.Level) {
		return true
	}
	if len(n.keywords) > 0 && logparse.ContainsKeyword(rec.Raw, n.keywords) {
		return true
	}
	return logparse.HasAlarmToken(rec.Raw)
}

func (n *Novelty) insert(fp string) {
	if n.member[fp] {
		return
	}
	if len(n.ring) < n.size {
		n.ring = append(n.ring, fp)
		n.member[fp] = true
		return
	}
	evicted := n.ring[n.next]
	delete(n.member, evicted)
	n.ring[n.next] = fp
	n.member[fp] = true
	n.next = (n.next + 1) % n.size
}
