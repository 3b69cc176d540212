package anomaly

import (
	"time"

	"github.com/telewatch/telewatch/internal/model"
)

// Detector combines the temporal and structural novelty detectors behind
// one Observe call for the pipeline stage to use.
type Detector struct {
	temporal *Temporal
	novelty  *Novelty
}

// NewDetector builds a Detector; see NewTemporal and NewNovelty for the
// meaning of each parameter.
func NewDetector(spikeThreshold float64, stallAfter time.Duration, noveltySize int, keywords []string) *Detector {
	return &Detector{
		temporal: NewTemporal(spikeThreshold, stallAfter),
		novelty:  NewNovelty(noveltySize, keywords),
	}
}

// Observe runs rec through both detectors. It returns any spike event
// produced by the temporal detector directly (its severity is already
// decided), and separately reports whether rec's fingerprint is novel and
// alarm-worthy — the classifier, not the anomaly detector, decides the
// severity for a novelty signal.
func (d *Detector) Observe(rec model.LogRecord) (spike *model.Event, fingerprint string, isNovel bool) {
	spike = d.temporal.Observe(rec)
	fingerprint, isNovel = d.novelty.Observe(rec)
	return spike, fingerprint, isNovel
}

// CheckStalls polls the temporal detector for sources that have gone
// silent past their stall deadline. Callers drive this from a ticker
// since a stall is the absence of a triggering record.
func (d *Detector) CheckStalls(now time.Time) []model.Event {
	return d.temporal.CheckStalls(now)
}
