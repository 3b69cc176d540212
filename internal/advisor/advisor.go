// Package advisor defines the external classification contract: a
// best-effort call out to an LLM provider for the records neither the
// cache nor the local pattern list can resolve, plus the quota
// bookkeeping that degrades the pipeline gracefully once a provider is
// throttled or exhausted. No specific provider is part of the contract;
// Client below is one concrete implementation satisfying it.
package advisor

import (
	"context"
	"time"

	"github.com/telewatch/telewatch/internal/model"
)

// Deadline bounds a single Classify call.
const Deadline = 10 * time.Second

// QuotaState is what Quota reports about the advisor's current call budget.
type QuotaState string

const (
	QuotaOK        QuotaState = "ok"
	QuotaThrottled QuotaState = "throttled"
	QuotaExhausted QuotaState = "exhausted"
)

// Result is the advisor's classification of one record.
type Result struct {
	Severity         model.Severity
	Summary          string // at most 280 chars from Client, which truncates on parse
	GeneratedPattern string // proposed regex, empty if the advisor found none
}

// Advisor classifies a record using its surrounding context window and
// reports its own quota state so the classifier can decide whether to call
// it at all.
type Advisor interface {
	// Classify returns the advisor's opinion of rec given the last few
	// records from the same source. Implementations must respect ctx and
	// should not block past Deadline.
	Classify(ctx context.Context, rec model.LogRecord, context []model.LogRecord) (Result, error)

	// Quota reports the advisor's current call budget without making a
	// network call.
	Quota() QuotaState
}
