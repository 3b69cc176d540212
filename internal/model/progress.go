package model

import "time"

// ProgressState tracks one monitored process's completion progress.
type ProgressState struct {
	ProcessName       string
	Fraction          float64
	ActiveStage       int // index into Stages, -1 if none active yet
	Stages            []*Stage
	LineRateEWMA      float64
	LastLineAt        time.Time
	StartedAt         time.Time
	HistoricalMedian  time.Duration
	LastProgressEmit  time.Time
	LastProgressValue float64
	FractionFixedAt   time.Time // when Fraction last changed value
	StallReported     bool
}

// HistoryEntry is one completed run's duration, as persisted to
// ~/.telewatch/history.json.
type HistoryEntry struct {
	ProcessName     string    `json:"process_name"`
	DurationSeconds float64   `json:"duration_seconds"`
	CompletedAt     time.Time `json:"completed_at"`
}
