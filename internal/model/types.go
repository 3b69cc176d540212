// Package model defines the data types shared across the event pipeline:
// records coming off a source, the profile inferred for that source, and
// the events the pipeline produces on the way to the dispatcher.
package model

import "time"

// SourceKind is the kind of observable a SourceDescriptor watches.
type SourceKind string

const (
	SourceFile    SourceKind = "file"
	SourcePID     SourceKind = "pid"
	SourceJournal SourceKind = "journal"
)

// SourceDescriptor identifies one configured monitor.
type SourceDescriptor struct {
	ID          string
	Kind        SourceKind
	Location    string // path, pid (as string), or unit name
	Keywords    []string
	DisplayName string
}

// LogRecord is one line (or synthetic event) produced by a source adapter.
// It is immutable once created; Seq is strictly increasing within SourceID.
type LogRecord struct {
	Seq        uint64
	ArrivedAt  time.Time
	SourceID   string
	Raw        string // trailing newline stripped, bounded length
	Timestamp  time.Time
	TimeFound  bool
	Level      string // extracted severity, uppercase, may be empty
	Message    string // message portion after stripping known prefixes
	Synthetic  bool   // true for pid-watcher state transitions
	Attributes map[string]string
}

// Format is the profiler's inferred structural format for a source.
type Format string

const (
	FormatJSON   Format = "json"
	FormatCSV    Format = "csv"
	FormatSyslog Format = "syslog"
	FormatKV     Format = "kv"
	FormatPlain  Format = "plain"
)

// Severity is the classifier's output severity.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Reason identifies which subsystem produced an Event.
type Reason string

const (
	ReasonKeyword    Reason = "keyword"
	ReasonPattern    Reason = "pattern"
	ReasonSpike      Reason = "spike"
	ReasonStall      Reason = "stall"
	ReasonNovelty    Reason = "novelty"
	ReasonProgress   Reason = "progress"
	ReasonStage      Reason = "stage"
	ReasonCompletion Reason = "completion"
	ReasonDrift      Reason = "drift"
)

// Event is the unit of work the dispatcher consumes.
type Event struct {
	ID        string
	Record    *LogRecord
	Severity  Severity
	Summary   string
	Reason    Reason
	Detail    string
	CreatedAt time.Time
}

// StageStatus is the lifecycle state of a Stage.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageActive  StageStatus = "active"
	StageDone    StageStatus = "done"
)

// Stage is one named phase of a monitored process's progress, as configured
// under process.stages[].
type Stage struct {
	Name         string
	Weight       int
	StartPattern string
	Current      StageStatus
	StartedAt    time.Time
	EndedAt      time.Time
}
