// Package domain holds the data model shared by every component:
// runs, files, points of interest, relationships, evidence, outbox
// events, and run statistics (spec §3).
package domain

import "time"

// FileStatus is the lifecycle state of a discovered file.
type FileStatus string

const (
	FileStatusPending   FileStatus = "pending"
	FileStatusProcessed FileStatus = "processed"
	FileStatusFailed    FileStatus = "failed"
)

// File is a single source file discovered for a run.
type File struct {
	RunID       string
	Path        string
	ContentHash string
	Status      FileStatus
	SizeBytes   int64
}

// POIKind enumerates the kinds of points of interest the LLM may
// extract from a file.
type POIKind string

const (
	POIFunction  POIKind = "function"
	POIClass     POIKind = "class"
	POIMethod    POIKind = "method"
	POIProperty  POIKind = "property"
	POIVariable  POIKind = "variable"
	POIConstant  POIKind = "constant"
	POIImport    POIKind = "import"
	POIExport    POIKind = "export"
	POIInterface POIKind = "interface"
	POIEnum      POIKind = "enum"
	POIType      POIKind = "type"
)

// POI is a Point of Interest: a named code element extracted from a
// file.
type POI struct {
	RunID        string
	File         string
	Name         string
	Kind         POIKind
	StartLine    int
	EndLine      int
	Description  string
	Exported     bool
	SemanticID   string
}

// RelationshipKind enumerates the relationship edges the pipeline can
// produce between two POIs.
type RelationshipKind string

const (
	RelCalls      RelationshipKind = "CALLS"
	RelUses       RelationshipKind = "USES"
	RelImports    RelationshipKind = "IMPORTS"
	RelInherits   RelationshipKind = "INHERITS"
	RelComposes   RelationshipKind = "COMPOSES"
	RelUsesConfig RelationshipKind = "USES_CONFIG"
)

// RelationshipStatus is the terminal-monotone lifecycle of a
// relationship: PENDING is the only non-terminal state.
type RelationshipStatus string

const (
	RelPending   RelationshipStatus = "PENDING"
	RelValidated RelationshipStatus = "VALIDATED"
	RelDiscarded RelationshipStatus = "DISCARDED"
)

// ResolutionLevel records how precisely a relationship edge was
// resolved; later, coarser passes never downgrade a finer level
// (open question in spec §9 resolved as "overwrite to highest
// observed").
type ResolutionLevel string

const (
	ResolutionFile      ResolutionLevel = "file"
	ResolutionDirectory ResolutionLevel = "directory"
	ResolutionGlobal    ResolutionLevel = "global"
)

var resolutionRank = map[ResolutionLevel]int{
	ResolutionFile:      0,
	ResolutionDirectory: 1,
	ResolutionGlobal:    2,
}

// HigherResolution reports whether candidate outranks current.
func HigherResolution(candidate, current ResolutionLevel) bool {
	return resolutionRank[candidate] > resolutionRank[current]
}

// Relationship is a candidate or confirmed edge between two POIs,
// identified by the source/target semantic ids and its fingerprint.
type Relationship struct {
	RunID           string
	Fingerprint     string
	FromSemanticID  string
	ToSemanticID    string
	Kind            RelationshipKind
	Confidence      float64
	Status          RelationshipStatus
	ResolutionLevel ResolutionLevel
	Conflict        bool
}

// Evidence is a single independent observation supporting a
// relationship fingerprint. Append-only until reconciliation.
type Evidence struct {
	RunID       string
	Fingerprint string
	Score       float64
	Payload     []byte // opaque JSON: reasoning, confidence factors, source observation
	ObservedAt  time.Time
}

// OutboxStatus is the lifecycle of an outbox row.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxInProgress OutboxStatus = "IN_PROGRESS"
	OutboxProcessed  OutboxStatus = "PROCESSED"
	OutboxFailed     OutboxStatus = "FAILED"
)

// OutboxEventKind names the shape of an outbox row's payload.
type OutboxEventKind string

const (
	EventPOIBatch    OutboxEventKind = "poi-batch"
	EventDirResolved OutboxEventKind = "dir-resolved"
	EventRelEvidence OutboxEventKind = "rel-evidence"
)

// OutboxEvent is a durable, transactionally-written side-effect
// record (spec §3, §4.6).
type OutboxEvent struct {
	ID        int64
	RunID     string
	Kind      OutboxEventKind
	Payload   []byte
	Status    OutboxStatus
	FailureReason string
	CreatedAt time.Time
}

// RunStats tracks per-run job counters and the deadlock flag.
type RunStats struct {
	RunID        string
	JobsCreated  int64
	JobsComplete int64
	JobsFailed   int64
	LastActivity time.Time
	Deadlocked   bool

	// DeadlockSnapshot is the JSON-encoded per-queue active job
	// id/age diagnostic captured when Deadlocked was set (spec §4.10).
	DeadlockSnapshot string
}

// FailureRate returns the rolling failure ratio across terminal jobs,
// or 0 if none have terminated yet.
func (r RunStats) FailureRate() float64 {
	terminal := r.JobsComplete + r.JobsFailed
	if terminal == 0 {
		return 0
	}
	return float64(r.JobsFailed) / float64(terminal)
}

// DirectorySummary is the C5 directory-aggregation worker's output.
type DirectorySummary struct {
	RunID       string
	Path        string
	Description string
	FileCount   int
}
