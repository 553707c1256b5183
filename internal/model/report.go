package model

import "time"

// RunStatus represents the final state of an ingest run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	// RunStatusDegraded marks a run that finished with fallbacks, partial
	// fetches, or role failures but still produced a usable merge.
	RunStatusDegraded RunStatus = "degraded"
	RunStatusFailed   RunStatus = "failed"
)

// PhaseStatus represents the state of a pipeline phase.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
	PhaseStatusSkipped  PhaseStatus = "skipped"
)

// PhaseResult holds the outcome of one pipeline phase.
type PhaseResult struct {
	Name     string         `json:"name"`
	Status   PhaseStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RoleOutcome summarizes one source role's fetch within a run.
type RoleOutcome struct {
	Role         SourceRole `json:"role"`
	Fetched      int        `json:"fetched"`
	ParseSkipped int        `json:"parse_skipped"`
	// FellBack lists entity types served from the CSV replay fallback.
	FellBack []string `json:"fell_back,omitempty"`
	// Partial lists entity types whose primary fetch truncated mid-sequence.
	Partial []string `json:"partial,omitempty"`
	// Failed lists entity types that yielded nothing from primary or fallback.
	Failed []string `json:"failed,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// PartialFetch summarizes a truncated primary fetch whose partial records
// were kept.
type PartialFetch struct {
	Role       SourceRole `json:"role"`
	EntityType string     `json:"entity_type"`
	Retained   int        `json:"retained"`
	Error      string     `json:"error"`
}

// ConflictValue is one side of an unresolved merge tie.
type ConflictValue struct {
	Role      SourceRole `json:"role"`
	Value     string     `json:"value"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// ConflictRecord captures a field-level merge tie left unresolved so the
// operator can audit it.
type ConflictRecord struct {
	EntityType string          `json:"entity_type"`
	Key        string          `json:"key"`
	Field      string          `json:"field"`
	Values     []ConflictValue `json:"values"`
}

// RunReport is the sole user-visible surface for a run's outcome. It is
// always emitted for whatever work completed, never suppressed by errors.
type RunReport struct {
	ID         string           `json:"id"`
	Status     RunStatus        `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Duration   int64            `json:"duration_ms"`
	Phases     []PhaseResult    `json:"phases"`
	Roles      []RoleOutcome    `json:"roles"`
	Created    int              `json:"created"`
	Updated    int              `json:"updated"`
	Unchanged  int              `json:"unchanged"`
	Conflicted int              `json:"conflicted"`
	Partials   []PartialFetch   `json:"partials,omitempty"`
	Conflicts  []ConflictRecord `json:"conflicts,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Entities returns the total number of merged entities the run touched.
func (r *RunReport) Entities() int {
	return r.Created + r.Updated + r.Unchanged
}

// Degraded reports whether the run completed with any fallback, partial
// fetch, unresolved conflict, or role failure.
func (r *RunReport) Degraded() bool {
	if len(r.Partials) > 0 || r.Conflicted > 0 {
		return true
	}
	for _, ro := range r.Roles {
		if len(ro.FellBack) > 0 || len(ro.Failed) > 0 || ro.Error != "" {
			return true
		}
	}
	return false
}
