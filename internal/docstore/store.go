// Package docstore persists the canonical representation: one document per
// (entity type, natural key), plus run reports and dead letters. Two
// backends implement the same Store interface, Postgres for real
// deployments and SQLite for local runs.
package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/resilience"
)

// ErrRunNotFound is returned by GetRun for an unknown run ID.
var ErrRunNotFound = eris.New("run not found")

// Outcome reports what an upsert did to the stored document.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// PersistenceError marks a write that failed at the storage layer. The sink
// retries transient ones with bounded backoff before surfacing.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("docstore: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// DocumentFilter selects documents for listing.
type DocumentFilter struct {
	EntityType string `json:"entity_type,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing run reports. StartedAfter, when
// set, keeps only runs that began strictly after that instant.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	StartedAfter time.Time       `json:"started_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the ingest pipeline.
type Store interface {
	// Documents
	Upsert(ctx context.Context, ent *model.MergedEntity) (Outcome, error)
	UpsertBatch(ctx context.Context, ents []model.MergedEntity) (int64, error)
	Get(ctx context.Context, entityType string, key model.NaturalKey) (*model.MergedEntity, error)
	List(ctx context.Context, filter DocumentFilter) ([]model.MergedEntity, error)
	Counts(ctx context.Context) (map[string]int64, error)
	DistinctValues(ctx context.Context, entityType, field string) ([]string, error)
	DropEntityType(ctx context.Context, entityType string) (int64, error)

	// Runs
	SaveRun(ctx context.Context, report *model.RunReport) error
	GetRun(ctx context.Context, id string) (*model.RunReport, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.RunReport, error)

	// Dead letters
	SaveDeadLetters(ctx context.Context, letters []resilience.DeadLetter) error
	ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error)
	CountDeadLetters(ctx context.Context) (int64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
