// Package sink persists merge output behind an idempotent, retried write
// surface. Writes to the same natural key are serialized; writes to distinct
// keys run concurrently.
package sink

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bikecorp/ingest-cli/internal/docstore"
	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/resilience"
)

// BulkThreshold is the batch size at which WriteAll switches from per-entity
// upserts to the store's batch path.
const BulkThreshold = 500

// lockStripes bounds the per-key mutex pool. Two keys may share a stripe,
// which serializes more than required but never less.
const lockStripes = 64

// WriteFailure records one document the sink could not persist after
// exhausting retries.
type WriteFailure struct {
	EntityType string
	Key        string
	Err        error
}

// Summary totals what a WriteAll pass did. Failures are data for the run
// report, not errors: one bad document never aborts the batch.
type Summary struct {
	Written   int // documents the store created or updated
	Unchanged int // skipped client-side or a no-op at the store
	Failed    int
	Failures  []WriteFailure
}

// Writer drives merge output into a document store.
type Writer struct {
	store   docstore.Store
	retry   resilience.RetryConfig
	workers int
	locks   [lockStripes]sync.Mutex
}

// New creates a Writer. Transient store failures are retried per cfg;
// workers caps concurrent per-entity writes.
func New(store docstore.Store, retry resilience.RetryConfig, workers int) *Writer {
	if workers <= 0 {
		workers = 4
	}
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("docstore", "upsert")
	}
	return &Writer{store: store, retry: retry, workers: workers}
}

func (w *Writer) lockFor(key model.NaturalKey) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key.Hash())) //nolint:errcheck
	return &w.locks[h.Sum32()%lockStripes]
}

// Write persists one merged entity. Entities whose merge produced no field
// changes are skipped without touching the store, so re-running a pipeline
// against unchanged sources writes nothing.
func (w *Writer) Write(ctx context.Context, ent *model.MergedEntity) (docstore.Outcome, error) {
	if len(ent.ChangedFields) == 0 {
		return docstore.OutcomeUnchanged, nil
	}

	mu := w.lockFor(ent.Key)
	mu.Lock()
	defer mu.Unlock()

	return resilience.DoVal(ctx, w.retry, func(ctx context.Context) (docstore.Outcome, error) {
		return w.store.Upsert(ctx, ent)
	})
}

// WriteAll persists a merge result. Batches at or above BulkThreshold go
// through the store's batch path in one statement, falling back to
// per-entity writes if that fails. Everything else fans out across workers.
func (w *Writer) WriteAll(ctx context.Context, ents []model.MergedEntity) (*Summary, error) {
	sum := &Summary{}
	changed := make([]model.MergedEntity, 0, len(ents))
	for i := range ents {
		if len(ents[i].ChangedFields) == 0 {
			sum.Unchanged++
			continue
		}
		changed = append(changed, ents[i])
	}
	if len(changed) == 0 {
		return sum, nil
	}

	if len(changed) >= BulkThreshold {
		n, err := resilience.DoVal(ctx, w.retry, func(ctx context.Context) (int64, error) {
			return w.store.UpsertBatch(ctx, changed)
		})
		if err == nil {
			sum.Written = int(n)
			return sum, nil
		}
		zap.L().Warn("batch write failed, falling back to per-entity writes",
			zap.Int("batch", len(changed)),
			zap.Error(err))
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)
	for i := range changed {
		ent := &changed[i]
		g.Go(func() error {
			outcome, err := w.Write(gctx, ent)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Failed++
				sum.Failures = append(sum.Failures, WriteFailure{
					EntityType: ent.EntityType,
					Key:        ent.Key.String(),
					Err:        err,
				})
				zap.L().Error("document write failed",
					zap.String("entity_type", ent.EntityType),
					zap.String("key", ent.Key.String()),
					zap.Error(err))
				return nil
			}
			if outcome == docstore.OutcomeUnchanged {
				sum.Unchanged++
			} else {
				sum.Written++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}

	sort.Slice(sum.Failures, func(i, j int) bool {
		if sum.Failures[i].EntityType != sum.Failures[j].EntityType {
			return sum.Failures[i].EntityType < sum.Failures[j].EntityType
		}
		return sum.Failures[i].Key < sum.Failures[j].Key
	})
	return sum, ctx.Err()
}
