package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/bikecorp/ingest-cli/internal/docstore"
	"github.com/bikecorp/ingest-cli/internal/model"
)

// MetricsSnapshot holds a point-in-time view of ingest health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsDegraded int     `json:"runs_degraded"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailRate     float64 `json:"fail_rate"`

	// Degradation detail (within lookback window).
	FallbackRuns    int `json:"fallback_runs"`
	PartialFetches  int `json:"partial_fetches"`
	Conflicts       int `json:"conflicts"`
	EntitiesWritten int `json:"entities_written"`

	// Store-wide gauges.
	DeadLetterDepth int64 `json:"dead_letter_depth"`
	DocumentsTotal  int64 `json:"documents_total"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the document store.
type Collector struct {
	store docstore.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st docstore.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of ingest metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, docstore.RunFilter{
		StartedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusDegraded:
			snap.RunsDegraded++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}

		snap.Conflicts += r.Conflicted
		snap.PartialFetches += len(r.Partials)
		snap.EntitiesWritten += r.Created + r.Updated
		for _, ro := range r.Roles {
			if len(ro.FellBack) > 0 {
				snap.FallbackRuns++
				break
			}
		}
	}

	// Degraded runs finished their work, so they count toward the rate base.
	finished := snap.RunsComplete + snap.RunsDegraded + snap.RunsFailed
	if finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	depth, err := c.store.CountDeadLetters(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dead letters")
	}
	snap.DeadLetterDepth = depth

	counts, err := c.store.Counts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: document counts")
	}
	for _, n := range counts {
		snap.DocumentsTotal += n
	}

	return snap, nil
}
