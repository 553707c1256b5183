// Package pipeline runs one ingest end to end: concurrent per-role
// fetches, normalization, the merge barrier, and the sink write, folded
// into a run report that is emitted for whatever completed.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bikecorp/ingest-cli/internal/connector"
	"github.com/bikecorp/ingest-cli/internal/dedup"
	"github.com/bikecorp/ingest-cli/internal/docstore"
	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/resilience"
	"github.com/bikecorp/ingest-cli/internal/schema"
	"github.com/bikecorp/ingest-cli/internal/sink"
)

// Fetcher drains one source role into records plus per-type outcomes.
type Fetcher interface {
	FetchRole(ctx context.Context, role model.SourceRole, since *time.Time) (*connector.RoleFetch, error)
}

// Merger collapses cleaned records into canonical entities.
type Merger interface {
	Merge(ctx context.Context, records []model.SourceRecord) (*dedup.Result, error)
}

// Writer persists merged entities.
type Writer interface {
	WriteAll(ctx context.Context, entities []model.MergedEntity) (*sink.Summary, error)
}

// Pipeline wires the ingest phases together.
type Pipeline struct {
	schema  *schema.Schema
	fetcher Fetcher
	merger  Merger
	writer  Writer
	store   docstore.Store
	timeout time.Duration
}

// New assembles a pipeline. timeout bounds the fetch phase of each run;
// zero means unbounded.
func New(sch *schema.Schema, fetcher Fetcher, merger Merger, writer Writer, store docstore.Store, timeout time.Duration) *Pipeline {
	return &Pipeline{
		schema:  sch,
		fetcher: fetcher,
		merger:  merger,
		writer:  writer,
		store:   store,
		timeout: timeout,
	}
}

// Options narrows a single run.
type Options struct {
	// Roles restricts the run to the given source roles. Empty means every
	// primary role the schema binds.
	Roles []model.SourceRole
	// Since requests records changed after the given instant from sources
	// that support incremental pulls.
	Since *time.Time
	// Timeout overrides the pipeline's fetch deadline when positive.
	Timeout time.Duration
	// RunID overrides the generated run identifier so async callers can
	// hand out the ID before the run finishes.
	RunID string
}

// Run executes one ingest run. The report is returned for whatever
// completed even when err is non-nil; err reports pipeline malfunctions,
// while source-side failures show up as a degraded or failed report
// status instead.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*model.RunReport, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	report := &model.RunReport{
		ID:        runID,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	log := zap.L().With(zap.String("run_id", report.ID))

	roles := opts.Roles
	if len(roles) == 0 {
		roles = p.schema.Roles()
	}
	log.Info("pipeline: starting run", zap.Int("roles", len(roles)))

	var phasesMu sync.Mutex
	trackPhase := func(name string, fn func() (*model.PhaseResult, error)) {
		start := time.Now()
		pr, err := fn()
		if pr == nil {
			pr = &model.PhaseResult{}
		}
		pr.Name = name
		pr.Duration = time.Since(start).Milliseconds()
		if err != nil {
			pr.Status = model.PhaseStatusFailed
			pr.Error = err.Error()
			log.Warn("pipeline: phase failed", zap.String("phase", name), zap.Error(err))
		} else {
			pr.Status = model.PhaseStatusComplete
			log.Debug("pipeline: phase complete",
				zap.String("phase", name), zap.Int64("duration_ms", pr.Duration))
		}
		phasesMu.Lock()
		report.Phases = append(report.Phases, *pr)
		phasesMu.Unlock()
	}

	timeout := p.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	fetchCtx := ctx
	cancelFetch := func() {}
	if timeout > 0 {
		fetchCtx, cancelFetch = context.WithTimeout(ctx, timeout)
	}
	defer cancelFetch()

	// Fetch all roles concurrently. A role's total failure lands in the
	// report and never blocks the other roles.
	fetches := make([]*connector.RoleFetch, len(roles))
	fetchErrs := make([]error, len(roles))
	g, gctx := errgroup.WithContext(fetchCtx)
	for i, role := range roles {
		i, role := i, role
		g.Go(func() error {
			trackPhase(phaseName(role), func() (*model.PhaseResult, error) {
				rf, err := p.fetcher.FetchRole(gctx, role, opts.Since)
				if err != nil {
					fetchErrs[i] = err
					return nil, err
				}
				fetches[i] = rf
				return &model.PhaseResult{Metadata: map[string]any{
					"records":       len(rf.Records),
					"parse_skipped": rf.ParseSkipped,
					"fell_back":     len(rf.FellBack),
					"partial":       len(rf.Partials),
					"failed":        len(rf.Failed),
				}}, nil
			})
			return nil
		})
	}
	_ = g.Wait() // role errors are tracked per-phase, never fail the run here
	cancelFetch()

	var (
		records []model.SourceRecord
		letters []resilience.DeadLetter
	)
	for i, role := range roles {
		rf := fetches[i]
		if rf == nil {
			report.Roles = append(report.Roles, model.RoleOutcome{
				Role:  role,
				Error: fetchErrs[i].Error(),
			})
			continue
		}
		records = append(records, rf.Records...)
		letters = append(letters, rf.DeadLetters...)
		report.Roles = append(report.Roles, roleOutcome(rf))
		for _, pf := range rf.Partials {
			report.Partials = append(report.Partials, model.PartialFetch{
				Role:       pf.Role,
				EntityType: pf.EntityType,
				Retained:   pf.Retained,
				Error:      pf.Err.Error(),
			})
		}
	}

	// Merge barrier: every surviving record crosses at once so priority and
	// recency see the full cross-role picture.
	var (
		normalized []model.SourceRecord
		merged     *dedup.Result
		mergeErr   error
	)
	trackPhase("normalize", func() (*model.PhaseResult, error) {
		normalized = dedup.Normalize(p.schema, records)
		return &model.PhaseResult{Metadata: map[string]any{
			"in":  len(records),
			"out": len(normalized),
		}}, nil
	})
	trackPhase("merge", func() (*model.PhaseResult, error) {
		res, err := p.merger.Merge(ctx, normalized)
		if err != nil {
			mergeErr = err
			return nil, err
		}
		merged = res
		return &model.PhaseResult{Metadata: map[string]any{
			"entities":   len(res.Entities),
			"created":    res.Created,
			"updated":    res.Updated,
			"unchanged":  res.Unchanged,
			"conflicted": res.Conflicted,
		}}, nil
	})
	if mergeErr != nil {
		report.Error = mergeErr.Error()
		return p.finish(ctx, log, report, letters, model.RunStatusFailed), mergeErr
	}

	report.Created = merged.Created
	report.Updated = merged.Updated
	report.Unchanged = merged.Unchanged
	report.Conflicted = merged.Conflicted
	for _, c := range merged.Conflicts {
		report.Conflicts = append(report.Conflicts, model.ConflictRecord{
			EntityType: c.EntityType,
			Key:        c.Key.String(),
			Field:      c.Field,
			Values:     c.Values,
		})
	}

	var (
		summary  *sink.Summary
		writeErr error
	)
	trackPhase("write", func() (*model.PhaseResult, error) {
		sum, err := p.writer.WriteAll(ctx, merged.Entities)
		summary = sum
		if err != nil {
			writeErr = err
			return nil, err
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"written":   sum.Written,
			"unchanged": sum.Unchanged,
			"failed":    sum.Failed,
		}}, nil
	})
	if writeErr != nil {
		report.Error = writeErr.Error()
		return p.finish(ctx, log, report, letters, model.RunStatusFailed), writeErr
	}
	if summary.Failed > 0 {
		report.Error = fmt.Sprintf("%d of %d documents failed to persist",
			summary.Failed, len(merged.Entities))
	}

	status := model.RunStatusComplete
	switch {
	case rolesAllFailed(report.Roles):
		status = model.RunStatusFailed
		if report.Error == "" {
			report.Error = "every source role failed"
		}
	case report.Degraded() || summary.Failed > 0:
		status = model.RunStatusDegraded
	}
	return p.finish(ctx, log, report, letters, status), nil
}

// finish stamps the final status, persists dead letters and the report,
// and logs the outcome. Persistence failures are logged, never raised.
func (p *Pipeline) finish(ctx context.Context, log *zap.Logger, report *model.RunReport, letters []resilience.DeadLetter, status model.RunStatus) *model.RunReport {
	report.Status = status
	report.FinishedAt = time.Now().UTC()
	report.Duration = report.FinishedAt.Sub(report.StartedAt).Milliseconds()

	// The report outlives the run's own cancellation.
	saveCtx := context.WithoutCancel(ctx)
	if len(letters) > 0 {
		for i := range letters {
			letters[i].RunID = report.ID
		}
		if err := p.store.SaveDeadLetters(saveCtx, letters); err != nil {
			log.Warn("pipeline: failed to persist dead letters",
				zap.Int("count", len(letters)), zap.Error(err))
		}
	}
	if err := p.store.SaveRun(saveCtx, report); err != nil {
		log.Warn("pipeline: failed to persist run report", zap.Error(err))
	}

	log.Info("pipeline: run finished",
		zap.String("status", string(report.Status)),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("conflicted", report.Conflicted),
		zap.Int64("duration_ms", report.Duration),
	)
	return report
}

// roleOutcome condenses a role's fetch into its report row. Entity type
// lists are sorted so reports for the same run state are identical.
func roleOutcome(rf *connector.RoleFetch) model.RoleOutcome {
	ro := model.RoleOutcome{
		Role:         rf.Role,
		Fetched:      len(rf.Records),
		ParseSkipped: rf.ParseSkipped,
		FellBack:     append([]string(nil), rf.FellBack...),
	}
	sort.Strings(ro.FellBack)
	for _, pf := range rf.Partials {
		ro.Partial = append(ro.Partial, pf.EntityType)
	}
	sort.Strings(ro.Partial)
	for et := range rf.Failed {
		ro.Failed = append(ro.Failed, et)
	}
	sort.Strings(ro.Failed)
	return ro
}

// rolesAllFailed reports whether every role ended with zero records and at
// least one error. A run with nothing to show and nothing but failures is
// failed, not degraded.
func rolesAllFailed(roles []model.RoleOutcome) bool {
	if len(roles) == 0 {
		return false
	}
	for _, ro := range roles {
		if ro.Fetched > 0 {
			return false
		}
		if ro.Error == "" && len(ro.Failed) == 0 {
			return false
		}
	}
	return true
}

func phaseName(role model.SourceRole) string {
	return "fetch_" + strings.ToLower(string(role))
}
