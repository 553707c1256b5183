package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/resilience"
	"github.com/bikecorp/ingest-cli/internal/schema"
)

// RoleFetch is everything the Selector learned about one source role during
// a run: the surviving records plus the substitutions, partial fetches,
// parse skips, and outright failures behind them.
type RoleFetch struct {
	Role         model.SourceRole
	Records      []model.SourceRecord
	Partials     []*PartialFetchError
	FellBack     []string
	Failed       map[string]string
	ParseSkipped int
	DeadLetters  []resilience.DeadLetter
}

// Selector drives primary fetches and applies the substitution rules
// between a role's primary connector and the CSV replay snapshot.
type Selector struct {
	schema    *schema.Schema
	primaries map[model.SourceRole]Connector
	replay    Connector
}

// NewSelector wires primaries by their role. replay may be nil when no
// snapshot directory is configured; substitution then always fails.
func NewSelector(sch *schema.Schema, replay Connector, primaries ...Connector) *Selector {
	m := make(map[model.SourceRole]Connector, len(primaries))
	for _, c := range primaries {
		m[c.Role()] = c
	}
	return &Selector{schema: sch, primaries: m, replay: replay}
}

// FetchRole drains every entity type of the role through its primary
// connector and decides, per entity type, what a dead stream means:
//
//   - terminal connectivity failure with zero records yielded: substitute
//     the replay snapshot for this entity type only;
//   - terminal failure after at least one record: retain what arrived and
//     record a PartialFetchError, never substitute;
//   - any other terminal failure: mark the entity type failed.
//
// Parse skips are counted and dead-lettered but never affect substitution.
func (s *Selector) FetchRole(ctx context.Context, role model.SourceRole, since *time.Time) (*RoleFetch, error) {
	prim, ok := s.primaries[role]
	if !ok {
		return nil, eris.Errorf("selector: no connector registered for role %s", role)
	}

	out := &RoleFetch{Role: role, Failed: make(map[string]string)}
	for _, entityType := range s.schema.TypesForRole(role) {
		s.fetchEntity(ctx, prim, entityType, since, out)
	}
	return out, nil
}

func (s *Selector) fetchEntity(ctx context.Context, prim Connector, entityType string, since *time.Time, out *RoleFetch) {
	role := prim.Role()
	res := drain(ctx, prim, entityType, since)
	s.absorbSkips(entityType, res, out)

	switch {
	case res.terminal == nil:
		out.Records = append(out.Records, res.records...)

	case len(res.records) > 0:
		// The stream died mid-sequence. Keep what arrived; substituting
		// now would mix two snapshots under one role.
		out.Records = append(out.Records, res.records...)
		out.Partials = append(out.Partials, &PartialFetchError{
			Role:       role,
			EntityType: entityType,
			Retained:   len(res.records),
			Err:        res.terminal,
		})
		zap.L().Warn("fetch aborted mid-stream, retaining partial records",
			zap.String("role", string(role)),
			zap.String("entity", entityType),
			zap.Int("retained", len(res.records)),
			zap.Error(res.terminal),
		)

	case IsConnectivity(res.terminal):
		s.substitute(ctx, role, entityType, res.terminal, out)

	default:
		out.Failed[entityType] = res.terminal.Error()
		zap.L().Error("fetch failed",
			zap.String("role", string(role)),
			zap.String("entity", entityType),
			zap.Error(res.terminal),
		)
	}
}

// substitute replays the staged snapshot after a zero-yield connectivity
// failure.
func (s *Selector) substitute(ctx context.Context, role model.SourceRole, entityType string, cause error, out *RoleFetch) {
	zap.L().Warn("primary source unreachable, substituting replay snapshot",
		zap.String("role", string(role)),
		zap.String("entity", entityType),
		zap.Error(cause),
	)

	if s.replay == nil {
		out.Failed[entityType] = fmt.Sprintf("primary: %v; replay: not configured", cause)
		return
	}

	// The snapshot is local disk: the run deadline that killed the primary
	// must not also kill the substitution.
	fb := drain(context.WithoutCancel(ctx), s.replay, entityType, nil)
	s.absorbSkips(entityType, fb, out)

	if fb.terminal != nil && len(fb.records) == 0 {
		out.Failed[entityType] = fmt.Sprintf("primary: %v; replay: %v", cause, fb.terminal)
		zap.L().Error("replay substitution failed",
			zap.String("entity", entityType),
			zap.Error(fb.terminal),
		)
		return
	}

	out.Records = append(out.Records, fb.records...)
	out.FellBack = append(out.FellBack, entityType)
	if fb.terminal != nil {
		out.Partials = append(out.Partials, &PartialFetchError{
			Role:       model.RoleCSVReplay,
			EntityType: entityType,
			Retained:   len(fb.records),
			Err:        fb.terminal,
		})
	}
}

func (s *Selector) absorbSkips(entityType string, res drainResult, out *RoleFetch) {
	if len(res.skips) == 0 {
		return
	}
	out.ParseSkipped += len(res.skips)
	out.DeadLetters = append(out.DeadLetters, deadLetters(res.skips)...)
	zap.L().Warn("skipped malformed records",
		zap.String("entity", entityType),
		zap.Int("count", len(res.skips)),
	)
}

type drainResult struct {
	records  []model.SourceRecord
	skips    []*RecordParseError
	terminal error
}

// drain consumes one Fetch stream to completion, separating parse skips
// from the terminal error.
func drain(ctx context.Context, conn Connector, entityType string, since *time.Time) drainResult {
	recCh, errCh := conn.Fetch(ctx, entityType, since)

	var res drainResult
	for recCh != nil || errCh != nil {
		select {
		case rec, ok := <-recCh:
			if !ok {
				recCh = nil
				continue
			}
			res.records = append(res.records, rec)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			var pe *RecordParseError
			if errors.As(err, &pe) {
				res.skips = append(res.skips, pe)
				continue
			}
			res.terminal = err
		}
	}
	return res
}

func deadLetters(skips []*RecordParseError) []resilience.DeadLetter {
	now := time.Now().UTC()
	out := make([]resilience.DeadLetter, 0, len(skips))
	for _, sk := range skips {
		out = append(out, resilience.DeadLetter{
			ID:         uuid.New().String(),
			Role:       sk.Role,
			EntityType: sk.EntityType,
			Position:   sk.Position,
			Payload:    sk.Payload,
			Error:      sk.Err.Error(),
			ErrorType:  resilience.ClassifyError(sk.Err),
			CreatedAt:  now,
		})
	}
	return out
}
