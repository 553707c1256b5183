// Package dedup groups source records by natural key and merges each group
// into one entity with field-level provenance. Merging is deterministic:
// the outcome depends only on the set of records, never on arrival order.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/schema"
)

// PriorLookup finds the persisted version of an entity, if any. The
// deduplicator consults it to assign versions and changed-field sets.
type PriorLookup interface {
	Get(ctx context.Context, entityType string, key model.NaturalKey) (*model.MergedEntity, error)
}

// AmbiguousConflictError describes one field where equally ranked, equally
// fresh records disagreed. It is recorded on the merge result and in the
// entity's provenance, never returned as a failure: unresolved conflicts
// are data, not errors.
type AmbiguousConflictError struct {
	EntityType string
	Key        model.NaturalKey
	Field      string
	Values     []model.ConflictValue
}

func (e *AmbiguousConflictError) Error() string {
	vals := make([]string, len(e.Values))
	for i, v := range e.Values {
		vals[i] = fmt.Sprintf("%s=%q", v.Role, v.Value)
	}
	return fmt.Sprintf("ambiguous conflict on %s[%s].%s: %s",
		e.EntityType, e.Key.String(), e.Field, strings.Join(vals, " vs "))
}

// Result is the outcome of one merge pass.
type Result struct {
	Entities  []model.MergedEntity
	Conflicts []*AmbiguousConflictError

	Created    int
	Updated    int
	Unchanged  int
	Conflicted int // entities with at least one unresolved conflict
}

// Deduplicator merges source records into canonical entities.
type Deduplicator struct {
	schema *schema.Schema
	prior  PriorLookup
	nowFn  func() time.Time
}

// New creates a Deduplicator. prior may be nil, in which case every merged
// entity comes out as newly created at version 1.
func New(sch *schema.Schema, prior PriorLookup) *Deduplicator {
	return &Deduplicator{schema: sch, prior: prior, nowFn: time.Now}
}

type group struct {
	entityType string
	key        model.NaturalKey
	records    []model.SourceRecord
}

// Merge deduplicates records into one entity per (entity type, natural key)
// and compares each against its persisted version. Records of unknown
// entity types fail the merge; their keys cannot be trusted.
func (d *Deduplicator) Merge(ctx context.Context, records []model.SourceRecord) (*Result, error) {
	groups := make(map[string]*group)
	for _, rec := range records {
		if !d.schema.Has(rec.EntityType) {
			return nil, eris.Errorf("dedup: unknown entity type %q", rec.EntityType)
		}
		if rec.Key.IsZero() {
			return nil, eris.Errorf("dedup: %s record has an empty natural key", rec.EntityType)
		}
		gk := rec.EntityType + "\x00" + rec.Key.Hash()
		g, ok := groups[gk]
		if !ok {
			g = &group{entityType: rec.EntityType, key: rec.Key, records: nil}
			groups[gk] = g
		}
		g.records = append(g.records, rec)
	}

	// Deterministic processing order regardless of fetch interleaving.
	keys := make([]string, 0, len(groups))
	for gk := range groups {
		keys = append(keys, gk)
	}
	sort.Slice(keys, func(i, j int) bool {
		gi, gj := groups[keys[i]], groups[keys[j]]
		if gi.entityType != gj.entityType {
			return gi.entityType < gj.entityType
		}
		return gi.key.String() < gj.key.String()
	})

	res := &Result{}
	now := d.nowFn().UTC()
	for _, gk := range keys {
		g := groups[gk]
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "dedup: merge cancelled")
		}

		priority := d.schema.PriorityFor(g.entityType)
		fields, provenance, conflicts := mergeGroup(g, priority)

		ent := model.MergedEntity{
			EntityType: g.entityType,
			Key:        g.key,
			Fields:     fields,
			Provenance: provenance,
		}

		prior, err := d.lookupPrior(ctx, g.entityType, g.key)
		if err != nil {
			return nil, err
		}

		switch {
		case prior == nil:
			ent.Version = 1
			ent.ChangedFields = sortedFieldNames(fields)
			ent.FirstSeenAt = now
			ent.UpdatedAt = now
			res.Created++
		default:
			changed := diffFields(prior.Fields, fields)
			ent.FirstSeenAt = prior.FirstSeenAt
			if len(changed) == 0 {
				ent.Version = prior.Version
				ent.UpdatedAt = prior.UpdatedAt
				res.Unchanged++
			} else {
				ent.Version = prior.Version + 1
				ent.ChangedFields = changed
				ent.UpdatedAt = now
				res.Updated++
			}
		}

		if len(conflicts) > 0 {
			res.Conflicted++
			res.Conflicts = append(res.Conflicts, conflicts...)
			for _, c := range conflicts {
				zap.L().Warn("unresolved field conflict",
					zap.String("entity", c.EntityType),
					zap.String("key", c.Key.String()),
					zap.String("field", c.Field),
				)
			}
		}

		res.Entities = append(res.Entities, ent)
	}

	return res, nil
}

func (d *Deduplicator) lookupPrior(ctx context.Context, entityType string, key model.NaturalKey) (*model.MergedEntity, error) {
	if d.prior == nil {
		return nil, nil
	}
	prior, err := d.prior.Get(ctx, entityType, key)
	if err != nil {
		return nil, eris.Wrapf(err, "dedup: look up prior %s[%s]", entityType, key.String())
	}
	return prior, nil
}

type candidate struct {
	rank      int
	role      model.SourceRole
	fetchedAt time.Time
	value     model.Value
}

// mergeGroup merges one key group field by field. The highest-priority role
// supplying a non-null value wins; within a rank the later fetched_at wins;
// a remaining tie with disagreeing values leaves the field unset under
// CONFLICT_UNRESOLVED provenance.
func mergeGroup(g *group, priority []model.SourceRole) (map[string]model.Value, map[string]string, []*AmbiguousConflictError) {
	names := map[string]bool{}
	for _, rec := range g.records {
		for name, v := range rec.Fields {
			if !v.IsNull() {
				names[name] = true
			}
		}
	}

	fieldNames := make([]string, 0, len(names))
	for name := range names {
		fieldNames = append(fieldNames, name)
	}
	sort.Strings(fieldNames)

	fields := make(map[string]model.Value, len(fieldNames))
	provenance := make(map[string]string, len(fieldNames))
	var conflicts []*AmbiguousConflictError

	for _, name := range fieldNames {
		var cands []candidate
		for _, rec := range g.records {
			v, ok := rec.Fields[name]
			if !ok || v.IsNull() {
				continue
			}
			cands = append(cands, candidate{
				rank:      roleRank(priority, rec.Role),
				role:      rec.Role,
				fetchedAt: rec.FetchedAt,
				value:     v,
			})
		}

		winners := bestCandidates(cands)
		if agreed, ok := agreeingValue(winners); ok {
			fields[name] = agreed.value
			provenance[name] = string(agreed.role)
			continue
		}

		provenance[name] = model.ProvenanceConflict
		conflicts = append(conflicts, &AmbiguousConflictError{
			EntityType: g.entityType,
			Key:        g.key,
			Field:      name,
			Values:     conflictValues(winners),
		})
	}

	return fields, provenance, conflicts
}

// bestCandidates narrows to the top priority rank, then to the latest
// fetched_at within that rank.
func bestCandidates(cands []candidate) []candidate {
	if len(cands) == 0 {
		return nil
	}

	best := cands[0].rank
	for _, c := range cands[1:] {
		if c.rank < best {
			best = c.rank
		}
	}
	ranked := cands[:0:0]
	for _, c := range cands {
		if c.rank == best {
			ranked = append(ranked, c)
		}
	}

	latest := ranked[0].fetchedAt
	for _, c := range ranked[1:] {
		if c.fetchedAt.After(latest) {
			latest = c.fetchedAt
		}
	}
	fresh := ranked[:0:0]
	for _, c := range ranked {
		if c.fetchedAt.Equal(latest) {
			fresh = append(fresh, c)
		}
	}
	return fresh
}

// agreeingValue returns the winning candidate when all surviving candidates
// carry the same value. Order within winners does not matter: any candidate
// works as the representative because they are equal-ranked, equal-time and
// equal-valued.
func agreeingValue(winners []candidate) (candidate, bool) {
	if len(winners) == 0 {
		return candidate{}, false
	}
	for _, c := range winners[1:] {
		if !c.value.Equal(winners[0].value) {
			return candidate{}, false
		}
	}
	return winners[0], true
}

func conflictValues(winners []candidate) []model.ConflictValue {
	vals := make([]model.ConflictValue, 0, len(winners))
	for _, c := range winners {
		vals = append(vals, model.ConflictValue{
			Role:      c.role,
			Value:     c.value.Canon(),
			FetchedAt: c.fetchedAt,
		})
	}
	sort.Slice(vals, func(i, j int) bool {
		if vals[i].Role != vals[j].Role {
			return vals[i].Role < vals[j].Role
		}
		return vals[i].Value < vals[j].Value
	})
	return vals
}

func roleRank(priority []model.SourceRole, role model.SourceRole) int {
	for i, r := range priority {
		if r == role {
			return i
		}
	}
	return len(priority)
}

// diffFields lists the field names whose value differs between the
// persisted and the freshly merged entity, including appearing and
// disappearing fields.
func diffFields(prior, next map[string]model.Value) []string {
	names := map[string]bool{}
	for name := range prior {
		names[name] = true
	}
	for name := range next {
		names[name] = true
	}

	var changed []string
	for name := range names {
		pv, pok := prior[name]
		nv, nok := next[name]
		if pok != nok || (pok && !pv.Equal(nv)) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

func sortedFieldNames(fields map[string]model.Value) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
