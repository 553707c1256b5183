package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sch, err := schema.Default()
	require.NoError(t, err)
	return sch
}

var mergeNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newDeduplicator(t *testing.T, prior PriorLookup) *Deduplicator {
	t.Helper()
	d := New(testSchema(t), prior)
	d.nowFn = func() time.Time { return mergeNow }
	return d
}

type stubPrior struct {
	mu       sync.Mutex
	entities map[string]*model.MergedEntity
	err      error
	calls    int
}

func (s *stubPrior) Get(_ context.Context, entityType string, key model.NaturalKey) (*model.MergedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.entities[entityType+"/"+key.Hash()], nil
}

func brandRecord(role model.SourceRole, id float64, name string, fetchedAt time.Time) model.SourceRecord {
	return model.SourceRecord{
		Role:       role,
		EntityType: "brands",
		Key:        model.NaturalKey{{Field: "brand_id", Value: model.NumberValue(id).Canon()}},
		Fields: map[string]model.Value{
			"brand_id":   model.NumberValue(id),
			"brand_name": model.StringValue(name),
		},
		FetchedAt: fetchedAt,
	}
}

func customerRecord(id float64, fields map[string]model.Value, fetchedAt time.Time) model.SourceRecord {
	fields["customer_id"] = model.NumberValue(id)
	return model.SourceRecord{
		Role:       model.RoleAPI,
		EntityType: "customers",
		Key:        model.NaturalKey{{Field: "customer_id", Value: model.NumberValue(id).Canon()}},
		Fields:     fields,
		FetchedAt:  fetchedAt,
	}
}

func TestMerge_HighestPriorityRoleWinsField(t *testing.T) {
	t.Parallel()
	d := newDeduplicator(t, nil)

	dbTime := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	// The API copy is fresher but database still outranks it.
	res, err := d.Merge(context.Background(), []model.SourceRecord{
		brandRecord(model.RoleAPI, 7, "ACME Inc", dbTime.Add(2*time.Hour)),
		brandRecord(model.RoleDatabase, 7, "Acme", dbTime),
	})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)

	ent := res.Entities[0]
	assert.Equal(t, "brands", ent.EntityType)
	assert.Equal(t, "Acme", ent.Fields["brand_name"].Str)
	assert.Equal(t, string(model.RoleDatabase), ent.Provenance["brand_name"])
	assert.Equal(t, string(model.RoleDatabase), ent.Provenance["brand_id"])
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, int64(1), ent.Version)
}

func TestMerge_ReplayOutrankedByAPI(t *testing.T) {
	t.Parallel()
	d := newDeduplicator(t, nil)

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	replay := brandRecord(model.RoleCSVReplay, 3, "Heller Snapshot", base.Add(24*time.Hour))
	api := brandRecord(model.RoleAPI, 3, "Heller", base)

	res, err := d.Merge(context.Background(), []model.SourceRecord{replay, api})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "Heller", res.Entities[0].Fields["brand_name"].Str)
	assert.Equal(t, string(model.RoleAPI), res.Entities[0].Provenance["brand_name"])
}

func TestMerge_LaterFetchWinsWithinSameRole(t *testing.T) {
	t.Parallel()
	d := newDeduplicator(t, nil)

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	older := customerRecord(12, map[string]model.Value{"phone": model.StringValue("555-0100")}, base)
	newer := customerRecord(12, map[string]model.Value{"phone": model.StringValue("555-0199")}, base.Add(time.Minute))

	res, err := d.Merge(context.Background(), []model.SourceRecord{older, newer})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "555-0199", res.Entities[0].Fields["phone"].Str)
	assert.Equal(t, string(model.RoleAPI), res.Entities[0].Provenance["phone"])
	assert.Empty(t, res.Conflicts)
}

func TestMerge_EqualTieLeavesFieldUnset(t *testing.T) {
	t.Parallel()
	d := newDeduplicator(t, nil)

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	a := customerRecord(9, map[string]model.Value{
		"first_name": model.StringValue("Ann"),
		"email":      model.StringValue("ann@x.test"),
	}, at)
	b := customerRecord(9, map[string]model.Value{
		"first_name": model.StringValue("Ann"),
		"email":      model.StringValue("ann@y.test"),
	}, at)

	res, err := d.Merge(context.Background(), []model.SourceRecord{a, b})
	require.NoError(t, err, "an unresolved conflict is recorded, never returned as a failure")
	require.Len(t, res.Entities, 1)

	ent := res.Entities[0]
	_, set := ent.Fields["email"]
	assert.False(t, set, "a tied field with disagreeing values stays unset")
	assert.Equal(t, model.ProvenanceConflict, ent.Provenance["email"])

	assert.Equal(t, "Ann", ent.Fields["first_name"].Str, "agreeing fields still merge")
	assert.Equal(t, string(model.RoleAPI), ent.Provenance["first_name"])

	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, "customers", c.EntityType)
	assert.Equal(t, "email", c.Field)
	require.Len(t, c.Values, 2)
	assert.Equal(t, "ann@x.test", c.Values[0].Value)
	assert.Equal(t, "ann@y.test", c.Values[1].Value)
	assert.Contains(t, c.Error(), "email")

	assert.Equal(t, 1, res.Conflicted)
	assert.Equal(t, 1, res.Created, "a conflicted entity still counts toward its outcome")
}

func TestMerge_EqualTieWithAgreementIsNotConflict(t *testing.T) {
	t.Parallel()
	d := newDeduplicator(t, nil)

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	a := customerRecord(9, map[string]model.Value{"email": model.StringValue("ann@x.test")}, at)
	b := customerRecord(9, map[string]model.Value{"email": model.StringValue("ann@x.test")}, at)

	res, err := d.Merge(context.Background(), []model.SourceRecord{a, b})
	require.NoError(t, err)
	assert.Equal(t, "ann@x.test", res.Entities[0].Fields["email"].Str)
	assert.Empty(t, res.Conflicts)
	assert.Zero(t, res.Conflicted)
}

func TestMerge_NullNeverSupplies(t *testing.T) {
	t.Parallel()
	d := newDeduplicator(t, nil)

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	db := model.SourceRecord{
		Role:       model.RoleDatabase,
		EntityType: "staffs",
		Key:        model.NaturalKey{{Field: "staff_id", Value: "1"}},
		Fields: map[string]model.Value{
			"staff_id":   model.NumberValue(1),
			"first_name": model.StringValue("Fabiola"),
			"phone":      model.NullValue(),
		},
		FetchedAt: at,
	}
	replay := model.SourceRecord{
		Role:       model.RoleCSVReplay,
		EntityType: "staffs",
		Key:        model.NaturalKey{{Field: "staff_id", Value: "1"}},
		Fields: map[string]model.Value{
			"staff_id":   model.NumberValue(1),
			"first_name": model.StringValue("Fabiola"),
			"phone":      model.StringValue("555-0134"),
		},
		FetchedAt: at,
	}

	res, err := d.Merge(context.Background(), []model.SourceRecord{db, replay})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)

	ent := res.Entities[0]
	assert.Equal(t, "555-0134", ent.Fields["phone"].Str, "a null from a higher rank must not mask a real value below it")
	assert.Equal(t, string(model.RoleCSVReplay), ent.Provenance["phone"])
	assert.Equal(t, string(model.RoleDatabase), ent.Provenance["first_name"])
}

func TestMerge_PerEntityPriorityOverride(t *testing.T) {
	t.Parallel()

	sch, err := schema.Parse([]byte(`
entities:
  products:
    role: DATABASE
    key: [product_id]
    priority: [API, DATABASE, CSV_REPLAY]
    fields:
      product_id: number
      product_name: string
`))
	require.NoError(t, err)
	d := New(sch, nil)
	d.nowFn = func() time.Time { return mergeNow }

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	mk := func(role model.SourceRole, name string) model.SourceRecord {
		return model.SourceRecord{
			Role:       role,
			EntityType: "products",
			Key:        model.NaturalKey{{Field: "product_id", Value: "44"}},
			Fields: map[string]model.Value{
				"product_id":   model.NumberValue(44),
				"product_name": model.StringValue(name),
			},
			FetchedAt: at,
		}
	}

	res, err := d.Merge(context.Background(), []model.SourceRecord{
		mk(model.RoleDatabase, "Trek 820 - 2016"),
		mk(model.RoleAPI, "Trek 820"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Trek 820", res.Entities[0].Fields["product_name"].Str)
	assert.Equal(t, string(model.RoleAPI), res.Entities[0].Provenance["product_name"])
}

func TestMerge_PermutationInvariance(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	recs := []model.SourceRecord{
		brandRecord(model.RoleDatabase, 7, "Acme", base),
		brandRecord(model.RoleAPI, 7, "ACME Inc", base.Add(time.Hour)),
		brandRecord(model.RoleCSVReplay, 7, "ACME", base.Add(2*time.Hour)),
		brandRecord(model.RoleAPI, 8, "Surly", base),
		customerRecord(9, map[string]model.Value{"email": model.StringValue("ann@x.test")}, base),
		customerRecord(9, map[string]model.Value{"email": model.StringValue("ann@y.test")}, base),
	}

	orderings := [][]int{
		{0, 1, 2, 3, 4, 5},
		{5, 4, 3, 2, 1, 0},
		{2, 5, 0, 3, 1, 4},
		{4, 0, 5, 1, 3, 2},
	}

	var baseline *Result
	for _, order := range orderings {
		shuffled := make([]model.SourceRecord, len(order))
		for i, idx := range order {
			shuffled[i] = recs[idx]
		}

		d := newDeduplicator(t, nil)
		res, err := d.Merge(context.Background(), shuffled)
		require.NoError(t, err)

		if baseline == nil {
			baseline = res
			continue
		}
		assert.Equal(t, baseline, res, "merge outcome must not depend on record arrival order")
	}
}

func TestMerge_CreatedStartsAtVersionOne(t *testing.T) {
	t.Parallel()
	d := newDeduplicator(t, &stubPrior{})

	res, err := d.Merge(context.Background(), []model.SourceRecord{
		brandRecord(model.RoleDatabase, 7, "Acme", mergeNow.Add(-time.Hour)),
	})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)

	ent := res.Entities[0]
	assert.Equal(t, int64(1), ent.Version)
	assert.Equal(t, []string{"brand_id", "brand_name"}, ent.ChangedFields)
	assert.Equal(t, mergeNow, ent.FirstSeenAt)
	assert.Equal(t, mergeNow, ent.UpdatedAt)
	assert.Equal(t, 1, res.Created)
	assert.Zero(t, res.Updated)
	assert.Zero(t, res.Unchanged)
}

func TestMerge_UnchangedKeepsVersion(t *testing.T) {
	t.Parallel()

	rec := brandRecord(model.RoleDatabase, 7, "Acme", mergeNow.Add(-time.Hour))
	firstSeen := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	updated := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	prior := &stubPrior{entities: map[string]*model.MergedEntity{
		"brands/" + rec.Key.Hash(): {
			EntityType: "brands",
			Key:        rec.Key,
			Fields: map[string]model.Value{
				"brand_id":   model.NumberValue(7),
				"brand_name": model.StringValue("Acme"),
			},
			Provenance:  map[string]string{"brand_id": "DATABASE", "brand_name": "DATABASE"},
			Version:     3,
			FirstSeenAt: firstSeen,
			UpdatedAt:   updated,
		},
	}}

	d := newDeduplicator(t, prior)
	res, err := d.Merge(context.Background(), []model.SourceRecord{rec})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)

	ent := res.Entities[0]
	assert.Equal(t, int64(3), ent.Version, "an identical re-merge must not bump the version")
	assert.Empty(t, ent.ChangedFields)
	assert.Equal(t, firstSeen, ent.FirstSeenAt)
	assert.Equal(t, updated, ent.UpdatedAt)
	assert.Equal(t, 1, res.Unchanged)
	assert.Zero(t, res.Created)
	assert.Zero(t, res.Updated)
}

func TestMerge_ChangedFieldBumpsVersion(t *testing.T) {
	t.Parallel()

	rec := brandRecord(model.RoleDatabase, 7, "Acme", mergeNow.Add(-time.Hour))
	firstSeen := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	prior := &stubPrior{entities: map[string]*model.MergedEntity{
		"brands/" + rec.Key.Hash(): {
			EntityType: "brands",
			Key:        rec.Key,
			Fields: map[string]model.Value{
				"brand_id":   model.NumberValue(7),
				"brand_name": model.StringValue("Acme Bikes"),
			},
			Version:     2,
			FirstSeenAt: firstSeen,
			UpdatedAt:   firstSeen,
		},
	}}

	d := newDeduplicator(t, prior)
	res, err := d.Merge(context.Background(), []model.SourceRecord{rec})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)

	ent := res.Entities[0]
	assert.Equal(t, int64(3), ent.Version)
	assert.Equal(t, []string{"brand_name"}, ent.ChangedFields)
	assert.Equal(t, firstSeen, ent.FirstSeenAt)
	assert.Equal(t, mergeNow, ent.UpdatedAt)
	assert.Equal(t, 1, res.Updated)
}

func TestMerge_DisappearedFieldIsChange(t *testing.T) {
	t.Parallel()

	rec := brandRecord(model.RoleDatabase, 7, "Acme", mergeNow.Add(-time.Hour))
	prior := &stubPrior{entities: map[string]*model.MergedEntity{
		"brands/" + rec.Key.Hash(): {
			EntityType: "brands",
			Key:        rec.Key,
			Fields: map[string]model.Value{
				"brand_id":   model.NumberValue(7),
				"brand_name": model.StringValue("Acme"),
				"brand_url":  model.StringValue("https://acme.example"),
			},
			Version: 1,
		},
	}}

	d := newDeduplicator(t, prior)
	res, err := d.Merge(context.Background(), []model.SourceRecord{rec})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)

	ent := res.Entities[0]
	assert.Equal(t, int64(2), ent.Version)
	assert.Equal(t, []string{"brand_url"}, ent.ChangedFields)
	assert.Equal(t, 1, res.Updated)
}

func TestMerge_OutputSorted(t *testing.T) {
	t.Parallel()
	d := newDeduplicator(t, nil)

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	res, err := d.Merge(context.Background(), []model.SourceRecord{
		customerRecord(1, map[string]model.Value{}, at),
		brandRecord(model.RoleDatabase, 2, "Surly", at),
		brandRecord(model.RoleDatabase, 10, "Acme", at),
	})
	require.NoError(t, err)
	require.Len(t, res.Entities, 3)

	assert.Equal(t, "brands", res.Entities[0].EntityType)
	assert.Equal(t, "brand_id=10", res.Entities[0].Key.String())
	assert.Equal(t, "brands", res.Entities[1].EntityType)
	assert.Equal(t, "brand_id=2", res.Entities[1].Key.String())
	assert.Equal(t, "customers", res.Entities[2].EntityType)
}

func TestMerge_EmptyInput(t *testing.T) {
	t.Parallel()
	d := newDeduplicator(t, nil)

	res, err := d.Merge(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
	assert.Zero(t, res.Created)
}

func TestMerge_UnknownEntityType(t *testing.T) {
	t.Parallel()
	d := newDeduplicator(t, nil)

	_, err := d.Merge(context.Background(), []model.SourceRecord{{
		Role:       model.RoleAPI,
		EntityType: "mystery",
		Key:        model.NaturalKey{{Field: "id", Value: "1"}},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entity type")
}

func TestMerge_EmptyKeyRejected(t *testing.T) {
	t.Parallel()
	d := newDeduplicator(t, nil)

	_, err := d.Merge(context.Background(), []model.SourceRecord{{
		Role:       model.RoleAPI,
		EntityType: "customers",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty natural key")
}

func TestMerge_PriorLookupFailure(t *testing.T) {
	t.Parallel()
	d := newDeduplicator(t, &stubPrior{err: eris.New("connection refused")})

	_, err := d.Merge(context.Background(), []model.SourceRecord{
		brandRecord(model.RoleDatabase, 7, "Acme", mergeNow),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "look up prior")
}

func TestMerge_ContextCancelled(t *testing.T) {
	t.Parallel()
	d := newDeduplicator(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Merge(ctx, []model.SourceRecord{
		brandRecord(model.RoleDatabase, 7, "Acme", mergeNow),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge cancelled")
}
