package docstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/resilience"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

var docSeen = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// docFixture builds a single-part-key document with every field attributed
// to the database role.
func docFixture(entityType, keyField, keyVal string, version int64, fields map[string]model.Value) *model.MergedEntity {
	if fields == nil {
		fields = map[string]model.Value{}
	}
	fields[keyField] = model.StringValue(keyVal)
	prov := make(map[string]string, len(fields))
	for name := range fields {
		prov[name] = string(model.RoleDatabase)
	}
	ent := &model.MergedEntity{
		EntityType:  entityType,
		Key:         model.NaturalKey{{Field: keyField, Value: keyVal}},
		Fields:      fields,
		Provenance:  prov,
		Version:     version,
		FirstSeenAt: docSeen,
		UpdatedAt:   docSeen,
	}
	ent.ChangedFields = ent.FieldNames()
	return ent
}

func reportFixture(id string, status model.RunStatus, started time.Time) *model.RunReport {
	return &model.RunReport{
		ID:         id,
		Status:     status,
		StartedAt:  started,
		FinishedAt: started.Add(30 * time.Second),
		Duration:   30000,
		Phases: []model.PhaseResult{
			{Name: "fetch", Status: model.PhaseStatusComplete, Duration: 21000},
			{Name: "merge", Status: model.PhaseStatusComplete, Duration: 4000},
		},
		Roles: []model.RoleOutcome{
			{Role: model.RoleDatabase, Fetched: 1454},
			{Role: model.RoleAPI, Fetched: 6311, ParseSkipped: 2},
		},
		Created: 120,
		Updated: 14,
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("UpsertAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		shipped := time.Date(2024, 5, 20, 8, 30, 0, 0, time.UTC)
		ent := docFixture("orders", "order_id", "1615", 1, map[string]model.Value{
			"customer_id":  model.StringValue("259"),
			"order_status": model.NumberValue(4),
			"shipped_date": model.TimestampValue(shipped),
		})

		outcome, err := s.Upsert(ctx, ent)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCreated, outcome)

		got, err := s.Get(ctx, "orders", ent.Key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "orders", got.EntityType)
		assert.True(t, got.Key.Equal(ent.Key))
		assert.Equal(t, model.StringValue("259"), got.Fields["customer_id"])
		assert.Equal(t, model.NumberValue(4), got.Fields["order_status"])
		assert.Equal(t, model.TimestampValue(shipped), got.Fields["shipped_date"])
		assert.Equal(t, string(model.RoleDatabase), got.Provenance["order_id"])
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, []string{"customer_id", "order_id", "order_status", "shipped_date"}, got.ChangedFields)
		assert.WithinDuration(t, docSeen, got.FirstSeenAt, time.Second)
		assert.WithinDuration(t, docSeen, got.UpdatedAt, time.Second)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)

		got, err := s.Get(context.Background(), "brands", model.NaturalKey{{Field: "brand_id", Value: "404"}})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("UpsertOutcomeSequence", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		v1 := docFixture("brands", "brand_id", "9", 1, map[string]model.Value{
			"brand_name": model.StringValue("Surly"),
		})
		outcome, err := s.Upsert(ctx, v1)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCreated, outcome)

		// Same version again: nothing to write.
		outcome, err = s.Upsert(ctx, v1)
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnchanged, outcome)

		v2 := docFixture("brands", "brand_id", "9", 2, map[string]model.Value{
			"brand_name": model.StringValue("Surly Bikes"),
		})
		v2.ChangedFields = []string{"brand_name"}
		v2.FirstSeenAt = docSeen.Add(48 * time.Hour)
		v2.UpdatedAt = docSeen.Add(48 * time.Hour)
		outcome, err = s.Upsert(ctx, v2)
		require.NoError(t, err)
		assert.Equal(t, OutcomeUpdated, outcome)

		got, err := s.Get(ctx, "brands", v1.Key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, model.StringValue("Surly Bikes"), got.Fields["brand_name"])
		assert.Equal(t, []string{"brand_name"}, got.ChangedFields)
		// The update must not touch when the document was first seen.
		assert.WithinDuration(t, docSeen, got.FirstSeenAt, time.Second)
		assert.WithinDuration(t, v2.UpdatedAt, got.UpdatedAt, time.Second)
	})

	t.Run("DoubleWriteIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ent := docFixture("staffs", "staff_id", "3", 1, map[string]model.Value{
			"first_name": model.StringValue("Genna"),
		})
		first, err := s.Upsert(ctx, ent)
		require.NoError(t, err)
		second, err := s.Upsert(ctx, ent)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCreated, first)
		assert.Equal(t, OutcomeUnchanged, second)

		ents, err := s.List(ctx, DocumentFilter{EntityType: "staffs"})
		require.NoError(t, err)
		assert.Len(t, ents, 1)
	})

	t.Run("UpsertBatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		seed := docFixture("brands", "brand_id", "1", 1, map[string]model.Value{
			"brand_name": model.StringValue("Electra"),
		})
		_, err := s.Upsert(ctx, seed)
		require.NoError(t, err)

		update := docFixture("brands", "brand_id", "1", 2, map[string]model.Value{
			"brand_name": model.StringValue("Electra Bicycle"),
		})
		batch := []model.MergedEntity{
			*update,
			*docFixture("brands", "brand_id", "2", 1, map[string]model.Value{
				"brand_name": model.StringValue("Haro"),
			}),
			*docFixture("brands", "brand_id", "3", 1, map[string]model.Value{
				"brand_name": model.StringValue("Heller"),
			}),
		}
		n, err := s.UpsertBatch(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		got, err := s.Get(ctx, "brands", update.Key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, model.StringValue("Electra Bicycle"), got.Fields["brand_name"])

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"brands": 3}, counts)
	})

	t.Run("UpsertBatch_Empty", func(t *testing.T) {
		s := newStore(t)

		n, err := s.UpsertBatch(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("ListFiltersAndPages", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"1", "2", "3"} {
			_, err := s.Upsert(ctx, docFixture("brands", "brand_id", id, 1, nil))
			require.NoError(t, err)
		}
		_, err := s.Upsert(ctx, docFixture("products", "product_id", "77", 1, nil))
		require.NoError(t, err)

		all, err := s.List(ctx, DocumentFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		brands, err := s.List(ctx, DocumentFilter{EntityType: "brands"})
		require.NoError(t, err)
		assert.Len(t, brands, 3)
		for _, ent := range brands {
			assert.Equal(t, "brands", ent.EntityType)
		}

		limited, err := s.List(ctx, DocumentFilter{EntityType: "brands", Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		paged, err := s.List(ctx, DocumentFilter{EntityType: "brands", Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, paged, 1)
	})

	t.Run("DistinctValues", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for id, cat := range map[string]string{"10": "1", "11": "2", "12": "1"} {
			_, err := s.Upsert(ctx, docFixture("products", "product_id", id, 1, map[string]model.Value{
				"category_id": model.StringValue(cat),
			}))
			require.NoError(t, err)
		}

		values, err := s.DistinctValues(ctx, "products", "category_id")
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2"}, values)

		// Documents without the field do not contribute a NULL entry.
		empty, err := s.DistinctValues(ctx, "products", "no_such_field")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("DropEntityType", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Upsert(ctx, docFixture("stocks", "store_id", "1", 1, nil))
		require.NoError(t, err)
		_, err = s.Upsert(ctx, docFixture("stocks", "store_id", "2", 1, nil))
		require.NoError(t, err)
		_, err = s.Upsert(ctx, docFixture("stores", "store_id", "1", 1, nil))
		require.NoError(t, err)

		n, err := s.DropEntityType(ctx, "stocks")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"stores": 1}, counts)
	})

	t.Run("SaveAndGetRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		report := reportFixture("run-1", model.RunStatusComplete, docSeen)
		require.NoError(t, s.SaveRun(ctx, report))

		got, err := s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "run-1", got.ID)
		assert.Equal(t, model.RunStatusComplete, got.Status)
		require.Len(t, got.Phases, 2)
		assert.Equal(t, "fetch", got.Phases[0].Name)
		require.Len(t, got.Roles, 2)
		assert.Equal(t, 6311, got.Roles[1].Fetched)
		assert.Equal(t, 134, got.Entities())
	})

	t.Run("SaveRunOverwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		report := reportFixture("run-1", model.RunStatusRunning, docSeen)
		require.NoError(t, s.SaveRun(ctx, report))

		report.Status = model.RunStatusDegraded
		report.Roles[1].FellBack = []string{"orders"}
		require.NoError(t, s.SaveRun(ctx, report))

		got, err := s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusDegraded, got.Status)
		assert.Equal(t, []string{"orders"}, got.Roles[1].FellBack)
		assert.True(t, got.Degraded())

		runs, err := s.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})

	t.Run("GetRun_NotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetRun(context.Background(), "nonexistent")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("ListRuns", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.SaveRun(ctx, reportFixture("run-1", model.RunStatusComplete, docSeen)))
		require.NoError(t, s.SaveRun(ctx, reportFixture("run-2", model.RunStatusDegraded, docSeen.Add(time.Hour))))
		require.NoError(t, s.SaveRun(ctx, reportFixture("run-3", model.RunStatusComplete, docSeen.Add(2*time.Hour))))

		all, err := s.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		// Newest first.
		assert.Equal(t, "run-3", all[0].ID)
		assert.Equal(t, "run-1", all[2].ID)

		degraded, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusDegraded})
		require.NoError(t, err)
		require.Len(t, degraded, 1)
		assert.Equal(t, "run-2", degraded[0].ID)

		paged, err := s.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, paged, 1)
		assert.Equal(t, "run-2", paged[0].ID)

		recent, err := s.ListRuns(ctx, RunFilter{StartedAfter: docSeen.Add(30 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "run-3", recent[0].ID)
		assert.Equal(t, "run-2", recent[1].ID)
	})

	t.Run("ListRuns_Empty", func(t *testing.T) {
		s := newStore(t)

		runs, err := s.ListRuns(context.Background(), RunFilter{})
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("DeadLetters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		letters := []resilience.DeadLetter{
			{ID: "dl-1", RunID: "run-1", Role: model.RoleAPI, EntityType: "orders", Position: "page=2 offset=14",
				Payload: `{"order_id":"bogus"}`, Error: "parse order_date", ErrorType: "permanent", CreatedAt: docSeen},
			{ID: "dl-2", RunID: "run-1", Role: model.RoleAPI, EntityType: "orders", Position: "page=3 offset=1",
				Payload: `{"order_id":""}`, Error: "empty key field", ErrorType: "permanent", CreatedAt: docSeen.Add(time.Second)},
			{ID: "dl-3", RunID: "run-2", Role: model.RoleCSVReplay, EntityType: "staffs", Position: "line 17",
				Payload: "bad,row", Error: "column count", ErrorType: "permanent", CreatedAt: docSeen.Add(2 * time.Second)},
		}
		require.NoError(t, s.SaveDeadLetters(ctx, letters))

		run1, err := s.ListDeadLetters(ctx, resilience.DeadLetterFilter{RunID: "run-1"})
		require.NoError(t, err)
		require.Len(t, run1, 2)
		// Newest first.
		assert.Equal(t, "dl-2", run1[0].ID)
		assert.Equal(t, model.RoleAPI, run1[0].Role)

		staffs, err := s.ListDeadLetters(ctx, resilience.DeadLetterFilter{EntityType: "staffs"})
		require.NoError(t, err)
		require.Len(t, staffs, 1)
		assert.Equal(t, "dl-3", staffs[0].ID)
		assert.Equal(t, "bad,row", staffs[0].Payload)

		limited, err := s.ListDeadLetters(ctx, resilience.DeadLetterFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		total, err := s.CountDeadLetters(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
	})

	t.Run("SaveDeadLetters_Empty", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.SaveDeadLetters(context.Background(), nil))

		total, err := s.CountDeadLetters(context.Background())
		require.NoError(t, err)
		assert.Zero(t, total)
	})

	t.Run("PingAndRemigrate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Ping(ctx))
		// Migrations are idempotent.
		require.NoError(t, s.Migrate(ctx))
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
