package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func testDocument() *model.MergedEntity {
	seen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return &model.MergedEntity{
		EntityType: "brands",
		Key:        model.NaturalKey{{Field: "brand_id", Value: "9"}},
		Fields: map[string]model.Value{
			"brand_id":   model.StringValue("9"),
			"brand_name": model.StringValue("Surly"),
		},
		Provenance: map[string]string{
			"brand_id":   string(model.RoleDatabase),
			"brand_name": string(model.RoleDatabase),
		},
		Version:       1,
		ChangedFields: []string{"brand_id", "brand_name"},
		FirstSeenAt:   seen,
		UpdatedAt:     seen,
	}
}

func testReport() *model.RunReport {
	started := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return &model.RunReport{
		ID:         "run-1",
		Status:     model.RunStatusComplete,
		StartedAt:  started,
		FinishedAt: started.Add(42 * time.Second),
		Duration:   42000,
		Created:    9,
	}
}

func TestPostgresStore_Upsert_Created(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ent := testDocument()

	mock.ExpectQuery(`INSERT INTO documents`).
		WithArgs(pgxmock.AnyArg(), "brands", ent.Key.Hash(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), ent.Version, pgxmock.AnyArg(), ent.FirstSeenAt, ent.UpdatedAt).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))

	outcome, err := s.Upsert(context.Background(), ent)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert_Updated(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ent := testDocument()
	ent.Version = 4

	mock.ExpectQuery(`INSERT INTO documents`).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))

	outcome, err := s.Upsert(context.Background(), ent)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert_Unchanged(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// The conflict arm only fires when the version differs, so re-writing the
	// same document returns no row.
	mock.ExpectQuery(`INSERT INTO documents`).
		WillReturnError(pgx.ErrNoRows)

	outcome, err := s.Upsert(context.Background(), testDocument())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert_Failure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO documents`).
		WillReturnError(errors.New("connection refused"))

	_, err := s.Upsert(context.Background(), testDocument())
	require.Error(t, err)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "upsert", perr.Op)
	assert.Contains(t, err.Error(), "docstore: upsert brands/brand_id=9")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertBatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_documents"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_documents"}, documentColumns).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "documents"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	second := testDocument()
	second.Key = model.NaturalKey{{Field: "brand_id", Value: "10"}}
	n, err := s.UpsertBatch(context.Background(), []model.MergedEntity{*testDocument(), *second})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertBatch_Empty(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	n, err := s.UpsertBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestPostgresStore_Get_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := model.NaturalKey{{Field: "brand_id", Value: "9"}}
	seen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"entity_type", "natural_key", "fields", "provenance", "version", "changed_fields", "first_seen_at", "updated_at"}).
		AddRow("brands",
			[]byte(`[{"field":"brand_id","value":"9"}]`),
			[]byte(`{"brand_id":"9","brand_name":"Surly"}`),
			[]byte(`{"brand_id":"DATABASE","brand_name":"DATABASE"}`),
			int64(3),
			[]byte(`["brand_name"]`),
			seen, seen)
	mock.ExpectQuery(`FROM documents WHERE entity_type = \$1 AND key_hash = \$2`).
		WithArgs("brands", key.Hash()).
		WillReturnRows(rows)

	ent, err := s.Get(context.Background(), "brands", key)
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.True(t, ent.Key.Equal(key))
	assert.Equal(t, model.StringValue("Surly"), ent.Fields["brand_name"])
	assert.Equal(t, string(model.RoleDatabase), ent.Provenance["brand_name"])
	assert.Equal(t, int64(3), ent.Version)
	assert.Equal(t, []string{"brand_name"}, ent.ChangedFields)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := model.NaturalKey{{Field: "brand_id", Value: "404"}}

	mock.ExpectQuery(`FROM documents WHERE entity_type = \$1 AND key_hash = \$2`).
		WithArgs("brands", key.Hash()).
		WillReturnError(pgx.ErrNoRows)

	ent, err := s.Get(context.Background(), "brands", key)
	require.NoError(t, err)
	assert.Nil(t, ent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List_EntityTypeFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	seen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"entity_type", "natural_key", "fields", "provenance", "version", "changed_fields", "first_seen_at", "updated_at"}).
		AddRow("brands", []byte(`[{"field":"brand_id","value":"9"}]`), []byte(`{"brand_id":"9"}`),
			[]byte(`{"brand_id":"DATABASE"}`), int64(1), []byte(nil), seen, seen)
	mock.ExpectQuery(`FROM documents WHERE true AND entity_type = \$1 ORDER BY entity_type, key_hash LIMIT \$2`).
		WithArgs("brands", 100).
		WillReturnRows(rows)

	ents, err := s.List(context.Background(), DocumentFilter{EntityType: "brands"})
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "brands", ents[0].EntityType)
	assert.Empty(t, ents[0].ChangedFields)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Counts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"entity_type", "count"}).
		AddRow("brands", int64(9)).
		AddRow("products", int64(321))
	mock.ExpectQuery(`SELECT entity_type, COUNT\(\*\) FROM documents GROUP BY entity_type`).
		WillReturnRows(rows)

	counts, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"brands": 9, "products": 321}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DistinctValues(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"v"}).AddRow("1").AddRow("2").AddRow("3")
	mock.ExpectQuery(`SELECT DISTINCT fields->>\$2 AS v FROM documents`).
		WithArgs("products", "category_id").
		WillReturnRows(rows)

	values, err := s.DistinctValues(context.Background(), "products", "category_id")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, values)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DropEntityType(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM documents WHERE entity_type = \$1`).
		WithArgs("stocks").
		WillReturnResult(pgxmock.NewResult("DELETE", 939))

	n, err := s.DropEntityType(context.Background(), "stocks")
	require.NoError(t, err)
	assert.Equal(t, int64(939), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	report := testReport()

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(report.ID, string(report.Status), pgxmock.AnyArg(), report.StartedAt, report.FinishedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveRun(context.Background(), report)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun_Failure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WillReturnError(errors.New("deadlock detected"))

	err := s.SaveRun(context.Background(), testReport())
	require.Error(t, err)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save run", perr.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	report := testReport()
	reportJSON, err := json.Marshal(report)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT report FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"report"}).AddRow(reportJSON))

	got, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, report.ID, got.ID)
	assert.Equal(t, report.Status, got.Status)
	assert.Equal(t, report.Created, got.Created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT report FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_StatusFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	report := testReport()
	report.Status = model.RunStatusDegraded
	reportJSON, err := json.Marshal(report)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT report FROM runs WHERE true AND status = \$1 ORDER BY started_at DESC LIMIT \$2`).
		WithArgs("degraded", 50).
		WillReturnRows(pgxmock.NewRows([]string{"report"}).AddRow(reportJSON))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: model.RunStatusDegraded, Limit: 50})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusDegraded, runs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveDeadLetters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"dead_letters"},
		[]string{"id", "run_id", "role", "entity_type", "position", "payload", "error", "error_type", "created_at"}).
		WillReturnResult(2)

	letters := []resilience.DeadLetter{
		{ID: "dl-1", RunID: "run-1", Role: model.RoleAPI, EntityType: "orders", Position: "14",
			Payload: `{"order_id":"bogus"}`, Error: "parse order_date", ErrorType: "permanent",
			CreatedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		{ID: "dl-2", RunID: "run-1", Role: model.RoleCSVReplay, EntityType: "staffs", Position: "3",
			Payload: "bad,row", Error: "column count", ErrorType: "permanent",
			CreatedAt: time.Date(2024, 6, 1, 12, 0, 1, 0, time.UTC)},
	}
	err := s.SaveDeadLetters(context.Background(), letters)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveDeadLetters_Empty(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	err := s.SaveDeadLetters(context.Background(), nil)
	require.NoError(t, err)
}

func TestPostgresStore_ListDeadLetters_Filtered(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"id", "run_id", "role", "entity_type", "position", "payload", "error", "error_type", "created_at"}).
		AddRow("dl-1", "run-1", "API", "orders", "14", `{"order_id":"bogus"}`, "parse order_date", "permanent", created)
	mock.ExpectQuery(`FROM dead_letters WHERE true AND run_id = \$1 AND entity_type = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("run-1", "orders", 100).
		WillReturnRows(rows)

	letters, err := s.ListDeadLetters(context.Background(), resilience.DeadLetterFilter{RunID: "run-1", EntityType: "orders"})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, model.RoleAPI, letters[0].Role)
	assert.Equal(t, "orders", letters[0].EntityType)
	assert.NoError(t, mock.ExpectationsWereMet())
}
