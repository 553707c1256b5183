package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/bikecorp/ingest-cli/internal/db"
	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const upsertDocumentSQL = `INSERT INTO documents (id, entity_type, key_hash, natural_key, fields, provenance, version, changed_fields, first_seen_at, updated_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	 ON CONFLICT (entity_type, key_hash) DO UPDATE SET
	   natural_key = EXCLUDED.natural_key,
	   fields = EXCLUDED.fields,
	   provenance = EXCLUDED.provenance,
	   version = EXCLUDED.version,
	   changed_fields = EXCLUDED.changed_fields,
	   updated_at = EXCLUDED.updated_at
	 WHERE documents.version IS DISTINCT FROM EXCLUDED.version
	 RETURNING (xmax = 0)`

const getDocumentSQL = `SELECT entity_type, natural_key, fields, provenance, version, changed_fields, first_seen_at, updated_at
	 FROM documents WHERE entity_type = $1 AND key_hash = $2`

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"upsert_document": upsertDocumentSQL,
	"get_document":    getDocumentSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	entity_type    TEXT NOT NULL,
	key_hash       TEXT NOT NULL,
	natural_key    JSONB NOT NULL,
	fields         JSONB NOT NULL,
	provenance     JSONB NOT NULL,
	version        BIGINT NOT NULL DEFAULT 1,
	changed_fields JSONB,
	first_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (entity_type, key_hash)
);

CREATE INDEX IF NOT EXISTS idx_documents_entity_type ON documents(entity_type);
CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	report      JSONB NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS dead_letters (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL DEFAULT '',
	role        TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	position    TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL,
	error_type  TEXT NOT NULL DEFAULT 'permanent',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_run_id ON dead_letters(run_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_entity_type ON dead_letters(entity_type);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// documentRow flattens a MergedEntity into column values in the order of
// documentColumns.
var documentColumns = []string{
	"id", "entity_type", "key_hash", "natural_key", "fields", "provenance",
	"version", "changed_fields", "first_seen_at", "updated_at",
}

func documentRow(ent *model.MergedEntity) ([]any, error) {
	keyJSON, err := json.Marshal(ent.Key)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal natural key")
	}
	fieldsJSON, err := json.Marshal(ent.Fields)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal fields")
	}
	provJSON, err := json.Marshal(ent.Provenance)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal provenance")
	}
	var changedJSON []byte
	if len(ent.ChangedFields) > 0 {
		changedJSON, err = json.Marshal(ent.ChangedFields)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal changed fields")
		}
	}
	return []any{
		uuid.New().String(), ent.EntityType, ent.Key.Hash(), keyJSON, fieldsJSON,
		provJSON, ent.Version, changedJSON, ent.FirstSeenAt, ent.UpdatedAt,
	}, nil
}

// Upsert writes one document keyed by (entity_type, key_hash). The conflict
// arm only fires when the version differs, so re-writing an identical
// document is a no-op and reports unchanged. first_seen_at and the row id
// survive updates.
func (s *PostgresStore) Upsert(ctx context.Context, ent *model.MergedEntity) (Outcome, error) {
	row, err := documentRow(ent)
	if err != nil {
		return "", err
	}

	var inserted bool
	err = s.pool.QueryRow(ctx, upsertDocumentSQL, row...).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return OutcomeUnchanged, nil
	}
	if err != nil {
		return "", &PersistenceError{
			Op:  "upsert",
			Key: ent.EntityType + "/" + ent.Key.String(),
			Err: err,
		}
	}
	// xmax is zero only on freshly inserted tuples.
	if inserted {
		return OutcomeCreated, nil
	}
	return OutcomeUpdated, nil
}

// UpsertBatch writes many documents through the temp-table COPY path. Batches
// produced by a merge carry at most one document per key, so a single
// statement is safe. first_seen_at is not in the update list: conflicting
// rows keep their original value.
func (s *PostgresStore) UpsertBatch(ctx context.Context, ents []model.MergedEntity) (int64, error) {
	if len(ents) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(ents))
	for i := range ents {
		row, err := documentRow(&ents[i])
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "documents",
		Columns:      documentColumns,
		ConflictKeys: []string{"entity_type", "key_hash"},
		UpdateCols:   []string{"natural_key", "fields", "provenance", "version", "changed_fields", "updated_at"},
	}, rows)
	if err != nil {
		return 0, &PersistenceError{
			Op:  "upsert batch",
			Key: fmt.Sprintf("%d documents", len(ents)),
			Err: err,
		}
	}
	return n, nil
}

func (s *PostgresStore) Get(ctx context.Context, entityType string, key model.NaturalKey) (*model.MergedEntity, error) {
	row := s.pool.QueryRow(ctx, getDocumentSQL, entityType, key.Hash())
	ent, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get %s document", entityType)
	}
	return ent, nil
}

func (s *PostgresStore) List(ctx context.Context, filter DocumentFilter) ([]model.MergedEntity, error) {
	query := `SELECT entity_type, natural_key, fields, provenance, version, changed_fields, first_seen_at, updated_at FROM documents WHERE true`
	args := []any{}
	argIdx := 1

	if filter.EntityType != "" {
		query += fmt.Sprintf(` AND entity_type = $%d`, argIdx)
		args = append(args, filter.EntityType)
		argIdx++
	}
	query += ` ORDER BY entity_type, key_hash`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	var ents []model.MergedEntity
	for rows.Next() {
		ent, err := scanDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		ents = append(ents, *ent)
	}
	return ents, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func (s *PostgresStore) Counts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_type, COUNT(*) FROM documents GROUP BY entity_type`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count documents")
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var entityType string
		var n int64
		if err := rows.Scan(&entityType, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		counts[entityType] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count documents iterate")
}

func (s *PostgresStore) DistinctValues(ctx context.Context, entityType, field string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT fields->>$2 AS v FROM documents
		 WHERE entity_type = $1 AND fields->>$2 IS NOT NULL
		 ORDER BY v`,
		entityType, field,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: distinct %s.%s", entityType, field)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan distinct value")
		}
		values = append(values, v)
	}
	return values, eris.Wrap(rows.Err(), "postgres: distinct iterate")
}

func (s *PostgresStore) DropEntityType(ctx context.Context, entityType string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE entity_type = $1`,
		entityType,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: drop %s documents", entityType)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, report *model.RunReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, report, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET status = $2, report = $3, finished_at = $5`,
		report.ID, string(report.Status), reportJSON, report.StartedAt, report.FinishedAt,
	)
	if err != nil {
		return &PersistenceError{Op: "save run", Key: report.ID, Err: err}
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.RunReport, error) {
	var reportJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT report FROM runs WHERE id = $1`,
		id,
	).Scan(&reportJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrRunNotFound, "postgres: run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}

	var report model.RunReport
	if err := json.Unmarshal(reportJSON, &report); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal report")
	}
	return &report, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunReport, error) {
	query := `SELECT report FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.StartedAfter.IsZero() {
		query += fmt.Sprintf(` AND started_at > $%d`, argIdx)
		args = append(args, filter.StartedAfter)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var reports []model.RunReport
	for rows.Next() {
		var reportJSON []byte
		if err := rows.Scan(&reportJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		var report model.RunReport
		if err := json.Unmarshal(reportJSON, &report); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal report")
		}
		reports = append(reports, report)
	}
	return reports, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// SaveDeadLetters appends captured records through the COPY protocol.
// Dead letters are insert-only; ids are fresh uuids so conflicts cannot
// occur.
func (s *PostgresStore) SaveDeadLetters(ctx context.Context, letters []resilience.DeadLetter) error {
	if len(letters) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(letters))
	for _, dl := range letters {
		rows = append(rows, []any{
			dl.ID, dl.RunID, string(dl.Role), dl.EntityType, dl.Position,
			dl.Payload, dl.Error, dl.ErrorType, dl.CreatedAt,
		})
	}

	_, err := db.CopyFrom(ctx, s.pool, "dead_letters",
		[]string{"id", "run_id", "role", "entity_type", "position", "payload", "error", "error_type", "created_at"},
		rows,
	)
	if err != nil {
		return &PersistenceError{
			Op:  "save dead letters",
			Key: fmt.Sprintf("%d letters", len(letters)),
			Err: err,
		}
	}
	return nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	query := `SELECT id, run_id, role, entity_type, position, payload, error, error_type, created_at FROM dead_letters WHERE true`
	args := []any{}
	argIdx := 1

	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.EntityType != "" {
		query += fmt.Sprintf(` AND entity_type = $%d`, argIdx)
		args = append(args, filter.EntityType)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var letters []resilience.DeadLetter
	for rows.Next() {
		var dl resilience.DeadLetter
		var role string
		if err := rows.Scan(&dl.ID, &dl.RunID, &role, &dl.EntityType, &dl.Position,
			&dl.Payload, &dl.Error, &dl.ErrorType, &dl.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		dl.Role = model.SourceRole(role)
		letters = append(letters, dl)
	}
	return letters, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count dead letters")
}
