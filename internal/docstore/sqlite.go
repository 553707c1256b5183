package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(path string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sdb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id             TEXT PRIMARY KEY,
	entity_type    TEXT NOT NULL,
	key_hash       TEXT NOT NULL,
	natural_key    TEXT NOT NULL,
	fields         TEXT NOT NULL,
	provenance     TEXT NOT NULL,
	version        INTEGER NOT NULL DEFAULT 1,
	changed_fields TEXT,
	first_seen_at  DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	UNIQUE (entity_type, key_hash)
);

CREATE INDEX IF NOT EXISTS idx_documents_entity_type ON documents(entity_type);
CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	report      TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
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
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_run_id ON dead_letters(run_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_entity_type ON dead_letters(entity_type);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteUpsertDocumentSQL = `INSERT INTO documents (id, entity_type, key_hash, natural_key, fields, provenance, version, changed_fields, first_seen_at, updated_at)
	 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	 ON CONFLICT (entity_type, key_hash) DO UPDATE SET
	   natural_key = excluded.natural_key,
	   fields = excluded.fields,
	   provenance = excluded.provenance,
	   version = excluded.version,
	   changed_fields = excluded.changed_fields,
	   updated_at = excluded.updated_at`

// sqliteDocumentArgs flattens a MergedEntity into statement arguments.
// JSON columns are bound as strings so they stay TEXT, which json_extract
// requires.
func sqliteDocumentArgs(ent *model.MergedEntity) ([]any, error) {
	row, err := documentRow(ent)
	if err != nil {
		return nil, err
	}
	for i, v := range row {
		if b, ok := v.([]byte); ok {
			if b == nil {
				row[i] = nil
			} else {
				row[i] = string(b)
			}
		}
	}
	return row, nil
}

// Upsert classifies the write by reading the persisted version first, then
// inserts or replaces. A document whose version matches the stored one is
// left untouched, so re-writing identical output is a no-op.
func (s *SQLiteStore) Upsert(ctx context.Context, ent *model.MergedEntity) (Outcome, error) {
	outcome := OutcomeCreated
	var prior int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM documents WHERE entity_type = ? AND key_hash = ?`,
		ent.EntityType, ent.Key.Hash(),
	).Scan(&prior)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return "", &PersistenceError{
			Op:  "upsert",
			Key: ent.EntityType + "/" + ent.Key.String(),
			Err: err,
		}
	case prior == ent.Version:
		return OutcomeUnchanged, nil
	default:
		outcome = OutcomeUpdated
	}

	args, err := sqliteDocumentArgs(ent)
	if err != nil {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx, sqliteUpsertDocumentSQL, args...); err != nil {
		return "", &PersistenceError{
			Op:  "upsert",
			Key: ent.EntityType + "/" + ent.Key.String(),
			Err: err,
		}
	}
	return outcome, nil
}

// UpsertBatch writes documents in a single transaction.
func (s *SQLiteStore) UpsertBatch(ctx context.Context, ents []model.MergedEntity) (int64, error) {
	if len(ents) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &PersistenceError{Op: "upsert batch", Key: fmt.Sprintf("%d documents", len(ents)), Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	var written int64
	for i := range ents {
		args, err := sqliteDocumentArgs(&ents[i])
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, sqliteUpsertDocumentSQL, args...)
		if err != nil {
			return 0, &PersistenceError{
				Op:  "upsert batch",
				Key: ents[i].EntityType + "/" + ents[i].Key.String(),
				Err: err,
			}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		written += n
	}

	if err := tx.Commit(); err != nil {
		return 0, &PersistenceError{Op: "upsert batch", Key: fmt.Sprintf("%d documents", len(ents)), Err: err}
	}
	return written, nil
}

func (s *SQLiteStore) Get(ctx context.Context, entityType string, key model.NaturalKey) (*model.MergedEntity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_type, natural_key, fields, provenance, version, changed_fields, first_seen_at, updated_at
		 FROM documents WHERE entity_type = ? AND key_hash = ?`,
		entityType, key.Hash(),
	)
	ent, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get %s document", entityType)
	}
	return ent, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter DocumentFilter) ([]model.MergedEntity, error) {
	query := `SELECT entity_type, natural_key, fields, provenance, version, changed_fields, first_seen_at, updated_at FROM documents WHERE 1=1`
	var args []any

	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	query += ` ORDER BY entity_type, key_hash`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()

	var ents []model.MergedEntity
	for rows.Next() {
		ent, err := scanDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		ents = append(ents, *ent)
	}
	return ents, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

func (s *SQLiteStore) Counts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, COUNT(*) FROM documents GROUP BY entity_type`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count documents")
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var entityType string
		var n int64
		if err := rows.Scan(&entityType, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		counts[entityType] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count documents iterate")
}

func (s *SQLiteStore) DistinctValues(ctx context.Context, entityType, field string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT CAST(json_extract(fields, '$.' || ?) AS TEXT) AS v FROM documents
		 WHERE entity_type = ? AND json_extract(fields, '$.' || ?) IS NOT NULL
		 ORDER BY v`,
		field, entityType, field,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: distinct %s.%s", entityType, field)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan distinct value")
		}
		values = append(values, v)
	}
	return values, eris.Wrap(rows.Err(), "sqlite: distinct iterate")
}

func (s *SQLiteStore) DropEntityType(ctx context.Context, entityType string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE entity_type = ?`,
		entityType,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: drop %s documents", entityType)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) SaveRun(ctx context.Context, report *model.RunReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, report, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status, report = excluded.report, finished_at = excluded.finished_at`,
		report.ID, string(report.Status), string(reportJSON), report.StartedAt, report.FinishedAt,
	)
	if err != nil {
		return &PersistenceError{Op: "save run", Key: report.ID, Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.RunReport, error) {
	var reportJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT report FROM runs WHERE id = ?`,
		id,
	).Scan(&reportJSON)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrRunNotFound, "sqlite: run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}

	var report model.RunReport
	if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal report")
	}
	return &report, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunReport, error) {
	query := `SELECT report FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.StartedAfter.IsZero() {
		query += ` AND started_at > ?`
		args = append(args, filter.StartedAfter)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var reports []model.RunReport
	for rows.Next() {
		var reportJSON string
		if err := rows.Scan(&reportJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		var report model.RunReport
		if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal report")
		}
		reports = append(reports, report)
	}
	return reports, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SaveDeadLetters(ctx context.Context, letters []resilience.DeadLetter) error {
	if len(letters) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "save dead letters", Key: fmt.Sprintf("%d letters", len(letters)), Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	for _, dl := range letters {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO dead_letters (id, run_id, role, entity_type, position, payload, error, error_type, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			dl.ID, dl.RunID, string(dl.Role), dl.EntityType, dl.Position,
			dl.Payload, dl.Error, dl.ErrorType, dl.CreatedAt,
		)
		if err != nil {
			return &PersistenceError{Op: "save dead letters", Key: dl.ID, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "save dead letters", Key: fmt.Sprintf("%d letters", len(letters)), Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	query := `SELECT id, run_id, role, entity_type, position, payload, error, error_type, created_at FROM dead_letters WHERE 1=1`
	var args []any

	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var letters []resilience.DeadLetter
	for rows.Next() {
		var dl resilience.DeadLetter
		var role string
		if err := rows.Scan(&dl.ID, &dl.RunID, &role, &dl.EntityType, &dl.Position,
			&dl.Payload, &dl.Error, &dl.ErrorType, &dl.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		dl.Role = model.SourceRole(role)
		letters = append(letters, dl)
	}
	return letters, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dead letters")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

// scanDocument reads one document row in the shared column order. Both
// drivers scan JSON into []byte and a NULL changed_fields into a nil slice,
// so the helper serves postgres and sqlite alike.
func scanDocument(row scannable) (*model.MergedEntity, error) {
	var ent model.MergedEntity
	var keyJSON, fieldsJSON, provJSON, changedJSON []byte

	err := row.Scan(&ent.EntityType, &keyJSON, &fieldsJSON, &provJSON,
		&ent.Version, &changedJSON, &ent.FirstSeenAt, &ent.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(keyJSON, &ent.Key); err != nil {
		return nil, eris.Wrap(err, "unmarshal natural key")
	}
	if err := json.Unmarshal(fieldsJSON, &ent.Fields); err != nil {
		return nil, eris.Wrap(err, "unmarshal fields")
	}
	if err := json.Unmarshal(provJSON, &ent.Provenance); err != nil {
		return nil, eris.Wrap(err, "unmarshal provenance")
	}
	if len(changedJSON) > 0 {
		if err := json.Unmarshal(changedJSON, &ent.ChangedFields); err != nil {
			return nil, eris.Wrap(err, "unmarshal changed fields")
		}
	}
	return &ent, nil
}
