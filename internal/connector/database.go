package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"

	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/schema"
)

// Querier is the query surface the connector needs from a pgx pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// DatabaseOptions configures the warehouse connector.
type DatabaseOptions struct {
	QueryTimeout time.Duration
}

// DatabaseConnector reads entities straight out of the upstream relational
// warehouse. Rows stream through without buffering the full result set.
type DatabaseConnector struct {
	schema *schema.Schema
	db     Querier
	opts   DatabaseOptions
}

// NewDatabaseConnector builds the warehouse connector over an existing pool.
func NewDatabaseConnector(sch *schema.Schema, db Querier, opts DatabaseOptions) *DatabaseConnector {
	if opts.QueryTimeout == 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	return &DatabaseConnector{schema: sch, db: db, opts: opts}
}

// Role implements Connector.
func (c *DatabaseConnector) Role() model.SourceRole { return model.RoleDatabase }

// Fetch implements Connector.
func (c *DatabaseConnector) Fetch(ctx context.Context, entityType string, since *time.Time) (<-chan model.SourceRecord, <-chan error) {
	recCh := make(chan model.SourceRecord, 64)
	errCh := make(chan error, 16)

	go func() {
		defer close(recCh)
		defer close(errCh)

		ent, err := c.schema.Entity(entityType)
		if err != nil {
			errCh <- err
			return
		}
		if ent.Role != model.RoleDatabase {
			errCh <- eris.Errorf("db: entity %q belongs to role %s", entityType, ent.Role)
			return
		}

		qctx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
		defer cancel()

		sql, args := entityQuery(ent, since)
		rows, err := c.db.Query(qctx, sql, args...)
		if err != nil {
			emitTerminal(errCh, model.RoleDatabase, entityType, eris.Wrapf(err, "db: query %s", entityType))
			return
		}
		defer rows.Close()

		cols := make([]string, len(rows.FieldDescriptions()))
		for i, fd := range rows.FieldDescriptions() {
			cols[i] = fd.Name
		}

		fetchedAt := time.Now().UTC()
		n := 0
		for rows.Next() {
			n++
			vals, err := rows.Values()
			if err != nil {
				errCh <- &RecordParseError{
					Role:       model.RoleDatabase,
					EntityType: entityType,
					Position:   fmt.Sprintf("row %d", n),
					Err:        eris.Wrap(err, "db: read row"),
				}
				continue
			}

			raw := make(map[string]any, len(cols))
			for i, col := range cols {
				if i < len(vals) {
					raw[col] = normalizeDBValue(vals[i])
				}
			}

			rec, buildErr := buildRecord(ent, model.RoleDatabase, raw, fetchedAt)
			if buildErr != nil {
				errCh <- &RecordParseError{
					Role:       model.RoleDatabase,
					EntityType: entityType,
					Position:   fmt.Sprintf("row %d", n),
					Payload:    renderPayload(raw),
					Err:        buildErr,
				}
				continue
			}

			select {
			case recCh <- rec:
			case <-qctx.Done():
				emitTerminal(errCh, model.RoleDatabase, entityType, eris.Wrap(qctx.Err(), "db: stream cancelled"))
				return
			}
		}
		if err := rows.Err(); err != nil {
			emitTerminal(errCh, model.RoleDatabase, entityType, eris.Wrapf(err, "db: rows for %s", entityType))
		}
	}()

	return recCh, errCh
}

// entityQuery builds the warehouse query: an explicit override from the
// schema, or SELECT * with an optional modified-since predicate. Query
// overrides always fetch the full set; incremental filtering needs the
// modified_column form.
func entityQuery(ent *schema.Entity, since *time.Time) (string, []any) {
	if ent.Query != "" {
		return ent.Query, nil
	}
	sql := fmt.Sprintf("SELECT * FROM %s", pgx.Identifier{ent.Table}.Sanitize())
	if since != nil && ent.ModifiedColumn != "" {
		sql += fmt.Sprintf(" WHERE %s >= $1", pgx.Identifier{ent.ModifiedColumn}.Sanitize())
		return sql, []any{since.UTC()}
	}
	return sql, nil
}

// normalizeDBValue flattens pgx driver types into the plain Go values the
// canonical value union understands.
func normalizeDBValue(v any) any {
	switch t := v.(type) {
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case int16:
		return int64(t)
	default:
		return v
	}
}
