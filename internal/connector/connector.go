// Package connector pulls entity records out of the upstream sources. Each
// source role (API, DATABASE, CSV_REPLAY) has one connector; the Selector
// applies the substitution rules between them.
//
// A Fetch returns a lazy, finite record stream that cannot be restarted.
// The error channel carries any number of RecordParseError values (one per
// skipped record) followed by at most one terminal error; both channels are
// closed when the stream ends. Connectors never retry internally: transport
// failures surface immediately so the Selector's fallback and partial-fetch
// rules stay in charge.
package connector

import (
	"context"
	"time"

	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/schema"
)

// Connector fetches records of one source role.
type Connector interface {
	// Role reports which source this connector reads from.
	Role() model.SourceRole

	// Fetch streams records of the given entity type, optionally restricted
	// to those modified since the given instant. Sources that cannot filter
	// (CSV replay) ignore since and return the full snapshot.
	Fetch(ctx context.Context, entityType string, since *time.Time) (<-chan model.SourceRecord, <-chan error)
}

// buildRecord turns one raw field map into a SourceRecord: declared fields
// are coerced to their schema kinds, undeclared fields ride along as
// inferred values, and the natural key is derived from the coerced fields.
func buildRecord(ent *schema.Entity, role model.SourceRole, raw map[string]any, fetchedAt time.Time) (model.SourceRecord, error) {
	fields := make(map[string]model.Value, len(raw))
	for name, rawVal := range raw {
		val, err := ent.Coerce(name, rawVal)
		if err != nil {
			return model.SourceRecord{}, err
		}
		fields[name] = val
	}

	key, err := ent.DeriveKey(fields)
	if err != nil {
		return model.SourceRecord{}, err
	}

	return model.SourceRecord{
		Role:       role,
		EntityType: ent.Name,
		Key:        key,
		Fields:     fields,
		FetchedAt:  fetchedAt,
	}, nil
}
