package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/bikecorp/ingest-cli/internal/fetcher"
	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/schema"
)

// CSVReplayConnector replays point-in-time CSV snapshots staged in a local
// directory. It is purely a substitution target: the schema refuses to bind
// CSV_REPLAY as a primary role, so records only carry this role when a
// primary source was down for the whole fetch.
type CSVReplayConnector struct {
	schema *schema.Schema
	dir    string
}

// NewCSVReplayConnector builds the replay connector over a snapshot
// directory (see the replay stage command).
func NewCSVReplayConnector(sch *schema.Schema, dir string) *CSVReplayConnector {
	return &CSVReplayConnector{schema: sch, dir: dir}
}

// Role implements Connector.
func (c *CSVReplayConnector) Role() model.SourceRole { return model.RoleCSVReplay }

// Fetch implements Connector. since is ignored: a replay file is a full
// snapshot with no modification cursor. Records carry the snapshot file's
// mtime as fetched_at so replay data never outranks fresher primary data on
// the recency tie-break.
func (c *CSVReplayConnector) Fetch(ctx context.Context, entityType string, _ *time.Time) (<-chan model.SourceRecord, <-chan error) {
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

		path := filepath.Join(c.dir, ent.ReplayFile)
		f, err := os.Open(path)
		if err != nil {
			errCh <- connectivity(model.RoleCSVReplay, entityType, eris.Wrapf(err, "replay: open %s", path))
			return
		}
		defer f.Close() //nolint:errcheck

		fetchedAt := time.Now().UTC()
		if st, err := f.Stat(); err == nil {
			fetchedAt = st.ModTime().UTC()
		}

		headerCh := make(chan []string, 1)
		rowCh, csvErrCh := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{
			HasHeader: true,
			HeaderCh:  headerCh,
			TrimSpace: true,
		})

		var header []string
		line := 1 // the header occupies line 1
		for row := range rowCh {
			line++
			if header == nil {
				select {
				case h := <-headerCh:
					header = normalizeHeader(h)
				default:
					errCh <- eris.Errorf("replay: %s yielded rows before a header", ent.ReplayFile)
					return
				}
			}

			if len(row) != len(header) {
				errCh <- &RecordParseError{
					Role:       model.RoleCSVReplay,
					EntityType: entityType,
					Position:   fmt.Sprintf("line %d", line),
					Payload:    strings.Join(row, ","),
					Err:        eris.Errorf("replay: row has %d columns, header has %d", len(row), len(header)),
				}
				continue
			}

			raw := make(map[string]any, len(header))
			for i, col := range header {
				raw[col] = row[i]
			}

			rec, buildErr := buildRecord(ent, model.RoleCSVReplay, raw, fetchedAt)
			if buildErr != nil {
				errCh <- &RecordParseError{
					Role:       model.RoleCSVReplay,
					EntityType: entityType,
					Position:   fmt.Sprintf("line %d", line),
					Payload:    strings.Join(row, ","),
					Err:        buildErr,
				}
				continue
			}

			select {
			case recCh <- rec:
			case <-ctx.Done():
				emitTerminal(errCh, model.RoleCSVReplay, entityType, eris.Wrap(ctx.Err(), "replay: stream cancelled"))
				return
			}
		}

		for err := range csvErrCh {
			if err != nil {
				emitTerminal(errCh, model.RoleCSVReplay, entityType, eris.Wrapf(err, "replay: read %s", ent.ReplayFile))
				return
			}
		}
	}()

	return recCh, errCh
}

// normalizeHeader maps export headers onto schema field names: lower-cased,
// trimmed, spaces to underscores.
func normalizeHeader(h []string) []string {
	out := make([]string, len(h))
	for i, col := range h {
		col = strings.TrimSpace(strings.ToLower(col))
		out[i] = strings.ReplaceAll(col, " ", "_")
	}
	return out
}
