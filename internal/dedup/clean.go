package dedup

import (
	"slices"
	"strings"

	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/schema"
)

// nullMarkers are the literal strings flat-file exports use for absent
// values. They fold to null so a placeholder never outranks real data.
var nullMarkers = []string{"null", "n/a", "none", "-"}

// Normalize applies per-entity cleaning rules to records before they reach
// the merge: string values are whitespace-trimmed, empty strings and null
// markers drop out, configured drop_fields disappear and trim_prefix rules
// strip boilerplate. Key fields are exempt so cleaning can never change a
// record's identity. The input slice is not modified.
func Normalize(sch *schema.Schema, records []model.SourceRecord) []model.SourceRecord {
	out := make([]model.SourceRecord, 0, len(records))
	for _, rec := range records {
		ent, err := sch.Entity(rec.EntityType)
		if err != nil {
			out = append(out, rec)
			continue
		}
		out = append(out, cleanRecord(ent, rec))
	}
	return out
}

func cleanRecord(ent *schema.Entity, rec model.SourceRecord) model.SourceRecord {
	fields := make(map[string]model.Value, len(rec.Fields))
	for name, v := range rec.Fields {
		if slices.Contains(ent.KeyFields, name) {
			fields[name] = v
			continue
		}
		if slices.Contains(ent.Clean.DropFields, name) {
			continue
		}
		cv, keep := cleanValue(ent, name, v)
		if keep {
			fields[name] = cv
		}
	}
	rec.Fields = fields
	return rec
}

func cleanValue(ent *schema.Entity, name string, v model.Value) (model.Value, bool) {
	if v.IsNull() {
		return model.Value{}, false
	}
	if v.Kind != model.KindString {
		return v, true
	}

	s := strings.TrimSpace(v.Str)
	if prefix, ok := ent.Clean.TrimPrefix[name]; ok && prefix != "" {
		s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
	}
	if s == "" || slices.Contains(nullMarkers, strings.ToLower(s)) {
		return model.Value{}, false
	}
	return model.StringValue(s), true
}
