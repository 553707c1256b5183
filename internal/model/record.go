package model

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// KeyPart is one (field, value) component of a natural key. Values are the
// canonical text form, so `7` from a database column and `"7"` from a CSV
// cell compare equal.
type KeyPart struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// NaturalKey identifies the same real-world entity across source roles.
// Parts are ordered as declared by the canonical schema for the entity type,
// never by the source that produced the record.
type NaturalKey []KeyPart

// String renders `field=value` pairs joined by `&`, with values escaped so
// the form is unambiguous.
func (k NaturalKey) String() string {
	parts := make([]string, len(k))
	for i, p := range k {
		parts[i] = p.Field + "=" + url.QueryEscape(p.Value)
	}
	return strings.Join(parts, "&")
}

// Hash returns the fixed-length storage key derived from the canonical
// string form.
func (k NaturalKey) Hash() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// ParseKey parses the String form back into a key.
func ParseKey(s string) (NaturalKey, error) {
	if s == "" {
		return nil, eris.New("natural key is empty")
	}
	parts := strings.Split(s, "&")
	key := make(NaturalKey, 0, len(parts))
	for _, part := range parts {
		field, raw, ok := strings.Cut(part, "=")
		if !ok || field == "" {
			return nil, eris.Errorf("malformed key part %q", part)
		}
		val, err := url.QueryUnescape(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "key part %q", part)
		}
		key = append(key, KeyPart{Field: field, Value: val})
	}
	return key, nil
}

// IsZero reports whether the key has no parts.
func (k NaturalKey) IsZero() bool {
	return len(k) == 0
}

// Equal reports whether two keys have identical parts in identical order.
func (k NaturalKey) Equal(o NaturalKey) bool {
	if len(k) != len(o) {
		return false
	}
	for i := range k {
		if k[i] != o[i] {
			return false
		}
	}
	return true
}

// SourceRecord is the canonical in-memory shape every connector produces.
// Records are ephemeral: created per fetch, consumed by the deduplicator,
// then discarded.
type SourceRecord struct {
	Role       SourceRole       `json:"source_role"`
	EntityType string           `json:"entity_type"`
	Key        NaturalKey       `json:"natural_key"`
	Fields     map[string]Value `json:"fields"`
	FetchedAt  time.Time        `json:"fetched_at"`
}

// MergedEntity is the persistent, deduplicated representation of one
// real-world entity. Exactly one exists per (entity type, natural key) after
// a pipeline run completes.
type MergedEntity struct {
	EntityType string           `json:"entity_type"`
	Key        NaturalKey       `json:"natural_key"`
	Fields     map[string]Value `json:"fields"`
	// Provenance maps each field to the source role that won it, or to
	// ProvenanceConflict when the merge tie was left unresolved.
	Provenance map[string]string `json:"provenance"`
	Version    int64             `json:"version"`
	// ChangedFields is the delta recorded by the most recent merge against
	// the previously persisted state. Empty for unchanged re-merges.
	ChangedFields []string  `json:"changed_fields,omitempty"`
	FirstSeenAt   time.Time `json:"first_seen_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// FieldNames returns the entity's field names sorted for deterministic output.
func (e *MergedEntity) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
