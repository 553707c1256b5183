// Package schema holds the canonical schema: the fixed, externally supplied
// description of every entity type the pipeline ingests. It owns natural-key
// derivation, declared field kinds, per-type merge priority, and the source
// bindings connectors use to reach each entity. The schema is never inferred
// from data.
package schema

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/bikecorp/ingest-cli/internal/model"
)

// CleanConfig holds per-entity shape normalization rules applied before
// deduplication.
type CleanConfig struct {
	// DropFields are removed from every record of the entity type.
	DropFields []string `yaml:"drop_fields,omitempty"`
	// TrimPrefix strips a leading literal from the named string fields.
	TrimPrefix map[string]string `yaml:"trim_prefix,omitempty"`
}

// EntityConfig is the YAML shape of one entity type definition.
type EntityConfig struct {
	// Role is the primary source role for this entity type.
	Role string `yaml:"role"`
	// Key lists the natural-key fields in order. The same rule applies to
	// every source role so records from different origins derive identical
	// keys.
	Key []string `yaml:"key"`
	// Fields maps declared field names to value kinds. Undeclared fields are
	// preserved with inferred kinds.
	Fields map[string]string `yaml:"fields"`
	// Priority overrides the default merge priority order for this type.
	Priority []string `yaml:"priority,omitempty"`
	// Table is the relational source table (DATABASE role). Defaults to the
	// entity type name.
	Table string `yaml:"table,omitempty"`
	// Query overrides the generated SELECT for the DATABASE role.
	Query string `yaml:"query,omitempty"`
	// ModifiedColumn scopes incremental DATABASE fetches. Empty disables
	// since-filtering for the type.
	ModifiedColumn string `yaml:"modified_column,omitempty"`
	// Resource is the API path segment (API role). Defaults to the entity
	// type name.
	Resource string `yaml:"resource,omitempty"`
	// ModifiedParam is the API query parameter carrying the since timestamp.
	ModifiedParam string `yaml:"modified_param,omitempty"`
	// ReplayFile is the snapshot file name inside the replay directory.
	// Defaults to "<entity>.csv".
	ReplayFile string      `yaml:"replay_file,omitempty"`
	Clean      CleanConfig `yaml:"clean,omitempty"`
}

// Entity is one resolved entity type definition.
type Entity struct {
	Name           string
	Role           model.SourceRole
	KeyFields      []string
	Kinds          map[string]model.ValueKind
	Priority       []model.SourceRole
	Table          string
	Query          string
	ModifiedColumn string
	Resource       string
	ModifiedParam  string
	ReplayFile     string
	Clean          CleanConfig
}

// Schema is the resolved canonical schema indexed by entity type.
type Schema struct {
	entities map[string]*Entity
	byRole   map[model.SourceRole][]string
}

// Load reads a schema file and resolves it.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "schema: read %s", path)
	}
	return Parse(data)
}

// Parse resolves schema YAML.
func Parse(data []byte) (*Schema, error) {
	var wrapper struct {
		Entities map[string]EntityConfig `yaml:"entities"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "schema: parse")
	}
	if len(wrapper.Entities) == 0 {
		return nil, eris.New("schema: no entities defined")
	}

	s := &Schema{
		entities: make(map[string]*Entity, len(wrapper.Entities)),
		byRole:   make(map[model.SourceRole][]string),
	}
	for name, ec := range wrapper.Entities {
		ent, err := resolveEntity(name, ec)
		if err != nil {
			return nil, err
		}
		s.entities[name] = ent
		s.byRole[ent.Role] = append(s.byRole[ent.Role], name)
	}
	for role := range s.byRole {
		sort.Strings(s.byRole[role])
	}
	return s, nil
}

func resolveEntity(name string, ec EntityConfig) (*Entity, error) {
	if len(ec.Key) == 0 {
		return nil, eris.Errorf("schema: entity %q has no key fields", name)
	}
	role, err := model.ParseRole(ec.Role)
	if err != nil {
		return nil, eris.Wrapf(err, "schema: entity %q", name)
	}
	if role == model.RoleCSVReplay {
		return nil, eris.Errorf("schema: entity %q: CSV_REPLAY is fallback-only, not a primary role", name)
	}

	ent := &Entity{
		Name:           name,
		Role:           role,
		KeyFields:      append([]string(nil), ec.Key...),
		Kinds:          make(map[string]model.ValueKind, len(ec.Fields)),
		Table:          ec.Table,
		Query:          ec.Query,
		ModifiedColumn: ec.ModifiedColumn,
		Resource:       ec.Resource,
		ModifiedParam:  ec.ModifiedParam,
		ReplayFile:     ec.ReplayFile,
		Clean:          ec.Clean,
	}
	if ent.Table == "" {
		ent.Table = name
	}
	if ent.Resource == "" {
		ent.Resource = name
	}
	if ent.ModifiedParam == "" {
		ent.ModifiedParam = "modified_since"
	}
	if ent.ReplayFile == "" {
		ent.ReplayFile = name + ".csv"
	}

	for field, kind := range ec.Fields {
		k, err := model.ParseKind(kind)
		if err != nil {
			return nil, eris.Wrapf(err, "schema: entity %q field %q", name, field)
		}
		ent.Kinds[field] = k
	}
	for _, kf := range ent.KeyFields {
		if _, ok := ent.Kinds[kf]; !ok {
			return nil, eris.Errorf("schema: entity %q key field %q is not declared", name, kf)
		}
	}

	if len(ec.Priority) > 0 {
		ent.Priority = make([]model.SourceRole, 0, len(ec.Priority))
		for _, p := range ec.Priority {
			pr, err := model.ParseRole(p)
			if err != nil {
				return nil, eris.Wrapf(err, "schema: entity %q priority", name)
			}
			ent.Priority = append(ent.Priority, pr)
		}
	}
	return ent, nil
}

// Entity returns the definition for the given type, or an error when the
// type is not part of the canonical schema.
func (s *Schema) Entity(name string) (*Entity, error) {
	ent, ok := s.entities[name]
	if !ok {
		return nil, eris.Errorf("schema: unknown entity type %q", name)
	}
	return ent, nil
}

// Has reports whether the entity type is defined.
func (s *Schema) Has(name string) bool {
	_, ok := s.entities[name]
	return ok
}

// EntityTypes returns all defined entity type names, sorted.
func (s *Schema) EntityTypes() []string {
	names := make([]string, 0, len(s.entities))
	for name := range s.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypesForRole returns the entity types whose primary source is the given
// role, sorted.
func (s *Schema) TypesForRole(role model.SourceRole) []string {
	return append([]string(nil), s.byRole[role]...)
}

// Roles returns the primary roles the schema binds, sorted.
func (s *Schema) Roles() []model.SourceRole {
	roles := make([]model.SourceRole, 0, len(s.byRole))
	for role := range s.byRole {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// PriorityFor returns the merge priority order for an entity type, falling
// back to the global default.
func (s *Schema) PriorityFor(name string) []model.SourceRole {
	if ent, ok := s.entities[name]; ok && len(ent.Priority) > 0 {
		return append([]model.SourceRole(nil), ent.Priority...)
	}
	return model.DefaultPriority()
}

// DeriveKey builds the natural key for a record's fields. The rule depends
// only on the entity type, never on the source role, so records describing
// the same real-world entity always derive identical keys.
func (s *Schema) DeriveKey(name string, fields map[string]model.Value) (model.NaturalKey, error) {
	ent, err := s.Entity(name)
	if err != nil {
		return nil, err
	}
	return ent.DeriveKey(fields)
}

// DeriveKey builds the natural key from coerced fields.
func (e *Entity) DeriveKey(fields map[string]model.Value) (model.NaturalKey, error) {
	key := make(model.NaturalKey, 0, len(e.KeyFields))
	for _, kf := range e.KeyFields {
		v, ok := fields[kf]
		if !ok || v.IsNull() {
			return nil, eris.Errorf("schema: entity %q record is missing key field %q", e.Name, kf)
		}
		key = append(key, model.KeyPart{Field: kf, Value: v.Canon()})
	}
	return key, nil
}

// Coerce converts a loose input into the declared kind for the field.
// Undeclared fields are preserved with inferred kinds rather than dropped.
func (e *Entity) Coerce(field string, raw any) (model.Value, error) {
	kind, declared := e.Kinds[field]
	if !declared {
		return model.FromAny(raw), nil
	}
	if raw == nil {
		return model.NullValue(), nil
	}
	inferred := model.FromAny(raw)
	if inferred.IsNull() {
		return inferred, nil
	}

	switch kind {
	case model.KindString:
		return model.StringValue(inferred.Canon()), nil
	case model.KindNumber:
		return coerceNumber(inferred)
	case model.KindTimestamp:
		return coerceTimestamp(inferred)
	case model.KindNull:
		return model.NullValue(), nil
	}
	return model.Value{}, eris.Errorf("schema: field %q has unsupported kind %q", field, kind)
}

func coerceNumber(v model.Value) (model.Value, error) {
	switch v.Kind {
	case model.KindNumber:
		return v, nil
	case model.KindString:
		trimmed := strings.TrimSpace(v.Str)
		if trimmed == "" {
			return model.NullValue(), nil
		}
		n, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return model.Value{}, eris.Wrapf(err, "not a number: %q", v.Str)
		}
		return model.NumberValue(n), nil
	}
	return model.Value{}, eris.Errorf("cannot coerce %s to number", v.Kind)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func coerceTimestamp(v model.Value) (model.Value, error) {
	switch v.Kind {
	case model.KindTimestamp:
		return v, nil
	case model.KindString:
		trimmed := strings.TrimSpace(v.Str)
		if trimmed == "" {
			return model.NullValue(), nil
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return model.TimestampValue(t), nil
			}
		}
		return model.Value{}, eris.Errorf("not a timestamp: %q", v.Str)
	}
	return model.Value{}, eris.Errorf("cannot coerce %s to timestamp", v.Kind)
}
