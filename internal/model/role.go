package model

import "github.com/rotisserie/eris"

// SourceRole identifies the logical origin category that produced a record,
// independent of the physical connector instance.
type SourceRole string

const (
	RoleAPI       SourceRole = "API"
	RoleDatabase  SourceRole = "DATABASE"
	RoleCSVReplay SourceRole = "CSV_REPLAY"
)

// ProvenanceConflict marks a field whose merge tie could not be resolved.
// It appears in MergedEntity.Provenance in place of a source role.
const ProvenanceConflict = "CONFLICT_UNRESOLVED"

// DefaultPriority is the merge priority order used when the canonical schema
// does not override it for an entity type. The database is assumed most
// authoritative, the live API next, replay data least since it may be stale.
func DefaultPriority() []SourceRole {
	return []SourceRole{RoleDatabase, RoleAPI, RoleCSVReplay}
}

// ParseRole converts a config or CLI string into a SourceRole.
func ParseRole(s string) (SourceRole, error) {
	switch SourceRole(s) {
	case RoleAPI, RoleDatabase, RoleCSVReplay:
		return SourceRole(s), nil
	}
	return "", eris.Errorf("unknown source role %q", s)
}

// Valid reports whether r is one of the declared roles.
func (r SourceRole) Valid() bool {
	switch r {
	case RoleAPI, RoleDatabase, RoleCSVReplay:
		return true
	}
	return false
}
