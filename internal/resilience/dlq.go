package resilience

import (
	"time"

	"github.com/bikecorp/ingest-cli/internal/model"
)

// DeadLetter captures a source record that could not be parsed, with enough
// raw context for the operator to audit or replay it. Parse failures are
// skipped at record granularity, never silently dropped.
type DeadLetter struct {
	ID         string           `json:"id"`
	RunID      string           `json:"run_id,omitempty"`
	Role       model.SourceRole `json:"role"`
	EntityType string           `json:"entity_type"`
	// Position locates the record within its source: a CSV line number or a
	// page/offset pair rendered by the connector.
	Position string `json:"position,omitempty"`
	// Payload is the raw record as the connector saw it.
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	ErrorType string    `json:"error_type"` // "transient" or "permanent"
	CreatedAt time.Time `json:"created_at"`
}

// DeadLetterFilter specifies criteria for querying captured dead letters.
type DeadLetterFilter struct {
	RunID      string `json:"run_id,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
