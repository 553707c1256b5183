package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/resilience"
)

// ConnectivityError reports that a source could not be reached or stopped
// responding: dial failures, timeouts, connection resets, transient HTTP
// statuses, an open circuit, or a run-deadline abort. It is the only error
// class that makes an entity type eligible for CSV replay substitution.
type ConnectivityError struct {
	Role       model.SourceRole
	EntityType string
	Err        error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s/%s: source unreachable: %v", e.Role, e.EntityType, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RecordParseError reports one malformed record. The stream skips it and
// continues; parse failures never trigger source substitution.
type RecordParseError struct {
	Role       model.SourceRole
	EntityType string
	Position   string // e.g. "line 17" or "page 2 item 3"
	Payload    string // raw record, for dead-letter capture
	Err        error
}

func (e *RecordParseError) Error() string {
	return fmt.Sprintf("%s/%s: skip record at %s: %v", e.Role, e.EntityType, e.Position, e.Err)
}

func (e *RecordParseError) Unwrap() error { return e.Err }

// PartialFetchError reports a stream that died after yielding records. The
// retained records stay in the run and no substitution happens for the
// entity type; mixing a partial primary fetch with replay data would
// produce records of the same role from two different snapshots.
type PartialFetchError struct {
	Role       model.SourceRole
	EntityType string
	Retained   int
	Err        error
}

func (e *PartialFetchError) Error() string {
	return fmt.Sprintf("%s/%s: fetch aborted after %d records: %v", e.Role, e.EntityType, e.Retained, e.Err)
}

func (e *PartialFetchError) Unwrap() error { return e.Err }

// connectivity wraps err for the given source unless it already is a
// ConnectivityError for it.
func connectivity(role model.SourceRole, entityType string, err error) error {
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectivityError{Role: role, EntityType: entityType, Err: err}
}

// isConnectivityCause reports whether err belongs to the connectivity class:
// transient transport failures and deadline aborts qualify, plain
// cancellation (operator interrupt) does not.
func isConnectivityCause(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return true
	}
	return resilience.IsTransient(err)
}

// IsConnectivity reports whether err is (or wraps) a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// emitTerminal classifies err and sends it as the stream's terminal error.
func emitTerminal(errCh chan<- error, role model.SourceRole, entityType string, err error) {
	if isConnectivityCause(err) {
		errCh <- connectivity(role, entityType, err)
		return
	}
	errCh <- err
}
