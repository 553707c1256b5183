package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient wrapper", NewTransientError(errors.New("status 503"), 503), true},
		{"wrapper deep in eris chain", eris.Wrap(NewTransientError(errors.New("status 429"), 429), "api: fetch brands"), true},
		{"net timeout", timeoutErr{}, true},
		{"wrapped net timeout", fmt.Errorf("api: request: %w", timeoutErr{}), true},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "api.bikecorp.internal"}, true},
		{"connection refused", fmt.Errorf("connect warehouse: %w", syscall.ECONNREFUSED), true},
		{"connection reset", syscall.ECONNRESET, true},
		{"broken pipe", syscall.EPIPE, true},
		{"flattened reset message", errors.New("read tcp 10.0.0.2:5432: connection reset by peer"), true},
		{"flattened idle close", errors.New("http: server closed idle connection"), true},
		{"bad credential", errors.New("api: status 401 fetching customers"), false},
		{"schema mismatch", eris.New("csv: header missing column store_id"), false},
		{"malformed record", errors.New("record: field quantity: cannot coerce \"n/a\" to number"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestTransientErrorUnwraps(t *testing.T) {
	cause := errors.New("gateway timeout")
	te := NewTransientError(cause, 504)
	assert.ErrorIs(t, te, cause)
	assert.Equal(t, 504, te.StatusCode)
	assert.Equal(t, cause.Error(), te.Error())
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 201, 301, 400, 401, 403, 404, 409, 422, 501} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}
