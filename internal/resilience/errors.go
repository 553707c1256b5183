package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError marks an error that a retry has a real chance of clearing:
// a saturated API answering 429/5xx, a store briefly refusing connections.
// Connectors and the sink wrap at the point where they know the status code;
// IsTransient recognizes the wrapper anywhere in the chain.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as retryable. statusCode is 0 for non-HTTP
// failures.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// transientSyscalls are connection-level failures that resolve themselves
// when the peer comes back.
var transientSyscalls = []error{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
}

// transientFragments catch transport failures that only survive as wrapped
// message text by the time they reach us (stdlib http, pgx, the ftp client
// all flatten some of these).
var transientFragments = []string{
	"connection reset by peer",
	"broken pipe",
	"i/o timeout",
	"tls handshake timeout",
	"no such host",
	"temporary failure in name resolution",
	"server closed idle connection",
	"transport connection broken",
	"unexpected eof",
	"failed to connect",
}

// IsTransient reports whether err is worth retrying. It recognizes an
// explicit TransientError, network timeouts, DNS failures, connection-level
// syscall errors, and a set of message fragments from clients that flatten
// their causes. Anything else is treated as permanent: retrying a schema
// mismatch or a bad credential just burns the backoff budget.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	for _, sysErr := range transientSyscalls {
		if errors.Is(err, sysErr) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an HTTP status signals a server-side
// condition that a later attempt may not hit: 408, 429, and the 5xx gateway
// family. Client errors (4xx otherwise) are permanent.
func IsTransientHTTPStatus(status int) bool {
	switch status {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
