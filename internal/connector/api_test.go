package connector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/resilience"
	"github.com/bikecorp/ingest-cli/internal/schema"
)

func defaultSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sch, err := schema.Default()
	require.NoError(t, err)
	return sch
}

func newAPIConnector(t *testing.T, baseURL string, pageSize int) *APIConnector {
	t.Helper()
	breakers := resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	return NewAPIConnector(defaultSchema(t), breakers, APIOptions{
		BaseURL:  baseURL,
		PageSize: pageSize,
		Timeout:  5 * time.Second,
	})
}

func TestAPIConnector_PaginatesUntilShortPage(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var pages []string
	var pageSizes []string

	mux := http.NewServeMux()
	mux.HandleFunc("/customers", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pages = append(pages, r.URL.Query().Get("page"))
		pageSizes = append(pageSizes, r.URL.Query().Get("page_size"))
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "1" {
			_, _ = io.WriteString(w, `[{"customer_id":1,"first_name":"Debra"},{"customer_id":2,"first_name":"Kasha"}]`)
			return
		}
		_, _ = io.WriteString(w, `[{"customer_id":3,"first_name":"Tameka"}]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := newAPIConnector(t, srv.URL, 2)
	res := drain(context.Background(), conn, "customers", nil)
	require.NoError(t, res.terminal)
	require.Empty(t, res.skips)
	require.Len(t, res.records, 3)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2"}, pages)
	assert.Equal(t, []string{"2", "2"}, pageSizes)

	first := res.records[0]
	assert.Equal(t, model.RoleAPI, first.Role)
	assert.Equal(t, "customers", first.EntityType)
	assert.Equal(t, "customer_id=1", first.Key.String())
	assert.Equal(t, model.KindNumber, first.Fields["customer_id"].Kind)
	assert.False(t, first.FetchedAt.IsZero())
}

func TestAPIConnector_SincePropagates(t *testing.T) {
	t.Parallel()

	var gotSince atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/customers", func(w http.ResponseWriter, r *http.Request) {
		gotSince.Store(r.URL.Query().Get("modified_since"))
		_, _ = io.WriteString(w, `[]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	since := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	conn := newAPIConnector(t, srv.URL, 100)
	res := drain(context.Background(), conn, "customers", &since)
	require.NoError(t, res.terminal)
	assert.Empty(t, res.records)
	assert.Equal(t, "2024-03-01T10:00:00Z", gotSince.Load())
}

func TestAPIConnector_SendsBearerToken(t *testing.T) {
	t.Parallel()

	var gotAuth atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `[]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	breakers := resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	conn := NewAPIConnector(defaultSchema(t), breakers, APIOptions{
		BaseURL:   srv.URL,
		AuthToken: "tok-123",
	})
	res := drain(context.Background(), conn, "orders", nil)
	require.NoError(t, res.terminal)
	assert.Equal(t, "Bearer tok-123", gotAuth.Load())
}

func TestAPIConnector_ParseSkipsDoNotAbort(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/customers", func(w http.ResponseWriter, r *http.Request) {
		// The second item has no customer_id, so no natural key derives.
		_, _ = io.WriteString(w, `[
			{"customer_id":1,"first_name":"Debra"},
			{"first_name":"Mystery"},
			{"customer_id":3,"first_name":"Tameka"}
		]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := newAPIConnector(t, srv.URL, 100)
	res := drain(context.Background(), conn, "customers", nil)
	require.NoError(t, res.terminal)
	require.Len(t, res.records, 2)
	require.Len(t, res.skips, 1)

	sk := res.skips[0]
	assert.Equal(t, model.RoleAPI, sk.Role)
	assert.Equal(t, "page 1 item 2", sk.Position)
	assert.Contains(t, sk.Payload, "Mystery")
	assert.Contains(t, sk.Err.Error(), "missing key field")
}

func TestAPIConnector_ServerDownIsConnectivity(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing is listening anymore

	conn := newAPIConnector(t, srv.URL, 100)
	res := drain(context.Background(), conn, "customers", nil)
	require.Error(t, res.terminal)
	assert.True(t, IsConnectivity(res.terminal))
	assert.Empty(t, res.records)
}

func TestAPIConnector_TransientStatusIsConnectivityNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/customers", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := newAPIConnector(t, srv.URL, 100)
	res := drain(context.Background(), conn, "customers", nil)
	require.Error(t, res.terminal)
	assert.True(t, IsConnectivity(res.terminal))
	assert.Equal(t, int32(1), hits.Load(), "connector fetches must not retry")
}

func TestAPIConnector_AuthFailureIsNotConnectivity(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/customers", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"token expired"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := newAPIConnector(t, srv.URL, 100)
	res := drain(context.Background(), conn, "customers", nil)
	require.Error(t, res.terminal)
	assert.False(t, IsConnectivity(res.terminal), "an auth failure must not trigger replay substitution")
	assert.Contains(t, res.terminal.Error(), "token expired")
}

func TestAPIConnector_DiesMidBodyRetainsRecords(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"order_id":1},{"order_id":2},{"order_id":3},`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			return
		}
		_ = conn.Close()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := newAPIConnector(t, srv.URL, 10)
	res := drain(context.Background(), conn, "orders", nil)
	require.Error(t, res.terminal)
	assert.True(t, IsConnectivity(res.terminal))
	assert.Len(t, res.records, 3, "records seen before the stream died are retained")
}

func TestAPIConnector_BreakerFailsFastAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	breakers := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})
	conn := NewAPIConnector(defaultSchema(t), breakers, APIOptions{BaseURL: srv.URL})

	for i := 0; i < 2; i++ {
		res := drain(context.Background(), conn, "customers", nil)
		require.Error(t, res.terminal)
	}

	res := drain(context.Background(), conn, "customers", nil)
	require.Error(t, res.terminal)
	assert.True(t, IsConnectivity(res.terminal), "an open circuit reads as a zero-yield connectivity failure")
	assert.ErrorIs(t, res.terminal, resilience.ErrCircuitOpen)
}

func TestAPIConnector_WrongRoleEntity(t *testing.T) {
	t.Parallel()

	conn := newAPIConnector(t, "http://localhost:0", 10)
	res := drain(context.Background(), conn, "brands", nil) // brands is a DATABASE entity
	require.Error(t, res.terminal)
	assert.Contains(t, res.terminal.Error(), "belongs to role DATABASE")
	assert.False(t, IsConnectivity(res.terminal))
}
