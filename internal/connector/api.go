package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/bikecorp/ingest-cli/internal/fetcher"
	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/resilience"
	"github.com/bikecorp/ingest-cli/internal/schema"
)

// APIOptions configures the REST connector.
type APIOptions struct {
	BaseURL    string
	AuthToken  string
	PageSize   int
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// APIConnector reads entities from the operational REST API one page at a
// time. A circuit breaker fails fast once the API has failed a few calls in
// a row, which shows up as a zero-yield ConnectivityError and lets replay
// substitution kick in without waiting out every timeout.
type APIConnector struct {
	schema  *schema.Schema
	client  *fetcher.HTTPClient
	breaker *resilience.CircuitBreaker
	opts    APIOptions
}

// NewAPIConnector builds the REST connector. The breaker registry is shared
// so repeated runs in one process (schedule mode) keep breaker state.
func NewAPIConnector(sch *schema.Schema, breakers *resilience.ServiceBreakers, opts APIOptions) *APIConnector {
	if opts.PageSize <= 0 {
		opts.PageSize = 250
	}
	client := fetcher.NewHTTPClient(fetcher.HTTPOptions{
		Timeout:    opts.Timeout,
		RatePerSec: opts.RatePerSec,
		Burst:      opts.Burst,
	})
	return &APIConnector{
		schema:  sch,
		client:  client,
		breaker: breakers.Get("api"),
		opts:    opts,
	}
}

// Role implements Connector.
func (c *APIConnector) Role() model.SourceRole { return model.RoleAPI }

// Fetch implements Connector. Pagination stops at the first short page.
func (c *APIConnector) Fetch(ctx context.Context, entityType string, since *time.Time) (<-chan model.SourceRecord, <-chan error) {
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
		if ent.Role != model.RoleAPI {
			errCh <- eris.Errorf("api: entity %q belongs to role %s", entityType, ent.Role)
			return
		}

		fetchedAt := time.Now().UTC()
		for page := 1; ; page++ {
			pageURL, err := c.pageURL(ent, page, since)
			if err != nil {
				errCh <- err
				return
			}

			n, err := c.fetchPage(ctx, ent, pageURL, page, fetchedAt, recCh, errCh)
			if err != nil {
				emitTerminal(errCh, model.RoleAPI, entityType, err)
				return
			}
			if n < c.opts.PageSize {
				return
			}
		}
	}()

	return recCh, errCh
}

// fetchPage requests a single page and streams its items. The returned count
// includes parse-skipped items so short-page detection follows what the
// server sent, not what survived parsing.
func (c *APIConnector) fetchPage(ctx context.Context, ent *schema.Entity, pageURL string, page int, fetchedAt time.Time, recCh chan<- model.SourceRecord, errCh chan<- error) (int, error) {
	resp, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*http.Response, error) {
		resp, err := c.client.Get(ctx, pageURL, c.header())
		if err != nil {
			return nil, eris.Wrap(err, "api: request")
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			status := resp.StatusCode
			_ = resp.Body.Close()
			return nil, resilience.NewTransientError(eris.Errorf("api: status %d fetching %s", status, ent.Resource), status)
		}
		return resp, nil
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return 0, eris.Errorf("api: status %d fetching %s: %s", resp.StatusCode, ent.Resource, apiErrorDetail(resp.Body))
	}

	itemCh, decodeErrCh := fetcher.StreamJSONArray[map[string]any](ctx, resp.Body)
	count := 0
	for item := range itemCh {
		count++
		rec, buildErr := buildRecord(ent, model.RoleAPI, item, fetchedAt)
		if buildErr != nil {
			errCh <- &RecordParseError{
				Role:       model.RoleAPI,
				EntityType: ent.Name,
				Position:   fmt.Sprintf("page %d item %d", page, count),
				Payload:    renderPayload(item),
				Err:        buildErr,
			}
			continue
		}
		select {
		case recCh <- rec:
		case <-ctx.Done():
			return count, ctx.Err()
		}
	}
	for decodeErr := range decodeErrCh {
		if decodeErr != nil {
			return count, decodeErr
		}
	}
	return count, nil
}

func (c *APIConnector) pageURL(ent *schema.Entity, page int, since *time.Time) (string, error) {
	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return "", eris.Wrap(err, "api: parse base url")
	}
	u.Path = path.Join(u.Path, ent.Resource)
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(c.opts.PageSize))
	if since != nil {
		q.Set(ent.ModifiedParam, since.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *APIConnector) header() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if c.opts.AuthToken != "" {
		h.Set("Authorization", "Bearer "+c.opts.AuthToken)
	}
	return h
}

type apiErrorEnvelope struct {
	Error string `json:"error"`
}

func apiErrorDetail(r io.Reader) string {
	env, err := fetcher.DecodeJSON[apiErrorEnvelope](io.LimitReader(r, 4096))
	if err != nil || env.Error == "" {
		return "no detail"
	}
	return env.Error
}

func renderPayload(raw map[string]any) string {
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprintf("%v", raw)
	}
	return string(b)
}
