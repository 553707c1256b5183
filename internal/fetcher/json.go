package fetcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// StreamJSONArray reads a top-level JSON array and emits one element at a
// time, so an API page is decoded without buffering the whole body. Like the
// other Stream helpers the sequence is not restartable; a decode failure
// ends it with a terminal error on the error channel. Both channels close
// when the array is exhausted.
func StreamJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	out := make(chan T, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		dec := json.NewDecoder(r)

		tok, err := dec.Token()
		switch {
		case err == io.EOF:
			return // empty body, empty sequence
		case err != nil:
			errs <- eris.Wrap(err, "json: read opening token")
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			errs <- eris.Errorf("json: expected array, got %v", tok)
			return
		}

		for i := 0; dec.More(); i++ {
			var item T
			if err := dec.Decode(&item); err != nil {
				errs <- eris.Wrapf(err, "json: element %d", i)
				return
			}
			select {
			case out <- item:
			case <-ctx.Done():
				errs <- eris.Wrap(ctx.Err(), "json: stream cancelled")
				return
			}
		}

		if _, err := dec.Token(); err != nil && err != io.EOF {
			errs <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return out, errs
}

// DecodeJSON decodes a single JSON document, used for API error envelopes
// and other small non-record bodies.
func DecodeJSON[T any](r io.Reader) (*T, error) {
	var doc T
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "json: decode")
	}
	return &doc, nil
}
