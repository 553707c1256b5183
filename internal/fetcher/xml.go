package fetcher

import (
	"context"
	"encoding/xml"
	"io"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// xmlCharsetReader transcodes declared non-UTF-8 charsets; warehouse exports
// in the wild still show up as windows-1252 or iso-8859-1.
func xmlCharsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
	}
	return enc.NewDecoder().Reader(input), nil
}

// StreamXML emits every element whose local name matches element, decoded
// into T, skipping everything else in the document. Used by replay staging
// to turn row-oriented XML exports into snapshot rows without loading the
// file into memory. Both channels close at EOF; a malformed document ends
// the stream with a terminal error.
func StreamXML[T any](ctx context.Context, r io.Reader, element string) (<-chan T, <-chan error) {
	out := make(chan T, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		dec := xml.NewDecoder(r)
		dec.CharsetReader = xmlCharsetReader

		for {
			tok, err := dec.Token()
			if err == io.EOF {
				return
			}
			if err != nil {
				errs <- eris.Wrap(err, "xml: read token")
				return
			}

			start, ok := tok.(xml.StartElement)
			if !ok || start.Name.Local != element {
				continue
			}

			var item T
			if err := dec.DecodeElement(&item, &start); err != nil {
				errs <- eris.Wrapf(err, "xml: decode <%s>", element)
				return
			}

			select {
			case out <- item:
			case <-ctx.Done():
				errs <- eris.Wrap(ctx.Err(), "xml: stream cancelled")
				return
			}
		}
	}()

	return out, errs
}
