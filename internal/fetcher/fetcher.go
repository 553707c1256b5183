package fetcher

import (
	"context"
	"io"
)

// Fetcher downloads remote snapshot files during replay staging.
type Fetcher interface {
	// Download fetches the URL and returns the body stream.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}
