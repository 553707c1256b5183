package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Fetcher = (*FTPFetcher)(nil)

func TestParseFTPURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{
			name:     "default port added",
			url:      "ftp://exports.bikecorp.example/exports/brands.csv",
			wantHost: "exports.bikecorp.example:21",
			wantPath: "/exports/brands.csv",
		},
		{
			name:     "explicit port preserved",
			url:      "ftp://exports.bikecorp.example:2121/exports/stocks.zip",
			wantHost: "exports.bikecorp.example:2121",
			wantPath: "/exports/stocks.zip",
		},
		{
			name:    "wrong scheme",
			url:     "https://exports.bikecorp.example/exports/brands.csv",
			wantErr: true,
		},
		{
			name:    "empty path",
			url:     "ftp://exports.bikecorp.example",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			host, path, err := parseFTPURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestNewFTPFetcher_AnonymousDefault(t *testing.T) {
	t.Parallel()

	f := NewFTPFetcher(FTPOptions{})
	assert.Equal(t, "anonymous", f.opts.User)
	assert.Equal(t, "anonymous@", f.opts.Password)
	assert.NotZero(t, f.opts.Timeout)
}

func TestNewFTPFetcher_Credentials(t *testing.T) {
	t.Parallel()

	f := NewFTPFetcher(FTPOptions{User: "etl", Password: "hunter2"})
	assert.Equal(t, "etl", f.opts.User)
	assert.Equal(t, "hunter2", f.opts.Password)
}
