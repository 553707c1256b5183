package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bikecorp/ingest-cli/internal/config"
)

func TestInitStore_SQLite(t *testing.T) {
	cfg = &config.Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "ingest.db")

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	cfg = &config.Config{}
	cfg.Store.Driver = "mongodb"

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestLoadSchema_Default(t *testing.T) {
	cfg = &config.Config{}

	sch, err := loadSchema()
	require.NoError(t, err)
	assert.True(t, sch.Has("brands"))
	assert.True(t, sch.Has("order_items"))
}

func TestLoadSchema_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	content := `
entities:
  widgets:
    role: API
    key: [widget_id]
    fields:
      widget_id: number
      name: string
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg = &config.Config{}
	cfg.Schema.Path = path

	sch, err := loadSchema()
	require.NoError(t, err)
	assert.True(t, sch.Has("widgets"))
	assert.False(t, sch.Has("brands"))
}
