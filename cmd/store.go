package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/bikecorp/ingest-cli/internal/docstore"
	"github.com/bikecorp/ingest-cli/internal/schema"
)

func initStore(ctx context.Context) (docstore.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "ingest.db"
		}
		return docstore.NewSQLite(path)
	case "postgres":
		return docstore.NewPostgres(ctx, cfg.Store.DatabaseURL, &docstore.PoolConfig{
			MaxConns: int32(cfg.Store.MaxConns),
			MinConns: int32(cfg.Store.MinConns),
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func loadSchema() (*schema.Schema, error) {
	if cfg.Schema.Path != "" {
		return schema.Load(cfg.Schema.Path)
	}
	return schema.Default()
}
