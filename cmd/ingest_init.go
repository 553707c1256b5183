package main

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bikecorp/ingest-cli/internal/connector"
	"github.com/bikecorp/ingest-cli/internal/dedup"
	"github.com/bikecorp/ingest-cli/internal/docstore"
	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/pipeline"
	"github.com/bikecorp/ingest-cli/internal/resilience"
	"github.com/bikecorp/ingest-cli/internal/schema"
	"github.com/bikecorp/ingest-cli/internal/sink"
)

// ingestEnv holds the initialized schema, store, connectors, and pipeline
// needed by the run/schedule/serve commands.
type ingestEnv struct {
	Schema   *schema.Schema
	Store    docstore.Store
	Pipeline *pipeline.Pipeline

	warehouse *pgxpool.Pool // nil when database.url is not configured
}

// Close releases resources held by the environment.
func (env *ingestEnv) Close() {
	if env.warehouse != nil {
		env.warehouse.Close()
	}
	if env.Store != nil {
		_ = env.Store.Close()
	}
}

// initIngest loads the schema, opens the store, builds the configured
// connectors, and assembles the pipeline. Callers should defer env.Close().
func initIngest(ctx context.Context) (*ingestEnv, error) {
	if err := cfg.Validate("run"); err != nil {
		return nil, err
	}

	sch, err := loadSchema()
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	// The breaker registry outlives individual runs so schedule mode keeps
	// breaker state across invocations.
	breakers := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutSecs) * time.Second,
	})

	primaries := []connector.Connector{
		connector.NewAPIConnector(sch, breakers, connector.APIOptions{
			BaseURL:    cfg.API.BaseURL,
			AuthToken:  os.Getenv(cfg.API.AuthTokenEnv),
			PageSize:   cfg.API.PageSize,
			Timeout:    cfg.API.APITimeout(),
			RatePerSec: cfg.API.RatePerSec,
			Burst:      cfg.API.Burst,
		}),
	}

	var warehouse *pgxpool.Pool
	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "parse warehouse url")
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		}
		warehouse, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "connect warehouse")
		}
		primaries = append(primaries, connector.NewDatabaseConnector(sch, warehouse, connector.DatabaseOptions{
			QueryTimeout: cfg.Database.QueryTimeout(),
		}))
	} else if len(sch.TypesForRole(model.RoleDatabase)) > 0 {
		zap.L().Warn("database.url not set, the DATABASE role cannot fetch")
	}

	replay := connector.NewCSVReplayConnector(sch, cfg.Replay.Dir)
	selector := connector.NewSelector(sch, replay, primaries...)

	writer := sink.New(st, resilience.FromRetryConfig(
		cfg.Retry.MaxAttempts,
		cfg.Retry.InitialBackoffMs,
		cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier,
		cfg.Retry.JitterFraction,
	), cfg.Pipeline.SinkWorkers)

	p := pipeline.New(sch, selector, dedup.New(sch, st), writer, st, cfg.Pipeline.RunTimeout())

	return &ingestEnv{
		Schema:    sch,
		Store:     st,
		Pipeline:  p,
		warehouse: warehouse,
	}, nil
}
