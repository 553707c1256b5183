package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bikecorp/ingest-cli/internal/docstore"
	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/monitoring"
	"github.com/bikecorp/ingest-cli/internal/pipeline"
	"github.com/bikecorp/ingest-cli/internal/resilience"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ingest HTTP API",
	Long: "Exposes run history, merged documents, and dead letters over HTTP, plus a " +
		"webhook that triggers an ingest run asynchronously.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort > 0 {
			cfg.Serve.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initIngest(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		api := &serverAPI{
			store:         env.Store,
			pipe:          env.Pipeline,
			lookbackHours: cfg.Monitoring.LookbackHours,
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Serve.Port),
			Handler:           api.router(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("http api listening", zap.Int("port", cfg.Serve.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return eris.Wrap(err, "serve")
		case <-ctx.Done():
		}

		zap.L().Info("http api shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return eris.Wrap(srv.Shutdown(shutCtx), "shutdown")
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override the listen port")
	rootCmd.AddCommand(serveCmd)
}

// serverAPI holds the HTTP API's dependencies. pipe may be nil, in which
// case the run trigger answers 503.
type serverAPI struct {
	store docstore.Store
	pipe  *pipeline.Pipeline
	// lookbackHours is the default window for /api/metrics.
	lookbackHours int

	// running serializes triggered runs; a second trigger answers 409.
	running sync.Mutex
}

func (a *serverAPI) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", a.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/counts", a.handleCounts)
		r.Get("/metrics", a.handleMetrics)
		r.Get("/runs", a.handleListRuns)
		r.Post("/runs", a.handleTriggerRun)
		r.Get("/runs/{id}", a.handleGetRun)
		r.Get("/deadletters", a.handleListDeadLetters)
		r.Get("/entities/{type}", a.handleListEntities)
		r.Get("/entities/{type}/{key}", a.handleGetEntity)
	})
	return r
}

func (a *serverAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *serverAPI) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := a.store.Counts(r.Context())
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *serverAPI) handleMetrics(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", a.lookbackHours)
	if hours <= 0 {
		hours = 24
	}

	snap, err := monitoring.NewCollector(a.store).Collect(r.Context(), hours)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *serverAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := docstore.RunFilter{
		Status: model.RunStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
	}

	runs, err := a.store.ListRuns(r.Context(), filter)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []model.RunReport{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *serverAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, docstore.ErrRunNotFound) {
		errorJSON(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// triggerRequest is the optional body of POST /api/runs.
type triggerRequest struct {
	Roles      []string `json:"roles,omitempty"`
	SinceHours int      `json:"since_hours,omitempty"`
}

func (a *serverAPI) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if a.pipe == nil {
		errorJSON(w, http.StatusServiceUnavailable, eris.New("pipeline is not configured"))
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		errorJSON(w, http.StatusBadRequest, eris.Wrap(err, "decode request"))
		return
	}

	opts := pipeline.Options{RunID: uuid.New().String()}
	for _, raw := range req.Roles {
		role, err := model.ParseRole(raw)
		if err != nil {
			errorJSON(w, http.StatusBadRequest, err)
			return
		}
		opts.Roles = append(opts.Roles, role)
	}
	if req.SinceHours > 0 {
		since := time.Now().UTC().Add(-time.Duration(req.SinceHours) * time.Hour)
		opts.Since = &since
	}

	if !a.running.TryLock() {
		errorJSON(w, http.StatusConflict, eris.New("a run is already in progress"))
		return
	}

	go func() {
		defer a.running.Unlock()
		// The run must outlive the triggering request.
		report, err := a.pipe.Run(context.Background(), opts)
		if err != nil {
			zap.L().Error("triggered run failed", zap.String("run_id", opts.RunID), zap.Error(err))
			return
		}
		zap.L().Info("triggered run finished",
			zap.String("run_id", report.ID),
			zap.String("status", string(report.Status)),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": opts.RunID,
		"status": "accepted",
	})
}

func (a *serverAPI) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter := resilience.DeadLetterFilter{
		RunID:      r.URL.Query().Get("run"),
		EntityType: r.URL.Query().Get("entity_type"),
		Limit:      queryInt(r, "limit", 100),
	}

	letters, err := a.store.ListDeadLetters(r.Context(), filter)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	if letters == nil {
		letters = []resilience.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

func (a *serverAPI) handleListEntities(w http.ResponseWriter, r *http.Request) {
	filter := docstore.DocumentFilter{
		EntityType: chi.URLParam(r, "type"),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}

	ents, err := a.store.List(r.Context(), filter)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	if ents == nil {
		ents = []model.MergedEntity{}
	}
	writeJSON(w, http.StatusOK, ents)
}

func (a *serverAPI) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	key, err := model.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, err)
		return
	}

	ent, err := a.store.Get(r.Context(), chi.URLParam(r, "type"), key)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	if ent == nil {
		errorJSON(w, http.StatusNotFound, eris.New("document not found"))
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("http: encode response", zap.Error(err))
	}
}

func errorJSON(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
