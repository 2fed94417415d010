// Package server is the management surface: a thin HTTP API over the core
// interfaces (registry, store, scheduler, aggregation engine) plus the
// Prometheus metrics and health endpoints. It creates and edits sources; the
// core only ever reads them.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Thulrus/ParallaxIndex/internal/aggregate"
	"github.com/Thulrus/ParallaxIndex/internal/core"
	"github.com/Thulrus/ParallaxIndex/internal/plugin"
	"github.com/Thulrus/ParallaxIndex/internal/schedule"
	"github.com/Thulrus/ParallaxIndex/internal/scheduler"
	"github.com/Thulrus/ParallaxIndex/internal/store"
	"github.com/Thulrus/ParallaxIndex/pkg/config"
	"github.com/Thulrus/ParallaxIndex/pkg/logger"
)

var valid = validator.New()

const healthcheckTimeout = 5 * time.Second

// HTTPServer hosts the management API.
type HTTPServer struct {
	cfg       config.ServerConfig
	server    *http.Server
	registry  *plugin.Registry
	store     store.Store
	scheduler *scheduler.Scheduler
	engine    *aggregate.Engine
}

// NewHTTPServer wires the API over the core collaborators.
func NewHTTPServer(
	cfg config.ServerConfig,
	registry *plugin.Registry,
	st store.Store,
	sched *scheduler.Scheduler,
	engine *aggregate.Engine,
	promReg *prometheus.Registry,
) *HTTPServer {
	s := &HTTPServer{
		cfg:       cfg,
		registry:  registry,
		store:     st,
		scheduler: sched,
		engine:    engine,
	}

	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(logger.GetLogger()),
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/plugins", s.listPlugins)
		r.Post("/preview", s.preview)
		r.Get("/global", s.getGlobal)
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Post("/", s.createSource)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getSource)
				r.Put("/", s.updateSource)
				r.Delete("/", s.deleteSource)
				r.Post("/collect", s.collectNow)
				r.Post("/sweep", s.sweep)
				r.Get("/history", s.history)
				r.Get("/status", s.status)
				r.Get("/health", s.health)
			})
		})
	})

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Start begins listening without blocking the caller.
func (s *HTTPServer) Start() error {
	logger.Info("starting HTTP server", "server", zap.String("listen_addr", s.cfg.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed to listen", "server",
				zap.Error(err), zap.String("listen_addr", s.cfg.Addr))
		}
	}()
	return nil
}

// Shutdown drains in-flight requests with a bounded deadline.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	logger.Info("shutting down HTTP server", "server", zap.String("listen_addr", s.cfg.Addr))
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then runs shutdownFunc under a
// timeout so the process never hangs on exit.
func WaitForShutdown(timeout time.Duration, shutdownFunc func(ctx context.Context) error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	logger.Info("received shutdown signal", "server", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- shutdownFunc(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("graceful shutdown failed", "server", zap.Error(err))
		} else {
			logger.Info("graceful shutdown completed", "server")
		}
	case <-ctx.Done():
		logger.Error("graceful shutdown timed out", "server", zap.Error(ctx.Err()))
	}
	_ = logger.Sync()
}

// sourceRequest is the write shape accepted by create/update.
type sourceRequest struct {
	PluginID       string         `json:"plugin_id"`
	DisplayName    string         `json:"display_name"`
	Enabled        *bool          `json:"enabled"`
	Config         map[string]any `json:"config"`
	Weight         *float64       `json:"weight"`
	Polarity       string         `json:"sentiment_polarity"`
	Schedule       string         `json:"schedule"`
	CollectTimeout string         `json:"collect_timeout,omitempty"`
}

type sourceResponse struct {
	core.SourceInstance
	ScheduleText string `json:"schedule_text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *HTTPServer) listPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// previewRequest carries a candidate configuration to test before a source
// is created.
type previewRequest struct {
	PluginID string         `json:"plugin_id"`
	Config   map[string]any `json:"config"`
}

// preview dry-runs a candidate source configuration against its plugin using
// a throwaway instance; nothing is persisted or scheduled.
func (s *HTTPServer) preview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}

	pl, err := s.registry.Resolve(req.PluginID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.ValidateConfig(req.PluginID, req.Config); err != nil {
		writeError(w, err)
		return
	}

	src := core.SourceInstance{
		ID:       uuid.New(),
		PluginID: req.PluginID,
		Config:   req.Config,
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthcheckTimeout)
	defer cancel()

	var result map[string]any
	if pv, ok := pl.(plugin.Previewer); ok {
		result, err = pv.Preview(ctx, src)
	} else {
		var raw core.RawSnapshot
		raw, err = pl.Collect(ctx, src)
		if err == nil {
			// Only the diagnostics leave this frame; the raw payload does not.
			result = map[string]any{"diagnostics": raw.Diagnostics}
		}
	}
	if err != nil {
		writeError(w, errors.Join(core.ErrCollectionFailed, err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) getGlobal(w http.ResponseWriter, r *http.Request) {
	agg, err := s.engine.ComputeGlobal(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *HTTPServer) listSources(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	sources, err := s.store.ListSources(r.Context(), enabledOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]sourceResponse, 0, len(sources))
	for _, src := range sources {
		out = append(out, sourceResponse{SourceInstance: src, ScheduleText: schedule.Describe(src.Schedule)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) createSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}

	src := core.SourceInstance{
		ID:          uuid.New(),
		PluginID:    req.PluginID,
		DisplayName: req.DisplayName,
		Enabled:     true,
		Config:      req.Config,
		Weight:      1.0,
		Polarity:    core.PolarityPositiveIsGood,
		Schedule:    "0 * * * *",
		CreatedAt:   time.Now().UTC(),
	}
	applyRequest(&src, req)

	if err := s.validateSource(src); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CreateSource(r.Context(), src); err != nil {
		writeError(w, err)
		return
	}
	logger.Info("source created", src.PluginID,
		zap.String("source", src.ID.String()), zap.String("display_name", src.DisplayName))
	writeJSON(w, http.StatusCreated, sourceResponse{SourceInstance: src, ScheduleText: schedule.Describe(src.Schedule)})
}

func (s *HTTPServer) updateSource(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	src, err := s.store.GetSource(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	applyRequest(&src, req)

	if err := s.validateSource(src); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.UpdateSource(r.Context(), src); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sourceResponse{SourceInstance: src, ScheduleText: schedule.Describe(src.Schedule)})
}

func (s *HTTPServer) getSource(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	src, err := s.store.GetSource(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sourceResponse{SourceInstance: src, ScheduleText: schedule.Describe(src.Schedule)})
}

func (s *HTTPServer) deleteSource(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteSource(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) collectNow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	snap, err := s.scheduler.CollectNow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *HTTPServer) sweep(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	keep := 500
	if raw := r.URL.Query().Get("keep"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil || k < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "keep must be a non-negative integer"})
			return
		}
		keep = k
	}
	removed, err := s.store.Sweep(r.Context(), id, keep)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *HTTPServer) history(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = l
	}
	snaps, err := s.store.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *HTTPServer) status(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetSource(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	st := s.scheduler.Status(id)
	trend, err := s.engine.Trend(r.Context(), id, 10)
	resp := map[string]any{"status": st}
	if err == nil {
		resp["trend"] = trend
	}
	if c, err := s.engine.Contribution(r.Context(), id); err == nil {
		resp["contribution"] = c
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) health(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	src, err := s.store.GetSource(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	pl, err := s.registry.Resolve(src.PluginID)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthcheckTimeout)
	defer cancel()

	healthy, message := true, "source is healthy"
	if hc, ok := pl.(plugin.HealthChecker); ok {
		healthy, message = hc.Healthcheck(ctx, src)
	} else {
		// Probe with a throwaway collect; the raw result stays in this frame.
		raw, err := pl.Collect(ctx, src)
		switch {
		case err != nil:
			healthy, message = false, "health check failed: "+err.Error()
		case raw.Payload == nil:
			healthy, message = false, "collection returned no data"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"healthy": healthy, "message": message})
}

// validateSource runs every creation-time gate: struct ranges, polarity,
// cron grammar and the plugin's config schema. Malformed schedules are
// rejected here, never at fire time.
func (s *HTTPServer) validateSource(src core.SourceInstance) error {
	if err := valid.Struct(src); err != nil {
		return invalid(err.Error())
	}
	if err := schedule.Validate(src.Schedule); err != nil {
		return invalid(err.Error())
	}
	return s.registry.ValidateConfig(src.PluginID, src.Config)
}

func invalid(msg string) error {
	return errors.Join(core.ErrInvalidConfig, errors.New(msg))
}

func applyRequest(src *core.SourceInstance, req sourceRequest) {
	if req.PluginID != "" {
		src.PluginID = req.PluginID
	}
	if req.DisplayName != "" {
		src.DisplayName = req.DisplayName
	}
	if req.Enabled != nil {
		src.Enabled = *req.Enabled
	}
	if req.Config != nil {
		src.Config = req.Config
	}
	if req.Weight != nil {
		src.Weight = *req.Weight
	}
	if req.Polarity != "" {
		src.Polarity = core.SentimentPolarity(req.Polarity)
	}
	if req.Schedule != "" {
		src.Schedule = req.Schedule
	}
	if req.CollectTimeout != "" {
		if d, err := time.ParseDuration(req.CollectTimeout); err == nil && d > 0 {
			src.CollectTimeout = d
		}
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid source id"})
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response failed", "server", zap.Error(err))
	}
}

// writeError maps the core taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrSourceNotFound), errors.Is(err, core.ErrUnknownPlugin):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrAlreadyRunning), errors.Is(err, core.ErrDuplicateKey):
		status = http.StatusConflict
	case errors.Is(err, core.ErrCollectionFailed), errors.Is(err, core.ErrDistillationFault):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// requestLogger records method, path, status and latency for every request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		logger.Info("http request", "server",
			zap.String("method", r.Method),
			zap.String("url", r.URL.String()),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// statusWriter captures the response status for request logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
