// Package server exposes the sync core over a loopback HTTP API for
// diagnostics and desktop hosts, with live sync events on /ws.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apperrors "github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/logging"
	"github.com/quizapp/offlinesync/internal/metrics"
	"github.com/quizapp/offlinesync/internal/models"
	syncpkg "github.com/quizapp/offlinesync/internal/sync"
	"github.com/quizapp/offlinesync/internal/sync/conflict"
	"github.com/quizapp/offlinesync/internal/sync/scheduler"
)

const (
	defaultStatsRange = time.Hour
	defaultErrorLimit = 10
	shutdownTimeout   = 10 * time.Second
)

// NetworkObserver accepts injected reachability observations.
type NetworkObserver interface {
	Observe(ev models.NetworkEvent) bool
	CurrentState() *models.NetworkEvent
}

// SchedulerStatus reports the background scheduler state. Optional.
type SchedulerStatus interface {
	GetStatus() scheduler.SchedulerStatus
}

// BreakerStatus reports the remote circuit breaker state. Optional.
type BreakerStatus interface {
	BreakerState() string
}

// Deps are the components the server reads from and drives.
type Deps struct {
	Engine    syncpkg.SyncEngineInterface
	Metrics   *metrics.Collector
	Conflicts *conflict.Service
	Network   NetworkObserver
	Scheduler SchedulerStatus
	Breaker   BreakerStatus
}

// Server serves the diagnostics API.
type Server struct {
	deps Deps
	hub  *WSHub
	log  *logging.Logger
}

// New creates a Server and registers its hub as the engine's event handler.
func New(deps Deps) *Server {
	s := &Server{
		deps: deps,
		hub:  NewWSHub(),
		log:  logging.Named("server"),
	}
	if deps.Engine != nil {
		deps.Engine.SetEventHandler(s.hub)
	}
	return s
}

// Hub returns the event hub.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.health)
	r.Get("/ws", s.hub.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/sync", s.sync)
		r.Post("/operations/retry", s.retry)

		r.Get("/metrics/stats", s.metricsStats)
		r.Get("/metrics/errors", s.metricsErrors)
		r.Get("/metrics/anomalies", s.metricsAnomalies)

		r.Get("/conflicts", s.conflicts)
		r.Get("/conflicts/history", s.conflictHistory)
		r.Post("/conflicts/{key}/resolve", s.resolveConflict)

		r.Post("/network", s.network)
	})

	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Diagnostics server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	if conflict.IsConflictError(err) {
		code = apperrors.ErrInvalid
	}
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrSyncInProgress, apperrors.ErrSyncConflict:
		status = http.StatusConflict
	case apperrors.ErrSyncOffline, apperrors.ErrRemoteDown:
		status = http.StatusServiceUnavailable
	case apperrors.ErrSyncAuthFailed, apperrors.ErrSyncAuthExpired, apperrors.ErrCredentialsMissing:
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  string(code),
	})
}

// durationParam reads a Go duration from the query, e.g. ?range=30m.
func durationParam(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, apperrors.New(apperrors.ErrInvalid, "invalid "+name+": "+raw)
	}
	return d, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "offlinesync",
	})
}

type statusResponse struct {
	Sync      models.SyncStatus          `json:"sync"`
	Scheduler *scheduler.SchedulerStatus `json:"scheduler,omitempty"`
	Breaker   string                     `json:"breaker,omitempty"`
	Network   *models.NetworkEvent       `json:"network,omitempty"`
	Clients   int                        `json:"wsClients"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Sync:    s.deps.Engine.Status(r.Context()),
		Clients: s.hub.ClientCount(),
	}
	if s.deps.Scheduler != nil {
		st := s.deps.Scheduler.GetStatus()
		resp.Scheduler = &st
	}
	if s.deps.Breaker != nil {
		resp.Breaker = s.deps.Breaker.BreakerState()
	}
	if s.deps.Network != nil {
		resp.Network = s.deps.Network.CurrentState()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Engine.Run(r.Context(), syncpkg.TriggerManual)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Engine.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": n})
}

func (s *Server) metricsStats(w http.ResponseWriter, r *http.Request) {
	window, err := durationParam(r, "range", defaultStatsRange)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"range":    window.String(),
		"overall":  s.deps.Metrics.Stats(window),
		"byEntity": s.deps.Metrics.StatsByEntity(window),
	})
}

func (s *Server) metricsErrors(w http.ResponseWriter, r *http.Request) {
	window, err := durationParam(r, "range", defaultStatsRange)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := defaultErrorLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, apperrors.New(apperrors.ErrInvalid, "invalid limit: "+raw))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"errors": s.deps.Metrics.TopErrors(limit, window),
	})
}

func (s *Server) metricsAnomalies(w http.ResponseWriter, r *http.Request) {
	anomalies := s.deps.Metrics.DetectAnomalies()
	if anomalies == nil {
		anomalies = []metrics.Anomaly{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"anomalies": anomalies})
}

func (s *Server) conflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": s.deps.Conflicts.PendingConflicts(),
		"stats":     s.deps.Conflicts.Stats(),
	})
}

func (s *Server) conflictHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultErrorLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, apperrors.New(apperrors.ErrInvalid, "invalid limit: "+raw))
			return
		}
		limit = n
	}
	logs, err := s.deps.Conflicts.History(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": logs})
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "invalid conflict key"))
		return
	}

	var body struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if body.Data == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "data is required"))
		return
	}

	if err := s.deps.Conflicts.ResolveManually(r.Context(), key, body.Data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resolved": key})
}

func (s *Server) network(w http.ResponseWriter, r *http.Request) {
	if s.deps.Network == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "network injection is not enabled"))
		return
	}

	var ev models.NetworkEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	changed := s.deps.Network.Observe(ev)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changed": changed,
		"state":   s.deps.Network.CurrentState(),
	})
}
