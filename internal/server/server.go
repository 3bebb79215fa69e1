// Package server exposes the collector over a small HTTP control API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/external-metrics/internal/collector"
	"github.com/and161185/external-metrics/internal/config"
	"github.com/and161185/external-metrics/internal/server/middleware"
	"github.com/and161185/external-metrics/model"
	"github.com/and161185/external-metrics/storage"
)

const shutdownTimeout = 5 * time.Second

// Controller is the part of the collector driven by the control API.
type Controller interface {
	Collect(ctx context.Context) (model.Batch, error)
	EnableRecording()
	DisableRecording()
	RecordingEnabled() bool
	AddDisallowedCategory(id uint64)
	RemoveDisallowedCategory(id uint64)
	DisallowedCategories() []uint64
	Stats() collector.Stats
}

type Server struct {
	ctl      Controller
	counters storage.Storage
	gatherer prometheus.Gatherer
	deliver  func(model.Batch)
	config   *config.AgentConfig
	logger   *zap.SugaredLogger
}

// NewServer wires the control API. counters, gatherer and deliver may be nil.
func NewServer(ctl Controller, counters storage.Storage, gatherer prometheus.Gatherer, deliver func(model.Batch), cfg *config.AgentConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		ctl:      ctl,
		counters: counters,
		gatherer: gatherer,
		deliver:  deliver,
		config:   cfg,
		logger:   logger,
	}
}

// Router builds the handler tree.
func (srv *Server) Router() (http.Handler, error) {
	trusted, err := middleware.TrustedCIDR(srv.config.TrustedSubnet, srv.config.TrustedProxies...)
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	router.Use(chiMiddleware.StripSlashes)
	router.Use(chiMiddleware.Recoverer)
	router.Use(middleware.LogMiddleware(srv.logger))
	router.Use(middleware.CompressMiddleware)

	router.Group(func(r chi.Router) {
		r.Use(trusted)
		r.Post("/collect", srv.CollectHandler)
		r.Post("/recording/{state}", srv.RecordingHandler)
		r.Post("/disallowed/{category}", srv.AddDisallowedHandler)
		r.Delete("/disallowed/{category}", srv.RemoveDisallowedHandler)
	})

	router.Get("/stats", srv.StatsHandler)
	router.Get("/counters", srv.CountersHandler)
	if srv.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))
	}
	return router, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (srv *Server) Run(ctx context.Context) error {
	router, err := srv.Router()
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              srv.config.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.logger.Infow("control server started", "addr", srv.config.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.logger.Errorw("failed to write response JSON", "error", err)
	}
}

func (srv *Server) CollectHandler(w http.ResponseWriter, r *http.Request) {
	batch, err := srv.ctl.Collect(r.Context())
	if errors.Is(err, collector.ErrCollectInProgress) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		srv.logger.Errorw("collect failed", "error", err)
	}
	if srv.deliver != nil {
		srv.deliver(batch)
	}
	if err != nil {
		http.Error(w, "collect failed", http.StatusInternalServerError)
		return
	}
	srv.writeJSON(w, http.StatusOK, map[string]int{"events": batch.Len()})
}

func (srv *Server) RecordingHandler(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "state") {
	case "enable":
		srv.ctl.EnableRecording()
	case "disable":
		srv.ctl.DisableRecording()
	default:
		http.Error(w, "state must be enable or disable", http.StatusBadRequest)
		return
	}
	srv.writeJSON(w, http.StatusOK, map[string]bool{"recording_enabled": srv.ctl.RecordingEnabled()})
}

func categoryParam(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "category"), 10, 64)
}

func (srv *Server) AddDisallowedHandler(w http.ResponseWriter, r *http.Request) {
	id, err := categoryParam(r)
	if err != nil {
		http.Error(w, "invalid category", http.StatusBadRequest)
		return
	}
	srv.ctl.AddDisallowedCategory(id)
	srv.writeJSON(w, http.StatusOK, map[string][]uint64{"disallowed": srv.ctl.DisallowedCategories()})
}

func (srv *Server) RemoveDisallowedHandler(w http.ResponseWriter, r *http.Request) {
	id, err := categoryParam(r)
	if err != nil {
		http.Error(w, "invalid category", http.StatusBadRequest)
		return
	}
	srv.ctl.RemoveDisallowedCategory(id)
	srv.writeJSON(w, http.StatusOK, map[string][]uint64{"disallowed": srv.ctl.DisallowedCategories()})
}

func (srv *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	srv.writeJSON(w, http.StatusOK, srv.ctl.Stats())
}

func (srv *Server) CountersHandler(w http.ResponseWriter, r *http.Request) {
	if srv.counters == nil {
		srv.writeJSON(w, http.StatusOK, map[string]*model.Metric{})
		return
	}
	all, err := srv.counters.GetAll(r.Context())
	if err != nil {
		srv.logger.Errorw("failed to get counters", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	srv.writeJSON(w, http.StatusOK, all)
}
