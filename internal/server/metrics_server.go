package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/model"
)

// MetricsServer serves Prometheus metrics and health endpoints via HTTP
type MetricsServer struct {
	httpServer *http.Server
	self       model.PeerId
	logger     *zap.Logger
}

// NewMetricsServer creates a metrics server for the given registry.
func NewMetricsServer(port int, path string, registry *prometheus.Registry,
	self model.PeerId, logger *zap.Logger) *MetricsServer {
	router := mux.NewRouter()

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		self:   self,
		logger: logger,
	}

	router.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/health", ms.healthHandler).Methods(http.MethodGet)

	return ms
}

// Start starts the metrics server
func (s *MetricsServer) Start() {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop(ctx context.Context) {
	s.logger.Info("Stopping metrics server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("Metrics server shutdown", zap.Error(err))
	}
}

func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"peer":   s.self.String(),
	})
}
