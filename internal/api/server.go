package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// Server is the engine's liveness/state HTTP surface plus the
// WebSocket hub dashboards subscribe to. It does not expose a general
// REST API: no order placement, no backtest control, no historical
// data browsing.
type Server struct {
	mu sync.RWMutex

	logger    *zap.Logger
	config    *types.ServerConfig
	statePath string
	metrics   *Metrics

	router        *mux.Router
	httpServer    *http.Server
	metricsServer *http.Server
	upgrader      websocket.Upgrader
	hub           *Hub
}

// NewServer builds the router but does not start listening. statePath
// is the JSON file the orchestrator's snapshot loop writes
// periodically; the state endpoint simply relays its latest contents.
func NewServer(logger *zap.Logger, config *types.ServerConfig, statePath string, metrics *Metrics) *Server {
	s := &Server{
		logger:    logger,
		config:    config,
		statePath: statePath,
		metrics:   metrics,
		router:    mux.NewRouter(),
		hub:       NewHub(logger, metrics),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	go s.hub.Run()
	return s
}

// Router exposes the underlying router so tests can drive it through
// httptest.NewServer without going through Start/Stop.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub exposes the broadcast hub so callers elsewhere in the process
// (the orchestrator, the execution loop) can push domain events to
// connected dashboards.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/state", s.handleState).Methods(http.MethodGet)
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start begins serving HTTP and, if enabled, a separate metrics
// listener (the hub's dispatch loop is already running from
// NewServer). It blocks until the primary listener stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	if s.config.EnableMetrics && s.metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
		s.metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", s.config.Host, s.config.MetricsPort),
			Handler: metricsMux,
		}
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	s.logger.Info("starting api server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down both the primary and metrics listeners.
func (s *Server) Stop(ctx context.Context) error {
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// handleState relays the orchestrator's latest state snapshot file
// verbatim. A missing file (engine not yet up, or PAPER run with no
// snapshot path configured) reports 503 rather than 404, since the
// caller wants liveness information, not a resource lookup.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	s.hub.register <- client

	s.logger.Info("websocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}
