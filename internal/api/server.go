package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"arbexec/internal/config"
)

// Server runs the HTTP/WebSocket API for the dashboard
type Server struct {
	cfg          config.DashboardConfig
	provider     MarketSnapshotProvider
	taskProvider TaskSnapshotProvider
	fullCfg      config.Config
	hub          *Hub
	handlers     *Handlers
	server       *http.Server
	logger       *slog.Logger
}

// NewServer creates a new API server. taskProvider may be nil if the task
// executor isn't running in this process.
func NewServer(
	cfg config.DashboardConfig,
	provider MarketSnapshotProvider,
	taskProvider TaskSnapshotProvider,
	fullCfg config.Config,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, taskProvider, fullCfg, hub, logger)

	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	// Serve static files (web dashboard)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:          cfg,
		provider:     provider,
		taskProvider: taskProvider,
		fullCfg:      fullCfg,
		hub:          hub,
		handlers:     handlers,
		server:       server,
		logger:       logger.With("component", "api-server"),
	}
}

// Start starts the API server and hub
func (s *Server) Start() error {
	// Start WebSocket hub
	go s.hub.Run()

	// Start event consumer
	go s.consumeEvents()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// eventSource is implemented by any provider that can stream live dashboard
// events (MM's Engine and the task executor's Manager both do).
type eventSource interface {
	DashboardEvents() <-chan DashboardEvent
}

// consumeEvents reads events from the MM engine and, if present, the task
// executor, and broadcasts both onto the same WebSocket hub.
func (s *Server) consumeEvents() {
	if src, ok := s.provider.(eventSource); ok {
		if ch := src.DashboardEvents(); ch != nil {
			go func() {
				for evt := range ch {
					s.hub.BroadcastEvent(evt)
				}
			}()
		}
	}

	if s.taskProvider == nil {
		return
	}
	if src, ok := s.taskProvider.(eventSource); ok {
		if ch := src.DashboardEvents(); ch != nil {
			for evt := range ch {
				s.hub.BroadcastEvent(evt)
			}
		}
	}
}
