package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"perp-trader/internal/config"
	"perp-trader/internal/engine"
)

// Server runs the HTTP and websocket dashboard API.
type Server struct {
	cfg     config.Config
	emitter *engine.Emitter
	hub     *Hub
	server  *http.Server
	logger  *slog.Logger

	cancelConsume context.CancelFunc
}

// NewServer wires the dashboard routes. The emitter is the engine's event
// stream; every event is relayed to connected websocket clients.
func NewServer(cfg config.Config, src Sources, emitter *engine.Emitter, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(src, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	return &Server{
		cfg:     cfg,
		emitter: emitter,
		hub:     hub,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Dashboard.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Start runs the hub, the event relay, and the HTTP listener. Blocks until
// the listener exits.
func (s *Server) Start() error {
	go s.hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelConsume = cancel
	go s.relayEvents(ctx)

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	if s.cancelConsume != nil {
		s.cancelConsume()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// relayEvents forwards engine events to the websocket hub.
func (s *Server) relayEvents(ctx context.Context) {
	events := s.emitter.Subscribe(256)
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			s.hub.BroadcastEvent(fromEngineEvent(evt))
		}
	}
}
