package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"perp-trader/internal/config"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	src    Sources
	cfg    config.Config
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(src Sources, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		src:    src,
		cfg:    cfg,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
}

// HandleHealth is a liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleStatus returns the engine counters only, without touching the
// exchange.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.src.Status.Status()); err != nil {
		h.logger.Error("failed to encode status", "error", err)
	}
}

// HandleSnapshot returns the full dashboard state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := BuildSnapshot(r.Context(), h.src, h.cfg)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleWebSocket upgrades the connection, registers the client with the
// hub, and seeds it with a full snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg.Dashboard, r.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	snapshot := BuildSnapshot(r.Context(), h.src, h.cfg)
	data, err := json.Marshal(DashboardEvent{
		Type:      "snapshot",
		Timestamp: snapshot.Timestamp,
		Data:      snapshot,
	})
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}

// isOriginAllowed decides whether a websocket Origin header is acceptable.
// With an allowlist configured, only exact matches pass. Otherwise the
// same host as the request and localhost are accepted.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
