// Package server provides HTTP server construction for roomsync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/roomsync/internal/room"
)

// StatusSource reports the room's connection state for health checks.
type StatusSource interface {
	RoomID() string
	Status() room.Status
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	APIKeyHash []byte
	MCPHandler http.Handler
	Room       StatusSource
	Logger     *slog.Logger
}

type healthResponse struct {
	Room   string `json:"room"`
	Status string `json:"status"`
}

// NewMux builds the HTTP mux with the health and MCP endpoints. The MCP
// endpoint is protected by Bearer key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Room))

	authMiddleware := BearerAuth(cfg.APIKeyHash, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

// handleHealth answers 200 while the room is synchronized and 503
// otherwise, so orchestrators see a room stuck reconnecting.
func handleHealth(r StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := r.Status()

		code := http.StatusOK
		if status != room.StatusSynchronized {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(healthResponse{Room: r.RoomID(), Status: status.String()})
	}
}
