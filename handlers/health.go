// Package handlers contains the relay's few plain HTTP endpoints. All
// realtime traffic goes through ws.Handler instead.
package handlers

import (
	"net/http"

	"github.com/hirachand04/p2pchat/pkg"
	"github.com/hirachand04/p2pchat/services"
)

// StatsSource is what the health endpoint reads. services.RelayService
// publishes a snapshot that is safe to read from HTTP goroutines.
type StatsSource interface {
	Stats() services.Stats
}

// ConnectionCounter reports open websocket connections (ws.Hub).
type ConnectionCounter interface {
	ConnectionCount() int
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Members     int    `json:"members"`
	Connections int    `json:"connections"`
}

// HealthHandler serves the diagnostic counters.
type HealthHandler struct {
	stats StatsSource
	conns ConnectionCounter
}

// NewHealthHandler reads counters from stats and conns on every request.
func NewHealthHandler(stats StatsSource, conns ConnectionCounter) *HealthHandler {
	return &HealthHandler{stats: stats, conns: conns}
}

// Health returns live counters. It never touches session state directly.
//
// GET /api/health
// Response: { "success": true, "data": { "status": "ok", "sessions": 3, ... } }
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.stats.Stats()
	pkg.JSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Sessions:    st.Sessions,
		Members:     st.Members,
		Connections: h.conns.ConnectionCount(),
	})
}
