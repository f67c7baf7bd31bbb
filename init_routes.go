// Package main: HTTP route registration.
package main

import (
	"io/fs"
	"net/http"

	"github.com/hirachand04/p2pchat/handlers"
	"github.com/hirachand04/p2pchat/middleware"
	"github.com/hirachand04/p2pchat/pkg/metrics"
	"github.com/hirachand04/p2pchat/ws"
)

// initRoutes mounts every endpoint on mux.
//
// Route order: specific paths before the "/" catch-all of the client.
func initRoutes(mux *http.ServeMux, wsHandler *ws.Handler, health *handlers.HealthHandler, m *metrics.Metrics, client fs.FS) {
	plain := func(h http.Handler) http.Handler {
		return middleware.Chain(h, middleware.Recover, middleware.AccessLog)
	}

	// Realtime: never wrapped, the upgrade hijacks the connection.
	mux.HandleFunc("GET /ws", wsHandler.HandleConnection)

	// Diagnostics
	mux.Handle("GET /api/health", plain(http.HandlerFunc(health.Health)))
	mux.Handle("GET /metrics", plain(m.Handler()))

	// Web client (SPA fallback)
	if client != nil {
		mux.Handle("GET /", plain(handlers.NewSPAHandler(client)))
	}
}
