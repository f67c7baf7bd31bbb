// Package middleware holds the HTTP wrappers applied to the relay's plain
// endpoints. Each one is a func(next http.Handler) http.Handler.
//
// /ws is never wrapped: the upgrade needs the raw http.Hijacker.
package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/hirachand04/p2pchat/pkg"
)

// Chain applies mws so that the first one runs outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recover turns a handler panic into a 500 with the usual error envelope.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("http handler panic",
					"component", "http",
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				pkg.ErrorWithMessage(w, http.StatusInternalServerError, pkg.KindInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// AccessLog logs one debug line per request. The remote address goes
// through the privacy handler like every other address attribute.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		slog.Debug("http request",
			"component", "http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
