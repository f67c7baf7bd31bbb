package ws

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hirachand04/p2pchat/pkg"
	"github.com/hirachand04/p2pchat/pkg/i18n"
	"github.com/hirachand04/p2pchat/pkg/metrics"
	"github.com/hirachand04/p2pchat/pkg/ratelimit"
)

// BlockChecker reports whether an address is currently blocked for abuse.
// ratelimit.AbuseGuard satisfies it.
type BlockChecker interface {
	IsBlocked(address string) bool
}

// HandlerConfig configures the upgrade endpoint.
type HandlerConfig struct {
	// TrustProxy honours X-Forwarded-For / X-Real-IP.
	TrustProxy bool
	// MaxPayloadBytes is the message payload ceiling; the frame read limit
	// is derived from it.
	MaxPayloadBytes int64
	// AllowedOrigins lists browser origins allowed to connect. Empty or
	// "*" allows any origin.
	AllowedOrigins []string
}

// Handler upgrades HTTP requests on /ws and registers the resulting
// clients with the hub.
type Handler struct {
	hub       *Hub
	cfg       HandlerConfig
	admission *ratelimit.AdmissionLimiter
	blocked   BlockChecker
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
}

// NewHandler creates the /ws handler. admission, blocked and m may be nil.
func NewHandler(hub *Hub, cfg HandlerConfig, admission *ratelimit.AdmissionLimiter, blocked BlockChecker, m *metrics.Metrics) *Handler {
	h := &Handler{
		hub:       hub,
		cfg:       cfg,
		admission: admission,
		blocked:   blocked,
		metrics:   m,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// HandleConnection upgrades the request and blocks until the connection
// is gone.
//
// Flow:
//  1. Resolve the client address
//  2. Refuse floods (admission limiter) and blocked addresses
//  3. Pick the language for server-side text
//  4. Upgrade, register, start the pumps
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	address := ratelimit.ExtractIP(r, h.cfg.TrustProxy)

	if !h.admission.Allow(address, time.Now()) {
		h.metrics.RecordAdmissionDenied("rate")
		pkg.ErrorWithMessage(w, http.StatusTooManyRequests, pkg.KindRateLimited, "too many connection attempts")
		return
	}
	if h.blocked != nil && h.blocked.IsBlocked(address) {
		h.metrics.RecordAdmissionDenied("blocked")
		pkg.ErrorWithMessage(w, http.StatusTooManyRequests, pkg.KindRateLimited, "temporarily blocked")
		return
	}

	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = i18n.DetectLanguage(r.Header.Get("Accept-Language"))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("upgrade failed", "component", "ws", "address", address, "error", err)
		return
	}

	client := newClient(h.hub, conn, uuid.NewString(), address, lang, h.cfg.MaxPayloadBytes)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 || slices.Contains(h.cfg.AllowedOrigins, "*") {
		return true
	}
	if slices.Contains(h.cfg.AllowedOrigins, origin) {
		return true
	}
	// Same-origin requests are always fine.
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}
