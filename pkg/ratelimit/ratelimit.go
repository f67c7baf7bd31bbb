// Package ratelimit implements the relay's abuse control: fixed-window
// counters per key, an escalating abuse guard on top of them, and a token
// bucket admission limiter for websocket upgrades.
//
// Everything is in memory: the relay is a single process and persists
// nothing. Counters are garbage-collected by an explicit Sweep that the
// owner runs on a timer, so idle keys do not leak.
//
// This package depends on nothing inside the project except pkg (clock)
// and pkg/cache.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hirachand04/p2pchat/pkg"
)

// bucket holds the event count of one key in its current window.
//
// Window algorithm:
//   - First event: windowStart = now, count = 1.
//   - Later events inside the window: count++.
//   - Once window has elapsed since windowStart the counter starts over.
type bucket struct {
	count       int
	windowStart time.Time
}

// WindowLimiter admits at most limit events per key in each window.
//
//	limiter := NewWindowLimiter(5, time.Second, pkg.SystemClock)
//	if !limiter.Allow(connID) { drop }
type WindowLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
	now     pkg.Clock
}

// NewWindowLimiter creates a limiter admitting limit events per window.
// A nil clock means the wall clock.
func NewWindowLimiter(limit int, window time.Duration, clock pkg.Clock) *WindowLimiter {
	if clock == nil {
		clock = pkg.SystemClock
	}
	return &WindowLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
		now:     clock,
	}
}

// Allow counts one event for key and reports whether it is within limit.
// Rejected events still count, so a flooding key stays rejected until its
// window rolls over.
func (l *WindowLimiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.buckets[key]
	if !exists {
		l.buckets[key] = &bucket{count: 1, windowStart: now}
		return l.limit >= 1
	}

	if now.Sub(b.windowStart) >= l.window {
		b.count = 1
		b.windowStart = now
		return l.limit >= 1
	}

	b.count++
	return b.count <= l.limit
}

// RetryAfter returns how long until key's current window rolls over.
func (l *WindowLimiter) RetryAfter(key string) time.Duration {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.buckets[key]
	if !exists {
		return 0
	}
	remaining := l.window - now.Sub(b.windowStart)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset drops key's counter.
func (l *WindowLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len returns the number of tracked keys.
func (l *WindowLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep deletes every bucket whose window has elapsed.
func (l *WindowLimiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.windowStart) >= l.window {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// ExtractIP returns the client address of r.
//
// Forwarding headers are only honoured when trustProxy is set: behind
// nginx/Caddy RemoteAddr is the proxy, but on a bare deployment a client
// could forge X-Forwarded-For to dodge bans and address limits.
//
// Order when trusted:
//  1. X-Forwarded-For (first entry)
//  2. X-Real-IP
//  3. RemoteAddr
func ExtractIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
