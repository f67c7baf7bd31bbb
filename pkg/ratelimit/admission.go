package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AdmissionLimiter applies a token bucket per address to websocket
// upgrades and evicts idle entries as it goes. It runs on HTTP goroutines,
// before a connection (and therefore a connection id) exists.
type AdmissionLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byKey   map[string]*admissionEntry
	hits    uint64
	idleTTL time.Duration
}

type admissionEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAdmissionLimiter creates a per-address limiter; returns nil if the
// arguments disable it. A nil limiter admits everything.
func NewAdmissionLimiter(rps float64, burst int, idleTTL time.Duration) *AdmissionLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &AdmissionLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		byKey:   make(map[string]*admissionEntry),
		idleTTL: idleTTL,
	}
}

// Allow reports whether address may open one more connection at now.
func (l *AdmissionLimiter) Allow(address string, now time.Time) bool {
	if l == nil {
		return true
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[address]
	if !ok {
		e = &admissionEntry{
			limiter:  rate.NewLimiter(l.limit, l.burst),
			lastSeen: now,
		}
		l.byKey[address] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		l.evictIdleLocked(now)
	}

	return allowed
}

// Sweep evicts addresses idle for longer than the idle TTL.
func (l *AdmissionLimiter) Sweep(now time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictIdleLocked(now)
}

func (l *AdmissionLimiter) evictIdleLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, v := range l.byKey {
		if v.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}

// Len returns the number of tracked addresses.
func (l *AdmissionLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}
