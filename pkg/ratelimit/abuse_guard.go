package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/hirachand04/p2pchat/pkg"
	"github.com/hirachand04/p2pchat/pkg/cache"
)

// Decision is the outcome of an AbuseGuard check.
type Decision int

const (
	// Allowed: the event is within every window.
	Allowed Decision = iota
	// Limited: a window was exceeded; the event must be dropped.
	Limited
	// Blocked: the connection or its address is in the blocked set.
	Blocked
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Limited:
		return "limited"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Verdict is returned by AbuseGuard.Allow.
type Verdict struct {
	Decision Decision
	// RetryAfter is how long the caller should wait before sending again.
	RetryAfter time.Duration
	// JustBlocked is set on the single event that pushed the key over the
	// abuse threshold, so the sender can be told once instead of per event.
	JustBlocked bool
}

// Allowed reports whether the event may proceed.
func (v Verdict) Allowed() bool {
	return v.Decision == Allowed
}

// GuardConfig sizes an AbuseGuard.
type GuardConfig struct {
	// Events per Window allowed for one connection.
	Events int
	Window time.Duration
	// AddressMultiplier scales Events for the per-address window so a few
	// tabs behind one address are tolerated.
	AddressMultiplier int
	// AbuseWindow is the rolling window in which violations are counted.
	AbuseWindow time.Duration
	// AbuseThreshold violations inside AbuseWindow block the connection
	// and its address.
	AbuseThreshold int
	// BlockTTL is how long a block lasts.
	BlockTTL time.Duration
}

// DefaultGuardConfig returns 5 events/s per connection, 15 events/s per
// address, 50 violations per minute to be blocked for five minutes.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Events:            5,
		Window:            time.Second,
		AddressMultiplier: 3,
		AbuseWindow:       time.Minute,
		AbuseThreshold:    50,
		BlockTTL:          5 * time.Minute,
	}
}

type abuseKey struct {
	address string
	connID  string
}

const (
	connPrefix = "conn:"
	addrPrefix = "addr:"
)

// AbuseGuard gates inbound events with two independent windows (per
// connection and per address) and escalates repeated violations into a
// temporary block of both the connection and the address.
//
// Allow never blocks the caller: it takes a short mutex and does O(1) work.
// IsBlocked may be called from HTTP goroutines concurrently with Allow.
type AbuseGuard struct {
	mu       sync.Mutex
	cfg      GuardConfig
	conns    *WindowLimiter
	addrs    *WindowLimiter
	abuse    map[abuseKey]*bucket
	connAddr map[string]string
	blocked  *cache.TTLCache[string, struct{}]
	now      pkg.Clock
}

// NewAbuseGuard creates a guard. A nil clock means the wall clock.
func NewAbuseGuard(cfg GuardConfig, clock pkg.Clock) *AbuseGuard {
	if clock == nil {
		clock = pkg.SystemClock
	}
	if cfg.AddressMultiplier < 1 {
		cfg.AddressMultiplier = 1
	}
	return &AbuseGuard{
		cfg:      cfg,
		conns:    NewWindowLimiter(cfg.Events, cfg.Window, clock),
		addrs:    NewWindowLimiter(cfg.Events*cfg.AddressMultiplier, cfg.Window, clock),
		abuse:    make(map[abuseKey]*bucket),
		connAddr: make(map[string]string),
		blocked:  cache.New[string, struct{}](cfg.BlockTTL, clock),
		now:      clock,
	}
}

// Allow checks one inbound event from connID at address.
//
// Flow:
//  1. Blocked connection or address → Blocked.
//  2. Count the event in both windows.
//  3. Either window exceeded → count a violation for (address, connID);
//     reaching the threshold blocks both keys.
func (g *AbuseGuard) Allow(connID, address string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	if address != "" {
		g.connAddr[connID] = address
	}

	if remaining, ok := g.blockedForLocked(connID, address); ok {
		return Verdict{Decision: Blocked, RetryAfter: remaining}
	}

	connOK := g.conns.Allow(connID)
	addrOK := true
	if address != "" {
		addrOK = g.addrs.Allow(address)
	}
	if connOK && addrOK {
		return Verdict{Decision: Allowed}
	}

	if g.recordViolationLocked(abuseKey{address: address, connID: connID}) {
		g.blocked.Set(connPrefix+connID, struct{}{})
		if address != "" {
			g.blocked.Set(addrPrefix+address, struct{}{})
		}
		return Verdict{Decision: Blocked, RetryAfter: g.cfg.BlockTTL, JustBlocked: true}
	}

	retry := g.conns.RetryAfter(connID)
	if !addrOK {
		if r := g.addrs.RetryAfter(address); r > retry {
			retry = r
		}
	}
	return Verdict{Decision: Limited, RetryAfter: retry}
}

// recordViolationLocked bumps the abuse counter and reports whether the
// threshold was reached. The counter is dropped once it fires.
func (g *AbuseGuard) recordViolationLocked(key abuseKey) bool {
	now := g.now()

	b, ok := g.abuse[key]
	if !ok || now.Sub(b.windowStart) >= g.cfg.AbuseWindow {
		b = &bucket{windowStart: now}
		g.abuse[key] = b
	}
	b.count++

	if b.count >= g.cfg.AbuseThreshold {
		delete(g.abuse, key)
		return true
	}
	return false
}

func (g *AbuseGuard) blockedForLocked(connID, address string) (time.Duration, bool) {
	now := g.now()
	if exp := g.blocked.ExpiresAt(connPrefix + connID); !exp.IsZero() {
		return exp.Sub(now), true
	}
	if address != "" {
		if exp := g.blocked.ExpiresAt(addrPrefix + address); !exp.IsZero() {
			return exp.Sub(now), true
		}
	}
	return 0, false
}

// IsBlocked reports whether address is currently blocked.
func (g *AbuseGuard) IsBlocked(address string) bool {
	if address == "" {
		return false
	}
	_, ok := g.blocked.Get(addrPrefix + address)
	return ok
}

// Forget releases everything held for connID: its window, its abuse
// counters and its block. Address-level state is shared with other
// connections from the same address and is left to expire on its own.
func (g *AbuseGuard) Forget(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.conns.Reset(connID)
	g.blocked.Delete(connPrefix + connID)
	if address, ok := g.connAddr[connID]; ok {
		delete(g.abuse, abuseKey{address: address, connID: connID})
		delete(g.connAddr, connID)
	}
	delete(g.abuse, abuseKey{connID: connID})
}

// SweepStats reports what a Sweep released.
type SweepStats struct {
	Windows       int
	AbuseRecords  int
	ExpiredBlocks int
}

// Sweep garbage-collects elapsed windows, stale abuse counters and expired
// blocks. When a block expires every counter tied to the blocked key is
// cleared with it.
func (g *AbuseGuard) Sweep() SweepStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	var stats SweepStats
	for _, key := range g.blocked.EvictExpired() {
		stats.ExpiredBlocks++
		if connID, ok := strings.CutPrefix(key, connPrefix); ok {
			g.conns.Reset(connID)
			for k := range g.abuse {
				if k.connID == connID {
					delete(g.abuse, k)
				}
			}
		} else if address, ok := strings.CutPrefix(key, addrPrefix); ok {
			g.addrs.Reset(address)
			for k := range g.abuse {
				if k.address == address {
					delete(g.abuse, k)
				}
			}
		}
	}

	stats.Windows = g.conns.Sweep() + g.addrs.Sweep()

	now := g.now()
	for k, b := range g.abuse {
		if now.Sub(b.windowStart) >= g.cfg.AbuseWindow {
			delete(g.abuse, k)
			stats.AbuseRecords++
		}
	}
	return stats
}

// Tracked returns the number of live per-connection windows, abuse
// counters and blocked keys. Used by tests and diagnostics.
func (g *AbuseGuard) Tracked() (windows, abuseRecords, blocked int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns.Len() + g.addrs.Len(), len(g.abuse), g.blocked.Len()
}
