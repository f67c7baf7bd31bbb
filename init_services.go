// Package main: service layer wire-up.
//
// initServices builds the session state, the abuse guard and the relay
// dispatcher. Everything here except the admission limiter is driven from
// the hub's event loop.
package main

import (
	"github.com/hirachand04/p2pchat/config"
	"github.com/hirachand04/p2pchat/pkg/metrics"
	"github.com/hirachand04/p2pchat/pkg/ratelimit"
	"github.com/hirachand04/p2pchat/services"
	"github.com/hirachand04/p2pchat/ws"
)

// Services holds every service instance.
type Services struct {
	Registry   *services.SessionRegistry
	Membership *services.MembershipService
	Relay      *services.RelayService
}

// Limiters holds the two abuse defences: per-event (guard) and
// per-upgrade (admission).
type Limiters struct {
	Guard     *ratelimit.AbuseGuard
	Admission *ratelimit.AdmissionLimiter
}

func initLimiters(cfg *config.Config) *Limiters {
	guard := ratelimit.NewAbuseGuard(ratelimit.GuardConfig{
		Events:            cfg.RateLimit.Events,
		Window:            cfg.RateLimit.Window,
		AddressMultiplier: cfg.RateLimit.AddressMultiplier,
		AbuseWindow:       cfg.Abuse.Window,
		AbuseThreshold:    cfg.Abuse.Threshold,
		BlockTTL:          cfg.Abuse.BlockTTL,
	}, nil)

	// nil when ADMISSION_RPS is 0; a nil limiter admits everything.
	admission := ratelimit.NewAdmissionLimiter(cfg.Admission.RPS, cfg.Admission.Burst, 0)

	return &Limiters{Guard: guard, Admission: admission}
}

func initServices(cfg *config.Config, limiters *Limiters, hub ws.EventPublisher, m *metrics.Metrics) *Services {
	registry := services.NewSessionRegistry(services.RegistryConfig{
		MaxSessions: cfg.Session.MaxSessions,
		MaxMembers:  cfg.Session.MaxMembers,
		IdleTimeout: cfg.Session.IdleTimeout,
	}, nil, nil)

	membership := services.NewMembershipService(registry)

	relay := services.NewRelayService(
		registry,
		membership,
		limiters.Guard,
		limiters.Admission,
		hub,
		m,
		services.RelayConfig{MaxPayloadBytes: cfg.Server.MaxPayloadBytes},
	)

	return &Services{
		Registry:   registry,
		Membership: membership,
		Relay:      relay,
	}
}
