// Package config loads the relay's configuration from the environment.
// A .env file is read first when present (development), then every
// variable is parsed into the tagged structs below. main may still
// override a few fields from the command line.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/hirachand04/p2pchat/models"
)

// Config carries every setting of the relay, one sub-struct per concern.
type Config struct {
	Server    ServerConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
	Abuse     AbuseConfig
	Admission AdmissionConfig
	CORS      CORSConfig
	Log       LogConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST"             envDefault:"0.0.0.0"`
	Port            int           `env:"SERVER_PORT"             envDefault:"3000"`
	TrustProxy      bool          `env:"TRUST_PROXY"             envDefault:"false"`
	MaxPayloadBytes int64         `env:"MAX_PAYLOAD_BYTES"       envDefault:"10485760"` // 10 MiB
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// SessionConfig bounds the session registry.
type SessionConfig struct {
	MaxSessions   int           `env:"SESSION_MAX_SESSIONS"   envDefault:"10000"`
	MaxMembers    int           `env:"SESSION_MAX_MEMBERS"    envDefault:"64"`
	IdleTimeout   time.Duration `env:"SESSION_IDLE_TIMEOUT"   envDefault:"15m"`
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"60s"`
}

// RateLimitConfig sizes the per-connection and per-address event windows.
type RateLimitConfig struct {
	Events            int           `env:"RATE_LIMIT_EVENTS"             envDefault:"5"`
	Window            time.Duration `env:"RATE_LIMIT_WINDOW"             envDefault:"1s"`
	AddressMultiplier int           `env:"RATE_LIMIT_ADDRESS_MULTIPLIER" envDefault:"3"`
}

// AbuseConfig controls escalation from rate-limit violations to blocks.
type AbuseConfig struct {
	Window    time.Duration `env:"ABUSE_WINDOW"    envDefault:"60s"`
	Threshold int           `env:"ABUSE_THRESHOLD" envDefault:"50"`
	BlockTTL  time.Duration `env:"ABUSE_BLOCK_TTL" envDefault:"300s"`
}

// AdmissionConfig limits websocket upgrades per address. A zero rate
// disables the limiter.
type AdmissionConfig struct {
	RPS   float64 `env:"ADMISSION_RPS"   envDefault:"2"`
	Burst int     `env:"ADMISSION_BURST" envDefault:"10"`
}

// CORSConfig lists the origins allowed to reach the HTTP API and /ws.
type CORSConfig struct {
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:5173"`
}

// LogConfig selects the log level (debug, info, warn, error).
type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads .env (if any) and the environment into a validated Config.
func Load() (*Config, error) {
	// A missing .env is normal in production.
	_ = godotenv.Load()

	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads the environment into a Config without loading .env or
// validating.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Server.MaxPayloadBytes <= 0 {
		errs = append(errs, errors.New("MAX_PAYLOAD_BYTES must be positive"))
	}
	if c.Session.MaxSessions <= 0 {
		errs = append(errs, errors.New("SESSION_MAX_SESSIONS must be positive"))
	}
	if c.Session.MaxMembers <= 0 || c.Session.MaxMembers > models.MaxMembersPerSession {
		errs = append(errs, fmt.Errorf("SESSION_MAX_MEMBERS must be in 1..%d, got %d", models.MaxMembersPerSession, c.Session.MaxMembers))
	}
	if c.Session.IdleTimeout <= 0 || c.Session.SweepInterval <= 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TIMEOUT and SESSION_SWEEP_INTERVAL must be positive"))
	}
	if c.RateLimit.Events <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_EVENTS and RATE_LIMIT_WINDOW must be positive"))
	}
	if c.RateLimit.AddressMultiplier < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_ADDRESS_MULTIPLIER must be at least 1"))
	}
	if c.Abuse.Threshold <= 0 || c.Abuse.Window <= 0 || c.Abuse.BlockTTL <= 0 {
		errs = append(errs, errors.New("ABUSE_WINDOW, ABUSE_THRESHOLD and ABUSE_BLOCK_TTL must be positive"))
	}
	if c.Admission.RPS < 0 || c.Admission.Burst < 0 {
		errs = append(errs, errors.New("ADMISSION_RPS and ADMISSION_BURST must not be negative"))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address, e.g. "0.0.0.0:3000".
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
