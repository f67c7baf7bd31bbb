// Package main is the p2pchat relay entry point.
//
// Wire-up order:
//  1. Config (.env, environment, command-line overrides)
//  2. Logger
//  3. i18n
//  4. Metrics
//  5. Hub, limiters, services
//  6. HTTP routes, CORS
//  7. Serve until SIGINT/SIGTERM, then shut down gracefully
//
// No globals: everything is built here and passed down.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/pflag"

	"github.com/hirachand04/p2pchat/config"
	"github.com/hirachand04/p2pchat/handlers"
	"github.com/hirachand04/p2pchat/pkg/i18n"
	"github.com/hirachand04/p2pchat/pkg/metrics"
	"github.com/hirachand04/p2pchat/pkg/privacylog"
	"github.com/hirachand04/p2pchat/static"
	"github.com/hirachand04/p2pchat/ws"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── 1. Config ───
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyFlags(cfg, os.Args[1:]); err != nil {
		return err
	}

	// ─── 2. Logger ───
	slog.SetDefault(privacylog.New(os.Stdout, privacylog.ParseLevel(cfg.Log.Level)))
	slog.Info("p2pchat relay starting", "component", "main", "addr", cfg.Server.Addr())

	// ─── 3. i18n ───
	locales, err := fs.Sub(i18n.EmbeddedLocales, "locales")
	if err != nil {
		return fmt.Errorf("locales: %w", err)
	}
	if err := i18n.Load(locales); err != nil {
		return fmt.Errorf("load translations: %w", err)
	}

	// ─── 4. Metrics ───
	m := metrics.New()

	// ─── 5. Hub, limiters, services ───
	//
	// The hub is created first because the relay publishes through it; the
	// relay is then set as the hub's dispatcher.
	hub := ws.NewHub(cfg.Session.SweepInterval, m)
	limiters := initLimiters(cfg)
	svcs := initServices(cfg, limiters, hub, m)
	hub.SetDispatcher(svcs.Relay)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	// ─── 6. HTTP ───
	wsHandler := ws.NewHandler(hub, ws.HandlerConfig{
		TrustProxy:      cfg.Server.TrustProxy,
		MaxPayloadBytes: cfg.Server.MaxPayloadBytes,
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
	}, limiters.Admission, limiters.Guard, m)
	health := handlers.NewHealthHandler(svcs.Relay, hub)

	client, err := static.Files()
	if err != nil {
		slog.Warn("embedded client unavailable", "component", "main", "error", err)
	}

	mux := http.NewServeMux()
	initRoutes(mux, wsHandler, health, m, client)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept-Language"},
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           corsHandler.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ─── 7. Serve / shutdown ───
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "component", "main", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received", "component", "main")
	case err := <-serveErr:
		stopHub()
		<-hubDone
		return fmt.Errorf("http server: %w", err)
	}

	// Close websockets first: http.Server.Shutdown does not track hijacked
	// connections.
	stopHub()
	<-hubDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	slog.Info("relay stopped", "component", "main")
	return nil
}

// applyFlags overrides config values given explicitly on the command line
// and re-validates the result.
func applyFlags(cfg *config.Config, args []string) error {
	flagSet := pflag.NewFlagSet("p2pchat", pflag.ContinueOnError)
	port := flagSet.IntP("port", "p", cfg.Server.Port, "HTTP listen port (SERVER_PORT)")
	host := flagSet.String("host", cfg.Server.Host, "HTTP listen host (SERVER_HOST)")
	logLevel := flagSet.String("log-level", cfg.Log.Level, "debug, info, warn or error (LOG_LEVEL)")
	trustProxy := flagSet.Bool("trust-proxy", cfg.Server.TrustProxy, "honour X-Forwarded-For and X-Real-IP (TRUST_PROXY)")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if flagSet.Changed("port") {
		cfg.Server.Port = *port
	}
	if flagSet.Changed("host") {
		cfg.Server.Host = *host
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if flagSet.Changed("trust-proxy") {
		cfg.Server.TrustProxy = *trustProxy
	}
	return cfg.Validate()
}
