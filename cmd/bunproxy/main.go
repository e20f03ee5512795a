// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main is the bunproxy orchestrator: it loads configuration,
// wires the identity and notification singletons, and runs a TCP and/or
// UDP forwarder for every configured listener rule alongside the metrics,
// health, and (optionally) control HTTP servers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gamelist1990/BunProxy/pkg/breaker"
	"github.com/gamelist1990/BunProxy/pkg/config"
	"github.com/gamelist1990/BunProxy/pkg/control"
	"github.com/gamelist1990/BunProxy/pkg/handler"
	"github.com/gamelist1990/BunProxy/pkg/health"
	"github.com/gamelist1990/BunProxy/pkg/identity"
	"github.com/gamelist1990/BunProxy/pkg/metrics"
	"github.com/gamelist1990/BunProxy/pkg/notify"
	"github.com/gamelist1990/BunProxy/pkg/server/tcp"
	"github.com/gamelist1990/BunProxy/pkg/server/udp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	configPath          = "config.yml"
	playerIPPath        = "playerIP.json"
	identityCleanupTick = 60 * time.Second
	playerIPRetainDays  = 30
)

func main() {
	ambient, err := config.LoadAmbient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load ambient config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(ambient.LogLevel, ambient.LogFormat)

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New("bunproxy")

	go startMetricsServer(ambient.MetricsPort, logger)

	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("config", func(ctx context.Context) error {
		if len(cfg.Listeners) == 0 {
			return fmt.Errorf("no listeners configured")
		}
		return nil
	})
	go startHealthServer(ambient.HealthPort, healthChecker, logger)

	identityMap := identity.New(logger)
	pending := identity.NewPendingBuffer(m, logger)
	store := identity.NewStore(playerIPPath, cfg.SavePlayerIP, logger)
	dispatcher := notify.NewDispatcher(m, logger)
	aggregator := notify.NewAggregator(dispatcher, m, logger)

	webhooks := collectWebhooks(cfg.Listeners)

	fwdHandler := &handler.ForwarderHandler{
		Aggregator:  aggregator,
		Dispatcher:  dispatcher,
		Pending:     pending,
		Correlation: cfg.UseRestApi,
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	if cfg.UseRestApi {
		controlServer := control.New(control.Config{
			Address:     fmt.Sprintf(":%d", cfg.Endpoint),
			IdentityMap: identityMap,
			Pending:     pending,
			Store:       store,
			Dispatcher:  dispatcher,
			Webhooks:    webhooks,
			Metrics:     m,
			Logger:      logger,
		})
		g.Go(func() error {
			return controlServer.Listen(ctx)
		})
	}

	for i, listener := range cfg.Listeners {
		listener := listener

		logger.Info("listener rule configured",
			slog.Int("index", i), slog.String("bind", listener.Bind),
			slog.Bool("tcp_active", listener.TCPActive()), slog.Bool("udp_active", listener.UDPActive()))

		if listener.TCPActive() {
			target := fmt.Sprintf("%s:%d", listener.Target.Host, listener.Target.TCP)
			cb := breaker.New(breaker.Config{})
			cb.OnStateChange(func(from, to breaker.State) {
				logger.Warn("circuit breaker state changed",
					slog.String("target", target), slog.String("from", from.String()), slog.String("to", to.String()))
				m.CircuitBreakerState.WithLabelValues(target).Set(float64(to))
				if to == breaker.StateOpen {
					m.CircuitBreakerTrips.WithLabelValues(target).Inc()
				}
			})
			healthChecker.Register("breaker_"+target, func(ctx context.Context) error {
				if cb.State() == breaker.StateOpen {
					return fmt.Errorf("backend dial breaker open for %s", target)
				}
				return nil
			})

			srv := tcp.New(tcp.Config{
				Address:    fmt.Sprintf("%s:%d", listener.Bind, listener.TCP),
				TargetHost: listener.Target.Host,
				TargetPort: listener.Target.TCP,
				Target:     target,
				EmitPPv2:   listener.Haproxy,
				Webhook:    listener.Webhook,
				Breaker:    cb,
				Metrics:    m,
				Logger:     logger,
			}, fwdHandler)

			g.Go(func() error {
				return srv.Listen(ctx)
			})
		}

		if listener.UDPActive() {
			target := fmt.Sprintf("%s:%d", listener.Target.Host, listener.Target.UDP)

			srv := udp.New(udp.Config{
				Address:    fmt.Sprintf("%s:%d", listener.Bind, listener.UDP),
				TargetHost: listener.Target.Host,
				TargetPort: listener.Target.UDP,
				Target:     target,
				EmitPPv2:   listener.Haproxy,
				Webhook:    listener.Webhook,
				Metrics:    m,
				Logger:     logger,
			}, fwdHandler)

			g.Go(func() error {
				return srv.Listen(ctx)
			})
		}

		if !listener.TCPActive() && !listener.UDPActive() {
			logger.Warn("listener rule has no active protocol, skipping", slog.Int("index", i), slog.String("bind", listener.Bind))
		}
	}

	g.Go(func() error {
		ticker := time.NewTicker(identityCleanupTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				identityMap.Cleanup(now)
				store.Cleanup(playerIPRetainDays)
			}
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}
}

// collectWebhooks dedupes every non-blank listener webhook URL, for the
// control endpoint's fan-out of login/logout notifications.
func collectWebhooks(listeners []config.Listener) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range listeners {
		url := strings.TrimSpace(l.Webhook)
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	return out
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}

func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server error", slog.String("error", err.Error()))
	}
}
