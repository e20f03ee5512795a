// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gamelist1990/BunProxy/pkg/identity"
	"github.com/gamelist1990/BunProxy/pkg/metrics"
	"github.com/gamelist1990/BunProxy/pkg/notify"
	"github.com/gamelist1990/BunProxy/pkg/ratelimit"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the
// configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// loginRateCapacity and loginRateRefill bound how many /api/login or
// /api/logout requests a single client IP may make before being throttled.
const (
	loginRateCapacity = 20
	loginRateRefill   = 5
)

// Config wires the control endpoint to the rest of the forwarder.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	IdentityMap *identity.Map
	Pending     *identity.PendingBuffer
	Store       *identity.Store
	Dispatcher  *notify.Dispatcher

	// Webhooks is the deduped set of every listener rule's webhook URL,
	// used to fan out every login/logout notification the endpoint sends:
	// matched joins as well as generic ones that carry no correlated flow.
	Webhooks []string

	RateLimiter *ratelimit.Limiter
	Metrics     *metrics.Metrics

	// ShutdownTimeout bounds how long Listen waits for in-flight requests
	// to finish.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server is the HTTP control endpoint described in the package doc.
type Server struct {
	config     Config
	httpServer *http.Server
}

// New creates a Server. It panics if any of IdentityMap, Pending, Store, or
// Dispatcher is nil, since every route depends on all four.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = ratelimit.NewLimiter(loginRateCapacity, loginRateRefill, 10000)
	}
	if cfg.IdentityMap == nil || cfg.Pending == nil || cfg.Store == nil || cfg.Dispatcher == nil {
		panic("control: IdentityMap, Pending, Store, and Dispatcher are required")
	}

	s := &Server{config: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", s.withCommon("login", s.handleLogin))
	mux.HandleFunc("/api/logout", s.withCommon("logout", s.handleLogout))
	mux.HandleFunc("/api/players", s.withCommon("players", s.handlePlayers))
	mux.HandleFunc("/", s.withCommon("notfound", handleNotFound))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Listen starts the control endpoint and blocks until ctx is cancelled, then
// gracefully shuts down within ShutdownTimeout.
func (s *Server) Listen(ctx context.Context) error {
	s.config.Logger.Info("control endpoint started", slog.String("address", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.config.Logger.Info("shutdown signal received, closing control endpoint", slog.String("address", s.config.Address))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrShutdownTimeout
		}
		return fmt.Errorf("control endpoint shutdown: %w", err)
	}
	return nil
}

// withCommon wraps a route handler with CORS headers, OPTIONS preflight
// handling, and request-count metrics.
func (s *Server) withCommon(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		if s.config.Metrics != nil {
			s.config.Metrics.ControlRequestsTotal.WithLabelValues(route, fmt.Sprintf("%d", rec.status)).Inc()
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// checkRateLimit rejects the request with 429 if clientIP has exhausted its
// token bucket for route, recording the rejection in metrics.
func (s *Server) checkRateLimit(w http.ResponseWriter, r *http.Request, route string) bool {
	ip := clientIP(r)
	if s.config.RateLimiter.Allow(ip) {
		return true
	}

	if s.config.Metrics != nil {
		s.config.Metrics.RateLimitedRequests.WithLabelValues(route).Inc()
	}
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
