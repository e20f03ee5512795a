// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gamelist1990/BunProxy/pkg/breaker"
	bperrors "github.com/gamelist1990/BunProxy/pkg/errors"
	"github.com/gamelist1990/BunProxy/pkg/handler"
	"github.com/gamelist1990/BunProxy/pkg/metrics"
	"github.com/gamelist1990/BunProxy/pkg/ppv2"
	"github.com/gamelist1990/BunProxy/pkg/resolve"
	"github.com/google/uuid"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// firstChunkSize bounds the single Read used to capture a client's opening
// bytes for PPv2 inspection.
const firstChunkSize = 16 * 1024

// Config holds one TCP listener rule.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// TargetHost and TargetPort address the backend.
	TargetHost string
	TargetPort int

	// Target labels this rule for metrics and notifications, normally
	// "host:port" of the backend.
	Target string

	// EmitPPv2 controls whether a freshly encoded PPv2 header precedes
	// forwarded bytes (the listener rule's `haproxy` flag).
	EmitPPv2 bool

	// Webhook is this rule's notification destination, or empty.
	Webhook string

	Resolver resolve.Resolver
	Breaker  *breaker.CircuitBreaker
	Metrics  *metrics.Metrics

	// ShutdownTimeout bounds how long Listen waits for connections to drain.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server accepts TCP clients and forwards them to a single backend.
type Server struct {
	config  Config
	handler handler.Handler
	wg      sync.WaitGroup
}

// New creates a Server, filling in defaults for unset Config fields; a nil
// handler is replaced by a NoopHandler. Forwarding is a raw byte splice.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolve.New()
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Server{config: cfg, handler: h}
}

// Listen starts the TCP server and blocks until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.config.Logger.Info("tcp forwarder started", slog.String("address", s.config.Address), slog.String("target", s.config.Target))

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					wrapped := bperrors.New("accept", "tcp", "", s.config.Address, err)
					s.config.Logger.Error("failed to accept connection", slog.String("error", wrapped.Error()))
					continue
				}
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(connCtx, conn)
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener", slog.String("address", s.config.Address))

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully", slog.String("address", s.config.Address))
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure", slog.String("address", s.config.Address))
		connCancel()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(time.Second):
			return ErrShutdownTimeout
		}
	}
}

type dialOutcome struct {
	conn net.Conn
	err  error
}

type chunkOutcome struct {
	data []byte
	err  error
}

// handleConn implements the accept → dial → PPv2 → splice sequence for one
// client. Errors are logged internally; there is nothing above it to
// propagate to.
func (s *Server) handleConn(ctx context.Context, inbound net.Conn) {
	defer inbound.Close()

	sessionID := uuid.New().String()
	remoteIP, remotePort := splitHostPort(inbound.RemoteAddr())

	dialCh := make(chan dialOutcome, 1)
	go func() {
		conn, err := s.dialBackend()
		dialCh <- dialOutcome{conn, err}
	}()

	chunkCh := make(chan chunkOutcome, 1)
	go func() {
		buf := make([]byte, firstChunkSize)
		n, err := inbound.Read(buf)
		chunkCh <- chunkOutcome{buf[:n], err}
	}()

	var dial dialOutcome
	var chunk chunkOutcome
	var haveDial, haveChunk bool

	for !haveDial {
		select {
		case dial = <-dialCh:
			haveDial = true
		case chunk = <-chunkCh:
			haveChunk = true
		}
	}

	if dial.err != nil {
		wrapped := bperrors.New("dial_backend", "tcp", sessionID, inbound.RemoteAddr().String(), dial.err)
		s.config.Logger.Warn("failed to dial backend",
			slog.String("session", sessionID), slog.String("target", s.config.Target), slog.String("error", wrapped.Error()))
		if s.config.Metrics != nil {
			s.config.Metrics.TCPConnectionsTotal.WithLabelValues(s.config.Target, "dial_error").Inc()
		}
		inbound.Close() // unblocks the still-pending chunk read, if any
		return
	}
	outbound := dial.conn
	defer outbound.Close()

	// Cancelling ctx (Listen's shutdown timeout) closes both sockets, which
	// ends the splice.
	stop := context.AfterFunc(ctx, func() {
		inbound.Close()
		outbound.Close()
	})
	defer stop()

	if !haveChunk {
		chunk = <-chunkCh
	}

	if s.config.Metrics != nil {
		s.config.Metrics.TCPConnectionsTotal.WithLabelValues(s.config.Target, "accepted").Inc()
		s.config.Metrics.ActiveTCPConnections.WithLabelValues(s.config.Target).Inc()
		defer s.config.Metrics.ActiveTCPConnections.WithLabelValues(s.config.Target).Dec()
	}

	originalIP, originalPort := remoteIP, remotePort
	var payload []byte
	if len(chunk.data) > 0 {
		chain := ppv2.DecodeChain(chunk.data)
		payload = chain.Payload
		if ip, port, ok := chain.OriginalSource(); ok {
			originalIP, originalPort = ip, port
			if s.config.Metrics != nil {
				s.config.Metrics.PPv2HeadersDecoded.WithLabelValues(s.config.Target, "tcp").Add(float64(len(chain.Headers)))
			}
			s.config.Logger.Debug("adopted original client from inbound PPv2 chain",
				slog.String("session", sessionID), slog.String("original_ip", originalIP), slog.Int("original_port", originalPort))
		}
	}

	if s.config.EmitPPv2 {
		resolved := s.config.Resolver.Resolve(ctx, s.config.TargetHost)
		header := ppv2.Encode(originalIP, originalPort, resolved, s.config.TargetPort, false)
		if _, err := outbound.Write(header); err != nil {
			wrapped := bperrors.New("write_ppv2_header", "tcp", sessionID, inbound.RemoteAddr().String(), err)
			s.config.Logger.Debug("failed writing PPv2 header to backend", slog.String("session", sessionID), slog.String("error", wrapped.Error()))
			return
		}
		if s.config.Metrics != nil {
			s.config.Metrics.PPv2HeadersEmitted.WithLabelValues(s.config.Target, "tcp").Inc()
		}
	}
	if len(payload) > 0 {
		if _, err := outbound.Write(payload); err != nil {
			wrapped := bperrors.New("write_payload", "tcp", sessionID, inbound.RemoteAddr().String(), err)
			s.config.Logger.Debug("failed writing captured payload to backend", slog.String("session", sessionID), slog.String("error", wrapped.Error()))
			return
		}
	}

	hctx := &handler.Context{
		SessionID:  sessionID,
		RemoteIP:   originalIP,
		RemotePort: originalPort,
		Protocol:   "tcp",
		Target:     s.config.Target,
		Webhook:    s.config.Webhook,
	}
	if err := s.handler.OnConnect(ctx, hctx); err != nil {
		wrapped := bperrors.New("on_connect", "tcp", sessionID, inbound.RemoteAddr().String(), err)
		s.config.Logger.Error("connect handler error", slog.String("session", sessionID), slog.String("error", wrapped.Error()))
	}

	upBytes, downBytes := s.splice(inbound, outbound)

	s.config.Logger.Debug("tcp flow closed",
		slog.String("session", sessionID), slog.Int64("bytes_up", upBytes), slog.Int64("bytes_down", downBytes))
	if s.config.Metrics != nil {
		s.config.Metrics.BytesForwarded.WithLabelValues(s.config.Target, "tcp", "up").Add(float64(upBytes))
		s.config.Metrics.BytesForwarded.WithLabelValues(s.config.Target, "tcp", "down").Add(float64(downBytes))
	}
}

func (s *Server) dialBackend() (net.Conn, error) {
	target := net.JoinHostPort(s.config.TargetHost, fmt.Sprintf("%d", s.config.TargetPort))

	dial := func() (net.Conn, error) {
		return net.Dial("tcp", target)
	}

	var conn net.Conn
	call := func() error {
		c, err := dial()
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	run := call
	if s.config.Breaker != nil {
		run = func() error { return s.config.Breaker.Call(call) }
	}

	var err error
	if s.config.Metrics != nil {
		err = s.config.Metrics.ObserveDial(s.config.Target, run)
	} else {
		err = run()
	}
	return conn, err
}

// splice copies both directions until either side is done, half-closing the
// opposite leg as each direction finishes so a client-initiated shutdown
// (half-close) propagates to the backend and vice versa.
func (s *Server) splice(client, backend net.Conn) (upBytes, downBytes int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(backend, client)
		upBytes = n
		closeWrite(backend)
	}()

	go func() {
		defer wg.Done()
		n, _ := io.Copy(client, backend)
		downBytes = n
		closeWrite(client)
	}()

	wg.Wait()
	return upBytes, downBytes
}

func closeWrite(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
		return
	}
	conn.Close()
}

func splitHostPort(addr net.Addr) (string, int) {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String(), tcpAddr.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
