// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	bperrors "github.com/gamelist1990/BunProxy/pkg/errors"
	"github.com/gamelist1990/BunProxy/pkg/handler"
	"github.com/gamelist1990/BunProxy/pkg/metrics"
	"github.com/gamelist1990/BunProxy/pkg/ppv2"
	"github.com/gamelist1990/BunProxy/pkg/resolve"
	"github.com/google/uuid"
)

// resolveRefresh is how often the background resolver re-resolves
// TargetHost after the initial startup lookup.
const resolveRefresh = 30 * time.Second

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// IdleTimeout is the default duration of inactivity after which a pseudo-session is closed.
const IdleTimeout = 60 * time.Second

// maxDatagramSize bounds a single read from the listening socket.
const maxDatagramSize = 65535

// Config holds one UDP listener rule.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// TargetHost and TargetPort address the backend.
	TargetHost string
	TargetPort int

	// Target labels this rule for metrics and notifications.
	Target string

	// EmitPPv2 controls whether a freshly encoded PPv2 header precedes a
	// session's first forwarded datagram (the listener rule's `haproxy`
	// flag).
	EmitPPv2 bool

	// Webhook is this rule's notification destination, or empty.
	Webhook string

	Resolver resolve.Resolver
	Metrics  *metrics.Metrics

	// IdleTimeout overrides how long a session may sit silent before it is
	// closed. Defaults to IdleTimeout.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds how long Listen waits for backend-relay
	// goroutines to exit.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server accepts UDP datagrams and forwards them to a single backend,
// tracking one pseudo-session per client address.
type Server struct {
	config  Config
	handler handler.Handler

	// resolvedHost holds the most recently resolved numeric address for
	// TargetHost, kept fresh by a background goroutine so the dispatch
	// loop in handleDatagram/getOrCreateSession never performs a DNS
	// lookup itself.
	resolvedHost atomic.Value // string

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// New creates a Server.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = IdleTimeout
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

	return &Server{config: cfg, handler: h, sessions: make(map[string]*session)}
}

// Listen starts the UDP server and blocks until ctx is cancelled. A single
// goroutine reads and dispatches datagrams, so no two datagrams from the
// same client can ever race on that session's state.
func (s *Server) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	defer conn.Close()

	s.config.Logger.Info("udp forwarder started", slog.String("address", s.config.Address), slog.String("target", s.config.Target))

	// Seed the cache with the raw host so the dispatch loop can start
	// immediately, then resolve (and keep re-resolving) off that loop.
	// handleDatagram and getOrCreateSession only ever read the cached
	// value, so a slow or hanging resolver never stalls a client's
	// datagrams; per the UDP suspension-point contract, the raw
	// configured host string is used until a resolution completes.
	s.resolvedHost.Store(s.config.TargetHost)
	go s.watchResolution(ctx)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, maxDatagramSize)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			n, clientAddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					wrapped := bperrors.New("read_datagram", "udp", "", s.config.Address, err)
					s.config.Logger.Error("failed to read udp datagram", slog.String("error", wrapped.Error()))
					continue
				}
			}

			data := make([]byte, n)
			copy(data, buf[:n])
			s.handleDatagram(ctx, conn, clientAddr, data)
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener", slog.String("address", s.config.Address))

	if err := conn.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-readDone

	return s.drain(s.config.ShutdownTimeout)
}

// watchResolution periodically re-resolves TargetHost on its own goroutine,
// off the datagram dispatch loop, per the UDP suspension-point contract: DNS
// resolution must never block the loop servicing every session on this
// listener.
func (s *Server) watchResolution(ctx context.Context) {
	s.resolvedHost.Store(s.config.Resolver.Resolve(ctx, s.config.TargetHost))

	ticker := time.NewTicker(resolveRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.resolvedHost.Store(s.config.Resolver.Resolve(ctx, s.config.TargetHost))
		}
	}
}

// currentResolvedHost returns the most recently cached resolution of
// TargetHost, or TargetHost itself if nothing has resolved yet.
func (s *Server) currentResolvedHost() string {
	if v, ok := s.resolvedHost.Load().(string); ok {
		return v
	}
	return s.config.TargetHost
}

// handleDatagram implements one iteration of the datagram flow described in
// the package doc: session lookup, idle reset, PPv2 decode/adopt, conditional
// PPv2 re-encode, forward, and first-send reporting.
func (s *Server) handleDatagram(ctx context.Context, listenConn *net.UDPConn, clientAddr *net.UDPAddr, data []byte) {
	sess, isNew, err := s.getOrCreateSession(clientAddr)
	if err != nil {
		wrapped := bperrors.New("dial_backend", "udp", "", clientAddr.String(), err)
		s.config.Logger.Warn("failed to dial backend for udp session",
			slog.String("client", clientAddr.String()), slog.String("target", s.config.Target), slog.String("error", wrapped.Error()))
		if s.config.Metrics != nil {
			s.config.Metrics.UDPSessionsTotal.WithLabelValues(s.config.Target, "dial_error").Inc()
		}
		return
	}
	if isNew {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.readEgress(sess, listenConn)
		}()
	}

	s.armIdle(sess)

	originalIP, originalPort := clientAddr.IP.String(), clientAddr.Port
	payload := data
	chain := ppv2.DecodeChain(data)
	if len(chain.Headers) > 0 {
		payload = chain.Payload
		if ip, port, ok := chain.OriginalSource(); ok {
			originalIP, originalPort = ip, port
		}
		if s.config.Metrics != nil {
			s.config.Metrics.PPv2HeadersDecoded.WithLabelValues(s.config.Target, "udp").Add(float64(len(chain.Headers)))
		}
	}

	sess.mu.Lock()
	needPPv2 := s.config.EmitPPv2 && !sess.ppv2Sent
	firstSend := !sess.reported
	sess.mu.Unlock()

	out := payload
	if needPPv2 {
		resolved := s.currentResolvedHost()
		header := ppv2.Encode(originalIP, originalPort, resolved, s.config.TargetPort, true)
		out = append(header, payload...)
	}

	if len(out) > 0 {
		if _, err := sess.egress.Write(out); err != nil {
			wrapped := bperrors.New("write_datagram", "udp", sess.id, clientAddr.String(), err)
			s.config.Logger.Debug("failed writing datagram to backend", slog.String("session", sess.id), slog.String("error", wrapped.Error()))
			return
		}
	}
	if needPPv2 {
		sess.mu.Lock()
		sess.ppv2Sent = true
		sess.mu.Unlock()
		if s.config.Metrics != nil {
			s.config.Metrics.PPv2HeadersEmitted.WithLabelValues(s.config.Target, "udp").Inc()
		}
	}
	if len(payload) > 0 && s.config.Metrics != nil {
		s.config.Metrics.BytesForwarded.WithLabelValues(s.config.Target, "udp", "up").Add(float64(len(payload)))
	}

	// Only latch reported, and fire OnConnect, once the forward above has
	// actually succeeded — a session whose first datagram fails to write
	// gets another shot at being reported on its next datagram instead of
	// losing OnConnect/OnDisconnect for its entire lifetime.
	if firstSend {
		sess.mu.Lock()
		sess.reported = true
		sess.mu.Unlock()

		sess.hctx = &handler.Context{
			SessionID:  sess.id,
			RemoteIP:   originalIP,
			RemotePort: originalPort,
			Protocol:   "udp",
			Target:     s.config.Target,
			Webhook:    s.config.Webhook,
			OnIdentity: sess.setUsername,
		}
		if err := s.handler.OnConnect(ctx, sess.hctx); err != nil {
			wrapped := bperrors.New("on_connect", "udp", sess.id, clientAddr.String(), err)
			s.config.Logger.Error("connect handler error", slog.String("session", sess.id), slog.String("error", wrapped.Error()))
		}
		if s.config.Metrics != nil {
			s.config.Metrics.UDPSessionsTotal.WithLabelValues(s.config.Target, "accepted").Inc()
			s.config.Metrics.ActiveUDPSessions.WithLabelValues(s.config.Target).Inc()
		}
	}
}

func (s *Server) getOrCreateSession(clientAddr *net.UDPAddr) (*session, bool, error) {
	key := clientAddr.String()

	s.mu.Lock()
	if sess, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		return sess, false, nil
	}
	s.mu.Unlock()

	// currentResolvedHost is a numeric address once a background
	// resolution has succeeded. Before that, or after a failed resolution,
	// it is the raw configured host; if that host is a name,
	// net.ResolveUDPAddr below performs a DNS lookup on the dispatch
	// goroutine.
	target := net.JoinHostPort(s.currentResolvedHost(), strconv.Itoa(s.config.TargetPort))
	backendAddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, false, err
	}
	egress, err := net.DialUDP("udp", nil, backendAddr)
	if err != nil {
		return nil, false, err
	}

	sess := &session{id: uuid.New().String(), clientAddr: clientAddr, egress: egress}

	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()

	s.config.Logger.Debug("new udp session", slog.String("session", sess.id), slog.String("client", key))
	return sess, true, nil
}

// armIdle resets a session's idle timer, always building a new timer rather
// than resetting the existing one to avoid the drain/fire race inherent to
// (*time.Timer).Reset.
func (s *Server) armIdle(sess *session) {
	sess.mu.Lock()
	if sess.idleTimer != nil {
		sess.idleTimer.Stop()
	}
	key := sess.clientAddr.String()
	sess.idleTimer = time.AfterFunc(s.config.IdleTimeout, func() { s.expireSession(key) })
	sess.mu.Unlock()
}

func (s *Server) expireSession(key string) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, key)
	s.mu.Unlock()

	s.config.Logger.Debug("udp session idle timeout", slog.String("session", sess.id), slog.String("client", key))
	s.closeSession(sess, true)
}

// closeSession tears down a session's egress socket and, if notify is set,
// reports its disconnect with whatever identity it accumulated.
func (s *Server) closeSession(sess *session, notify bool) {
	sess.egress.Close()

	if s.config.Metrics != nil {
		s.config.Metrics.ActiveUDPSessions.WithLabelValues(s.config.Target).Dec()
	}

	if notify && sess.hctx != nil {
		sess.hctx.Username = sess.getUsername()
		if err := s.handler.OnDisconnect(context.Background(), sess.hctx); err != nil {
			wrapped := bperrors.New("on_disconnect", "udp", sess.id, sess.clientAddr.String(), err)
			s.config.Logger.Error("disconnect handler error", slog.String("session", sess.id), slog.String("error", wrapped.Error()))
		}
	}
}

// readEgress relays backend responses to the client for one session's
// lifetime, exiting once the egress socket is closed.
func (s *Server) readEgress(sess *session, listenConn *net.UDPConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := sess.egress.Read(buf)
		if err != nil {
			return
		}
		if _, err := listenConn.WriteToUDP(buf[:n], sess.clientAddr); err != nil {
			s.config.Logger.Debug("failed writing downstream datagram to client", slog.String("session", sess.id), slog.String("error", err.Error()))
			return
		}
		if s.config.Metrics != nil {
			s.config.Metrics.BytesForwarded.WithLabelValues(s.config.Target, "udp", "down").Add(float64(n))
		}
		s.armIdle(sess)
	}
}

// drain closes every remaining session without waiting on its disconnect
// notification, then waits for their relay goroutines to exit.
func (s *Server) drain(timeout time.Duration) error {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for key, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, key)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		if sess.idleTimer != nil {
			sess.idleTimer.Stop()
		}
		sess.mu.Unlock()
		s.closeSession(sess, false)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all udp sessions closed", slog.String("address", s.config.Address))
		return nil
	case <-time.After(timeout):
		s.config.Logger.Warn("shutdown timeout exceeded waiting for udp relays", slog.String("address", s.config.Address))
		return ErrShutdownTimeout
	}
}
