// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gamelist1990/BunProxy/pkg/handler"
)

// session is the pseudo-connection state kept for one (client_ip,
// client_port) tuple. UDP has no handshake or close, so everything past
// creation is latches that fire at most once and an idle timer standing in
// for a close.
type session struct {
	mu sync.Mutex

	id         string
	clientAddr *net.UDPAddr
	egress     io.ReadWriteCloser

	// ppv2Sent guards the one-time PPv2 header a rule with EmitPPv2
	// prepends to the session's first forwarded datagram.
	ppv2Sent bool

	// reported guards the one-time OnConnect call fired after the
	// session's first successful forward.
	reported bool

	// username is filled in by OnIdentity if a login later correlates with
	// this session, and labels its eventual leave event.
	username string

	// hctx is the context passed to OnConnect, reused for OnDisconnect so
	// the two calls describe the same flow.
	hctx *handler.Context

	idleTimer *time.Timer
}

func (s *session) setUsername(username string) {
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
}

func (s *session) getUsername() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}
