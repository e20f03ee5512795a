// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import "context"

// Context carries the metadata a forwarder has gathered about one flow at
// the point it calls into a Handler. It is populated at connect time; the
// UDP forwarder fills in Username before passing the same Context to the
// matching OnDisconnect call.
type Context struct {
	// SessionID identifies the TCP connection or UDP pseudo-session.
	SessionID string

	// RemoteIP and RemotePort are the client's observed address. For a flow
	// that arrived carrying a PROXY protocol header, these are the
	// original client's address, not the immediate peer's.
	RemoteIP   string
	RemotePort int

	// Protocol is either "tcp" or "udp".
	Protocol string

	// Target labels the listener rule that accepted this flow (the
	// orchestrator uses the backend's host:port), used to group
	// notifications and metrics.
	Target string

	// Webhook is the destination URL for this listener's notifications, or
	// empty if none is configured.
	Webhook string

	// Username is the correlated player identity. It is empty at OnConnect;
	// the UDP forwarder sets it from OnIdentity before OnDisconnect. Empty
	// at OnDisconnect means no login was correlated with the flow.
	Username string

	// OnIdentity, if set, is invoked at most once if a login later
	// correlates with this flow through the pending buffer. A UDP
	// forwarder uses it to remember a session's player name for its
	// eventual leave event; a TCP forwarder has no use for it and leaves
	// it nil.
	OnIdentity func(username string)
}

// Handler receives connect/disconnect notifications from a forwarder. Unlike
// an authorization hook, returning an error here never rejects the flow: it
// is logged and otherwise ignored, since by the time OnConnect fires the
// backend connection already exists.
type Handler interface {
	// OnConnect is called once per flow, after the backend dial succeeds and
	// any PROXY protocol preamble has been written.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnDisconnect is called by the UDP forwarder once per reported session,
	// when the session's idle timer expires. The TCP forwarder does not call
	// it.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler implements Handler with no side effects, for tests and as the
// default when a forwarder is constructed with a nil Handler.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
