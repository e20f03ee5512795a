// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"

	"github.com/gamelist1990/BunProxy/pkg/identity"
	"github.com/gamelist1990/BunProxy/pkg/notify"
)

// ForwarderHandler is the Handler wired into every TCP and UDP forwarder. It
// implements the single-webhook-event-per-flow rule: in correlation mode a
// new flow waits in the pending buffer for an out-of-band identity; outside
// correlation mode it is reported to the aggregator immediately.
type ForwarderHandler struct {
	Aggregator  *notify.Aggregator
	Dispatcher  *notify.Dispatcher
	Pending     *identity.PendingBuffer
	Correlation bool
}

var _ Handler = (*ForwarderHandler)(nil)

// OnConnect is called once per accepted flow. It never sees an identity —
// correlation happens later, out-of-band, through the control endpoint.
func (h *ForwarderHandler) OnConnect(ctx context.Context, hctx *Context) error {
	if hctx.Webhook == "" {
		return nil
	}

	if h.Correlation {
		webhook, protocol, target, ip, port := hctx.Webhook, hctx.Protocol, hctx.Target, hctx.RemoteIP, hctx.RemotePort
		h.Pending.Add(ip, port, protocol, target, webhook, func() {
			h.Aggregator.AddConnect(webhook, protocol, target, ip, port)
		}, hctx.OnIdentity)
		return nil
	}

	h.Aggregator.AddConnect(hctx.Webhook, hctx.Protocol, hctx.Target, hctx.RemoteIP, hctx.RemotePort)
	return nil
}

// OnDisconnect is called by the UDP forwarder when a pseudo-session's idle
// timer expires. TCP forwarders do not call it: spec.md has no leave-event
// notion for a closing TCP connection. If hctx.Username is set (the session
// was resolved to a player), a leave is dispatched immediately with
// identity. Otherwise it falls back to the aggregator, unless the forwarder
// is running in correlation mode, in which case an unresolved session
// produces no disconnect notification at all.
func (h *ForwarderHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	if hctx.Webhook == "" {
		return nil
	}

	if hctx.Username != "" {
		h.Dispatcher.SendIdentity("leave", hctx.Webhook, hctx.Username, hctx.Protocol, hctx.Target, hctx.RemoteIP, []int{hctx.RemotePort})
		return nil
	}

	if h.Correlation {
		return nil
	}

	h.Aggregator.AddDisconnect(hctx.Webhook, hctx.Protocol, hctx.Target, hctx.RemoteIP, hctx.RemotePort)
	return nil
}
