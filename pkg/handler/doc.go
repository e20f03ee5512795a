// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links the TCP and UDP
// forwarders to notification logic.
//
// # Data Flow
//
//	Client → Forwarder (dials backend, writes PROXY header) → Handler.OnConnect
//	UDP session idle timer expires → Forwarder → Handler.OnDisconnect
//	(the TCP forwarder does not call OnDisconnect)
//
// # Context
//
// The Context struct carries flow metadata across both calls: SessionID,
// the client's RemoteIP/RemotePort, Protocol, the listener's Target label and
// Webhook, and any correlated Username.
//
// # Implementation
//
// The orchestrator builds one ForwarderHandler from the notification
// aggregator, the webhook dispatcher and the identity pending buffer, and
// shares it across every listener rule's forwarders; it does nothing for a
// flow with no webhook. NoopHandler is the default for a forwarder
// constructed with a nil Handler.
package handler
