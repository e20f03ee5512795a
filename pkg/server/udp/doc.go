// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the UDP forwarding engine.
//
// # Overview
//
// UDP has no connection to accept, so the Server maintains a pseudo-session
// per (client_ip, client_port) tuple: an exclusive egress socket dialed to
// the backend, an idle timer that closes the session after 60s of silence,
// and a set of latches (ppv2_sent, reported) that each fire at most once for
// the session's lifetime.
//
// # Datagram flow
//
//  1. Look up or create the session for the sender.
//  2. Reset its idle timer.
//  3. Decode any inbound PPv2 chain and adopt the innermost header's source.
//  4. If the rule emits PPv2 and this session hasn't sent one yet, prepend a
//     freshly encoded DGRAM header.
//  5. Forward to the backend over the session's egress socket.
//  6. On the session's first successful send, report it to the Handler.
//
// A single goroutine per listener reads datagrams and dispatches them
// synchronously, so no two datagrams from the same client can ever race on
// that session's latches. Each session gets its own goroutine relaying
// backend responses back to the client, which also resets the idle timer on
// activity.
//
// When the idle timer fires, the session is removed and its egress socket is
// closed; if the session was reported (its first forward succeeded), it is
// then reported as disconnected, with identity if one was ever correlated. A
// session that never forwarded successfully produces no disconnect. Shutdown
// closes every remaining session without a disconnect notification.
package udp
