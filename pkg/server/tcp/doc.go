// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP forwarding engine.
//
// # Overview
//
// A Server accepts client connections on a listen address, dials a fixed
// backend, and relays bytes in both directions. It optionally prepends a
// PROXY protocol v2 header carrying the client's true address before the
// first byte reaches the backend, and it decodes any PPv2 chain the client
// itself presents so a proxy-of-proxies topology preserves the original
// source across hops.
//
// # Connection flow
//
//  1. Accept the client, record the accept time.
//  2. Dial the backend concurrently with capturing the client's first chunk.
//  3. Once the backend is connected, decode any inbound PPv2 chain from the
//     captured chunk and adopt the innermost header's source as the flow's
//     original address.
//  4. If the listener rule emits PPv2, resolve the target host and write a
//     freshly encoded header before the captured payload; otherwise write
//     the payload directly.
//  5. Report the flow to the Handler exactly once.
//  6. Splice both directions until either side closes.
//
// A backend dial failure aborts the flow before any bytes are written,
// regardless of whether the client has sent its first chunk yet.
package tcp
