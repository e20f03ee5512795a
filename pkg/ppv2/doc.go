// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ppv2 implements the binary codec for PROXY Protocol v2 (PPv2)
// headers: encoding a header for an outbound connection to a backend, and
// decoding a (possibly chained) sequence of inbound headers so the true
// client address survives a proxy-of-proxies topology.
//
// Field layout follows the public PROXY Protocol v2 specification. Only the
// subset needed by the forwarder is implemented: INET/INET6 source and
// destination addresses over STREAM (TCP) or DGRAM (UDP) transports, plus
// pass-through decoding of UNSPEC/UNIX headers as metadata-only records.
package ppv2
