// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package notify batches connect/disconnect events observed by the
// forwarders into debounced webhook notifications.
//
// Events accumulate in one of two bucket families — connects and
// disconnects — keyed by (webhook, protocol, target). Each bucket groups
// ports by client IP and flushes as a single notification 3 seconds after
// its first event, so a burst of activity on the same target produces one
// message instead of one per flow.
package notify
