// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package identity holds the three short-lived/durable maps that let the
// control endpoint correlate a human player identity with a network flow
// observed by a forwarder: the login timestamp map, the pending-flow
// buffer, and the on-disk username→last-known-IP record.
package identity
