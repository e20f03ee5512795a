// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package control implements the HTTP control endpoint that lets an
// external process (typically the game server itself) declare logins and
// logouts, correlating them with pending network flows observed by the
// forwarders.
//
// # Routes
//
//   - POST /api/login  {timestamp, username} registers a login into the
//     identity map, then resolves any pending flows within tolerance of
//     that timestamp. Each matched flow's OnMatch callback fires with the
//     username, its (ip, protocol) is recorded into identity persistence,
//     and matched flows are grouped by (ip, protocol) — collapsing ports —
//     for a single join webhook per group per configured webhook URL. A
//     login with no matched flow dispatches a generic, address-less join
//     webhook instead.
//   - POST /api/logout {timestamp, username} unregisters the login,
//     looks up the username's last-known (ip, protocol) in persistence,
//     and dispatches one leave webhook for it, or an address-less variant
//     if none is known.
//   - GET /api/players returns the identity map's current snapshot.
//
// Every response carries permissive CORS headers and OPTIONS preflights
// return 200 with no body. Malformed JSON or wrong field types return 400
// with a diagnostic body. Unknown routes return 404.
package control
