// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"log/slog"
	"sync"
	"time"
)

// Tolerance is the maximum distance between a login timestamp and a
// connection timestamp for them to be considered the same event.
const Tolerance = 30 * time.Second

// TTL is the maximum age of a login record before Cleanup evicts it.
const TTL = 5 * time.Minute

// LoginRecord is one entry in the Map: a username observed logging in at a
// given timestamp.
type LoginRecord struct {
	Username  string
	Timestamp time.Time
}

// Map is the short-lived login-timestamp → username table. Multiple
// timestamps may coexist for the same username (a player can reconnect).
// All operations are O(n) over the current entry count, which is expected
// to stay small.
type Map struct {
	mu      sync.Mutex
	entries map[int64]LoginRecord
	logger  *slog.Logger
}

// New creates an empty identity map.
func New(logger *slog.Logger) *Map {
	if logger == nil {
		logger = slog.Default()
	}
	return &Map{
		entries: make(map[int64]LoginRecord),
		logger:  logger,
	}
}

// RegisterLogin inserts a login event, keyed by its timestamp.
func (m *Map) RegisterLogin(ts time.Time, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[ts.UnixMilli()] = LoginRecord{Username: username, Timestamp: ts}
}

// RegisterLogout deletes the first entry whose username matches and whose
// stored timestamp is within Tolerance of ts. It is a no-op if none found.
func (m *Map) RegisterLogout(ts time.Time, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, rec := range m.entries {
		if rec.Username != username {
			continue
		}
		if absDuration(rec.Timestamp.Sub(ts)) < Tolerance {
			delete(m.entries, key)
			return
		}
	}
}

// Find returns the username of the entry whose stored timestamp is closest
// to connTS, provided that distance is strictly less than Tolerance.
func (m *Map) Find(connTS time.Time) (username string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best time.Duration
	found := false
	for _, rec := range m.entries {
		d := absDuration(rec.Timestamp.Sub(connTS))
		if d >= Tolerance {
			continue
		}
		if !found || d < best {
			found = true
			best = d
			username = rec.Username
		}
	}
	return username, found
}

// Cleanup evicts every entry older than TTL relative to now.
func (m *Map) Cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, rec := range m.entries {
		if now.Sub(rec.Timestamp) > TTL {
			delete(m.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Debug("identity map cleanup evicted stale logins", slog.Int("count", evicted))
	}
}

// Snapshot returns a copy of the currently registered logins, keyed by
// timestamp in milliseconds since epoch, for the GET /api/players route.
func (m *Map) Snapshot() map[int64]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int64]string, len(m.entries))
	for key, rec := range m.entries {
		out[key] = rec.Username
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
