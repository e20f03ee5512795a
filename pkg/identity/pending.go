// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gamelist1990/BunProxy/pkg/metrics"
)

// PendingTimeout is how long a pending flow waits for a login to correlate
// with it before its Resolve callback fires with no identity.
const PendingTimeout = 30 * time.Second

// PendingEntry is one flow observed by a forwarder that is waiting for an
// out-of-band identity declaration.
type PendingEntry struct {
	IP       string
	Port     int
	Protocol string
	Arrival  time.Time
	Target   string
	Webhook  string

	// Resolve is invoked exactly once by the individual timeout, with no
	// identity available. It is never called for a matched entry.
	Resolve func()

	// OnMatch is invoked by the caller of ProcessForPlayer once a matching
	// login correlates this entry, so the originating flow can remember its
	// identity for later (a UDP session's eventual leave event, chiefly).
	// May be nil.
	OnMatch func(username string)

	timer *time.Timer
}

// PendingBuffer is the short-lived ip:port:protocol → pending-flow table.
type PendingBuffer struct {
	mu      sync.Mutex
	entries map[string]*PendingEntry
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPendingBuffer creates an empty pending buffer. m may be nil, in which
// case timeout counts are simply not recorded.
func NewPendingBuffer(m *metrics.Metrics, logger *slog.Logger) *PendingBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingBuffer{
		entries: make(map[string]*PendingEntry),
		metrics: m,
		logger:  logger,
	}
}

func pendingKey(ip string, port int, protocol string) string {
	return fmt.Sprintf("%s:%d:%s", ip, port, protocol)
}

// Add inserts a pending flow and arms its 30s individual timeout. resolve is
// called with no arguments if the timeout fires before a login correlates.
// onMatch, if non-nil, is called with the correlated username if a login
// matches this entry before the timeout.
func (b *PendingBuffer) Add(ip string, port int, protocol, target, webhook string, resolve func(), onMatch func(username string)) {
	key := pendingKey(ip, port, protocol)

	entry := &PendingEntry{
		IP:       ip,
		Port:     port,
		Protocol: protocol,
		Arrival:  time.Now(),
		Target:   target,
		Webhook:  webhook,
		Resolve:  resolve,
		OnMatch:  onMatch,
	}

	b.mu.Lock()
	entry.timer = time.AfterFunc(PendingTimeout, func() { b.expire(key) })
	b.entries[key] = entry
	b.mu.Unlock()
}

func (b *PendingBuffer) expire(key string) {
	b.mu.Lock()
	entry, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.entries, key)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.IdentityPendingTimeoutsTotal.Inc()
	}

	b.logger.Debug("pending flow timed out with no identity",
		slog.String("ip", entry.IP), slog.Int("port", entry.Port), slog.String("protocol", entry.Protocol))
	entry.Resolve()
}

// ProcessForPlayer atomically removes every pending entry whose arrival
// timestamp is within Tolerance of ts (correlation is temporal, not keyed by
// identity) and returns them as matched, along with the entries that remain
// as unmatched at that moment.
func (b *PendingBuffer) ProcessForPlayer(ts time.Time) (matched, unmatched []PendingEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, entry := range b.entries {
		if absDuration(entry.Arrival.Sub(ts)) < Tolerance {
			entry.timer.Stop()
			matched = append(matched, *entry)
			delete(b.entries, key)
		}
	}
	for _, entry := range b.entries {
		unmatched = append(unmatched, *entry)
	}
	return matched, unmatched
}

// Len reports the number of pending entries, chiefly for tests and metrics.
func (b *PendingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
