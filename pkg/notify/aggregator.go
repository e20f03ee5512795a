// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gamelist1990/BunProxy/pkg/metrics"
)

// DebounceWindow is how long a bucket waits after its first event before
// flushing, giving a burst of connects or disconnects on the same target a
// chance to collapse into a single notification.
const DebounceWindow = 3 * time.Second

type kind string

const (
	kindConnect    kind = "connect"
	kindDisconnect kind = "disconnect"
)

type bucketKey struct {
	Kind     kind
	Webhook  string
	Protocol string
	Target   string
}

type bucket struct {
	hosts map[string]map[int]struct{}
	timer *time.Timer
}

// Aggregator groups connect and disconnect events by (webhook, protocol,
// target) and flushes each group as one webhook notification DebounceWindow
// after the group's first event; later events do not delay the flush.
type Aggregator struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	dispatch *Dispatcher
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewAggregator creates an Aggregator that dispatches flushed groups through
// dispatch. m may be nil, in which case flush counts are simply not
// recorded.
func NewAggregator(dispatch *Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		buckets:  make(map[bucketKey]*bucket),
		dispatch: dispatch,
		metrics:  m,
		logger:   logger,
	}
}

// AddConnect records a connect event for the given (webhook, protocol,
// target) group. A no-op if webhook is empty.
func (a *Aggregator) AddConnect(webhook, protocol, target, ip string, port int) {
	a.add(kindConnect, webhook, protocol, target, ip, port)
}

// AddDisconnect records a disconnect event for the given group.
func (a *Aggregator) AddDisconnect(webhook, protocol, target, ip string, port int) {
	a.add(kindDisconnect, webhook, protocol, target, ip, port)
}

func (a *Aggregator) add(k kind, webhook, protocol, target, ip string, port int) {
	if webhook == "" {
		return
	}

	key := bucketKey{Kind: k, Webhook: webhook, Protocol: protocol, Target: target}

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{hosts: make(map[string]map[int]struct{})}
		b.timer = time.AfterFunc(DebounceWindow, func() { a.flush(key) })
		a.buckets[key] = b
	}

	ports, ok := b.hosts[ip]
	if !ok {
		ports = make(map[int]struct{})
		b.hosts[ip] = ports
	}
	ports[port] = struct{}{}
}

func (a *Aggregator) flush(key bucketKey) {
	a.mu.Lock()
	b, ok := a.buckets[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.buckets, key)
	a.mu.Unlock()

	hosts := make(map[string][]int, len(b.hosts))
	for ip, ports := range b.hosts {
		list := make([]int, 0, len(ports))
		for p := range ports {
			list = append(list, p)
		}
		sort.Ints(list)
		hosts[ip] = list
	}

	a.logger.Debug("flushing notification bucket",
		slog.String("kind", string(key.Kind)), slog.String("protocol", key.Protocol),
		slog.String("target", key.Target), slog.Int("hosts", len(hosts)))

	if a.metrics != nil {
		a.metrics.AggregatorFlushesTotal.WithLabelValues(string(key.Kind)).Inc()
	}

	a.dispatch.Send(string(key.Kind), key.Webhook, key.Protocol, key.Target, hosts)
}

// PendingBuckets reports the number of buckets currently awaiting flush,
// chiefly for tests.
func (a *Aggregator) PendingBuckets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}
