// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPendingBuffer_AddAndProcessMatches(t *testing.T) {
	b := NewPendingBuffer(nil, testLogger())
	now := time.Now()

	var resolved int32
	b.Add("198.51.100.7", 40001, "tcp", "survival", "https://example.invalid/hook", func() { atomic.AddInt32(&resolved, 1) }, nil)

	matched, unmatched := b.ProcessForPlayer(now.Add(2 * time.Second))
	if len(matched) != 1 {
		t.Fatalf("expected 1 matched entry, got %d", len(matched))
	}
	if len(unmatched) != 0 {
		t.Errorf("expected 0 unmatched entries, got %d", len(unmatched))
	}
	if matched[0].IP != "198.51.100.7" || matched[0].Port != 40001 {
		t.Errorf("unexpected matched entry: %+v", matched[0])
	}
	if b.Len() != 0 {
		t.Errorf("expected buffer to be drained, got %d entries", b.Len())
	}
	if atomic.LoadInt32(&resolved) != 0 {
		t.Error("Resolve must not fire for a correlated entry")
	}
}

func TestPendingBuffer_ProcessOutsideToleranceLeavesUnmatched(t *testing.T) {
	b := NewPendingBuffer(nil, testLogger())
	now := time.Now()

	b.Add("10.0.0.5", 5000, "udp", "creative", "https://example.invalid/hook", func() {}, nil)

	matched, unmatched := b.ProcessForPlayer(now.Add(time.Minute))
	if len(matched) != 0 {
		t.Errorf("expected 0 matched, got %d", len(matched))
	}
	if len(unmatched) != 1 {
		t.Errorf("expected 1 unmatched, got %d", len(unmatched))
	}
	if b.Len() != 1 {
		t.Errorf("entry should remain pending, got %d", b.Len())
	}
}

func TestPendingBuffer_TimeoutFiresResolve(t *testing.T) {
	b := NewPendingBuffer(nil, testLogger())

	done := make(chan struct{})
	b.Add("127.0.0.1", 1, "tcp", "lobby", "https://example.invalid/hook", func() { close(done) }, nil)

	select {
	case <-done:
	case <-time.After(PendingTimeout + 2*time.Second):
		t.Fatal("timed out waiting for pending entry to expire")
	}

	if b.Len() != 0 {
		t.Errorf("expected entry to be removed after timeout, got %d", b.Len())
	}
}

func TestPendingBuffer_ProcessForPlayerInvokesOnMatch(t *testing.T) {
	b := NewPendingBuffer(nil, testLogger())
	now := time.Now()

	var matchedUser string
	b.Add("198.51.100.7", 40001, "tcp", "survival", "https://example.invalid/hook", func() {}, func(username string) { matchedUser = username })

	matched, _ := b.ProcessForPlayer(now.Add(time.Second))
	if len(matched) != 1 {
		t.Fatalf("expected 1 matched entry, got %d", len(matched))
	}
	matched[0].OnMatch("Steve")
	if matchedUser != "Steve" {
		t.Errorf("expected OnMatch to be invoked with the correlated username, got %q", matchedUser)
	}
}

func TestPendingBuffer_MultipleEntriesIndependentKeys(t *testing.T) {
	b := NewPendingBuffer(nil, testLogger())

	b.Add("1.1.1.1", 1000, "tcp", "a", "https://example.invalid/hook", func() {}, nil)
	b.Add("1.1.1.1", 1001, "tcp", "a", "https://example.invalid/hook", func() {}, nil)
	b.Add("1.1.1.1", 1000, "udp", "a", "https://example.invalid/hook", func() {}, nil)

	if b.Len() != 3 {
		t.Errorf("expected 3 distinct entries, got %d", b.Len())
	}
}
