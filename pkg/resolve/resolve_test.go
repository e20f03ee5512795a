// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"context"
	"testing"
)

func TestNetResolver_NumericPassthrough(t *testing.T) {
	r := New()
	got := r.Resolve(context.Background(), "198.51.100.7")
	if got != "198.51.100.7" {
		t.Errorf("got %q, want passthrough of a numeric IP", got)
	}
}

func TestNetResolver_NumericIPv6Passthrough(t *testing.T) {
	r := New()
	got := r.Resolve(context.Background(), "2001:db8::1")
	if got != "2001:db8::1" {
		t.Errorf("got %q, want passthrough of a numeric IPv6 literal", got)
	}
}

func TestNetResolver_UnresolvableHostFallsBack(t *testing.T) {
	r := New()
	got := r.Resolve(context.Background(), "this-host-does-not-exist.invalid")
	if got != "this-host-does-not-exist.invalid" {
		t.Errorf("got %q, want the original host on lookup failure", got)
	}
}

func TestNetResolver_LocalhostResolves(t *testing.T) {
	r := New()
	got := r.Resolve(context.Background(), "localhost")
	if got == "localhost" {
		t.Error("expected localhost to resolve to a numeric address")
	}
}
