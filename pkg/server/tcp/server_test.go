// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gamelist1990/BunProxy/pkg/handler"
	"github.com/gamelist1990/BunProxy/pkg/ppv2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

type recordingHandler struct {
	mu       sync.Mutex
	contexts []handler.Context
}

func (h *recordingHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.contexts = append(h.contexts, *hctx)
	return nil
}

func (h *recordingHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	return nil
}

func (h *recordingHandler) calls() []handler.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]handler.Context, len(h.contexts))
	copy(out, h.contexts)
	return out
}

func echoBackend(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func backendHostPort(t *testing.T, ln net.Listener) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split backend addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse backend port: %v", err)
	}
	return host, port
}

func TestServer_PlainForwardingRoundTrip(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()
	host, port := backendHostPort(t, backend)

	h := &recordingHandler{}
	cfg := Config{
		Address:    "127.0.0.1:0",
		TargetHost: host,
		TargetPort: port,
		Target:     "survival",
		Logger:     testLogger(),
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg.Address = ln.Addr().String()
	ln.Close()

	srv := New(cfg, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { srv.Listen(ctx); close(done) }()
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("expected echoed hello, got %q", buf)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)

	calls := h.calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one OnConnect call, got %d", len(calls))
	}
	if calls[0].Target != "survival" || calls[0].Protocol != "tcp" {
		t.Errorf("unexpected handler context: %+v", calls[0])
	}

	cancel()
	<-done
}

func TestServer_EmitsPPv2Header(t *testing.T) {
	backendLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	defer backendLn.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := backendLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		received <- buf[:n]
	}()

	host, port := backendHostPort(t, backendLn)

	h := &recordingHandler{}
	cfg := Config{
		Address:    "127.0.0.1:0",
		TargetHost: host,
		TargetPort: port,
		Target:     "survival",
		EmitPPv2:   true,
		Logger:     testLogger(),
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg.Address = ln.Addr().String()
	ln.Close()

	srv := New(cfg, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Listen(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("HELLO")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case data := <-received:
		if !bytes.HasPrefix(data, ppv2.Signature[:]) {
			t.Fatalf("expected data to start with PPv2 signature, got % x", data[:min(len(data), 16)])
		}
		hdr := ppv2.DecodeHeader(data)
		if hdr == nil {
			t.Fatal("failed to decode emitted PPv2 header")
		}
		if hdr.Transport != ppv2.TransportStream {
			t.Errorf("expected STREAM transport, got %v", hdr.Transport)
		}
		if !bytes.HasSuffix(data, []byte("HELLO")) {
			t.Errorf("expected payload HELLO to follow the header, got %q", data[hdr.Len:])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend never received data")
	}
}

func TestServer_ChainedPPv2LastHeaderWins(t *testing.T) {
	backendLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	defer backendLn.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := backendLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		received <- buf[:n]
	}()

	host, port := backendHostPort(t, backendLn)

	h := &recordingHandler{}
	cfg := Config{
		Address:    "127.0.0.1:0",
		TargetHost: host,
		TargetPort: port,
		Target:     "survival",
		EmitPPv2:   true,
		Logger:     testLogger(),
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg.Address = ln.Addr().String()
	ln.Close()

	srv := New(cfg, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Listen(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	defer conn.Close()

	upstreamHeader := ppv2.Encode("203.0.113.9", 55555, "198.51.100.1", 8000, false)
	packet := append(upstreamHeader, []byte("HELLO")...)
	if _, err := conn.Write(packet); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case data := <-received:
		hdr := ppv2.DecodeHeader(data)
		if hdr == nil {
			t.Fatal("failed to decode re-emitted PPv2 header")
		}
		if hdr.SourceIP != "203.0.113.9" || hdr.SourcePort != 55555 {
			t.Errorf("expected the forwarder to adopt the upstream source, got %s:%d", hdr.SourceIP, hdr.SourcePort)
		}
		if !bytes.Equal(data[hdr.Len:], []byte("HELLO")) {
			t.Errorf("expected only the original payload after the header, got %q", data[hdr.Len:])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend never received data")
	}
}

func TestServer_BackendDialFailureAbortsCleanly(t *testing.T) {
	h := &recordingHandler{}
	cfg := Config{
		Address:    "127.0.0.1:0",
		TargetHost: "127.0.0.1",
		TargetPort: 1, // nothing listens on port 1
		Target:     "unreachable",
		Logger:     testLogger(),
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg.Address = ln.Addr().String()
	ln.Close()

	srv := New(cfg, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Listen(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	conn.Write([]byte("test"))

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected the client connection to be closed after a failed backend dial")
	}

	if len(h.calls()) != 0 {
		t.Error("expected no OnConnect call for a flow that never reached a backend")
	}
}

func TestServer_ZeroByteClientClosesCleanly(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()
	host, port := backendHostPort(t, backend)

	h := &recordingHandler{}
	cfg := Config{
		Address:    "127.0.0.1:0",
		TargetHost: host,
		TargetPort: port,
		Target:     "survival",
		Logger:     testLogger(),
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg.Address = ln.Addr().String()
	ln.Close()

	srv := New(cfg, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Listen(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	if len(h.calls()) != 1 {
		t.Errorf("expected the flow to still be reported despite sending no bytes, got %d calls", len(h.calls()))
	}
}

func TestNew_Defaults(t *testing.T) {
	srv := New(Config{Address: "127.0.0.1:0", TargetHost: "127.0.0.1", TargetPort: 1}, nil)
	if srv.config.Logger == nil {
		t.Error("expected a default logger")
	}
	if srv.config.ShutdownTimeout == 0 {
		t.Error("expected a default shutdown timeout")
	}
	if srv.config.Resolver == nil {
		t.Error("expected a default resolver")
	}
}

