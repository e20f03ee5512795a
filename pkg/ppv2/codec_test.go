// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ppv2

import "testing"

func TestEncodeDecodeRoundTripINET(t *testing.T) {
	cases := []struct {
		name   string
		srcIP  string
		srcPrt int
		dstIP  string
		dstPrt int
		isUDP  bool
	}{
		{"stream", "198.51.100.7", 40001, "127.0.0.1", 9000, false},
		{"dgram", "10.0.0.5", 30000, "10.0.0.1", 25565, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := Encode(tc.srcIP, tc.srcPrt, tc.dstIP, tc.dstPrt, tc.isUDP)
			if len(buf) != 28 {
				t.Fatalf("expected 28-byte INET header, got %d", len(buf))
			}

			h := DecodeHeader(buf)
			if h == nil {
				t.Fatal("decode returned nil for a freshly encoded header")
			}
			if h.Family != FamilyINET {
				t.Errorf("family = %v, want INET", h.Family)
			}
			wantTransport := TransportStream
			if tc.isUDP {
				wantTransport = TransportDgram
			}
			if h.Transport != wantTransport {
				t.Errorf("transport = %v, want %v", h.Transport, wantTransport)
			}
			if h.SourceIP != tc.srcIP || h.SourcePort != tc.srcPrt {
				t.Errorf("source = %s:%d, want %s:%d", h.SourceIP, h.SourcePort, tc.srcIP, tc.srcPrt)
			}
			if h.DestIP != tc.dstIP || h.DestPort != tc.dstPrt {
				t.Errorf("dest = %s:%d, want %s:%d", h.DestIP, h.DestPort, tc.dstIP, tc.dstPrt)
			}
			if h.Len != 28 {
				t.Errorf("len = %d, want 28", h.Len)
			}
		})
	}
}

func TestEncodeDecodeRoundTripINET6(t *testing.T) {
	buf := Encode("2001:db8::1", 30000, "2001:db8::2", 25565, false)
	if len(buf) != 52 {
		t.Fatalf("expected 52-byte INET6 header, got %d", len(buf))
	}

	h := DecodeHeader(buf)
	if h == nil {
		t.Fatal("decode returned nil")
	}
	if h.Family != FamilyINET6 {
		t.Errorf("family = %v, want INET6", h.Family)
	}
	if h.SourcePort != 30000 || h.DestPort != 25565 {
		t.Errorf("ports = %d/%d, want 30000/25565", h.SourcePort, h.DestPort)
	}
}

func TestEncodeIPv4MappedIPv6Normalization(t *testing.T) {
	buf := Encode("::ffff:198.51.100.7", 1234, "127.0.0.1", 80, false)
	h := DecodeHeader(buf)
	if h == nil {
		t.Fatal("decode returned nil")
	}
	if h.Family != FamilyINET {
		t.Errorf("family = %v, want INET (mapped address should normalize to dotted-quad)", h.Family)
	}
	if h.SourceIP != "198.51.100.7" {
		t.Errorf("source ip = %s, want 198.51.100.7", h.SourceIP)
	}
}

func TestDecodeSignatureMismatch(t *testing.T) {
	if h := DecodeHeader([]byte("not a proxy header at all, thanks")); h != nil {
		t.Errorf("expected nil for non-matching signature, got %+v", h)
	}
}

func TestDecodeLengthShortfall(t *testing.T) {
	full := Encode("198.51.100.7", 1, "127.0.0.1", 2, false)
	truncated := full[:len(full)-1]
	if h := DecodeHeader(truncated); h != nil {
		t.Errorf("expected nil for truncated header, got %+v", h)
	}
}

func TestDecodeChainExtractsPayload(t *testing.T) {
	inner := Encode("203.0.113.9", 55555, "10.0.0.1", 25565, false)
	payload := []byte("HELLO")
	data := append(append([]byte{}, inner...), payload...)

	result := DecodeChain(data)
	if len(result.Headers) != 1 {
		t.Fatalf("expected 1 header, got %d", len(result.Headers))
	}
	if string(result.Payload) != "HELLO" {
		t.Errorf("payload = %q, want %q", result.Payload, "HELLO")
	}

	ip, port, ok := result.OriginalSource()
	if !ok || ip != "203.0.113.9" || port != 55555 {
		t.Errorf("original source = %s:%d (ok=%v), want 203.0.113.9:55555", ip, port, ok)
	}
}

func TestDecodeChainNonSignaturePayload(t *testing.T) {
	data := []byte("just plain bytes, no header here")
	result := DecodeChain(data)
	if len(result.Headers) != 0 {
		t.Errorf("expected 0 headers, got %d", len(result.Headers))
	}
	if string(result.Payload) != string(data) {
		t.Errorf("payload should equal input verbatim when no header matches")
	}
}

func TestDecodeChainDepthGuard(t *testing.T) {
	var data []byte
	const n = 40
	for i := 0; i < n; i++ {
		data = append(data, Encode("10.0.0.1", 1000+i, "10.0.0.2", 2000, false)...)
	}
	tail := []byte("residual")
	data = append(data, tail...)

	result := DecodeChain(data)
	if len(result.Headers) != MaxChainDepth {
		t.Fatalf("expected %d headers (guard), got %d", MaxChainDepth, len(result.Headers))
	}
	// Residual must start exactly at header 33 (index 32), i.e. everything
	// after the 32 consumed headers, including the 8 unconsumed ones plus tail.
	remainingHeaders := n - MaxChainDepth
	wantResidualLen := remainingHeaders*28 + len(tail)
	if len(result.Payload) != wantResidualLen {
		t.Errorf("residual len = %d, want %d", len(result.Payload), wantResidualLen)
	}
}

func TestDecodeUnspecFamilyMetadataOnly(t *testing.T) {
	// version 2, command LOCAL, family/transport UNSPEC/UNSPEC, AL=0.
	buf := make([]byte, headerFixedLen)
	copy(buf[0:12], Signature[:])
	buf[12] = 0x20
	buf[13] = 0x00

	h := DecodeHeader(buf)
	if h == nil {
		t.Fatal("expected a decoded LOCAL/UNSPEC header")
	}
	if h.Command != CommandLocal {
		t.Errorf("command = %v, want LOCAL", h.Command)
	}
	if h.SourceIP != "" || h.DestIP != "" {
		t.Errorf("expected empty address fields for UNSPEC family")
	}
}
