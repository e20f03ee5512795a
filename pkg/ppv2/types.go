// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ppv2

// Command identifies whether a header describes a proxied connection or a
// local, non-proxied one (health checks, keepalives).
type Command byte

const (
	CommandLocal Command = 0
	CommandProxy Command = 1
)

func (c Command) String() string {
	if c == CommandProxy {
		return "PROXY"
	}
	return "LOCAL"
}

// Family identifies the address family carried in the header.
type Family byte

const (
	FamilyUnspec Family = 0
	FamilyINET   Family = 1
	FamilyINET6  Family = 2
	FamilyUnix   Family = 3
)

func (f Family) String() string {
	switch f {
	case FamilyINET:
		return "INET"
	case FamilyINET6:
		return "INET6"
	case FamilyUnix:
		return "UNIX"
	default:
		return "UNSPEC"
	}
}

// Transport identifies the transport protocol carried in the header.
type Transport byte

const (
	TransportUnspec Transport = 0
	TransportStream Transport = 1
	TransportDgram  Transport = 2
)

func (t Transport) String() string {
	switch t {
	case TransportStream:
		return "STREAM"
	case TransportDgram:
		return "DGRAM"
	default:
		return "UNSPEC"
	}
}

// Signature is the fixed 12-byte PPv2 preamble every header starts with.
var Signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

const (
	// headerFixedLen is the fixed prefix at bytes 0 through 15 (signature + ver/cmd + fam/trans + len).
	headerFixedLen = 16

	addrLenINET  = 12
	addrLenINET6 = 36
)

// Header is a fully decoded PPv2 header.
type Header struct {
	Version   int
	Command   Command
	Family    Family
	Transport Transport

	SourceIP   string
	SourcePort int

	DestIP   string
	DestPort int

	// Len is the total on-wire byte length of this header (16 + advertised AL).
	Len int
}

// IsProxy reports whether the header carries real address information
// (Command == PROXY), as opposed to a LOCAL health-check style connection.
func (h *Header) IsProxy() bool {
	return h != nil && h.Command == CommandProxy
}

// ChainResult is the outcome of decoding a run of zero or more chained PPv2
// headers from the front of a byte slice.
type ChainResult struct {
	// Headers is the ordered list of decoded headers, outermost proxy first.
	Headers []*Header
	// Payload is the unconsumed tail: the first byte that is not part of a
	// valid PPv2 signature, through the end of input.
	Payload []byte
}

// OriginalSource returns the source (ip, port) of the last header in the
// chain — the proxy closest to the original client — or ("", 0, false) if
// the chain is empty.
func (c ChainResult) OriginalSource() (ip string, port int, ok bool) {
	if len(c.Headers) == 0 {
		return "", 0, false
	}
	last := c.Headers[len(c.Headers)-1]
	return last.SourceIP, last.SourcePort, true
}

// MaxChainDepth bounds the number of header layers a single DecodeChain call
// will parse, capping worst-case work on adversarial input.
const MaxChainDepth = 32
