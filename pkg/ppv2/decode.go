// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ppv2

import (
	"bytes"
	"encoding/binary"
)

// DecodeHeader attempts to decode a single PPv2 header from the front of
// data. It returns nil when the 12-byte signature does not match exactly or
// when data is shorter than the advertised header length — both are
// non-fatal "no header here" outcomes, never errors, per the codec's lenient
// decode contract.
func DecodeHeader(data []byte) *Header {
	if len(data) < headerFixedLen {
		return nil
	}
	if !bytes.Equal(data[0:12], Signature[:]) {
		return nil
	}

	al := binary.BigEndian.Uint16(data[14:16])
	total := headerFixedLen + int(al)
	if len(data) < total {
		return nil
	}

	verCmd := data[12]
	version := int(verCmd >> 4)
	command := CommandLocal
	if verCmd&0x0F == 1 {
		command = CommandProxy
	}

	famTrans := data[13]
	family := Family(famTrans >> 4)
	transport := Transport(famTrans & 0x0F)

	h := &Header{
		Version:   version,
		Command:   command,
		Family:    family,
		Transport: transport,
		Len:       total,
	}

	addr := data[headerFixedLen:total]
	recognizedTransport := transport == TransportStream || transport == TransportDgram

	switch {
	case family == FamilyINET && recognizedTransport && len(addr) >= addrLenINET:
		h.SourceIP = bytesToIPv4(addr[0:4])
		h.DestIP = bytesToIPv4(addr[4:8])
		h.SourcePort = int(binary.BigEndian.Uint16(addr[8:10]))
		h.DestPort = int(binary.BigEndian.Uint16(addr[10:12]))

	case family == FamilyINET6 && recognizedTransport && len(addr) >= addrLenINET6:
		h.SourceIP = bytesToIPv6(addr[0:16])
		h.DestIP = bytesToIPv6(addr[16:32])
		h.SourcePort = int(binary.BigEndian.Uint16(addr[32:34]))
		h.DestPort = int(binary.BigEndian.Uint16(addr[34:36]))

	default:
		// UNSPEC/UNIX or an unrecognized family×transport combination:
		// metadata decodes, address fields stay empty.
	}

	return h
}

// DecodeChain repeatedly decodes headers from the front of data, stopping at
// the first non-match, after MaxChainDepth headers, or at end of input.
// Payload is the residual slice view starting at the first unconsumed byte.
func DecodeChain(data []byte) ChainResult {
	var headers []*Header
	offset := 0

	for i := 0; i < MaxChainDepth; i++ {
		if offset >= len(data) {
			break
		}
		h := DecodeHeader(data[offset:])
		if h == nil {
			break
		}
		headers = append(headers, h)
		offset += h.Len
	}

	return ChainResult{
		Headers: headers,
		Payload: data[offset:],
	}
}
