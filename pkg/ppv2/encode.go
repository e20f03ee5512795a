// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ppv2

import "encoding/binary"

// Encode builds a PPv2 PROXY header for a connection from (srcIP, srcPort)
// to (dstIP, dstPort). isUDP selects the DGRAM transport nibble; otherwise
// STREAM is used. The address family is INET6 iff the normalized source
// address contains a colon, per the codec's family-from-source rule.
func Encode(srcIP string, srcPort int, dstIP string, dstPort int, isUDP bool) []byte {
	normSrc := normalizeAddr(srcIP)
	normDst := normalizeAddr(dstIP)

	family := FamilyINET
	if isIPv6Literal(normSrc) {
		family = FamilyINET6
	}

	transport := TransportStream
	if isUDP {
		transport = TransportDgram
	}

	var addrBlock []byte
	if family == FamilyINET6 {
		addrBlock = encodeINET6Block(normSrc, srcPort, normDst, dstPort)
	} else {
		addrBlock = encodeINETBlock(normSrc, srcPort, normDst, dstPort)
	}

	buf := make([]byte, headerFixedLen+len(addrBlock))
	copy(buf[0:12], Signature[:])
	buf[12] = 0x20 | byte(CommandProxy) // version 2, command PROXY
	buf[13] = byte(family)<<4 | byte(transport)
	binary.BigEndian.PutUint16(buf[14:16], uint16(len(addrBlock)))
	copy(buf[16:], addrBlock)

	return buf
}

func encodeINETBlock(srcIP string, srcPort int, dstIP string, dstPort int) []byte {
	block := make([]byte, addrLenINET)
	src := ipv4To4Bytes(srcIP)
	dst := ipv4To4Bytes(dstIP)
	copy(block[0:4], src[:])
	copy(block[4:8], dst[:])
	binary.BigEndian.PutUint16(block[8:10], uint16(srcPort))
	binary.BigEndian.PutUint16(block[10:12], uint16(dstPort))
	return block
}

func encodeINET6Block(srcIP string, srcPort int, dstIP string, dstPort int) []byte {
	block := make([]byte, addrLenINET6)
	src := addrTo16Bytes(srcIP)
	dst := addrTo16Bytes(dstIP)
	copy(block[0:16], src[:])
	copy(block[16:32], dst[:])
	binary.BigEndian.PutUint16(block[32:34], uint16(srcPort))
	binary.BigEndian.PutUint16(block[34:36], uint16(dstPort))
	return block
}

// addrTo16Bytes renders an address as its 16-byte IPv6 representation,
// mapping a bare IPv4 literal into ::ffff:a.b.c.d form when the header's
// family was decided as INET6 by the source but this particular address is
// still dotted-quad (an asymmetric src/dst family, an edge case the wire
// format cannot represent any other way within one address block).
func addrTo16Bytes(addr string) [16]byte {
	if !isIPv6Literal(addr) {
		var out [16]byte
		out[10] = 0xFF
		out[11] = 0xFF
		v4 := ipv4To4Bytes(addr)
		copy(out[12:16], v4[:])
		return out
	}
	return ipv6ToBytes(addr)
}
