// Package icmp builds the small set of ICMPv4 error messages this core
// emits as a side effect of the IP and UDP engines: protocol/port
// unreachable (§4.3 step 6, §4.5) and fragment-reassembly time exceeded
// (§4.4). Parsing inbound ICMP is out of scope — spec.md acknowledges
// ICMP only as something the IP/UDP engines may generate, never as a
// dispatched protocol of its own.
package icmp

import (
	"encoding/binary"

	"github.com/fqnews/vpncore/internal/checksum"
)

// Type/code values used by this core.
const (
	TypeDestUnreachable = 3
	CodeProtoUnreach    = 2
	CodePortUnreach     = 3

	TypeTimeExceeded     = 11
	CodeFragReassembly   = 1

	ProtoICMP = 1
)

// maxOrigBytes is the amount of the original datagram's header+payload
// ICMP includes, per RFC 792: the IP header plus the first 8 bytes of
// payload.
const maxOrigBytes = ipHeaderLen + 8
const ipHeaderLen = 20

// Build constructs an ICMP message of the given type/code, quoting up to
// the first 28 bytes of the offending datagram (IP header + 8 bytes),
// and returns the complete ICMP payload (to be carried as IP protocol 1).
func Build(typ, code uint8, orig []byte) []byte {
	quote := orig
	if len(quote) > maxOrigBytes {
		quote = quote[:maxOrigBytes]
	}
	out := make([]byte, 8+len(quote))
	out[0] = typ
	out[1] = code
	// out[2:4] checksum, out[4:8] unused/MTU field (not used by the
	// two message types this core emits).
	copy(out[8:], quote)
	cs := checksum.Checksum(out)
	binary.BigEndian.PutUint16(out[2:4], cs)
	return out
}

// ProtocolUnreachable builds a Destination Unreachable (protocol
// unreachable) message for orig, the original IP datagram bytes.
func ProtocolUnreachable(orig []byte) []byte {
	return Build(TypeDestUnreachable, CodeProtoUnreach, orig)
}

// PortUnreachable builds a Destination Unreachable (port unreachable)
// message for orig.
func PortUnreachable(orig []byte) []byte {
	return Build(TypeDestUnreachable, CodePortUnreach, orig)
}

// FragmentReassemblyTimeExceeded builds a Time Exceeded (fragment
// reassembly time exceeded) message, quoting the first fragment of a
// datagram that was abandoned by the reassembly timer.
func FragmentReassemblyTimeExceeded(firstFragment []byte) []byte {
	return Build(TypeTimeExceeded, CodeFragReassembly, firstFragment)
}
