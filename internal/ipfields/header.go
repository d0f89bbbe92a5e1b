// Package ipfields defines the parsed IPv4 header shared by internal/ipv4,
// internal/ipreasm, and the upper-layer engines, so that the upper-layer
// engines need not import internal/ipv4 just to receive a header (see DESIGN.md's note on avoiding needless coupling between the
// reassembly, fragmentation, and demux stages).
package ipfields

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/fqnews/vpncore/internal/checksum"
)

// HeaderLen is the fixed length of an IPv4 header with no options. Per
// spec.md's non-goals, this core never emits or parses IP options.
const HeaderLen = 20

// Errors returned while parsing a header.
var (
	ErrTooShort     = errors.New("ipv4: buffer shorter than header")
	ErrBadVersion   = errors.New("ipv4: version field is not 4")
	ErrBadIHL       = errors.New("ipv4: header length out of range")
	ErrBadTotalLen  = errors.New("ipv4: total length exceeds available data")
	ErrBadChecksum  = errors.New("ipv4: header checksum mismatch")
)

// Header is the parsed form of a 20-byte IPv4 header (options, when
// present on the wire, are tolerated only insofar as IHL is honored when
// slicing the payload — their content is never interpreted).
type Header struct {
	IHL      int // header length in bytes, as declared on the wire
	TOS      uint8
	TotalLen int
	ID       uint16
	DF       bool
	MF       bool
	FragOff  int // in bytes, i.e. already multiplied by 8
	TTL      uint8
	Proto    uint8
	Checksum uint16
	Src      net.IP
	Dst      net.IP
}

// Parse validates and parses the first HeaderLen-or-more bytes of data as
// an IPv4 header, per spec §4.3 step 1–2: version must be 4, IHL must be
// at least 20 bytes and must not exceed the available data, total length
// must not exceed the available data, and the header checksum must
// verify.
func Parse(data []byte) (*Header, error) {
	if len(data) < HeaderLen {
		return nil, ErrTooShort
	}
	ver := data[0] >> 4
	if ver != 4 {
		return nil, ErrBadVersion
	}
	ihl := int(data[0]&0x0F) * 4
	if ihl < HeaderLen || ihl > len(data) {
		return nil, ErrBadIHL
	}
	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLen > len(data) || totalLen < ihl {
		return nil, ErrBadTotalLen
	}
	if checksum.Fold(checksum.Sum(data[:ihl])) != 0xFFFF {
		return nil, ErrBadChecksum
	}
	flagsFrag := binary.BigEndian.Uint16(data[6:8])
	h := &Header{
		IHL:      ihl,
		TOS:      data[1],
		TotalLen: totalLen,
		ID:       binary.BigEndian.Uint16(data[4:6]),
		DF:       flagsFrag&0x4000 != 0,
		MF:       flagsFrag&0x2000 != 0,
		FragOff:  int(flagsFrag&0x1FFF) * 8,
		TTL:      data[8],
		Proto:    data[9],
		Checksum: binary.BigEndian.Uint16(data[10:12]),
		Src:      net.IPv4(data[12], data[13], data[14], data[15]),
		Dst:      net.IPv4(data[16], data[17], data[18], data[19]),
	}
	return h, nil
}

// Marshal writes a 20-byte IPv4 header (no options) into buf, which must
// be at least HeaderLen bytes, computing and filling in the checksum. The
// payload length (TotalLen field) must already reflect header+payload.
func (h *Header) Marshal(buf []byte) {
	buf[0] = 0x45 // version 4, IHL 5 (20 bytes, no options)
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.TotalLen))
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	flagsFrag := uint16(h.FragOff / 8)
	if h.DF {
		flagsFrag |= 0x4000
	}
	if h.MF {
		flagsFrag |= 0x2000
	}
	binary.BigEndian.PutUint16(buf[6:8], flagsFrag)
	buf[8] = h.TTL
	buf[9] = h.Proto
	buf[10] = 0
	buf[11] = 0
	src4 := h.Src.To4()
	dst4 := h.Dst.To4()
	copy(buf[12:16], src4)
	copy(buf[16:20], dst4)
	cs := checksum.Checksum(buf[:HeaderLen])
	buf[10] = byte(cs >> 8)
	buf[11] = byte(cs)
}

// Src4 returns the source address as a 4-byte array, for pseudo-header
// checksum computation.
func (h *Header) Src4() [4]byte {
	var a [4]byte
	copy(a[:], h.Src.To4())
	return a
}

// Dst4 returns the destination address as a 4-byte array.
func (h *Header) Dst4() [4]byte {
	var a [4]byte
	copy(a[:], h.Dst.To4())
	return a
}
