// Package tcpopt implements TCP option encoding/decoding and the
// cross-pbuf-boundary cursor spec §4.7.3 requires: option bytes must be
// readable even when a TCP header straddles two chained pbuf segments.
package tcpopt

import (
	"errors"

	"github.com/fqnews/vpncore/internal/pbuf"
)

// Kind values for the options this core understands; unrecognized kinds
// are skipped using their length byte.
const (
	KindEnd         = 0
	KindNop         = 1
	KindMSS         = 2
	KindWindowScale = 3
	KindSACKPermit  = 4
	KindSACK        = 5
	KindTimestamp   = 8
)

// ErrShortOption is returned when a cursor runs out of bytes mid-option.
var ErrShortOption = errors.New("tcpopt: option truncated")

// Cursor reads bytes out of a pbuf chain starting at a byte offset,
// transparently crossing from one segment to the next, per spec §4.7.3's
// option-continuation requirement.
type Cursor struct {
	seg    *pbuf.Buf
	off    int // offset within seg.Data()
	remain int // bytes left to read across the whole cursor
}

// NewCursor positions a cursor at byteOffset within the chain rooted at b,
// able to read up to n further bytes.
func NewCursor(b *pbuf.Buf, byteOffset, n int) *Cursor {
	seg := b
	off := byteOffset
	for seg != nil && off >= seg.Len() {
		off -= seg.Len()
		seg = seg.Next
	}
	return &Cursor{seg: seg, off: off, remain: n}
}

// ReadByte reads one byte, crossing a segment boundary if necessary.
func (c *Cursor) ReadByte() (byte, error) {
	for c.seg != nil && c.off >= c.seg.Len() {
		c.off = 0
		c.seg = c.seg.Next
	}
	if c.seg == nil || c.remain <= 0 {
		return 0, ErrShortOption
	}
	v := c.seg.Data()[c.off]
	c.off++
	c.remain--
	return v, nil
}

// ReadUint16 reads a big-endian 16-bit value, one byte at a time so that a
// value split across a pbuf boundary is handled transparently.
func (c *Cursor) ReadUint16() (uint16, error) {
	hi, err := c.ReadByte()
	if err != nil {
		return 0, err
	}
	lo, err := c.ReadByte()
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

// ReadUint32 reads a big-endian 32-bit value one byte at a time.
func (c *Cursor) ReadUint32() (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := c.ReadByte()
		if err != nil {
			return 0, err
		}
		v = v<<8 | uint32(b)
	}
	return v, nil
}

// Skip discards n bytes.
func (c *Cursor) Skip(n int) error {
	for i := 0; i < n; i++ {
		if _, err := c.ReadByte(); err != nil {
			return err
		}
	}
	return nil
}

// SACKBlock is one received left/right edge pair, per spec §4.7.2.
type SACKBlock struct {
	Left, Right uint32
}

// Options holds every option this core negotiates.
type Options struct {
	MSS           uint16
	HasMSS        bool
	WindowScale   uint8
	HasWS         bool
	SACKPermitted bool
	TSVal, TSEcr  uint32
	HasTS         bool
	SACKBlocks    []SACKBlock
}

// Parse reads optLen bytes of TCP options starting at byteOffset in the
// chain rooted at b (immediately after the fixed 20-byte TCP header),
// tolerating the cross-pbuf layout via Cursor.
func Parse(b *pbuf.Buf, byteOffset, optLen int) (Options, error) {
	var o Options
	c := NewCursor(b, byteOffset, optLen)
	for c.remain > 0 {
		kind, err := c.ReadByte()
		if err != nil {
			return o, err
		}
		switch kind {
		case KindEnd:
			return o, nil
		case KindNop:
			continue
		}
		length, err := c.ReadByte()
		if err != nil {
			return o, err
		}
		if length < 2 {
			return o, ErrShortOption
		}
		remaining := int(length) - 2
		switch kind {
		case KindMSS:
			v, err := c.ReadUint16()
			if err != nil {
				return o, err
			}
			o.MSS = v
			o.HasMSS = true
			remaining -= 2
		case KindWindowScale:
			v, err := c.ReadByte()
			if err != nil {
				return o, err
			}
			o.WindowScale = v
			o.HasWS = true
			remaining -= 1
		case KindSACKPermit:
			o.SACKPermitted = true
		case KindTimestamp:
			v, err := c.ReadUint32()
			if err != nil {
				return o, err
			}
			e, err := c.ReadUint32()
			if err != nil {
				return o, err
			}
			o.TSVal, o.TSEcr = v, e
			o.HasTS = true
			remaining -= 8
		case KindSACK:
			for remaining >= 8 {
				l, err := c.ReadUint32()
				if err != nil {
					return o, err
				}
				r, err := c.ReadUint32()
				if err != nil {
					return o, err
				}
				o.SACKBlocks = append(o.SACKBlocks, SACKBlock{Left: l, Right: r})
				remaining -= 8
			}
		}
		if remaining > 0 {
			if err := c.Skip(remaining); err != nil {
				return o, err
			}
		}
	}
	return o, nil
}

// EncodeSynOptions writes the MSS/WS/SACK-permitted/TS options a SYN or
// SYN+ACK carries, per spec §4.7.3, padding with NOPs to a 4-byte
// boundary, and returns the encoded bytes.
func EncodeSynOptions(mss uint16, ws uint8, sackPermitted, ts bool, tsVal uint32) []byte {
	var out []byte
	out = append(out, KindMSS, 4, byte(mss>>8), byte(mss))
	out = append(out, KindNop, KindWindowScale, 3, ws)
	if sackPermitted {
		out = append(out, KindNop, KindNop, KindSACKPermit, 2)
	}
	if ts {
		out = append(out, KindNop, KindNop, KindTimestamp, 10)
		out = appendUint32(out, tsVal)
		out = appendUint32(out, 0)
	}
	for len(out)%4 != 0 {
		out = append(out, KindNop)
	}
	return out
}

// EncodeTimestampOnly writes just a timestamp option (padded with two
// leading NOPs for 4-byte alignment), per spec §4.7.3's "subsequent
// segments carry only TS when negotiated".
func EncodeTimestampOnly(tsVal, tsEcr uint32) []byte {
	out := []byte{KindNop, KindNop, KindTimestamp, 10}
	out = appendUint32(out, tsVal)
	out = appendUint32(out, tsEcr)
	return out
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
