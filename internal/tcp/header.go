package tcp

import (
	"encoding/binary"

	"github.com/fqnews/vpncore/internal/checksum"
	"github.com/fqnews/vpncore/internal/ipfields"
)

// HeaderLen is the fixed (no-options) TCP header length.
const HeaderLen = 20

// wireHeader is the parsed form of an inbound TCP segment's fixed header.
type wireHeader struct {
	srcPort, dstPort uint16
	seq, ack         Seq
	dataOff          int // header length in bytes, including options
	flags            tcpFlags
	window           uint16
	checksum         uint16
	urgent           uint16
}

func parseHeader(data []byte) (wireHeader, error) {
	if len(data) < HeaderLen {
		return wireHeader{}, errShortSegment
	}
	h := wireHeader{
		srcPort:  binary.BigEndian.Uint16(data[0:2]),
		dstPort:  binary.BigEndian.Uint16(data[2:4]),
		seq:      Seq(binary.BigEndian.Uint32(data[4:8])),
		ack:      Seq(binary.BigEndian.Uint32(data[8:12])),
		dataOff:  int(data[12]>>4) * 4,
		flags:    tcpFlags(data[13]),
		window:   binary.BigEndian.Uint16(data[14:16]),
		checksum: binary.BigEndian.Uint16(data[16:18]),
		urgent:   binary.BigEndian.Uint16(data[18:20]),
	}
	if h.dataOff < HeaderLen || h.dataOff > len(data) {
		return wireHeader{}, errShortSegment
	}
	return h, nil
}

// marshalHeader writes the fixed 20-byte header (options, if any, must
// already occupy buf[20:dataOff]) and computes the TCP checksum over the
// IPv4 pseudo-header plus the whole segment.
func marshalHeader(buf []byte, h wireHeader, src, dst ipfields.Header, segLen int) {
	binary.BigEndian.PutUint16(buf[0:2], h.srcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.dstPort)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.seq))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.ack))
	buf[12] = byte(h.dataOff/4) << 4
	buf[13] = byte(h.flags)
	binary.BigEndian.PutUint16(buf[14:16], h.window)
	buf[16], buf[17] = 0, 0
	binary.BigEndian.PutUint16(buf[18:20], h.urgent)

	sum := checksum.PseudoHeaderSum(src.Src4(), dst.Dst4(), 6, uint16(segLen))
	sum += checksum.Sum(buf[:segLen])
	cs := ^checksum.Fold(sum)
	binary.BigEndian.PutUint16(buf[16:18], cs)
}

type shortSegmentError struct{}

func (shortSegmentError) Error() string { return "tcp: segment shorter than header" }

var errShortSegment = shortSegmentError{}
