package tcp

import "github.com/fqnews/vpncore/internal/pbuf"

// tcpFlags are the on-wire control bits of the TCP header.
type tcpFlags uint8

const (
	finFlag tcpFlags = 1 << iota
	synFlag
	rstFlag
	pshFlag
	ackFlag
	urgFlag
)

func (f tcpFlags) has(bit tcpFlags) bool { return f&bit != 0 }

// outSeg is a queued outbound segment: a pbuf plus the header fields that
// are not yet serialized, per spec §3's "segment on a queue" data model.
type outSeg struct {
	seq     Seq
	flags   tcpFlags
	payload *pbuf.Buf // nil for pure control segments
	dataLen int
	next    *outSeg
	rexmit  bool // already retransmitted at least once
}

func (s *outSeg) len() int {
	l := s.dataLen
	if s.flags.has(synFlag) || s.flags.has(finFlag) {
		l++
	}
	return l
}

// ooSeg is one out-of-order received segment, kept sorted by seq per
// spec §4.7.2 step 6.
type ooSeg struct {
	seq     Seq
	payload *pbuf.Buf
	fin     bool
	next    *ooSeg
}

func (s *ooSeg) end() Seq { return s.seq.Add(s.payload.Total()) }

// sackRange is one receiver-side SACK block, per spec §4.7.2 step 8.
type sackRange struct {
	left, right Seq
}
