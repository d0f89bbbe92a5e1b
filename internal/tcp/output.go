package tcp

import (
	"github.com/fqnews/vpncore/internal/ipfields"
	"github.com/fqnews/vpncore/internal/metrics"
	"github.com/fqnews/vpncore/internal/pbuf"
	"github.com/fqnews/vpncore/internal/tcpopt"
)

func (p *Pcb) now() int64 {
	if p.table != nil {
		return p.table.now
	}
	return 0
}

// enqueueUnsent appends seg to the unsent queue.
func (p *Pcb) enqueueUnsent(seg *outSeg) {
	if p.unsentTail == nil {
		p.unsent = seg
	} else {
		p.unsentTail.next = seg
	}
	p.unsentTail = seg
}

func (p *Pcb) appendUnacked(seg *outSeg) {
	if p.unackedTail == nil {
		p.unacked = seg
	} else {
		p.unackedTail.next = seg
	}
	p.unackedTail = seg
}

// sendPending implements the send-window-gated dispatch of queued
// segments, including spec §4.7.3's Nagle rule: while any small segment
// is unacknowledged and the caller submits less than a full MSS, new data
// is held until mss bytes accumulate, unacked drains, or PSH is forced.
func (p *Pcb) sendPending() {
	for p.unsent != nil {
		seg := p.unsent
		win := min(p.cwnd, p.effectiveWnd())
		inFlight := p.inFlight()
		// A SYN goes out before any peer window is known.
		if seg.len() > 0 && !seg.flags.has(synFlag) && inFlight+seg.len() > win {
			break
		}
		if !p.flags.has(FlagNoDelay) && p.unacked != nil && seg.dataLen > 0 && seg.dataLen < p.mss && !seg.flags.has(pshFlag) {
			// Nagle: hold back a small segment while data is still in
			// flight, unless forced with PSH.
			break
		}
		p.unsent = seg.next
		if p.unsent == nil {
			p.unsentTail = nil
		}
		seg.next = nil
		seg.seq = p.sndNxt
		p.transmit(seg)
		p.sndNxt = p.sndNxt.Add(seg.len())
		p.appendUnacked(seg)
		if p.rtime < 0 {
			p.armRetransmitTimer()
		}
		if p.rtseq == 0 {
			p.rtseq = seg.seq
			p.rttest = p.now()
		}
	}
}

func (p *Pcb) armRetransmitTimer() {
	p.rtime = p.now()
}

// transmit serializes seg onto the wire via the owning table's IP output.
func (p *Pcb) transmit(seg *outSeg) {
	optBytes := p.outgoingOptions(seg)
	hdrLen := HeaderLen + len(optBytes)
	total := hdrLen + seg.dataLen

	buf, err := pbuf.Alloc(pbuf.LayerTransport, total, pbuf.KindPrivate)
	if err != nil {
		return
	}
	data := buf.Data()
	copy(data[HeaderLen:hdrLen], optBytes)
	if seg.payload != nil {
		pbuf.CopyPartial(seg.payload, data[hdrLen:], seg.dataLen, 0)
	}

	ackVal := Seq(0)
	if seg.flags.has(ackFlag) || p.state != CLOSED {
		ackVal = p.rcvNxt
	}
	wh := wireHeader{
		srcPort: p.LocalPort,
		dstPort: p.RemotePort,
		seq:     seg.seq,
		ack:     ackVal,
		dataOff: hdrLen,
		flags:   seg.flags | ackFlag,
		window:  p.advertisedWindow(),
	}
	srcHdr := ipfields.Header{Src: p.LocalIP}
	dstHdr := ipfields.Header{Dst: p.RemoteIP}
	marshalHeader(data[:total], wh, srcHdr, dstHdr, total)

	p.clearDelayedACK()
	p.tsLastSent = p.now()
	p.lastActive = p.now()
	if p.table != nil && p.table.IPOutput != nil {
		ttl := p.TTL
		if ttl == 0 {
			ttl = 64
		}
		p.table.IPOutput(buf, p.LocalIP, p.RemoteIP, ttl, p.TOS, 6)
	} else {
		pbuf.Free(buf)
	}
}

func (p *Pcb) advertisedWindow() uint16 {
	w := p.rcvWnd >> p.rcvWS
	if w > 0xFFFF {
		w = 0xFFFF
	}
	return uint16(w)
}

func (p *Pcb) outgoingOptions(seg *outSeg) []byte {
	if seg.flags.has(synFlag) {
		sackPermitted := p.flags.has(FlagSACK)
		ts := p.flags.has(FlagTimestamp)
		return tcpopt.EncodeSynOptions(uint16(p.mss), p.rcvWS, sackPermitted, ts, uint32(p.now()))
	}
	if p.flags.has(FlagTimestamp) {
		return tcpopt.EncodeTimestampOnly(uint32(p.now()), p.tsRecent)
	}
	return nil
}

func (p *Pcb) clearDelayedACK() {
	p.flags &^= FlagAckDelay | FlagAckNow
}

// sendAckNow transmits an immediate, data-free ACK.
func (p *Pcb) sendAckNow() {
	p.transmit(&outSeg{seq: p.sndNxt, flags: ackFlag})
}

// sendRST transmits a bare RST at the given sequence number; it is not
// tracked on any queue.
func (p *Pcb) sendRST(seq Seq) {
	p.transmit(&outSeg{seq: seq, flags: rstFlag})
}

// sendRSTForUnknown replies to a segment with no matching PCB or
// listener, per the standard TCP contract for a refused connection.
func (t *Table) sendRSTForUnknown(hdr *ipfields.Header, wh wireHeader, dataLen int) {
	if wh.flags.has(rstFlag) {
		return
	}
	var seq, ack Seq
	var flags tcpFlags = rstFlag
	if wh.flags.has(ackFlag) {
		seq = wh.ack
	} else {
		flags |= ackFlag
		ack = wh.seq.Add(dataLen)
		if wh.flags.has(synFlag) || wh.flags.has(finFlag) {
			ack = ack.Add(1)
		}
	}
	buf, err := pbuf.Alloc(pbuf.LayerTransport, HeaderLen, pbuf.KindPrivate)
	if err != nil {
		return
	}
	data := buf.Data()
	out := wireHeader{srcPort: wh.dstPort, dstPort: wh.srcPort, seq: seq, ack: ack, dataOff: HeaderLen, flags: flags}
	srcHdr := ipfields.Header{Src: hdr.Dst}
	dstHdr := ipfields.Header{Dst: hdr.Src}
	marshalHeader(data, out, srcHdr, dstHdr, HeaderLen)
	if t.IPOutput != nil {
		t.IPOutput(buf, hdr.Dst, hdr.Src, 64, 0, 6)
	} else {
		pbuf.Free(buf)
	}
}

// freeAcked removes every unacked segment fully covered by ack, and trims
// a partially-acknowledged head segment's payload forward.
func (p *Pcb) freeAcked(ack Seq) {
	acked := 0
	for p.unacked != nil {
		end := p.unacked.seq.Add(p.unacked.len())
		if !end.LessEq(ack) {
			break
		}
		seg := p.unacked
		p.unacked = seg.next
		if p.unacked == nil {
			p.unackedTail = nil
		}
		acked += seg.dataLen
		pbuf.Free(seg.payload)
	}
	if p.Sent != nil && acked > 0 {
		p.Sent(p, acked)
	}
}

// retransmitHead resends the oldest unacknowledged segment, per spec
// §4.7.3's fast-retransmit and RTO-expiry rules.
func (p *Pcb) retransmitHead() {
	if p.unacked == nil {
		return
	}
	seg := p.unacked
	seg.rexmit = true
	p.transmit(seg)
	metrics.TCPRetransmitTotal.WithLabelValues("retransmit").Inc()
}

// enterFastRetransmit implements spec §4.7.3's fast-retransmit entry.
func (p *Pcb) enterFastRetransmit() {
	p.ssthresh = max(p.cwnd/2, 2*p.mss)
	p.cwnd = p.ssthresh + 3*p.mss
	p.flags |= FlagInFastRecovery
	p.retransmitHead()
	metrics.TCPRetransmitTotal.WithLabelValues("fast_retransmit").Inc()
}

func (p *Pcb) sendIfWindowAllows() { p.sendPending() }
