package tcp

import (
	"errors"

	"github.com/fqnews/vpncore/internal/metrics"
	"github.com/fqnews/vpncore/internal/pbuf"
	"github.com/fqnews/vpncore/internal/tcpopt"
)

var (
	errConnReset        = errors.New("tcp: connection reset by peer")
	errConnAborted      = errors.New("tcp: connection aborted")
	errKeepaliveTimeout = errors.New("tcp: keepalive probes unanswered")
)

// transitionTo moves the PCB to s, bumping the state-transition counter.
func (p *Pcb) transitionTo(s State) {
	metrics.TCPStateTransitionTotal.WithLabelValues(p.state.String(), s.String()).Inc()
	p.state = s
}

// handleRST implements spec §4.7.1/§4.7.4's RST-acceptance rule: a RST is
// accepted only when its sequence number equals rcv_nxt exactly; a sequence
// number merely inside the receive window draws a challenge ACK instead of
// tearing the connection down, and anything else is dropped silently.
func (p *Pcb) handleRST(wh wireHeader) {
	if wh.seq == p.rcvNxt {
		p.abortInternal(errConnReset)
		return
	}
	if InRange(wh.seq, p.rcvNxt, p.rcvNxt.Add(p.rcvWnd+1)) {
		p.sendAckNow()
	}
}

// recvTimeWait implements spec §4.7.1's TIME_WAIT rule: RST and ACK-only
// segments are ignored, any data draws an ACK, and a FIN restarts the
// 2MSL timer.
func (p *Pcb) recvTimeWait(wh wireHeader, payload *pbuf.Buf, dataLen int) {
	defer pbuf.Free(payload)
	if wh.flags.has(rstFlag) {
		return
	}
	if wh.flags.has(finFlag) {
		p.timeWaitAt = p.now()
		p.sendAckNow()
		return
	}
	if dataLen > 0 {
		p.sendAckNow()
	}
}

// deliverOrQueue implements spec §4.7.2 steps 6-8: left-overlap trim,
// in-order delivery with window-edge truncation, out-of-order queueing,
// and the post-delivery drain.
func (p *Pcb) deliverOrQueue(seq Seq, payload *pbuf.Buf, dataLen int, fin bool, opts tcpopt.Options) {
	_ = opts
	if seq.LessThan(p.rcvNxt) {
		overlap := int(Diff(p.rcvNxt, seq))
		if overlap > dataLen {
			overlap = dataLen
		}
		if overlap > 0 {
			payload.RemoveHeader(overlap)
			dataLen -= overlap
		}
		seq = p.rcvNxt
	}

	if seq != p.rcvNxt {
		if dataLen <= 0 && !fin {
			pbuf.Free(payload)
			return
		}
		p.insertOOQ(seq, payload, dataLen, fin)
		p.flags |= FlagAckNow
		p.sendAckNow()
		return
	}

	if dataLen > p.rcvWnd {
		dataLen = p.rcvWnd
		payload.Realloc(dataLen)
		fin = false
		p.flags |= FlagAckNow
	}

	if dataLen > 0 {
		p.rcvNxt = p.rcvNxt.Add(dataLen)
		if p.Recv != nil {
			p.Recv(p, payload)
		} else {
			pbuf.Free(payload)
		}
	} else {
		pbuf.Free(payload)
	}
	if fin {
		p.rcvNxt = p.rcvNxt.Add(1)
		p.flags |= FlagGotFIN
		if p.Recv != nil {
			p.Recv(p, nil)
		}
	}

	p.drainOOQ()

	if p.flags.has(FlagAckNow) {
		p.sendAckNow()
	} else {
		p.flags |= FlagAckDelay
	}
}

// insertOOQ inserts a segment into the out-of-order queue sorted by
// sequence number, trimming overlap against both neighbors, then enforces
// the queue's byte and buffer-count caps and updates the SACK ranges.
func (p *Pcb) insertOOQ(seq Seq, payload *pbuf.Buf, dataLen int, fin bool) {
	var prev *ooSeg
	cur := p.ooq
	for cur != nil && cur.seq.LessThan(seq) {
		prev = cur
		cur = cur.next
	}

	if prev != nil && seq.LessThan(prev.end()) {
		overlap := int(Diff(prev.end(), seq))
		if overlap > dataLen {
			overlap = dataLen
		}
		if overlap > 0 {
			payload.RemoveHeader(overlap)
			dataLen -= overlap
			seq = prev.end()
		}
	}

	if dataLen <= 0 && !fin {
		pbuf.Free(payload)
		return
	}

	end := seq.Add(dataLen)
	for cur != nil && !end.LessThan(cur.end()) {
		next := cur.next
		p.ooqBytes -= cur.payload.Total()
		pbuf.Free(cur.payload)
		if prev != nil {
			prev.next = next
		} else {
			p.ooq = next
		}
		cur = next
	}

	if cur != nil && cur.seq.LessThan(end) {
		trim := int(Diff(end, cur.seq))
		newLen := dataLen - trim
		if newLen <= 0 {
			pbuf.Free(payload)
			p.enforceOOQCap()
			return
		}
		payload.Realloc(newLen)
		dataLen = newLen
		fin = false
		end = seq.Add(dataLen)
	}

	node := &ooSeg{seq: seq, payload: payload, fin: fin, next: cur}
	if prev != nil {
		prev.next = node
	} else {
		p.ooq = node
	}
	p.ooqBytes += dataLen

	p.enforceOOQCap()
	if p.flags.has(FlagSACK) {
		p.updateSACK(seq, end)
	}
}

// enforceOOQCap evicts the tail of the out-of-order queue once it exceeds
// either the per-PCB byte cap or the buffer-count cap, per spec §4.7.2
// step 6, and prunes any SACK ranges above the eviction boundary.
func (p *Pcb) enforceOOQCap() {
	count := 0
	var prev *ooSeg
	node := p.ooq
	for node != nil {
		count++
		if p.ooqBytes > ooqByteCap || count > ooqBufCap {
			boundary := node.seq
			if prev != nil {
				prev.next = nil
			} else {
				p.ooq = nil
			}
			for e := node; e != nil; {
				next := e.next
				p.ooqBytes -= e.payload.Total()
				pbuf.Free(e.payload)
				e = next
			}
			if p.flags.has(FlagSACK) {
				p.pruneSACKAbove(boundary)
			}
			return
		}
		prev = node
		node = node.next
	}
}

// drainOOQ delivers queued out-of-order segments once the head of the
// queue lines up with rcv_nxt, per spec §4.7.2 step 7.
func (p *Pcb) drainOOQ() {
	for p.ooq != nil && p.ooq.seq == p.rcvNxt {
		node := p.ooq
		p.ooq = node.next
		n := node.payload.Total()
		p.ooqBytes -= n
		p.rcvNxt = p.rcvNxt.Add(n)
		if p.Recv != nil && n > 0 {
			p.Recv(p, node.payload)
		} else {
			pbuf.Free(node.payload)
		}
		if node.fin {
			p.rcvNxt = p.rcvNxt.Add(1)
			p.flags |= FlagGotFIN
			if p.Recv != nil {
				p.Recv(p, nil)
			}
		}
	}
}

// updateSACK implements spec §4.7.2 step 8: the new range is inserted at
// position 0, ranges it overlaps are dropped, and ranges entirely below
// rcv_nxt are pruned.
func (p *Pcb) updateSACK(left, right Seq) {
	kept := p.sack[:0]
	for _, r := range p.sack {
		if r.right.LessEq(p.rcvNxt) {
			continue
		}
		if r.right.LessEq(left) || right.LessEq(r.left) {
			kept = append(kept, r)
		}
	}
	p.sack = append([]sackRange{{left: left, right: right}}, kept...)
	if len(p.sack) > sackMaxRanges {
		p.sack = p.sack[:sackMaxRanges]
	}
}

func (p *Pcb) pruneSACKAbove(boundary Seq) {
	kept := p.sack[:0]
	for _, r := range p.sack {
		if r.left.LessThan(boundary) {
			kept = append(kept, r)
		}
	}
	p.sack = kept
}

// advanceState implements the FIN-driven half of spec §4.7.1's state
// table: a freshly-received FIN moves the PCB toward CLOSE_WAIT/CLOSING/
// TIME_WAIT, and a fully-acknowledged outbound FIN moves it the rest of
// the way to TIME_WAIT or CLOSED.
func (p *Pcb) advanceState(wh wireHeader) {
	_ = wh
	ourFinAcked := p.flags.has(FlagTxClosed) && p.sndUna == p.sndNxt

	switch p.state {
	case ESTABLISHED:
		if p.flags.has(FlagGotFIN) {
			p.transitionTo(CLOSE_WAIT)
		}
	case FIN_WAIT_1:
		switch {
		case p.flags.has(FlagGotFIN) && ourFinAcked:
			p.transitionTo(TIME_WAIT)
			p.timeWaitAt = p.now()
		case p.flags.has(FlagGotFIN):
			p.transitionTo(CLOSING)
		case ourFinAcked:
			p.transitionTo(FIN_WAIT_2)
		}
	case FIN_WAIT_2:
		if p.flags.has(FlagGotFIN) {
			p.transitionTo(TIME_WAIT)
			p.timeWaitAt = p.now()
		}
	case CLOSING:
		if ourFinAcked {
			p.transitionTo(TIME_WAIT)
			p.timeWaitAt = p.now()
		}
	case LAST_ACK:
		if ourFinAcked {
			p.transitionTo(CLOSED)
			if p.table != nil {
				p.table.remove(p)
			}
		}
	}
}

// Close implements a graceful (application) close: the active side sends
// a FIN once the send queue drains, moving ESTABLISHED -> FIN_WAIT_1 or
// CLOSE_WAIT -> LAST_ACK.
func (p *Pcb) Close() error {
	switch p.state {
	case ESTABLISHED:
		p.flags |= FlagTxClosed
		p.enqueueUnsent(&outSeg{flags: finFlag | ackFlag})
		p.transitionTo(FIN_WAIT_1)
		p.sendPending()
	case CLOSE_WAIT:
		p.flags |= FlagTxClosed
		p.enqueueUnsent(&outSeg{flags: finFlag | ackFlag})
		p.transitionTo(LAST_ACK)
		p.sendPending()
	case LISTEN, SYN_SENT:
		p.transitionTo(CLOSED)
		if p.table != nil {
			p.table.remove(p)
		}
	}
	return nil
}

// Abort implements spec §4.7.4's abort(): the PCB is dropped immediately,
// its queues freed, and an empty RST is sent at the current snd_nxt.
func (p *Pcb) Abort() {
	p.abortInternal(errConnAborted)
}

// abortInternal is the shared body of Abort, RST acceptance, and callback
// failure paths: it frees every queue, removes the PCB from its table,
// sends a bare RST, and reports the error via the Err callback. Per spec
// §4.7.4, this runs after the triggering callback returns so that no
// further dereference of the PCB occurs mid-callback.
func (p *Pcb) abortInternal(err error) {
	if p.state == CLOSED {
		return
	}
	for seg := p.unacked; seg != nil; {
		next := seg.next
		pbuf.Free(seg.payload)
		seg = next
	}
	p.unacked, p.unackedTail = nil, nil
	for seg := p.unsent; seg != nil; {
		next := seg.next
		pbuf.Free(seg.payload)
		seg = next
	}
	p.unsent, p.unsentTail = nil, nil
	for node := p.ooq; node != nil; {
		next := node.next
		pbuf.Free(node.payload)
		node = next
	}
	p.ooq, p.ooqBytes = nil, 0

	wasListening := p.state == LISTEN
	p.transitionTo(CLOSED)
	if p.table != nil {
		p.table.remove(p)
	}
	if !wasListening {
		p.sendRST(p.sndNxt)
	}
	if p.Err != nil {
		p.Err(p, err)
	}
}

// Tick drives every PCB's timers forward to now (milliseconds since an
// arbitrary epoch supplied by the caller): RTO expiry, the persist timer,
// keepalive probes, the delayed-ACK slow timer, and TIME_WAIT's 2MSL
// expiry, per spec §4.7.3.
func (t *Table) Tick(now int64) {
	t.now = now
	for i := 0; i < len(t.pcbs); i++ {
		p := t.pcbs[i]
		p.tick(now)
		if p.state == CLOSED {
			t.pcbs = append(t.pcbs[:i], t.pcbs[i+1:]...)
			i--
		}
	}
}

func (p *Pcb) tick(now int64) {
	if p.state == TIME_WAIT {
		if now-p.timeWaitAt >= msl2Ms {
			p.transitionTo(CLOSED)
		}
		return
	}
	if p.rtime >= 0 && now-p.rtime >= int64(p.rto) {
		p.onRTOExpiry()
	}
	if p.sndWnd == 0 && p.unsent != nil {
		p.persistProbe(now)
	}
	if p.flags.has(FlagAckDelay) && now-p.tsLastSent >= delayedACKMs {
		p.sendAckNow()
	}
	if p.state.established() && p.unacked == nil && p.unsent == nil {
		p.keepaliveTick(now)
	}
}

// onRTOExpiry implements spec §4.7.3's RTO-timer-expiry rule.
func (p *Pcb) onRTOExpiry() {
	p.flags |= FlagRTO
	p.rto *= 2
	if p.rto > rtoMax {
		p.rto = rtoMax
	}
	if p.unsent != nil {
		if p.unackedTail != nil {
			p.unackedTail.next = p.unsent
		} else {
			p.unacked = p.unsent
		}
		p.unackedTail = p.unsentTail
		p.unsent, p.unsentTail = nil, nil
	}
	p.ssthresh = max(p.cwnd/2, 2*p.mss)
	p.cwnd = p.mss
	p.nrtx++
	p.retransmitHead()
	p.rtime = p.now()
}

// persistProbe implements spec §4.7.3's persist timer: one-byte probes at
// backoff intervals while the peer's advertised window is closed.
func (p *Pcb) persistProbe(now int64) {
	interval := int64(p.rto) << uint(p.persistBackoff)
	if interval > rtoMax {
		interval = rtoMax
	}
	if now-p.rtime < interval {
		return
	}
	if p.persistBackoff < 6 {
		p.persistBackoff++
	}
	if p.unacked != nil {
		p.retransmitHead()
	} else if p.unsent != nil {
		p.sendPending()
	}
	p.rtime = now
}

// keepaliveTick implements spec §4.7.3's keepalive rule: after an idle
// period, emit empty probes at keepIntvlMs; after keepCountMax, abort.
func (p *Pcb) keepaliveTick(now int64) {
	idle := now - p.lastActive
	if idle < keepIdleMs {
		p.keepCntSent = 0
		return
	}
	if int64(p.keepCntSent)*keepIntvlMs > idle-keepIdleMs {
		return
	}
	if p.keepCntSent >= keepCountMax {
		p.abortInternal(errKeepaliveTimeout)
		return
	}
	p.keepCntSent++
	// A probe is not activity: lastActive is kept so the next probe
	// follows keepIntvlMs later rather than a full idle period.
	last := p.lastActive
	p.transmit(&outSeg{seq: p.sndUna.Add(-1), flags: ackFlag})
	p.lastActive = last
}
