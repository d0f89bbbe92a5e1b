package tcp

import (
	"net"

	"github.com/fqnews/vpncore/internal/checksum"
	"github.com/fqnews/vpncore/internal/iface"
	"github.com/fqnews/vpncore/internal/ipfields"
	"github.com/fqnews/vpncore/internal/metrics"
	"github.com/fqnews/vpncore/internal/pbuf"
	"github.com/fqnews/vpncore/internal/tcpopt"
)

// input is the TCP engine's single entry point from internal/ipv4: it
// parses the segment, verifies its checksum, locates the owning PCB (or
// listener), and dispatches per spec §4.7.1.
func (t *Table) input(hdr *ipfields.Header, b *pbuf.Buf, in *iface.Iface) {
	raw := b.Data()
	wh, err := parseHeader(raw)
	if err != nil {
		metrics.TCPRetransmitTotal.WithLabelValues("bad_header").Inc()
		pbuf.Free(b)
		return
	}
	if !verifySegmentChecksum(hdr, raw, wh.checksum) {
		pbuf.Free(b)
		return
	}
	optLen := wh.dataOff - HeaderLen
	var opts tcpopt.Options
	if optLen > 0 {
		opts, _ = tcpopt.Parse(b, HeaderLen, optLen)
	}
	if err := b.RemoveHeader(wh.dataOff); err != nil {
		pbuf.Free(b)
		return
	}
	dataLen := b.Total()

	pcb := t.findActive(hdr.Dst, hdr.Src, wh.dstPort, wh.srcPort)
	if pcb == nil {
		if l := t.findListener(hdr.Dst, wh.dstPort); l != nil {
			t.handleListen(l, hdr, wh, opts, in)
			pbuf.Free(b)
			return
		}
		if !wh.flags.has(rstFlag) {
			t.sendRSTForUnknown(hdr, wh, dataLen)
		}
		pbuf.Free(b)
		return
	}
	pcb.lastActive = t.now
	pcb.recvSegment(wh, opts, b, dataLen, hdr.Dst)
}

// verifySegmentChecksum recomputes the TCP checksum over the IPv4
// pseudo-header plus the full segment (the wire checksum field included,
// self-verifying fold technique per RFC 1071).
func verifySegmentChecksum(hdr *ipfields.Header, raw []byte, want uint16) bool {
	_ = want
	sum := checksum.PseudoHeaderSum(hdr.Src4(), hdr.Dst4(), 6, uint16(len(raw)))
	sum += checksum.Sum(raw)
	return checksum.Fold(sum) == 0xFFFF
}

// handleListen implements spec §4.7.1's LISTEN-receiving-SYN rule: a
// child PCB is allocated in SYN_RCVD, socket options are inherited, MSS/
// WS/TS/SACK options are parsed, an ISN is chosen, and SYN|ACK is queued,
// subject to the listener's backlog.
func (t *Table) handleListen(l *Listener, hdr *ipfields.Header, wh wireHeader, opts tcpopt.Options, in *iface.Iface) {
	if !wh.flags.has(synFlag) || wh.flags.has(ackFlag) {
		return
	}
	if l.backlogFull() {
		metrics.TCPRetransmitTotal.WithLabelValues("backlog_full").Inc()
		return
	}
	child := newPcb(t)
	child.LocalIP = hdr.Dst
	child.LocalPort = wh.dstPort
	child.RemoteIP = hdr.Src
	child.RemotePort = wh.srcPort
	child.Netif = in
	child.listener = l
	child.flags |= l.InheritedOpts
	child.iss = randomISS()
	child.sndUna, child.sndNxt = child.iss, child.iss
	child.rcvNxt = wh.seq.Add(1)
	child.mss = t.routeMSS(hdr.Src)
	child.applyPeerOptions(opts)
	child.state = SYN_RCVD
	l.pending++
	t.pcbs = append(t.pcbs, child)

	seg := &outSeg{seq: child.iss, flags: synFlag | ackFlag}
	child.enqueueUnsent(seg)
	child.sendPending()
}

func (p *Pcb) applyPeerOptions(opts tcpopt.Options) {
	if opts.HasMSS && opts.MSS > 0 {
		mss := int(opts.MSS)
		if mss < p.mss || p.mss == 0 {
			p.mss = mss
		}
	}
	if opts.HasWS {
		p.flags |= FlagWndScale
		p.rcvWS = 7
		p.sndWS = opts.WindowScale
	}
	if opts.SACKPermitted {
		p.flags |= FlagSACK
	}
	if opts.HasTS {
		p.flags |= FlagTimestamp
		p.tsRecent = opts.TSVal
	}
}

// recvSegment dispatches a validated segment to the state-specific
// handler, per spec §4.7.1.
func (p *Pcb) recvSegment(wh wireHeader, opts tcpopt.Options, payload *pbuf.Buf, dataLen int, localIP net.IP) {
	switch p.state {
	case SYN_SENT:
		p.recvSynSent(wh, opts, payload, dataLen)
	case SYN_RCVD:
		p.recvSynRcvd(wh, payload, dataLen)
	case TIME_WAIT:
		p.recvTimeWait(wh, payload, dataLen)
	default:
		if p.state.established() {
			p.receive(wh, opts, payload, dataLen)
		} else {
			pbuf.Free(payload)
		}
	}
}

// recvSynSent implements spec §4.7.1's SYN_SENT rules.
func (p *Pcb) recvSynSent(wh wireHeader, opts tcpopt.Options, payload *pbuf.Buf, dataLen int) {
	defer pbuf.Free(payload)
	if wh.flags.has(ackFlag) && wh.ack != p.iss.Add(1) {
		p.sendRST(wh.ack)
		if p.nrtx < 3 {
			p.nrtx++
			p.retransmitHead()
		}
		return
	}
	if wh.flags.has(rstFlag) {
		if wh.flags.has(ackFlag) {
			p.abortInternal(errConnReset)
		}
		return
	}
	if !wh.flags.has(synFlag) {
		return
	}
	p.rcvNxt = wh.seq.Add(1)
	p.sndUna = wh.ack
	p.applyPeerOptions(opts)
	p.mss = clampMSS(p.mss)
	p.cwnd = min(4*p.mss, max(2*p.mss, 4380))
	p.freeAcked(wh.ack)
	p.rtseq = 0
	p.rttest = 0
	p.state = ESTABLISHED
	metrics.TCPStateTransitionTotal.WithLabelValues("SYN_SENT", "ESTABLISHED").Inc()
	if p.Connected != nil {
		if err := p.Connected(p); err != nil {
			p.abortInternal(err)
			return
		}
	}
	p.sendAckNow()
}

func clampMSS(mss int) int {
	if mss <= 0 {
		return defaultMSS
	}
	return mss
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// recvSynRcvd implements spec §4.7.1's SYN_RCVD-receiving-ACK rule.
func (p *Pcb) recvSynRcvd(wh wireHeader, payload *pbuf.Buf, dataLen int) {
	defer pbuf.Free(payload)
	if wh.flags.has(rstFlag) {
		p.abortInternal(errConnReset)
		return
	}
	if !wh.flags.has(ackFlag) || wh.ack != p.sndNxt {
		return
	}
	p.sndUna = wh.ack
	p.state = ESTABLISHED
	metrics.TCPStateTransitionTotal.WithLabelValues("SYN_RCVD", "ESTABLISHED").Inc()
	if p.listener != nil {
		p.listener.pending--
		if p.listener.Accept != nil {
			if err := p.listener.Accept(p); err != nil {
				p.abortInternal(err)
				return
			}
		}
	}
}

// receive implements spec §4.7.2 in full: window update, duplicate-ACK
// detection, new-data-ACK congestion control, RTT estimation, the
// out-of-window-ACK reply, in-order data delivery with left-overlap
// trimming and window truncation, out-of-order queueing, post-delivery
// drain, and SACK range maintenance.
func (p *Pcb) receive(wh wireHeader, opts tcpopt.Options, payload *pbuf.Buf, dataLen int) {
	if wh.flags.has(rstFlag) {
		p.handleRST(wh)
		pbuf.Free(payload)
		return
	}
	if wh.flags.has(synFlag) {
		// A SYN in an established connection: treat as crash-restart,
		// elicit a RST with an immediate ACK (spec §4.7.1).
		p.sendAckNow()
		pbuf.Free(payload)
		return
	}

	scaledWnd := int(wh.window) << p.sndWS

	// 1. Window update.
	if p.sndWl1.LessThan(wh.seq) || (p.sndWl1 == wh.seq && p.sndWl2.LessThan(wh.ack)) ||
		(p.sndWl2 == wh.ack && scaledWnd > p.sndWnd) {
		p.sndWnd = scaledWnd
		p.sndWl1 = wh.seq
		p.sndWl2 = wh.ack
		if scaledWnd > p.sndWndMax {
			p.sndWndMax = scaledWnd
		}
	}

	seglen := dataLen
	if wh.flags.has(finFlag) {
		seglen++
	}

	// 2. Duplicate-ACK detection.
	isDup := wh.flags.has(ackFlag) &&
		wh.ack.LessEq(p.sndUna) &&
		seglen == 0 &&
		int(wh.window)<<p.sndWS == p.sndWnd &&
		p.rtime >= 0 &&
		wh.ack == p.sndUna
	if isDup {
		p.dupacks++
		if p.dupacks == 3 {
			p.enterFastRetransmit()
		} else if p.dupacks > 3 {
			p.cwnd += p.mss
			p.sendIfWindowAllows()
		}
	} else if wh.flags.has(ackFlag) && (wh.ack != p.sndUna || seglen != 0 || int(wh.window)<<p.sndWS != p.sndWnd) {
		p.dupacks = 0
	}

	// 3. New-data ACK.
	if wh.flags.has(ackFlag) && wh.ack.LessEq(p.sndNxt) && p.sndUna.LessThan(wh.ack) {
		acked := int(Diff(wh.ack, p.sndUna))
		if p.flags.has(FlagInFastRecovery) {
			p.flags &^= FlagInFastRecovery
			p.cwnd = p.ssthresh
		}
		p.nrtx = 0
		p.rto = (p.sa >> 3) + p.sv
		if p.rto < rtoMin {
			p.rto = rtoMin
		}
		p.freeAcked(wh.ack)
		p.sndUna = wh.ack
		if p.cwnd < p.ssthresh {
			k := 2
			if p.flags.has(FlagRTO) {
				k = 1
			}
			inc := acked
			if inc > k*p.mss {
				inc = k * p.mss
			}
			p.cwnd += inc
		} else {
			p.bytesAcked += acked
			if p.bytesAcked >= p.cwnd {
				p.bytesAcked -= p.cwnd
				p.cwnd += p.mss
			}
		}
		if p.inFlight() == 0 {
			p.flags &^= FlagRTO
			p.rtime = -1
		} else {
			p.rtime = p.now()
		}
	}

	// 4. RTT estimation (Jacobson/Karels): triggers when this ACK
	// acknowledges the segment recorded as the RTT probe.
	if p.rtseq != 0 && wh.flags.has(ackFlag) && p.rtseq.LessThan(wh.ack) {
		m := int(p.now() - p.rttest)
		m -= p.sa >> 3
		p.sa += m
		if m < 0 {
			m = -m
		}
		m -= p.sv >> 2
		p.sv += m
		p.rto = (p.sa >> 3) + p.sv
		if p.rto < rtoMin {
			p.rto = rtoMin
		}
		p.rtseq = 0
	}

	// 5. Out-of-window ACK.
	if wh.flags.has(ackFlag) && !(wh.ack.LessEq(p.sndUna)) && !InRange(wh.ack, p.sndUna+1, p.sndNxt+1) {
		p.sendAckNow()
	}

	// 6-7. Data delivery, reassembly, OOQ drain.
	if dataLen > 0 || wh.flags.has(finFlag) {
		p.deliverOrQueue(wh.seq, payload, dataLen, wh.flags.has(finFlag), opts)
	} else {
		pbuf.Free(payload)
	}

	p.advanceState(wh)
}
