// Package ipv4 implements the IPv4 engine of spec §4.3: ingress validation,
// reassembly hand-off, protocol demultiplex, and egress header
// construction, checksum, loopback delivery, and fragmentation.
package ipv4

import (
	"net"
	"sync/atomic"

	"github.com/fqnews/vpncore/internal/iface"
	"github.com/fqnews/vpncore/internal/icmp"
	"github.com/fqnews/vpncore/internal/ipfields"
	"github.com/fqnews/vpncore/internal/ipreasm"
	"github.com/fqnews/vpncore/internal/metrics"
	"github.com/fqnews/vpncore/internal/pbuf"
)

// IANA protocol numbers this core dispatches.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Demux is implemented by the upper-layer engines (RAW, UDP, TCP). Each
// method reports whether it consumed the datagram; Engine.Input tries Raw
// first, then the protocol-specific handler, per spec §4.3 step 6.
type Demux interface {
	Raw(hdr *ipfields.Header, b *pbuf.Buf, in *iface.Iface) bool
	UDP(hdr *ipfields.Header, b *pbuf.Buf, in *iface.Iface) bool
	TCP(hdr *ipfields.Header, b *pbuf.Buf, in *iface.Iface) bool
}

// Engine ties the interface table, reassembler, and upper-layer demux
// together into spec §4.3's ingress/egress contract.
type Engine struct {
	Ifaces *iface.Table
	Reasm  *ipreasm.Reassembler
	Demux  Demux

	// PretendTCP gates the "deliver to the receiving interface even when
	// the destination does not match" hook spec §9's Open Questions
	// describes. Disabled by default.
	PretendTCP bool

	nextID uint32
}

// New constructs an Engine, wiring the reassembler's ICMP Time Exceeded
// callback to this engine's own Output so that timed-out reassembly
// entries can generate an ICMP reply (spec §4.4).
func New(ifaces *iface.Table, reasm *ipreasm.Reassembler, demux Demux) *Engine {
	e := &Engine{Ifaces: ifaces, Reasm: reasm, Demux: demux}
	reasm.SendICMP = func(payload []byte, origSrc, origDst net.IP, ttl uint8) {
		// The ICMP reply goes back to the original datagram's source.
		e.Output(pbuf.AllocRef(payload, nil), nil, origSrc, ttl, 0, ProtoICMP, nil, false)
	}
	return e
}

// Input validates and processes one inbound IPv4 datagram, per spec §4.3.
func (e *Engine) Input(b *pbuf.Buf, in *iface.Iface) error {
	raw := b.Data()
	hdr, err := ipfields.Parse(raw)
	if err != nil {
		metrics.IPDropTotal.WithLabelValues("bad_header").Inc()
		pbuf.Free(b)
		return err
	}
	// Trim chained length to the declared total length.
	b.Realloc(hdr.TotalLen)
	if err := b.RemoveHeader(hdr.IHL); err != nil {
		metrics.IPDropTotal.WithLabelValues("bad_header").Inc()
		pbuf.Free(b)
		return err
	}

	if hdr.MF || hdr.FragOff != 0 {
		rawCopy := append([]byte(nil), raw[:hdr.IHL]...)
		fullHdr, reassembled := e.Reasm.Input(hdr, rawCopy, b)
		if reassembled == nil {
			return nil // still pending
		}
		hdr = fullHdr
		b = reassembled
	}

	accepting := e.acceptingInterface(hdr, in)
	if accepting == nil {
		metrics.IPDropTotal.WithLabelValues("no_accepting_iface").Inc()
		pbuf.Free(b)
		return nil
	}

	if isBroadcastOrMulticast(hdr.Src) && !(hdr.Src.Equal(net.IPv4zero)) {
		metrics.IPDropTotal.WithLabelValues("bad_source").Inc()
		pbuf.Free(b)
		return nil
	}

	consumed := e.Demux.Raw(hdr, b, accepting)
	if !consumed {
		switch hdr.Proto {
		case ProtoUDP:
			consumed = e.Demux.UDP(hdr, b, accepting)
		case ProtoTCP:
			consumed = e.Demux.TCP(hdr, b, accepting)
		}
	}
	if !consumed {
		if !hdr.Dst.IsMulticast() && !hdr.Dst.Equal(net.IPv4bcast) {
			payload := icmp.ProtocolUnreachable(raw[:hdr.IHL+minInt(8, len(raw)-hdr.IHL)])
			e.Output(pbuf.AllocRef(payload, nil), nil, hdr.Src, 64, 0, ProtoICMP, nil, false)
		}
		metrics.IPDropTotal.WithLabelValues("no_handler").Inc()
		pbuf.Free(b)
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func isBroadcastOrMulticast(ip net.IP) bool {
	return ip.Equal(net.IPv4bcast) || ip.IsMulticast()
}

// acceptingInterface implements spec §4.3 step 4: multicast destinations
// are accepted if the (single) interface is up with an address; unicast
// destinations must be accepted by some configured interface (§4.2); this
// core never forwards, so an unmatched unicast destination is dropped.
func (e *Engine) acceptingInterface(hdr *ipfields.Header, in *iface.Iface) *iface.Iface {
	if hdr.Dst.IsMulticast() {
		if in != nil && in.Flags&iface.FlagUp != 0 && in.Addr != nil && !in.Addr.IsUnspecified() {
			return in
		}
		return nil
	}
	if a := e.Ifaces.AcceptsAny(hdr.Dst); a != nil {
		return a
	}
	if e.PretendTCP && hdr.Proto == ProtoTCP {
		return in
	}
	return nil
}

// Output builds (or reuses, if headerIncluded) an IPv4 header and hands
// the resulting frame to the routed interface, per spec §4.3's egress
// contract, fragmenting if necessary.
//
// When headerIncluded is true, payload must already carry a complete
// 20-byte IPv4 header as its first bytes (RAW sockets' IP_HDRINCL
// equivalent, §4.6).
func (e *Engine) Output(payload *pbuf.Buf, src, dst net.IP, ttl uint8, tos uint8, proto uint8, out *iface.Iface, headerIncluded bool) error {
	if out == nil {
		out = e.Ifaces.Route(dst)
	}
	if out == nil {
		pbuf.Free(payload)
		return errNoRoute
	}
	if src == nil || src.Equal(net.IPv4zero) {
		src = out.Addr
	}

	var hdr *ipfields.Header
	var framed *pbuf.Buf
	if headerIncluded {
		framed = payload
		parsed, err := ipfields.Parse(framed.Data())
		if err != nil {
			pbuf.Free(framed)
			return err
		}
		hdr = parsed
	} else {
		hdr = &ipfields.Header{
			TOS:      tos,
			TotalLen: ipfields.HeaderLen + payload.Total(),
			ID:       uint16(atomic.AddUint32(&e.nextID, 1)),
			TTL:      ttl,
			Proto:    proto,
			Src:      src,
			Dst:      dst,
		}
		if err := payload.AddHeader(ipfields.HeaderLen); err != nil {
			// No headroom reserved for an IP header: allocate a
			// dedicated header buffer and chain, per spec §4.5's
			// "if the first segment lacks header headroom" rule.
			hb, aerr := pbuf.Alloc(pbuf.LayerRaw, ipfields.HeaderLen, pbuf.KindPrivate)
			if aerr != nil {
				pbuf.Free(payload)
				return aerr
			}
			hb.Concat(payload)
			framed = hb
		} else {
			framed = payload
		}
		hdr.Marshal(framed.Data()[:ipfields.HeaderLen])
	}

	if dst.Equal(out.Addr) {
		// Loopback delivery: re-enter ingress directly (single-threaded
		// cooperative model, no separate queue needed).
		return e.Input(framed, out)
	}

	if framed.Total() > out.MTU {
		wire := make([]byte, framed.Total())
		pbuf.CopyPartial(framed, wire, len(wire), 0)
		pbuf.Free(framed)
		frags := ipreasm.Fragment(hdr, wire[ipfields.HeaderLen:], out.MTU)
		for _, fb := range frags {
			fbuf := pbuf.AllocRef(fb, nil)
			if err := out.LinkOutput(fbuf, nextHop(out, dst)); err != nil {
				return err
			}
		}
		return nil
	}

	return out.LinkOutput(framed, nextHop(out, dst))
}

func nextHop(out *iface.Iface, dst net.IP) net.IP {
	if out.Gateway != nil && !out.Gateway.Equal(net.IPv4zero) {
		return out.Gateway
	}
	return dst
}

type noRouteError struct{}

func (noRouteError) Error() string { return "ipv4: no route to destination" }

var errNoRoute = noRouteError{}
