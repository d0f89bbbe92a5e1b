// Package stack is the "stack instance" value of spec §9's design notes:
// it owns ip_id (via internal/ipv4's Engine), the TCP active/listen/
// time-wait lists, the UDP and RAW PCB lists, and the reassembly head,
// and wires §4.2 through §4.7 together behind a single Input entry
// point a TUN reader loop drives.
package stack

import (
	"net"

	"github.com/fqnews/vpncore/internal/iface"
	"github.com/fqnews/vpncore/internal/ipfields"
	"github.com/fqnews/vpncore/internal/ipreasm"
	"github.com/fqnews/vpncore/internal/ipv4"
	"github.com/fqnews/vpncore/internal/pbuf"
	"github.com/fqnews/vpncore/internal/raw"
	"github.com/fqnews/vpncore/internal/tcp"
	"github.com/fqnews/vpncore/internal/udp"
)

// Stack is one process-wide instance of the core: one interface table,
// one IPv4 engine, one reassembler, and the three protocol PCB tables.
// Constructing more than one is possible (each is an independent
// value, never a package global) but this binary constructs exactly
// one, per spec §9's "construct one per process for parity with the
// source, but do not gate correctness on a single global".
type Stack struct {
	Ifaces *iface.Table
	Reasm  *ipreasm.Reassembler
	IP     *ipv4.Engine
	TCP    *tcp.Table
	UDP    *udp.Table
	RAW    *raw.Table
}

// New constructs a fully wired Stack: the IPv4 engine's Demux dispatches
// to RAW, then UDP, then TCP in that order (spec §4.3 step 6), and the
// TCP table's IPOutputFunc calls back into the IPv4 engine's Output.
func New() *Stack {
	s := &Stack{
		Ifaces: iface.NewTable(),
		Reasm:  ipreasm.New(),
		UDP:    udp.New(),
		RAW:    raw.New(),
	}
	s.IP = ipv4.New(s.Ifaces, s.Reasm, demux{s})
	s.TCP = tcp.NewTable(s.Ifaces, s.tcpOutput)
	return s
}

// tcpOutput adapts internal/tcp's IPOutputFunc shape to the IPv4
// engine's Output, with headerIncluded always false: the TCP engine
// never builds its own IP header.
func (s *Stack) tcpOutput(b *pbuf.Buf, src, dst net.IP, ttl, tos uint8, proto uint8) error {
	return s.IP.Output(b, src, dst, ttl, tos, proto, nil, false)
}

// Input feeds one raw IP datagram read from the TUN device into the
// stack, per spec §4.3's ingress path. in identifies the receiving
// interface.
func (s *Stack) Input(raw []byte, in *iface.Iface) error {
	b := pbuf.AllocRef(raw, nil)
	return s.IP.Input(b, in)
}

// Tick advances every timer-driven subsystem: TCP retransmission/
// persist/keepalive/delayed-ACK (spec §4.7's coarse tick) and IP
// reassembly aging (spec §4.4's IP_REASS_MAXAGE), per spec §5's
// "coarse tick (500ms)" / "slow tick" timers.
func (s *Stack) Tick(now int64) {
	s.TCP.Tick(now)
	s.Reasm.Tick()
}

// AddInterface registers iface in the stack's routing table, per spec
// §4.2.
func (s *Stack) AddInterface(i *iface.Iface) { s.Ifaces.Add(i) }

// demux adapts the UDP/RAW/TCP PCB tables' differing Input signatures
// to internal/ipv4's single Demux interface.
type demux struct{ s *Stack }

func (d demux) Raw(hdr *ipfields.Header, b *pbuf.Buf, in *iface.Iface) bool {
	return d.s.RAW.Input(hdr, b, in)
}

func (d demux) UDP(hdr *ipfields.Header, b *pbuf.Buf, in *iface.Iface) bool {
	return d.s.UDP.Input(hdr, b, in, d.s.udpICMPOut)
}

func (d demux) TCP(hdr *ipfields.Header, b *pbuf.Buf, in *iface.Iface) bool {
	return d.s.TCP.TCP(hdr, b, in)
}

// udpICMPOut implements the icmpOut hook internal/udp's Input calls on
// a no-match datagram, routing the already-built ICMP reply back
// through the IPv4 engine's Output.
func (s *Stack) udpICMPOut(dst net.IP, reply []byte) {
	s.IP.Output(pbuf.AllocRef(reply, nil), nil, dst, 64, 0, ipv4.ProtoICMP, nil, false)
}
