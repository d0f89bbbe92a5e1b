package tcp

import (
	"encoding/binary"
	"math/rand"
	"net"

	"github.com/fqnews/vpncore/internal/iface"
	"github.com/fqnews/vpncore/internal/ipfields"
	"github.com/fqnews/vpncore/internal/pbuf"
)

// IPOutputFunc hands a framed TCP segment to the IP engine.
type IPOutputFunc func(b *pbuf.Buf, src, dst net.IP, ttl, tos uint8, proto uint8) error

// Table owns every TCP PCB (listening and active) for one stack instance,
// and is the TCP half of internal/ipv4's Demux interface.
type Table struct {
	listeners []*Listener
	pcbs      []*Pcb

	IPOutput IPOutputFunc
	Ifaces   *iface.Table

	now int64 // milliseconds, advanced by Tick

	// EffectiveMSSForRoute, if set, replaces routeMSS's result: its return
	// value is the MSS a new connection to dst starts with. Left nil, the
	// MSS is the routed netif's MTU minus 40, the "cap mss to
	// route_mtu-40" rule in spec §4.7.3. Tests use this to exercise the
	// rule without constructing a real iface.Table.
	EffectiveMSSForRoute func(dst net.IP) int
}

// routeMSS derives the effective MSS spec §4.7.3 mandates for a new
// connection to dst: the routed interface's MTU minus the fixed 20-byte
// IPv4 and 20-byte TCP headers, before either side has negotiated
// anything. applyPeerOptions then only ever lowers this value to the
// peer's advertised MSS — it never raises it — so a large peer MSS can
// never inflate the local choice past what the route can carry.
func (t *Table) routeMSS(dst net.IP) int {
	if t.EffectiveMSSForRoute != nil {
		return t.EffectiveMSSForRoute(dst)
	}
	if t.Ifaces == nil {
		return defaultMSS
	}
	out := t.Ifaces.Route(dst)
	if out == nil || out.MTU <= ipv4TCPHeaderBytes {
		return defaultMSS
	}
	return out.MTU - ipv4TCPHeaderBytes
}

// ipv4TCPHeaderBytes is the fixed 20-byte IPv4 header plus 20-byte TCP
// header spec §4.7.3's "route_mtu-40" rule subtracts; this core never
// emits IP or TCP options on the MSS-bearing SYN itself.
const ipv4TCPHeaderBytes = 40

// NewTable returns an empty TCP PCB table.
func NewTable(ifaces *iface.Table, ipOutput IPOutputFunc) *Table {
	return &Table{Ifaces: ifaces, IPOutput: ipOutput}
}

// Listen registers a new listening PCB.
func (t *Table) Listen(l *Listener) { t.listeners = append(t.listeners, l) }

// StopListening removes a listener; in-flight children are unaffected.
func (t *Table) StopListening(l *Listener) {
	for i, x := range t.listeners {
		if x == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Connect actively opens a connection, per spec §4.7.1's SYN_SENT path.
func (t *Table) Connect(localIP net.IP, localPort uint16, remoteIP net.IP, remotePort uint16) *Pcb {
	p := newPcb(t)
	p.LocalIP, p.LocalPort = localIP, localPort
	p.RemoteIP, p.RemotePort = remoteIP, remotePort
	p.mss = t.routeMSS(remoteIP)
	p.iss = randomISS()
	p.sndUna, p.sndNxt = p.iss, p.iss
	p.state = SYN_SENT
	p.flags |= FlagWndScale | FlagSACK
	t.pcbs = append(t.pcbs, p)
	seg := &outSeg{seq: p.iss, flags: synFlag}
	p.enqueueUnsent(seg)
	p.sendPending()
	return p
}

func randomISS() Seq {
	var b [4]byte
	rand.Read(b[:])
	return Seq(binary.BigEndian.Uint32(b[:]))
}

func (t *Table) findActive(localIP, remoteIP net.IP, localPort, remotePort uint16) *Pcb {
	for _, p := range t.pcbs {
		if p.LocalPort == localPort && p.RemotePort == remotePort &&
			p.LocalIP.Equal(localIP) && p.RemoteIP.Equal(remoteIP) {
			return p
		}
	}
	return nil
}

func (t *Table) findListener(localIP net.IP, localPort uint16) *Listener {
	for _, l := range t.listeners {
		if l.matches(localIP, localPort) {
			return l
		}
	}
	return nil
}

func (t *Table) remove(p *Pcb) {
	for i, x := range t.pcbs {
		if x == p {
			t.pcbs = append(t.pcbs[:i], t.pcbs[i+1:]...)
			return
		}
	}
}

// TCP implements internal/ipv4.Demux: it is handed every inbound
// TCP-protocol datagram.
func (t *Table) TCP(hdr *ipfields.Header, b *pbuf.Buf, in *iface.Iface) bool {
	t.input(hdr, b, in)
	return true
}
