// Package raw implements the RAW protocol PCB table of spec §4.6: PCBs
// keyed by IP protocol number, first-consumer-wins dispatch with
// move-to-head-of-list locality, and header-included egress.
package raw

import (
	"net"

	"github.com/fqnews/vpncore/internal/iface"
	"github.com/fqnews/vpncore/internal/ipfields"
	"github.com/fqnews/vpncore/internal/pbuf"
)

// RecvFunc is invoked for each RAW PCB whose filter matches an inbound
// datagram. It returns true if it consumed the buffer (took ownership);
// returning false leaves the buffer, untouched, for the next matching PCB
// or the protocol-specific handler.
type RecvFunc func(hdr *ipfields.Header, b *pbuf.Buf, in *iface.Iface) bool

// Pcb is one bound RAW endpoint.
type Pcb struct {
	Proto      uint8
	Netif      *iface.Iface // nil matches any
	LocalIP    net.IP       // nil/unspecified matches any
	RemoteIP   net.IP       // set only when connected
	HdrIncl    bool         // IP_HDRINCL equivalent for Output
	AllowBcast bool
	Recv       RecvFunc
}

func (p *Pcb) connected() bool { return p.RemoteIP != nil && !p.RemoteIP.Equal(net.IPv4zero) }

func (p *Pcb) matches(hdr *ipfields.Header, in *iface.Iface) bool {
	if p.Proto != hdr.Proto {
		return false
	}
	if p.Netif != nil && p.Netif != in {
		return false
	}
	if p.LocalIP != nil && !p.LocalIP.Equal(net.IPv4zero) && !p.LocalIP.Equal(hdr.Dst) {
		return false
	}
	if p.connected() && !p.RemoteIP.Equal(hdr.Src) {
		return false
	}
	return true
}

// Table holds every bound RAW PCB for one stack instance.
type Table struct {
	pcbs []*Pcb
}

// New returns an empty RAW PCB table.
func New() *Table { return &Table{} }

// Add registers pcb.
func (t *Table) Add(pcb *Pcb) { t.pcbs = append(t.pcbs, pcb) }

// Remove unregisters pcb.
func (t *Table) Remove(pcb *Pcb) {
	for i, p := range t.pcbs {
		if p == pcb {
			t.pcbs = append(t.pcbs[:i], t.pcbs[i+1:]...)
			return
		}
	}
}

// Input implements spec §4.6's incoming dispatch: every matching PCB's
// Recv is tried in list order until one consumes the buffer. The
// consuming PCB (or, if none consumed, nothing) is moved to the head of
// the list for locality. Returns true if some PCB consumed the datagram.
func (t *Table) Input(hdr *ipfields.Header, b *pbuf.Buf, in *iface.Iface) bool {
	for i, p := range t.pcbs {
		if !p.matches(hdr, in) {
			continue
		}
		if hdr.Dst.Equal(net.IPv4bcast) && !p.AllowBcast {
			continue
		}
		if p.Recv == nil {
			continue
		}
		if p.Recv(hdr, b, in) {
			t.moveToFront(i)
			return true
		}
	}
	return false
}

func (t *Table) moveToFront(i int) {
	if i == 0 {
		return
	}
	p := t.pcbs[i]
	copy(t.pcbs[1:i+1], t.pcbs[0:i])
	t.pcbs[0] = p
}

// Output sends payload through ipOut. If pcb.HdrIncl is set, payload must
// already carry a complete IP header as its first 20 bytes and ipOut is
// told so; otherwise ipOut builds the header per spec §4.3.
func (pcb *Pcb) Output(payload *pbuf.Buf, dst net.IP, ipOut func(b *pbuf.Buf, src, dst net.IP, proto uint8, headerIncluded bool) error) error {
	if dst.Equal(net.IPv4bcast) && !pcb.AllowBcast {
		pbuf.Free(payload)
		return errBroadcastNotAllowed
	}
	return ipOut(payload, pcb.LocalIP, dst, pcb.Proto, pcb.HdrIncl)
}

type broadcastNotAllowedError struct{}

func (broadcastNotAllowedError) Error() string { return "raw: broadcast not enabled on this PCB" }

var errBroadcastNotAllowed = broadcastNotAllowedError{}
