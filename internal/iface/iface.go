// Package iface implements the interface table and destination-based
// routing of spec §4.2. This core has exactly one virtual interface (the
// VPN TUN file descriptor) in production, but the table supports more for
// testability and to keep the routing contract general, matching lwip's own
// multi-netif table even though only one is ever up in this deployment.
package iface

import (
	"net"

	"github.com/fqnews/vpncore/internal/pbuf"
)

// Flags mirror lwip's NETIF_FLAG_* bits.
type Flags uint8

const (
	FlagUp Flags = 1 << iota
	FlagLinkUp
	FlagBroadcast
	FlagLoopback
	FlagMulticast
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// LinkOutputFunc writes an already-IP-framed buffer out the raw interface.
// This core's one interface is a TUN device with no link-layer framing of
// its own, so LinkOutput writes the IP frame directly; the nextHop
// argument is kept for parity with lwip's netif->output contract, which
// passes it through to ARP resolution on real link-layer interfaces.
type LinkOutputFunc func(b *pbuf.Buf, nextHop net.IP) error

// Iface is one entry in the interface table: identity, link state, and the
// output function pointer spec §3 describes. The input direction is not a
// function pointer here; inbound frames are pushed into stack.Stack.Input
// directly by the TUN reader loop (runTunPump in cmd/vpncore), so there is no
// per-interface input callback to store.
type Iface struct {
	Name  string // two-character family + index, e.g. "tn0"
	Index int

	Flags Flags
	MTU   int

	HWAddr net.HardwareAddr

	Addr    net.IP
	Mask    net.IPMask
	Gateway net.IP

	LinkOutput LinkOutputFunc
}

func (i *Iface) up() bool       { return i.Flags.has(FlagUp) }
func (i *Iface) linkUp() bool   { return i.Flags.has(FlagLinkUp) }
func (i *Iface) hasAddr() bool  { return i.Addr != nil && !i.Addr.Equal(net.IPv4zero) }
func (i *Iface) broadcast() bool {
	if i.Mask == nil || i.Addr == nil {
		return false
	}
	return i.Flags.has(FlagBroadcast)
}

// network reports whether dest shares this interface's (addr & mask)
// network.
func (i *Iface) network(dest net.IP) bool {
	if !i.hasAddr() || i.Mask == nil {
		return false
	}
	return sameNet(i.Addr, dest, i.Mask)
}

func sameNet(a, b net.IP, mask net.IPMask) bool {
	a4 := a.To4()
	b4 := b.To4()
	if a4 == nil || b4 == nil {
		return false
	}
	for i := range mask {
		if a4[i]&mask[i] != b4[i]&mask[i] {
			return false
		}
	}
	return true
}

// broadcastAddr computes the directed broadcast address of i's network.
func (i *Iface) broadcastAddr() net.IP {
	a4 := i.Addr.To4()
	if a4 == nil || i.Mask == nil {
		return nil
	}
	out := make(net.IP, 4)
	for k := range out {
		out[k] = a4[k] | ^i.Mask[k]
	}
	return out
}

// Table holds the configured interfaces plus the default route and default
// multicast interface, per spec §3/§4.2.
type Table struct {
	ifaces    []*Iface
	defaultIf *Iface
	mcastIf   *Iface
}

// NewTable returns an empty interface table.
func NewTable() *Table {
	return &Table{}
}

// Add registers an interface. The first interface added becomes the
// default route unless SetDefault is called explicitly afterward.
func (t *Table) Add(i *Iface) {
	t.ifaces = append(t.ifaces, i)
	if t.defaultIf == nil {
		t.defaultIf = i
	}
}

// Remove unregisters an interface. Per spec §3's lifecycle contract, the
// caller must have already closed every TCP/UDP/RAW endpoint bound to it;
// Remove itself does not enforce that (the stack package owns PCB
// lifecycle and must call this only after doing so).
func (t *Table) Remove(i *Iface) {
	for idx, cur := range t.ifaces {
		if cur == i {
			t.ifaces = append(t.ifaces[:idx], t.ifaces[idx+1:]...)
			break
		}
	}
	if t.defaultIf == i {
		t.defaultIf = nil
		if len(t.ifaces) > 0 {
			t.defaultIf = t.ifaces[0]
		}
	}
	if t.mcastIf == i {
		t.mcastIf = nil
	}
}

// SetDefault overrides the default route interface.
func (t *Table) SetDefault(i *Iface) { t.defaultIf = i }

// SetMulticastDefault overrides the interface multicast destinations route
// through.
func (t *Table) SetMulticastDefault(i *Iface) { t.mcastIf = i }

// All returns every registered interface, in registration order.
func (t *Table) All() []*Iface { return t.ifaces }

// Route selects an outbound interface for dest, per spec §4.2:
//  1. multicast destinations use the configured default multicast
//     interface;
//  2. loopback destinations prefer the default interface if up, else any
//     up interface;
//  3. otherwise the first up, link-up interface whose network contains
//     dest, or whose gateway equals dest (point-to-point, non-broadcast);
//  4. failing all of that, the default interface if it is up and
//     link-up;
//  5. otherwise no route.
func (t *Table) Route(dest net.IP) *Iface {
	if dest.IsMulticast() {
		if t.mcastIf != nil && t.mcastIf.up() {
			return t.mcastIf
		}
		return nil
	}
	if dest.IsLoopback() {
		if t.defaultIf != nil && t.defaultIf.up() {
			return t.defaultIf
		}
		for _, i := range t.ifaces {
			if i.up() {
				return i
			}
		}
		return nil
	}
	for _, i := range t.ifaces {
		if !i.up() || !i.linkUp() || !i.hasAddr() {
			continue
		}
		if i.network(dest) {
			return i
		}
		if !i.broadcast() && i.Gateway != nil && i.Gateway.Equal(dest) {
			return i
		}
	}
	if t.defaultIf != nil && t.defaultIf.up() && t.defaultIf.linkUp() {
		return t.defaultIf
	}
	return nil
}

// Accepts reports whether in is willing to receive an inbound packet
// addressed to dest, per spec §4.2's acceptance rule: the interface is up
// with a configured address and either dest equals the interface address,
// dest is the directed broadcast of the interface's network, or (not
// modeled here — IPv6 link-local is out of scope) some special allowance
// applies.
func Accepts(in *Iface, dest net.IP) bool {
	if !in.up() || !in.hasAddr() {
		return false
	}
	if in.Addr.Equal(dest) {
		return true
	}
	if dest.Equal(net.IPv4bcast) {
		return true
	}
	if b := in.broadcastAddr(); b != nil && b.Equal(dest) {
		return true
	}
	return false
}

// AcceptsAny reports whether any interface in the table accepts dest,
// returning the accepting interface or nil.
func (t *Table) AcceptsAny(dest net.IP) *Iface {
	for _, i := range t.ifaces {
		if Accepts(i, dest) {
			return i
		}
	}
	return nil
}
