// Package udp implements the UDP PCB table and demux of spec §4.5: PCB
// matching preferring a connected exact match over an unconnected one,
// checksum verification (including UDP-Lite partial coverage), ephemeral
// port allocation, and ICMP port-unreachable generation on no match.
package udp

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"net"

	"github.com/fqnews/vpncore/internal/checksum"
	"github.com/fqnews/vpncore/internal/iface"
	"github.com/fqnews/vpncore/internal/icmp"
	"github.com/fqnews/vpncore/internal/ipfields"
	"github.com/fqnews/vpncore/internal/pbuf"
)

const (
	ephemeralLo = 0xC000
	ephemeralHi = 0xFFFF

	// HeaderLen is the fixed 8-byte UDP header: src port, dst port,
	// length, checksum.
	HeaderLen = 8
)

var (
	// ErrNoFreePort is returned by Bind when the ephemeral range is
	// exhausted.
	ErrNoFreePort = errors.New("udp: no free ephemeral port")
)

// RecvFunc is invoked with the UDP payload (header already stripped) when
// a PCB matches an inbound datagram.
type RecvFunc func(payload *pbuf.Buf, hdr *ipfields.Header, srcPort, dstPort uint16)

// Pcb is one bound UDP endpoint.
type Pcb struct {
	LocalIP    net.IP
	LocalPort  uint16
	RemoteIP   net.IP // nil/unspecified when unconnected
	RemotePort uint16
	Netif      *iface.Iface // nil means "any"
	Lite       bool         // UDP-Lite: checksum covers only a declared prefix
	LiteCoverage int
	NoChecksum bool
	TTL        uint8
	TOS        uint8
	Recv       RecvFunc

	connected bool
}

func (p *Pcb) isConnected() bool { return p.connected && p.RemoteIP != nil }

// Table holds every bound UDP PCB for one stack instance.
type Table struct {
	pcbs []*Pcb
}

// New returns an empty UDP PCB table.
func New() *Table { return &Table{} }

// Add registers pcb, assigning it an ephemeral local port first if it has
// none, per spec §4.5's outgoing-bind rule.
func (t *Table) Add(pcb *Pcb) error {
	if pcb.LocalPort == 0 {
		port, err := t.allocEphemeral()
		if err != nil {
			return err
		}
		pcb.LocalPort = port
	}
	if pcb.RemoteIP != nil {
		pcb.connected = true
	}
	t.pcbs = append(t.pcbs, pcb)
	return nil
}

// Remove unregisters pcb.
func (t *Table) Remove(pcb *Pcb) {
	for i, p := range t.pcbs {
		if p == pcb {
			t.pcbs = append(t.pcbs[:i], t.pcbs[i+1:]...)
			return
		}
	}
}

func (t *Table) allocEphemeral() (uint16, error) {
	for tries := 0; tries < 1024; tries++ {
		candidate := uint16(ephemeralLo + rand.Intn(ephemeralHi-ephemeralLo+1))
		if !t.portInUse(candidate) {
			return candidate, nil
		}
	}
	return 0, ErrNoFreePort
}

func (t *Table) portInUse(port uint16) bool {
	for _, p := range t.pcbs {
		if p.LocalPort == port {
			return true
		}
	}
	return false
}

// Input implements spec §4.5's incoming demux: it returns true if some PCB
// consumed the datagram, matching the connected-exact-over-unconnected
// preference rule. payload must be the UDP header + data (header still
// present). On no match, for non-multicast/non-broadcast destinations, an
// ICMP port unreachable is returned via the icmpOut callback.
func (t *Table) Input(hdr *ipfields.Header, payload *pbuf.Buf, in *iface.Iface, icmpOut func(dst net.IP, reply []byte)) bool {
	raw := payload.Data()
	if len(raw) < HeaderLen {
		pbuf.Free(payload)
		return true // malformed, drop silently, counted upstream
	}
	srcPort := binary.BigEndian.Uint16(raw[0:2])
	dstPort := binary.BigEndian.Uint16(raw[2:4])
	length := int(binary.BigEndian.Uint16(raw[4:6]))
	csum := binary.BigEndian.Uint16(raw[6:8])

	var connectedMatch, unconnectedMatch *Pcb
	for _, p := range t.pcbs {
		if p.LocalPort != dstPort {
			continue
		}
		if p.Netif != nil && p.Netif != in {
			continue
		}
		if p.LocalIP != nil && !p.LocalIP.Equal(hdr.Dst) && !p.LocalIP.Equal(net.IPv4zero) {
			continue
		}
		if p.isConnected() {
			if p.RemoteIP.Equal(hdr.Src) && p.RemotePort == srcPort {
				connectedMatch = p
				break
			}
			continue
		}
		if unconnectedMatch == nil {
			unconnectedMatch = p
		}
	}

	match := connectedMatch
	if match == nil {
		match = unconnectedMatch
	}
	if match == nil {
		if icmpOut != nil && !hdr.Dst.IsMulticast() && !hdr.Dst.Equal(net.IPv4bcast) {
			quote := raw
			if len(quote) > 8 {
				quote = quote[:8]
			}
			full := append(append([]byte(nil)), quote...)
			icmpOut(hdr.Src, icmp.PortUnreachable(full))
		}
		pbuf.Free(payload)
		return false
	}

	coverage := length
	if match.Lite {
		coverage = match.LiteCoverage
		if coverage == 0 {
			coverage = payload.Total()
		}
	}
	if !match.NoChecksum && csum != 0 {
		if !verifyChecksum(hdr, raw, coverage, csum, match.Lite) {
			pbuf.Free(payload)
			return true
		}
	}

	payload.RemoveHeader(HeaderLen)
	if match.Recv != nil {
		match.Recv(payload, hdr, srcPort, dstPort)
	} else {
		pbuf.Free(payload)
	}
	return true
}

func verifyChecksum(hdr *ipfields.Header, raw []byte, coverage int, want uint16, lite bool) bool {
	n := coverage
	if n > len(raw) {
		n = len(raw)
	}
	// UDP-Lite's pseudo-header length field is always the real datagram
	// length; only the checksummed window (n) is bounded by coverage.
	proto := uint8(17)
	length := uint16(len(raw))
	sum := checksum.PseudoHeaderSum(hdr.Src4(), hdr.Dst4(), proto, length)
	sum += checksum.Sum(raw[:n])
	got := ^checksum.Fold(sum)
	if got == 0 {
		got = 0xFFFF
	}
	return got == want
}

// Output prepends the 8-byte UDP header (ports, length, checksum) to
// payload, which holds only the datagram's data, and sends the result
// through ipOut, computing the checksum unless pcb disables it, per spec §4.5.
func (pcb *Pcb) Output(payload *pbuf.Buf, dst net.IP, dstPort uint16, ipOut func(b *pbuf.Buf, src, dst net.IP, ttl, tos uint8, proto uint8) error) error {
	if err := payload.AddHeader(HeaderLen); err != nil {
		hb, aerr := pbuf.Alloc(pbuf.LayerIP, HeaderLen, pbuf.KindPrivate)
		if aerr != nil {
			pbuf.Free(payload)
			return aerr
		}
		hb.Concat(payload)
		payload = hb
	}
	buf := payload.Data()
	binary.BigEndian.PutUint16(buf[0:2], pcb.LocalPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint16(buf[4:6], uint16(payload.Total()))
	buf[6], buf[7] = 0, 0

	if !pcb.NoChecksum {
		var src4, dst4 [4]byte
		if pcb.LocalIP != nil {
			copy(src4[:], pcb.LocalIP.To4())
		}
		copy(dst4[:], dst.To4())
		sum := checksum.PseudoHeaderSum(src4, dst4, 17, uint16(payload.Total()))
		wire := make([]byte, payload.Total())
		pbuf.CopyPartial(payload, wire, len(wire), 0)
		sum += checksum.Sum(wire)
		cs := ^checksum.Fold(sum)
		if cs == 0 {
			cs = 0xFFFF
		}
		binary.BigEndian.PutUint16(buf[6:8], cs)
	}

	ttl := pcb.TTL
	if ttl == 0 {
		ttl = 64
	}
	return ipOut(payload, pcb.LocalIP, dst, ttl, pcb.TOS, 17)
}
