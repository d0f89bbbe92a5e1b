package stack

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/fqnews/vpncore/internal/iface"
	"github.com/fqnews/vpncore/internal/ipfields"
	"github.com/fqnews/vpncore/internal/ipv4"
	"github.com/fqnews/vpncore/internal/pbuf"
	"github.com/fqnews/vpncore/internal/udp"
)

func buildUDPPacket(t *testing.T, src, dst net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	udpLen := 8 + len(payload)
	wire := make([]byte, ipfields.HeaderLen+udpLen)
	binary.BigEndian.PutUint16(wire[ipfields.HeaderLen:], srcPort)
	binary.BigEndian.PutUint16(wire[ipfields.HeaderLen+2:], dstPort)
	binary.BigEndian.PutUint16(wire[ipfields.HeaderLen+4:], uint16(udpLen))
	// checksum left at 0: internal/udp treats a zero checksum as absent.
	copy(wire[ipfields.HeaderLen+8:], payload)

	hdr := &ipfields.Header{
		TotalLen: len(wire),
		TTL:      64,
		Proto:    ipv4.ProtoUDP,
		Src:      src,
		Dst:      dst,
	}
	hdr.Marshal(wire)
	return wire
}

func testIface(addr string, linkOutput iface.LinkOutputFunc) *iface.Iface {
	return &iface.Iface{
		Name:       "tn0",
		Flags:      iface.FlagUp | iface.FlagLinkUp,
		MTU:        1500,
		Addr:       net.ParseIP(addr).To4(),
		Mask:       net.CIDRMask(24, 32),
		LinkOutput: linkOutput,
	}
}

// TestUDPEndToEnd exercises the full ingress path: Stack.Input parses the
// IP header, the demux adapter dispatches to the UDP table, and a bound
// PCB's Recv callback observes the decapsulated payload.
func TestUDPEndToEnd(t *testing.T) {
	s := New()
	ifc := testIface("10.0.0.2", func(b *pbuf.Buf, nextHop net.IP) error { return nil })
	s.AddInterface(ifc)
	s.Ifaces.SetDefault(ifc)

	got := make(chan []byte, 1)
	pcb := &udp.Pcb{
		LocalPort: 5300,
		Recv: func(payload *pbuf.Buf, hdr *ipfields.Header, srcPort, dstPort uint16) {
			got <- append([]byte(nil), payload.Data()...)
		},
	}
	if err := s.UDP.Add(pcb); err != nil {
		t.Fatalf("UDP.Add: %v", err)
	}

	wire := buildUDPPacket(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 40000, 5300, []byte("ping"))
	if err := s.Input(wire, ifc); err != nil {
		t.Fatalf("Input: %v", err)
	}

	select {
	case payload := <-got:
		if string(payload) != "ping" {
			t.Fatalf("got payload %q, want %q", payload, "ping")
		}
	default:
		t.Fatal("UDP PCB never received the decapsulated payload")
	}
}

// TestUDPEndToEndNoListener exercises the no-match path: a datagram with
// no bound PCB must not panic and must trigger the ICMP-port-unreachable
// hook rather than being silently dropped before reaching the demux.
func TestUDPEndToEndNoListener(t *testing.T) {
	s := New()
	var wrote [][]byte
	ifc := testIface("10.0.0.2", func(b *pbuf.Buf, nextHop net.IP) error {
		wrote = append(wrote, append([]byte(nil), b.Data()...))
		return nil
	})
	s.AddInterface(ifc)
	s.Ifaces.SetDefault(ifc)

	wire := buildUDPPacket(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 40000, 9999, []byte("x"))
	if err := s.Input(wire, ifc); err != nil {
		t.Fatalf("Input: %v", err)
	}

	if len(wrote) == 0 {
		t.Fatal("expected an ICMP port-unreachable reply to be written out the interface")
	}
	if proto := wrote[0][9]; proto != ipv4.ProtoICMP {
		t.Fatalf("reply protocol = %d, want ICMP (%d)", proto, ipv4.ProtoICMP)
	}
}

// TestTickDoesNotPanic exercises the coarse timer path with no active
// connections or pending reassembly entries.
func TestTickDoesNotPanic(t *testing.T) {
	s := New()
	s.Tick(1)
}
