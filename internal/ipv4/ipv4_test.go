package ipv4

import (
	"net"
	"testing"

	"github.com/fqnews/vpncore/internal/iface"
	"github.com/fqnews/vpncore/internal/ipfields"
	"github.com/fqnews/vpncore/internal/ipreasm"
	"github.com/fqnews/vpncore/internal/pbuf"
)

type fakeDemux struct {
	udpHit, tcpHit, rawHit bool
	lastHdr                *ipfields.Header
	lastBody               []byte
}

func (f *fakeDemux) Raw(hdr *ipfields.Header, b *pbuf.Buf, in *iface.Iface) bool {
	f.rawHit = true
	return false
}

func (f *fakeDemux) UDP(hdr *ipfields.Header, b *pbuf.Buf, in *iface.Iface) bool {
	f.udpHit = true
	f.lastHdr = hdr
	f.lastBody = make([]byte, b.Total())
	pbuf.CopyPartial(b, f.lastBody, len(f.lastBody), 0)
	pbuf.Free(b)
	return true
}

func (f *fakeDemux) TCP(hdr *ipfields.Header, b *pbuf.Buf, in *iface.Iface) bool {
	f.tcpHit = true
	pbuf.Free(b)
	return true
}

func testIface(addr string) *iface.Iface {
	return &iface.Iface{
		Name:  "tn0",
		Flags: iface.FlagUp | iface.FlagLinkUp,
		MTU:   1500,
		Addr:  net.ParseIP(addr),
		Mask:  net.CIDRMask(24, 32),
	}
}

func buildDatagram(t *testing.T, src, dst net.IP, proto uint8, payload []byte) []byte {
	t.Helper()
	hdr := &ipfields.Header{
		TTL:      64,
		Proto:    proto,
		Src:      src,
		Dst:      dst,
		TotalLen: ipfields.HeaderLen + len(payload),
	}
	buf := make([]byte, ipfields.HeaderLen+len(payload))
	hdr.Marshal(buf)
	copy(buf[ipfields.HeaderLen:], payload)
	return buf
}

func TestInputDispatchesToUDP(t *testing.T) {
	tab := iface.NewTable()
	in := testIface("10.0.0.2")
	tab.Add(in)

	demux := &fakeDemux{}
	e := New(tab, ipreasm.New(), demux)

	payload := []byte("hello")
	wire := buildDatagram(t, net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), ProtoUDP, payload)
	b := pbuf.AllocRef(wire, nil)

	if err := e.Input(b, in); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if !demux.udpHit {
		t.Fatal("expected UDP demux to be invoked")
	}
	if string(demux.lastBody) != "hello" {
		t.Fatalf("got payload %q, want %q", demux.lastBody, "hello")
	}
}

func TestInputDropsUnmatchedDestination(t *testing.T) {
	tab := iface.NewTable()
	in := testIface("10.0.0.2")
	tab.Add(in)
	demux := &fakeDemux{}
	e := New(tab, ipreasm.New(), demux)

	wire := buildDatagram(t, net.ParseIP("10.0.0.1"), net.ParseIP("192.168.1.1"), ProtoUDP, []byte("x"))
	b := pbuf.AllocRef(wire, nil)
	if err := e.Input(b, in); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if demux.udpHit {
		t.Fatal("should not have dispatched a datagram addressed elsewhere")
	}
}

func TestOutputFragmentsOversizedDatagram(t *testing.T) {
	tab := iface.NewTable()
	in := testIface("10.0.0.2")
	in.MTU = 576
	in.Gateway = net.ParseIP("10.0.0.1")
	tab.Add(in)

	var sent [][]byte
	in.LinkOutput = func(b *pbuf.Buf, nextHop net.IP) error {
		out := make([]byte, b.Total())
		pbuf.CopyPartial(b, out, len(out), 0)
		sent = append(sent, out)
		pbuf.Free(b)
		return nil
	}

	demux := &fakeDemux{}
	e := New(tab, ipreasm.New(), demux)

	payload, _ := pbuf.Alloc(pbuf.LayerTransport, 2000, pbuf.KindPrivate)
	for i := range payload.Data() {
		payload.Data()[i] = byte(i)
	}
	err := e.Output(payload, net.ParseIP("10.0.0.2"), net.ParseIP("172.16.0.5"), 64, 0, ProtoUDP, in, false)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if len(sent) < 2 {
		t.Fatalf("expected multiple fragments on the wire, got %d", len(sent))
	}
	for _, w := range sent {
		hdr, err := ipfields.Parse(w)
		if err != nil {
			t.Fatalf("fragment failed to parse: %v", err)
		}
		if hdr.Proto != ProtoUDP {
			t.Fatalf("fragment proto = %d, want %d", hdr.Proto, ProtoUDP)
		}
	}
}

func TestOutputLoopsBackToSelf(t *testing.T) {
	tab := iface.NewTable()
	in := testIface("10.0.0.2")
	tab.Add(in)
	in.LinkOutput = func(b *pbuf.Buf, nextHop net.IP) error {
		t.Fatal("loopback delivery should not reach LinkOutput")
		return nil
	}

	demux := &fakeDemux{}
	e := New(tab, ipreasm.New(), demux)

	payload, _ := pbuf.Alloc(pbuf.LayerTransport, 4, pbuf.KindPrivate)
	copy(payload.Data(), []byte("ping"))
	if err := e.Output(payload, net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.2"), 64, 0, ProtoUDP, in, false); err != nil {
		t.Fatalf("Output: %v", err)
	}
	if !demux.udpHit {
		t.Fatal("expected loopback delivery to re-enter Input and reach UDP demux")
	}
}
