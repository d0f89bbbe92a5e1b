package raw

import (
	"net"
	"testing"

	"github.com/fqnews/vpncore/internal/iface"
	"github.com/fqnews/vpncore/internal/ipfields"
	"github.com/fqnews/vpncore/internal/pbuf"
)

func testBuf() *pbuf.Buf {
	b, _ := pbuf.Alloc(pbuf.LayerRaw, 4, pbuf.KindPrivate)
	return b
}

func testHeader(proto uint8, dst net.IP) *ipfields.Header {
	return &ipfields.Header{Proto: proto, Src: net.ParseIP("10.0.0.1"), Dst: dst}
}

func TestFirstConsumingHandlerWins(t *testing.T) {
	tab := New()
	var order []int
	p1 := &Pcb{Proto: 6, Recv: func(*ipfields.Header, *pbuf.Buf, *iface.Iface) bool {
		order = append(order, 1)
		return false
	}}
	p2 := &Pcb{Proto: 6, Recv: func(*ipfields.Header, *pbuf.Buf, *iface.Iface) bool {
		order = append(order, 2)
		return true
	}}
	tab.Add(p1)
	tab.Add(p2)

	consumed := tab.Input(testHeader(6, net.ParseIP("10.0.0.2")), testBuf(), nil)
	if !consumed {
		t.Fatal("expected p2 to consume")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected p1 then p2 to be tried, got %v", order)
	}
}

func TestConsumerMovedToFront(t *testing.T) {
	tab := New()
	p1 := &Pcb{Proto: 6, Recv: func(*ipfields.Header, *pbuf.Buf, *iface.Iface) bool { return false }}
	p2 := &Pcb{Proto: 6, Recv: func(*ipfields.Header, *pbuf.Buf, *iface.Iface) bool { return true }}
	tab.Add(p1)
	tab.Add(p2)

	tab.Input(testHeader(6, net.ParseIP("10.0.0.2")), testBuf(), nil)
	if tab.pcbs[0] != p2 {
		t.Fatal("consuming PCB should have been moved to the head of the list")
	}
}

func TestProtocolMismatchNeverCalled(t *testing.T) {
	tab := New()
	called := false
	p := &Pcb{Proto: 17, Recv: func(*ipfields.Header, *pbuf.Buf, *iface.Iface) bool { called = true; return true }}
	tab.Add(p)

	consumed := tab.Input(testHeader(6, net.ParseIP("10.0.0.2")), testBuf(), nil)
	if consumed || called {
		t.Fatal("PCB bound to a different protocol should never be invoked")
	}
}

func TestConnectedPcbFiltersBySource(t *testing.T) {
	tab := New()
	called := false
	p := &Pcb{Proto: 6, RemoteIP: net.ParseIP("192.168.1.1"), Recv: func(*ipfields.Header, *pbuf.Buf, *iface.Iface) bool { called = true; return true }}
	tab.Add(p)

	consumed := tab.Input(testHeader(6, net.ParseIP("10.0.0.2")), testBuf(), nil)
	if consumed || called {
		t.Fatal("connected PCB should reject a datagram from a non-matching source")
	}
}

func TestBroadcastGatedByOption(t *testing.T) {
	tab := New()
	called := false
	p := &Pcb{Proto: 17, Recv: func(*ipfields.Header, *pbuf.Buf, *iface.Iface) bool { called = true; return true }}
	tab.Add(p)

	consumed := tab.Input(testHeader(17, net.IPv4bcast), testBuf(), nil)
	if consumed || called {
		t.Fatal("broadcast should be gated by AllowBcast")
	}

	p.AllowBcast = true
	consumed = tab.Input(testHeader(17, net.IPv4bcast), testBuf(), nil)
	if !consumed || !called {
		t.Fatal("broadcast should be delivered once AllowBcast is set")
	}
}
