package iface

import (
	"net"
	"testing"
)

func mkIface(name string, addr string, mask net.IPMask, up bool) *Iface {
	f := Flags(0)
	if up {
		f |= FlagUp | FlagLinkUp
	}
	return &Iface{
		Name:  name,
		Flags: f,
		Addr:  net.ParseIP(addr).To4(),
		Mask:  mask,
	}
}

func TestRouteMatchesNetwork(t *testing.T) {
	tbl := NewTable()
	tun := mkIface("tn0", "10.0.0.2", net.CIDRMask(24, 32), true)
	tbl.Add(tun)

	got := tbl.Route(net.ParseIP("10.0.0.55"))
	if got != tun {
		t.Fatalf("expected tun, got %v", got)
	}
}

func TestRouteFallsBackToDefault(t *testing.T) {
	tbl := NewTable()
	tun := mkIface("tn0", "10.0.0.2", net.CIDRMask(24, 32), true)
	tbl.Add(tun)

	got := tbl.Route(net.ParseIP("8.8.8.8"))
	if got != tun {
		t.Fatalf("expected default fallback to tun, got %v", got)
	}
}

func TestRouteNoneWhenDefaultDown(t *testing.T) {
	tbl := NewTable()
	tun := mkIface("tn0", "10.0.0.2", net.CIDRMask(24, 32), false)
	tbl.Add(tun)

	if got := tbl.Route(net.ParseIP("8.8.8.8")); got != nil {
		t.Fatalf("expected nil route, got %v", got)
	}
}

func TestRouteLoopbackPrefersDefault(t *testing.T) {
	tbl := NewTable()
	tun := mkIface("tn0", "10.0.0.2", net.CIDRMask(24, 32), true)
	tbl.Add(tun)

	got := tbl.Route(net.ParseIP("127.0.0.1"))
	if got != tun {
		t.Fatalf("expected tun for loopback, got %v", got)
	}
}

func TestAccepts(t *testing.T) {
	tun := mkIface("tn0", "10.0.0.2", net.CIDRMask(24, 32), true)
	tun.Flags |= FlagBroadcast

	if !Accepts(tun, net.ParseIP("10.0.0.2")) {
		t.Error("expected accept of own address")
	}
	if !Accepts(tun, net.ParseIP("10.0.0.255")) {
		t.Error("expected accept of directed broadcast")
	}
	if Accepts(tun, net.ParseIP("10.0.0.3")) {
		t.Error("expected reject of unrelated unicast")
	}
}

func TestAcceptsDownInterface(t *testing.T) {
	tun := mkIface("tn0", "10.0.0.2", net.CIDRMask(24, 32), false)
	if Accepts(tun, net.ParseIP("10.0.0.2")) {
		t.Error("a down interface must not accept anything")
	}
}
