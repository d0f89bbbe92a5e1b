package resolver

import (
	"net"
	"testing"
)

func ips(t *testing.T, s string) []net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("bad test IP %q", s)
	}
	return []net.IP{ip}
}

// seed test 5: with ipv6_first=true a hostname resolving to both
// [2001:db8::1] and 192.0.2.1 yields the IPv6 endpoint; with
// ipv6_first=false it yields the IPv4 endpoint.
func TestSelectAnswerHonorsIPv6First(t *testing.T) {
	v4 := queryResult{addrs: ips(t, "192.0.2.1")}
	v6 := queryResult{addrs: ips(t, "2001:db8::1")}

	r6 := &Resolver{IPv6First: true}
	got, err := r6.selectAnswer(v4, v6)
	if err != nil {
		t.Fatalf("selectAnswer: %v", err)
	}
	if !got.Equal(net.ParseIP("2001:db8::1")) {
		t.Fatalf("ipv6_first=true selected %v, want 2001:db8::1", got)
	}

	r4 := &Resolver{IPv6First: false}
	got, err = r4.selectAnswer(v4, v6)
	if err != nil {
		t.Fatalf("selectAnswer: %v", err)
	}
	if !got.Equal(net.ParseIP("192.0.2.1")) {
		t.Fatalf("ipv6_first=false selected %v, want 192.0.2.1", got)
	}
}

func TestSelectAnswerFallsBackToLoneFamily(t *testing.T) {
	v6 := queryResult{addrs: ips(t, "2001:db8::1")}
	r := &Resolver{IPv6First: false}
	got, err := r.selectAnswer(queryResult{}, v6)
	if err != nil {
		t.Fatalf("selectAnswer: %v", err)
	}
	if !got.Equal(net.ParseIP("2001:db8::1")) {
		t.Fatalf("got %v, want 2001:db8::1", got)
	}
}

func TestSelectAnswerNoneFound(t *testing.T) {
	r := &Resolver{}
	if _, err := r.selectAnswer(queryResult{}, queryResult{}); err != ErrNoAnswer {
		t.Fatalf("err = %v, want ErrNoAnswer", err)
	}
}
