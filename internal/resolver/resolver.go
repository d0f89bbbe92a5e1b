// Package resolver implements the parallel A/AAAA DNS resolution spec
// §4.8.6 requires before a Shadowsocks session dials a hostname
// destination: both record types are queried concurrently and the
// session resumes only once both have completed, in either order.
package resolver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ErrNoAnswer reports that neither the A nor the AAAA query returned a
// usable address.
var ErrNoAnswer = errors.New("resolver: no address record found")

// Resolver issues A/AAAA queries against a configured upstream server.
// Queries for the two record types are always run in parallel: per
// §4.8.6, both must complete (success or error) before an answer is
// selected, regardless of which family ipv6_first prefers.
type Resolver struct {
	Upstream  string        // "host:port", e.g. "1.1.1.1:53"
	Timeout   time.Duration // per-query deadline
	IPv6First bool
	client    *dns.Client
}

// New returns a Resolver that queries upstream (host:port) with the
// given per-query timeout.
func New(upstream string, timeout time.Duration, ipv6First bool) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		Upstream:  upstream,
		Timeout:   timeout,
		IPv6First: ipv6First,
		client:    &dns.Client{Timeout: timeout},
	}
}

type queryResult struct {
	addrs []net.IP
	err   error
}

// Resolve looks up host, which must not already be a literal address,
// and returns the endpoint §4.8.6's selection policy picks: the first
// AAAA answer if IPv6First is set and any exist, else the first A
// answer, else whichever single family answered.
func (r *Resolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	var wg sync.WaitGroup
	var v4, v6 queryResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		v4.addrs, v4.err = r.query(ctx, host, dns.TypeA)
	}()
	go func() {
		defer wg.Done()
		v6.addrs, v6.err = r.query(ctx, host, dns.TypeAAAA)
	}()
	wg.Wait()

	return r.selectAnswer(v4, v6)
}

func (r *Resolver) selectAnswer(v4, v6 queryResult) (net.IP, error) {
	if r.IPv6First && len(v6.addrs) > 0 {
		return v6.addrs[0], nil
	}
	if len(v4.addrs) > 0 {
		return v4.addrs[0], nil
	}
	if len(v6.addrs) > 0 {
		return v6.addrs[0], nil
	}
	return nil, ErrNoAnswer
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	reply, _, err := r.client.ExchangeContext(ctx, m, r.Upstream)
	if err != nil {
		return nil, err
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, nil
	}

	var addrs []net.IP
	for _, rr := range reply.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			addrs = append(addrs, rec.A)
		case *dns.AAAA:
			addrs = append(addrs, rec.AAAA)
		}
	}
	return addrs, nil
}
