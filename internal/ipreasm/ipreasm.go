// Package ipreasm implements IP fragment reassembly and fragmentation, per
// spec §4.4. Reassembly keys entries by (src, dst, id, proto) exactly as
// spec §3 describes; fragmentation is the egress-side counterpart used by
// internal/ipv4 when an outbound datagram exceeds the outbound interface's
// MTU.
package ipreasm

import (
	"encoding/binary"
	"net"
	"sort"

	"github.com/fqnews/vpncore/internal/icmp"
	"github.com/fqnews/vpncore/internal/ipfields"
	"github.com/fqnews/vpncore/internal/metrics"
	"github.com/fqnews/vpncore/internal/pbuf"
)

// MaxAge is IP_REASS_MAXAGE: seconds a reassembly entry may sit idle
// before being abandoned, per spec §8.
const MaxAge = 15

// MaxFragmentsOutstanding caps the total number of fragment pbufs held
// across all entries, mirroring lwip's pbuf-count cap (spec §3's
// "bounded by a pbuf cap").
const MaxFragmentsOutstanding = 4096

// key identifies a reassembly entry.
type key struct {
	src, dst string
	id       uint16
	proto    uint8
}

// fragment is one received fragment: its byte range within the
// reconstructed datagram, and its payload (the bytes after the 20-byte IP
// header).
type fragment struct {
	start, end int // byte offsets, end exclusive
	data       *pbuf.Buf
}

// entry is one in-progress reassembly, per spec §3.
type entry struct {
	k         key
	hdr       *ipfields.Header // header of the first-seen fragment, reused as the reassembled header
	firstSeen []byte           // raw bytes of the first-seen fragment, for an eventual ICMP Time Exceeded
	frags     []fragment
	haveLast  bool // the MF=0 fragment has arrived
	total     int  // reconstructed payload length, known once haveLast
	age       int  // seconds until abandon
}

func (e *entry) validAndComplete() bool {
	if !e.haveLast || len(e.frags) == 0 {
		return false
	}
	expect := 0
	for _, f := range e.frags {
		if f.start != expect {
			return false
		}
		expect = f.end
	}
	return expect == e.total
}

// Reassembler holds all in-progress reassembly entries for one stack
// instance.
type Reassembler struct {
	entries        map[key]*entry
	fragsOutstanding int
	overlapCheck   bool

	// SendICMP, if non-nil, is invoked with a built ICMP Time Exceeded
	// payload and the original datagram's source/destination when an
	// entry times out with its first fragment present. When it is nil, no
	// ICMP is sent.
	SendICMP func(payload []byte, origSrc net.IP, origDst net.IP, ttl uint8)
}

// New returns an empty reassembler with overlap checking enabled.
func New() *Reassembler {
	return &Reassembler{
		entries:      make(map[key]*entry),
		overlapCheck: true,
	}
}

func k(h *ipfields.Header) key {
	return key{src: h.Src.String(), dst: h.Dst.String(), id: h.ID, proto: h.Proto}
}

// Input processes one inbound fragment: hdr is its IP header, already
// validated by internal/ipv4, raw the header's raw bytes, and payload the
// bytes that followed the header. It returns
// the reassembled datagram (header + chained payload) when this fragment
// completes one, or (nil, nil) if reassembly is still pending.
func (r *Reassembler) Input(hdr *ipfields.Header, raw []byte, payload *pbuf.Buf) (*ipfields.Header, *pbuf.Buf) {
	start := hdr.FragOff
	end := start + payload.Total()

	if r.fragsOutstanding >= MaxFragmentsOutstanding {
		r.evictOldest()
	}

	kk := k(hdr)
	e, ok := r.entries[kk]
	if !ok {
		e = &entry{k: kk, hdr: hdr, age: MaxAge}
		if len(raw) > 0 {
			e.firstSeen = append([]byte(nil), raw...)
		}
		r.entries[kk] = e
		metrics.ReassemblyActiveGauge.Inc()
	}
	if !hdr.MF {
		e.haveLast = true
		e.total = end
	}

	// Insert sorted by start, at the first position whose start exceeds
	// the new fragment's, per spec §4.4.
	idx := sort.Search(len(e.frags), func(i int) bool { return e.frags[i].start > start })

	if r.overlapCheck {
		if idx > 0 && e.frags[idx-1].end > start {
			metrics.ReassemblyOverlapDropTotal.Inc()
			return nil, nil // overlap with predecessor: drop, entry remains valid
		}
		if idx < len(e.frags) && e.frags[idx].start < end {
			metrics.ReassemblyOverlapDropTotal.Inc()
			return nil, nil // overlap with successor: drop
		}
	}

	e.frags = append(e.frags, fragment{})
	copy(e.frags[idx+1:], e.frags[idx:])
	e.frags[idx] = fragment{start: start, end: end, data: payload}
	r.fragsOutstanding++
	if start == 0 && len(raw) > 0 {
		e.firstSeen = append([]byte(nil), raw...)
	}

	if !e.validAndComplete() {
		return nil, nil
	}

	// Coalesce: chain every fragment's payload in order.
	delete(r.entries, kk)
	metrics.ReassemblyActiveGauge.Dec()
	r.fragsOutstanding -= len(e.frags)

	head := e.frags[0].data
	for i := 1; i < len(e.frags); i++ {
		head.Concat(e.frags[i].data)
	}

	reassembled := *e.hdr
	reassembled.TotalLen = ipfields.HeaderLen + e.total
	reassembled.FragOff = 0
	reassembled.MF = false
	return &reassembled, head
}

// evictOldest frees the entry with the fewest seconds remaining, per
// spec's resource-exhaustion recovery rule for reassembly ("optionally
// evict the oldest not-matching entry before giving up").
func (r *Reassembler) evictOldest() {
	var oldestKey key
	oldestAge := MaxAge + 1
	found := false
	for kk, e := range r.entries {
		if e.age < oldestAge {
			oldestAge = e.age
			oldestKey = kk
			found = true
		}
	}
	if !found {
		return
	}
	e := r.entries[oldestKey]
	for _, f := range e.frags {
		pbuf.Free(f.data)
	}
	r.fragsOutstanding -= len(e.frags)
	delete(r.entries, oldestKey)
	metrics.ReassemblyActiveGauge.Dec()
}

// Tick runs the coarse (1-second) reassembly timer: every entry's age is
// decremented, and entries that reach zero are abandoned, optionally
// emitting ICMP Time Exceeded if the first fragment was seen.
func (r *Reassembler) Tick() {
	for kk, e := range r.entries {
		e.age--
		if e.age > 0 {
			continue
		}
		if e.firstSeen != nil && r.SendICMP != nil {
			payload := icmp.FragmentReassemblyTimeExceeded(e.firstSeen)
			r.SendICMP(payload, e.hdr.Src, e.hdr.Dst, 64)
		}
		metrics.ReassemblyTimeoutTotal.Inc()
		for _, f := range e.frags {
			pbuf.Free(f.data)
		}
		r.fragsOutstanding -= len(e.frags)
		delete(r.entries, kk)
		metrics.ReassemblyActiveGauge.Dec()
	}
}

// ActiveCount returns the number of in-progress entries, for tests.
func (r *Reassembler) ActiveCount() int { return len(r.entries) }

// --- Fragmentation (egress side) ---

// Fragment splits an outbound datagram (header already filled in except
// FragOff/MF/TotalLen/Checksum) into on-wire fragments sized to fit mtu,
// per spec §4.4: nfb = (mtu-20)/8 eight-byte units per fragment, all but
// the last carrying MF=1.
func Fragment(hdr *ipfields.Header, payload []byte, mtu int) [][]byte {
	nfb := (mtu - ipfields.HeaderLen) / 8
	chunk := nfb * 8
	if chunk <= 0 {
		return nil
	}
	var out [][]byte
	for off := 0; off < len(payload); off += chunk {
		end := off + chunk
		if end > len(payload) {
			end = len(payload)
		}
		frag := *hdr
		frag.FragOff = off
		frag.MF = end < len(payload)
		frag.TotalLen = ipfields.HeaderLen + (end - off)

		buf := make([]byte, ipfields.HeaderLen+(end-off))
		frag.Marshal(buf)
		copy(buf[ipfields.HeaderLen:], payload[off:end])
		out = append(out, buf)
	}
	return out
}

// fragOffWire renders a FragOff byte offset as the on-wire 8-byte-unit
// value, for callers that need to compare against a raw header's 13-bit
// field directly rather than going through ipfields.Header.
func fragOffWire(byteOffset int) uint16 {
	return uint16(byteOffset / 8)
}
