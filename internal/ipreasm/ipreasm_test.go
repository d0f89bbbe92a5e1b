package ipreasm

import (
	"net"
	"testing"

	"github.com/fqnews/vpncore/internal/ipfields"
	"github.com/fqnews/vpncore/internal/pbuf"
)

func mkPayload(n int, fill byte) *pbuf.Buf {
	b, _ := pbuf.Alloc(pbuf.LayerRaw, n, pbuf.KindPrivate)
	for i := range b.Data() {
		b.Data()[i] = fill
	}
	return b
}

func baseHeader() *ipfields.Header {
	return &ipfields.Header{
		IHL:   20,
		ID:    42,
		TTL:   64,
		Proto: 6,
		Src:   net.ParseIP("10.0.0.1"),
		Dst:   net.ParseIP("10.0.0.2"),
	}
}

// TestReassemblyOutOfOrder mirrors spec.md §8 seed test 2: a 3000-byte
// datagram split into fragments of 1480/1480/40 payload bytes at offsets
// 0/1480/2960 bytes, delivered in order 2,1,3.
func TestReassemblyOutOfOrder(t *testing.T) {
	r := New()
	h := baseHeader()

	frags := []struct {
		off  int
		n    int
		mf   bool
		fill byte
	}{
		{0, 1480, true, 0xAA},
		{1480, 1480, true, 0xBB},
		{2960, 40, false, 0xCC},
	}

	deliverOrder := []int{1, 0, 2}
	var gotHdr *ipfields.Header
	var gotBuf *pbuf.Buf
	for _, i := range deliverOrder {
		fh := *h
		fh.FragOff = frags[i].off
		fh.MF = frags[i].mf
		payload := mkPayload(frags[i].n, frags[i].fill)
		hh, bb := r.Input(&fh, nil, payload)
		if hh != nil {
			gotHdr = hh
			gotBuf = bb
		}
	}

	if gotHdr == nil {
		t.Fatal("reassembly did not complete")
	}
	if gotBuf.Total() != 3000 {
		t.Fatalf("got total %d, want 3000", gotBuf.Total())
	}
	dst := make([]byte, 3000)
	pbuf.CopyPartial(gotBuf, dst, 3000, 0)
	for i := 0; i < 1480; i++ {
		if dst[i] != 0xAA {
			t.Fatalf("byte %d: got %x want aa", i, dst[i])
		}
	}
	for i := 1480; i < 2960; i++ {
		if dst[i] != 0xBB {
			t.Fatalf("byte %d: got %x want bb", i, dst[i])
		}
	}
	for i := 2960; i < 3000; i++ {
		if dst[i] != 0xCC {
			t.Fatalf("byte %d: got %x want cc", i, dst[i])
		}
	}
}

func TestOverlappingFragmentDropped(t *testing.T) {
	r := New()
	h := baseHeader()

	f0 := *h
	f0.FragOff = 0
	f0.MF = true
	r.Input(&f0, nil, mkPayload(100, 1))

	// Overlaps [0,100) -> should be dropped, entry remains valid.
	f1 := *h
	f1.FragOff = 50
	f1.MF = true
	hdr, buf := r.Input(&f1, nil, mkPayload(100, 2))
	if hdr != nil || buf != nil {
		t.Fatal("overlapping fragment should not complete reassembly")
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("entry should remain valid after overlap drop, got %d entries", r.ActiveCount())
	}
}

func TestTickAbandonsStaleEntry(t *testing.T) {
	r := New()
	h := baseHeader()
	f0 := *h
	f0.FragOff = 0
	f0.MF = true
	r.Input(&f0, []byte{0x45, 0, 0, 28}, mkPayload(100, 1))

	sent := false
	r.SendICMP = func(payload []byte, dst, src net.IP, ttl uint8) { sent = true }

	for i := 0; i < MaxAge; i++ {
		r.Tick()
	}
	if r.ActiveCount() != 0 {
		t.Fatal("entry should have been abandoned")
	}
	if !sent {
		t.Fatal("expected ICMP time exceeded to be sent for a first-fragment-seen entry")
	}
}

func TestFragmentRoundTripsThroughReassembly(t *testing.T) {
	h := baseHeader()
	h.TTL = 64
	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	wire := Fragment(h, payload, 1500)
	if len(wire) < 2 {
		t.Fatalf("expected multiple fragments, got %d", len(wire))
	}

	r := New()
	var gotHdr *ipfields.Header
	var gotBuf *pbuf.Buf
	for _, w := range wire {
		fh, err := ipfields.Parse(w)
		if err != nil {
			t.Fatal(err)
		}
		body := w[ipfields.HeaderLen:]
		pb, _ := pbuf.Alloc(pbuf.LayerRaw, len(body), pbuf.KindPrivate)
		copy(pb.Data(), body)
		hh, bb := r.Input(fh, w, pb)
		if hh != nil {
			gotHdr, gotBuf = hh, bb
		}
	}
	if gotHdr == nil {
		t.Fatal("fragments did not reassemble")
	}
	got := make([]byte, gotBuf.Total())
	pbuf.CopyPartial(gotBuf, got, len(got), 0)
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %x want %x", i, got[i], payload[i])
		}
	}
}
