package tcpopt

import (
	"testing"

	"github.com/fqnews/vpncore/internal/pbuf"
)

func TestParseMSSAndWindowScale(t *testing.T) {
	opts := EncodeSynOptions(1460, 7, true, false, 0)
	b, _ := pbuf.Alloc(pbuf.LayerRaw, len(opts), pbuf.KindPrivate)
	copy(b.Data(), opts)

	got, err := Parse(b, 0, len(opts))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.HasMSS || got.MSS != 1460 {
		t.Fatalf("MSS = %v/%v, want true/1460", got.HasMSS, got.MSS)
	}
	if !got.HasWS || got.WindowScale != 7 {
		t.Fatalf("WS = %v/%v, want true/7", got.HasWS, got.WindowScale)
	}
	if !got.SACKPermitted {
		t.Fatal("expected SACK-permitted to parse")
	}
}

func TestParseCrossesPbufBoundary(t *testing.T) {
	opts := EncodeSynOptions(1460, 7, true, true, 0xdeadbeef)
	// Split inside the timestamp value (bytes 16-19 of the 24-byte option
	// block) so that a multi-byte read has to cross a chain boundary.
	mid := 18
	first, _ := pbuf.Alloc(pbuf.LayerRaw, mid, pbuf.KindPrivate)
	copy(first.Data(), opts[:mid])
	second, _ := pbuf.Alloc(pbuf.LayerRaw, len(opts)-mid, pbuf.KindPrivate)
	copy(second.Data(), opts[mid:])
	first.Chain(second)

	got, err := Parse(first, 0, len(opts))
	if err != nil {
		t.Fatalf("Parse across boundary: %v", err)
	}
	if !got.HasMSS || got.MSS != 1460 {
		t.Fatalf("MSS did not survive the boundary split: %+v", got)
	}
	if !got.HasTS || got.TSVal != 0xdeadbeef {
		t.Fatalf("timestamp did not survive the boundary split: %+v", got)
	}
}

func TestParseSACKBlocks(t *testing.T) {
	raw := []byte{KindSACK, 18}
	raw = appendUint32(raw, 100)
	raw = appendUint32(raw, 200)
	raw = appendUint32(raw, 300)
	raw = appendUint32(raw, 400)
	raw = append(raw, KindEnd)

	b, _ := pbuf.Alloc(pbuf.LayerRaw, len(raw), pbuf.KindPrivate)
	copy(b.Data(), raw)
	got, err := Parse(b, 0, len(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got.SACKBlocks) != 2 {
		t.Fatalf("got %d SACK blocks, want 2", len(got.SACKBlocks))
	}
	if got.SACKBlocks[0] != (SACKBlock{100, 200}) || got.SACKBlocks[1] != (SACKBlock{300, 400}) {
		t.Fatalf("SACK blocks mismatch: %+v", got.SACKBlocks)
	}
}

func TestParseTolerantOfUnknownOption(t *testing.T) {
	raw := []byte{99, 4, 0xAA, 0xBB, KindMSS, 4, 0x05, 0xB4, KindEnd}
	b, _ := pbuf.Alloc(pbuf.LayerRaw, len(raw), pbuf.KindPrivate)
	copy(b.Data(), raw)
	got, err := Parse(b, 0, len(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.HasMSS || got.MSS != 1460 {
		t.Fatalf("expected to recover MSS after skipping unknown option, got %+v", got)
	}
}
