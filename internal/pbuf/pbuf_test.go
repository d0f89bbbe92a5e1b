package pbuf

import (
	"testing"

	"github.com/go-test/deep"
)

func TestAllocHeadroom(t *testing.T) {
	b, err := Alloc(LayerTransport, 100, KindPrivate)
	if err != nil {
		t.Fatal(err)
	}
	if b.Len() != 100 || b.Total() != 100 {
		t.Fatalf("got len=%d total=%d, want 100/100", b.Len(), b.Total())
	}
	if b.Headroom() != linkHeaderLen+ipHeaderLen+transportHeaderLen {
		t.Fatalf("unexpected headroom %d", b.Headroom())
	}
}

func TestAddRemoveHeaderIsIdentity(t *testing.T) {
	b, err := Alloc(LayerTransport, 50, KindPrivate)
	if err != nil {
		t.Fatal(err)
	}
	for i := range b.Data() {
		b.Data()[i] = byte(i)
	}
	before := append([]byte(nil), b.Data()...)

	if err := b.AddHeader(20); err != nil {
		t.Fatal(err)
	}
	if err := b.RemoveHeader(20); err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(before, b.Data()); diff != nil {
		t.Errorf("add/remove header was not an identity: %v", diff)
	}
}

func TestAddHeaderFailsWithoutHeadroom(t *testing.T) {
	b, err := Alloc(LayerRaw, 10, KindPrivate)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.AddHeader(1); err != ErrBufferFull {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
}

func TestRemoveHeaderFailsPastLen(t *testing.T) {
	b, _ := Alloc(LayerRaw, 10, KindPrivate)
	if err := b.RemoveHeader(11); err != ErrHeaderTooBig {
		t.Fatalf("expected ErrHeaderTooBig, got %v", err)
	}
}

func TestChainTotalLength(t *testing.T) {
	a, _ := Alloc(LayerRaw, 10, KindPrivate)
	b, _ := Alloc(LayerRaw, 20, KindPrivate)
	a.Chain(b)
	if a.Total() != 30 {
		t.Fatalf("got total %d, want 30", a.Total())
	}
	if a.Next != b {
		t.Fatal("chain did not link Next")
	}
}

func TestReallocTrims(t *testing.T) {
	a, _ := Alloc(LayerRaw, 10, KindPrivate)
	b, _ := Alloc(LayerRaw, 20, KindPrivate)
	a.Chain(b)
	a.Realloc(15)
	if a.Total() != 15 {
		t.Fatalf("got %d, want 15", a.Total())
	}
	if a.Len() != 10 || b.Len() != 5 {
		t.Fatalf("got a.len=%d b.len=%d, want 10/5", a.Len(), b.Len())
	}
}

func TestCopyPartial(t *testing.T) {
	a, _ := Alloc(LayerRaw, 4, KindPrivate)
	copy(a.Data(), []byte{1, 2, 3, 4})
	b, _ := Alloc(LayerRaw, 4, KindPrivate)
	copy(b.Data(), []byte{5, 6, 7, 8})
	a.Chain(b)

	dst := make([]byte, 4)
	n := CopyPartial(a, dst, 4, 2)
	if n != 4 {
		t.Fatalf("copied %d, want 4", n)
	}
	want := []byte{3, 4, 5, 6}
	if diff := deep.Equal(dst, want); diff != nil {
		t.Errorf("unexpected bytes: %v", diff)
	}
}

func TestRefFreeRunsDeallocatorExactlyOnce(t *testing.T) {
	calls := 0
	b := AllocRef([]byte{1, 2, 3}, func() { calls++ })
	Ref(b)
	Free(b)
	if calls != 0 {
		t.Fatalf("deallocator ran early: %d calls", calls)
	}
	Free(b)
	if calls != 1 {
		t.Fatalf("deallocator ran %d times, want 1", calls)
	}
}

func TestFreeCascadesIntoChain(t *testing.T) {
	tailCalls := 0
	head, _ := Alloc(LayerRaw, 4, KindPrivate)
	tail := AllocRef([]byte{9, 9}, func() { tailCalls++ })
	head.Chain(tail)
	Free(head)
	if tailCalls != 1 {
		t.Fatalf("tail deallocator ran %d times, want 1", tailCalls)
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	SetPoolCap(10)
	defer SetPoolCap(64 << 20)
	if _, err := Alloc(LayerRaw, 5, KindPool); err != nil {
		t.Fatalf("unexpected error for first small alloc: %v", err)
	}
	if _, err := Alloc(LayerRaw, 100, KindPool); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}
