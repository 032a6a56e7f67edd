package virtualbuffer

import (
	"bytes"
	"testing"
)

func TestHasFalseBeforeWrite(t *testing.T) {
	b, err := New(100, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.Has(0, 10) {
		t.Fatal("expected Has to be false before any write")
	}
}

func TestWriteThenReadRoundTripSingleSlab(t *testing.T) {
	b, err := New(100, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("hello world")
	if err := b.Write(payload, 10); err != nil {
		t.Fatal(err)
	}
	if !b.Has(10, 10+int64(len(payload))) {
		t.Fatal("expected Has true after write")
	}
	got, err := b.Slice(10, 10+int64(len(payload)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestWriteThenReadRoundTripBlocked(t *testing.T) {
	b, err := New(1000, 100, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("x"), 250)
	if err := b.Write(payload, 50); err != nil {
		t.Fatal(err)
	}
	if !b.Has(50, 300) {
		t.Fatal("expected Has true across block boundary")
	}
	got, err := b.Slice(50, 300)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch across blocks")
	}
}

func TestSliceUnfilledReturnsError(t *testing.T) {
	b, err := New(1000, 100, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Slice(0, 10); err != ErrUnfilled {
		t.Fatalf("expected ErrUnfilled, got %v", err)
	}
}

func TestResidentBlockCountBoundedByMaxBlocks(t *testing.T) {
	b, err := New(1000, 100, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := int64(0); i < 10; i++ {
		if err := b.Write([]byte{byte(i)}, i*100); err != nil {
			t.Fatal(err)
		}
		if b.ResidentBlocks() > 3 {
			t.Fatalf("resident blocks exceeded max_blocks: %d", b.ResidentBlocks())
		}
	}
	if b.ResidentBlocks() != 3 {
		t.Fatalf("expected exactly 3 resident blocks at steady state, got %d", b.ResidentBlocks())
	}
}

func TestEvictionClearsHasForEvictedRange(t *testing.T) {
	b, err := New(1000, 100, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Write([]byte{1}, 0); err != nil { // block 0
		t.Fatal(err)
	}
	if err := b.Write([]byte{1}, 100); err != nil { // block 1
		t.Fatal(err)
	}
	if err := b.Write([]byte{1}, 200); err != nil { // block 2, evicts block 0 (LRU)
		t.Fatal(err)
	}
	if b.Has(0, 1) {
		t.Fatal("expected block 0's range to be cleared after eviction")
	}
	if !b.Has(100, 101) || !b.Has(200, 201) {
		t.Fatal("expected blocks 1 and 2 to remain resident")
	}
}

func TestTouchingBlockPromotesLRU(t *testing.T) {
	b, err := New(1000, 100, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Write([]byte{1}, 0); err != nil { // block 0
		t.Fatal(err)
	}
	if err := b.Write([]byte{1}, 100); err != nil { // block 1
		t.Fatal(err)
	}
	// Touch block 0 again so block 1 becomes the LRU victim.
	if err := b.Write([]byte{2}, 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Write([]byte{1}, 200); err != nil { // block 2, should evict block 1
		t.Fatal(err)
	}
	if !b.Has(0, 1) {
		t.Fatal("expected recently touched block 0 to survive eviction")
	}
	if b.Has(100, 101) {
		t.Fatal("expected block 1 to be the eviction victim")
	}
}

func TestWriteOutOfBoundsRejected(t *testing.T) {
	b, err := New(10, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Write([]byte("too long for buffer"), 0); err == nil {
		t.Fatal("expected out-of-bounds write to fail")
	}
}

func TestNewRejectsOnlyOneBlockParamSet(t *testing.T) {
	if _, err := New(100, 10, 0, nil); err == nil {
		t.Fatal("expected error when only blockSize is set")
	}
	if _, err := New(100, 0, 10, nil); err == nil {
		t.Fatal("expected error when only maxBlocks is set")
	}
}
