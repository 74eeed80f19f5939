package rfs

import (
	"bytes"
	"testing"
)

func TestBitmapSetClearTest(t *testing.T) {
	bm := NewBitmap(100)
	if bm.Ones() != 0 {
		t.Fatal("fresh bitmap should start with zero set bits")
	}
	bm.Set(5)
	bm.Set(42)
	if !bm.Test(5) || !bm.Test(42) {
		t.Fatal("expected bits 5 and 42 to be set")
	}
	if bm.Ones() != 2 {
		t.Fatalf("Ones() = %d, want 2", bm.Ones())
	}
	bm.Clear(5)
	if bm.Test(5) {
		t.Fatal("expected bit 5 to be clear after Clear")
	}
	if bm.Ones() != 1 {
		t.Fatalf("Ones() = %d, want 1", bm.Ones())
	}
}

func TestBitmapSetIsIdempotent(t *testing.T) {
	bm := NewBitmap(10)
	bm.Set(3)
	bm.Set(3)
	if bm.Ones() != 1 {
		t.Fatalf("setting the same bit twice should not double-count, got %d", bm.Ones())
	}
}

func TestBitmapFindZeroFromRespectsHint(t *testing.T) {
	bm := NewBitmap(16)
	for i := uint32(0); i < 5; i++ {
		bm.Set(i)
		bm.AdvanceHint(i)
	}
	got := bm.FindZeroFrom(0)
	if got != 5 {
		t.Fatalf("FindZeroFrom(0) = %d, want 5 (hint should skip the allocated prefix)", got)
	}
}

func TestBitmapFindZeroFromReturnsSizeWhenFull(t *testing.T) {
	bm := NewBitmap(8)
	for i := uint32(0); i < 8; i++ {
		bm.Set(i)
	}
	if got := bm.FindZeroFrom(0); got != bm.Size() {
		t.Fatalf("FindZeroFrom on a full bitmap = %d, want %d", got, bm.Size())
	}
}

func TestBitmapExpandPreservesExistingBits(t *testing.T) {
	bm := NewBitmap(8)
	bm.Set(3)
	bm.Expand(32)
	if bm.Size() != 32 {
		t.Fatalf("Size() = %d, want 32", bm.Size())
	}
	if !bm.Test(3) {
		t.Fatal("expected bit 3 to survive Expand")
	}
	if bm.Test(20) {
		t.Fatal("expected newly expanded bits to start clear")
	}
}

func TestBitmapShrinkDecrementsSetCount(t *testing.T) {
	bm := NewBitmap(16)
	bm.Set(2)
	bm.Set(10)
	bm.Shrink(8)
	if bm.Size() != 8 {
		t.Fatalf("Size() = %d, want 8", bm.Size())
	}
	if bm.Ones() != 1 {
		t.Fatalf("Ones() = %d, want 1 after discarding bit 10", bm.Ones())
	}
}

func TestBitmapCopyIsIndependent(t *testing.T) {
	bm := NewBitmap(16)
	bm.Set(1)
	cp := bm.Copy()
	cp.Set(2)
	if bm.Test(2) {
		t.Fatal("mutating the copy should not affect the original")
	}
	if bm.Compare(cp) {
		t.Fatal("original and copy should no longer compare equal")
	}
}

func TestBitmapDisjunctionDeltaInvert(t *testing.T) {
	a := NewBitmap(8)
	a.Set(0)
	a.Set(1)
	b := NewBitmap(8)
	b.Set(1)
	b.Set(2)

	or := a.Disjunction(b)
	for _, bit := range []uint32{0, 1, 2} {
		if !or.Test(bit) {
			t.Errorf("Disjunction missing bit %d", bit)
		}
	}

	delta := a.Delta(b)
	if !delta.Test(0) || delta.Test(1) || delta.Test(2) {
		t.Fatalf("Delta(a,b) should be exactly {0}")
	}

	inv := a.Invert()
	if inv.Test(0) || inv.Test(1) {
		t.Fatal("Invert should clear bits that were set")
	}
	if !inv.Test(2) {
		t.Fatal("Invert should set bits that were clear")
	}
}

func TestBitmapSaveLoadRoundTrip(t *testing.T) {
	bm := NewBitmap(200)
	for _, bit := range []uint32{0, 1, 2, 50, 51, 199} {
		bm.Set(bit)
	}

	var buf bytes.Buffer
	if err := bm.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bm.Compare(got) {
		t.Fatal("loaded bitmap does not match the saved one")
	}
	if got.Ones() != bm.Ones() {
		t.Fatalf("loaded Ones() = %d, want %d", got.Ones(), bm.Ones())
	}
}

func TestBitmapSaveLoadEmptyBitmap(t *testing.T) {
	bm := NewBitmap(64)
	var buf bytes.Buffer
	if err := bm.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Ones() != 0 {
		t.Fatalf("expected an all-clear bitmap to round trip with zero set bits, got %d", got.Ones())
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	if _, err := Load(&buf); err == nil {
		t.Fatal("expected Load to reject a buffer with a bad start magic")
	}
}
