package rfs

import "testing"

func TestBitFieldSetGet16RoundTrip(t *testing.T) {
	var w uint16
	w = bitFieldSet16(w, 0, 12, 0xabc)
	w = bitFieldSet16(w, 12, 4, 0x5)
	if got := bitFieldGet16(w, 0, 12); got != 0xabc {
		t.Fatalf("low field = %#x, want %#x", got, 0xabc)
	}
	if got := bitFieldGet16(w, 12, 4); got != 0x5 {
		t.Fatalf("high field = %#x, want %#x", got, 0x5)
	}
}

func TestBitFieldSet16DoesNotDisturbOtherBits(t *testing.T) {
	w := bitFieldSet16(0, 0, 12, 0xfff)
	w = bitFieldSet16(w, 12, 4, 0)
	if got := bitFieldGet16(w, 0, 12); got != 0xfff {
		t.Fatalf("setting the high field to 0 corrupted the low field: got %#x", got)
	}
}

func TestBitFieldSetGet64RoundTrip(t *testing.T) {
	var w uint64
	w = bitFieldSet64(w, 0, 7, 100)
	w = bitFieldSet64(w, 7, 25, 0x1ffffff)
	if got := bitFieldGet64(w, 0, 7); got != 100 {
		t.Fatalf("low field = %d, want 100", got)
	}
	if got := bitFieldGet64(w, 7, 25); got != 0x1ffffff {
		t.Fatalf("high field = %#x, want %#x", got, 0x1ffffff)
	}
}

func TestBitFieldSet64OverwritesPreviousValue(t *testing.T) {
	w := bitFieldSet64(0, 0, 4, 0xf)
	w = bitFieldSet64(w, 0, 4, 0x3)
	if got := bitFieldGet64(w, 0, 4); got != 0x3 {
		t.Fatalf("field = %#x, want %#x", got, 0x3)
	}
}
