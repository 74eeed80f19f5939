package rfs

import "testing"

func TestParseHashName(t *testing.T) {
	cases := map[string]HashCode{"tea": HashTea, "rupasov": HashRupasov, "r5": HashR5}
	for name, want := range cases {
		got, err := ParseHashName(name)
		if err != nil {
			t.Fatalf("ParseHashName(%q): %v", name, err)
		}
		if got != want {
			t.Errorf("ParseHashName(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := ParseHashName("bogus"); err == nil {
		t.Fatal("expected an error for an unknown hash name")
	}
}

func TestHashNameIsDeterministicAndFamiliesDiverge(t *testing.T) {
	name := []byte("some-filename.txt")
	a := HashName(HashTea, name)
	b := HashName(HashTea, name)
	if a != b {
		t.Fatal("HashName must be deterministic for the same input")
	}
	if HashName(HashTea, name) == HashName(HashR5, name) &&
		HashName(HashTea, name) == HashName(HashRupasov, name) {
		t.Fatal("expected at least one hash family to diverge on this name")
	}
}

func TestHashNameTopBitAlwaysClear(t *testing.T) {
	for _, code := range []HashCode{HashTea, HashRupasov, HashR5} {
		h := HashName(code, []byte("a-reasonably-long-test-file-name.bin"))
		if h&0x80000000 != 0 {
			t.Errorf("hash family %v set the reserved top bit: %#x", code, h)
		}
	}
}

func TestHashNamePanicsOnUnset(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected HashName(HashUnset, ...) to panic")
		}
	}()
	HashName(HashUnset, []byte("x"))
}

func TestInferHashMatchesTheFamilyThatProducedTheSample(t *testing.T) {
	name := []byte("uniquely-hashing-name")
	stored := HashName(HashTea, name) &^ 0x7f // generation bits cleared, as stored on disk
	samples := []struct {
		Name         []byte
		StoredOffset uint32
	}{{Name: name, StoredOffset: stored}}

	got, err := InferHash(samples)
	if err != nil {
		if err == ErrAmbiguousHash {
			// More than one family reproduces this particular name; a single
			// sample can't always disambiguate, which is the documented
			// behavior, not a bug.
			return
		}
		t.Fatalf("InferHash: %v", err)
	}
	if got != HashTea {
		t.Errorf("InferHash = %v, want HashTea (the family the sample was generated with)", got)
	}
}

func TestInferHashErrorsWithNoMatch(t *testing.T) {
	samples := []struct {
		Name         []byte
		StoredOffset uint32
	}{{Name: []byte("anything"), StoredOffset: 0xdeadbeef &^ 0x7f}}
	if _, err := InferHash(samples); err == nil {
		t.Fatal("expected an error when no hash family reproduces the sample")
	}
}
