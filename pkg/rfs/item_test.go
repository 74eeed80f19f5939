package rfs

import (
	"reflect"
	"testing"
)

func TestItemHeaderEncodeDecodeRoundTrip(t *testing.T) {
	ih := NewItemHeader(Key{DirID: 1, ObjectID: 2, Offset: 0, Type: TypeStatData}, 44, 128, KeyFormat2)
	ih.SetFlag(FlagUnreachable)

	buf := make([]byte, itemHeaderSize)
	EncodeItemHeader(buf, ih)
	got := DecodeItemHeader(buf)

	if got.Key != ih.Key || got.Len != ih.Len || got.Location != ih.Location {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, ih)
	}
	if !got.HasFlag(FlagUnreachable) {
		t.Fatal("expected FlagUnreachable to survive the round trip")
	}
	if got.Format() != KeyFormat2 {
		t.Fatalf("expected format KeyFormat2, got %d", got.Format())
	}
}

func TestStatDataV2EncodeDecodeRoundTrip(t *testing.T) {
	sd := StatDataV2{
		Mode: 0100644, Nlink: 1, Size: 5, UID: 1000, GID: 1000,
		ATime: 111, MTime: 222, CTime: 333, Blocks: 1, FirstDirectByte: 0xffffffff,
	}
	b := EncodeStatDataV2(sd)
	if len(b) != statDataV2OnDiskSize {
		t.Fatalf("expected %d-byte encoding, got %d", statDataV2OnDiskSize, len(b))
	}
	got := DecodeStatDataV2(b)
	if got != sd {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, sd)
	}
}

func TestStatDataV1EncodeDecodeRoundTrip(t *testing.T) {
	sd := StatDataV1{
		Mode: 0100644, Nlink: 2, UID: 0, GID: 0, Size: 10,
		ATime: 1, MTime: 2, CTime: 3, FirstDirectByte: 0xffffffff, RdevOrGeneration: 0,
	}
	b := EncodeStatDataV1(sd)
	if len(b) != StatDataV1Size {
		t.Fatalf("expected %d-byte encoding, got %d", StatDataV1Size, len(b))
	}
	got := DecodeStatDataV1(b)
	if got != sd {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, sd)
	}
}

func TestExtentEncodeDecodeRoundTrip(t *testing.T) {
	pointers := []uint32{10, 0, 12, 13}
	b := EncodeExtent(pointers)
	if len(b) != len(pointers)*ExtentPointerSize {
		t.Fatalf("unexpected encoded length %d", len(b))
	}
	got := DecodeExtent(b)
	if !reflect.DeepEqual(got, pointers) {
		t.Fatalf("round trip mismatch: got %v, want %v", got, pointers)
	}
}

func TestPackOffsetHashPartAndGeneration(t *testing.T) {
	packed := PackOffset(0x12345680, 3)
	if HashPart(packed) != 0x12345680 {
		t.Fatalf("HashPart = %#x, want %#x", HashPart(packed), 0x12345680)
	}
	if Generation(packed) != 3 {
		t.Fatalf("Generation = %d, want 3", Generation(packed))
	}
}

func TestDirectoryBodyEncodeDecodeRoundTrip(t *testing.T) {
	entries := []DirEntry{
		{Head: DirEntryHead{OffsetHashGen: PackOffset(0, 0), DirID: 1, ObjectID: 2, State: directoryEntryVisible}, Name: "."},
		{Head: DirEntryHead{OffsetHashGen: PackOffset(0, 1), DirID: 1, ObjectID: 1, State: directoryEntryVisible}, Name: ".."},
		{Head: DirEntryHead{OffsetHashGen: PackOffset(0xabcd00, 0), DirID: 2, ObjectID: 1000, State: directoryEntryVisible}, Name: "hello.txt"},
	}
	body := EncodeDirectoryBody(entries)
	got := DecodeDirectoryBody(body, uint16(len(entries)))

	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].Name != e.Name {
			t.Errorf("entry %d: name = %q, want %q", i, got[i].Name, e.Name)
		}
		if got[i].Head.DirID != e.Head.DirID || got[i].Head.ObjectID != e.Head.ObjectID {
			t.Errorf("entry %d: head mismatch: got %+v, want %+v", i, got[i].Head, e.Head)
		}
		if !got[i].Head.Visible() {
			t.Errorf("entry %d: expected visible entry", i)
		}
	}
}

func TestMergeableStatDataNeverMergeable(t *testing.T) {
	a := ItemHeader{Key: Key{DirID: 1, ObjectID: 1, Type: TypeStatData}}
	b := ItemHeader{Key: Key{DirID: 1, ObjectID: 1, Type: TypeStatData}}
	if Mergeable(a, b, 4096) {
		t.Fatal("stat-data items should never be mergeable")
	}
}

func TestMergeableDirectItemsMustAbut(t *testing.T) {
	left := ItemHeader{Key: Key{DirID: 1, ObjectID: 5, Offset: 0, Type: TypeDirect}, Len: 10}
	adjacent := ItemHeader{Key: Key{DirID: 1, ObjectID: 5, Offset: 10, Type: TypeDirect}}
	gap := ItemHeader{Key: Key{DirID: 1, ObjectID: 5, Offset: 11, Type: TypeDirect}}

	if !Mergeable(left, adjacent, 4096) {
		t.Fatal("expected adjacent direct items to be mergeable")
	}
	if Mergeable(left, gap, 4096) {
		t.Fatal("expected a gap between direct items to block merging")
	}
}

func TestMergeableExtentItemsScaleByBlockSize(t *testing.T) {
	left := ItemHeader{Key: Key{DirID: 1, ObjectID: 5, Offset: 0, Type: TypeExtent}, Len: 2 * ExtentPointerSize}
	adjacent := ItemHeader{Key: Key{DirID: 1, ObjectID: 5, Offset: 2 * 4096, Type: TypeExtent}}
	if !Mergeable(left, adjacent, 4096) {
		t.Fatal("expected extent items separated by exactly their pointer*blocksize span to be mergeable")
	}
}

func TestMergeableRequiresSameObjectAndType(t *testing.T) {
	left := ItemHeader{Key: Key{DirID: 1, ObjectID: 5, Offset: 0, Type: TypeDirectory}}
	otherObject := ItemHeader{Key: Key{DirID: 1, ObjectID: 6, Offset: 0, Type: TypeDirectory}}
	if Mergeable(left, otherObject, 4096) {
		t.Fatal("items belonging to different objects must never be mergeable")
	}
}
