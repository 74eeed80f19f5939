package rfs

import "testing"

func TestBlockHeaderEncodeDecodeRoundTrip(t *testing.T) {
	b := make([]byte, BlockHeaderSize)
	want := BlockHeader{Level: LeafLevel, ItemCount: 3, Free: 120}
	EncodeBlockHeader(b, want)
	got := DecodeBlockHeader(b)
	if got != want {
		t.Fatalf("BlockHeader round trip = %+v, want %+v", got, want)
	}
}

// buildLeaf constructs a LeafNode with the given items/bodies, placing
// bodies contiguously from the end of the block as a real leaf would.
func buildLeaf(blockSize uint32, format KeyFormat, keys []Key, bodies [][]byte) *LeafNode {
	n := &LeafNode{BlockSize: blockSize, Format: format}
	loc := uint16(blockSize)
	for i := len(bodies) - 1; i >= 0; i-- {
		loc -= uint16(len(bodies[i]))
		n.Items = append([]ItemHeader{NewItemHeader(keys[i], uint16(len(bodies[i])), loc, format)}, n.Items...)
	}
	n.Bodies = bodies
	used := n.UsedBytes()
	n.Free = uint16(ItemCapacity(blockSize) - used)
	return n
}

func TestLeafNodeEncodeDecodeRoundTrip(t *testing.T) {
	keys := []Key{
		{DirID: 1, ObjectID: 10, Offset: 0, Type: TypeStatData},
		{DirID: 1, ObjectID: 10, Offset: 1, Type: TypeDirect},
	}
	bodies := [][]byte{make([]byte, statDataV2OnDiskSize), []byte("hello world")}
	leaf := buildLeaf(4096, KeyFormat2, keys, bodies)

	data := leaf.Encode()
	got, err := DecodeLeaf(data, KeyFormat2)
	if err != nil {
		t.Fatalf("DecodeLeaf: %v", err)
	}
	if len(got.Items) != 2 {
		t.Fatalf("item count = %d, want 2", len(got.Items))
	}
	if string(got.Bodies[1]) != "hello world" {
		t.Fatalf("body[1] = %q, want %q", got.Bodies[1], "hello world")
	}
	if got.Items[0].Key != keys[0] || got.Items[1].Key != keys[1] {
		t.Fatalf("keys did not round trip: got %+v", got.Items)
	}
}

func TestDecodeLeafRejectsWrongLevel(t *testing.T) {
	data := make([]byte, 4096)
	EncodeBlockHeader(data, BlockHeader{Level: 2, ItemCount: 0})
	if _, err := DecodeLeaf(data, KeyFormat2); err == nil {
		t.Fatal("expected DecodeLeaf to reject a block whose level is not LeafLevel")
	}
}

func TestLeafValidAcceptsWellFormedLeaf(t *testing.T) {
	keys := []Key{{DirID: 1, ObjectID: 10, Offset: 0, Type: TypeStatData}}
	bodies := [][]byte{make([]byte, statDataV2OnDiskSize)}
	leaf := buildLeaf(4096, KeyFormat2, keys, bodies)
	if v := LeafValid(leaf.Encode(), KeyFormat2); v != LeafOK {
		t.Fatalf("LeafValid = %v, want LeafOK", v)
	}
}

func TestLeafValidRejectsUnsortedItems(t *testing.T) {
	keys := []Key{
		{DirID: 1, ObjectID: 10, Offset: 1, Type: TypeDirect},
		{DirID: 1, ObjectID: 10, Offset: 0, Type: TypeStatData},
	}
	bodies := [][]byte{[]byte("xx"), make([]byte, statDataV2OnDiskSize)}
	leaf := buildLeaf(4096, KeyFormat2, keys, bodies)
	if v := LeafValid(leaf.Encode(), KeyFormat2); v == LeafOK {
		t.Fatal("expected LeafValid to reject out-of-order item keys")
	}
}

func TestLeafValidRejectsOverlappingBodies(t *testing.T) {
	data := make([]byte, 4096)
	hdr := BlockHeader{Level: LeafLevel, ItemCount: 2}
	EncodeBlockHeader(data, hdr)
	off := BlockHeaderSize
	k1 := Key{DirID: 1, ObjectID: 10, Offset: 0, Type: TypeStatData}
	k2 := Key{DirID: 1, ObjectID: 11, Offset: 0, Type: TypeStatData}
	ih1 := NewItemHeader(k1, 20, 4000, KeyFormat2)
	ih2 := NewItemHeader(k2, 20, 4010, KeyFormat2) // overlaps ih1's range
	EncodeItemHeader(data[off:off+itemHeaderSize], ih1)
	off += itemHeaderSize
	EncodeItemHeader(data[off:off+itemHeaderSize], ih2)

	if v := LeafValid(data, KeyFormat2); v != LeafCorruptItemArray {
		t.Fatalf("LeafValid = %v, want LeafCorruptItemArray for overlapping bodies", v)
	}
}

func TestInternalNodeEncodeDecodeRoundTrip(t *testing.T) {
	keys := []Key{
		{DirID: 1, ObjectID: 10, Offset: 0, Type: TypeStatData},
		{DirID: 1, ObjectID: 20, Offset: 0, Type: TypeStatData},
	}
	children := []ChildPointer{{Block: 10, Used: 100}, {Block: 11, Used: 200}, {Block: 12, Used: 50}}
	n := &InternalNode{Level: 2, Keys: keys, Children: children, BlockSize: 4096, Format: KeyFormat2}

	data := n.Encode()
	got, err := DecodeInternal(data, KeyFormat2)
	if err != nil {
		t.Fatalf("DecodeInternal: %v", err)
	}
	if len(got.Keys) != 2 || len(got.Children) != 3 {
		t.Fatalf("counts = %d keys, %d children; want 2, 3", len(got.Keys), len(got.Children))
	}
	if got.Children[1].Block != 11 || got.Children[1].Used != 200 {
		t.Fatalf("child[1] = %+v, want {11 200}", got.Children[1])
	}
}

func TestDecodeInternalRejectsLeafLevel(t *testing.T) {
	data := make([]byte, 4096)
	EncodeBlockHeader(data, BlockHeader{Level: LeafLevel, ItemCount: 0})
	if _, err := DecodeInternal(data, KeyFormat2); err == nil {
		t.Fatal("expected DecodeInternal to reject a leaf-level block")
	}
}

func TestInternalValidAcceptsWellFormed(t *testing.T) {
	keys := []Key{{DirID: 1, ObjectID: 10, Offset: 0, Type: TypeStatData}}
	children := []ChildPointer{{Block: 5}, {Block: 6}}
	n := &InternalNode{Level: 2, Keys: keys, Children: children, BlockSize: 4096, Format: KeyFormat2}
	if v := InternalValid(n.Encode(), KeyFormat2); v != InternalOK {
		t.Fatalf("InternalValid = %v, want InternalOK", v)
	}
}

func TestDirectoryCheckAcceptsDotAndDotDot(t *testing.T) {
	entries := []DirEntry{
		{Head: DirEntryHead{OffsetHashGen: PackOffset(0, 1), DirID: RootDirID, ObjectID: RootObjectID}, Name: "."},
		{Head: DirEntryHead{OffsetHashGen: PackOffset(0, 2), DirID: RootDirID, ObjectID: RootObjectID}, Name: ".."},
	}
	body := EncodeDirectoryBody(entries)
	ih := ItemHeader{EntryCountOrFreeSpace: 2}
	if err := DirectoryCheck(ih, body, HashR5); err != nil {
		t.Fatalf("DirectoryCheck on a well-formed root directory: %v", err)
	}
}

func TestDirectoryCheckRejectsBadHash(t *testing.T) {
	entries := []DirEntry{
		{Head: DirEntryHead{OffsetHashGen: PackOffset(0, 1), DirID: RootDirID, ObjectID: RootObjectID}, Name: "."},
		{Head: DirEntryHead{OffsetHashGen: PackOffset(0, 2), DirID: RootDirID, ObjectID: RootObjectID}, Name: ".."},
		{Head: DirEntryHead{OffsetHashGen: PackOffset(0xdeadbe00, 0), DirID: RootDirID, ObjectID: 999}, Name: "child"},
	}
	body := EncodeDirectoryBody(entries)
	ih := ItemHeader{EntryCountOrFreeSpace: 3}
	if err := DirectoryCheck(ih, body, HashR5); err == nil {
		t.Fatal("expected DirectoryCheck to reject an entry whose stored hash doesn't match its name")
	}
}

func TestExtentCheckRejectsOutOfBoundsPointer(t *testing.T) {
	body := EncodeExtent([]uint32{5, 6, 1_000_000})
	ih := ItemHeader{}
	if err := ExtentCheck(ih, body, 8192); err == nil {
		t.Fatal("expected ExtentCheck to reject a pointer beyond device bounds")
	}
}

func TestExtentCheckAcceptsHolesAndInBoundsPointers(t *testing.T) {
	body := EncodeExtent([]uint32{0, 6, 7})
	ih := ItemHeader{}
	if err := ExtentCheck(ih, body, 8192); err != nil {
		t.Fatalf("ExtentCheck: %v", err)
	}
}

func TestStatDataCheckValidatesOffsetTypeAndLength(t *testing.T) {
	key := Key{DirID: 1, ObjectID: 10, Offset: 0, Type: TypeStatData}
	ih := NewItemHeader(key, statDataV2OnDiskSize, 0, KeyFormat2)
	body := EncodeStatDataV2(StatDataV2{Mode: 0100644})
	if err := StatDataCheck(ih, body); err != nil {
		t.Fatalf("StatDataCheck: %v", err)
	}

	badKey := Key{DirID: 1, ObjectID: 10, Offset: 1, Type: TypeStatData}
	badIH := NewItemHeader(badKey, statDataV2OnDiskSize, 0, KeyFormat2)
	if err := StatDataCheck(badIH, body); err == nil {
		t.Fatal("expected StatDataCheck to reject a nonzero stat-data offset")
	}
}

func TestMergeableIsReexercisedHere(t *testing.T) {
	left := NewItemHeader(Key{DirID: 1, ObjectID: 10, Offset: 0, Type: TypeDirect}, 10, 0, KeyFormat2)
	right := NewItemHeader(Key{DirID: 1, ObjectID: 10, Offset: 10, Type: TypeDirect}, 5, 0, KeyFormat2)
	if !Mergeable(left, right, 4096) {
		t.Fatal("expected abutting direct items to be mergeable")
	}
}
