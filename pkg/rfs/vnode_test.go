package rfs

import "testing"

func makeLeafForVNode(t *testing.T, blockSize uint32) *LeafNode {
	t.Helper()
	keys := []Key{
		{DirID: 1, ObjectID: 10, Offset: 0, Type: TypeStatData},
		{DirID: 1, ObjectID: 10, Offset: 1, Type: TypeDirect},
	}
	bodies := [][]byte{make([]byte, statDataV2OnDiskSize), []byte("hello")}
	return buildLeaf(blockSize, KeyFormat2, keys, bodies)
}

func TestBuildVNodeInsertAddsItemAtPosition(t *testing.T) {
	leaf := makeLeafForVNode(t, 4096)
	newItem := VItem{
		Header: NewItemHeader(Key{DirID: 1, ObjectID: 11, Offset: 0, Type: TypeStatData}, statDataV2OnDiskSize, 0, KeyFormat2),
		Body:   make([]byte, statDataV2OnDiskSize),
	}
	vn, err := BuildVNode(leaf, 4096, KeyFormat2, OpInsert, 1, newItem, 0)
	if err != nil {
		t.Fatalf("BuildVNode: %v", err)
	}
	if len(vn.Items) != 3 {
		t.Fatalf("len(Items) = %d, want 3", len(vn.Items))
	}
	if vn.Items[1].Header.Key != newItem.Header.Key {
		t.Fatalf("new item landed at the wrong position: %+v", vn.Items[1].Header.Key)
	}
}

func TestBuildVNodePasteAppendsToExistingItem(t *testing.T) {
	leaf := makeLeafForVNode(t, 4096)
	extra := VItem{Body: []byte(" world")}
	vn, err := BuildVNode(leaf, 4096, KeyFormat2, OpPaste, 1, extra, 0)
	if err != nil {
		t.Fatalf("BuildVNode: %v", err)
	}
	if string(vn.Items[1].Body) != "hello world" {
		t.Fatalf("pasted body = %q, want %q", vn.Items[1].Body, "hello world")
	}
	if vn.Items[1].Header.Len != uint16(len("hello world")) {
		t.Fatalf("Header.Len = %d, want %d", vn.Items[1].Header.Len, len("hello world"))
	}
}

func TestBuildVNodePasteAccumulatesDirectoryEntryCount(t *testing.T) {
	keys := []Key{{DirID: 1, ObjectID: 10, Offset: 1, Type: TypeDirectory}}
	entries := []DirEntry{{Head: DirEntryHead{OffsetHashGen: 0}, Name: "."}}
	body := EncodeDirectoryBody(entries)
	leaf := buildLeaf(4096, KeyFormat2, keys, [][]byte{body})
	leaf.Items[0].EntryCountOrFreeSpace = 1

	moreEntries := []DirEntry{{Head: DirEntryHead{OffsetHashGen: 1}, Name: ".."}}
	moreBody := EncodeDirectoryBody(moreEntries)
	extra := VItem{Header: ItemHeader{EntryCountOrFreeSpace: 1}, Body: moreBody}

	vn, err := BuildVNode(leaf, 4096, KeyFormat2, OpPaste, 0, extra, 0)
	if err != nil {
		t.Fatalf("BuildVNode: %v", err)
	}
	if vn.Items[0].Header.EntryCountOrFreeSpace != 2 {
		t.Fatalf("EntryCountOrFreeSpace = %d, want 2", vn.Items[0].Header.EntryCountOrFreeSpace)
	}
}

func TestBuildVNodeDeleteRemovesItem(t *testing.T) {
	leaf := makeLeafForVNode(t, 4096)
	vn, err := BuildVNode(leaf, 4096, KeyFormat2, OpDelete, 0, VItem{}, 0)
	if err != nil {
		t.Fatalf("BuildVNode: %v", err)
	}
	if len(vn.Items) != 1 {
		t.Fatalf("len(Items) = %d, want 1", len(vn.Items))
	}
	if vn.Items[0].Header.Key.Type != TypeDirect {
		t.Fatal("expected the remaining item to be the direct item, not the deleted stat-data")
	}
}

func TestBuildVNodeCutShrinksBody(t *testing.T) {
	leaf := makeLeafForVNode(t, 4096)
	vn, err := BuildVNode(leaf, 4096, KeyFormat2, OpCut, 1, VItem{}, 2)
	if err != nil {
		t.Fatalf("BuildVNode: %v", err)
	}
	if string(vn.Items[1].Body) != "hel" {
		t.Fatalf("cut body = %q, want %q", vn.Items[1].Body, "hel")
	}
}

func TestBuildVNodeCutWholeLengthDeletesItem(t *testing.T) {
	leaf := makeLeafForVNode(t, 4096)
	vn, err := BuildVNode(leaf, 4096, KeyFormat2, OpCut, 1, VItem{}, len("hello"))
	if err != nil {
		t.Fatalf("BuildVNode: %v", err)
	}
	if len(vn.Items) != 1 {
		t.Fatalf("cutting an item's entire body should remove it; len(Items)=%d, want 1", len(vn.Items))
	}
}

func TestVNodeOverflowReflectsCapacity(t *testing.T) {
	leaf := makeLeafForVNode(t, 4096)
	vn := &VNode{BlockSize: 4096, Format: KeyFormat2}
	for i := range leaf.Items {
		vn.Items = append(vn.Items, VItem{Header: leaf.Items[i], Body: leaf.Bodies[i]})
	}
	if vn.Overflow() > 0 {
		t.Fatal("a tiny node should easily fit in a 4096-byte leaf")
	}
}

func TestPlanSplitPacksItemsIntoCapacitySizedGroups(t *testing.T) {
	vn := &VNode{BlockSize: 128, Format: KeyFormat2}
	for i := 0; i < 10; i++ {
		key := Key{DirID: 1, ObjectID: uint32(i), Offset: 0, Type: TypeStatData}
		vn.Items = append(vn.Items, VItem{
			Header: NewItemHeader(key, 40, 0, KeyFormat2),
			Body:   make([]byte, 40),
		})
	}
	plan := PlanSplit(vn)
	if len(plan.Groups) < 2 {
		t.Fatalf("expected items to be split across multiple groups for a 128-byte leaf, got %d group(s)", len(plan.Groups))
	}
	total := 0
	for _, g := range plan.Groups {
		total += len(g)
		used := 0
		for _, it := range g {
			used += it.size()
		}
		if used > ItemCapacity(128) {
			t.Fatalf("group exceeds leaf capacity: used=%d, capacity=%d", used, ItemCapacity(128))
		}
	}
	if total != len(vn.Items) {
		t.Fatalf("PlanSplit dropped items: got %d total across groups, want %d", total, len(vn.Items))
	}
}

func TestPlanSplitSingleGroupWhenEverythingFits(t *testing.T) {
	vn := &VNode{BlockSize: 4096, Format: KeyFormat2}
	vn.Items = append(vn.Items, VItem{
		Header: NewItemHeader(Key{DirID: 1, ObjectID: 1, Offset: 0, Type: TypeStatData}, 40, 0, KeyFormat2),
		Body:   make([]byte, 40),
	})
	plan := PlanSplit(vn)
	if len(plan.Groups) != 1 {
		t.Fatalf("expected a single group, got %d", len(plan.Groups))
	}
}

func TestMaterializeLeafProducesADecodableLeaf(t *testing.T) {
	group := []VItem{
		{Header: NewItemHeader(Key{DirID: 1, ObjectID: 1, Offset: 0, Type: TypeStatData}, statDataV2OnDiskSize, 0, KeyFormat2), Body: make([]byte, statDataV2OnDiskSize)},
	}
	leaf := materializeLeaf(group, 4096, KeyFormat2)
	data := leaf.Encode()
	got, err := DecodeLeaf(data, KeyFormat2)
	if err != nil {
		t.Fatalf("DecodeLeaf: %v", err)
	}
	if len(got.Items) != 1 {
		t.Fatalf("len(Items) = %d, want 1", len(got.Items))
	}
}
