package rfs

import "testing"

func statDataVItem(t *testing.T, objectID uint32) VItem {
	t.Helper()
	key := Key{DirID: 1, ObjectID: objectID, Offset: 0, Type: TypeStatData}
	return VItem{
		Header: NewItemHeader(key, statDataV2OnDiskSize, 0, KeyFormat2),
		Body:   make([]byte, statDataV2OnDiskSize),
	}
}

func TestShiftLeafItemsMovesFromRightDonorUntilTarget(t *testing.T) {
	deficient := []VItem{statDataVItem(t, 1)}
	donor := []VItem{statDataVItem(t, 2), statDataVItem(t, 3), statDataVItem(t, 4)}
	target := 3 * deficient[0].size()

	gotDeficient, gotDonor := shiftLeafItems(deficient, donor, true, target)

	if len(gotDeficient) != 3 {
		t.Fatalf("len(deficient) = %d, want 3", len(gotDeficient))
	}
	if len(gotDonor) != 1 {
		t.Fatalf("len(donor) = %d, want 1", len(gotDonor))
	}
	if gotDeficient[0].Header.Key.ObjectID != 1 || gotDeficient[1].Header.Key.ObjectID != 2 {
		t.Fatalf("shift from a right donor must append, not prepend: %+v", gotDeficient)
	}
}

func TestShiftLeafItemsMovesFromLeftDonorPreservesOrder(t *testing.T) {
	deficient := []VItem{statDataVItem(t, 4)}
	donor := []VItem{statDataVItem(t, 1), statDataVItem(t, 2), statDataVItem(t, 3)}
	target := 3 * deficient[0].size()

	gotDeficient, gotDonor := shiftLeafItems(deficient, donor, false, target)

	if len(gotDeficient) != 3 || len(gotDonor) != 1 {
		t.Fatalf("len(deficient)=%d len(donor)=%d, want 3 and 1", len(gotDeficient), len(gotDonor))
	}
	if gotDeficient[0].Header.Key.ObjectID != 2 || gotDeficient[len(gotDeficient)-1].Header.Key.ObjectID != 4 {
		t.Fatalf("shift from a left donor must take the donor's tail and prepend, preserving order: %+v", gotDeficient)
	}
	if gotDonor[0].Header.Key.ObjectID != 1 {
		t.Fatalf("donor's untouched head should remain first: %+v", gotDonor)
	}
}

func TestShiftLeafItemsNeverDrainsDonorToEmpty(t *testing.T) {
	deficient := []VItem{}
	donor := []VItem{statDataVItem(t, 1)}
	gotDeficient, gotDonor := shiftLeafItems(deficient, donor, true, 1<<20)
	if len(gotDonor) != 1 || len(gotDeficient) != 0 {
		t.Fatalf("a single-item donor must never be fully drained: deficient=%d donor=%d", len(gotDeficient), len(gotDonor))
	}
}

func TestRemoveChildAtMiddleDropsRightDelimiter(t *testing.T) {
	node := &InternalNode{
		Children: []ChildPointer{{Block: 10}, {Block: 11}, {Block: 12}},
		Keys: []Key{
			{DirID: 1, ObjectID: 2, Offset: 0, Type: TypeStatData},
			{DirID: 1, ObjectID: 3, Offset: 0, Type: TypeStatData},
		},
	}
	removeChildAt(node, 1)
	if len(node.Children) != 2 || node.Children[0].Block != 10 || node.Children[1].Block != 12 {
		t.Fatalf("unexpected children after removal: %+v", node.Children)
	}
	if len(node.Keys) != 1 || node.Keys[0].ObjectID != 2 {
		t.Fatalf("expected the key to the right of the removed child to be dropped: %+v", node.Keys)
	}
}

func TestRemoveChildAtRightmostDropsLeftDelimiter(t *testing.T) {
	node := &InternalNode{
		Children: []ChildPointer{{Block: 10}, {Block: 11}},
		Keys:     []Key{{DirID: 1, ObjectID: 2, Offset: 0, Type: TypeStatData}},
	}
	removeChildAt(node, 1)
	if len(node.Children) != 1 || node.Children[0].Block != 10 {
		t.Fatalf("unexpected children after removal: %+v", node.Children)
	}
	if len(node.Keys) != 0 {
		t.Fatalf("removing the rightmost child must drop its left delimiter: %+v", node.Keys)
	}
}
