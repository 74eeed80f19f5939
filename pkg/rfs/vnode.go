package rfs

import (
	"fmt"
	"sort"
)

// VNodeOp identifies which single mutation a virtual node is being built
// to evaluate, per spec.md §4.7's fix_nodes/do_balance split.
type VNodeOp int

const (
	OpInsert VNodeOp = iota // insert a whole new item at Pos
	OpPaste                 // grow the item at Pos: direct bytes are appended, directory entries merged in offset order
	OpDelete                 // remove the whole item at Pos
	OpCut                    // shrink the item at Pos by removing a trailing byte range
)

// VItem is one item as it exists inside a VNode: header plus body, kept
// together so capacity accounting never has to re-decode from a buffer.
type VItem struct {
	Header ItemHeader
	Body   []byte
}

func (v VItem) size() int { return itemHeaderSize + len(v.Body) }

// VNode is the in-memory "what the leaf would look like" snapshot fix_nodes
// builds before deciding whether a node needs to split, merge with a
// sibling, or can simply absorb the change in place. It never touches a
// real Buffer; tree.go materializes the outcome back into buffers once a
// plan is chosen. Grounded on original_source/libreiserfs/fix_node.c's
// vn_* bookkeeping, rebuilt around a plain slice instead of the original's
// parallel insert/delete-count arrays.
type VNode struct {
	Items     []VItem
	BlockSize uint32
	Format    KeyFormat
}

// BuildVNode applies exactly one pending operation to leaf and returns the
// resulting virtual item list. pos is the item index the operation targets
// (for OpInsert, the position the new item is inserted before).
func BuildVNode(leaf *LeafNode, blockSize uint32, format KeyFormat, op VNodeOp, pos int, newItem VItem, cutLen int) (*VNode, error) {
	vn := &VNode{BlockSize: blockSize, Format: format}
	for i := range leaf.Items {
		vn.Items = append(vn.Items, VItem{Header: leaf.Items[i], Body: leaf.Bodies[i]})
	}
	switch op {
	case OpInsert:
		inserted := make([]VItem, 0, len(vn.Items)+1)
		inserted = append(inserted, vn.Items[:pos]...)
		inserted = append(inserted, newItem)
		inserted = append(inserted, vn.Items[pos:]...)
		vn.Items = inserted
	case OpPaste:
		cur := vn.Items[pos]
		body := make([]byte, len(cur.Body)+len(newItem.Body))
		copy(body, cur.Body)
		copy(body[len(cur.Body):], newItem.Body)
		if cur.Header.Key.Type == TypeDirectory {
			// Heads must precede names, so the entries are merged in
			// offset order and the body re-encoded rather than appended.
			entries := DecodeDirectoryBody(cur.Body, cur.Header.EntryCountOrFreeSpace)
			entries = append(entries, DecodeDirectoryBody(newItem.Body, newItem.Header.EntryCountOrFreeSpace)...)
			sort.SliceStable(entries, func(a, b int) bool {
				return entries[a].Head.OffsetHashGen < entries[b].Head.OffsetHashGen
			})
			body = EncodeDirectoryBody(entries)
			cur.Header.EntryCountOrFreeSpace = uint16(len(entries))
		}
		cur.Body = body
		cur.Header.Len = uint16(len(body))
		vn.Items[pos] = cur
	case OpDelete:
		vn.Items = append(vn.Items[:pos], vn.Items[pos+1:]...)
	case OpCut:
		cur := vn.Items[pos]
		if cutLen >= len(cur.Body) {
			vn.Items = append(vn.Items[:pos], vn.Items[pos+1:]...)
		} else {
			cur.Body = cur.Body[:len(cur.Body)-cutLen]
			cur.Header.Len = uint16(len(cur.Body))
			vn.Items[pos] = cur
		}
	}
	return vn, nil
}

// UsedBytes is the header+body byte total the virtual node's current item
// set would occupy, excluding BlockHeaderSize.
func (vn *VNode) UsedBytes() int {
	total := 0
	for _, it := range vn.Items {
		total += it.size()
	}
	return total
}

// Capacity is the maximum header+body bytes a block of vn.BlockSize can
// hold.
func (vn *VNode) Capacity() int { return ItemCapacity(vn.BlockSize) }

// Overflow reports how many bytes beyond capacity the virtual node
// currently holds; zero or negative means it fits.
func (vn *VNode) Overflow() int { return vn.UsedBytes() - vn.Capacity() }

// SplitPlan describes how a VNode should be divided across destination
// leaves. Groups[i] holds the items (in order) that land in the i-th
// output leaf. A plan with one group that fits means no split is needed.
type SplitPlan struct {
	Groups [][]VItem
}

// PlanSplit greedily packs vn's items into as few capacity-sized groups as
// possible, preserving order (tree items are never reordered by a split).
// Any item wider than a whole block is first cut into capacity-sized
// pieces on its type's documented boundary (splitItem), so every input to
// the packing loop below is guaranteed to fit alone in one group. This is
// a simplification of fix_nodes' shift-to-neighbor-first policy: the real
// balancer also prefers moving boundary items into existing left/right
// siblings before allocating a new block at all for an overflow caused by
// insert/paste; DoBalance always materializes fresh groups for that case
// instead (see DESIGN.md). Underflow from delete/cut is handled
// separately, by balance.go's merge/shift/shrink-root logic.
func PlanSplit(vn *VNode) SplitPlan {
	var plan SplitPlan
	cap := vn.Capacity()
	var cur []VItem
	used := 0
	flush := func() {
		if len(cur) > 0 {
			plan.Groups = append(plan.Groups, cur)
			cur = nil
			used = 0
		}
	}
	for _, it := range vn.Items {
		if it.size() > cap {
			flush()
			for _, piece := range splitItem(it, cap, vn.BlockSize) {
				plan.Groups = append(plan.Groups, []VItem{piece})
			}
			continue
		}
		if used+it.size() > cap {
			flush()
		}
		cur = append(cur, it)
		used += it.size()
	}
	flush()
	return plan
}

// splitItem cuts a single oversized item into pieces that each fit within
// cap bytes (header included), on the type-specific boundary spec.md
// §4.8's "Splitting rules" names: 8-byte-aligned offsets for direct items,
// whole-pointer boundaries for extent items, and whole-entry boundaries
// for directory items (keeping "." and ".." together in the first piece).
// Stat-data items are never split — NewItemHeader's fixed body size never
// exceeds a block, so splitItem is never asked to.
func splitItem(it VItem, cap int, blockSize uint32) []VItem {
	switch it.Header.Key.Type {
	case TypeDirect:
		return splitDirectItem(it, cap)
	case TypeExtent:
		return splitExtentItem(it, cap, blockSize)
	case TypeDirectory:
		return splitDirectoryItem(it, cap)
	default:
		panic(fmt.Sprintf("rfs: item of type %s too large to fit in one block and cannot be split", it.Header.Key.Type))
	}
}

// splitDirectItem divides a direct item's body on 8-byte boundaries,
// advancing each piece's key offset by the number of bytes the previous
// pieces consumed — the same adjacency formula Mergeable checks, so a
// later merge of the same pieces is always recognized.
func splitDirectItem(it VItem, cap int) []VItem {
	const align = 8
	maxBody := (cap - itemHeaderSize) / align * align
	if maxBody <= 0 {
		panic("rfs: block too small to hold even one direct-item alignment unit")
	}
	var pieces []VItem
	offset := it.Header.Key.Offset
	body := it.Body
	for len(body) > 0 {
		n := maxBody
		if n > len(body) {
			n = len(body)
		}
		h := it.Header
		h.Key.Offset = offset
		h.Len = uint16(n)
		pieces = append(pieces, VItem{Header: h, Body: body[:n]})
		body = body[n:]
		offset += uint64(n)
	}
	return pieces
}

// splitExtentItem divides an extent item's body on whole-pointer
// boundaries, advancing each piece's key offset by pointers*blockSize —
// Mergeable's extent-adjacency formula — so split pieces remain
// trivially re-mergeable.
func splitExtentItem(it VItem, cap int, blockSize uint32) []VItem {
	maxPointers := (cap - itemHeaderSize) / ExtentPointerSize
	if maxPointers <= 0 {
		panic("rfs: block too small to hold even one extent pointer")
	}
	pointers := DecodeExtent(it.Body)
	var pieces []VItem
	offset := it.Header.Key.Offset
	for len(pointers) > 0 {
		n := maxPointers
		if n > len(pointers) {
			n = len(pointers)
		}
		h := it.Header
		h.Key.Offset = offset
		body := EncodeExtent(pointers[:n])
		h.Len = uint16(len(body))
		pieces = append(pieces, VItem{Header: h, Body: body})
		pointers = pointers[n:]
		offset += uint64(n) * uint64(blockSize)
	}
	return pieces
}

// splitDirectoryItem divides a directory item's body on whole-entry
// boundaries. The first piece always keeps the original key offset and
// must retain at least entries 0 and 1 ("." and ".."), so a directory
// item with two or fewer entries is never split regardless of size.
// Every later piece's key offset is derived from the hash/generation word
// of its own first entry, the on-disk convention a multi-item directory
// uses to route a name lookup to the item covering its hash range.
func splitDirectoryItem(it VItem, cap int) []VItem {
	entryCount := it.Header.EntryCountOrFreeSpace
	entries := DecodeDirectoryBody(it.Body, entryCount)
	if len(entries) <= 2 {
		return []VItem{it}
	}

	entrySize := func(e DirEntry) int { return DirEntryHeadSize + len(e.Name) }
	maxBody := cap - itemHeaderSize

	var pieces []VItem
	start := 0
	for start < len(entries) {
		end := start + 1
		used := entrySize(entries[start])
		minEnd := end
		if start == 0 {
			// Never split "." away from "..".
			if len(entries) > 1 {
				used += entrySize(entries[1])
				end = 2
			}
			minEnd = end
		}
		for end < len(entries) {
			next := used + entrySize(entries[end])
			if next > maxBody && end >= minEnd {
				break
			}
			used = next
			end++
		}
		group := entries[start:end]
		body := EncodeDirectoryBody(group)
		h := it.Header
		if start != 0 {
			h.Key.Offset = uint64(HashPart(group[0].Head.OffsetHashGen))
		}
		h.Len = uint16(len(body))
		h.EntryCountOrFreeSpace = uint16(len(group))
		pieces = append(pieces, VItem{Header: h, Body: body})
		start = end
	}
	return pieces
}

// materializeLeaf builds a real LeafNode from one split-plan group. Every
// group PlanSplit produces is pre-sized to fit in one block (splitItem cuts
// any item that would alone exceed capacity), so used must never exceed
// ItemCapacity; a violation here means a caller handed materializeLeaf an
// unplanned group rather than PlanSplit's output.
func materializeLeaf(group []VItem, blockSize uint32, format KeyFormat) *LeafNode {
	leaf := &LeafNode{BlockSize: blockSize, Format: format}
	offset := int(blockSize)
	for _, it := range group {
		offset -= len(it.Body)
		h := it.Header
		h.Location = uint16(offset)
		h.SetFormat(format)
		leaf.Items = append(leaf.Items, h)
		leaf.Bodies = append(leaf.Bodies, it.Body)
	}
	used := len(group)*itemHeaderSize + (int(blockSize) - offset)
	cap := ItemCapacity(blockSize)
	if used > cap {
		panic(fmt.Sprintf("rfs: leaf group overflows block (used=%d cap=%d)", used, cap))
	}
	leaf.Free = uint16(cap - used)
	return leaf
}

// toVItems reconstructs a leaf's items as a flat VItem slice, the form the
// balancer's merge and shift helpers operate on.
func toVItems(leaf *LeafNode) []VItem {
	items := make([]VItem, len(leaf.Items))
	for i := range leaf.Items {
		items[i] = VItem{Header: leaf.Items[i], Body: leaf.Bodies[i]}
	}
	return items
}
