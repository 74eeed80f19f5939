package rfs

// BlockAllocFunc allocates one fresh block for the balancer to use as a
// new node, leaving bitmap/object-id bookkeeping to the caller (tree.go
// binds this to the session's Bitmap.FindZeroFrom+Set).
type BlockAllocFunc func() (uint32, error)

// BlockFreeFunc releases a block the balancer no longer needs — a leaf or
// internal node emptied by a merge, or a shrunk root — back to the
// bitmap. tree.go binds this to the session's Bitmap.Clear.
type BlockFreeFunc func(uint32)

// minOccupancyDenom sets the minimum-fill threshold a non-root node must
// stay above before the balancer tries to merge or shift it with a
// sibling: usedBytes*minOccupancyDenom >= capacity, i.e. at least half
// full. spec.md doesn't pin an exact fraction; half is the conventional
// B+ tree choice and matches do_balance's own bias toward merging over
// leaving nodes sparse.
const minOccupancyDenom = 2

// fixAction reports what fixupLevel's sibling search accomplished.
type fixAction int

const (
	fixNone fixAction = iota
	fixShifted
	fixMerged
)

// DoBalance applies one pending leaf-level mutation (insert/paste/delete/
// cut) to the leaf path addresses, splitting it and propagating new
// separator keys up through ancestors — allocating a new root when the
// split reaches the top — and, for delete/cut, merging or shifting an
// underfull leaf into its immediate-parent sibling and shrinking the root
// once it is reduced to a single child, exactly as far as is needed to
// restore the invariants that every node fits in one block and (outside
// the root) stays at least half full. This folds together what the
// original keeps as two passes (fix_nodes building a plan, do_balance
// executing it): VNode/PlanSplit play fix_nodes' role for overflow,
// fixupLevel/fixNodeWithSibling play it for underflow, and DoBalance both
// decides and executes in one pass. Insert/paste overflow still always
// allocates a fresh block rather than shifting into a sibling first (see
// vnode.go's PlanSplit doc); only the underflow path shifts or merges
// into an existing sibling. Grounded on
// original_source/libreiserfs/fix_node.c and do_balance.c.
func DoBalance(cache *Cache, dev Device, sb *Superblock, format KeyFormat, path *Path, op VNodeOp, pos int, newItem VItem, cutLen int, alloc BlockAllocFunc, free BlockFreeFunc) error {
	leaf, err := path.LeafNode(format)
	if err != nil {
		return err
	}
	vn, err := BuildVNode(leaf, sb.BlockSize, format, op, pos, newItem, cutLen)
	if err != nil {
		return err
	}

	if vn.Overflow() <= 0 {
		newLeaf := materializeLeaf(vn.Items, sb.BlockSize, format)
		buf := path.Leaf()
		copy(buf.Data, newLeaf.Encode())
		cache.MarkDirty(buf)
		if err := cache.Write(buf); err != nil {
			return err
		}
		if len(newLeaf.Items) > 0 {
			if err := propagateDelimiter(cache, format, path, newLeaf.Items[0].Key); err != nil {
				return err
			}
		}
		return fixupLevel(cache, dev, sb, format, path, len(path.elems)-1, free)
	}

	plan := PlanSplit(vn)
	blocks := make([]uint32, len(plan.Groups))
	blocks[0] = path.Leaf().Block
	for i := 1; i < len(plan.Groups); i++ {
		b, err := alloc()
		if err != nil {
			return err
		}
		blocks[i] = b
	}
	keys := make([]Key, len(plan.Groups)-1)
	for i, grp := range plan.Groups {
		ln := materializeLeaf(grp, sb.BlockSize, format)
		buf := cache.Open(dev, blocks[i], sb.BlockSize)
		copy(buf.Data, ln.Encode())
		cache.MarkDirty(buf)
		werr := cache.Write(buf)
		cache.Close(buf)
		if werr != nil {
			return werr
		}
		if i > 0 {
			keys[i-1] = grp[0].Header.Key
		}
	}
	return growTree(cache, dev, sb, format, path, len(path.elems)-1, blocks, keys, alloc)
}

// propagateDelimiter updates the nearest ancestor separator key affected
// by the leaf's first item changing, stopping at the first level where the
// leaf (or its ancestor) is not its parent's leftmost child.
func propagateDelimiter(cache *Cache, format KeyFormat, path *Path, newKey Key) error {
	for i := len(path.elems) - 2; i >= 0; i-- {
		pos := path.elems[i].Pos
		if pos == 0 {
			continue
		}
		parent := path.elems[i].Buffer
		node, err := DecodeInternal(parent.Data, format)
		if err != nil {
			return err
		}
		node.Keys[pos-1] = newKey
		copy(parent.Data, node.Encode())
		cache.MarkDirty(parent)
		return cache.Write(parent)
	}
	return nil
}

// growTree inserts the results of a split at tree level `level` (path
// index) into its parent, recursing upward and allocating a new root if
// the split propagates past the top.
func growTree(cache *Cache, dev Device, sb *Superblock, format KeyFormat, path *Path, level int, blocks []uint32, keys []Key, alloc BlockAllocFunc) error {
	if level == 0 {
		newRoot, err := alloc()
		if err != nil {
			return err
		}
		node := &InternalNode{Level: sb.Height + 1, BlockSize: sb.BlockSize, Format: format}
		node.Children = append(node.Children, ChildPointer{Block: blocks[0]})
		for i, k := range keys {
			node.Keys = append(node.Keys, k)
			node.Children = append(node.Children, ChildPointer{Block: blocks[i+1]})
		}
		buf := cache.Open(dev, newRoot, sb.BlockSize)
		copy(buf.Data, node.Encode())
		cache.MarkDirty(buf)
		err = cache.Write(buf)
		cache.Close(buf)
		if err != nil {
			return err
		}
		sb.RootBlock = newRoot
		sb.Height++
		return nil
	}

	parentBuf := path.elems[level-1].Buffer
	childIdx := path.elems[level-1].Pos
	parentNode, err := DecodeInternal(parentBuf.Data, format)
	if err != nil {
		return err
	}

	newChildren := make([]ChildPointer, 0, len(parentNode.Children)+len(blocks)-1)
	newChildren = append(newChildren, parentNode.Children[:childIdx]...)
	for _, b := range blocks {
		newChildren = append(newChildren, ChildPointer{Block: b})
	}
	newChildren = append(newChildren, parentNode.Children[childIdx+1:]...)

	newKeys := make([]Key, 0, len(parentNode.Keys)+len(keys))
	newKeys = append(newKeys, parentNode.Keys[:childIdx]...)
	newKeys = append(newKeys, keys...)
	newKeys = append(newKeys, parentNode.Keys[childIdx:]...)

	parentNode.Children = newChildren
	parentNode.Keys = newKeys

	if parentNode.UsedBytes() <= ItemCapacity(sb.BlockSize) {
		copy(parentBuf.Data, parentNode.Encode())
		cache.MarkDirty(parentBuf)
		return cache.Write(parentBuf)
	}

	groups, promoted := splitInternalNode(parentNode, sb.BlockSize, format)
	pblocks := make([]uint32, len(groups))
	pblocks[0] = parentBuf.Block
	for i := 1; i < len(groups); i++ {
		b, err := alloc()
		if err != nil {
			return err
		}
		pblocks[i] = b
	}
	for i, g := range groups {
		buf := cache.Open(dev, pblocks[i], sb.BlockSize)
		copy(buf.Data, g.Encode())
		cache.MarkDirty(buf)
		werr := cache.Write(buf)
		cache.Close(buf)
		if werr != nil {
			return werr
		}
	}
	return growTree(cache, dev, sb, format, path, level-1, pblocks, promoted, alloc)
}

// splitInternalNode divides an overflowing internal node into the fewest
// possible capacity-sized groups, promoting the separator key between each
// pair of adjacent groups (it belongs to neither child and moves up to the
// grandparent), matching standard B+ tree internal-node split semantics.
func splitInternalNode(node *InternalNode, blockSize uint32, format KeyFormat) ([]*InternalNode, []Key) {
	cap := ItemCapacity(blockSize)
	var groups []*InternalNode
	var promoted []Key
	n := len(node.Children)
	i := 0
	for i < n {
		g := 1
		for g < n-i {
			nextBytes := (g+1)*childPointerSize + g*KeySize
			if nextBytes > cap {
				break
			}
			g++
		}
		children := append([]ChildPointer{}, node.Children[i:i+g]...)
		var keys []Key
		if g > 1 {
			keys = append([]Key{}, node.Keys[i:i+g-1]...)
		}
		groups = append(groups, &InternalNode{Level: node.Level, Keys: keys, Children: children, BlockSize: blockSize, Format: format})
		i += g
		if i < n {
			promoted = append(promoted, node.Keys[i-1])
		}
	}
	return groups, promoted
}

// fixupLevel restores the minimum-occupancy invariant at path level idx,
// recursing up through every ancestor a merge affects, and shrinks the
// root once it ends up with a single child. Grounded on
// original_source/libreiserfs/do_balance.c's merge/shift/shrink-root
// branches (fix_nodes decides which applies; do_balance executes it).
// Only the node's immediate-parent siblings are ever considered: a true
// cross-parent sibling (reachable only via NeighborLeaf's walk-up-and-
// back-down) would require restructuring two unrelated parents in one
// step, which this balancer does not attempt — repeated same-parent
// collapses still propagate all the way to the root, so a chain of
// deletions still shrinks tree height even though any single merge never
// looks further than one parent away.
func fixupLevel(cache *Cache, dev Device, sb *Superblock, format KeyFormat, path *Path, idx int, free BlockFreeFunc) error {
	if idx == 0 {
		return shrinkRoot(cache, dev, sb, format, free)
	}

	nodeBuf := path.elems[idx].Buffer
	isLeaf := idx == len(path.elems)-1
	capBytes := ItemCapacity(sb.BlockSize)

	var used int
	var empty bool
	if isLeaf {
		leaf, err := DecodeLeaf(nodeBuf.Data, format)
		if err != nil {
			return err
		}
		used, empty = leaf.UsedBytes(), len(leaf.Items) == 0
	} else {
		node, err := DecodeInternal(nodeBuf.Data, format)
		if err != nil {
			return err
		}
		used, empty = node.UsedBytes(), len(node.Children) == 0
	}
	if !empty && used*minOccupancyDenom >= capBytes {
		return nil
	}

	parentBuf := path.elems[idx-1].Buffer
	parentNode, err := DecodeInternal(parentBuf.Data, format)
	if err != nil {
		return err
	}
	childIdx := path.elems[idx-1].Pos

	for _, sibling := range [2]int{childIdx + 1, childIdx - 1} {
		if sibling < 0 || sibling >= len(parentNode.Children) {
			continue
		}
		action, err := fixNodeWithSibling(cache, dev, sb, format, nodeBuf, parentBuf, parentNode, childIdx, sibling, isLeaf, empty, free)
		if err != nil {
			return err
		}
		switch action {
		case fixMerged:
			return fixupLevel(cache, dev, sb, format, path, idx-1, free)
		case fixShifted:
			return nil
		}
	}

	if empty {
		// No sibling under the same parent to merge into (this node is
		// its parent's only child): drop it outright.
		removeChildAt(parentNode, childIdx)
		cache.Forget(nodeBuf)
		free(nodeBuf.Block)
		copy(parentBuf.Data, parentNode.Encode())
		cache.MarkDirty(parentBuf)
		if err := cache.Write(parentBuf); err != nil {
			return err
		}
		return fixupLevel(cache, dev, sb, format, path, idx-1, free)
	}
	return nil
}

// fixNodeWithSibling attempts to merge the deficient node (path's own
// nodeBuf, at childIdx) with its immediate sibling at siblingIdx — both
// children of parentNode — or, failing that, to shift items/children
// across the boundary until nodeBuf clears the minimum-occupancy
// threshold. The merged/shifted-into content always lands in nodeBuf
// itself so ownership of the Path's pinned buffer never changes hands;
// siblingBuf is fetched fresh here and is the one discarded on a merge.
func fixNodeWithSibling(cache *Cache, dev Device, sb *Superblock, format KeyFormat, nodeBuf, parentBuf *Buffer, parentNode *InternalNode, childIdx, siblingIdx int, isLeaf, empty bool, free BlockFreeFunc) (fixAction, error) {
	siblingBlock := parentNode.Children[siblingIdx].Block
	siblingBuf, err := cache.Read(dev, siblingBlock, sb.BlockSize)
	if err != nil {
		return fixNone, err
	}
	defer cache.Close(siblingBuf)

	siblingIsLeft := siblingIdx < childIdx
	capBytes := ItemCapacity(sb.BlockSize)

	discard := func() error {
		if !siblingIsLeft && siblingIdx < len(parentNode.Keys) {
			// nodeBuf absorbed its right sibling, so the sibling's right
			// delimiter becomes nodeBuf's.
			parentNode.Keys[siblingIdx-1] = parentNode.Keys[siblingIdx]
		}
		removeChildAt(parentNode, siblingIdx)
		cache.Forget(siblingBuf)
		free(siblingBuf.Block)
		copy(parentBuf.Data, parentNode.Encode())
		cache.MarkDirty(parentBuf)
		return cache.Write(parentBuf)
	}

	if isLeaf {
		nodeLeaf, err := DecodeLeaf(nodeBuf.Data, format)
		if err != nil {
			return fixNone, err
		}
		siblingLeaf, err := DecodeLeaf(siblingBuf.Data, format)
		if err != nil {
			return fixNone, err
		}
		if nodeLeaf.UsedBytes()+siblingLeaf.UsedBytes() <= capBytes {
			var items []VItem
			if siblingIsLeft {
				items = append(toVItems(siblingLeaf), toVItems(nodeLeaf)...)
			} else {
				items = append(toVItems(nodeLeaf), toVItems(siblingLeaf)...)
			}
			merged := materializeLeaf(items, sb.BlockSize, format)
			copy(nodeBuf.Data, merged.Encode())
			cache.MarkDirty(nodeBuf)
			if err := cache.Write(nodeBuf); err != nil {
				return fixNone, err
			}
			if err := discard(); err != nil {
				return fixNone, err
			}
			return fixMerged, nil
		}
		if empty {
			return fixNone, nil
		}

		target := capBytes / minOccupancyDenom
		nodeItems, siblingItems := toVItems(nodeLeaf), toVItems(siblingLeaf)
		beforeNode, beforeSibling := len(nodeItems), len(siblingItems)
		if siblingIsLeft {
			nodeItems, siblingItems = shiftLeafItems(nodeItems, siblingItems, false, target)
		} else {
			nodeItems, siblingItems = shiftLeafItems(nodeItems, siblingItems, true, target)
		}
		if len(nodeItems) == beforeNode && len(siblingItems) == beforeSibling {
			return fixNone, nil
		}
		nodeMat := materializeLeaf(nodeItems, sb.BlockSize, format)
		siblingMat := materializeLeaf(siblingItems, sb.BlockSize, format)
		copy(nodeBuf.Data, nodeMat.Encode())
		copy(siblingBuf.Data, siblingMat.Encode())
		cache.MarkDirty(nodeBuf)
		cache.MarkDirty(siblingBuf)
		if err := cache.Write(nodeBuf); err != nil {
			return fixNone, err
		}
		if err := cache.Write(siblingBuf); err != nil {
			return fixNone, err
		}
		rightIdx, rightFirstKey := siblingIdx, siblingMat.Items[0].Key
		if siblingIsLeft {
			rightIdx, rightFirstKey = childIdx, nodeMat.Items[0].Key
		}
		parentNode.Keys[rightIdx-1] = rightFirstKey
		copy(parentBuf.Data, parentNode.Encode())
		cache.MarkDirty(parentBuf)
		if err := cache.Write(parentBuf); err != nil {
			return fixNone, err
		}
		return fixShifted, nil
	}

	// Internal level: the same merge/shift policy, operating on children
	// and delimiting keys instead of items, pulling the separator key
	// that belongs to neither child down from (or pushing it back up to)
	// parentNode as the boundary moves.
	nodeNode, err := DecodeInternal(nodeBuf.Data, format)
	if err != nil {
		return fixNone, err
	}
	siblingNode, err := DecodeInternal(siblingBuf.Data, format)
	if err != nil {
		return fixNone, err
	}
	rightIdx := siblingIdx
	if siblingIsLeft {
		rightIdx = childIdx
	}
	sep := parentNode.Keys[rightIdx-1]
	if nodeNode.UsedBytes()+siblingNode.UsedBytes()+KeySize <= capBytes {
		var children []ChildPointer
		var keys []Key
		if siblingIsLeft {
			children = append(append([]ChildPointer{}, siblingNode.Children...), nodeNode.Children...)
			keys = append(append([]Key{}, siblingNode.Keys...), sep)
			keys = append(keys, nodeNode.Keys...)
		} else {
			children = append(append([]ChildPointer{}, nodeNode.Children...), siblingNode.Children...)
			keys = append(append([]Key{}, nodeNode.Keys...), sep)
			keys = append(keys, siblingNode.Keys...)
		}
		merged := &InternalNode{Level: nodeNode.Level, Children: children, Keys: keys, BlockSize: sb.BlockSize, Format: format}
		copy(nodeBuf.Data, merged.Encode())
		cache.MarkDirty(nodeBuf)
		if err := cache.Write(nodeBuf); err != nil {
			return fixNone, err
		}
		if err := discard(); err != nil {
			return fixNone, err
		}
		return fixMerged, nil
	}
	if empty {
		return fixNone, nil
	}

	target := capBytes / minOccupancyDenom
	moved := false
	for {
		if siblingIsLeft {
			// node is right of sibling: pull node's new leftmost child
			// off sibling's tail.
			if nodeNode.UsedBytes() >= target || len(siblingNode.Children) <= 1 {
				break
			}
			last := len(siblingNode.Children) - 1
			nodeNode.Children = append([]ChildPointer{siblingNode.Children[last]}, nodeNode.Children...)
			nodeNode.Keys = append([]Key{sep}, nodeNode.Keys...)
			sep = siblingNode.Keys[len(siblingNode.Keys)-1]
			siblingNode.Children = siblingNode.Children[:last]
			siblingNode.Keys = siblingNode.Keys[:len(siblingNode.Keys)-1]
		} else {
			// node is left of sibling: pull node's new rightmost child
			// off sibling's head.
			if nodeNode.UsedBytes() >= target || len(siblingNode.Children) <= 1 {
				break
			}
			nodeNode.Children = append(nodeNode.Children, siblingNode.Children[0])
			nodeNode.Keys = append(nodeNode.Keys, sep)
			sep = siblingNode.Keys[0]
			siblingNode.Children = siblingNode.Children[1:]
			siblingNode.Keys = siblingNode.Keys[1:]
		}
		moved = true
	}
	if !moved {
		return fixNone, nil
	}
	copy(nodeBuf.Data, nodeNode.Encode())
	copy(siblingBuf.Data, siblingNode.Encode())
	cache.MarkDirty(nodeBuf)
	cache.MarkDirty(siblingBuf)
	if err := cache.Write(nodeBuf); err != nil {
		return fixNone, err
	}
	if err := cache.Write(siblingBuf); err != nil {
		return fixNone, err
	}
	parentNode.Keys[rightIdx-1] = sep
	copy(parentBuf.Data, parentNode.Encode())
	cache.MarkDirty(parentBuf)
	if err := cache.Write(parentBuf); err != nil {
		return fixNone, err
	}
	return fixShifted, nil
}

// shiftLeafItems moves items one at a time across the boundary between
// deficient and donor — preserving global left-to-right item order —
// until deficient reaches target bytes or donor would be left with
// nothing to spare. donorOnRight reports which side donor sits on
// relative to deficient.
func shiftLeafItems(deficient, donor []VItem, donorOnRight bool, target int) ([]VItem, []VItem) {
	used := func(items []VItem) int {
		n := 0
		for _, it := range items {
			n += it.size()
		}
		return n
	}
	for used(deficient) < target && len(donor) > 1 {
		if donorOnRight {
			deficient = append(deficient, donor[0])
			donor = donor[1:]
		} else {
			last := len(donor) - 1
			deficient = append([]VItem{donor[last]}, deficient...)
			donor = donor[:last]
		}
	}
	return deficient, donor
}

// removeChildAt deletes the child at idx from node along with the
// separator key that delimited it: the key to its right, or — if it was
// the rightmost child — the key to its left.
func removeChildAt(node *InternalNode, idx int) {
	node.Children = append(node.Children[:idx], node.Children[idx+1:]...)
	switch {
	case idx < len(node.Keys):
		node.Keys = append(node.Keys[:idx], node.Keys[idx+1:]...)
	case idx > 0:
		node.Keys = append(node.Keys[:idx-1], node.Keys[idx:]...)
	}
}

// shrinkRoot collapses the root for as long as it has exactly one child:
// the child becomes the new root and height decreases by one, per
// spec.md §4.8 ("height--, root_block = child"). The loop covers a
// cascade where the new root is itself internal with only one child,
// which repeated same-parent merges lower down can produce in a single
// DoBalance call.
func shrinkRoot(cache *Cache, dev Device, sb *Superblock, format KeyFormat, free BlockFreeFunc) error {
	for sb.Height > LeafLevel {
		buf, err := cache.Read(dev, sb.RootBlock, sb.BlockSize)
		if err != nil {
			return err
		}
		node, err := DecodeInternal(buf.Data, format)
		if err != nil {
			cache.Close(buf)
			return err
		}
		if len(node.Children) != 1 {
			cache.Close(buf)
			return nil
		}
		oldRoot := sb.RootBlock
		sb.RootBlock = node.Children[0].Block
		sb.Height--
		cache.Close(buf)
		cache.Forget(buf)
		free(oldRoot)
	}
	return nil
}
