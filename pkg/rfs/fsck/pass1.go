package fsck

import (
	"fmt"

	"github.com/reiserfs-tools/reiserfs/pkg/rfs"
)

// leafDescriptor is what pass 1 tracks about each leaf it has decided to
// keep: its block number and the key range it covers, used purely to
// detect overlap against other accepted leaves.
type leafDescriptor struct {
	Block      uint32
	First, Last rfs.Key
}

// RunPass1 re-reads every block pass 0 marked as a candidate leaf, repairs
// its extent pointers and directory entries in place, then tries to place
// each leaf whole into a newly-grown tree via a relaxed acceptance rule:
// a leaf is accepted only if its key range does not overlap any
// already-accepted leaf. Leaves that lose that race are retried once more
// in a second sweep before being handed to pass 2 item-by-item. Grounded
// on original_source/utils/fsck/pass1.c's try_to_insert_pointer_to_leaf.
func RunPass1(s *Session) error {
	format := s.Super.KeyFormat()
	blockCount := s.Super.BlockCount

	var accepted []leafDescriptor
	var pending []uint32
	for blk := uint32(0); blk < blockCount; blk++ {
		if s.LeavesBitmap.Test(blk) {
			pending = append(pending, blk)
		}
	}

	tryInsert := func(blk uint32) (ok bool, err error) {
		buf, err := s.Cache.Read(s.Dev, blk, s.Super.BlockSize)
		if err != nil {
			return false, err
		}
		defer s.Cache.Close(buf)

		leaf, err := rfs.DecodeLeaf(buf.Data, format)
		if err != nil {
			return false, nil
		}
		if len(leaf.Items) == 0 {
			return false, nil
		}
		changed := fixLeaf(s, leaf, format)
		if changed {
			rewritten := rebuildLeaf(leaf, s.Super.BlockSize, format)
			if len(rewritten.Items) == 0 {
				return false, nil
			}
			leaf = rewritten
			copy(buf.Data, leaf.Encode())
			s.Cache.MarkDirty(buf)
			if err := s.Cache.Write(buf); err != nil {
				return false, err
			}
		}

		first, last := leaf.Items[0].Key, leaf.Items[len(leaf.Items)-1].Key
		for _, a := range accepted {
			if rangesOverlap(first, last, a.First, a.Last) {
				return false, nil
			}
		}
		accepted = appendSorted(accepted, leafDescriptor{Block: blk, First: first, Last: last})
		return true, nil
	}

	for _, blk := range pending {
		ok, err := tryInsert(blk)
		if err != nil {
			s.flagFatal("pass1: leaf %d: %v", blk, err)
			continue
		}
		if !ok {
			s.Uninsertables = append(s.Uninsertables, blk)
		}
	}

	var stillUninsertable []uint32
	for _, blk := range s.Uninsertables {
		ok, err := tryInsert(blk)
		if err != nil {
			s.flagFatal("pass1: retry leaf %d: %v", blk, err)
			continue
		}
		if !ok {
			stillUninsertable = append(stillUninsertable, blk)
		}
	}
	s.Uninsertables = stillUninsertable

	if len(accepted) == 0 {
		return nil
	}
	return buildTreeFromLeaves(s, accepted)
}

// fixLeaf corrects leaf's extent pointers and directory entries in place,
// reporting whether anything changed.
func fixLeaf(s *Session, leaf *rfs.LeafNode, format rfs.KeyFormat) bool {
	changed := false
	blockCount := s.Super.BlockCount
	for i, ih := range leaf.Items {
		switch ih.Key.Type {
		case rfs.TypeExtent:
			pointers := rfs.DecodeExtent(leaf.Bodies[i])
			for j, p := range pointers {
				if p == 0 {
					continue
				}
				bad := p >= blockCount ||
					s.LeavesBitmap.Test(p) ||
					s.BadUnfm.Test(p) ||
					rfs.IsBitmapBlock(s.Super, p)
				if bad {
					pointers[j] = 0
					changed = true
					s.flagFixable("pass1: zeroed extent pointer %d in leaf item %s", p, ih.Key)
				}
			}
			if changed {
				leaf.Bodies[i] = rfs.EncodeExtent(pointers)
			}
		case rfs.TypeDirectory:
			if s.Super.Hash == rfs.HashUnset {
				continue
			}
			entries := rfs.DecodeDirectoryBody(leaf.Bodies[i], ih.EntryCountOrFreeSpace)
			kept := entries[:0]
			for _, e := range entries {
				if e.Name == "." || e.Name == ".." {
					kept = append(kept, e)
					continue
				}
				want := rfs.HashName(s.Super.Hash, []byte(e.Name))
				if rfs.HashPart(e.Head.OffsetHashGen) == rfs.HashPart(want) {
					kept = append(kept, e)
				} else {
					changed = true
					s.flagFixable("pass1: dropped directory entry %q with mismatched hash", e.Name)
				}
			}
			if len(kept) != len(entries) {
				leaf.Bodies[i] = rfs.EncodeDirectoryBody(kept)
				ih.EntryCountOrFreeSpace = uint16(len(kept))
				leaf.Items[i] = ih
			}
		}
	}
	return changed
}

// rebuildLeaf re-derives Location offsets and Free space after fixLeaf may
// have changed body lengths, producing a leaf consistent enough to
// re-encode.
func rebuildLeaf(leaf *rfs.LeafNode, blockSize uint32, format rfs.KeyFormat) *rfs.LeafNode {
	var items []rfs.VItem
	for i, ih := range leaf.Items {
		items = append(items, rfs.VItem{Header: ih, Body: leaf.Bodies[i]})
	}
	plan := rfs.PlanSplit(&rfs.VNode{Items: items, BlockSize: blockSize, Format: format})
	if len(plan.Groups) == 0 {
		return &rfs.LeafNode{BlockSize: blockSize, Format: format}
	}
	// A leaf that shrank can only ever still fit in one block; take the
	// first group and drop the rest rather than silently growing a
	// multi-block result out of a single source block.
	return materializeForPass1(plan.Groups[0], blockSize, format)
}

func materializeForPass1(group []rfs.VItem, blockSize uint32, format rfs.KeyFormat) *rfs.LeafNode {
	leaf := &rfs.LeafNode{BlockSize: blockSize, Format: format}
	offset := int(blockSize)
	for _, it := range group {
		offset -= len(it.Body)
		h := it.Header
		h.Location = uint16(offset)
		h.SetFormat(format)
		leaf.Items = append(leaf.Items, h)
		leaf.Bodies = append(leaf.Bodies, it.Body)
	}
	used := len(group)*24 + (int(blockSize) - offset)
	cap := rfs.ItemCapacity(blockSize)
	if used > cap {
		panic(fmt.Sprintf("pass1: rebuilt leaf group overflows block (used=%d cap=%d)", used, cap))
	}
	leaf.Free = uint16(cap - used)
	return leaf
}

func rangesOverlap(aFirst, aLast, bFirst, bLast rfs.Key) bool {
	if aLast.Less(bFirst) || bLast.Less(aFirst) {
		return false
	}
	return true
}

func appendSorted(list []leafDescriptor, d leafDescriptor) []leafDescriptor {
	i := 0
	for i < len(list) && list[i].First.Less(d.First) {
		i++
	}
	list = append(list, leafDescriptor{})
	copy(list[i+1:], list[i:])
	list[i] = d
	return list
}

// buildTreeFromLeaves bulk-loads a fresh B+ tree structure over the
// accepted, already key-sorted leaves: it grows internal levels bottom-up
// exactly as balance.go's splitInternalNode packs an overflowing node,
// just run once across the whole leaf set instead of incrementally.
func buildTreeFromLeaves(s *Session, leaves []leafDescriptor) error {
	format := s.Super.KeyFormat()
	capacity := rfs.ItemCapacity(s.Super.BlockSize)

	type level struct {
		blocks []uint32
		keys   []rfs.Key // len(blocks)-1 separator keys, first key of each block after the first
	}
	cur := level{}
	for _, l := range leaves {
		cur.blocks = append(cur.blocks, l.Block)
		if len(cur.blocks) > 1 {
			cur.keys = append(cur.keys, l.First)
		}
	}

	height := uint16(rfs.LeafLevel)
	for len(cur.blocks) > 1 {
		height++
		var next level
		childPtrSize := 6
		keySize := rfs.KeySize
		i := 0
		n := len(cur.blocks)
		for i < n {
			g := 1
			for g < n-i {
				nextBytes := (g+1)*childPtrSize + g*keySize
				if nextBytes > capacity {
					break
				}
				g++
			}
			blk := s.Bitmap.FindZeroFrom(0)
			if blk >= s.Bitmap.Size() {
				return fmt.Errorf("rfs/fsck: device full while rebuilding tree structure")
			}
			s.Bitmap.Set(blk)
			s.Bitmap.AdvanceHint(blk)

			node := &rfs.InternalNode{Level: height, BlockSize: s.Super.BlockSize, Format: format}
			for c := 0; c < g; c++ {
				node.Children = append(node.Children, rfs.ChildPointer{Block: cur.blocks[i+c]})
				if c > 0 {
					node.Keys = append(node.Keys, cur.keys[i+c-1])
				}
			}
			buf := s.Cache.Open(s.Dev, blk, s.Super.BlockSize)
			copy(buf.Data, node.Encode())
			s.Cache.MarkDirty(buf)
			werr := s.Cache.Write(buf)
			s.Cache.Close(buf)
			if werr != nil {
				return werr
			}

			next.blocks = append(next.blocks, blk)
			if i+g < n {
				next.keys = append(next.keys, cur.keys[i+g-1])
			}
			i += g
		}
		cur = next
	}

	s.Super.RootBlock = cur.blocks[0]
	s.Super.Height = height
	s.Tree = rfs.OpenTree(s.Dev, s.Cache, s.Super, s.Bitmap)
	return nil
}
