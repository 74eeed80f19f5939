package fsck

import (
	"sort"

	"github.com/reiserfs-tools/reiserfs/pkg/rfs"
)

// RunPass2 inserts every item from the leaves pass 1 could not place whole
// (s.Uninsertables), one at a time, through the tree's normal insert API.
// Stat-data items go first so later items can check the owning object's
// type; a key collision with an incompatible existing item relocates the
// new object onto a fresh object-id instead of overwriting data. Grounded
// on original_source/utils/fsck/pass2.c and relocate.c.
func RunPass2(s *Session) error {
	if err := ensureTree(s); err != nil {
		return err
	}
	seedObjectIDMap(s)

	format := s.Super.KeyFormat()
	type pending struct {
		ih   rfs.ItemHeader
		body []byte
	}
	var items []pending
	for _, blk := range s.Uninsertables {
		buf, err := s.Cache.Read(s.Dev, blk, s.Super.BlockSize)
		if err != nil {
			s.flagFatal("pass2: read leaf %d: %v", blk, err)
			continue
		}
		leaf, derr := rfs.DecodeLeaf(buf.Data, format)
		s.Cache.Close(buf)
		if derr != nil {
			s.flagFatal("pass2: decode leaf %d: %v", blk, derr)
			continue
		}
		for i, ih := range leaf.Items {
			items = append(items, pending{ih: ih, body: leaf.Bodies[i]})
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := items[i].ih.Key.Type != rfs.TypeStatData, items[j].ih.Key.Type != rfs.TypeStatData
		return !ri && rj
	})

	for _, it := range items {
		if err := insertRecovered(s, it.ih, it.body); err != nil {
			s.flagFatal("pass2: insert %s: %v", it.ih.Key, err)
		}
	}
	return nil
}

// ensureTree builds a fresh empty root if pass 1 had nothing to accept.
func ensureTree(s *Session) error {
	if s.Tree != nil {
		return nil
	}
	format := s.Super.KeyFormat()
	blk := s.Bitmap.FindZeroFrom(0)
	empty := &rfs.LeafNode{BlockSize: s.Super.BlockSize, Format: format, Free: uint16(rfs.ItemCapacity(s.Super.BlockSize))}
	buf := s.Cache.Open(s.Dev, blk, s.Super.BlockSize)
	copy(buf.Data, empty.Encode())
	s.Cache.MarkDirty(buf)
	err := s.Cache.Write(buf)
	s.Cache.Close(buf)
	if err != nil {
		return err
	}
	s.Bitmap.Set(blk)
	s.Bitmap.AdvanceHint(blk)
	s.Super.RootBlock = blk
	s.Super.Height = rfs.LeafLevel
	s.Tree = rfs.OpenTree(s.Dev, s.Cache, s.Super, s.Bitmap)
	return nil
}

// seedObjectIDMap reserves every object-id already present in the
// rebuilt tree so Alloc never hands out a live id during relocation.
func seedObjectIDMap(s *Session) {
	s.Oids = rfs.NewObjectIDMap(rfs.ObjectIDMaxSlots(s.Super.BlockSize))
	format := s.Super.KeyFormat()
	blockCount := s.Super.BlockCount
	for blk := uint32(0); blk < blockCount; blk++ {
		if !s.LeavesBitmap.Test(blk) {
			continue
		}
		buf, err := s.Cache.Read(s.Dev, blk, s.Super.BlockSize)
		if err != nil {
			continue
		}
		leaf, derr := rfs.DecodeLeaf(buf.Data, format)
		s.Cache.Close(buf)
		if derr != nil {
			continue
		}
		for _, ih := range leaf.Items {
			if ih.Key.Type == rfs.TypeStatData {
				s.Oids.Mark(ih.Key.ObjectID, true)
			}
		}
	}
}

// insertRecovered places one recovered item into the tree, relocating its
// owning object onto a fresh id if the key is already occupied by an
// incompatible item.
func insertRecovered(s *Session, ih rfs.ItemHeader, body []byte) error {
	key := ih.Key
	if mapped, ok := s.Relocations[rfs.Key{DirID: key.DirID, ObjectID: key.ObjectID, Offset: 0, Type: rfs.TypeStatData}]; ok {
		key.DirID, key.ObjectID = mapped.DirID, mapped.ObjectID
	}

	path, exact, err := s.Tree.Search(key)
	if err != nil {
		return err
	}
	if !exact {
		rfs.PathRelease(s.Cache, path)
		return s.Tree.InsertItem(key, body, ih.EntryCountOrFreeSpace)
	}
	existing, _, ierr := path.ItemAt(s.Super.KeyFormat())
	rfs.PathRelease(s.Cache, path)
	if ierr != nil {
		return ierr
	}
	if existing.Key.Type == ih.Key.Type {
		// Duplicate recovered item for a key already placed; keep the
		// first copy and drop this one.
		s.flagFixable("pass2: duplicate item at key %s discarded", key)
		return nil
	}

	newID := s.Oids.Alloc()
	oldStatKey := rfs.Key{DirID: key.DirID, ObjectID: key.ObjectID, Offset: 0, Type: rfs.TypeStatData}
	newKey := rfs.Key{DirID: key.DirID, ObjectID: newID, Offset: key.Offset, Type: key.Type}
	s.Relocations[oldStatKey] = rfs.Key{DirID: key.DirID, ObjectID: newID}
	s.flagFixable("pass2: relocated object %d to %d at key %s (type collision)", key.ObjectID, newID, key)
	return s.Tree.InsertItem(newKey, body, ih.EntryCountOrFreeSpace)
}
