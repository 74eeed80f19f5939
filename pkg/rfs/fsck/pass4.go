package fsck

import "github.com/reiserfs-tools/reiserfs/pkg/rfs"

// RunFinalize is pass 4: delete every item belonging to an object pass 3
// and the lost-and-found pass never reached (it was salvaged but could
// not be linked into the namespace), zero any surviving extent pointer
// that still aliases a bitmap/journal/superblock block, rebuild the
// object-ID map from the stat-data that remains, and flush the bitmap
// mirror. Grounded on original_source/utils/fsck/semantic_rebuild.c's
// tail and utree.c's final consistency sweep.
func RunFinalize(s *Session) error {
	format := s.Super.KeyFormat()

	var doomed []rfs.Key
	var extentFixes []rfs.Key
	err := iterateLeaves(s, format, func(leaf *rfs.LeafNode) error {
		for i, ih := range leaf.Items {
			owner := rfs.Key{DirID: ih.Key.DirID, ObjectID: ih.Key.ObjectID, Offset: 0, Type: rfs.TypeStatData}
			if !s.reached[owner] {
				doomed = append(doomed, ih.Key)
				continue
			}
			if ih.Key.Type == rfs.TypeExtent && extentAliasesMetadata(s, leaf.Bodies[i]) {
				extentFixes = append(extentFixes, ih.Key)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range doomed {
		if err := s.Tree.DeleteItem(key); err != nil {
			s.flagFixable("pass4: could not delete unreachable item %s: %v", key, err)
			continue
		}
		s.flagFixable("pass4: deleted unreachable item %s", key)
	}

	for _, key := range extentFixes {
		path, exact, serr := s.Tree.Search(key)
		if serr != nil {
			return serr
		}
		if !exact {
			rfs.PathRelease(s.Cache, path)
			continue
		}
		ih, body, ierr := path.ItemAt(format)
		rfs.PathRelease(s.Cache, path)
		if ierr != nil {
			return ierr
		}
		pointers := rfs.DecodeExtent(body)
		for j, p := range pointers {
			if p != 0 && blockIsMetadata(s, p) {
				pointers[j] = 0
			}
		}
		if err := overwriteItemBody(s, format, ih.Key, rfs.EncodeExtent(pointers)); err != nil {
			return err
		}
		s.flagFixable("pass4: zeroed metadata-aliasing extent pointer in item %s", key)
	}

	rebuildObjectIDMap(s, format)
	if err := s.Bitmap.Flush(s.Super, s.Dev, s.Cache); err != nil {
		return err
	}
	return nil
}

func blockIsMetadata(s *Session, blk uint32) bool {
	if rfs.IsBitmapBlock(s.Super, blk) {
		return true
	}
	superBlocks := []uint32{
		rfs.SuperblockOffsetNew / s.Super.BlockSize,
		rfs.SuperblockOffsetOld / s.Super.BlockSize,
	}
	for _, sb := range superBlocks {
		if blk == sb {
			return true
		}
	}
	if s.Super.Journal.DeviceName == [32]byte{} {
		start := s.Super.Journal.Start
		end := start + s.Super.Journal.Size + 1
		if blk >= start && blk < end {
			return true
		}
	}
	return false
}

func extentAliasesMetadata(s *Session, body []byte) bool {
	for _, p := range rfs.DecodeExtent(body) {
		if p != 0 && blockIsMetadata(s, p) {
			return true
		}
	}
	return false
}

// rebuildObjectIDMap replaces s.Oids with a fresh map containing exactly
// the object-ids that still have a stat-data item in the tree, then
// flushes it into the superblock's slot count.
func rebuildObjectIDMap(s *Session, format rfs.KeyFormat) {
	oids := rfs.NewObjectIDMap(rfs.ObjectIDMaxSlots(s.Super.BlockSize))
	_ = iterateLeaves(s, format, func(leaf *rfs.LeafNode) error {
		for _, ih := range leaf.Items {
			if ih.Key.Type == rfs.TypeStatData {
				oids.Mark(ih.Key.ObjectID, true)
			}
		}
		return nil
	})
	s.Oids = oids
	s.Super.ObjectIDCount = uint32(len(oids.Flush(s.Super)))
}
