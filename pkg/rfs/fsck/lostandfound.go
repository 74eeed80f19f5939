package fsck

import (
	"strconv"

	"github.com/reiserfs-tools/reiserfs/pkg/rfs"
)

// RunLostAndFound is the lost-and-found pass: any object whose stat-data
// survives in the tree but whose nlink pass 3 computed as zero — nothing
// in the namespace names it — gets attached into /lost+found under its
// bare object-id, and its nlink is corrected to account for the new name.
// This is distinct from the spec's "Pass 4", which is RunFinalize in
// pass4.go. Grounded on the tail of
// original_source/utils/fsck/semantic_rebuild.c.
func RunLostAndFound(s *Session) error {
	format := s.Super.KeyFormat()

	type orphan struct {
		dirID, objectID uint32
		sd              rfs.StatDataV2
	}
	var orphans []orphan
	err := iterateLeaves(s, format, func(leaf *rfs.LeafNode) error {
		for i, ih := range leaf.Items {
			if ih.Key.Type != rfs.TypeStatData {
				continue
			}
			if ih.Key.DirID == rfs.RootDirID && ih.Key.ObjectID == rfs.RootObjectID {
				continue // the root has no parent naming it; never an orphan
			}
			sd := rfs.DecodeStatDataV2(leaf.Bodies[i])
			if sd.Nlink == 0 {
				orphans = append(orphans, orphan{dirID: ih.Key.DirID, objectID: ih.Key.ObjectID, sd: sd})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	lfDirID, lfObjectID, err := ensureLostAndFound(s, format)
	if err != nil {
		return err
	}
	for _, o := range orphans {
		name := strconv.FormatUint(uint64(o.objectID), 10)
		if err := s.Tree.AddDirectoryEntry(lfDirID, lfObjectID, name, o.dirID, o.objectID, s.Super.Hash, 0); err != nil {
			s.flagFixable("lost+found: could not relink orphan object (%d,%d): %v", o.dirID, o.objectID, err)
			continue
		}
		s.flagFixable("lost+found: relinked orphan object (%d,%d) as %q", o.dirID, o.objectID, name)
		o.sd.Nlink = 1
		statKey := rfs.Key{DirID: o.dirID, ObjectID: o.objectID, Offset: 0, Type: rfs.TypeStatData}
		if err := overwriteItemBody(s, format, statKey, rfs.EncodeStatDataV2(o.sd)); err != nil {
			return err
		}
		s.reached[statKey] = true
	}
	return nil
}
