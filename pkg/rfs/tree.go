package rfs

import "fmt"

// Tree is the top-level handle client code uses to read and mutate a
// volume's B+ tree. It binds together the pieces built elsewhere in the
// package (Device, Cache, Superblock, Bitmap) behind the four primitive
// operations spec.md §4.7 names — insert, paste, delete, cut — plus the
// thin object-level helpers mkfs and the repair engine build on top of
// them. Grounded on original_source/libreiserfs/tree.c's reiserfs_tree_*
// entry points.
type Tree struct {
	Dev    Device
	Cache  *Cache
	Super  *Superblock
	Bitmap *Bitmap
	Format KeyFormat
}

// OpenTree binds an already-open device/cache/superblock/bitmap into a
// Tree ready for search and mutation.
func OpenTree(dev Device, cache *Cache, sb *Superblock, bitmap *Bitmap) *Tree {
	return &Tree{Dev: dev, Cache: cache, Super: sb, Bitmap: bitmap, Format: sb.KeyFormat()}
}

// allocBlock finds and marks used the lowest free block, keeping the
// superblock's free count in sync. It is passed to DoBalance as a
// BlockAllocFunc.
func (t *Tree) allocBlock() (uint32, error) {
	blk := t.Bitmap.FindZeroFrom(0)
	if blk >= t.Bitmap.Size() {
		return 0, fmt.Errorf("rfs: device full, cannot allocate block")
	}
	t.Bitmap.Set(blk)
	t.Bitmap.AdvanceHint(blk)
	t.Super.FreeCount--
	return blk, nil
}

// freeBlock releases a block back to the bitmap. Used both by cut/delete
// callers that free an object's data blocks directly (extent items) and
// by DoBalance itself, as the BlockFreeFunc it calls when a merge or a
// root shrink retires a tree node's block.
func (t *Tree) freeBlock(blk uint32) {
	t.Bitmap.Clear(blk)
	t.Super.FreeCount++
}

// Search descends to the leaf that would contain key. The returned Path
// must be released with PathRelease by the caller.
func (t *Tree) Search(key Key) (*Path, bool, error) {
	return SearchByKey(t.Cache, t.Dev, t.Super.RootBlock, t.Super.BlockSize, t.Format, key)
}

// InsertItem adds a brand-new item at key. It fails if an item with this
// exact key already exists.
func (t *Tree) InsertItem(key Key, body []byte, entryCountOrFreeSpace uint16) error {
	path, exact, err := t.Search(key)
	if err != nil {
		return err
	}
	defer PathRelease(t.Cache, path)
	if exact {
		return fmt.Errorf("rfs: item already exists at key %s", key)
	}
	ih := NewItemHeader(key, uint16(len(body)), 0, t.Format)
	ih.EntryCountOrFreeSpace = entryCountOrFreeSpace
	item := VItem{Header: ih, Body: body}
	return DoBalance(t.Cache, t.Dev, t.Super, t.Format, path, OpInsert, path.ItemPos(), item, 0, t.allocBlock, t.freeBlock)
}

// PasteItem appends extra bytes to the item at key (growing a direct body
// or adding directory entries); entryDelta is added to the item's
// EntryCountOrFreeSpace union field (directory entry count, or left 0 for
// direct/extent growth).
func (t *Tree) PasteItem(key Key, extra []byte, entryDelta uint16) error {
	path, exact, err := t.Search(key)
	if err != nil {
		return err
	}
	defer PathRelease(t.Cache, path)
	if !exact {
		return fmt.Errorf("rfs: no item at key %s to paste into", key)
	}
	item := VItem{Header: ItemHeader{EntryCountOrFreeSpace: entryDelta}, Body: extra}
	return DoBalance(t.Cache, t.Dev, t.Super, t.Format, path, OpPaste, path.ItemPos(), item, 0, t.allocBlock, t.freeBlock)
}

// DeleteItem removes the whole item at key.
func (t *Tree) DeleteItem(key Key) error {
	path, exact, err := t.Search(key)
	if err != nil {
		return err
	}
	defer PathRelease(t.Cache, path)
	if !exact {
		return fmt.Errorf("rfs: no item at key %s to delete", key)
	}
	return DoBalance(t.Cache, t.Dev, t.Super, t.Format, path, OpDelete, path.ItemPos(), VItem{}, 0, t.allocBlock, t.freeBlock)
}

// CutItem shrinks the item at key by cutLen trailing bytes, deleting it
// outright if that consumes the whole body.
func (t *Tree) CutItem(key Key, cutLen int) error {
	path, exact, err := t.Search(key)
	if err != nil {
		return err
	}
	defer PathRelease(t.Cache, path)
	if !exact {
		return fmt.Errorf("rfs: no item at key %s to cut", key)
	}
	return DoBalance(t.Cache, t.Dev, t.Super, t.Format, path, OpCut, path.ItemPos(), VItem{}, cutLen, t.allocBlock, t.freeBlock)
}

// --- Object-level helpers --------------------------------------------------

// CreateStatData inserts a new object's stat-data item (offset 0, type
// TypeStatData) ahead of any body items. dirID/objectID together form the
// owning key; callers allocate objectID from the volume's ObjectIDMap
// before calling this.
func (t *Tree) CreateStatData(dirID, objectID uint32, sd StatDataV2) error {
	key := Key{DirID: dirID, ObjectID: objectID, Offset: 0, Type: TypeStatData}
	return t.InsertItem(key, EncodeStatDataV2(sd), 0)
}

// AddDirectoryEntry inserts name/targetObjectID into the directory
// identified by (dirID, objectID), creating the directory's first
// directory item if none exists yet, or pasting into the existing one
// otherwise. hash selects the name's sort key.
func (t *Tree) AddDirectoryEntry(dirID, objectID uint32, name string, targetDirID, targetObjectID uint32, hash HashCode, generation uint32) error {
	h := HashName(hash, []byte(name))
	entry := DirEntry{
		Head: DirEntryHead{
			OffsetHashGen: PackOffset(h, generation),
			DirID:         targetDirID,
			ObjectID:      targetObjectID,
			State:         directoryEntryVisible,
		},
		Name: name,
	}
	body := EncodeDirectoryBody([]DirEntry{entry})

	dirItemKey := Key{DirID: dirID, ObjectID: objectID, Offset: 1, Type: TypeDirectory}
	path, exact, err := t.Search(dirItemKey)
	if err != nil {
		return err
	}
	if !exact {
		PathRelease(t.Cache, path)
		return t.InsertItem(dirItemKey, body, 1)
	}
	PathRelease(t.Cache, path)
	return t.PasteItem(dirItemKey, body, 1)
}

// WriteDirectBody inserts a new direct item keyed at offset+1 holding file
// bytes inline in the tree; it never appends to an existing direct item.
// See spec.md §4.6's
// direct-item variant.
func (t *Tree) WriteDirectBody(dirID, objectID uint32, offset uint64, data []byte) error {
	key := Key{DirID: dirID, ObjectID: objectID, Offset: offset + 1, Type: TypeDirect}
	return t.InsertItem(key, data, 0)
}

// WriteExtent inserts an extent item pointing at already-allocated data
// blocks, per spec.md §4.6's extent-item variant.
func (t *Tree) WriteExtent(dirID, objectID uint32, offset uint64, pointers []uint32) error {
	key := Key{DirID: dirID, ObjectID: objectID, Offset: offset + 1, Type: TypeExtent}
	return t.InsertItem(key, EncodeExtent(pointers), 0)
}
