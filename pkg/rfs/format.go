package rfs

import (
	"fmt"

	"github.com/reiserfs-tools/reiserfs/pkg/elog"
)

// Root directory object identifiers, fixed by convention so every volume's
// root can be found without consulting any other metadata.
const (
	RootDirID    uint32 = 1
	RootObjectID uint32 = 2
)

// nopLogger discards everything; CreateVolume uses it for the buffer
// cache's internal reclaim warnings when the caller didn't ask for log
// output of its own.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Printf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) IsInfoEnabled() bool           { return false }
func (nopLogger) IsDebugEnabled() bool          { return false }

var _ elog.Logger = nopLogger{}

// FormatOptions configures CreateVolume (mkfs), per spec.md §4.8.
type FormatOptions struct {
	BlockSize        uint32
	Format           FormatVersion
	Hash             HashCode
	JournalSize      uint32 // 0 selects JournalDefaultSize, or JournalMinSize when the default does not fit
	RelocateJournal  bool
	Label            string
	BadBlocks        []uint32 // pre-marked unusable, from mkfs's -B flag
}

// CreateVolume lays down a brand-new, empty filesystem on dev: superblock,
// bitmap(s), object-id map, journal, and a root directory containing just
// "." and "..". It returns a Session ready for further tree operations
// (e.g. populating the volume from an existing directory tree), mirroring
// original_source/utils/mkfs/mkreiserfs.c's top-level build sequence.
func CreateVolume(dev Device, opts FormatOptions, log elog.Logger) (*Session, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = 4096
	}
	blockCount := dev.BlockCount(opts.BlockSize)
	if blockCount < 64 {
		return nil, fmt.Errorf("rfs: device too small for a %d-byte-block volume (%d blocks)", opts.BlockSize, blockCount)
	}
	journalSize := opts.JournalSize
	if journalSize == 0 {
		journalSize = JournalDefaultSize
	}

	cache := NewCache(nopLogger{}, 0, 0)

	superBlockNumber := uint32(SuperblockOffsetNew) / opts.BlockSize
	bitsPerBitmapBlock := opts.BlockSize * 8
	bitmapBlocks := (blockCount + bitsPerBitmapBlock - 1) / bitsPerBitmapBlock
	firstBitmapBlock := superBlockNumber + 1

	sb := CreateSuperblock(opts.Format, blockCount, opts.BlockSize, opts.Hash, opts.RelocateJournal, JournalParams{})
	sb.BitmapBlocks = bitmapBlocks
	sb.FirstBitmapBlock = firstBitmapBlock
	sb.SpreadBitmaps = false
	copy(sb.Label[:], []byte(opts.Label))

	bm := NewBitmap(blockCount)
	bm.Set(0) // boot area
	bm.Set(superBlockNumber)
	for i := uint32(0); i < bitmapBlocks; i++ {
		bm.Set(firstBitmapBlock + i)
	}

	journalStart := firstBitmapBlock + bitmapBlocks
	// The journal (size blocks plus its header) and the root leaf must fit
	// on the device; an unspecified size falls back to the minimum when the
	// default does not.
	if opts.JournalSize == 0 && uint64(journalStart)+uint64(journalSize)+2 > uint64(blockCount) {
		journalSize = JournalMinSize
	}
	if uint64(journalStart)+uint64(journalSize)+2 > uint64(blockCount) {
		return nil, fmt.Errorf("rfs: device too small for a %d-block journal (%d blocks)", journalSize, blockCount)
	}
	for off := uint32(0); off <= journalSize; off++ {
		bm.Set(journalStart + off)
	}

	rootBlock := journalStart + journalSize + 1
	bm.Set(rootBlock)
	sb.RootBlock = rootBlock
	sb.Height = LeafLevel

	for _, blk := range opts.BadBlocks {
		if blk < blockCount {
			bm.Set(blk)
		}
	}

	oids := NewObjectIDMap(objectIDMaxSlots(opts.BlockSize))
	oids.Mark(RootObjectID, true)

	sb.FreeCount = blockCount - bm.SetCount()

	journalDev := dev
	journal, err := CreateJournal(sb, journalDev, cache, journalStart, journalSize, opts.RelocateJournal)
	if err != nil {
		return nil, err
	}

	rootLeaf := buildRootLeaf(opts.BlockSize, sb.KeyFormat(), opts.Hash)
	buf := cache.Open(dev, rootBlock, opts.BlockSize)
	copy(buf.Data, rootLeaf.Encode())
	cache.MarkDirty(buf)
	if err := cache.Write(buf); err != nil {
		cache.Close(buf)
		return nil, err
	}
	cache.Close(buf)

	if err := bm.Flush(sb, dev, cache); err != nil {
		return nil, err
	}
	sb.ObjectIDCount = uint32(len(oids.Flush(sb)))
	if err := sb.Flush(dev, cache, true); err != nil {
		return nil, err
	}

	s := &Session{
		Dev:     dev,
		Cache:   cache,
		Super:   sb,
		Journal: journal,
		Bitmap:  bm,
		Oids:    oids,
		Tree:    OpenTree(dev, cache, sb, bm),
	}
	if log != nil {
		log.Infof("rfs: created %s volume: %d blocks of %d bytes, hash=%s", formatName(opts.Format), blockCount, opts.BlockSize, opts.Hash)
	}
	return s, nil
}

func formatName(f FormatVersion) string {
	if f == Format35 {
		return "3.5"
	}
	return "3.6"
}

// buildRootLeaf constructs the single leaf block a fresh volume's root
// directory starts as: its stat-data item followed by a directory item
// holding "." and "..", both pointing at (RootDirID, RootObjectID) since
// the root is its own parent.
func buildRootLeaf(blockSize uint32, format KeyFormat, hash HashCode) *LeafNode {
	sd := StatDataV2{Mode: 0040755, Nlink: 2, Size: 0}
	sdBody := EncodeStatDataV2(sd)

	dot := DirEntry{
		Head: DirEntryHead{
			OffsetHashGen: PackOffset(0, 0),
			DirID:         RootDirID,
			ObjectID:      RootObjectID,
			State:         directoryEntryVisible,
		},
		Name: ".",
	}
	dotdot := DirEntry{
		Head: DirEntryHead{
			OffsetHashGen: PackOffset(0, 1),
			DirID:         RootDirID,
			ObjectID:      RootObjectID,
			State:         directoryEntryVisible,
		},
		Name: "..",
	}
	dirBody := EncodeDirectoryBody([]DirEntry{dot, dotdot})

	items := []VItem{
		{Header: NewItemHeader(Key{DirID: RootDirID, ObjectID: RootObjectID, Offset: 0, Type: TypeStatData}, uint16(len(sdBody)), 0, format), Body: sdBody},
		{Header: itemHeaderWithEntryCount(Key{DirID: RootDirID, ObjectID: RootObjectID, Offset: 1, Type: TypeDirectory}, uint16(len(dirBody)), format, 2), Body: dirBody},
	}
	return materializeLeaf(items, blockSize, format)
}

func itemHeaderWithEntryCount(key Key, length uint16, format KeyFormat, count uint16) ItemHeader {
	ih := NewItemHeader(key, length, 0, format)
	ih.EntryCountOrFreeSpace = count
	return ih
}
