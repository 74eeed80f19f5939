package rfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Superblock magic strings, per spec.md §6.
const (
	Magic35        = "ReIsErFs"  // v3.5
	Magic36        = "ReIsEr2Fs" // v3.6
	Magic36RelocJ  = "ReIsEr3Fs" // v3.6 with the journal on a separate device
	magicFieldSize = 10          // on-disk field is padded to 10 bytes
)

// Candidate superblock byte offsets: the "new" (post-resize) location and
// the legacy one, per spec.md §6.
const (
	SuperblockOffsetNew = 65536
	SuperblockOffsetOld = 8192
)

// FormatVersion distinguishes the two on-disk superblock layouts.
type FormatVersion uint8

const (
	Format35 FormatVersion = iota
	Format36
)

// State is the durable consistency summary recorded in the superblock.
type State uint16

const (
	StateConsistent State = 1 << iota
	StateFatal
	StateError
	StateIOError
	StateAttrsCleared
)

// Umount records whether the volume was last closed cleanly.
type Umount uint16

const (
	UmountClean Umount = iota
	UmountDirty
)

// JournalParams is the canonical copy of the journal's configuration kept
// both in the superblock and in the journal header block, per spec.md §4.5.
type JournalParams struct {
	DeviceName   [32]byte // empty when the journal is embedded in the main device
	Start        uint32
	Size         uint32
	MaxTransLen  uint32
	MaxBatch     uint32
	MaxCommitAge uint32
	MaxTransAge  uint32
	Magic        uint32
}

// Superblock is the in-memory representation of the fixed structure at
// SuperblockOffsetNew/Old. Grounded on original_source/libreiserfs/super.c.
type Superblock struct {
	Format        FormatVersion
	BlockCount    uint32
	FreeCount     uint32
	RootBlock     uint32
	Height        uint16 // tree height; leaf level is 1
	BlockSize     uint32
	BitmapBlocks  uint32
	FirstBitmapBlock uint32
	SpreadBitmaps bool
	Hash          HashCode
	State         State
	Umount        Umount
	Journal       JournalParams
	ObjectIDCount uint32 // number of (used,free) slots presently occupied in the map
	ObjectIDMax   uint32 // maximum slot count for this block size
	UUID          uuid.UUID
	Label         [16]byte
	MountCount    uint16
}

// StateOK reports whether the volume is consistent and was cleanly closed,
// per spec.md §4.3.
func (sb *Superblock) StateOK() bool {
	return sb.State&StateConsistent != 0 && sb.State&(StateFatal|StateError|StateIOError) == 0 && sb.Umount == UmountClean
}

// KeyFormat returns the on-disk key encoding this superblock's format uses.
func (sb *Superblock) KeyFormat() KeyFormat {
	if sb.Format == Format35 {
		return KeyFormat1
	}
	return KeyFormat2
}

// onDiskV1 is the fixed 204-byte v1 prefix shared by both formats.
type onDiskV1 struct {
	BlockCount    uint32
	FreeCount     uint32
	RootBlock     uint32
	JournalDev    [32]byte
	JournalStart  uint32
	JournalSize   uint32
	JournalTransMax uint32
	JournalMagic  uint32
	JournalMaxBatch uint32
	JournalMaxCommitAge uint32
	JournalMaxTransAge uint32
	BlockSize     uint32
	OidMaxSize    uint16
	OidCurSize    uint16
	State         uint16
	Magic         [magicFieldSize]byte
	FsckState     uint32
	Hash          uint32
	TreeHeight    uint16
	BitmapBlocks  uint16
	Version       uint16
	_             [96]byte // reserved, keeps the struct's binary.Size at 204
	Umount        uint16
}

const onDiskV1Size = 204

// onDiskV2Tail follows the v1 prefix for Format36 volumes only.
type onDiskV2Tail struct {
	UUID       [16]byte
	Label      [16]byte
	Flags      uint32
	MountCount uint16
	_          uint16
}

// Encode serializes sb to its on-disk byte layout.
func (sb *Superblock) Encode() []byte {
	v1 := onDiskV1{
		BlockCount:          sb.BlockCount,
		FreeCount:           sb.FreeCount,
		RootBlock:           sb.RootBlock,
		JournalStart:        sb.Journal.Start,
		JournalSize:         sb.Journal.Size,
		JournalTransMax:     sb.Journal.MaxTransLen,
		JournalMagic:        sb.Journal.Magic,
		JournalMaxBatch:     sb.Journal.MaxBatch,
		JournalMaxCommitAge: sb.Journal.MaxCommitAge,
		JournalMaxTransAge:  sb.Journal.MaxTransAge,
		BlockSize:           sb.BlockSize,
		OidMaxSize:          uint16(sb.ObjectIDMax),
		OidCurSize:          uint16(sb.ObjectIDCount),
		State:               uint16(sb.State),
		FsckState:           0,
		Hash:                uint32(sb.Hash),
		TreeHeight:          sb.Height,
		BitmapBlocks:        uint16(sb.BitmapBlocks),
		Version:             uint16(sb.Format),
		Umount:              uint16(sb.Umount),
	}
	copy(v1.JournalDev[:], sb.Journal.DeviceName[:])
	copy(v1.Magic[:], sb.magicString())

	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, &v1) //nolint:errcheck // bytes.Buffer never errors
	if sb.Format == Format36 {
		tail := onDiskV2Tail{
			Flags:      0,
			MountCount: sb.MountCount,
		}
		copy(tail.UUID[:], sb.UUID[:])
		copy(tail.Label[:], sb.Label[:])
		binary.Write(buf, binary.LittleEndian, &tail) //nolint:errcheck
	}
	return buf.Bytes()
}

func (sb *Superblock) magicString() string {
	switch {
	case sb.Format == Format35:
		return Magic35
	case sb.Journal.DeviceName != [32]byte{}:
		return Magic36RelocJ
	default:
		return Magic36
	}
}

// DecodeSuperblock parses raw superblock bytes, probing the three magic
// strings to determine format and journal placement.
func DecodeSuperblock(raw []byte) (*Superblock, error) {
	if len(raw) < onDiskV1Size {
		return nil, errors.New("rfs: superblock buffer too small")
	}
	var v1 onDiskV1
	if err := binary.Read(bytes.NewReader(raw[:onDiskV1Size]), binary.LittleEndian, &v1); err != nil {
		return nil, err
	}
	magic := string(bytes.TrimRight(v1.Magic[:], "\x00"))
	sb := &Superblock{
		BlockCount:    v1.BlockCount,
		FreeCount:     v1.FreeCount,
		RootBlock:     v1.RootBlock,
		BlockSize:     v1.BlockSize,
		ObjectIDMax:   uint32(v1.OidMaxSize),
		ObjectIDCount: uint32(v1.OidCurSize),
		State:         State(v1.State),
		Hash:          HashCode(v1.Hash),
		Height:        v1.TreeHeight,
		BitmapBlocks:  uint32(v1.BitmapBlocks),
		Umount:        Umount(v1.Umount),
		Journal: JournalParams{
			Start:        v1.JournalStart,
			Size:         v1.JournalSize,
			MaxTransLen:  v1.JournalTransMax,
			MaxBatch:     v1.JournalMaxBatch,
			MaxCommitAge: v1.JournalMaxCommitAge,
			MaxTransAge:  v1.JournalMaxTransAge,
			Magic:        v1.JournalMagic,
		},
	}
	copy(sb.Journal.DeviceName[:], v1.JournalDev[:])

	switch magic {
	case Magic35:
		sb.Format = Format35
	case Magic36:
		sb.Format = Format36
	case Magic36RelocJ:
		sb.Format = Format36
	default:
		return nil, fmt.Errorf("rfs: unrecognized superblock magic %q", magic)
	}

	if sb.Format == Format36 {
		if len(raw) < onDiskV1Size+binary.Size(onDiskV2Tail{}) {
			return nil, errors.New("rfs: truncated v3.6 superblock tail")
		}
		var tail onDiskV2Tail
		if err := binary.Read(bytes.NewReader(raw[onDiskV1Size:]), binary.LittleEndian, &tail); err != nil {
			return nil, err
		}
		u, err := uuid.FromBytes(tail.UUID[:])
		if err == nil {
			sb.UUID = u
		}
		copy(sb.Label[:], tail.Label[:])
		sb.MountCount = tail.MountCount
	}

	return sb, nil
}

// OpenSuperblock probes both candidate offsets on dev, preferring
// SuperblockOffsetNew, and re-reads at the discovered block size if it
// differs from the conventional 4096-byte probe read.
func OpenSuperblock(dev Device) (*Superblock, error) {
	for _, off := range []uint32{SuperblockOffsetNew, SuperblockOffsetOld} {
		probeBlock := off / 4096
		raw, err := dev.ReadBlock(probeBlock, 4096)
		if err != nil {
			continue
		}
		sb, err := DecodeSuperblock(raw)
		if err != nil {
			continue
		}
		if sb.BlockSize != 4096 {
			reReadBlock := off / sb.BlockSize
			raw, err = dev.ReadBlock(reReadBlock, sb.BlockSize)
			if err != nil {
				return nil, err
			}
			sb, err = DecodeSuperblock(raw)
			if err != nil {
				return nil, err
			}
		}
		// The bitmap starts in the block right after the superblock.
		sb.FirstBitmapBlock = off/sb.BlockSize + 1
		return sb, nil
	}
	return nil, errors.New("rfs: no valid ReiserFS superblock found")
}

// CreateSuperblock lays down a clean superblock consistent with the
// requested format and journal placement; used by mkfs.
func CreateSuperblock(format FormatVersion, blockCount uint32, blockSize uint32, hash HashCode, journalRelocated bool, journal JournalParams) *Superblock {
	sb := &Superblock{
		Format:      format,
		BlockCount:  blockCount,
		BlockSize:   blockSize,
		Hash:        hash,
		State:       StateConsistent,
		Umount:      UmountClean,
		Journal:     journal,
		ObjectIDMax: objectIDMaxSlots(blockSize),
	}
	if format == Format36 {
		sb.UUID = uuid.New()
	}
	if !journalRelocated {
		sb.Journal.DeviceName = [32]byte{}
	}
	return sb
}

// Flush writes sb to both candidate offsets' worth of blocks it owns (just
// the one block holding the structure) through the buffer cache.
func (sb *Superblock) Flush(dev Device, cache *Cache, newFormat bool) error {
	offset := uint32(SuperblockOffsetNew)
	if sb.Format == Format35 && !newFormat {
		offset = SuperblockOffsetOld
	}
	blk := offset / sb.BlockSize
	buf := cache.Open(dev, blk, sb.BlockSize)
	defer cache.Close(buf)
	encoded := sb.Encode()
	for i := range buf.Data {
		buf.Data[i] = 0
	}
	copy(buf.Data, encoded)
	cache.MarkDirty(buf)
	return cache.Write(buf)
}

// ObjectIDMaxSlots is the exported form of objectIDMaxSlots, for callers
// outside this package (the fsck repair engine) that need to rebuild an
// ObjectIDMap from scratch.
func ObjectIDMaxSlots(blockSize uint32) uint32 { return objectIDMaxSlots(blockSize) }

// objectIDMaxSlots returns the fixed maximum object-id interval slot count
// the superblock tail can hold at the given block size (the tail shares the
// block with the v1/v2 structures above).
func objectIDMaxSlots(blockSize uint32) uint32 {
	reserved := uint32(onDiskV1Size + 40) // v1 prefix + v2 tail
	avail := blockSize - reserved
	return avail / 4
}
