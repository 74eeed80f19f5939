package rfs

import (
	"encoding/binary"
)

// Item header flag bits, packed into the high nibble of the format/flags
// word alongside the 12-bit key format. Used exclusively by the repair
// engine, per spec.md §3.
const (
	FlagUnreachable uint16 = 1 << iota
	FlagChecked
	FlagHasTail
	FlagUnaligned
)

// ItemHeader is the fixed-size descriptor preceding every item body in a
// leaf: its full key, byte length, in-leaf byte location, the
// entry-count-or-free-space union field, and the packed format/flags word.
type ItemHeader struct {
	Key      Key
	Len      uint16 // item body byte length
	Location uint16 // byte offset of the body within the leaf block
	// Union: for TypeDirectory this is EntryCount; for TypeExtent this is
	// FreeSpace (unused trailing bytes in the last extent pointer slot);
	// unused (0) for TypeStatData/TypeDirect.
	EntryCountOrFreeSpace uint16
	formatFlags           uint16 // low 12 bits: KeyFormat: high 4 bits: flags
}

const itemHeaderSize = KeySize + 2 + 2 + 2 + 2 // 24 bytes

func packFormatFlags(format KeyFormat, flags uint16) uint16 {
	w := bitFieldSet16(0, 0, 12, uint16(format))
	w = bitFieldSet16(w, 12, 4, flags)
	return w
}

// Format returns the item-header's key format.
func (ih *ItemHeader) Format() KeyFormat { return KeyFormat(bitFieldGet16(ih.formatFlags, 0, 12)) }

// Flags returns the item-header's repair-engine flag bits.
func (ih *ItemHeader) Flags() uint16 { return bitFieldGet16(ih.formatFlags, 12, 4) }

// SetFormat/SetFlags mutate the packed word in place.
func (ih *ItemHeader) SetFormat(f KeyFormat) { ih.formatFlags = bitFieldSet16(ih.formatFlags, 0, 12, uint16(f)) }
func (ih *ItemHeader) SetFlags(f uint16)     { ih.formatFlags = bitFieldSet16(ih.formatFlags, 12, 4, f) }

func (ih *ItemHeader) HasFlag(f uint16) bool { return ih.Flags()&f != 0 }
func (ih *ItemHeader) SetFlag(f uint16)      { ih.SetFlags(ih.Flags() | f) }
func (ih *ItemHeader) ClearFlag(f uint16)    { ih.SetFlags(ih.Flags() &^ f) }

// NewItemHeader builds a header for a fresh item.
func NewItemHeader(key Key, length, location uint16, format KeyFormat) ItemHeader {
	return ItemHeader{Key: key, Len: length, Location: location, formatFlags: packFormatFlags(format, 0)}
}

// EncodeItemHeader writes ih to b (itemHeaderSize bytes).
func EncodeItemHeader(b []byte, ih ItemHeader) {
	EncodeKey(b[0:KeySize], ih.Key, ih.Format())
	binary.LittleEndian.PutUint16(b[KeySize:KeySize+2], ih.Len)
	binary.LittleEndian.PutUint16(b[KeySize+2:KeySize+4], ih.Location)
	binary.LittleEndian.PutUint16(b[KeySize+4:KeySize+6], ih.EntryCountOrFreeSpace)
	binary.LittleEndian.PutUint16(b[KeySize+6:KeySize+8], ih.formatFlags)
}

// DecodeItemHeader is the inverse of EncodeItemHeader. The key format must
// be known ahead of the decode to interpret the key bytes (bootstrapped
// from the format/flags word's low 12 bits, read independently first).
func DecodeItemHeader(b []byte) ItemHeader {
	formatFlags := binary.LittleEndian.Uint16(b[KeySize+6 : KeySize+8])
	format := KeyFormat(bitFieldGet16(formatFlags, 0, 12))
	return ItemHeader{
		Key:                   DecodeKey(b[0:KeySize], format),
		Len:                   binary.LittleEndian.Uint16(b[KeySize : KeySize+2]),
		Location:              binary.LittleEndian.Uint16(b[KeySize+2 : KeySize+4]),
		EntryCountOrFreeSpace: binary.LittleEndian.Uint16(b[KeySize+4 : KeySize+6]),
		formatFlags:           formatFlags,
	}
}

// --- Stat-data -------------------------------------------------------------

// StatDataV1 is the historical 44-byte stat-data body.
type StatDataV1 struct {
	Mode           uint16
	Nlink          uint16
	UID            uint16
	GID            uint16
	Size           uint32
	ATime          uint32
	MTime          uint32
	CTime          uint32
	FirstDirectByte uint32 // NoReiserfsInodeFirstDirectByte when not applicable
	RdevOrGeneration uint32
}

const StatDataV1Size = 44

// StatDataV2 is the current format: the v1 fields with 32-bit link count,
// uid and gid and a 64-bit size, plus a block count. It keeps the
// first-direct-byte field and carries no generation number.
type StatDataV2 struct {
	Mode       uint16
	_          uint16 // reserved/padding
	Nlink      uint32
	Size       uint64
	UID        uint32
	GID        uint32
	ATime      uint32
	MTime      uint32
	CTime      uint32
	Blocks     uint32
	FirstDirectByte uint32
}

const StatDataV2Size = 44 // total size of the StatDataV2 fields above

// statDataV2OnDiskSize is the body length EncodeStatDataV2 writes and
// DecodeStatDataV2 reads: every field of StatDataV2, with no extra padding.
const statDataV2OnDiskSize = 44

func EncodeStatDataV2(sd StatDataV2) []byte {
	b := make([]byte, statDataV2OnDiskSize)
	binary.LittleEndian.PutUint16(b[0:2], sd.Mode)
	binary.LittleEndian.PutUint32(b[4:8], sd.Nlink)
	binary.LittleEndian.PutUint64(b[8:16], sd.Size)
	binary.LittleEndian.PutUint32(b[16:20], sd.UID)
	binary.LittleEndian.PutUint32(b[20:24], sd.GID)
	binary.LittleEndian.PutUint32(b[24:28], sd.ATime)
	binary.LittleEndian.PutUint32(b[28:32], sd.MTime)
	binary.LittleEndian.PutUint32(b[32:36], sd.CTime)
	binary.LittleEndian.PutUint32(b[36:40], sd.Blocks)
	binary.LittleEndian.PutUint32(b[40:44], sd.FirstDirectByte)
	return b
}

func DecodeStatDataV2(b []byte) StatDataV2 {
	return StatDataV2{
		Mode:            binary.LittleEndian.Uint16(b[0:2]),
		Nlink:           binary.LittleEndian.Uint32(b[4:8]),
		Size:            binary.LittleEndian.Uint64(b[8:16]),
		UID:             binary.LittleEndian.Uint32(b[16:20]),
		GID:             binary.LittleEndian.Uint32(b[20:24]),
		ATime:           binary.LittleEndian.Uint32(b[24:28]),
		MTime:           binary.LittleEndian.Uint32(b[28:32]),
		CTime:           binary.LittleEndian.Uint32(b[32:36]),
		Blocks:          binary.LittleEndian.Uint32(b[36:40]),
		FirstDirectByte: binary.LittleEndian.Uint32(b[40:44]),
	}
}

func EncodeStatDataV1(sd StatDataV1) []byte {
	b := make([]byte, StatDataV1Size)
	binary.LittleEndian.PutUint16(b[0:2], sd.Mode)
	binary.LittleEndian.PutUint16(b[2:4], sd.Nlink)
	binary.LittleEndian.PutUint16(b[4:6], sd.UID)
	binary.LittleEndian.PutUint16(b[6:8], sd.GID)
	binary.LittleEndian.PutUint32(b[8:12], sd.Size)
	binary.LittleEndian.PutUint32(b[12:16], sd.ATime)
	binary.LittleEndian.PutUint32(b[16:20], sd.MTime)
	binary.LittleEndian.PutUint32(b[20:24], sd.CTime)
	binary.LittleEndian.PutUint32(b[24:28], sd.FirstDirectByte)
	binary.LittleEndian.PutUint32(b[28:32], sd.RdevOrGeneration)
	return b
}

func DecodeStatDataV1(b []byte) StatDataV1 {
	return StatDataV1{
		Mode:             binary.LittleEndian.Uint16(b[0:2]),
		Nlink:            binary.LittleEndian.Uint16(b[2:4]),
		UID:              binary.LittleEndian.Uint16(b[4:6]),
		GID:              binary.LittleEndian.Uint16(b[6:8]),
		Size:             binary.LittleEndian.Uint32(b[8:12]),
		ATime:            binary.LittleEndian.Uint32(b[12:16]),
		MTime:            binary.LittleEndian.Uint32(b[16:20]),
		CTime:            binary.LittleEndian.Uint32(b[20:24]),
		FirstDirectByte:  binary.LittleEndian.Uint32(b[24:28]),
		RdevOrGeneration: binary.LittleEndian.Uint32(b[28:32]),
	}
}

// --- Extent ------------------------------------------------------------

// ExtentPointerSize is the on-disk size of one block pointer within an
// extent item body.
const ExtentPointerSize = 4

// DecodeExtent decodes a body of length len(b) into block pointers; a zero
// pointer denotes a sparse hole.
func DecodeExtent(b []byte) []uint32 {
	n := len(b) / ExtentPointerSize
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint32(b[i*4 : i*4+4])
	}
	return out
}

// EncodeExtent is the inverse of DecodeExtent.
func EncodeExtent(pointers []uint32) []byte {
	b := make([]byte, len(pointers)*ExtentPointerSize)
	for i, p := range pointers {
		binary.LittleEndian.PutUint32(b[i*4:i*4+4], p)
	}
	return b
}

// --- Directory -----------------------------------------------------------

// DirEntryHead is the fixed-size head of one directory entry; the names
// follow the head area of the item body, in the order their heads appear.
type DirEntryHead struct {
	OffsetHashGen uint32 // 31-bit hash + generation packed; see HashPart/Generation
	DirID         uint32
	ObjectID      uint32
	Location      uint16 // byte offset of this entry's name within the item body
	State         uint16 // visible/hidden bits, accessed via the generic bit-field accessor
}

const DirEntryHeadSize = 16

// NameMax is the maximum directory-entry name length, per spec.md §4.6.
const NameMax = 255

// generationBits is how many low bits of the packed hash+generation word
// are reserved to disambiguate hash collisions (spec.md GLOSSARY).
const generationBits = 7

// HashPart returns the 31-bit hash portion of a packed offset.
func HashPart(offsetHashGen uint32) uint32 { return offsetHashGen >> generationBits << generationBits }

// Generation returns the low 7-bit collision-disambiguation counter.
func Generation(offsetHashGen uint32) uint32 {
	return uint32(bitFieldGet64(uint64(offsetHashGen), 0, generationBits))
}

// PackOffset combines a hash and generation into the on-disk offset word.
func PackOffset(hash uint32, generation uint32) uint32 {
	return (hash &^ (1<<generationBits - 1)) | (generation & (1<<generationBits - 1))
}

// Directory entry state bits (packed into DirEntryHead.State).
const (
	directoryEntryVisible = 1 << 0
)

func (h DirEntryHead) Visible() bool { return h.State&directoryEntryVisible != 0 }

func EncodeDirEntryHead(b []byte, h DirEntryHead) {
	binary.LittleEndian.PutUint32(b[0:4], h.OffsetHashGen)
	binary.LittleEndian.PutUint32(b[4:8], h.DirID)
	binary.LittleEndian.PutUint32(b[8:12], h.ObjectID)
	binary.LittleEndian.PutUint16(b[12:14], h.Location)
	binary.LittleEndian.PutUint16(b[14:16], h.State)
}

func DecodeDirEntryHead(b []byte) DirEntryHead {
	return DirEntryHead{
		OffsetHashGen: binary.LittleEndian.Uint32(b[0:4]),
		DirID:         binary.LittleEndian.Uint32(b[4:8]),
		ObjectID:      binary.LittleEndian.Uint32(b[8:12]),
		Location:      binary.LittleEndian.Uint16(b[12:14]),
		State:         binary.LittleEndian.Uint16(b[14:16]),
	}
}

// DirEntry is the decoded, self-contained form of one directory entry used
// by callers that don't want to reach back into the raw body bytes.
type DirEntry struct {
	Head DirEntryHead
	Name string
}

// DecodeDirectoryBody decodes a directory item's body into its entries,
// given the header's EntryCount.
func DecodeDirectoryBody(body []byte, entryCount uint16) []DirEntry {
	entries := make([]DirEntry, entryCount)
	for i := 0; i < int(entryCount); i++ {
		h := DecodeDirEntryHead(body[i*DirEntryHeadSize : (i+1)*DirEntryHeadSize])
		nameStart := int(h.Location)
		nameEnd := len(body)
		if i+1 < int(entryCount) {
			next := DecodeDirEntryHead(body[(i+1)*DirEntryHeadSize : (i+2)*DirEntryHeadSize])
			nameEnd = int(next.Location)
		}
		if nameStart < 0 || nameEnd > len(body) || nameStart > nameEnd {
			continue // corrupt; fsck's directory_check is responsible for flagging this
		}
		raw := body[nameStart:nameEnd]
		// Names are NUL-padded to their stored slot; trim trailing NULs.
		end := len(raw)
		for end > 0 && raw[end-1] == 0 {
			end--
		}
		entries[i] = DirEntry{Head: h, Name: string(raw[:end])}
	}
	return entries
}

// EncodeDirectoryBody lays out entries as fixed heads followed by the name
// bytes in entry order, so name locations increase from the head area on.
func EncodeDirectoryBody(entries []DirEntry) []byte {
	headArea := len(entries) * DirEntryHeadSize
	nameArea := 0
	for _, e := range entries {
		nameArea += len(e.Name)
	}
	body := make([]byte, headArea+nameArea)
	nameOff := headArea
	for i, e := range entries {
		h := e.Head
		h.Location = uint16(nameOff)
		EncodeDirEntryHead(body[i*DirEntryHeadSize:(i+1)*DirEntryHeadSize], h)
		copy(body[nameOff:], e.Name)
		nameOff += len(e.Name)
	}
	return body
}

// Mergeable reports whether two neighboring items of the same key-space
// can be combined into one by balancing, per spec.md §3/§4.6:
// directories are always mergeable when adjacent, stat-data is never
// mergeable, and direct/extent items are mergeable when their byte ranges
// abut and they belong to the same object.
func Mergeable(left, right ItemHeader, blockSize uint32) bool {
	if left.Key.DirID != right.Key.DirID || left.Key.ObjectID != right.Key.ObjectID {
		return false
	}
	if left.Key.Type != right.Key.Type {
		return false
	}
	switch left.Key.Type {
	case TypeStatData:
		return false
	case TypeDirectory:
		return true
	case TypeDirect:
		return left.Key.Offset+uint64(left.Len) == right.Key.Offset
	case TypeExtent:
		pointers := uint64(left.Len) / ExtentPointerSize
		return left.Key.Offset+pointers*uint64(blockSize) == right.Key.Offset
	default:
		return false
	}
}
