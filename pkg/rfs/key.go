package rfs

import (
	"encoding/binary"
	"fmt"
)

// ItemType dispatches the four leaf item variants. It is the fourth
// component of a Key and is packed into the on-disk key itself (either via
// a v1 "uniqueness" code or the low 4 bits of a v2 offset word).
type ItemType uint8

const (
	TypeStatData ItemType = iota
	TypeDirect
	TypeExtent
	TypeDirectory
	typeCount
)

func (t ItemType) String() string {
	switch t {
	case TypeStatData:
		return "stat-data"
	case TypeDirect:
		return "direct"
	case TypeExtent:
		return "extent"
	case TypeDirectory:
		return "directory"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// v1 "uniqueness" codes, used only when the owning item header's KeyFormat
// is KeyFormat1. These are the historical values every format-1 leaf item
// is tagged with in its short key.
const (
	v1UniqStatData  uint32 = 0
	v1UniqExtent    uint32 = 0xfffffffe
	v1UniqDirect    uint32 = 0xffffffff
	v1UniqDirentry  uint32 = 500
	v1UniqUndefined uint32 = 555
)

// KeyFormat distinguishes the two on-disk key encodings.
type KeyFormat uint8

const (
	KeyFormat1 KeyFormat = 1 // short key: 32-bit offset + 32-bit uniqueness
	KeyFormat2 KeyFormat = 2 // long key: 60-bit offset + 4-bit type in 64 bits
)

// KeySize is the fixed on-disk size of a key in either format.
const KeySize = 16

// Key is the ordered 4-tuple (DirID, ObjectID, Offset, Type) that indexes
// every item in the tree. Order is lexicographic on those four fields in
// that order, regardless of which on-disk format produced the Key value.
type Key struct {
	DirID    uint32
	ObjectID uint32
	Offset   uint64
	Type     ItemType
}

// MinKey and MaxKey are the sentinel keys used as tree-boundary delimiters
// by path traversal and the balancer.
var (
	MinKey = Key{DirID: 0, ObjectID: 0, Offset: 0, Type: TypeStatData}
	MaxKey = Key{DirID: ^uint32(0), ObjectID: ^uint32(0), Offset: ^uint64(0) >> 4, Type: TypeDirectory}
)

// Compare implements the tree's total order: dir-id, then object-id, then
// offset, then type. It returns <0, 0, or >0 like bytes.Compare.
func Compare(a, b Key) int {
	if a.DirID != b.DirID {
		return cmpUint32(a.DirID, b.DirID)
	}
	if a.ObjectID != b.ObjectID {
		return cmpUint32(a.ObjectID, b.ObjectID)
	}
	if a.Offset != b.Offset {
		return cmpUint64(a.Offset, b.Offset)
	}
	return int(a.Type) - int(b.Type)
}

func cmpUint32(a, b uint32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func cmpUint64(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Less reports whether k sorts strictly before other.
func (k Key) Less(other Key) bool { return Compare(k, other) < 0 }

// Equal reports whether k and other denote the same (dir, oid, offset, type).
func (k Key) Equal(other Key) bool { return Compare(k, other) == 0 }

// SameObject reports whether k and other name the same object (ignoring
// offset and type), the comparison search-by-body uses for range queries.
func (k Key) SameObject(other Key) bool {
	return k.DirID == other.DirID && k.ObjectID == other.ObjectID
}

// v1UniqForType maps an ItemType to the historical format-1 uniqueness code.
func v1UniqForType(t ItemType) uint32 {
	switch t {
	case TypeStatData:
		return v1UniqStatData
	case TypeDirect:
		return v1UniqDirect
	case TypeExtent:
		return v1UniqExtent
	case TypeDirectory:
		return v1UniqDirentry
	default:
		return v1UniqUndefined
	}
}

// typeForV1Uniq is the inverse of v1UniqForType, used when decoding a
// format-1 key off disk.
func typeForV1Uniq(u uint32) (ItemType, bool) {
	switch u {
	case v1UniqStatData:
		return TypeStatData, true
	case v1UniqDirect:
		return TypeDirect, true
	case v1UniqExtent:
		return TypeExtent, true
	case v1UniqDirentry:
		return TypeDirectory, true
	default:
		return 0, false
	}
}

// EncodeKey writes k to b (which must be KeySize bytes) in the requested
// on-disk format.
func EncodeKey(b []byte, k Key, format KeyFormat) {
	if len(b) < KeySize {
		panic("rfs: short buffer for key encode")
	}
	binary.LittleEndian.PutUint32(b[0:4], k.DirID)
	binary.LittleEndian.PutUint32(b[4:8], k.ObjectID)
	switch format {
	case KeyFormat1:
		binary.LittleEndian.PutUint32(b[8:12], uint32(k.Offset))
		binary.LittleEndian.PutUint32(b[12:16], v1UniqForType(k.Type))
	case KeyFormat2:
		packed := bitFieldSet64(0, 0, 4, uint64(k.Type))
		packed = packed | (k.Offset << 4)
		binary.LittleEndian.PutUint64(b[8:16], packed)
	default:
		panic("rfs: unknown key format")
	}
}

// DecodeKey is the inverse of EncodeKey.
func DecodeKey(b []byte, format KeyFormat) Key {
	if len(b) < KeySize {
		panic("rfs: short buffer for key decode")
	}
	k := Key{
		DirID:    binary.LittleEndian.Uint32(b[0:4]),
		ObjectID: binary.LittleEndian.Uint32(b[4:8]),
	}
	switch format {
	case KeyFormat1:
		k.Offset = uint64(binary.LittleEndian.Uint32(b[8:12]))
		uniq := binary.LittleEndian.Uint32(b[12:16])
		t, ok := typeForV1Uniq(uniq)
		if !ok {
			// Unknown uniqueness codes are treated as direct items, the
			// same fallback reiserfsprogs uses for forward compatibility.
			t = TypeDirect
		}
		k.Type = t
	case KeyFormat2:
		packed := binary.LittleEndian.Uint64(b[8:16])
		k.Type = ItemType(bitFieldGet64(packed, 0, 4))
		k.Offset = packed >> 4
	default:
		panic("rfs: unknown key format")
	}
	return k
}

func (k Key) String() string {
	return fmt.Sprintf("(%d,%d,%d,%s)", k.DirID, k.ObjectID, k.Offset, k.Type)
}
