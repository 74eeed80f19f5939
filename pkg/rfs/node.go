package rfs

import (
	"encoding/binary"
	"fmt"
)

// BlockHeaderSize is the fixed header every internal and leaf block opens
// with; item headers (leaves) or the key array (internals) begin
// immediately after it, per spec.md §3.
const BlockHeaderSize = 24

// LeafLevel is the tree height value a leaf node is always found at.
const LeafLevel = 1

// BlockHeader is common to leaf and internal nodes. ItemCount means "item
// count" on a leaf and "key count" (N) on an internal node, matching the
// overloaded on-disk field the rest of the format reuses between levels.
type BlockHeader struct {
	Level     uint16
	ItemCount uint16
	Free      uint16
}

func DecodeBlockHeader(b []byte) BlockHeader {
	return BlockHeader{
		Level:     binary.LittleEndian.Uint16(b[0:2]),
		ItemCount: binary.LittleEndian.Uint16(b[2:4]),
		Free:      binary.LittleEndian.Uint16(b[4:6]),
	}
}

func EncodeBlockHeader(b []byte, h BlockHeader) {
	binary.LittleEndian.PutUint16(b[0:2], h.Level)
	binary.LittleEndian.PutUint16(b[2:4], h.ItemCount)
	binary.LittleEndian.PutUint16(b[4:6], h.Free)
	for i := 6; i < BlockHeaderSize; i++ {
		b[i] = 0
	}
}

// LeafNode is the decoded form of a leaf block: a sorted item-header array
// growing up from offset BlockHeaderSize, and item bodies growing down
// from the end of the block.
type LeafNode struct {
	Free      uint16
	Items     []ItemHeader
	Bodies    [][]byte
	BlockSize uint32
	Format    KeyFormat
}

// DecodeLeaf parses data (one full block) as a leaf node.
func DecodeLeaf(data []byte, format KeyFormat) (*LeafNode, error) {
	hdr := DecodeBlockHeader(data)
	if hdr.Level != LeafLevel {
		return nil, fmt.Errorf("rfs: block is not a leaf (level=%d)", hdr.Level)
	}
	n := &LeafNode{Free: hdr.Free, BlockSize: uint32(len(data)), Format: format}
	off := BlockHeaderSize
	for i := uint16(0); i < hdr.ItemCount; i++ {
		if off+itemHeaderSize > len(data) {
			return nil, fmt.Errorf("rfs: leaf item-header array overruns block")
		}
		ih := DecodeItemHeader(data[off : off+itemHeaderSize])
		n.Items = append(n.Items, ih)
		off += itemHeaderSize
	}
	for _, ih := range n.Items {
		start := int(ih.Location)
		end := start + int(ih.Len)
		if start < 0 || end > len(data) || start > end {
			return nil, fmt.Errorf("rfs: leaf item body out of range for key %s", ih.Key)
		}
		n.Bodies = append(n.Bodies, data[start:end])
	}
	return n, nil
}

// Encode serializes n back to a full block-sized byte slice.
func (n *LeafNode) Encode() []byte {
	data := make([]byte, n.BlockSize)
	EncodeBlockHeader(data, BlockHeader{Level: LeafLevel, ItemCount: uint16(len(n.Items)), Free: n.Free})
	off := BlockHeaderSize
	for i, ih := range n.Items {
		ih.SetFormat(n.Format)
		EncodeItemHeader(data[off:off+itemHeaderSize], ih)
		off += itemHeaderSize
		copy(data[ih.Location:int(ih.Location)+int(ih.Len)], n.Bodies[i])
	}
	return data
}

// UsedBytes returns the header+body space this leaf's contents actually
// occupy, excluding the fixed BlockHeaderSize.
func (n *LeafNode) UsedBytes() int {
	used := len(n.Items) * itemHeaderSize
	for _, b := range n.Bodies {
		used += len(b)
	}
	return used
}

// ChildPointer is one entry of an internal node's child array: the target
// block plus a cached measure of how full that child currently is, used by
// the balancer to make quick shift/merge decisions without reading the
// child itself.
type ChildPointer struct {
	Block uint32
	Used  uint16
}

const childPointerSize = 6

// InternalNode is the decoded form of an internal block: N delimiting
// keys and N+1 child pointers.
type InternalNode struct {
	Level     uint16
	Keys      []Key
	Children  []ChildPointer
	BlockSize uint32
	Format    KeyFormat
}

func DecodeInternal(data []byte, format KeyFormat) (*InternalNode, error) {
	hdr := DecodeBlockHeader(data)
	if hdr.Level <= LeafLevel {
		return nil, fmt.Errorf("rfs: block is not internal (level=%d)", hdr.Level)
	}
	n := &InternalNode{Level: hdr.Level, BlockSize: uint32(len(data)), Format: format}
	off := BlockHeaderSize
	for i := uint16(0); i < hdr.ItemCount; i++ {
		if off+KeySize > len(data) {
			return nil, fmt.Errorf("rfs: internal key array overruns block")
		}
		n.Keys = append(n.Keys, DecodeKey(data[off:off+KeySize], format))
		off += KeySize
	}
	for i := uint16(0); i <= hdr.ItemCount; i++ {
		if off+childPointerSize > len(data) {
			return nil, fmt.Errorf("rfs: internal child array overruns block")
		}
		blk := binary.LittleEndian.Uint32(data[off : off+4])
		used := binary.LittleEndian.Uint16(data[off+4 : off+6])
		n.Children = append(n.Children, ChildPointer{Block: blk, Used: used})
		off += childPointerSize
	}
	return n, nil
}

func (n *InternalNode) Encode() []byte {
	data := make([]byte, n.BlockSize)
	used := n.UsedBytes()
	free := uint16(int(n.BlockSize) - BlockHeaderSize - used)
	EncodeBlockHeader(data, BlockHeader{Level: n.Level, ItemCount: uint16(len(n.Keys)), Free: free})
	off := BlockHeaderSize
	for _, k := range n.Keys {
		EncodeKey(data[off:off+KeySize], k, n.Format)
		off += KeySize
	}
	for _, c := range n.Children {
		binary.LittleEndian.PutUint32(data[off:off+4], c.Block)
		binary.LittleEndian.PutUint16(data[off+4:off+6], c.Used)
		off += childPointerSize
	}
	return data
}

// UsedBytes mirrors LeafNode.UsedBytes for internal nodes.
func (n *InternalNode) UsedBytes() int {
	return len(n.Keys)*KeySize + len(n.Children)*childPointerSize
}

// ItemCapacity is the number of bytes of a blockSize-sized leaf available
// to item headers and bodies combined.
func ItemCapacity(blockSize uint32) int { return int(blockSize) - BlockHeaderSize }

// LeafValidity is the result of LeafValid.
type LeafValidity int

const (
	LeafNotALeaf LeafValidity = iota
	LeafCorruptItemArray
	LeafOK
)

// LeafValid implements spec.md §4.6's leaf_valid: the block header must
// claim the leaf level, item headers must be contiguous and
// non-overlapping when scanned from position 0, and the decoded header
// count must not exceed what the block can physically hold.
func LeafValid(data []byte, format KeyFormat) LeafValidity {
	if len(data) < BlockHeaderSize {
		return LeafNotALeaf
	}
	hdr := DecodeBlockHeader(data)
	if hdr.Level != LeafLevel {
		return LeafNotALeaf
	}
	maxItems := uint16(ItemCapacity(uint32(len(data))) / itemHeaderSize)
	if hdr.ItemCount > maxItems {
		return LeafCorruptItemArray
	}
	n, err := DecodeLeaf(data, format)
	if err != nil {
		return LeafCorruptItemArray
	}
	// Keys must be sorted ascending.
	for i := 1; i < len(n.Items); i++ {
		if !n.Items[i-1].Key.Less(n.Items[i].Key) {
			return LeafCorruptItemArray
		}
	}
	// Bodies must abut with no gaps and no overlaps, scanning from the
	// lowest-location (i.e. last-inserted-from-the-end) item forward.
	occupied := make([]bool, len(data))
	for i, ih := range n.Items {
		start, end := int(ih.Location), int(ih.Location)+int(ih.Len)
		if start < BlockHeaderSize+len(n.Items)*itemHeaderSize || end > len(data) {
			return LeafCorruptItemArray
		}
		for b := start; b < end; b++ {
			if occupied[b] {
				return LeafCorruptItemArray
			}
			occupied[b] = true
		}
		_ = i
	}
	used := n.UsedBytes()
	expectedFree := uint16(ItemCapacity(uint32(len(data))) - used)
	if hdr.Free != expectedFree {
		return LeafCorruptItemArray
	}
	return LeafOK
}

// InternalValidity is the result of InternalValid.
type InternalValidity int

const (
	InternalNotInternal InternalValidity = iota
	InternalCorrupt
	InternalOK
)

// InternalValid implements spec.md §4.6's internal_valid.
func InternalValid(data []byte, format KeyFormat) InternalValidity {
	if len(data) < BlockHeaderSize {
		return InternalNotInternal
	}
	hdr := DecodeBlockHeader(data)
	if hdr.Level <= LeafLevel {
		return InternalNotInternal
	}
	maxKeys := uint16((ItemCapacity(uint32(len(data))) - childPointerSize) / (KeySize + childPointerSize))
	if hdr.ItemCount > maxKeys {
		return InternalCorrupt
	}
	n, err := DecodeInternal(data, format)
	if err != nil {
		return InternalCorrupt
	}
	for i := 1; i < len(n.Keys); i++ {
		if !n.Keys[i-1].Less(n.Keys[i]) {
			return InternalCorrupt
		}
	}
	used := n.UsedBytes()
	expectedFree := uint16(ItemCapacity(uint32(len(data))) - used)
	if hdr.Free != expectedFree {
		return InternalCorrupt
	}
	return InternalOK
}

// DirectoryCheck implements spec.md §4.6's directory_check: entries must
// have strictly increasing offsets, strictly increasing locations (heads
// and the names they point to both grow forward from the head area), name
// lengths within NameMax, and a hash matching the filesystem's selected
// hash family.
func DirectoryCheck(ih ItemHeader, body []byte, hash HashCode) error {
	entries := DecodeDirectoryBody(body, ih.EntryCountOrFreeSpace)
	var prevOffset uint32
	var prevLocation uint16
	for i, e := range entries {
		if len(e.Name) > NameMax {
			return fmt.Errorf("rfs: directory entry %d name too long (%d bytes)", i, len(e.Name))
		}
		// Ordering compares the raw packed offset (hash and generation
		// together), since "." and ".." share hash 0 and are only
		// disambiguated by generation.
		off := e.Head.OffsetHashGen
		if i > 0 && off <= prevOffset {
			return fmt.Errorf("rfs: directory entry %d offset not strictly increasing", i)
		}
		if i > 0 && e.Head.Location <= prevLocation {
			return fmt.Errorf("rfs: directory entry %d location not strictly increasing", i)
		}
		if hash != HashUnset && i > 1 { // entries 0,1 are "." and ".." and carry no hash
			want := HashName(hash, []byte(e.Name)) &^ (1<<generationBits - 1)
			if want != HashPart(off) {
				return fmt.Errorf("rfs: directory entry %d hash mismatch for name %q", i, e.Name)
			}
		}
		prevOffset = off
		prevLocation = e.Head.Location
	}
	return nil
}

// ExtentCheck implements spec.md §4.6's extent_check.
func ExtentCheck(ih ItemHeader, body []byte, deviceBlocks uint32) error {
	if len(body)%ExtentPointerSize != 0 {
		return fmt.Errorf("rfs: extent item length %d not a multiple of pointer size", len(body))
	}
	for _, p := range DecodeExtent(body) {
		if p != 0 && p >= deviceBlocks {
			return fmt.Errorf("rfs: extent pointer %d out of device bounds (%d blocks)", p, deviceBlocks)
		}
	}
	return nil
}

// StatDataCheck implements spec.md §4.6's stat_data_check: the key offset
// must be 0 and the key uniqueness (type) must be TypeStatData, and the
// body length must match the format's fixed size.
func StatDataCheck(ih ItemHeader, body []byte) error {
	if ih.Key.Offset != 0 {
		return fmt.Errorf("rfs: stat-data key offset must be 0, got %d", ih.Key.Offset)
	}
	if ih.Key.Type != TypeStatData {
		return fmt.Errorf("rfs: stat-data key type must be TypeStatData")
	}
	switch ih.Format() {
	case KeyFormat1:
		if len(body) != StatDataV1Size {
			return fmt.Errorf("rfs: v1 stat-data body length %d != %d", len(body), StatDataV1Size)
		}
	case KeyFormat2:
		if len(body) != statDataV2OnDiskSize {
			return fmt.Errorf("rfs: v2 stat-data body length %d != %d", len(body), statDataV2OnDiskSize)
		}
	}
	return nil
}
