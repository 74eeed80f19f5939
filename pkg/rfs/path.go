package rfs

import (
	"fmt"
	"sort"
)

// pathElement is one level of a root-to-leaf descent: the buffer holding
// that level's node and the index within it the search followed (a child
// index for internal levels, an item index for the leaf level).
type pathElement struct {
	Buffer *Buffer
	Pos    int
}

// Path is a pinned root-to-leaf chain of buffers, the structure both
// search and the balancer operate on. Every Buffer in a Path is held open
// (refCount incremented) until PathRelease returns it; callers must always
// release a Path they obtained, on every return path including errors.
type Path struct {
	elems []pathElement
}

// Depth returns the number of levels in the path, including the leaf.
func (p *Path) Depth() int { return len(p.elems) }

// Leaf returns the path's final (leaf-level) buffer.
func (p *Path) Leaf() *Buffer { return p.elems[len(p.elems)-1].Buffer }

// ItemPos returns the item index the search landed on within the leaf.
func (p *Path) ItemPos() int { return p.elems[len(p.elems)-1].Pos }

// SetItemPos overrides the leaf item index, used after an insert/delete
// shifts the position a caller is tracking.
func (p *Path) SetItemPos(i int) { p.elems[len(p.elems)-1].Pos = i }

// parentBuffer returns the buffer one level above the leaf, or nil at the
// root.
func (p *Path) parentBuffer() *Buffer {
	if len(p.elems) < 2 {
		return nil
	}
	return p.elems[len(p.elems)-2].Buffer
}

// parentPos returns the leaf's child index within its parent.
func (p *Path) parentPos() int {
	return p.elems[len(p.elems)-2].Pos
}

// PathRelease closes every buffer a Path holds, in leaf-to-root order.
func PathRelease(cache *Cache, p *Path) {
	for i := len(p.elems) - 1; i >= 0; i-- {
		cache.Close(p.elems[i].Buffer)
	}
	p.elems = nil
}

// SearchByKey descends from rootBlock to the leaf that would contain key,
// pinning every node along the way. exact reports whether the returned
// leaf position holds an item with precisely this key; otherwise Pos is
// the index the item would be inserted at (sort.Search's convention).
// Grounded on original_source/libreiserfs/tree.c's search_by_key and
// dittofs' (other_examples) iterative B-tree descent idiom.
func SearchByKey(cache *Cache, dev Device, rootBlock uint32, blockSize uint32, format KeyFormat, key Key) (*Path, bool, error) {
	p := &Path{}
	blk := rootBlock
	for {
		buf, err := cache.Read(dev, blk, blockSize)
		if err != nil {
			PathRelease(cache, p)
			return nil, false, err
		}
		hdr := DecodeBlockHeader(buf.Data)
		if hdr.Level == LeafLevel {
			leaf, err := DecodeLeaf(buf.Data, format)
			if err != nil {
				cache.Close(buf)
				PathRelease(cache, p)
				return nil, false, err
			}
			pos := sort.Search(len(leaf.Items), func(i int) bool {
				return !leaf.Items[i].Key.Less(key)
			})
			exact := pos < len(leaf.Items) && leaf.Items[pos].Key.Equal(key)
			p.elems = append(p.elems, pathElement{Buffer: buf, Pos: pos})
			return p, exact, nil
		}
		node, err := DecodeInternal(buf.Data, format)
		if err != nil {
			cache.Close(buf)
			PathRelease(cache, p)
			return nil, false, err
		}
		// Child i covers [keys[i-1], keys[i]); the last child covers
		// [keys[n-1], +inf).
		idx := sort.Search(len(node.Keys), func(i int) bool {
			return key.Less(node.Keys[i])
		})
		if idx >= len(node.Children) {
			cache.Close(buf)
			PathRelease(cache, p)
			return nil, false, fmt.Errorf("rfs: internal node at block %d has no child for key %s", blk, key)
		}
		p.elems = append(p.elems, pathElement{Buffer: buf, Pos: idx})
		blk = node.Children[idx].Block
	}
}

// LeafNode decodes the path's leaf buffer fresh from its current bytes.
// Callers that mutate a leaf in place must re-decode after each mutation;
// Path itself caches nothing but the buffer reference.
func (p *Path) LeafNode(format KeyFormat) (*LeafNode, error) {
	return DecodeLeaf(p.Leaf().Data, format)
}

// ItemAt returns the item header and body at the path's current leaf
// position.
func (p *Path) ItemAt(format KeyFormat) (ItemHeader, []byte, error) {
	leaf, err := p.LeafNode(format)
	if err != nil {
		return ItemHeader{}, nil, err
	}
	pos := p.ItemPos()
	if pos < 0 || pos >= len(leaf.Items) {
		return ItemHeader{}, nil, fmt.Errorf("rfs: path item position %d out of range (%d items)", pos, len(leaf.Items))
	}
	return leaf.Items[pos], leaf.Bodies[pos], nil
}

// LeftDelimitingKey returns the key that bounds the leaf from the left, by
// walking up to the first ancestor where the leaf's branch is not the
// leftmost child and taking the key just before it. It returns MinKey at
// the left edge of the tree.
func LeftDelimitingKey(cache *Cache, dev Device, blockSize uint32, format KeyFormat, p *Path) (Key, error) {
	for i := len(p.elems) - 2; i >= 0; i-- {
		parent := p.elems[i]
		childIdx := p.elems[i+1].Pos
		if parent.Pos > 0 {
			node, err := DecodeInternal(parent.Buffer.Data, format)
			if err != nil {
				return Key{}, err
			}
			return node.Keys[parent.Pos-1], nil
		}
		_ = childIdx
	}
	return MinKey, nil
}

// RightDelimitingKey is the mirror of LeftDelimitingKey.
func RightDelimitingKey(cache *Cache, dev Device, blockSize uint32, format KeyFormat, p *Path) (Key, error) {
	for i := len(p.elems) - 2; i >= 0; i-- {
		parent := p.elems[i]
		node, err := DecodeInternal(parent.Buffer.Data, format)
		if err != nil {
			return Key{}, err
		}
		if parent.Pos < len(node.Keys) {
			return node.Keys[parent.Pos], nil
		}
	}
	return MaxKey, nil
}

// NeighborLeaf loads the leaf immediately to the left (dir<0) or right
// (dir>0) of p's current leaf, returning nil if none exists (tree edge).
// The returned buffer is pinned by the caller's cache and must be closed
// independently of p.
func NeighborLeaf(cache *Cache, dev Device, blockSize uint32, format KeyFormat, p *Path, dir int) (*Buffer, error) {
	// Walk up until we find an ancestor where the descent can step
	// sideways, then walk back down the far edge.
	i := len(p.elems) - 2
	for ; i >= 0; i-- {
		parent := p.elems[i]
		node, err := DecodeInternal(parent.Buffer.Data, format)
		if err != nil {
			return nil, err
		}
		pos := parent.Pos
		if dir < 0 && pos > 0 {
			return descendToEdge(cache, dev, blockSize, format, node.Children[pos-1].Block, +1)
		}
		if dir > 0 && pos < len(node.Children)-1 {
			return descendToEdge(cache, dev, blockSize, format, node.Children[pos+1].Block, -1)
		}
	}
	return nil, nil
}

// descendToEdge descends from blk to a leaf, always taking the rightmost
// child when edge>0 or the leftmost child when edge<0. Used to find the
// adjacent leaf's near edge after stepping sideways one level up.
func descendToEdge(cache *Cache, dev Device, blockSize uint32, format KeyFormat, blk uint32, edge int) (*Buffer, error) {
	for {
		buf, err := cache.Read(dev, blk, blockSize)
		if err != nil {
			return nil, err
		}
		hdr := DecodeBlockHeader(buf.Data)
		if hdr.Level == LeafLevel {
			return buf, nil
		}
		node, err := DecodeInternal(buf.Data, format)
		if err != nil {
			cache.Close(buf)
			return nil, err
		}
		next := node.Children[0].Block
		if edge > 0 {
			next = node.Children[len(node.Children)-1].Block
		}
		cache.Close(buf)
		blk = next
	}
}
