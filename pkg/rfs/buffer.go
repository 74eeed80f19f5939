package rfs

import (
	"fmt"

	"github.com/reiserfs-tools/reiserfs/pkg/elog"
)

// Buffer is one cached block image. It is the only representation of
// on-disk data the rest of the package is allowed to touch; node and item
// decoders read and write through Buffer.Data in place.
//
// Buffer.Data must never be referenced after the owning Buffer is closed:
// once the reference count reaches zero the cache is free to recycle the
// backing slice for an unrelated block.
type Buffer struct {
	Dev   Device
	Block uint32
	Size  uint32
	Data  []byte

	refCount int
	dirty    bool
	uptodate bool
	noFlush  bool // pinned against writeback, e.g. while fsck's rollback log still needs the pre-image

	// PreWrite/PostWrite let a caller (the fsck rollback log) observe every
	// write without the cache knowing anything about rollback semantics.
	PreWrite  func(*Buffer) error
	PostWrite func(*Buffer) error

	prev, next *Buffer // LRU list linkage, most-recently-used at Cache.mru
	bucket     bufKey
}

type bufKey struct {
	dev  Device
	blk  uint32
	size uint32
}

// Cache is a process-wide (in practice, per-Session) pool of Buffers
// indexed by (device, block, size), grounded on
// original_source/libreiserfs/buffer.c and generalized to Go's hash-map +
// doubly linked list idiom the way other_examples' dittofs cache.go
// structures its block-buffer map. The file-system core is single-threaded
// and cooperative (spec.md §5), so Cache carries no internal locking.
type Cache struct {
	log        elog.Logger
	buckets    map[bufKey]*Buffer
	mru, lru   *Buffer // most/least recently used ends of the LRU list
	count      int
	softLimit  int // grow in fixed chunks up to this many live buffers
	growChunk  int
	flushBatch int // opportunistic flush batch size when the soft limit is hit

	// OnNewBuffer, if set, is called once for every freshly-created Buffer
	// (not on cache hits), letting a caller like fsck's rollback log attach
	// its PreWrite hook without the cache knowing anything about rollback.
	OnNewBuffer func(*Buffer)
}

// NewCache creates an empty buffer cache. softLimit and growChunk follow
// the "grow on demand in fixed chunks up to a soft memory limit" policy of
// spec.md §4.1; flushBatch is the "up to 32 dirty buffers" opportunistic
// flush size.
func NewCache(log elog.Logger, softLimit, growChunk int) *Cache {
	if softLimit <= 0 {
		softLimit = 4096
	}
	if growChunk <= 0 {
		growChunk = 256
	}
	return &Cache{
		log:        log,
		buckets:    make(map[bufKey]*Buffer),
		softLimit:  softLimit,
		growChunk:  growChunk,
		flushBatch: 32,
	}
}

func (c *Cache) unlinkLRU(b *Buffer) {
	if b.prev != nil {
		b.prev.next = b.next
	} else if c.mru == b {
		c.mru = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else if c.lru == b {
		c.lru = b.prev
	}
	b.prev, b.next = nil, nil
}

func (c *Cache) pushMRU(b *Buffer) {
	b.prev = nil
	b.next = c.mru
	if c.mru != nil {
		c.mru.prev = b
	}
	c.mru = b
	if c.lru == nil {
		c.lru = b
	}
}

func (c *Cache) touch(b *Buffer) {
	c.unlinkLRU(b)
	c.pushMRU(b)
}

// Find looks a buffer up without allocating; it returns nil if absent.
func (c *Cache) Find(dev Device, blk, size uint32) *Buffer {
	return c.buckets[bufKey{dev, blk, size}]
}

// Open returns the buffer for (dev, blk, size), creating and zero-filling
// it if it does not already exist, and incrementing its reference count.
func (c *Cache) Open(dev Device, blk, size uint32) *Buffer {
	key := bufKey{dev, blk, size}
	if b, ok := c.buckets[key]; ok {
		b.refCount++
		c.touch(b)
		return b
	}
	c.reclaimIfNeeded(dev)
	b := &Buffer{
		Dev:      dev,
		Block:    blk,
		Size:     size,
		Data:     make([]byte, size),
		refCount: 1,
		bucket:   key,
	}
	c.buckets[key] = b
	c.pushMRU(b)
	c.count++
	if c.OnNewBuffer != nil {
		c.OnNewBuffer(b)
	}
	return b
}

// Read is Open followed by a disk read into the buffer when it was not
// already uptodate.
func (c *Cache) Read(dev Device, blk, size uint32) (*Buffer, error) {
	b := c.Open(dev, blk, size)
	if b.uptodate {
		return b, nil
	}
	data, err := dev.ReadBlock(blk, size)
	if err != nil {
		c.Close(b)
		return nil, err
	}
	copy(b.Data, data)
	b.uptodate = true
	return b, nil
}

// Close decrements the reference count. The buffer becomes eligible for
// reuse only once the count reaches zero and it is clean.
func (c *Cache) Close(b *Buffer) {
	if b.refCount == 0 {
		panic("rfs: buffer closed too many times")
	}
	b.refCount--
}

// Write persists b to its device if it is dirty, uptodate, and not pinned
// against writeback; it clears the dirty flag on success.
func (c *Cache) Write(b *Buffer) error {
	if !b.dirty || !b.uptodate || b.noFlush {
		return nil
	}
	if b.PreWrite != nil {
		if err := b.PreWrite(b); err != nil {
			return err
		}
	}
	if err := b.Dev.WriteBlock(b.Block, b.Data); err != nil {
		return err
	}
	b.dirty = false
	if b.PostWrite != nil {
		if err := b.PostWrite(b); err != nil {
			return err
		}
	}
	return nil
}

// MarkDirty flags b for writeback. Callers set this after mutating
// b.Data in place.
func (c *Cache) MarkDirty(b *Buffer) {
	b.dirty = true
	b.uptodate = true
}

// Pin prevents writeback of b until Unpin is called, used while a block's
// pre-image must survive in memory for the rollback log.
func (c *Cache) Pin(b *Buffer)   { b.noFlush = true }
func (c *Cache) Unpin(b *Buffer) { b.noFlush = false }

// IsDirty, IsUptodate report the buffer's cache-coherency flags.
func (b *Buffer) IsDirty() bool    { return b.dirty }
func (b *Buffer) IsUptodate() bool { return b.uptodate }
func (b *Buffer) RefCount() int    { return b.refCount }

// Forget marks b clean, detaches it from the hash index and unlinks it
// from the LRU list. Used when a tree node's backing block is
// deallocated (e.g. after a merge or a root shrink) so its stale contents
// are never mistaken for a live node.
func (c *Cache) Forget(b *Buffer) {
	b.dirty = false
	delete(c.buckets, b.bucket)
	c.unlinkLRU(b)
	c.count--
}

// InvalidateAll drops every buffer belonging to dev. Any buffer that is
// still dirty triggers a logged warning: it means the caller is discarding
// unflushed data, which should only ever happen when abandoning a device
// after a fatal error.
func (c *Cache) InvalidateAll(dev Device) {
	for key, b := range c.buckets {
		if key.dev != dev {
			continue
		}
		if b.dirty {
			c.log.Warnf("rfs: invalidating dirty buffer block=%d dev=%v", b.Block, dev)
		}
		c.unlinkLRU(b)
		delete(c.buckets, key)
		c.count--
	}
}

// reclaimIfNeeded enforces the soft memory limit: once the cache holds
// softLimit buffers, opportunistically flush and evict up to flushBatch
// reusable (refCount==0) buffers of dev before growing further. Only when
// no buffer can be reclaimed and the limit is already breached does the
// cache panic, matching spec.md §4.1's "hard failure (panic) only on
// memory exhaustion with no reusable buffer".
func (c *Cache) reclaimIfNeeded(dev Device) {
	if c.count < c.softLimit {
		return
	}
	reclaimed := 0
	b := c.lru
	for b != nil && reclaimed < c.flushBatch {
		prev := b.prev
		if b.refCount == 0 {
			if b.dirty {
				if err := c.Write(b); err != nil {
					c.log.Warnf("rfs: failed to flush buffer during reclaim: %v", err)
					b = prev
					continue
				}
			}
			c.Forget(b)
			reclaimed++
		}
		b = prev
	}
	if reclaimed == 0 && c.count >= c.softLimit+c.growChunk {
		panic(fmt.Sprintf("rfs: buffer cache exhausted: %d buffers pinned, none reclaimable", c.count))
	}
}
