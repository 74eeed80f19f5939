package rfs

import (
	"fmt"
	"io"
	"os"
)

// Device is the minimal surface the buffer cache needs from a backing
// store: aligned reads/writes of whole blocks plus a size and a flush.
// A single Device is the host for exactly one ReiserFS volume's main
// storage; a relocated journal opens a second Device of its own.
//
// Device intentionally does not expose a raw io.ReaderAt/io.WriterAt to the
// rest of the package: every block access outside pkg/rfs/fsck's salvage
// scan must go through the buffer cache, per spec.md §5's shared-resource
// policy.
type Device interface {
	ReadBlock(blk uint32, size uint32) ([]byte, error)
	WriteBlock(blk uint32, data []byte) error
	BlockCount(size uint32) uint32
	Sync() error
	Close() error
}

// FileDevice is a Device backed by a regular file or block special file,
// grounded on the aligned-offset read/write helpers in
// original_source/libutil/device.c.
type FileDevice struct {
	f    *os.File
	size int64 // cached device size in bytes, refreshed by Stat on open
}

// OpenDevice opens path for the read/write block access mkfs and fsck need.
// readOnly opens O_RDONLY, matching the "mounted read-only" safety path
// described in spec.md §7.
func OpenDevice(path string, readOnly bool) (*FileDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := fi.Size()
	if fi.Mode()&os.ModeDevice != 0 {
		// Block special files report a zero regular size; fall back to
		// seeking to the end, which the kernel resolves to the device's
		// true capacity.
		if end, serr := f.Seek(0, io.SeekEnd); serr == nil {
			size = end
		}
	}
	return &FileDevice{f: f, size: size}, nil
}

// ReadBlock reads exactly size bytes at block index blk.
func (d *FileDevice) ReadBlock(blk uint32, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	off := int64(blk) * int64(size)
	n, err := d.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("rfs: read block %d: %w", blk, err)
	}
	if n < int(size) {
		// Reading past a freshly-extended device's written tail: treat the
		// remainder as zero, matching the buffer cache's "always zero-filled
		// if freshly allocated" contract for never-written blocks.
		for i := n; i < int(size); i++ {
			buf[i] = 0
		}
	}
	return buf, nil
}

// WriteBlock writes data (whose length is the device's block size) at
// block index blk.
func (d *FileDevice) WriteBlock(blk uint32, data []byte) error {
	off := int64(blk) * int64(len(data))
	n, err := d.f.WriteAt(data, off)
	if err != nil {
		return fmt.Errorf("rfs: write block %d: %w", blk, err)
	}
	if n != len(data) {
		return fmt.Errorf("rfs: short write at block %d: %d of %d bytes", blk, n, len(data))
	}
	if off+int64(n) > d.size {
		d.size = off + int64(n)
	}
	return nil
}

// BlockCount returns the number of whole blocks of the given size the
// device currently spans.
func (d *FileDevice) BlockCount(size uint32) uint32 {
	return uint32(d.size / int64(size))
}

// Sync flushes any OS-buffered writes to stable storage.
func (d *FileDevice) Sync() error {
	return d.f.Sync()
}

// Close releases the underlying file handle.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
