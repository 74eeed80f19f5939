package fsck

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/reiserfs-tools/reiserfs/pkg/rfs"
)

// Rollback log framing magics: a file-level header/footer, matching the
// save/load magic-framing convention pkg/rfs uses for the bitmap and
// object-id map. Grounded on original_source/utils/fsck/rollback.c.
const (
	rollbackStartMagic uint32 = 198611
	rollbackEndMagic   uint32 = 198622
)

// RollbackLog records the pre-image of every block fsck is about to
// change, the first time (and only the first time) that block is touched
// during a run. It is wired into the buffer cache via Buffer.PreWrite, so
// no pass needs to call it directly.
type RollbackLog struct {
	f       *os.File
	seen    map[uint32]bool
	blockSz uint32
}

// CreateRollbackLog opens (truncating) path and writes the log header.
func CreateRollbackLog(path string) (*RollbackLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := binary.Write(f, binary.LittleEndian, rollbackStartMagic); err != nil {
		f.Close()
		return nil, err
	}
	return &RollbackLog{f: f, seen: map[uint32]bool{}}, nil
}

// Hook returns a Buffer.PreWrite callback that records a block's pre-image
// before the write proceeds, recording each distinct block only once (the
// first pre-image is the one that matters for an undo). It reads b.Block
// straight back off b.Dev rather than using b.Data: by the time PreWrite
// fires the caller has already rewritten the in-memory buffer with its new
// contents, so b.Data holds the post-mutation bytes, not the pre-image.
// The device itself still holds the old bytes, since the write this hook
// guards has not happened yet.
func (rb *RollbackLog) Hook() func(*rfs.Buffer) error {
	return func(b *rfs.Buffer) error {
		if rb.seen[b.Block] {
			return nil
		}
		pre, err := b.Dev.ReadBlock(b.Block, b.Size)
		if err != nil {
			return err
		}
		return rb.record(b.Block, pre)
	}
}

func (rb *RollbackLog) record(block uint32, data []byte) error {
	if rb.seen[block] {
		return nil
	}
	rb.seen[block] = true
	if rb.blockSz == 0 {
		rb.blockSz = uint32(len(data))
	}
	if err := binary.Write(rb.f, binary.LittleEndian, block); err != nil {
		return err
	}
	if err := binary.Write(rb.f, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := rb.f.Write(data)
	return err
}

// Close writes the footer magic and closes the underlying file.
func (rb *RollbackLog) Close() error {
	if err := binary.Write(rb.f, binary.LittleEndian, rollbackEndMagic); err != nil {
		rb.f.Close()
		return err
	}
	return rb.f.Close()
}

// rollbackRecord is one decoded (block, pre-image) pair read back from a
// log file.
type rollbackRecord struct {
	Block uint32
	Data  []byte
}

// readRollbackLog parses every record out of a closed rollback log file,
// in the order they were written (oldest first).
func readRollbackLog(path string) ([]rollbackRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var startMagic uint32
	if err := binary.Read(f, binary.LittleEndian, &startMagic); err != nil {
		return nil, err
	}
	if startMagic != rollbackStartMagic {
		return nil, errors.New("rfs/fsck: bad rollback log start magic")
	}

	var records []rollbackRecord
	for {
		var block uint32
		if err := binary.Read(f, binary.LittleEndian, &block); err != nil {
			return nil, err
		}
		if block == rollbackEndMagic {
			break
		}
		var size uint32
		if err := binary.Read(f, binary.LittleEndian, &size); err != nil {
			return nil, err
		}
		data := make([]byte, size)
		if _, err := f.Read(data); err != nil {
			return nil, err
		}
		records = append(records, rollbackRecord{Block: block, Data: data})
	}
	return records, nil
}

// Rollback replays path in reverse order, writing each recorded pre-image
// back to dev, restoring the exact pre-fsck byte image of every touched
// block per spec.md §8's Scenario F.
func Rollback(path string, dev rfs.Device) error {
	records, err := readRollbackLog(path)
	if err != nil {
		return err
	}
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if err := dev.WriteBlock(r.Block, r.Data); err != nil {
			return fmt.Errorf("rfs/fsck: rollback write to block %d: %w", r.Block, err)
		}
	}
	return dev.Sync()
}
