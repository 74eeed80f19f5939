package rfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
)

// Journal sizing constants, per spec.md §4.5.
const (
	JournalMinSize      = 512
	JournalDefaultSize  = 8192 - 1
	journalTransMin     = 256
	journalTransMax     = 1024
	journalMaxBatchBase = 900
	journalMinRatio     = 4

	journalDescMagic = "ReIsErLB"
)

// descriptorHeaderSize is the fixed header a descriptor or commit block
// carries before its array of real block numbers.
const descriptorHeaderSize = 12 // TransID, Len, MountID, each uint32

// JournalHeader is the block at the very end of the journal area: it
// records replay progress and a canonical copy of the journal parameters.
type JournalHeader struct {
	LastFlushedTransID  uint32
	FirstUnflushedOffset uint32
	MountID             uint32
	Params              JournalParams
}

// Journal drives the write-ahead log described in spec.md §4.5. It may be
// embedded in the main device or hosted on a separate one; Dev always
// refers to whichever device actually holds the journal blocks, addressed
// relative to Params.Start.
type Journal struct {
	Dev    Device
	Params JournalParams
	Header JournalHeader
	log    logFn
}

type logFn func(format string, args ...interface{})

// JournalTransaction describes one descriptor+payload+commit unit recovered
// from the log.
type JournalTransaction struct {
	TransID  uint32
	MountID  uint32
	Blocks   []uint32 // real destination block numbers, in payload order
	DescOff  uint32   // journal-relative block offset of the descriptor
}

func maxTransLenFor(blockSize, journalSize uint32) uint32 {
	t := uint32(journalTransMax)
	if blockSize < 4096 && blockSize > 0 {
		scale := 4096 / blockSize
		if scale > 0 {
			t = journalTransMax / scale
		}
	}
	if t < journalTransMin {
		t = journalTransMin
	}
	if limit := journalSize / journalMinRatio; limit > 0 && t > limit {
		t = limit
	}
	return t
}

func maxBatchFor(maxTransLen uint32) uint32 {
	return maxTransLen * journalMaxBatchBase / journalTransMax
}

// halfCapacity is the number of real-block-number slots a single
// descriptor or commit block can carry, per spec.md §4.5's formula.
func halfCapacity(blockSize uint32) uint32 {
	return (blockSize - 24) / 8
}

// OpenJournal performs the geometry checks from spec.md §4.5: size bounds,
// that the journal fits its backing device, and that the embedded
// superblock parameters match the on-disk header's canonical copy. A
// mismatch on a standard (embedded) journal is repaired by rewriting the
// header from the superblock's copy; a mismatch on a relocated journal is
// fatal, since there is no other source of truth for where it lives.
func OpenJournal(sb *Superblock, journalDev Device, cache *Cache, warnf logFn) (*Journal, error) {
	params := sb.Journal
	if params.Size < JournalMinSize {
		return nil, fmt.Errorf("rfs: journal size %d below minimum %d", params.Size, JournalMinSize)
	}
	if uint32(params.Start)+params.Size+1 > journalDev.BlockCount(sb.BlockSize) {
		return nil, errors.New("rfs: journal does not fit its backing device")
	}

	j := &Journal{Dev: journalDev, Params: params, log: warnf}
	headerBlock := params.Start + params.Size
	buf, err := cache.Read(journalDev, headerBlock, sb.BlockSize)
	if err != nil {
		return nil, err
	}
	hdr, decodeErr := decodeJournalHeader(buf.Data)
	cache.Close(buf)

	relocated := sb.Journal.DeviceName != [32]byte{}
	if decodeErr != nil || hdr.Params != params {
		if relocated {
			return nil, errors.New("rfs: relocated journal header does not match superblock parameters")
		}
		if warnf != nil {
			warnf("rfs: journal header parameters stale; rewriting from superblock")
		}
		hdr = JournalHeader{Params: params}
		if err := j.writeHeader(cache, sb.BlockSize, hdr); err != nil {
			return nil, err
		}
	}
	j.Header = hdr
	return j, nil
}

func decodeJournalHeader(data []byte) (JournalHeader, error) {
	var hdr JournalHeader
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &hdr.LastFlushedTransID); err != nil {
		return hdr, err
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.FirstUnflushedOffset); err != nil {
		return hdr, err
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.MountID); err != nil {
		return hdr, err
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.Params); err != nil {
		return hdr, err
	}
	return hdr, nil
}

func (j *Journal) writeHeader(cache *Cache, blockSize uint32, hdr JournalHeader) error {
	headerBlock := j.Params.Start + j.Params.Size
	buf := cache.Open(j.Dev, headerBlock, blockSize)
	out := &bytes.Buffer{}
	binary.Write(out, binary.LittleEndian, hdr.LastFlushedTransID) //nolint:errcheck
	binary.Write(out, binary.LittleEndian, hdr.FirstUnflushedOffset) //nolint:errcheck
	binary.Write(out, binary.LittleEndian, hdr.MountID) //nolint:errcheck
	binary.Write(out, binary.LittleEndian, hdr.Params) //nolint:errcheck
	for i := range buf.Data {
		buf.Data[i] = 0
	}
	copy(buf.Data, out.Bytes())
	cache.MarkDirty(buf)
	err := cache.Write(buf)
	cache.Close(buf)
	if err == nil {
		j.Header = hdr
	}
	return err
}

// descriptorAt reads the block at journal-relative offset and reports
// whether it carries a valid descriptor trailer, plus the decoded
// trans-id/len/mount-id and first-half block numbers.
func (j *Journal) descriptorAt(cache *Cache, blockSize, offset uint32) (trans JournalTransaction, ok bool, err error) {
	blk := j.Params.Start + offset%j.Params.Size
	buf, err := cache.Read(j.Dev, blk, blockSize)
	if err != nil {
		return trans, false, err
	}
	defer cache.Close(buf)

	trailerStart := int(blockSize) - 12
	if trailerStart < descriptorHeaderSize {
		return trans, false, nil
	}
	if string(buf.Data[trailerStart:trailerStart+8]) != journalDescMagic {
		return trans, false, nil
	}

	r := bytes.NewReader(buf.Data[:descriptorHeaderSize])
	var transID, length, mountID uint32
	binary.Read(r, binary.LittleEndian, &transID) //nolint:errcheck
	binary.Read(r, binary.LittleEndian, &length)   //nolint:errcheck
	binary.Read(r, binary.LittleEndian, &mountID)  //nolint:errcheck
	if length == 0 {
		return trans, false, nil
	}

	half := halfCapacity(blockSize)
	firstHalfCount := length
	if firstHalfCount > half {
		firstHalfCount = half
	}
	blocks := make([]uint32, 0, length)
	body := buf.Data[descriptorHeaderSize:trailerStart]
	for i := uint32(0); i < firstHalfCount; i++ {
		if int((i+1)*4) > len(body) {
			break
		}
		blocks = append(blocks, binary.LittleEndian.Uint32(body[i*4:i*4+4]))
	}

	trans = JournalTransaction{TransID: transID, MountID: mountID, Blocks: blocks, DescOff: offset}

	// Validate the expected commit block.
	commitOffset := (offset + length + 1) % j.Params.Size
	commitOK, rest, cerr := j.commitAt(cache, blockSize, commitOffset, transID, length, half)
	if cerr != nil {
		return trans, false, cerr
	}
	if !commitOK {
		return trans, false, nil
	}
	trans.Blocks = append(trans.Blocks, rest...)
	return trans, true, nil
}

func (j *Journal) commitAt(cache *Cache, blockSize, offset, wantTransID, wantLen, half uint32) (bool, []uint32, error) {
	blk := j.Params.Start + offset%j.Params.Size
	buf, err := cache.Read(j.Dev, blk, blockSize)
	if err != nil {
		return false, nil, err
	}
	defer cache.Close(buf)

	r := bytes.NewReader(buf.Data[:8])
	var transID, length uint32
	binary.Read(r, binary.LittleEndian, &transID) //nolint:errcheck
	binary.Read(r, binary.LittleEndian, &length)   //nolint:errcheck
	if transID != wantTransID || length != wantLen {
		return false, nil, nil
	}

	remaining := uint32(0)
	if length > half {
		remaining = length - half
	}
	rest := make([]uint32, 0, remaining)
	body := buf.Data[8:]
	for i := uint32(0); i < remaining; i++ {
		if int((i+1)*4) > len(body) {
			break
		}
		rest = append(rest, binary.LittleEndian.Uint32(body[i*4:i*4+4]))
	}
	return true, rest, nil
}

// GetTransactions scans every block of the journal area and returns the
// oldest and newest valid transactions found.
func (j *Journal) GetTransactions(cache *Cache, blockSize uint32) (oldest, newest *JournalTransaction, err error) {
	for off := uint32(0); off < j.Params.Size; off++ {
		t, ok, derr := j.descriptorAt(cache, blockSize, off)
		if derr != nil {
			return nil, nil, derr
		}
		if !ok {
			continue
		}
		tc := t
		if oldest == nil || tc.TransID < oldest.TransID {
			oldest = &tc
		}
		if newest == nil || tc.TransID > newest.TransID {
			newest = &tc
		}
	}
	return oldest, newest, nil
}

// nextTransaction scans forward from offset (journal-relative, possibly
// wrapping) for the next valid descriptor.
func (j *Journal) nextTransaction(cache *Cache, blockSize, start uint32) (JournalTransaction, bool, error) {
	for i := uint32(0); i < j.Params.Size; i++ {
		off := (start + i) % j.Params.Size
		t, ok, err := j.descriptorAt(cache, blockSize, off)
		if err != nil {
			return JournalTransaction{}, false, err
		}
		if ok {
			return t, true, nil
		}
	}
	return JournalTransaction{}, false, nil
}

// Replay walks the log forward from (Header.MountID, Header.LastFlushedTransID),
// copying each accepted transaction's payload into its real destination
// blocks and advancing the header after every transaction, per spec.md
// §4.5. It aborts on the first inconsistency, leaving the header at the
// last successfully replayed point.
func (j *Journal) Replay(mainDev Device, cache *Cache, blockSize uint32) error {
	cursor := j.Header.FirstUnflushedOffset
	lastTransID := j.Header.LastFlushedTransID
	mountID := j.Header.MountID
	seen := map[uint32]bool{}

	for {
		t, ok, err := j.nextTransaction(cache, blockSize, cursor)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if seen[t.DescOff] {
			// The scan has wrapped back to a descriptor already handled.
			break
		}
		seen[t.DescOff] = true
		if t.MountID == mountID && t.TransID <= lastTransID {
			// Stale transaction from before the last flush point; skip it
			// without treating it as a break in the replay sequence.
			cursor = (t.DescOff + uint32(len(t.Blocks)) + 2) % j.Params.Size
			continue
		}

		for i, destBlk := range t.Blocks {
			srcOff := t.DescOff + 1 + uint32(i)
			srcBlk := j.Params.Start + srcOff%j.Params.Size
			srcBuf, rerr := cache.Read(j.Dev, srcBlk, blockSize)
			if rerr != nil {
				return rerr
			}
			dstBuf := cache.Open(mainDev, destBlk, blockSize)
			copy(dstBuf.Data, srcBuf.Data)
			cache.MarkDirty(dstBuf)
			werr := cache.Write(dstBuf)
			cache.Close(dstBuf)
			cache.Close(srcBuf)
			if werr != nil {
				return werr
			}
		}

		lastTransID = t.TransID
		mountID = t.MountID
		cursor = (t.DescOff + uint32(len(t.Blocks)) + 2) % j.Params.Size

		hdr := JournalHeader{
			LastFlushedTransID:  lastTransID,
			FirstUnflushedOffset: cursor,
			MountID:             mountID,
			Params:              j.Params,
		}
		if err := j.writeHeader(cache, blockSize, hdr); err != nil {
			return err
		}
		if err := mainDev.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// CreateJournal lays down a fresh, zeroed journal area and installs
// parameters in both the caller-supplied superblock and the journal
// header, choosing a fresh 32-bit magic from a pseudo-random source.
func CreateJournal(sb *Superblock, journalDev Device, cache *Cache, start, size uint32, relocated bool) (*Journal, error) {
	maxTransLen := maxTransLenFor(sb.BlockSize, size)
	params := JournalParams{
		Start:        start,
		Size:         size,
		MaxTransLen:  maxTransLen,
		MaxBatch:     maxBatchFor(maxTransLen),
		MaxCommitAge: 30,
		MaxTransAge:  30,
		Magic:        rand.Uint32(),
	}
	if relocated {
		// DeviceName holds the fixed marker "external", not a device path;
		// a non-zero sb.Journal.DeviceName is what marks the journal as
		// relocated. The journal blocks are still written to journalDev.
		copy(params.DeviceName[:], "external")
	}
	sb.Journal = params

	for off := uint32(0); off <= size; off++ {
		buf := cache.Open(journalDev, start+off, sb.BlockSize)
		for i := range buf.Data {
			buf.Data[i] = 0
		}
		cache.MarkDirty(buf)
		if err := cache.Write(buf); err != nil {
			cache.Close(buf)
			return nil, err
		}
		cache.Close(buf)
	}

	j := &Journal{Dev: journalDev, Params: params}
	hdr := JournalHeader{Params: params}
	if err := j.writeHeader(cache, sb.BlockSize, hdr); err != nil {
		return nil, err
	}
	return j, nil
}
