// Package fsck implements the ReiserFS repair engine: a staged rebuild
// driven by the superblock's state field, with optional resume from a
// state-dump file and an optional rollback log recording every block it
// touches. It is a sibling of pkg/rfs, never the other way around — fsck
// reaches into the tree/bitmap/object-id primitives pkg/rfs exports, and
// pkg/rfs has no dependency on fsck.
package fsck

import (
	"fmt"

	"github.com/reiserfs-tools/reiserfs/pkg/elog"
	"github.com/reiserfs-tools/reiserfs/pkg/rfs"
)

// Mode selects which of fsck's mutually exclusive top-level behaviors to
// run, per spec.md §7.
type Mode int

const (
	ModeCheck Mode = iota
	ModeFixFixable
	ModeRebuildTree
	ModeRebuildSB
	ModeCleanAttributes
	ModeRollback
)

// ExitCode mirrors the original reiserfsck's process exit status values,
// per spec.md §7.
type ExitCode int

const (
	ExitOK      ExitCode = 0
	ExitFixed   ExitCode = 1
	ExitReboot  ExitCode = 2
	ExitFixable ExitCode = 4
	ExitFatal   ExitCode = 8
	ExitOper    ExitCode = 16
	ExitUser    ExitCode = 32
)

// Options configures one fsck run, per spec.md §7's flag list.
type Options struct {
	Mode              Mode
	JournalDevicePath string
	BadBlocksFile     string
	AdjustSize        bool // -z
	ScanWholePartition bool // -S
	ExternalBitmap    string
	PassesDumpPath    string // -d: resume/checkpoint file
	RollbackLogPath   string // -R
	NoLog             bool   // -n
	Hash              rfs.HashCode
	AssumeYes         bool
}

// Session is fsck's explicit carrier of the state the original kept in
// process-wide globals: the bad-block list, relocation table, rollback
// sink, and progress sink, per spec.md §9's "Global mutable state"
// redesign note. Every pass function takes *Session as its first argument.
type Session struct {
	Opts Options
	Log  elog.Logger

	Dev   rfs.Device
	Cache *rfs.Cache
	Super *rfs.Superblock

	BadBlocks map[uint32]bool

	LeavesBitmap   *rfs.Bitmap // candidate leaves found in pass 0
	GoodUnfm       *rfs.Bitmap // unformatted blocks referenced exactly once
	BadUnfm        *rfs.Bitmap // unformatted blocks referenced more than once
	Uninsertables  []uint32    // leaf block numbers pass 1 couldn't place whole

	Relocations map[rfs.Key]rfs.Key // pass-2 relocated-object key rewrites
	reached     map[rfs.Key]bool    // stat-data keys pass 3 reached from the root

	Tree *rfs.Tree
	Oids *rfs.ObjectIDMap
	Bitmap *rfs.Bitmap

	Rollback *RollbackLog

	Fixable int
	Fatal   int

	OnProgress func(pass string, done, total int)
}

// NewSession opens dev and prepares an fsck Session; it does not itself
// begin any pass.
func NewSession(dev rfs.Device, opts Options, log elog.Logger) (*Session, error) {
	sb, err := rfs.OpenSuperblock(dev)
	if err != nil {
		return nil, fmt.Errorf("rfs/fsck: %w", err)
	}
	cache := rfs.NewCache(log, 0, 0)
	s := &Session{
		Opts:        opts,
		Log:         log,
		Dev:         dev,
		Cache:       cache,
		Super:       sb,
		BadBlocks:   map[uint32]bool{},
		Relocations: map[rfs.Key]rfs.Key{},
	}
	if opts.Hash != rfs.HashUnset {
		s.Super.Hash = opts.Hash
	}
	if opts.RollbackLogPath != "" {
		rb, err := CreateRollbackLog(opts.RollbackLogPath)
		if err != nil {
			return nil, err
		}
		s.Rollback = rb
		hook := rb.Hook()
		cache.OnNewBuffer = func(b *rfs.Buffer) { b.PreWrite = hook }
	}
	return s, nil
}

// flagFixable records a corruption the current pass was able to correct.
func (s *Session) flagFixable(format string, args ...interface{}) {
	s.Fixable++
	s.Log.Infof("rfs/fsck: fixable: "+format, args...)
}

// flagFatal records a corruption the current pass could not correct.
func (s *Session) flagFatal(format string, args ...interface{}) {
	s.Fatal++
	s.Log.Errorf("rfs/fsck: fatal: "+format, args...)
}

func (s *Session) reportProgress(pass string, done, total int) {
	if s.OnProgress != nil {
		s.OnProgress(pass, done, total)
	}
}

// ExitCode derives the process exit status from the accumulated pass
// counters, per spec.md §7's propagation policy: the superblock state
// field is the durable summary (CONSISTENT / ERROR / FATAL); the process
// exit code additionally distinguishes "found but fixed" from "found and
// still broken".
func (s *Session) ExitCode() ExitCode {
	switch {
	case s.Fatal > 0:
		return ExitFatal
	case s.Fixable > 0 && s.Opts.Mode == ModeCheck:
		return ExitFixable
	case s.Fixable > 0:
		return ExitFixed
	default:
		return ExitOK
	}
}

// UpdateSuperblockState writes the durable CONSISTENT/ERROR/FATAL summary
// back to the superblock after a pass completes.
func (s *Session) UpdateSuperblockState() {
	attrs := s.Super.State & rfs.StateAttrsCleared
	defer func() { s.Super.State |= attrs }()
	switch {
	case s.Fatal > 0:
		s.Super.State = rfs.StateFatal
	case s.Fixable > 0:
		s.Super.State = rfs.StateError
	default:
		s.Super.State = rfs.StateConsistent
	}
}

// Close flushes the superblock and releases the device.
func (s *Session) Close() error {
	s.UpdateSuperblockState()
	if err := s.Super.Flush(s.Dev, s.Cache, true); err != nil {
		return err
	}
	if s.Rollback != nil {
		if err := s.Rollback.Close(); err != nil {
			return err
		}
	}
	return s.Dev.Close()
}
