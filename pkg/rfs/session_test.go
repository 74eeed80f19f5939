package rfs

import (
	"os"
	"path/filepath"
	"testing"
)

func formatTempVolume(t *testing.T, blocks uint64, blockSize uint32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vol.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(int64(blocks) * int64(blockSize)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	dev, err := OpenDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	session, err := CreateVolume(dev, FormatOptions{BlockSize: blockSize, Format: Format36, Hash: HashR5}, nil)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestOpenSessionReloadsABitForBitConsistentVolume(t *testing.T) {
	path := formatTempVolume(t, 8192, 4096)

	s, err := OpenSession(path, false, nopLogger{})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer s.Dev.Close()

	if s.Super.BlockCount != 8192 || s.Super.BlockSize != 4096 {
		t.Fatalf("unexpected superblock geometry: %+v", s.Super)
	}
	if s.Super.Umount != UmountDirty {
		t.Fatalf("expected OpenSession(readOnly=false) to mark the volume dirty, got %v", s.Super.Umount)
	}
	if s.Bitmap.Test(s.Super.RootBlock) != true {
		t.Fatal("expected the root block to be marked used in the reloaded bitmap")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenSessionReadOnlyDoesNotDirtyTheVolume(t *testing.T) {
	path := formatTempVolume(t, 8192, 4096)

	s, err := OpenSession(path, true, nopLogger{})
	if err != nil {
		t.Fatalf("OpenSession(readOnly): %v", err)
	}
	defer s.Dev.Close()

	if s.Super.Umount != UmountClean {
		t.Fatalf("expected a read-only open to leave Umount untouched (clean), got %v", s.Super.Umount)
	}
}

func TestSessionCloseLeavesVolumeCleanlyUnmounted(t *testing.T) {
	path := formatTempVolume(t, 8192, 4096)

	s, err := OpenSession(path, false, nopLogger{})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dev, err := OpenDevice(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	sb, err := OpenSuperblock(dev)
	if err != nil {
		t.Fatalf("OpenSuperblock: %v", err)
	}
	if sb.Umount != UmountClean {
		t.Fatalf("expected Umount=clean after Session.Close, got %v", sb.Umount)
	}
}

func TestSessionProgressAndBadBlockHooksAreNilSafe(t *testing.T) {
	path := formatTempVolume(t, 8192, 4096)
	s, err := OpenSession(path, true, nopLogger{})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer s.Dev.Close()

	// Neither hook is set; these must not panic.
	s.reportProgress("scan", 1, 10)
	s.flagBadBlock(42, "test")

	var gotStage string
	var gotBlock uint32
	s.OnProgress = func(stage string, done, total int) { gotStage = stage }
	s.OnBadBlock = func(block uint32, reason string) { gotBlock = block }
	s.reportProgress("rebuild", 1, 1)
	s.flagBadBlock(7, "bad sector")
	if gotStage != "rebuild" {
		t.Fatalf("OnProgress hook was not invoked, gotStage=%q", gotStage)
	}
	if gotBlock != 7 {
		t.Fatalf("OnBadBlock hook was not invoked, gotBlock=%d", gotBlock)
	}
}
