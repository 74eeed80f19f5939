package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/reiserfs-tools/reiserfs/pkg/rfs"
)

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in      string
		want    rfs.FormatVersion
		wantErr bool
	}{
		{"3.5", rfs.Format35, false},
		{"3.6", rfs.Format36, false},
		{"", rfs.Format36, false},
		{"9.9", 0, true},
	}
	for _, c := range cases {
		got, err := parseFormat(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseFormat(%q): expected an error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseFormat(%q): unexpected error: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("parseFormat(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestReadBadBlocksEmptyPathReturnsNil(t *testing.T) {
	blocks, err := readBadBlocks("")
	if err != nil {
		t.Fatalf("readBadBlocks(\"\"): %v", err)
	}
	if blocks != nil {
		t.Fatalf("expected nil blocks for an empty path, got %v", blocks)
	}
}

func TestReadBadBlocksParsesLinesAndSkipsBlanks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "badblocks.txt")
	if err := os.WriteFile(path, []byte("10\n\n  20 \n30\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	blocks, err := readBadBlocks(path)
	if err != nil {
		t.Fatalf("readBadBlocks: %v", err)
	}
	want := []uint32{10, 20, 30}
	if len(blocks) != len(want) {
		t.Fatalf("blocks = %v, want %v", blocks, want)
	}
	for i := range want {
		if blocks[i] != want[i] {
			t.Fatalf("blocks[%d] = %d, want %d", i, blocks[i], want[i])
		}
	}
}

func TestReadBadBlocksRejectsNonNumericLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "badblocks.txt")
	if err := os.WriteFile(path, []byte("not-a-number\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readBadBlocks(path); err == nil {
		t.Fatal("expected an error for a non-numeric badblocks line")
	}
}

func TestReadBadBlocksMissingFile(t *testing.T) {
	if _, err := readBadBlocks(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatal("expected an error for a missing badblocks file")
	}
}

func TestEnsureDeviceSizeCreatesAndTruncatesPlainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.img")
	if err := ensureDeviceSize(path, 100, 512); err != nil {
		t.Fatalf("ensureDeviceSize: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size() != 100*512 {
		t.Fatalf("size = %d, want %d", fi.Size(), 100*512)
	}

	// Shrinking the requested size should re-truncate an existing file.
	if err := ensureDeviceSize(path, 10, 512); err != nil {
		t.Fatalf("ensureDeviceSize (shrink): %v", err)
	}
	fi, err = os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size() != 10*512 {
		t.Fatalf("size after shrink = %d, want %d", fi.Size(), 10*512)
	}
}
