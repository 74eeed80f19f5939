package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/reiserfs-tools/reiserfs/pkg/rfs/fsck"
)

// resetModeFlags clears every mode flag, the way cobra's zero values start
// out before any flag is parsed.
func resetModeFlags() {
	flagCheck = false
	flagFixFixable = false
	flagRebuildTree = false
	flagRebuildSB = false
	flagCleanAttributes = false
	flagRollback = false
}

func TestResolveModeDefaultsToCheck(t *testing.T) {
	resetModeFlags()
	defer resetModeFlags()
	mode, err := resolveMode()
	if err != nil {
		t.Fatalf("resolveMode: %v", err)
	}
	if mode != fsck.ModeCheck {
		t.Fatalf("mode = %v, want ModeCheck", mode)
	}
}

func TestResolveModeHonorsSingleFlag(t *testing.T) {
	resetModeFlags()
	defer resetModeFlags()
	flagRebuildTree = true
	mode, err := resolveMode()
	if err != nil {
		t.Fatalf("resolveMode: %v", err)
	}
	if mode != fsck.ModeRebuildTree {
		t.Fatalf("mode = %v, want ModeRebuildTree", mode)
	}
}

func TestResolveModeRejectsMultipleFlags(t *testing.T) {
	resetModeFlags()
	defer resetModeFlags()
	flagRebuildTree = true
	flagCleanAttributes = true
	if _, err := resolveMode(); err == nil {
		t.Fatal("expected an error when two mode flags are set at once")
	}
}

func TestReadBadBlocksEmptyPathReturnsEmptyMap(t *testing.T) {
	blocks, err := readBadBlocks("")
	if err != nil {
		t.Fatalf("readBadBlocks(\"\"): %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("expected an empty map for an empty path, got %v", blocks)
	}
}

func TestReadBadBlocksParsesLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "badblocks.txt")
	if err := os.WriteFile(path, []byte("42\n\n  7 \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	blocks, err := readBadBlocks(path)
	if err != nil {
		t.Fatalf("readBadBlocks: %v", err)
	}
	if !blocks[42] || !blocks[7] || len(blocks) != 2 {
		t.Fatalf("blocks = %v, want {7, 42}", blocks)
	}
}

func TestReadBadBlocksRejectsNonNumericLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "badblocks.txt")
	if err := os.WriteFile(path, []byte("nope\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readBadBlocks(path); err == nil {
		t.Fatal("expected an error for a non-numeric badblocks line")
	}
}
