package fsck

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reiserfs-tools/reiserfs/pkg/rfs"
)

func TestSaveStateThenLoadStateRoundTripsBitmapsAndOids(t *testing.T) {
	path := formatVolume(t, 8192, 4096)
	s := openFsckSession(t, path, Options{Mode: ModeRebuildTree, Hash: rfs.HashR5})
	defer s.Dev.Close()

	require.NoError(t, RunPass0(s))
	require.NoError(t, RunPass1(s))
	require.NoError(t, RunPass2(s))

	s.Bitmap.Set(123)
	s.Oids.Mark(999, true)
	// SaveState serializes however many transitions s.Oids currently has,
	// but LoadState needs s.Super.ObjectIDCount to know that count ahead of
	// the read; Flush is what keeps the two in sync (pass 4 does the same
	// before a real run ends).
	s.Oids.Flush(s.Super)

	dumpPath := filepath.Join(t.TempDir(), "state.dump")
	require.NoError(t, SaveState(s, dumpPath, Pass2))

	reloaded := &Session{Super: s.Super}
	completed, err := LoadState(reloaded, dumpPath)
	require.NoError(t, err)
	require.Equal(t, Pass2, completed)

	require.NotNil(t, reloaded.LeavesBitmap)
	require.NotNil(t, reloaded.Bitmap)
	require.True(t, reloaded.Bitmap.Test(123))
	require.True(t, reloaded.Oids.Test(999))
}

func TestLoadStateRejectsBadStartMagic(t *testing.T) {
	path := formatVolume(t, 8192, 4096)
	dumpPath := filepath.Join(t.TempDir(), "bad.dump")
	require.NoError(t, os.WriteFile(dumpPath, []byte{1, 2, 3, 4}, 0o644))

	s := openFsckSession(t, path, Options{Mode: ModeRebuildTree})
	defer s.Dev.Close()
	_, err := LoadState(s, dumpPath)
	require.Error(t, err)
}

// TestRunResumesFromADumpedPass exercises the full Run pipeline with a
// checkpoint path set, verifying a second run against an already-dumped,
// already-rebuilt volume still completes without error (the dump/resume
// plumbing doesn't corrupt a subsequent run).
func TestRunResumesFromADumpedPass(t *testing.T) {
	path := formatVolume(t, 8192, 4096)
	dumpPath := filepath.Join(t.TempDir(), "resume.dump")

	s1 := openFsckSession(t, path, Options{Mode: ModeRebuildTree, Hash: rfs.HashR5, PassesDumpPath: dumpPath})
	code, err := Run(s1)
	require.NoError(t, err)
	require.NotEqual(t, ExitFatal, code)
	require.NoError(t, s1.Close())

	s2 := openFsckSession(t, path, Options{Mode: ModeRebuildTree, Hash: rfs.HashR5, PassesDumpPath: dumpPath})
	code2, err := Run(s2)
	require.NoError(t, err)
	require.NotEqual(t, ExitFatal, code2)
	require.NoError(t, s2.Close())
}
