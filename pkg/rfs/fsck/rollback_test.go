package fsck

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reiserfs-tools/reiserfs/pkg/rfs"
)

func TestRollbackLogRecordsOnlyTheFirstPreImagePerBlock(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "dev.img")
	require.NoError(t, os.WriteFile(devPath, make([]byte, 4*4096), 0o644))
	dev, err := rfs.OpenDevice(devPath, false)
	require.NoError(t, err)
	defer dev.Close()

	original := make([]byte, 4096)
	for i := range original {
		original[i] = byte(i)
	}
	require.NoError(t, dev.WriteBlock(5, original))

	cache := rfs.NewCache(testLogger{}, 0, 0)
	logPath := filepath.Join(dir, "rb.log")
	rb, err := CreateRollbackLog(logPath)
	require.NoError(t, err)
	cache.OnNewBuffer = func(b *rfs.Buffer) { b.PreWrite = rb.Hook() }

	// First mutation: the buffer's in-memory data is now garbage relative
	// to what's on disk, but the device still holds `original`.
	buf, err := cache.Read(dev, 5, 4096)
	require.NoError(t, err)
	for i := range buf.Data {
		buf.Data[i] = 0xAA
	}
	cache.MarkDirty(buf)
	require.NoError(t, cache.Write(buf))
	cache.Close(buf)

	// Second mutation of the same block must not overwrite the recorded
	// pre-image with the now-already-mutated disk content.
	buf2, err := cache.Read(dev, 5, 4096)
	require.NoError(t, err)
	for i := range buf2.Data {
		buf2.Data[i] = 0xBB
	}
	cache.MarkDirty(buf2)
	require.NoError(t, cache.Write(buf2))
	cache.Close(buf2)

	require.NoError(t, rb.Close())

	require.NoError(t, Rollback(logPath, dev))
	got, err := dev.ReadBlock(5, 4096)
	require.NoError(t, err)
	require.Equal(t, original, got, "rollback should restore the bytes that were on disk before the first write, not an intermediate state")
}

func TestRollbackRejectsLogWithBadStartMagic(t *testing.T) {
	dir := t.TempDir()
	badLog := filepath.Join(dir, "bad.log")
	require.NoError(t, os.WriteFile(badLog, []byte{0, 0, 0, 0}, 0o644))

	devPath := filepath.Join(dir, "dev.img")
	require.NoError(t, os.WriteFile(devPath, make([]byte, 4096), 0o644))
	dev, err := rfs.OpenDevice(devPath, false)
	require.NoError(t, err)
	defer dev.Close()

	err = Rollback(badLog, dev)
	require.Error(t, err)
}

func TestRollbackOnAnUntouchedLogIsANoOp(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "empty.log")
	rb, err := CreateRollbackLog(logPath)
	require.NoError(t, err)
	require.NoError(t, rb.Close())

	devPath := filepath.Join(dir, "dev.img")
	content := make([]byte, 4096)
	for i := range content {
		content[i] = 0x42
	}
	require.NoError(t, os.WriteFile(devPath, content, 0o644))
	dev, err := rfs.OpenDevice(devPath, false)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, Rollback(logPath, dev))
	got, err := dev.ReadBlock(0, 4096)
	require.NoError(t, err)
	require.Equal(t, content, got)
}
