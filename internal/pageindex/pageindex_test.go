package pageindex

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(n byte) [KeySize]byte {
	var k [KeySize]byte
	k[KeySize-1] = n
	return k
}

func value(n byte) [ValueSize]byte {
	var v [ValueSize]byte
	v[ValueSize-1] = n
	return v
}

func TestWriteBatchGetRecover(t *testing.T) {
	dir := t.TempDir()

	idx, err := Recover(dir)
	require.NoError(t, err)

	v1 := value(1)
	v2 := value(2)
	err = idx.WriteBatch([]Entry{
		{Key: key(1), Value: &v1},
		{Key: key(2), Value: &v2},
	})
	require.NoError(t, err)
	require.NoError(t, idx.Flush())

	got, ok := idx.Get(key(1))
	assert.True(t, ok)
	assert.Equal(t, v1, got)
	require.NoError(t, idx.Close())

	reopened, err := Recover(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok = reopened.Get(key(1))
	assert.True(t, ok)
	assert.Equal(t, v1, got)

	got, ok = reopened.Get(key(2))
	assert.True(t, ok)
	assert.Equal(t, v2, got)

	assert.Equal(t, 2, reopened.Len())
}

func TestWriteBatchDeleteIsLastWriteWins(t *testing.T) {
	dir := t.TempDir()
	idx, err := Recover(dir)
	require.NoError(t, err)
	defer idx.Close()

	v1 := value(1)
	require.NoError(t, idx.WriteBatch([]Entry{{Key: key(1), Value: &v1}}))
	require.NoError(t, idx.WriteBatch([]Entry{{Key: key(1), Value: nil}}))
	require.NoError(t, idx.Flush())

	_, ok := idx.Get(key(1))
	assert.False(t, ok)
}

func TestRecoverDiscardsTornTailFrame(t *testing.T) {
	dir := t.TempDir()
	idx, err := Recover(dir)
	require.NoError(t, err)

	v1 := value(9)
	require.NoError(t, idx.WriteBatch([]Entry{{Key: key(1), Value: &v1}}))
	require.NoError(t, idx.Flush())
	require.NoError(t, idx.Close())

	path := idx.segmentPath(idx.activeSeq)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	// Simulate a crash mid-append: a frame header promising more bytes
	// than are actually present.
	_, err = f.Write([]byte{0xFF, 0xFF, 0xFF, 0x7F, 0, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Recover(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Get(key(1))
	assert.True(t, ok)
	assert.Equal(t, v1, got)

	// The index must still be writable after discarding the torn tail.
	v2 := value(10)
	require.NoError(t, reopened.WriteBatch([]Entry{{Key: key(2), Value: &v2}}))
	require.NoError(t, reopened.Flush())
}

func TestSnapshotExcludesNothingCallerMustFilter(t *testing.T) {
	dir := t.TempDir()
	idx, err := Recover(dir)
	require.NoError(t, err)
	defer idx.Close()

	v := value(1)
	require.NoError(t, idx.WriteBatch([]Entry{{Key: key(1), Value: &v}}))
	require.NoError(t, idx.Flush())

	snap := idx.Snapshot()
	assert.Len(t, snap, 1)
}
