package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMMapFileWriteThenReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	f, err := OpenMMapFile(path, 20)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	n, err = f.WriteAt([]byte("world"), 10)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	_, err = f.ReadAt(buf, 10)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf))
}

func TestMMapFileWriteOutOfBoundsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	f, err := OpenMMapFile(path, 4)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("toolong"), 0)
	require.Error(t, err)
}

func TestFileChunkSourceServesWindowsAndEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	src := NewFileChunkSource(f, 10)
	data, ok, err := src.Source("content-1", 0, 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("0123"), data)

	data, ok, err = src.Source("content-1", 2, 4) // final short chunk
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("89"), data)

	_, ok, err = src.Source("content-1", 3, 4) // past end
	require.NoError(t, err)
	require.False(t, ok)

	total, ok := src.TotalBytes("content-1")
	require.True(t, ok)
	require.Equal(t, int64(10), total)
}

func TestDetectPresentChunks(t *testing.T) {
	present := DetectPresentChunks(1048576, 65536, 32) // 16 full chunks present, per the resume scenario
	require.Len(t, present, 16)
	for i, idx := range present {
		require.Equal(t, int32(i), idx)
	}
}
