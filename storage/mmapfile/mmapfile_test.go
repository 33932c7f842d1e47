//go:build !windows

package mmapfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAppendGrowsAndRemaps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)

	m, err := New(f, true)
	require.NoError(t, err)
	defer m.Unref()

	require.Equal(t, int64(0), m.FileSize())

	require.NoError(t, m.WriteAppend([]byte("hello")))
	require.Equal(t, int64(5), m.FileSize())
	require.Equal(t, []byte("hello"), m.MmapAsSlice())

	require.NoError(t, m.WriteAppend([]byte(" world")))
	require.Equal(t, int64(11), m.FileSize())
	require.Equal(t, []byte("hello world"), m.MmapAsSlice())
}

func TestRefUnrefSharesUntilZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)

	m, err := New(f, true)
	require.NoError(t, err)
	m.Ref()

	require.NoError(t, m.Unref())
	// still referenced once more; second unref actually closes.
	require.NoError(t, m.Unref())
}

func TestLessOrdersBySize(t *testing.T) {
	dir := t.TempDir()
	small := openWith(t, filepath.Join(dir, "small"), []byte("a"))
	big := openWith(t, filepath.Join(dir, "big"), []byte("aaaaaaaaaa"))

	require.True(t, small.Less(big))
	require.False(t, big.Less(small))
}

func openWith(t *testing.T, path string, body []byte) *MappedFile {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	m, err := New(f, true)
	require.NoError(t, err)
	require.NoError(t, m.WriteAppend(body))
	return m
}
