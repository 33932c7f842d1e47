package cache

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omalloc/surge/contrib/log"
)

func newTestCache(t *testing.T, capacity int) *TempFileLruCache {
	t.Helper()
	c, err := New(capacity, t.TempDir(), log.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInsertIsNoOpOnExistingKey(t *testing.T) {
	c := newTestCache(t, 2)
	require.NoError(t, c.Insert("/a"))
	f1, _ := c.Peek("/a")
	require.NoError(t, c.Insert("/a"))
	f2, _ := c.Peek("/a")
	require.Same(t, f1, f2)
}

func TestCapacityInvariant(t *testing.T) {
	c := newTestCache(t, 2)
	require.NoError(t, c.Insert("/a"))
	require.NoError(t, c.Insert("/b"))
	require.NoError(t, c.Insert("/c"))
	require.LessOrEqual(t, c.Len(), 2)
}

func TestEvictionRemovesOldestAndUnlinksFile(t *testing.T) {
	c := newTestCache(t, 2)
	require.NoError(t, c.Insert("/a"))
	require.NoError(t, c.Insert("/b"))
	fb, _ := c.Peek("/a")
	path := fb.Path()

	require.NoError(t, c.Insert("/c")) // evicts /a (oldest, untouched since insert)

	require.False(t, c.ContainsKey("/a"))
	require.True(t, c.ContainsKey("/b"))
	require.True(t, c.ContainsKey("/c"))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestGetPromotesButPeekDoesNot(t *testing.T) {
	c := newTestCache(t, 2)
	require.NoError(t, c.Insert("/a"))
	require.NoError(t, c.Insert("/b"))

	_, _ = c.Peek("/a") // must not change recency
	require.NoError(t, c.Insert("/c"))
	require.False(t, c.ContainsKey("/a"), "peek must not have promoted /a")

	c2 := newTestCache(t, 2)
	require.NoError(t, c2.Insert("/a"))
	require.NoError(t, c2.Insert("/b"))
	_, _ = c2.Get("/a") // promotes /a
	require.NoError(t, c2.Insert("/c"))
	require.True(t, c2.ContainsKey("/a"), "get must have promoted /a")
	require.False(t, c2.ContainsKey("/b"))
}

func TestWriteAppendDelegatesToMappedFile(t *testing.T) {
	c := newTestCache(t, 2)
	require.NoError(t, c.Insert("/a"))
	require.NoError(t, c.WriteAppend("/a", []byte("chunk1")))
	require.NoError(t, c.WriteAppend("/a", []byte("chunk2")))

	f, ok := c.Peek("/a")
	require.True(t, ok)
	require.Equal(t, []byte("chunk1chunk2"), f.MmapAsSlice())

	n, ok := c.ChunksReceived("/a")
	require.True(t, ok)
	require.Equal(t, 2, n)
}

func TestCloseRemovesDirectory(t *testing.T) {
	c, err := New(2, t.TempDir(), log.GetLogger())
	require.NoError(t, err)
	require.NoError(t, c.Insert("/a"))
	dir := c.dir
	require.NoError(t, c.Close())

	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}
