// Package cache implements the proxy's content-addressed temp-file LRU
// cache: canonical URI -> a shared, append-growable mapped temp file,
// backed by a unique per-process directory that is removed on Close.
package cache

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kelindar/bitmap"
	"github.com/paulbellamy/ratecounter"

	"github.com/omalloc/surge/contrib/log"
	"github.com/omalloc/surge/storage/mmapfile"
)

type entry struct {
	key  string
	file *mmapfile.MappedFile

	// chunks tracks which WriteAppend calls have landed, one bit per
	// call, so a caller can report how much of an in-flight entry has
	// arrived without re-deriving it from FileSize.
	chunks     bitmap.Bitmap
	chunkCount uint32
}

// TempFileLruCache is the map described in spec.md §3: insertion is a
// no-op on an existing key, capacity is enforced by evicting the least
// recently used entry, and Get promotes while Peek does not.
type TempFileLruCache struct {
	mu       sync.Mutex
	capacity int
	dir      string
	order    *list.List // front = most recently used
	items    map[string]*list.Element

	hits   *ratecounter.RateCounter
	misses *ratecounter.RateCounter
	log    *log.Helper
}

// New creates the cache's unique temp directory under baseDir ("/tmp" if
// baseDir is empty, matching config key `cache_path`) named
// "cache" + nanosecond timestamp, and returns an empty cache.
func New(capacity int, baseDir string, logger log.Logger) (*TempFileLruCache, error) {
	if baseDir == "" {
		baseDir = "/tmp"
	}
	dir := filepath.Join(baseDir, fmt.Sprintf("cache%d", time.Now().UnixNano()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &TempFileLruCache{
		capacity: capacity,
		dir:      dir,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		hits:     ratecounter.NewRateCounter(time.Second),
		misses:   ratecounter.NewRateCounter(time.Second),
		log:      log.NewHelper(logger),
	}, nil
}

// Insert is a no-op if key is already present; otherwise it evicts the LRU
// entry if at capacity, creates a fresh temp file, and inserts key as MRU.
func (c *TempFileLruCache) Insert(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		return nil
	}

	if len(c.items) >= c.capacity {
		c.evictOldestLocked()
	}

	path := filepath.Join(c.dir, uuid.NewString())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	mf, err := mmapfile.New(f, true)
	if err != nil {
		_ = f.Close()
		return err
	}

	el := c.order.PushFront(&entry{key: key, file: mf})
	c.items[key] = el
	return nil
}

// Get returns the value and promotes key to most-recently-used.
func (c *TempFileLruCache) Get(key string) (*mmapfile.MappedFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses.Incr(1)
		return nil, false
	}
	c.hits.Incr(1)
	c.order.MoveToFront(el)
	return el.Value.(*entry).file, true
}

// Peek returns the value without reordering.
func (c *TempFileLruCache) Peek(key string) (*mmapfile.MappedFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).file, true
}

func (c *TempFileLruCache) ContainsKey(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// WriteAppend delegates to the cached MappedFile's WriteAppend and marks
// one more chunk received against the entry's bitmap.
func (c *TempFileLruCache) WriteAppend(key string, b []byte) error {
	c.mu.Lock()
	el, ok := c.items[key]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("cache: unknown key %q", key)
	}
	e := el.Value.(*entry)
	if err := e.file.WriteAppend(b); err != nil {
		return err
	}
	e.chunks.Set(e.chunkCount)
	e.chunkCount++
	return nil
}

// ChunksReceived reports how many WriteAppend calls have landed for key,
// for progress reporting on an entry still being filled by the origin.
func (c *TempFileLruCache) ChunksReceived(key string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return 0, false
	}
	e := el.Value.(*entry)
	return e.chunks.Count(), true
}

// Len reports the current entry count, ≤ capacity.
func (c *TempFileLruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *TempFileLruCache) evictOldestLocked() {
	el := c.order.Back()
	if el == nil {
		return
	}
	e := el.Value.(*entry)
	path := e.file.Path()
	_ = e.file.Unref()
	_ = os.Remove(path)

	c.order.Remove(el)
	delete(c.items, e.key)

	c.log.Debugf("cache: evicted %s (path=%s)", e.key, path)
}

// Close tears down every entry and recursively removes the cache's temp
// directory.
func (c *TempFileLruCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		_ = e.file.Unref()
	}
	c.order.Init()
	c.items = make(map[string]*list.Element)

	return os.RemoveAll(c.dir)
}
