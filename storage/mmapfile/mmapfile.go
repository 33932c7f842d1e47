//go:build !windows

// Package mmapfile owns an open file plus its memory map. It is the
// building block for both the origin server's zero-copy file output and
// the proxy cache's append-growable temp files.
package mmapfile

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	surgeerrors "github.com/omalloc/surge/pkg/errors"
)

// MappedFile owns fd + mmap and is reference-counted so the cache and any
// transient holder in a session goroutine can share one mapping safely.
type MappedFile struct {
	file     *os.File
	data     []byte
	size     int64
	writable bool
	refs     int32
}

// New maps the full current length of file. mode selects read/write
// (true) or read-only (false) mapping protection.
func New(file *os.File, writable bool) (*MappedFile, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, surgeerrors.New(surgeerrors.KindIo).WithCause(err)
	}

	m := &MappedFile{file: file, size: info.Size(), writable: writable, refs: 1}
	if info.Size() > 0 {
		if err := m.remap(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MappedFile) prot() int {
	if m.writable {
		return unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.PROT_READ
}

func (m *MappedFile) remap() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return surgeerrors.New(surgeerrors.KindIo).WithCause(err)
		}
		m.data = nil
	}
	if m.size == 0 {
		return nil
	}
	data, err := unix.Mmap(int(m.file.Fd()), 0, int(m.size), m.prot(), unix.MAP_SHARED)
	if err != nil {
		return surgeerrors.New(surgeerrors.KindIo).WithCause(err)
	}
	m.data = data
	return nil
}

// MmapAsSlice returns the mapped region. Callers must not retain it past
// the next WriteAppend, which re-maps and invalidates prior slices.
func (m *MappedFile) MmapAsSlice() []byte {
	return m.data
}

func (m *MappedFile) FileSize() int64 {
	return atomic.LoadInt64(&m.size)
}

// WriteAppend grows the backing file by len(b), re-maps, and copies b into
// the new tail. Not safe for concurrent callers on the same MappedFile;
// the cache enforces a single writer per key.
func (m *MappedFile) WriteAppend(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	oldSize := m.size
	newSize := oldSize + int64(len(b))

	if err := m.file.Truncate(newSize); err != nil {
		return surgeerrors.New(surgeerrors.KindIo).WithCause(err)
	}
	m.size = newSize

	if err := m.remap(); err != nil {
		return err
	}
	copy(m.data[oldSize:newSize], b)
	return nil
}

// Ref increments the share count for an additional holder. New starts the
// count at 1; every holder, including that first one, releases it with
// Unref. The cache does not call Ref: it releases the initial reference on
// eviction or Close.
func (m *MappedFile) Ref() *MappedFile {
	atomic.AddInt32(&m.refs, 1)
	return m
}

// Unref decrements the share count and closes the mapping and file once it
// reaches zero. It never unlinks the backing path; callers that own a
// unique temp file are responsible for removing it.
func (m *MappedFile) Unref() error {
	if atomic.AddInt32(&m.refs, -1) > 0 {
		return nil
	}
	var errs []error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return surgeerrors.New(surgeerrors.KindIo).WithCause(errs[0])
	}
	return nil
}

// Path returns the backing file's path; the cache uses it to unlink an
// evicted entry's temp file.
func (m *MappedFile) Path() string {
	return m.file.Name()
}

// Less orders MappedFiles by size ascending, the SJF scheduler's sort key.
func (m *MappedFile) Less(other *MappedFile) bool {
	return m.FileSize() < other.FileSize()
}

// Open maps an existing file read-only, falling back to notFoundPath (the
// 404 page) if path cannot be opened.
func Open(path, notFoundPath string) (*MappedFile, string, error) {
	f, err := os.Open(path)
	if err != nil {
		f, err = os.Open(notFoundPath)
		if err != nil {
			return nil, "", surgeerrors.New(surgeerrors.KindIo).WithCause(err)
		}
		mf, mapErr := New(f, false)
		if mapErr != nil {
			return nil, "", mapErr
		}
		return mf, notFoundPath, nil
	}
	mf, err := New(f, false)
	if err != nil {
		return nil, "", err
	}
	return mf, path, nil
}
