package sched

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omalloc/surge/contrib/log"
	"github.com/omalloc/surge/storage/mmapfile"
)

func mustMappedFile(t *testing.T, dir, name string, size int) *mmapfile.MappedFile {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	mf, err := mmapfile.New(f, true)
	require.NoError(t, err)
	require.NoError(t, mf.WriteAppend(make([]byte, size)))
	return mf
}

func TestSJFOrdersBySizeAscending(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var order []int

	// gate holds the single worker inside the "big" job's handler until
	// both smaller jobs have been scheduled, so they are guaranteed to be
	// sitting in the heap together when the worker becomes free again —
	// otherwise a fast worker could pop "small" before "mid" is even
	// scheduled, which would pass trivially without exercising the heap's
	// ascending-size ordering at all.
	gate := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan struct{}, 3)
	handle := func(job Job, streamIdx int) {
		size := int(job.File.FileSize())
		if size == 300 {
			close(entered)
			<-gate
		}
		mu.Lock()
		order = append(order, size)
		mu.Unlock()
		done <- struct{}{}
	}

	s := NewSJF(1, handle, log.GetLogger())
	defer s.Close()

	s.Schedule(Job{File: mustMappedFile(t, dir, "big", 300)})
	<-entered
	s.Schedule(Job{File: mustMappedFile(t, dir, "small", 10)})
	s.Schedule(Job{File: mustMappedFile(t, dir, "mid", 100)})
	close(gate)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{300, 10, 100}, order)
}

func TestSJFCloseJoinsWorkers(t *testing.T) {
	s := NewSJF(4, func(Job, int) {}, log.GetLogger())
	require.NoError(t, s.Close())
}

func TestRRDispatchesAcrossWorkers(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]bool{}
	done := make(chan struct{}, 4)

	r := NewRR(4, func(job Job, streamIdx int) {
		mu.Lock()
		seen[streamIdx] = true
		mu.Unlock()
		done <- struct{}{}
	}, log.GetLogger())
	defer r.Close()

	for i := 0; i < 4; i++ {
		r.Schedule(Job{})
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 4)
}
