package sched

import (
	"container/heap"
	"sync"
	"time"

	"github.com/paulbellamy/ratecounter"

	"github.com/omalloc/surge/contrib/log"
	"github.com/omalloc/surge/contrib/metrics"
)

// jobHeap orders Jobs by mapped-file size ascending; ties break
// arbitrarily, as container/heap does not guarantee FIFO among equals.
type jobHeap []Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].File.FileSize() < h[j].File.FileSize() }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)         { *h = append(*h, x.(Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// SJF is the Shortest-Job-First scheduler: a shared min-heap guarded by a
// mutex and condition variable, drained by N worker goroutines each fixed
// to one association sub-stream index.
type SJF struct {
	mu   sync.Mutex
	cond *sync.Cond
	heap *jobHeap // nil is the shutdown sentinel
	wg   sync.WaitGroup
	rate *ratecounter.RateCounter
	log  *log.Helper
}

var _ Scheduler = (*SJF)(nil)

func NewSJF(n int, handle Handler, logger log.Logger) *SJF {
	h := &jobHeap{}
	heap.Init(h)

	s := &SJF{
		heap: h,
		rate: ratecounter.NewRateCounter(time.Second),
		log:  log.NewHelper(logger),
	}
	s.cond = sync.NewCond(&s.mu)

	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go s.workerLoop(i, handle)
	}
	return s
}

func (s *SJF) workerLoop(streamIdx int, handle Handler) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for s.heap != nil && s.heap.Len() == 0 {
			s.cond.Wait()
		}
		if s.heap == nil {
			s.mu.Unlock()
			return
		}
		job := heap.Pop(s.heap).(Job)
		metrics.SchedulerQueueDepth.Set(float64(s.heap.Len()))
		s.mu.Unlock()

		handle(job, streamIdx)
		s.rate.Incr(1)
	}
}

// Schedule pushes job onto the heap and wakes one waiting worker.
func (s *SJF) Schedule(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap == nil {
		return // draining; reject silently, matching teacher's best-effort shutdown semantics
	}
	heap.Push(s.heap, job)
	metrics.SchedulerQueueDepth.Set(float64(s.heap.Len()))
	s.cond.Signal()
}

// Close takes the heap (the shutdown sentinel), wakes every worker, and
// joins them. In-flight jobs complete normally.
func (s *SJF) Close() error {
	s.mu.Lock()
	s.heap = nil
	s.mu.Unlock()
	s.cond.Broadcast()
	s.wg.Wait()
	return nil
}
