// Package sched implements the request-scheduling layer: an indexed
// worker pool and the SJF/RR policies that dispatch into it.
package sched

import (
	"fmt"
	"sync"
)

// Pool is N workers, each with a private single-producer/single-consumer
// job channel addressed by index, so a caller can pin work to a specific
// sub-stream. It has no internal cross-worker queueing; SJF and RR each
// provide their own queueing discipline on top.
type Pool struct {
	jobs []chan func()
	wg   sync.WaitGroup
}

func NewPool(n int) *Pool {
	p := &Pool{jobs: make([]chan func(), n)}
	for i := 0; i < n; i++ {
		ch := make(chan func())
		p.jobs[i] = ch
		p.wg.Add(1)
		go p.runWorker(i, ch)
	}
	return p
}

func (p *Pool) runWorker(_ int, ch chan func()) {
	defer p.wg.Done()
	for job := range ch {
		job()
	}
}

// Execute sends job to worker i. It panics if i is out of range: an
// out-of-bounds worker index is a programmer error, not a recoverable
// runtime condition.
func (p *Pool) Execute(i int, job func()) {
	if i < 0 || i >= len(p.jobs) {
		panic(fmt.Sprintf("sched: worker index %d out of range [0,%d)", i, len(p.jobs)))
	}
	p.jobs[i] <- job
}

func (p *Pool) Size() int {
	return len(p.jobs)
}

// Close closes every worker channel and joins all workers. In-flight jobs
// complete normally before their worker exits.
func (p *Pool) Close() {
	for _, ch := range p.jobs {
		close(ch)
	}
	p.wg.Wait()
}
