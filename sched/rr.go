package sched

import (
	"sync/atomic"
	"time"

	"github.com/paulbellamy/ratecounter"

	"github.com/omalloc/surge/contrib/log"
)

// RR is the round-robin scheduler variant: same Scheduler interface as
// SJF, but dispatches via counter = (counter+1) mod N through the indexed
// worker pool, so every job for stream i is handled in send order by the
// one worker that owns it.
type RR struct {
	pool    *Pool
	counter uint64
	handle  Handler
	rate    *ratecounter.RateCounter
	log     *log.Helper
}

var _ Scheduler = (*RR)(nil)

func NewRR(n int, handle Handler, logger log.Logger) *RR {
	return &RR{
		pool:   NewPool(n),
		handle: handle,
		rate:   ratecounter.NewRateCounter(time.Second),
		log:    log.NewHelper(logger),
	}
}

func (r *RR) Schedule(job Job) {
	i := int(atomic.AddUint64(&r.counter, 1)-1) % r.pool.Size()
	r.pool.Execute(i, func() {
		r.handle(job, i)
		r.rate.Incr(1)
	})
}

func (r *RR) Close() error {
	r.pool.Close()
	return nil
}
