// Package metrics registers the process's prometheus collectors and serves
// them over a dedicated /metrics listener.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CacheEntries is the current number of entries held by the temp-file
	// LRU cache.
	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "surge_cache_entries",
		Help: "Current number of entries in the temp-file LRU cache.",
	})

	// CacheHitTotal counts cache.Get calls that found an existing entry.
	CacheHitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "surge_cache_hit_total",
		Help: "Total cache lookups that hit an existing entry.",
	})

	// CacheMissTotal counts cache.Get calls that found nothing.
	CacheMissTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "surge_cache_miss_total",
		Help: "Total cache lookups that missed.",
	})

	// SchedulerQueueDepth is the number of jobs waiting in the SJF heap (RR
	// reports 0, since it has no queue of its own beyond the indexed pool).
	SchedulerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "surge_scheduler_queue_depth",
		Help: "Number of jobs queued but not yet dispatched to a worker.",
	})

	// AssociationBytesTotal counts bytes moved over associations, labeled
	// by direction ("send" or "recv").
	AssociationBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "surge_association_bytes_total",
		Help: "Total bytes sent or received over multi-stream associations.",
	}, []string{"direction"})

	// WorkerBusy is the number of indexed-pool workers currently executing
	// a job.
	WorkerBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "surge_worker_busy",
		Help: "Number of indexed worker-pool slots currently executing a job.",
	})
)

func init() {
	prometheus.MustRegister(
		CacheEntries,
		CacheHitTotal,
		CacheMissTotal,
		SchedulerQueueDepth,
		AssociationBytesTotal,
		WorkerBusy,
	)
}

// Server serves the registered collectors over addr until Stop is called.
type Server struct {
	addr string
	srv  *http.Server
}

func NewServer(addr string) *Server {
	return &Server{addr: addr}
}

func (s *Server) Start(_ context.Context) error {
	if s.addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.srv = &http.Server{Addr: s.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = s.srv.ListenAndServe()
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
