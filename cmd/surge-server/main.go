// Command surge-server runs the origin content server: it mmaps files
// under its root and streams them to proxies and browsers over a
// multi-stream association, dispatched through the scheduling policy
// named by conf.Bootstrap.SchedulingPolicy.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/omalloc/surge/conf"
	"github.com/omalloc/surge/contrib/config"
	"github.com/omalloc/surge/contrib/config/provider/file"
	"github.com/omalloc/surge/contrib/log"
	"github.com/omalloc/surge/contrib/metrics"
	"github.com/omalloc/surge/prefetch"
	"github.com/omalloc/surge/prefetch/prefetchdb"
	"github.com/omalloc/surge/sched"
	"github.com/omalloc/surge/server"
	"github.com/omalloc/surge/transport"
	"github.com/omalloc/surge/transport/sctp"
	"github.com/omalloc/surge/transport/tcpemu"
)

var flagConf string

func init() {
	flag.StringVar(&flagConf, "c", "config.json", "config file path")

	prometheus.Unregister(collectors.NewGoCollector())
	registerer := prometheus.WrapRegistererWithPrefix("surge_server_", prometheus.DefaultRegisterer)
	registerer.MustRegister(collectors.NewGoCollector(collectors.WithGoCollectorMemStatsMetricsDisabled()))
}

func main() {
	flag.Parse()

	c := config.New[conf.Bootstrap](config.WithSource(file.NewSource(flagConf)))
	defer c.Close()

	bc := &conf.Bootstrap{}
	if err := c.Scan(bc); err != nil {
		panic(err)
	}

	if bc.Log != nil {
		log.SetLogger(log.NewZap(&log.Config{
			Level:      bc.Log.Level,
			Path:       bc.Log.Path,
			MaxSize:    bc.Log.MaxSize,
			MaxAge:     bc.Log.MaxAge,
			MaxBackups: bc.Log.MaxBackups,
			Compress:   bc.Log.Compress,
		}))
	}
	logger := log.GetLogger()
	helper := log.NewHelper(logger)

	root := bc.ResolveRoot()
	prefetchMap, err := prefetch.Build(root)
	if err != nil {
		helper.Errorf("prefetch build failed: %s", err)
		prefetchMap = prefetch.Map{}
	}
	pdb, err := prefetchdb.Open(prefetchMap)
	if err != nil {
		helper.Fatalf("prefetch db open failed: %s", err)
	}
	defer pdb.Close()
	helper.Infof("prefetch map built: %d pages", len(prefetchMap))

	listener, err := listen(bc)
	if err != nil {
		helper.Fatalf("listen failed: %s", err)
	}

	if bc.SchedulingPolicy != 0 && bc.SchedulingPolicy != 1 {
		helper.Fatalf("unknown scheduling_policy %d (0 = SJF, 1 = RR)", bc.SchedulingPolicy)
	}

	newSched := func(handle sched.Handler) sched.Scheduler {
		n := bc.ResolveStreamCount()
		if bc.SchedulingPolicy == 1 {
			return sched.NewRR(n, handle, logger)
		}
		return sched.NewSJF(n, handle, logger)
	}

	srv := server.New(listener, bc, newSched, logger)
	metricsSrv := metrics.NewServer(bc.MetricsAddr)

	servers := []transport.Server{srv, metricsSrv}

	eg, ctx := errgroup.WithContext(context.Background())
	for _, s := range servers {
		eg.Go(func() error { return s.Start(ctx) })
	}
	if err := eg.Wait(); err != nil {
		helper.Fatalf("start failed: %s", err)
	}
	helper.Infof("surge-server listening on %s (transport=%s)", bc.ResolveAddress(), bc.Transport)

	waitForShutdown(helper)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Stop(stopCtx); err != nil {
			helper.Errorf("stop failed: %s", err)
		}
	}
}

// listen builds the origin's multi-stream Listener. Neither tcpemu's
// N+1-connection handshake nor sctp's native socket fits a single inherited fd, so, unlike
// the browser-facing proxy listener, this one is not tableflip-managed:
// an upgrade here means a full restart rather than a zero-downtime swap.
func listen(bc *conf.Bootstrap) (transport.Listener, error) {
	addr := bc.ResolveAddress()
	if bc.Transport == "sctp" {
		return sctp.Listen(addr)
	}
	return tcpemu.Listen(addr)
}

func waitForShutdown(helper *log.Helper) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	helper.Infof("received %s, shutting down", s)
}
