// Command surge-proxy runs the browser-facing edge: either the caching
// correlator (proxy.Proxy) or the plain relay (proxy.Relay), selected by
// conf.Bootstrap.UseCache, talking to the origin server named by
// conf.Bootstrap.Address over the transport named by conf.Bootstrap.Transport.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/omalloc/surge/conf"
	"github.com/omalloc/surge/contrib/config"
	"github.com/omalloc/surge/contrib/config/provider/file"
	"github.com/omalloc/surge/contrib/log"
	"github.com/omalloc/surge/contrib/metrics"
	"github.com/omalloc/surge/contrib/upgrade"
	"github.com/omalloc/surge/proxy"
	"github.com/omalloc/surge/transport"
	"github.com/omalloc/surge/transport/sctp"
	"github.com/omalloc/surge/transport/tcpemu"
)

var flagConf string

func init() {
	flag.StringVar(&flagConf, "c", "config.json", "config file path")

	prometheus.Unregister(collectors.NewGoCollector())
	registerer := prometheus.WrapRegistererWithPrefix("surge_proxy_", prometheus.DefaultRegisterer)
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

	// The browser-facing listener is the only one this executable hands to
	// tableflip: a plain net.Listener maps onto a single inherited fd, so a
	// SIGHUP upgrade can swap binaries without dropping accepted browser
	// connections. The dialed association to the origin is re-established
	// fresh by the new process instead.
	upgrader, err := upgrade.New(bc.PidFile, 30*time.Second)
	if err != nil {
		helper.Fatalf("upgrader init failed: %s", err)
	}

	browserLn, err := upgrader.Listen("tcp", bc.ResolveListenAddress())
	if err != nil {
		helper.Fatalf("listen on %s failed: %s", bc.ResolveListenAddress(), err)
	}

	assoc, err := dial(bc)
	if err != nil {
		helper.Fatalf("dial origin %s failed: %s", bc.ResolveAddress(), err)
	}

	var edge transport.Server
	if bc.UseCache {
		edge, err = proxy.New(browserLn, assoc, bc, logger)
		if err != nil {
			helper.Fatalf("proxy init failed: %s", err)
		}
	} else {
		_ = assoc.Close() // the relay dials its own plain TCP connection per browser conn
		edge = proxy.NewRelay(browserLn, bc.ResolveAddress(), logger)
	}

	metricsSrv := metrics.NewServer(bc.MetricsAddr)
	servers := []transport.Server{edge, metricsSrv}

	eg, ctx := errgroup.WithContext(context.Background())
	for _, s := range servers {
		eg.Go(func() error { return s.Start(ctx) })
	}
	if err := eg.Wait(); err != nil {
		helper.Fatalf("start failed: %s", err)
	}
	helper.Infof("surge-proxy listening on %s (use_cache=%t, origin=%s)",
		bc.ResolveListenAddress(), bc.UseCache, bc.ResolveAddress())

	if err := upgrader.Ready(); err != nil {
		helper.Fatalf("upgrader ready failed: %s", err)
	}

	sig := upgrader.WaitForSignals()
	helper.Infof("received %s, shutting down", sig)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Stop(stopCtx); err != nil {
			helper.Errorf("stop failed: %s", err)
		}
	}
	upgrader.Stop()
}

// dial connects to the origin server over the configured transport,
// requesting bc.ResolveStreamCount() sub-streams.
func dial(bc *conf.Bootstrap) (transport.Association, error) {
	addr := bc.ResolveAddress()
	n := bc.ResolveStreamCount()
	ctx := context.Background()
	if bc.Transport == "sctp" {
		return sctp.NewDialer().Connect(ctx, addr, n)
	}
	return tcpemu.NewDialer().Connect(ctx, addr, n)
}
