// Package proxy implements the caching reverse proxy (spec.md §4.10): it
// terminates browser TCP connections, correlates each request against the
// shared multi-stream association to the origin server by PPID, serves
// repeat requests straight out of the temp-file LRU cache, and — on a
// cache miss for an HTML response — dynamically parses the received body
// for href/src references and prefetches them into the cache in the
// background. When conf.Bootstrap.UseCache is false, cmd/surge-proxy wires
// up the simple relay (relay.go) instead of this type.
package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/omalloc/surge/conf"
	"github.com/omalloc/surge/contrib/log"
	"github.com/omalloc/surge/contrib/metrics"
	"github.com/omalloc/surge/sched"
	"github.com/omalloc/surge/storage/cache"
	"github.com/omalloc/surge/transport"
)

// defaultCacheCapacity bounds the number of distinct URIs the cache holds.
// spec.md §6's cache/pool-sizing group names cache_path, download_suffix,
// max_browser_connections and thread_count but no entry count; since none
// of those four is a count of cached items, the capacity is a fixed
// built-in rather than config-driven.
const defaultCacheCapacity = 4096

// sendRequest is one outbound request for the shared sender goroutine:
// fetch uri from the origin, tagged with ppid.
type sendRequest struct {
	uri  string
	ppid uint32
}

// Proxy is the caching correlator. One sender goroutine and one receiver
// goroutine share the association across every concurrent browser
// connection; each connection's session is addressed by its own ppid.
type Proxy struct {
	ln       net.Listener
	sender   transport.Association
	receiver transport.Association
	cache    *cache.TempFileLruCache
	pool     *sched.Pool

	downloadSuffix string
	packetSize     int
	sem            chan struct{}

	nextPPID  uint32
	sendCh    chan sendRequest
	rrCounter uint64
	poolIdx   uint64

	mu       sync.RWMutex
	sessions map[uint32]chan transport.Message

	log *log.Helper

	closing chan struct{}
	wg      sync.WaitGroup
	connWG  sync.WaitGroup
}

var _ transport.Server = (*Proxy)(nil)

// New builds a Proxy. assoc is the dialed association to the origin
// server; it is cloned so the sender and receiver loops run on
// independent goroutines, per transport.Association.TryClone's contract.
func New(ln net.Listener, assoc transport.Association, bc *conf.Bootstrap, logger log.Logger) (*Proxy, error) {
	sender, err := assoc.TryClone()
	if err != nil {
		return nil, err
	}
	receiver, err := assoc.TryClone()
	if err != nil {
		return nil, err
	}

	c, err := cache.New(defaultCacheCapacity, bc.CachePath, logger)
	if err != nil {
		return nil, err
	}

	threadCount := bc.ThreadCount
	if threadCount <= 0 {
		threadCount = 1
	}
	maxConns := bc.MaxBrowserConnections
	if maxConns <= 0 {
		maxConns = threadCount
	}

	return &Proxy{
		ln:             ln,
		sender:         sender,
		receiver:       receiver,
		cache:          c,
		pool:           sched.NewPool(threadCount),
		downloadSuffix: bc.DownloadSuffix,
		packetSize:     bc.FilePacketSize,
		sem:            make(chan struct{}, maxConns),
		sendCh:         make(chan sendRequest, maxConns),
		sessions:       make(map[uint32]chan transport.Message),
		log:            log.NewHelper(logger),
		closing:        make(chan struct{}),
	}, nil
}

func (p *Proxy) Start(_ context.Context) error {
	p.wg.Add(3)
	go func() { defer p.wg.Done(); p.senderLoop() }()
	go func() { defer p.wg.Done(); p.receiverLoop() }()
	go func() { defer p.wg.Done(); p.acceptLoop() }()
	return nil
}

func (p *Proxy) Stop(_ context.Context) error {
	close(p.closing)
	err := p.ln.Close()
	p.connWG.Wait()

	close(p.sendCh)
	_ = p.sender.Close()
	_ = p.receiver.Close()
	p.pool.Close()
	p.wg.Wait()

	_ = p.cache.Close()
	return err
}

func (p *Proxy) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.closing:
				return
			default:
				p.log.Errorf("accept failed: %s", err)
				return
			}
		}

		select {
		case p.sem <- struct{}{}:
		case <-p.closing:
			_ = conn.Close()
			return
		}

		idx := int(atomic.AddUint64(&p.poolIdx, 1)-1) % p.pool.Size()
		p.connWG.Add(1)
		go func() {
			defer p.connWG.Done()
			p.pool.Execute(idx, func() {
				defer func() { <-p.sem }()
				p.handleBrowserConn(conn)
			})
		}()
	}
}

// senderLoop is the single writer on the shared sender association: every
// dispatch, whether the browser's own request or a synthetic prefetch,
// funnels through sendCh and is round-robined across sub-streams so no
// two goroutines write the association concurrently.
func (p *Proxy) senderLoop() {
	for req := range p.sendCh {
		i := int(atomic.AddUint64(&p.rrCounter, 1)-1) % p.sender.StreamCount()
		if err := p.sender.Send(i, req.ppid, []byte(req.uri)); err != nil {
			p.log.Errorf("send request for %s failed: %s", req.uri, err)
			p.closeSession(req.ppid)
		}
	}
}

// receiverLoop is the single reader on the shared receiver association:
// every message is routed to the session channel matching its ppid.
func (p *Proxy) receiverLoop() {
	for {
		msg, err := p.receiver.Receive()
		if err != nil {
			p.log.Infof("receiver loop exiting: %s", err)
			return
		}
		p.mu.RLock()
		ch, ok := p.sessions[msg.PPID]
		p.mu.RUnlock()
		if !ok {
			p.log.Debugf("dropping message for unknown ppid %d", msg.PPID)
			continue
		}
		ch <- msg
	}
}

func (p *Proxy) registerSession(ppid uint32) chan transport.Message {
	ch := make(chan transport.Message, 8)
	p.mu.Lock()
	p.sessions[ppid] = ch
	p.mu.Unlock()
	return ch
}

func (p *Proxy) closeSession(ppid uint32) {
	p.mu.Lock()
	delete(p.sessions, ppid)
	p.mu.Unlock()
}

// dispatch allocates a fresh ppid, registers its session, and queues the
// request on the shared sender, returning the channel the caller must
// drain until it has collected file_size bytes of chunk payload.
func (p *Proxy) dispatch(uri string) (uint32, chan transport.Message) {
	ppid := atomic.AddUint32(&p.nextPPID, 1)
	ch := p.registerSession(ppid)
	select {
	case p.sendCh <- sendRequest{uri: uri, ppid: ppid}:
	case <-p.closing:
	}
	return ppid, ch
}
