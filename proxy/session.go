package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strings"

	"github.com/omalloc/surge/contrib/metrics"
	"github.com/omalloc/surge/pkg/canon"
	"github.com/omalloc/surge/prefetch"
)

// sessionState names the per-request lifecycle (spec.md §4.10): Idle until
// a request line arrives, AwaitingMetadata once it has been dispatched to
// the origin, AwaitingChunks once the file_size has been read off the
// metadata packet, back to Idle on completion, Closed on any I/O error.
type sessionState int

const (
	stateIdle sessionState = iota
	stateAwaitingMetadata
	stateAwaitingChunks
	stateClosed
)

// handleBrowserConn reads one or more pipelined HTTP/1.1 requests off conn
// and answers each from the cache or the origin, until the browser closes
// the connection or a protocol error occurs.
func (p *Proxy) handleBrowserConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		uri, err := readRequestLine(r)
		if err != nil {
			return
		}
		canonical := canon.URI(uri)

		if mf, ok := p.cache.Get(canonical); ok {
			metrics.CacheHitTotal.Inc()
			if err := writeHeader(conn, mf.FileSize()); err != nil {
				return
			}
			if err := p.writeChunked(conn, mf.MmapAsSlice()); err != nil {
				return
			}
			continue
		}

		metrics.CacheMissTotal.Inc()
		if err := p.serveMiss(conn, canonical); err != nil {
			p.log.Errorf("serve %s failed: %s", canonical, err)
			return
		}
	}
}

// writeChunked writes data to conn in pieces of at most packetSize bytes
// rather than a single large write. (The origin's chunks are packetSize
// minus transport.ChunkMetadataSize bytes.)
func (p *Proxy) writeChunked(conn net.Conn, data []byte) error {
	chunkSize := p.packetSize
	if chunkSize <= 0 {
		chunkSize = len(data)
		if chunkSize == 0 {
			return nil
		}
	}
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := conn.Write(data[offset:end]); err != nil {
			return err
		}
		metrics.AssociationBytesTotal.WithLabelValues("send").Add(float64(end - offset))
	}
	return nil
}

// bypassCache reports whether canonical should skip the cache entirely: a
// download_suffix match means the response is large/one-shot and not
// worth the temp-file churn, so it is streamed straight through.
func (p *Proxy) bypassCache(canonical string) bool {
	return p.downloadSuffix != "" && strings.HasSuffix(canonical, p.downloadSuffix)
}

// serveMiss drives one AwaitingMetadata->AwaitingChunks cycle: dispatch to
// the origin, relay the metadata packet into an HTTP response header,
// stream each chunk to both the browser and the cache, and — for an HTML
// response that was actually cached — kick off background prefetch.
func (p *Proxy) serveMiss(conn net.Conn, canonical string) error {
	bypass := p.bypassCache(canonical)
	if !bypass {
		if err := p.cache.Insert(canonical); err != nil {
			return err
		}
	}

	ppid, ch := p.dispatch(canonical)
	defer p.closeSession(ppid)

	state := stateAwaitingMetadata
	meta, ok := <-ch
	if !ok {
		return fmt.Errorf("proxy: session closed awaiting metadata for %s", canonical)
	}
	size, _, err := decodeMetadata(meta.Bytes)
	if err != nil {
		return err
	}

	if err := writeHeader(conn, size); err != nil {
		return err
	}

	isHTML := strings.HasSuffix(canonical, ".html")
	var body *bytes.Buffer
	if isHTML && !bypass {
		body = &bytes.Buffer{}
	}

	state = stateAwaitingChunks
	var received int64
	for received < size {
		msg, ok := <-ch
		if !ok {
			state = stateClosed
			return fmt.Errorf("proxy: session closed awaiting chunks for %s", canonical)
		}
		if !bypass {
			if err := p.cache.WriteAppend(canonical, msg.Bytes); err != nil {
				return err
			}
		}
		if _, err := conn.Write(msg.Bytes); err != nil {
			return err
		}
		metrics.AssociationBytesTotal.WithLabelValues("send").Add(float64(len(msg.Bytes)))
		if body != nil {
			body.Write(msg.Bytes)
		}
		received += int64(len(msg.Bytes))
	}

	state = stateIdle
	p.log.Debugf("session %d for %s reached state %d", ppid, canonical, state)

	if body != nil {
		go p.prefetchReferences(canonical, body.Bytes())
	}
	return nil
}

// prefetchReferences is run in the background after an HTML response has
// finished streaming to the browser: it scans the received bytes for
// referenced URIs and, for anything not already cached, issues a
// synthetic request that populates the cache without ever touching conn.
func (p *Proxy) prefetchReferences(canonical string, body []byte) {
	dir := canonicalDir(canonical)
	refs, err := prefetch.ExtractReferences(bytes.NewReader(body), dir)
	if err != nil {
		p.log.Debugf("prefetch scan of %s failed: %s", canonical, err)
		return
	}
	for _, ref := range refs {
		if p.cache.ContainsKey(ref) {
			continue
		}
		p.prefetchOne(ref)
	}
}

func (p *Proxy) prefetchOne(uri string) {
	if err := p.cache.Insert(uri); err != nil {
		p.log.Debugf("prefetch insert %s failed: %s", uri, err)
		return
	}

	ppid, ch := p.dispatch(uri)
	defer p.closeSession(ppid)

	meta, ok := <-ch
	if !ok {
		p.log.Debugf("prefetch %s: session closed awaiting metadata", uri)
		return
	}
	size, _, err := decodeMetadata(meta.Bytes)
	if err != nil {
		p.log.Debugf("prefetch %s: bad metadata: %s", uri, err)
		return
	}

	var received int64
	for received < size {
		msg, ok := <-ch
		if !ok {
			p.log.Debugf("prefetch %s: session closed awaiting chunks", uri)
			return
		}
		if err := p.cache.WriteAppend(uri, msg.Bytes); err != nil {
			p.log.Debugf("prefetch %s: write failed: %s", uri, err)
			return
		}
		received += int64(len(msg.Bytes))
	}
}

// decodeMetadata reads file_size:u64 | path_bytes off the server's
// metadata packet, per server/server.go's buildMetadata.
func decodeMetadata(b []byte) (int64, string, error) {
	if len(b) < 8 {
		return 0, "", fmt.Errorf("proxy: metadata packet too short: %d bytes", len(b))
	}
	var size uint64
	for i := 0; i < 8; i++ {
		size = size<<8 | uint64(b[i])
	}
	return int64(size), string(b[8:]), nil
}

func canonicalDir(canonical string) string {
	idx := strings.LastIndexByte(canonical, '/')
	if idx <= 0 {
		return ""
	}
	return strings.TrimPrefix(canonical[:idx], "/")
}

// readRequestLine reads "METHOD URI VERSION\r\n" followed by headers up to
// the blank line, returning just the URI. Only GET is meaningful here;
// any other method is accepted and treated the same, since nothing in
// this proxy distinguishes methods.
func readRequestLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", fmt.Errorf("proxy: malformed request line %q", line)
	}
	uri := fields[1]

	for {
		hdr, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		if strings.TrimRight(hdr, "\r\n") == "" {
			break
		}
	}
	return uri, nil
}

// writeHeader writes the fixed HTTP/1.1 response head this proxy always
// sends: a 200 with a known Content-Length and no chunked encoding.
func writeHeader(conn net.Conn, size int64) error {
	head := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\n"+
			"Content-Type: text/html\r\n"+
			"Connection: keep-alive\r\n"+
			"Keep-Alive: timeout=5,max=1\r\n"+
			"Content-Length: %d\r\n\r\n", size)
	_, err := conn.Write([]byte(head))
	return err
}
