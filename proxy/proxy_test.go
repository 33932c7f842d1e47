package proxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omalloc/surge/conf"
	"github.com/omalloc/surge/contrib/log"
	"github.com/omalloc/surge/transport"
	"github.com/omalloc/surge/transport/tcpemu"
)

func encodeMetadata(size int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(size))
	return b
}

// runFakeOrigin answers every request on assoc with a canned body, looked
// up by the canonical URI the proxy sent as the request payload.
func runFakeOrigin(assoc transport.Association, bodies map[string][]byte) {
	go func() {
		for {
			msg, err := assoc.Receive()
			if err != nil {
				return
			}
			body, ok := bodies[string(msg.Bytes)]
			if !ok {
				body = []byte("missing")
			}
			if err := assoc.Send(0, msg.PPID, encodeMetadata(int64(len(body)))); err != nil {
				return
			}
			if err := assoc.Send(0, msg.PPID, body); err != nil {
				return
			}
		}
	}()
}

func dialBrowser(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return conn
}

// sendGet writes one GET request on conn and returns the response's
// Content-Length header value and the body read to that length.
func sendGet(t *testing.T, conn net.Conn, uri string) (int, string) {
	t.Helper()
	_, err := conn.Write([]byte("GET " + uri + " HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	_, err = r.ReadString('\n') // status line
	require.NoError(t, err)

	contentLength := 0
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if idx := strings.IndexByte(trimmed, ':'); idx >= 0 && strings.EqualFold(strings.TrimSpace(trimmed[:idx]), "Content-Length") {
			n, convErr := strconv.Atoi(strings.TrimSpace(trimmed[idx+1:]))
			require.NoError(t, convErr)
			contentLength = n
		}
	}

	body := make([]byte, contentLength)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	return contentLength, string(body)
}

func newTestProxy(t *testing.T, bc *conf.Bootstrap) (*Proxy, string) {
	t.Helper()

	originLn, err := tcpemu.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = originLn.Close() })

	bodies := map[string][]byte{
		"/index.html": []byte(`<html><body><img src="/a.png"></body></html>`),
		"/a.png":      []byte("PNGDATA"),
	}

	accepted := make(chan struct{})
	go func() {
		assoc, _, err := originLn.Accept(2)
		if err != nil {
			return
		}
		close(accepted)
		runFakeOrigin(assoc, bodies)
	}()

	dialer := tcpemu.NewDialer()
	assoc, err := dialer.Connect(context.Background(), originLn.Addr().String(), 2)
	require.NoError(t, err)
	<-accepted

	browserLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = browserLn.Close() })

	if bc == nil {
		bc = &conf.Bootstrap{}
	}
	if bc.CachePath == "" {
		bc.CachePath = t.TempDir()
	}
	if bc.ThreadCount == 0 {
		bc.ThreadCount = 2
	}
	if bc.MaxBrowserConnections == 0 {
		bc.MaxBrowserConnections = 2
	}

	p, err := New(browserLn, assoc, bc, log.GetLogger())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	return p, browserLn.Addr().String()
}

func TestProxyServesCacheMissFromOrigin(t *testing.T) {
	_, addr := newTestProxy(t, nil)

	conn := dialBrowser(t, addr)
	defer conn.Close()

	n, body := sendGet(t, conn, "/a.png")
	require.Equal(t, 7, n)
	require.Equal(t, "PNGDATA", body)
}

func TestProxyServesSecondRequestFromCache(t *testing.T) {
	_, addr := newTestProxy(t, nil)

	conn := dialBrowser(t, addr)
	defer conn.Close()
	_, body1 := sendGet(t, conn, "/a.png")
	require.Equal(t, "PNGDATA", body1)

	conn2 := dialBrowser(t, addr)
	defer conn2.Close()
	_, body2 := sendGet(t, conn2, "/a.png")
	require.Equal(t, "PNGDATA", body2)
}

func TestProxyPrefetchesHTMLReferences(t *testing.T) {
	p, addr := newTestProxy(t, nil)

	conn := dialBrowser(t, addr)
	defer conn.Close()

	_, body := sendGet(t, conn, "/")
	require.Contains(t, body, "img")

	require.Eventually(t, func() bool {
		return p.cache.ContainsKey("/a.png")
	}, time.Second, 10*time.Millisecond)
}
