package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/omalloc/surge/contrib/log"
	"github.com/omalloc/surge/transport"
)

// Relay is the simple TCP relay variant (spec.md §4.11), selected at
// runtime instead of Proxy when conf.Bootstrap.UseCache is false: one
// browser connection maps to one origin connection, requests and
// responses are forwarded byte-for-byte, and nothing is cached or
// prefetched.
type Relay struct {
	ln         net.Listener
	originAddr string
	log        *log.Helper

	closing chan struct{}
	wg      sync.WaitGroup
	connWG  sync.WaitGroup
}

var _ transport.Server = (*Relay)(nil)

func NewRelay(ln net.Listener, originAddr string, logger log.Logger) *Relay {
	return &Relay{
		ln:         ln,
		originAddr: originAddr,
		log:        log.NewHelper(logger),
		closing:    make(chan struct{}),
	}
}

func (r *Relay) Start(_ context.Context) error {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.acceptLoop()
	}()
	return nil
}

func (r *Relay) Stop(_ context.Context) error {
	close(r.closing)
	err := r.ln.Close()
	r.connWG.Wait()
	r.wg.Wait()
	return err
}

func (r *Relay) acceptLoop() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.closing:
				return
			default:
				r.log.Errorf("accept failed: %s", err)
				return
			}
		}
		r.connWG.Add(1)
		go func() {
			defer r.connWG.Done()
			r.relayConn(conn)
		}()
	}
}

// relayConn pairs one browser connection with one dialed origin
// connection and pipes requests and responses between them verbatim,
// request after request, until either side closes or a protocol error
// occurs.
func (r *Relay) relayConn(browser net.Conn) {
	defer browser.Close()

	origin, err := net.Dial("tcp", r.originAddr)
	if err != nil {
		r.log.Errorf("dial origin %s failed: %s", r.originAddr, err)
		return
	}
	defer origin.Close()

	browserR := bufio.NewReader(browser)
	originR := bufio.NewReader(origin)

	for {
		head, err := readHeadBlock(browserR)
		if err != nil {
			return
		}
		if _, err := origin.Write(head); err != nil {
			return
		}

		respHead, contentLength, err := readResponseHead(originR)
		if err != nil {
			return
		}
		if _, err := browser.Write(respHead); err != nil {
			return
		}
		if contentLength < 0 {
			return
		}
		if contentLength > 0 {
			if _, err := io.CopyN(browser, originR, contentLength); err != nil {
				return
			}
		}
	}
}

// readHeadBlock reads a request or response head verbatim: every line up
// to and including the blank line that terminates the header block.
func readHeadBlock(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		buf.WriteString(line)
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}
	return buf.Bytes(), nil
}

// readResponseHead reads the origin's response head verbatim and extracts
// Content-Length, matching header names case-insensitively since HTTP
// header casing is not normative.
func readResponseHead(r *bufio.Reader) ([]byte, int64, error) {
	var buf bytes.Buffer
	contentLength := int64(-1)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, 0, err
		}
		buf.WriteString(line)

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if idx := strings.IndexByte(trimmed, ':'); idx >= 0 {
			key := strings.TrimSpace(trimmed[:idx])
			if strings.EqualFold(key, "Content-Length") {
				val := strings.TrimSpace(trimmed[idx+1:])
				if n, convErr := strconv.ParseInt(val, 10, 64); convErr == nil {
					contentLength = n
				}
			}
		}
	}
	if contentLength < 0 {
		return buf.Bytes(), 0, fmt.Errorf("relay: response missing Content-Length")
	}
	return buf.Bytes(), contentLength, nil
}
