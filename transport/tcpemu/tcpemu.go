// Package tcpemu implements transport.Association as a TCP emulation of
// SCTP multi-streaming: one control connection carrying the handshake and
// a one-byte "next message is on stream i" marker per message, plus N data
// connections, one per negotiated sub-stream. It satisfies the same
// contract as transport/sctp bit-for-bit at the application layer; wire
// interop between the two is not required.
package tcpemu

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/omalloc/surge/transport"
)

const headerSize = transport.ChunkMetadataSize // ppid:u32 | length:u64

type sharedState struct {
	control    net.Conn
	streams    []net.Conn
	n          int
	controlWMu sync.Mutex
	controlRMu sync.Mutex
	streamWMu  []sync.Mutex
	closeOnce  sync.Once
	closeErr   error
}

// Association is the TCP-emulated multi-stream transport handle.
type Association struct {
	s *sharedState
}

var _ transport.Association = (*Association)(nil)

func newAssociation(control net.Conn, streams []net.Conn) *Association {
	return &Association{s: &sharedState{
		control:   control,
		streams:   streams,
		n:         len(streams),
		streamWMu: make([]sync.Mutex, len(streams)),
	}}
}

func (a *Association) StreamCount() int { return a.s.n }

func (a *Association) Send(streamIdx int, ppid uint32, b []byte) error {
	if streamIdx < 0 || streamIdx >= a.s.n {
		return transport.ErrInvalidStream()
	}
	if len(b) > transport.MaxMessageSize {
		return transport.ErrMessageTooLarge()
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], ppid)
	binary.BigEndian.PutUint64(header[4:12], uint64(len(b)))

	mu := &a.s.streamWMu[streamIdx]
	mu.Lock()
	_, err := a.s.streams[streamIdx].Write(header)
	if err == nil {
		_, err = a.s.streams[streamIdx].Write(b)
	}
	mu.Unlock()
	if err != nil {
		return wrapWriteErr(err)
	}

	a.s.controlWMu.Lock()
	_, err = a.s.control.Write([]byte{byte(streamIdx)})
	a.s.controlWMu.Unlock()
	if err != nil {
		return wrapWriteErr(err)
	}
	return nil
}

func (a *Association) Receive() (transport.Message, error) {
	a.s.controlRMu.Lock()
	idxBuf := make([]byte, 1)
	_, err := io.ReadFull(a.s.control, idxBuf)
	a.s.controlRMu.Unlock()
	if err != nil {
		return transport.Message{}, wrapReadErr(err)
	}

	idx := int(idxBuf[0])
	if idx < 0 || idx >= a.s.n {
		return transport.Message{}, transport.ErrInvalidStream()
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(a.s.streams[idx], header); err != nil {
		return transport.Message{}, wrapReadErr(err)
	}
	ppid := binary.BigEndian.Uint32(header[0:4])
	length := binary.BigEndian.Uint64(header[4:12])

	body := make([]byte, length)
	if _, err := io.ReadFull(a.s.streams[idx], body); err != nil {
		return transport.Message{}, wrapReadErr(err)
	}

	return transport.Message{Bytes: body, Stream: idx, PPID: ppid}, nil
}

// TryClone returns another handle on the same control and data connections
// and the same locks. It does not duplicate the connections: closing either
// handle closes both.
func (a *Association) TryClone() (transport.Association, error) {
	return &Association{s: a.s}, nil
}

func (a *Association) Close() error {
	a.s.closeOnce.Do(func() {
		var errs []error
		if err := a.s.control.Close(); err != nil {
			errs = append(errs, err)
		}
		for _, s := range a.s.streams {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			a.s.closeErr = errs[0]
		}
	})
	return a.s.closeErr
}

func wrapReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return transport.ErrUnexpectedEOF(err)
	}
	return transport.ErrIo(err)
}

func wrapWriteErr(err error) error {
	return transport.ErrIo(err)
}
