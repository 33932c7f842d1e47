// Package transport defines the multi-stream association abstraction: a
// reliable, message-preserving transport with N independent sub-streams
// plus one control sub-stream, implemented either over native SCTP or a
// TCP emulation of the same contract (see transport/sctp and
// transport/tcpemu).
package transport

import (
	"context"
	"net"

	surgeerrors "github.com/omalloc/surge/pkg/errors"
)

// MaxMessageSize bounds a single Send payload.
const MaxMessageSize = 64 << 20 // 64MiB

// ChunkMetadataSize is the per-message framing overhead (ppid:u32 |
// length:u64) that file_packet_size must budget for when splitting a
// mapped file into chunks: each chunk must be at most
// file_packet_size - ChunkMetadataSize bytes.
const ChunkMetadataSize = 4 + 8

// Message is what Receive returns: the payload plus the sub-stream and
// PPID it arrived on.
type Message struct {
	Bytes  []byte
	Stream int
	PPID   uint32
}

// Association is the transport capability set every caller depends on.
// There are exactly two implementations: transport/tcpemu (default,
// portable) and transport/sctp (native, linux-only).
type Association interface {
	// Send writes bytes on the given sub-stream tagged with ppid.
	Send(streamIdx int, ppid uint32, bytes []byte) error
	// Receive blocks for the next message on any sub-stream.
	Receive() (Message, error)
	// StreamCount returns the negotiated N.
	StreamCount() int
	// TryClone returns a second handle that a reader and a writer goroutine
	// can use independently. transport/sctp duplicates the descriptor;
	// transport/tcpemu does not duplicate its connections, and closing any
	// of its handles closes them all.
	TryClone() (Association, error)
	// Close releases all sub-stream handles.
	Close() error
}

// Dialer connects to a listening peer and negotiates N = min(requested,
// peer-requested) sub-streams.
type Dialer interface {
	Connect(ctx context.Context, addr string, requestedStreams int) (Association, error)
}

// Listener accepts associations.
type Listener interface {
	Accept(requestedStreams int) (Association, net.Addr, error)
	Close() error
}

// Server is the generic start/stop lifecycle shared by every long-running
// component cmd/surge-server and cmd/surge-proxy drive: the connection
// scheduler, the caching proxy, the relay, and the metrics HTTP server.
type Server interface {
	Start(context.Context) error
	Stop(context.Context) error
}

func ErrInvalidStream() error {
	return surgeerrors.New(surgeerrors.KindInvalidStream)
}

func ErrMessageTooLarge() error {
	return surgeerrors.New(surgeerrors.KindMessageTooLarge)
}

func ErrConnectFailed(cause error) error {
	return surgeerrors.New(surgeerrors.KindConnectFailed).WithCause(cause)
}

func ErrAcceptFailed(cause error) error {
	return surgeerrors.New(surgeerrors.KindAcceptFailed).WithCause(cause)
}

func ErrUnexpectedEOF(cause error) error {
	return surgeerrors.New(surgeerrors.KindUnexpectedEof).WithCause(cause)
}

func ErrIo(cause error) error {
	return surgeerrors.New(surgeerrors.KindIo).WithCause(cause)
}

// Negotiate implements the shared min(local,peer) rule used by both
// transport implementations.
func Negotiate(local, peer int) int {
	if local < peer {
		return local
	}
	return peer
}
