//go:build !linux

// Package sctp on non-Linux platforms has no native SCTP socket type
// available; callers should select transport/tcpemu instead. This stub
// keeps the package importable (and its Dialer/Listener constructors
// callable) on every platform, failing fast if actually invoked.
package sctp

import (
	"context"
	"net"

	"github.com/omalloc/surge/transport"
)

type Association struct{}

var _ transport.Association = (*Association)(nil)

func (a *Association) StreamCount() int                              { return 0 }
func (a *Association) Send(int, uint32, []byte) error                { return unsupported() }
func (a *Association) Receive() (transport.Message, error)           { return transport.Message{}, unsupported() }
func (a *Association) TryClone() (transport.Association, error)      { return nil, unsupported() }
func (a *Association) Close() error                                  { return nil }

type Dialer struct{}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer() *Dialer { return &Dialer{} }

func (d *Dialer) Connect(ctx context.Context, addr string, requestedStreams int) (transport.Association, error) {
	return nil, unsupported()
}

type Listener struct{}

var _ transport.Listener = (*Listener)(nil)

func Listen(addr string) (*Listener, error) {
	return nil, unsupported()
}

func (l *Listener) Close() error { return nil }

func (l *Listener) Accept(requestedStreams int) (transport.Association, net.Addr, error) {
	return nil, nil, unsupported()
}

func unsupported() error {
	return transport.ErrIo(errUnsupported{})
}

type errUnsupported struct{}

func (errUnsupported) Error() string { return "native sctp is not supported on this platform" }
