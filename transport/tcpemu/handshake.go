package tcpemu

import (
	"context"
	"net"

	"github.com/omalloc/surge/transport"
)

// readinessMarker is an arbitrary non-zero byte the listener writes once
// the handshake is complete, so the connector knows it is safe to start
// opening data sub-streams.
const readinessMarker = 0x01

type Dialer struct {
	netDialer net.Dialer
}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Connect(ctx context.Context, addr string, requestedStreams int) (transport.Association, error) {
	control, err := d.netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transport.ErrConnectFailed(err)
	}

	n, err := exchangeStreamCount(control, requestedStreams)
	if err != nil {
		_ = control.Close()
		return nil, transport.ErrConnectFailed(err)
	}

	marker := make([]byte, 1)
	if _, err := control.Read(marker); err != nil {
		_ = control.Close()
		return nil, transport.ErrConnectFailed(err)
	}

	streams := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, err := d.netDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			_ = control.Close()
			closeAll(streams)
			return nil, transport.ErrConnectFailed(err)
		}
		streams = append(streams, conn)
	}

	return newAssociation(control, streams), nil
}

type Listener struct {
	ln net.Listener
}

var _ transport.Listener = (*Listener)(nil)

func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, transport.ErrAcceptFailed(err)
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept completes one full handshake (control exchange + N data
// connections) before returning. The caller's accept loop must call this
// sequentially, one association at a time, per the single-accept-thread
// concurrency model.
func (l *Listener) Accept(requestedStreams int) (transport.Association, net.Addr, error) {
	control, err := l.ln.Accept()
	if err != nil {
		return nil, nil, transport.ErrAcceptFailed(err)
	}

	n, err := exchangeStreamCount(control, requestedStreams)
	if err != nil {
		_ = control.Close()
		return nil, nil, transport.ErrAcceptFailed(err)
	}

	if _, err := control.Write([]byte{readinessMarker}); err != nil {
		_ = control.Close()
		return nil, nil, transport.ErrAcceptFailed(err)
	}

	streams := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, err := l.ln.Accept()
		if err != nil {
			_ = control.Close()
			closeAll(streams)
			return nil, nil, transport.ErrAcceptFailed(err)
		}
		streams = append(streams, conn)
	}

	return newAssociation(control, streams), control.RemoteAddr(), nil
}

// exchangeStreamCount writes the local requested count (clamped to a
// byte), reads the peer's, and returns the negotiated N.
func exchangeStreamCount(conn net.Conn, requested int) (int, error) {
	if requested < 0 || requested > 255 {
		requested = 255
	}
	if _, err := conn.Write([]byte{byte(requested)}); err != nil {
		return 0, err
	}
	peer := make([]byte, 1)
	if _, err := conn.Read(peer); err != nil {
		return 0, err
	}
	return transport.Negotiate(requested, int(peer[0])), nil
}

func closeAll(conns []net.Conn) {
	for _, c := range conns {
		_ = c.Close()
	}
}
