//go:build linux

// Package sctp implements transport.Association over native SCTP
// (SOCK_STREAM, IPPROTO_SCTP) via raw syscalls, exposing the four
// operations this repo actually needs: socket, bindx/connectx-equivalent
// connect, sctp_sendmsg and sctp_recvmsg (through sendmsg/recvmsg with
// cmsg-carried sndrcvinfo), plus descriptor duplication (dup) for TryClone.
package sctp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/omalloc/surge/transport"
)

// IPPROTO_SCTP is not exported by golang.org/x/sys/unix on every arch.
const ipprotoSCTP = 132

// sctpSndRcvInfo mirrors struct sctp_sndrcvinfo's first fields, all we
// need to set stream and ppid on send and read them back on receive.
type sctpSndRcvInfo struct {
	Stream     uint16
	SSN        uint16
	Flags      uint16
	_          uint16
	PPID       uint32
	Context    uint32
	TimeToLive uint32
	TSN        uint32
	CumTSN     uint32
	AssocID    int32
}

const cmsgSCTPSndRcv = 0 // SCTP_SNDRCV ancillary message type

type sharedState struct {
	fd        int
	n         int
	closeOnce sync.Once
	closeErr  error
	writeMu   sync.Mutex
	readMu    sync.Mutex
}

// Association is a native-SCTP transport.Association. One socket carries
// all N streams; stream and PPID ride in ancillary sndrcvinfo rather than
// separate connections.
type Association struct {
	s *sharedState
}

var _ transport.Association = (*Association)(nil)

func (a *Association) StreamCount() int { return a.s.n }

func (a *Association) Send(streamIdx int, ppid uint32, b []byte) error {
	if streamIdx < 0 || streamIdx >= a.s.n {
		return transport.ErrInvalidStream()
	}
	if len(b) > transport.MaxMessageSize {
		return transport.ErrMessageTooLarge()
	}

	info := sctpSndRcvInfo{Stream: uint16(streamIdx), PPID: ppid}
	cmsg := buildCmsg(info)

	a.s.writeMu.Lock()
	defer a.s.writeMu.Unlock()
	if err := unix.Sendmsg(a.s.fd, b, cmsg, nil, 0); err != nil {
		return transport.ErrIo(err)
	}
	return nil
}

func (a *Association) Receive() (transport.Message, error) {
	buf := make([]byte, 1<<20)
	oob := make([]byte, 256)

	a.s.readMu.Lock()
	n, oobn, _, _, err := unix.Recvmsg(a.s.fd, buf, oob, 0)
	a.s.readMu.Unlock()
	if err != nil {
		return transport.Message{}, transport.ErrIo(err)
	}
	if n == 0 {
		return transport.Message{}, transport.ErrUnexpectedEOF(fmt.Errorf("sctp: zero-length recvmsg"))
	}

	info, err := parseCmsg(oob[:oobn])
	if err != nil {
		return transport.Message{}, transport.ErrIo(err)
	}

	body := make([]byte, n)
	copy(body, buf[:n])

	return transport.Message{Bytes: body, Stream: int(info.Stream), PPID: info.PPID}, nil
}

// TryClone dups the descriptor into an independent handle on the same
// association, with its own locks and close state, so reader and writer
// can run on separate goroutines without racing on fd lifecycle.
func (a *Association) TryClone() (transport.Association, error) {
	newFd, err := unix.Dup(a.s.fd)
	if err != nil {
		return nil, transport.ErrIo(err)
	}
	return &Association{s: &sharedState{fd: newFd, n: a.s.n}}, nil
}

func (a *Association) Close() error {
	a.s.closeOnce.Do(func() {
		a.s.closeErr = unix.Close(a.s.fd)
	})
	return a.s.closeErr
}

func buildCmsg(info sctpSndRcvInfo) []byte {
	raw := make([]byte, 12)
	binary.LittleEndian.PutUint16(raw[0:2], info.Stream)
	binary.LittleEndian.PutUint32(raw[8:12], info.PPID)

	buf := make([]byte, unix.CmsgSpace(len(raw)))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&buf[0]))
	h.Level = ipprotoSCTP
	h.Type = cmsgSCTPSndRcv
	h.SetLen(unix.CmsgLen(len(raw)))
	copy(buf[unix.CmsgLen(0):], raw)
	return buf
}

func parseCmsg(oob []byte) (sctpSndRcvInfo, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil || len(msgs) == 0 {
		return sctpSndRcvInfo{}, fmt.Errorf("sctp: missing sndrcvinfo ancillary data")
	}
	data := msgs[0].Data
	if len(data) < 12 {
		return sctpSndRcvInfo{}, fmt.Errorf("sctp: short sndrcvinfo")
	}
	return sctpSndRcvInfo{
		Stream: binary.LittleEndian.Uint16(data[0:2]),
		PPID:   binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// Dialer connects to a native SCTP listener and negotiates N via the same
// one-byte control exchange used by transport/tcpemu, carried as SCTP
// stream 0 before the remaining streams are usable.
type Dialer struct{}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer() *Dialer { return &Dialer{} }

func (d *Dialer) Connect(ctx context.Context, addr string, requestedStreams int) (transport.Association, error) {
	fd, err := connectSCTP(addr)
	if err != nil {
		return nil, transport.ErrConnectFailed(err)
	}

	n, err := negotiate(fd, requestedStreams)
	if err != nil {
		_ = unix.Close(fd)
		return nil, transport.ErrConnectFailed(err)
	}

	return &Association{s: &sharedState{fd: fd, n: n}}, nil
}

type Listener struct {
	fd int
}

var _ transport.Listener = (*Listener)(nil)

func Listen(addr string) (*Listener, error) {
	fd, err := listenSCTP(addr)
	if err != nil {
		return nil, transport.ErrAcceptFailed(err)
	}
	return &Listener{fd: fd}, nil
}

func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

func (l *Listener) Accept(requestedStreams int) (transport.Association, net.Addr, error) {
	connFd, sa, err := unix.Accept(l.fd)
	if err != nil {
		return nil, nil, transport.ErrAcceptFailed(err)
	}

	n, err := negotiate(connFd, requestedStreams)
	if err != nil {
		_ = unix.Close(connFd)
		return nil, nil, transport.ErrAcceptFailed(err)
	}

	return &Association{s: &sharedState{fd: connFd, n: n}}, sockaddrToNetAddr(sa), nil
}

func negotiate(fd int, requested int) (int, error) {
	if requested < 0 || requested > 255 {
		requested = 255
	}
	if err := unix.Write(fd, []byte{byte(requested)}); err != nil {
		return 0, err
	}
	peer := make([]byte, 1)
	if _, err := unix.Read(fd, peer); err != nil {
		return 0, err
	}
	return transport.Negotiate(requested, int(peer[0])), nil
}

func connectSCTP(addr string) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, ipprotoSCTP)
	if err != nil {
		return 0, err
	}
	sa, err := resolveSockaddr(addr)
	if err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	if err := unix.Connect(fd, sa); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

func listenSCTP(addr string) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, ipprotoSCTP)
	if err != nil {
		return 0, err
	}
	sa, err := resolveSockaddr(addr)
	if err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

func resolveSockaddr(addr string) (unix.Sockaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(sa.Addr[:], tcpAddr.IP.To4())
	return sa, nil
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return &net.TCPAddr{IP: net.IP(in4.Addr[:]), Port: in4.Port}
	}
	return nil
}
