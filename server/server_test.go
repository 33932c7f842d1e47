package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omalloc/surge/conf"
	"github.com/omalloc/surge/contrib/log"
	"github.com/omalloc/surge/sched"
	"github.com/omalloc/surge/transport"
	"github.com/omalloc/surge/transport/tcpemu"
)

func writeRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>hello</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "404.html"), []byte("not found"), 0o644))
	return dir
}

func recvWithTimeout(t *testing.T, assoc transport.Association) transport.Message {
	t.Helper()
	type result struct {
		msg transport.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := assoc.Receive()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return transport.Message{}
	}
}

func TestServerServesIndexOverAssociation(t *testing.T) {
	root := writeRoot(t)

	ln, err := tcpemu.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	bc := &conf.Bootstrap{ServerRoot: root, StreamCount: 2, FilePacketSize: 4096}
	newSched := func(handle sched.Handler) sched.Scheduler {
		return sched.NewRR(2, handle, log.GetLogger())
	}

	srv := New(ln, bc, newSched, log.GetLogger())
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	dialer := tcpemu.NewDialer()
	assoc, err := dialer.Connect(context.Background(), ln.Addr().String(), 2)
	require.NoError(t, err)
	defer assoc.Close()

	require.NoError(t, assoc.Send(0, 42, []byte("/")))

	meta := recvWithTimeout(t, assoc)
	require.Equal(t, uint32(42), meta.PPID)
	size, path := decodeMetadata(t, meta.Bytes)
	require.Equal(t, int64(len("<html>hello</html>")), size)
	require.Equal(t, "index.html", path)

	chunk := recvWithTimeout(t, assoc)
	require.Equal(t, uint32(42), chunk.PPID)
	require.Equal(t, "<html>hello</html>", string(chunk.Bytes))
}

func TestServerFallsBackTo404(t *testing.T) {
	root := writeRoot(t)

	ln, err := tcpemu.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	bc := &conf.Bootstrap{ServerRoot: root, StreamCount: 1, FilePacketSize: 4096}
	newSched := func(handle sched.Handler) sched.Scheduler {
		return sched.NewSJF(1, handle, log.GetLogger())
	}

	srv := New(ln, bc, newSched, log.GetLogger())
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	dialer := tcpemu.NewDialer()
	assoc, err := dialer.Connect(context.Background(), ln.Addr().String(), 1)
	require.NoError(t, err)
	defer assoc.Close()

	require.NoError(t, assoc.Send(0, 7, []byte("/missing.html")))

	meta := recvWithTimeout(t, assoc)
	_, path := decodeMetadata(t, meta.Bytes)
	require.Equal(t, "missing.html", path)

	chunk := recvWithTimeout(t, assoc)
	require.Equal(t, "not found", string(chunk.Bytes))
}

func decodeMetadata(t *testing.T, b []byte) (int64, string) {
	t.Helper()
	require.GreaterOrEqual(t, len(b), 8)
	var size uint64
	for i := 0; i < 8; i++ {
		size = size<<8 | uint64(b[i])
	}
	return int64(size), string(b[8:])
}
