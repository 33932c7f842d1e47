package tcpemu

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeNegotiatesMinStreams(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()

	var wg sync.WaitGroup
	wg.Add(2)

	var serverAssoc, clientAssoc interface{ StreamCount() int }
	go func() {
		defer wg.Done()
		a, _, err := ln.Accept(6)
		require.NoError(t, err)
		serverAssoc = a
	}()

	go func() {
		defer wg.Done()
		d := NewDialer()
		a, err := d.Connect(context.Background(), addr, 12)
		require.NoError(t, err)
		clientAssoc = a
	}()

	wg.Wait()
	require.Equal(t, 6, serverAssoc.StreamCount())
	require.Equal(t, 6, clientAssoc.StreamCount())
}

func TestSendReceiveRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()

	serverCh := make(chan *Association, 1)
	go func() {
		a, _, err := ln.Accept(2)
		require.NoError(t, err)
		serverCh <- a
	}()

	d := NewDialer()
	client, err := d.Connect(context.Background(), addr, 2)
	require.NoError(t, err)

	server := <-serverCh

	payload := []byte("hello sub-stream 1")
	require.NoError(t, client.Send(1, 42, payload))

	msg, err := server.Receive()
	require.NoError(t, err)
	require.Equal(t, 1, msg.Stream)
	require.Equal(t, uint32(42), msg.PPID)
	require.Equal(t, payload, msg.Bytes)
}

func TestSendInvalidStreamRejected(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()

	serverCh := make(chan *Association, 1)
	go func() {
		a, _, _ := ln.Accept(2)
		serverCh <- a
	}()

	d := NewDialer()
	client, err := d.Connect(context.Background(), addr, 2)
	require.NoError(t, err)
	<-serverCh

	err = client.Send(5, 1, []byte("x"))
	require.Error(t, err)
}
