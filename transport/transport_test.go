package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"
)

func TestTCPChannelRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewTCPChannel(server, log.Default)
	cc := NewTCPChannel(client, log.Default)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- cc.Send(ctx, Frame("hello"))
	}()

	got, err := sc.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, Frame("hello"), got)
	require.NoError(t, <-done)
}

func TestTCPChannelOversizeFrameRejected(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	cc := NewTCPChannel(client, log.Default)

	big := make([]byte, MaxTCPFrameSize+1)
	err := cc.Send(context.Background(), big)
	require.ErrorIs(t, err, ErrOversizeFrame)
}

func TestTCPChannelCloseIsIdempotentAndUnblocksRecv(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sc := NewTCPChannel(server, log.Default)
	require.NoError(t, sc.Close())
	require.NoError(t, sc.Close()) // idempotent

	_, err := sc.Recv(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
