package orchestrator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/DIG-Network/dig-nat-tools/candidate"
	"github.com/DIG-Network/dig-nat-tools/signalling"
)

func TestConnectDirectLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		acceptDone <- err
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	store := signalling.NewMemStore()
	defer store.Close()

	bobSession := signalling.NewSession(store, "sess", "bob", "alice")
	require.NoError(t, bobSession.SendCapabilities(context.Background(), signalling.Capabilities{
		Candidates: []candidate.Candidate{{Kind: candidate.Host, Transport: candidate.TCP, Host: "127.0.0.1", Port: port}},
	}))

	aliceSession := signalling.NewSession(store, "sess", "alice", "bob")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := Connect(ctx, "alice", "bob", aliceSession, Options{
		Strategies: []Strategy{Direct},
		Logger:     log.Default,
	})
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	require.NoError(t, <-acceptDone)
}

func TestConnectFailsWithNoCandidates(t *testing.T) {
	store := signalling.NewMemStore()
	defer store.Close()
	aliceSession := signalling.NewSession(store, "sess2", "alice", "bob")

	bobSession := signalling.NewSession(store, "sess2", "bob", "alice")
	require.NoError(t, bobSession.SendCapabilities(context.Background(), signalling.Capabilities{}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, "alice", "bob", aliceSession, Options{
		Strategies:     []Strategy{Direct},
		OverallTimeout: time.Second,
		Logger:         log.Default,
	})
	require.Error(t, err)
	var failErr *FailError
	require.ErrorAs(t, err, &failErr)
}
