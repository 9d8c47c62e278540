package signalling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DIG-Network/dig-nat-tools/candidate"
)

func TestSessionCapabilitiesRoundTrip(t *testing.T) {
	store := NewMemStore()
	defer store.Close()

	alice := NewSession(store, "sess-1", "alice", "bob")
	bob := NewSession(store, "sess-1", "bob", "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	caps := Capabilities{
		Candidates:      []candidate.Candidate{{Kind: candidate.Host, Transport: candidate.UDP, Host: "10.0.0.1", Port: 4000}},
		PreferTransport: candidate.UDP,
		ProtocolVersion: 1,
	}
	require.NoError(t, alice.SendCapabilities(ctx, caps))

	got, err := bob.Recv(ctx)
	require.NoError(t, err)
	gotCaps, ok := got.(Capabilities)
	require.True(t, ok)
	require.Equal(t, caps.ProtocolVersion, gotCaps.ProtocolVersion)
	require.Len(t, gotCaps.Candidates, 1)
	require.Equal(t, "10.0.0.1", gotCaps.Candidates[0].Host)
}

func TestSessionDoesNotRedeliver(t *testing.T) {
	store := NewMemStore()
	defer store.Close()

	alice := NewSession(store, "sess-2", "alice", "bob")
	bob := NewSession(store, "sess-2", "bob", "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, alice.SendProbeAck(ctx, ProbeAck{CandidateHost: "1.2.3.4", CandidatePort: 9}))
	first, err := bob.Recv(ctx)
	require.NoError(t, err)
	require.IsType(t, ProbeAck{}, first)

	require.NoError(t, alice.SendProbeAck(ctx, ProbeAck{CandidateHost: "1.2.3.4", CandidatePort: 10}))
	second, err := bob.Recv(ctx)
	require.NoError(t, err)
	ack := second.(ProbeAck)
	require.Equal(t, 10, ack.CandidatePort)
}

func TestPullExpiresOnContextDeadline(t *testing.T) {
	store := NewMemStore()
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := store.Pull(ctx, Key{SessionId: "s", From: "a", To: "b"}, 0)
	require.Error(t, err)
}

func TestRelayAdapterRoundTrip(t *testing.T) {
	store := NewMemStore()
	defer store.Close()
	adapter := NewRelayAdapter(store)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, adapter.Push(ctx, "alice", "bob", []byte("frame1")))
	got, err := adapter.Pull(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, "frame1", string(got))
}
