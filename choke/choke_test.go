package choke

import (
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

func TestTickUnchokesTopServersPlusOneOptimistic(t *testing.T) {
	c := New(Options{MaxUnchoked: 3, Logger: log.Default})
	peers := []identity.PeerIdentity{"a", "b", "c", "d", "e"}
	for _, p := range peers {
		c.AddPeer(p)
	}
	c.RecordServed("a", 300)
	c.RecordServed("b", 200)
	c.RecordServed("c", 100)
	// d, e never served

	c.tick()

	unchokedCount := 0
	for _, p := range peers {
		if !c.IsChoked(p) {
			unchokedCount++
		}
	}
	require.Equal(t, 3, unchokedCount) // K-1=2 top performers + 1 optimistic
	require.False(t, c.IsChoked("a"))
	require.False(t, c.IsChoked("b"))
}

func TestUnknownPeerTreatedAsChoked(t *testing.T) {
	c := New(Options{Logger: log.Default})
	require.True(t, c.IsChoked("ghost"))
}

func TestSuperSeedRotatesAcrossCalls(t *testing.T) {
	c := New(Options{MaxUnchoked: 2, SuperSeed: true, Logger: log.Default})
	peers := []identity.PeerIdentity{"a", "b", "c", "d"}
	for _, p := range peers {
		c.AddPeer(p)
	}

	c.mu.Lock()
	c.rotateSuperSeedLocked()
	c.mu.Unlock()

	unchokedFirst := map[identity.PeerIdentity]bool{}
	for _, p := range peers {
		if !c.IsChoked(p) {
			unchokedFirst[p] = true
		}
	}
	require.NotEmpty(t, unchokedFirst)

	c.superSeedRotation++ // force the rotation offset to advance independent of the timer
	c.mu.Lock()
	c.lastRotation = c.lastRotation.Add(-2 * c.interval)
	c.mu.Unlock()
	c.RecordServed("a", 10) // triggers rotation since enough "time" has passed

	unchokedSecond := map[identity.PeerIdentity]bool{}
	for _, p := range peers {
		if !c.IsChoked(p) {
			unchokedSecond[p] = true
		}
	}
	require.NotEmpty(t, unchokedSecond)
	require.NotEqual(t, unchokedFirst, unchokedSecond)
}
