package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// memRelayQueue is a minimal in-process stand-in for a signalling.Store's
// relay queues, used only to exercise RelayChannel's framing contract.
type memRelayQueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	msgs map[[2]identity.PeerIdentity][][]byte
}

func newMemRelayQueue() *memRelayQueue {
	q := &memRelayQueue{msgs: map[[2]identity.PeerIdentity][][]byte{}}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *memRelayQueue) Push(ctx context.Context, from, to identity.PeerIdentity, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := [2]identity.PeerIdentity{from, to}
	q.msgs[key] = append(q.msgs[key], body)
	q.cond.Broadcast()
	return nil
}

func (q *memRelayQueue) Pull(ctx context.Context, from, to identity.PeerIdentity) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := [2]identity.PeerIdentity{from, to}
	for len(q.msgs[key]) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.cond.Wait()
	}
	body := q.msgs[key][0]
	q.msgs[key] = q.msgs[key][1:]
	return body, nil
}

func TestRelayChannelRoundTrip(t *testing.T) {
	q := newMemRelayQueue()
	a := NewRelayChannel(q, "alice", "bob", log.Default)
	b := NewRelayChannel(q, "bob", "alice", log.Default)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, Frame("ping")))
	got, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, Frame("ping"), got)
}
