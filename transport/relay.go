package transport

import (
	"context"
	"fmt"

	"github.com/anacrolix/log"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// RelayQueue is the minimal capability a relay Channel needs from the
// signalling coordination store: at-most-once, per-sender-FIFO delivery of
// opaque blobs keyed by (from, to) (spec §4.1). signalling.RelayAdapter,
// which wraps any signalling.Store, satisfies this structurally.
type RelayQueue interface {
	Push(ctx context.Context, from, to identity.PeerIdentity, body []byte) error
	Pull(ctx context.Context, from, to identity.PeerIdentity) ([]byte, error)
}

// RelayChannel carries frames as opaque blobs through the signalling
// coordination store instead of a direct socket, used as the strategy of
// last resort when direct/punched connections aren't possible (spec §4.1,
// §4.4 RELAY strategy).
type RelayChannel struct {
	base
	queue      RelayQueue
	self, peer identity.PeerIdentity
}

var _ Channel = (*RelayChannel)(nil)

func NewRelayChannel(queue RelayQueue, self, peer identity.PeerIdentity, logger log.Logger) *RelayChannel {
	return &RelayChannel{base: base{logger: logger}, queue: queue, self: self, peer: peer}
}

func (c *RelayChannel) Remote() Endpoint {
	// The remote socket address is never known for a relay path; the peer
	// identity is the only addressing information available.
	return Endpoint{Network: "relay", Addr: string(c.peer)}
}

func (c *RelayChannel) Send(ctx context.Context, f Frame) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.queue.Push(ctx, c.self, c.peer, append([]byte(nil), f...)); err != nil {
		return fmt.Errorf("relay channel %s->%s: %w", c.self, c.peer, err)
	}
	return nil
}

func (c *RelayChannel) Recv(ctx context.Context) (Frame, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closedChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	body, err := c.queue.Pull(ctx, c.peer, c.self)
	if err != nil {
		if c.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("relay channel %s<-%s: %w", c.self, c.peer, err)
	}
	return Frame(body), nil
}

func (c *RelayChannel) Close() error {
	c.markClosed()
	return nil
}
