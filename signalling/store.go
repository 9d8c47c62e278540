// Package signalling implements the Signalling Rendezvous component (spec
// §4.3 / C3): a publish/subscribe channel keyed by (sessionId, fromPeer,
// toPeer) carrying Capabilities, Offer/Answer and ProbeAck messages between
// two peers attempting a NAT traversal strategy, plus the relay-channel
// queues transport.RelayChannel reads and writes.
package signalling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// ErrExpired names the expired-message condition. MemStore and BoltStore
// do not return it: a Pull that finds only expired messages keeps waiting
// and returns the context's error once the context ends.
var ErrExpired = errors.New("signalling: message expired")

// DefaultMessageTTL is the default rendezvous message lifetime (spec §4.3).
const DefaultMessageTTL = 60 * time.Second

// Key identifies one per-sender FIFO queue. Two peers in a session address
// each other with swapped From/To, so a session has exactly two live keys.
type Key struct {
	SessionId string
	From      identity.PeerIdentity
	To        identity.PeerIdentity
}

// Message is one rendezvous envelope. Seq is assigned by the Store on
// Publish and is used by consumers to make re-delivery idempotent: a
// consumer that has already applied Seq N skips any redelivery of it. ID is
// a store-independent identifier (spec §6's coordination store schema keys
// each entry as /hosts/{peerId}/messages/{id}) useful for log correlation
// across a store that reshuffles or re-buckets Seq, e.g. a relay fronting
// more than one backing Store.
type Message struct {
	ID          string
	Seq         uint64
	Kind        MessageKind
	Body        []byte
	PublishedAt time.Time
	ExpiresAt   time.Time
}

type MessageKind uint8

const (
	KindCapabilities MessageKind = iota + 1
	KindOffer
	KindAnswer
	KindProbeAck
	KindRelay
)

func (k MessageKind) String() string {
	switch k {
	case KindCapabilities:
		return "CAPABILITIES"
	case KindOffer:
		return "OFFER"
	case KindAnswer:
		return "ANSWER"
	case KindProbeAck:
		return "PROBE_ACK"
	case KindRelay:
		return "RELAY"
	default:
		return "UNKNOWN"
	}
}

// Store is the rendezvous coordination store: any eventually-consistent
// shared store satisfying this contract (spec §4.3) may back it, provided
// each side can Publish/Pull within roughly 2x the store's own RTT.
type Store interface {
	// Publish appends a message to the (sessionId, from, to) queue,
	// assigning it the next sequence number for that queue.
	Publish(ctx context.Context, key Key, kind MessageKind, body []byte, ttl time.Duration) error

	// Pull blocks until a message newer than afterSeq is available on the
	// queue or the context is cancelled, and returns the oldest
	// undelivered one. Expired messages are skipped and garbage-collected
	// on the writer's next Publish to the same queue.
	Pull(ctx context.Context, key Key, afterSeq uint64) (Message, error)

	Close() error
}

// relaySessionId namespaces transport.RelayChannel traffic away from the
// ordinary per-session Capabilities/Offer/Answer/ProbeAck queues carried by
// the same Store (spec §4.1's relay channel: "frames carried as opaque
// blobs through the signalling coordination store, keyed by (from, to)
// queues").
const relaySessionId = "\x00relay"

// RelayAdapter adapts a Store into the exact shape transport.RelayQueue
// expects (Push(ctx, from, to, body) error / Pull(ctx, from, to) ([]byte,
// error)), tracking each (from, to) pair's last-delivered sequence number so
// repeated Pulls don't redeliver the same frame.
type RelayAdapter struct {
	Store Store

	mu      sync.Mutex
	lastSeq map[[2]identity.PeerIdentity]uint64
}

func NewRelayAdapter(store Store) *RelayAdapter {
	return &RelayAdapter{Store: store, lastSeq: map[[2]identity.PeerIdentity]uint64{}}
}

func (a *RelayAdapter) Push(ctx context.Context, from, to identity.PeerIdentity, body []byte) error {
	return a.Store.Publish(ctx, Key{SessionId: relaySessionId, From: from, To: to}, KindRelay, body, DefaultMessageTTL)
}

func (a *RelayAdapter) Pull(ctx context.Context, from, to identity.PeerIdentity) ([]byte, error) {
	pairKey := [2]identity.PeerIdentity{from, to}
	a.mu.Lock()
	after := a.lastSeq[pairKey]
	a.mu.Unlock()

	msg, err := a.Store.Pull(ctx, Key{SessionId: relaySessionId, From: from, To: to}, after)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.lastSeq[pairKey] = msg.Seq
	a.mu.Unlock()
	return msg.Body, nil
}
