package discovery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// PEXMaxPeersPerMessage and PEXGossipInterval are the spec §4.5 PEX limits:
// "rate-limited (<=1 message/minute/peer) and capped (<=50 peers per
// message)".
const (
	PEXMaxPeersPerMessage = 50
	PEXGossipInterval     = time.Minute
)

// PEXBackend is the gossip-of-recently-seen-peers backend (spec §4.5). It
// doesn't dial anything itself; the orchestrator/scheduler push peer
// sightings in via Ingest as they arrive over live channels, and pull
// outgoing gossip batches via Outgoing, rate limited per remote peer.
type PEXBackend struct {
	mu      sync.Mutex
	known   map[identity.ContentId]map[string]PeerRecord
	limiters map[identity.PeerIdentity]*rate.Limiter
}

func NewPEXBackend() *PEXBackend {
	return &PEXBackend{
		known:    map[identity.ContentId]map[string]PeerRecord{},
		limiters: map[identity.PeerIdentity]*rate.Limiter{},
	}
}

func (b *PEXBackend) Name() string { return "PEX" }

func (b *PEXBackend) Start(ctx context.Context) error { return nil }
func (b *PEXBackend) Stop() error                     { return nil }

// Announce records that this node has records to gossip about contentId;
// PEX has no network announce step of its own (spec §4.5's gossip happens
// opportunistically over already-connected channels).
func (b *PEXBackend) Announce(ctx context.Context, contentId identity.ContentId, port int, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.known[contentId]; !ok {
		b.known[contentId] = map[string]PeerRecord{}
	}
	return nil
}

func (b *PEXBackend) Lookup(ctx context.Context, contentId identity.ContentId) []PeerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := b.known[contentId]
	out := make([]PeerRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	return out
}

// Ingest merges peer sightings gossiped by remote (rate limited to one
// batch per minute per remote, capped at PEXMaxPeersPerMessage entries —
// extras are dropped, not queued).
func (b *PEXBackend) Ingest(remote identity.PeerIdentity, contentId identity.ContentId, records []PeerRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	limiter, ok := b.limiters[remote]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(PEXGossipInterval), 1)
		b.limiters[remote] = limiter
	}
	if !limiter.Allow() {
		return
	}

	if len(records) > PEXMaxPeersPerMessage {
		records = records[:PEXMaxPeersPerMessage]
	}
	bucket, ok := b.known[contentId]
	if !ok {
		bucket = map[string]PeerRecord{}
		b.known[contentId] = bucket
	}
	for _, r := range records {
		r.Source = SourcePEX
		if existing, ok := bucket[r.PeerId]; ok {
			bucket[r.PeerId] = Merge(existing, r)
		} else {
			bucket[r.PeerId] = r
		}
	}
}

// Outgoing returns up to PEXMaxPeersPerMessage known records for contentId
// to gossip onward, for the caller to send over its live channels.
func (b *PEXBackend) Outgoing(contentId identity.ContentId) []PeerRecord {
	records := b.Lookup(context.Background(), contentId)
	if len(records) > PEXMaxPeersPerMessage {
		records = records[:PEXMaxPeersPerMessage]
	}
	return records
}
