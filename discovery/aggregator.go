package discovery

import (
	"context"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/sync/errgroup"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// DefaultFindPeersDeadline bounds one Aggregator.FindPeers fan-out (spec
// §4.6: "fan-out to all enabled backends in parallel with a global
// deadline").
const DefaultFindPeersDeadline = 5 * time.Second

// Aggregator is the Discovery Aggregator (C6): it fans out lookups to every
// enabled Backend in parallel, merges records by peerId, ranks them, and
// exposes the shared ContentMap both the Host and the Aggregator itself use
// to translate between contentId and digest.
type Aggregator struct {
	backends   []Backend
	contentMap *ContentMap
	deadline   time.Duration
	logger     log.Logger
}

func NewAggregator(backends []Backend, contentMap *ContentMap, logger log.Logger) *Aggregator {
	return &Aggregator{backends: backends, contentMap: contentMap, deadline: DefaultFindPeersDeadline, logger: logger}
}

// Start starts every backend, isolating a backend whose Start fails (a
// backend that can't even start is treated the same as one whose lookups
// always return empty — spec §4.5's failure model).
func (a *Aggregator) Start(ctx context.Context) {
	for _, b := range a.backends {
		if err := b.Start(ctx); err != nil {
			a.logger.Levelf(log.Warning, "discovery: backend %s failed to start: %v", b.Name(), err)
		}
	}
}

func (a *Aggregator) Stop() {
	for _, b := range a.backends {
		if err := b.Stop(); err != nil {
			a.logger.Levelf(log.Debug, "discovery: backend %s failed to stop: %v", b.Name(), err)
		}
	}
}

// AddContentMapping stores a local contentId<->digest binding (spec §4.6).
func (a *Aggregator) AddContentMapping(contentId identity.ContentId, digest identity.ContentDigest) error {
	return a.contentMap.Add(contentId, digest)
}

// FindPeers fans out to every backend in parallel, merges by peerId, ranks,
// and deduplicates (spec §4.6).
func (a *Aggregator) FindPeers(ctx context.Context, contentId identity.ContentId) []PeerRecord {
	ctx, cancel := context.WithTimeout(ctx, a.deadline)
	defer cancel()

	results := make([][]PeerRecord, len(a.backends))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range a.backends {
		i, b := i, b
		g.Go(func() error {
			results[i] = safeLookup(gctx, b, contentId, a.logger)
			return nil
		})
	}
	g.Wait()

	merged := map[string]PeerRecord{}
	for _, records := range results {
		for _, r := range records {
			if existing, ok := merged[r.PeerId]; ok {
				merged[r.PeerId] = Merge(existing, r)
			} else {
				merged[r.PeerId] = r
			}
		}
	}

	out := make([]PeerRecord, 0, len(merged))
	now := time.Now()
	for _, r := range merged {
		if now.Sub(r.LastSeen) > DefaultPeerRecordTTL {
			continue
		}
		out = append(out, r)
	}
	Rank(out)
	return out
}

// Announce forwards to every backend, tolerating individual failures per
// spec §4.5's failure isolation.
func (a *Aggregator) Announce(ctx context.Context, contentId identity.ContentId, port int, ttl time.Duration) {
	for _, b := range a.backends {
		if err := b.Announce(ctx, contentId, port, ttl); err != nil {
			a.logger.Levelf(log.Debug, "discovery: backend %s announce failed: %v", b.Name(), err)
		}
	}
}
