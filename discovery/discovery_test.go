package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

type fakeBackend struct {
	name    string
	records []PeerRecord
	fail    bool
}

func (f *fakeBackend) Name() string                        { return f.name }
func (f *fakeBackend) Start(ctx context.Context) error      { return nil }
func (f *fakeBackend) Stop() error                          { return nil }
func (f *fakeBackend) Announce(ctx context.Context, _ identity.ContentId, _ int, _ time.Duration) error {
	return nil
}
func (f *fakeBackend) Lookup(ctx context.Context, _ identity.ContentId) []PeerRecord {
	if f.fail {
		panic("backend exploded")
	}
	return f.records
}

func TestAggregatorMergesAcrossBackends(t *testing.T) {
	now := time.Now()
	a := &fakeBackend{name: "a", records: []PeerRecord{
		{PeerId: "p1", LastSeen: now, Source: SourceDHT, Confidence: 0.5, Addresses: []Address{{Family: "ip4", Host: "1.1.1.1", Port: 1}}},
	}}
	b := &fakeBackend{name: "b", records: []PeerRecord{
		{PeerId: "p1", LastSeen: now.Add(time.Minute), Source: SourceLocal, Confidence: 0.9, Addresses: []Address{{Family: "ip4", Host: "2.2.2.2", Port: 2}}},
		{PeerId: "p2", LastSeen: now, Source: SourcePEX, Confidence: 0.1},
	}}

	agg := NewAggregator([]Backend{a, b}, NewContentMap(), log.Default)
	records := agg.FindPeers(context.Background(), "content-1")

	require.Len(t, records, 2)
	require.Equal(t, "p1", records[0].PeerId) // higher confidence ranks first
	require.Len(t, records[0].Addresses, 2)   // addresses set-unioned
	require.Equal(t, 0.9, records[0].Confidence)
}

func TestAggregatorIsolatesPanickingBackend(t *testing.T) {
	good := &fakeBackend{name: "good", records: []PeerRecord{{PeerId: "p1", Confidence: 1, LastSeen: time.Now()}}}
	bad := &fakeBackend{name: "bad", fail: true}

	agg := NewAggregator([]Backend{good, bad}, NewContentMap(), log.Default)
	records := agg.FindPeers(context.Background(), "content-1")
	require.Len(t, records, 1)
}

func TestContentMapOneToOne(t *testing.T) {
	cm := NewContentMap()
	require.NoError(t, cm.Add("content-1", identity.ContentDigest{1, 2, 3}))
	require.NoError(t, cm.Add("content-1", identity.ContentDigest{1, 2, 3})) // idempotent
	require.Error(t, cm.Add("content-1", identity.ContentDigest{9, 9, 9}))

	digest, ok := cm.DigestFor("content-1")
	require.True(t, ok)
	require.Equal(t, identity.ContentDigest{1, 2, 3}, digest)
}

func TestPEXBackendRateLimitsAndCaps(t *testing.T) {
	pex := NewPEXBackend()
	many := make([]PeerRecord, 60)
	for i := range many {
		many[i] = PeerRecord{PeerId: string(rune('a' + i%26))}
	}
	pex.Ingest("remote1", "content-1", many)
	out := pex.Lookup(context.Background(), "content-1")
	require.LessOrEqual(t, len(out), PEXMaxPeersPerMessage)

	pex.Ingest("remote1", "content-1", []PeerRecord{{PeerId: "zzz"}})
	out2 := pex.Lookup(context.Background(), "content-1")
	require.Equal(t, len(out), len(out2)) // second burst dropped by rate limit
}
