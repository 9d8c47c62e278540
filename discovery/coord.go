package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DIG-Network/dig-nat-tools/identity"
	"github.com/DIG-Network/dig-nat-tools/signalling"
)

// discoveryNamespace namespaces coordination-store discovery traffic away
// from C3's ordinary per-session rendezvous queues in the same Store (spec
// §4.5: "uses the same eventually-consistent store as C3 under a discovery
// namespace").
const discoveryNamespace = "\x00discovery"

type coordRecord struct {
	PeerId    string    `json:"peerId"`
	Addresses []Address `json:"addresses"`
	Port      int       `json:"port"`
}

// CoordBackend is the fallback discovery backend when the DHT is
// unreachable (spec §4.5), built on the same signalling.Store as C3.
type CoordBackend struct {
	self  identity.PeerIdentity
	store signalling.Store

	lastSeq map[identity.ContentId]uint64
}

func NewCoordBackend(self identity.PeerIdentity, store signalling.Store) *CoordBackend {
	return &CoordBackend{self: self, store: store, lastSeq: map[identity.ContentId]uint64{}}
}

func (b *CoordBackend) Name() string { return "COORD" }

func (b *CoordBackend) Start(ctx context.Context) error { return nil }
func (b *CoordBackend) Stop() error                     { return nil }

func (b *CoordBackend) key(contentId identity.ContentId) signalling.Key {
	return signalling.Key{SessionId: discoveryNamespace, From: b.self, To: identity.PeerIdentity(contentId)}
}

func (b *CoordBackend) Announce(ctx context.Context, contentId identity.ContentId, port int, ttl time.Duration) error {
	body, err := json.Marshal(coordRecord{PeerId: string(b.self), Port: port})
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = signalling.DefaultMessageTTL
	}
	return b.store.Publish(ctx, b.key(contentId), signalling.KindCapabilities, body, ttl)
}

func (b *CoordBackend) Lookup(ctx context.Context, contentId identity.ContentId) []PeerRecord {
	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var out []PeerRecord
	for {
		msg, err := b.store.Pull(lookupCtx, b.key(contentId), b.lastSeq[contentId])
		if err != nil {
			return out
		}
		b.lastSeq[contentId] = msg.Seq
		var rec coordRecord
		if err := json.Unmarshal(msg.Body, &rec); err != nil {
			continue
		}
		out = append(out, PeerRecord{
			PeerId:     rec.PeerId,
			Addresses:  rec.Addresses,
			LastSeen:   msg.PublishedAt,
			Source:     SourceCoord,
			Confidence: 0.5,
		})
	}
}
