package discovery

import (
	"context"
	"crypto/sha1"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// DHTAlpha and DHTBucketSize are the Kademlia parallelism/bucket-size
// constants from spec §4.5.
const (
	DHTAlpha      = 3
	DHTBucketSize = 8
)

// ShardConfig configures the optional shard-prefix restriction a node may
// declare (spec §4.5: "a node may declare a set of hex prefixes... MAY be
// chosen randomly at start with configurable count and length").
type ShardConfig struct {
	Prefixes       []string
	RandomCount    int
	RandomLength   int
}

// RandomPrefixes picks cfg.RandomCount random hex prefixes of
// cfg.RandomLength characters each, for a node that wants to shard its
// DHT answering surface without a fixed assignment.
func RandomPrefixes(cfg ShardConfig) []string {
	if len(cfg.Prefixes) > 0 {
		return cfg.Prefixes
	}
	if cfg.RandomCount <= 0 || cfg.RandomLength <= 0 {
		return nil
	}
	const hexDigits = "0123456789abcdef"
	out := make([]string, cfg.RandomCount)
	for i := range out {
		b := make([]byte, cfg.RandomLength)
		for j := range b {
			b[j] = hexDigits[rand.Intn(len(hexDigits))]
		}
		out[i] = string(b)
	}
	return out
}

func matchesShardPrefix(prefixes []string, key string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if len(key) >= len(p) && key[:len(p)] == p {
			return true
		}
	}
	return false
}

// DHTBackend is the Kademlia-style discovery backend (spec §4.5), keyed on
// a 160-bit identifier derived from the content id, built directly on
// github.com/anacrolix/dht/v2 — the teacher's direct dependency for the
// same purpose in BitTorrent infohash discovery.
type DHTBackend struct {
	shardPrefixes []string
	hopTimeout    time.Duration
	logger        log.Logger

	mu     sync.Mutex
	server *dht.Server
}

const DefaultDHTHopTimeout = 5 * time.Second

func NewDHTBackend(shard ShardConfig, logger log.Logger) *DHTBackend {
	return &DHTBackend{
		shardPrefixes: RandomPrefixes(shard),
		hopTimeout:    DefaultDHTHopTimeout,
		logger:        logger,
	}
}

func (b *DHTBackend) Name() string { return "DHT" }

func (b *DHTBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server != nil {
		return nil
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return fmt.Errorf("dht: listen: %w", err)
	}
	cfg := dht.NewDefaultServerConfig()
	cfg.Conn = conn
	cfg.Logger = b.logger
	server, err := dht.NewServer(cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("dht: new server: %w", err)
	}
	b.server = server
	return nil
}

func (b *DHTBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server == nil {
		return nil
	}
	b.server.Close()
	b.server = nil
	return nil
}

// contentKey derives the spec §4.5 160-bit DHT key from a contentId.
func contentKey(contentId identity.ContentId) [20]byte {
	return sha1.Sum([]byte(contentId))
}

func (b *DHTBackend) Announce(ctx context.Context, contentId identity.ContentId, port int, ttl time.Duration) error {
	b.mu.Lock()
	server := b.server
	b.mu.Unlock()
	if server == nil {
		return fmt.Errorf("dht: backend not started")
	}
	key := contentKey(contentId)
	if !matchesShardPrefix(b.shardPrefixes, fmt.Sprintf("%x", key)) {
		return nil
	}
	ann, err := server.Announce(key, port, true)
	if err != nil {
		return fmt.Errorf("dht: announce: %w", err)
	}
	go func() {
		<-ctx.Done()
		ann.Close()
	}()
	return nil
}

func (b *DHTBackend) Lookup(ctx context.Context, contentId identity.ContentId) []PeerRecord {
	b.mu.Lock()
	server := b.server
	b.mu.Unlock()
	if server == nil {
		return nil
	}
	key := contentKey(contentId)
	if !matchesShardPrefix(b.shardPrefixes, fmt.Sprintf("%x", key)) {
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, b.hopTimeout)
	defer cancel()

	ann, err := server.Announce(key, 0, false)
	if err != nil {
		b.logger.Levelf(log.Debug, "dht: lookup announce failed: %v", err)
		return nil
	}
	defer ann.Close()

	var out []PeerRecord
	for {
		select {
		case v, ok := <-ann.Peers:
			if !ok {
				return out
			}
			for _, p := range v.Peers {
				out = append(out, PeerRecord{
					PeerId:     p.String(),
					Addresses:  []Address{{Family: addressFamily(p.IP), Host: p.IP.String(), Port: p.Port}},
					LastSeen:   time.Now(),
					Source:     SourceDHT,
					Confidence: 0.7,
				})
			}
		case <-lookupCtx.Done():
			return out
		}
	}
}
