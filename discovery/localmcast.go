package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/cespare/xxhash/v2"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// DefaultMulticastGroup is the link-local group local discovery announces
// on (spec §4.5 "periodic announce datagrams on a link-local group").
const DefaultMulticastGroup = "239.192.152.143:6771"

// DefaultMulticastAnnounceInterval governs how often this node re-announces.
const DefaultMulticastAnnounceInterval = 30 * time.Second

// LocalMulticastConfidence is the fixed confidence assigned to peers
// discovered this way (spec §4.5: "marked with confidence = 0.9").
const LocalMulticastConfidence = 0.9

type multicastAnnounceMsg struct {
	PeerId    string `json:"peerId"`
	ContentId string `json:"contentId"`
	Port      int    `json:"port"`
}

// LocalMulticastBackend announces and discovers peers on the local network
// segment via UDP multicast (spec §4.5).
type LocalMulticastBackend struct {
	self  identity.PeerIdentity
	group string

	logger log.Logger

	mu       sync.Mutex
	conn     *net.UDPConn
	cancel   context.CancelFunc
	announce map[identity.ContentId]int // contentId -> port, re-sent periodically

	recordsMu sync.Mutex
	records   map[identity.ContentId]map[string]PeerRecord

	// seen is a short-lived dedup cache keyed by a non-cryptographic hash
	// of the raw datagram, so a duplicate delivery (switch flooding,
	// IGMP-snooping quirks send the same announce datagram to a host more
	// than once) doesn't re-parse and re-lock the records map for nothing.
	dedupMu sync.Mutex
	seen    map[uint64]time.Time
}

func NewLocalMulticastBackend(self identity.PeerIdentity, logger log.Logger) *LocalMulticastBackend {
	return &LocalMulticastBackend{
		self:     self,
		group:    DefaultMulticastGroup,
		logger:   logger,
		announce: map[identity.ContentId]int{},
		records:  map[identity.ContentId]map[string]PeerRecord{},
		seen:     map[uint64]time.Time{},
	}
}

func (b *LocalMulticastBackend) Name() string { return "LOCAL" }

func (b *LocalMulticastBackend) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", b.group)
	if err != nil {
		return fmt.Errorf("localmcast: resolve group: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("localmcast: listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.conn = conn
	b.cancel = cancel
	b.mu.Unlock()

	go b.readLoop(conn)
	go b.announceLoop(runCtx, addr)
	return nil
}

func (b *LocalMulticastBackend) readLoop(conn *net.UDPConn) {
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if b.isDuplicate(buf[:n]) {
			continue
		}
		var msg multicastAnnounceMsg
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			continue
		}
		if msg.PeerId == string(b.self) {
			continue
		}
		b.recordsMu.Lock()
		bucket, ok := b.records[identity.ContentId(msg.ContentId)]
		if !ok {
			bucket = map[string]PeerRecord{}
			b.records[identity.ContentId(msg.ContentId)] = bucket
		}
		bucket[msg.PeerId] = PeerRecord{
			PeerId:     msg.PeerId,
			LastSeen:   time.Now(),
			Source:     SourceLocal,
			Confidence: LocalMulticastConfidence,
		}
		b.recordsMu.Unlock()
	}
}

// isDuplicate reports whether the same datagram bytes were already seen
// within the last announce interval, evicting older entries as it goes so
// the cache never outgrows the set of recently-active announcers.
func (b *LocalMulticastBackend) isDuplicate(datagram []byte) bool {
	h := xxhash.Sum64(datagram)
	now := time.Now()

	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()
	if last, ok := b.seen[h]; ok && now.Sub(last) < DefaultMulticastAnnounceInterval {
		return true
	}
	b.seen[h] = now
	for k, t := range b.seen {
		if now.Sub(t) >= DefaultMulticastAnnounceInterval {
			delete(b.seen, k)
		}
	}
	return false
}

func (b *LocalMulticastBackend) announceLoop(ctx context.Context, addr *net.UDPAddr) {
	ticker := time.NewTicker(DefaultMulticastAnnounceInterval)
	defer ticker.Stop()
	for {
		b.sendAnnounces(addr)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *LocalMulticastBackend) sendAnnounces(addr *net.UDPAddr) {
	b.mu.Lock()
	conn := b.conn
	contents := make(map[identity.ContentId]int, len(b.announce))
	for k, v := range b.announce {
		contents[k] = v
	}
	b.mu.Unlock()
	if conn == nil {
		return
	}
	for contentId, port := range contents {
		body, err := json.Marshal(multicastAnnounceMsg{PeerId: string(b.self), ContentId: string(contentId), Port: port})
		if err != nil {
			continue
		}
		if _, err := conn.WriteToUDP(body, addr); err != nil {
			b.logger.Levelf(log.Debug, "localmcast: send failed: %v", err)
		}
	}
}

func (b *LocalMulticastBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *LocalMulticastBackend) Announce(ctx context.Context, contentId identity.ContentId, port int, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.announce[contentId] = port
	return nil
}

func (b *LocalMulticastBackend) Lookup(ctx context.Context, contentId identity.ContentId) []PeerRecord {
	b.recordsMu.Lock()
	defer b.recordsMu.Unlock()
	bucket := b.records[contentId]
	out := make([]PeerRecord, 0, len(bucket))
	for _, r := range bucket {
		out = append(out, r)
	}
	return out
}
