// Package choke implements the Choke Controller (C9, spec §4.9): a
// timer-driven upload-slot allocator with optimistic unchoke and an
// optional super-seed mode, executed on the serving side.
package choke

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// DefaultInterval is spec §4.9's T: "every T seconds (default 10s)".
const DefaultInterval = 10 * time.Second

// DefaultMaxUnchoked is spec §4.9's K (default 4); the top K-1 peers by
// bytesServed are unchoked, plus one optimistic slot.
const DefaultMaxUnchoked = 4

type peerRecord struct {
	bytesServedWindow int64
	everServed        bool
	reuploaded        bool
	choked            bool
}

// Controller is the Choke Controller for a node's upload side: choke state
// is kept per peer, across all the content the node serves. A Controller
// instance runs one choke-timer goroutine (spec §5: "choke state is mutated
// only by the choke-timer task; readers take a snapshot"); AddPeer,
// RemovePeer, RecordServed and IsChoked synchronize internally and are safe
// to call from other goroutines.
type Controller struct {
	mu          sync.Mutex
	interval    time.Duration
	maxUnchoked int
	superSeed   bool
	rng         *rand.Rand
	logger      log.Logger

	peers map[identity.PeerIdentity]*peerRecord

	superSeedRotation  int
	lastRotation       time.Time

	cancel context.CancelFunc
	done   chan struct{}

	unchokedGauge prometheus.Gauge
	cycles        prometheus.Counter
}

// Options configures a Controller; zero values take spec defaults.
type Options struct {
	Interval    time.Duration
	MaxUnchoked int
	SuperSeed   bool
	Logger      log.Logger
	Registerer  prometheus.Registerer
}

func New(opts Options) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxUnchoked <= 0 {
		opts.MaxUnchoked = DefaultMaxUnchoked
	}
	c := &Controller{
		interval:    opts.Interval,
		maxUnchoked: opts.MaxUnchoked,
		superSeed:   opts.SuperSeed,
		rng:         rand.New(rand.NewSource(1)),
		logger:      opts.Logger,
		peers:       map[identity.PeerIdentity]*peerRecord{},
		unchokedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dignat",
			Subsystem: "choke",
			Name:      "unchoked_peers",
			Help:      "Number of peers currently unchoked by the choke controller.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dignat",
			Subsystem: "choke",
			Name:      "cycles_total",
			Help:      "Number of choke-timer cycles run.",
		}),
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(c.unchokedGauge, c.cycles)
	}
	return c
}

// AddPeer registers a peer as initially choked (spec §4.9's default state
// before its first ranking cycle).
func (c *Controller) AddPeer(peer identity.PeerIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peers[peer]; !ok {
		c.peers[peer] = &peerRecord{choked: true}
	}
}

func (c *Controller) RemovePeer(peer identity.PeerIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, peer)
}

// RecordServed is the contribution event spec §4.9 references: called
// every time the server (C7) actually serves a chunk to peer.
func (c *Controller) RecordServed(peer identity.PeerIdentity, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.peers[peer]
	if !ok {
		pr = &peerRecord{}
		c.peers[peer] = pr
	}
	if pr.everServed {
		pr.reuploaded = true
	}
	pr.everServed = true
	pr.bytesServedWindow += int64(n)

	if c.superSeed && time.Since(c.lastRotation) >= c.interval {
		c.rotateSuperSeedLocked()
	}
}

// IsChoked satisfies chunktransfer.ChokeQuery structurally.
func (c *Controller) IsChoked(peer identity.PeerIdentity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.peers[peer]
	if !ok {
		return true
	}
	return pr.choked
}

// Start runs the choke-timer loop until ctx is cancelled or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.tick()
			}
		}
	}()
}

func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// tick runs one ranking cycle (spec §4.9 steps 1-4), or rotateSuperSeed if
// super-seed mode is enabled.
func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cycles.Inc()
	if c.superSeed {
		c.rotateSuperSeedLocked()
		return
	}

	ids := make([]identity.PeerIdentity, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return c.peers[ids[i]].bytesServedWindow > c.peers[ids[j]].bytesServedWindow
	})

	unchokeSlots := c.maxUnchoked - 1
	if unchokeSlots < 0 {
		unchokeSlots = 0
	}

	newlyUnchoked := map[identity.PeerIdentity]bool{}
	for i, id := range ids {
		if i < unchokeSlots {
			newlyUnchoked[id] = true
		}
	}

	var chokedIds []identity.PeerIdentity
	for _, id := range ids {
		if !newlyUnchoked[id] {
			chokedIds = append(chokedIds, id)
		}
	}
	if len(chokedIds) > 0 {
		optimistic := chokedIds[c.rng.Intn(len(chokedIds))]
		newlyUnchoked[optimistic] = true
	}

	for id, pr := range c.peers {
		pr.choked = !newlyUnchoked[id]
		pr.bytesServedWindow = 0
	}
	c.unchokedGauge.Set(float64(len(newlyUnchoked)))
}

// rotateSuperSeedLocked implements spec §4.9's super-seed mode: half the
// slots go to never-served peers, the other half to peers that have
// already re-uploaded at least once, rotating the starting offset each
// call so every peer eventually receives a distinct subset first. Caller
// must hold c.mu.
func (c *Controller) rotateSuperSeedLocked() {
	c.lastRotation = time.Now()

	var neverServed, reuploaded []identity.PeerIdentity
	for id, pr := range c.peers {
		switch {
		case !pr.everServed:
			neverServed = append(neverServed, id)
		case pr.reuploaded:
			reuploaded = append(reuploaded, id)
		}
	}
	sort.Slice(neverServed, func(i, j int) bool { return neverServed[i] < neverServed[j] })
	sort.Slice(reuploaded, func(i, j int) bool { return reuploaded[i] < reuploaded[j] })

	half := c.maxUnchoked / 2
	unchoked := map[identity.PeerIdentity]bool{}
	takeRotated(neverServed, half, c.superSeedRotation, unchoked)
	takeRotated(reuploaded, c.maxUnchoked-half, c.superSeedRotation, unchoked)

	for id, pr := range c.peers {
		pr.choked = !unchoked[id]
	}
	c.superSeedRotation++
	c.unchokedGauge.Set(float64(len(unchoked)))
}

// takeRotated marks up to n entries of ids as chosen in out, starting from
// offset%len(ids) and wrapping, so each call advances which subset is
// picked.
func takeRotated(ids []identity.PeerIdentity, n int, offset int, out map[identity.PeerIdentity]bool) {
	if len(ids) == 0 || n <= 0 {
		return
	}
	start := offset % len(ids)
	for i := 0; i < n && i < len(ids); i++ {
		out[ids[(start+i)%len(ids)]] = true
	}
}
