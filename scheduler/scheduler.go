package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/anacrolix/log"
	"github.com/elliotchance/orderedmap"

	"github.com/DIG-Network/dig-nat-tools/chunktransfer"
	"github.com/DIG-Network/dig-nat-tools/identity"
)

// Defaults per spec §4.7/§4.8.
const (
	DefaultConcurrency      = 5
	DefaultEndgameThreshold = 5
	DefaultChunkDeadline    = 30 * time.Second
	DefaultMaxFailures      = 3
)

// ErrNoPeers is spec §7's NoPeers: every peer has been dropped before the
// download completed.
var ErrNoPeers = errors.New("scheduler: no peers remain")

// Writer is the scheduler's exclusively-owned output file (spec §5:
// "Output file: exclusively owned by the scheduler; all writes go through
// one handle"). It also implements io.ReaderAt so that on resume, the
// scheduler can read the already-present chunks' bytes back off disk and
// feed them through the OrderedHasher in chunk-index order (spec §4.7's
// resume path only restores ChunkState; the hasher has no way to know what
// those bytes were without reading them back). storage.MMapFile satisfies
// this structurally.
type Writer interface {
	WriteAt(payload []byte, off int64) (int, error)
	io.ReaderAt
}

type peerInfo struct {
	id     identity.PeerIdentity
	client *chunktransfer.Client
	// inflight preserves the order chunks were requested in (spec §4.7's
	// pipelining); dropPeer returns them to the missing set oldest-first.
	// Which chunk is requested next is still decided by pickChunk.
	inflight            *orderedmap.OrderedMap
	consecutiveFailures int
	throughput          float64 // bytes/sec, exponential moving average
	choked              bool
	bytesReceived       int64
	joinedAt            time.Time
}

type schedEvent struct {
	peer identity.PeerIdentity
	msg  any
	err  error
}

// Scheduler is the Multi-Source Scheduler (C8): single-logical-owner over
// many peer channels for one content download (spec §4.8).
type Scheduler struct {
	meta       chunktransfer.FileMetadata
	state      *ChunkState
	rarity     *RarityTracker
	rarestFirst bool

	concurrency      int
	endgameThreshold int
	chunkDeadline    time.Duration
	maxFailures      int

	reputation     chunktransfer.ReputationSink
	hasher         *chunktransfer.OrderedHasher
	output         Writer
	alreadyPresent []int32

	peers    map[identity.PeerIdentity]*peerInfo
	events   chan schedEvent
	progress chan Progress
	logger   log.Logger
}

// Options configures a Scheduler; zero values take spec defaults.
type Options struct {
	Concurrency      int
	EndgameThreshold int
	ChunkDeadline    time.Duration
	MaxFailures      int
	RarestFirst      bool
	Reputation       chunktransfer.ReputationSink
	Logger           log.Logger
	// Output, when non-nil, receives every successfully received chunk's
	// bytes (written on arrival; the whole-file digest is checked only at
	// the end) at offset chunkIndex*meta.ChunkSize (spec §4.7's "write each
	// received chunk at offset" step). A nil Output means the caller wants
	// hashing/progress only, e.g. in tests.
	Output Writer
}

// New creates a Scheduler for meta, with alreadyPresent chunk indexes
// pre-marked received (spec §4.7's resume detection).
func New(meta chunktransfer.FileMetadata, alreadyPresent []int32, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.EndgameThreshold <= 0 {
		opts.EndgameThreshold = DefaultEndgameThreshold
	}
	if opts.ChunkDeadline <= 0 {
		opts.ChunkDeadline = DefaultChunkDeadline
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.Reputation == nil {
		opts.Reputation = chunktransfer.NopReputationSink{}
	}
	return &Scheduler{
		meta:             meta,
		state:            NewChunkState(meta.TotalChunks, alreadyPresent),
		rarity:           NewRarityTracker(),
		rarestFirst:      opts.RarestFirst,
		concurrency:      opts.Concurrency,
		endgameThreshold: opts.EndgameThreshold,
		chunkDeadline:    opts.ChunkDeadline,
		maxFailures:      opts.MaxFailures,
		reputation:       opts.Reputation,
		hasher:           chunktransfer.NewOrderedHasher(meta.ContentId, meta.TotalChunks),
		output:           opts.Output,
		alreadyPresent:   alreadyPresent,
		peers:            map[identity.PeerIdentity]*peerInfo{},
		events:           make(chan schedEvent, 64),
		progress:         newProgressChan(),
		logger:           opts.Logger,
	}
}

// Progress returns the bounded, non-blocking progress feed (spec §4.8).
func (s *Scheduler) Progress() <-chan Progress { return s.progress }

// AddPeer registers a peer's channel client and starts its receive loop,
// which feeds decoded frames into the scheduler's single event queue — the
// only place peer channels are read from concurrently; all resulting state
// mutation happens on the scheduler's own goroutine (spec §4.8's
// concurrency model).
func (s *Scheduler) AddPeer(ctx context.Context, peer identity.PeerIdentity, client *chunktransfer.Client) {
	s.peers[peer] = &peerInfo{id: peer, client: client, inflight: orderedmap.NewOrderedMap(), joinedAt: time.Now()}
	go s.peerRecvLoop(ctx, peer, client)
}

func (s *Scheduler) peerRecvLoop(ctx context.Context, peer identity.PeerIdentity, client *chunktransfer.Client) {
	for {
		msg, err := client.Recv(ctx)
		select {
		case s.events <- schedEvent{peer: peer, msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Run drives the scheduler until the download completes, ctx is cancelled,
// or every peer is dropped. On success it verifies the whole-file digest
// via the OrderedHasher fed chunk-by-chunk as ChunkResp frames arrive.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.meta.TotalChunks == 0 {
		// An empty-content download completes immediately (spec §8): there's
		// nothing to request, nothing to read back, and the hasher of zero
		// chunks is already done.
		return s.hasher.Finalize(s.meta.Digest)
	}
	if err := s.feedAlreadyPresent(); err != nil {
		return err
	}
	if s.state.Done() {
		return s.hasher.Finalize(s.meta.Digest)
	}

	ticker := time.NewTicker(s.chunkDeadline / 4)
	defer ticker.Stop()

	s.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-ticker.C:
			s.checkDeadlines(ctx)
		}

		if len(s.peers) == 0 && !s.state.Done() {
			return ErrNoPeers
		}
		if s.state.Done() {
			err := s.hasher.Finalize(s.meta.Digest)
			var integrity *chunktransfer.IntegrityError
			if errors.As(err, &integrity) {
				// Every peer still connected that delivered bytes contributed
				// to the mismatching file.
				for _, pi := range s.peers {
					if pi.bytesReceived > 0 {
						s.reputation.Penalize(pi.id, "integrity mismatch")
					}
				}
			}
			return err
		}
		s.dispatch(ctx)
	}
}

// feedAlreadyPresent reads back, from the scheduler's output file, the
// bytes of every chunk ChunkState already marked received at resume time,
// and feeds them to the OrderedHasher in ascending chunk-index order (spec
// §4.7's resume path only restores which chunks are present; the hasher
// has no other way to learn what their bytes were, since they never arrive
// as a ChunkResp). alreadyPresent chunks with no output configured to read
// them back from are left unfed — Finalize will then correctly report the
// hasher incomplete rather than silently accepting an unverified resume.
func (s *Scheduler) feedAlreadyPresent() error {
	if len(s.alreadyPresent) == 0 || s.output == nil {
		return nil
	}
	sorted := append([]int32(nil), s.alreadyPresent...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, idx := range sorted {
		start := int64(idx) * int64(s.meta.ChunkSize)
		end := start + int64(s.meta.ChunkSize)
		if end > s.meta.TotalBytes {
			end = s.meta.TotalBytes
		}
		buf := make([]byte, end-start)
		if _, err := s.output.ReadAt(buf, start); err != nil {
			return fmt.Errorf("scheduler: read back resumed chunk %d: %w", idx, err)
		}
		s.hasher.Feed(idx, buf)
	}
	return nil
}

func (s *Scheduler) handleEvent(ev schedEvent) {
	pi, ok := s.peers[ev.peer]
	if !ok {
		return
	}
	if ev.err != nil {
		s.dropPeer(ev.peer, "channel closed")
		return
	}

	switch m := ev.msg.(type) {
	case chunktransfer.ChunkResp:
		pi.inflight.Delete(m.ChunkIndex)
		if m.Err != chunktransfer.RespErrNone {
			s.recordFailure(pi, m.ChunkIndex)
			return
		}
		if !s.state.IsMissing(m.ChunkIndex) {
			return // already committed by another peer (endgame race)
		}
		if s.output != nil {
			off := int64(m.ChunkIndex) * int64(s.meta.ChunkSize)
			if _, err := s.output.WriteAt(m.Payload, off); err != nil {
				s.logger.Levelf(log.Warning, "scheduler: write chunk %d: %v", m.ChunkIndex, err)
				s.recordFailure(pi, m.ChunkIndex)
				return
			}
		}
		s.hasher.Feed(m.ChunkIndex, m.Payload)
		s.state.MarkReceived(m.ChunkIndex)
		pi.consecutiveFailures = 0
		pi.bytesReceived += int64(len(m.Payload))
		if elapsed := time.Since(pi.joinedAt).Seconds(); elapsed > 0 {
			pi.throughput = float64(pi.bytesReceived) / elapsed
		}
		s.reputation.Reward(pi.id)
		s.publishProgress()
	case chunktransfer.Have:
		for _, idx := range m.ChunkIndexes {
			s.rarity.Observe(idx, 1)
		}
	case chunktransfer.Choke:
		pi.choked = true
	case chunktransfer.Unchoke:
		pi.choked = false
	}
}

func (s *Scheduler) recordFailure(pi *peerInfo, chunkIndex int32) {
	s.state.MarkFailed(chunkIndex)
	pi.consecutiveFailures++
	if pi.consecutiveFailures >= s.maxFailures {
		s.dropPeer(pi.id, fmt.Sprintf("%d consecutive failures", pi.consecutiveFailures))
	}
}

// dropPeer removes a peer per spec §4.8's retry rule ("after three
// consecutive failures the peer is dropped"), returning its inflight
// chunks to the missing set and penalizing its reputation.
func (s *Scheduler) dropPeer(peer identity.PeerIdentity, reason string) {
	pi, ok := s.peers[peer]
	if !ok {
		return
	}
	for _, key := range pi.inflight.Keys() {
		s.state.MarkFailed(key.(int32))
	}
	delete(s.peers, peer)
	s.reputation.Penalize(peer, reason)
	s.logger.Levelf(log.Debug, "scheduler: dropped peer %s: %s", peer, reason)
}

// checkDeadlines cancels and reassigns any chunk request outstanding
// longer than chunkDeadline (spec §4.7).
func (s *Scheduler) checkDeadlines(ctx context.Context) {
	for _, idx := range s.state.ExpiredInflight(s.chunkDeadline) {
		peer, _, ok := s.state.InflightFor(idx)
		if !ok {
			continue
		}
		pi, ok := s.peers[peer]
		if ok {
			pi.inflight.Delete(idx)
			_ = pi.client.SendCancel(ctx, chunktransfer.Cancel{ContentId: s.meta.ContentId, ChunkIndex: idx})
			s.recordFailure(pi, idx)
		} else {
			s.state.MarkFailed(idx)
		}
	}
}

// dispatch assigns new ChunkReq frames to idle peer slots per spec §4.8's
// assignment policy, switching to endgame mode once few chunks remain.
func (s *Scheduler) dispatch(ctx context.Context) {
	if s.state.Done() {
		return
	}
	endgame := s.state.MissingCount() <= s.endgameThreshold

	for {
		peer, ok := s.pickPeer()
		if !ok {
			return
		}
		chunkIndex, ok := s.pickChunk(peer, endgame)
		if !ok {
			return
		}
		if err := peer.client.SendChunkReq(ctx, chunktransfer.ChunkReq{ContentId: s.meta.ContentId, ChunkIndex: chunkIndex}); err != nil {
			s.dropPeer(peer.id, "send failed")
			continue
		}
		peer.inflight.Set(chunkIndex, struct{}{})
		s.state.MarkInflight(chunkIndex, peer.id)
	}
}

// pickPeer selects the peer with the fewest in-flight requests among those
// with a free slot, breaking ties by higher historical throughput (spec
// §4.8).
func (s *Scheduler) pickPeer() (*peerInfo, bool) {
	var best *peerInfo
	for _, pi := range s.peers {
		if pi.choked || pi.inflight.Len() >= s.concurrency {
			continue
		}
		if best == nil ||
			pi.inflight.Len() < best.inflight.Len() ||
			(pi.inflight.Len() == best.inflight.Len() && pi.throughput > best.throughput) {
			best = pi
		}
	}
	return best, best != nil
}

// pickChunk selects the next chunk index to request from peer: in endgame
// mode, any still-missing chunk not already requested from this peer; in
// normal mode, the rarest missing chunk (if rarest-first is enabled) or the
// lowest-index missing chunk not already in flight anywhere.
func (s *Scheduler) pickChunk(peer *peerInfo, endgame bool) (int32, bool) {
	notFromThisPeer := func(idx int32) bool {
		_, already := peer.inflight.Get(idx)
		return !already
	}

	if endgame {
		for _, idx := range s.state.MissingIndexes() {
			if notFromThisPeer(idx) {
				return idx, true
			}
		}
		return 0, false
	}

	if s.rarestFirst {
		notInflightAnywhere := func(idx int32) bool {
			_, _, inflight := s.state.InflightFor(idx)
			return !inflight && notFromThisPeer(idx)
		}
		if idx, ok := s.rarity.RarestMissing(func(idx int32) bool {
			return s.state.IsMissing(idx) && notInflightAnywhere(idx)
		}); ok {
			return idx, true
		}
	}

	for _, idx := range s.state.MissingIndexes() {
		if _, _, inflight := s.state.InflightFor(idx); !inflight && notFromThisPeer(idx) {
			return idx, true
		}
	}
	return 0, false
}

func (s *Scheduler) publishProgress() {
	var received int64
	stats := make([]PeerStat, 0, len(s.peers))
	for _, pi := range s.peers {
		received += pi.bytesReceived
		stats = append(stats, PeerStat{
			Peer:                pi.id,
			BytesReceived:       pi.bytesReceived,
			InFlight:            pi.inflight.Len(),
			ConsecutiveFailures: pi.consecutiveFailures,
		})
	}
	publishProgress(s.progress, Progress{
		ReceivedBytes: received,
		TotalBytes:    s.meta.TotalBytes,
		PerPeerStats:  stats,
	})
}
