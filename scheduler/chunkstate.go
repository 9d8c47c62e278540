// Package scheduler implements the Multi-Source Scheduler (C8, spec §4.8):
// a single-logical-owner task that pulls chunk responses from many peer
// channels, maintains ChunkState, and dispatches new chunk requests per the
// assignment policy, endgame mode, and retry rules.
package scheduler

import (
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// inflightRequest tracks one outstanding ChunkReq (spec §4.8's per-chunk
// deadline and reassignment path).
type inflightRequest struct {
	peer     identity.PeerIdentity
	sentAt   time.Time
	attempts int
}

// ChunkState is spec §3's ChunkState value: created at download start,
// destroyed on success, fatal error, or cancellation. Exclusively mutated
// by the scheduler's single owning goroutine (spec §5's resource policy);
// it carries no internal locking.
type ChunkState struct {
	totalChunks int32
	received    roaring.Bitmap
	missing     roaring.Bitmap
	inflight    map[int32]*inflightRequest
}

// NewChunkState seeds a ChunkState for a download of totalChunks chunks,
// with alreadyPresent marked received up front (spec §4.7's resume path:
// "compute the set of already-present chunks").
func NewChunkState(totalChunks int32, alreadyPresent []int32) *ChunkState {
	cs := &ChunkState{totalChunks: totalChunks, inflight: map[int32]*inflightRequest{}}
	for i := int32(0); i < totalChunks; i++ {
		cs.missing.Add(uint32(i))
	}
	for _, idx := range alreadyPresent {
		cs.received.Add(uint32(idx))
		cs.missing.Remove(uint32(idx))
	}
	return cs
}

func (cs *ChunkState) TotalChunks() int32 { return cs.totalChunks }

func (cs *ChunkState) MissingCount() int { return int(cs.missing.GetCardinality()) }

func (cs *ChunkState) ReceivedCount() int { return int(cs.received.GetCardinality()) }

func (cs *ChunkState) Done() bool { return cs.missing.IsEmpty() }

// MissingIndexes returns the current missing set, ascending by chunk index.
func (cs *ChunkState) MissingIndexes() []int32 {
	out := make([]int32, 0, cs.missing.GetCardinality())
	it := cs.missing.Iterator()
	for it.HasNext() {
		out = append(out, int32(it.Next()))
	}
	return out
}

// IsMissing reports whether chunkIndex still needs to be fetched.
func (cs *ChunkState) IsMissing(chunkIndex int32) bool {
	return cs.missing.Contains(uint32(chunkIndex))
}

// MarkInflight records that peer has an outstanding request for chunkIndex.
// A chunk may have more than one inflight request at once only in endgame
// mode (spec §4.8: "request each missing chunk from every idle peer").
func (cs *ChunkState) MarkInflight(chunkIndex int32, peer identity.PeerIdentity) {
	if req, ok := cs.inflight[chunkIndex]; ok && req.peer == peer {
		req.sentAt = time.Now()
		req.attempts++
		return
	}
	cs.inflight[chunkIndex] = &inflightRequest{peer: peer, sentAt: time.Now(), attempts: 1}
}

// MarkReceived commits chunkIndex to the received set and clears its
// inflight bookkeeping (spec §8's invariant: exactly one ChunkResp is
// committed per index).
func (cs *ChunkState) MarkReceived(chunkIndex int32) {
	cs.missing.Remove(uint32(chunkIndex))
	cs.received.Add(uint32(chunkIndex))
	delete(cs.inflight, chunkIndex)
}

// MarkFailed returns chunkIndex to the missing set after a peer error or
// deadline (spec §4.8's retry rule), clearing its inflight entry.
func (cs *ChunkState) MarkFailed(chunkIndex int32) {
	if !cs.received.Contains(uint32(chunkIndex)) {
		cs.missing.Add(uint32(chunkIndex))
	}
	delete(cs.inflight, chunkIndex)
}

// InflightFor reports the peer and age of chunkIndex's outstanding
// request, if any.
func (cs *ChunkState) InflightFor(chunkIndex int32) (peer identity.PeerIdentity, age time.Duration, ok bool) {
	req, ok := cs.inflight[chunkIndex]
	if !ok {
		return "", 0, false
	}
	return req.peer, time.Since(req.sentAt), true
}

// ExpiredInflight returns chunk indexes whose inflight request has been
// outstanding longer than deadline (spec §4.7: "a per-chunk deadline
// (default 30s) triggers Cancel and reassignment").
func (cs *ChunkState) ExpiredInflight(deadline time.Duration) []int32 {
	var out []int32
	now := time.Now()
	for idx, req := range cs.inflight {
		if now.Sub(req.sentAt) >= deadline {
			out = append(out, idx)
		}
	}
	return out
}

func (cs *ChunkState) String() string {
	return fmt.Sprintf("ChunkState{received=%d missing=%d inflight=%d total=%d}",
		cs.ReceivedCount(), cs.MissingCount(), len(cs.inflight), cs.totalChunks)
}
