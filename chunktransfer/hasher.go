package chunktransfer

import (
	"fmt"

	"lukechampine.com/blake3"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// IntegrityError is returned by OrderedHasher.Finalize when the streamed
// digest doesn't match the expected one (spec §4.7 / §7's IntegrityError).
type IntegrityError struct {
	ContentId identity.ContentId
	Want       identity.ContentDigest
	Got        identity.ContentDigest
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chunktransfer: integrity mismatch for %s: want %s got %s", e.ContentId, e.Want, e.Got)
}

// OrderedHasher streams chunk payloads through a blake3 hasher strictly in
// chunk-index order (spec §4.7: "the hasher requires ordered input — chunks
// arriving out of order are buffered only for hashing, not for disk I/O").
// Disk writes happen as soon as a chunk arrives, regardless of order; only
// the digest computation is serialized here.
type OrderedHasher struct {
	contentId   identity.ContentId
	totalChunks int32
	next        int32
	pending     map[int32][]byte
	h           *blake3.Hasher
	done        bool
}

func NewOrderedHasher(contentId identity.ContentId, totalChunks int32) *OrderedHasher {
	return &OrderedHasher{
		contentId:   contentId,
		totalChunks: totalChunks,
		pending:     map[int32][]byte{},
		h:           blake3.New(32, nil),
		done:        totalChunks <= 0,
	}
}

// Feed records chunkIndex's bytes for hashing, draining any now-contiguous
// run starting at the hasher's next expected index into the hash state.
// Safe to call with chunks in any arrival order; each index must be fed
// exactly once.
func (o *OrderedHasher) Feed(chunkIndex int32, payload []byte) {
	if o.done || chunkIndex < o.next {
		return
	}
	o.pending[chunkIndex] = payload
	for {
		p, ok := o.pending[o.next]
		if !ok {
			return
		}
		o.h.Write(p)
		delete(o.pending, o.next)
		o.next++
		if o.next >= o.totalChunks {
			o.done = true
			return
		}
	}
}

// Complete reports whether every chunk through totalChunks-1 has been fed
// and hashed in order.
func (o *OrderedHasher) Complete() bool {
	return o.done
}

// Sum returns the computed digest without comparing it against anything.
// Finalize is the normal entry point; Sum is exposed for callers (such as
// tests) that want the raw value.
func (o *OrderedHasher) Sum() identity.ContentDigest {
	var got identity.ContentDigest
	copy(got[:], o.h.Sum(nil))
	return got
}

// Finalize computes the final digest and compares it against want, per
// spec §4.7: "on receiving the final chunk, verify hasher.finalize() ==
// digest; on mismatch, surface IntegrityError".
func (o *OrderedHasher) Finalize(want identity.ContentDigest) error {
	if !o.done {
		return fmt.Errorf("chunktransfer: finalize called before all %d chunks hashed (at %d)", o.totalChunks, o.next)
	}
	var got identity.ContentDigest
	sum := o.h.Sum(nil)
	copy(got[:], sum)
	if got != want {
		return &IntegrityError{ContentId: o.contentId, Want: want, Got: got}
	}
	return nil
}
