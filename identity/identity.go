// Package identity defines the stable scalar identifiers shared across every
// component: PeerIdentity, ContentId, and ContentDigest (spec §3).
package identity

import (
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// PeerIdentity is an opaque stable string assigned at node start (spec §3).
// Its lifetime is a single process run; it is never persisted across restarts.
type PeerIdentity string

// ContentId is an application-chosen identifier used for discovery (spec §3).
type ContentId string

// ContentDigest is a 32-byte value used for integrity verification (spec §3).
// It is produced by streaming chunk bytes through a blake3 hasher in
// chunk-index order (see chunktransfer.OrderedHasher).
type ContentDigest [32]byte

func (d ContentDigest) String() string {
	return fmt.Sprintf("%x", [32]byte(d))
}

func (d ContentDigest) IsZero() bool {
	return d == ContentDigest{}
}

// NewPeerIdentity mints a fresh random identity, encoded as a base58-wrapped
// identity multihash so it prints compactly in logs and signalling messages
// while staying self-describing about its hash function the way a
// content-addressed peer id in this ecosystem normally is.
func NewPeerIdentity() (PeerIdentity, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating random peer identity: %w", err)
	}
	mh, err := multihash.Encode(raw, multihash.IDENTITY)
	if err != nil {
		return "", fmt.Errorf("encoding peer identity multihash: %w", err)
	}
	return PeerIdentity(base58.Encode(mh)), nil
}

// MustNewPeerIdentity panics on failure; intended for tests and CLI wiring
// where the embedder has no recovery path for a broken RNG.
func MustNewPeerIdentity() PeerIdentity {
	id, err := NewPeerIdentity()
	if err != nil {
		panic(err)
	}
	return id
}
