package chunktransfer

import "github.com/DIG-Network/dig-nat-tools/identity"

// ReputationSink receives reputation adjustments from the client algorithm
// (spec §4.7: "mark all contributing peers with a reputation decrement" on
// an integrity mismatch). The scheduler (C8) calls it: Reward for each
// chunk received, Penalize when it drops a peer and, on an integrity
// mismatch, for every connected peer that delivered bytes.
type ReputationSink interface {
	Penalize(peer identity.PeerIdentity, reason string)
	Reward(peer identity.PeerIdentity)
}

// NopReputationSink discards every signal; used by callers (tests, simple
// single-peer downloads) that don't track peer reputation.
type NopReputationSink struct{}

func (NopReputationSink) Penalize(identity.PeerIdentity, string) {}
func (NopReputationSink) Reward(identity.PeerIdentity)           {}
