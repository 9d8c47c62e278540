package signalling

import (
	"context"
	"fmt"

	"github.com/DIG-Network/dig-nat-tools/candidate"
	"github.com/DIG-Network/dig-nat-tools/identity"
)

// Capabilities is the first message type exchanged over C3 (spec §4.3.1):
// a peer's candidate list, transport preference and protocol version.
type Capabilities struct {
	Candidates       []candidate.Candidate
	PreferTransport  candidate.Transport
	AnyTransport     bool
	ProtocolVersion  byte
}

// ProbeAck confirms a successful hole-punch attempt (spec §4.3.3) so the
// other side can stop retransmitting probes for that candidate pair.
type ProbeAck struct {
	CandidateHost string
	CandidatePort int
}

// Session is a bound view of a Store for one (sessionId, local, remote)
// triple: it tracks the last-consumed sequence number per direction so
// repeated Recv calls don't redeliver a message, satisfying spec §4.3's
// "duplicates must be idempotent on the consumer" from the consumer side.
type Session struct {
	store  Store
	id     string
	local  identity.PeerIdentity
	remote identity.PeerIdentity

	lastRecvSeq uint64
}

func NewSession(store Store, sessionId string, local, remote identity.PeerIdentity) *Session {
	return &Session{store: store, id: sessionId, local: local, remote: remote}
}

func (s *Session) outKey() Key { return Key{SessionId: s.id, From: s.local, To: s.remote} }
func (s *Session) inKey() Key  { return Key{SessionId: s.id, From: s.remote, To: s.local} }

func (s *Session) SendCapabilities(ctx context.Context, caps Capabilities) error {
	body, err := encodeJSON(caps)
	if err != nil {
		return err
	}
	return s.store.Publish(ctx, s.outKey(), KindCapabilities, body, DefaultMessageTTL)
}

func (s *Session) SendOffer(ctx context.Context, sdp []byte) error {
	return s.store.Publish(ctx, s.outKey(), KindOffer, sdp, DefaultMessageTTL)
}

func (s *Session) SendAnswer(ctx context.Context, sdp []byte) error {
	return s.store.Publish(ctx, s.outKey(), KindAnswer, sdp, DefaultMessageTTL)
}

func (s *Session) SendProbeAck(ctx context.Context, ack ProbeAck) error {
	body, err := encodeJSON(ack)
	if err != nil {
		return err
	}
	return s.store.Publish(ctx, s.outKey(), KindProbeAck, body, DefaultMessageTTL)
}

// Recv blocks for the next message from the remote peer, decoded per its
// Kind. The caller type-switches on the returned value.
func (s *Session) Recv(ctx context.Context) (any, error) {
	msg, err := s.store.Pull(ctx, s.inKey(), s.lastRecvSeq)
	if err != nil {
		return nil, err
	}
	s.lastRecvSeq = msg.Seq

	switch msg.Kind {
	case KindCapabilities:
		var caps Capabilities
		if err := decodeJSON(msg.Body, &caps); err != nil {
			return nil, fmt.Errorf("signalling: decode capabilities: %w", err)
		}
		return caps, nil
	case KindOffer:
		return OfferSDP(msg.Body), nil
	case KindAnswer:
		return AnswerSDP(msg.Body), nil
	case KindProbeAck:
		var ack ProbeAck
		if err := decodeJSON(msg.Body, &ack); err != nil {
			return nil, fmt.Errorf("signalling: decode probe ack: %w", err)
		}
		return ack, nil
	default:
		return nil, fmt.Errorf("signalling: unknown message kind %d", msg.Kind)
	}
}

// OfferSDP and AnswerSDP wrap the opaque WebRTC-like offer/answer blobs
// (spec §4.3.2) so Recv's type switch can distinguish them from a raw
// ProbeAck body.
type OfferSDP []byte
type AnswerSDP []byte
