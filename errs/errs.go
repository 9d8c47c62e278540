// Package errs defines the structured error taxonomy shared by every
// component (spec §7): transient, protocol, integrity, no-peers,
// no-strategy, cancelled, and config errors, each carrying component/peer
// context rather than being inferred from a message string.
package errs

import (
	"errors"
	"fmt"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// ErrorKind classifies a failure per the error taxonomy in spec §7. It lets
// callers distinguish recoverable per-peer/per-strategy/per-chunk failures
// from fatal ones without parsing error strings.
type ErrorKind string

const (
	KindTransient    ErrorKind = "transient"
	KindProtocol     ErrorKind = "protocol"
	KindIntegrity    ErrorKind = "integrity"
	KindNoPeers      ErrorKind = "no_peers"
	KindNoStrategy   ErrorKind = "no_strategy"
	KindCancelled    ErrorKind = "cancelled"
	KindConfigError  ErrorKind = "config"
)

// Error is the structured record propagated to callers on fatal failure,
// carrying enough context (component, peer, reason) to act on without
// re-deriving it from logs.
type Error struct {
	Kind      ErrorKind
	Component string
	Peer      identity.PeerIdentity
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s[%s] peer=%s: %s", e.Component, e.Kind, e.Peer, e.Reason)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Component, e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func New(kind ErrorKind, component, reason string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Reason: reason, Err: cause}
}

func NewPeerError(kind ErrorKind, component string, peer identity.PeerIdentity, reason string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Peer: peer, Reason: reason, Err: cause}
}

// Sentinels for errors.Is matching without inspecting a component/reason.
var (
	ErrTransient  = &Error{Kind: KindTransient}
	ErrProtocol   = &Error{Kind: KindProtocol}
	ErrIntegrity  = &Error{Kind: KindIntegrity}
	ErrNoPeers    = &Error{Kind: KindNoPeers}
	ErrNoStrategy = &Error{Kind: KindNoStrategy}
	ErrCancelled  = &Error{Kind: KindCancelled}
	ErrConfig     = &Error{Kind: KindConfigError}
)
