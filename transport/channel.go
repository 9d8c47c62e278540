// Package transport implements the Channel contract (spec §3, §4.1 / C1): a
// bidirectional, frame-oriented byte stream over TCP, UDP, or a signalling
// relay, exposing send/recv/close/remote with idempotent close and a
// terminal error delivered to every blocked recv once closed.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
)

// ErrClosed is returned by Send/Recv once the channel has been closed, either
// by the local side or because the remote half-closed / went idle.
var ErrClosed = errors.New("channel closed")

// ErrOversizeFrame is returned when a frame exceeds the transport's maximum
// frame size (16 MiB for TCP, 64 KiB for UDP datagrams per spec §4.1).
var ErrOversizeFrame = errors.New("oversize frame")

// Frame is an opaque, already-encoded message body. The chunk transfer
// protocol (package chunktransfer) owns framing the tagged union into and
// out of these bytes; transport only moves bytes.
type Frame []byte

// Endpoint identifies the remote side of a Channel for logging and
// reputation bookkeeping. It may be unknown for relay channels (spec §4.1).
type Endpoint struct {
	Network string // "tcp", "udp", "relay", "webrtc"
	Addr    string // may be empty for relay
}

func (e Endpoint) String() string {
	if e.Addr == "" {
		return e.Network
	}
	return fmt.Sprintf("%s://%s", e.Network, e.Addr)
}

// Channel is the uniform bidirectional frame stream every transport variant
// and the orchestrator's strategies produce. Exclusively owned by one
// consumer at a time (spec §3); Close is idempotent.
type Channel interface {
	// Send transmits a single frame. For UDP it never blocks beyond the
	// socket's own buffering; for TCP/relay it may block on backpressure.
	Send(ctx context.Context, f Frame) error
	// Recv blocks for the next frame. Once the channel is closed, every
	// blocked and future Recv returns ErrClosed.
	Recv(ctx context.Context) (Frame, error)
	Close() error
	Remote() Endpoint
}

// base provides the idempotent-close / terminal-error machinery shared by
// every Channel implementation, mirroring the teacher's use of
// chansync.SetOnce for the equivalent "closed" flag on Peer.
type base struct {
	closed chansync.SetOnce
	logger log.Logger
}

func (b *base) markClosed() (already bool) {
	already = b.closed.IsSet()
	b.closed.Set()
	return
}

func (b *base) isClosed() bool {
	return b.closed.IsSet()
}

func (b *base) closedChan() <-chan struct{} {
	return b.closed.Done()
}
