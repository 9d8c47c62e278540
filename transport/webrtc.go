package transport

import (
	"context"
	"fmt"

	"github.com/anacrolix/log"
	"github.com/pion/webrtc/v4"
)

// WebRTCChannel wraps a pion DataChannel established by the orchestrator's
// ICE gathering (package orchestrator, grounded on the teacher's direct
// dependency on github.com/pion/webrtc/v4). It serves as both a
// server-reflexive path (when ICE finds a host/srflx pair) and a relay path
// (when ICE can only complete via TURN), so the orchestrator picks the
// Channel wrapper based on the negotiated candidate pair type rather than
// the transport package needing to know which.
type WebRTCChannel struct {
	base
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	remote Endpoint

	inbox chan []byte
}

var _ Channel = (*WebRTCChannel)(nil)

func NewWebRTCChannel(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, remote Endpoint, logger log.Logger) *WebRTCChannel {
	c := &WebRTCChannel{
		base:   base{logger: logger},
		pc:     pc,
		dc:     dc,
		remote: remote,
		inbox:  make(chan []byte, 64),
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.isClosed() {
			return
		}
		select {
		case c.inbox <- msg.Data:
		default:
			c.logger.Levelf(log.Warning, "webrtc channel %v: inbox full, dropping frame", c.remote)
		}
	})
	dc.OnClose(func() {
		c.markClosed()
	})
	return c
}

func (c *WebRTCChannel) Remote() Endpoint { return c.remote }

func (c *WebRTCChannel) Send(ctx context.Context, f Frame) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.dc.Send(f); err != nil {
		return fmt.Errorf("webrtc channel %v: %w", c.remote, err)
	}
	return nil
}

func (c *WebRTCChannel) Recv(ctx context.Context) (Frame, error) {
	select {
	case body, ok := <-c.inbox:
		if !ok {
			return nil, ErrClosed
		}
		return Frame(body), nil
	case <-c.closedChan():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *WebRTCChannel) Close() error {
	if already := c.markClosed(); already {
		return nil
	}
	_ = c.dc.Close()
	return c.pc.Close()
}
