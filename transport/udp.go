package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"

	"github.com/DIG-Network/dig-nat-tools/version"
)

// MaxUDPFrameSize is the spec §4.1 ceiling: one datagram is one frame.
const MaxUDPFrameSize = 64 << 10

// UDPChannel treats one datagram as one frame over an already-connected
// net.PacketConn (or net.Conn-like UDP socket). It is unreliable: frames may
// be lost or reordered, and the channel self-closes after IdleTimeout with
// no inbound packets (spec §4.1).
type UDPChannel struct {
	base
	conn       net.Conn // connected UDP socket: ReadFrom/WriteTo not needed
	remote     Endpoint
	idleTimout time.Duration

	readMu sync.Mutex
}

var _ Channel = (*UDPChannel)(nil)

const DefaultUDPIdleTimeout = 2 * time.Minute

func NewUDPChannel(conn net.Conn, logger log.Logger, idleTimeout time.Duration) *UDPChannel {
	if idleTimeout <= 0 {
		idleTimeout = DefaultUDPIdleTimeout
	}
	return &UDPChannel{
		base:       base{logger: logger},
		conn:       conn,
		remote:     Endpoint{Network: "udp", Addr: conn.RemoteAddr().String()},
		idleTimout: idleTimeout,
	}
}

func (c *UDPChannel) Remote() Endpoint { return c.remote }

func (c *UDPChannel) Send(ctx context.Context, f Frame) error {
	if c.isClosed() {
		return ErrClosed
	}
	if len(f) > MaxUDPFrameSize-1 {
		return ErrOversizeFrame
	}
	buf := make([]byte, len(f)+1)
	buf[0] = version.WireProtocolVersion
	copy(buf[1:], f)
	// UDP send never blocks beyond socket buffers; a write deadline here
	// only protects against a wedged kernel send queue.
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("udp channel %v: %w", c.remote, err)
	}
	return nil
}

func (c *UDPChannel) Recv(ctx context.Context) (Frame, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	deadline := time.Now().Add(c.idleTimout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	c.conn.SetReadDeadline(deadline)

	buf := make([]byte, MaxUDPFrameSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if n == 0 {
		return Frame{}, nil
	}
	if buf[0] != version.WireProtocolVersion {
		c.logger.Levelf(log.Warning, "udp channel %v: frame with unexpected protocol version %d", c.remote, buf[0])
	}
	out := make([]byte, n-1)
	copy(out, buf[1:n])
	return Frame(out), nil
}

func (c *UDPChannel) Close() error {
	if already := c.markClosed(); already {
		return nil
	}
	return c.conn.Close()
}
