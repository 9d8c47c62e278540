package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"

	"github.com/DIG-Network/dig-nat-tools/version"
)

// MaxTCPFrameSize is the spec §4.1 ceiling for a single TCP frame body.
const MaxTCPFrameSize = 16 << 20

// TCPChannel frames an arbitrary net.Conn (plain TCP, or TCP obtained via
// hole punching) with a 4-byte big-endian length prefix followed by a
// version-gated body, per spec §6 wire framing.
type TCPChannel struct {
	base
	conn net.Conn

	writeMu sync.Mutex
	readMu  sync.Mutex
}

var _ Channel = (*TCPChannel)(nil)

func NewTCPChannel(conn net.Conn, logger log.Logger) *TCPChannel {
	return &TCPChannel{base: base{logger: logger}, conn: conn}
}

func (c *TCPChannel) Remote() Endpoint {
	return Endpoint{Network: "tcp", Addr: c.conn.RemoteAddr().String()}
}

func (c *TCPChannel) Send(ctx context.Context, f Frame) error {
	if c.isClosed() {
		return ErrClosed
	}
	if len(f) > MaxTCPFrameSize {
		return ErrOversizeFrame
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(f))+1)
	hdr[4] = version.WireProtocolVersion
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return c.closeWithErr(err)
	}
	if len(f) > 0 {
		if _, err := c.conn.Write(f); err != nil {
			return c.closeWithErr(err)
		}
	}
	return nil
}

func (c *TCPChannel) Recv(ctx context.Context) (Frame, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(dl)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return nil, c.closeWithErr(err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, c.closeWithErr(fmt.Errorf("%w: zero-length frame missing version byte", ErrOversizeFrame))
	}
	if n-1 > MaxTCPFrameSize {
		return nil, c.closeWithErr(ErrOversizeFrame)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, c.closeWithErr(err)
	}
	if body[0] != version.WireProtocolVersion {
		c.logger.Levelf(log.Warning, "tcp channel %v: frame with unexpected protocol version %d", c.Remote(), body[0])
	}
	return Frame(body[1:]), nil
}

func (c *TCPChannel) closeWithErr(err error) error {
	c.Close()
	if err == io.EOF {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}

func (c *TCPChannel) Close() error {
	if already := c.markClosed(); already {
		return nil
	}
	return c.conn.Close()
}
