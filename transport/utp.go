package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	utp "github.com/anacrolix/go-libutp"
	"github.com/anacrolix/log"

	"github.com/DIG-Network/dig-nat-tools/version"
)

// MaxUTPFrameSize mirrors TCPChannel's ceiling: uTP gives the same ordered,
// reliable byte-stream contract once a connection is up, so the same
// framing applies (spec §4.1).
const MaxUTPFrameSize = MaxTCPFrameSize

// UTPChannel frames a reliable, ordered uTP connection with a 4-byte
// big-endian length prefix, identically to TCPChannel (spec §4.1's wire
// framing is transport-agnostic over any ordered reliable stream). It
// exists as its own type, not a TCPChannel alias, only so Remote() reports
// "utp" rather than "tcp" for reputation/logging.
type UTPChannel struct {
	base
	conn net.Conn

	writeMu sync.Mutex
	readMu  sync.Mutex
}

var _ Channel = (*UTPChannel)(nil)

func NewUTPChannel(conn net.Conn, logger log.Logger) *UTPChannel {
	return &UTPChannel{base: base{logger: logger}, conn: conn}
}

func (c *UTPChannel) Remote() Endpoint {
	return Endpoint{Network: "utp", Addr: c.conn.RemoteAddr().String()}
}

func (c *UTPChannel) Send(ctx context.Context, f Frame) error {
	if c.isClosed() {
		return ErrClosed
	}
	if len(f) > MaxUTPFrameSize {
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

func (c *UTPChannel) Recv(ctx context.Context) (Frame, error) {
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
	if n-1 > MaxUTPFrameSize {
		return nil, c.closeWithErr(ErrOversizeFrame)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, c.closeWithErr(err)
	}
	if body[0] != version.WireProtocolVersion {
		c.logger.Levelf(log.Warning, "utp channel %v: frame with unexpected protocol version %d", c.Remote(), body[0])
	}
	return Frame(body[1:]), nil
}

func (c *UTPChannel) closeWithErr(err error) error {
	c.Close()
	if err == io.EOF {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}

func (c *UTPChannel) Close() error {
	if already := c.markClosed(); already {
		return nil
	}
	return c.conn.Close()
}

// UpgradePunchedConn rebuilds a uTP socket on top of the net.PacketConn a
// successful holepunch.UDPPunch already bound and connected, then dials the
// confirmed remote address through it (spec §4.2: "wrap the already-bound
// socket rather than closing and re-dialing" — the same rule that makes
// UDPPunch itself return a wrapped net.Conn applies here, one layer up).
// This is what upgrades the UDP_HOLEPUNCH strategy's result from an
// unreliable datagram-per-frame channel to a reliable ordered one without
// ever opening a second UDP socket against the same NAT mapping.
func UpgradePunchedConn(ctx context.Context, punched net.Conn, logger log.Logger) (*UTPChannel, error) {
	pc, ok := punched.(net.PacketConn)
	if !ok {
		return nil, fmt.Errorf("utp: punched connection does not expose its underlying PacketConn")
	}
	sock, err := utp.NewSocketFromPacketConn(pc)
	if err != nil {
		return nil, fmt.Errorf("utp: wrap punched socket: %w", err)
	}
	uconn, err := sock.DialContext(ctx, punched.RemoteAddr().String())
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("utp: dial %s: %w", punched.RemoteAddr(), err)
	}
	return NewUTPChannel(uconn, logger), nil
}
