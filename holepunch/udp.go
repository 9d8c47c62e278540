// Package holepunch implements the UDP and TCP simultaneous-open procedures
// (spec §4.2 / C2) the orchestrator's UDP_HOLEPUNCH and TCP_SIMULTANEOUS
// strategies drive: coordinated outbound probes from both peers through
// their NATs until either side observes the other's probe, or a deadline
// expires.
package holepunch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/log"

	"github.com/DIG-Network/dig-nat-tools/candidate"
)

// ErrHolePunchFailed is returned when no live path was established before the
// per-strategy deadline (spec §4.2, the HolePunchFailed failure mode).
var ErrHolePunchFailed = errors.New("hole punch failed")

// UDPProbeMagic prefixes every probe packet so a reader can tell a punch
// probe apart from an ordinary framed message arriving early on the same
// socket before the Channel wrapper takes over.
var UDPProbeMagic = [4]byte{'d', 'n', 'p', 'u'}

// UDPBackoff is the probe retransmission schedule from spec §4.2: 50ms,
// 100ms, 200ms, ... capped, repeating until the deadline.
var UDPBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
	1600 * time.Millisecond,
	3 * time.Second,
}

const DefaultUDPPunchDeadline = 8 * time.Second

// UDPPunch performs the simultaneous-send procedure from a single already-bound
// local UDP socket against every candidate of the remote peer, returning a
// connected net.Conn as soon as a probe from the remote is observed on the
// socket. The caller is responsible for closing every other probe socket it
// opened for competing strategies/candidates; UDPPunch itself never leaks a
// socket on failure — it closes pc before returning a non-nil error.
func UDPPunch(ctx context.Context, pc net.PacketConn, remoteCandidates []candidate.Candidate, deadline time.Duration, logger log.Logger) (net.Conn, error) {
	if deadline <= 0 {
		deadline = DefaultUDPPunchDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	targets := make([]*net.UDPAddr, 0, len(remoteCandidates))
	for _, c := range remoteCandidates {
		if c.Transport != candidate.UDP {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", c.Addr())
		if err != nil {
			logger.Levelf(log.Debug, "holepunch: skipping unresolvable candidate %v: %v", c, err)
			continue
		}
		targets = append(targets, addr)
	}
	if len(targets) == 0 {
		pc.Close()
		return nil, fmt.Errorf("%w: no UDP candidates to probe", ErrHolePunchFailed)
	}

	recvErr := make(chan error, 1)
	recvAddr := make(chan net.Addr, 1)
	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				recvErr <- err
				return
			}
			if n >= len(UDPProbeMagic) && string(buf[:len(UDPProbeMagic)]) == string(UDPProbeMagic[:]) {
				recvAddr <- addr
				return
			}
			// Non-probe traffic arriving before the punch completes is
			// ignored here; the Channel wrapper takes over the socket only
			// after UDPPunch returns.
		}
	}()

	sendTicker := time.NewTicker(UDPBackoff[0])
	defer sendTicker.Stop()
	backoffIdx := 0
	sendProbes := func() {
		for _, t := range targets {
			pc.WriteTo(UDPProbeMagic[:], t)
		}
	}
	sendProbes()

	for {
		select {
		case addr := <-recvAddr:
			// Wrap the already-bound socket rather than closing and
			// re-dialing: re-dialing would race another process for the
			// just-freed port and briefly violate "exactly one socket live,
			// all probe sockets closed" (spec §4.2, §8 invariant 5).
			return &connectedPacketConn{PacketConn: pc, remote: addr}, nil
		case err := <-recvErr:
			pc.Close()
			return nil, fmt.Errorf("%w: %v", ErrHolePunchFailed, err)
		case <-sendTicker.C:
			if backoffIdx < len(UDPBackoff)-1 {
				backoffIdx++
				sendTicker.Reset(UDPBackoff[backoffIdx])
			}
			sendProbes()
		case <-ctx.Done():
			pc.Close()
			return nil, fmt.Errorf("%w: deadline exceeded", ErrHolePunchFailed)
		}
	}
}

// connectedPacketConn adapts a net.PacketConn with a fixed peer address into
// a net.Conn, since UDPPunch's socket was opened unconnected to allow
// probing multiple candidates before one succeeds.
type connectedPacketConn struct {
	net.PacketConn
	remote net.Addr
}

func (c *connectedPacketConn) Read(b []byte) (int, error) {
	for {
		n, addr, err := c.PacketConn.ReadFrom(b)
		if err != nil {
			return n, err
		}
		if addr.String() == c.remote.String() {
			return n, nil
		}
		// Datagram from a candidate we didn't settle on; drop and keep reading.
	}
}

func (c *connectedPacketConn) Write(b []byte) (int, error) {
	return c.PacketConn.WriteTo(b, c.remote)
}

func (c *connectedPacketConn) RemoteAddr() net.Addr { return c.remote }
