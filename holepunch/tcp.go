package holepunch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/sys/unix"

	"github.com/DIG-Network/dig-nat-tools/candidate"
)

// tcpListenConfig sets SO_REUSEADDR (and SO_REUSEPORT where available) so the
// same local port can both listen for a passive accept and dial outbound
// connect attempts simultaneously, the way the teacher's tcpListenConfig does
// for its dialTcpFromListenPort path (socket.go), except here it's always-on
// since TCP simultaneous-open has no other way to share the 5-tuple.
var tcpListenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			ctrlErr = setReusePortSockOpts(fd)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	},
}

func setReusePortSockOpts(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	// Best-effort: not all platforms expose SO_REUSEPORT under this name.
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	return nil
}

func setSockNoLinger(fd uintptr) error {
	return unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, &unix.Linger{Onoff: 1, Linger: 0})
}

// tcpDialer dials from the same local port the listener above is bound to,
// mirroring the teacher's dialTcpFromListenPort + LocalAddr wiring
// (socket.go) — here unconditional, since it's the whole point of
// TCP simultaneous-open.
func tcpDialer(localAddr net.Addr) *net.Dialer {
	return &net.Dialer{
		LocalAddr:     localAddr,
		FallbackDelay: -1,
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = setReusePortSockOpts(fd)
				if ctrlErr == nil {
					ctrlErr = setSockNoLinger(fd)
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
}

// DefaultTCPPunchDeadline bounds the TCP_SIMULTANEOUS strategy (spec §4.2).
const DefaultTCPPunchDeadline = 10 * time.Second

// TCPPunchAttempts is the number of predicted ports added as dial targets
// for each remote TCP candidate when a PortPredictor is supplied.
const TCPPunchAttempts = 4

// TCPPunch performs the simultaneous-open procedure from spec §4.2: bind a
// local TCP listener and simultaneously issue repeated connect attempts to
// the remote's candidate ports (extended with PortPredictor guesses when the
// remote's NAT allocates sequentially), in a window aligned by the caller's
// deadline. Success is whichever of the two completes first: a passive
// accept on the listener, or an active connect. The loser side is closed;
// TCPPunch never returns with more than one live socket.
func TCPPunch(ctx context.Context, localAddr string, remoteCandidates []candidate.Candidate, predictor *PortPredictor, deadline time.Duration, logger log.Logger) (net.Conn, error) {
	if deadline <= 0 {
		deadline = DefaultTCPPunchDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ln, err := tcpListenConfig.Listen(ctx, "tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen: %v", ErrHolePunchFailed, err)
	}

	targets := dialTargets(remoteCandidates, predictor)
	if len(targets) == 0 {
		ln.Close()
		return nil, fmt.Errorf("%w: no TCP candidates to dial", ErrHolePunchFailed)
	}

	var once sync.Once
	winner := make(chan net.Conn, 1)
	losers := make(chan net.Conn, len(targets)+1)
	done := make(chan struct{})

	declare := func(c net.Conn) bool {
		accepted := false
		once.Do(func() {
			winner <- c
			accepted = true
			close(done)
		})
		return accepted
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			if !declare(c) {
				losers <- c
			}
		}
	}()

	dialer := tcpDialer(ln.Addr())
	for _, addr := range targets {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				case <-ctx.Done():
					return
				default:
				}
				c, err := dialer.DialContext(ctx, "tcp", addr)
				if err != nil {
					logger.Levelf(log.Debug, "holepunch: dial %s: %v", addr, err)
					time.Sleep(150 * time.Millisecond)
					continue
				}
				if !declare(c) {
					losers <- c
				}
				return
			}
		}()
	}

	go func() {
		wg.Wait()
		ln.Close()
		close(losers)
		for c := range losers {
			c.Close()
		}
	}()

	select {
	case c := <-winner:
		return c, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: deadline exceeded", ErrHolePunchFailed)
	}
}

func dialTargets(remoteCandidates []candidate.Candidate, predictor *PortPredictor) []string {
	seen := map[string]bool{}
	var out []string
	add := func(host string, port int) {
		if port <= 0 || port > 65535 {
			return
		}
		addr := net.JoinHostPort(host, fmt.Sprint(port))
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	for _, c := range remoteCandidates {
		if c.Transport != candidate.TCP {
			continue
		}
		add(c.Host, c.Port)
		if predictor != nil {
			for _, p := range predictor.PredictN(TCPPunchAttempts) {
				add(c.Host, p)
			}
		}
	}
	return out
}
