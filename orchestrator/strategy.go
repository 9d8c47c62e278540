package orchestrator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/log"

	"github.com/DIG-Network/dig-nat-tools/candidate"
	"github.com/DIG-Network/dig-nat-tools/holepunch"
	"github.com/DIG-Network/dig-nat-tools/identity"
	"github.com/DIG-Network/dig-nat-tools/internal/dialer"
	"github.com/DIG-Network/dig-nat-tools/natmap"
	"github.com/DIG-Network/dig-nat-tools/signalling"
	"github.com/DIG-Network/dig-nat-tools/transport"
)

const (
	directStrategyTimeout = 5 * time.Second
	upnpStrategyTimeout   = 6 * time.Second
)

// directStrategy attempts a plain connect to every advertised remote
// candidate pair, TCP then UDP, racing IPv4/IPv6 via happy-eyeballs (spec
// §4.4: "DIRECT: connect to each advertised candidate pair, TCP then UDP,
// IPv6 first if preferred").
func directStrategy(ctx context.Context, gathered GatherResult, opts Options, logger log.Logger) (transport.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, directStrategyTimeout)
	defer cancel()

	for _, tr := range transportPriority(opts) {
		addrs := candidateAddrs(gathered.Remote, tr)
		if len(addrs) == 0 {
			continue
		}
		addrs = sortAddrsByFamily(addrs, opts.preferIPv6())

		d := dialer.WithNetwork{Network: trNetwork(tr), Dialer: &net.Dialer{}}
		conn, err := raceDial(ctx, addrs, func(ctx context.Context, addr string) (net.Conn, error) {
			return d.Dial(ctx, addr)
		})
		if err != nil {
			logger.Levelf(log.Debug, "direct: %s candidates exhausted: %v", tr, err)
			continue
		}
		return wrapConn(conn, tr, logger), nil
	}
	return nil, fmt.Errorf("direct: no candidate pair connected")
}

// upnpStrategy opens a UPnP/NAT-PMP mapping for our local listen port, then
// attempts a direct connect using the externalized candidate it yields
// (spec §4.4 UPNP_NATPMP).
func upnpStrategy(ctx context.Context, gathered GatherResult, opts Options, logger log.Logger) (transport.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, upnpStrategyTimeout)
	defer cancel()

	localPort := localListenPort(gathered.Local, candidate.TCP)
	if localPort == 0 {
		return nil, fmt.Errorf("upnp: no local TCP listen candidate to map")
	}

	mapper, mapping, err := natmap.Open(ctx, natmap.Protocol("TCP"), localPort, 3*time.Second, logger)
	if err != nil {
		return nil, fmt.Errorf("upnp: %w", err)
	}

	addr := net.JoinHostPort(mapping.ExternalIP.String(), fmt.Sprint(mapping.ExternalPort))
	conn, err := dialer.Default.Dial(ctx, addr)
	if err != nil {
		mapper.Close()
		return nil, fmt.Errorf("upnp: connect via mapped port: %w", err)
	}
	return wrapConn(conn, candidate.TCP, logger), nil
}

// udpHolepunchStrategy races UDP simultaneous-send probes against the
// remote's advertised UDP candidates (spec §4.2/§4.4 UDP_HOLEPUNCH), then
// upgrades the punched path to a reliable ordered uTP stream (spec §2's C1
// UDP channel entry) rather than handing back a bare unreliable datagram
// channel. If the uTP handshake itself fails — the NAT mapping can still
// punch a raw datagram through while dropping the extra uTP SYN — the
// unreliable UDPChannel is used as a fallback so the strategy doesn't fail
// outright on a partially-working path.
func udpHolepunchStrategy(ctx context.Context, gathered GatherResult, opts Options, logger log.Logger) (transport.Channel, error) {
	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("udp_holepunch: %w", err)
	}
	conn, err := holepunch.UDPPunch(ctx, pc, gathered.Remote, holepunch.DefaultUDPPunchDeadline, logger)
	if err != nil {
		return nil, fmt.Errorf("udp_holepunch: %w", err)
	}
	if ch, err := transport.UpgradePunchedConn(ctx, conn, logger); err == nil {
		return ch, nil
	} else {
		logger.Levelf(log.Debug, "udp_holepunch: utp upgrade failed, falling back to unreliable datagram channel: %v", err)
	}
	return wrapConn(conn, candidate.UDP, logger), nil
}

// tcpSimultaneousStrategy races predictive TCP simultaneous-open against
// the remote's advertised TCP candidates (spec §4.2/§4.4 TCP_SIMULTANEOUS).
func tcpSimultaneousStrategy(ctx context.Context, gathered GatherResult, opts Options, logger log.Logger) (transport.Channel, error) {
	localPort := localListenPort(gathered.Local, candidate.TCP)
	localAddr := fmt.Sprintf(":%d", localPort)

	conn, err := holepunch.TCPPunch(ctx, localAddr, gathered.Remote, nil, holepunch.DefaultTCPPunchDeadline, logger)
	if err != nil {
		return nil, fmt.Errorf("tcp_simultaneous: %w", err)
	}
	return wrapConn(conn, candidate.TCP, logger), nil
}

// relayStrategy is the strategy of last resort (spec §4.4 RELAY). When a
// signalling session and TURN servers are available it first tries a full
// ICE negotiation, which will itself settle on a TURN relay candidate pair
// if no better path exists; if that fails or isn't configured, it falls
// back to carrying frames as opaque blobs through the coordination store
// directly (spec §4.1's relay channel).
func relayStrategy(ctx context.Context, local, remote identity.PeerIdentity, session *signalling.Session, opts Options, logger log.Logger) (transport.Channel, error) {
	if session != nil && len(opts.TURNServers) > 0 {
		var ch transport.Channel
		var err error
		if local < remote {
			ch, err = iceConnectOffering(ctx, session, opts, logger)
		} else {
			ch, err = iceConnectAnswering(ctx, session, opts, logger)
		}
		if err == nil {
			return ch, nil
		}
		logger.Levelf(log.Debug, "relay: ice negotiation failed, falling back to opaque relay: %v", err)
	}

	if opts.RelayQueue == nil {
		return nil, fmt.Errorf("relay: no relay queue configured")
	}
	return transport.NewRelayChannel(opts.RelayQueue, local, remote, logger), nil
}

func transportPriority(opts Options) []candidate.Transport {
	if opts.AnyTransport {
		return []candidate.Transport{candidate.TCP, candidate.UDP}
	}
	switch opts.PreferTransport {
	case candidate.UDP:
		return []candidate.Transport{candidate.UDP, candidate.TCP}
	default:
		return []candidate.Transport{candidate.TCP, candidate.UDP}
	}
}

func candidateAddrs(cands []candidate.Candidate, tr candidate.Transport) []string {
	var out []string
	for _, c := range cands {
		if c.Transport == tr && c.Port != 0 {
			out = append(out, c.Addr())
		}
	}
	return out
}

func localListenPort(cands []candidate.Candidate, tr candidate.Transport) int {
	for _, c := range cands {
		if c.Transport == tr && c.Port != 0 {
			return c.Port
		}
	}
	return 0
}

func trNetwork(tr candidate.Transport) string {
	if tr == candidate.UDP {
		return "udp"
	}
	return "tcp"
}

func wrapConn(conn net.Conn, tr candidate.Transport, logger log.Logger) transport.Channel {
	if tr == candidate.UDP {
		return transport.NewUDPChannel(conn, logger, transport.DefaultUDPIdleTimeout)
	}
	return transport.NewTCPChannel(conn, logger)
}
