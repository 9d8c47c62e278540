// Package orchestrator implements the NAT Traversal Orchestrator (spec
// §4.4 / C4): given a pair of peer identities and a signalling session, it
// runs candidates through an ordered set of strategies — DIRECT,
// UPNP_NATPMP, UDP_HOLEPUNCH, TCP_SIMULTANEOUS, RELAY — until one produces
// a live transport.Channel or every strategy has failed.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/anacrolix/log"

	"github.com/DIG-Network/dig-nat-tools/candidate"
	"github.com/DIG-Network/dig-nat-tools/identity"
	"github.com/DIG-Network/dig-nat-tools/signalling"
	"github.com/DIG-Network/dig-nat-tools/transport"
)

// Strategy names the connection strategies the STRATEGY_LOOP may run, in
// the spec's default priority order.
type Strategy int

const (
	Direct Strategy = iota
	UpnpNatPmp
	UdpHolepunch
	TcpSimultaneous
	Relay
)

func (s Strategy) String() string {
	switch s {
	case Direct:
		return "DIRECT"
	case UpnpNatPmp:
		return "UPNP_NATPMP"
	case UdpHolepunch:
		return "UDP_HOLEPUNCH"
	case TcpSimultaneous:
		return "TCP_SIMULTANEOUS"
	case Relay:
		return "RELAY"
	default:
		return "UNKNOWN"
	}
}

// DefaultStrategies is the spec §4.4 default priority order.
var DefaultStrategies = []Strategy{Direct, UpnpNatPmp, UdpHolepunch, TcpSimultaneous, Relay}

// Options configures one connect attempt (spec §4.4's public contract).
type Options struct {
	STUNServers []string
	TURNServers []string

	// PreferIPv6 defaults to true when the zero value is used by Connect;
	// callers that want IPv4 preference must set PreferIPv6Set explicitly.
	PreferIPv6    bool
	PreferIPv6Set bool

	PreferTransport candidate.Transport
	AnyTransport    bool

	OverallTimeout time.Duration
	Strategies     []Strategy

	RelayQueue transport.RelayQueue

	Logger log.Logger
}

func (o Options) preferIPv6() bool {
	if !o.PreferIPv6Set {
		return true
	}
	return o.PreferIPv6
}

func (o Options) strategies() []Strategy {
	if len(o.Strategies) == 0 {
		return DefaultStrategies
	}
	return o.Strategies
}

func (o Options) overallTimeout() time.Duration {
	if o.OverallTimeout <= 0 {
		return 30 * time.Second
	}
	return o.OverallTimeout
}

// Attempt is one strategy's outcome, kept for the failure report.
type Attempt struct {
	Strategy Strategy
	Err      error
}

// FailError is returned when every attempted strategy failed before
// OverallTimeout (spec §4.4's "Fatal" failure semantics): it enumerates the
// attempted strategies and per-strategy reasons.
type FailError struct {
	Attempts []Attempt
}

func (e *FailError) Error() string {
	s := "orchestrator: all strategies failed:"
	for _, a := range e.Attempts {
		s += fmt.Sprintf(" %s=%v;", a.Strategy, a.Err)
	}
	return s
}

// Connect runs the INIT -> GATHER -> STRATEGY_LOOP -> (SUCCESS|FAIL) state
// machine for one local/remote peer pair, returning a live transport.Channel
// on success.
func Connect(ctx context.Context, local, remote identity.PeerIdentity, session *signalling.Session, opts Options) (transport.Channel, error) {
	logger := opts.Logger

	ctx, cancel := context.WithTimeout(ctx, opts.overallTimeout())
	defer cancel()

	// GATHER
	gathered, err := Gather(ctx, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: gather: %w", err)
	}

	if session != nil {
		if err := session.SendCapabilities(ctx, signalling.Capabilities{
			Candidates:      gathered.Local,
			PreferTransport: opts.PreferTransport,
			AnyTransport:    opts.AnyTransport,
			ProtocolVersion: 1,
		}); err != nil {
			logger.Levelf(log.Warning, "orchestrator: send capabilities: %v", err)
		}

		remoteCaps, err := recvCapabilities(ctx, session)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: exchange candidates: %w", err)
		}
		gathered.Remote = remoteCaps.Candidates
	}

	// STRATEGY_LOOP
	var attempts []Attempt
	for _, strat := range opts.strategies() {
		select {
		case <-ctx.Done():
			attempts = append(attempts, Attempt{strat, ctx.Err()})
			return nil, &FailError{Attempts: attempts}
		default:
		}

		ch, err := runStrategy(ctx, strat, local, remote, gathered, session, opts, logger)
		if err == nil {
			logger.Levelf(log.Info, "orchestrator: strategy %s succeeded for %s -> %s", strat, local, remote)
			return ch, nil
		}
		attempts = append(attempts, Attempt{strat, err})
		logger.Levelf(log.Debug, "orchestrator: strategy %s failed: %v", strat, err)
	}

	return nil, &FailError{Attempts: attempts}
}

func recvCapabilities(ctx context.Context, session *signalling.Session) (signalling.Capabilities, error) {
	for {
		msg, err := session.Recv(ctx)
		if err != nil {
			return signalling.Capabilities{}, err
		}
		if caps, ok := msg.(signalling.Capabilities); ok {
			return caps, nil
		}
		// Non-Capabilities message arrived first (e.g. a stray ProbeAck
		// retransmit); keep waiting for the one we need.
	}
}

func runStrategy(ctx context.Context, strat Strategy, local, remote identity.PeerIdentity, gathered GatherResult, session *signalling.Session, opts Options, logger log.Logger) (transport.Channel, error) {
	switch strat {
	case Direct:
		return directStrategy(ctx, gathered, opts, logger)
	case UpnpNatPmp:
		return upnpStrategy(ctx, gathered, opts, logger)
	case UdpHolepunch:
		return udpHolepunchStrategy(ctx, gathered, opts, logger)
	case TcpSimultaneous:
		return tcpSimultaneousStrategy(ctx, gathered, opts, logger)
	case Relay:
		return relayStrategy(ctx, local, remote, session, opts, logger)
	default:
		return nil, fmt.Errorf("unknown strategy %v", strat)
	}
}
