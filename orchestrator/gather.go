package orchestrator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/log"
	"github.com/pion/stun/v3"

	"github.com/DIG-Network/dig-nat-tools/candidate"
	"github.com/DIG-Network/dig-nat-tools/natmap"
)

// GatherResult holds the outcome of the GATHER stage: the local candidates
// this node advertises, and (once exchanged over C3) the remote's.
type GatherResult struct {
	Local  []candidate.Candidate
	Remote []candidate.Candidate

	NATMapper *natmap.Mapper
}

// DefaultSTUNTimeout bounds one STUN binding request/response round trip.
const DefaultSTUNTimeout = 3 * time.Second

// Gather collects local HOST candidates for the enabled families/transports
// and optionally discovers SERVER_REFLEXIVE candidates via STUN (spec §4.4
// GATHER). It opens no UPnP/NAT-PMP mapping and leaves NATMapper nil.
func Gather(ctx context.Context, opts Options, logger log.Logger) (GatherResult, error) {
	var result GatherResult

	hostCands, err := localHostCandidates(opts)
	if err != nil {
		return result, fmt.Errorf("gather: local candidates: %w", err)
	}
	result.Local = append(result.Local, hostCands...)

	for _, server := range opts.STUNServers {
		srflx, err := stunReflexiveCandidate(ctx, server)
		if err != nil {
			logger.Levelf(log.Debug, "gather: stun %s failed: %v", server, err)
			continue
		}
		result.Local = append(result.Local, srflx)
	}

	candidate.Sort(result.Local, candidate.Preference{
		PreferIPv6:      opts.preferIPv6(),
		PreferTransport: opts.PreferTransport,
		AnyTransport:    opts.AnyTransport,
	})
	return result, nil
}

// localHostCandidates enumerates this host's non-loopback unicast addresses
// as HOST candidates for both transports, since the orchestrator doesn't
// know a priori which transport the remote will accept.
func localHostCandidates(opts Options) ([]candidate.Candidate, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []candidate.Candidate
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		family := candidate.IPv4
		if ipNet.IP.To4() == nil {
			family = candidate.IPv6
		}
		for _, transport := range []candidate.Transport{candidate.TCP, candidate.UDP} {
			out = append(out, candidate.Candidate{
				Kind:      candidate.Host,
				Family:    family,
				Transport: transport,
				Host:      ipNet.IP.String(),
			})
		}
	}
	return out, nil
}

// stunReflexiveCandidate performs one STUN binding request against server
// and returns the mapped address as a SERVER_REFLEXIVE UDP candidate.
func stunReflexiveCandidate(ctx context.Context, server string) (candidate.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultSTUNTimeout)
	defer cancel()

	conn, err := net.Dial("udp", server)
	if err != nil {
		return candidate.Candidate{}, err
	}
	defer conn.Close()

	client, err := stun.NewClient(conn)
	if err != nil {
		return candidate.Candidate{}, err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	type result struct {
		xorAddr stun.XORMappedAddress
		err     error
	}
	resCh := make(chan result, 1)
	err = client.Do(msg, func(res stun.Event) {
		if res.Error != nil {
			resCh <- result{err: res.Error}
			return
		}
		var xorAddr stun.XORMappedAddress
		resCh <- result{xorAddr: xorAddr, err: xorAddr.GetFrom(res.Message)}
	})
	if err != nil {
		return candidate.Candidate{}, err
	}

	select {
	case r := <-resCh:
		if r.err != nil {
			return candidate.Candidate{}, r.err
		}
		family := candidate.IPv4
		if r.xorAddr.IP.To4() == nil {
			family = candidate.IPv6
		}
		return candidate.Candidate{
			Kind:      candidate.ServerReflexive,
			Family:    family,
			Transport: candidate.UDP,
			Host:      r.xorAddr.IP.String(),
			Port:      r.xorAddr.Port,
		}, nil
	case <-ctx.Done():
		return candidate.Candidate{}, ctx.Err()
	}
}
