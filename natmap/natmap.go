// Package natmap opens and refreshes UPnP/NAT-PMP port mappings, treated by
// the orchestrator's GATHER stage as an external service: success adds a
// HOST candidate with the externalized port (spec §4.4 GATHER).
package natmap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/upnp"

	"github.com/DIG-Network/dig-nat-tools/candidate"
)

// DefaultLeaseDuration is how long a port mapping is requested for before
// Mapper renews it; NAT-PMP/UPnP gateways commonly expire mappings well
// before this if the lease is unsupported, so renewal is proactive rather
// than lease-driven.
const DefaultLeaseDuration = 20 * time.Minute

// RenewMargin is how far ahead of lease expiry Mapper renews, matching the
// general "renew before the other side forgets" pattern used throughout this
// module's NAT-facing code (cf. holepunch's backoff schedule).
const RenewMargin = 2 * time.Minute

type Protocol = upnp.Protocol

// Mapping describes one active external port mapping.
type Mapping struct {
	Protocol   Protocol
	InternalIP net.IP
	InternalPort int
	ExternalIP   net.IP
	ExternalPort int
}

// Candidate converts the mapping into a HOST candidate carrying the
// externalized port, per spec §4.4 GATHER.
func (m Mapping) Candidate(transport candidate.Transport) candidate.Candidate {
	family := candidate.IPv4
	if m.ExternalIP.To4() == nil {
		family = candidate.IPv6
	}
	return candidate.Candidate{
		Kind:      candidate.Host,
		Family:    family,
		Transport: transport,
		Host:      m.ExternalIP.String(),
		Port:      m.ExternalPort,
	}
}

// Mapper discovers UPnP/NAT-PMP gateway devices on the local network and
// maintains a port mapping on the first one that accepts it, renewing the
// lease until Close is called.
type Mapper struct {
	logger log.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Open discovers a gateway device and requests an external mapping for
// internalPort on the given protocol, blocking for at most discoverTimeout
// while searching. The returned Mapper renews the lease in the background
// until Close is called.
func Open(ctx context.Context, protocol Protocol, internalPort int, discoverTimeout time.Duration, logger log.Logger) (*Mapper, Mapping, error) {
	discoverCtx, discoverCancel := context.WithTimeout(ctx, discoverTimeout)
	defer discoverCancel()

	devices, err := upnp.Discover(discoverCtx)
	if err != nil {
		return nil, Mapping{}, fmt.Errorf("natmap: discover: %w", err)
	}
	if len(devices) == 0 {
		return nil, Mapping{}, fmt.Errorf("natmap: no UPnP/NAT-PMP gateway found")
	}

	var lastErr error
	for _, d := range devices {
		mapping, err := requestMapping(d, protocol, internalPort)
		if err != nil {
			lastErr = err
			logger.Levelf(log.Debug, "natmap: device %v rejected mapping: %v", d, err)
			continue
		}

		mapCtx, cancel := context.WithCancel(context.Background())
		m := &Mapper{logger: logger, cancel: cancel, done: make(chan struct{})}
		go m.renewLoop(mapCtx, d, protocol, internalPort)
		return m, mapping, nil
	}
	return nil, Mapping{}, fmt.Errorf("natmap: all gateway devices rejected mapping: %w", lastErr)
}

func requestMapping(d upnp.Device, protocol Protocol, internalPort int) (Mapping, error) {
	extIP, err := d.GetExternalIPAddress()
	if err != nil {
		return Mapping{}, fmt.Errorf("get external address: %w", err)
	}
	if err := d.AddPortMapping(context.Background(), protocol, uint16(internalPort), uint16(internalPort), "dig-nat-tools", DefaultLeaseDuration); err != nil {
		return Mapping{}, fmt.Errorf("add port mapping: %w", err)
	}
	return Mapping{
		Protocol:     protocol,
		ExternalIP:   extIP,
		ExternalPort: internalPort,
		InternalPort: internalPort,
	}, nil
}

func (m *Mapper) renewLoop(ctx context.Context, d upnp.Device, protocol Protocol, internalPort int) {
	defer close(m.done)
	ticker := time.NewTicker(DefaultLeaseDuration - RenewMargin)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = d.DeletePortMapping(protocol, uint16(internalPort))
			return
		case <-ticker.C:
			if _, err := requestMapping(d, protocol, internalPort); err != nil {
				m.logger.Levelf(log.Warning, "natmap: renew failed: %v", err)
			}
		}
	}
}

// Close releases the port mapping and stops renewal.
func (m *Mapper) Close() error {
	m.cancel()
	<-m.done
	return nil
}
