// Package candidate defines the Candidate value (spec §3) and the priority
// ordering the NAT Traversal Orchestrator uses to pick which one to try
// first: host > server-reflexive > relay, then address family and
// transport preference, then fewest observed port changes.
package candidate

import "fmt"

type Kind int

const (
	Host Kind = iota
	ServerReflexive
	Relay
)

func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case ServerReflexive:
		return "srflx"
	case Relay:
		return "relay"
	default:
		return "unknown"
	}
}

type Family int

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

type Transport int

const (
	TCP Transport = iota
	UDP
)

func (t Transport) String() string {
	if t == UDP {
		return "udp"
	}
	return "tcp"
}

// Candidate is a concrete (address, port, transport) from which a peer
// expects to be reachable (spec GLOSSARY).
type Candidate struct {
	Kind      Kind
	Family    Family
	Transport Transport
	Host      string
	Port      int
	// PortChangeCount counts how many times this candidate's externally
	// mapped port has been observed to change across successive STUN
	// bindings; lower is preferred (more stable, easier to hole punch).
	PortChangeCount int
	// Priority is computed by Preference.Score and cached here once the
	// preference options are known; zero until scored.
	Priority uint32
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s/%s/%s %s:%d", c.Kind, c.Family, c.Transport, c.Host, c.Port)
}

func (c Candidate) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Preference captures the orchestrator options that influence candidate
// ranking (spec §4.4: preferIPv6, preferTransport).
type Preference struct {
	PreferIPv6      bool
	PreferTransport Transport
	// AnyTransport is set when the caller didn't constrain the transport
	// (options.preferTransport == AUTO); in that case transport doesn't
	// affect the score.
	AnyTransport bool
}

// Score computes the standard preference ordering from spec §3: host > srflx
// > relay (dominant factor, weighted highest), then family, then transport,
// then port stability. Higher is better.
func (p Preference) Score(c Candidate) uint32 {
	var score uint32

	switch c.Kind {
	case Host:
		score += 3 << 24
	case ServerReflexive:
		score += 2 << 24
	case Relay:
		score += 1 << 24
	}

	familyMatch := (p.PreferIPv6 && c.Family == IPv6) || (!p.PreferIPv6 && c.Family == IPv4)
	if familyMatch {
		score += 1 << 16
	}

	if !p.AnyTransport && c.Transport == p.PreferTransport {
		score += 1 << 8
	}

	// Port stability: fewer observed changes is better; cap contribution so
	// it never outweighs kind/family/transport.
	stability := 255 - c.PortChangeCount
	if stability < 0 {
		stability = 0
	}
	score += uint32(stability)

	return score
}

// Sort orders candidates by descending priority per the active preference,
// mutating each Candidate's cached Priority field.
func Sort(cands []Candidate, pref Preference) {
	for i := range cands {
		cands[i].Priority = pref.Score(cands[i])
	}
	// Simple insertion sort: candidate lists are small (single digits to low
	// tens per gather), and keeping the sort stable w.r.t. discovery order
	// matters more than asymptotic complexity here.
	for i := 1; i < len(cands); i++ {
		j := i
		for j > 0 && cands[j-1].Priority < cands[j].Priority {
			cands[j-1], cands[j] = cands[j], cands[j-1]
			j--
		}
	}
}
