// Package discovery implements the Discovery Backends (C5) and Discovery
// Aggregator (C6): a uniform announce/lookup interface over DHT, PEX,
// local multicast and coordination-store backends, fanned out and merged
// by the Aggregator (spec §4.5/§4.6).
package discovery

import (
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/anacrolix/multiless"
)

// Source enumerates where a PeerRecord came from (spec §3), used for
// ranking (spec §4.6).
type Source int

const (
	SourceDHT Source = iota
	SourcePEX
	SourceLocal
	SourceCoord
	SourceManual
)

func (s Source) String() string {
	switch s {
	case SourceDHT:
		return "DHT"
	case SourcePEX:
		return "PEX"
	case SourceLocal:
		return "LOCAL"
	case SourceCoord:
		return "COORD"
	case SourceManual:
		return "MANUAL"
	default:
		return "UNKNOWN"
	}
}

// sourcePriority orders sources for the ranking tie-break (spec §4.6:
// "source priority MANUAL > LOCAL > DHT > COORD > PEX"). Higher is better.
func sourcePriority(s Source) int {
	switch s {
	case SourceManual:
		return 4
	case SourceLocal:
		return 3
	case SourceDHT:
		return 2
	case SourceCoord:
		return 1
	case SourcePEX:
		return 0
	default:
		return -1
	}
}

// Address is one (family, host, port) a PeerRecord advertises.
type Address struct {
	Family string // "ip4" or "ip6"
	Host   string
	Port   int
}

func addressFamily(ip net.IP) string {
	if ip.To4() == nil {
		return "ip6"
	}
	return "ip4"
}

// PeerRecord is spec §3's PeerRecord value.
type PeerRecord struct {
	PeerId     string
	Addresses  []Address
	LastSeen   time.Time
	Source     Source
	Confidence float64
}

// DefaultPeerRecordTTL is the default eviction age (spec §3).
const DefaultPeerRecordTTL = time.Hour

func addressKey(a Address) string {
	return a.Family + "|" + a.Host + "|" + strconv.Itoa(a.Port)
}

// Merge combines two records for the same peerId per spec §3/§4.6: lastSeen
// = max, confidence = max, addresses set-unioned.
func Merge(a, b PeerRecord) PeerRecord {
	out := a
	if b.LastSeen.After(out.LastSeen) {
		out.LastSeen = b.LastSeen
	}
	if b.Confidence > out.Confidence {
		out.Confidence = b.Confidence
	}
	seen := map[string]bool{}
	var addrs []Address
	for _, addr := range append(append([]Address(nil), a.Addresses...), b.Addresses...) {
		k := addressKey(addr)
		if !seen[k] {
			seen[k] = true
			addrs = append(addrs, addr)
		}
	}
	out.Addresses = addrs
	// Keep the higher-priority source for ranking purposes; the merge rule
	// doesn't otherwise distinguish which backend "owns" a merged record.
	if sourcePriority(b.Source) > sourcePriority(a.Source) {
		out.Source = b.Source
	}
	return out
}

// Rank sorts records per spec §4.6: higher confidence first, then more
// recent lastSeen, then source priority. The multi-key comparator chain is
// built with multiless the way the teacher's piece-request-order code
// composes its own multi-key piece priority.
func Rank(records []PeerRecord) {
	sort.Slice(records, func(i, j int) bool { return recordLess(records[i], records[j]) })
}

// recordLess reports whether a should rank ahead of b.
func recordLess(a, b PeerRecord) bool {
	return multiless.New().
		Float64(b.Confidence, a.Confidence).
		Int64(b.LastSeen.Unix(), a.LastSeen.Unix()).
		Int(sourcePriority(b.Source), sourcePriority(a.Source)).
		Less()
}
