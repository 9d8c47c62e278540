package candidate

import "testing"

func TestSortHostBeatsRelay(t *testing.T) {
	cands := []Candidate{
		{Kind: Relay, Family: IPv4, Transport: TCP, Host: "relay.example", Port: 1},
		{Kind: Host, Family: IPv4, Transport: TCP, Host: "10.0.0.1", Port: 2},
		{Kind: ServerReflexive, Family: IPv4, Transport: TCP, Host: "1.2.3.4", Port: 3},
	}
	Sort(cands, Preference{PreferIPv6: true, AnyTransport: true})
	if cands[0].Kind != Host {
		t.Fatalf("expected host candidate first, got %v", cands[0].Kind)
	}
	if cands[1].Kind != ServerReflexive {
		t.Fatalf("expected srflx candidate second, got %v", cands[1].Kind)
	}
	if cands[2].Kind != Relay {
		t.Fatalf("expected relay candidate last, got %v", cands[2].Kind)
	}
}

func TestSortPrefersIPv6WhenRequested(t *testing.T) {
	cands := []Candidate{
		{Kind: Host, Family: IPv4, Transport: TCP, Host: "10.0.0.1", Port: 1},
		{Kind: Host, Family: IPv6, Transport: TCP, Host: "::1", Port: 2},
	}
	Sort(cands, Preference{PreferIPv6: true, AnyTransport: true})
	if cands[0].Family != IPv6 {
		t.Fatalf("expected ipv6 candidate first, got %v", cands[0].Family)
	}
}

func TestSortFewerPortChangesPreferred(t *testing.T) {
	cands := []Candidate{
		{Kind: ServerReflexive, Family: IPv4, Transport: UDP, Host: "1.2.3.4", Port: 1, PortChangeCount: 5},
		{Kind: ServerReflexive, Family: IPv4, Transport: UDP, Host: "1.2.3.4", Port: 2, PortChangeCount: 0},
	}
	Sort(cands, Preference{AnyTransport: true})
	if cands[0].PortChangeCount != 0 {
		t.Fatalf("expected most stable candidate first, got %+v", cands[0])
	}
}
