package orchestrator

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// HappyEyeballsStagger is the delay between racing successive address
// families during a dual-stack connect (spec §9 design note).
const HappyEyeballsStagger = 250 * time.Millisecond

// dialFunc dials one address, returning a live net.Conn.
type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

// raceDial implements the happy-eyeballs procedure: race connects to addrs
// with a short stagger between each, keep the first winner, cancel the
// rest. addrs should already be ordered by the caller's address-family
// preference (IPv6-first when PreferIPv6).
func raceDial(ctx context.Context, addrs []string, dial dialFunc) (net.Conn, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("happyeyeballs: no addresses to dial")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
		addr string
	}
	results := make(chan result, len(addrs))
	g, gctx := errgroup.WithContext(ctx)

	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			if i > 0 {
				select {
				case <-time.After(time.Duration(i) * HappyEyeballsStagger):
				case <-gctx.Done():
					return nil
				}
			}
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			conn, err := dial(gctx, addr)
			results <- result{conn, err, addr}
			return nil
		})
	}

	go func() {
		g.Wait()
		close(results)
	}()

	var errs []error
	var winner net.Conn
	for r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.addr, r.err))
			continue
		}
		if winner == nil {
			winner = r.conn
			cancel() // stop staggered dials still pending, close losers below
			continue
		}
		// A later winner arrived after we already picked one (spec §4.4
		// tie-break: keep whichever completed first, close the other).
		r.conn.Close()
	}
	if winner == nil {
		return nil, fmt.Errorf("happyeyeballs: all dials failed: %v", errs)
	}
	return winner, nil
}

// sortAddrsByFamily orders dual-stack addresses IPv6-first or IPv4-first.
func sortAddrsByFamily(addrs []string, preferIPv6 bool) []string {
	out := append([]string(nil), addrs...)
	isV6 := func(addr string) bool {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		ip := net.ParseIP(host)
		return ip != nil && ip.To4() == nil
	}
	sort.SliceStable(out, func(i, j int) bool {
		if isV6(out[i]) == isV6(out[j]) {
			return false
		}
		if preferIPv6 {
			return isV6(out[i])
		}
		return !isV6(out[i])
	})
	return out
}
