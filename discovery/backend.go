package discovery

import (
	"context"
	"time"

	"github.com/anacrolix/log"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// Backend is the uniform interface every discovery backend implements
// (spec §4.5): announce/lookup plus an explicit start/stop lifecycle.
type Backend interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Announce(ctx context.Context, contentId identity.ContentId, port int, ttl time.Duration) error
	Lookup(ctx context.Context, contentId identity.ContentId) []PeerRecord
}

// safeLookup isolates one backend's errors from the aggregator: per spec
// §4.5's failure model, "a backend that errors is isolated and its lookup
// returns an empty list without affecting others." Backend.Lookup already
// returns a plain slice (no error), so isolation here is about panics in a
// misbehaving backend implementation, not returned errors.
func safeLookup(ctx context.Context, b Backend, contentId identity.ContentId, logger log.Logger) (records []PeerRecord) {
	defer func() {
		if r := recover(); r != nil {
			logger.Levelf(log.Warning, "discovery: backend %s panicked during lookup: %v", b.Name(), r)
			records = nil
		}
	}()
	return b.Lookup(ctx, contentId)
}
