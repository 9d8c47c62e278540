package discovery

import (
	"fmt"
	"sync"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// ContentMap is the one-to-one contentId <-> digest binding spec §3
// requires ("for a given content there is a one-to-many mapping from
// ContentId to ContentDigest is not allowed"). Both the Host (to answer
// requests) and the Aggregator (to translate identifiers when a backend
// returns peers keyed by digest) share one ContentMap instance.
type ContentMap struct {
	mu       sync.RWMutex
	byId     map[identity.ContentId]identity.ContentDigest
	byDigest map[identity.ContentDigest]identity.ContentId
}

func NewContentMap() *ContentMap {
	return &ContentMap{
		byId:     map[identity.ContentId]identity.ContentDigest{},
		byDigest: map[identity.ContentDigest]identity.ContentId{},
	}
}

// Add binds contentId to digest, rejecting any attempt to rebind either
// side to a different value (the one-to-one invariant).
func (m *ContentMap) Add(contentId identity.ContentId, digest identity.ContentDigest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byId[contentId]; ok && existing != digest {
		return fmt.Errorf("discovery: contentId %s already bound to a different digest", contentId)
	}
	if existing, ok := m.byDigest[digest]; ok && existing != contentId {
		return fmt.Errorf("discovery: digest already bound to a different contentId %s", existing)
	}
	m.byId[contentId] = digest
	m.byDigest[digest] = contentId
	return nil
}

func (m *ContentMap) DigestFor(contentId identity.ContentId) (identity.ContentDigest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byId[contentId]
	return d, ok
}

func (m *ContentMap) ContentIdFor(digest identity.ContentDigest) (identity.ContentId, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byDigest[digest]
	return id, ok
}
