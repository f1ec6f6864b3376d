// Package resync collects the set of V3/V4 pools whose swap state was
// touched during a chain revert and, once the revert settles, produces a
// deduplicated, deterministically ordered resync signal: downstream
// consumers re-fetch slot0 (price/tick) for exactly these pools rather than
// trusting the deltas replayed across the reorg boundary.
package resync

import (
	"bytes"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethpools/liquidity-exex/internal/poolevents"
)

// DefaultCapacity bounds how many distinct pools a single revert window can
// accumulate before older entries are evicted. A revert touching more
// distinct pools than this is already a pathological case; eviction trades
// completeness for a hard memory bound rather than growing unboundedly.
const DefaultCapacity = 4096

// Signaler accumulates touched pool identifiers across a revert window and
// drains them, deduplicated and sorted, once the window closes.
type Signaler struct {
	mu         sync.Mutex
	seen       *lru.Cache[string, poolevents.PoolIdentifier]
	collecting bool
}

// New creates a Signaler bounded to capacity distinct pools per window.
func New(capacity int) *Signaler {
	cache, err := lru.New[string, poolevents.PoolIdentifier](capacity)
	if err != nil {
		// Only returns an error for a non-positive capacity.
		cache, _ = lru.New[string, poolevents.PoolIdentifier](DefaultCapacity)
	}
	return &Signaler{seen: cache}
}

// Begin opens a revert-collection window.
func (s *Signaler) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collecting = true
}

// Observe records that id's swap state was touched by a reverted block.
// Calls outside an open window are ignored.
func (s *Signaler) Observe(id poolevents.PoolIdentifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.collecting {
		return
	}
	if evicted := s.seen.Add(cacheKey(id), id); evicted {
		log.Warn("resync: touched-pool set exceeded capacity, oldest entry evicted", "capacity", s.seen.Len())
	}
}

// Drain closes the window and returns the touched pools, deduplicated and
// sorted address-keyed pools first, then opaque-keyed pools, lexicographic
// by identifying bytes within each group.
func (s *Signaler) Drain() []poolevents.PoolIdentifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collecting = false

	keys := s.seen.Keys()
	ids := make([]poolevents.PoolIdentifier, 0, len(keys))
	for _, k := range keys {
		if v, ok := s.seen.Peek(k); ok {
			ids = append(ids, v)
		}
	}
	s.seen.Purge()

	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if a.Kind != b.Kind {
			return a.Kind == poolevents.IdentifierAddress
		}
		return bytes.Compare(a.Bytes(), b.Bytes()) < 0
	})
	return ids
}

func cacheKey(id poolevents.PoolIdentifier) string {
	if id.Kind == poolevents.IdentifierAddress {
		return "a:" + string(id.Bytes())
	}
	return "k:" + string(id.Bytes())
}
