// Package tracker maintains the block-synchronized whitelist of pools the
// Chain Processor watches: an address-keyed map for V2/V3 pools, an
// opaque-key map for V4 pools, and two corresponding fast-lookup sets. The
// whole thing sits behind a single mutex; the block-synchronization protocol
// (begin_block/end_block/queue_update) is what freezes whitelist membership
// for the duration of a block scan, not lock duration.
package tracker

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/ethpools/liquidity-exex/internal/poolevents"
)

var (
	v2PoolGauge = metrics.NewRegisteredGauge("liquidity/tracker/pools/v2", nil)
	v3PoolGauge = metrics.NewRegisteredGauge("liquidity/tracker/pools/v3", nil)
	v4PoolGauge = metrics.NewRegisteredGauge("liquidity/tracker/pools/v4", nil)

	whitelistAddCounter     = metrics.NewRegisteredCounter("liquidity/tracker/whitelist/add", nil)
	whitelistRemoveCounter  = metrics.NewRegisteredCounter("liquidity/tracker/whitelist/remove", nil)
	whitelistReplaceCounter = metrics.NewRegisteredCounter("liquidity/tracker/whitelist/replace", nil)
)

// Stats is a snapshot of tracked pool counts per protocol, published on the
// tracker's stats feed whenever membership changes.
type Stats struct {
	V2Pools int
	V3Pools int
	V4Pools int
}

// Tracker is the in-memory watched-pool set.
type Tracker struct {
	mu sync.Mutex

	inBlock bool
	pending []poolevents.WhitelistUpdate

	addressMeta map[common.Address]poolevents.PoolMetadata
	poolKeyMeta map[[32]byte]poolevents.PoolMetadata

	trackedAddresses map[common.Address]struct{}
	trackedPoolKeys  map[[32]byte]struct{}

	managerAddress common.Address
	managerTracked bool

	counts Stats

	statsFeed event.Feed
}

// New creates an empty Tracker. managerAddress is the single V4 "manager"
// (pool-manager singleton) contract whose events carry every V4 pool's
// identity in topic-1; it is implicitly tracked the moment any V4 pool is
// added, and is never removed by a Remove update.
func New(managerAddress common.Address) *Tracker {
	return &Tracker{
		addressMeta:      make(map[common.Address]poolevents.PoolMetadata),
		poolKeyMeta:      make(map[[32]byte]poolevents.PoolMetadata),
		trackedAddresses: make(map[common.Address]struct{}),
		trackedPoolKeys:  make(map[[32]byte]struct{}),
		managerAddress:   managerAddress,
	}
}

// BeginBlock opens the block-atomic window: whitelist updates queued while
// it is open are deferred until EndBlock drains them.
func (t *Tracker) BeginBlock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inBlock = true
}

// EndBlock closes the block-atomic window and atomically applies every
// update queued while it was open.
func (t *Tracker) EndBlock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inBlock = false
	pending := t.pending
	t.pending = nil
	for _, u := range pending {
		t.applyLocked(u)
	}
}

// QueueUpdate appends u to the pending FIFO; if no block scan is in
// progress it is applied immediately.
func (t *Tracker) QueueUpdate(u poolevents.WhitelistUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inBlock {
		t.pending = append(t.pending, u)
		return
	}
	t.applyLocked(u)
}

// IsTrackedAddress reports whether addr is a watched pool address, or the
// V4 manager address once a V4 pool has been added (a Replace untracks it
// again unless the replacement set contains a V4 pool).
func (t *Tracker) IsTrackedAddress(addr common.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.trackedAddresses[addr]
	return ok
}

// IsTrackedPoolID reports whether key is a watched V4 pool key.
func (t *Tracker) IsTrackedPoolID(key [32]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.trackedPoolKeys[key]
	return ok
}

// Metadata returns the tracked metadata for an address-keyed pool, if any.
func (t *Tracker) Metadata(addr common.Address) (poolevents.PoolMetadata, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.addressMeta[addr]
	return m, ok
}

// MetadataByPoolID returns the tracked metadata for an opaque-key pool, if any.
func (t *Tracker) MetadataByPoolID(key [32]byte) (poolevents.PoolMetadata, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.poolKeyMeta[key]
	return m, ok
}

// Stats returns the current per-protocol tracked pool counts.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts
}

// SubscribeStats registers ch to receive a Stats snapshot on every
// membership change.
func (t *Tracker) SubscribeStats(ch chan<- Stats) event.Subscription {
	return t.statsFeed.Subscribe(ch)
}

func (t *Tracker) applyLocked(u poolevents.WhitelistUpdate) {
	switch u.Kind {
	case poolevents.WhitelistAdd:
		for _, p := range u.Pools {
			t.addLocked(p)
		}
		whitelistAddCounter.Inc(1)
	case poolevents.WhitelistRemove:
		for _, id := range u.IDs {
			t.removeLocked(id)
		}
		whitelistRemoveCounter.Inc(1)
	case poolevents.WhitelistReplace:
		t.clearLocked()
		for _, p := range u.Pools {
			t.addLocked(p)
		}
		whitelistReplaceCounter.Inc(1)
	default:
		log.Warn("tracker: ignoring whitelist update of unknown kind", "kind", u.Kind)
		return
	}
	t.publishStatsLocked()
}

func (t *Tracker) addLocked(p poolevents.PoolMetadata) {
	switch p.Pool.Kind {
	case poolevents.IdentifierAddress:
		if _, exists := t.addressMeta[p.Pool.Addr]; !exists {
			t.incLocked(p.Protocol)
		}
		t.addressMeta[p.Pool.Addr] = p
		t.trackedAddresses[p.Pool.Addr] = struct{}{}
	case poolevents.IdentifierPoolKey:
		if _, exists := t.poolKeyMeta[p.Pool.Key]; !exists {
			t.incLocked(p.Protocol)
		}
		t.poolKeyMeta[p.Pool.Key] = p
		t.trackedPoolKeys[p.Pool.Key] = struct{}{}
		if !t.managerTracked {
			t.trackedAddresses[t.managerAddress] = struct{}{}
			t.managerTracked = true
		}
	}
}

func (t *Tracker) removeLocked(id poolevents.PoolIdentifier) {
	switch id.Kind {
	case poolevents.IdentifierAddress:
		if p, exists := t.addressMeta[id.Addr]; exists {
			t.decLocked(p.Protocol)
			delete(t.addressMeta, id.Addr)
			delete(t.trackedAddresses, id.Addr)
		}
	case poolevents.IdentifierPoolKey:
		if p, exists := t.poolKeyMeta[id.Key]; exists {
			t.decLocked(p.Protocol)
			delete(t.poolKeyMeta, id.Key)
			delete(t.trackedPoolKeys, id.Key)
		}
		// The manager address is never removed, even if no V4 pools
		// remain: it is cheap to keep and simpler/safer than churning
		// it in and out as the last V4 pool is removed and re-added.
	}
}

func (t *Tracker) clearLocked() {
	t.addressMeta = make(map[common.Address]poolevents.PoolMetadata)
	t.poolKeyMeta = make(map[[32]byte]poolevents.PoolMetadata)
	t.trackedAddresses = make(map[common.Address]struct{})
	t.trackedPoolKeys = make(map[[32]byte]struct{})
	t.managerTracked = false
	t.counts = Stats{}
}

func (t *Tracker) incLocked(p poolevents.Protocol) {
	switch p {
	case poolevents.ProtocolV2:
		t.counts.V2Pools++
	case poolevents.ProtocolV3:
		t.counts.V3Pools++
	case poolevents.ProtocolV4:
		t.counts.V4Pools++
	}
}

func (t *Tracker) decLocked(p poolevents.Protocol) {
	switch p {
	case poolevents.ProtocolV2:
		t.counts.V2Pools--
	case poolevents.ProtocolV3:
		t.counts.V3Pools--
	case poolevents.ProtocolV4:
		t.counts.V4Pools--
	}
}

func (t *Tracker) publishStatsLocked() {
	v2PoolGauge.Update(int64(t.counts.V2Pools))
	v3PoolGauge.Update(int64(t.counts.V3Pools))
	v4PoolGauge.Update(int64(t.counts.V4Pools))
	t.statsFeed.Send(t.counts)
}
