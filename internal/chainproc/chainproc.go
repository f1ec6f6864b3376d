// Package chainproc drives the central per-notification state machine: it
// consumes the host's block notification stream, applies the two-stage
// filter against the Pool Tracker, decodes surviving logs, and emits an
// ordered control-message stream bracketed by block and reorg boundaries.
package chainproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/ethpools/liquidity-exex/internal/decoder"
	"github.com/ethpools/liquidity-exex/internal/host"
	"github.com/ethpools/liquidity-exex/internal/poolevents"
)

var poolUpdatesCounter = metrics.NewRegisteredCounter("liquidity/chainproc/updates/emitted", nil)

// decodedEventCounters holds one counter per decoded event shape
// (protocol/kind pair), lazily registered on first use so only shapes that
// actually occur show up in the metrics registry.
var (
	decodedEventCounters   = make(map[string]metrics.Counter)
	decodedEventCountersMu sync.Mutex
)

func decodedEventCounter(protocol poolevents.Protocol, kind poolevents.UpdateKind) metrics.Counter {
	name := fmt.Sprintf("liquidity/chainproc/events/decoded/%s_%s", protocol, kind)
	decodedEventCountersMu.Lock()
	defer decodedEventCountersMu.Unlock()
	c, ok := decodedEventCounters[name]
	if !ok {
		c = metrics.NewRegisteredCounter(name, nil)
		decodedEventCounters[name] = c
	}
	return c
}

// Publisher is the narrow interface the Processor emits control messages
// through. *socket.Server satisfies it.
type Publisher interface {
	Publish(poolevents.ControlMessage)
}

// Tracker is the subset of *tracker.Tracker the Processor needs: the
// block-sync bracket and the two membership tests the filter stages use.
type Tracker interface {
	BeginBlock()
	EndBlock()
	IsTrackedAddress(addr common.Address) bool
	IsTrackedPoolID(key [32]byte) bool
}

// ResyncSignaler is the subset of *resync.Signaler the Processor drives
// across a reorg/revert window.
type ResyncSignaler interface {
	Begin()
	Observe(poolevents.PoolIdentifier)
	Drain() []poolevents.PoolIdentifier
}

// Processor is the Chain Processor: the single logical task that owns the
// Pool Tracker exclusively during block scans and is the sole writer of
// stream_seq.
type Processor struct {
	stream    host.Stream
	ack       host.Acknowledger
	tracker   Tracker
	resync    ResyncSignaler
	publisher Publisher

	seq uint64
}

// New builds a Processor. ack may be nil if the host does not need
// acknowledgement (e.g. in tests).
func New(stream host.Stream, ack host.Acknowledger, tr Tracker, rs ResyncSignaler, pub Publisher) *Processor {
	return &Processor{stream: stream, ack: ack, tracker: tr, resync: rs, publisher: pub}
}

// Run drives the Processor until the host notification stream closes or ctx
// is cancelled, or a fatal stream error occurs.
func (p *Processor) Run(ctx context.Context) error {
	for {
		notif, ok, err := p.stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("chainproc: host stream error: %w", err)
		}
		if !ok {
			log.Info("chainproc: host notification stream closed")
			return nil
		}
		if err := p.handle(ctx, notif); err != nil {
			return err
		}
	}
}

func (p *Processor) handle(ctx context.Context, notif host.Notification) error {
	switch n := notif.(type) {
	case host.Committed:
		return p.processCommitted(ctx, n)
	case host.Reorged:
		return p.processReorg(ctx, n.Old, n.New)
	case host.Reverted:
		return p.processReorg(ctx, n.Old, nil)
	default:
		return fmt.Errorf("chainproc: unrecognized notification type %T", notif)
	}
}

func (p *Processor) processCommitted(ctx context.Context, n host.Committed) error {
	for _, b := range n.New {
		p.processBlock(b, false)
	}
	if len(n.New) == 0 || p.ack == nil {
		return nil
	}
	tip := n.New[len(n.New)-1]
	if err := p.ack.Acknowledge(ctx, tip.NumberU64(), tip.Hash()); err != nil {
		log.Warn("chainproc: acknowledge failed", "height", tip.NumberU64(), "err", err)
	}
	return nil
}

// processReorg drives both Reorged (new non-empty) and Reverted (new empty)
// notifications: revert old in the order the host delivered it, then apply
// new oldest-first, bracketed by ReorgStart/ReorgComplete and the resync
// collection window.
func (p *Processor) processReorg(_ context.Context, old, newBlocks []*host.Block) error {
	p.publish(poolevents.ReorgStartMsg{
		Seq:      p.nextSeq(),
		OldRange: summarizeRange(old),
		NewRange: summarizeRange(newBlocks),
	})

	p.resync.Begin()
	for _, b := range old {
		p.processBlock(b, true)
	}
	for _, b := range newBlocks {
		p.processBlock(b, false)
	}
	resyncList := p.resync.Drain()

	p.publish(poolevents.ReorgCompleteMsg{
		Seq:                 p.nextSeq(),
		FinalTipBlock:       finalTip(old, newBlocks),
		Slot0ResyncRequired: resyncList,
	})
	return nil
}

func finalTip(old, newBlocks []*host.Block) uint64 {
	if len(newBlocks) > 0 {
		return newBlocks[len(newBlocks)-1].NumberU64()
	}
	if len(old) > 0 {
		return old[0].NumberU64() - 1
	}
	return 0
}

func summarizeRange(blocks []*host.Block) poolevents.ReorgRange {
	if len(blocks) == 0 {
		return poolevents.ReorgRange{BlockCount: 0}
	}
	first := blocks[0].NumberU64()
	last := blocks[len(blocks)-1].NumberU64()
	return poolevents.ReorgRange{FirstBlock: &first, LastBlock: &last, BlockCount: uint64(len(blocks))}
}

// processBlock runs the four-phase protocol for a single block: boundary
// open, scan and filter, emit, boundary close.
func (p *Processor) processBlock(b *host.Block, isRevert bool) {
	p.tracker.BeginBlock()
	p.publish(poolevents.BeginBlockMsg{
		Seq:            p.nextSeq(),
		BlockNumber:    b.NumberU64(),
		BlockTimestamp: b.Timestamp(),
		IsRevert:       isRevert,
	})

	var numUpdates uint64
	for _, receipt := range b.Receipts {
		for _, lg := range receipt.Logs {
			ev, ok := p.filterAndDecode(lg)
			if !ok {
				continue
			}
			decodedEventCounter(ev.Protocol, ev.Kind).Inc(1)

			envelope := poolevents.PoolUpdateMessage{
				Pool:           ev.Pool,
				Protocol:       ev.Protocol,
				Kind:           ev.Kind,
				BlockNumber:    b.NumberU64(),
				BlockTimestamp: b.Timestamp(),
				TxIndex:        uint64(lg.TxIndex),
				LogIndex:       uint64(lg.Index),
				IsRevert:       isRevert,
				Delta:          ev.Delta,
			}
			p.publish(poolevents.PoolUpdateMsg{Seq: p.nextSeq(), Envelope: envelope})
			poolUpdatesCounter.Inc(1)
			numUpdates++

			if isRevert && isSwapOnConcentratedProtocol(ev) {
				p.resync.Observe(ev.Pool)
			}
		}
	}

	p.publish(poolevents.EndBlockMsg{
		Seq:         p.nextSeq(),
		BlockNumber: b.NumberU64(),
		NumUpdates:  numUpdates,
	})
	p.tracker.EndBlock()
}

func isSwapOnConcentratedProtocol(ev decoder.Event) bool {
	if ev.Kind != poolevents.KindSwap {
		return false
	}
	return ev.Protocol == poolevents.ProtocolV3 || ev.Protocol == poolevents.ProtocolV4
}

// filterAndDecode applies the two-stage filter: a cheap emitter-address
// pre-filter, then the Event Decoder, then a post-decode identity filter
// against the pool the decoded event actually names (required for V4, whose
// emitter address is always the shared manager contract).
func (p *Processor) filterAndDecode(lg *types.Log) (decoder.Event, bool) {
	if !p.tracker.IsTrackedAddress(lg.Address) {
		return decoder.Event{}, false
	}
	ev, ok := decoder.Decode(lg)
	if !ok {
		return decoder.Event{}, false
	}
	switch ev.Pool.Kind {
	case poolevents.IdentifierAddress:
		if !p.tracker.IsTrackedAddress(ev.Pool.Addr) {
			return decoder.Event{}, false
		}
	case poolevents.IdentifierPoolKey:
		if !p.tracker.IsTrackedPoolID(ev.Pool.Key) {
			return decoder.Event{}, false
		}
	}
	return ev, true
}

func (p *Processor) nextSeq() uint64 {
	p.seq++
	return p.seq
}

func (p *Processor) publish(msg poolevents.ControlMessage) {
	p.publisher.Publish(msg)
}
