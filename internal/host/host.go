// Package host defines the seam between this extension and the archive/
// execution node it runs inside. The node itself, its receipt/log/state
// APIs, and its notification delivery mechanism are out of scope; this
// package only names the interfaces the Chain Processor consumes, in the
// spirit of go-ethereum's own small, narrowly-scoped consumer interfaces
// (e.g. core/types.Signer, consensus.Engine).
package host

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Block pairs a header with the receipts generated while executing it. The
// receipts carry the ordered per-transaction log lists the Chain Processor
// scans.
type Block struct {
	Header   *types.Header
	Receipts types.Receipts
}

// NumberU64 returns the block's height.
func (b *Block) NumberU64() uint64 { return b.Header.Number.Uint64() }

// Timestamp returns the block's timestamp.
func (b *Block) Timestamp() uint64 { return b.Header.Time }

// Hash returns the block's header hash.
func (b *Block) Hash() common.Hash { return b.Header.Hash() }

// Notification is the tagged union of the three canonical-chain
// notification variants the host may deliver: a forward-only commit, a
// reorg (old blocks reverted, new blocks applied), or a pure revert.
type Notification interface {
	isNotification()
}

// Committed carries one or more new blocks to apply, oldest first.
type Committed struct {
	New []*Block
}

func (Committed) isNotification() {}

// Reorged carries the old blocks to revert (oldest first, in natural chain
// order, the same order the revert phase replays them in) and the new blocks
// to apply in their place.
type Reorged struct {
	Old []*Block
	New []*Block
}

func (Reorged) isNotification() {}

// Reverted carries old blocks to revert with no replacement.
type Reverted struct {
	Old []*Block
}

func (Reverted) isNotification() {}

// Stream is the host's lazy notification source. Next blocks until a
// notification is available or the stream ends (io.EOF-style via ok=false),
// mirroring how a real node's ExEx-style notification channel is consumed.
type Stream interface {
	Next(ctx context.Context) (Notification, bool, error)
}

// Acknowledger lets the Chain Processor report the highest block height (and
// hash) it has finished processing, so the host can advance its own
// "extension finished at height" watermark. Only committed chains produce an
// acknowledgement; reverts/reorgs have no committed side-effect to report.
type Acknowledger interface {
	Acknowledge(ctx context.Context, height uint64, hash common.Hash) error
}
