// Package whitelist subscribes to the NATS-delivered pool whitelist for a
// single chain and translates each payload into a poolevents.WhitelistUpdate
// for the Pool Tracker's queue.
package whitelist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/nats-io/nats.go"

	"github.com/ethpools/liquidity-exex/internal/poolevents"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Sink is the destination for translated whitelist updates. *tracker.Tracker
// satisfies it.
type Sink interface {
	QueueUpdate(poolevents.WhitelistUpdate)
}

// Config configures an Ingestor.
type Config struct {
	// URL is the NATS server URL, e.g. nats://localhost:4222.
	URL string
	// Chain names the chain segment of the subscribed subject,
	// whitelist.pools.<Chain>.minimal.
	Chain string
}

// Ingestor subscribes to the whitelist subject for one chain and forwards
// parsed updates to a Sink, reconnecting indefinitely with exponential
// backoff on connection loss.
type Ingestor struct {
	cfg  Config
	sink Sink
}

// New creates an Ingestor that will publish parsed updates to sink.
func New(cfg Config, sink Sink) *Ingestor {
	return &Ingestor{cfg: cfg, sink: sink}
}

func (in *Ingestor) subject() string {
	return fmt.Sprintf("whitelist.pools.%s.minimal", in.cfg.Chain)
}

// Run connects to NATS and processes whitelist messages until ctx is
// cancelled. A connection failure is logged and retried with exponential
// backoff (1s doubling to a 30s cap); it never gives up.
func (in *Ingestor) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := in.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Warn("whitelist: connection lost, reconnecting", "err", err, "backoff", backoff)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (in *Ingestor) runOnce(ctx context.Context) error {
	nc, err := nats.Connect(in.cfg.URL,
		nats.Name("liquidity-exex"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("whitelist: nats disconnected", "err", err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(in.subject(), msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", in.subject(), err)
	}
	defer sub.Unsubscribe()

	log.Info("whitelist: subscribed", "subject", in.subject())
	// Run's backoff is not reset by a live subscription: it keeps doubling
	// across reconnects up to maxBackoff. This loop returns nil when ctx is
	// cancelled and an error when the subscription channel closes.
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			in.handle(m.Data)
		}
	}
}

func (in *Ingestor) handle(payload []byte) {
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Warn("whitelist: malformed payload, skipping", "err", err)
		return
	}
	update, err := translate(msg)
	if err != nil {
		log.Warn("whitelist: rejecting payload", "err", err, "type", msg.Type)
		return
	}
	// snapshot_id and chain are advisory: logged for diagnostics, never
	// consulted for ordering or correctness.
	log.Debug("whitelist: applying update", "type", msg.Type, "chain", msg.Chain, "snapshotID", msg.SnapshotID, "pools", len(msg.Pools))
	in.sink.QueueUpdate(update)
}

// wireMessage is the minimal whitelist payload schema published to
// whitelist.pools.<chain>.minimal.
type wireMessage struct {
	Type       string   `json:"type"`
	Pools      []string `json:"pools"`
	Protocols  []string `json:"protocols"`
	Chain      string   `json:"chain"`
	Timestamp  string   `json:"timestamp"` // RFC3339, logged only
	SnapshotID *int64   `json:"snapshot_id"`
}

func translate(msg wireMessage) (poolevents.WhitelistUpdate, error) {
	switch msg.Type {
	case "add":
		pools, err := parsePools(msg.Pools, msg.Protocols)
		if err != nil {
			return poolevents.WhitelistUpdate{}, err
		}
		return poolevents.WhitelistUpdate{Kind: poolevents.WhitelistAdd, Pools: pools}, nil
	case "full":
		pools, err := parsePools(msg.Pools, msg.Protocols)
		if err != nil {
			return poolevents.WhitelistUpdate{}, err
		}
		return poolevents.WhitelistUpdate{Kind: poolevents.WhitelistReplace, Pools: pools}, nil
	case "remove":
		ids := make([]poolevents.PoolIdentifier, 0, len(msg.Pools))
		for _, raw := range msg.Pools {
			id, err := parsePoolIdentifier(raw)
			if err != nil {
				log.Warn("whitelist: skipping invalid pool entry in remove payload", "entry", raw, "err", err)
				continue
			}
			ids = append(ids, id)
		}
		return poolevents.WhitelistUpdate{Kind: poolevents.WhitelistRemove, IDs: ids}, nil
	default:
		return poolevents.WhitelistUpdate{}, fmt.Errorf("unknown whitelist message type %q", msg.Type)
	}
}

// parsePools builds PoolMetadata entries from the pools/protocols parallel
// arrays, skipping (and logging) any entry that fails to parse rather than
// rejecting the whole payload.
func parsePools(pools, protocols []string) ([]poolevents.PoolMetadata, error) {
	if len(pools) != len(protocols) {
		return nil, fmt.Errorf("pools (%d) and protocols (%d) length mismatch", len(pools), len(protocols))
	}
	out := make([]poolevents.PoolMetadata, 0, len(pools))
	for i, raw := range pools {
		id, err := parsePoolIdentifier(raw)
		if err != nil {
			log.Warn("whitelist: skipping invalid pool entry", "entry", raw, "err", err)
			continue
		}
		proto, err := parseProtocol(protocols[i])
		if err != nil {
			log.Warn("whitelist: skipping pool entry with invalid protocol", "entry", raw, "protocol", protocols[i], "err", err)
			continue
		}
		out = append(out, poolevents.PoolMetadata{Pool: id, Protocol: proto})
	}
	return out, nil
}

// parsePoolIdentifier parses a hex pool entry by its byte length: a 20-byte
// value is an address (V2/V3), a 32-byte value is an opaque V4 pool key.
func parsePoolIdentifier(raw string) (poolevents.PoolIdentifier, error) {
	hexStr := strings.TrimPrefix(raw, "0x")
	switch len(hexStr) {
	case 40:
		if !common.IsHexAddress(raw) {
			return poolevents.PoolIdentifier{}, fmt.Errorf("invalid address %q", raw)
		}
		return poolevents.AddressIdentifier(common.HexToAddress(raw)), nil
	case 64:
		b := common.FromHex(raw)
		if len(b) != 32 {
			return poolevents.PoolIdentifier{}, fmt.Errorf("invalid pool key %q", raw)
		}
		var key [32]byte
		copy(key[:], b)
		return poolevents.PoolKeyIdentifier(key), nil
	default:
		return poolevents.PoolIdentifier{}, fmt.Errorf("pool entry %q has unrecognized length %d", raw, len(hexStr))
	}
}

func parseProtocol(s string) (poolevents.Protocol, error) {
	switch strings.ToLower(s) {
	case "v2":
		return poolevents.ProtocolV2, nil
	case "v3":
		return poolevents.ProtocolV3, nil
	case "v4":
		return poolevents.ProtocolV4, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}
