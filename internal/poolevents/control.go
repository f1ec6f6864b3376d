package poolevents

import (
	"bytes"
	"fmt"
)

// ControlKind is the 4-byte outer discriminant carried by every frame on the
// subscriber socket. Values are fixed by the wire protocol and must not be
// renumbered.
type ControlKind uint32

const (
	ControlUpdateWhitelist ControlKind = iota // 0: reserved, producer never emits
	ControlBeginBlock                         // 1
	ControlPoolUpdate                         // 2
	ControlEndBlock                           // 3
	ControlPing                               // 4
	ControlPong                               // 5
	ControlReorgStart                         // 6
	ControlReorgComplete                      // 7
)

// ControlMessage is the tagged union of frame types emitted on the wire.
type ControlMessage interface {
	ControlKind() ControlKind
}

// UpdateWhitelistMsg is reserved wire space; the producer never emits it, but
// the codec supports it so the frame format stays total over ControlKind.
type UpdateWhitelistMsg struct {
	Seq    uint64
	Update WhitelistUpdate
}

func (UpdateWhitelistMsg) ControlKind() ControlKind { return ControlUpdateWhitelist }

// MarshalBinary encodes m the way EncodeControlMessage would, without the
// frame length prefix WriteFrame adds.
func (m UpdateWhitelistMsg) MarshalBinary() ([]byte, error) { return marshalControlMessage(m) }

// UnmarshalBinary decodes data into m, failing if it encodes a different
// ControlMessage variant.
func (m *UpdateWhitelistMsg) UnmarshalBinary(data []byte) error {
	return unmarshalControlMessageInto(data, m)
}

// BeginBlockMsg opens a block-atomic window; only PoolUpdateMsg frames for
// BlockNumber may appear before the matching EndBlockMsg.
type BeginBlockMsg struct {
	Seq            uint64
	BlockNumber    uint64
	BlockTimestamp uint64
	IsRevert       bool
}

func (BeginBlockMsg) ControlKind() ControlKind { return ControlBeginBlock }

// MarshalBinary encodes m the way EncodeControlMessage would, without the
// frame length prefix WriteFrame adds.
func (m BeginBlockMsg) MarshalBinary() ([]byte, error) { return marshalControlMessage(m) }

// UnmarshalBinary decodes data into m, failing if it encodes a different
// ControlMessage variant.
func (m *BeginBlockMsg) UnmarshalBinary(data []byte) error {
	return unmarshalControlMessageInto(data, m)
}

// PoolUpdateMsg carries one decoded, filtered pool delta.
type PoolUpdateMsg struct {
	Seq      uint64
	Envelope PoolUpdateMessage
}

func (PoolUpdateMsg) ControlKind() ControlKind { return ControlPoolUpdate }

// MarshalBinary encodes m the way EncodeControlMessage would, without the
// frame length prefix WriteFrame adds.
func (m PoolUpdateMsg) MarshalBinary() ([]byte, error) { return marshalControlMessage(m) }

// UnmarshalBinary decodes data into m, failing if it encodes a different
// ControlMessage variant.
func (m *PoolUpdateMsg) UnmarshalBinary(data []byte) error {
	return unmarshalControlMessageInto(data, m)
}

// EndBlockMsg closes the block-atomic window opened by BeginBlockMsg.
type EndBlockMsg struct {
	Seq         uint64
	BlockNumber uint64
	NumUpdates  uint64
}

func (EndBlockMsg) ControlKind() ControlKind { return ControlEndBlock }

// MarshalBinary encodes m the way EncodeControlMessage would, without the
// frame length prefix WriteFrame adds.
func (m EndBlockMsg) MarshalBinary() ([]byte, error) { return marshalControlMessage(m) }

// UnmarshalBinary decodes data into m, failing if it encodes a different
// ControlMessage variant.
func (m *EndBlockMsg) UnmarshalBinary(data []byte) error {
	return unmarshalControlMessageInto(data, m)
}

// PingMsg / PongMsg are heartbeat frames. No producer path in this
// implementation emits them by default; see socket.WithHeartbeat.
type PingMsg struct{ Seq uint64 }

func (PingMsg) ControlKind() ControlKind { return ControlPing }

// MarshalBinary encodes m the way EncodeControlMessage would, without the
// frame length prefix WriteFrame adds.
func (m PingMsg) MarshalBinary() ([]byte, error) { return marshalControlMessage(m) }

// UnmarshalBinary decodes data into m, failing if it encodes a different
// ControlMessage variant.
func (m *PingMsg) UnmarshalBinary(data []byte) error { return unmarshalControlMessageInto(data, m) }

type PongMsg struct{ Seq uint64 }

func (PongMsg) ControlKind() ControlKind { return ControlPong }

// MarshalBinary encodes m the way EncodeControlMessage would, without the
// frame length prefix WriteFrame adds.
func (m PongMsg) MarshalBinary() ([]byte, error) { return marshalControlMessage(m) }

// UnmarshalBinary decodes data into m, failing if it encodes a different
// ControlMessage variant.
func (m *PongMsg) UnmarshalBinary(data []byte) error { return unmarshalControlMessageInto(data, m) }

// ReorgRange summarizes a contiguous block range touched by a reorg/revert.
// FirstBlock/LastBlock are nil when BlockCount is zero (e.g. an empty "new"
// range on a pure revert).
type ReorgRange struct {
	FirstBlock *uint64
	LastBlock  *uint64
	BlockCount uint64
}

// ReorgStartMsg opens the outer bracket around one or more block windows
// being reverted and/or applied as part of a single reorg.
type ReorgStartMsg struct {
	Seq      uint64
	OldRange ReorgRange
	NewRange ReorgRange
}

func (ReorgStartMsg) ControlKind() ControlKind { return ControlReorgStart }

// MarshalBinary encodes m the way EncodeControlMessage would, without the
// frame length prefix WriteFrame adds.
func (m ReorgStartMsg) MarshalBinary() ([]byte, error) { return marshalControlMessage(m) }

// UnmarshalBinary decodes data into m, failing if it encodes a different
// ControlMessage variant.
func (m *ReorgStartMsg) UnmarshalBinary(data []byte) error {
	return unmarshalControlMessageInto(data, m)
}

// ReorgCompleteMsg closes the bracket opened by ReorgStartMsg and attaches
// the deterministic slot0 resync hint list.
type ReorgCompleteMsg struct {
	Seq                 uint64
	FinalTipBlock       uint64
	Slot0ResyncRequired []PoolIdentifier
}

func (ReorgCompleteMsg) ControlKind() ControlKind { return ControlReorgComplete }

// MarshalBinary encodes m the way EncodeControlMessage would, without the
// frame length prefix WriteFrame adds.
func (m ReorgCompleteMsg) MarshalBinary() ([]byte, error) { return marshalControlMessage(m) }

// UnmarshalBinary decodes data into m, failing if it encodes a different
// ControlMessage variant.
func (m *ReorgCompleteMsg) UnmarshalBinary(data []byte) error {
	return unmarshalControlMessageInto(data, m)
}

// marshalControlMessage and unmarshalControlMessageInto back every
// ControlMessage variant's MarshalBinary/UnmarshalBinary pair, the way
// go-ethereum's rlp.Encoder/Decoder implementations compose a type-specific
// method around a shared stream codec.
func marshalControlMessage(msg ControlMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeControlMessage(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalControlMessageInto(data []byte, out ControlMessage) error {
	decoded, err := DecodeControlMessage(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return assignControlMessage(decoded, out)
}

// assignControlMessage copies decoded into *out via a type switch, rejecting
// a mismatch between the wire discriminant and the concrete type being
// unmarshaled into.
func assignControlMessage(decoded ControlMessage, out ControlMessage) error {
	switch o := out.(type) {
	case *UpdateWhitelistMsg:
		v, ok := decoded.(UpdateWhitelistMsg)
		if !ok {
			return fmt.Errorf("poolevents: decoded %T, want %T", decoded, *o)
		}
		*o = v
	case *BeginBlockMsg:
		v, ok := decoded.(BeginBlockMsg)
		if !ok {
			return fmt.Errorf("poolevents: decoded %T, want %T", decoded, *o)
		}
		*o = v
	case *PoolUpdateMsg:
		v, ok := decoded.(PoolUpdateMsg)
		if !ok {
			return fmt.Errorf("poolevents: decoded %T, want %T", decoded, *o)
		}
		*o = v
	case *EndBlockMsg:
		v, ok := decoded.(EndBlockMsg)
		if !ok {
			return fmt.Errorf("poolevents: decoded %T, want %T", decoded, *o)
		}
		*o = v
	case *PingMsg:
		v, ok := decoded.(PingMsg)
		if !ok {
			return fmt.Errorf("poolevents: decoded %T, want %T", decoded, *o)
		}
		*o = v
	case *PongMsg:
		v, ok := decoded.(PongMsg)
		if !ok {
			return fmt.Errorf("poolevents: decoded %T, want %T", decoded, *o)
		}
		*o = v
	case *ReorgStartMsg:
		v, ok := decoded.(ReorgStartMsg)
		if !ok {
			return fmt.Errorf("poolevents: decoded %T, want %T", decoded, *o)
		}
		*o = v
	case *ReorgCompleteMsg:
		v, ok := decoded.(ReorgCompleteMsg)
		if !ok {
			return fmt.Errorf("poolevents: decoded %T, want %T", decoded, *o)
		}
		*o = v
	default:
		return fmt.Errorf("poolevents: unmarshal target %T not a known ControlMessage variant", out)
	}
	return nil
}
