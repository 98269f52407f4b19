// Package wire implements the engine's external binary protocol: commands
// (Place/Cancel) flowing in, events (Accepted/Fill/Cancelled/Rejected/
// BookDelta) flowing out, each framed as a big-endian length prefix
// followed by a one-byte message type and a fixed/variable body. It
// generalizes the teacher's internal/net/messages.go (BaseMessage header +
// binary.BigEndian field packing) from the teacher's float64 price/uint64
// quantity encoding to the 128-bit fixed-point decimal spec.md §6 calls
// for ("price(16 fixed-point)").
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"exchangecore/internal/common"
	"exchangecore/internal/engine"
	"exchangecore/internal/money"

	"github.com/google/uuid"
)

func microTime(micro uint64) time.Time {
	return time.UnixMicro(int64(micro)).UTC()
}

var (
	ErrMessageTooShort = errors.New("wire: message too short")
	ErrUnknownType     = errors.New("wire: unknown message type")
	ErrValueOverflow   = errors.New("wire: decimal value overflows 128-bit wire field")
)

// MessageType tags a frame's body (spec.md §6 "Engine command protocol" /
// "Engine event protocol").
type MessageType uint8

const (
	TypePlace MessageType = iota
	TypeCancel
	TypeAck
	TypeAccepted
	TypeFill
	TypeCancelled
	TypeRejected
	TypeBookDelta
)

// fixed16 is the wire representation of a Decimal at money.Scale fractional
// digits: a 128-bit unsigned big-endian integer, i.e. value * 10^Scale.
// Negative values never cross this boundary (price/qty/max_slippage are
// always non-negative).
type fixed16 = [16]byte

func encodeFixed16(d money.D) (fixed16, error) {
	var buf fixed16
	if d.IsNegative() {
		return buf, fmt.Errorf("%w: negative value %s", ErrValueOverflow, d.String())
	}
	scaled := d.Shift(money.Scale).Truncate(0)
	bi, ok := new(big.Int).SetString(scaled.StringFixed(0), 10)
	if !ok {
		return buf, fmt.Errorf("%w: cannot parse %s", ErrValueOverflow, d.String())
	}
	b := bi.Bytes()
	if len(b) > len(buf) {
		return buf, fmt.Errorf("%w: %s", ErrValueOverflow, d.String())
	}
	copy(buf[len(buf)-len(b):], b)
	return buf, nil
}

func decodeFixed16(buf fixed16) money.D {
	bi := new(big.Int).SetBytes(buf[:])
	return money.NewFromBigInt(bi, -money.Scale)
}

func putUUID(dst []byte, id uuid.UUID) {
	copy(dst, id[:])
}

func getUUID(src []byte) uuid.UUID {
	var id uuid.UUID
	copy(id[:], src)
	return id
}

// WriteFrame prepends a 4-byte big-endian length prefix to body.
func WriteFrame(body []byte) []byte {
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

// SplitFrame consumes one length-prefixed frame off buf, returning the body
// and the number of bytes consumed. ok is false if buf doesn't yet hold a
// complete frame (the caller should read more and retry).
func SplitFrame(buf []byte) (body []byte, consumed int, ok bool) {
	if len(buf) < 4 {
		return nil, 0, false
	}
	n := int(binary.BigEndian.Uint32(buf[0:4]))
	if len(buf) < 4+n {
		return nil, 0, false
	}
	return buf[4 : 4+n], 4 + n, true
}

const placeBodyLen = 1 + 16 + 1 + 1 + 16 + 16 + 16 + 1 + 8 // type,extid,side,kind,price,qty,slippage,hasSlippage,ts

// EncodePlace serialises cmd to its wire body (spec.md §6 "Place{external_id
// (16 bytes), side(1), kind(1), price(16), qty(16), max_slippage(16
// optional), ts(8)}" — max_slippage is always present on the wire, gated by
// a HasSlippage flag byte).
func EncodePlace(cmd engine.Place) ([]byte, error) {
	price, err := encodeFixed16(cmd.Price)
	if err != nil {
		return nil, err
	}
	qty, err := encodeFixed16(cmd.Quantity)
	if err != nil {
		return nil, err
	}
	slip, err := encodeFixed16(cmd.MaxSlippage)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, placeBodyLen)
	buf[0] = byte(TypePlace)
	putUUID(buf[1:17], cmd.ExternalID)
	buf[17] = byte(cmd.Side)
	buf[18] = byte(cmd.Kind)
	copy(buf[19:35], price[:])
	copy(buf[35:51], qty[:])
	copy(buf[51:67], slip[:])
	if cmd.HasSlippage {
		buf[67] = 1
	}
	binary.BigEndian.PutUint64(buf[68:76], uint64(cmd.Timestamp.UnixMicro()))
	return buf, nil
}

func DecodePlace(body []byte) (engine.Place, error) {
	if len(body) < placeBodyLen {
		return engine.Place{}, ErrMessageTooShort
	}
	if MessageType(body[0]) != TypePlace {
		return engine.Place{}, ErrUnknownType
	}
	var price, qty, slip fixed16
	copy(price[:], body[19:35])
	copy(qty[:], body[35:51])
	copy(slip[:], body[51:67])

	return engine.Place{
		ExternalID:  getUUID(body[1:17]),
		Side:        common.Side(body[17]),
		Kind:        common.OrderKind(body[18]),
		Price:       decodeFixed16(price),
		Quantity:    decodeFixed16(qty),
		MaxSlippage: decodeFixed16(slip),
		HasSlippage: body[67] != 0,
		Timestamp:   microTime(binary.BigEndian.Uint64(body[68:76])),
	}, nil
}

const cancelBodyLen = 1 + 16 + 8

// EncodeCancel serialises cmd (spec.md §6 "Cancel{external_id(16), ts(8)}").
func EncodeCancel(cmd engine.Cancel) []byte {
	buf := make([]byte, cancelBodyLen)
	buf[0] = byte(TypeCancel)
	putUUID(buf[1:17], cmd.ExternalID)
	binary.BigEndian.PutUint64(buf[17:25], uint64(cmd.Timestamp.UnixMicro()))
	return buf
}

func DecodeCancel(body []byte) (engine.Cancel, error) {
	if len(body) < cancelBodyLen {
		return engine.Cancel{}, ErrMessageTooShort
	}
	if MessageType(body[0]) != TypeCancel {
		return engine.Cancel{}, ErrUnknownType
	}
	return engine.Cancel{
		ExternalID: getUUID(body[1:17]),
		Timestamp:  microTime(binary.BigEndian.Uint64(body[17:25])),
	}, nil
}

// DecodeCommand dispatches on body[0] to the right command decoder.
func DecodeCommand(body []byte) (engine.Command, error) {
	if len(body) < 1 {
		return nil, ErrMessageTooShort
	}
	switch MessageType(body[0]) {
	case TypePlace:
		return DecodePlace(body)
	case TypeCancel:
		return DecodeCancel(body)
	default:
		return nil, ErrUnknownType
	}
}
