package wire

import (
	"encoding/binary"
	"fmt"

	"exchangecore/internal/common"
	"exchangecore/internal/engine"
	"exchangecore/internal/money"

	"github.com/google/uuid"
)

// Ack{external_id, engine_id(8), status(1)} — spec.md §6.
const ackBodyLen = 1 + 16 + 8 + 1

func EncodeAck(externalID uuid.UUID, engineID uint64, status common.OrderStatus) []byte {
	buf := make([]byte, ackBodyLen)
	buf[0] = byte(TypeAck)
	putUUID(buf[1:17], externalID)
	binary.BigEndian.PutUint64(buf[17:25], engineID)
	buf[25] = byte(status)
	return buf
}

const acceptedBodyLen = 1 + 16 + 8

func EncodeAccepted(ev engine.Accepted) []byte {
	buf := make([]byte, acceptedBodyLen)
	buf[0] = byte(TypeAccepted)
	putUUID(buf[1:17], ev.ExternalID)
	binary.BigEndian.PutUint64(buf[17:25], ev.EngineID)
	return buf
}

func DecodeAccepted(body []byte) (engine.Accepted, error) {
	if len(body) < acceptedBodyLen {
		return engine.Accepted{}, ErrMessageTooShort
	}
	return engine.Accepted{
		ExternalID: getUUID(body[1:17]),
		EngineID:   binary.BigEndian.Uint64(body[17:25]),
	}, nil
}

// Fill wire body: type, buy_external_id(16), sell_external_id(16),
// buy_engine_id(8), sell_engine_id(8), price(16), qty(16), taker_side(1),
// ts(8), fill_id as a length-prefixed tail string (deterministic but
// variable-length composite, spec.md §9).
const fillFixedLen = 1 + 16 + 16 + 8 + 8 + 16 + 16 + 1 + 8 + 2

func EncodeFill(ev engine.Fill) ([]byte, error) {
	price, err := encodeFixed16(ev.Price)
	if err != nil {
		return nil, err
	}
	qty, err := encodeFixed16(ev.Quantity)
	if err != nil {
		return nil, err
	}

	fillID := []byte(ev.FillID)
	buf := make([]byte, fillFixedLen+len(fillID))
	buf[0] = byte(TypeFill)
	putUUID(buf[1:17], ev.BuyExternalID)
	putUUID(buf[17:33], ev.SellExternalID)
	binary.BigEndian.PutUint64(buf[33:41], ev.BuyEngineID)
	binary.BigEndian.PutUint64(buf[41:49], ev.SellEngineID)
	copy(buf[49:65], price[:])
	copy(buf[65:81], qty[:])
	buf[81] = byte(ev.TakerSide)
	binary.BigEndian.PutUint64(buf[82:90], uint64(ev.Timestamp.UnixMicro()))
	binary.BigEndian.PutUint16(buf[90:92], uint16(len(fillID)))
	copy(buf[92:], fillID)
	return buf, nil
}

func DecodeFill(body []byte) (engine.Fill, error) {
	if len(body) < fillFixedLen {
		return engine.Fill{}, ErrMessageTooShort
	}
	fillIDLen := int(binary.BigEndian.Uint16(body[90:92]))
	if len(body) < fillFixedLen+fillIDLen {
		return engine.Fill{}, ErrMessageTooShort
	}
	var price, qty fixed16
	copy(price[:], body[49:65])
	copy(qty[:], body[65:81])

	return engine.Fill{
		FillID:         string(body[fillFixedLen : fillFixedLen+fillIDLen]),
		BuyExternalID:  getUUID(body[1:17]),
		SellExternalID: getUUID(body[17:33]),
		BuyEngineID:    binary.BigEndian.Uint64(body[33:41]),
		SellEngineID:   binary.BigEndian.Uint64(body[41:49]),
		Price:          decodeFixed16(price),
		Quantity:       decodeFixed16(qty),
		TakerSide:      common.Side(body[81]),
		Timestamp:      microTime(binary.BigEndian.Uint64(body[82:90])),
	}, nil
}

const cancelledBodyLen = 1 + 16 + 16

func EncodeCancelled(ev engine.Cancelled) ([]byte, error) {
	filled, err := encodeFixed16(ev.FilledQtyAtCx)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, cancelledBodyLen)
	buf[0] = byte(TypeCancelled)
	putUUID(buf[1:17], ev.ExternalID)
	copy(buf[17:33], filled[:])
	return buf, nil
}

func DecodeCancelled(body []byte) (engine.Cancelled, error) {
	if len(body) < cancelledBodyLen {
		return engine.Cancelled{}, ErrMessageTooShort
	}
	var filled fixed16
	copy(filled[:], body[17:33])
	return engine.Cancelled{
		ExternalID:    getUUID(body[1:17]),
		FilledQtyAtCx: decodeFixed16(filled),
	}, nil
}

const rejectedFixedLen = 1 + 16 + 2

func EncodeRejected(ev engine.Rejected) []byte {
	reason := []byte(ev.Reason)
	buf := make([]byte, rejectedFixedLen+len(reason))
	buf[0] = byte(TypeRejected)
	putUUID(buf[1:17], ev.ExternalID)
	binary.BigEndian.PutUint16(buf[17:19], uint16(len(reason)))
	copy(buf[19:], reason)
	return buf
}

func DecodeRejected(body []byte) (engine.Rejected, error) {
	if len(body) < rejectedFixedLen {
		return engine.Rejected{}, ErrMessageTooShort
	}
	n := int(binary.BigEndian.Uint16(body[17:19]))
	if len(body) < rejectedFixedLen+n {
		return engine.Rejected{}, ErrMessageTooShort
	}
	return engine.Rejected{
		ExternalID: getUUID(body[1:17]),
		Reason:     engine.RejectReason(body[rejectedFixedLen : rejectedFixedLen+n]),
	}, nil
}

func encodePriceChanges(changes []engine.PriceChange) ([]byte, error) {
	buf := make([]byte, 2, 2+len(changes)*48)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(changes)))
	for _, c := range changes {
		price, err := encodeFixed16(c.Price)
		if err != nil {
			return nil, err
		}
		oldQ, err := encodeFixed16(c.Old)
		if err != nil {
			return nil, err
		}
		newQ, err := encodeFixed16(c.New)
		if err != nil {
			return nil, err
		}
		buf = append(buf, price[:]...)
		buf = append(buf, oldQ[:]...)
		buf = append(buf, newQ[:]...)
	}
	return buf, nil
}

func decodePriceChanges(body []byte) (changes []engine.PriceChange, consumed int, err error) {
	if len(body) < 2 {
		return nil, 0, ErrMessageTooShort
	}
	n := int(binary.BigEndian.Uint16(body[0:2]))
	offset := 2
	for i := 0; i < n; i++ {
		if len(body) < offset+48 {
			return nil, 0, ErrMessageTooShort
		}
		var price, oldQ, newQ fixed16
		copy(price[:], body[offset:offset+16])
		copy(oldQ[:], body[offset+16:offset+32])
		copy(newQ[:], body[offset+32:offset+48])
		changes = append(changes, engine.PriceChange{
			Price: decodeFixed16(price),
			Old:   decodeFixed16(oldQ),
			New:   decodeFixed16(newQ),
		})
		offset += 48
	}
	return changes, offset, nil
}

// EncodeBookDelta serialises a BookDelta: fixed header, then bid changes,
// ask changes, trades (each length-prefixed), matching spec.md §6's
// "same wire format, length-prefixed" note for event types beyond Fill.
func EncodeBookDelta(ev engine.BookDelta) ([]byte, error) {
	bidBuf, err := encodePriceChanges(ev.BidChanges)
	if err != nil {
		return nil, err
	}
	askBuf, err := encodePriceChanges(ev.AskChanges)
	if err != nil {
		return nil, err
	}

	tradesBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(tradesBuf[0:2], uint16(len(ev.Trades)))
	for _, f := range ev.Trades {
		fb, err := EncodeFill(f)
		if err != nil {
			return nil, err
		}
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(fb)))
		tradesBuf = append(tradesBuf, lenBuf...)
		tradesBuf = append(tradesBuf, fb...)
	}

	totalBid, err := encodeFixed16(ev.TotalBidAmount)
	if err != nil {
		return nil, err
	}
	totalAsk, err := encodeFixed16(ev.TotalAskAmount)
	if err != nil {
		return nil, err
	}
	high, err := encodeFixed16(ev.Stats.High)
	if err != nil {
		return nil, err
	}
	low, err := encodeFixed16(ev.Stats.Low)
	if err != nil {
		return nil, err
	}
	open, err := encodeFixed16(ev.Stats.Open)
	if err != nil {
		return nil, err
	}
	volume, err := encodeFixed16(ev.Stats.Volume)
	if err != nil {
		return nil, err
	}

	symbol := []byte(ev.Symbol)
	head := make([]byte, 1+2+len(symbol)+8+8+16+16+16+16+16+16)
	head[0] = byte(TypeBookDelta)
	binary.BigEndian.PutUint16(head[1:3], uint16(len(symbol)))
	offset := copy(head[3:], symbol) + 3
	binary.BigEndian.PutUint64(head[offset:offset+8], ev.Seq)
	offset += 8
	binary.BigEndian.PutUint64(head[offset:offset+8], uint64(ev.Timestamp.UnixMicro()))
	offset += 8
	offset += copy(head[offset:], totalBid[:])
	offset += copy(head[offset:], totalAsk[:])
	offset += copy(head[offset:], high[:])
	offset += copy(head[offset:], low[:])
	offset += copy(head[offset:], open[:])
	offset += copy(head[offset:], volume[:])

	out := append(head, bidBuf...)
	out = append(out, askBuf...)
	out = append(out, tradesBuf...)
	return out, nil
}

func DecodeBookDelta(body []byte) (engine.BookDelta, error) {
	if len(body) < 3 {
		return engine.BookDelta{}, ErrMessageTooShort
	}
	symLen := int(binary.BigEndian.Uint16(body[1:3]))
	offset := 3
	if len(body) < offset+symLen+8+8+16*6 {
		return engine.BookDelta{}, ErrMessageTooShort
	}
	symbol := common.Symbol(body[offset : offset+symLen])
	offset += symLen
	seq := binary.BigEndian.Uint64(body[offset : offset+8])
	offset += 8
	ts := microTime(binary.BigEndian.Uint64(body[offset : offset+8]))
	offset += 8

	readFixed := func() money.D {
		var f fixed16
		copy(f[:], body[offset:offset+16])
		offset += 16
		return decodeFixed16(f)
	}
	totalBid := readFixed()
	totalAsk := readFixed()
	high := readFixed()
	low := readFixed()
	open := readFixed()
	volume := readFixed()

	bidChanges, n, err := decodePriceChanges(body[offset:])
	if err != nil {
		return engine.BookDelta{}, err
	}
	offset += n

	askChanges, n, err := decodePriceChanges(body[offset:])
	if err != nil {
		return engine.BookDelta{}, err
	}
	offset += n

	if len(body) < offset+2 {
		return engine.BookDelta{}, ErrMessageTooShort
	}
	tradeCount := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	trades := make([]engine.Fill, 0, tradeCount)
	for i := 0; i < tradeCount; i++ {
		if len(body) < offset+4 {
			return engine.BookDelta{}, ErrMessageTooShort
		}
		fl := int(binary.BigEndian.Uint32(body[offset : offset+4]))
		offset += 4
		if len(body) < offset+fl {
			return engine.BookDelta{}, ErrMessageTooShort
		}
		f, err := DecodeFill(body[offset : offset+fl])
		if err != nil {
			return engine.BookDelta{}, fmt.Errorf("wire: decoding trade %d: %w", i, err)
		}
		trades = append(trades, f)
		offset += fl
	}

	return engine.BookDelta{
		Symbol:         symbol,
		BidChanges:     bidChanges,
		AskChanges:     askChanges,
		Trades:         trades,
		Seq:            seq,
		Timestamp:      ts,
		TotalBidAmount: totalBid,
		TotalAskAmount: totalAsk,
		Stats:          engine.Stats24h{High: high, Low: low, Open: open, Volume: volume},
	}, nil
}

// EncodeEvent dispatches ev to its wire encoder.
func EncodeEvent(ev engine.Event) ([]byte, error) {
	switch e := ev.(type) {
	case engine.Accepted:
		return EncodeAccepted(e), nil
	case engine.Fill:
		return EncodeFill(e)
	case engine.Cancelled:
		return EncodeCancelled(e)
	case engine.Rejected:
		return EncodeRejected(e), nil
	case engine.BookDelta:
		return EncodeBookDelta(e)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, ev)
	}
}

// DecodeEvent dispatches on body[0] to the right event decoder.
func DecodeEvent(body []byte) (engine.Event, error) {
	if len(body) < 1 {
		return nil, ErrMessageTooShort
	}
	switch MessageType(body[0]) {
	case TypeAccepted:
		return DecodeAccepted(body)
	case TypeFill:
		return DecodeFill(body)
	case TypeCancelled:
		return DecodeCancelled(body)
	case TypeRejected:
		return DecodeRejected(body)
	case TypeBookDelta:
		return DecodeBookDelta(body)
	default:
		return nil, ErrUnknownType
	}
}
