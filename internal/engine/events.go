package engine

import (
	"time"

	"exchangecore/internal/common"
	"exchangecore/internal/money"

	"github.com/google/uuid"
)

// RejectReason classifies why a command was rejected before any state
// change (spec.md §4.2, §7).
type RejectReason string

const (
	ReasonInvalidOrder RejectReason = "INVALID_ORDER"
	ReasonSlippage     RejectReason = "SLIPPAGE_EXCEEDED"
	ReasonNotFound     RejectReason = "NOT_FOUND"
	ReasonQueueFull    RejectReason = "QUEUE_FULL"
)

// Event is the sealed set of things the engine publishes on its event
// channel (spec.md §4.2 "Outputs (event channel, ordered, at-least-once)").
type Event interface {
	isEvent()
}

// Accepted is emitted immediately after admission, before any Fill it produces.
type Accepted struct {
	ExternalID uuid.UUID
	EngineID   uint64
}

func (Accepted) isEvent() {}

// Fill is one match, carrying the deterministic composite fill id spec.md
// §3/§9 describes: "<buy_engine_id>:<sell_engine_id>:<buy_fill_seq>".
type Fill struct {
	FillID         string
	BuyExternalID  uuid.UUID
	SellExternalID uuid.UUID
	BuyEngineID    uint64
	SellEngineID   uint64
	Price          money.D
	Quantity       money.D
	TakerSide      common.Side
	Timestamp      time.Time
}

func (Fill) isEvent() {}

// Cancelled is emitted on successful cancel, and also for market-order
// residuals and slippage-stopped residuals (spec.md §4.2).
type Cancelled struct {
	ExternalID    uuid.UUID
	FilledQtyAtCx money.D
}

func (Cancelled) isEvent() {}

// Rejected is emitted before any state change (spec.md §4.2, §7).
type Rejected struct {
	ExternalID uuid.UUID
	Reason     RejectReason
}

func (Rejected) isEvent() {}

// PriceChange is one (price, old, new) tuple in a BookDelta (spec.md §4.2).
type PriceChange struct {
	Price money.D
	Old   money.D
	New   money.D
}

// Stats24h is the rolling 24h window summary published with every
// BookDelta (spec.md §4.2 "24-hour statistics").
type Stats24h struct {
	High   money.D
	Low    money.D
	Open   money.D
	Volume money.D
}

// BookDelta is the periodic aggregated top-N snapshot (spec.md §4.2). It is
// published even with no changes, as a heartbeat at least once per second.
type BookDelta struct {
	Symbol         common.Symbol
	BidChanges     []PriceChange
	AskChanges     []PriceChange
	Trades         []Fill
	Seq            uint64
	Timestamp      time.Time
	TotalBidAmount money.D
	TotalAskAmount money.D
	Stats          Stats24h
}

func (BookDelta) isEvent() {}
