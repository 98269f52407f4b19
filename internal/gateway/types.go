// Package gateway defines the JSON wire contract the out-of-scope
// WebSocket frontend would consume (spec.md §6 "Client stream protocol"),
// plus a thin relay that republishes engine.BookDelta and ClientOrder
// lifecycle transitions onto subscriber channels. It deliberately stops at
// the contract: no auth, no REST, no OHLCV, no UI (spec.md Non-goals).
package gateway

import "exchangecore/internal/money"

// SubscribeRequest is the inbound "subscribe" action (spec.md §6). Channel
// follows "book.<SYMBOL>.none.<DEPTH>.<INTERVAL>".
type SubscribeRequest struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// PriceChangeWire is the [price, old, new] tuple the notification payload
// carries for each side of the book (spec.md §6).
type PriceChangeWire [3]money.D

// Stats24hWire mirrors engine.Stats24h for JSON transport.
type Stats24hWire struct {
	High   money.D `json:"high"`
	Low    money.D `json:"low"`
	Open   money.D `json:"open"`
	Volume money.D `json:"volume"`
}

// TradeWire is one public trade print inside a book notification.
type TradeWire struct {
	Price    money.D `json:"price"`
	Quantity money.D `json:"quantity"`
	Side     string  `json:"side"`
}

// BookNotification is the per-channel push (spec.md §6 "Notification").
type BookNotification struct {
	Trades         []TradeWire       `json:"trades"`
	BidChanges     []PriceChangeWire `json:"bid_changes"`
	AskChanges     []PriceChangeWire `json:"ask_changes"`
	TotalBidAmount money.D           `json:"total_bid_amount"`
	TotalAskAmount money.D           `json:"total_ask_amount"`
	TimeUnixMicro  int64             `json:"time"`
	Stats24h       Stats24hWire      `json:"stats_24h"`
}

// Envelope wraps a BookNotification with its channel name, the outer
// object the subscribe contract describes.
type Envelope struct {
	ChannelName  string           `json:"channel_name"`
	Notification BookNotification `json:"notification"`
}

// OrderLifecycleEventType distinguishes the two push types to an
// authenticated client (spec.md §6 "Order lifecycle").
type OrderLifecycleEventType string

const (
	OrderFilled    OrderLifecycleEventType = "order_filled"
	OrderCancelled OrderLifecycleEventType = "order_cancelled"
)

// OrderLifecycleEvent is pushed to the owning client outside any
// channel subscription.
type OrderLifecycleEvent struct {
	Type           OrderLifecycleEventType `json:"type"`
	OrderID        string                  `json:"order_id"`
	FilledQuantity money.D                 `json:"filled_quantity"`
}
