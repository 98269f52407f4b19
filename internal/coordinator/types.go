// Package coordinator implements C4, the order lifecycle coordinator: it
// bridges client order intent to the engine (C2), driving fund locking
// through the ledger (C3) and the ClientOrder state machine of spec.md
// §4.4. It generalizes the teacher's internal/net.Server message-handling
// loop (a tomb-supervised goroutine consuming a channel and dispatching by
// message type) from TCP wire messages to the engine's in-process event
// channel.
package coordinator

import (
	"errors"
	"time"

	"exchangecore/internal/common"
	"exchangecore/internal/money"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound     = errors.New("coordinator: order not found")
	ErrUnauthorized      = errors.New("coordinator: user does not own order")
	ErrEngineUnavailable = errors.New("coordinator: engine did not acknowledge command within retry budget")
	ErrInvalidOrder      = errors.New("coordinator: invalid order request")
)

// ClientOrder is the coordinator's persistent view of one order (spec.md
// §3). lock_entry_id is recorded as the ref string the ledger primitive
// was called with, since MemoryStore/PostgresStore key entries by that
// string rather than a numeric id the coordinator would otherwise have to
// round-trip.
type ClientOrder struct {
	ExternalID   uuid.UUID
	User         uuid.UUID
	Symbol       common.Symbol
	Side         common.Side
	Kind         common.OrderKind
	Price        money.D
	Quantity     money.D
	MaxSlippage  money.D
	FilledQty    money.D
	LockAsset    string
	LockAmount   money.D
	LockConsumed money.D // sum of locked-asset consumed by settled fills so far
	LockRef      string
	Status       common.OrderStatus
	RejectReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PlaceRequest is the external order intent submitted to Place (spec.md
// §4.4 "place(order_request)").
type PlaceRequest struct {
	ExternalID     uuid.UUID
	User           uuid.UUID
	Symbol         common.Symbol
	Side           common.Side
	Kind           common.OrderKind
	Price          money.D // required for Kind == Limit
	Quantity       money.D
	MaxSlippagePct money.D // optional override of cfg.LockSlippagePct for this order
}

// DeadFill is a fill whose settlement persistently failed, surfaced for
// operator alerting (spec.md §7 "the fill goes to a dead-letter channel
// with operator alert; the engine continues").
type DeadFill struct {
	FillID string
	Err    error
	At     time.Time
}

// LifecycleEventType distinguishes the two terminal transitions a gateway
// relay pushes to the owning client (spec.md §6 "Order lifecycle").
type LifecycleEventType string

const (
	LifecycleFilled    LifecycleEventType = "order_filled"
	LifecycleCancelled LifecycleEventType = "order_cancelled"
)

// LifecycleEvent is emitted once an order reaches Filled or Cancelled, for
// an out-of-process relay (internal/gateway) to fan out to its owner.
type LifecycleEvent struct {
	Type           LifecycleEventType
	User           uuid.UUID
	OrderID        uuid.UUID
	FilledQuantity money.D
}
