package engine

import (
	"time"

	"exchangecore/internal/common"
	"exchangecore/internal/money"

	"github.com/google/uuid"
)

// Command is the sealed set of things submitted on the engine's command
// channel (spec.md §4.2 "Inputs (command channel)").
type Command interface {
	isCommand()
}

// Place submits a new order. Price is ignored for Kind == Market;
// MaxSlippage/HasSlippage are only meaningful for a market order
// (spec.md §6 wire protocol: "max_slippage(16 optional)").
type Place struct {
	ExternalID  uuid.UUID
	Side        common.Side
	Kind        common.OrderKind
	Price       money.D
	Quantity    money.D
	MaxSlippage money.D
	HasSlippage bool
	Timestamp   time.Time
}

func (Place) isCommand() {}

// Cancel requests removal of a resting order by its external id.
type Cancel struct {
	ExternalID uuid.UUID
	Timestamp  time.Time
}

func (Cancel) isCommand() {}
