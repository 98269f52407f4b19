package orderbook

import (
	"exchangecore/internal/common"
	"exchangecore/internal/money"

	"github.com/google/uuid"
)

// Order is a resting or in-flight book order (spec.md §3). EngineID is
// process-unique and monotonically increasing; it is the only identity the
// orderbook itself reasons about. ExternalID is carried through purely so
// engine events can be addressed back to the coordinator's UUID — the book
// never branches on it.
type Order struct {
	EngineID    uint64
	ExternalID  uuid.UUID
	Side        common.Side
	Kind        common.OrderKind
	Price       money.D // meaningless for Kind == Market
	Quantity    money.D // original requested quantity
	Remaining   money.D // quantity left to fill
	MaxSlippage money.D // worst acceptable price; only applied when HasSlippage is set
	HasSlippage bool    // false means no slippage limit
}

// Filled reports whether the order has nothing left to match or rest.
func (o *Order) Filled() bool {
	return o.Remaining.Sign() <= 0
}

// crosses reports whether a resting level at levelPrice is marketable
// against this incoming order, honouring an optional max-slippage ceiling
// for market orders (spec.md §4.1 "honouring max_slippage (worst acceptable price)").
func (o *Order) crosses(levelPrice money.D) bool {
	if o.HasSlippage {
		switch o.Side {
		case common.Buy:
			if levelPrice.GreaterThan(o.MaxSlippage) {
				return false
			}
		case common.Sell:
			if levelPrice.LessThan(o.MaxSlippage) {
				return false
			}
		}
	}
	if o.Kind == common.Market {
		return true
	}
	switch o.Side {
	case common.Buy:
		return levelPrice.LessThanOrEqual(o.Price)
	default:
		return levelPrice.GreaterThanOrEqual(o.Price)
	}
}
