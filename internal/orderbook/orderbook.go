// Package orderbook implements C1 of the exchange core: a single-symbol,
// price-time-priority limit order book with continuous matching. It is
// generalized from the teacher repo's internal/engine/orderbook.go — same
// btree-of-price-levels shape, same sweep-while-crossing Match loop — but
// completed against spec.md §4.1: cancel via index, best_bid/best_ask/
// spread/quantity_at queries, market-order slippage, and the taker-price
// rule (fills execute at the resting order's price).
//
// The orderbook is not safe for concurrent use; the engine (C2) is the
// single writer (spec.md §5 "no locks required inside the engine").
package orderbook

import (
	"errors"
	"fmt"

	"exchangecore/internal/common"
	"exchangecore/internal/money"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

var (
	// ErrInvalidOrder covers zero/negative quantity, a limit order missing
	// a price, or any other input that fails validation before any book
	// state changes (spec.md §7, §8 "Boundary behaviours").
	ErrInvalidOrder = errors.New("invalid order")
)

// Fill is one contact between a taker and a single maker (spec.md §3,
// GLOSSARY). The orderbook emits these in matching order; C2 is
// responsible for turning them into wire-level Fill events with
// deterministic fill_ids.
type Fill struct {
	TakerEngineID uint64
	MakerEngineID uint64
	TakerSide     common.Side
	Price         money.D
	Quantity      money.D
	// MakerFilled reports whether this match left the resting order with
	// zero remaining quantity, so the caller can evict it from any
	// engine-id/external-id index it keeps alongside the book (spec.md
	// §4.1 "cancel ... removes the order" applies equally to natural
	// exhaustion).
	MakerFilled bool
}

// OrderResult is returned by add_limit/add_market (spec.md §4.1).
type OrderResult struct {
	EngineID  uint64
	Fills     []Fill
	Remaining money.D // quantity left over: resting (limit) or to be cancelled (market)
	Rested    bool
}

type priceLevels = btree.BTreeG[*PriceLevel]

// indexEntry locates a live order within the book for O(1) level lookup
// (spec.md §4.1 "cancel(engine_id) → bool — removes the order; O(1) via
// index"); removal within the (typically shallow) level is a linear splice.
type indexEntry struct {
	side  common.Side
	level *PriceLevel
	order *Order
}

// Orderbook is the price-sorted book for exactly one Symbol (spec.md §3).
type Orderbook struct {
	Symbol common.Symbol

	bids *priceLevels // sorted descending by price
	asks *priceLevels // sorted ascending by price

	index map[uint64]indexEntry

	nextEngineID uint64
}

// New constructs an empty book for symbol.
func New(symbol common.Symbol) *Orderbook {
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price.GreaterThan(b.Price)
	})
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price.LessThan(b.Price)
	})
	return &Orderbook{
		Symbol: symbol,
		bids:   bids,
		asks:   asks,
		index:  make(map[uint64]indexEntry),
	}
}

func (b *Orderbook) levelsFor(side common.Side) *priceLevels {
	if side == common.Buy {
		return b.bids
	}
	return b.asks
}

func (b *Orderbook) oppositeLevelsFor(side common.Side) *priceLevels {
	return b.levelsFor(side.Opposite())
}

// AddLimit matches the incoming order against the opposite side while it
// crosses, then rests any residual at Price (spec.md §4.1 "add_limit").
func (b *Orderbook) AddLimit(side common.Side, price, qty money.D, externalID uuid.UUID) (OrderResult, error) {
	if !money.Positive(qty) {
		return OrderResult{}, fmt.Errorf("%w: non-positive quantity", ErrInvalidOrder)
	}
	if price.Sign() <= 0 {
		return OrderResult{}, fmt.Errorf("%w: non-positive price", ErrInvalidOrder)
	}

	order := &Order{
		EngineID:   b.nextID(),
		ExternalID: externalID,
		Side:       side,
		Kind:       common.Limit,
		Price:      price,
		Quantity:   qty,
		Remaining:  qty,
	}

	fills := b.match(order)

	result := OrderResult{EngineID: order.EngineID, Fills: fills}
	if !order.Filled() {
		b.rest(order)
		result.Rested = true
	}
	result.Remaining = order.Remaining
	return result, nil
}

// AddMarket sweeps the opposite side until qty is satisfied, the opposite
// side is exhausted, or maxSlippage stops further sweeping (spec.md §4.1
// "add_market"). A market order never rests; any residual quantity is
// returned for the caller to treat as cancelled (spec.md §4.2 "Cancelled
// ... also emitted for market-order residuals").
func (b *Orderbook) AddMarket(side common.Side, qty money.D, maxSlippage money.D, hasSlippage bool, externalID uuid.UUID) (OrderResult, error) {
	if !money.Positive(qty) {
		return OrderResult{}, fmt.Errorf("%w: non-positive quantity", ErrInvalidOrder)
	}

	order := &Order{
		EngineID:    b.nextID(),
		ExternalID:  externalID,
		Side:        side,
		Kind:        common.Market,
		Quantity:    qty,
		Remaining:   qty,
		MaxSlippage: maxSlippage,
		HasSlippage: hasSlippage,
	}

	fills := b.match(order)
	return OrderResult{
		EngineID:  order.EngineID,
		Fills:     fills,
		Remaining: order.Remaining,
		Rested:    false,
	}, nil
}

func (b *Orderbook) nextID() uint64 {
	b.nextEngineID++
	return b.nextEngineID
}

// match sweeps the book against the opposite side of order's book,
// consuming FIFO within each level and filling at the resting order's
// price (the "taker price rule", spec.md §4.1). It stops when order is
// filled, the opposite side is empty, or the best opposite level no
// longer crosses (including being stopped by max_slippage).
func (b *Orderbook) match(order *Order) []Fill {
	var fills []Fill
	levels := b.oppositeLevelsFor(order.Side)

	for !order.Filled() {
		level, ok := levels.Min()
		if !ok || !order.crosses(level.Price) {
			break
		}

		for i := 0; i < len(level.Orders) && !order.Filled(); i++ {
			resting := level.Orders[i]
			if resting.Filled() {
				continue
			}

			matchQty := order.Remaining
			if resting.Remaining.LessThan(matchQty) {
				matchQty = resting.Remaining
			}

			order.Remaining = order.Remaining.Sub(matchQty)
			resting.Remaining = resting.Remaining.Sub(matchQty)
			level.remaining = level.remaining.Sub(matchQty)

			makerFilled := resting.Filled()
			fills = append(fills, Fill{
				TakerEngineID: order.EngineID,
				MakerEngineID: resting.EngineID,
				TakerSide:     order.Side,
				Price:         resting.Price,
				Quantity:      matchQty,
				MakerFilled:   makerFilled,
			})

			if makerFilled {
				delete(b.index, resting.EngineID)
			}
		}

		// Compact fully-consumed orders off the front (time priority means
		// they can only ever be consumed from the front).
		level.consumeFrontFilled()

		if len(level.Orders) == 0 || level.empty() {
			levels.Delete(level)
		}
	}

	return fills
}

// rest inserts a residual limit order into its price level, creating the
// level if this is its first order at that price.
func (b *Orderbook) rest(order *Order) {
	levels := b.levelsFor(order.Side)
	existing, ok := levels.Get(newLevel(order.Price))
	if !ok {
		existing = newLevel(order.Price)
		levels.Set(existing)
	}
	existing.push(order)
	b.index[order.EngineID] = indexEntry{side: order.Side, level: existing, order: order}
}

// Cancel removes a resting order by engine id. Returns false if unknown
// (spec.md §4.1 "cancel(engine_id) → bool ... Returns false if unknown").
func (b *Orderbook) Cancel(engineID uint64) (filledQty, totalQty money.D, ok bool) {
	entry, ok := b.index[engineID]
	if !ok {
		return money.Zero, money.Zero, false
	}
	delete(b.index, engineID)

	idx := -1
	for i, o := range entry.level.Orders {
		if o.EngineID == engineID {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Invariant violation: index pointed at a level that no longer
		// holds the order. This can only happen from an internal bug and
		// must not be silently recovered from (spec.md §4.1 "Failure
		// semantics").
		panic(fmt.Sprintf("orderbook: index desync for engine id %d", engineID))
	}

	totalQty = entry.order.Quantity
	filledQty = entry.order.Quantity.Sub(entry.order.Remaining)
	entry.level.removeByIndex(idx)

	levels := b.levelsFor(entry.side)
	if len(entry.level.Orders) == 0 {
		levels.Delete(entry.level)
	}
	return filledQty, totalQty, true
}

// BestBid returns the highest resting bid price, if any.
func (b *Orderbook) BestBid() (money.D, bool) {
	l, ok := b.bids.Min()
	if !ok {
		return money.Zero, false
	}
	return l.Price, true
}

// BestAsk returns the lowest resting ask price, if any.
func (b *Orderbook) BestAsk() (money.D, bool) {
	l, ok := b.asks.Min()
	if !ok {
		return money.Zero, false
	}
	return l.Price, true
}

// Spread returns BestAsk - BestBid; ok is false unless both sides are non-empty.
func (b *Orderbook) Spread() (money.D, bool) {
	bid, ok := b.BestBid()
	if !ok {
		return money.Zero, false
	}
	ask, ok := b.BestAsk()
	if !ok {
		return money.Zero, false
	}
	return ask.Sub(bid), true
}

// QuantityAt returns the resting quantity at a specific price on side.
func (b *Orderbook) QuantityAt(side common.Side, price money.D) money.D {
	levels := b.levelsFor(side)
	level, ok := levels.Get(newLevel(price))
	if !ok {
		return money.Zero
	}
	return level.remaining
}

// TopLevels returns up to depth price levels on side, best price first, for
// the delta publisher (spec.md §4.2 "top-N levels").
func (b *Orderbook) TopLevels(side common.Side, depth int) []PriceLevelSnapshot {
	levels := b.levelsFor(side)
	out := make([]PriceLevelSnapshot, 0, depth)
	levels.Scan(func(l *PriceLevel) bool {
		if len(out) >= depth {
			return false
		}
		out = append(out, PriceLevelSnapshot{Price: l.Price, Quantity: l.remaining})
		return true
	})
	return out
}

// PriceLevelSnapshot is a read-only view of one level, used for published
// deltas and resync snapshots; it never aliases live order pointers.
type PriceLevelSnapshot struct {
	Price    money.D
	Quantity money.D
}

// OpenOrders returns every resting order (both sides) for engine restart
// recovery / resync snapshots (spec.md §4.4 "Lost fills").
func (b *Orderbook) OpenOrders() []Order {
	out := make([]Order, 0, len(b.index))
	for _, entry := range b.index {
		out = append(out, *entry.order)
	}
	return out
}
