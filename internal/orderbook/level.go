package orderbook

import "exchangecore/internal/money"

// PriceLevel is an insertion-ordered sequence of resting orders at one
// price, with a cached sum of remaining quantity (spec.md §3). The cache
// exists so best_bid/best_ask/quantity_at don't need to walk the order
// slice, and so Match can tell a level is exhausted without re-summing on
// every step.
type PriceLevel struct {
	Price      money.D
	Orders     []*Order
	remaining  money.D
}

func newLevel(price money.D) *PriceLevel {
	return &PriceLevel{Price: price, remaining: money.Zero}
}

func (l *PriceLevel) push(o *Order) {
	l.Orders = append(l.Orders, o)
	l.remaining = l.remaining.Add(o.Remaining)
}

// empty reports whether the level should be removed from the book. Per
// spec.md §4.1, this is the cached sum reaching zero, not the slice
// emptying — a level can be mid-sweep (front orders already fully
// consumed but not yet spliced off) while its remaining sum is still
// positive, and vice versa a stale empty slice must not be trusted alone.
func (l *PriceLevel) empty() bool {
	return l.remaining.Sign() <= 0
}

// consumeFrontFilled drops filled orders off the front of the level (FIFO —
// time priority means they can only ever be consumed from the front). The
// cached remaining sum is debited per-fill by the matching loop, not here.
func (l *PriceLevel) consumeFrontFilled() {
	i := 0
	for i < len(l.Orders) && l.Orders[i].Filled() {
		i++
	}
	if i > 0 {
		l.Orders = l.Orders[i:]
	}
}

// removeByIndex splices a single order out of the level (used by cancel)
// and adjusts the cached remaining sum.
func (l *PriceLevel) removeByIndex(idx int) {
	o := l.Orders[idx]
	l.remaining = l.remaining.Sub(o.Remaining)
	l.Orders = append(l.Orders[:idx], l.Orders[idx+1:]...)
}
