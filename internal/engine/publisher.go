package engine

import (
	"context"
	"time"

	"exchangecore/internal/metrics"
	"exchangecore/internal/money"
	"exchangecore/internal/orderbook"

	"github.com/rs/zerolog/log"
)

// publishLoop runs on the same tomb as the command loop but is its own
// goroutine — spec.md §5 is explicit that the publisher is "a timer tick
// on the same loop (no separate mutation thread)"; here that means it
// never mutates the book directly, only reads it via the snapshot
// round-trip below, which serialises through the single command queue.
func (e *Engine) publishLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.t.Dying():
			return nil
		case <-ticker.C:
			e.publishTick()
		}
	}
}

func (e *Engine) publishTick() {
	snap, ok := e.requestSnapshot(true)
	if !ok {
		return
	}

	now := time.Now()
	bids, asks := snap.bids, snap.asks

	metrics.Get().OrderbookDepth.WithLabelValues(string(e.cfg.Symbol), "bid").Set(float64(len(bids)))
	metrics.Get().OrderbookDepth.WithLabelValues(string(e.cfg.Symbol), "ask").Set(float64(len(asks)))

	bidChanges := diffLevels(e.lastPublishedBids, bids)
	askChanges := diffLevels(e.lastPublishedAsks, asks)
	trades := snap.trades

	sinceHeartbeat := now.Sub(e.lastHeartbeat)
	if len(bidChanges) == 0 && len(askChanges) == 0 && len(trades) == 0 && sinceHeartbeat < e.cfg.HeartbeatEvery {
		// Nothing changed and the heartbeat isn't due yet: skip this tick
		// entirely rather than publish an empty delta (spec.md §4.2 still
		// requires one at least every second, enforced by the check above).
		return
	}

	e.seq++
	delta := BookDelta{
		Symbol:         e.cfg.Symbol,
		BidChanges:     bidChanges,
		AskChanges:     askChanges,
		Trades:         trades,
		Seq:            e.seq,
		Timestamp:      now,
		TotalBidAmount: sumQuantity(bids),
		TotalAskAmount: sumQuantity(asks),
		Stats:          e.stats.snapshot(now),
	}

	select {
	case e.deltas <- delta:
	default:
		// Best-effort channel: a slow consumer drops deltas, never fills
		// (spec.md §5 "Suspension points").
		log.Warn().Str("component", "engine").Uint64("seq", e.seq).Msg("delta dropped, consumer too slow")
	}

	e.lastPublishedBids = bids
	e.lastPublishedAsks = asks
	e.lastHeartbeat = now
}

func diffLevels(oldLevels, newLevels []orderbook.PriceLevelSnapshot) []PriceChange {
	oldByPrice := make(map[string]money.D, len(oldLevels))
	for _, l := range oldLevels {
		oldByPrice[l.Price.String()] = l.Quantity
	}
	newByPrice := make(map[string]money.D, len(newLevels))

	var changes []PriceChange
	for _, l := range newLevels {
		newByPrice[l.Price.String()] = l.Quantity
		old, existed := oldByPrice[l.Price.String()]
		if !existed {
			old = money.Zero
		}
		if !existed || !old.Equal(l.Quantity) {
			changes = append(changes, PriceChange{Price: l.Price, Old: old, New: l.Quantity})
		}
	}
	for _, l := range oldLevels {
		if _, stillPresent := newByPrice[l.Price.String()]; !stillPresent {
			changes = append(changes, PriceChange{Price: l.Price, Old: l.Quantity, New: money.Zero})
		}
	}
	return changes
}

func sumQuantity(levels []orderbook.PriceLevelSnapshot) money.D {
	sum := money.Zero
	for _, l := range levels {
		sum = sum.Add(l.Quantity)
	}
	return sum
}
