package coordinator

import (
	"context"
	"fmt"
	"time"

	"exchangecore/internal/common"
	"exchangecore/internal/engine"
	"exchangecore/internal/ledger"
	"exchangecore/internal/metrics"
	"exchangecore/internal/money"

	"github.com/rs/zerolog/log"
)

// handleAccepted persists the Pending->Open transition for any watcher that
// missed the direct waiter delivery (e.g. Place's caller timed out and
// retried elsewhere) — the event stream is the source of truth, Place's own
// return value is a convenience.
func (c *Coordinator) handleAccepted(ctx context.Context, ev engine.Accepted) {
	order, ok, err := c.orders.Get(ctx, ev.ExternalID)
	if err != nil || !ok || order.Status != common.Pending {
		return
	}
	order.Status = common.Open
	order.UpdatedAt = time.Now()
	if err := c.orders.Update(ctx, order); err != nil {
		log.Error().Err(err).Str("component", "coordinator").Str("external_id", ev.ExternalID.String()).Msg("persist accepted order failed")
	}
}

func (c *Coordinator) handleRejected(ctx context.Context, ev engine.Rejected) {
	order, ok, err := c.orders.Get(ctx, ev.ExternalID)
	if err != nil || !ok || order.Status.Terminal() {
		return
	}
	if money.Positive(order.LockAmount) {
		if _, err := c.ledger.Unlock(ctx, order.User, order.LockAsset, order.LockAmount, order.LockRef); err != nil {
			log.Error().Err(err).Str("component", "coordinator").Str("external_id", ev.ExternalID.String()).Msg("unlock after rejection failed")
		}
	}
	order.Status = common.Rejected
	order.RejectReason = string(ev.Reason)
	order.UpdatedAt = time.Now()
	if err := c.orders.Update(ctx, order); err != nil {
		log.Error().Err(err).Str("component", "coordinator").Str("external_id", ev.ExternalID.String()).Msg("persist rejected order failed")
	}
}

// handleFill is on_fill (spec.md §4.4): idempotent via TradeByFillID,
// settles both legs, then updates each ClientOrder's filled_qty/status.
func (c *Coordinator) handleFill(ctx context.Context, ev engine.Fill) {
	timer := metrics.NewTimer()
	defer timer.ObserveSeconds(metrics.Get().FillLatency)

	if _, ok, err := c.ledger.TradeByFillID(ctx, ev.FillID); err == nil && ok {
		return
	}

	buyOrder, okBuy, errBuy := c.orders.Get(ctx, ev.BuyExternalID)
	sellOrder, okSell, errSell := c.orders.Get(ctx, ev.SellExternalID)
	if errBuy != nil || errSell != nil || !okBuy || !okSell {
		c.deadLetter(ev.FillID, fmt.Errorf("coordinator: fill %s references unknown order(s)", ev.FillID))
		return
	}

	params := ledger.SettleFillParams{
		FillID:      ev.FillID,
		Symbol:      buyOrder.Symbol,
		BuyOrderID:  buyOrder.ExternalID,
		SellOrderID: sellOrder.ExternalID,
		BuyerID:     buyOrder.User,
		SellerID:    sellOrder.User,
		Price:       ev.Price,
		Quantity:    ev.Quantity,
		TakerSide:   ev.TakerSide,
		Fees:        c.cfg.FeeSchedule,
	}
	if _, err := c.ledger.SettleFill(ctx, params); err != nil {
		c.deadLetter(ev.FillID, err)
		return
	}

	c.applyFillToOrder(ctx, buyOrder, ev.Quantity, ev.Price)
	c.applyFillToOrder(ctx, sellOrder, ev.Quantity, ev.Price)
}

// applyFillToOrder advances one side's ClientOrder after a settled fill.
// consumed is in the order's lock asset: base quantity for a seller, quote
// notional at the fill price for a buyer — the latter may be less than the
// order's proportional share of LockAmount when a limit buy improves on its
// own limit price, leaving a residual released on full fill.
func (c *Coordinator) applyFillToOrder(ctx context.Context, o ClientOrder, qty, price money.D) {
	consumed := qty
	if o.Side == common.Buy {
		consumed = qty.Mul(price)
	}
	o.FilledQty = o.FilledQty.Add(qty)
	o.LockConsumed = o.LockConsumed.Add(consumed)

	if o.FilledQty.GreaterThanOrEqual(o.Quantity) {
		o.Status = common.Filled
		c.releaseResidualLock(ctx, &o)
	} else {
		o.Status = common.PartiallyFilled
	}
	o.UpdatedAt = time.Now()
	if err := c.orders.Update(ctx, o); err != nil {
		log.Error().Err(err).Str("component", "coordinator").Str("external_id", o.ExternalID.String()).Msg("persist filled order failed")
	}
	if o.Status == common.Filled {
		c.emitLifecycle(LifecycleEvent{Type: LifecycleFilled, User: o.User, OrderID: o.ExternalID, FilledQuantity: o.FilledQty})
	}
}

// handleCancelled applies on_cancelled (spec.md §4.4): releases whatever of
// the order's lock the fills applied before this event did not consume. A
// market-order residual or slippage stop also arrives as Cancelled and is
// handled identically.
func (c *Coordinator) handleCancelled(ctx context.Context, ev engine.Cancelled) {
	order, ok, err := c.orders.Get(ctx, ev.ExternalID)
	if err != nil || !ok || order.Status.Terminal() {
		return
	}

	if order.FilledQty.GreaterThanOrEqual(order.Quantity) {
		order.Status = common.Filled
	} else {
		order.Status = common.Cancelled
	}
	order.UpdatedAt = time.Now()
	c.releaseResidualLock(ctx, &order)
	if err := c.orders.Update(ctx, order); err != nil {
		log.Error().Err(err).Str("component", "coordinator").Str("external_id", ev.ExternalID.String()).Msg("persist cancelled order failed")
	}
	evType := LifecycleCancelled
	if order.Status == common.Filled {
		evType = LifecycleFilled
	}
	c.emitLifecycle(LifecycleEvent{Type: evType, User: order.User, OrderID: order.ExternalID, FilledQuantity: order.FilledQty})
}

func (c *Coordinator) releaseResidualLock(ctx context.Context, o *ClientOrder) {
	residual := o.LockAmount.Sub(o.LockConsumed)
	if !money.Positive(residual) {
		return
	}
	if _, err := c.ledger.Unlock(ctx, o.User, o.LockAsset, residual, o.LockRef); err != nil {
		log.Error().Err(err).Str("component", "coordinator").Str("external_id", o.ExternalID.String()).Msg("release residual lock failed")
	}
}

func (c *Coordinator) deadLetter(fillID string, err error) {
	log.Error().Str("component", "coordinator").Str("fill_id", fillID).Err(err).Msg("settlement failed, routing to dead letter")
	metrics.Get().DeadLettersTotal.Inc()
	select {
	case c.deadLetters <- DeadFill{FillID: fillID, Err: err, At: time.Now()}:
	default:
		log.Error().Str("component", "coordinator").Str("fill_id", fillID).Msg("dead letter channel full, dropping")
	}
}
