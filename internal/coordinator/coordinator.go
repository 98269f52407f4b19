package coordinator

import (
	"context"
	"fmt"
	"time"

	"exchangecore/internal/common"
	"exchangecore/internal/engine"
	"exchangecore/internal/ledger"
	"exchangecore/internal/money"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// Config controls retry/backoff and the market-buy lock ceiling (spec.md
// §6 "coordinator.lock_slippage_pct", "coordinator.command_timeout_ms",
// "coordinator.max_retries").
type Config struct {
	LockSlippagePct money.D // e.g. 1.05 for a 5% ceiling over the order's reference price
	CommandTimeout  time.Duration
	MaxRetries      int
	FeeSchedule     ledger.FeeSchedule
}

func (c Config) withDefaults() Config {
	if c.LockSlippagePct.IsZero() {
		c.LockSlippagePct = money.New(105, -2)
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Coordinator is C4: it owns the ClientOrder table, drives locking through
// Ledger, submits to Engine, and consumes its event stream to apply fills
// and cancellations (spec.md §4.4).
type Coordinator struct {
	cfg    Config
	engine *engine.Engine
	ledger ledger.Store
	orders OrderStore

	deadLetters chan DeadFill
	lifecycle   chan LifecycleEvent
	lastSeq     uint64

	waiters map[uuid.UUID]chan engine.Event

	registerWaiter   chan waiterReq
	unregisterWaiter chan uuid.UUID

	t *tomb.Tomb
}

type waiterReq struct {
	externalID uuid.UUID
	ch         chan engine.Event
}

func New(cfg Config, eng *engine.Engine, store ledger.Store, orders OrderStore) *Coordinator {
	return &Coordinator{
		cfg:              cfg.withDefaults(),
		engine:           eng,
		ledger:           store,
		orders:           orders,
		deadLetters:      make(chan DeadFill, 64),
		lifecycle:        make(chan LifecycleEvent, 256),
		waiters:          make(map[uuid.UUID]chan engine.Event),
		registerWaiter:   make(chan waiterReq),
		unregisterWaiter: make(chan uuid.UUID),
	}
}

// DeadLetters exposes fills whose settlement persistently failed (spec.md §7).
func (c *Coordinator) DeadLetters() <-chan DeadFill { return c.deadLetters }

// Lifecycle exposes Filled/Cancelled transitions for a gateway relay to fan
// out to the owning client outside any book subscription.
func (c *Coordinator) Lifecycle() <-chan LifecycleEvent { return c.lifecycle }

func (c *Coordinator) emitLifecycle(ev LifecycleEvent) {
	select {
	case c.lifecycle <- ev:
	default:
		log.Warn().Str("component", "coordinator").Str("order_id", ev.OrderID.String()).Msg("lifecycle channel full, dropping")
	}
}

// Run starts the event-consuming loop. It must run concurrently with the
// engine's own Run.
func (c *Coordinator) Run(ctx context.Context) error {
	c.t, ctx = tomb.WithContext(ctx)
	c.t.Go(func() error {
		return c.eventLoop(ctx)
	})
	return c.t.Wait()
}

func (c *Coordinator) Shutdown() error {
	c.t.Kill(nil)
	return c.t.Wait()
}

func (c *Coordinator) eventLoop(ctx context.Context) error {
	log.Info().Str("component", "coordinator").Msg("event loop starting")
	for {
		select {
		case <-c.t.Dying():
			return nil
		case req := <-c.registerWaiter:
			c.waiters[req.externalID] = req.ch
		case id := <-c.unregisterWaiter:
			delete(c.waiters, id)
		case ev := <-c.engine.Events():
			c.dispatch(ctx, ev)
		case ev := <-c.engine.Deltas():
			if delta, ok := ev.(engine.BookDelta); ok {
				c.checkSeqGap(delta.Seq)
			}
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, ev engine.Event) {
	switch e := ev.(type) {
	case engine.Accepted:
		c.notifyWaiter(e.ExternalID, ev)
		c.handleAccepted(ctx, e)
	case engine.Rejected:
		c.notifyWaiter(e.ExternalID, ev)
		c.handleRejected(ctx, e)
	case engine.Fill:
		c.handleFill(ctx, e)
	case engine.Cancelled:
		c.notifyWaiter(e.ExternalID, ev)
		c.handleCancelled(ctx, e)
	}
}

func (c *Coordinator) notifyWaiter(id uuid.UUID, ev engine.Event) {
	if ch, ok := c.waiters[id]; ok {
		select {
		case ch <- ev:
		default:
		}
	}
}

// checkSeqGap detects a dropped BookDelta (spec.md §4.4 "Lost fills:
// detected by sequence gap in the delta stream") and logs a warning with
// the expected and received seq. It does not call Resync itself; callers
// that need the resync data call Resync directly.
func (c *Coordinator) checkSeqGap(seq uint64) {
	if c.lastSeq != 0 && seq != c.lastSeq+1 {
		log.Warn().Str("component", "coordinator").Uint64("expected", c.lastSeq+1).Uint64("got", seq).Msg("book delta sequence gap, resync recommended")
	}
	c.lastSeq = seq
}

// Resync pulls a fresh snapshot from the engine and marks every Open or
// PartiallyFilled ClientOrder that is absent from the snapshot's resting
// orders as Filled (spec.md §4.4, §9). FilledQty is left unchanged and the
// snapshot's fills are not applied.
func (c *Coordinator) Resync(ctx context.Context) error {
	restingOrders, _, err := c.engine.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: resync snapshot: %w", err)
	}
	resting := make(map[uuid.UUID]bool, len(restingOrders))
	for _, o := range restingOrders {
		resting[o.ExternalID] = true
	}

	open, err := c.orders.Open(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: resync list open orders: %w", err)
	}
	for _, o := range open {
		if !resting[o.ExternalID] {
			log.Warn().Str("component", "coordinator").Str("external_id", o.ExternalID.String()).Msg("resync: order missing from engine snapshot, marking filled")
			o.Status = common.Filled
			o.UpdatedAt = time.Now()
			if err := c.orders.Update(ctx, o); err != nil {
				return err
			}
		}
	}
	return nil
}

func validatePlaceRequest(req PlaceRequest) error {
	if !req.Symbol.Valid() {
		return fmt.Errorf("%w: invalid symbol %q", ErrInvalidOrder, req.Symbol)
	}
	if !money.Positive(req.Quantity) {
		return fmt.Errorf("%w: non-positive quantity", ErrInvalidOrder)
	}
	if req.Kind == common.Limit && !money.Positive(req.Price) {
		return fmt.Errorf("%w: limit order missing price", ErrInvalidOrder)
	}
	if req.Kind == common.Market && req.Side == common.Buy && !money.Positive(req.Price) {
		// A market buy still needs a reference price to size its lock
		// ceiling (spec.md §4.3 "Buy market: lock qty * max_slippage_price").
		return fmt.Errorf("%w: market buy requires a reference price for locking", ErrInvalidOrder)
	}
	for _, v := range []money.D{req.Price, req.Quantity} {
		if !v.Equal(v.Truncate(money.Scale)) {
			return fmt.Errorf("%w: more than %d fractional digits", ErrInvalidOrder, money.Scale)
		}
		if v.Abs().GreaterThanOrEqual(money.New(1, 20)) {
			return fmt.Errorf("%w: more than 20 integer digits", ErrInvalidOrder)
		}
	}
	return nil
}

// Place is C4's place(order_request) (spec.md §4.4): it locks funds first,
// persists a Pending ClientOrder, then submits to the engine with a retry
// budget and waits for the matching Accepted/Rejected to report back.
func (c *Coordinator) Place(ctx context.Context, req PlaceRequest) (ClientOrder, error) {
	if err := validatePlaceRequest(req); err != nil {
		return ClientOrder{}, err
	}

	asset, amount := lockPolicy(req, c.cfg.LockSlippagePct)
	lockRef := req.ExternalID.String()
	if _, err := c.ledger.Lock(ctx, req.User, asset, amount, lockRef); err != nil {
		return ClientOrder{}, fmt.Errorf("coordinator: lock funds: %w", err)
	}

	now := time.Now()
	order := ClientOrder{
		ExternalID:  req.ExternalID,
		User:        req.User,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Kind:        req.Kind,
		Price:       req.Price,
		Quantity:    req.Quantity,
		MaxSlippage: req.MaxSlippagePct,
		FilledQty:   money.Zero,
		LockAsset:   asset,
		LockAmount:  amount,
		LockRef:     lockRef,
		Status:      common.Pending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.orders.Create(ctx, order); err != nil {
		_, _ = c.ledger.Unlock(ctx, req.User, asset, amount, lockRef)
		return ClientOrder{}, fmt.Errorf("coordinator: persist order: %w", err)
	}

	waiter := make(chan engine.Event, 4)
	select {
	case c.registerWaiter <- waiterReq{externalID: req.ExternalID, ch: waiter}:
	case <-ctx.Done():
		return order, ctx.Err()
	}
	defer func() {
		select {
		case c.unregisterWaiter <- req.ExternalID:
		case <-time.After(time.Second):
		}
	}()

	cmd := engine.Place{
		ExternalID: req.ExternalID,
		Side:       req.Side,
		Kind:       req.Kind,
		Price:      req.Price,
		Quantity:   req.Quantity,
		Timestamp:  now,
	}
	if req.Kind == common.Market {
		pct := effectiveSlippagePct(req, c.cfg.LockSlippagePct)
		cmd.MaxSlippage = slippagePrice(req.Price, pct, req.Side)
		cmd.HasSlippage = true
	}

	if err := c.submitWithRetry(ctx, cmd); err != nil {
		_, _ = c.ledger.Unlock(ctx, req.User, asset, amount, lockRef)
		order.Status = common.Rejected
		order.RejectReason = err.Error()
		order.UpdatedAt = time.Now()
		_ = c.orders.Update(ctx, order)
		return order, err
	}

	select {
	case ev := <-waiter:
		switch e := ev.(type) {
		case engine.Accepted:
			order.Status = common.Open
		case engine.Rejected:
			order.Status = common.Rejected
			order.RejectReason = string(e.Reason)
			return order, fmt.Errorf("%w: %s", ErrInvalidOrder, e.Reason)
		}
		return order, nil
	case <-ctx.Done():
		return order, ctx.Err()
	}
}

// Cancel is C4's cancel(order_id) (spec.md §4.4).
func (c *Coordinator) Cancel(ctx context.Context, user, externalID uuid.UUID) error {
	order, ok, err := c.orders.Get(ctx, externalID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOrderNotFound
	}
	if order.User != user {
		return ErrUnauthorized
	}
	if order.Status.Terminal() {
		return nil
	}

	waiter := make(chan engine.Event, 4)
	select {
	case c.registerWaiter <- waiterReq{externalID: externalID, ch: waiter}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() {
		select {
		case c.unregisterWaiter <- externalID:
		case <-time.After(time.Second):
		}
	}()

	if err := c.submitWithRetry(ctx, engine.Cancel{ExternalID: externalID, Timestamp: time.Now()}); err != nil {
		return err
	}

	select {
	case ev := <-waiter:
		if _, ok := ev.(engine.Rejected); ok {
			return ErrOrderNotFound
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitWithRetry submits cmd to the engine with exponential backoff,
// bounded by cfg.MaxRetries (spec.md §5 "coordinator retry budget (default
// 3 attempts, exponential backoff)").
func (c *Coordinator) submitWithRetry(ctx context.Context, cmd engine.Command) error {
	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		subCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		err := c.engine.Submit(subCtx, cmd)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == c.cfg.MaxRetries-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrEngineUnavailable, lastErr)
}

// effectiveSlippagePct resolves the per-order override, falling back to the
// coordinator-wide default (spec.md §6 "coordinator.lock_slippage_pct").
func effectiveSlippagePct(req PlaceRequest, cfgPct money.D) money.D {
	if money.Positive(req.MaxSlippagePct) {
		return req.MaxSlippagePct
	}
	return cfgPct
}

// slippagePrice turns a percentage multiplier (e.g. 1.05 for 5%) into the
// absolute price ceiling (buy) or floor (sell) engine.Place.MaxSlippage
// expects (spec.md §4.1 "honouring max_slippage (worst acceptable price)").
func slippagePrice(reference, pct money.D, side common.Side) money.D {
	if side == common.Buy {
		return reference.Mul(pct)
	}
	one := money.New(1, 0)
	floorMul := one.Sub(pct.Sub(one))
	return reference.Mul(floorMul)
}

// lockPolicy computes the asset and amount Place must lock before
// submitting to the engine (spec.md §4.3 "Locking amount policy"): a sell
// locks the base quantity outright; a buy locks quote notional, at the
// limit price for a limit order or at the slippage ceiling price for a
// market order.
func lockPolicy(req PlaceRequest, cfgSlippagePct money.D) (asset string, amount money.D) {
	if req.Side == common.Sell {
		return req.Symbol.Base(), req.Quantity
	}
	if req.Kind == common.Limit {
		return req.Symbol.Quote(), req.Quantity.Mul(req.Price)
	}
	pct := effectiveSlippagePct(req, cfgSlippagePct)
	ceiling := slippagePrice(req.Price, pct, common.Buy)
	return req.Symbol.Quote(), money.LockCeiling(req.Quantity.Mul(ceiling))
}
