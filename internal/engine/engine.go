// Package engine implements C2, the matching engine service: it owns
// exactly one orderbook.Orderbook per symbol, serialises every mutation
// through a single command-loop goroutine, and publishes fills and
// periodic book deltas. It generalizes the teacher repo's
// internal/engine.Engine (a map of AssetType -> OrderBook owned by one
// struct) and its internal/net command-loop/worker-pool shape, both built
// on gopkg.in/tomb.v2 for cooperative shutdown, into the single-writer
// sequencer spec.md §4.2/§5 describes.
package engine

import (
	"context"
	"fmt"
	"time"

	"exchangecore/internal/common"
	"exchangecore/internal/metrics"
	"exchangecore/internal/money"
	"exchangecore/internal/orderbook"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// Config controls command-queue depth, publish cadence and depth
// (spec.md §6 "engine.publish_interval_ms", "engine.depth").
type Config struct {
	Symbol           common.Symbol
	CommandQueueSize int
	EventQueueSize   int
	DeltaQueueSize   int
	PublishInterval  time.Duration
	Depth            int
	HeartbeatEvery   time.Duration
	StatsWindow      time.Duration
}

func (c Config) withDefaults() Config {
	if c.CommandQueueSize <= 0 {
		c.CommandQueueSize = 1024
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = 1024
	}
	if c.DeltaQueueSize <= 0 {
		c.DeltaQueueSize = 64
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 100 * time.Millisecond
	}
	if c.Depth <= 0 {
		c.Depth = 10
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = time.Second
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = 24 * time.Hour
	}
	return c
}

// commandEnvelope pairs a command with an optional completion signal that
// the command loop closes once the command has been handled. Submit and
// requestSnapshot both leave it nil.
type commandEnvelope struct {
	cmd  Command
	done chan struct{}
}

// Engine is the single-writer matching service for one symbol.
type Engine struct {
	cfg Config

	book *orderbook.Orderbook

	commands chan commandEnvelope
	events   chan Event // reliable: Accepted/Fill/Cancelled/Rejected
	deltas   chan Event // best-effort: BookDelta

	externalByEngineID map[uint64]uuid.UUID
	engineIDByExternal map[uuid.UUID]uint64
	buyFillSeq         map[uint64]uint64

	seq   uint64
	stats *statsWindow

	lastPublishedBids []orderbook.PriceLevelSnapshot
	lastPublishedAsks []orderbook.PriceLevelSnapshot
	lastHeartbeat     time.Time
	pendingTrades     []Fill

	t *tomb.Tomb
}

// New constructs an engine for cfg.Symbol. Call Run to start its loops.
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:                cfg,
		book:               orderbook.New(cfg.Symbol),
		commands:           make(chan commandEnvelope, cfg.CommandQueueSize),
		events:             make(chan Event, cfg.EventQueueSize),
		deltas:             make(chan Event, cfg.DeltaQueueSize),
		externalByEngineID: make(map[uint64]uuid.UUID),
		engineIDByExternal: make(map[uuid.UUID]uint64),
		buyFillSeq:         make(map[uint64]uint64),
		stats:              newStatsWindow(cfg.StatsWindow),
	}
}

// Events returns the reliable event channel (Accepted/Fill/Cancelled/Rejected).
func (e *Engine) Events() <-chan Event { return e.events }

// Deltas returns the best-effort BookDelta channel; a slow consumer drops
// deltas, never fills (spec.md §5 "Suspension points").
func (e *Engine) Deltas() <-chan Event { return e.deltas }

// Submit enqueues a command for processing and blocks only on queue space,
// never on processing (spec.md §5 "command enqueue ... backpressure via
// reject or block, configurable" — this implementation blocks, matching
// the "never drops fills or corrupts orderbook state" guarantee).
func (e *Engine) Submit(ctx context.Context, cmd Command) error {
	select {
	case e.commands <- commandEnvelope{cmd: cmd}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.t.Dying():
		return fmt.Errorf("engine shutting down")
	}
}

// Run starts the command loop and delta publisher under ctx, and blocks
// until both exit. Use with a goroutine plus Shutdown for async operation.
func (e *Engine) Run(ctx context.Context) error {
	e.t, ctx = tomb.WithContext(ctx)

	e.t.Go(func() error {
		return e.commandLoop(ctx)
	})
	e.t.Go(func() error {
		return e.publishLoop(ctx)
	})

	return e.t.Wait()
}

// Shutdown requests the engine's loops to stop and waits for them to exit.
func (e *Engine) Shutdown() error {
	e.t.Kill(nil)
	return e.t.Wait()
}

func (e *Engine) commandLoop(ctx context.Context) error {
	log.Info().Str("component", "engine").Str("symbol", string(e.cfg.Symbol)).Msg("command loop starting")
	for {
		select {
		case <-e.t.Dying():
			return nil
		case env := <-e.commands:
			metrics.Get().CommandQueueDepth.WithLabelValues(string(e.cfg.Symbol)).Set(float64(len(e.commands)))
			e.handle(env.cmd)
			if env.done != nil {
				close(env.done)
			}
		}
	}
}

func (e *Engine) handle(cmd Command) {
	switch c := cmd.(type) {
	case Place:
		metrics.Get().CommandsTotal.WithLabelValues(string(e.cfg.Symbol), "place").Inc()
		e.handlePlace(c)
	case Cancel:
		metrics.Get().CommandsTotal.WithLabelValues(string(e.cfg.Symbol), "cancel").Inc()
		e.handleCancel(c)
	case snapshotRequest:
		e.handleSnapshotRequest(c)
	default:
		log.Error().Str("component", "engine").Msg("unknown command type")
	}
}

func (e *Engine) emit(ev Event) {
	// Reliable channel: block rather than drop (spec.md §5 "Backpressure:
	// when the event bus is saturated, the engine pauses command
	// processing; it never drops fills or corrupts orderbook state").
	select {
	case e.events <- ev:
	case <-e.t.Dying():
	}
}

func (e *Engine) handlePlace(cmd Place) {
	if err := validatePlace(cmd); err != nil {
		e.emit(Rejected{ExternalID: cmd.ExternalID, Reason: ReasonInvalidOrder})
		return
	}
	if _, exists := e.engineIDByExternal[cmd.ExternalID]; exists {
		// Duplicate Place with the same external_id under at-least-once
		// delivery is a no-op (spec.md §4.4 "Failure semantics").
		return
	}

	var (
		result orderbook.OrderResult
		err    error
	)
	switch cmd.Kind {
	case common.Limit:
		result, err = e.book.AddLimit(cmd.Side, cmd.Price, cmd.Quantity, cmd.ExternalID)
	case common.Market:
		result, err = e.book.AddMarket(cmd.Side, cmd.Quantity, cmd.MaxSlippage, cmd.HasSlippage, cmd.ExternalID)
	}
	if err != nil {
		e.emit(Rejected{ExternalID: cmd.ExternalID, Reason: ReasonInvalidOrder})
		return
	}

	e.externalByEngineID[result.EngineID] = cmd.ExternalID
	e.engineIDByExternal[cmd.ExternalID] = result.EngineID

	// Accepted must precede any Fill it produces (spec.md §5 "Ordering guarantees").
	e.emit(Accepted{ExternalID: cmd.ExternalID, EngineID: result.EngineID})

	now := time.Now()
	for _, f := range result.Fills {
		fillEvt := e.toFillEvent(f, now)
		e.stats.record(now, fillEvt.Price, fillEvt.Quantity)
		e.pendingTrades = append(e.pendingTrades, fillEvt)
		e.emit(fillEvt)
		metrics.Get().FillsTotal.WithLabelValues(string(e.cfg.Symbol)).Inc()

		// A maker fully consumed by this match is gone from the book the
		// same way a cancelled order is; evict it here or its engine-id/
		// external-id entries live forever (spec.md §4.2, §5 long-running
		// single-writer service).
		if f.MakerFilled {
			e.evict(f.MakerEngineID)
		}
	}

	if !result.Rested {
		if money.Positive(result.Remaining) {
			// Market order residual, or a slippage-stopped residual: never
			// rests, always surfaces as Cancelled (spec.md §4.2).
			filled := cmd.Quantity.Sub(result.Remaining)
			e.evict(result.EngineID)
			e.emit(Cancelled{ExternalID: cmd.ExternalID, FilledQtyAtCx: filled})
		} else {
			// Taker fully matched on placement with no residual: still
			// needs the same eviction a cancel would do.
			e.evict(result.EngineID)
		}
	}
}

// evict removes every index entry the engine keeps for a now-inert order
// (fully filled or cancelled), mirroring handleCancel's cleanup so maps
// never grow past the number of currently-resting orders.
func (e *Engine) evict(engineID uint64) {
	if externalID, ok := e.externalByEngineID[engineID]; ok {
		delete(e.engineIDByExternal, externalID)
	}
	delete(e.externalByEngineID, engineID)
	delete(e.buyFillSeq, engineID)
}

func (e *Engine) handleCancel(cmd Cancel) {
	engineID, ok := e.engineIDByExternal[cmd.ExternalID]
	if !ok {
		e.emit(Rejected{ExternalID: cmd.ExternalID, Reason: ReasonNotFound})
		return
	}
	filled, _, ok := e.book.Cancel(engineID)
	if !ok {
		e.emit(Rejected{ExternalID: cmd.ExternalID, Reason: ReasonNotFound})
		return
	}
	e.evict(engineID)
	e.emit(Cancelled{ExternalID: cmd.ExternalID, FilledQtyAtCx: filled})
}

func (e *Engine) toFillEvent(f orderbook.Fill, ts time.Time) Fill {
	var buyEngineID, sellEngineID uint64
	if f.TakerSide == common.Buy {
		buyEngineID, sellEngineID = f.TakerEngineID, f.MakerEngineID
	} else {
		buyEngineID, sellEngineID = f.MakerEngineID, f.TakerEngineID
	}

	e.buyFillSeq[buyEngineID]++
	fillID := fmt.Sprintf("%d:%d:%d", buyEngineID, sellEngineID, e.buyFillSeq[buyEngineID])

	return Fill{
		FillID:         fillID,
		BuyExternalID:  e.resolveExternal(buyEngineID),
		SellExternalID: e.resolveExternal(sellEngineID),
		BuyEngineID:    buyEngineID,
		SellEngineID:   sellEngineID,
		Price:          f.Price,
		Quantity:       f.Quantity,
		TakerSide:      f.TakerSide,
		Timestamp:      ts,
	}
}

// resolveExternal looks up the external id for an engine id that might
// already have been fully filled and evicted this same command (the taker
// itself, or a maker just consumed) — in both cases the id was still live
// when the Place/Cancel started, so the map lookup races nothing here
// because the whole command runs on the single engine goroutine.
func (e *Engine) resolveExternal(engineID uint64) uuid.UUID {
	if id, ok := e.externalByEngineID[engineID]; ok {
		return id
	}
	return uuid.Nil
}

func validatePlace(cmd Place) error {
	if !money.Positive(cmd.Quantity) {
		return fmt.Errorf("%w: non-positive quantity", orderbook.ErrInvalidOrder)
	}
	if cmd.Kind == common.Limit && cmd.Price.Sign() <= 0 {
		return fmt.Errorf("%w: limit order missing price", orderbook.ErrInvalidOrder)
	}
	return nil
}

// snapshotRequest is an internal-only command: it round-trips through the
// same channel as Place/Cancel so every read of book/trade state happens
// on the engine's single writer goroutine, never concurrently with a
// match or with another goroutine's read. drainTrades distinguishes the
// publisher's per-tick peek (which consumes pendingTrades) from the
// coordinator's resync snapshot (which must not disturb it).
type snapshotRequest struct {
	resp        chan snapshotResult
	drainTrades bool
}

func (snapshotRequest) isCommand() {}

type snapshotResult struct {
	orders []orderbook.Order
	trades []Fill
	bids   []orderbook.PriceLevelSnapshot
	asks   []orderbook.PriceLevelSnapshot
}

func (e *Engine) handleSnapshotRequest(req snapshotRequest) {
	result := snapshotResult{
		orders: e.book.OpenOrders(),
		trades: e.pendingTrades,
		bids:   e.book.TopLevels(common.Buy, e.cfg.Depth),
		asks:   e.book.TopLevels(common.Sell, e.cfg.Depth),
	}
	if req.drainTrades {
		e.pendingTrades = nil
	}
	req.resp <- result
}

func (e *Engine) requestSnapshot(drainTrades bool) (snapshotResult, bool) {
	resp := make(chan snapshotResult, 1)
	select {
	case e.commands <- commandEnvelope{cmd: snapshotRequest{resp: resp, drainTrades: drainTrades}}:
	case <-e.t.Dying():
		return snapshotResult{}, false
	}
	select {
	case r := <-resp:
		return r, true
	case <-e.t.Dying():
		return snapshotResult{}, false
	}
}

// Snapshot returns all resting orders and the fills matched since the last
// delta publish tick (the trades the next BookDelta will carry), used by
// Coordinator.Resync (spec.md §4.4 "Lost fills").
func (e *Engine) Snapshot(ctx context.Context) ([]orderbook.Order, []Fill, error) {
	type result struct {
		snap snapshotResult
		ok   bool
	}
	done := make(chan result, 1)
	go func() {
		snap, ok := e.requestSnapshot(false)
		done <- result{snap: snap, ok: ok}
	}()
	select {
	case r := <-done:
		if !r.ok {
			return nil, nil, fmt.Errorf("engine shutting down")
		}
		return r.snap.orders, r.snap.trades, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
