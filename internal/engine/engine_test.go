package engine_test

import (
	"context"
	"testing"
	"time"

	"exchangecore/internal/common"
	"exchangecore/internal/engine"
	"exchangecore/internal/money"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(v string) money.D {
	d, err := money.Parse(v)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestEngine(t *testing.T) (*engine.Engine, context.CancelFunc) {
	t.Helper()
	e := engine.New(engine.Config{
		Symbol:          "KCN-EUR",
		PublishInterval: 5 * time.Millisecond,
		HeartbeatEvery:  20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = e.Shutdown()
	})
	return e, cancel
}

func submit(t *testing.T, e *engine.Engine, cmd engine.Command) {
	t.Helper()
	require.NoError(t, e.Submit(context.Background(), cmd))
}

func drainUntil(t *testing.T, events <-chan engine.Event, n int, timeout time.Duration) []engine.Event {
	t.Helper()
	out := make([]engine.Event, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-events:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

// Accepted must be emitted before any Fill it produces (spec.md §5
// "Ordering guarantees").
func TestEngine_AcceptedPrecedesFill(t *testing.T) {
	e, _ := newTestEngine(t)

	makerID := uuid.New()
	submit(t, e, engine.Place{ExternalID: makerID, Side: common.Sell, Kind: common.Limit, Price: dec("100"), Quantity: dec("5"), Timestamp: time.Now()})
	drainUntil(t, e.Events(), 1, time.Second)

	takerID := uuid.New()
	submit(t, e, engine.Place{ExternalID: takerID, Side: common.Buy, Kind: common.Limit, Price: dec("100"), Quantity: dec("5"), Timestamp: time.Now()})
	events := drainUntil(t, e.Events(), 2, time.Second)

	acc, ok := events[0].(engine.Accepted)
	require.True(t, ok, "expected Accepted first, got %T", events[0])
	assert.Equal(t, takerID, acc.ExternalID)

	fill, ok := events[1].(engine.Fill)
	require.True(t, ok, "expected Fill second, got %T", events[1])
	assert.True(t, fill.Quantity.Equal(dec("5")))
	assert.True(t, fill.Price.Equal(dec("100")))
}

// Duplicate Place with the same external id is a no-op under at-least-once
// delivery (spec.md §4.4 "Failure semantics").
func TestEngine_DuplicatePlaceIsNoOp(t *testing.T) {
	e, _ := newTestEngine(t)

	id := uuid.New()
	cmd := engine.Place{ExternalID: id, Side: common.Buy, Kind: common.Limit, Price: dec("100"), Quantity: dec("5"), Timestamp: time.Now()}
	submit(t, e, cmd)
	drainUntil(t, e.Events(), 1, time.Second)

	submit(t, e, cmd)

	select {
	case ev := <-e.Events():
		t.Fatalf("expected no event for duplicate Place, got %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// Cancel of an order that was never placed is Rejected{NOT_FOUND}.
func TestEngine_CancelUnknownIsRejected(t *testing.T) {
	e, _ := newTestEngine(t)

	submit(t, e, engine.Cancel{ExternalID: uuid.New(), Timestamp: time.Now()})
	events := drainUntil(t, e.Events(), 1, time.Second)

	rej, ok := events[0].(engine.Rejected)
	require.True(t, ok)
	assert.Equal(t, engine.ReasonNotFound, rej.Reason)
}

// A market order whose quantity cannot be fully satisfied never rests; the
// residual is reported via Cancelled (spec.md §4.2).
func TestEngine_MarketResidualIsCancelled(t *testing.T) {
	e, _ := newTestEngine(t)

	submit(t, e, engine.Place{ExternalID: uuid.New(), Side: common.Sell, Kind: common.Limit, Price: dec("100"), Quantity: dec("3"), Timestamp: time.Now()})
	drainUntil(t, e.Events(), 1, time.Second)

	takerID := uuid.New()
	submit(t, e, engine.Place{ExternalID: takerID, Side: common.Buy, Kind: common.Market, Quantity: dec("10"), Timestamp: time.Now()})
	events := drainUntil(t, e.Events(), 3, time.Second)

	require.IsType(t, engine.Accepted{}, events[0])
	require.IsType(t, engine.Fill{}, events[1])
	cx, ok := events[2].(engine.Cancelled)
	require.True(t, ok, "expected Cancelled for unfilled market residual, got %T", events[2])
	assert.Equal(t, takerID, cx.ExternalID)
	assert.True(t, cx.FilledQtyAtCx.Equal(dec("3")))
}

// BookDelta sequence numbers are strictly monotonic and published as a
// heartbeat even with no book changes (spec.md §4.2, §5).
func TestEngine_BookDeltaSeqMonotonic(t *testing.T) {
	e, _ := newTestEngine(t)

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case ev := <-e.Deltas():
			delta, ok := ev.(engine.BookDelta)
			require.True(t, ok)
			assert.Greater(t, delta.Seq, last)
			last = delta.Seq
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for heartbeat BookDelta")
		}
	}
}

// Cancelling a resting order removes it from the book and no further fill
// can consume it.
func TestEngine_CancelRemovesRestingOrder(t *testing.T) {
	e, _ := newTestEngine(t)

	restID := uuid.New()
	submit(t, e, engine.Place{ExternalID: restID, Side: common.Buy, Kind: common.Limit, Price: dec("100"), Quantity: dec("5"), Timestamp: time.Now()})
	drainUntil(t, e.Events(), 1, time.Second)

	submit(t, e, engine.Cancel{ExternalID: restID, Timestamp: time.Now()})
	events := drainUntil(t, e.Events(), 1, time.Second)
	cx, ok := events[0].(engine.Cancelled)
	require.True(t, ok)
	assert.True(t, cx.FilledQtyAtCx.IsZero())

	submit(t, e, engine.Place{ExternalID: uuid.New(), Side: common.Sell, Kind: common.Market, Quantity: dec("5"), Timestamp: time.Now()})
	events = drainUntil(t, e.Events(), 2, time.Second)
	require.IsType(t, engine.Accepted{}, events[0])
	cx2, ok := events[1].(engine.Cancelled)
	require.True(t, ok, "market sell should find nothing resting and cancel in full, got %T", events[1])
	assert.True(t, cx2.FilledQtyAtCx.IsZero())
}

// Snapshot reflects resting orders without disturbing normal command
// processing (spec.md §4.4 "Lost fills" resync path).
func TestEngine_SnapshotReflectsRestingOrders(t *testing.T) {
	e, _ := newTestEngine(t)

	submit(t, e, engine.Place{ExternalID: uuid.New(), Side: common.Buy, Kind: common.Limit, Price: dec("99"), Quantity: dec("2"), Timestamp: time.Now()})
	drainUntil(t, e.Events(), 1, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	orders, _, err := e.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.True(t, orders[0].Remaining.Equal(dec("2")))
}
