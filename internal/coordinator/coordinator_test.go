package coordinator_test

import (
	"context"
	"testing"
	"time"

	"exchangecore/internal/common"
	"exchangecore/internal/coordinator"
	"exchangecore/internal/engine"
	"exchangecore/internal/ledger"
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

type testHarness struct {
	coord  *coordinator.Coordinator
	eng    *engine.Engine
	store  ledger.Store
	orders *coordinator.MemoryOrderStore
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *testHarness {
	ctx, cancel := context.WithCancel(context.Background())

	eng := engine.New(engine.Config{Symbol: "KCN-EUR"})
	store := ledger.NewMemoryStore()
	orders := coordinator.NewMemoryOrderStore()
	coord := coordinator.New(coordinator.Config{
		FeeSchedule: ledger.FeeSchedule{MakerBps: 10, TakerBps: 20},
	}, eng, store, orders)

	go func() { _ = eng.Run(ctx) }()
	go func() { _ = coord.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = eng.Shutdown()
		_ = coord.Shutdown()
	})

	return &testHarness{coord: coord, eng: eng, store: store, orders: orders, cancel: cancel}
}

func fund(t *testing.T, store ledger.Store, user uuid.UUID, asset string, amount money.D) {
	t.Helper()
	_, err := store.Credit(context.Background(), user, asset, amount, common.EntryDeposit, "seed")
	require.NoError(t, err)
}

// S7: place then cancel an unmatched limit order returns balances to their
// starting point.
func TestCoordinator_PlaceThenCancelIsIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := uuid.New()
	fund(t, h.store, user, "EUR", dec("10000"))

	order, err := h.coord.Place(ctx, coordinator.PlaceRequest{
		ExternalID: uuid.New(),
		User:       user,
		Symbol:     "KCN-EUR",
		Side:       common.Buy,
		Kind:       common.Limit,
		Price:      dec("500"),
		Quantity:   dec("2"),
	})
	require.NoError(t, err)
	assert.Equal(t, common.Open, order.Status)

	bal, err := h.store.Balance(ctx, user, "EUR")
	require.NoError(t, err)
	assert.True(t, bal.Locked.Equal(dec("1000")))

	require.NoError(t, h.coord.Cancel(ctx, user, order.ExternalID))
	time.Sleep(50 * time.Millisecond)

	bal, err = h.store.Balance(ctx, user, "EUR")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(dec("10000")))
	assert.True(t, bal.Locked.IsZero())
}

func TestCoordinator_CancelUnknownOrder(t *testing.T) {
	h := newHarness(t)
	err := h.coord.Cancel(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, coordinator.ErrOrderNotFound)
}

func TestCoordinator_CancelWrongUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()
	fund(t, h.store, owner, "EUR", dec("10000"))

	order, err := h.coord.Place(ctx, coordinator.PlaceRequest{
		ExternalID: uuid.New(), User: owner, Symbol: "KCN-EUR",
		Side: common.Buy, Kind: common.Limit, Price: dec("500"), Quantity: dec("1"),
	})
	require.NoError(t, err)

	err = h.coord.Cancel(ctx, uuid.New(), order.ExternalID)
	assert.ErrorIs(t, err, coordinator.ErrUnauthorized)
}

// A resting limit sell crossed by a marketable limit buy settles through
// the ledger end to end: both client orders move to Filled and balances
// reflect fees net of the maker/taker schedule.
func TestCoordinator_FillSettlesBothSides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seller := uuid.New()
	buyer := uuid.New()
	fund(t, h.store, seller, "KCN", dec("10"))
	fund(t, h.store, buyer, "EUR", dec("5000"))

	sellOrder, err := h.coord.Place(ctx, coordinator.PlaceRequest{
		ExternalID: uuid.New(), User: seller, Symbol: "KCN-EUR",
		Side: common.Sell, Kind: common.Limit, Price: dec("500"), Quantity: dec("10"),
	})
	require.NoError(t, err)
	assert.Equal(t, common.Open, sellOrder.Status)

	buyOrder, err := h.coord.Place(ctx, coordinator.PlaceRequest{
		ExternalID: uuid.New(), User: buyer, Symbol: "KCN-EUR",
		Side: common.Buy, Kind: common.Limit, Price: dec("500"), Quantity: dec("10"),
	})
	require.NoError(t, err)
	assert.Equal(t, common.Open, buyOrder.Status)

	require.Eventually(t, func() bool {
		o, ok, _ := h.orders.Get(ctx, buyOrder.ExternalID)
		return ok && o.Status == common.Filled
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		o, ok, _ := h.orders.Get(ctx, sellOrder.ExternalID)
		return ok && o.Status == common.Filled
	}, 2*time.Second, 10*time.Millisecond)

	sellerEUR, err := h.store.Balance(ctx, seller, "EUR")
	require.NoError(t, err)
	assert.True(t, sellerEUR.Available.GreaterThan(dec("4990")))
	assert.True(t, sellerEUR.Available.LessThan(dec("5000")))

	buyerKCN, err := h.store.Balance(ctx, buyer, "KCN")
	require.NoError(t, err)
	assert.True(t, buyerKCN.Available.GreaterThan(dec("9.9")))
	assert.True(t, buyerKCN.Available.LessThan(dec("10")))

	buyerEUR, err := h.store.Balance(ctx, buyer, "EUR")
	require.NoError(t, err)
	assert.True(t, buyerEUR.Locked.IsZero(), "buy limit lock must be fully released on fill")
}

// A market buy's slippage-ceiling lock exceeds what actually settles; the
// unused portion is released once the order reaches a terminal state.
func TestCoordinator_MarketBuyReleasesUnusedSlippageLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seller := uuid.New()
	buyer := uuid.New()
	fund(t, h.store, seller, "KCN", dec("10"))
	fund(t, h.store, buyer, "EUR", dec("10000"))

	_, err := h.coord.Place(ctx, coordinator.PlaceRequest{
		ExternalID: uuid.New(), User: seller, Symbol: "KCN-EUR",
		Side: common.Sell, Kind: common.Limit, Price: dec("500"), Quantity: dec("10"),
	})
	require.NoError(t, err)

	buyOrder, err := h.coord.Place(ctx, coordinator.PlaceRequest{
		ExternalID: uuid.New(), User: buyer, Symbol: "KCN-EUR",
		Side: common.Buy, Kind: common.Market, Price: dec("500"), Quantity: dec("10"),
	})
	require.NoError(t, err)
	assert.Equal(t, common.Open, buyOrder.Status)

	bal, err := h.store.Balance(ctx, buyer, "EUR")
	require.NoError(t, err)
	assert.True(t, bal.Locked.Equal(dec("5250")), "expected 10*500*1.05 lock ceiling")

	require.Eventually(t, func() bool {
		o, ok, _ := h.orders.Get(ctx, buyOrder.ExternalID)
		return ok && o.Status == common.Filled
	}, 2*time.Second, 10*time.Millisecond)

	bal, err = h.store.Balance(ctx, buyer, "EUR")
	require.NoError(t, err)
	assert.True(t, bal.Locked.IsZero(), "slippage headroom must be released once filled at the maker price")
}

func TestCoordinator_RejectedPlaceUnlocksFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := uuid.New()
	fund(t, h.store, user, "EUR", dec("1000"))

	_, err := h.coord.Place(ctx, coordinator.PlaceRequest{
		ExternalID: uuid.New(), User: user, Symbol: "KCN-EUR",
		Side: common.Buy, Kind: common.Limit, Price: dec("0"), Quantity: dec("1"),
	})
	assert.Error(t, err)

	bal, err := h.store.Balance(ctx, user, "EUR")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(dec("1000")))
	assert.True(t, bal.Locked.IsZero())
}

func TestCoordinator_PlaceInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Place(context.Background(), coordinator.PlaceRequest{
		ExternalID: uuid.New(), User: uuid.New(), Symbol: "KCN-EUR",
		Side: common.Buy, Kind: common.Limit, Price: dec("500"), Quantity: dec("1"),
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}
