package ledger_test

import (
	"context"
	"testing"

	"exchangecore/internal/common"
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

// S3: locking an ask moves funds from available to locked with one ledger entry.
func TestStore_Lock(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	userA := uuid.New()

	_, err := store.Credit(ctx, userA, "KCN", dec("100"), common.EntryDeposit, "seed")
	require.NoError(t, err)

	entry, err := store.Lock(ctx, userA, "KCN", dec("10"), "order-1")
	require.NoError(t, err)
	assert.True(t, entry.Amount.Equal(dec("-10")))

	bal, err := store.Balance(ctx, userA, "KCN")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(dec("90")))
	assert.True(t, bal.Locked.Equal(dec("10")))
}

func TestStore_LockInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	userA := uuid.New()

	_, err := store.Lock(ctx, userA, "KCN", dec("10"), "order-1")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

// lock ∘ unlock = identity on balances.
func TestStore_LockThenUnlockIsIdentity(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	userA := uuid.New()

	_, err := store.Credit(ctx, userA, "KCN", dec("100"), common.EntryDeposit, "seed")
	require.NoError(t, err)

	_, err = store.Lock(ctx, userA, "KCN", dec("10"), "order-1")
	require.NoError(t, err)
	_, err = store.Unlock(ctx, userA, "KCN", dec("10"), "order-1")
	require.NoError(t, err)

	bal, err := store.Balance(ctx, userA, "KCN")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(dec("100")))
	assert.True(t, bal.Locked.IsZero())
}

// S4: a fill settles both legs, crediting each side net of fees.
func TestStore_SettleFill(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seller := uuid.New()
	buyer := uuid.New()

	_, err := store.Credit(ctx, seller, "KCN", dec("10"), common.EntryDeposit, "seed")
	require.NoError(t, err)
	_, err = store.Lock(ctx, seller, "KCN", dec("10"), "sell-order")
	require.NoError(t, err)

	_, err = store.Credit(ctx, buyer, "EUR", dec("5000"), common.EntryDeposit, "seed")
	require.NoError(t, err)
	_, err = store.Lock(ctx, buyer, "EUR", dec("5000"), "buy-order")
	require.NoError(t, err)

	trade, err := store.SettleFill(ctx, ledger.SettleFillParams{
		FillID:    "1:2:1",
		Symbol:    "KCN-EUR",
		BuyerID:   buyer,
		SellerID:  seller,
		Price:     dec("500"),
		Quantity:  dec("10"),
		TakerSide: common.Buy,
		Fees:      ledger.FeeSchedule{MakerBps: 10, TakerBps: 20},
	})
	require.NoError(t, err)
	assert.Equal(t, "1:2:1", trade.FillID)

	sellerKCN, err := store.Balance(ctx, seller, "KCN")
	require.NoError(t, err)
	assert.True(t, sellerKCN.Locked.IsZero())

	buyerKCN, err := store.Balance(ctx, buyer, "KCN")
	require.NoError(t, err)
	assert.True(t, buyerKCN.Available.LessThan(dec("10")), "buyer should net less than gross quantity after taker fee")
	assert.True(t, buyerKCN.Available.GreaterThan(dec("9.9")))

	sellerEUR, err := store.Balance(ctx, seller, "EUR")
	require.NoError(t, err)
	assert.True(t, sellerEUR.Available.LessThan(dec("5000")), "seller should net less than gross notional after maker fee")
}

// S5: a duplicate fill delivery is a no-op; the trade row is unique.
func TestStore_SettleFillIdempotent(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seller := uuid.New()
	buyer := uuid.New()

	_, _ = store.Credit(ctx, seller, "KCN", dec("10"), common.EntryDeposit, "seed")
	_, _ = store.Lock(ctx, seller, "KCN", dec("10"), "sell-order")
	_, _ = store.Credit(ctx, buyer, "EUR", dec("5000"), common.EntryDeposit, "seed")
	_, _ = store.Lock(ctx, buyer, "EUR", dec("5000"), "buy-order")

	params := ledger.SettleFillParams{
		FillID: "1:2:1", Symbol: "KCN-EUR", BuyerID: buyer, SellerID: seller,
		Price: dec("500"), Quantity: dec("10"), TakerSide: common.Buy,
	}
	first, err := store.SettleFill(ctx, params)
	require.NoError(t, err)

	second, err := store.SettleFill(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	buyerKCN, err := store.Balance(ctx, buyer, "KCN")
	require.NoError(t, err)
	assert.True(t, buyerKCN.Available.Equal(dec("10")), "second delivery must not double-credit")
}

func TestStore_TradeByFillID_NotFound(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	_, ok, err := store.TradeByFillID(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}
