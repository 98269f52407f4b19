package orderbook_test

import (
	"testing"

	"exchangecore/internal/common"
	"exchangecore/internal/money"
	"exchangecore/internal/orderbook"

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

// S1: empty book, no cross, best bid/ask/spread report correctly.
func TestAddLimit_NoCross(t *testing.T) {
	book := orderbook.New("KCN-EUR")

	bidRes, err := book.AddLimit(common.Buy, dec("100"), dec("10"), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, bidRes.Fills)
	assert.True(t, bidRes.Rested)

	askRes, err := book.AddLimit(common.Sell, dec("101"), dec("5"), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, askRes.Fills)

	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(dec("100")))

	ask, ok := book.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Equal(dec("101")))

	spread, ok := book.Spread()
	require.True(t, ok)
	assert.True(t, spread.Equal(dec("1")))
}

// S2: market order sweeps two ask levels.
func TestAddMarket_SweepsTwoLevels(t *testing.T) {
	book := orderbook.New("KCN-EUR")
	_, err := book.AddLimit(common.Sell, dec("101"), dec("5"), uuid.New())
	require.NoError(t, err)
	_, err = book.AddLimit(common.Sell, dec("102"), dec("5"), uuid.New())
	require.NoError(t, err)

	res, err := book.AddMarket(common.Buy, dec("7"), money.Zero, false, uuid.New())
	require.NoError(t, err)
	require.Len(t, res.Fills, 2)
	assert.True(t, res.Fills[0].Price.Equal(dec("101")))
	assert.True(t, res.Fills[0].Quantity.Equal(dec("5")))
	assert.True(t, res.Fills[1].Price.Equal(dec("102")))
	assert.True(t, res.Fills[1].Quantity.Equal(dec("2")))
	assert.True(t, res.Remaining.IsZero())

	ask, ok := book.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Equal(dec("102")))
	assert.True(t, book.QuantityAt(common.Sell, dec("102")).Equal(dec("3")))
}

func TestAddLimit_TakerPriceIsMakerPrice(t *testing.T) {
	book := orderbook.New("KCN-EUR")
	_, err := book.AddLimit(common.Sell, dec("100"), dec("10"), uuid.New())
	require.NoError(t, err)

	res, err := book.AddLimit(common.Buy, dec("105"), dec("4"), uuid.New())
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.True(t, res.Fills[0].Price.Equal(dec("100")), "fill must execute at the resting order's price")
}

func TestAddLimit_TimePriorityFIFO(t *testing.T) {
	book := orderbook.New("KCN-EUR")
	first := uuid.New()
	second := uuid.New()
	_, err := book.AddLimit(common.Sell, dec("100"), dec("5"), first)
	require.NoError(t, err)
	_, err = book.AddLimit(common.Sell, dec("100"), dec("5"), second)
	require.NoError(t, err)

	res, err := book.AddLimit(common.Buy, dec("100"), dec("5"), uuid.New())
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, uint64(1), res.Fills[0].MakerEngineID, "earliest resting order at the level must be consumed first")
}

func TestCancel_UnknownReturnsFalse(t *testing.T) {
	book := orderbook.New("KCN-EUR")
	_, _, ok := book.Cancel(999)
	assert.False(t, ok)
}

func TestCancel_RemovesRestingOrder(t *testing.T) {
	book := orderbook.New("KCN-EUR")
	res, err := book.AddLimit(common.Buy, dec("100"), dec("10"), uuid.New())
	require.NoError(t, err)

	filled, total, ok := book.Cancel(res.EngineID)
	require.True(t, ok)
	assert.True(t, filled.IsZero())
	assert.True(t, total.Equal(dec("10")))

	_, ok = book.BestBid()
	assert.False(t, ok)
}

// S6: market buy limited by slippage only partially fills; residual must
// be reported so the caller treats it as cancelled.
func TestAddMarket_StopsAtSlippageCeiling(t *testing.T) {
	book := orderbook.New("KCN-EUR")
	_, err := book.AddLimit(common.Sell, dec("100"), dec("5"), uuid.New())
	require.NoError(t, err)
	_, err = book.AddLimit(common.Sell, dec("110"), dec("50"), uuid.New())
	require.NoError(t, err)

	res, err := book.AddMarket(common.Buy, dec("10"), dec("105"), true, uuid.New())
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.True(t, res.Fills[0].Quantity.Equal(dec("5")))
	assert.True(t, res.Remaining.Equal(dec("5")), "residual above the slippage ceiling must not rest")
}

func TestAddMarket_EmptyBookYieldsFullResidual(t *testing.T) {
	book := orderbook.New("KCN-EUR")
	res, err := book.AddMarket(common.Buy, dec("10"), money.Zero, false, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, res.Fills)
	assert.True(t, res.Remaining.Equal(dec("10")))
}

func TestAddLimit_RejectsNonPositiveQuantityAndPrice(t *testing.T) {
	book := orderbook.New("KCN-EUR")
	_, err := book.AddLimit(common.Buy, dec("100"), dec("0"), uuid.New())
	assert.ErrorIs(t, err, orderbook.ErrInvalidOrder)

	_, err = book.AddLimit(common.Buy, dec("-1"), dec("10"), uuid.New())
	assert.ErrorIs(t, err, orderbook.ErrInvalidOrder)
}

func TestAddLimit_PartialFillLeavesResidualResting(t *testing.T) {
	book := orderbook.New("KCN-EUR")
	_, err := book.AddLimit(common.Sell, dec("100"), dec("5"), uuid.New())
	require.NoError(t, err)

	res, err := book.AddLimit(common.Buy, dec("100"), dec("8"), uuid.New())
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.True(t, res.Fills[0].Quantity.Equal(dec("5")))
	assert.True(t, res.Remaining.Equal(dec("3")))
	assert.True(t, res.Rested)

	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(dec("100")))
	assert.True(t, book.QuantityAt(common.Buy, dec("100")).Equal(dec("3")))
}
