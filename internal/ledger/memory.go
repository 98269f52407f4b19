package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"exchangecore/internal/common"
	"exchangecore/internal/metrics"
	"exchangecore/internal/money"

	"github.com/google/uuid"
)

type balanceKey struct {
	user  uuid.UUID
	asset string
}

// MemoryStore is an in-process Store used by tests and the example
// binaries so the module runs without a live Postgres, matching the
// teacher's bias toward no external services while the pack's
// pgx-backed repos justify PostgresStore (pg.go) for production.
type MemoryStore struct {
	mu   sync.Mutex
	bals map[balanceKey]Balance

	entries  []LedgerEntry
	nextID   int64
	trades   map[string]Trade // keyed by fill_id
	tradeSeq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bals:   make(map[balanceKey]Balance),
		trades: make(map[string]Trade),
	}
}

func (s *MemoryStore) Balance(_ context.Context, user uuid.UUID, asset string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bals[balanceKey{user, asset}], nil
}

func (s *MemoryStore) Credit(_ context.Context, user uuid.UUID, asset string, amount money.D, kind common.LedgerEntryKind, ref string) (LedgerEntry, error) {
	if !money.Positive(amount) {
		return LedgerEntry{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey{user, asset}
	bal := s.bals[key]
	bal.Available = bal.Available.Add(amount)
	s.bals[key] = bal
	return s.appendLocked(user, asset, amount, bal.Available, kind, ref), nil
}

func (s *MemoryStore) Debit(_ context.Context, user uuid.UUID, asset string, amount money.D, kind common.LedgerEntryKind, ref string) (LedgerEntry, error) {
	if !money.Positive(amount) {
		return LedgerEntry{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey{user, asset}
	bal := s.bals[key]
	if bal.Available.LessThan(amount) {
		return LedgerEntry{}, ErrInsufficientFunds
	}
	bal.Available = bal.Available.Sub(amount)
	s.bals[key] = bal
	return s.appendLocked(user, asset, amount.Neg(), bal.Available, kind, ref), nil
}

func (s *MemoryStore) Lock(_ context.Context, user uuid.UUID, asset string, amount money.D, ref string) (LedgerEntry, error) {
	if !money.Positive(amount) {
		return LedgerEntry{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey{user, asset}
	bal := s.bals[key]
	if bal.Available.LessThan(amount) {
		return LedgerEntry{}, ErrInsufficientFunds
	}
	bal.Available = bal.Available.Sub(amount)
	bal.Locked = bal.Locked.Add(amount)
	s.bals[key] = bal
	return s.appendLocked(user, asset, amount.Neg(), bal.Available, common.EntryLock, ref), nil
}

func (s *MemoryStore) Unlock(_ context.Context, user uuid.UUID, asset string, amount money.D, ref string) (LedgerEntry, error) {
	if !money.Positive(amount) {
		return LedgerEntry{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey{user, asset}
	bal := s.bals[key]
	if bal.Locked.LessThan(amount) {
		return LedgerEntry{}, ErrInsufficientLocked
	}
	bal.Locked = bal.Locked.Sub(amount)
	bal.Available = bal.Available.Add(amount)
	s.bals[key] = bal
	return s.appendLocked(user, asset, amount, bal.Available, common.EntryUnlock, ref), nil
}

// appendLocked must be called with s.mu held.
func (s *MemoryStore) appendLocked(user uuid.UUID, asset string, amount, balanceAfter money.D, kind common.LedgerEntryKind, ref string) LedgerEntry {
	s.nextID++
	entry := LedgerEntry{
		ID:           s.nextID,
		User:         user,
		Asset:        asset,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Kind:         kind,
		RefID:        ref,
		CreatedAt:    time.Now(),
	}
	s.entries = append(s.entries, entry)
	return entry
}

// SettleFill posts both sides of the fill and records the trade, guarding
// both with the store-wide mutex (the single-process analogue of the
// PostgresStore's deterministic two-row lock ordering — spec.md §5
// "lock rows in a deterministic order — lower user id first").
func (s *MemoryStore) SettleFill(_ context.Context, p SettleFillParams) (Trade, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveSecondsVec(metrics.Get().LedgerTxLatency, "settle_fill")

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.trades[p.FillID]; ok {
		if !existing.Price.Equal(p.Price) || !existing.Quantity.Equal(p.Quantity) {
			return Trade{}, fmt.Errorf("%w: fill_id %s already settled with differing price/qty", ErrConflict, p.FillID)
		}
		return existing, nil
	}

	base, quote := p.Symbol.Base(), p.Symbol.Quote()
	buyerFee := p.BuyerFee()
	sellerFee := p.SellerFee()
	quoteAmount := p.Quantity.Mul(p.Price)

	sellerBaseKey := balanceKey{p.SellerID, base}
	sellerBase := s.bals[sellerBaseKey]
	if sellerBase.Locked.LessThan(p.Quantity) {
		return Trade{}, fmt.Errorf("%w: seller %s locked base below fill quantity", ErrInsufficientLocked, p.SellerID)
	}
	if s.bals[balanceKey{p.BuyerID, quote}].Locked.LessThan(quoteAmount) {
		return Trade{}, fmt.Errorf("%w: buyer %s locked quote below fill notional", ErrInsufficientLocked, p.BuyerID)
	}
	sellerBase.Locked = sellerBase.Locked.Sub(p.Quantity)
	s.bals[sellerBaseKey] = sellerBase
	s.appendLocked(p.SellerID, base, p.Quantity.Neg(), sellerBase.Available, common.EntryTrade, p.FillID)

	buyerBaseKey := balanceKey{p.BuyerID, base}
	buyerBase := s.bals[buyerBaseKey]
	buyerBase.Available = buyerBase.Available.Add(p.Quantity).Sub(buyerFee)
	s.bals[buyerBaseKey] = buyerBase
	s.appendLocked(p.BuyerID, base, p.Quantity.Sub(buyerFee), buyerBase.Available, common.EntryTrade, p.FillID)

	buyerQuoteKey := balanceKey{p.BuyerID, quote}
	buyerQuote := s.bals[buyerQuoteKey]
	buyerQuote.Locked = buyerQuote.Locked.Sub(quoteAmount)
	s.bals[buyerQuoteKey] = buyerQuote
	s.appendLocked(p.BuyerID, quote, quoteAmount.Neg(), buyerQuote.Available, common.EntryTrade, p.FillID)

	sellerQuoteKey := balanceKey{p.SellerID, quote}
	sellerQuote := s.bals[sellerQuoteKey]
	sellerQuote.Available = sellerQuote.Available.Add(quoteAmount).Sub(sellerFee)
	s.bals[sellerQuoteKey] = sellerQuote
	s.appendLocked(p.SellerID, quote, quoteAmount.Sub(sellerFee), sellerQuote.Available, common.EntryTrade, p.FillID)

	// The fees just deducted from the buyer's base credit and the seller's
	// quote credit land on the exchange account (spec.md §8 testable
	// property #5), one EntryFee posting per asset.
	if money.Positive(buyerFee) {
		exchangeBaseKey := balanceKey{ExchangeAccountID, base}
		exchangeBase := s.bals[exchangeBaseKey]
		exchangeBase.Available = exchangeBase.Available.Add(buyerFee)
		s.bals[exchangeBaseKey] = exchangeBase
		s.appendLocked(ExchangeAccountID, base, buyerFee, exchangeBase.Available, common.EntryFee, p.FillID)
	}
	if money.Positive(sellerFee) {
		exchangeQuoteKey := balanceKey{ExchangeAccountID, quote}
		exchangeQuote := s.bals[exchangeQuoteKey]
		exchangeQuote.Available = exchangeQuote.Available.Add(sellerFee)
		s.bals[exchangeQuoteKey] = exchangeQuote
		s.appendLocked(ExchangeAccountID, quote, sellerFee, exchangeQuote.Available, common.EntryFee, p.FillID)
	}

	s.tradeSeq++
	trade := Trade{
		ID:          s.tradeSeq,
		Symbol:      p.Symbol,
		BuyOrderID:  p.BuyOrderID,
		SellOrderID: p.SellOrderID,
		BuyerID:     p.BuyerID,
		SellerID:    p.SellerID,
		Price:       p.Price,
		Quantity:    p.Quantity,
		BuyerFee:    buyerFee,
		SellerFee:   sellerFee,
		FillID:      p.FillID,
		SettledAt:   time.Now(),
	}
	s.trades[p.FillID] = trade
	return trade, nil
}

func (s *MemoryStore) TradeByFillID(_ context.Context, fillID string) (Trade, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[fillID]
	return t, ok, nil
}
