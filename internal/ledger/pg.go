package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"exchangecore/internal/common"
	"exchangecore/internal/metrics"
	"exchangecore/internal/money"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore is the production C3 implementation: a pgxpool.Pool over
// the schema in migrations/0001_init.up.sql. Balance mutations run inside
// one transaction with `SELECT ... FOR UPDATE` row locks taken in
// deterministic (user id, asset) order to prevent deadlock across
// concurrently-settling fills (spec.md §5 "lock rows in a deterministic
// order — lower user id first").
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Balance(ctx context.Context, user uuid.UUID, asset string) (Balance, error) {
	var bal Balance
	row := s.pool.QueryRow(ctx, `SELECT available, locked FROM balances WHERE user_id = $1 AND asset = $2`, user, asset)
	var available, locked string
	if err := row.Scan(&available, &locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{Available: money.Zero, Locked: money.Zero}, nil
		}
		return Balance{}, fmt.Errorf("ledger: query balance: %w", err)
	}
	av, err := money.Parse(available)
	if err != nil {
		return Balance{}, err
	}
	lk, err := money.Parse(locked)
	if err != nil {
		return Balance{}, err
	}
	bal.Available, bal.Locked = av, lk
	return bal, nil
}

// lockBalanceRow upserts a zero-valued row if absent, then SELECT ... FOR
// UPDATE locks it, returning the current balance within tx.
func lockBalanceRow(ctx context.Context, tx pgx.Tx, user uuid.UUID, asset string) (Balance, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO balances (user_id, asset, available, locked)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id, asset) DO NOTHING`, user, asset)
	if err != nil {
		return Balance{}, fmt.Errorf("ledger: seed balance row: %w", err)
	}

	var available, locked string
	row := tx.QueryRow(ctx, `SELECT available, locked FROM balances WHERE user_id = $1 AND asset = $2 FOR UPDATE`, user, asset)
	if err := row.Scan(&available, &locked); err != nil {
		return Balance{}, fmt.Errorf("ledger: lock balance row: %w", err)
	}
	av, err := money.Parse(available)
	if err != nil {
		return Balance{}, err
	}
	lk, err := money.Parse(locked)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Available: av, Locked: lk}, nil
}

func writeBalanceRow(ctx context.Context, tx pgx.Tx, user uuid.UUID, asset string, bal Balance) error {
	_, err := tx.Exec(ctx, `
		UPDATE balances SET available = $3, locked = $4
		WHERE user_id = $1 AND asset = $2`,
		user, asset, bal.Available.String(), bal.Locked.String())
	if err != nil {
		return fmt.Errorf("ledger: write balance row: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e LedgerEntry) (LedgerEntry, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO ledger (user_id, asset, amount, balance_after, entry_type, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, created_at`,
		e.User, e.Asset, e.Amount.String(), e.BalanceAfter.String(), e.Kind.String(), e.RefID)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return LedgerEntry{}, fmt.Errorf("ledger: insert entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			log.Error().Str("component", "ledger").Err(rbErr).Msg("rollback failed")
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Credit(ctx context.Context, user uuid.UUID, asset string, amount money.D, kind common.LedgerEntryKind, ref string) (LedgerEntry, error) {
	if !money.Positive(amount) {
		return LedgerEntry{}, ErrInvalidAmount
	}
	var result LedgerEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		bal, err := lockBalanceRow(ctx, tx, user, asset)
		if err != nil {
			return err
		}
		bal.Available = bal.Available.Add(amount)
		if err := writeBalanceRow(ctx, tx, user, asset, bal); err != nil {
			return err
		}
		result, err = insertEntry(ctx, tx, LedgerEntry{User: user, Asset: asset, Amount: amount, BalanceAfter: bal.Available, Kind: kind, RefID: ref})
		return err
	})
	return result, err
}

func (s *PostgresStore) Debit(ctx context.Context, user uuid.UUID, asset string, amount money.D, kind common.LedgerEntryKind, ref string) (LedgerEntry, error) {
	if !money.Positive(amount) {
		return LedgerEntry{}, ErrInvalidAmount
	}
	var result LedgerEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		bal, err := lockBalanceRow(ctx, tx, user, asset)
		if err != nil {
			return err
		}
		if bal.Available.LessThan(amount) {
			return ErrInsufficientFunds
		}
		bal.Available = bal.Available.Sub(amount)
		if err := writeBalanceRow(ctx, tx, user, asset, bal); err != nil {
			return err
		}
		result, err = insertEntry(ctx, tx, LedgerEntry{User: user, Asset: asset, Amount: amount.Neg(), BalanceAfter: bal.Available, Kind: kind, RefID: ref})
		return err
	})
	return result, err
}

func (s *PostgresStore) Lock(ctx context.Context, user uuid.UUID, asset string, amount money.D, ref string) (LedgerEntry, error) {
	if !money.Positive(amount) {
		return LedgerEntry{}, ErrInvalidAmount
	}
	var result LedgerEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		bal, err := lockBalanceRow(ctx, tx, user, asset)
		if err != nil {
			return err
		}
		if bal.Available.LessThan(amount) {
			return ErrInsufficientFunds
		}
		bal.Available = bal.Available.Sub(amount)
		bal.Locked = bal.Locked.Add(amount)
		if err := writeBalanceRow(ctx, tx, user, asset, bal); err != nil {
			return err
		}
		result, err = insertEntry(ctx, tx, LedgerEntry{User: user, Asset: asset, Amount: amount.Neg(), BalanceAfter: bal.Available, Kind: common.EntryLock, RefID: ref})
		return err
	})
	return result, err
}

func (s *PostgresStore) Unlock(ctx context.Context, user uuid.UUID, asset string, amount money.D, ref string) (LedgerEntry, error) {
	if !money.Positive(amount) {
		return LedgerEntry{}, ErrInvalidAmount
	}
	var result LedgerEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		bal, err := lockBalanceRow(ctx, tx, user, asset)
		if err != nil {
			return err
		}
		if bal.Locked.LessThan(amount) {
			return ErrInsufficientLocked
		}
		bal.Locked = bal.Locked.Sub(amount)
		bal.Available = bal.Available.Add(amount)
		if err := writeBalanceRow(ctx, tx, user, asset, bal); err != nil {
			return err
		}
		result, err = insertEntry(ctx, tx, LedgerEntry{User: user, Asset: asset, Amount: amount, BalanceAfter: bal.Available, Kind: common.EntryUnlock, RefID: ref})
		return err
	})
	return result, err
}

func (s *PostgresStore) SettleFill(ctx context.Context, p SettleFillParams) (Trade, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveSecondsVec(metrics.Get().LedgerTxLatency, "settle_fill")

	if existing, ok, err := s.TradeByFillID(ctx, p.FillID); err != nil {
		return Trade{}, err
	} else if ok {
		return existing, nil
	}

	base, quote := p.Symbol.Base(), p.Symbol.Quote()
	buyerFee := p.BuyerFee()
	sellerFee := p.SellerFee()
	quoteAmount := p.Quantity.Mul(p.Price)

	var trade Trade
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Lock every distinct party's rows (buyer, seller, and the exchange
		// fee account, spec.md §8 testable property #5) in deterministic
		// user-id order, since the constraint is on user id regardless of
		// asset (spec.md §5 "lock rows in a deterministic order").
		ids := []uuid.UUID{p.BuyerID, p.SellerID, ExchangeAccountID}
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

		bals := make(map[uuid.UUID]*struct{ base, quote Balance })
		for _, id := range ids {
			if _, ok := bals[id]; ok {
				continue // buyer/seller/exchange may coincide; lock once
			}
			b, err := lockBalanceRow(ctx, tx, id, base)
			if err != nil {
				return err
			}
			q, err := lockBalanceRow(ctx, tx, id, quote)
			if err != nil {
				return err
			}
			bals[id] = &struct{ base, quote Balance }{b, q}
		}

		buyer, seller, exchange := bals[p.BuyerID], bals[p.SellerID], bals[ExchangeAccountID]

		if seller.base.Locked.LessThan(p.Quantity) {
			return fmt.Errorf("%w: seller locked base below fill quantity", ErrInsufficientLocked)
		}
		if buyer.quote.Locked.LessThan(quoteAmount) {
			return fmt.Errorf("%w: buyer locked quote below fill notional", ErrInsufficientLocked)
		}

		seller.base.Locked = seller.base.Locked.Sub(p.Quantity)
		buyer.base.Available = buyer.base.Available.Add(p.Quantity).Sub(buyerFee)
		buyer.quote.Locked = buyer.quote.Locked.Sub(quoteAmount)
		seller.quote.Available = seller.quote.Available.Add(quoteAmount).Sub(sellerFee)
		exchange.base.Available = exchange.base.Available.Add(buyerFee)
		exchange.quote.Available = exchange.quote.Available.Add(sellerFee)

		if err := writeBalanceRow(ctx, tx, p.SellerID, base, seller.base); err != nil {
			return err
		}
		if err := writeBalanceRow(ctx, tx, p.BuyerID, base, buyer.base); err != nil {
			return err
		}
		if err := writeBalanceRow(ctx, tx, p.BuyerID, quote, buyer.quote); err != nil {
			return err
		}
		if err := writeBalanceRow(ctx, tx, p.SellerID, quote, seller.quote); err != nil {
			return err
		}
		if err := writeBalanceRow(ctx, tx, ExchangeAccountID, base, exchange.base); err != nil {
			return err
		}
		if err := writeBalanceRow(ctx, tx, ExchangeAccountID, quote, exchange.quote); err != nil {
			return err
		}

		if _, err := insertEntry(ctx, tx, LedgerEntry{User: p.SellerID, Asset: base, Amount: p.Quantity.Neg(), BalanceAfter: seller.base.Available, Kind: common.EntryTrade, RefID: p.FillID}); err != nil {
			return err
		}
		if _, err := insertEntry(ctx, tx, LedgerEntry{User: p.BuyerID, Asset: base, Amount: p.Quantity.Sub(buyerFee), BalanceAfter: buyer.base.Available, Kind: common.EntryTrade, RefID: p.FillID}); err != nil {
			return err
		}
		if _, err := insertEntry(ctx, tx, LedgerEntry{User: p.BuyerID, Asset: quote, Amount: quoteAmount.Neg(), BalanceAfter: buyer.quote.Available, Kind: common.EntryTrade, RefID: p.FillID}); err != nil {
			return err
		}
		if _, err := insertEntry(ctx, tx, LedgerEntry{User: p.SellerID, Asset: quote, Amount: quoteAmount.Sub(sellerFee), BalanceAfter: seller.quote.Available, Kind: common.EntryTrade, RefID: p.FillID}); err != nil {
			return err
		}
		if money.Positive(buyerFee) {
			if _, err := insertEntry(ctx, tx, LedgerEntry{User: ExchangeAccountID, Asset: base, Amount: buyerFee, BalanceAfter: exchange.base.Available, Kind: common.EntryFee, RefID: p.FillID}); err != nil {
				return err
			}
		}
		if money.Positive(sellerFee) {
			if _, err := insertEntry(ctx, tx, LedgerEntry{User: ExchangeAccountID, Asset: quote, Amount: sellerFee, BalanceAfter: exchange.quote.Available, Kind: common.EntryFee, RefID: p.FillID}); err != nil {
				return err
			}
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO trades (symbol, buy_order_id, sell_order_id, buyer_id, seller_id, price, quantity, buyer_fee, seller_fee, exchange_fill_id, settled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
			ON CONFLICT (exchange_fill_id) DO NOTHING
			RETURNING id, settled_at`,
			string(p.Symbol), p.BuyOrderID, p.SellOrderID, p.BuyerID, p.SellerID,
			p.Price.String(), p.Quantity.String(), buyerFee.String(), sellerFee.String(), p.FillID)

		trade = Trade{
			Symbol: p.Symbol, BuyOrderID: p.BuyOrderID, SellOrderID: p.SellOrderID,
			BuyerID: p.BuyerID, SellerID: p.SellerID, Price: p.Price, Quantity: p.Quantity,
			BuyerFee: buyerFee, SellerFee: sellerFee, FillID: p.FillID,
		}
		if err := row.Scan(&trade.ID, &trade.SettledAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Lost the race to a concurrent settlement of the same
				// fill_id; the transaction still posted balance rows
				// redundantly, so abort and let the caller refetch.
				return ErrConflict
			}
			return fmt.Errorf("ledger: insert trade: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrConflict) {
		existing, ok, lookupErr := s.TradeByFillID(ctx, p.FillID)
		if lookupErr != nil {
			return Trade{}, lookupErr
		}
		if ok {
			return existing, nil
		}
	}
	if err != nil {
		return Trade{}, err
	}
	return trade, nil
}

func (s *PostgresStore) TradeByFillID(ctx context.Context, fillID string) (Trade, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, symbol, buy_order_id, sell_order_id, buyer_id, seller_id, price, quantity, buyer_fee, seller_fee, exchange_fill_id, settled_at
		FROM trades WHERE exchange_fill_id = $1`, fillID)

	var t Trade
	var price, qty, buyerFee, sellerFee string
	err := row.Scan(&t.ID, &t.Symbol, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &price, &qty, &buyerFee, &sellerFee, &t.FillID, &t.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Trade{}, false, nil
		}
		return Trade{}, false, fmt.Errorf("ledger: query trade: %w", err)
	}
	if t.Price, err = money.Parse(price); err != nil {
		return Trade{}, false, err
	}
	if t.Quantity, err = money.Parse(qty); err != nil {
		return Trade{}, false, err
	}
	if t.BuyerFee, err = money.Parse(buyerFee); err != nil {
		return Trade{}, false, err
	}
	if t.SellerFee, err = money.Parse(sellerFee); err != nil {
		return Trade{}, false, err
	}
	return t, true, nil
}
