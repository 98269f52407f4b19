// Package ledger implements C3, the settlement ledger: append-only
// accounting over per-(user, asset) balances with atomic lock/unlock/trade
// posting, generalized in spirit from the teacher's sentinel-error/
// zerolog style (internal/engine/orderbook.go's ErrNotEnoughLiquidity) but
// with no teacher persistence layer to draw from directly — its storage is
// grounded on the pack's other repos that do wire a real SQL driver
// (github.com/jackc/pgx/v5, web3guy0-polybot's gorm/postgres usage,
// HershyOrg/hershy and raphalbongso-wager-marketplace's pgx/migrate stacks
// retained in _examples/other_examples/manifests).
package ledger

import (
	"errors"
	"time"

	"exchangecore/internal/common"
	"exchangecore/internal/money"

	"github.com/google/uuid"
)

// ExchangeAccountID is the reserved platform account that collects trading
// fees (spec.md §8 testable property #5: "fees credited to exchange
// account equal sum of buyer_fee + seller_fee"). Seeded into the users
// table by migrations/0001_init.up.sql so PostgresStore's FK constraints
// are satisfied without a separate account-provisioning step.
var ExchangeAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

var (
	// ErrInsufficientFunds is returned by debit/lock when available balance
	// is below the requested amount (spec.md §7).
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrInsufficientLocked is returned by unlock when locked balance is
	// below the requested amount.
	ErrInsufficientLocked = errors.New("ledger: insufficient locked balance")
	// ErrInvalidAmount covers non-positive amounts passed to any primitive.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrConflict signals a duplicate idempotency key (fill_id) with
	// content that diverges from the already-settled trade (spec.md §7).
	ErrConflict = errors.New("ledger: conflicting idempotency key")
)

// Balance is the per-(user, asset) view spec.md §3 mandates: available ≥ 0,
// locked ≥ 0 is enforced by every Store implementation before it commits.
type Balance struct {
	Available money.D
	Locked    money.D
}

// LedgerEntry is one append-only posting (spec.md §3). Entries are never
// updated or deleted once written; the storage layer enforces this with a
// trigger (see migrations/0001_init.up.sql).
type LedgerEntry struct {
	ID           int64
	User         uuid.UUID
	Asset        string
	Amount       money.D // signed: negative for debit/lock, positive for credit/unlock
	BalanceAfter money.D // the available balance after this entry, for audit
	Kind         common.LedgerEntryKind
	RefID        string
	CreatedAt    time.Time
}

// Trade is the settled record of one Fill, keyed by FillID for idempotent
// insertion (spec.md §6 "trades" table, §9 "at-most-once settlement").
type Trade struct {
	ID          int64
	Symbol      common.Symbol
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	BuyerID     uuid.UUID
	SellerID    uuid.UUID
	Price       money.D
	Quantity    money.D
	BuyerFee    money.D
	SellerFee   money.D
	FillID      string
	SettledAt   time.Time
}

// FeeSchedule is the maker/taker fee configuration (spec.md §6
// "ledger.fee_schedule": {maker_bps, taker_bps}).
type FeeSchedule struct {
	MakerBps int64
	TakerBps int64
}

// feeOn computes the fee owed on amount at bps basis points (1 bps =
// 1/10000), rounded half-even to money.Scale (spec.md §3 "fees: half-even
// to 8 dp").
func feeOn(amount money.D, bps int64) money.D {
	if bps <= 0 {
		return money.Zero
	}
	rate := money.New(bps, -4)
	return money.FeeRound(amount.Mul(rate))
}

// SettleFillParams is the input to Store.SettleFill (spec.md §4.3
// "settle_fill(buyer, seller, base, quote, qty, price, fees, fill_id)").
type SettleFillParams struct {
	FillID      string
	Symbol      common.Symbol
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	BuyerID     uuid.UUID
	SellerID    uuid.UUID
	Price       money.D
	Quantity    money.D
	TakerSide   common.Side
	Fees        FeeSchedule
}

// BuyerFee and SellerFee resolve the Open Question left unanswered by the
// observed schema (which records buyer_fee/seller_fee but not the currency
// basis): the buyer is charged in the asset it receives (base), the seller
// in the asset it receives (quote), each at their own maker/taker rate
// depending on which side of this fill was the taker.
func (p SettleFillParams) BuyerFee() money.D {
	base := p.Quantity
	if p.TakerSide == common.Buy {
		return feeOn(base, p.Fees.TakerBps)
	}
	return feeOn(base, p.Fees.MakerBps)
}

func (p SettleFillParams) SellerFee() money.D {
	quote := p.Quantity.Mul(p.Price)
	if p.TakerSide == common.Sell {
		return feeOn(quote, p.Fees.TakerBps)
	}
	return feeOn(quote, p.Fees.MakerBps)
}
