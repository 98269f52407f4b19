package ledger

import (
	"context"

	"exchangecore/internal/common"
	"exchangecore/internal/money"

	"github.com/google/uuid"
)

// Store is the C3 settlement ledger's primitive contract (spec.md §4.3):
// every method is atomic and appends one or more LedgerEntry rows. Two
// implementations exist: MemoryStore (tests, the runnable example binary)
// and PostgresStore (production, internal/ledger/pg.go).
type Store interface {
	Balance(ctx context.Context, user uuid.UUID, asset string) (Balance, error)

	// Credit increases available balance by amount (amount > 0).
	Credit(ctx context.Context, user uuid.UUID, asset string, amount money.D, kind common.LedgerEntryKind, ref string) (LedgerEntry, error)
	// Debit decreases available balance by amount; fails ErrInsufficientFunds
	// if available < amount.
	Debit(ctx context.Context, user uuid.UUID, asset string, amount money.D, kind common.LedgerEntryKind, ref string) (LedgerEntry, error)
	// Lock moves amount from available to locked; fails ErrInsufficientFunds
	// if available < amount.
	Lock(ctx context.Context, user uuid.UUID, asset string, amount money.D, ref string) (LedgerEntry, error)
	// Unlock moves amount from locked to available; fails
	// ErrInsufficientLocked if locked < amount.
	Unlock(ctx context.Context, user uuid.UUID, asset string, amount money.D, ref string) (LedgerEntry, error)

	// SettleFill atomically posts both sides of a Fill and inserts exactly
	// one Trade row keyed by FillID (ON CONFLICT: no-op returning the
	// existing row) — spec.md §4.3, §9.
	SettleFill(ctx context.Context, params SettleFillParams) (Trade, error)

	// TradeByFillID looks up a previously settled trade, used by the
	// coordinator to detect a duplicate fill delivery before calling
	// SettleFill at all (spec.md §4.4 "on_fill: look up by fill_id; if
	// Trade exists, drop").
	TradeByFillID(ctx context.Context, fillID string) (Trade, bool, error)
}
