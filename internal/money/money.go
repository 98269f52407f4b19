// Package money wraps shopspring/decimal to give the exchange core a single,
// exact fixed-point type for price, quantity and balance arithmetic.
//
// NOTE: binary float64 was considered (as the teacher's orderbook draft
// flagged: "might want to compare with Float from math/big: more precise
// but slower") and rejected outright — spec.md mandates exact arithmetic,
// which float64 cannot give. decimal.Decimal stores an arbitrary-precision
// integer plus exponent, so equality and comparisons on prices/quantities
// are exact.
package money

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the fractional precision (8 dp) spec.md mandates for price,
// quantity and balance fields.
const Scale = 8

// D is the exchange-wide decimal type.
type D = decimal.Decimal

// Zero is the additive identity at exchange scale.
var Zero = decimal.Zero

// New builds a decimal from an integer mantissa and exponent, forwarding to
// decimal.New for callers building constants (tests, fixtures).
func New(value int64, exp int32) D {
	return decimal.New(value, exp)
}

// Parse parses a decimal string (e.g. order/ledger payloads off the wire).
func Parse(s string) (D, error) {
	return decimal.NewFromString(s)
}

// NewFromBigInt builds a decimal from an arbitrary-precision integer
// mantissa and exponent, used to decode the engine's 128-bit fixed-point
// wire format.
func NewFromBigInt(value *big.Int, exp int32) D {
	return decimal.NewFromBigInt(value, exp)
}

// NewFromFloat builds a decimal from a float64, for config values (e.g.
// coordinator.lock_slippage_pct) that arrive through viper as float64
// rather than as wire-precise strings.
func NewFromFloat(f float64) D {
	return decimal.NewFromFloat(f)
}

// FeeRound rounds a fee amount half-to-even at Scale fractional digits, per
// spec.md §3 ("rounding modes defined per operation (fees: half-even to 8 dp)").
func FeeRound(d D) D {
	return d.RoundBank(Scale)
}

// LockCeiling rounds a market-buy lock amount up at Scale fractional digits,
// per spec.md §3 ("locking for market-buy: ceiling") — this is always the
// side of rounding that favors the exchange holding enough in escrow.
func LockCeiling(d D) D {
	return d.RoundCeil(Scale)
}

// Positive reports whether d > 0.
func Positive(d D) bool {
	return d.Sign() > 0
}

// NonNegative reports whether d >= 0.
func NonNegative(d D) bool {
	return d.Sign() >= 0
}
