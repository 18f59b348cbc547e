package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int32  // Number of decimal places
	Scale            uint64 // 10^DecimalPrecision
}

// TradeConfig is the precision of settlement prices, sizes and values.
var TradeConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}

var (
	ErrOverflow      = errors.New("fixed-point overflow")
	ErrDivideByZero  = errors.New("fixed-point divide by zero")
	ErrNegative      = errors.New("fixed-point value is negative")
	ErrTooManyDigits = errors.New("fixed-point value has more decimals than the scale allows")
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota // Truncate toward zero (integer division)
	RoundHalfUp                   // Half away from zero
	RoundHalfEven                 // Banker's rounding
	RoundExact                    // Reject any remainder
)

// MulDiv computes a * b / denominator with a 256-bit intermediate and
// narrows the result back to uint64. Fails closed on overflow of either
// the product or the narrowing.
func MulDiv(a, b, denominator uint64, mode RoundingMode) (uint64, error) {
	if denominator == 0 {
		return 0, ErrDivideByZero
	}

	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow {
		return 0, fmt.Errorf("%w: %d * %d", ErrOverflow, a, b)
	}

	denom := uint256.NewInt(denominator)
	quotient := new(uint256.Int)
	remainder := new(uint256.Int)
	quotient.DivMod(product, denom, remainder)

	if !remainder.IsZero() {
		switch mode {
		case RoundHalfUp:
			// remainder*2 >= denominator
			if new(uint256.Int).Lsh(remainder, 1).Cmp(denom) >= 0 {
				quotient.AddUint64(quotient, 1)
			}
		case RoundHalfEven:
			twice := new(uint256.Int).Lsh(remainder, 1)
			cmp := twice.Cmp(denom)
			if cmp > 0 || (cmp == 0 && quotient.Uint64()%2 == 1) {
				quotient.AddUint64(quotient, 1)
			}
		case RoundExact:
			return 0, fmt.Errorf("%w: %d * %d / %d", ErrTooManyDigits, a, b, denominator)
		}
	}

	if !quotient.IsUint64() {
		return 0, fmt.Errorf("%w: result of %d * %d / %d exceeds 64 bits", ErrOverflow, a, b, denominator)
	}
	return quotient.Uint64(), nil
}

// TradeValue computes price * size / SCALE with truncation. Price and
// size are both scaled by TradeConfig.Scale, so the value is too.
func TradeValue(price, size uint64) (uint64, error) {
	return MulDiv(price, size, TradeConfig.Scale, RoundDown)
}

// ToFixed converts a decimal (e.g. "50.25") into its fixed-point integer
// at cfg's precision, rounding half away from zero.
func ToFixed(d decimal.Decimal, cfg DecimalConfig) (uint64, error) {
	if d.Sign() < 0 {
		return 0, fmt.Errorf("%w: %s", ErrNegative, d.String())
	}
	scaled := d.Shift(cfg.DecimalPrecision).Round(0)
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("%w: %s at scale %d", ErrOverflow, d.String(), cfg.Scale)
	}
	return bi.Uint64(), nil
}

// ParseFixed parses a decimal string and converts it with ToFixed.
func ParseFixed(s string, cfg DecimalConfig) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return ToFixed(d, cfg)
}

// ParseFixedExact is ParseFixed without rounding: a value with more
// decimals than cfg holds is rejected with ErrTooManyDigits.
func ParseFixedExact(s string, cfg DecimalConfig) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	if shifted := d.Shift(cfg.DecimalPrecision); !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s at scale %d", ErrTooManyDigits, s, cfg.Scale)
	}
	return ToFixed(d, cfg)
}

// FromFixed renders a fixed-point integer as a decimal.
func FromFixed(v uint64, cfg DecimalConfig) decimal.Decimal {
	return decimal.NewFromUint64(v).Shift(-cfg.DecimalPrecision)
}
