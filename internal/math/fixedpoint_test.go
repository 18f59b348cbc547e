package math_test

import (
	fpmath "DarkLedger/internal/math"
	"errors"
	stdmath "math"
	"testing"
)

// ============================================================================
// Test: TradeValue
// ============================================================================

func TestTradeValue_Example(t *testing.T) {
	// $50.00 * 1.5 units = $75.00, all scaled by 1e6
	got, err := fpmath.TradeValue(50_000_000, 1_500_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 75_000_000 {
		t.Errorf("got %d, want 75_000_000", got)
	}
}

func TestTradeValue_Truncates(t *testing.T) {
	// 1 * 1 / 1e6 truncates to 0
	got, err := fpmath.TradeValue(1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestTradeValue_WideIntermediate(t *testing.T) {
	// Product exceeds 64 bits but the scaled result fits.
	price := uint64(10_000_000_000_000) // 1e13
	size := uint64(1_000_000_000)       // 1e9
	got, err := fpmath.TradeValue(price, size)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 10_000_000_000_000_000 {
		t.Errorf("got %d, want 1e16", got)
	}
}

func TestTradeValue_NarrowingOverflow(t *testing.T) {
	_, err := fpmath.TradeValue(stdmath.MaxUint64, stdmath.MaxUint64)
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
}

// ============================================================================
// Test: MulDiv rounding
// ============================================================================

func TestMulDiv_Rounding(t *testing.T) {
	tests := []struct {
		name string
		mode fpmath.RoundingMode
		a, b uint64
		den  uint64
		want uint64
	}{
		{"down", fpmath.RoundDown, 5, 3, 2, 7},
		{"half up", fpmath.RoundHalfUp, 5, 3, 2, 8},
		{"half even to even", fpmath.RoundHalfEven, 5, 1, 2, 2},
		{"half even up", fpmath.RoundHalfEven, 7, 1, 2, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(tt.a, tt.b, tt.den, tt.mode)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMulDiv_ExactRejectsRemainder(t *testing.T) {
	if _, err := fpmath.MulDiv(1, 1, 3, fpmath.RoundExact); !errors.Is(err, fpmath.ErrTooManyDigits) {
		t.Fatalf("got %v, want ErrTooManyDigits", err)
	}
}

func TestMulDiv_ZeroDenominator(t *testing.T) {
	if _, err := fpmath.MulDiv(1, 1, 0, fpmath.RoundDown); !errors.Is(err, fpmath.ErrDivideByZero) {
		t.Fatalf("got %v, want ErrDivideByZero", err)
	}
}

// ============================================================================
// Test: decimal conversion
// ============================================================================

func TestParseFixed(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"50", 50_000_000},
		{"50.00", 50_000_000},
		{"1.5", 1_500_000},
		{"0.0000005", 1}, // half rounds away from zero
		{"0.0000004", 0},
	}
	for _, tt := range tests {
		got, err := fpmath.ParseFixed(tt.in, fpmath.TradeConfig)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseFixed_Negative(t *testing.T) {
	if _, err := fpmath.ParseFixed("-1", fpmath.TradeConfig); !errors.Is(err, fpmath.ErrNegative) {
		t.Fatalf("got %v, want ErrNegative", err)
	}
}

func TestParseFixedExact(t *testing.T) {
	got, err := fpmath.ParseFixedExact("1.500000", fpmath.TradeConfig)
	if err != nil || got != 1_500_000 {
		t.Fatalf("got %d, %v; want 1_500_000", got, err)
	}
	if _, err := fpmath.ParseFixedExact("0.0000005", fpmath.TradeConfig); !errors.Is(err, fpmath.ErrTooManyDigits) {
		t.Fatalf("got %v, want ErrTooManyDigits", err)
	}
}

func TestFromFixed(t *testing.T) {
	if got := fpmath.FromFixed(75_000_000, fpmath.TradeConfig).String(); got != "75" {
		t.Errorf("got %s, want 75", got)
	}
}
