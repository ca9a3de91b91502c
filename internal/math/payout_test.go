package math_test

import (
	stdmath "math"
	"testing"

	fpmath "PredictLedger/internal/math"
)

func TestFee(t *testing.T) {
	tests := []struct {
		total, pct, want int64
	}{
		{1000, 2, 20},
		{999, 2, 19},
		{49, 2, 0},
		{0, 2, 0},
		{1000, 0, 0},
		{1000, 100, 1000},
	}
	for _, tt := range tests {
		if got := fpmath.Fee(tt.total, tt.pct); got != tt.want {
			t.Errorf("Fee(%d, %d) = %d, want %d", tt.total, tt.pct, got, tt.want)
		}
	}
}

func TestShare_FeeConservation(t *testing.T) {
	// total 1000, fee 2% -> distributable 980; 200 of a 500 winning pool
	if got := fpmath.Distributable(1000, 2); got != 980 {
		t.Fatalf("distributable: got %d, want 980", got)
	}
	if got := fpmath.Share(200, 1000, 500, 2); got != 392 {
		t.Errorf("share: got %d, want 392", got)
	}
}

func TestShare_TruncatesTowardPool(t *testing.T) {
	// three equal winners of 1 each over a pool of 10: each floor(1*10/3) = 3
	var paid int64
	for i := 0; i < 3; i++ {
		paid += fpmath.Share(1, 10, 3, 0)
	}
	if paid != 9 {
		t.Errorf("paid %d, want 9 (one unit of dust stays in the pool)", paid)
	}
}

func TestShare_ZeroWinningPool(t *testing.T) {
	if got := fpmath.Share(10, 100, 0, 2); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestMulDiv_NoOverflow(t *testing.T) {
	big := int64(stdmath.MaxInt64 / 2)
	if got := fpmath.MulDiv(big, 4, 4, fpmath.RoundDown); got != big {
		t.Errorf("got %d, want %d", got, big)
	}
}

func TestMulDiv_RoundUp(t *testing.T) {
	if got := fpmath.MulDiv(10, 1, 3, fpmath.RoundUp); got != 4 {
		t.Errorf("got %d, want 4", got)
	}
	if got := fpmath.MulDiv(9, 1, 3, fpmath.RoundUp); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}
