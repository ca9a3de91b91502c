package math

import (
	"math/big"
	"sync"
)

// PercentScale is the denominator of FeePercent.
const PercentScale = 100

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // Truncate toward zero (pool-favouring)
	RoundUp
)

// MulDiv computes a * b / denominator without intermediate overflow.
// Inputs must be non-negative and denominator positive.
func MulDiv(a, b, denominator int64, mode RoundingMode) int64 {
	num := getInt128()
	num.Mul(big.NewInt(a), big.NewInt(b))

	quotient := getInt128()
	remainder := getInt128()
	quotient.QuoRem(num, big.NewInt(denominator), remainder)

	result := quotient.Int64()
	if mode == RoundUp && remainder.Sign() != 0 {
		result++
	}

	putInt128(num)
	putInt128(quotient)
	putInt128(remainder)

	return result
}
