package fpmath

import "math/big"

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// MulDiv computes a * b / denom through a big.Int intermediate so the product
// cannot overflow int64. RoundDown truncates toward zero.
func MulDiv(a, b, denom int64, mode RoundingMode) int64 {
	numerator := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	return divide(numerator, denom, mode)
}

func divide(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient, remainder := new(big.Int).DivMod(numerator, denom, new(big.Int))

	result := quotient.Int64()

	switch mode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 && result%2 != 0 {
			result++
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	}

	return result
}

// Percent applies an integer percentage to a fixed-point amount.
// Percent(5000, 15) == 750 regardless of the amount's scale.
func Percent(amount int64, percent int64) int64 {
	return MulDiv(amount, percent, 100, RoundHalfEven)
}
