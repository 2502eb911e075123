// Package fixedn converts between human decimal notation and the integer
// smallest-unit representation ERC-20 tokens use on chain. The precision is
// a parameter, never an assumption; the token config is the only source of
// it.
package fixedn

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// MaxPrecision bounds the supported number of decimal places. uint256
// amounts hold at most 78 digits, so 77 covers every conceivable token.
const MaxPrecision = 77

// ErrInvalidFormat is returned when the decimal is malformed, negative or
// has more fractional digits than the precision allows.
var ErrInvalidFormat = errors.New("invalid decimal format")

var _pow10 []*big.Int

func init() {
	p := big.NewInt(1)
	ten := big.NewInt(10)
	for i := 0; i <= MaxPrecision; i++ {
		_pow10 = append(_pow10, new(big.Int).Set(p))
		p.Mul(p, ten)
	}
}

func pow10(n int) *big.Int {
	return _pow10[n]
}

// FromString converts a non-negative decimal string to its smallest-unit
// integer under the given precision: "0.05" at precision 6 yields 50000.
// Excess fractional digits are an error, never a silent truncation.
func FromString(s string, precision int) (*big.Int, error) {
	if precision < 0 || precision > MaxPrecision {
		return nil, fmt.Errorf("%w: unsupported precision %d", ErrInvalidFormat, precision)
	}
	if s == "" || strings.ContainsAny(s, "+-") {
		return nil, ErrInvalidFormat
	}
	intPart, fracPart, hasFrac := strings.Cut(s, ".")
	bi, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return nil, ErrInvalidFormat
	}
	bi.Mul(bi, pow10(precision))
	if !hasFrac {
		return bi, nil
	}
	if fracPart == "" || len(fracPart) > precision {
		return nil, fmt.Errorf("%w: invalid length of the fractional part", ErrInvalidFormat)
	}
	fp, ok := new(big.Int).SetString(fracPart, 10)
	if !ok {
		return nil, ErrInvalidFormat
	}
	fp.Mul(fp, pow10(precision-len(fracPart)))
	return bi.Add(bi, fp), nil
}

// ToString renders a smallest-unit integer as a decimal string under the
// given precision, trimming trailing fractional zeros: 50000 at precision 6
// yields "0.05". The precision must be within [0, MaxPrecision].
func ToString(bi *big.Int, precision int) string {
	var sign string
	if bi.Sign() < 0 {
		sign = "-"
		bi = new(big.Int).Neg(bi)
	}
	var dp, fp big.Int
	dp.QuoRem(bi, pow10(precision), &fp)
	if fp.Sign() == 0 {
		return sign + dp.String()
	}
	frac := fmt.Sprintf("%0*d", precision, &fp)
	return sign + dp.String() + "." + strings.TrimRight(frac, "0")
}
