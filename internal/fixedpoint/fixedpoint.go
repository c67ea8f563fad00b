// Package fixedpoint implements signed 18-decimal fixed-point arithmetic on
// math/big integers. Values are range-limited to 256-bit two's-complement so
// overflow is an explicit error, never a silent wrap. Multiplication,
// division, frac and sqrt default to round-half-away-from-zero and carry
// explicit Floor/Ceil overloads: pool-margin and cash-to-return math uses
// Floor so the pool never pays out more than it holds; Ceil is used where
// overstating a charge to the trader is the safe direction.
package fixedpoint

import (
	"fmt"
	"math/big"
	"strings"

	"PerpPool/internal/errs"
)

// DecimalPlaces is the fixed scale of every Value.
const DecimalPlaces = 18

// Rounding selects the direction of precision loss.
type Rounding int

const (
	// Nearest rounds half away from zero (the default for all operations).
	Nearest Rounding = iota
	// Floor rounds toward negative infinity.
	Floor
	// Ceil rounds toward positive infinity.
	Ceil
)

var (
	scale    = new(big.Int).Exp(big.NewInt(10), big.NewInt(DecimalPlaces), nil)
	maxInt   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minInt   = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
	bigTwo   = big.NewInt(2)
	bigOne   = big.NewInt(1)
	bigZero  = big.NewInt(0)
)

// Sentinel arithmetic failures, all wrapping errs.ErrArithmetic.
var (
	ErrDivisionByZero     = fmt.Errorf("%w: division by zero", errs.ErrArithmetic)
	ErrNegativeSqrt       = fmt.Errorf("%w: sqrt of negative value", errs.ErrArithmetic)
	ErrArithmeticOverflow = fmt.Errorf("%w: overflow", errs.ErrArithmetic)
)

// Value is an immutable signed fixed-point number with 18 decimal places.
// The zero Value is 0.
type Value struct {
	i *big.Int
}

// Zero is the zero value.
var Zero = Value{}

// One is 1.0.
var One = Value{i: new(big.Int).Set(scale)}

func (v Value) int() *big.Int {
	if v.i == nil {
		return bigZero
	}
	return v.i
}

// New returns units as a Value (units * 10^18).
func New(units int64) Value {
	return Value{i: new(big.Int).Mul(big.NewInt(units), scale)}
}

// FromRaw wraps an already-scaled integer, enforcing the 256-bit range.
func FromRaw(raw *big.Int) (Value, error) {
	if raw.Cmp(maxInt) > 0 || raw.Cmp(minInt) < 0 {
		return Zero, ErrArithmeticOverflow
	}
	return Value{i: new(big.Int).Set(raw)}, nil
}

// MustFromRaw is FromRaw for compile-time constants; panics on range error.
func MustFromRaw(raw *big.Int) Value {
	v, err := FromRaw(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// FromDecimal parses a decimal string such as "-12.3456".
func FromDecimal(s string) (Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("%w: empty decimal", errs.ErrValidation)
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	intPart := s
	fracPart := ""
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		intPart, fracPart = s[:dot], s[dot+1:]
	}
	if len(fracPart) > DecimalPlaces {
		fracPart = fracPart[:DecimalPlaces]
	}
	for len(fracPart) < DecimalPlaces {
		fracPart += "0"
	}
	if intPart == "" {
		intPart = "0"
	}
	raw, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return Zero, fmt.Errorf("%w: malformed decimal %q", errs.ErrValidation, s)
	}
	if neg {
		raw.Neg(raw)
	}
	return FromRaw(raw)
}

// MustDecimal is FromDecimal for test fixtures and constants; panics on error.
func MustDecimal(s string) Value {
	v, err := FromDecimal(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Raw returns a copy of the scaled integer.
func (v Value) Raw() *big.Int {
	return new(big.Int).Set(v.int())
}

// String renders the value as a trimmed decimal string.
func (v Value) String() string {
	n := v.int()
	neg := n.Sign() < 0
	abs := new(big.Int).Abs(n)
	q, r := new(big.Int).QuoRem(abs, scale, new(big.Int))
	frac := strings.TrimRight(fmt.Sprintf("%018d", r), "0")
	out := q.String()
	if frac != "" {
		out += "." + frac
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (v Value) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Value) UnmarshalText(b []byte) error {
	parsed, err := FromDecimal(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Sign reports -1, 0 or +1.
func (v Value) Sign() int { return v.int().Sign() }

// IsZero reports whether v == 0.
func (v Value) IsZero() bool { return v.int().Sign() == 0 }

// Cmp compares v to o.
func (v Value) Cmp(o Value) int { return v.int().Cmp(o.int()) }

// Equal reports v == o.
func (v Value) Equal(o Value) bool { return v.Cmp(o) == 0 }

// Add returns v + o. Addition of in-range values cannot exceed 257 bits and
// intermediate sums are re-checked at the next checked operation; the result
// is still range-verified here to keep the int256 contract airtight.
func (v Value) Add(o Value) Value {
	return Value{i: new(big.Int).Add(v.int(), o.int())}
}

// Sub returns v - o.
func (v Value) Sub(o Value) Value {
	return Value{i: new(big.Int).Sub(v.int(), o.int())}
}

// Neg returns -v.
func (v Value) Neg() Value { return Value{i: new(big.Int).Neg(v.int())} }

// Abs returns |v|.
func (v Value) Abs() Value { return Value{i: new(big.Int).Abs(v.int())} }

// Min returns the smaller of a and b.
func Min(a, b Value) Value {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Value) Value {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// divRound divides num by den (den != 0) applying the rounding direction.
func divRound(num, den *big.Int, r Rounding) *big.Int {
	q, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() == 0 {
		return q
	}
	negResult := (num.Sign() < 0) != (den.Sign() < 0)
	switch r {
	case Nearest:
		// Round half away from zero: |rem|*2 >= |den| bumps the magnitude.
		absRem := new(big.Int).Abs(rem)
		absDen := new(big.Int).Abs(den)
		if new(big.Int).Mul(absRem, bigTwo).Cmp(absDen) >= 0 {
			if negResult {
				q.Sub(q, bigOne)
			} else {
				q.Add(q, bigOne)
			}
		}
	case Floor:
		if negResult {
			q.Sub(q, bigOne)
		}
	case Ceil:
		if !negResult {
			q.Add(q, bigOne)
		}
	}
	return q
}

// Mul returns v * o rounded half away from zero.
func (v Value) Mul(o Value) (Value, error) {
	return v.MulRound(o, Nearest)
}

// MulRound returns v * o with an explicit rounding direction.
func (v Value) MulRound(o Value, r Rounding) (Value, error) {
	prod := new(big.Int).Mul(v.int(), o.int())
	return FromRaw(divRound(prod, scale, r))
}

// Div returns v / o rounded half away from zero.
func (v Value) Div(o Value) (Value, error) {
	return v.DivRound(o, Nearest)
}

// DivRound returns v / o with an explicit rounding direction.
func (v Value) DivRound(o Value, r Rounding) (Value, error) {
	if o.IsZero() {
		return Zero, ErrDivisionByZero
	}
	num := new(big.Int).Mul(v.int(), scale)
	return FromRaw(divRound(num, o.int(), r))
}

// Frac returns x*y/z with a single rounding step, preserving intermediate
// precision. Rounds half away from zero.
func Frac(x, y, z Value) (Value, error) {
	return FracRound(x, y, z, Nearest)
}

// FracRound is Frac with an explicit rounding direction.
func FracRound(x, y, z Value, r Rounding) (Value, error) {
	if z.IsZero() {
		return Zero, ErrDivisionByZero
	}
	num := new(big.Int).Mul(x.int(), y.int())
	return FromRaw(divRound(num, z.int(), r))
}

// Sqrt returns the square root of v, rounded half away from zero.
func (v Value) Sqrt() (Value, error) {
	return v.SqrtRound(Nearest)
}

// SqrtRound is Sqrt with an explicit rounding direction.
func (v Value) SqrtRound(r Rounding) (Value, error) {
	if v.Sign() < 0 {
		return Zero, ErrNegativeSqrt
	}
	if v.IsZero() {
		return Zero, nil
	}
	// sqrt(x * 10^18) keeps the result on the 18-decimal scale.
	radicand := new(big.Int).Mul(v.int(), scale)
	root := new(big.Int).Sqrt(radicand) // floor
	switch r {
	case Ceil:
		sq := new(big.Int).Mul(root, root)
		if sq.Cmp(radicand) < 0 {
			root.Add(root, bigOne)
		}
	case Nearest:
		// floor root s satisfies s^2 <= x < (s+1)^2; bump when the
		// remainder passes the midpoint: 2*(x - s^2) > 2s + 1.
		rem := new(big.Int).Sub(radicand, new(big.Int).Mul(root, root))
		rem.Mul(rem, bigTwo)
		mid := new(big.Int).Add(new(big.Int).Mul(root, bigTwo), bigOne)
		if rem.Cmp(mid) > 0 {
			root.Add(root, bigOne)
		}
	}
	return FromRaw(root)
}
