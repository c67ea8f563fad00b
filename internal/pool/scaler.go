package pool

import (
	"fmt"
	"math/big"

	"PerpPool/internal/errs"
	"PerpPool/internal/fixedpoint"
)

// Scaler bridges the engine's 18-decimal values and a collateral token
// with fewer decimals. Amounts pulled in round up and amounts pushed out
// round down, so decimal truncation can never under-collect the pool.
type Scaler struct {
	quantum *big.Int
}

// NewScaler builds a scaler for a token with the given decimals (0..18).
func NewScaler(decimals int) (Scaler, error) {
	if decimals < 0 || decimals > 18 {
		return Scaler{}, fmt.Errorf("%w: collateral decimals %d outside [0, 18]", errs.ErrValidation, decimals)
	}
	q := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
	return Scaler{quantum: q}, nil
}

// RoundIn rounds v up to the token's representable grid.
func (s Scaler) RoundIn(v fixedpoint.Value) (fixedpoint.Value, error) {
	return s.round(v, true)
}

// RoundOut rounds v down to the token's representable grid.
func (s Scaler) RoundOut(v fixedpoint.Value) (fixedpoint.Value, error) {
	return s.round(v, false)
}

func (s Scaler) round(v fixedpoint.Value, up bool) (fixedpoint.Value, error) {
	raw := v.Raw()
	q, r := new(big.Int).QuoRem(raw, s.quantum, new(big.Int))
	if r.Sign() != 0 && up == (raw.Sign() > 0) {
		if raw.Sign() > 0 {
			q.Add(q, big.NewInt(1))
		} else {
			q.Sub(q, big.NewInt(1))
		}
	}
	return fixedpoint.FromRaw(q.Mul(q, s.quantum))
}
