// Package amm prices trades against the pool's aggregate exposure. The
// pool margin is the positive root of a quadratic combining available cash,
// position value and a slippage-weighted square term; quoting splits every
// trade into a closing and an opening leg, clips realized prices to the
// spread, and bounds opens by the safety-derived maximum position.
//
// Sign convention: Context.Position and every leg amount below are the
// AMM's own position deltas. The trader's fill is the negation.
package amm

import (
	"fmt"

	"PerpPool/internal/errs"
	"PerpPool/internal/fixedpoint"
)

var two = fixedpoint.New(2)

// Context is the AMM's view of the pool while pricing one market: the
// priced market's own index and position, plus the aggregates of every
// other market. AvailableCash is pool-wide (shared cash plus each AMM
// account's available cash, including the priced market's).
type Context struct {
	IndexPrice fixedpoint.Value
	Position   fixedpoint.Value

	// Aggregates over all markets except the priced one.
	OtherPositionValue  fixedpoint.Value // sum of index * position
	OtherSquareValue    fixedpoint.Value // sum of slippage * (index * position)^2
	OtherPositionMargin fixedpoint.Value // sum of |index * position| / maxLeverage

	AvailableCash fixedpoint.Value
}

// Params carries the priced market's AMM parameters.
type Params struct {
	HalfSpread            fixedpoint.Value
	OpenSlippageFactor    fixedpoint.Value
	CloseSlippageFactor   fixedpoint.Value
	MaxClosePriceDiscount fixedpoint.Value
	AMMMaxLeverage        fixedpoint.Value
	MeanRate              fixedpoint.Value
}

// PositionValue is the priced market's index * position.
func (c Context) PositionValue() (fixedpoint.Value, error) {
	return c.IndexPrice.Mul(c.Position)
}

// squareValue is slippage * positionValue^2 for the priced market plus the
// other markets' square term.
func (c Context) squareValue(slippage fixedpoint.Value) (fixedpoint.Value, error) {
	v, err := c.PositionValue()
	if err != nil {
		return fixedpoint.Zero, err
	}
	v2, err := v.Mul(v)
	if err != nil {
		return fixedpoint.Zero, err
	}
	own, err := v2.Mul(slippage)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return own.Add(c.OtherSquareValue), nil
}

// IsSafe reports whether the pool margin equation has a real solution:
// availableCash >= sqrt(2 * (slippage * v^2 + otherSquareValue)) - totalPositionValue.
func (c Context) IsSafe(slippage fixedpoint.Value) (bool, error) {
	sq, err := c.squareValue(slippage)
	if err != nil {
		return false, err
	}
	if sq.Sign() < 0 {
		return false, fmt.Errorf("%w: negative square value", errs.ErrArithmetic)
	}
	threshold, err := sq.Mul(two)
	if err != nil {
		return false, err
	}
	threshold, err = threshold.SqrtRound(fixedpoint.Ceil)
	if err != nil {
		return false, err
	}
	v, err := c.PositionValue()
	if err != nil {
		return false, err
	}
	threshold = threshold.Sub(c.OtherPositionValue.Add(v))
	return c.AvailableCash.Cmp(threshold) >= 0, nil
}

// PoolMargin solves margin^2 - 2*squareValue >= 0 for the pool margin
//
//	poolMargin = (margin + sqrt(margin^2 - 2*squareValue)) / 2
//
// where margin = availableCash + totalPositionValue. Floor rounding keeps
// the pool's stated solvency conservative. Fails with ErrSafety when the
// discriminant is negative (AMM unsafe).
func (c Context) PoolMargin(slippage fixedpoint.Value) (fixedpoint.Value, error) {
	v, err := c.PositionValue()
	if err != nil {
		return fixedpoint.Zero, err
	}
	m := c.AvailableCash.Add(c.OtherPositionValue).Add(v)
	sq, err := c.squareValue(slippage)
	if err != nil {
		return fixedpoint.Zero, err
	}
	m2, err := m.Mul(m)
	if err != nil {
		return fixedpoint.Zero, err
	}
	twoSq, err := sq.Mul(two)
	if err != nil {
		return fixedpoint.Zero, err
	}
	disc := m2.Sub(twoSq)
	if disc.Sign() < 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: amm unsafe, pool margin has no real solution", errs.ErrSafety)
	}
	root, err := disc.SqrtRound(fixedpoint.Floor)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return m.Add(root).DivRound(two, fixedpoint.Floor)
}

// MarginFromPoolMargin inverts the pool-margin equation: the margin the
// pool must hold to present a given pool margin, margin = p + S/(2p).
// Floor rounding understates the cash a redemption may take out.
func MarginFromPoolMargin(poolMargin, squareValue fixedpoint.Value) (fixedpoint.Value, error) {
	if poolMargin.Sign() <= 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: pool margin must be positive", errs.ErrLiquidity)
	}
	den, err := poolMargin.Mul(two)
	if err != nil {
		return fixedpoint.Zero, err
	}
	tail, err := squareValue.DivRound(den, fixedpoint.Ceil)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return poolMargin.Add(tail), nil
}

// OpenSlippage widens the opening slippage factor when the index has
// drifted from the configured mean in the direction the open would worsen:
// opening AMM shorts (traders buying) into an above-mean index, or AMM
// longs into a below-mean index, pay slippage scaled by the relative drift.
func OpenSlippage(factor, indexPrice, meanRate fixedpoint.Value, ammLongSide bool) (fixedpoint.Value, error) {
	if meanRate.Sign() <= 0 {
		return factor, nil
	}
	drift := indexPrice.Sub(meanRate)
	worsens := (!ammLongSide && drift.Sign() > 0) || (ammLongSide && drift.Sign() < 0)
	if !worsens {
		return factor, nil
	}
	rel, err := drift.Abs().DivRound(meanRate, fixedpoint.Ceil)
	if err != nil {
		return fixedpoint.Zero, err
	}
	scale, err := fixedpoint.One.Add(rel).MulRound(factor, fixedpoint.Ceil)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return scale, nil
}

// MaxPosition bounds the magnitude the AMM's position may reach on one
// side. It is the minimum of three independent bounds: the solvency bound
// keeping the pool-margin discriminant nonnegative, the no-negative-price
// bound (AMM long side only), and the leverage bound keeping the pool
// inside ammMaxLeverage after the trade. A nonpositive bound means no
// opening capacity at all.
func MaxPosition(c Context, p Params, slippage fixedpoint.Value, ammLongSide bool) (fixedpoint.Value, error) {
	poolMargin, err := c.PoolMargin(slippage)
	if err != nil {
		return fixedpoint.Zero, err
	}
	if poolMargin.Sign() <= 0 {
		return fixedpoint.Zero, nil
	}

	// Solvency: 2*poolMargin^2 - otherSquareValue >= slippage * (index*pos)^2.
	pm2, err := poolMargin.Mul(poolMargin)
	if err != nil {
		return fixedpoint.Zero, err
	}
	num, err := pm2.Mul(two)
	if err != nil {
		return fixedpoint.Zero, err
	}
	num = num.Sub(c.OtherSquareValue)
	if num.Sign() <= 0 {
		return fixedpoint.Zero, nil
	}
	bound, err := num.DivRound(slippage, fixedpoint.Floor)
	if err != nil {
		return fixedpoint.Zero, err
	}
	bound, err = bound.SqrtRound(fixedpoint.Floor)
	if err != nil {
		return fixedpoint.Zero, err
	}
	maxPos, err := bound.DivRound(c.IndexPrice, fixedpoint.Floor)
	if err != nil {
		return fixedpoint.Zero, err
	}

	// No-negative-price: index * (1 - slippage*index*pos/poolMargin) > 0,
	// binding only when the AMM itself goes long.
	if ammLongSide {
		den, err := slippage.Mul(c.IndexPrice)
		if err != nil {
			return fixedpoint.Zero, err
		}
		if den.Sign() > 0 {
			b2, err := poolMargin.DivRound(den, fixedpoint.Floor)
			if err != nil {
				return fixedpoint.Zero, err
			}
			maxPos = fixedpoint.Min(maxPos, b2)
		}
	}

	// Leverage: |index*pos|/ammMaxLeverage + otherPositionMargin <= poolMargin.
	room := poolMargin.Sub(c.OtherPositionMargin)
	if room.Sign() <= 0 {
		return fixedpoint.Zero, nil
	}
	b3, err := fixedpoint.FracRound(room, p.AMMMaxLeverage, c.IndexPrice, fixedpoint.Floor)
	if err != nil {
		return fixedpoint.Zero, err
	}
	maxPos = fixedpoint.Min(maxPos, b3)

	return fixedpoint.Max(maxPos, fixedpoint.Zero), nil
}

// deltaCash integrates the AMM's quoted price while its position moves
// from pos0 to pos1 at the given pool margin, from the AMM's side: positive
// means the AMM receives cash. The quote curve is
//
//	price(pos) = index * (1 - slippage * index * pos / poolMargin)
//
// so the average fill carries slippage * index^2 * avg / poolMargin of
// impact.
func deltaCash(poolMargin, pos0, pos1, indexPrice, slippage fixedpoint.Value) (fixedpoint.Value, error) {
	avg, err := pos0.Add(pos1).DivRound(two, fixedpoint.Nearest)
	if err != nil {
		return fixedpoint.Zero, err
	}
	avgValue, err := avg.Mul(indexPrice)
	if err != nil {
		return fixedpoint.Zero, err
	}
	impact, err := avgValue.Mul(indexPrice)
	if err != nil {
		return fixedpoint.Zero, err
	}
	term, err := fixedpoint.Frac(impact, slippage, poolMargin)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return indexPrice.Sub(term).Mul(pos0.Sub(pos1))
}

// spreadCash is what the AMM would receive moving pos0 -> pos1 at exactly
// the spread-implied best price. The realized leg is never allowed to pay
// the AMM less.
func spreadCash(indexPrice, halfSpread, pos0, pos1 fixedpoint.Value) (fixedpoint.Value, error) {
	var bestPrice fixedpoint.Value
	if pos1.Cmp(pos0) < 0 {
		// AMM sells (trader buys): ask = index * (1 + halfSpread).
		p, err := fixedpoint.One.Add(halfSpread).MulRound(indexPrice, fixedpoint.Ceil)
		if err != nil {
			return fixedpoint.Zero, err
		}
		bestPrice = p
	} else {
		// AMM buys (trader sells): bid = index * (1 - halfSpread).
		p, err := fixedpoint.One.Sub(halfSpread).MulRound(indexPrice, fixedpoint.Floor)
		if err != nil {
			return fixedpoint.Zero, err
		}
		bestPrice = p
	}
	return bestPrice.Mul(pos0.Sub(pos1))
}
