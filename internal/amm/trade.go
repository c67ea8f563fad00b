package amm

import (
	"fmt"

	"PerpPool/internal/errs"
	"PerpPool/internal/fixedpoint"
	"PerpPool/internal/margin"
)

// Quote is a priced fill, expressed from the trader's side: a negative
// DeltaCash means the trader pays the pool.
type Quote struct {
	DeltaPosition fixedpoint.Value
	DeltaCash     fixedpoint.Value
}

// IsPartial reports whether the fill is smaller than requested.
func (q Quote) IsPartial(requested fixedpoint.Value) bool {
	return !q.DeltaPosition.Equal(requested)
}

// QueryTrade prices a trader position delta against the AMM. The AMM's own
// delta is the negation of amount; it splits into a closing leg (priced
// with the close slippage factor, with the index-only unsafe fallback and
// the close-price discount cap) and an opening leg (priced with the
// drift-widened open slippage factor and bounded by MaxPosition). With
// partialFill the opening leg shrinks to the bound instead of failing;
// a quote that can fill nothing at all is an error either way.
func QueryTrade(c Context, p Params, amount fixedpoint.Value, partialFill bool) (Quote, error) {
	if amount.IsZero() {
		return Quote{}, fmt.Errorf("%w: zero trade amount", errs.ErrValidation)
	}
	ammDelta := amount.Neg()
	closeLeg, openLeg := margin.SplitDelta(c.Position, ammDelta)

	startPosition := c.Position
	ammCash := fixedpoint.Zero

	if !closeLeg.IsZero() {
		cash, err := closeLegCash(c, p, closeLeg)
		if err != nil {
			return Quote{}, err
		}
		c.Position = c.Position.Add(closeLeg)
		c.AvailableCash = c.AvailableCash.Add(cash)
		ammCash = ammCash.Add(cash)
	}

	if !openLeg.IsZero() {
		cash, filled, err := openLegCash(&c, p, openLeg, partialFill)
		if err != nil {
			return Quote{}, err
		}
		if !filled.IsZero() {
			c.Position = c.Position.Add(filled)
			c.AvailableCash = c.AvailableCash.Add(cash)
			ammCash = ammCash.Add(cash)
		}
	}

	filledAMM := c.Position.Sub(startPosition)
	if filledAMM.IsZero() {
		return Quote{}, fmt.Errorf("%w: no amm capacity to fill the trade", errs.ErrSafety)
	}
	return Quote{DeltaPosition: filledAMM.Neg(), DeltaCash: ammCash.Neg()}, nil
}

// closeLegCash prices the part of a trade that reduces the AMM's existing
// position. A temporarily unsafe AMM still closes, quoting from the bare
// index; either way the realized price is clipped to the spread in the
// pool's favor and capped by maxClosePriceDiscount in the trader's favor.
func closeLegCash(c Context, p Params, leg fixedpoint.Value) (fixedpoint.Value, error) {
	pos0 := c.Position
	pos1 := pos0.Add(leg)

	safe, err := c.IsSafe(p.CloseSlippageFactor)
	if err != nil {
		return fixedpoint.Zero, err
	}
	var cash fixedpoint.Value
	if safe {
		poolMargin, err := c.PoolMargin(p.CloseSlippageFactor)
		if err != nil {
			return fixedpoint.Zero, err
		}
		if poolMargin.IsZero() {
			return fixedpoint.Zero, fmt.Errorf("%w: zero pool margin", errs.ErrLiquidity)
		}
		cash, err = deltaCash(poolMargin, pos0, pos1, c.IndexPrice, p.CloseSlippageFactor)
		if err != nil {
			return fixedpoint.Zero, err
		}
	} else {
		cash, err = c.IndexPrice.Mul(pos0.Sub(pos1))
		if err != nil {
			return fixedpoint.Zero, err
		}
	}

	spread, err := spreadCash(c.IndexPrice, p.HalfSpread, pos0, pos1)
	if err != nil {
		return fixedpoint.Zero, err
	}
	cash = fixedpoint.Max(cash, spread)

	// Discount cap: however unsafe the pool, a close never fills at a price
	// further than maxClosePriceDiscount from the index.
	var limitPrice fixedpoint.Value
	if pos1.Cmp(pos0) < 0 {
		limitPrice, err = fixedpoint.One.Add(p.MaxClosePriceDiscount).Mul(c.IndexPrice)
	} else {
		limitPrice, err = fixedpoint.One.Sub(p.MaxClosePriceDiscount).Mul(c.IndexPrice)
	}
	if err != nil {
		return fixedpoint.Zero, err
	}
	cap, err := limitPrice.Mul(pos0.Sub(pos1))
	if err != nil {
		return fixedpoint.Zero, err
	}
	return fixedpoint.Min(cash, cap), nil
}

// openLegCash prices the part of a trade that extends the AMM's position.
// Returns the AMM cash received and the leg actually filled (shrunk to the
// maximum position when partialFill allows it).
func openLegCash(c *Context, p Params, leg fixedpoint.Value, partialFill bool) (fixedpoint.Value, fixedpoint.Value, error) {
	ammLongSide := leg.Sign() > 0
	slippage, err := OpenSlippage(p.OpenSlippageFactor, c.IndexPrice, p.MeanRate, ammLongSide)
	if err != nil {
		return fixedpoint.Zero, fixedpoint.Zero, err
	}

	safe, err := c.IsSafe(slippage)
	if err != nil {
		return fixedpoint.Zero, fixedpoint.Zero, err
	}
	if !safe {
		if partialFill {
			return fixedpoint.Zero, fixedpoint.Zero, nil
		}
		return fixedpoint.Zero, fixedpoint.Zero, fmt.Errorf("%w: amm unsafe, cannot open", errs.ErrSafety)
	}

	maxPos, err := MaxPosition(*c, p, slippage, ammLongSide)
	if err != nil {
		return fixedpoint.Zero, fixedpoint.Zero, err
	}
	target := c.Position.Add(leg)
	if target.Abs().Cmp(maxPos) > 0 {
		if !partialFill {
			return fixedpoint.Zero, fixedpoint.Zero, fmt.Errorf("%w: open would exceed max position %s", errs.ErrSafety, maxPos)
		}
		if ammLongSide {
			target = maxPos
		} else {
			target = maxPos.Neg()
		}
		leg = target.Sub(c.Position)
		if leg.IsZero() || (leg.Sign() > 0) != ammLongSide {
			return fixedpoint.Zero, fixedpoint.Zero, nil
		}
	}

	poolMargin, err := c.PoolMargin(slippage)
	if err != nil {
		return fixedpoint.Zero, fixedpoint.Zero, err
	}
	if poolMargin.IsZero() {
		return fixedpoint.Zero, fixedpoint.Zero, fmt.Errorf("%w: zero pool margin", errs.ErrLiquidity)
	}
	pos0 := c.Position
	pos1 := pos0.Add(leg)
	cash, err := deltaCash(poolMargin, pos0, pos1, c.IndexPrice, slippage)
	if err != nil {
		return fixedpoint.Zero, fixedpoint.Zero, err
	}
	spread, err := spreadCash(c.IndexPrice, p.HalfSpread, pos0, pos1)
	if err != nil {
		return fixedpoint.Zero, fixedpoint.Zero, err
	}
	return fixedpoint.Max(cash, spread), leg, nil
}
