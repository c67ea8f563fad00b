package pool

import (
	"fmt"

	"github.com/google/uuid"

	"PerpPool/internal/amm"
	"PerpPool/internal/errs"
	"PerpPool/internal/fixedpoint"
	"PerpPool/internal/market"
)

// AddLiquidity pulls collateral from the LP and mints shares from the
// resulting increase in pool margin. The first depositor mints the new
// pool margin itself, capturing any residual value already sitting in the
// pool.
func (p *Pool) AddLiquidity(lp uuid.UUID, cashToAdd fixedpoint.Value) (fixedpoint.Value, error) {
	var minted fixedpoint.Value
	err := p.Guard(func() error {
		if !p.Running {
			return fmt.Errorf("%w: pool is not running", errs.ErrState)
		}
		if !p.anyMarketNormal() {
			return fmt.Errorf("%w: no market in NORMAL state", errs.ErrState)
		}
		if cashToAdd.Sign() <= 0 {
			return fmt.Errorf("%w: cash to add must be positive", errs.ErrValidation)
		}

		ctx, err := p.AMMContext(-1)
		if err != nil {
			return err
		}
		marginBefore, err := ctx.PoolMargin(fixedpoint.Zero)
		if err != nil {
			return err
		}
		supply, err := p.Shares.TotalSupply()
		if err != nil {
			return err
		}
		if supply.Sign() > 0 && marginBefore.Sign() <= 0 {
			return fmt.Errorf("%w: outstanding shares have no value", errs.ErrLiquidity)
		}

		pulled, err := p.Scaler.RoundIn(cashToAdd)
		if err != nil {
			return err
		}
		after := ctx
		after.AvailableCash = after.AvailableCash.Add(pulled)
		marginAfter, err := after.PoolMargin(fixedpoint.Zero)
		if err != nil {
			return err
		}
		cap := p.Config.LiquidityCap
		if cap.Sign() > 0 && marginAfter.Cmp(cap) > 0 {
			return fmt.Errorf("%w: pool margin %s would exceed liquidity cap %s", errs.ErrSafety, marginAfter, cap)
		}

		var shareToMint fixedpoint.Value
		if supply.IsZero() {
			shareToMint = marginAfter
		} else {
			shareToMint, err = fixedpoint.FracRound(supply, marginAfter.Sub(marginBefore), marginBefore, fixedpoint.Floor)
			if err != nil {
				return err
			}
		}
		if shareToMint.Sign() <= 0 {
			return fmt.Errorf("%w: deposit mints no shares", errs.ErrLiquidity)
		}

		moved, err := p.Collateral.TransferIn(lp, pulled)
		if err != nil {
			return err
		}
		if !moved.Equal(pulled) {
			return fmt.Errorf("%w: transfer moved %s, expected %s", errs.ErrValidation, moved, pulled)
		}
		if err := p.Shares.Mint(lp, shareToMint); err != nil {
			return err
		}
		p.PoolCash = p.PoolCash.Add(pulled)
		minted = shareToMint
		p.log.Info().Stringer("lp", lp).Str("cash", pulled.String()).Str("shares", shareToMint.String()).Msg("liquidity added")
		return nil
	})
	return minted, err
}

// RemoveLiquidity redeems LP shares for pool cash. Exactly one of
// shareToRemove and cashToReturn must be positive; the other is derived
// through the pool-margin equation. The removal is rejected if the AMM is
// unsafe before or after, if any market would be pushed to a negative
// quoted price or past its AMM max leverage, or if the pool's committable
// cash cannot honor the payout. Once every market is CLEARED, redemption
// instead draws proportionally from the remaining cash and both insurance
// funds.
func (p *Pool) RemoveLiquidity(lp uuid.UUID, shareToRemove, cashToReturn fixedpoint.Value) (fixedpoint.Value, error) {
	var returned fixedpoint.Value
	err := p.Guard(func() error {
		if (shareToRemove.Sign() > 0) == (cashToReturn.Sign() > 0) {
			return fmt.Errorf("%w: exactly one of share and cash must be positive", errs.ErrValidation)
		}
		if shareToRemove.Sign() < 0 || cashToReturn.Sign() < 0 {
			return fmt.Errorf("%w: negative redemption amount", errs.ErrValidation)
		}

		if len(p.Markets) > 0 && p.allMarketsCleared() {
			out, err := p.removeAfterClear(lp, shareToRemove)
			if err != nil {
				return err
			}
			returned = out
			return nil
		}

		ctx, err := p.AMMContext(-1)
		if err != nil {
			return err
		}
		safe, err := ctx.IsSafe(fixedpoint.Zero)
		if err != nil {
			return err
		}
		if !safe {
			return fmt.Errorf("%w: amm unsafe before removal", errs.ErrSafety)
		}
		marginBefore, err := ctx.PoolMargin(fixedpoint.Zero)
		if err != nil {
			return err
		}
		if marginBefore.Sign() <= 0 {
			return fmt.Errorf("%w: pool has no margin to redeem", errs.ErrLiquidity)
		}
		supply, err := p.Shares.TotalSupply()
		if err != nil {
			return err
		}
		if supply.Sign() <= 0 {
			return fmt.Errorf("%w: no shares outstanding", errs.ErrLiquidity)
		}
		squareValue := ctx.OtherSquareValue

		var poolMarginAfter, cashOut fixedpoint.Value
		if shareToRemove.Sign() > 0 {
			balance, err := p.Shares.BalanceOf(lp)
			if err != nil {
				return err
			}
			if shareToRemove.Cmp(balance) > 0 {
				return fmt.Errorf("%w: share %s exceeds balance %s", errs.ErrValidation, shareToRemove, balance)
			}
			poolMarginAfter, err = fixedpoint.FracRound(marginBefore, supply.Sub(shareToRemove), supply, fixedpoint.Floor)
			if err != nil {
				return err
			}
			cashOut, err = p.cashBetweenMargins(marginBefore, poolMarginAfter, squareValue)
			if err != nil {
				return err
			}
		} else {
			totalBefore, err := amm.MarginFromPoolMargin(marginBefore, squareValue)
			if err != nil {
				return err
			}
			target := totalBefore.Sub(cashToReturn)
			t2, err := target.Mul(target)
			if err != nil {
				return err
			}
			twoSq, err := squareValue.Mul(fixedpoint.New(2))
			if err != nil {
				return err
			}
			disc := t2.Sub(twoSq)
			if target.Sign() < 0 || disc.Sign() < 0 {
				return fmt.Errorf("%w: amm unsafe after removal", errs.ErrSafety)
			}
			root, err := disc.SqrtRound(fixedpoint.Floor)
			if err != nil {
				return err
			}
			poolMarginAfter, err = target.Add(root).DivRound(fixedpoint.New(2), fixedpoint.Floor)
			if err != nil {
				return err
			}
			shareToRemove, err = fixedpoint.FracRound(supply, marginBefore.Sub(poolMarginAfter), marginBefore, fixedpoint.Ceil)
			if err != nil {
				return err
			}
			balance, err := p.Shares.BalanceOf(lp)
			if err != nil {
				return err
			}
			if shareToRemove.Cmp(balance) > 0 {
				return fmt.Errorf("%w: redemption needs %s shares, balance %s", errs.ErrValidation, shareToRemove, balance)
			}
			cashOut = cashToReturn
		}

		if err := p.checkMarketsAfterRemoval(poolMarginAfter); err != nil {
			return err
		}
		available, err := p.AvailablePoolCash(-1)
		if err != nil {
			return err
		}
		if cashOut.Cmp(available) > 0 {
			return fmt.Errorf("%w: payout %s exceeds available pool cash %s", errs.ErrLiquidity, cashOut, available)
		}

		payOut, err := p.Scaler.RoundOut(cashOut)
		if err != nil {
			return err
		}
		if err := p.Shares.Burn(lp, shareToRemove); err != nil {
			return err
		}
		moved, err := p.Collateral.TransferOut(lp, payOut)
		if err != nil {
			return err
		}
		if !moved.Equal(payOut) {
			return fmt.Errorf("%w: transfer moved %s, expected %s", errs.ErrValidation, moved, payOut)
		}
		p.PoolCash = p.PoolCash.Sub(payOut)
		returned = payOut
		p.log.Info().Stringer("lp", lp).Str("shares", shareToRemove.String()).Str("cash", payOut.String()).Msg("liquidity removed")
		return nil
	})
	return returned, err
}

// cashBetweenMargins is the cash difference between two pool-margin
// levels, via margin = p + S/(2p). A zero after-level is only meaningful
// when no positions remain (S == 0).
func (p *Pool) cashBetweenMargins(before, after, squareValue fixedpoint.Value) (fixedpoint.Value, error) {
	totalBefore, err := amm.MarginFromPoolMargin(before, squareValue)
	if err != nil {
		return fixedpoint.Zero, err
	}
	var totalAfter fixedpoint.Value
	if after.Sign() <= 0 {
		if squareValue.Sign() > 0 {
			return fixedpoint.Zero, fmt.Errorf("%w: cannot redeem the whole pool while positions remain", errs.ErrLiquidity)
		}
	} else {
		totalAfter, err = amm.MarginFromPoolMargin(after, squareValue)
		if err != nil {
			return fixedpoint.Zero, err
		}
	}
	return totalBefore.Sub(totalAfter), nil
}

// checkMarketsAfterRemoval enforces the per-market limits at a reduced
// pool margin: no NORMAL market may reach a negative quoted price or
// exceed its AMM max leverage.
func (p *Pool) checkMarketsAfterRemoval(poolMargin fixedpoint.Value) error {
	positionMargin := fixedpoint.Zero
	for _, m := range p.Markets {
		if m.State != market.Normal {
			continue
		}
		v, err := m.IndexPrice().Mul(m.PoolAccount().Position)
		if err != nil {
			return err
		}
		if v.Sign() > 0 {
			floor, err := v.MulRound(m.Params.OpenSlippageFactor.Value, fixedpoint.Ceil)
			if err != nil {
				return err
			}
			if poolMargin.Cmp(floor) < 0 {
				return fmt.Errorf("%w: market %d would quote a negative price", errs.ErrSafety, m.Index)
			}
		}
		pm, err := v.Abs().DivRound(m.Params.AMMMaxLeverage.Value, fixedpoint.Ceil)
		if err != nil {
			return err
		}
		positionMargin = positionMargin.Add(pm)
	}
	if positionMargin.Cmp(poolMargin) > 0 {
		return fmt.Errorf("%w: removal would push the pool past its max leverage", errs.ErrSafety)
	}
	return nil
}

// removeAfterClear pays a share of the leftover cash and insurance funds
// once every market is CLEARED. Only share-denominated redemption makes
// sense here.
func (p *Pool) removeAfterClear(lp uuid.UUID, shareToRemove fixedpoint.Value) (fixedpoint.Value, error) {
	if shareToRemove.Sign() <= 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: cleared-pool redemption is share-denominated", errs.ErrValidation)
	}
	supply, err := p.Shares.TotalSupply()
	if err != nil {
		return fixedpoint.Zero, err
	}
	if supply.Sign() <= 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: no shares outstanding", errs.ErrLiquidity)
	}
	balance, err := p.Shares.BalanceOf(lp)
	if err != nil {
		return fixedpoint.Zero, err
	}
	if shareToRemove.Cmp(balance) > 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: share %s exceeds balance %s", errs.ErrValidation, shareToRemove, balance)
	}
	leftover := p.PoolCash.Add(p.InsuranceFund).Add(p.DonatedInsuranceFund)
	if leftover.Sign() <= 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: nothing left to redeem", errs.ErrLiquidity)
	}
	cashOut, err := fixedpoint.FracRound(leftover, shareToRemove, supply, fixedpoint.Floor)
	if err != nil {
		return fixedpoint.Zero, err
	}
	payOut, err := p.Scaler.RoundOut(cashOut)
	if err != nil {
		return fixedpoint.Zero, err
	}
	if err := p.Shares.Burn(lp, shareToRemove); err != nil {
		return fixedpoint.Zero, err
	}
	moved, err := p.Collateral.TransferOut(lp, payOut)
	if err != nil {
		return fixedpoint.Zero, err
	}
	if !moved.Equal(payOut) {
		return fixedpoint.Zero, fmt.Errorf("%w: transfer moved %s, expected %s", errs.ErrValidation, moved, payOut)
	}
	// Drain the buckets in order: cash, then insurance, then donated.
	remaining := payOut
	take := fixedpoint.Min(fixedpoint.Max(p.PoolCash, fixedpoint.Zero), remaining)
	p.PoolCash = p.PoolCash.Sub(take)
	remaining = remaining.Sub(take)
	take = fixedpoint.Min(p.InsuranceFund, remaining)
	p.InsuranceFund = p.InsuranceFund.Sub(take)
	remaining = remaining.Sub(take)
	p.DonatedInsuranceFund = fixedpoint.Max(p.DonatedInsuranceFund.Sub(remaining), fixedpoint.Zero)
	return payOut, nil
}

func (p *Pool) anyMarketNormal() bool {
	for _, m := range p.Markets {
		if m.State == market.Normal {
			return true
		}
	}
	return false
}

func (p *Pool) allMarketsCleared() bool {
	for _, m := range p.Markets {
		if m.State != market.Cleared {
			return false
		}
	}
	return true
}
