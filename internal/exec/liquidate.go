package exec

import (
	"fmt"

	"github.com/google/uuid"

	"PerpPool/internal/amm"
	"PerpPool/internal/errs"
	"PerpPool/internal/external"
	"PerpPool/internal/fixedpoint"
	"PerpPool/internal/margin"
	"PerpPool/internal/market"
	"PerpPool/internal/pool"
)

// LiquidationReceipt describes a completed liquidation.
type LiquidationReceipt struct {
	ID                  uuid.UUID
	MarketIndex         int
	Trader              uuid.UUID
	FilledAmount        fixedpoint.Value
	Price               fixedpoint.Value
	Penalty             fixedpoint.Value
	PenaltyToFund       fixedpoint.Value
	PenaltyToLiquidator fixedpoint.Value
	KeeperGasReward     fixedpoint.Value
}

// LiquidateByAMM closes a maintenance-unsafe trader's whole position against
// the AMM at the AMM's price, accepting a partial fill when the pool's max
// position binds. The keeper gas reward pays out to the keeper, the penalty
// splits between the insurance fund and the AMM, and a bankrupt account's
// shortfall is absorbed by the insurance fund instead.
func (e *Executor) LiquidateByAMM(index int, keeper, trader uuid.UUID, deadline, now int64) (LiquidationReceipt, error) {
	var receipt LiquidationReceipt
	err := e.Pool.Guard(func() (err error) {
		m, account, err := e.liquidationTarget(index, trader, deadline, now)
		if err != nil {
			return err
		}
		positionBefore := account.Position
		tx := e.begin(m)
		tx.track(trader, account)
		tx.track(m.PoolAccountID, m.PoolAccount())
		defer func() {
			if err != nil {
				tx.rollback()
			}
		}()

		ctx, err := e.Pool.AMMContext(m.Index)
		if err != nil {
			return err
		}
		quote, err := amm.QueryTrade(ctx, pool.AMMParams(m), positionBefore.Neg(), true)
		if err != nil {
			return err
		}
		price, err := quote.DeltaCash.Abs().DivRound(quote.DeltaPosition.Abs(), fixedpoint.Ceil)
		if err != nil {
			return err
		}

		fs, pp := m.Funding.FundingState, m.PenaltyParams()
		traderOI, err := margin.UpdateMargin(fs, pp, account, quote.DeltaPosition, quote.DeltaCash)
		if err != nil {
			return err
		}
		poolOI, err := margin.UpdateMargin(fs, pp, m.PoolAccount(), quote.DeltaPosition.Neg(), quote.DeltaCash.Neg())
		if err != nil {
			return err
		}
		m.OpenInterest = m.OpenInterest.Add(traderOI).Add(poolOI)

		reward, err := e.keeperReward(m, account)
		if err != nil {
			return err
		}
		if reward.Sign() > 0 {
			account.Cash = account.Cash.Sub(reward)
			m.TotalCollateral = m.TotalCollateral.Sub(reward)
		}

		penalty, toFund, toCounterparty, err := e.applyPenalty(m, account, quote.DeltaPosition, positionBefore)
		if err != nil {
			return err
		}
		m.PoolAccount().Cash = m.PoolAccount().Cash.Add(toCounterparty)
		m.SyncActive(trader)

		// The external payout to the keeper is the last fallible step; a
		// transfer cannot be rolled back.
		if reward.Sign() > 0 {
			moved, err := e.Pool.Collateral.TransferOut(keeper, reward)
			if err != nil {
				return err
			}
			if !moved.Equal(reward) {
				return fmt.Errorf("%w: transfer moved %s, expected %s", errs.ErrValidation, moved, reward)
			}
		}

		receipt = LiquidationReceipt{
			ID:                  uuid.New(),
			MarketIndex:         m.Index,
			Trader:              trader,
			FilledAmount:        quote.DeltaPosition,
			Price:               price,
			Penalty:             penalty,
			PenaltyToFund:       toFund,
			PenaltyToLiquidator: toCounterparty,
			KeeperGasReward:     reward,
		}
		e.log.Warn().
			Int("market", m.Index).
			Stringer("trader", trader).
			Str("amount", quote.DeltaPosition.String()).
			Str("penalty", penalty.String()).
			Msg("liquidated by amm")
		return nil
	})
	return receipt, err
}

// LiquidateByTrader moves part of a maintenance-unsafe trader's position
// onto the liquidator's own account at the mark price. The liquidator earns
// the liquidator share of the penalty and must end up safe for the exposure
// they took on.
func (e *Executor) LiquidateByTrader(index int, liquidator, caller, trader uuid.UUID, amount, limitPrice fixedpoint.Value, deadline, now int64) (LiquidationReceipt, error) {
	var receipt LiquidationReceipt
	err := e.Pool.Guard(func() (err error) {
		if !e.Pool.Access.IsAuthorized(liquidator, caller, external.PrivilegeLiquidate) {
			return fmt.Errorf("%w: caller not authorized to liquidate for liquidator", errs.ErrValidation)
		}
		if liquidator == trader {
			return fmt.Errorf("%w: cannot liquidate own account", errs.ErrValidation)
		}
		m, account, err := e.liquidationTarget(index, trader, deadline, now)
		if err != nil {
			return err
		}
		positionBefore := account.Position
		liqAccount := m.EnsureAccount(liquidator)
		tx := e.begin(m)
		tx.track(trader, account)
		tx.track(liquidator, liqAccount)
		defer func() {
			if err != nil {
				tx.rollback()
			}
		}()

		delta, _ := margin.SplitDelta(positionBefore, amount)
		if delta.IsZero() {
			return fmt.Errorf("%w: liquidation amount does not reduce the position", errs.ErrValidation)
		}
		mark := m.MarkPrice()
		if err := checkLimitPrice(delta.Neg(), mark, limitPrice); err != nil {
			return err
		}
		deltaCash, err := mark.Mul(delta.Neg())
		if err != nil {
			return err
		}

		fs, pp := m.Funding.FundingState, m.PenaltyParams()
		traderOI, err := margin.UpdateMargin(fs, pp, account, delta, deltaCash)
		if err != nil {
			return err
		}
		liqOI, err := margin.UpdateMargin(fs, pp, liqAccount, delta.Neg(), deltaCash.Neg())
		if err != nil {
			return err
		}
		m.OpenInterest = m.OpenInterest.Add(traderOI).Add(liqOI)

		// The keeper is the liquidator here; the reward moves between the
		// two margin accounts without leaving the market.
		remaining, err := margin.Margin(fs, pp, account, mark)
		if err != nil {
			return err
		}
		reward := fixedpoint.Min(m.Params.KeeperGasReward.Value, fixedpoint.Max(remaining, fixedpoint.Zero))
		if reward.Sign() > 0 {
			account.Cash = account.Cash.Sub(reward)
			liqAccount.Cash = liqAccount.Cash.Add(reward)
		}

		penalty, toFund, toLiquidator, err := e.applyPenalty(m, account, delta, positionBefore)
		if err != nil {
			return err
		}
		liqAccount.Cash = liqAccount.Cash.Add(toLiquidator)

		opening := liqAccount.Position.Abs().Cmp(liqAccount.Position.Sub(delta.Neg()).Abs()) > 0
		if err := e.checkLiquidatorSafety(m, liqAccount, opening); err != nil {
			return err
		}
		m.SyncActive(trader)
		m.SyncActive(liquidator)

		receipt = LiquidationReceipt{
			ID:                  uuid.New(),
			MarketIndex:         m.Index,
			Trader:              trader,
			FilledAmount:        delta,
			Price:               mark,
			Penalty:             penalty,
			PenaltyToFund:       toFund,
			PenaltyToLiquidator: toLiquidator,
			KeeperGasReward:     reward,
		}
		e.log.Warn().
			Int("market", m.Index).
			Stringer("trader", trader).
			Stringer("liquidator", liquidator).
			Str("amount", delta.String()).
			Str("penalty", penalty.String()).
			Msg("liquidated by trader")
		return nil
	})
	return receipt, err
}

// liquidationTarget validates the market and the trader's eligibility: the
// market must be NORMAL with fresh funding, the account must exist, hold a
// position, and sit below its maintenance requirement at the mark price.
func (e *Executor) liquidationTarget(index int, trader uuid.UUID, deadline, now int64) (*market.Market, *margin.Account, error) {
	m, err := e.Pool.Market(index)
	if err != nil {
		return nil, nil, err
	}
	if m.State != market.Normal {
		return nil, nil, fmt.Errorf("%w: liquidation requires NORMAL, market %d is %s", errs.ErrState, index, m.State)
	}
	if deadline > 0 && now > deadline {
		return nil, nil, fmt.Errorf("%w: liquidation deadline %d passed at %d", errs.ErrValidation, deadline, now)
	}
	if err := m.UpdateFundingState(now); err != nil {
		return nil, nil, err
	}
	account := m.Account(trader)
	if account == nil || account.Position.IsZero() {
		return nil, nil, fmt.Errorf("%w: no position to liquidate", errs.ErrValidation)
	}
	safe, err := margin.IsMaintenanceMarginSafe(m.Funding.FundingState, m.PenaltyParams(), account, m.MarkPrice(),
		m.Params.MaintenanceMarginRate.Value, m.Params.KeeperGasReward.Value)
	if err != nil {
		return nil, nil, err
	}
	if safe {
		return nil, nil, fmt.Errorf("%w: account is maintenance-margin safe", errs.ErrSafety)
	}
	return m, account, nil
}

// keeperReward sizes the gas reward owed to an external keeper, capped by
// the trader's remaining margin and by the market's collateral, rounded to
// the collateral's transferable precision.
func (e *Executor) keeperReward(m *market.Market, account *margin.Account) (fixedpoint.Value, error) {
	reward := m.Params.KeeperGasReward.Value
	if reward.Sign() <= 0 {
		return fixedpoint.Zero, nil
	}
	remaining, err := margin.Margin(m.Funding.FundingState, m.PenaltyParams(), account, m.MarkPrice())
	if err != nil {
		return fixedpoint.Zero, err
	}
	reward = fixedpoint.Min(reward, fixedpoint.Max(remaining, fixedpoint.Zero))
	reward = fixedpoint.Min(reward, fixedpoint.Max(m.TotalCollateral, fixedpoint.Zero))
	out, err := e.Pool.Scaler.RoundOut(reward)
	if err != nil {
		return fixedpoint.Zero, err
	}
	if out.Sign() <= 0 {
		return fixedpoint.Zero, nil
	}
	return out, nil
}

// applyPenalty charges the liquidation penalty after the close trade and
// reward. penalty = min(mark * size * penaltyRate, remainingMargin *
// liquidatedFraction), never exceeding the margin left in the account. A
// negative remaining margin means bankruptcy: the insurance fund absorbs
// what it can and the account is topped up by exactly that amount.
func (e *Executor) applyPenalty(m *market.Market, account *margin.Account, delta, positionBefore fixedpoint.Value) (penalty, toFund, toCounterparty fixedpoint.Value, err error) {
	remaining, err := margin.Margin(m.Funding.FundingState, m.PenaltyParams(), account, m.MarkPrice())
	if err != nil {
		return
	}
	if remaining.Sign() < 0 {
		_, absorbed := e.Pool.UpdateInsuranceFund(remaining)
		account.Cash = account.Cash.Sub(absorbed)
		penalty = absorbed
		return
	}

	notional, err := m.MarkPrice().Mul(delta.Abs())
	if err != nil {
		return
	}
	byRate, err := notional.MulRound(m.Params.LiquidationPenaltyRate.Value, fixedpoint.Floor)
	if err != nil {
		return
	}
	byMargin, err := fixedpoint.FracRound(remaining, delta.Abs(), positionBefore.Abs(), fixedpoint.Floor)
	if err != nil {
		return
	}
	penalty = fixedpoint.Min(byRate, byMargin)
	if penalty.Sign() <= 0 {
		penalty = fixedpoint.Zero
		return
	}
	toFund, err = penalty.MulRound(m.Params.InsuranceFundRate.Value, fixedpoint.Floor)
	if err != nil {
		return
	}
	toCounterparty = penalty.Sub(toFund)
	account.Cash = account.Cash.Sub(penalty)
	e.Pool.UpdateInsuranceFund(toFund)
	return
}

// checkLiquidatorSafety mirrors the post-trade rule for the account that
// took over the position.
func (e *Executor) checkLiquidatorSafety(m *market.Market, account *margin.Account, opening bool) error {
	if err := e.checkTraderSafety(m, account, opening); err != nil {
		return fmt.Errorf("liquidator: %w", err)
	}
	return nil
}
