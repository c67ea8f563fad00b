package pool

import (
	"fmt"

	"github.com/google/uuid"

	"PerpPool/internal/errs"
	"PerpPool/internal/fixedpoint"
	"PerpPool/internal/margin"
	"PerpPool/internal/market"
)

// RunMarket moves an INITIALIZING market to NORMAL. Operator only.
func (p *Pool) RunMarket(index int, caller uuid.UUID) error {
	return p.Guard(func() error {
		if caller != p.Operator {
			return fmt.Errorf("%w: only the operator may run a market", errs.ErrValidation)
		}
		m, err := p.Market(index)
		if err != nil {
			return err
		}
		return m.SetNormal()
	})
}

// SetEmergencyState freezes one market at a settlement price: the market
// is rebalanced first so its collateral reflects its initial-margin
// target, the AMM's margin folds into the market's collateral, and the
// state moves to EMERGENCY.
func (p *Pool) SetEmergencyState(index int, settlementPrice fixedpoint.Value, now int64) error {
	return p.Guard(func() error {
		return p.setEmergency(index, settlementPrice, now)
	})
}

func (p *Pool) setEmergency(index int, settlementPrice fixedpoint.Value, now int64) error {
	m, err := p.Market(index)
	if err != nil {
		return err
	}
	if err := m.UpdateFundingState(now); err != nil {
		return err
	}
	if err := p.Rebalance(index); err != nil {
		return err
	}
	if err := m.SetEmergency(settlementPrice, now); err != nil {
		return err
	}
	// The AMM's remaining margin becomes part of the frozen market's
	// collateral and its position bookkeeping stops.
	account := m.PoolAccount()
	mgn, err := margin.Margin(m.Funding.FundingState, m.PenaltyParams(), account, settlementPrice)
	if err != nil {
		return err
	}
	m.TotalCollateral = m.TotalCollateral.Add(mgn)
	margin.ResetAccount(account)
	p.log.Warn().Int("market", index).Str("settlement", settlementPrice.String()).Msg("market frozen")
	return nil
}

// SetAllMarketsEmergency freezes every NORMAL market at once. It is gated
// on a pool-wide maintenance breach: the pool's aggregate margin must sit
// below its aggregate maintenance requirement. Before freezing, each
// market's AMM margin is rescaled proportionally so the pool's collateral
// covers exactly the aggregate initial-margin target, which guarantees the
// shared cash cannot go negative in the process.
func (p *Pool) SetAllMarketsEmergency(now int64) error {
	return p.Guard(func() error {
		type snapshot struct {
			m          *market.Market
			margin     fixedpoint.Value
			initial    fixedpoint.Value
			settlement fixedpoint.Value
		}
		var (
			snaps            []snapshot
			totalMargin      = p.PoolCash
			totalInitial     fixedpoint.Value
			totalMaintenance fixedpoint.Value
		)
		for _, m := range p.Markets {
			if m.State != market.Normal {
				continue
			}
			if err := m.UpdateFundingState(now); err != nil {
				return err
			}
			account := m.PoolAccount()
			mgn, err := margin.Margin(m.Funding.FundingState, m.PenaltyParams(), account, m.MarkPrice())
			if err != nil {
				return err
			}
			im, err := margin.InitialMargin(account, m.MarkPrice(), m.Params.InitialMarginRate.Value)
			if err != nil {
				return err
			}
			mm, err := margin.MaintenanceMargin(account, m.MarkPrice(), m.Params.MaintenanceMarginRate.Value)
			if err != nil {
				return err
			}
			snaps = append(snaps, snapshot{m: m, margin: mgn, initial: im, settlement: m.MarkPrice()})
			totalMargin = totalMargin.Add(mgn)
			totalInitial = totalInitial.Add(im)
			totalMaintenance = totalMaintenance.Add(mm)
		}
		if len(snaps) == 0 {
			return fmt.Errorf("%w: no NORMAL market to freeze", errs.ErrState)
		}
		if totalMargin.Cmp(totalMaintenance) >= 0 {
			return fmt.Errorf("%w: pool margin %s still covers maintenance %s", errs.ErrSafety, totalMargin, totalMaintenance)
		}

		// ratio = min(1, totalMargin / totalInitial); each AMM margin is
		// reset to ratio * initialMargin, and pool cash absorbs the rest
		// (nonnegative by construction).
		ratio := fixedpoint.One
		if totalInitial.Sign() > 0 && totalMargin.Cmp(totalInitial) < 0 {
			r, err := fixedpoint.Max(totalMargin, fixedpoint.Zero).DivRound(totalInitial, fixedpoint.Floor)
			if err != nil {
				return err
			}
			ratio = r
		}
		for _, s := range snaps {
			target, err := s.initial.MulRound(ratio, fixedpoint.Floor)
			if err != nil {
				return err
			}
			delta := target.Sub(s.margin)
			account := s.m.PoolAccount()
			account.Cash = account.Cash.Add(delta)
			s.m.TotalCollateral = s.m.TotalCollateral.Add(delta)
			p.PoolCash = p.PoolCash.Sub(delta)
			if err := s.m.SetEmergency(s.settlement, now); err != nil {
				return err
			}
			mgn, err := margin.Margin(s.m.Funding.FundingState, s.m.PenaltyParams(), account, s.settlement)
			if err != nil {
				return err
			}
			s.m.TotalCollateral = s.m.TotalCollateral.Add(mgn)
			margin.ResetAccount(account)
		}
		p.log.Warn().Msg("all markets frozen on pool-wide maintenance breach")
		return nil
	})
}

// Clear drains one active account of an EMERGENCY market, paying the
// keeper the market's gas reward. When the last account drains, the
// redemption rates are fixed and the market moves to CLEARED. Returns
// the cleared trader.
func (p *Pool) Clear(index int, keeper uuid.UUID) (uuid.UUID, error) {
	var cleared uuid.UUID
	err := p.Guard(func() error {
		m, err := p.Market(index)
		if err != nil {
			return err
		}
		trader, ok, err := m.ClearNext()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no account left to clear", errs.ErrState)
		}
		cleared = trader

		reward := m.Params.KeeperGasReward.Value
		if reward.Sign() > 0 {
			out, err := p.Scaler.RoundOut(fixedpoint.Min(reward, fixedpoint.Max(m.TotalCollateral, fixedpoint.Zero)))
			if err != nil {
				return err
			}
			if out.Sign() > 0 {
				moved, err := p.Collateral.TransferOut(keeper, out)
				if err != nil {
					return err
				}
				if !moved.Equal(out) {
					return fmt.Errorf("%w: transfer moved %s, expected %s", errs.ErrValidation, moved, out)
				}
				m.TotalCollateral = m.TotalCollateral.Sub(out)
			}
		}
		p.log.Info().Int("market", index).Stringer("trader", trader).Msg("account cleared")

		if m.ActiveAccounts().Len() == 0 {
			if err := m.SetRedemptionRates(m.TotalCollateral); err != nil {
				return err
			}
			if err := m.SetCleared(); err != nil {
				return err
			}
			p.log.Info().Int("market", index).
				Str("rate_with_position", m.RedemptionRateWithPosition.String()).
				Str("rate_without_position", m.RedemptionRateWithoutPosition.String()).
				Msg("market cleared")
		}
		return nil
	})
	return cleared, err
}

// Settle pays a trader their settleable margin out of a CLEARED market and
// resets the account.
func (p *Pool) Settle(index int, trader uuid.UUID) (fixedpoint.Value, error) {
	var paid fixedpoint.Value
	err := p.Guard(func() error {
		m, err := p.Market(index)
		if err != nil {
			return err
		}
		if m.State != market.Cleared {
			return fmt.Errorf("%w: settlement requires CLEARED, market %d is %s", errs.ErrState, index, m.State)
		}
		a := m.Account(trader)
		if a == nil {
			return fmt.Errorf("%w: no margin account", errs.ErrValidation)
		}
		settleable, err := margin.SettleableMargin(m.Funding.FundingState, m.PenaltyParams(), a,
			m.SettlementPrice(), m.RedemptionRateWithPosition, m.RedemptionRateWithoutPosition)
		if err != nil {
			return err
		}
		margin.ResetAccount(a)
		if settleable.Sign() <= 0 {
			return nil
		}
		out, err := p.Scaler.RoundOut(settleable)
		if err != nil {
			return err
		}
		moved, err := p.Collateral.TransferOut(trader, out)
		if err != nil {
			return err
		}
		if !moved.Equal(out) {
			return fmt.Errorf("%w: transfer moved %s, expected %s", errs.ErrValidation, moved, out)
		}
		m.TotalCollateral = m.TotalCollateral.Sub(out)
		paid = out
		p.log.Info().Int("market", index).Stringer("trader", trader).Str("amount", out.String()).Msg("settled")
		return nil
	})
	return paid, err
}
