package pool

import (
	"fmt"

	"github.com/google/uuid"

	"PerpPool/internal/errs"
	"PerpPool/internal/external"
	"PerpPool/internal/fixedpoint"
	"PerpPool/internal/margin"
	"PerpPool/internal/market"
)

// Deposit pulls collateral into a trader's margin account. Allowed only
// while the market is NORMAL.
func (p *Pool) Deposit(index int, trader, caller uuid.UUID, amount fixedpoint.Value, now int64) error {
	return p.Guard(func() error {
		m, err := p.Market(index)
		if err != nil {
			return err
		}
		if m.State != market.Normal {
			return fmt.Errorf("%w: deposit requires NORMAL, market %d is %s", errs.ErrState, index, m.State)
		}
		if amount.Sign() <= 0 {
			return fmt.Errorf("%w: deposit must be positive", errs.ErrValidation)
		}
		if !p.Access.IsAuthorized(trader, caller, external.PrivilegeDeposit) {
			return fmt.Errorf("%w: caller not authorized to deposit for trader", errs.ErrValidation)
		}
		if err := m.UpdateFundingState(now); err != nil {
			return err
		}
		pulled, err := p.Scaler.RoundIn(amount)
		if err != nil {
			return err
		}
		moved, err := p.Collateral.TransferIn(caller, pulled)
		if err != nil {
			return err
		}
		if !moved.Equal(pulled) {
			return fmt.Errorf("%w: transfer moved %s, expected %s", errs.ErrValidation, moved, pulled)
		}
		a := m.EnsureAccount(trader)
		a.Cash = a.Cash.Add(pulled)
		m.TotalCollateral = m.TotalCollateral.Add(pulled)
		m.SyncActive(trader)
		p.log.Info().Int("market", index).Stringer("trader", trader).Str("amount", pulled.String()).Msg("deposit")
		return nil
	})
}

// Withdraw pushes collateral out of a trader's margin account. The trader
// must remain initial-margin safe afterwards.
func (p *Pool) Withdraw(index int, trader, caller uuid.UUID, amount fixedpoint.Value, now int64) error {
	return p.Guard(func() error {
		m, err := p.Market(index)
		if err != nil {
			return err
		}
		if m.State != market.Normal {
			return fmt.Errorf("%w: withdraw requires NORMAL, market %d is %s", errs.ErrState, index, m.State)
		}
		if amount.Sign() <= 0 {
			return fmt.Errorf("%w: withdrawal must be positive", errs.ErrValidation)
		}
		if !p.Access.IsAuthorized(trader, caller, external.PrivilegeWithdraw) {
			return fmt.Errorf("%w: caller not authorized to withdraw for trader", errs.ErrValidation)
		}
		if err := m.UpdateFundingState(now); err != nil {
			return err
		}
		a := m.Account(trader)
		if a == nil {
			return fmt.Errorf("%w: no margin account", errs.ErrValidation)
		}

		a.Cash = a.Cash.Sub(amount)
		safe, err := margin.IsInitialMarginSafe(m.Funding.FundingState, m.PenaltyParams(), a, m.MarkPrice(),
			m.Params.InitialMarginRate.Value, m.Params.KeeperGasReward.Value)
		if err == nil && !safe {
			err = fmt.Errorf("%w: withdrawal leaves the account initial-margin unsafe", errs.ErrSafety)
		}
		if err != nil {
			a.Cash = a.Cash.Add(amount)
			return err
		}

		payOut, err := p.Scaler.RoundOut(amount)
		if err != nil {
			a.Cash = a.Cash.Add(amount)
			return err
		}
		moved, err := p.Collateral.TransferOut(caller, payOut)
		if err != nil {
			a.Cash = a.Cash.Add(amount)
			return err
		}
		if !moved.Equal(payOut) {
			a.Cash = a.Cash.Add(amount)
			return fmt.Errorf("%w: transfer moved %s, expected %s", errs.ErrValidation, moved, payOut)
		}
		// Truncation dust stays with the market.
		m.TotalCollateral = m.TotalCollateral.Sub(payOut)
		a.Cash = a.Cash.Add(amount.Sub(payOut))
		m.SyncActive(trader)
		p.log.Info().Int("market", index).Stringer("trader", trader).Str("amount", payOut.String()).Msg("withdraw")
		return nil
	})
}
