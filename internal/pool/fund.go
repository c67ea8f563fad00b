package pool

import (
	"fmt"

	"github.com/google/uuid"

	"PerpPool/internal/errs"
	"PerpPool/internal/fixedpoint"
)

// UpdateInsuranceFund applies a signed delta to the insurance fund and
// returns (penaltyToLP, applied). Growth past the cap spills to the LPs as
// penaltyToLP (credited to pool cash here). Depletion below zero draws
// from the donated fund, which is itself floored at zero: the part of a
// negative delta that neither fund can absorb is truncated away and the
// applied value reports what actually landed.
func (p *Pool) UpdateInsuranceFund(delta fixedpoint.Value) (penaltyToLP, applied fixedpoint.Value) {
	if delta.IsZero() {
		return fixedpoint.Zero, fixedpoint.Zero
	}
	applied = delta
	next := p.InsuranceFund.Add(delta)
	if delta.Sign() > 0 {
		cap := p.Config.InsuranceFundCap
		if cap.Sign() > 0 && next.Cmp(cap) > 0 {
			penaltyToLP = next.Sub(cap)
			next = cap
			p.PoolCash = p.PoolCash.Add(penaltyToLP)
		}
		p.InsuranceFund = next
		return penaltyToLP, applied
	}
	if next.Sign() < 0 {
		shortfall := next.Neg()
		next = fixedpoint.Zero
		covered := fixedpoint.Min(shortfall, p.DonatedInsuranceFund)
		p.DonatedInsuranceFund = p.DonatedInsuranceFund.Sub(covered)
		// Anything past both funds is a protocol shortfall, not absorbed.
		applied = delta.Add(shortfall.Sub(covered))
	}
	p.InsuranceFund = next
	return fixedpoint.Zero, applied
}

// Donate tops up the donated insurance fund. Anyone may call it.
func (p *Pool) Donate(donor uuid.UUID, amount fixedpoint.Value) error {
	return p.Guard(func() error {
		if amount.Sign() <= 0 {
			return fmt.Errorf("%w: donation must be positive", errs.ErrValidation)
		}
		pulled, err := p.Scaler.RoundIn(amount)
		if err != nil {
			return err
		}
		moved, err := p.Collateral.TransferIn(donor, pulled)
		if err != nil {
			return err
		}
		if !moved.Equal(pulled) {
			return fmt.Errorf("%w: transfer moved %s, expected %s", errs.ErrValidation, moved, pulled)
		}
		p.DonatedInsuranceFund = p.DonatedInsuranceFund.Add(pulled)
		p.log.Info().Stringer("donor", donor).Str("amount", pulled.String()).Msg("insurance fund donation")
		return nil
	})
}

// AccrueFees books a trade's fee split: the LP fee stays in the market's
// AMM account (the caller credits it), the operator and vault fees land in
// their claimable ledgers here.
func (p *Pool) AccrueFees(operatorFee, vaultFee fixedpoint.Value) {
	p.OperatorFees = p.OperatorFees.Add(operatorFee)
	p.VaultFees = p.VaultFees.Add(vaultFee)
}

// ClaimOperatorFees pays the accumulated operator fees out to the
// operator. Only the operator may claim.
func (p *Pool) ClaimOperatorFees(caller uuid.UUID) (fixedpoint.Value, error) {
	var paid fixedpoint.Value
	err := p.Guard(func() error {
		if caller != p.Operator {
			return fmt.Errorf("%w: only the operator may claim operator fees", errs.ErrValidation)
		}
		if p.OperatorFees.Sign() <= 0 {
			return fmt.Errorf("%w: no operator fees accrued", errs.ErrLiquidity)
		}
		out, err := p.Scaler.RoundOut(p.OperatorFees)
		if err != nil {
			return err
		}
		moved, err := p.Collateral.TransferOut(p.Operator, out)
		if err != nil {
			return err
		}
		if !moved.Equal(out) {
			return fmt.Errorf("%w: transfer moved %s, expected %s", errs.ErrValidation, moved, out)
		}
		p.OperatorFees = p.OperatorFees.Sub(out)
		paid = out
		return nil
	})
	return paid, err
}
