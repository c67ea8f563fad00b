package market

import (
	"fmt"

	"PerpPool/internal/errs"
	"PerpPool/internal/fixedpoint"
)

// maxFeeRate caps every per-trade fee rate at 1%.
var maxFeeRate = fixedpoint.MustDecimal("0.01")

// RiskParams is the full bounded-parameter set of one market. Every
// mutation revalidates the whole set, because several constraints couple
// parameters to each other.
type RiskParams struct {
	InitialMarginRate     Option
	MaintenanceMarginRate Option
	OperatorFeeRate       Option
	LPFeeRate             Option
	ReferralRebateRate    Option
	LiquidationPenaltyRate Option
	KeeperGasReward       Option
	InsuranceFundRate     Option
	MaxOpenInterestRate   Option
	HalfSpread            Option
	OpenSlippageFactor    Option
	CloseSlippageFactor   Option
	FundingRateFactor     Option
	FundingRateLimit      Option
	BaseFundingRate       Option
	AMMMaxLeverage        Option
	MaxClosePriceDiscount Option
	MeanRate              Option
	MeanRevertFactor      Option
}

// Validate checks each option's bounds and the cross-parameter rules.
func (rp *RiskParams) Validate() error {
	for _, o := range []struct {
		name string
		opt  Option
	}{
		{"initialMarginRate", rp.InitialMarginRate},
		{"maintenanceMarginRate", rp.MaintenanceMarginRate},
		{"operatorFeeRate", rp.OperatorFeeRate},
		{"lpFeeRate", rp.LPFeeRate},
		{"referralRebateRate", rp.ReferralRebateRate},
		{"liquidationPenaltyRate", rp.LiquidationPenaltyRate},
		{"keeperGasReward", rp.KeeperGasReward},
		{"insuranceFundRate", rp.InsuranceFundRate},
		{"maxOpenInterestRate", rp.MaxOpenInterestRate},
		{"halfSpread", rp.HalfSpread},
		{"openSlippageFactor", rp.OpenSlippageFactor},
		{"closeSlippageFactor", rp.CloseSlippageFactor},
		{"fundingRateFactor", rp.FundingRateFactor},
		{"fundingRateLimit", rp.FundingRateLimit},
		{"baseFundingRate", rp.BaseFundingRate},
		{"ammMaxLeverage", rp.AMMMaxLeverage},
		{"maxClosePriceDiscount", rp.MaxClosePriceDiscount},
		{"meanRate", rp.MeanRate},
		{"meanRevertFactor", rp.MeanRevertFactor},
	} {
		if err := o.opt.Validate(); err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
	}

	mm := rp.MaintenanceMarginRate.Value
	im := rp.InitialMarginRate.Value
	if mm.Sign() <= 0 {
		return fmt.Errorf("%w: maintenanceMarginRate must be positive", errs.ErrValidation)
	}
	if mm.Cmp(im) > 0 {
		return fmt.Errorf("%w: maintenanceMarginRate %s exceeds initialMarginRate %s", errs.ErrValidation, mm, im)
	}
	if im.Cmp(fixedpoint.One) > 0 {
		return fmt.Errorf("%w: initialMarginRate %s exceeds 1", errs.ErrValidation, im)
	}
	for _, f := range []struct {
		name string
		rate fixedpoint.Value
	}{
		{"operatorFeeRate", rp.OperatorFeeRate.Value},
		{"lpFeeRate", rp.LPFeeRate.Value},
		{"referralRebateRate", rp.ReferralRebateRate.Value},
	} {
		if f.rate.Sign() < 0 || f.rate.Cmp(maxFeeRate) > 0 {
			return fmt.Errorf("%w: %s %s outside [0, 0.01]", errs.ErrValidation, f.name, f.rate)
		}
	}
	if rp.LiquidationPenaltyRate.Value.Cmp(mm) > 0 {
		return fmt.Errorf("%w: liquidationPenaltyRate exceeds maintenanceMarginRate", errs.ErrValidation)
	}
	if rp.KeeperGasReward.Value.Sign() < 0 {
		return fmt.Errorf("%w: keeperGasReward negative", errs.ErrValidation)
	}
	ins := rp.InsuranceFundRate.Value
	if ins.Sign() < 0 || ins.Cmp(fixedpoint.One) > 0 {
		return fmt.Errorf("%w: insuranceFundRate %s outside [0, 1]", errs.ErrValidation, ins)
	}
	if rp.MaxOpenInterestRate.Value.Sign() <= 0 {
		return fmt.Errorf("%w: maxOpenInterestRate must be positive", errs.ErrValidation)
	}
	if rp.HalfSpread.Value.Sign() < 0 || rp.HalfSpread.Value.Cmp(fixedpoint.One) >= 0 {
		return fmt.Errorf("%w: halfSpread %s outside [0, 1)", errs.ErrValidation, rp.HalfSpread.Value)
	}
	openSlip := rp.OpenSlippageFactor.Value
	closeSlip := rp.CloseSlippageFactor.Value
	if openSlip.Sign() <= 0 {
		return fmt.Errorf("%w: openSlippageFactor must be positive", errs.ErrValidation)
	}
	if closeSlip.Sign() <= 0 || closeSlip.Cmp(openSlip) > 0 {
		return fmt.Errorf("%w: closeSlippageFactor %s outside (0, openSlippageFactor]", errs.ErrValidation, closeSlip)
	}
	if rp.FundingRateFactor.Value.Sign() < 0 || rp.FundingRateLimit.Value.Sign() < 0 || rp.BaseFundingRate.Value.Sign() < 0 {
		return fmt.Errorf("%w: funding rate parameters must be nonnegative", errs.ErrValidation)
	}
	lev := rp.AMMMaxLeverage.Value
	if lev.Sign() <= 0 {
		return fmt.Errorf("%w: ammMaxLeverage must be positive", errs.ErrValidation)
	}
	// The AMM may never lever past the reciprocal of its own initial margin
	// requirement.
	levCap, err := fixedpoint.One.DivRound(im, fixedpoint.Floor)
	if err != nil {
		return err
	}
	if lev.Cmp(levCap) > 0 {
		return fmt.Errorf("%w: ammMaxLeverage %s exceeds 1/initialMarginRate", errs.ErrValidation, lev)
	}
	disc := rp.MaxClosePriceDiscount.Value
	if disc.Sign() < 0 || disc.Cmp(fixedpoint.One) >= 0 {
		return fmt.Errorf("%w: maxClosePriceDiscount %s outside [0, 1)", errs.ErrValidation, disc)
	}
	if rp.MeanRate.Value.Sign() < 0 || rp.MeanRevertFactor.Value.Sign() < 0 {
		return fmt.Errorf("%w: mean-reversion parameters must be nonnegative", errs.ErrValidation)
	}
	return nil
}
