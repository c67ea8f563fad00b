// Package margin implements per-(market, trader) margin accounting: cash,
// position and entry-value bookkeeping, funding settlement with the
// mean-reversion penalty, and the margin safety predicates used by trading
// and liquidation. The pool's own AMM position lives in the same Account
// shape, so both sides of every trade share this math.
package margin

import (
	"fmt"

	"PerpPool/internal/errs"
	"PerpPool/internal/fixedpoint"
)

// Account is the margin record for one trader in one market. Cash is stored
// funding-inclusive: the funding actually owed is subtracted on read via
// AvailableCash, and UpdateMargin keeps the two consistent across position
// changes. EntryValue carries the signed opening notional of the current
// position and drives the mean-reversion penalty.
type Account struct {
	Cash           fixedpoint.Value
	Position       fixedpoint.Value
	EntryValue     fixedpoint.Value
	TargetLeverage fixedpoint.Value
}

// IsEmpty reports whether the account holds neither cash nor position.
// Empty accounts leave the market's active set.
func (a *Account) IsEmpty() bool {
	return a.Cash.IsZero() && a.Position.IsZero()
}

// FundingState carries a market's funding accumulators. The aggregate
// accumulator prices plain position funding; the long/short split feeds the
// mean-reversion penalty, which charges the two sides from different wells.
type FundingState struct {
	UnitAccumulativeFunding      fixedpoint.Value
	UnitAccumulativeLongFunding  fixedpoint.Value
	UnitAccumulativeShortFunding fixedpoint.Value
}

// PenaltyParams configures the mean-reversion penalty. A zero
// MeanRevertFactor disables it.
type PenaltyParams struct {
	MeanRate         fixedpoint.Value
	MeanRevertFactor fixedpoint.Value
}

// fundingPenalty is the anti-manipulation surcharge: positions whose entry
// notional sits far from the mean-implied notional pay extra funding,
// proportional to that distance and to the side's own accumulator. Shorts
// accrue with flipped sign.
func fundingPenalty(fs FundingState, pp PenaltyParams, position, entryValue fixedpoint.Value) (fixedpoint.Value, error) {
	if pp.MeanRevertFactor.IsZero() || position.IsZero() {
		return fixedpoint.Zero, nil
	}
	meanValue, err := pp.MeanRate.Mul(position.Abs())
	if err != nil {
		return fixedpoint.Zero, err
	}
	distance := entryValue.Abs().Sub(meanValue).Abs()
	accumulator := fs.UnitAccumulativeLongFunding
	if position.Sign() < 0 {
		accumulator = fs.UnitAccumulativeShortFunding
	}
	penalty, err := pp.MeanRevertFactor.Mul(distance)
	if err != nil {
		return fixedpoint.Zero, err
	}
	penalty, err = penalty.Mul(accumulator)
	if err != nil {
		return fixedpoint.Zero, err
	}
	if position.Sign() < 0 {
		penalty = penalty.Neg()
	}
	return penalty, nil
}

// Funding returns the total funding owed by a (position, entryValue) pair:
// the plain accumulator charge plus the mean-reversion penalty.
func Funding(fs FundingState, pp PenaltyParams, position, entryValue fixedpoint.Value) (fixedpoint.Value, error) {
	base, err := position.Mul(fs.UnitAccumulativeFunding)
	if err != nil {
		return fixedpoint.Zero, err
	}
	penalty, err := fundingPenalty(fs, pp, position, entryValue)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return base.Add(penalty), nil
}

// AvailableCash is cash net of the funding owed by the current position.
func AvailableCash(fs FundingState, pp PenaltyParams, a *Account) (fixedpoint.Value, error) {
	funding, err := Funding(fs, pp, a.Position, a.EntryValue)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return a.Cash.Sub(funding), nil
}

// Margin is position value plus available cash at the given price.
func Margin(fs FundingState, pp PenaltyParams, a *Account, price fixedpoint.Value) (fixedpoint.Value, error) {
	available, err := AvailableCash(fs, pp, a)
	if err != nil {
		return fixedpoint.Zero, err
	}
	positionValue, err := a.Position.Mul(price)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return positionValue.Add(available), nil
}

// InitialMargin is |position| * price * rate, rounded up so the requirement
// is never understated.
func InitialMargin(a *Account, price, initialMarginRate fixedpoint.Value) (fixedpoint.Value, error) {
	return marginRequirement(a, price, initialMarginRate)
}

// MaintenanceMargin is |position| * price * rate, rounded up.
func MaintenanceMargin(a *Account, price, maintenanceMarginRate fixedpoint.Value) (fixedpoint.Value, error) {
	return marginRequirement(a, price, maintenanceMarginRate)
}

func marginRequirement(a *Account, price, rate fixedpoint.Value) (fixedpoint.Value, error) {
	notional, err := a.Position.Abs().MulRound(price, fixedpoint.Ceil)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return notional.MulRound(rate, fixedpoint.Ceil)
}

// IsInitialMarginSafe reports margin >= initialMargin + keeperGasReward for
// accounts holding a position, margin >= 0 otherwise.
func IsInitialMarginSafe(fs FundingState, pp PenaltyParams, a *Account, price, initialMarginRate, keeperGasReward fixedpoint.Value) (bool, error) {
	return isSafeAgainst(fs, pp, a, price, initialMarginRate, keeperGasReward)
}

// IsMaintenanceMarginSafe is IsInitialMarginSafe against the maintenance
// rate; accounts failing it are eligible for liquidation.
func IsMaintenanceMarginSafe(fs FundingState, pp PenaltyParams, a *Account, price, maintenanceMarginRate, keeperGasReward fixedpoint.Value) (bool, error) {
	return isSafeAgainst(fs, pp, a, price, maintenanceMarginRate, keeperGasReward)
}

// IsMarginSafe reports margin >= keeperGasReward for accounts holding a
// position, margin >= 0 otherwise. This is the floor a closing trade must
// keep the trader above.
func IsMarginSafe(fs FundingState, pp PenaltyParams, a *Account, price, keeperGasReward fixedpoint.Value) (bool, error) {
	return isSafeAgainst(fs, pp, a, price, fixedpoint.Zero, keeperGasReward)
}

func isSafeAgainst(fs FundingState, pp PenaltyParams, a *Account, price, rate, keeperGasReward fixedpoint.Value) (bool, error) {
	m, err := Margin(fs, pp, a, price)
	if err != nil {
		return false, err
	}
	threshold := fixedpoint.Zero
	if !a.Position.IsZero() {
		requirement, err := marginRequirement(a, price, rate)
		if err != nil {
			return false, err
		}
		threshold = requirement.Add(keeperGasReward)
	}
	return m.Cmp(threshold) >= 0, nil
}

// SettleableMargin is what a trader can take out of a market in CLEARED
// state: positive margin scaled by the redemption rate for the account's
// bucket (with or without position), floor-rounded so the pool never
// overpays. Negative margin settles to zero.
func SettleableMargin(fs FundingState, pp PenaltyParams, a *Account, price, rateWithPosition, rateWithoutPosition fixedpoint.Value) (fixedpoint.Value, error) {
	m, err := Margin(fs, pp, a, price)
	if err != nil {
		return fixedpoint.Zero, err
	}
	if m.Sign() <= 0 {
		return fixedpoint.Zero, nil
	}
	rate := rateWithoutPosition
	if !a.Position.IsZero() {
		rate = rateWithPosition
	}
	return m.MulRound(rate, fixedpoint.Floor)
}

// SplitDelta splits a position delta into its closing part (consuming the
// existing position) and its opening part (extending past zero or adding on
// the same side). Exactly one of the parts may be zero.
func SplitDelta(position, delta fixedpoint.Value) (closePart, openPart fixedpoint.Value) {
	if position.IsZero() || delta.IsZero() || position.Sign() == delta.Sign() {
		return fixedpoint.Zero, delta
	}
	closePart = fixedpoint.Min(position.Abs(), delta.Abs())
	if delta.Sign() < 0 {
		closePart = closePart.Neg()
	}
	return closePart, delta.Sub(closePart)
}

// UpdateMargin applies a signed position and cash delta to the account.
//
// The delta is split into a closing leg and an opening leg, because the two
// legs change the entry value differently and therefore owe different
// funding penalties. The closing leg shrinks EntryValue proportionally to
// the fraction of the position consumed; the opening leg grows it by the
// share of deltaCash attributable to the newly-opened size, signed with the
// new position's side. Cash absorbs the funding-with-penalty delta of each
// leg so that AvailableCash moves by exactly deltaCash across the whole
// update.
//
// Returns the open-interest delta: max(newPosition, 0) - max(oldPosition, 0).
func UpdateMargin(fs FundingState, pp PenaltyParams, a *Account, deltaPosition, deltaCash fixedpoint.Value) (fixedpoint.Value, error) {
	oldPosition := a.Position
	oldEntryValue := a.EntryValue
	newPosition := oldPosition.Add(deltaPosition)

	closePart, openPart := SplitDelta(oldPosition, deltaPosition)

	position := oldPosition
	entryValue := oldEntryValue
	fundingCharge := fixedpoint.Zero

	if !closePart.IsZero() {
		midPosition := position.Add(closePart)
		closed, err := fixedpoint.FracRound(entryValue, closePart.Abs(), position.Abs(), fixedpoint.Nearest)
		if err != nil {
			return fixedpoint.Zero, fmt.Errorf("close leg entry value: %w", err)
		}
		midEntryValue := entryValue.Sub(closed)
		charge, err := fundingDelta(fs, pp, position, entryValue, midPosition, midEntryValue)
		if err != nil {
			return fixedpoint.Zero, fmt.Errorf("close leg funding: %w", err)
		}
		fundingCharge = fundingCharge.Add(charge)
		position, entryValue = midPosition, midEntryValue
	}

	if !openPart.IsZero() {
		endPosition := position.Add(openPart)
		openCash, err := fixedpoint.Frac(deltaCash, openPart.Abs(), deltaPosition.Abs())
		if err != nil {
			return fixedpoint.Zero, fmt.Errorf("open leg cash share: %w", err)
		}
		opened := openCash.Abs()
		if openPart.Sign() < 0 {
			opened = opened.Neg()
		}
		endEntryValue := entryValue.Add(opened)
		charge, err := fundingDelta(fs, pp, position, entryValue, endPosition, endEntryValue)
		if err != nil {
			return fixedpoint.Zero, fmt.Errorf("open leg funding: %w", err)
		}
		fundingCharge = fundingCharge.Add(charge)
		position, entryValue = endPosition, endEntryValue
	}

	a.Position = position
	a.EntryValue = entryValue
	a.Cash = a.Cash.Add(deltaCash).Add(fundingCharge)

	return openInterestDelta(oldPosition, newPosition), nil
}

// fundingDelta is the cash adjustment that keeps available cash continuous
// when the (position, entryValue) pair moves: the funding owed after minus
// the funding owed before.
func fundingDelta(fs FundingState, pp PenaltyParams, fromPos, fromEV, toPos, toEV fixedpoint.Value) (fixedpoint.Value, error) {
	before, err := Funding(fs, pp, fromPos, fromEV)
	if err != nil {
		return fixedpoint.Zero, err
	}
	after, err := Funding(fs, pp, toPos, toEV)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return after.Sub(before), nil
}

func openInterestDelta(oldPosition, newPosition fixedpoint.Value) fixedpoint.Value {
	return fixedpoint.Max(newPosition, fixedpoint.Zero).Sub(fixedpoint.Max(oldPosition, fixedpoint.Zero))
}

// ResetAccount zeroes the record. Only CLEARED settlement calls this, after
// paying out the settleable margin.
func ResetAccount(a *Account) {
	a.Cash = fixedpoint.Zero
	a.Position = fixedpoint.Zero
	a.EntryValue = fixedpoint.Zero
}

// ValidatePositionDelta rejects a zero delta early with a caller-fault
// error so trade paths do not have to special-case it.
func ValidatePositionDelta(delta fixedpoint.Value) error {
	if delta.IsZero() {
		return fmt.Errorf("%w: zero position delta", errs.ErrValidation)
	}
	return nil
}
