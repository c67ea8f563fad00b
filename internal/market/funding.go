package market

import (
	"fmt"

	"PerpPool/internal/errs"
	"PerpPool/internal/fixedpoint"
)

// fundingInterval is the accrual period of the funding rate, in seconds.
// A position held for one full interval pays indexPrice * fundingRate per
// unit.
const fundingInterval = 8 * 60 * 60

var fundingIntervalFP = fixedpoint.New(fundingInterval)

// UpdateFundingState accrues funding for the time elapsed since the last
// update. Stale or duplicate clocks are a no-op, never an error, so every
// operation can call this unconditionally before touching margin. The
// accrued delta lands in the aggregate accumulator and, by its sign, in the
// long or short accumulator feeding the mean-reversion penalty.
func (m *Market) UpdateFundingState(now int64) error {
	if now <= m.Funding.LastFundingTime {
		return nil
	}
	if m.State != Normal {
		m.Funding.LastFundingTime = now
		return nil
	}
	elapsed := fixedpoint.New(now - m.Funding.LastFundingTime)
	delta, err := m.IndexPrice().Mul(m.Funding.FundingRate)
	if err != nil {
		return fmt.Errorf("funding accrual: %w", err)
	}
	delta, err = fixedpoint.Frac(delta, elapsed, fundingIntervalFP)
	if err != nil {
		return fmt.Errorf("funding accrual: %w", err)
	}
	m.Funding.UnitAccumulativeFunding = m.Funding.UnitAccumulativeFunding.Add(delta)
	if delta.Sign() >= 0 {
		m.Funding.UnitAccumulativeLongFunding = m.Funding.UnitAccumulativeLongFunding.Add(delta)
	} else {
		m.Funding.UnitAccumulativeShortFunding = m.Funding.UnitAccumulativeShortFunding.Add(delta)
	}
	m.Funding.LastFundingTime = now
	return nil
}

// UpdateFundingRate recomputes the rate from the AMM's exposure in this
// market. The base formula pushes the rate against the pool's position so
// the crowd pays the pool to rebalance; a base-rate nudge applies when open
// interest is nonzero and the pool is one-sided; the result clamps to
// +-fundingRateLimit. A pool with position but zero margin is degenerate
// and pins the rate at the limit outright.
func (m *Market) UpdateFundingRate(poolMargin fixedpoint.Value) error {
	if m.State != Normal {
		return fmt.Errorf("%w: funding rate requires NORMAL, market %d is %s", errs.ErrState, m.Index, m.State)
	}
	position := m.PoolAccount().Position
	limit := m.Params.FundingRateLimit.Value
	if position.IsZero() {
		m.Funding.FundingRate = fixedpoint.Zero
		return nil
	}
	if poolMargin.IsZero() {
		if position.Sign() > 0 {
			m.Funding.FundingRate = limit.Neg()
		} else {
			m.Funding.FundingRate = limit
		}
		return nil
	}
	rate, err := fixedpoint.Frac(m.IndexPrice(), position, poolMargin)
	if err != nil {
		return fmt.Errorf("funding rate: %w", err)
	}
	rate, err = rate.Mul(m.Params.FundingRateFactor.Value)
	if err != nil {
		return fmt.Errorf("funding rate: %w", err)
	}
	rate = rate.Neg()
	if m.OpenInterest.Sign() > 0 {
		base := m.Params.BaseFundingRate.Value
		if position.Sign() < 0 {
			rate = rate.Add(base)
		} else {
			rate = rate.Sub(base)
		}
	}
	rate = fixedpoint.Min(rate, limit)
	rate = fixedpoint.Max(rate, limit.Neg())
	m.Funding.FundingRate = rate
	return nil
}
