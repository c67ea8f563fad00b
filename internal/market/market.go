// Package market holds the per-market state of the pool: lifecycle state
// machine, bounded risk parameters, oracle price cache, funding state and
// the active-account registry that drives liquidation and clearing sweeps.
package market

import (
	"fmt"

	"github.com/google/uuid"

	"PerpPool/internal/errs"
	"PerpPool/internal/fixedpoint"
	"PerpPool/internal/margin"
)

// State is a market's lifecycle phase. Transitions only move forward.
type State int

const (
	Invalid State = iota
	Initializing
	Normal
	Emergency
	Cleared
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "INVALID"
	case Initializing:
		return "INITIALIZING"
	case Normal:
		return "NORMAL"
	case Emergency:
		return "EMERGENCY"
	case Cleared:
		return "CLEARED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// PriceEntry is an oracle reading with its observation time. Entries only
// replace one another when the incoming timestamp is not older, so the
// cache is last-writer-wins by time rather than by call order.
type PriceEntry struct {
	Price     fixedpoint.Value
	Timestamp int64
}

// update applies the reading unless it is older than what is stored.
func (p *PriceEntry) update(price fixedpoint.Value, timestamp int64) {
	if timestamp < p.Timestamp {
		return
	}
	p.Price = price
	p.Timestamp = timestamp
}

// FundingData couples the accumulators consumed by the margin ledger with
// the rate and clock that advance them.
type FundingData struct {
	margin.FundingState
	FundingRate     fixedpoint.Value
	LastFundingTime int64
}

// Market is one perpetual inside the pool.
type Market struct {
	Index    int
	Symbol   string
	OracleID string

	State  State
	Params RiskParams

	indexPrice      PriceEntry
	markPrice       PriceEntry
	settlementPrice PriceEntry

	Funding FundingData

	OpenInterest    fixedpoint.Value
	TotalCollateral fixedpoint.Value

	// Redemption rates computed at the CLEARED transition.
	RedemptionRateWithPosition    fixedpoint.Value
	RedemptionRateWithoutPosition fixedpoint.Value
	// Margin-without-position and margin-with-position totals accumulated
	// by the clearing sweep, feeding the redemption rates.
	TotalMarginWithPosition    fixedpoint.Value
	TotalMarginWithoutPosition fixedpoint.Value

	PoolAccountID uuid.UUID
	accounts      map[uuid.UUID]*margin.Account
	active        *ActiveSet
	clearProgress int
}

// NewMarket creates a market in INITIALIZING with a reserved account for
// the AMM's own side of every trade.
func NewMarket(index int, symbol, oracleID string, params RiskParams) (*Market, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	m := &Market{
		Index:         index,
		Symbol:        symbol,
		OracleID:      oracleID,
		State:         Initializing,
		Params:        params,
		PoolAccountID: uuid.New(),
		accounts:      make(map[uuid.UUID]*margin.Account),
		active:        NewActiveSet(),
	}
	m.accounts[m.PoolAccountID] = &margin.Account{}
	return m, nil
}

// PenaltyParams projects the risk parameters the margin ledger needs.
func (m *Market) PenaltyParams() margin.PenaltyParams {
	return margin.PenaltyParams{
		MeanRate:         m.Params.MeanRate.Value,
		MeanRevertFactor: m.Params.MeanRevertFactor.Value,
	}
}

// ============================================================================
// Accounts
// ============================================================================

// Account returns the record for trader, or nil when none exists.
func (m *Market) Account(trader uuid.UUID) *margin.Account {
	return m.accounts[trader]
}

// EnsureAccount returns the record for trader, creating an empty one.
func (m *Market) EnsureAccount(trader uuid.UUID) *margin.Account {
	a, ok := m.accounts[trader]
	if !ok {
		a = &margin.Account{}
		m.accounts[trader] = a
	}
	return a
}

// PoolAccount is the AMM's own margin record in this market.
func (m *Market) PoolAccount() *margin.Account {
	return m.accounts[m.PoolAccountID]
}

// SyncActive registers or deregisters the trader in the active set based on
// whether the account is empty. Call after any mutation of the account. The
// pool's own account never enters the set.
func (m *Market) SyncActive(trader uuid.UUID) {
	if trader == m.PoolAccountID {
		return
	}
	a := m.accounts[trader]
	if a == nil || a.IsEmpty() {
		m.active.Remove(trader)
		return
	}
	m.active.Add(trader)
}

// ActiveAccounts exposes the registry for sweeps.
func (m *Market) ActiveAccounts() *ActiveSet { return m.active }

// ============================================================================
// Prices
// ============================================================================

// SetIndexPrice caches an index reading (ignored when stale).
func (m *Market) SetIndexPrice(price fixedpoint.Value, timestamp int64) {
	m.indexPrice.update(price, timestamp)
}

// SetMarkPrice caches a mark reading (ignored when stale).
func (m *Market) SetMarkPrice(price fixedpoint.Value, timestamp int64) {
	m.markPrice.update(price, timestamp)
}

// IndexPrice is the trading index; once the market leaves NORMAL the
// settlement price is frozen in and returned instead.
func (m *Market) IndexPrice() fixedpoint.Value {
	if m.State >= Emergency {
		return m.settlementPrice.Price
	}
	return m.indexPrice.Price
}

// MarkPrice mirrors IndexPrice for the mark series.
func (m *Market) MarkPrice() fixedpoint.Value {
	if m.State >= Emergency {
		return m.settlementPrice.Price
	}
	return m.markPrice.Price
}

// SettlementPrice is only meaningful in EMERGENCY and CLEARED.
func (m *Market) SettlementPrice() fixedpoint.Value { return m.settlementPrice.Price }

// ============================================================================
// Lifecycle
// ============================================================================

// transitionErr formats a forbidden transition uniformly.
func (m *Market) transitionErr(to State) error {
	return fmt.Errorf("%w: market %d cannot move %s -> %s", errs.ErrState, m.Index, m.State, to)
}

// SetNormal opens the market for trading. Valid only from INITIALIZING.
func (m *Market) SetNormal() error {
	if m.State != Initializing {
		return m.transitionErr(Normal)
	}
	m.State = Normal
	return nil
}

// SetEmergency freezes the market at the given settlement price. Valid only
// from NORMAL.
func (m *Market) SetEmergency(settlementPrice fixedpoint.Value, timestamp int64) error {
	if m.State != Normal {
		return m.transitionErr(Emergency)
	}
	if settlementPrice.Sign() <= 0 {
		return fmt.Errorf("%w: settlement price must be positive", errs.ErrValidation)
	}
	m.settlementPrice = PriceEntry{Price: settlementPrice, Timestamp: timestamp}
	m.State = Emergency
	return nil
}

// SetCleared finalizes settlement. Valid only from EMERGENCY and only once
// the active-account list has been fully drained by Clear calls.
func (m *Market) SetCleared() error {
	if m.State != Emergency {
		return m.transitionErr(Cleared)
	}
	if m.active.Len() > 0 {
		return fmt.Errorf("%w: %d active accounts remain unclear", errs.ErrState, m.active.Len())
	}
	m.State = Cleared
	return nil
}

// ClearNext drains one active account: its margin at the settlement price
// is tallied into the with/without-position buckets used for redemption
// rates. Returns the cleared trader and false when no account remains.
func (m *Market) ClearNext() (uuid.UUID, bool, error) {
	if m.State != Emergency {
		return uuid.Nil, false, fmt.Errorf("%w: clearing requires EMERGENCY, market %d is %s", errs.ErrState, m.Index, m.State)
	}
	trader, ok := m.active.First()
	if !ok {
		return uuid.Nil, false, nil
	}
	a := m.accounts[trader]
	mgn, err := margin.Margin(m.Funding.FundingState, m.PenaltyParams(), a, m.settlementPrice.Price)
	if err != nil {
		return uuid.Nil, false, err
	}
	if mgn.Sign() > 0 {
		if a.Position.IsZero() {
			m.TotalMarginWithoutPosition = m.TotalMarginWithoutPosition.Add(mgn)
		} else {
			m.TotalMarginWithPosition = m.TotalMarginWithPosition.Add(mgn)
		}
	}
	m.active.Remove(trader)
	m.clearProgress++
	return trader, true, nil
}

// SetRedemptionRates fixes the payout ratios for CLEARED settlement.
// Accounts without position redeem ahead of accounts with position, per the
// collateral actually left in the market.
func (m *Market) SetRedemptionRates(totalCollateral fixedpoint.Value) error {
	if m.State != Emergency {
		return fmt.Errorf("%w: redemption rates require EMERGENCY", errs.ErrState)
	}
	remaining := totalCollateral
	if m.TotalMarginWithoutPosition.Sign() > 0 {
		if remaining.Cmp(m.TotalMarginWithoutPosition) >= 0 {
			m.RedemptionRateWithoutPosition = fixedpoint.One
			remaining = remaining.Sub(m.TotalMarginWithoutPosition)
		} else {
			rate, err := fixedpoint.Max(remaining, fixedpoint.Zero).
				DivRound(m.TotalMarginWithoutPosition, fixedpoint.Floor)
			if err != nil {
				return err
			}
			m.RedemptionRateWithoutPosition = rate
			remaining = fixedpoint.Zero
		}
	}
	if m.TotalMarginWithPosition.Sign() > 0 {
		rate, err := fixedpoint.Max(remaining, fixedpoint.Zero).
			DivRound(m.TotalMarginWithPosition, fixedpoint.Floor)
		if err != nil {
			return err
		}
		m.RedemptionRateWithPosition = fixedpoint.Min(rate, fixedpoint.One)
	}
	return nil
}
