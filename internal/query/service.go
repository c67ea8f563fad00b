// Package query serves the read side of the engine: pool, market and
// account views assembled from the live in-memory state. The service
// does no locking of its own; callers serialize access the same way
// they do for mutations.
package query

import (
	"fmt"

	"github.com/google/uuid"

	"PerpPool/internal/errs"
	"PerpPool/internal/margin"
	"PerpPool/internal/market"
	"PerpPool/internal/pool"
	"PerpPool/internal/projection"
)

type Service struct {
	pool    *pool.Pool
	funding *projection.FundingHistory
}

func NewService(p *pool.Pool, funding *projection.FundingHistory) *Service {
	return &Service{pool: p, funding: funding}
}

// PoolStatus assembles the pool-level view, including one MarketInfo
// per market.
func (s *Service) PoolStatus() (PoolStatus, error) {
	supply, err := s.pool.Shares.TotalSupply()
	if err != nil {
		return PoolStatus{}, fmt.Errorf("share supply: %w", err)
	}

	poolMargin, err := s.pool.PoolMargin()
	if err != nil {
		return PoolStatus{}, fmt.Errorf("pool margin: %w", err)
	}

	status := PoolStatus{
		ID:                   s.pool.ID,
		Operator:             s.pool.Operator,
		Governor:             s.pool.Governor,
		Running:              s.pool.Running,
		PoolCash:             s.pool.PoolCash,
		PoolMargin:           poolMargin,
		InsuranceFund:        s.pool.InsuranceFund,
		DonatedInsuranceFund: s.pool.DonatedInsuranceFund,
		OperatorFees:         s.pool.OperatorFees,
		VaultFees:            s.pool.VaultFees,
		ShareSupply:          supply,
		Markets:              make([]MarketInfo, 0, len(s.pool.Markets)),
	}
	for _, m := range s.pool.Markets {
		status.Markets = append(status.Markets, marketInfo(m))
	}
	return status, nil
}

// MarketInfo returns the view of one market.
func (s *Service) MarketInfo(index int) (MarketInfo, error) {
	m, err := s.pool.Market(index)
	if err != nil {
		return MarketInfo{}, err
	}
	return marketInfo(m), nil
}

// AccountInfo returns the margin-account view for a trader, with
// safety metrics derived from the current mark price.
func (s *Service) AccountInfo(index int, trader uuid.UUID) (AccountInfo, error) {
	m, err := s.pool.Market(index)
	if err != nil {
		return AccountInfo{}, err
	}
	a := m.Account(trader)
	if a == nil {
		return AccountInfo{}, fmt.Errorf("%w: no account for trader %s in market %d", errs.ErrValidation, trader, index)
	}

	fs := m.Funding.FundingState
	pp := m.PenaltyParams()
	price := m.MarkPrice()

	mgn, err := margin.Margin(fs, pp, a, price)
	if err != nil {
		return AccountInfo{}, err
	}
	available, err := margin.AvailableCash(fs, pp, a)
	if err != nil {
		return AccountInfo{}, err
	}
	im, err := margin.InitialMargin(a, price, m.Params.InitialMarginRate.Value)
	if err != nil {
		return AccountInfo{}, err
	}
	mm, err := margin.MaintenanceMargin(a, price, m.Params.MaintenanceMarginRate.Value)
	if err != nil {
		return AccountInfo{}, err
	}
	imSafe, err := margin.IsInitialMarginSafe(fs, pp, a, price, m.Params.InitialMarginRate.Value, m.Params.KeeperGasReward.Value)
	if err != nil {
		return AccountInfo{}, err
	}
	mmSafe, err := margin.IsMaintenanceMarginSafe(fs, pp, a, price, m.Params.MaintenanceMarginRate.Value, m.Params.KeeperGasReward.Value)
	if err != nil {
		return AccountInfo{}, err
	}

	return AccountInfo{
		MarketIndex:           index,
		Trader:                trader,
		Cash:                  a.Cash,
		Position:              a.Position,
		EntryValue:            a.EntryValue,
		TargetLeverage:        a.TargetLeverage,
		MarkPrice:             price,
		Margin:                mgn,
		AvailableCash:         available,
		InitialMargin:         im,
		MaintenanceMargin:     mm,
		InitialMarginSafe:     imSafe,
		MaintenanceMarginSafe: mmSafe,
	}, nil
}

// FundingHistory returns the most recent funding observations for a
// market, newest first.
func (s *Service) FundingHistory(index, limit int) ([]FundingPoint, error) {
	if _, err := s.pool.Market(index); err != nil {
		return nil, err
	}
	entries := s.funding.QueryByMarket(index, limit)
	points := make([]FundingPoint, 0, len(entries))
	for _, e := range entries {
		points = append(points, FundingPoint{
			FundingRate:             e.FundingRate,
			UnitAccumulativeFunding: e.UnitAccumulativeFunding,
			Timestamp:               e.Timestamp,
		})
	}
	return points, nil
}

func marketInfo(m *market.Market) MarketInfo {
	return MarketInfo{
		Index:                        m.Index,
		Symbol:                       m.Symbol,
		OracleID:                     m.OracleID,
		State:                        m.State.String(),
		IndexPrice:                   m.IndexPrice(),
		MarkPrice:                    m.MarkPrice(),
		FundingRate:                  m.Funding.FundingRate,
		UnitAccumulativeFunding:      m.Funding.UnitAccumulativeFunding,
		UnitAccumulativeLongFunding:  m.Funding.UnitAccumulativeLongFunding,
		UnitAccumulativeShortFunding: m.Funding.UnitAccumulativeShortFunding,
		LastFundingTime:              m.Funding.LastFundingTime,
		OpenInterest:                 m.OpenInterest,
		TotalCollateral:              m.TotalCollateral,
		ActiveAccounts:               m.ActiveAccounts().Len(),
	}
}
