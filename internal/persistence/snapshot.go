package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpPool/internal/fixedpoint"
	"PerpPool/internal/market"
	"PerpPool/internal/pool"
)

// SnapshotManager saves and loads engine state snapshots. A snapshot
// plus the operation-log tail after its sequence is enough to answer
// what happened; the snapshot alone restores the pool's dynamic state.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized dynamic state of the pool at a
// sequence. Static configuration (risk parameters, collateral wiring,
// caps) is not captured; restore expects a pool rebuilt from the same
// bootstrap configuration and matches markets by symbol.
type SnapshotData struct {
	Sequence             int64            `json:"sequence"`
	Running              bool             `json:"running"`
	PoolCash             fixedpoint.Value `json:"pool_cash"`
	InsuranceFund        fixedpoint.Value `json:"insurance_fund"`
	DonatedInsuranceFund fixedpoint.Value `json:"donated_insurance_fund"`
	OperatorFees         fixedpoint.Value `json:"operator_fees"`
	VaultFees            fixedpoint.Value `json:"vault_fees"`
	Markets              []MarketSnapshot `json:"markets"`
	CreatedAt            time.Time        `json:"created_at"`
}

// MarketSnapshot is one market's dynamic state.
type MarketSnapshot struct {
	Symbol   string `json:"symbol"`
	OracleID string `json:"oracle_id"`
	State    int32  `json:"state"`

	IndexPrice          fixedpoint.Value `json:"index_price"`
	IndexTimestamp      int64            `json:"index_timestamp"`
	MarkPrice           fixedpoint.Value `json:"mark_price"`
	MarkTimestamp       int64            `json:"mark_timestamp"`
	SettlementPrice     fixedpoint.Value `json:"settlement_price"`
	SettlementTimestamp int64            `json:"settlement_timestamp"`

	FundingRate                  fixedpoint.Value `json:"funding_rate"`
	UnitAccumulativeFunding      fixedpoint.Value `json:"unit_accumulative_funding"`
	UnitAccumulativeLongFunding  fixedpoint.Value `json:"unit_accumulative_long_funding"`
	UnitAccumulativeShortFunding fixedpoint.Value `json:"unit_accumulative_short_funding"`
	LastFundingTime              int64            `json:"last_funding_time"`

	OpenInterest    fixedpoint.Value `json:"open_interest"`
	TotalCollateral fixedpoint.Value `json:"total_collateral"`

	RedemptionRateWithPosition    fixedpoint.Value `json:"redemption_rate_with_position"`
	RedemptionRateWithoutPosition fixedpoint.Value `json:"redemption_rate_without_position"`
	TotalMarginWithPosition       fixedpoint.Value `json:"total_margin_with_position"`
	TotalMarginWithoutPosition    fixedpoint.Value `json:"total_margin_without_position"`
	ClearProgress                 int              `json:"clear_progress"`

	PoolAccountID uuid.UUID         `json:"pool_account_id"`
	Accounts      []AccountSnapshot `json:"accounts"`
	Active        []uuid.UUID       `json:"active"`
}

// AccountSnapshot is one margin record.
type AccountSnapshot struct {
	Trader         uuid.UUID        `json:"trader"`
	Cash           fixedpoint.Value `json:"cash"`
	Position       fixedpoint.Value `json:"position"`
	EntryValue     fixedpoint.Value `json:"entry_value"`
	TargetLeverage fixedpoint.Value `json:"target_leverage"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// Capture serializes the pool's dynamic state at the given sequence.
func Capture(p *pool.Pool, sequence int64, now time.Time) *SnapshotData {
	snap := &SnapshotData{
		Sequence:             sequence,
		Running:              p.Running,
		PoolCash:             p.PoolCash,
		InsuranceFund:        p.InsuranceFund,
		DonatedInsuranceFund: p.DonatedInsuranceFund,
		OperatorFees:         p.OperatorFees,
		VaultFees:            p.VaultFees,
		Markets:              make([]MarketSnapshot, 0, len(p.Markets)),
		CreatedAt:            now,
	}
	for _, m := range p.Markets {
		snap.Markets = append(snap.Markets, captureMarket(m))
	}
	return snap
}

func captureMarket(m *market.Market) MarketSnapshot {
	index, mark := m.PriceCache()
	settlement := m.SettlementEntry()

	ms := MarketSnapshot{
		Symbol:   m.Symbol,
		OracleID: m.OracleID,
		State:    int32(m.State),

		IndexPrice:          index.Price,
		IndexTimestamp:      index.Timestamp,
		MarkPrice:           mark.Price,
		MarkTimestamp:       mark.Timestamp,
		SettlementPrice:     settlement.Price,
		SettlementTimestamp: settlement.Timestamp,

		FundingRate:                  m.Funding.FundingRate,
		UnitAccumulativeFunding:      m.Funding.UnitAccumulativeFunding,
		UnitAccumulativeLongFunding:  m.Funding.UnitAccumulativeLongFunding,
		UnitAccumulativeShortFunding: m.Funding.UnitAccumulativeShortFunding,
		LastFundingTime:              m.Funding.LastFundingTime,

		OpenInterest:    m.OpenInterest,
		TotalCollateral: m.TotalCollateral,

		RedemptionRateWithPosition:    m.RedemptionRateWithPosition,
		RedemptionRateWithoutPosition: m.RedemptionRateWithoutPosition,
		TotalMarginWithPosition:       m.TotalMarginWithPosition,
		TotalMarginWithoutPosition:    m.TotalMarginWithoutPosition,
		ClearProgress:                 m.ClearProgress(),

		PoolAccountID: m.PoolAccountID,
		Active:        m.ActiveAccounts().Snapshot(),
	}

	for _, id := range m.AccountIDs() {
		a := m.Account(id)
		if a == nil || (a.IsEmpty() && id != m.PoolAccountID) {
			continue
		}
		ms.Accounts = append(ms.Accounts, AccountSnapshot{
			Trader:         id,
			Cash:           a.Cash,
			Position:       a.Position,
			EntryValue:     a.EntryValue,
			TargetLeverage: a.TargetLeverage,
		})
	}
	return ms
}

// Restore applies a snapshot onto a pool rebuilt from the same
// bootstrap configuration. Markets are matched by symbol; a snapshot
// market with no configured counterpart is an error.
func Restore(p *pool.Pool, snap *SnapshotData) error {
	bySymbol := make(map[string]*market.Market, len(p.Markets))
	for _, m := range p.Markets {
		bySymbol[m.Symbol] = m
	}

	for i := range snap.Markets {
		ms := &snap.Markets[i]
		m, ok := bySymbol[ms.Symbol]
		if !ok {
			return fmt.Errorf("snapshot market %q not in configuration", ms.Symbol)
		}
		if err := restoreMarket(m, ms); err != nil {
			return fmt.Errorf("restore market %q: %w", ms.Symbol, err)
		}
	}

	p.Running = snap.Running
	p.PoolCash = snap.PoolCash
	p.InsuranceFund = snap.InsuranceFund
	p.DonatedInsuranceFund = snap.DonatedInsuranceFund
	p.OperatorFees = snap.OperatorFees
	p.VaultFees = snap.VaultFees
	return nil
}

func restoreMarket(m *market.Market, ms *MarketSnapshot) error {
	m.RestorePriceCache(
		market.PriceEntry{Price: ms.IndexPrice, Timestamp: ms.IndexTimestamp},
		market.PriceEntry{Price: ms.MarkPrice, Timestamp: ms.MarkTimestamp},
	)
	m.RestoreLifecycle(
		market.State(ms.State),
		market.PriceEntry{Price: ms.SettlementPrice, Timestamp: ms.SettlementTimestamp},
		ms.ClearProgress,
	)

	m.Funding.FundingRate = ms.FundingRate
	m.Funding.UnitAccumulativeFunding = ms.UnitAccumulativeFunding
	m.Funding.UnitAccumulativeLongFunding = ms.UnitAccumulativeLongFunding
	m.Funding.UnitAccumulativeShortFunding = ms.UnitAccumulativeShortFunding
	m.Funding.LastFundingTime = ms.LastFundingTime

	m.OpenInterest = ms.OpenInterest
	m.TotalCollateral = ms.TotalCollateral
	m.RedemptionRateWithPosition = ms.RedemptionRateWithPosition
	m.RedemptionRateWithoutPosition = ms.RedemptionRateWithoutPosition
	m.TotalMarginWithPosition = ms.TotalMarginWithPosition
	m.TotalMarginWithoutPosition = ms.TotalMarginWithoutPosition

	m.RestorePoolAccountID(ms.PoolAccountID)
	for _, as := range ms.Accounts {
		a := m.EnsureAccount(as.Trader)
		a.Cash = as.Cash
		a.Position = as.Position
		a.EntryValue = as.EntryValue
		a.TargetLeverage = as.TargetLeverage
	}
	m.RestoreActive(ms.Active)
	return nil
}

// SaveSnapshot persists a snapshot, replacing any previous one at the
// same sequence. Returns the serialized size in bytes.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO engine_log.snapshots
			(snapshot_id, sequence, data, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, size_bytes = $5
	`, uuid.New(), snap.Sequence, data, int32(1), len(data), snap.CreatedAt)
	return len(data), err
}

// LoadLatestSnapshot returns the most recent snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM engine_log.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
