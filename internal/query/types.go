package query

import (
	"github.com/google/uuid"

	"PerpPool/internal/fixedpoint"
)

// PoolStatus is the pool-level read model. Fixed-point fields marshal
// as decimal strings.
type PoolStatus struct {
	ID                   uuid.UUID        `json:"id"`
	Operator             uuid.UUID        `json:"operator"`
	Governor             uuid.UUID        `json:"governor"`
	Running              bool             `json:"running"`
	PoolCash             fixedpoint.Value `json:"pool_cash"`
	PoolMargin           fixedpoint.Value `json:"pool_margin"`
	InsuranceFund        fixedpoint.Value `json:"insurance_fund"`
	DonatedInsuranceFund fixedpoint.Value `json:"donated_insurance_fund"`
	OperatorFees         fixedpoint.Value `json:"operator_fees"`
	VaultFees            fixedpoint.Value `json:"vault_fees"`
	ShareSupply          fixedpoint.Value `json:"share_supply"`
	Markets              []MarketInfo     `json:"markets"`
}

// MarketInfo is the per-market read model.
type MarketInfo struct {
	Index                        int              `json:"index"`
	Symbol                       string           `json:"symbol"`
	OracleID                     string           `json:"oracle_id"`
	State                        string           `json:"state"`
	IndexPrice                   fixedpoint.Value `json:"index_price"`
	MarkPrice                    fixedpoint.Value `json:"mark_price"`
	FundingRate                  fixedpoint.Value `json:"funding_rate"`
	UnitAccumulativeFunding      fixedpoint.Value `json:"unit_accumulative_funding"`
	UnitAccumulativeLongFunding  fixedpoint.Value `json:"unit_accumulative_long_funding"`
	UnitAccumulativeShortFunding fixedpoint.Value `json:"unit_accumulative_short_funding"`
	LastFundingTime              int64            `json:"last_funding_time"`
	OpenInterest                 fixedpoint.Value `json:"open_interest"`
	TotalCollateral              fixedpoint.Value `json:"total_collateral"`
	ActiveAccounts               int              `json:"active_accounts"`
}

// AccountInfo is the margin-account read model. Margin metrics are
// derived from the live mark price at query time.
type AccountInfo struct {
	MarketIndex           int              `json:"market_index"`
	Trader                uuid.UUID        `json:"trader"`
	Cash                  fixedpoint.Value `json:"cash"`
	Position              fixedpoint.Value `json:"position"`
	EntryValue            fixedpoint.Value `json:"entry_value"`
	TargetLeverage        fixedpoint.Value `json:"target_leverage"`
	MarkPrice             fixedpoint.Value `json:"mark_price"`
	Margin                fixedpoint.Value `json:"margin"`
	AvailableCash         fixedpoint.Value `json:"available_cash"`
	InitialMargin         fixedpoint.Value `json:"initial_margin"`
	MaintenanceMargin     fixedpoint.Value `json:"maintenance_margin"`
	InitialMarginSafe     bool             `json:"initial_margin_safe"`
	MaintenanceMarginSafe bool             `json:"maintenance_margin_safe"`
}

// FundingPoint is one observation in a market's funding-rate history.
type FundingPoint struct {
	FundingRate             fixedpoint.Value `json:"funding_rate"`
	UnitAccumulativeFunding fixedpoint.Value `json:"unit_accumulative_funding"`
	Timestamp               int64            `json:"timestamp"`
}
