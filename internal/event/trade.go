package event

import (
	"github.com/google/uuid"

	"PerpPool/internal/fixedpoint"
)

// TradeExecuted records a filled trade against the AMM. Amounts are
// trader-side: positive FilledAmount means the trader bought.
type TradeExecuted struct {
	ID             uuid.UUID        `json:"id"`
	MarketIndex    int              `json:"market_index"`
	Trader         uuid.UUID        `json:"trader"`
	FilledAmount   fixedpoint.Value `json:"filled_amount"`
	Price          fixedpoint.Value `json:"price"`
	DeltaCash      fixedpoint.Value `json:"delta_cash"`
	LPFee          fixedpoint.Value `json:"lp_fee"`
	OperatorFee    fixedpoint.Value `json:"operator_fee"`
	VaultFee       fixedpoint.Value `json:"vault_fee"`
	ReferralRebate fixedpoint.Value `json:"referral_rebate"`
}

func (TradeExecuted) Kind() Type { return TypeTradeExecuted }

// LiquidationExecuted records a forced close. Liquidator is nil when the
// AMM took the position over.
type LiquidationExecuted struct {
	ID                  uuid.UUID        `json:"id"`
	MarketIndex         int              `json:"market_index"`
	Trader              uuid.UUID        `json:"trader"`
	Liquidator          *uuid.UUID       `json:"liquidator,omitempty"`
	FilledAmount        fixedpoint.Value `json:"filled_amount"`
	Price               fixedpoint.Value `json:"price"`
	Penalty             fixedpoint.Value `json:"penalty"`
	PenaltyToFund       fixedpoint.Value `json:"penalty_to_fund"`
	PenaltyToLiquidator fixedpoint.Value `json:"penalty_to_liquidator"`
	KeeperGasReward     fixedpoint.Value `json:"keeper_gas_reward"`
}

func (LiquidationExecuted) Kind() Type { return TypeLiquidationExecuted }
