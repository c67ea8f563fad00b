package event

import (
	"github.com/google/uuid"

	"PerpPool/internal/fixedpoint"
)

// Deposit records collateral pulled into a trader's margin account.
type Deposit struct {
	MarketIndex int              `json:"market_index"`
	Trader      uuid.UUID        `json:"trader"`
	Amount      fixedpoint.Value `json:"amount"`
}

func (Deposit) Kind() Type { return TypeDeposit }

// Withdrawal records collateral pushed out of a trader's margin account.
type Withdrawal struct {
	MarketIndex int              `json:"market_index"`
	Trader      uuid.UUID        `json:"trader"`
	Amount      fixedpoint.Value `json:"amount"`
}

func (Withdrawal) Kind() Type { return TypeWithdrawal }

// LiquidityAdded records an LP deposit and the shares it minted.
type LiquidityAdded struct {
	LP           uuid.UUID        `json:"lp"`
	Cash         fixedpoint.Value `json:"cash"`
	SharesMinted fixedpoint.Value `json:"shares_minted"`
}

func (LiquidityAdded) Kind() Type { return TypeLiquidityAdded }

// LiquidityRemoved records an LP redemption.
type LiquidityRemoved struct {
	LP           uuid.UUID        `json:"lp"`
	SharesBurned fixedpoint.Value `json:"shares_burned"`
	CashReturned fixedpoint.Value `json:"cash_returned"`
}

func (LiquidityRemoved) Kind() Type { return TypeLiquidityRemoved }

// Donation records a top-up of the donated insurance fund.
type Donation struct {
	Donor  uuid.UUID        `json:"donor"`
	Amount fixedpoint.Value `json:"amount"`
}

func (Donation) Kind() Type { return TypeDonation }

// OperatorFeesClaimed records an operator fee payout.
type OperatorFeesClaimed struct {
	Operator uuid.UUID        `json:"operator"`
	Amount   fixedpoint.Value `json:"amount"`
}

func (OperatorFeesClaimed) Kind() Type { return TypeOperatorFeesClaimed }
