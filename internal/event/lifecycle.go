package event

import (
	"github.com/google/uuid"

	"PerpPool/internal/fixedpoint"
)

// MarketStateChanged records a lifecycle transition.
type MarketStateChanged struct {
	MarketIndex     int               `json:"market_index"`
	From            string            `json:"from"`
	To              string            `json:"to"`
	SettlementPrice *fixedpoint.Value `json:"settlement_price,omitempty"`
}

func (MarketStateChanged) Kind() Type { return TypeMarketStateChanged }

// AccountCleared records one account drained by a clearing sweep.
type AccountCleared struct {
	MarketIndex int       `json:"market_index"`
	Trader      uuid.UUID `json:"trader"`
}

func (AccountCleared) Kind() Type { return TypeAccountCleared }

// AccountSettled records a post-clearing payout.
type AccountSettled struct {
	MarketIndex int              `json:"market_index"`
	Trader      uuid.UUID        `json:"trader"`
	Amount      fixedpoint.Value `json:"amount"`
}

func (AccountSettled) Kind() Type { return TypeAccountSettled }
