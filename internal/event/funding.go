package event

import (
	"PerpPool/internal/fixedpoint"
)

// PriceUpdated records an accepted oracle reading.
type PriceUpdated struct {
	MarketIndex int              `json:"market_index"`
	Symbol      string           `json:"symbol"`
	IndexPrice  fixedpoint.Value `json:"index_price"`
	MarkPrice   fixedpoint.Value `json:"mark_price"`
	Timestamp   int64            `json:"timestamp"`
}

func (PriceUpdated) Kind() Type { return TypePriceUpdated }

// FundingUpdated records a funding accrual tick and the recomputed rate.
type FundingUpdated struct {
	MarketIndex             int              `json:"market_index"`
	FundingRate             fixedpoint.Value `json:"funding_rate"`
	UnitAccumulativeFunding fixedpoint.Value `json:"unit_accumulative_funding"`
	LongFunding             fixedpoint.Value `json:"long_funding"`
	ShortFunding            fixedpoint.Value `json:"short_funding"`
	Timestamp               int64            `json:"timestamp"`
}

func (FundingUpdated) Kind() Type { return TypeFundingUpdated }
