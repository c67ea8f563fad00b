// Package event defines the records emitted after every successful
// mutating operation: typed payloads, the envelope that carries them on
// the operation log and the outbound NATS stream, and the subject tokens
// downstream consumers filter on.
package event

import (
	"encoding/json"
	"time"
)

// Type discriminates payloads on the operation log and the outbound stream.
type Type int32

const (
	TypeUnknown Type = iota
	TypeTradeExecuted
	TypeLiquidationExecuted
	TypeDeposit
	TypeWithdrawal
	TypeLiquidityAdded
	TypeLiquidityRemoved
	TypeDonation
	TypeOperatorFeesClaimed
	TypePriceUpdated
	TypeFundingUpdated
	TypeMarketStateChanged
	TypeAccountCleared
	TypeAccountSettled
)

// String returns the subject token for the type. Tokens are NATS-safe
// (no dots, no wildcards) and double as the event_type column value.
func (t Type) String() string {
	switch t {
	case TypeTradeExecuted:
		return "trade_executed"
	case TypeLiquidationExecuted:
		return "liquidation_executed"
	case TypeDeposit:
		return "deposit"
	case TypeWithdrawal:
		return "withdrawal"
	case TypeLiquidityAdded:
		return "liquidity_added"
	case TypeLiquidityRemoved:
		return "liquidity_removed"
	case TypeDonation:
		return "donation"
	case TypeOperatorFeesClaimed:
		return "operator_fees_claimed"
	case TypePriceUpdated:
		return "price_updated"
	case TypeFundingUpdated:
		return "funding_updated"
	case TypeMarketStateChanged:
		return "market_state_changed"
	case TypeAccountCleared:
		return "account_cleared"
	case TypeAccountSettled:
		return "account_settled"
	default:
		return "unknown"
	}
}

// TypeFromString maps a subject token back to its Type. Unrecognized
// tokens map to TypeUnknown.
func TypeFromString(s string) Type {
	for t := TypeTradeExecuted; t <= TypeAccountSettled; t++ {
		if t.String() == s {
			return t
		}
	}
	return TypeUnknown
}

// Payload is implemented by every event body.
type Payload interface {
	Kind() Type
}

// PoolScope marks events that belong to no single market.
const PoolScope = -1

// Envelope wraps one recorded operation. Sequence is assigned by the
// recorder and is strictly monotonic across all markets.
type Envelope struct {
	Sequence    int64           `json:"sequence"`
	Type        Type            `json:"type"`
	MarketIndex int             `json:"market_index"` // PoolScope for pool-level events
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

// Wrap marshals a payload into an envelope.
func Wrap(sequence int64, marketIndex int, ts time.Time, p Payload) (Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Sequence:    sequence,
		Type:        p.Kind(),
		MarketIndex: marketIndex,
		Timestamp:   ts,
		Payload:     data,
	}, nil
}
