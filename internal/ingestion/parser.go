package ingestion

import (
	"encoding/json"
	"fmt"

	"PerpPool/internal/fixedpoint"
)

// PriceUpdate is one oracle reading off the feed. Prices are decimal
// strings on the wire; a missing mark price falls back to the index.
// Closed marks a temporary trading halt at the source; Terminated marks
// a permanent stop, after which the owning market settles.
type PriceUpdate struct {
	OracleID   string
	IndexPrice fixedpoint.Value
	MarkPrice  fixedpoint.Value
	Timestamp  int64
	Closed     bool
	Terminated bool
}

type priceUpdateJSON struct {
	OracleID   string `json:"oracle_id"`
	IndexPrice string `json:"index_price"`
	MarkPrice  string `json:"mark_price,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Closed     bool   `json:"closed,omitempty"`
	Terminated bool   `json:"terminated,omitempty"`
}

// ParsePriceUpdate validates and converts a raw feed message.
func ParsePriceUpdate(data []byte) (PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price update: %w", err)
	}
	if j.OracleID == "" {
		return PriceUpdate{}, fmt.Errorf("parse price update: missing oracle_id")
	}
	if j.Timestamp <= 0 {
		return PriceUpdate{}, fmt.Errorf("parse price update: missing timestamp")
	}

	index, err := fixedpoint.FromDecimal(j.IndexPrice)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("parse index_price: %w", err)
	}
	if index.Sign() <= 0 {
		return PriceUpdate{}, fmt.Errorf("parse index_price: must be positive, got %s", index)
	}

	mark := index
	if j.MarkPrice != "" {
		mark, err = fixedpoint.FromDecimal(j.MarkPrice)
		if err != nil {
			return PriceUpdate{}, fmt.Errorf("parse mark_price: %w", err)
		}
		if mark.Sign() <= 0 {
			return PriceUpdate{}, fmt.Errorf("parse mark_price: must be positive, got %s", mark)
		}
	}

	return PriceUpdate{
		OracleID:   j.OracleID,
		IndexPrice: index,
		MarkPrice:  mark,
		Timestamp:  j.Timestamp,
		Closed:     j.Closed,
		Terminated: j.Terminated,
	}, nil
}
