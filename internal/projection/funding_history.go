// Package projection keeps in-memory read models derived from engine
// activity. The funding history feeds the query side; it is rebuilt
// from scratch on restart and deliberately bounded.
package projection

import (
	"sync"

	"PerpPool/internal/fixedpoint"
)

// maxEntriesPerMarket bounds memory per market. At one funding update
// per 8h interval this covers well over a year.
const maxEntriesPerMarket = 2048

// FundingEntry is one recorded funding observation for a market.
type FundingEntry struct {
	MarketIndex             int
	FundingRate             fixedpoint.Value
	UnitAccumulativeFunding fixedpoint.Value
	Timestamp               int64
}

// FundingHistory maintains a bounded per-market funding-rate history.
// Safe for concurrent use.
type FundingHistory struct {
	mu      sync.RWMutex
	entries map[int][]FundingEntry
}

func NewFundingHistory() *FundingHistory {
	return &FundingHistory{
		entries: make(map[int][]FundingEntry),
	}
}

// AddEntry records a funding observation, evicting the oldest entry
// once the per-market bound is reached.
func (h *FundingHistory) AddEntry(entry FundingEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.entries[entry.MarketIndex]
	if len(list) >= maxEntriesPerMarket {
		list = list[1:]
	}
	h.entries[entry.MarketIndex] = append(list, entry)
}

// QueryByMarket returns up to limit observations for a market, newest
// first.
func (h *FundingHistory) QueryByMarket(marketIndex, limit int) []FundingEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := h.entries[marketIndex]
	result := make([]FundingEntry, 0, limit)
	for i := len(list) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, list[i])
	}
	return result
}

// Len reports the number of stored observations for a market.
func (h *FundingHistory) Len(marketIndex int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries[marketIndex])
}
