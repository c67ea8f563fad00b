package market

import (
	"github.com/google/uuid"

	"PerpPool/internal/margin"
)

// PriceCache returns the raw cached index and mark readings, bypassing
// the settlement-price redirect. Snapshot capture only.
func (m *Market) PriceCache() (index, mark PriceEntry) {
	return m.indexPrice, m.markPrice
}

// SettlementEntry returns the frozen settlement reading.
func (m *Market) SettlementEntry() PriceEntry { return m.settlementPrice }

// AccountIDs lists every margin record, the reserved AMM account
// included. Cleared accounts that still await settlement are in the
// map but not in the active set, so capture walks the map.
func (m *Market) AccountIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m.accounts))
	for id := range m.accounts {
		out = append(out, id)
	}
	return out
}

// ClearProgress reports how many accounts the clearing sweep has drained.
func (m *Market) ClearProgress() int { return m.clearProgress }

// RestorePriceCache overwrites the cached readings without the staleness
// check. Snapshot restore only.
func (m *Market) RestorePriceCache(index, mark PriceEntry) {
	m.indexPrice = index
	m.markPrice = mark
}

// RestoreLifecycle forces the state, settlement price and clearing
// progress without transition checks. Snapshot restore only.
func (m *Market) RestoreLifecycle(s State, settlement PriceEntry, clearProgress int) {
	m.State = s
	m.settlementPrice = settlement
	m.clearProgress = clearProgress
}

// RestorePoolAccountID re-keys the reserved AMM account. Snapshot
// restore only; call before restoring account records.
func (m *Market) RestorePoolAccountID(id uuid.UUID) {
	if id == m.PoolAccountID {
		return
	}
	delete(m.accounts, m.PoolAccountID)
	m.PoolAccountID = id
	m.accounts[id] = &margin.Account{}
}

// RestoreActive overwrites the active registry. Snapshot restore only:
// membership cannot be rederived from account records once a clearing
// sweep has started.
func (m *Market) RestoreActive(traders []uuid.UUID) {
	m.active = NewActiveSet()
	for _, t := range traders {
		m.active.Add(t)
	}
}
