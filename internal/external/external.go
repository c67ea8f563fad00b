// Package external declares the collaborators the engine treats as
// outside its trust boundary: price oracles, the collateral token ledger,
// the LP share token and access control. The engine depends only on these
// interfaces; in-memory implementations back the default shell and tests.
package external

import (
	"github.com/google/uuid"

	"PerpPool/internal/fixedpoint"
)

// Oracle supplies the price series of one market.
type Oracle interface {
	// MarkPrice returns the settlement-grade price and its observation time.
	MarkPrice() (fixedpoint.Value, int64, error)
	// IndexPrice returns the trading index and its observation time.
	IndexPrice() (fixedpoint.Value, int64, error)
	// IsMarketClosed reports a temporary halt; trading is rejected.
	IsMarketClosed() bool
	// IsTerminated reports a permanent stop; the owning market must move
	// to EMERGENCY.
	IsTerminated() bool
}

// CollateralToken moves collateral between the pool and its users. The
// implementation must report the amount actually moved so the pool can
// reject fee-on-transfer shortfalls.
type CollateralToken interface {
	TransferIn(account uuid.UUID, amount fixedpoint.Value) (fixedpoint.Value, error)
	TransferOut(account uuid.UUID, amount fixedpoint.Value) (fixedpoint.Value, error)
	BalanceOf(account uuid.UUID) (fixedpoint.Value, error)
}

// ShareToken is the single source of truth for LP ownership fractions.
type ShareToken interface {
	TotalSupply() (fixedpoint.Value, error)
	Mint(account uuid.UUID, amount fixedpoint.Value) error
	Burn(account uuid.UUID, amount fixedpoint.Value) error
	BalanceOf(account uuid.UUID) (fixedpoint.Value, error)
}

// Privilege is a bitmask of actions a caller may perform on behalf of
// another account.
type Privilege uint8

const (
	PrivilegeDeposit Privilege = 1 << iota
	PrivilegeWithdraw
	PrivilegeTrade
	PrivilegeLiquidate
)

// AccessControl gates operations performed for someone else.
type AccessControl interface {
	IsAuthorized(owner, caller uuid.UUID, required Privilege) bool
}
