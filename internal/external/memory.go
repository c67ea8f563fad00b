package external

import (
	"fmt"

	"github.com/google/uuid"

	"PerpPool/internal/errs"
	"PerpPool/internal/fixedpoint"
)

// MemoryOracle is a manually-driven Oracle for the in-process shell and
// tests.
type MemoryOracle struct {
	Mark       fixedpoint.Value
	Index      fixedpoint.Value
	Timestamp  int64
	Closed     bool
	Terminated bool
}

func (o *MemoryOracle) MarkPrice() (fixedpoint.Value, int64, error) {
	return o.Mark, o.Timestamp, nil
}

func (o *MemoryOracle) IndexPrice() (fixedpoint.Value, int64, error) {
	return o.Index, o.Timestamp, nil
}

func (o *MemoryOracle) IsMarketClosed() bool { return o.Closed }
func (o *MemoryOracle) IsTerminated() bool   { return o.Terminated }

// SetPrice updates both series at once.
func (o *MemoryOracle) SetPrice(price fixedpoint.Value, timestamp int64) {
	o.Mark = price
	o.Index = price
	o.Timestamp = timestamp
}

// MemoryToken is an in-process token ledger implementing both
// CollateralToken and ShareToken. Balances start at zero; TransferIn fails
// on insufficient balance like a real token would.
type MemoryToken struct {
	balances map[uuid.UUID]fixedpoint.Value
	supply   fixedpoint.Value
}

func NewMemoryToken() *MemoryToken {
	return &MemoryToken{balances: make(map[uuid.UUID]fixedpoint.Value)}
}

// Credit funds an account out of thin air (test setup only).
func (t *MemoryToken) Credit(account uuid.UUID, amount fixedpoint.Value) {
	t.balances[account] = t.balances[account].Add(amount)
	t.supply = t.supply.Add(amount)
}

func (t *MemoryToken) BalanceOf(account uuid.UUID) (fixedpoint.Value, error) {
	return t.balances[account], nil
}

func (t *MemoryToken) TotalSupply() (fixedpoint.Value, error) {
	return t.supply, nil
}

func (t *MemoryToken) TransferIn(account uuid.UUID, amount fixedpoint.Value) (fixedpoint.Value, error) {
	if amount.Sign() < 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: negative transfer", errs.ErrValidation)
	}
	bal := t.balances[account]
	if bal.Cmp(amount) < 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: balance %s below transfer %s", errs.ErrLiquidity, bal, amount)
	}
	t.balances[account] = bal.Sub(amount)
	return amount, nil
}

func (t *MemoryToken) TransferOut(account uuid.UUID, amount fixedpoint.Value) (fixedpoint.Value, error) {
	if amount.Sign() < 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: negative transfer", errs.ErrValidation)
	}
	t.balances[account] = t.balances[account].Add(amount)
	return amount, nil
}

func (t *MemoryToken) Mint(account uuid.UUID, amount fixedpoint.Value) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative mint", errs.ErrValidation)
	}
	t.balances[account] = t.balances[account].Add(amount)
	t.supply = t.supply.Add(amount)
	return nil
}

func (t *MemoryToken) Burn(account uuid.UUID, amount fixedpoint.Value) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative burn", errs.ErrValidation)
	}
	bal := t.balances[account]
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: burn %s exceeds balance %s", errs.ErrLiquidity, amount, bal)
	}
	t.balances[account] = bal.Sub(amount)
	t.supply = t.supply.Sub(amount)
	return nil
}

// AllowAll authorizes everything; the default when no access-control
// integration is configured.
type AllowAll struct{}

func (AllowAll) IsAuthorized(owner, caller uuid.UUID, required Privilege) bool { return true }

// SelfOnly authorizes only the owner acting for themselves.
type SelfOnly struct{}

func (SelfOnly) IsAuthorized(owner, caller uuid.UUID, required Privilege) bool {
	return owner == caller
}
