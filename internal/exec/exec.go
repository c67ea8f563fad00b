// Package exec orchestrates trades and liquidations end to end: quote via
// the AMM, mutate the trader's and the pool's margin accounts atomically,
// distribute fees and penalties, and enforce post-trade safety.
package exec

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpPool/internal/amm"
	"PerpPool/internal/errs"
	"PerpPool/internal/external"
	"PerpPool/internal/fixedpoint"
	"PerpPool/internal/margin"
	"PerpPool/internal/market"
	"PerpPool/internal/pool"
)

// TradeFlags modify trade execution.
type TradeFlags uint8

const (
	// FlagCloseOnly clamps the amount so the trade can only reduce the
	// trader's position.
	FlagCloseOnly TradeFlags = 1 << iota
	// FlagMarketOrder skips the limit-price check.
	FlagMarketOrder
	// FlagPartialFill accepts a fill smaller than requested when the AMM's
	// max position binds.
	FlagPartialFill
	// FlagUseTargetLeverage adjusts margin after the trade toward the
	// account's target leverage.
	FlagUseTargetLeverage
)

// TradeParams is a pre-validated order.
type TradeParams struct {
	MarketIndex int
	Trader      uuid.UUID
	Caller      uuid.UUID
	Amount      fixedpoint.Value
	LimitPrice  fixedpoint.Value
	Deadline    int64
	Referrer    uuid.UUID
	Flags       TradeFlags
}

// TradeReceipt describes an executed trade.
type TradeReceipt struct {
	ID             uuid.UUID
	MarketIndex    int
	Trader         uuid.UUID
	FilledAmount   fixedpoint.Value
	Price          fixedpoint.Value
	DeltaCash      fixedpoint.Value
	LPFee          fixedpoint.Value
	OperatorFee    fixedpoint.Value
	VaultFee       fixedpoint.Value
	ReferralRebate fixedpoint.Value
}

// TotalFee is the sum charged to the trader.
func (r TradeReceipt) TotalFee() fixedpoint.Value {
	return r.LPFee.Add(r.OperatorFee).Add(r.VaultFee).Add(r.ReferralRebate)
}

// Executor runs trades and liquidations against one pool.
type Executor struct {
	Pool *pool.Pool
	log  zerolog.Logger
}

// New builds an executor.
func New(p *pool.Pool, log zerolog.Logger) *Executor {
	return &Executor{Pool: p, log: log.With().Str("component", "exec").Logger()}
}

// txn snapshots every ledger an operation may touch so a failed check can
// restore them all. Funding accumulator advances are deliberately not
// rolled back; time has still passed.
type txn struct {
	pool    *pool.Pool
	market  *market.Market
	ids     []uuid.UUID
	saved   map[uuid.UUID]margin.Account
	tracked map[uuid.UUID]*margin.Account

	openInterest    fixedpoint.Value
	totalCollateral fixedpoint.Value
	poolCash        fixedpoint.Value
	insuranceFund   fixedpoint.Value
	donatedFund     fixedpoint.Value
	operatorFees    fixedpoint.Value
	vaultFees       fixedpoint.Value
}

func (e *Executor) begin(m *market.Market) *txn {
	return &txn{
		pool:            e.Pool,
		market:          m,
		saved:           make(map[uuid.UUID]margin.Account),
		tracked:         make(map[uuid.UUID]*margin.Account),
		openInterest:    m.OpenInterest,
		totalCollateral: m.TotalCollateral,
		poolCash:        e.Pool.PoolCash,
		insuranceFund:   e.Pool.InsuranceFund,
		donatedFund:     e.Pool.DonatedInsuranceFund,
		operatorFees:    e.Pool.OperatorFees,
		vaultFees:       e.Pool.VaultFees,
	}
}

func (t *txn) track(id uuid.UUID, a *margin.Account) {
	if _, ok := t.saved[id]; ok {
		return
	}
	t.ids = append(t.ids, id)
	t.saved[id] = *a
	t.tracked[id] = a
}

func (t *txn) rollback() {
	t.market.OpenInterest = t.openInterest
	t.market.TotalCollateral = t.totalCollateral
	t.pool.PoolCash = t.poolCash
	t.pool.InsuranceFund = t.insuranceFund
	t.pool.DonatedInsuranceFund = t.donatedFund
	t.pool.OperatorFees = t.operatorFees
	t.pool.VaultFees = t.vaultFees
	for _, id := range t.ids {
		*t.tracked[id] = t.saved[id]
		t.market.SyncActive(id)
	}
}

// Trade executes one order. The operation is all-or-nothing: every check
// runs against quotes and copies before the ledgers mutate.
func (e *Executor) Trade(params TradeParams, now int64) (TradeReceipt, error) {
	var receipt TradeReceipt
	err := e.Pool.Guard(func() (err error) {
		m, err := e.Pool.Market(params.MarketIndex)
		if err != nil {
			return err
		}
		if m.State != market.Normal {
			return fmt.Errorf("%w: trading requires NORMAL, market %d is %s", errs.ErrState, m.Index, m.State)
		}
		if params.Deadline > 0 && now > params.Deadline {
			return fmt.Errorf("%w: order deadline %d passed at %d", errs.ErrValidation, params.Deadline, now)
		}
		if params.Amount.IsZero() {
			return fmt.Errorf("%w: zero trade amount", errs.ErrValidation)
		}
		if !e.Pool.Access.IsAuthorized(params.Trader, params.Caller, external.PrivilegeTrade) {
			return fmt.Errorf("%w: caller not authorized to trade for trader", errs.ErrValidation)
		}
		if err := m.UpdateFundingState(now); err != nil {
			return err
		}

		account := m.EnsureAccount(params.Trader)
		tx := e.begin(m)
		tx.track(params.Trader, account)
		tx.track(m.PoolAccountID, m.PoolAccount())
		if params.Referrer != uuid.Nil {
			tx.track(params.Referrer, m.EnsureAccount(params.Referrer))
		}
		defer func() {
			if err != nil {
				tx.rollback()
			}
		}()

		amount := params.Amount
		if params.Flags&FlagCloseOnly != 0 {
			closePart, _ := margin.SplitDelta(account.Position, amount)
			if closePart.IsZero() {
				return fmt.Errorf("%w: close-only order does not reduce the position", errs.ErrValidation)
			}
			amount = closePart
		}

		ctx, err := e.Pool.AMMContext(m.Index)
		if err != nil {
			return err
		}
		quote, err := amm.QueryTrade(ctx, pool.AMMParams(m), amount, params.Flags&FlagPartialFill != 0)
		if err != nil {
			return err
		}
		price, err := quote.DeltaCash.Abs().DivRound(quote.DeltaPosition.Abs(), fixedpoint.Ceil)
		if err != nil {
			return err
		}
		if params.Flags&FlagMarketOrder == 0 {
			if err := checkLimitPrice(amount, price, params.LimitPrice); err != nil {
				return err
			}
		}

		fs, pp := m.Funding.FundingState, m.PenaltyParams()
		traderOI, err := margin.UpdateMargin(fs, pp, account, quote.DeltaPosition, quote.DeltaCash)
		if err != nil {
			return err
		}
		poolOI, err := margin.UpdateMargin(fs, pp, m.PoolAccount(), quote.DeltaPosition.Neg(), quote.DeltaCash.Neg())
		if err != nil {
			return err
		}
		m.OpenInterest = m.OpenInterest.Add(traderOI).Add(poolOI)

		if traderOI.Add(poolOI).Sign() > 0 {
			if err := e.checkOpenInterestCap(m); err != nil {
				return err
			}
		}

		opening := account.Position.Abs().Cmp(account.Position.Sub(quote.DeltaPosition).Abs()) > 0
		fees, err := e.chargeFees(m, account, params.Referrer, quote, opening)
		if err != nil {
			return err
		}

		if err := e.checkTraderSafety(m, account, opening); err != nil {
			return err
		}
		if params.Flags&FlagUseTargetLeverage != 0 && opening && account.TargetLeverage.Sign() > 0 {
			if err := e.adjustToTargetLeverage(m, account, params.Caller); err != nil {
				return err
			}
		}
		m.SyncActive(params.Trader)

		receipt = TradeReceipt{
			ID:             uuid.New(),
			MarketIndex:    m.Index,
			Trader:         params.Trader,
			FilledAmount:   quote.DeltaPosition,
			Price:          price,
			DeltaCash:      quote.DeltaCash,
			LPFee:          fees.lp,
			OperatorFee:    fees.operator,
			VaultFee:       fees.vault,
			ReferralRebate: fees.rebate,
		}
		e.log.Info().
			Int("market", m.Index).
			Stringer("trader", params.Trader).
			Str("amount", quote.DeltaPosition.String()).
			Str("price", price.String()).
			Msg("trade executed")
		return nil
	})
	return receipt, err
}

// checkLimitPrice rejects fills worse than the order's limit: buys above
// it, sells below it.
func checkLimitPrice(amount, price, limit fixedpoint.Value) error {
	if limit.Sign() <= 0 {
		return fmt.Errorf("%w: limit price must be positive", errs.ErrValidation)
	}
	if amount.Sign() > 0 && price.Cmp(limit) > 0 {
		return fmt.Errorf("%w: fill price %s above limit %s", errs.ErrSafety, price, limit)
	}
	if amount.Sign() < 0 && price.Cmp(limit) < 0 {
		return fmt.Errorf("%w: fill price %s below limit %s", errs.ErrSafety, price, limit)
	}
	return nil
}

// checkOpenInterestCap bounds the market's one-sided exposure by
// maxOpenInterestRate * poolMargin / index.
func (e *Executor) checkOpenInterestCap(m *market.Market) error {
	ctx, err := e.Pool.AMMContext(m.Index)
	if err != nil {
		return err
	}
	poolMargin, err := ctx.PoolMargin(m.Params.OpenSlippageFactor.Value)
	if err != nil {
		return err
	}
	cap, err := fixedpoint.FracRound(poolMargin, m.Params.MaxOpenInterestRate.Value, m.IndexPrice(), fixedpoint.Floor)
	if err != nil {
		return err
	}
	if m.OpenInterest.Cmp(cap) > 0 {
		return fmt.Errorf("%w: open interest %s exceeds cap %s", errs.ErrSafety, m.OpenInterest, cap)
	}
	return nil
}

type feeSplit struct {
	lp, operator, vault, rebate fixedpoint.Value
}

// chargeFees computes the LP/operator/vault fees on the trade value and
// debits the trader. Closing trades shrink fees proportionally so fees
// alone never drive available margin negative; an already-nonpositive
// available margin waives them entirely.
func (e *Executor) chargeFees(m *market.Market, account *margin.Account, referrer uuid.UUID, quote amm.Quote, opening bool) (feeSplit, error) {
	var out feeSplit
	value := quote.DeltaCash.Abs()
	lpFee, err := value.MulRound(m.Params.LPFeeRate.Value, fixedpoint.Floor)
	if err != nil {
		return out, err
	}
	operatorFee, err := value.MulRound(m.Params.OperatorFeeRate.Value, fixedpoint.Floor)
	if err != nil {
		return out, err
	}
	vaultFee, err := value.MulRound(e.Pool.Config.VaultFeeRate, fixedpoint.Floor)
	if err != nil {
		return out, err
	}
	total := lpFee.Add(operatorFee).Add(vaultFee)
	if total.IsZero() {
		return out, nil
	}

	if !opening {
		available, err := e.availableMargin(m, account)
		if err != nil {
			return out, err
		}
		switch {
		case available.Sign() <= 0:
			return out, nil
		case available.Cmp(total) < 0:
			lpFee, err = fixedpoint.FracRound(lpFee, available, total, fixedpoint.Floor)
			if err != nil {
				return out, err
			}
			operatorFee, err = fixedpoint.FracRound(operatorFee, available, total, fixedpoint.Floor)
			if err != nil {
				return out, err
			}
			vaultFee, err = fixedpoint.FracRound(vaultFee, available, total, fixedpoint.Floor)
			if err != nil {
				return out, err
			}
		}
	}

	var rebate fixedpoint.Value
	rebateRate := m.Params.ReferralRebateRate.Value
	if referrer != uuid.Nil && rebateRate.Sign() > 0 {
		lpCut, err := lpFee.MulRound(rebateRate, fixedpoint.Floor)
		if err != nil {
			return out, err
		}
		opCut, err := operatorFee.MulRound(rebateRate, fixedpoint.Floor)
		if err != nil {
			return out, err
		}
		rebate = lpCut.Add(opCut)
		lpFee = lpFee.Sub(lpCut)
		operatorFee = operatorFee.Sub(opCut)
		if rebate.Sign() > 0 {
			ra := m.EnsureAccount(referrer)
			ra.Cash = ra.Cash.Add(rebate)
			m.SyncActive(referrer)
		}
	}

	charged := lpFee.Add(operatorFee).Add(vaultFee).Add(rebate)
	account.Cash = account.Cash.Sub(charged)
	m.PoolAccount().Cash = m.PoolAccount().Cash.Add(lpFee)
	e.Pool.AccrueFees(operatorFee, vaultFee)

	out = feeSplit{lp: lpFee, operator: operatorFee, vault: vaultFee, rebate: rebate}
	return out, nil
}

// availableMargin is margin minus the initial-margin reservation.
func (e *Executor) availableMargin(m *market.Market, account *margin.Account) (fixedpoint.Value, error) {
	mgn, err := margin.Margin(m.Funding.FundingState, m.PenaltyParams(), account, m.MarkPrice())
	if err != nil {
		return fixedpoint.Zero, err
	}
	im, err := margin.InitialMargin(account, m.MarkPrice(), m.Params.InitialMarginRate.Value)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return mgn.Sub(im), nil
}

// checkTraderSafety enforces the post-trade requirement: maintenance-safe
// when the trade opened exposure, margin-safe when it closed.
func (e *Executor) checkTraderSafety(m *market.Market, account *margin.Account, opening bool) error {
	fs, pp := m.Funding.FundingState, m.PenaltyParams()
	reward := m.Params.KeeperGasReward.Value
	if opening {
		safe, err := margin.IsMaintenanceMarginSafe(fs, pp, account, m.MarkPrice(), m.Params.MaintenanceMarginRate.Value, reward)
		if err != nil {
			return err
		}
		if !safe {
			return fmt.Errorf("%w: trader maintenance-margin unsafe after opening", errs.ErrSafety)
		}
		return nil
	}
	safe, err := margin.IsMarginSafe(fs, pp, account, m.MarkPrice(), reward)
	if err != nil {
		return err
	}
	if !safe {
		return fmt.Errorf("%w: trader margin unsafe after closing", errs.ErrSafety)
	}
	return nil
}

// adjustToTargetLeverage tops up or trims the trader's cash so the
// position's effective leverage lands on the account's target. Top-ups
// pull collateral from the caller; trims pay out only what keeps the
// account initial-margin safe.
func (e *Executor) adjustToTargetLeverage(m *market.Market, account *margin.Account, caller uuid.UUID) error {
	if account.Position.IsZero() {
		return nil
	}
	notional, err := account.Position.Abs().Mul(m.MarkPrice())
	if err != nil {
		return err
	}
	required, err := notional.DivRound(account.TargetLeverage, fixedpoint.Ceil)
	if err != nil {
		return err
	}
	current, err := margin.Margin(m.Funding.FundingState, m.PenaltyParams(), account, m.MarkPrice())
	if err != nil {
		return err
	}
	gap := required.Sub(current)
	switch {
	case gap.Sign() > 0:
		pulled, err := e.Pool.Scaler.RoundIn(gap)
		if err != nil {
			return err
		}
		moved, err := e.Pool.Collateral.TransferIn(caller, pulled)
		if err != nil {
			return err
		}
		if !moved.Equal(pulled) {
			return fmt.Errorf("%w: transfer moved %s, expected %s", errs.ErrValidation, moved, pulled)
		}
		account.Cash = account.Cash.Add(pulled)
		m.TotalCollateral = m.TotalCollateral.Add(pulled)
	case gap.Sign() < 0:
		out, err := e.Pool.Scaler.RoundOut(gap.Neg())
		if err != nil {
			return err
		}
		if out.Sign() <= 0 {
			return nil
		}
		account.Cash = account.Cash.Sub(out)
		safe, err := margin.IsInitialMarginSafe(m.Funding.FundingState, m.PenaltyParams(), account, m.MarkPrice(),
			m.Params.InitialMarginRate.Value, m.Params.KeeperGasReward.Value)
		if err == nil && !safe {
			err = fmt.Errorf("%w: target-leverage withdrawal leaves the account unsafe", errs.ErrSafety)
		}
		if err != nil {
			account.Cash = account.Cash.Add(out)
			return err
		}
		moved, err := e.Pool.Collateral.TransferOut(caller, out)
		if err != nil {
			account.Cash = account.Cash.Add(out)
			return err
		}
		if !moved.Equal(out) {
			account.Cash = account.Cash.Add(out)
			return fmt.Errorf("%w: transfer moved %s, expected %s", errs.ErrValidation, moved, out)
		}
		m.TotalCollateral = m.TotalCollateral.Sub(out)
	}
	return nil
}
