package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"PerpPool/internal/errs"
	"PerpPool/internal/event"
	"PerpPool/internal/exec"
	"PerpPool/internal/fixedpoint"
)

// Successful mutations respond with the same payload they record on the
// operation log, so API clients and stream consumers see one shape.

type errorResponse struct {
	Error string `json:"error"`
}

// ============================================================================
// Trading
// ============================================================================

type tradeRequest struct {
	MarketIndex       int    `json:"market_index"`
	Trader            string `json:"trader"`
	Caller            string `json:"caller,omitempty"`
	Amount            string `json:"amount"`
	LimitPrice        string `json:"limit_price"`
	Deadline          int64  `json:"deadline"`
	Referrer          string `json:"referrer,omitempty"`
	CloseOnly         bool   `json:"close_only,omitempty"`
	MarketOrder       bool   `json:"market_order,omitempty"`
	PartialFill       bool   `json:"partial_fill,omitempty"`
	UseTargetLeverage bool   `json:"use_target_leverage,omitempty"`
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req tradeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	trader, err := parseID("trader", req.Trader)
	if err != nil {
		s.writeError(w, err)
		return
	}
	caller, err := parseOptionalID("caller", req.Caller, trader)
	if err != nil {
		s.writeError(w, err)
		return
	}
	referrer, err := parseOptionalID("referrer", req.Referrer, uuid.Nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := parseAmount("limit_price", req.LimitPrice)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var flags exec.TradeFlags
	if req.CloseOnly {
		flags |= exec.FlagCloseOnly
	}
	if req.MarketOrder {
		flags |= exec.FlagMarketOrder
	}
	if req.PartialFill {
		flags |= exec.FlagPartialFill
	}
	if req.UseTargetLeverage {
		flags |= exec.FlagUseTargetLeverage
	}

	params := exec.TradeParams{
		MarketIndex: req.MarketIndex,
		Trader:      trader,
		Caller:      caller,
		Amount:      amount,
		LimitPrice:  limit,
		Deadline:    req.Deadline,
		Referrer:    referrer,
		Flags:       flags,
	}

	now := time.Now()
	var payload event.TradeExecuted
	err = s.mutate("trade", func() error {
		receipt, err := s.exec.Trade(params, now.Unix())
		if err != nil {
			return err
		}
		payload = event.TradeExecuted{
			ID:             receipt.ID,
			MarketIndex:    receipt.MarketIndex,
			Trader:         receipt.Trader,
			FilledAmount:   receipt.FilledAmount,
			Price:          receipt.Price,
			DeltaCash:      receipt.DeltaCash,
			LPFee:          receipt.LPFee,
			OperatorFee:    receipt.OperatorFee,
			VaultFee:       receipt.VaultFee,
			ReferralRebate: receipt.ReferralRebate,
		}
		s.rec.Record(receipt.MarketIndex, now, payload)
		if m, merr := s.pool.Market(receipt.MarketIndex); merr == nil {
			s.metrics.TradesExecuted.WithLabelValues(m.Symbol).Inc()
			if notional, nerr := receipt.FilledAmount.Abs().Mul(receipt.Price); nerr == nil {
				s.metrics.TradeNotional.WithLabelValues(m.Symbol).Add(gaugeValue(notional))
			}
			s.metrics.OpenInterest.WithLabelValues(m.Symbol).Set(gaugeValue(m.OpenInterest))
		}
		s.updatePoolGauges()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// ============================================================================
// Liquidation
// ============================================================================

type liquidateAMMRequest struct {
	MarketIndex int    `json:"market_index"`
	Keeper      string `json:"keeper"`
	Trader      string `json:"trader"`
	Deadline    int64  `json:"deadline"`
}

func (s *Server) handleLiquidateByAMM(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req liquidateAMMRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	keeper, err := parseID("keeper", req.Keeper)
	if err != nil {
		s.writeError(w, err)
		return
	}
	trader, err := parseID("trader", req.Trader)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	var payload event.LiquidationExecuted
	err = s.mutate("liquidate_amm", func() error {
		receipt, err := s.exec.LiquidateByAMM(req.MarketIndex, keeper, trader, req.Deadline, now.Unix())
		if err != nil {
			return err
		}
		payload = liquidationPayload(receipt, nil)
		s.rec.Record(receipt.MarketIndex, now, payload)
		s.observeLiquidation(receipt, "amm")
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type liquidateTraderRequest struct {
	MarketIndex int    `json:"market_index"`
	Liquidator  string `json:"liquidator"`
	Caller      string `json:"caller,omitempty"`
	Trader      string `json:"trader"`
	Amount      string `json:"amount"`
	LimitPrice  string `json:"limit_price"`
	Deadline    int64  `json:"deadline"`
}

func (s *Server) handleLiquidateByTrader(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req liquidateTraderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	liquidator, err := parseID("liquidator", req.Liquidator)
	if err != nil {
		s.writeError(w, err)
		return
	}
	caller, err := parseOptionalID("caller", req.Caller, liquidator)
	if err != nil {
		s.writeError(w, err)
		return
	}
	trader, err := parseID("trader", req.Trader)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := parseAmount("limit_price", req.LimitPrice)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	var payload event.LiquidationExecuted
	err = s.mutate("liquidate_trader", func() error {
		receipt, err := s.exec.LiquidateByTrader(req.MarketIndex, liquidator, caller, trader, amount, limit, req.Deadline, now.Unix())
		if err != nil {
			return err
		}
		payload = liquidationPayload(receipt, &liquidator)
		s.rec.Record(receipt.MarketIndex, now, payload)
		s.observeLiquidation(receipt, "trader")
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func liquidationPayload(receipt exec.LiquidationReceipt, liquidator *uuid.UUID) event.LiquidationExecuted {
	return event.LiquidationExecuted{
		ID:                  receipt.ID,
		MarketIndex:         receipt.MarketIndex,
		Trader:              receipt.Trader,
		Liquidator:          liquidator,
		FilledAmount:        receipt.FilledAmount,
		Price:               receipt.Price,
		Penalty:             receipt.Penalty,
		PenaltyToFund:       receipt.PenaltyToFund,
		PenaltyToLiquidator: receipt.PenaltyToLiquidator,
		KeeperGasReward:     receipt.KeeperGasReward,
	}
}

func (s *Server) observeLiquidation(receipt exec.LiquidationReceipt, taker string) {
	if m, err := s.pool.Market(receipt.MarketIndex); err == nil {
		s.metrics.LiquidationsExecuted.WithLabelValues(m.Symbol, taker).Inc()
		s.metrics.LiquidationPenalty.WithLabelValues(m.Symbol).Add(gaugeValue(receipt.Penalty))
		s.metrics.OpenInterest.WithLabelValues(m.Symbol).Set(gaugeValue(m.OpenInterest))
	}
	s.updatePoolGauges()
}

// ============================================================================
// Margin collateral
// ============================================================================

type marginRequest struct {
	MarketIndex int    `json:"market_index"`
	Trader      string `json:"trader"`
	Caller      string `json:"caller,omitempty"`
	Amount      string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.handleMarginMove(w, r, "deposit")
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.handleMarginMove(w, r, "withdraw")
}

func (s *Server) handleMarginMove(w http.ResponseWriter, r *http.Request, op string) {
	var req marginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	trader, err := parseID("trader", req.Trader)
	if err != nil {
		s.writeError(w, err)
		return
	}
	caller, err := parseOptionalID("caller", req.Caller, trader)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	var payload event.Payload
	err = s.mutate(op, func() error {
		if op == "deposit" {
			if err := s.pool.Deposit(req.MarketIndex, trader, caller, amount, now.Unix()); err != nil {
				return err
			}
			payload = event.Deposit{MarketIndex: req.MarketIndex, Trader: trader, Amount: amount}
		} else {
			if err := s.pool.Withdraw(req.MarketIndex, trader, caller, amount, now.Unix()); err != nil {
				return err
			}
			payload = event.Withdrawal{MarketIndex: req.MarketIndex, Trader: trader, Amount: amount}
		}
		s.rec.Record(req.MarketIndex, now, payload)
		s.updatePoolGauges()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// ============================================================================
// Liquidity
// ============================================================================

type addLiquidityRequest struct {
	LP   string `json:"lp"`
	Cash string `json:"cash"`
}

func (s *Server) handleAddLiquidity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req addLiquidityRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	lp, err := parseID("lp", req.LP)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cash, err := parseAmount("cash", req.Cash)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	var payload event.LiquidityAdded
	err = s.mutate("add_liquidity", func() error {
		minted, err := s.pool.AddLiquidity(lp, cash)
		if err != nil {
			return err
		}
		payload = event.LiquidityAdded{LP: lp, Cash: cash, SharesMinted: minted}
		s.rec.Record(event.PoolScope, now, payload)
		s.updatePoolGauges()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type removeLiquidityRequest struct {
	LP     string `json:"lp"`
	Shares string `json:"shares,omitempty"`
	Cash   string `json:"cash,omitempty"`
}

func (s *Server) handleRemoveLiquidity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req removeLiquidityRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	lp, err := parseID("lp", req.LP)
	if err != nil {
		s.writeError(w, err)
		return
	}
	shares, err := parseOptionalAmount("shares", req.Shares)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cash, err := parseOptionalAmount("cash", req.Cash)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	var payload event.LiquidityRemoved
	err = s.mutate("remove_liquidity", func() error {
		supplyBefore, err := s.pool.Shares.TotalSupply()
		if err != nil {
			return err
		}
		returned, err := s.pool.RemoveLiquidity(lp, shares, cash)
		if err != nil {
			return err
		}
		supplyAfter, err := s.pool.Shares.TotalSupply()
		if err != nil {
			return err
		}
		payload = event.LiquidityRemoved{
			LP:           lp,
			SharesBurned: supplyBefore.Sub(supplyAfter),
			CashReturned: returned,
		}
		s.rec.Record(event.PoolScope, now, payload)
		s.updatePoolGauges()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// ============================================================================
// Funds and fees
// ============================================================================

type donateRequest struct {
	Donor  string `json:"donor"`
	Amount string `json:"amount"`
}

func (s *Server) handleDonate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req donateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	donor, err := parseID("donor", req.Donor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	payload := event.Donation{Donor: donor, Amount: amount}
	err = s.mutate("donate", func() error {
		if err := s.pool.Donate(donor, amount); err != nil {
			return err
		}
		s.rec.Record(event.PoolScope, now, payload)
		s.updatePoolGauges()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type claimFeesRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleClaimOperatorFees(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req claimFeesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	caller, err := parseID("caller", req.Caller)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	var payload event.OperatorFeesClaimed
	err = s.mutate("claim_operator_fees", func() error {
		paid, err := s.pool.ClaimOperatorFees(caller)
		if err != nil {
			return err
		}
		payload = event.OperatorFeesClaimed{Operator: caller, Amount: paid}
		s.rec.Record(event.PoolScope, now, payload)
		s.updatePoolGauges()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// ============================================================================
// Lifecycle
// ============================================================================

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleRunMarket(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	index, err := parseIndex(pathParams)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req callerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	caller, err := parseID("caller", req.Caller)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	var payload event.MarketStateChanged
	err = s.mutate("run_market", func() error {
		m, err := s.pool.Market(index)
		if err != nil {
			return err
		}
		from := m.State.String()
		if err := s.pool.RunMarket(index, caller); err != nil {
			return err
		}
		payload = event.MarketStateChanged{MarketIndex: index, From: from, To: m.State.String()}
		s.rec.Record(index, now, payload)
		s.metrics.MarketState.WithLabelValues(m.Symbol).Set(float64(m.State))
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type emergencyRequest struct {
	SettlementPrice string `json:"settlement_price"`
}

func (s *Server) handleSetEmergency(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	index, err := parseIndex(pathParams)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req emergencyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	price, err := parseAmount("settlement_price", req.SettlementPrice)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	var payload event.MarketStateChanged
	err = s.mutate("set_emergency", func() error {
		m, err := s.pool.Market(index)
		if err != nil {
			return err
		}
		from := m.State.String()
		if err := s.pool.SetEmergencyState(index, price, now.Unix()); err != nil {
			return err
		}
		payload = event.MarketStateChanged{
			MarketIndex:     index,
			From:            from,
			To:              m.State.String(),
			SettlementPrice: &price,
		}
		s.rec.Record(index, now, payload)
		s.metrics.MarketState.WithLabelValues(m.Symbol).Set(float64(m.State))
		s.updatePoolGauges()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSetAllEmergency(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	now := time.Now()
	var payloads []event.MarketStateChanged
	err := s.mutate("set_all_emergency", func() error {
		before := make(map[int]string, len(s.pool.Markets))
		for _, m := range s.pool.Markets {
			before[m.Index] = m.State.String()
		}
		if err := s.pool.SetAllMarketsEmergency(now.Unix()); err != nil {
			return err
		}
		for _, m := range s.pool.Markets {
			to := m.State.String()
			if from := before[m.Index]; from != to {
				settlement := m.SettlementPrice()
				payload := event.MarketStateChanged{
					MarketIndex:     m.Index,
					From:            from,
					To:              to,
					SettlementPrice: &settlement,
				}
				payloads = append(payloads, payload)
				s.rec.Record(m.Index, now, payload)
				s.metrics.MarketState.WithLabelValues(m.Symbol).Set(float64(m.State))
			}
		}
		s.updatePoolGauges()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payloads)
}

type clearRequest struct {
	Keeper string `json:"keeper"`
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	index, err := parseIndex(pathParams)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	keeper, err := parseID("keeper", req.Keeper)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	var payload event.AccountCleared
	err = s.mutate("clear", func() error {
		m, err := s.pool.Market(index)
		if err != nil {
			return err
		}
		from := m.State.String()
		cleared, err := s.pool.Clear(index, keeper)
		if err != nil {
			return err
		}
		payload = event.AccountCleared{MarketIndex: index, Trader: cleared}
		s.rec.Record(index, now, payload)
		if to := m.State.String(); to != from {
			s.rec.Record(index, now, event.MarketStateChanged{MarketIndex: index, From: from, To: to})
			s.metrics.MarketState.WithLabelValues(m.Symbol).Set(float64(m.State))
		}
		s.updatePoolGauges()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type settleRequest struct {
	Trader string `json:"trader"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	index, err := parseIndex(pathParams)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req settleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	trader, err := parseID("trader", req.Trader)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	var payload event.AccountSettled
	err = s.mutate("settle", func() error {
		paid, err := s.pool.Settle(index, trader)
		if err != nil {
			return err
		}
		payload = event.AccountSettled{MarketIndex: index, Trader: trader, Amount: paid}
		s.rec.Record(index, now, payload)
		s.updatePoolGauges()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// ============================================================================
// Reads
// ============================================================================

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.readQuery("pool", w, func() (interface{}, error) {
		return s.query.PoolStatus()
	})
}

func (s *Server) handleMarketInfo(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	index, err := parseIndex(pathParams)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.readQuery("market", w, func() (interface{}, error) {
		return s.query.MarketInfo(index)
	})
}

func (s *Server) handleAccountInfo(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	index, err := parseIndex(pathParams)
	if err != nil {
		s.writeError(w, err)
		return
	}
	trader, err := parseID("trader", pathParams["trader"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.readQuery("account", w, func() (interface{}, error) {
		return s.query.AccountInfo(index, trader)
	})
}

func (s *Server) handleFundingHistory(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	index, err := parseIndex(pathParams)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 500 {
			s.writeError(w, fmt.Errorf("%w: limit must be 1..500", errs.ErrValidation))
			return
		}
	}
	s.readQuery("funding_history", w, func() (interface{}, error) {
		return s.query.FundingHistory(index, limit)
	})
}

func (s *Server) readQuery(endpoint string, w http.ResponseWriter, fn func() (interface{}, error)) {
	start := time.Now()
	s.mu.Lock()
	v, err := fn()
	s.mu.Unlock()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, "error").Inc()
		s.writeError(w, err)
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
	writeJSON(w, http.StatusOK, v)
}

// ============================================================================
// Helpers
// ============================================================================

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode request: %v", errs.ErrValidation, err)
	}
	return nil
}

func parseID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", errs.ErrValidation, field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s: %v", errs.ErrValidation, field, err)
	}
	return id, nil
}

func parseOptionalID(field, s string, fallback uuid.UUID) (uuid.UUID, error) {
	if s == "" {
		return fallback, nil
	}
	return parseID(field, s)
}

func parseAmount(field, s string) (fixedpoint.Value, error) {
	if s == "" {
		return fixedpoint.Zero, fmt.Errorf("%w: %s is required", errs.ErrValidation, field)
	}
	v, err := fixedpoint.FromDecimal(s)
	if err != nil {
		return fixedpoint.Zero, fmt.Errorf("invalid %s: %w", field, err)
	}
	return v, nil
}

func parseOptionalAmount(field, s string) (fixedpoint.Value, error) {
	if s == "" {
		return fixedpoint.Zero, nil
	}
	return parseAmount(field, s)
}

func parseIndex(pathParams map[string]string) (int, error) {
	raw, ok := pathParams["index"]
	if !ok {
		return 0, fmt.Errorf("%w: missing market index", errs.ErrValidation)
	}
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("%w: invalid market index %q", errs.ErrValidation, raw)
	}
	return index, nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
