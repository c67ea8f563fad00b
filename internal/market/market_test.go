package market_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"PerpPool/internal/errs"
	"PerpPool/internal/fixedpoint"
	"PerpPool/internal/market"
)

func fp(s string) fixedpoint.Value { return fixedpoint.MustDecimal(s) }

func defaultParams() market.RiskParams {
	opt := func(s string) market.Option { return market.FixedOption(fp(s)) }
	return market.RiskParams{
		InitialMarginRate:      market.MustOption(fp("0.1"), fp("0.05"), fp("0.2")),
		MaintenanceMarginRate:  market.MustOption(fp("0.05"), fp("0.01"), fp("0.1")),
		OperatorFeeRate:        opt("0.0005"),
		LPFeeRate:              opt("0.0005"),
		ReferralRebateRate:     opt("0"),
		LiquidationPenaltyRate: opt("0.01"),
		KeeperGasReward:        opt("1"),
		InsuranceFundRate:      opt("0.5"),
		MaxOpenInterestRate:    opt("4"),
		HalfSpread:             market.MustOption(fp("0.001"), fp("0"), fp("0.01")),
		OpenSlippageFactor:     market.MustOption(fp("0.001"), fp("0.0001"), fp("0.01")),
		CloseSlippageFactor:    market.MustOption(fp("0.0005"), fp("0.0001"), fp("0.01")),
		FundingRateFactor:      opt("0.005"),
		FundingRateLimit:       opt("0.01"),
		BaseFundingRate:        opt("0"),
		AMMMaxLeverage:         market.MustOption(fp("5"), fp("1"), fp("10")),
		MaxClosePriceDiscount:  opt("0.05"),
		MeanRate:               opt("100"),
		MeanRevertFactor:       opt("0"),
	}
}

func newNormalMarket(t *testing.T) *market.Market {
	t.Helper()
	m, err := market.NewMarket(0, "ETH-PERP", "oracle-eth", defaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetNormal(); err != nil {
		t.Fatal(err)
	}
	m.SetIndexPrice(fp("100"), 1000)
	m.SetMarkPrice(fp("100"), 1000)
	return m
}

// ============================================================================
// Test: bounded options
// ============================================================================

func TestOption_OperatorCannotLeaveBounds(t *testing.T) {
	o := market.MustOption(fp("0.1"), fp("0.05"), fp("0.2"))
	if err := o.SetValue(fp("0.15")); err != nil {
		t.Fatalf("in-bounds move: %v", err)
	}
	if err := o.SetValue(fp("0.3")); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("out-of-bounds move should fail validation, got %v", err)
	}
	if !o.Value.Equal(fp("0.15")) {
		t.Error("failed move must not change the value")
	}
}

func TestOption_GovernorMayWiden(t *testing.T) {
	o := market.MustOption(fp("0.1"), fp("0.05"), fp("0.2"))
	if err := o.Rebind(fp("0.3"), fp("0.01"), fp("0.5")); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if err := o.SetValue(fp("0.4")); err != nil {
		t.Errorf("value inside widened bounds: %v", err)
	}
}

func TestOption_InvertedBounds(t *testing.T) {
	if _, err := market.NewOption(fp("1"), fp("2"), fp("0")); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("inverted bounds should fail, got %v", err)
	}
}

// ============================================================================
// Test: risk-parameter cross validation
// ============================================================================

func TestRiskParams_Valid(t *testing.T) {
	rp := defaultParams()
	if err := rp.Validate(); err != nil {
		t.Fatalf("default params should validate: %v", err)
	}
}

func TestRiskParams_CrossRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*market.RiskParams)
	}{
		{"maintenance above initial", func(rp *market.RiskParams) {
			rp.MaintenanceMarginRate = market.FixedOption(fp("0.2"))
		}},
		{"fee above one percent", func(rp *market.RiskParams) {
			rp.LPFeeRate = market.FixedOption(fp("0.02"))
		}},
		{"close slippage above open", func(rp *market.RiskParams) {
			rp.CloseSlippageFactor = market.FixedOption(fp("0.005"))
			rp.OpenSlippageFactor = market.FixedOption(fp("0.001"))
		}},
		{"leverage above margin reciprocal", func(rp *market.RiskParams) {
			rp.AMMMaxLeverage = market.MustOption(fp("10"), fp("1"), fp("100"))
			rp.InitialMarginRate = market.MustOption(fp("0.2"), fp("0.05"), fp("0.2"))
		}},
		{"zero maintenance rate", func(rp *market.RiskParams) {
			rp.MaintenanceMarginRate = market.FixedOption(fp("0"))
		}},
	}
	for _, c := range cases {
		rp := defaultParams()
		c.mutate(&rp)
		if err := rp.Validate(); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("%s: want validation error, got %v", c.name, err)
		}
	}
}

// ============================================================================
// Test: price cache
// ============================================================================

func TestPriceCache_LastWriterWinsByTimestamp(t *testing.T) {
	m := newNormalMarket(t)

	m.SetIndexPrice(fp("110"), 2000)
	if !m.IndexPrice().Equal(fp("110")) {
		t.Errorf("index = %s, want 110", m.IndexPrice())
	}

	// Older reading arrives late and must be ignored.
	m.SetIndexPrice(fp("90"), 1500)
	if !m.IndexPrice().Equal(fp("110")) {
		t.Errorf("stale write applied, index = %s", m.IndexPrice())
	}

	// Same timestamp replaces (not older).
	m.SetIndexPrice(fp("111"), 2000)
	if !m.IndexPrice().Equal(fp("111")) {
		t.Errorf("equal-timestamp write ignored, index = %s", m.IndexPrice())
	}
}

func TestPrices_FrozenAfterEmergency(t *testing.T) {
	m := newNormalMarket(t)
	if err := m.SetEmergency(fp("95"), 3000); err != nil {
		t.Fatal(err)
	}
	m.SetIndexPrice(fp("200"), 4000)
	m.SetMarkPrice(fp("200"), 4000)
	if !m.IndexPrice().Equal(fp("95")) || !m.MarkPrice().Equal(fp("95")) {
		t.Error("emergency market must quote the settlement price")
	}
}

// ============================================================================
// Test: lifecycle state machine
// ============================================================================

func TestLifecycle_ForwardOnly(t *testing.T) {
	m, err := market.NewMarket(0, "ETH-PERP", "oracle-eth", defaultParams())
	if err != nil {
		t.Fatal(err)
	}

	// Trading a market that never went NORMAL.
	if err := m.SetEmergency(fp("95"), 1); !errors.Is(err, errs.ErrState) {
		t.Errorf("INITIALIZING -> EMERGENCY should fail, got %v", err)
	}
	if err := m.SetNormal(); err != nil {
		t.Fatal(err)
	}
	if err := m.SetNormal(); !errors.Is(err, errs.ErrState) {
		t.Errorf("NORMAL -> NORMAL should fail, got %v", err)
	}
	if err := m.SetCleared(); !errors.Is(err, errs.ErrState) {
		t.Errorf("NORMAL -> CLEARED should fail, got %v", err)
	}
	if err := m.SetEmergency(fp("95"), 1); err != nil {
		t.Fatal(err)
	}
	if err := m.SetCleared(); err != nil {
		t.Fatal(err)
	}
	if m.State != market.Cleared {
		t.Errorf("state = %s", m.State)
	}
}

func TestSetCleared_BlockedWhileAccountsRemain(t *testing.T) {
	m := newNormalMarket(t)
	trader := uuid.New()
	m.EnsureAccount(trader).Cash = fp("10")
	m.SyncActive(trader)

	if err := m.SetEmergency(fp("100"), 2000); err != nil {
		t.Fatal(err)
	}
	if err := m.SetCleared(); !errors.Is(err, errs.ErrState) {
		t.Errorf("cleared with active accounts should fail, got %v", err)
	}

	if _, ok, err := m.ClearNext(); err != nil || !ok {
		t.Fatalf("clear next: %v %v", ok, err)
	}
	if err := m.SetCleared(); err != nil {
		t.Errorf("cleared after drain: %v", err)
	}
}

// ============================================================================
// Test: active set
// ============================================================================

func TestActiveSet_SwapAndPop(t *testing.T) {
	s := market.NewActiveSet()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		s.Add(id)
	}
	s.Add(ids[1]) // duplicate
	if s.Len() != 3 {
		t.Fatalf("len = %d", s.Len())
	}
	s.Remove(ids[0])
	if s.Contains(ids[0]) || !s.Contains(ids[1]) || !s.Contains(ids[2]) {
		t.Error("membership after remove")
	}
	s.Remove(ids[0]) // double remove is a no-op
	if s.Len() != 2 {
		t.Errorf("len = %d after removes", s.Len())
	}
}

func TestSyncActive_FollowsEmptiness(t *testing.T) {
	m := newNormalMarket(t)
	trader := uuid.New()
	a := m.EnsureAccount(trader)
	m.SyncActive(trader)
	if m.ActiveAccounts().Contains(trader) {
		t.Error("empty account must not be active")
	}
	a.Cash = fp("1")
	m.SyncActive(trader)
	if !m.ActiveAccounts().Contains(trader) {
		t.Error("funded account must be active")
	}
	a.Cash = fixedpoint.Zero
	m.SyncActive(trader)
	if m.ActiveAccounts().Contains(trader) {
		t.Error("emptied account must leave the set")
	}
}

func TestSyncActive_PoolAccountNeverActive(t *testing.T) {
	m := newNormalMarket(t)
	m.PoolAccount().Cash = fp("1000")
	m.SyncActive(m.PoolAccountID)
	if m.ActiveAccounts().Contains(m.PoolAccountID) {
		t.Error("pool account must not join the active set")
	}
}

// ============================================================================
// Test: funding accrual
// ============================================================================

func TestUpdateFundingState_StaleClockNoOp(t *testing.T) {
	m := newNormalMarket(t)
	m.Funding.LastFundingTime = 1000
	m.Funding.FundingRate = fp("0.01")

	if err := m.UpdateFundingState(1000); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateFundingState(500); err != nil {
		t.Fatal(err)
	}
	if !m.Funding.UnitAccumulativeFunding.IsZero() {
		t.Error("stale clock must not accrue funding")
	}
}

func TestUpdateFundingState_AccruesAndRoutesBySign(t *testing.T) {
	m := newNormalMarket(t)
	m.Funding.LastFundingTime = 0
	m.Funding.FundingRate = fp("0.01")

	// 8h at index 100, rate 0.01 -> delta = 100*0.01 = 1 per unit.
	if err := m.UpdateFundingState(8 * 60 * 60); err != nil {
		t.Fatal(err)
	}
	if !m.Funding.UnitAccumulativeFunding.Equal(fp("1")) {
		t.Errorf("unit funding = %s, want 1", m.Funding.UnitAccumulativeFunding)
	}
	if !m.Funding.UnitAccumulativeLongFunding.Equal(fp("1")) {
		t.Errorf("long accumulator = %s, want 1", m.Funding.UnitAccumulativeLongFunding)
	}
	if !m.Funding.UnitAccumulativeShortFunding.IsZero() {
		t.Error("short accumulator should be untouched by positive delta")
	}

	// Negative rate routes into the short accumulator.
	m.Funding.FundingRate = fp("-0.01")
	if err := m.UpdateFundingState(16 * 60 * 60); err != nil {
		t.Fatal(err)
	}
	if !m.Funding.UnitAccumulativeFunding.IsZero() {
		t.Errorf("unit funding = %s, want 0", m.Funding.UnitAccumulativeFunding)
	}
	if !m.Funding.UnitAccumulativeShortFunding.Equal(fp("-1")) {
		t.Errorf("short accumulator = %s, want -1", m.Funding.UnitAccumulativeShortFunding)
	}
}

// ============================================================================
// Test: funding rate
// ============================================================================

func TestUpdateFundingRate_AgainstPoolPosition(t *testing.T) {
	m := newNormalMarket(t)

	// Pool short 10 at index 100, pool margin 100000, factor 0.005:
	// rate = -(100 * -10 / 100000) * 0.005 = 0.00005
	m.PoolAccount().Position = fp("-10")
	if err := m.UpdateFundingRate(fp("100000")); err != nil {
		t.Fatal(err)
	}
	if !m.Funding.FundingRate.Equal(fp("0.00005")) {
		t.Errorf("rate = %s, want 0.00005", m.Funding.FundingRate)
	}
}

func TestUpdateFundingRate_ClampedAtLimit(t *testing.T) {
	m := newNormalMarket(t)
	m.PoolAccount().Position = fp("-1000000")
	if err := m.UpdateFundingRate(fp("1000")); err != nil {
		t.Fatal(err)
	}
	if !m.Funding.FundingRate.Equal(fp("0.01")) {
		t.Errorf("rate = %s, want clamp at 0.01", m.Funding.FundingRate)
	}
}

func TestUpdateFundingRate_DegenerateZeroMargin(t *testing.T) {
	m := newNormalMarket(t)
	m.PoolAccount().Position = fp("5")
	if err := m.UpdateFundingRate(fixedpoint.Zero); err != nil {
		t.Fatal(err)
	}
	if !m.Funding.FundingRate.Equal(fp("-0.01")) {
		t.Errorf("rate = %s, want forced -0.01", m.Funding.FundingRate)
	}
}

func TestUpdateFundingRate_ZeroPositionZeroRate(t *testing.T) {
	m := newNormalMarket(t)
	m.Funding.FundingRate = fp("0.003")
	if err := m.UpdateFundingRate(fp("100000")); err != nil {
		t.Fatal(err)
	}
	if !m.Funding.FundingRate.IsZero() {
		t.Errorf("rate = %s, want 0", m.Funding.FundingRate)
	}
}

func TestUpdateFundingRate_BaseRateNudge(t *testing.T) {
	rp := defaultParams()
	rp.BaseFundingRate = market.FixedOption(fp("0.0001"))
	m, err := market.NewMarket(0, "ETH-PERP", "oracle-eth", rp)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetNormal(); err != nil {
		t.Fatal(err)
	}
	m.SetIndexPrice(fp("100"), 1000)
	m.PoolAccount().Position = fp("-10")
	m.OpenInterest = fp("10")

	if err := m.UpdateFundingRate(fp("100000")); err != nil {
		t.Fatal(err)
	}
	// base formula 0.00005 plus nudge 0.0001 toward longs paying
	if !m.Funding.FundingRate.Equal(fp("0.00015")) {
		t.Errorf("rate = %s, want 0.00015", m.Funding.FundingRate)
	}
}

// ============================================================================
// Test: clearing and redemption rates
// ============================================================================

func TestClearAndRedemptionRates(t *testing.T) {
	m := newNormalMarket(t)

	flat := uuid.New()
	m.EnsureAccount(flat).Cash = fp("100")
	m.SyncActive(flat)

	long := uuid.New()
	la := m.EnsureAccount(long)
	la.Cash = fp("50")
	la.Position = fp("1")
	la.EntryValue = fp("100")
	m.SyncActive(long)

	if err := m.SetEmergency(fp("100"), 2000); err != nil {
		t.Fatal(err)
	}
	for {
		_, ok, err := m.ClearNext()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
	}
	// flat margin 100, long margin 1*100+50 = 150
	if !m.TotalMarginWithoutPosition.Equal(fp("100")) || !m.TotalMarginWithPosition.Equal(fp("150")) {
		t.Fatalf("buckets = %s / %s", m.TotalMarginWithoutPosition, m.TotalMarginWithPosition)
	}

	// 175 collateral: flat bucket fully covered, 75 left for the 150 bucket.
	if err := m.SetRedemptionRates(fp("175")); err != nil {
		t.Fatal(err)
	}
	if !m.RedemptionRateWithoutPosition.Equal(fp("1")) {
		t.Errorf("rate without position = %s, want 1", m.RedemptionRateWithoutPosition)
	}
	if !m.RedemptionRateWithPosition.Equal(fp("0.5")) {
		t.Errorf("rate with position = %s, want 0.5", m.RedemptionRateWithPosition)
	}
}
