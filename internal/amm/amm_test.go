package amm_test

import (
	"errors"
	"testing"

	"PerpPool/internal/amm"
	"PerpPool/internal/errs"
	"PerpPool/internal/fixedpoint"
)

func fp(s string) fixedpoint.Value { return fixedpoint.MustDecimal(s) }

func defaultParams() amm.Params {
	return amm.Params{
		HalfSpread:            fp("0.001"),
		OpenSlippageFactor:    fp("0.001"),
		CloseSlippageFactor:   fp("0.0005"),
		MaxClosePriceDiscount: fp("0.05"),
		AMMMaxLeverage:        fp("5"),
	}
}

// ============================================================================
// Test: pool margin closed form
// ============================================================================

func TestPoolMargin_ClosedForm(t *testing.T) {
	// margin = -750 + 100*10 = 250, squareValue = 0.02*1000^2 = 20000,
	// discriminant = 250^2 - 40000 = 22500, poolMargin = (250+150)/2 = 200.
	c := amm.Context{
		IndexPrice:    fp("100"),
		Position:      fp("10"),
		AvailableCash: fp("-750"),
	}
	got, err := c.PoolMargin(fp("0.02"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fp("200")) {
		t.Errorf("pool margin = %s, want 200", got)
	}
}

func TestPoolMargin_FlatPoolEqualsCash(t *testing.T) {
	c := amm.Context{IndexPrice: fp("100"), AvailableCash: fp("1000000")}
	got, err := c.PoolMargin(fp("0.001"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fp("1000000")) {
		t.Errorf("pool margin = %s, want 1000000", got)
	}
}

func TestPoolMargin_UnsafeFails(t *testing.T) {
	c := amm.Context{
		IndexPrice:    fp("100"),
		Position:      fp("10"),
		AvailableCash: fp("-850"), // margin 150 < sqrt(2*20000) = 200
	}
	_, err := c.PoolMargin(fp("0.02"))
	if !errors.Is(err, errs.ErrSafety) {
		t.Errorf("want safety violation, got %v", err)
	}
	safe, err := c.IsSafe(fp("0.02"))
	if err != nil {
		t.Fatal(err)
	}
	if safe {
		t.Error("context should be unsafe")
	}
}

func TestMarginFromPoolMargin_InvertsClosedForm(t *testing.T) {
	// p = 200, S = 20000 -> margin = 200 + 20000/400 = 250.
	got, err := amm.MarginFromPoolMargin(fp("200"), fp("20000"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fp("250")) {
		t.Errorf("margin = %s, want 250", got)
	}
	if _, err := amm.MarginFromPoolMargin(fixedpoint.Zero, fp("1")); !errors.Is(err, errs.ErrLiquidity) {
		t.Errorf("zero pool margin should fail liquidity, got %v", err)
	}
}

// ============================================================================
// Test: open slippage drift widening
// ============================================================================

func TestOpenSlippage_WidensAgainstDrift(t *testing.T) {
	factor := fp("0.001")

	// Index 10% above mean, AMM opening short (traders buying): widened.
	got, err := amm.OpenSlippage(factor, fp("110"), fp("100"), false)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fp("0.0011")) {
		t.Errorf("widened factor = %s, want 0.0011", got)
	}

	// Same drift but AMM opening long: drift works in the pool's favor.
	got, err = amm.OpenSlippage(factor, fp("110"), fp("100"), true)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(factor) {
		t.Errorf("favorable drift should not widen, got %s", got)
	}

	// Below-mean index widens the AMM-long side.
	got, err = amm.OpenSlippage(factor, fp("90"), fp("100"), true)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fp("0.0011")) {
		t.Errorf("widened factor = %s, want 0.0011", got)
	}

	// Disabled when no mean is configured.
	got, err = amm.OpenSlippage(factor, fp("110"), fixedpoint.Zero, false)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(factor) {
		t.Errorf("zero mean should disable widening, got %s", got)
	}
}

// ============================================================================
// Test: max position bounds
// ============================================================================

func TestMaxPosition_LeverageBound(t *testing.T) {
	c := amm.Context{IndexPrice: fp("100"), AvailableCash: fp("1000000")}
	p := defaultParams()

	// Leverage bound: poolMargin * lambda / index = 1000000*5/100 = 50000,
	// well under the solvency bound.
	got, err := amm.MaxPosition(c, p, p.OpenSlippageFactor, false)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fp("50000")) {
		t.Errorf("max position = %s, want 50000", got)
	}
}

func TestMaxPosition_MonotoneInLeverage(t *testing.T) {
	c := amm.Context{IndexPrice: fp("100"), AvailableCash: fp("1000000")}
	loose := defaultParams()
	tight := defaultParams()
	tight.AMMMaxLeverage = fp("2")

	hi, err := amm.MaxPosition(c, loose, loose.OpenSlippageFactor, false)
	if err != nil {
		t.Fatal(err)
	}
	lo, err := amm.MaxPosition(c, tight, tight.OpenSlippageFactor, false)
	if err != nil {
		t.Fatal(err)
	}
	if lo.Cmp(hi) >= 0 {
		t.Errorf("bound must shrink with leverage: %s !< %s", lo, hi)
	}
}

func TestMaxPosition_NoNegativePriceBindsLongSide(t *testing.T) {
	// Small pool, heavy slippage: the no-negative-price bound
	// poolMargin/(slippage*index) = 100/(2*100) = 0.5 binds on the long
	// side, while the short side stops at the solvency bound
	// sqrt(2*100^2/2)/100 = 1.
	c := amm.Context{IndexPrice: fp("100"), AvailableCash: fp("100")}
	p := defaultParams()
	p.AMMMaxLeverage = fp("10")

	long, err := amm.MaxPosition(c, p, fp("2"), true)
	if err != nil {
		t.Fatal(err)
	}
	short, err := amm.MaxPosition(c, p, fp("2"), false)
	if err != nil {
		t.Fatal(err)
	}
	if !long.Equal(fp("0.5")) {
		t.Errorf("long bound = %s, want 0.5", long)
	}
	if !short.Equal(fp("1")) {
		t.Errorf("short bound = %s, want 1", short)
	}
	if short.Cmp(long) <= 0 {
		t.Errorf("short side must not be price-bounded: %s <= %s", short, long)
	}
}

// ============================================================================
// Test: trade quoting
// ============================================================================

func TestQueryTrade_OpenLongAgainstDeepPool(t *testing.T) {
	// Pool margin 1,000,000; 10-unit long at index 100 with half spread
	// 0.001 fills at the ask 100.1: trader pays 1001.
	c := amm.Context{IndexPrice: fp("100"), AvailableCash: fp("1000000")}
	q, err := amm.QueryTrade(c, defaultParams(), fp("10"), false)
	if err != nil {
		t.Fatal(err)
	}
	if !q.DeltaPosition.Equal(fp("10")) {
		t.Errorf("filled = %s, want 10", q.DeltaPosition)
	}
	if !q.DeltaCash.Equal(fp("-1001")) {
		t.Errorf("trader cash = %s, want -1001", q.DeltaCash)
	}
	price, err := q.DeltaCash.Abs().Div(q.DeltaPosition.Abs())
	if err != nil {
		t.Fatal(err)
	}
	if price.Cmp(fp("100")) < 0 || price.Cmp(fp("100.11")) > 0 {
		t.Errorf("fill price %s outside [100, 100.11]", price)
	}
}

func TestQueryTrade_CloseFillsAtBid(t *testing.T) {
	// AMM short 10, trader sells 10 to close it: the spread clips the fill
	// to the bid 99.9, so the trader receives 999.
	c := amm.Context{
		IndexPrice:    fp("100"),
		Position:      fp("-10"),
		AvailableCash: fp("1001000"),
	}
	q, err := amm.QueryTrade(c, defaultParams(), fp("-10"), false)
	if err != nil {
		t.Fatal(err)
	}
	if !q.DeltaPosition.Equal(fp("-10")) {
		t.Errorf("filled = %s, want -10", q.DeltaPosition)
	}
	if !q.DeltaCash.Equal(fp("999")) {
		t.Errorf("trader cash = %s, want 999", q.DeltaCash)
	}
}

func TestQueryTrade_UnsafeStillCloses(t *testing.T) {
	// Unsafe pool (margin 150 < sqrt(2S) = 200 at close slippage 0.02):
	// closing falls back to index quoting, then the spread lifts the buy to
	// the ask.
	c := amm.Context{
		IndexPrice:    fp("100"),
		Position:      fp("10"),
		AvailableCash: fp("-850"),
	}
	p := defaultParams()
	p.CloseSlippageFactor = fp("0.02")
	p.OpenSlippageFactor = fp("0.02")

	q, err := amm.QueryTrade(c, p, fp("10"), false)
	if err != nil {
		t.Fatal(err)
	}
	if !q.DeltaPosition.Equal(fp("10")) {
		t.Errorf("filled = %s, want 10", q.DeltaPosition)
	}
	if !q.DeltaCash.Equal(fp("-1001")) {
		t.Errorf("trader cash = %s, want -1001", q.DeltaCash)
	}
}

func TestQueryTrade_DiscountCapsClosePrice(t *testing.T) {
	// With a half spread wider than the discount cap, the cap wins: the
	// trader closing against the AMM pays at most index*(1+0.05).
	c := amm.Context{
		IndexPrice:    fp("100"),
		Position:      fp("10"),
		AvailableCash: fp("-850"),
	}
	p := defaultParams()
	p.CloseSlippageFactor = fp("0.02")
	p.HalfSpread = fp("0.1")

	q, err := amm.QueryTrade(c, p, fp("10"), false)
	if err != nil {
		t.Fatal(err)
	}
	if !q.DeltaCash.Equal(fp("-1050")) {
		t.Errorf("trader cash = %s, want -1050 (capped at 105 per unit)", q.DeltaCash)
	}
}

func TestQueryTrade_PartialFillClampsToMaxPosition(t *testing.T) {
	c := amm.Context{IndexPrice: fp("100"), AvailableCash: fp("1000000")}

	// Leverage bound is 50000; ask for 60000.
	_, err := amm.QueryTrade(c, defaultParams(), fp("60000"), false)
	if !errors.Is(err, errs.ErrSafety) {
		t.Fatalf("full fill beyond the bound should fail safety, got %v", err)
	}

	q, err := amm.QueryTrade(c, defaultParams(), fp("60000"), true)
	if err != nil {
		t.Fatal(err)
	}
	if !q.DeltaPosition.Equal(fp("50000")) {
		t.Errorf("partial fill = %s, want 50000", q.DeltaPosition)
	}
	if !q.IsPartial(fp("60000")) {
		t.Error("quote should report a partial fill")
	}
}

func TestQueryTrade_NoCapacityFails(t *testing.T) {
	// Unsafe pool with no position to close: nothing can fill even with
	// partialFill.
	c := amm.Context{
		IndexPrice:    fp("100"),
		AvailableCash: fp("-1"),
		OtherSquareValue: fp("1000000"),
	}
	_, err := amm.QueryTrade(c, defaultParams(), fp("10"), true)
	if !errors.Is(err, errs.ErrSafety) {
		t.Errorf("want safety violation, got %v", err)
	}
}

func TestQueryTrade_ZeroAmount(t *testing.T) {
	c := amm.Context{IndexPrice: fp("100"), AvailableCash: fp("1000")}
	_, err := amm.QueryTrade(c, defaultParams(), fixedpoint.Zero, false)
	if !errors.Is(err, errs.ErrValidation) {
		t.Errorf("want validation error, got %v", err)
	}
}

func TestQueryTrade_SlippagePricingPreservesPoolMargin(t *testing.T) {
	// Shallow pool, no spread: the impact term slippage*index^2*avg/poolMargin
	// sets the whole price. A 100-unit open at index 100 against 20000 of cash
	// averages 102.5 per unit, and replaying the fill into the context must
	// leave the pool margin exactly where it started.
	c := amm.Context{IndexPrice: fp("100"), AvailableCash: fp("20000")}
	p := amm.Params{
		HalfSpread:            fixedpoint.Zero,
		OpenSlippageFactor:    fp("0.1"),
		CloseSlippageFactor:   fp("0.1"),
		MaxClosePriceDiscount: fp("0.05"),
		AMMMaxLeverage:        fp("5"),
	}

	before, err := c.PoolMargin(p.OpenSlippageFactor)
	if err != nil {
		t.Fatal(err)
	}

	q, err := amm.QueryTrade(c, p, fp("100"), false)
	if err != nil {
		t.Fatal(err)
	}
	if !q.DeltaPosition.Equal(fp("100")) {
		t.Errorf("filled = %s, want 100", q.DeltaPosition)
	}
	if !q.DeltaCash.Equal(fp("-10250")) {
		t.Errorf("trader cash = %s, want -10250", q.DeltaCash)
	}

	c.Position = c.Position.Sub(q.DeltaPosition)
	c.AvailableCash = c.AvailableCash.Sub(q.DeltaCash)
	after, err := c.PoolMargin(p.OpenSlippageFactor)
	if err != nil {
		t.Fatal(err)
	}
	if !after.Equal(before) {
		t.Errorf("pool margin moved %s -> %s, want it unchanged", before, after)
	}
}

func TestQueryTrade_PostTradeContextStaysSafe(t *testing.T) {
	// After a successful quote is applied, the AMM must still be safe.
	c := amm.Context{IndexPrice: fp("100"), AvailableCash: fp("1000000")}
	p := defaultParams()
	q, err := amm.QueryTrade(c, p, fp("10000"), false)
	if err != nil {
		t.Fatal(err)
	}
	c.Position = c.Position.Sub(q.DeltaPosition)
	c.AvailableCash = c.AvailableCash.Sub(q.DeltaCash)
	safe, err := c.IsSafe(p.OpenSlippageFactor)
	if err != nil {
		t.Fatal(err)
	}
	if !safe {
		t.Error("amm unsafe after an accepted open")
	}
}
