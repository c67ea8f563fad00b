package margin_test

import (
	"testing"

	"PerpPool/internal/fixedpoint"
	"PerpPool/internal/margin"
)

func fp(s string) fixedpoint.Value { return fixedpoint.MustDecimal(s) }

func noFunding() margin.FundingState { return margin.FundingState{} }

func noPenalty() margin.PenaltyParams { return margin.PenaltyParams{} }

// ============================================================================
// Test: funding with mean-reversion penalty
// ============================================================================

func TestFunding_PlainAccumulator(t *testing.T) {
	fs := margin.FundingState{UnitAccumulativeFunding: fp("0.5")}
	got, err := margin.Funding(fs, noPenalty(), fp("10"), fp("1000"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fp("5")) {
		t.Errorf("funding = %s, want 5", got)
	}
}

func TestFunding_PenaltyLongSide(t *testing.T) {
	fs := margin.FundingState{
		UnitAccumulativeLongFunding:  fp("2"),
		UnitAccumulativeShortFunding: fp("7"),
	}
	pp := margin.PenaltyParams{MeanRate: fp("100"), MeanRevertFactor: fp("0.1")}

	// long 10 @ entry value 1200, mean-implied value 1000 -> distance 200
	// penalty = 0.1 * 200 * 2 = 40
	got, err := margin.Funding(fs, pp, fp("10"), fp("1200"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fp("40")) {
		t.Errorf("long penalty = %s, want 40", got)
	}
}

func TestFunding_PenaltyShortSideNegated(t *testing.T) {
	fs := margin.FundingState{
		UnitAccumulativeLongFunding:  fp("2"),
		UnitAccumulativeShortFunding: fp("7"),
	}
	pp := margin.PenaltyParams{MeanRate: fp("100"), MeanRevertFactor: fp("0.1")}

	// short 10 @ entry value -800, |ev| = 800, mean value 1000 -> distance 200
	// penalty = -(0.1 * 200 * 7) = -140
	got, err := margin.Funding(fs, pp, fp("-10"), fp("-800"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fp("-140")) {
		t.Errorf("short penalty = %s, want -140", got)
	}
}

func TestFunding_PenaltyZeroAtMean(t *testing.T) {
	fs := margin.FundingState{UnitAccumulativeLongFunding: fp("5")}
	pp := margin.PenaltyParams{MeanRate: fp("100"), MeanRevertFactor: fp("0.1")}

	// entry value exactly on the mean-implied notional
	got, err := margin.Funding(fs, pp, fp("10"), fp("1000"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsZero() {
		t.Errorf("penalty at mean = %s, want 0", got)
	}
}

func TestFunding_ZeroPosition(t *testing.T) {
	fs := margin.FundingState{
		UnitAccumulativeFunding:     fp("3"),
		UnitAccumulativeLongFunding: fp("3"),
	}
	pp := margin.PenaltyParams{MeanRate: fp("100"), MeanRevertFactor: fp("0.1")}
	got, err := margin.Funding(fs, pp, fixedpoint.Zero, fixedpoint.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsZero() {
		t.Errorf("zero position funding = %s", got)
	}
}

// ============================================================================
// Test: margin and safety predicates
// ============================================================================

func TestMargin_PositionValuePlusAvailableCash(t *testing.T) {
	fs := margin.FundingState{UnitAccumulativeFunding: fp("1")}
	a := &margin.Account{Cash: fp("100"), Position: fp("2"), EntryValue: fp("200")}

	// available = 100 - 2*1 = 98; margin = 2*50 + 98 = 198
	got, err := margin.Margin(fs, noPenalty(), a, fp("50"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fp("198")) {
		t.Errorf("margin = %s, want 198", got)
	}
}

func TestMaintenanceSafety_PriceDropMakesLiquidatable(t *testing.T) {
	// Long 5 with cash 50 and accrued funding 100: available = -50.
	// At mark 10, margin = 0 < maintenance 1.5 + keeper reward 1.
	fs := margin.FundingState{UnitAccumulativeFunding: fp("20")}
	a := &margin.Account{Cash: fp("50"), Position: fp("5"), EntryValue: fp("500")}

	safe, err := margin.IsMaintenanceMarginSafe(fs, noPenalty(), a, fp("10"), fp("0.03"), fp("1"))
	if err != nil {
		t.Fatal(err)
	}
	if safe {
		t.Error("account should be maintenance-unsafe after the price drop")
	}

	// At mark 40, margin = 150 >= 6 + 1.
	safe, err = margin.IsMaintenanceMarginSafe(fs, noPenalty(), a, fp("40"), fp("0.03"), fp("1"))
	if err != nil {
		t.Fatal(err)
	}
	if !safe {
		t.Error("account should be safe at the higher mark")
	}
}

func TestInitialMarginSafe_NoPositionIgnoresRequirement(t *testing.T) {
	a := &margin.Account{Cash: fp("0.5")}
	safe, err := margin.IsInitialMarginSafe(noFunding(), noPenalty(), a, fp("100"), fp("0.1"), fp("1"))
	if err != nil {
		t.Fatal(err)
	}
	if !safe {
		t.Error("positionless account with nonnegative cash is initial-margin safe")
	}
}

func TestMarginSafe_KeeperRewardFloor(t *testing.T) {
	a := &margin.Account{Cash: fp("0.5"), Position: fp("1"), EntryValue: fp("100")}

	// margin = 1*1 + 0.5 = 1.5 >= keeper reward 1
	safe, err := margin.IsMarginSafe(noFunding(), noPenalty(), a, fp("1"), fp("1"))
	if err != nil {
		t.Fatal(err)
	}
	if !safe {
		t.Error("margin 1.5 should cover keeper reward 1")
	}

	safe, err = margin.IsMarginSafe(noFunding(), noPenalty(), a, fp("1"), fp("2"))
	if err != nil {
		t.Fatal(err)
	}
	if safe {
		t.Error("margin 1.5 should not cover keeper reward 2")
	}
}

func TestSettleableMargin(t *testing.T) {
	a := &margin.Account{Cash: fp("100"), Position: fp("2"), EntryValue: fp("200")}

	// margin = 2*50 + 100 = 200; with-position rate 0.4 -> 80
	got, err := margin.SettleableMargin(noFunding(), noPenalty(), a, fp("50"), fp("0.4"), fp("0.9"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fp("80")) {
		t.Errorf("settleable = %s, want 80", got)
	}

	flat := &margin.Account{Cash: fp("100")}
	got, err = margin.SettleableMargin(noFunding(), noPenalty(), flat, fp("50"), fp("0.4"), fp("0.9"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fp("90")) {
		t.Errorf("settleable without position = %s, want 90", got)
	}

	underwater := &margin.Account{Cash: fp("-10")}
	got, _ = margin.SettleableMargin(noFunding(), noPenalty(), underwater, fp("50"), fp("0.4"), fp("0.9"))
	if !got.IsZero() {
		t.Errorf("negative margin settles to %s, want 0", got)
	}
}

// ============================================================================
// Test: delta splitting
// ============================================================================

func TestSplitDelta(t *testing.T) {
	cases := []struct {
		position, delta, wantClose, wantOpen string
	}{
		{"0", "5", "0", "5"},        // pure open from flat
		{"10", "5", "0", "5"},       // adding on the same side
		{"10", "-4", "-4", "0"},     // partial close
		{"10", "-10", "-10", "0"},   // full close
		{"10", "-15", "-10", "-5"},  // close then flip short
		{"-10", "25", "10", "15"},   // close short then flip long
	}
	for _, c := range cases {
		gotClose, gotOpen := margin.SplitDelta(fp(c.position), fp(c.delta))
		if !gotClose.Equal(fp(c.wantClose)) || !gotOpen.Equal(fp(c.wantOpen)) {
			t.Errorf("split(%s, %s) = (%s, %s), want (%s, %s)",
				c.position, c.delta, gotClose, gotOpen, c.wantClose, c.wantOpen)
		}
	}
}

// ============================================================================
// Test: UpdateMargin
// ============================================================================

func TestUpdateMargin_OpenFromFlat(t *testing.T) {
	a := &margin.Account{Cash: fp("2000")}

	// long 10 paying 1000: entry value becomes +1000
	oiDelta, err := margin.UpdateMargin(noFunding(), noPenalty(), a, fp("10"), fp("-1000"))
	if err != nil {
		t.Fatal(err)
	}
	if !a.Position.Equal(fp("10")) || !a.Cash.Equal(fp("1000")) {
		t.Errorf("position %s cash %s", a.Position, a.Cash)
	}
	if !a.EntryValue.Equal(fp("1000")) {
		t.Errorf("entry value = %s, want 1000", a.EntryValue)
	}
	if !oiDelta.Equal(fp("10")) {
		t.Errorf("open interest delta = %s, want 10", oiDelta)
	}
}

func TestUpdateMargin_PartialCloseShrinksEntryValue(t *testing.T) {
	a := &margin.Account{Cash: fp("1000"), Position: fp("10"), EntryValue: fp("1000")}

	// close 4 of 10 receiving 480: entry value shrinks by 4/10
	oiDelta, err := margin.UpdateMargin(noFunding(), noPenalty(), a, fp("-4"), fp("480"))
	if err != nil {
		t.Fatal(err)
	}
	if !a.Position.Equal(fp("6")) || !a.Cash.Equal(fp("1480")) {
		t.Errorf("position %s cash %s", a.Position, a.Cash)
	}
	if !a.EntryValue.Equal(fp("600")) {
		t.Errorf("entry value = %s, want 600", a.EntryValue)
	}
	if !oiDelta.Equal(fp("-4")) {
		t.Errorf("open interest delta = %s, want -4", oiDelta)
	}
}

func TestUpdateMargin_FlipAttributesOpenCash(t *testing.T) {
	a := &margin.Account{Cash: fp("1000"), Position: fp("10"), EntryValue: fp("1000")}

	// sell 15 at 100: closes 10, opens short 5. Of deltaCash 1500, the open
	// share is 1500*5/15 = 500; entry value becomes -500.
	oiDelta, err := margin.UpdateMargin(noFunding(), noPenalty(), a, fp("-15"), fp("1500"))
	if err != nil {
		t.Fatal(err)
	}
	if !a.Position.Equal(fp("-5")) {
		t.Errorf("position = %s, want -5", a.Position)
	}
	if !a.EntryValue.Equal(fp("-500")) {
		t.Errorf("entry value = %s, want -500", a.EntryValue)
	}
	if !oiDelta.Equal(fp("-10")) {
		t.Errorf("open interest delta = %s, want -10", oiDelta)
	}
}

func TestUpdateMargin_ShortSideOpenInterestUnchanged(t *testing.T) {
	a := &margin.Account{Cash: fp("1000")}
	oiDelta, err := margin.UpdateMargin(noFunding(), noPenalty(), a, fp("-10"), fp("1000"))
	if err != nil {
		t.Fatal(err)
	}
	if !oiDelta.IsZero() {
		t.Errorf("short open should not move long open interest, got %s", oiDelta)
	}
	if !a.EntryValue.Equal(fp("-1000")) {
		t.Errorf("entry value = %s, want -1000", a.EntryValue)
	}
}

func TestUpdateMargin_AvailableCashMovesByDeltaCashOnly(t *testing.T) {
	// With nonzero accumulators and penalty params, the funding adjustment
	// folded into cash must keep available cash continuous: after the
	// update, available = before + deltaCash.
	fs := margin.FundingState{
		UnitAccumulativeFunding:      fp("0.7"),
		UnitAccumulativeLongFunding:  fp("0.4"),
		UnitAccumulativeShortFunding: fp("0.3"),
	}
	pp := margin.PenaltyParams{MeanRate: fp("95"), MeanRevertFactor: fp("0.2")}
	a := &margin.Account{Cash: fp("500"), Position: fp("10"), EntryValue: fp("1000")}

	before, err := margin.AvailableCash(fs, pp, a)
	if err != nil {
		t.Fatal(err)
	}

	deltaCash := fp("700")
	if _, err := margin.UpdateMargin(fs, pp, a, fp("-7"), deltaCash); err != nil {
		t.Fatal(err)
	}

	after, err := margin.AvailableCash(fs, pp, a)
	if err != nil {
		t.Fatal(err)
	}
	if !after.Equal(before.Add(deltaCash)) {
		t.Errorf("available cash moved %s -> %s, want delta exactly %s", before, after, deltaCash)
	}
}

func TestUpdateMargin_PenaltyContinuityAcrossMeanCrossing(t *testing.T) {
	// Entry value starts above the mean-implied notional and the closing leg
	// drags it below; continuity of available cash must survive the
	// crossing because each leg is settled against its own reference.
	fs := margin.FundingState{
		UnitAccumulativeFunding:     fp("0.5"),
		UnitAccumulativeLongFunding: fp("1.5"),
	}
	pp := margin.PenaltyParams{MeanRate: fp("100"), MeanRevertFactor: fp("0.1")}
	a := &margin.Account{Cash: fp("500"), Position: fp("10"), EntryValue: fp("1200")}

	before, err := margin.AvailableCash(fs, pp, a)
	if err != nil {
		t.Fatal(err)
	}

	// Sell 15: closes the long 10 (entry value 1200 -> 0, distance above
	// mean collapses) then opens a short 5 priced from the open share of
	// deltaCash (entry value -500, on the other side of the mean).
	if _, err := margin.UpdateMargin(fs, pp, a, fp("-15"), fp("1500")); err != nil {
		t.Fatal(err)
	}
	after, err := margin.AvailableCash(fs, pp, a)
	if err != nil {
		t.Fatal(err)
	}
	if !after.Equal(before.Add(fp("1500"))) {
		t.Errorf("available cash %s -> %s across mean crossing, want delta 1500", before, after)
	}
}

func TestResetAccount(t *testing.T) {
	a := &margin.Account{Cash: fp("5"), Position: fp("1"), EntryValue: fp("100")}
	margin.ResetAccount(a)
	if !a.IsEmpty() || !a.EntryValue.IsZero() {
		t.Error("reset should zero cash, position and entry value")
	}
}
