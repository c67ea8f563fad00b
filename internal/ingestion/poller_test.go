package ingestion

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"PerpPool/internal/external"
	"PerpPool/internal/fixedpoint"
)

func TestOraclePollerForwardsReadings(t *testing.T) {
	oracle := &external.MemoryOracle{}
	oracle.SetPrice(fixedpoint.MustDecimal("2000"), 1700000000)

	var got []PriceUpdate
	p := NewOraclePoller(
		map[string]external.Oracle{"ETH-USD": oracle},
		func(u PriceUpdate) error {
			got = append(got, u)
			return nil
		},
		zerolog.Nop(),
	)

	p.PollOnce()
	if len(got) != 1 {
		t.Fatalf("updates = %d, want 1", len(got))
	}
	u := got[0]
	if u.OracleID != "ETH-USD" {
		t.Errorf("oracle id = %q, want ETH-USD", u.OracleID)
	}
	if !u.IndexPrice.Equal(fixedpoint.MustDecimal("2000")) || !u.MarkPrice.Equal(fixedpoint.MustDecimal("2000")) {
		t.Errorf("prices = %s/%s, want 2000/2000", u.IndexPrice, u.MarkPrice)
	}
	if u.Timestamp != 1700000000 {
		t.Errorf("timestamp = %d, want 1700000000", u.Timestamp)
	}
	if u.Closed || u.Terminated {
		t.Errorf("flags = closed %v terminated %v, want both clear", u.Closed, u.Terminated)
	}
}

func TestOraclePollerClosedOracleForwardsHaltOnly(t *testing.T) {
	oracle := &external.MemoryOracle{Closed: true}
	oracle.SetPrice(fixedpoint.MustDecimal("2000"), 1700000000)

	var got []PriceUpdate
	p := NewOraclePoller(
		map[string]external.Oracle{"ETH-USD": oracle},
		func(u PriceUpdate) error {
			got = append(got, u)
			return nil
		},
		zerolog.Nop(),
	)

	p.PollOnce()
	if len(got) != 1 {
		t.Fatalf("updates = %d, want 1", len(got))
	}
	if !got[0].Closed {
		t.Error("closed oracle must forward the halt flag")
	}
	if !got[0].IndexPrice.IsZero() {
		t.Errorf("halt reading must not carry a price, got %s", got[0].IndexPrice)
	}
}

func TestOraclePollerTerminatedOracleFlagsUpdate(t *testing.T) {
	oracle := &external.MemoryOracle{Terminated: true}
	oracle.SetPrice(fixedpoint.MustDecimal("1850"), 1700000100)

	var got []PriceUpdate
	p := NewOraclePoller(
		map[string]external.Oracle{"ETH-USD": oracle},
		func(u PriceUpdate) error {
			got = append(got, u)
			return nil
		},
		zerolog.Nop(),
	)

	p.PollOnce()
	if len(got) != 1 {
		t.Fatalf("updates = %d, want 1", len(got))
	}
	if !got[0].Terminated {
		t.Error("terminated oracle must flag the update")
	}
	if !got[0].MarkPrice.Equal(fixedpoint.MustDecimal("1850")) {
		t.Errorf("mark = %s, want 1850", got[0].MarkPrice)
	}
}

func TestOraclePollerSinkErrorDoesNotStopOthers(t *testing.T) {
	a := &external.MemoryOracle{}
	a.SetPrice(fixedpoint.MustDecimal("100"), 1)
	b := &external.MemoryOracle{}
	b.SetPrice(fixedpoint.MustDecimal("200"), 1)

	var calls int
	p := NewOraclePoller(
		map[string]external.Oracle{"A": a, "B": b},
		func(u PriceUpdate) error {
			calls++
			return errors.New("sink down")
		},
		zerolog.Nop(),
	)

	p.PollOnce()
	if calls != 2 {
		t.Errorf("sink calls = %d, want 2 despite errors", calls)
	}
}
