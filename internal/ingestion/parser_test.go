package ingestion

import (
	"strings"
	"testing"

	"PerpPool/internal/fixedpoint"
)

func TestParsePriceUpdate(t *testing.T) {
	cases := []struct {
		name    string
		data    string
		want    PriceUpdate
		wantErr string
	}{
		{
			name: "index and mark",
			data: `{"oracle_id":"ETH-USD","index_price":"1999.5","mark_price":"2000","timestamp":1700000000}`,
			want: PriceUpdate{
				OracleID:   "ETH-USD",
				IndexPrice: fixedpoint.MustDecimal("1999.5"),
				MarkPrice:  fixedpoint.MustDecimal("2000"),
				Timestamp:  1700000000,
			},
		},
		{
			name: "mark falls back to index",
			data: `{"oracle_id":"BTC-USD","index_price":"65000","timestamp":1700000001}`,
			want: PriceUpdate{
				OracleID:   "BTC-USD",
				IndexPrice: fixedpoint.MustDecimal("65000"),
				MarkPrice:  fixedpoint.MustDecimal("65000"),
				Timestamp:  1700000001,
			},
		},
		{
			name: "lifecycle flags",
			data: `{"oracle_id":"ETH-USD","index_price":"1800","timestamp":1700000002,"closed":true,"terminated":true}`,
			want: PriceUpdate{
				OracleID:   "ETH-USD",
				IndexPrice: fixedpoint.MustDecimal("1800"),
				MarkPrice:  fixedpoint.MustDecimal("1800"),
				Timestamp:  1700000002,
				Closed:     true,
				Terminated: true,
			},
		},
		{
			name:    "missing oracle id",
			data:    `{"index_price":"100","timestamp":1}`,
			wantErr: "missing oracle_id",
		},
		{
			name:    "missing timestamp",
			data:    `{"oracle_id":"ETH-USD","index_price":"100"}`,
			wantErr: "missing timestamp",
		},
		{
			name:    "zero index price",
			data:    `{"oracle_id":"ETH-USD","index_price":"0","timestamp":1}`,
			wantErr: "must be positive",
		},
		{
			name:    "negative mark price",
			data:    `{"oracle_id":"ETH-USD","index_price":"100","mark_price":"-1","timestamp":1}`,
			wantErr: "must be positive",
		},
		{
			name:    "not json",
			data:    `oracle=ETH`,
			wantErr: "parse price update",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePriceUpdate([]byte(tc.data))
			if tc.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tc.wantErr)
				}
				if !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("error %q does not contain %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.OracleID != tc.want.OracleID {
				t.Errorf("oracle id = %q, want %q", got.OracleID, tc.want.OracleID)
			}
			if !got.IndexPrice.Equal(tc.want.IndexPrice) {
				t.Errorf("index price = %s, want %s", got.IndexPrice, tc.want.IndexPrice)
			}
			if !got.MarkPrice.Equal(tc.want.MarkPrice) {
				t.Errorf("mark price = %s, want %s", got.MarkPrice, tc.want.MarkPrice)
			}
			if got.Timestamp != tc.want.Timestamp {
				t.Errorf("timestamp = %d, want %d", got.Timestamp, tc.want.Timestamp)
			}
			if got.Closed != tc.want.Closed || got.Terminated != tc.want.Terminated {
				t.Errorf("flags = closed %v terminated %v, want closed %v terminated %v",
					got.Closed, got.Terminated, tc.want.Closed, tc.want.Terminated)
			}
		})
	}
}
