package market

import (
	"math"
	"testing"
)

func TestConvert(t *testing.T) {
	table := NewTable(map[string]float64{"ETH": 2500})
	cases := []struct {
		amount   float64
		from, to string
		want     float64
		ok       bool
	}{
		{0.2, "eth", "USD", 500, true},
		{500, "USDC", "usd", 500, true},
		{1000, "USD", "ETH", 0.4, true},
		{3, "ZZZ", "USD", 0, false},
		{3, "USD", "", 0, false},
		{7, "PTS", "PTS", 7, true},
	}
	for _, tc := range cases {
		got, ok := table.Convert(tc.amount, tc.from, tc.to)
		if ok != tc.ok || math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("Convert(%v %s -> %s) = %v,%v want %v,%v", tc.amount, tc.from, tc.to, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSetIgnoresNonPositive(t *testing.T) {
	table := NewTable(nil)
	table.Set("eth", -1)
	if p, _ := table.Price("ETH"); p != DefaultPrices()["ETH"] {
		t.Fatalf("negative price must be ignored, got %v", p)
	}
	table.Set("pepe", 0.00001)
	if !table.Known("PEPE") {
		t.Fatalf("expected PEPE to be known")
	}
}
