package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testLedger() *Ledger {
	return &Ledger{
		AccountID:   "acct-1",
		CashBalance: d("97700"),
		Positions: map[string]Position{
			"AAPL": {Symbol: "AAPL", Quantity: d("15"), AverageCost: d("155"), TotalCost: d("2325")},
			"MSFT": {Symbol: "MSFT", Quantity: d("2"), AverageCost: d("400"), TotalCost: d("800")},
		},
		Version: 3,
	}
}

func prices(m map[string]string) PriceLookup {
	return func(sym string) decimal.Decimal {
		return d(m[sym])
	}
}

func TestLedger_TotalValue(t *testing.T) {
	l := testLedger()
	got := l.TotalValue(prices(map[string]string{"AAPL": "160", "MSFT": "390.5"}))
	// 97700 + 15*160 + 2*390.5
	want := d("100881")
	if !got.Equal(want) {
		t.Errorf("expected total value %s, got %s", want, got)
	}
}

func TestLedger_UnrealizedPnL(t *testing.T) {
	l := testLedger()
	got := l.UnrealizedPnL(prices(map[string]string{"AAPL": "160", "MSFT": "390.5"}))
	// 15*(160-155) + 2*(390.5-400)
	want := d("56")
	if !got.Equal(want) {
		t.Errorf("expected unrealized pnl %s, got %s", want, got)
	}
}

func TestLedger_ValuationAtCost(t *testing.T) {
	l := testLedger()
	atCost := func(sym string) decimal.Decimal { return l.Positions[sym].AverageCost }

	if pnl := l.UnrealizedPnL(atCost); !pnl.IsZero() {
		t.Errorf("pnl at cost should be zero, got %s", pnl)
	}
	if v := l.TotalValue(atCost); !v.Equal(d("100825")) {
		t.Errorf("value at cost should be cash + total cost, got %s", v)
	}
}

func TestLedger_EmptyValuation(t *testing.T) {
	l := &Ledger{CashBalance: d("100000")}
	none := func(string) decimal.Decimal {
		t.Fatal("price lookup must not be called without positions")
		return decimal.Zero
	}
	if v := l.TotalValue(none); !v.Equal(d("100000")) {
		t.Errorf("expected cash only, got %s", v)
	}
	if pnl := l.UnrealizedPnL(none); !pnl.IsZero() {
		t.Errorf("expected zero pnl, got %s", pnl)
	}
}

func TestLedger_CloneIsIndependent(t *testing.T) {
	l := testLedger()
	c := l.Clone()

	c.CashBalance = d("1")
	c.Positions["AAPL"] = Position{Symbol: "AAPL", Quantity: d("1")}
	delete(c.Positions, "MSFT")
	c.Version++

	if !l.CashBalance.Equal(d("97700")) {
		t.Error("clone mutation leaked into cash balance")
	}
	if len(l.Positions) != 2 || !l.Positions["AAPL"].Quantity.Equal(d("15")) {
		t.Error("clone mutation leaked into positions")
	}
	if l.Version != 3 {
		t.Error("clone mutation leaked into version")
	}

	var nilLedger *Ledger
	if nilLedger.Clone() != nil {
		t.Error("clone of nil ledger should be nil")
	}
}

func TestSide_Valid(t *testing.T) {
	for _, s := range []Side{SideBuy, SideSell} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []Side{"", "buy", "SELL", "Short"} {
		if s.Valid() {
			t.Errorf("%q should be invalid", s)
		}
	}
}

func TestParseSide(t *testing.T) {
	tests := []struct {
		in   string
		want Side
	}{
		{"Buy", SideBuy},
		{"bUy", SideBuy},
		{" buy ", SideBuy},
		{"B", SideBuy},
		{"SELL", SideSell},
		{"\tsell\n", SideSell},
		{"s", SideSell},
		{"short", Side("short")},
		{"", Side("")},
	}
	for _, tt := range tests {
		if got := ParseSide(tt.in); got != tt.want {
			t.Errorf("ParseSide(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if ParseSide("hold").Valid() {
		t.Error("unknown side must not be valid")
	}
}
