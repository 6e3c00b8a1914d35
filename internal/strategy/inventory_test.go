package strategy

import (
	"testing"

	"github.com/shopspring/decimal"

	"maker-bot/pkg/types"
)

func buyFill(qty, price string) types.Fill {
	return types.Fill{Symbol: "BTC-USDT", Side: types.SideBuy, Qty: dec(qty), Price: dec(price)}
}

func sellFill(qty, price string) types.Fill {
	return types.Fill{Symbol: "BTC-USDT", Side: types.SideSell, Qty: dec(qty), Price: dec(price)}
}

func TestOnFillExtendMovesAvgEntry(t *testing.T) {
	t.Parallel()
	pb := NewPositionBook()
	pb.OnFill(buyFill("1", "100"))
	pb.OnFill(buyFill("1", "110"))

	pos := pb.Position("BTC-USDT")
	if !pos.Qty.Equal(dec("2")) {
		t.Errorf("qty = %s, want 2", pos.Qty)
	}
	if !pos.AvgEntry.Equal(dec("105")) {
		t.Errorf("avg entry = %s, want 105", pos.AvgEntry)
	}
	if !pos.RealizedPnL.IsZero() {
		t.Errorf("realized = %s, want 0 on extends", pos.RealizedPnL)
	}
}

func TestOnFillReduceRealizesPnL(t *testing.T) {
	t.Parallel()
	pb := NewPositionBook()
	pb.OnFill(buyFill("2", "100"))
	pb.OnFill(sellFill("1", "110"))

	pos := pb.Position("BTC-USDT")
	if !pos.Qty.Equal(dec("1")) {
		t.Errorf("qty = %s, want 1", pos.Qty)
	}
	if !pos.RealizedPnL.Equal(dec("10")) {
		t.Errorf("realized = %s, want 10", pos.RealizedPnL)
	}
	// Reducing leaves the entry of the remaining leg untouched.
	if !pos.AvgEntry.Equal(dec("100")) {
		t.Errorf("avg entry = %s, want 100", pos.AvgEntry)
	}
}

func TestOnFillShortSideRealizes(t *testing.T) {
	t.Parallel()
	pb := NewPositionBook()
	pb.OnFill(sellFill("2", "100"))
	pb.OnFill(buyFill("1", "90"))

	pos := pb.Position("BTC-USDT")
	if !pos.Qty.Equal(dec("-1")) {
		t.Errorf("qty = %s, want -1", pos.Qty)
	}
	if !pos.RealizedPnL.Equal(dec("10")) {
		t.Errorf("realized = %s, want 10 buying back below entry", pos.RealizedPnL)
	}
}

func TestOnFillThroughZeroFlips(t *testing.T) {
	t.Parallel()
	pb := NewPositionBook()
	pb.OnFill(buyFill("1", "100"))
	pb.OnFill(sellFill("3", "110"))

	pos := pb.Position("BTC-USDT")
	if !pos.Qty.Equal(dec("-2")) {
		t.Errorf("qty = %s, want -2", pos.Qty)
	}
	// Only the closing unit realizes; the flipped leg opens at the fill.
	if !pos.RealizedPnL.Equal(dec("10")) {
		t.Errorf("realized = %s, want 10", pos.RealizedPnL)
	}
	if !pos.AvgEntry.Equal(dec("110")) {
		t.Errorf("avg entry = %s, want the flip price 110", pos.AvgEntry)
	}
}

func TestOnFillToFlatClearsEntry(t *testing.T) {
	t.Parallel()
	pb := NewPositionBook()
	pb.OnFill(buyFill("1", "100"))
	pb.OnFill(sellFill("1", "105"))

	pos := pb.Position("BTC-USDT")
	if !pos.Qty.IsZero() {
		t.Errorf("qty = %s, want flat", pos.Qty)
	}
	if !pos.AvgEntry.IsZero() {
		t.Errorf("avg entry = %s, want cleared at flat", pos.AvgEntry)
	}
	if !pos.RealizedPnL.Equal(dec("5")) {
		t.Errorf("realized = %s, want 5", pos.RealizedPnL)
	}
}

func TestOnFillIgnoresNonPositiveQty(t *testing.T) {
	t.Parallel()
	pb := NewPositionBook()
	pb.OnFill(types.Fill{Symbol: "BTC-USDT", Side: types.SideBuy, Qty: decimal.Zero, Price: dec("100")})

	if pos := pb.Position("BTC-USDT"); !pos.Qty.IsZero() || !pos.LastUpdated.IsZero() {
		t.Fatalf("position mutated by a zero-qty fill: %+v", pos)
	}
}

func TestSkewNormalizesAndClamps(t *testing.T) {
	t.Parallel()
	pb := NewPositionBook()
	pb.OnFill(buyFill("1", "100"))

	if got := pb.Skew("BTC-USDT", 2); got != 0.5 {
		t.Errorf("skew = %v, want 0.5", got)
	}
	pb.OnFill(buyFill("9", "100"))
	if got := pb.Skew("BTC-USDT", 2); got != 1 {
		t.Errorf("skew = %v, want clamp at 1", got)
	}
	if got := pb.Skew("BTC-USDT", 0); got != 0 {
		t.Errorf("skew = %v, want 0 with no target", got)
	}
	if got := pb.Skew("ETH-USDT", 2); got != 0 {
		t.Errorf("skew = %v, want 0 for an untraded symbol", got)
	}

	short := NewPositionBook()
	short.OnFill(sellFill("5", "100"))
	if got := short.Skew("BTC-USDT", 2); got != -1 {
		t.Errorf("skew = %v, want clamp at -1", got)
	}
}

func TestTotalPnLMarksAgainstMids(t *testing.T) {
	t.Parallel()
	pb := NewPositionBook()
	pb.OnFill(buyFill("2", "100"))
	pb.OnFill(sellFill("1", "110")) // realized 10, 1 long @ 100
	pb.OnFill(types.Fill{Symbol: "ETH-USDT", Side: types.SideBuy, Qty: dec("1"), Price: dec("50")})

	mids := map[string]decimal.Decimal{"BTC-USDT": dec("120")}
	// 10 realized + (120-100)*1 unrealized; ETH has no mid and no
	// realized leg, so it contributes nothing.
	if got := pb.TotalPnL(mids); !got.Equal(dec("30")) {
		t.Fatalf("total pnl = %s, want 30", got)
	}
}

func TestRestoreSeedsPosition(t *testing.T) {
	t.Parallel()
	pb := NewPositionBook()
	pb.Restore(Position{Symbol: "BTC-USDT", Qty: dec("0.4"), AvgEntry: dec("101")})

	pos := pb.Position("BTC-USDT")
	if !pos.Qty.Equal(dec("0.4")) || !pos.AvgEntry.Equal(dec("101")) {
		t.Fatalf("restored position = %+v", pos)
	}
	if got := pb.Skew("BTC-USDT", 1); got != 0.4 {
		t.Fatalf("skew after restore = %v, want 0.4", got)
	}
}
