package controller

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"signalrelay/src/model"
)

// CanonicalSide maps the loose side vocabulary strategies send into the
// ledger's long/short values.
func CanonicalSide(side string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "buy", "long", "open_long":
		return model.SideLong, nil
	case "sell", "short", "open_short":
		return model.SideShort, nil
	default:
		return "", fmt.Errorf("unknown side %q", side)
	}
}

// entryOrderSide returns the exchange order side that opens a position.
func entryOrderSide(side string) string {
	if side == model.SideShort {
		return "sell"
	}
	return "buy"
}

// closeOrderSide returns the exchange order side that closes a position.
func closeOrderSide(side string) string {
	if side == model.SideShort {
		return "buy"
	}
	return "sell"
}

// CalcRealizedPnl computes (exit - entry) * size for longs and the inverse
// for shorts, using decimal arithmetic to avoid float drift in the ledger.
func CalcRealizedPnl(side string, entryPrice, exitPrice, size float64) float64 {
	entry := decimal.NewFromFloat(entryPrice)
	exit := decimal.NewFromFloat(exitPrice)
	qty := decimal.NewFromFloat(size)

	diff := exit.Sub(entry)
	if side == model.SideShort {
		diff = entry.Sub(exit)
	}

	pnl, _ := diff.Mul(qty).Float64()
	return pnl
}

// WeightedEntryPrice merges two fills into a single average entry.
func WeightedEntryPrice(price1, size1, price2, size2 float64) float64 {
	p1 := decimal.NewFromFloat(price1)
	p2 := decimal.NewFromFloat(price2)
	s1 := decimal.NewFromFloat(size1)
	s2 := decimal.NewFromFloat(size2)

	total := s1.Add(s2)
	if total.IsZero() {
		return 0
	}

	avg, _ := p1.Mul(s1).Add(p2.Mul(s2)).Div(total).Float64()
	return avg
}

// parseQty converts a quantized quantity string back to a float for the ledger.
func parseQty(qty string) float64 {
	f, err := strconv.ParseFloat(qty, 64)
	if err != nil {
		return 0
	}
	return f
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
