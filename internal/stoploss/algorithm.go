package stoploss

import (
	"fmt"
	"strings"

	"optiondesk/internal/common"
	"optiondesk/internal/ledger"

	"github.com/shopspring/decimal"
)

const (
	NameFixed    = "fixed"
	NameTrailing = "trailing"
)

// Algorithm computes stop-loss levels for long option positions.
type Algorithm interface {
	Name() string
	// Initial is the stop placed when a position is (re)opened.
	Initial(entry decimal.Decimal) decimal.Decimal
	// Next returns the stop after a tick at last, and whether it moved.
	Next(current, last decimal.Decimal) (decimal.Decimal, bool)
}

// Fixed sets the stop once at entry and never moves it.
type Fixed struct {
	Pct decimal.Decimal
}

func (Fixed) Name() string { return NameFixed }

func (f Fixed) Initial(entry decimal.Decimal) decimal.Decimal {
	return below(entry, f.Pct)
}

func (Fixed) Next(current, _ decimal.Decimal) (decimal.Decimal, bool) {
	return current, false
}

// Trailing ratchets the stop up behind the last price and never lowers it.
type Trailing struct {
	Pct decimal.Decimal
}

func (Trailing) Name() string { return NameTrailing }

func (t Trailing) Initial(entry decimal.Decimal) decimal.Decimal {
	return below(entry, t.Pct)
}

func (t Trailing) Next(current, last decimal.Decimal) (decimal.Decimal, bool) {
	candidate := below(last, t.Pct)
	if candidate.GreaterThan(current) {
		return candidate, true
	}
	return current, false
}

func below(price, pct decimal.Decimal) decimal.Decimal {
	return ledger.Round(price.Mul(decimal.NewFromInt(1).Sub(pct)))
}

// NormalizeName maps user facing names, including the dashboard's
// simple/advanced labels, onto the canonical algorithm names.
func NormalizeName(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameFixed, "simple":
		return NameFixed, nil
	case NameTrailing, "advanced", "trail":
		return NameTrailing, nil
	}
	return "", fmt.Errorf("%w: %q", common.ErrUnknownAlgorithm, name)
}
