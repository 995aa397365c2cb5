package kite

import (
	"strings"
	"time"

	"optiondesk/internal/ledger"
)

// IST is the exchange time zone.
var IST = time.FixedZone("IST", 5*3600+1800)

// TradingSymbol builds the exchange trading symbol of an option in the
// monthly contract format, e.g. NIFTY25JAN24000CE. An explicit
// TradingSymbol on the instrument wins.
func TradingSymbol(inst ledger.Instrument) string {
	if inst.TradingSymbol != "" {
		return inst.TradingSymbol
	}

	var b strings.Builder
	b.WriteString(strings.ToUpper(inst.Symbol))
	if exp, err := time.Parse("2006-01-02", inst.Expiry); err == nil {
		b.WriteString(exp.Format("06"))
		b.WriteString(strings.ToUpper(exp.Format("Jan")))
	}
	b.WriteString(inst.Strike.String())
	b.WriteString(inst.Type.Exchange())
	return b.String()
}
