// Package feed receives option quotes and keeps the last traded price per
// instrument.
package feed

import (
	"sync"
	"time"

	"optiondesk/internal/ledger"

	"github.com/shopspring/decimal"
)

// Quote is one price update.
type Quote struct {
	Instrument ledger.Instrument `json:"instrument"`
	LTP        decimal.Decimal   `json:"ltp"`
	Bid        decimal.Decimal   `json:"bid"`
	Ask        decimal.Decimal   `json:"ask"`
	Ts         time.Time         `json:"ts"`
}

// PriceBook answers last-price lookups. Safe for concurrent use.
type PriceBook struct {
	quotes sync.Map // instrument key -> Quote
}

func NewPriceBook() *PriceBook {
	return &PriceBook{}
}

// Update stores q unless a newer quote for the same instrument is present,
// and reports whether it did.
func (b *PriceBook) Update(q Quote) bool {
	key := q.Instrument.Key()
	for {
		prev, loaded := b.quotes.LoadOrStore(key, q)
		if !loaded {
			return true
		}
		if prev.(Quote).Ts.After(q.Ts) {
			return false
		}
		if b.quotes.CompareAndSwap(key, prev, q) {
			return true
		}
	}
}

// LastPrice returns the last traded price of inst.
func (b *PriceBook) LastPrice(inst ledger.Instrument) (decimal.Decimal, bool) {
	v, ok := b.quotes.Load(inst.Key())
	if !ok {
		return decimal.Zero, false
	}
	return v.(Quote).LTP, true
}

// Quote returns the full last quote of inst.
func (b *PriceBook) Quote(inst ledger.Instrument) (Quote, bool) {
	v, ok := b.quotes.Load(inst.Key())
	if !ok {
		return Quote{}, false
	}
	return v.(Quote), true
}

// Snapshot returns every known quote.
func (b *PriceBook) Snapshot() []Quote {
	var out []Quote
	b.quotes.Range(func(_, v any) bool {
		out = append(out, v.(Quote))
		return true
	})
	return out
}
