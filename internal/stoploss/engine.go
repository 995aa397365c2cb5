// Package stoploss evaluates stop-loss levels and triggers on quote ticks and
// validates manual stop-loss edits.
//
// The engine decides; it does not sell. Closing a triggered position and
// handing it to re-entry is the caller's job, done under the instrument lock.
package stoploss

import (
	"fmt"
	"math"
	"sync"

	"optiondesk/internal/common"
	"optiondesk/internal/events"
	"optiondesk/internal/flags"
	"optiondesk/internal/ledger"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Writer is the slice of the ledger the engine writes through.
type Writer interface {
	UpdateStopLoss(id string, price decimal.Decimal, source ledger.StopSource) error
}

// Config holds the engine parameters.
type Config struct {
	FixedPct        float64
	TrailPct        float64
	ManualTolerance float64
}

// Decision is the outcome of evaluating one tick for one position.
type Decision struct {
	Stop      decimal.Decimal
	Moved     bool
	Triggered bool
}

// Engine is safe for concurrent use.
type Engine struct {
	flags     *flags.Flags
	fixed     Fixed
	trailing  Trailing
	tolerance decimal.Decimal
	events    events.Publisher

	mu    sync.Mutex
	moves map[string]uint64 // position id -> algorithmic moves made by ticks
}

func New(c Config, f *flags.Flags, pub events.Publisher) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{
		flags:     f,
		fixed:     Fixed{Pct: decimal.NewFromFloat(c.FixedPct)},
		trailing:  Trailing{Pct: decimal.NewFromFloat(c.TrailPct)},
		tolerance: decimal.NewFromFloat(c.ManualTolerance),
		events:    pub,
		moves:     make(map[string]uint64),
	}
}

// Algorithm returns the algorithm currently selected in the process flags.
func (e *Engine) Algorithm() Algorithm {
	if e.flags.Algorithm() == NameFixed {
		return e.fixed
	}
	return e.trailing
}

// SetAlgorithm switches every open position to the named algorithm from the
// next tick on.
func (e *Engine) SetAlgorithm(name string) (string, error) {
	canonical, err := NormalizeName(name)
	if err != nil {
		return "", err
	}
	e.flags.SetAlgorithm(canonical)
	log.Info().Str("algorithm", canonical).Msg("stop loss algorithm selected")
	return canonical, nil
}

// Evaluate computes the stop for p after a tick at last. A position without a
// stop gets the algorithm's initial stop first.
func (e *Engine) Evaluate(p ledger.Position, last decimal.Decimal) Decision {
	algo := e.Algorithm()

	var d Decision
	if p.StopLoss.Valid {
		d.Stop = p.StopLoss.Decimal
	} else {
		d.Stop = algo.Initial(p.AveragePrice)
		d.Moved = true
	}

	if next, moved := algo.Next(d.Stop, last); moved {
		d.Stop = next
		d.Moved = true
	}

	d.Triggered = last.LessThanOrEqual(d.Stop)
	return d
}

// OnTick evaluates p and persists a moved stop. Only OPEN positions are
// evaluated.
func (e *Engine) OnTick(w Writer, p ledger.Position, last decimal.Decimal) (Decision, error) {
	if p.State != ledger.StateOpen || !last.IsPositive() {
		return Decision{}, nil
	}

	d := e.Evaluate(p, last)
	if d.Moved {
		if err := w.UpdateStopLoss(p.ID, d.Stop, ledger.SourceAlgorithm); err != nil {
			return d, fmt.Errorf("move stop loss: %w", err)
		}
		e.mu.Lock()
		e.moves[p.ID]++
		e.mu.Unlock()

		e.events.Publish(events.StopLossMoved, map[string]any{
			"position_id": p.ID,
			"stop_loss":   d.Stop,
			"source":      ledger.SourceAlgorithm,
		})
		log.Debug().
			Str("position", p.ID).
			Str("instrument", p.Instrument.String()).
			Str("stop", d.Stop.StringFixed(2)).
			Str("last", last.StringFixed(2)).
			Msg("stop loss moved")
	}
	return d, nil
}

// Arm places the initial stop on a freshly opened position.
func (e *Engine) Arm(w Writer, p ledger.Position) (decimal.Decimal, error) {
	stop := e.Algorithm().Initial(p.AveragePrice)
	if err := w.UpdateStopLoss(p.ID, stop, ledger.SourceAlgorithm); err != nil {
		return decimal.Zero, fmt.Errorf("arm stop loss: %w", err)
	}
	return stop, nil
}

// Moves returns how many times ticks have moved the stop of a position.
// Callers take it when a manual edit arrives and hand it to ValidateManual.
func (e *Engine) Moves(positionID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.moves[positionID]
}

// ValidateManual checks a user supplied stop against p and returns it as a
// rounded decimal ready for the ledger. seen is the Moves count taken when
// the edit arrived; a tick that moved the stop since then wins.
func (e *Engine) ValidateManual(p ledger.Position, price float64, seen uint64) (decimal.Decimal, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %v", common.ErrInvalidStopLoss, price)
	}
	if p.State != ledger.StateOpen {
		return decimal.Zero, fmt.Errorf("%w: %s", common.ErrAlreadyClosed, p.ID)
	}

	next := ledger.Round(decimal.NewFromFloat(price))
	if p.StopLoss.Valid && next.Sub(p.StopLoss.Decimal).Abs().LessThanOrEqual(e.tolerance) {
		return decimal.Zero, fmt.Errorf("%w: %s vs %s", common.ErrStopLossWithinTolerance,
			next.StringFixed(2), p.StopLoss.Decimal.StringFixed(2))
	}

	if moved := e.Moves(p.ID); moved > seen && p.StopLossSource == ledger.SourceAlgorithm {
		return decimal.Zero, fmt.Errorf("%w: stop loss moved by algorithm to %s while the edit was pending",
			common.ErrDebounced, p.StopLoss.Decimal.StringFixed(2))
	}

	return next, nil
}

// ApplyManual validates and writes a manual stop.
func (e *Engine) ApplyManual(w Writer, p ledger.Position, price float64, seen uint64) (decimal.Decimal, error) {
	next, err := e.ValidateManual(p, price, seen)
	if err != nil {
		return decimal.Zero, err
	}
	if err := w.UpdateStopLoss(p.ID, next, ledger.SourceManual); err != nil {
		return decimal.Zero, err
	}
	e.events.Publish(events.StopLossMoved, map[string]any{
		"position_id": p.ID,
		"stop_loss":   next,
		"source":      ledger.SourceManual,
	})
	log.Info().Str("position", p.ID).Str("stop", next.StringFixed(2)).Msg("manual stop loss set")
	return next, nil
}

// Forget drops per-position bookkeeping once a position is closed.
func (e *Engine) Forget(positionID string) {
	e.mu.Lock()
	delete(e.moves, positionID)
	e.mu.Unlock()
}
