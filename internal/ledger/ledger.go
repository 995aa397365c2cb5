// Package ledger is the single source of truth for positions and trade
// history in both trading modes.
//
// Every mutating call works on a private copy of the affected position,
// persists the copy (together with the trade it produces) and only then
// swaps it in. A failed persist therefore leaves the ledger untouched.
// Callers serialize work per instrument; the ledger's own lock is held only
// for map access and copying.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"optiondesk/internal/common"
	"optiondesk/internal/events"
	"optiondesk/internal/flags"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Store persists ledger records. Commit must write the position and the
// optional trade atomically.
type Store interface {
	Commit(p Position, t *Trade) error
	DeleteTrades(mode flags.Mode) error
}

type activeKey struct {
	mode flags.Mode
	key  string
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*Position
	order     []string
	active    map[activeKey]string
	trades    []Trade
	seq       uint64

	store  Store
	events events.Publisher
	now    func() time.Time
}

// New returns an empty ledger. store may be nil for an in-memory ledger.
func New(store Store, pub events.Publisher) *Ledger {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Ledger{
		positions: make(map[string]*Position),
		active:    make(map[activeKey]string),
		store:     store,
		events:    pub,
		now:       time.Now,
	}
}

// Restore loads persisted records. Positions are re-ordered by sequence and
// trades by timestamp.
func (l *Ledger) Restore(positions []Position, trades []Trade) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sort.Slice(positions, func(i, j int) bool { return positions[i].Seq < positions[j].Seq })
	for i := range positions {
		p := positions[i]
		l.positions[p.ID] = &p
		l.order = append(l.order, p.ID)
		if p.Seq > l.seq {
			l.seq = p.Seq
		}
		if !p.Terminal() {
			l.active[activeKey{p.Mode, p.Instrument.Key()}] = p.ID
		}
	}

	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Timestamp.Before(trades[j].Timestamp) })
	l.trades = append(l.trades, trades...)

	log.Info().Int("positions", len(positions)).Int("trades", len(trades)).Msg("ledger restored")
}

// Open creates a position, or reopens in place a position that is waiting
// for its automatic re-buy.
func (l *Ledger) Open(inst Instrument, mode flags.Mode, quantity int64, price decimal.Decimal) (Position, error) {
	if err := inst.Validate(); err != nil {
		return Position{}, err
	}
	if !mode.Valid() {
		return Position{}, fmt.Errorf("%w: %q", common.ErrInvalidMode, mode)
	}
	if quantity <= 0 {
		return Position{}, fmt.Errorf("%w: %d", common.ErrInvalidQuantity, quantity)
	}
	if !price.IsPositive() {
		return Position{}, fmt.Errorf("%w: %s", common.ErrInvalidPrice, price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	ak := activeKey{mode, inst.Key()}

	var next Position
	if id, ok := l.active[ak]; ok {
		cur := l.positions[id]
		if cur.State != StatePendingRebuy {
			return Position{}, fmt.Errorf("%w: %s %s", common.ErrDuplicateOpenPosition, mode, inst)
		}
		next = *cur
	} else {
		next = Position{
			ID:                        uuid.NewString(),
			Seq:                       l.seq + 1,
			Instrument:                inst,
			Mode:                      mode,
			IndividualCooldownEnabled: true,
		}
	}

	price = Round(price)
	next.State = StateOpen
	next.Quantity = quantity
	next.OriginalQuantity = quantity
	next.AveragePrice = price
	next.HighestPrice = price
	next.OpenedAt = now
	next.UpdatedAt = now
	next.StopLoss = decimal.NullDecimal{}
	next.StopLossSource = ""
	next.mark(price)

	trade := l.newTrade(next, ActionBuy, quantity, price, decimal.Zero, "manual buy")
	if err := l.commit(next, &trade); err != nil {
		return Position{}, err
	}
	if next.Seq > l.seq {
		l.seq = next.Seq
	}
	if _, exists := l.positions[next.ID]; !exists {
		l.order = append(l.order, next.ID)
	}
	l.active[ak] = next.ID
	l.apply(next, &trade)

	return next, nil
}

// Close sells the whole position at exitPrice.
func (l *Ledger) Close(id string, exitPrice decimal.Decimal, reason CloseReason) (Trade, error) {
	if !exitPrice.IsPositive() {
		return Trade{}, fmt.Errorf("%w: %s", common.ErrInvalidPrice, exitPrice)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.positions[id]
	if !ok {
		return Trade{}, fmt.Errorf("%w: %s", common.ErrPositionNotFound, id)
	}
	if cur.State != StateOpen {
		return Trade{}, fmt.Errorf("%w: %s", common.ErrAlreadyClosed, id)
	}

	exitPrice = Round(exitPrice)
	next := *cur
	qty := next.Quantity
	pnl := Round(exitPrice.Sub(next.AveragePrice).Mul(decimal.NewFromInt(qty)))

	next.RealizedPnL = next.RealizedPnL.Add(pnl)
	next.OriginalQuantity = qty
	next.Quantity = 0
	next.State = StateClosed
	next.UpdatedAt = l.now()
	if reason == ReasonStopLoss {
		next.AutoSellCount++
	}
	next.mark(exitPrice)

	trade := l.newTrade(next, reason.action(), qty, exitPrice, pnl, string(reason))
	if err := l.commit(next, &trade); err != nil {
		return Trade{}, err
	}
	delete(l.active, activeKey{next.Mode, next.Instrument.Key()})
	l.apply(next, &trade)

	return trade, nil
}

// UpdateStopLoss sets a new stop loss and keeps the previous one for audit.
func (l *Ledger) UpdateStopLoss(id string, price decimal.Decimal, source StopSource) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s", common.ErrInvalidStopLoss, price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrPositionNotFound, id)
	}
	if cur.Terminal() {
		return fmt.Errorf("%w: %s", common.ErrAlreadyClosed, id)
	}

	next := *cur
	next.PrevStopLoss = next.StopLoss
	next.StopLoss = decimal.NewNullDecimal(Round(price))
	next.StopLossSource = source
	next.StopLossUpdatedAt = l.now()
	next.UpdatedAt = next.StopLossUpdatedAt

	if err := l.commit(next, nil); err != nil {
		return err
	}
	l.apply(next, nil)
	return nil
}

// MarkWaitingForAutobuy puts a closed position back in the active set as
// pending re-buy of originalQuantity.
func (l *Ledger) MarkWaitingForAutobuy(id string, originalQuantity int64) error {
	if originalQuantity <= 0 {
		return fmt.Errorf("%w: %d", common.ErrInvalidQuantity, originalQuantity)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrPositionNotFound, id)
	}
	if cur.State != StateClosed {
		return fmt.Errorf("%w: %s is %s", common.ErrNotClosed, id, cur.State)
	}
	ak := activeKey{cur.Mode, cur.Instrument.Key()}
	if other, taken := l.active[ak]; taken && other != id {
		return fmt.Errorf("%w: %s", common.ErrDuplicateOpenPosition, cur.Instrument)
	}

	next := *cur
	next.State = StatePendingRebuy
	next.OriginalQuantity = originalQuantity
	next.UpdatedAt = l.now()

	if err := l.commit(next, nil); err != nil {
		return err
	}
	l.active[ak] = id
	l.apply(next, nil)
	return nil
}

// CancelPending drops the pending re-buy for good.
func (l *Ledger) CancelPending(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrPositionNotFound, id)
	}
	if cur.State != StatePendingRebuy {
		return fmt.Errorf("%w: %s", common.ErrNotWaiting, id)
	}

	next := *cur
	next.State = StateClosed
	next.UpdatedAt = l.now()

	if err := l.commit(next, nil); err != nil {
		return err
	}
	delete(l.active, activeKey{next.Mode, next.Instrument.Key()})
	l.apply(next, nil)
	return nil
}

// Reopen executes the automatic re-buy of a pending position at price.
func (l *Ledger) Reopen(id string, price decimal.Decimal) (Position, Trade, error) {
	if !price.IsPositive() {
		return Position{}, Trade{}, fmt.Errorf("%w: %s", common.ErrInvalidPrice, price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.positions[id]
	if !ok {
		return Position{}, Trade{}, fmt.Errorf("%w: %s", common.ErrPositionNotFound, id)
	}
	if cur.State != StatePendingRebuy {
		return Position{}, Trade{}, fmt.Errorf("%w: %s", common.ErrNotWaiting, id)
	}

	price = Round(price)
	next := *cur
	next.State = StateOpen
	next.Quantity = next.OriginalQuantity
	next.AveragePrice = price
	next.HighestPrice = price
	next.AutoBuyCount++
	next.StopLoss = decimal.NullDecimal{}
	next.StopLossSource = ""
	next.UpdatedAt = l.now()
	next.mark(price)

	trade := l.newTrade(next, ActionAutoBuy, next.Quantity, price, decimal.Zero, "auto buy")
	if err := l.commit(next, &trade); err != nil {
		return Position{}, Trade{}, err
	}
	l.apply(next, &trade)
	return next, trade, nil
}

// MarkPrice records a quote on an open position. Marks are not persisted.
func (l *Ledger) MarkPrice(id string, price decimal.Decimal) (Position, error) {
	if !price.IsPositive() {
		return Position{}, fmt.Errorf("%w: %s", common.ErrInvalidPrice, price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", common.ErrPositionNotFound, id)
	}
	cur.mark(price)
	return *cur, nil
}

// SetIndividualCooldown stores the per-position cooldown flag.
func (l *Ledger) SetIndividualCooldown(id string, enabled bool) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", common.ErrPositionNotFound, id)
	}

	next := *cur
	next.IndividualCooldownEnabled = enabled
	next.UpdatedAt = l.now()

	if err := l.commit(next, nil); err != nil {
		return Position{}, err
	}
	l.apply(next, nil)
	return next, nil
}

// Get returns a copy of one position.
func (l *Ledger) Get(id string) (Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", common.ErrPositionNotFound, id)
	}
	return *p, nil
}

// FindActive returns the non-terminal position for an instrument key.
func (l *Ledger) FindActive(mode flags.Mode, key string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.active[activeKey{mode, key}]
	if !ok {
		return Position{}, false
	}
	return *l.positions[id], true
}

// Snapshot returns every position of mode in insertion order.
func (l *Ledger) Snapshot(mode flags.Mode) []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Position, 0, len(l.order))
	for _, id := range l.order {
		if p := l.positions[id]; p.Mode == mode {
			out = append(out, *p)
		}
	}
	return out
}

// Active returns the non-terminal positions of mode in insertion order.
func (l *Ledger) Active(mode flags.Mode) []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Position, 0, len(l.active))
	for _, id := range l.order {
		if p := l.positions[id]; p.Mode == mode && !p.Terminal() {
			out = append(out, *p)
		}
	}
	return out
}

// Trades returns the trade history of mode, oldest first.
func (l *Ledger) Trades(mode flags.Mode) []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Trade, 0, len(l.trades))
	for _, t := range l.trades {
		if t.Mode == mode {
			out = append(out, t)
		}
	}
	return out
}

// ClearHistory drops the trade history of mode. Positions are untouched.
func (l *Ledger) ClearHistory(mode flags.Mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store != nil {
		if err := l.store.DeleteTrades(mode); err != nil {
			return fmt.Errorf("clear trades: %w", err)
		}
	}

	kept := l.trades[:0]
	for _, t := range l.trades {
		if t.Mode != mode {
			kept = append(kept, t)
		}
	}
	l.trades = kept
	return nil
}

func (l *Ledger) newTrade(p Position, action Action, qty int64, price, pnl decimal.Decimal, reason string) Trade {
	return Trade{
		ID:         uuid.NewString(),
		PositionID: p.ID,
		Action:     action,
		Instrument: p.Instrument,
		Quantity:   qty,
		Price:      price,
		PnL:        pnl,
		Reason:     reason,
		Mode:       p.Mode,
		Timestamp:  l.now(),
	}
}

func (l *Ledger) commit(p Position, t *Trade) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.Commit(p, t); err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("ledger commit failed")
		return fmt.Errorf("persist position %s: %w", p.ID, err)
	}
	return nil
}

// apply swaps in a committed position. Caller holds l.mu.
func (l *Ledger) apply(p Position, t *Trade) {
	stored := p
	l.positions[p.ID] = &stored
	if t != nil {
		l.trades = append(l.trades, *t)
		l.events.Publish(events.TradeAppended, *t)
	}
	l.events.Publish(events.PositionChanged, p)
}
