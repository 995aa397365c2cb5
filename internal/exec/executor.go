// Package exec is the trading desk: it turns quote ticks and user actions
// into orders, ledger mutations and re-entry cycles.
//
// Every action on an instrument runs under that instrument's lock. Orders
// are placed before the ledger is touched, so a rejected order leaves the
// ledger as it was.
package exec

import (
	"context"
	"errors"
	"fmt"

	"optiondesk/internal/broker"
	"optiondesk/internal/common"
	"optiondesk/internal/events"
	"optiondesk/internal/feed"
	"optiondesk/internal/flags"
	"optiondesk/internal/keylock"
	"optiondesk/internal/ledger"
	"optiondesk/internal/mode"
	"optiondesk/internal/paper"
	"optiondesk/internal/reentry"
	"optiondesk/internal/scheduler"
	"optiondesk/internal/stoploss"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Session gates live order placement and hears about live order failures.
type Session interface {
	CanTrade() error
	Report(err error)
}

// MetricsInterface is what the desk reports to.
type MetricsInterface interface {
	QuoteReceived()
	ErrorInc()
}

// Deps are the collaborators of a desk. Gateway, Session, Store and Metrics
// may be nil.
type Deps struct {
	Flags   *flags.Flags
	Ledger  *ledger.Ledger
	Stops   *stoploss.Engine
	Modes   *mode.Switch
	Session Session
	Gateway broker.Gateway
	Prices  *feed.PriceBook
	Wallet  *paper.Simulator
	Locks   *keylock.Locker
	Sched   *scheduler.Scheduler
	Store   reentry.Store
	Events  events.Publisher
	Metrics MetricsInterface
}

type Exec struct {
	flags   *flags.Flags
	ledger  *ledger.Ledger
	stops   *stoploss.Engine
	reentry *reentry.Controller
	modes   *mode.Switch
	session Session
	gateway broker.Gateway
	prices  *feed.PriceBook
	wallet  *paper.Simulator
	locks   *keylock.Locker
	metrics MetricsInterface
}

// New wires a desk and the re-entry controller that re-buys through it.
func New(d Deps, rc reentry.Config) *Exec {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	e := &Exec{
		flags:   d.Flags,
		ledger:  d.Ledger,
		stops:   d.Stops,
		modes:   d.Modes,
		session: d.Session,
		gateway: d.Gateway,
		prices:  d.Prices,
		wallet:  d.Wallet,
		locks:   d.Locks,
		metrics: d.Metrics,
	}
	e.reentry = reentry.New(rc, d.Flags, d.Ledger, e, d.Prices, d.Store, d.Locks, d.Sched, d.Events)
	return e
}

// Reentry exposes the controller for restore and read-only queries.
func (e *Exec) Reentry() *reentry.Controller {
	return e.reentry
}

// BuyRequest opens a position. Quantity wins over Lots; a zero price buys at
// the last traded price.
type BuyRequest struct {
	Instrument ledger.Instrument
	Lots       int64
	Quantity   int64
	Price      decimal.Decimal
}

// Buy places a buy order in the active mode and opens the position. A buy
// on an instrument waiting for its automatic re-buy takes over that record
// and ends the pending cycle.
func (e *Exec) Buy(ctx context.Context, req BuyRequest) (ledger.Position, error) {
	if err := req.Instrument.Validate(); err != nil {
		return ledger.Position{}, err
	}
	qty := req.Quantity
	if qty == 0 {
		qty = req.Lots * req.Instrument.LotSize()
	}
	if qty <= 0 {
		return ledger.Position{}, fmt.Errorf("%w: %d", common.ErrInvalidQuantity, qty)
	}
	if lot := req.Instrument.LotSize(); qty%lot != 0 {
		return ledger.Position{}, fmt.Errorf("%w: %d is not a multiple of lot size %d", common.ErrInvalidQuantity, qty, lot)
	}

	m := e.flags.Mode()
	inst := req.Instrument

	unlock := e.locks.Lock(inst.Key())
	defer unlock()

	cur, exists := e.ledger.FindActive(m, inst.Key())
	if exists && cur.State == ledger.StateOpen {
		return ledger.Position{}, fmt.Errorf("%w: %s %s", common.ErrDuplicateOpenPosition, m, inst)
	}
	price, err := e.priceFor(inst, req.Price, decimal.Zero)
	if err != nil {
		return ledger.Position{}, err
	}

	fill, err := e.place(ctx, m, broker.OrderRequest{Instrument: inst, Side: broker.Buy, Quantity: qty, Price: price, Tag: "manual"})
	if err != nil {
		return ledger.Position{}, err
	}

	p, err := e.ledger.Open(inst, m, fill.Quantity, fill.Price)
	if err != nil {
		log.Error().Err(err).Str("order", fill.OrderID).Str("instrument", inst.String()).Msg("order filled but ledger open failed")
		return ledger.Position{}, err
	}
	if exists {
		e.reentry.Forget(m, inst)
	}
	p = e.arm(p)

	log.Info().
		Str("position", p.ID).
		Str("instrument", inst.String()).
		Str("mode", string(m)).
		Int64("quantity", p.Quantity).
		Str("price", p.AveragePrice.StringFixed(2)).
		Msg("position opened")
	return p, nil
}

// SellRequest closes a position, by id or by instrument in the active mode.
// A zero price sells at the last traded price.
type SellRequest struct {
	PositionID string
	Instrument *ledger.Instrument
	Price      decimal.Decimal
}

// Sell closes an open position manually.
func (e *Exec) Sell(ctx context.Context, req SellRequest) (ledger.Trade, error) {
	p, err := e.resolve(req)
	if err != nil {
		return ledger.Trade{}, err
	}

	unlock := e.locks.Lock(p.Instrument.Key())
	defer unlock()

	return e.sellLocked(ctx, p.ID, req.Price, ledger.ReasonManual)
}

func (e *Exec) sellLocked(ctx context.Context, id string, price decimal.Decimal, reason ledger.CloseReason) (ledger.Trade, error) {
	p, err := e.ledger.Get(id)
	if err != nil {
		return ledger.Trade{}, err
	}
	if p.State != ledger.StateOpen {
		return ledger.Trade{}, fmt.Errorf("%w: %s", common.ErrAlreadyClosed, id)
	}
	price, err = e.priceFor(p.Instrument, price, p.LastPrice)
	if err != nil {
		return ledger.Trade{}, err
	}

	fill, err := e.place(ctx, p.Mode, broker.OrderRequest{Instrument: p.Instrument, Side: broker.Sell, Quantity: p.Quantity, Price: price, Tag: string(reason)})
	if err != nil {
		return ledger.Trade{}, err
	}
	t, err := e.ledger.Close(id, fill.Price, reason)
	if err != nil {
		log.Error().Err(err).Str("order", fill.OrderID).Str("position", id).Msg("order filled but ledger close failed")
		return ledger.Trade{}, err
	}
	e.stops.Forget(id)

	log.Info().
		Str("position", id).
		Str("instrument", p.Instrument.String()).
		Str("reason", string(reason)).
		Str("price", t.Price.StringFixed(2)).
		Str("pnl", t.PnL.StringFixed(2)).
		Msg("position closed")
	return t, nil
}

// SellAll closes every open position of the active mode and cancels every
// pending re-entry. It keeps going past failures and reports them joined.
func (e *Exec) SellAll(ctx context.Context) ([]ledger.Trade, error) {
	var (
		trades []ledger.Trade
		errs   []error
	)
	for _, p := range e.ledger.Active(e.flags.Mode()) {
		if p.WaitingForAutobuy() {
			if err := e.reentry.CancelPendingPosition(p.ID); err != nil && !errors.Is(err, common.ErrNotPending) {
				errs = append(errs, fmt.Errorf("cancel pending %s: %w", p.Instrument, err))
			}
			continue
		}

		unlock := e.locks.Lock(p.Instrument.Key())
		t, err := e.sellLocked(ctx, p.ID, decimal.Zero, ledger.ReasonSellAll)
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("sell %s: %w", p.Instrument, err))
			continue
		}
		trades = append(trades, t)
	}

	log.Info().Int("sold", len(trades)).Int("failed", len(errs)).Msg("sell all finished")
	return trades, errors.Join(errs...)
}

// UpdateStopLoss applies a manual stop loss edit. The edit loses to an
// algorithmic move made by a tick that held the instrument while it waited.
func (e *Exec) UpdateStopLoss(positionID string, price float64) (decimal.Decimal, error) {
	seen := e.stops.Moves(positionID)
	p, err := e.ledger.Get(positionID)
	if err != nil {
		return decimal.Zero, err
	}

	unlock := e.locks.Lock(p.Instrument.Key())
	defer unlock()

	p, err = e.ledger.Get(positionID)
	if err != nil {
		return decimal.Zero, err
	}
	return e.stops.ApplyManual(e.ledger, p, price, seen)
}

func (e *Exec) SetAlgorithm(name string) (string, error) {
	return e.stops.SetAlgorithm(name)
}

func (e *Exec) Algorithm() string {
	return e.stops.Algorithm().Name()
}

// ToggleCooldown flips (or sets) the cooldown flag of one position.
func (e *Exec) ToggleCooldown(positionID string, enabled *bool) (bool, error) {
	return e.reentry.ToggleIndividualCooldown(positionID, enabled)
}

func (e *Exec) SetGlobalCooldown(enabled bool) {
	e.reentry.SetGlobalCooldown(enabled)
}

func (e *Exec) GlobalCooldown() bool {
	return e.flags.CooldownEnabled()
}

// Respond answers a re-entry confirmation with "accept" or "reject".
func (e *Exec) Respond(ctx context.Context, confirmationID, decision string) error {
	d, err := reentry.ParseDecision(decision)
	if err != nil {
		return err
	}
	return e.reentry.RespondConfirmation(ctx, confirmationID, d)
}

func (e *Exec) CancelPending(positionID string) error {
	return e.reentry.CancelPendingPosition(positionID)
}

func (e *Exec) SetMode(ctx context.Context, m flags.Mode) error {
	return e.modes.SetMode(ctx, m)
}

func (e *Exec) Mode() flags.Mode {
	return e.flags.Mode()
}

// Positions returns the positions of m in insertion order.
func (e *Exec) Positions(m flags.Mode) []ledger.Position {
	return e.ledger.Snapshot(m)
}

func (e *Exec) Trades(m flags.Mode) []ledger.Trade {
	return e.ledger.Trades(m)
}

func (e *Exec) ClearHistory(m flags.Mode) error {
	return e.ledger.ClearHistory(m)
}

func (e *Exec) Wallet() paper.Wallet {
	return e.wallet.Wallet()
}

func (e *Exec) ResetWallet() (paper.Wallet, error) {
	return e.wallet.Reset()
}

// Funds returns the live broker margins.
func (e *Exec) Funds(ctx context.Context) (broker.Funds, error) {
	if e.gateway == nil {
		return broker.Funds{}, fmt.Errorf("%w: live broker not configured", common.ErrGatewayUnavailable)
	}
	return e.gateway.FetchFunds(ctx)
}

// BrokerPositions returns the net positions held at the live broker.
func (e *Exec) BrokerPositions(ctx context.Context) ([]broker.Holding, error) {
	if e.gateway == nil {
		return nil, fmt.Errorf("%w: live broker not configured", common.ErrGatewayUnavailable)
	}
	return e.gateway.FetchPositions(ctx)
}

// BrokerOrders returns today's order book at the live broker.
func (e *Exec) BrokerOrders(ctx context.Context) ([]broker.Order, error) {
	if e.gateway == nil {
		return nil, fmt.Errorf("%w: live broker not configured", common.ErrGatewayUnavailable)
	}
	return e.gateway.FetchOrders(ctx)
}

// OnQuote records q and evaluates the open positions on its instrument in
// both modes. A triggered stop is sold and handed to re-entry before the
// instrument lock is released. Quotes older than the last one seen are
// dropped.
func (e *Exec) OnQuote(ctx context.Context, q feed.Quote) {
	if !q.LTP.IsPositive() {
		return
	}
	if e.metrics != nil {
		e.metrics.QuoteReceived()
	}
	if !e.prices.Update(q) {
		log.Debug().Str("instrument", q.Instrument.String()).Time("ts", q.Ts).Msg("stale quote dropped")
		return
	}

	key := q.Instrument.Key()
	unlock := e.locks.Lock(key)
	defer unlock()

	for _, m := range []flags.Mode{flags.ModePaper, flags.ModeLive} {
		p, ok := e.ledger.FindActive(m, key)
		if !ok || p.State != ledger.StateOpen {
			continue
		}
		if err := e.tick(ctx, p, q.LTP); err != nil {
			if e.metrics != nil {
				e.metrics.ErrorInc()
			}
			log.Error().Err(err).Str("position", p.ID).Str("instrument", p.Instrument.String()).Msg("tick handling failed")
		}
	}
}

func (e *Exec) tick(ctx context.Context, p ledger.Position, last decimal.Decimal) error {
	p, err := e.ledger.MarkPrice(p.ID, last)
	if err != nil {
		return err
	}
	d, err := e.stops.OnTick(e.ledger, p, last)
	if err != nil {
		return err
	}
	if !d.Triggered {
		return nil
	}

	log.Warn().
		Str("position", p.ID).
		Str("instrument", p.Instrument.String()).
		Str("stop", d.Stop.StringFixed(2)).
		Str("last", last.StringFixed(2)).
		Msg("stop loss triggered")

	sell, err := e.sellLocked(ctx, p.ID, last, ledger.ReasonStopLoss)
	if err != nil {
		return fmt.Errorf("stop loss sell: %w", err)
	}
	closed, err := e.ledger.Get(p.ID)
	if err != nil {
		return err
	}
	return e.reentry.OnStoppedOut(ctx, closed, sell)
}

// Run feeds quotes into the desk until ctx is done or quotes closes.
func (e *Exec) Run(ctx context.Context, quotes <-chan feed.Quote) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-quotes:
			if !ok {
				return
			}
			e.OnQuote(ctx, q)
		}
	}
}

// RebuyLocked buys back a position waiting for its automatic re-buy at the
// last traded price. The caller holds the instrument lock.
func (e *Exec) RebuyLocked(ctx context.Context, positionID string) (ledger.Position, error) {
	p, err := e.ledger.Get(positionID)
	if err != nil {
		return ledger.Position{}, err
	}
	if !p.WaitingForAutobuy() {
		return ledger.Position{}, fmt.Errorf("%w: %s", common.ErrNotWaiting, positionID)
	}
	price, err := e.priceFor(p.Instrument, decimal.Zero, p.LastPrice)
	if err != nil {
		return ledger.Position{}, err
	}

	fill, err := e.place(ctx, p.Mode, broker.OrderRequest{Instrument: p.Instrument, Side: broker.Buy, Quantity: p.OriginalQuantity, Price: price, Tag: "auto_buy"})
	if err != nil {
		return ledger.Position{}, err
	}
	p, _, err = e.ledger.Reopen(positionID, fill.Price)
	if err != nil {
		log.Error().Err(err).Str("order", fill.OrderID).Str("position", positionID).Msg("order filled but ledger reopen failed")
		return ledger.Position{}, err
	}
	return e.arm(p), nil
}

func (e *Exec) place(ctx context.Context, m flags.Mode, req broker.OrderRequest) (broker.Fill, error) {
	if m == flags.ModeLive && e.session != nil {
		if err := e.session.CanTrade(); err != nil {
			return broker.Fill{}, err
		}
	}
	ex := e.modes.ExecutorFor(m)
	if ex == nil {
		return broker.Fill{}, fmt.Errorf("%w: no %s backend", common.ErrGatewayUnavailable, m)
	}
	fill, err := ex.PlaceOrder(ctx, req)
	if err != nil {
		if m == flags.ModeLive && e.session != nil {
			e.session.Report(err)
		}
		return broker.Fill{}, err
	}
	if !fill.Price.IsPositive() {
		fill.Price = req.Price
	}
	if fill.Quantity <= 0 {
		fill.Quantity = req.Quantity
	}
	return fill, nil
}

func (e *Exec) arm(p ledger.Position) ledger.Position {
	if _, err := e.stops.Arm(e.ledger, p); err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("failed to arm stop loss")
		return p
	}
	if armed, err := e.ledger.Get(p.ID); err == nil {
		return armed
	}
	return p
}

// priceFor picks the order price: the requested one, else the last traded
// price, else fallback.
func (e *Exec) priceFor(inst ledger.Instrument, requested, fallback decimal.Decimal) (decimal.Decimal, error) {
	if requested.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", common.ErrInvalidPrice, requested)
	}
	if requested.IsPositive() {
		return requested, nil
	}
	if last, ok := e.prices.LastPrice(inst); ok && last.IsPositive() {
		return last, nil
	}
	if fallback.IsPositive() {
		return fallback, nil
	}
	return decimal.Zero, fmt.Errorf("%w: no price for %s", common.ErrInvalidPrice, inst)
}

func (e *Exec) resolve(req SellRequest) (ledger.Position, error) {
	if req.PositionID != "" {
		return e.ledger.Get(req.PositionID)
	}
	if req.Instrument == nil {
		return ledger.Position{}, fmt.Errorf("%w: position_id or instrument required", common.ErrPositionNotFound)
	}
	p, ok := e.ledger.FindActive(e.flags.Mode(), req.Instrument.Key())
	if !ok {
		return ledger.Position{}, fmt.Errorf("%w: %s", common.ErrPositionNotFound, req.Instrument)
	}
	return p, nil
}
