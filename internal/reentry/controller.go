// Package reentry decides whether and when a stopped-out position is bought
// back automatically.
//
// Each (mode, instrument) pair runs the cycle
//
//	ACTIVE -> STOPPED_OUT -> COOLING_DOWN | AWAITING_CONFIRMATION -> REBOUGHT -> ACTIVE
//
// with CANCELLED reachable from every waiting state. Transitions happen under
// the instrument lock. OnStoppedOut and Forget expect the caller to hold it
// already; every other entry point, timers included, takes it itself and
// re-checks the cycle state before acting.
package reentry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"optiondesk/internal/common"
	"optiondesk/internal/events"
	"optiondesk/internal/flags"
	"optiondesk/internal/keylock"
	"optiondesk/internal/ledger"
	"optiondesk/internal/scheduler"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Ledger is the part of the position ledger the controller uses.
type Ledger interface {
	Get(id string) (ledger.Position, error)
	MarkWaitingForAutobuy(id string, originalQuantity int64) error
	CancelPending(id string) error
	SetIndividualCooldown(id string, enabled bool) (ledger.Position, error)
}

// Rebuyer places the re-buy order and reopens the ledger position. It is
// always called with the instrument lock held.
type Rebuyer interface {
	RebuyLocked(ctx context.Context, positionID string) (ledger.Position, error)
}

// Prices answers last-price lookups for confirmation prompts.
type Prices interface {
	LastPrice(inst ledger.Instrument) (decimal.Decimal, bool)
}

// Store persists cooldowns and confirmations.
type Store interface {
	SaveCooldown(c Cooldown) error
	DeleteCooldown(key string) error
	SaveConfirmation(c Confirmation) error
	DeleteConfirmation(id string) error
}

// Config holds the controller parameters.
type Config struct {
	Cooldown            time.Duration
	RequireConfirmation bool
	ConfirmTimeout      time.Duration
	ToggleDebounce      time.Duration
	MaxAutoBuys         int
	RebuyTimeout        time.Duration
}

// Controller is safe for concurrent use.
type Controller struct {
	cfg     Config
	flags   *flags.Flags
	ledger  Ledger
	rebuyer Rebuyer
	prices  Prices
	store   Store
	locks   *keylock.Locker
	sched   *scheduler.Scheduler
	events  events.Publisher

	mu            sync.Mutex
	cycles        map[string]*Cycle
	cooldowns     map[string]Cooldown
	confirmations map[string]Confirmation
	lastToggle    map[string]time.Time

	now func() time.Time
}

// New wires a controller. store and prices may be nil.
func New(cfg Config, f *flags.Flags, l Ledger, rb Rebuyer, prices Prices, store Store,
	locks *keylock.Locker, sched *scheduler.Scheduler, pub events.Publisher) *Controller {
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.RebuyTimeout <= 0 {
		cfg.RebuyTimeout = 2 * common.DefaultRESTTimeout
	}
	return &Controller{
		cfg:           cfg,
		flags:         f,
		ledger:        l,
		rebuyer:       rb,
		prices:        prices,
		store:         store,
		locks:         locks,
		sched:         sched,
		events:        pub,
		cycles:        make(map[string]*Cycle),
		cooldowns:     make(map[string]Cooldown),
		confirmations: make(map[string]Confirmation),
		lastToggle:    make(map[string]time.Time),
		now:           time.Now,
	}
}

// OnStoppedOut starts a cycle for a position the stop-loss engine just
// closed. The caller holds the instrument lock.
func (c *Controller) OnStoppedOut(ctx context.Context, p ledger.Position, sell ledger.Trade) error {
	key := CycleKey(p.Mode, p.Instrument)

	if err := c.ledger.MarkWaitingForAutobuy(p.ID, sell.Quantity); err != nil {
		return fmt.Errorf("mark waiting for auto buy: %w", err)
	}
	c.transition(key, p, StateStoppedOut, "stop loss hit")

	global := c.flags.CooldownEnabled()
	effective := global && p.IndividualCooldownEnabled

	if !effective {
		if c.cfg.MaxAutoBuys > 0 && p.AutoBuyCount >= c.cfg.MaxAutoBuys {
			log.Warn().
				Str("instrument", p.Instrument.String()).
				Int("auto_buys", p.AutoBuyCount).
				Msg("auto buy limit reached, forcing cooldown")
			return c.startCooldown(key, p, ReasonAutoBuyLimit)
		}
		return c.rebuy(ctx, key, p.ID)
	}

	if sell.PnL.IsPositive() && c.cfg.RequireConfirmation {
		return c.askConfirmation(key, p, sell)
	}
	return c.startCooldown(key, p, ReasonCooldown)
}

func (c *Controller) startCooldown(key string, p ledger.Position, reason string) error {
	now := c.now()
	cd := Cooldown{
		Key:        key,
		PositionID: p.ID,
		Instrument: p.Instrument,
		Mode:       p.Mode,
		StartedAt:  now,
		ExpiresAt:  now.Add(c.cfg.Cooldown),
		Reason:     reason,
	}
	if c.store != nil {
		if err := c.store.SaveCooldown(cd); err != nil {
			log.Error().Err(err).Str("cycle", key).Msg("failed to persist cooldown")
		}
	}

	c.mu.Lock()
	c.cooldowns[key] = cd
	c.mu.Unlock()

	c.armCooldown(cd)
	c.transition(key, p, StateCoolingDown, reason)
	c.events.Publish(events.CooldownChanged, cd)

	log.Info().
		Str("instrument", p.Instrument.String()).
		Str("mode", string(p.Mode)).
		Dur("cooldown", c.cfg.Cooldown).
		Str("reason", reason).
		Msg("cooldown started")
	return nil
}

func (c *Controller) armCooldown(cd Cooldown) {
	delay := cd.ExpiresAt.Sub(c.now())
	c.sched.Schedule("cooldown:"+cd.Key, delay, func() {
		c.onCooldownExpired(cd)
	})
}

func (c *Controller) onCooldownExpired(cd Cooldown) {
	unlock := c.locks.Lock(cd.Instrument.Key())
	defer unlock()

	c.mu.Lock()
	cur, ok := c.cycles[cd.Key]
	live := ok && cur.State == StateCoolingDown && cur.PositionID == cd.PositionID
	c.mu.Unlock()
	if !live {
		log.Debug().Str("cycle", cd.Key).Msg("cooldown fired after cycle moved on")
		return
	}

	c.dropCooldown(cd.Key)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RebuyTimeout)
	defer cancel()
	if err := c.rebuy(ctx, cd.Key, cd.PositionID); err != nil {
		log.Error().Err(err).Str("cycle", cd.Key).Msg("auto buy after cooldown failed")
	}
}

func (c *Controller) askConfirmation(key string, p ledger.Position, sell ledger.Trade) error {
	now := c.now()
	price := sell.Price
	if c.prices != nil {
		if last, ok := c.prices.LastPrice(p.Instrument); ok {
			price = last
		}
	}

	conf := Confirmation{
		ID:           uuid.NewString(),
		Key:          key,
		PositionID:   p.ID,
		Instrument:   p.Instrument,
		Mode:         p.Mode,
		BuyPrice:     p.AveragePrice,
		SellPrice:    sell.Price,
		Profit:       sell.PnL,
		ReentryPrice: price,
		Quantity:     sell.Quantity,
		Lots:         lotsFor(p.Instrument, sell.Quantity),
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.cfg.ConfirmTimeout),
		Decision:     DecisionPending,
	}
	if c.store != nil {
		if err := c.store.SaveConfirmation(conf); err != nil {
			log.Error().Err(err).Str("confirmation", conf.ID).Msg("failed to persist confirmation")
		}
	}

	c.mu.Lock()
	c.confirmations[conf.ID] = conf
	c.mu.Unlock()

	c.armConfirmation(conf)
	c.transition(key, p, StateAwaitingConfirmation, "profitable exit")
	c.events.Publish(events.ConfirmationCreated, conf)

	log.Info().
		Str("confirmation", conf.ID).
		Str("instrument", p.Instrument.String()).
		Str("profit", conf.Profit.StringFixed(2)).
		Msg("re-entry confirmation requested")
	return nil
}

func (c *Controller) armConfirmation(conf Confirmation) {
	delay := conf.ExpiresAt.Sub(c.now())
	c.sched.Schedule("confirm:"+conf.ID, delay, func() {
		if err := c.resolve(context.Background(), conf.ID, DecisionTimeout); err != nil &&
			!errors.Is(err, common.ErrConfirmationNotFound) {
			log.Error().Err(err).Str("confirmation", conf.ID).Msg("confirmation timeout handling failed")
		}
	})
}

// RespondConfirmation applies the user's decision to a pending confirmation.
func (c *Controller) RespondConfirmation(ctx context.Context, id string, decision Decision) error {
	if decision != DecisionAccept && decision != DecisionReject {
		return fmt.Errorf("%w: %q", common.ErrInvalidDecision, decision)
	}
	return c.resolve(ctx, id, decision)
}

func (c *Controller) resolve(ctx context.Context, id string, decision Decision) error {
	c.mu.Lock()
	conf, ok := c.confirmations[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrConfirmationNotFound, id)
	}

	unlock := c.locks.Lock(conf.Instrument.Key())
	defer unlock()

	// re-check under the lock: a racing decision or timeout may have won
	c.mu.Lock()
	conf, ok = c.confirmations[id]
	if ok {
		delete(c.confirmations, id)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrConfirmationNotFound, id)
	}

	if decision != DecisionTimeout {
		c.sched.Cancel("confirm:" + id)
	}
	if c.store != nil {
		if err := c.store.DeleteConfirmation(id); err != nil {
			log.Error().Err(err).Str("confirmation", id).Msg("failed to delete confirmation")
		}
	}

	conf.Decision = decision
	c.events.Publish(events.ConfirmationResolved, conf)
	log.Info().Str("confirmation", id).Str("decision", string(decision)).Msg("re-entry confirmation resolved")

	if decision == DecisionAccept {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.RebuyTimeout)
		defer cancel()
		return c.rebuy(ctx, conf.Key, conf.PositionID)
	}
	return c.cancelCycle(conf.Key, conf.PositionID, string(decision))
}

// rebuy runs the re-buy under the instrument lock the caller holds. A failed
// re-buy cancels the cycle and is not retried.
func (c *Controller) rebuy(ctx context.Context, key, positionID string) error {
	p, err := c.rebuyer.RebuyLocked(ctx, positionID)
	if err != nil {
		if cerr := c.cancelCycle(key, positionID, "auto buy failed"); cerr != nil {
			log.Error().Err(cerr).Str("cycle", key).Msg("failed to cancel cycle after auto buy failure")
		}
		return fmt.Errorf("auto buy %s: %w", positionID, err)
	}

	c.transition(key, p, StateRebought, "")
	c.transition(key, p, StateActive, "")

	log.Info().
		Str("instrument", p.Instrument.String()).
		Str("mode", string(p.Mode)).
		Int64("quantity", p.Quantity).
		Str("price", p.AveragePrice.StringFixed(2)).
		Int("auto_buys", p.AutoBuyCount).
		Msg("auto buy executed")
	return nil
}

func (c *Controller) cancelCycle(key, positionID, reason string) error {
	c.sched.Cancel("cooldown:" + key)
	c.dropCooldown(key)

	err := c.ledger.CancelPending(positionID)
	if err != nil && !errors.Is(err, common.ErrNotWaiting) {
		return err
	}

	p, gerr := c.ledger.Get(positionID)
	if gerr != nil {
		return gerr
	}
	c.transition(key, p, StateCancelled, reason)
	return nil
}

// CancelPendingPosition cancels the re-entry cycle of a position waiting for
// its automatic re-buy.
func (c *Controller) CancelPendingPosition(positionID string) error {
	p, err := c.ledger.Get(positionID)
	if err != nil {
		return err
	}

	unlock := c.locks.Lock(p.Instrument.Key())
	defer unlock()

	p, err = c.ledger.Get(positionID)
	if err != nil {
		return err
	}
	key := CycleKey(p.Mode, p.Instrument)

	c.mu.Lock()
	cyc, ok := c.cycles[key]
	state := StateActive
	if ok && cyc.PositionID == positionID {
		state = cyc.State
	}
	if !state.cancellable() && !p.WaitingForAutobuy() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", common.ErrNotPending, positionID)
	}
	var confID string
	for id, conf := range c.confirmations {
		if conf.Key == key {
			confID = id
			delete(c.confirmations, id)
		}
	}
	c.mu.Unlock()

	if confID != "" {
		c.sched.Cancel("confirm:" + confID)
		if c.store != nil {
			if err := c.store.DeleteConfirmation(confID); err != nil {
				log.Error().Err(err).Str("confirmation", confID).Msg("failed to delete confirmation")
			}
		}
	}
	log.Info().Str("position", positionID).Str("state", string(state)).Msg("pending re-entry cancelled")
	return c.cancelCycle(key, positionID, "cancelled by user")
}

// ToggleIndividualCooldown sets the per-position cooldown flag, flipping it
// when enabled is nil. Toggles on the same instrument closer together than
// the debounce window fail with ErrDebounced.
func (c *Controller) ToggleIndividualCooldown(positionID string, enabled *bool) (bool, error) {
	p, err := c.ledger.Get(positionID)
	if err != nil {
		return false, err
	}

	unlock := c.locks.Lock(p.Instrument.Key())
	defer unlock()

	key := CycleKey(p.Mode, p.Instrument)
	now := c.now()

	c.mu.Lock()
	last, seen := c.lastToggle[key]
	c.mu.Unlock()
	if seen && now.Sub(last) < c.cfg.ToggleDebounce {
		return false, fmt.Errorf("%w: cooldown toggled %s ago", common.ErrDebounced, now.Sub(last))
	}

	p, err = c.ledger.Get(positionID)
	if err != nil {
		return false, err
	}
	next := !p.IndividualCooldownEnabled
	if enabled != nil {
		next = *enabled
	}

	if _, err := c.ledger.SetIndividualCooldown(positionID, next); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.lastToggle[key] = now
	c.mu.Unlock()

	c.events.Publish(events.CooldownChanged, map[string]any{
		"position_id": positionID,
		"instrument":  p.Instrument,
		"enabled":     next,
	})
	log.Info().Str("instrument", p.Instrument.String()).Bool("enabled", next).Msg("individual cooldown toggled")
	return next, nil
}

// SetGlobalCooldown flips the process-wide cooldown switch. Individual flags
// are kept as they are.
func (c *Controller) SetGlobalCooldown(enabled bool) {
	c.flags.SetCooldownEnabled(enabled)
	c.events.Publish(events.CooldownChanged, map[string]any{"global": enabled})
	log.Info().Bool("enabled", enabled).Msg("global cooldown toggled")
}

// Forget resets the cycle of an instrument after a manual action took over,
// such as a manual buy while a re-entry was pending. The caller holds the
// instrument lock.
func (c *Controller) Forget(mode flags.Mode, inst ledger.Instrument) {
	key := CycleKey(mode, inst)

	c.sched.Cancel("cooldown:" + key)
	c.dropCooldown(key)

	c.mu.Lock()
	var ids []string
	for id, conf := range c.confirmations {
		if conf.Key == key {
			ids = append(ids, id)
			delete(c.confirmations, id)
		}
	}
	delete(c.cycles, key)
	c.mu.Unlock()

	for _, id := range ids {
		c.sched.Cancel("confirm:" + id)
		if c.store != nil {
			if err := c.store.DeleteConfirmation(id); err != nil {
				log.Error().Err(err).Str("confirmation", id).Msg("failed to delete confirmation")
			}
		}
	}
}

// Restore re-arms persisted cooldowns and confirmations. Anything already
// past its deadline fires immediately.
func (c *Controller) Restore(cooldowns []Cooldown, confirmations []Confirmation) {
	c.mu.Lock()
	for _, cd := range cooldowns {
		c.cooldowns[cd.Key] = cd
		c.cycles[cd.Key] = &Cycle{
			Key:        cd.Key,
			PositionID: cd.PositionID,
			Instrument: cd.Instrument,
			Mode:       cd.Mode,
			State:      StateCoolingDown,
			Reason:     cd.Reason,
			UpdatedAt:  cd.StartedAt,
		}
	}
	for _, conf := range confirmations {
		c.confirmations[conf.ID] = conf
		c.cycles[conf.Key] = &Cycle{
			Key:        conf.Key,
			PositionID: conf.PositionID,
			Instrument: conf.Instrument,
			Mode:       conf.Mode,
			State:      StateAwaitingConfirmation,
			UpdatedAt:  conf.CreatedAt,
		}
	}
	c.mu.Unlock()

	for _, cd := range cooldowns {
		c.armCooldown(cd)
	}
	for _, conf := range confirmations {
		c.armConfirmation(conf)
	}
	log.Info().Int("cooldowns", len(cooldowns)).Int("confirmations", len(confirmations)).Msg("re-entry state restored")
}

// State returns the cycle state of an instrument, ACTIVE when none is known.
func (c *Controller) State(mode flags.Mode, inst ledger.Instrument) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cyc, ok := c.cycles[CycleKey(mode, inst)]; ok {
		return cyc.State
	}
	return StateActive
}

// PendingConfirmations lists open confirmations, oldest first.
func (c *Controller) PendingConfirmations() []Confirmation {
	c.mu.Lock()
	out := make([]Confirmation, 0, len(c.confirmations))
	for _, conf := range c.confirmations {
		out = append(out, conf)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cooldowns lists running cooldowns, soonest expiry first.
func (c *Controller) Cooldowns() []Cooldown {
	c.mu.Lock()
	out := make([]Cooldown, 0, len(c.cooldowns))
	for _, cd := range c.cooldowns {
		out = append(out, cd)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

func (c *Controller) dropCooldown(key string) {
	c.mu.Lock()
	_, ok := c.cooldowns[key]
	delete(c.cooldowns, key)
	c.mu.Unlock()

	if ok && c.store != nil {
		if err := c.store.DeleteCooldown(key); err != nil {
			log.Error().Err(err).Str("cycle", key).Msg("failed to delete cooldown")
		}
	}
}

func (c *Controller) transition(key string, p ledger.Position, state State, reason string) {
	cyc := Cycle{
		Key:        key,
		PositionID: p.ID,
		Instrument: p.Instrument,
		Mode:       p.Mode,
		State:      state,
		Reason:     reason,
		UpdatedAt:  c.now(),
	}

	c.mu.Lock()
	c.cycles[key] = &cyc
	c.mu.Unlock()

	c.events.Publish(events.ReentryStateChanged, cyc)
}
