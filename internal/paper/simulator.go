// Package paper simulates order execution against a virtual wallet.
//
// Orders fill in full at the requested price: no slippage and no partial
// fills.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"optiondesk/internal/broker"
	"optiondesk/internal/common"
	"optiondesk/internal/events"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// BalanceStore persists the wallet balance.
type BalanceStore interface {
	SaveBalance(balance decimal.Decimal) error
}

// Wallet is a snapshot of the virtual funds.
type Wallet struct {
	Balance   decimal.Decimal `json:"balance"`
	Initial   decimal.Decimal `json:"initial"`
	PnL       decimal.Decimal `json:"pnl"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Simulator implements broker.Executor for paper trading.
type Simulator struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	initial   decimal.Decimal
	updatedAt time.Time

	store  BalanceStore
	events events.Publisher
}

func New(initial decimal.Decimal, store BalanceStore, pub events.Publisher) *Simulator {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Simulator{
		balance:   initial,
		initial:   initial,
		updatedAt: time.Now(),
		store:     store,
		events:    pub,
	}
}

// Restore sets the balance loaded from storage.
func (s *Simulator) Restore(balance decimal.Decimal) {
	s.mu.Lock()
	s.balance = balance
	s.mu.Unlock()
}

// PlaceOrder fills req immediately. Buys fail with ErrInsufficientFunds when
// the wallet cannot cover them.
func (s *Simulator) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Fill, error) {
	if err := ctx.Err(); err != nil {
		return broker.Fill{}, err
	}
	if req.Quantity <= 0 {
		return broker.Fill{}, fmt.Errorf("%w: %d", common.ErrInvalidQuantity, req.Quantity)
	}
	if !req.Price.IsPositive() {
		return broker.Fill{}, fmt.Errorf("%w: %s", common.ErrInvalidPrice, req.Price)
	}

	value := req.Price.Mul(decimal.NewFromInt(req.Quantity)).Round(2)

	s.mu.Lock()
	next := s.balance
	switch req.Side {
	case broker.Buy:
		if value.GreaterThan(next) {
			s.mu.Unlock()
			return broker.Fill{}, fmt.Errorf("%w: need %s, have %s", common.ErrInsufficientFunds,
				value.StringFixed(2), next.StringFixed(2))
		}
		next = next.Sub(value)
	case broker.Sell:
		next = next.Add(value)
	default:
		s.mu.Unlock()
		return broker.Fill{}, fmt.Errorf("%w: side %q", common.ErrOrderRejected, req.Side)
	}

	if s.store != nil {
		if err := s.store.SaveBalance(next); err != nil {
			s.mu.Unlock()
			return broker.Fill{}, fmt.Errorf("persist paper balance: %w", err)
		}
	}
	s.balance = next
	s.updatedAt = time.Now()
	w := s.walletLocked()
	s.mu.Unlock()

	s.events.Publish(events.WalletChanged, w)
	log.Debug().
		Str("side", string(req.Side)).
		Str("instrument", req.Instrument.String()).
		Str("value", value.StringFixed(2)).
		Str("balance", w.Balance.StringFixed(2)).
		Msg("paper order filled")

	return broker.Fill{
		OrderID:  "PAPER-" + uuid.NewString(),
		Price:    req.Price,
		Quantity: req.Quantity,
	}, nil
}

// Wallet returns the current wallet snapshot.
func (s *Simulator) Wallet() Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walletLocked()
}

// Reset restores the initial balance.
func (s *Simulator) Reset() (Wallet, error) {
	s.mu.Lock()
	if s.store != nil {
		if err := s.store.SaveBalance(s.initial); err != nil {
			s.mu.Unlock()
			return Wallet{}, fmt.Errorf("persist paper balance: %w", err)
		}
	}
	s.balance = s.initial
	s.updatedAt = time.Now()
	w := s.walletLocked()
	s.mu.Unlock()

	s.events.Publish(events.WalletChanged, w)
	log.Info().Str("balance", w.Balance.StringFixed(2)).Msg("paper wallet reset")
	return w, nil
}

func (s *Simulator) walletLocked() Wallet {
	return Wallet{
		Balance:   s.balance,
		Initial:   s.initial,
		PnL:       s.balance.Sub(s.initial),
		UpdatedAt: s.updatedAt,
	}
}
