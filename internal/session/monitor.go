// Package session watches the health of the live broker session.
//
// The monitor polls the gateway on a fixed interval while LIVE trading is
// active and on demand through Check. Live order placement is gated on
// CanTrade.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"optiondesk/internal/broker"
	"optiondesk/internal/common"
	"optiondesk/internal/events"
	"optiondesk/internal/flags"
	"optiondesk/internal/scheduler"

	"github.com/rs/zerolog/log"
)

// State is the health of the broker session.
type State string

const (
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
	StateTokenExpired State = "TOKEN_EXPIRED"
	StateError        State = "ERROR"
)

// Prober reports the broker connection status.
type Prober interface {
	ConnectionStatus(ctx context.Context) (broker.Status, error)
}

// Snapshot is the result of the most recent check.
type Snapshot struct {
	State     State     `json:"state"`
	UserID    string    `json:"user_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	Since     time.Time `json:"since"`
	Running   bool      `json:"running"`
}

func (s Snapshot) Healthy() bool {
	return s.State == StateConnected
}

// Monitor is safe for concurrent use.
type Monitor struct {
	prober   Prober
	flags    *flags.Flags
	interval time.Duration
	timeout  time.Duration
	events   events.Publisher

	mu     sync.Mutex
	snap   Snapshot
	cancel context.CancelFunc
	done   <-chan struct{}
}

func New(p Prober, f *flags.Flags, interval, timeout time.Duration, pub events.Publisher) *Monitor {
	if pub == nil {
		pub = events.Nop{}
	}
	if interval <= 0 {
		interval = common.DefaultSessionInterval
	}
	if timeout <= 0 {
		timeout = common.DefaultRESTTimeout
	}
	return &Monitor{
		prober:   p,
		flags:    f,
		interval: interval,
		timeout:  timeout,
		events:   pub,
		snap:     Snapshot{State: StateDisconnected},
	}
}

// Start runs a check right away and then keeps polling until Stop. Calling
// Start on a running monitor only runs the check. An expired token found in
// LIVE mode asks for re-authentication even when the state did not change.
func (m *Monitor) Start(ctx context.Context) Snapshot {
	snap, changed := m.check(ctx)
	if !changed {
		m.requestReauth(snap)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return m.snap
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = scheduler.Every(loopCtx, m.interval, false, func(ctx context.Context) {
		m.Check(ctx)
	})
	m.snap.Running = true
	snap.Running = true

	log.Info().Dur("interval", m.interval).Msg("session monitor started")
	return snap
}

// Stop ends polling and waits for an in-flight check to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.snap.Running = false
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("session monitor stopped")
}

// Check probes the gateway once and records the result.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	snap, _ := m.check(ctx)
	return snap
}

func (m *Monitor) check(ctx context.Context) (Snapshot, bool) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	st, err := m.prober.ConnectionStatus(ctx)
	return m.record(classify(st, err), st.UserID, st.Message)
}

// Report feeds the outcome of a live order into the session. Token and
// connectivity failures degrade the state right away so later orders are
// refused before the next poll. Other order errors leave it alone.
func (m *Monitor) Report(err error) {
	var next State
	switch {
	case err == nil:
		return
	case errors.Is(err, common.ErrTokenExpired):
		next = StateTokenExpired
	case errors.Is(err, common.ErrGatewayUnavailable):
		next = StateDisconnected
	default:
		return
	}

	m.mu.Lock()
	user := m.snap.UserID
	m.mu.Unlock()
	m.record(next, user, err.Error())
}

func (m *Monitor) record(next State, user, message string) (Snapshot, bool) {
	now := time.Now()

	m.mu.Lock()
	prev := m.snap
	m.snap.State = next
	m.snap.UserID = user
	m.snap.Message = message
	m.snap.CheckedAt = now
	if prev.State != next || prev.Since.IsZero() {
		m.snap.Since = now
	}
	snap := m.snap
	m.mu.Unlock()

	changed := prev.State != next
	if changed {
		m.onTransition(prev.State, snap)
	}
	return snap, changed
}

func (m *Monitor) onTransition(from State, snap Snapshot) {
	m.events.Publish(events.SessionChanged, snap)

	l := log.Info()
	if !snap.Healthy() {
		l = log.Warn()
	}
	l.Str("from", string(from)).Str("to", string(snap.State)).Str("detail", snap.Message).Msg("broker session state changed")

	m.requestReauth(snap)
}

func (m *Monitor) requestReauth(snap Snapshot) {
	if snap.State != StateTokenExpired || !m.flags.IsLive() {
		return
	}
	m.events.Publish(events.ReauthRequired, snap)
	log.Warn().Msg("broker token expired, re-authentication required")
}

// Status returns the last recorded snapshot.
func (m *Monitor) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// CanTrade reports whether live orders may be placed.
func (m *Monitor) CanTrade() error {
	snap := m.Status()
	switch snap.State {
	case StateConnected:
		return nil
	case StateTokenExpired:
		return common.ErrTokenExpired
	default:
		return fmt.Errorf("%w: session %s", common.ErrGatewayUnavailable, snap.State)
	}
}

func classify(st broker.Status, err error) State {
	switch {
	case st.TokenExpired || errors.Is(err, common.ErrTokenExpired):
		return StateTokenExpired
	case err == nil && st.Connected:
		return StateConnected
	case err == nil, errors.Is(err, common.ErrGatewayUnavailable):
		return StateDisconnected
	default:
		return StateError
	}
}
