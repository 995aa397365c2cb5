// Package mode switches the desk between paper and live trading.
package mode

import (
	"context"
	"fmt"
	"sync/atomic"

	"optiondesk/internal/broker"
	"optiondesk/internal/common"
	"optiondesk/internal/events"
	"optiondesk/internal/flags"
	"optiondesk/internal/session"

	"github.com/rs/zerolog/log"
)

// Monitor is the session monitor lifecycle the switch drives.
type Monitor interface {
	Start(ctx context.Context) session.Snapshot
	Stop()
}

// Switch routes orders to the backend of the active mode. Only one mode
// change runs at a time.
type Switch struct {
	flags   *flags.Flags
	paper   broker.Executor
	live    broker.Executor
	monitor Monitor
	events  events.Publisher

	busy atomic.Bool
}

// New wires a switch. live may be nil when no broker is configured, in
// which case switching to LIVE fails.
func New(f *flags.Flags, paper, live broker.Executor, m Monitor, pub events.Publisher) *Switch {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Switch{flags: f, paper: paper, live: live, monitor: m, events: pub}
}

// SetMode changes the trading mode. A concurrent call fails with
// ErrToggleInProgress.
func (s *Switch) SetMode(ctx context.Context, m flags.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %q", common.ErrInvalidMode, m)
	}
	if !s.busy.CompareAndSwap(false, true) {
		return common.ErrToggleInProgress
	}
	defer s.busy.Store(false)

	prev := s.flags.Mode()
	if m == flags.ModeLive && s.live == nil {
		return fmt.Errorf("%w: live broker not configured", common.ErrGatewayUnavailable)
	}

	// The monitor reads the mode when it decides to ask for re-authentication,
	// so the flag flips before the first check.
	s.flags.SetMode(m)
	if s.monitor != nil {
		if m == flags.ModeLive {
			snap := s.monitor.Start(ctx)
			if !snap.Healthy() {
				log.Warn().Str("session", string(snap.State)).Msg("switching to live with an unhealthy broker session")
			}
		} else {
			s.monitor.Stop()
		}
	}

	if prev != m {
		s.events.Publish(events.ModeChanged, map[string]any{"mode": m, "previous": prev})
	}
	log.Info().Str("from", string(prev)).Str("to", string(m)).Msg("trading mode set")
	return nil
}

func (s *Switch) Mode() flags.Mode {
	return s.flags.Mode()
}

// Executor returns the order backend of the active mode.
func (s *Switch) Executor() broker.Executor {
	return s.ExecutorFor(s.flags.Mode())
}

// ExecutorFor returns the order backend of m. Positions keep the backend of
// the mode they were opened in.
func (s *Switch) ExecutorFor(m flags.Mode) broker.Executor {
	if m == flags.ModeLive {
		return s.live
	}
	return s.paper
}
