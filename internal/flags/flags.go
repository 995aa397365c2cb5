// Package flags holds the process-wide trading switches: the active trading
// mode, the global cooldown flag and the selected stop-loss algorithm.
//
// A single *Flags is created at startup and handed to every component by
// reference. Writers are limited to the mode switch, the re-entry controller
// and the stop-loss engine; everyone else only reads.
package flags

import (
	"sync/atomic"
)

// Mode selects the execution backend and the ledger namespace.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeLive  Mode = "LIVE"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModePaper || m == ModeLive
}

// Flags is safe for concurrent use.
type Flags struct {
	mode      atomic.Value // Mode
	cooldown  atomic.Bool
	algorithm atomic.Value // string
}

// New returns flags initialised from startup configuration.
func New(mode Mode, cooldownEnabled bool, algorithm string) *Flags {
	f := &Flags{}
	f.mode.Store(mode)
	f.cooldown.Store(cooldownEnabled)
	f.algorithm.Store(algorithm)
	return f
}

func (f *Flags) Mode() Mode {
	return f.mode.Load().(Mode)
}

func (f *Flags) IsLive() bool {
	return f.Mode() == ModeLive
}

func (f *Flags) SetMode(m Mode) {
	f.mode.Store(m)
}

// CooldownEnabled is the global cooldown switch.
func (f *Flags) CooldownEnabled() bool {
	return f.cooldown.Load()
}

func (f *Flags) SetCooldownEnabled(enabled bool) {
	f.cooldown.Store(enabled)
}

func (f *Flags) Algorithm() string {
	return f.algorithm.Load().(string)
}

func (f *Flags) SetAlgorithm(name string) {
	f.algorithm.Store(name)
}
