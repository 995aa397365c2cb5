package reentry

import (
	"fmt"
	"strings"
	"time"

	"optiondesk/internal/common"
	"optiondesk/internal/flags"
	"optiondesk/internal/ledger"

	"github.com/shopspring/decimal"
)

// State is the re-entry state of one instrument in one mode.
type State string

const (
	StateActive               State = "ACTIVE"
	StateStoppedOut           State = "STOPPED_OUT"
	StateCoolingDown          State = "COOLING_DOWN"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StateRebought             State = "REBOUGHT"
	StateCancelled            State = "CANCELLED"
)

// cancellable reports whether a cycle in s may still be cancelled.
func (s State) cancellable() bool {
	switch s {
	case StateStoppedOut, StateCoolingDown, StateAwaitingConfirmation:
		return true
	}
	return false
}

// Decision is the user's answer to a confirmation.
type Decision string

const (
	DecisionPending Decision = "pending"
	DecisionAccept  Decision = "accept"
	DecisionReject  Decision = "reject"
	DecisionTimeout Decision = "timeout"
)

// ParseDecision accepts accept/reject and the yes/no spellings.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept", "yes", "confirm", "true":
		return DecisionAccept, nil
	case "reject", "no", "decline", "false":
		return DecisionReject, nil
	}
	return "", fmt.Errorf("%w: %q", common.ErrInvalidDecision, s)
}

// Cooldown reasons.
const (
	ReasonCooldown     = "cooldown"
	ReasonAutoBuyLimit = "auto-buy limit"
)

// Cooldown is the record of a cycle waiting out its cooldown window.
type Cooldown struct {
	Key        string            `json:"key"`
	PositionID string            `json:"position_id"`
	Instrument ledger.Instrument `json:"instrument"`
	Mode       flags.Mode        `json:"mode"`
	StartedAt  time.Time         `json:"started_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Reason     string            `json:"reason"`
}

// Confirmation asks the user whether to re-buy after a profitable exit.
type Confirmation struct {
	ID           string            `json:"id"`
	Key          string            `json:"key"`
	PositionID   string            `json:"position_id"`
	Instrument   ledger.Instrument `json:"instrument"`
	Mode         flags.Mode        `json:"mode"`
	BuyPrice     decimal.Decimal   `json:"buy_price"`
	SellPrice    decimal.Decimal   `json:"sell_price"`
	Profit       decimal.Decimal   `json:"profit"`
	ReentryPrice decimal.Decimal   `json:"reentry_price"`
	Quantity     int64             `json:"quantity"`
	Lots         int64             `json:"lots"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Decision     Decision          `json:"decision"`
}

// Cycle is the externally visible state of one instrument's re-entry cycle.
type Cycle struct {
	Key        string            `json:"key"`
	PositionID string            `json:"position_id"`
	Instrument ledger.Instrument `json:"instrument"`
	Mode       flags.Mode        `json:"mode"`
	State      State             `json:"state"`
	Reason     string            `json:"reason,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// CycleKey identifies a cycle: one per instrument per mode.
func CycleKey(mode flags.Mode, inst ledger.Instrument) string {
	return string(mode) + "|" + inst.Key()
}

func lotsFor(inst ledger.Instrument, quantity int64) int64 {
	return quantity / inst.LotSize()
}
