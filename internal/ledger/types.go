package ledger

import (
	"fmt"
	"strings"
	"time"

	"optiondesk/internal/common"
	"optiondesk/internal/flags"

	"github.com/shopspring/decimal"
)

// OptionType is CALL or PUT.
type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

// ParseOptionType accepts CALL/PUT as well as the exchange spellings CE/PE.
func ParseOptionType(s string) (OptionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CALL", "CE", "C":
		return Call, nil
	case "PUT", "PE", "P":
		return Put, nil
	}
	return "", fmt.Errorf("%w: option type %q", common.ErrUnknownInstrument, s)
}

// Exchange returns the exchange suffix (CE/PE).
func (o OptionType) Exchange() string {
	if o == Put {
		return "PE"
	}
	return "CE"
}

// Instrument identifies an option contract. Live-only broker holdings may
// carry just a TradingSymbol.
type Instrument struct {
	Symbol        string          `json:"symbol,omitempty"`
	Strike        decimal.Decimal `json:"strike"`
	Type          OptionType      `json:"option_type,omitempty"`
	Expiry        string          `json:"expiry,omitempty"`
	TradingSymbol string          `json:"tradingsymbol,omitempty"`
}

// Key is the identity used for the one-open-position invariant and for
// per-instrument locking. Expiry is not part of it.
func (i Instrument) Key() string {
	if i.Symbol == "" {
		return i.TradingSymbol
	}
	return fmt.Sprintf("%s:%s:%s", strings.ToUpper(i.Symbol), i.Strike.String(), i.Type)
}

func (i Instrument) String() string {
	if i.Symbol == "" {
		return i.TradingSymbol
	}
	return fmt.Sprintf("%s %s %s", strings.ToUpper(i.Symbol), i.Strike.String(), i.Type.Exchange())
}

// LotSize is the exchange lot size of the underlying, 1 when unknown.
func (i Instrument) LotSize() int64 {
	if size, ok := common.DefaultLotSizes[strings.ToUpper(i.Symbol)]; ok && size > 0 {
		return size
	}
	return 1
}

// Validate rejects instruments that cannot be keyed.
func (i Instrument) Validate() error {
	if i.Symbol == "" && i.TradingSymbol == "" {
		return fmt.Errorf("%w: symbol or tradingsymbol required", common.ErrUnknownInstrument)
	}
	if i.Symbol != "" {
		if !i.Strike.IsPositive() {
			return fmt.Errorf("%w: strike must be positive", common.ErrUnknownInstrument)
		}
		if i.Type != Call && i.Type != Put {
			return fmt.Errorf("%w: option type %q", common.ErrUnknownInstrument, i.Type)
		}
	}
	return nil
}

// State is the explicit lifecycle tag of a position.
type State string

const (
	StateOpen         State = "OPEN"
	StatePendingRebuy State = "PENDING_REBUY"
	StateClosed       State = "CLOSED"
)

// StopSource tags who last wrote a stop loss.
type StopSource string

const (
	SourceAlgorithm StopSource = "algorithm"
	SourceManual    StopSource = "manual"
)

// Position is a value snapshot. The ledger never hands out its own copy.
type Position struct {
	ID                        string              `json:"id"`
	Seq                       uint64              `json:"seq"`
	Instrument                Instrument          `json:"instrument"`
	Mode                      flags.Mode          `json:"mode"`
	State                     State               `json:"state"`
	Quantity                  int64               `json:"quantity"`
	OriginalQuantity          int64               `json:"original_quantity"`
	AveragePrice              decimal.Decimal     `json:"average_price"`
	LastPrice                 decimal.Decimal     `json:"last_price"`
	HighestPrice              decimal.Decimal     `json:"highest_price"`
	StopLoss                  decimal.NullDecimal `json:"stop_loss_price"`
	StopLossSource            StopSource          `json:"stop_loss_source,omitempty"`
	PrevStopLoss              decimal.NullDecimal `json:"prev_stop_loss_price"`
	StopLossUpdatedAt         time.Time           `json:"stop_loss_updated_at"`
	RealizedPnL               decimal.Decimal     `json:"realized_pnl"`
	UnrealizedPnL             decimal.Decimal     `json:"unrealized_pnl"`
	AutoBuyCount              int                 `json:"auto_buy_count"`
	AutoSellCount             int                 `json:"auto_sell_count"`
	IndividualCooldownEnabled bool                `json:"individual_cooldown_enabled"`
	OpenedAt                  time.Time           `json:"opened_at"`
	UpdatedAt                 time.Time           `json:"updated_at"`
}

// WaitingForAutobuy mirrors the dashboard flag of the same name.
func (p Position) WaitingForAutobuy() bool {
	return p.State == StatePendingRebuy
}

// Terminal reports whether the position is fully closed.
func (p Position) Terminal() bool {
	return p.State == StateClosed
}

// mark applies a new last price and keeps unrealized P&L in step with it.
func (p *Position) mark(price decimal.Decimal) {
	p.LastPrice = Round(price)
	if p.LastPrice.GreaterThan(p.HighestPrice) {
		p.HighestPrice = p.LastPrice
	}
	p.revalue()
}

func (p *Position) revalue() {
	if p.Quantity > 0 {
		p.UnrealizedPnL = Round(p.LastPrice.Sub(p.AveragePrice).Mul(decimal.NewFromInt(p.Quantity)))
		return
	}
	p.UnrealizedPnL = decimal.Zero
}

// Action is the kind of a trade history entry.
type Action string

const (
	ActionBuy          Action = "BUY"
	ActionSell         Action = "SELL"
	ActionStopLossSell Action = "STOP_LOSS_SELL"
	ActionAutoBuy      Action = "AUTO_BUY"
)

// CloseReason selects the trade action written by Close.
type CloseReason string

const (
	ReasonManual   CloseReason = "manual"
	ReasonStopLoss CloseReason = "stop_loss"
	ReasonSellAll  CloseReason = "sell_all"
)

func (r CloseReason) action() Action {
	if r == ReasonStopLoss {
		return ActionStopLossSell
	}
	return ActionSell
}

// Trade is an append-only history entry.
type Trade struct {
	ID         string          `json:"id"`
	PositionID string          `json:"position_id"`
	Action     Action          `json:"action"`
	Instrument Instrument      `json:"instrument"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	PnL        decimal.Decimal `json:"pnl"`
	Reason     string          `json:"reason,omitempty"`
	Mode       flags.Mode      `json:"trading_mode"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Round rounds to the 2 fraction digits used for every currency amount.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
