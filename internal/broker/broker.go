// Package broker defines the execution interfaces shared by the live broker
// gateway and the paper simulator.
package broker

import (
	"context"
	"time"

	"optiondesk/internal/ledger"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderRequest is a single option order. Quantity is in units, not lots.
type OrderRequest struct {
	Instrument ledger.Instrument
	Side       Side
	Quantity   int64
	Price      decimal.Decimal
	Tag        string
}

// Fill is what the backend reports back for an accepted order.
type Fill struct {
	OrderID  string          `json:"order_id"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// Executor places orders. Orders are never retried by an executor.
type Executor interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error)
}

// Holding is a broker-side net position.
type Holding struct {
	TradingSymbol string          `json:"tradingsymbol"`
	Exchange      string          `json:"exchange"`
	Product       string          `json:"product"`
	Quantity      int64           `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	LastPrice     decimal.Decimal `json:"last_price"`
	PnL           decimal.Decimal `json:"pnl"`
}

type Funds struct {
	Available decimal.Decimal `json:"available"`
	Used      decimal.Decimal `json:"used"`
	Net       decimal.Decimal `json:"net"`
}

type Order struct {
	OrderID       string          `json:"order_id"`
	TradingSymbol string          `json:"tradingsymbol"`
	Side          Side            `json:"transaction_type"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	Status        string          `json:"status"`
	PlacedAt      time.Time       `json:"order_timestamp"`
}

// Status is the result of a connectivity probe.
type Status struct {
	Connected    bool   `json:"connected"`
	TokenExpired bool   `json:"token_expired"`
	UserID       string `json:"user_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Gateway is the live broker.
type Gateway interface {
	Executor
	FetchPositions(ctx context.Context) ([]Holding, error)
	FetchFunds(ctx context.Context) (Funds, error)
	FetchOrders(ctx context.Context) ([]Order, error)
	ConnectionStatus(ctx context.Context) (Status, error)
}
