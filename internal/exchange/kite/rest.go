package kite

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"optiondesk/internal/broker"
	"optiondesk/internal/common"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Client is the live broker gateway over the Kite Connect REST API.
type Client struct {
	key, secret, base string
	exchange, product string
	rest              *resty.Client

	mu    sync.RWMutex
	token string
}

func NewREST(key, secret, token, base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(common.DefaultRESTTimeout)
	}
	r.SetHeader("X-Kite-Version", "3")
	return &Client{
		key:      key,
		secret:   secret,
		base:     strings.TrimRight(base, "/"),
		exchange: common.DefaultExchange,
		product:  common.DefaultProduct,
		rest:     r,
		token:    token,
	}
}

// SetVenue overrides the exchange segment and product code used for orders.
func (c *Client) SetVenue(exchange, product string) {
	if exchange != "" {
		c.exchange = exchange
	}
	if product != "" {
		c.product = product
	}
}

// SetAccessToken swaps the session token, e.g. after re-login.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) authHeader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return "token " + c.key + ":" + c.token
}

type envelope[T any] struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
	Data      T      `json:"data"`
}

func do[T any](ctx context.Context, c *Client, method, path string, form map[string]string, auth bool) (T, error) {
	env := &envelope[T]{}
	req := c.rest.R().
		SetContext(ctx).
		SetResult(env).
		SetError(env)
	if auth {
		req.SetHeader("Authorization", c.authHeader())
	}
	if form != nil {
		req.SetFormData(form)
	}

	resp, err := req.Execute(method, c.base+path)
	if err != nil {
		return env.Data, fmt.Errorf("%w: %s %s: %v", common.ErrGatewayUnavailable, method, path, err)
	}
	if env.ErrorType == "TokenException" || resp.StatusCode() == http.StatusForbidden {
		return env.Data, fmt.Errorf("%w: %s", common.ErrTokenExpired, env.Message)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return env.Data, fmt.Errorf("%w: status %d %s", common.ErrGatewayUnavailable, resp.StatusCode(), env.Message)
	}
	if resp.IsError() || env.Status != "success" {
		return env.Data, fmt.Errorf("%w: kite: %d %s %s", common.ErrOrderRejected, resp.StatusCode(), env.ErrorType, env.Message)
	}
	return env.Data, nil
}

type orderResp struct {
	OrderID string `json:"order_id"`
}

// PlaceOrder sends a regular LIMIT order. Kite only acknowledges the order;
// the fill is reported at the requested price.
func (c *Client) PlaceOrder(ctx context.Context, o broker.OrderRequest) (broker.Fill, error) {
	form := map[string]string{
		"tradingsymbol":    TradingSymbol(o.Instrument),
		"exchange":         c.exchange,
		"transaction_type": string(o.Side),
		"order_type":       "LIMIT",
		"quantity":         strconv.FormatInt(o.Quantity, 10),
		"price":            o.Price.StringFixed(2),
		"product":          c.product,
		"validity":         "DAY",
	}
	if o.Tag != "" {
		form["tag"] = o.Tag
	}

	data, err := do[orderResp](ctx, c, http.MethodPost, "/orders/regular", form, true)
	if err != nil {
		return broker.Fill{}, err
	}
	if data.OrderID == "" {
		return broker.Fill{}, fmt.Errorf("%w: kite: empty order id", common.ErrOrderRejected)
	}
	return broker.Fill{OrderID: data.OrderID, Price: o.Price, Quantity: o.Quantity}, nil
}

type positionsResp struct {
	Net []broker.Holding `json:"net"`
}

func (c *Client) FetchPositions(ctx context.Context) ([]broker.Holding, error) {
	data, err := do[positionsResp](ctx, c, http.MethodGet, "/portfolio/positions", nil, true)
	if err != nil {
		return nil, err
	}
	return data.Net, nil
}

type marginsResp struct {
	Equity struct {
		Net       decimal.Decimal `json:"net"`
		Available struct {
			Cash        decimal.Decimal `json:"cash"`
			LiveBalance decimal.Decimal `json:"live_balance"`
		} `json:"available"`
		Utilised struct {
			Debits decimal.Decimal `json:"debits"`
		} `json:"utilised"`
	} `json:"equity"`
}

func (c *Client) FetchFunds(ctx context.Context) (broker.Funds, error) {
	data, err := do[marginsResp](ctx, c, http.MethodGet, "/user/margins", nil, true)
	if err != nil {
		return broker.Funds{}, err
	}
	return broker.Funds{
		Available: data.Equity.Available.LiveBalance,
		Used:      data.Equity.Utilised.Debits,
		Net:       data.Equity.Net,
	}, nil
}

type kiteOrder struct {
	OrderID         string          `json:"order_id"`
	TradingSymbol   string          `json:"tradingsymbol"`
	TransactionType string          `json:"transaction_type"`
	Quantity        int64           `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	Status          string          `json:"status"`
	OrderTimestamp  string          `json:"order_timestamp"`
}

func (c *Client) FetchOrders(ctx context.Context) ([]broker.Order, error) {
	data, err := do[[]kiteOrder](ctx, c, http.MethodGet, "/orders", nil, true)
	if err != nil {
		return nil, err
	}

	out := make([]broker.Order, 0, len(data))
	for _, o := range data {
		placed, _ := time.ParseInLocation("2006-01-02 15:04:05", o.OrderTimestamp, IST)
		out = append(out, broker.Order{
			OrderID:       o.OrderID,
			TradingSymbol: o.TradingSymbol,
			Side:          broker.Side(o.TransactionType),
			Quantity:      o.Quantity,
			Price:         o.Price,
			AveragePrice:  o.AveragePrice,
			Status:        o.Status,
			PlacedAt:      placed,
		})
	}
	return out, nil
}

type profileResp struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// ConnectionStatus probes the profile endpoint. A transport failure is
// reported as disconnected together with the error.
func (c *Client) ConnectionStatus(ctx context.Context) (broker.Status, error) {
	data, err := do[profileResp](ctx, c, http.MethodGet, "/user/profile", nil, true)
	switch {
	case err == nil:
		return broker.Status{Connected: true, UserID: data.UserID}, nil
	case errors.Is(err, common.ErrTokenExpired):
		return broker.Status{TokenExpired: true, Message: err.Error()}, nil
	default:
		return broker.Status{Message: err.Error()}, err
	}
}

type sessionResp struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
}

// GenerateSession exchanges a login request token for an access token and
// starts using it.
func (c *Client) GenerateSession(ctx context.Context, requestToken string) (string, error) {
	form := map[string]string{
		"api_key":       c.key,
		"request_token": requestToken,
		"checksum":      Checksum(c.key, requestToken, c.secret),
	}
	data, err := do[sessionResp](ctx, c, http.MethodPost, "/session/token", form, false)
	if err != nil {
		return "", err
	}
	c.SetAccessToken(data.AccessToken)
	return data.AccessToken, nil
}
