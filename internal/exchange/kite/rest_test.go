package kite

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"optiondesk/internal/broker"
	"optiondesk/internal/common"
	"optiondesk/internal/ledger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewREST("key", "secret", "tok", srv.URL, time.Second)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestPlaceOrder(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders/regular", r.URL.Path)
		assert.Equal(t, "3", r.Header.Get("X-Kite-Version"))
		assert.Equal(t, "token key:tok", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "NIFTY25JAN24000CE", r.PostForm.Get("tradingsymbol"))
		assert.Equal(t, "NFO", r.PostForm.Get("exchange"))
		assert.Equal(t, "BUY", r.PostForm.Get("transaction_type"))
		assert.Equal(t, "75", r.PostForm.Get("quantity"))
		assert.Equal(t, "100.50", r.PostForm.Get("price"))
		assert.Equal(t, "MIS", r.PostForm.Get("product"))

		writeJSON(w, http.StatusOK, `{"status":"success","data":{"order_id":"151220000000000"}}`)
	})

	fill, err := c.PlaceOrder(context.Background(), broker.OrderRequest{
		Instrument: ledger.Instrument{Symbol: "NIFTY", Strike: decimal.NewFromInt(24000), Type: ledger.Call, Expiry: "2025-01-30"},
		Side:       broker.Buy,
		Quantity:   75,
		Price:      decimal.RequireFromString("100.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "151220000000000", fill.OrderID)
	assert.True(t, fill.Price.Equal(decimal.RequireFromString("100.5")))
}

func TestPlaceOrder_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"token", http.StatusForbidden, `{"status":"error","message":"Incorrect api_key or access_token.","error_type":"TokenException"}`, common.ErrTokenExpired},
		{"margin", http.StatusBadRequest, `{"status":"error","message":"Insufficient funds","error_type":"InputException"}`, common.ErrOrderRejected},
		{"server", http.StatusServiceUnavailable, `{"status":"error","message":"down","error_type":"NetworkException"}`, common.ErrGatewayUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			_, err := c.PlaceOrder(context.Background(), broker.OrderRequest{
				Instrument: ledger.Instrument{TradingSymbol: "NIFTY25JAN24000CE"},
				Side:       broker.Sell,
				Quantity:   75,
				Price:      decimal.NewFromInt(90),
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPlaceOrder_Unreachable(t *testing.T) {
	c := NewREST("key", "secret", "tok", "http://127.0.0.1:1", 200*time.Millisecond)
	_, err := c.PlaceOrder(context.Background(), broker.OrderRequest{
		Instrument: ledger.Instrument{TradingSymbol: "X"},
		Side:       broker.Buy,
		Quantity:   1,
		Price:      decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, common.ErrGatewayUnavailable)
}

func TestFetchPositionsAndFunds(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/portfolio/positions":
			writeJSON(w, http.StatusOK, `{"status":"success","data":{"net":[{"tradingsymbol":"NIFTY25JAN24000CE","exchange":"NFO","product":"MIS","quantity":75,"average_price":100,"last_price":110.5,"pnl":787.5}],"day":[]}}`)
		case "/user/margins":
			writeJSON(w, http.StatusOK, `{"status":"success","data":{"equity":{"net":99000.5,"available":{"cash":100000,"live_balance":99000.5},"utilised":{"debits":999.5}}}}`)
		default:
			http.NotFound(w, r)
		}
	})

	holdings, err := c.FetchPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, int64(75), holdings[0].Quantity)
	assert.True(t, holdings[0].LastPrice.Equal(decimal.RequireFromString("110.5")))

	funds, err := c.FetchFunds(context.Background())
	require.NoError(t, err)
	assert.True(t, funds.Available.Equal(decimal.RequireFromString("99000.5")))
	assert.True(t, funds.Used.Equal(decimal.RequireFromString("999.5")))
}

func TestFetchOrders(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"status":"success","data":[{"order_id":"1","tradingsymbol":"NIFTY25JAN24000CE","transaction_type":"SELL","quantity":75,"price":90,"average_price":90,"status":"COMPLETE","order_timestamp":"2025-01-02 10:15:00"}]}`)
	})

	orders, err := c.FetchOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, broker.Sell, orders[0].Side)
	assert.Equal(t, "COMPLETE", orders[0].Status)
	assert.Equal(t, 10, orders[0].PlacedAt.Hour())
}

func TestConnectionStatus(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"status":"success","data":{"user_id":"AB1234","user_name":"Trader"}}`)
	})
	st, err := c.ConnectionStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, "AB1234", st.UserID)

	expired := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"status":"error","message":"expired","error_type":"TokenException"}`)
	})
	st, err = expired.ConnectionStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Connected)
	assert.True(t, st.TokenExpired)
}

func TestGenerateSession(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/token", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, Checksum("key", "req-token", "secret"), r.PostForm.Get("checksum"))

		writeJSON(w, http.StatusOK, `{"status":"success","data":{"user_id":"AB1234","access_token":"fresh"}}`)
	})

	token, err := c.GenerateSession(context.Background(), "req-token")
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)
	assert.Equal(t, "token key:fresh", c.authHeader())
}

func TestChecksum(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Checksum("a", "b", "c"))
}

func TestTradingSymbol(t *testing.T) {
	inst := ledger.Instrument{Symbol: "banknifty", Strike: decimal.NewFromInt(51000), Type: ledger.Put, Expiry: "2025-02-27"}
	assert.Equal(t, "BANKNIFTY25FEB51000PE", TradingSymbol(inst))

	inst.TradingSymbol = "BANKNIFTY2522051000PE"
	assert.Equal(t, "BANKNIFTY2522051000PE", TradingSymbol(inst))
}
