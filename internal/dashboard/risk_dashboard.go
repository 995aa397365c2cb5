// Package dashboard serves the REST API and the websocket event stream used
// by the browser dashboard.
//
// Handlers translate JSON requests into desk calls and map error kinds onto
// HTTP status codes. Desk events are pushed to every connected websocket
// client as they happen.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"optiondesk/internal/broker"
	"optiondesk/internal/events"
	"optiondesk/internal/exec"
	"optiondesk/internal/session"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// SessionAPI is the session monitor as seen by the API. It may be nil when
// no live broker is configured.
type SessionAPI interface {
	Status() session.Snapshot
	Check(ctx context.Context) session.Snapshot
}

// OrderHistory lists tracked order attempts.
type OrderHistory interface {
	Orders() []broker.TrackedOrder
}

// RiskDashboard serves the dashboard API and pushes desk events over
// websockets.
type RiskDashboard struct {
	desk     *exec.Exec
	session  SessionAPI
	orders   []OrderHistory
	router   *mux.Router
	server   *http.Server
	upgrader websocket.Upgrader

	clients   map[*websocket.Conn]*sync.Mutex // Connected clients and their write locks
	clientsMu sync.RWMutex

	stopChannel chan struct{}
	isRunning   bool
	mu          sync.Mutex
}

// NewRiskDashboard builds the router for desk. Call Start to listen on port.
func NewRiskDashboard(desk *exec.Exec, sess SessionAPI, port int, orders ...OrderHistory) *RiskDashboard {
	rd := &RiskDashboard{
		desk:        desk,
		session:     sess,
		orders:      orders,
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:     make(map[*websocket.Conn]*sync.Mutex),
		stopChannel: make(chan struct{}),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/positions", rd.handlePositions).Methods(http.MethodGet)
	api.HandleFunc("/positions/cancel-pending", rd.handleCancelPending).Methods(http.MethodPost)
	api.HandleFunc("/trades", rd.handleTrades).Methods(http.MethodGet)
	api.HandleFunc("/trades/clear", rd.handleClearTrades).Methods(http.MethodPost)
	api.HandleFunc("/wallet", rd.handleWallet).Methods(http.MethodGet)
	api.HandleFunc("/wallet/reset", rd.handleResetWallet).Methods(http.MethodPost)
	api.HandleFunc("/orders", rd.handleOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/buy", rd.handleBuy).Methods(http.MethodPost)
	api.HandleFunc("/orders/sell", rd.handleSell).Methods(http.MethodPost)
	api.HandleFunc("/orders/sell-all", rd.handleSellAll).Methods(http.MethodPost)
	api.HandleFunc("/broker/positions", rd.handleBrokerPositions).Methods(http.MethodGet)
	api.HandleFunc("/broker/orders", rd.handleBrokerOrders).Methods(http.MethodGet)
	api.HandleFunc("/broker/funds", rd.handleBrokerFunds).Methods(http.MethodGet)
	api.HandleFunc("/stop-loss", rd.handleStopLoss).Methods(http.MethodPost)
	api.HandleFunc("/cooldown", rd.handleGetCooldown).Methods(http.MethodGet)
	api.HandleFunc("/cooldown", rd.handleSetCooldown).Methods(http.MethodPost)
	api.HandleFunc("/reentry/confirmations", rd.handleConfirmations).Methods(http.MethodGet)
	api.HandleFunc("/reentry/respond", rd.handleRespond).Methods(http.MethodPost)
	api.HandleFunc("/mode", rd.handleGetMode).Methods(http.MethodGet)
	api.HandleFunc("/mode", rd.handleSetMode).Methods(http.MethodPost)
	api.HandleFunc("/algorithm", rd.handleGetAlgorithm).Methods(http.MethodGet)
	api.HandleFunc("/algorithm", rd.handleSetAlgorithm).Methods(http.MethodPost)
	api.HandleFunc("/session", rd.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/session/check", rd.handleSessionCheck).Methods(http.MethodPost)
	r.HandleFunc("/health", rd.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", rd.handleWebSocket).Methods(http.MethodGet)
	rd.router = r

	rd.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return rd
}

// Handler returns the router, for tests and embedding.
func (rd *RiskDashboard) Handler() http.Handler {
	return rd.router
}

// Start begins serving and pushing events read from feed.
func (rd *RiskDashboard) Start(feed <-chan events.Event) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	if rd.isRunning {
		return fmt.Errorf("risk dashboard is already running")
	}

	go rd.clientBroadcaster(feed)

	go func() {
		log.Info().
			Str("address", rd.server.Addr).
			Msg("Starting dashboard server")

		if err := rd.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Dashboard server failed")
		}
	}()

	rd.isRunning = true
	return nil
}

// Stop closes every websocket client and shuts the server down.
func (rd *RiskDashboard) Stop(ctx context.Context) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	if !rd.isRunning {
		return nil
	}
	close(rd.stopChannel)

	rd.clientsMu.Lock()
	for client := range rd.clients {
		client.Close()
	}
	rd.clients = make(map[*websocket.Conn]*sync.Mutex)
	rd.clientsMu.Unlock()

	if err := rd.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown dashboard server")
		return err
	}

	rd.isRunning = false
	log.Info().Msg("Dashboard stopped")
	return nil
}

// clientBroadcaster pushes every event from feed to all clients.
func (rd *RiskDashboard) clientBroadcaster(feed <-chan events.Event) {
	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				return
			}
			rd.Broadcast(ev)
		case <-rd.stopChannel:
			return
		}
	}
}

// Broadcast sends one event to all connected clients, dropping clients that
// fail to receive it.
func (rd *RiskDashboard) Broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("event", string(ev.Type)).Msg("Failed to marshal event for broadcast")
		return
	}

	rd.clientsMu.RLock()
	var failed []*websocket.Conn
	for client, wmu := range rd.clients {
		if err := writeText(client, wmu, data); err != nil {
			log.Warn().Err(err).Msg("Failed to send event to websocket client")
			failed = append(failed, client)
		}
	}
	rd.clientsMu.RUnlock()

	if len(failed) == 0 {
		return
	}
	rd.clientsMu.Lock()
	for _, client := range failed {
		client.Close()
		delete(rd.clients, client)
	}
	rd.clientsMu.Unlock()
}

func (rd *RiskDashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := rd.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}
	defer conn.Close()

	wmu := &sync.Mutex{}
	rd.clientsMu.Lock()
	rd.clients[conn] = wmu
	rd.clientsMu.Unlock()

	// initial state so a fresh page needs no extra round trip
	m := rd.desk.Mode()
	hello := events.Event{Type: "snapshot", At: time.Now(), Data: map[string]any{
		"mode":      m,
		"positions": rd.desk.Positions(m),
	}}
	if data, err := json.Marshal(hello); err == nil {
		writeText(conn, wmu, data)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	rd.clientsMu.Lock()
	delete(rd.clients, conn)
	rd.clientsMu.Unlock()
}

func writeText(conn *websocket.Conn, wmu *sync.Mutex, data []byte) error {
	wmu.Lock()
	defer wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
