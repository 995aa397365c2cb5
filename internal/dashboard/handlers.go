package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"optiondesk/internal/broker"
	"optiondesk/internal/common"
	"optiondesk/internal/exec"
	"optiondesk/internal/flags"
	"optiondesk/internal/ledger"
	"optiondesk/internal/session"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var errBadRequest = errors.New("bad request")

// instrumentFields is the instrument part of order and toggle requests.
type instrumentFields struct {
	Symbol        string          `json:"symbol"`
	Strike        decimal.Decimal `json:"strike"`
	OptionType    string          `json:"option_type"`
	Expiry        string          `json:"expiry"`
	TradingSymbol string          `json:"tradingsymbol"`
}

func (f instrumentFields) empty() bool {
	return f.Symbol == "" && f.TradingSymbol == ""
}

func (f instrumentFields) instrument() (ledger.Instrument, error) {
	inst := ledger.Instrument{
		Symbol:        strings.ToUpper(strings.TrimSpace(f.Symbol)),
		Strike:        f.Strike,
		Expiry:        f.Expiry,
		TradingSymbol: strings.ToUpper(strings.TrimSpace(f.TradingSymbol)),
	}
	if inst.Symbol != "" {
		t, err := ledger.ParseOptionType(f.OptionType)
		if err != nil {
			return ledger.Instrument{}, err
		}
		inst.Type = t
	}
	return inst, inst.Validate()
}

type buyBody struct {
	instrumentFields
	Lots     int64           `json:"lots"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

type sellBody struct {
	instrumentFields
	PositionID string          `json:"position_id"`
	Price      decimal.Decimal `json:"price"`
}

type stopLossBody struct {
	PositionID string  `json:"position_id"`
	NewPrice   float64 `json:"new_price"`
}

type cooldownBody struct {
	instrumentFields
	PositionID string `json:"position_id"`
	Enabled    *bool  `json:"enabled"`
}

type respondBody struct {
	ConfirmationID string `json:"confirmation_id"`
	Decision       string `json:"decision"`
}

type positionBody struct {
	PositionID string `json:"position_id"`
}

type modeBody struct {
	Enabled *bool      `json:"enabled"` // paper trading on
	Mode    flags.Mode `json:"mode"`
}

type algorithmBody struct {
	Algorithm string `json:"algorithm"`
}

type clearBody struct {
	Mode flags.Mode `json:"mode"`
}

func (rd *RiskDashboard) handlePositions(w http.ResponseWriter, r *http.Request) {
	m, err := rd.modeParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": m, "positions": rd.desk.Positions(m)})
}

func (rd *RiskDashboard) handleTrades(w http.ResponseWriter, r *http.Request) {
	m, err := rd.modeParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": m, "trades": rd.desk.Trades(m)})
}

func (rd *RiskDashboard) handleClearTrades(w http.ResponseWriter, r *http.Request) {
	var body clearBody
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, err)
		return
	}
	m := body.Mode
	if m == "" {
		m = rd.desk.Mode()
	}
	if !m.Valid() {
		writeError(w, fmt.Errorf("%w: %q", common.ErrInvalidMode, m))
		return
	}
	if err := rd.desk.ClearHistory(m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "mode": m})
}

func (rd *RiskDashboard) handleWallet(w http.ResponseWriter, r *http.Request) {
	m := rd.desk.Mode()
	if m == flags.ModeLive {
		funds, err := rd.desk.Funds(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"mode": m, "funds": funds})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": m, "wallet": rd.desk.Wallet()})
}

func (rd *RiskDashboard) handleResetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := rd.desk.ResetWallet()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "wallet": wallet})
}

func (rd *RiskDashboard) handleOrders(w http.ResponseWriter, r *http.Request) {
	out := make([]broker.TrackedOrder, 0)
	for _, h := range rd.orders {
		out = append(out, h.Orders()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (rd *RiskDashboard) handleBuy(w http.ResponseWriter, r *http.Request) {
	var body buyBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	inst, err := body.instrument()
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := rd.desk.Buy(r.Context(), exec.BuyRequest{
		Instrument: inst,
		Lots:       body.Lots,
		Quantity:   body.Quantity,
		Price:      body.Price,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "position": p})
}

func (rd *RiskDashboard) handleSell(w http.ResponseWriter, r *http.Request) {
	var body sellBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	req := exec.SellRequest{PositionID: body.PositionID, Price: body.Price}
	if req.PositionID == "" && !body.empty() {
		inst, err := body.instrument()
		if err != nil {
			writeError(w, err)
			return
		}
		req.Instrument = &inst
	}
	t, err := rd.desk.Sell(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "trade": t})
}

func (rd *RiskDashboard) handleSellAll(w http.ResponseWriter, r *http.Request) {
	trades, err := rd.desk.SellAll(r.Context())
	resp := map[string]any{"success": err == nil, "trades": trades}
	if err != nil {
		// partial success is still reported with the trades that went through
		log.Warn().Err(err).Int("sold", len(trades)).Msg("sell all finished with errors")
		resp["error"] = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rd *RiskDashboard) handleBrokerPositions(w http.ResponseWriter, r *http.Request) {
	holdings, err := rd.desk.BrokerPositions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": holdings})
}

func (rd *RiskDashboard) handleBrokerOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := rd.desk.BrokerOrders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (rd *RiskDashboard) handleBrokerFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := rd.desk.Funds(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, funds)
}

func (rd *RiskDashboard) handleStopLoss(w http.ResponseWriter, r *http.Request) {
	var body stopLossBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	stop, err := rd.desk.UpdateStopLoss(body.PositionID, body.NewPrice)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "position_id": body.PositionID, "stop_loss_price": stop})
}

func (rd *RiskDashboard) handleGetCooldown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":   rd.desk.GlobalCooldown(),
		"cooldowns": rd.desk.Reentry().Cooldowns(),
	})
}

// handleSetCooldown toggles one position's flag when a position or
// instrument is named and the global switch otherwise.
func (rd *RiskDashboard) handleSetCooldown(w http.ResponseWriter, r *http.Request) {
	var body cooldownBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}

	id := body.PositionID
	if id == "" && !body.empty() {
		inst, err := body.instrument()
		if err != nil {
			writeError(w, err)
			return
		}
		id, err = rd.activeID(inst)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	if id == "" {
		if body.Enabled == nil {
			writeError(w, fmt.Errorf("%w: enabled required", errBadRequest))
			return
		}
		rd.desk.SetGlobalCooldown(*body.Enabled)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "enabled": *body.Enabled})
		return
	}

	enabled, err := rd.desk.ToggleCooldown(id, body.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "position_id": id, "enabled": enabled})
}

func (rd *RiskDashboard) handleConfirmations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"confirmations": rd.desk.Reentry().PendingConfirmations()})
}

func (rd *RiskDashboard) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := rd.desk.Respond(r.Context(), body.ConfirmationID, body.Decision); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "decision": strings.ToLower(body.Decision)})
}

func (rd *RiskDashboard) handleCancelPending(w http.ResponseWriter, r *http.Request) {
	var body positionBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := rd.desk.CancelPending(body.PositionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "position_id": body.PositionID})
}

func (rd *RiskDashboard) handleGetMode(w http.ResponseWriter, r *http.Request) {
	m := rd.desk.Mode()
	writeJSON(w, http.StatusOK, map[string]any{"mode": m, "enabled": m == flags.ModePaper})
}

func (rd *RiskDashboard) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var body modeBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	m := flags.Mode(strings.ToUpper(string(body.Mode)))
	if body.Enabled != nil {
		m = flags.ModeLive
		if *body.Enabled {
			m = flags.ModePaper
		}
	}
	if err := rd.desk.SetMode(r.Context(), m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "mode": m, "enabled": m == flags.ModePaper})
}

func (rd *RiskDashboard) handleGetAlgorithm(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"algorithm": rd.desk.Algorithm()})
}

func (rd *RiskDashboard) handleSetAlgorithm(w http.ResponseWriter, r *http.Request) {
	var body algorithmBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	name, err := rd.desk.SetAlgorithm(body.Algorithm)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "algorithm": name})
}

func (rd *RiskDashboard) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rd.sessionStatus())
}

func (rd *RiskDashboard) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	if rd.session == nil {
		writeJSON(w, http.StatusOK, rd.sessionStatus())
		return
	}
	writeJSON(w, http.StatusOK, rd.session.Check(r.Context()))
}

func (rd *RiskDashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"mode":    rd.desk.Mode(),
		"session": rd.sessionStatus().State,
	})
}

func (rd *RiskDashboard) sessionStatus() session.Snapshot {
	if rd.session == nil {
		return session.Snapshot{State: session.StateDisconnected, Message: "live broker not configured"}
	}
	return rd.session.Status()
}

func (rd *RiskDashboard) modeParam(r *http.Request) (flags.Mode, error) {
	raw := r.URL.Query().Get("mode")
	if raw == "" {
		return rd.desk.Mode(), nil
	}
	m := flags.Mode(strings.ToUpper(raw))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", common.ErrInvalidMode, raw)
	}
	return m, nil
}

// activeID finds the non-terminal position on inst in the active mode.
func (rd *RiskDashboard) activeID(inst ledger.Instrument) (string, error) {
	for _, p := range rd.desk.Positions(rd.desk.Mode()) {
		if !p.Terminal() && p.Instrument.Key() == inst.Key() {
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", common.ErrPositionNotFound, inst)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decode(r, v)
}

func statusFor(err error) int {
	if errors.Is(err, errBadRequest) {
		return http.StatusBadRequest
	}
	switch common.KindOf(err) {
	case common.KindValidation:
		return http.StatusBadRequest
	case common.KindStateConflict:
		return http.StatusConflict
	case common.KindNotFound:
		return http.StatusNotFound
	case common.KindGateway:
		return http.StatusBadGateway
	case common.KindDebounced:
		return http.StatusTooManyRequests
	case common.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	kind := common.KindOf(err)
	if errors.Is(err, errBadRequest) {
		kind = common.KindValidation
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error(), "kind": kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
