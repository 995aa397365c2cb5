package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"optiondesk/internal/ledger"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrReconnect wraps errors reported when the feed connection drops.
var ErrReconnect = errors.New("feed reconnect")

type WS struct{ url string }

func NewWS(u string) WS { return WS{u} }

// Stream reads quotes into out until ctx is done, reconnecting with
// exponential backoff. Parse and connection errors go to errs without
// blocking.
func (w WS) Stream(ctx context.Context, subscribe []string, out chan<- Quote, errs chan<- error, ping time.Duration) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		received, err := w.streamOnce(ctx, subscribe, out, errs, ping)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			backoff = time.Second
		}

		log.Warn().Err(err).Dur("backoff", backoff).Msg("quote feed disconnected, reconnecting")
		report(errs, fmt.Errorf("%w: %w", ErrReconnect, err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w WS) streamOnce(ctx context.Context, subscribe []string, out chan<- Quote, errs chan<- error, ping time.Duration) (bool, error) {
	log.Info().Str("url", w.url).Int("instruments", len(subscribe)).Msg("connecting to quote feed")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(512 * 1024)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(3 * ping))
	})

	if len(subscribe) > 0 {
		if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": subscribe}); err != nil {
			return false, fmt.Errorf("subscribe failed: %w", err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(ping)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// unblock the read loop
				_ = conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
					log.Debug().Err(err).Msg("quote feed ping failed")
					_ = conn.Close()
					return
				}
			}
		}
	}()

	received := false
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * ping))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Msg("quote feed closed normally")
			}
			return received, fmt.Errorf("read message failed: %w", err)
		}
		received = true

		quotes, err := parseQuotes(msg)
		if err != nil {
			log.Debug().Err(err).Str("message", string(msg)).Msg("failed to parse quote")
			report(errs, fmt.Errorf("parse quote: %w", err))
			continue
		}
		for _, q := range quotes {
			select {
			case out <- q:
			default:
				log.Warn().Str("instrument", q.Instrument.String()).Msg("quote channel full, dropping quote")
			}
		}
	}
}

func report(errs chan<- error, err error) {
	if errs == nil {
		return
	}
	select {
	case errs <- err:
	default:
	}
}

type rawQuote struct {
	Symbol        string          `json:"symbol"`
	Strike        json.RawMessage `json:"strike"`
	OptionType    string          `json:"option_type"`
	Expiry        string          `json:"expiry"`
	TradingSymbol string          `json:"tradingsymbol"`
	LTP           json.RawMessage `json:"ltp"`
	Bid           json.RawMessage `json:"bid"`
	Ask           json.RawMessage `json:"ask"`
	Ts            json.RawMessage `json:"ts"`
}

// parseQuotes accepts a single quote object, an array of them, or an
// envelope {"type": ..., "data": [...]}. Control frames without quotes
// parse to an empty slice.
func parseQuotes(msg []byte) ([]Quote, error) {
	trimmed := strings.TrimSpace(string(msg))
	if trimmed == "" {
		return nil, fmt.Errorf("empty message")
	}

	var raws []rawQuote
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(msg, &raws); err != nil {
			return nil, err
		}
	case '{':
		var env struct {
			Op   string          `json:"op"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &env); err != nil {
			return nil, err
		}
		if env.Op != "" {
			return nil, nil
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &raws); err != nil {
				var one rawQuote
				if err := json.Unmarshal(env.Data, &one); err != nil {
					return nil, err
				}
				raws = []rawQuote{one}
			}
		} else {
			var one rawQuote
			if err := json.Unmarshal(msg, &one); err != nil {
				return nil, err
			}
			raws = []rawQuote{one}
		}
	default:
		return nil, fmt.Errorf("unexpected message %q", trimmed[:1])
	}

	out := make([]Quote, 0, len(raws))
	for _, r := range raws {
		q, err := r.quote()
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (r rawQuote) quote() (Quote, error) {
	inst := ledger.Instrument{
		Symbol:        strings.ToUpper(r.Symbol),
		Expiry:        r.Expiry,
		TradingSymbol: r.TradingSymbol,
	}
	if r.Symbol != "" {
		strike, err := toDecimal(r.Strike)
		if err != nil {
			return Quote{}, fmt.Errorf("invalid strike: %w", err)
		}
		typ, err := ledger.ParseOptionType(r.OptionType)
		if err != nil {
			return Quote{}, err
		}
		inst.Strike = strike
		inst.Type = typ
	}
	if err := inst.Validate(); err != nil {
		return Quote{}, err
	}

	ltp, err := toDecimal(r.LTP)
	if err != nil {
		return Quote{}, fmt.Errorf("invalid ltp: %w", err)
	}
	if !ltp.IsPositive() {
		return Quote{}, fmt.Errorf("invalid ltp value: %s", ltp)
	}

	q := Quote{Instrument: inst, LTP: ledger.Round(ltp), Ts: parseTs(r.Ts)}
	if bid, err := toDecimal(r.Bid); err == nil {
		q.Bid = bid
	}
	if ask, err := toDecimal(r.Ask); err == nil {
		q.Ask = ask
	}
	return q, nil
}

// toDecimal accepts JSON numbers and numeric strings.
func toDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return decimal.Zero, fmt.Errorf("missing value")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, fmt.Errorf("value %q is not finite", s)
	}
	return decimal.NewFromString(s)
}

// parseTs accepts RFC3339 strings and unix milliseconds; anything else means
// now.
func parseTs(raw json.RawMessage) time.Time {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Now()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	return time.Now()
}
