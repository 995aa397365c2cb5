package exec

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"optiondesk/internal/broker"
	"optiondesk/internal/common"
	"optiondesk/internal/feed"
	"optiondesk/internal/flags"
	"optiondesk/internal/keylock"
	"optiondesk/internal/ledger"
	"optiondesk/internal/metrics"
	"optiondesk/internal/mode"
	"optiondesk/internal/paper"
	"optiondesk/internal/reentry"
	"optiondesk/internal/scheduler"
	"optiondesk/internal/session"
	"optiondesk/internal/stoploss"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var nifty = ledger.Instrument{Symbol: "NIFTY", Strike: decimal.NewFromInt(24000), Type: ledger.Call}

type fakeSession struct {
	mu       sync.Mutex
	err      error
	reported []error
}

func (s *fakeSession) CanTrade() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) Report(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reported = append(s.reported, err)
}

type connectedProber struct{}

func (connectedProber) ConnectionStatus(context.Context) (broker.Status, error) {
	return broker.Status{Connected: true, UserID: "AB1234"}, nil
}

type fakeLive struct {
	mu     sync.Mutex
	orders []broker.OrderRequest
	err    error
}

func (f *fakeLive) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return broker.Fill{}, f.err
	}
	f.orders = append(f.orders, req)
	return broker.Fill{OrderID: "LIVE-1", Price: req.Price, Quantity: req.Quantity}, nil
}

type fixture struct {
	exec    *Exec
	flags   *flags.Flags
	ledger  *ledger.Ledger
	wallet  *paper.Simulator
	live    *fakeLive
	session *fakeSession
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, algorithm string, rc reentry.Config) *fixture {
	t.Helper()

	f := flags.New(flags.ModePaper, true, algorithm)
	l := ledger.New(nil, nil)
	stops := stoploss.New(stoploss.Config{FixedPct: 0.10, TrailPct: 0.05, ManualTolerance: 0.5}, f, nil)
	wallet := paper.New(decimal.NewFromInt(10_000_000), nil, nil)
	live := &fakeLive{}
	sess := &fakeSession{}
	sched := scheduler.New()
	t.Cleanup(sched.Stop)

	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	e := New(Deps{
		Flags:   f,
		Ledger:  l,
		Stops:   stops,
		Modes:   mode.New(f, wallet, live, nil, nil),
		Session: sess,
		Prices:  feed.NewPriceBook(),
		Wallet:  wallet,
		Locks:   keylock.New(),
		Sched:   sched,
		Metrics: metrics.NewWrapper(m),
	}, rc)

	return &fixture{exec: e, flags: f, ledger: l, wallet: wallet, live: live, session: sess, metrics: m}
}

func defaultReentry() reentry.Config {
	return reentry.Config{
		Cooldown:            50 * time.Millisecond,
		RequireConfirmation: true,
		ConfirmTimeout:      time.Minute,
		ToggleDebounce:      time.Second,
		MaxAutoBuys:         5,
	}
}

func (fx *fixture) quote(ltp string) {
	fx.exec.OnQuote(context.Background(), feed.Quote{Instrument: nifty, LTP: d(ltp), Ts: time.Now()})
}

func (fx *fixture) buy(t *testing.T, price string) ledger.Position {
	t.Helper()
	p, err := fx.exec.Buy(context.Background(), BuyRequest{Instrument: nifty, Lots: 1, Price: d(price)})
	require.NoError(t, err)
	return p
}

func TestBuy_OpensAndArmsStop(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())

	p := fx.buy(t, "100")
	assert.Equal(t, ledger.StateOpen, p.State)
	assert.Equal(t, int64(75), p.Quantity)
	require.True(t, p.StopLoss.Valid)
	assert.True(t, p.StopLoss.Decimal.Equal(d("90")), "stop %s", p.StopLoss.Decimal)
	assert.True(t, fx.wallet.Wallet().Balance.Equal(d("9992500")))
}

func TestBuy_Validation(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())
	ctx := context.Background()

	_, err := fx.exec.Buy(ctx, BuyRequest{Instrument: nifty, Price: d("100")})
	assert.ErrorIs(t, err, common.ErrInvalidQuantity)

	_, err = fx.exec.Buy(ctx, BuyRequest{Instrument: nifty, Quantity: 10, Price: d("100")})
	assert.ErrorIs(t, err, common.ErrInvalidQuantity, "not a multiple of the lot size")

	_, err = fx.exec.Buy(ctx, BuyRequest{Instrument: nifty, Quantity: -75, Price: d("100")})
	assert.ErrorIs(t, err, common.ErrInvalidQuantity)

	_, err = fx.exec.Buy(ctx, BuyRequest{Instrument: ledger.Instrument{}, Lots: 1, Price: d("100")})
	assert.ErrorIs(t, err, common.ErrUnknownInstrument)

	_, err = fx.exec.Buy(ctx, BuyRequest{Instrument: nifty, Lots: 1})
	assert.ErrorIs(t, err, common.ErrInvalidPrice, "no quote and no price")

	assert.Empty(t, fx.exec.Positions(flags.ModePaper))
	assert.True(t, fx.wallet.Wallet().Balance.Equal(d("10000000")))
}

func TestBuy_DuplicateLeavesWalletAlone(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())
	fx.buy(t, "100")

	_, err := fx.exec.Buy(context.Background(), BuyRequest{Instrument: nifty, Lots: 1, Price: d("101")})
	assert.ErrorIs(t, err, common.ErrDuplicateOpenPosition)
	assert.True(t, fx.wallet.Wallet().Balance.Equal(d("9992500")))
	assert.Len(t, fx.exec.Trades(flags.ModePaper), 1)
}

func TestBuy_InsufficientFunds(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())

	_, err := fx.exec.Buy(context.Background(), BuyRequest{Instrument: nifty, Quantity: 75 * 10_000, Price: d("100")})
	assert.ErrorIs(t, err, common.ErrInsufficientFunds)
	assert.Equal(t, common.KindValidation, common.KindOf(err))
	assert.Empty(t, fx.exec.Positions(flags.ModePaper))
}

func TestBuy_AtLastPrice(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())
	fx.quote("101.25")

	p, err := fx.exec.Buy(context.Background(), BuyRequest{Instrument: nifty, Lots: 2})
	require.NoError(t, err)
	assert.True(t, p.AveragePrice.Equal(d("101.25")))
	assert.Equal(t, int64(150), p.Quantity)
}

func TestStopLoss_CooldownThenRebuy(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())
	p := fx.buy(t, "100")

	fx.quote("95")
	got, _ := fx.ledger.Get(p.ID)
	assert.Equal(t, ledger.StateOpen, got.State)
	assert.True(t, got.StopLoss.Decimal.Equal(d("90")), "fixed stop must not move")

	fx.quote("89.50")
	got, _ = fx.ledger.Get(p.ID)
	assert.Equal(t, ledger.StatePendingRebuy, got.State)
	assert.Equal(t, reentry.StateCoolingDown, fx.exec.Reentry().State(flags.ModePaper, nifty))

	trades := fx.exec.Trades(flags.ModePaper)
	require.Len(t, trades, 2)
	assert.Equal(t, ledger.ActionStopLossSell, trades[1].Action)
	assert.True(t, trades[1].PnL.Equal(d("-787.5")), "pnl %s", trades[1].PnL)

	require.Eventually(t, func() bool {
		cur, _ := fx.ledger.Get(p.ID)
		return cur.State == ledger.StateOpen
	}, 2*time.Second, 10*time.Millisecond)

	got, _ = fx.ledger.Get(p.ID)
	assert.Equal(t, 1, got.AutoBuyCount)
	assert.Equal(t, int64(75), got.Quantity)
	assert.True(t, got.AveragePrice.Equal(d("89.5")))
	assert.True(t, got.StopLoss.Decimal.Equal(d("80.55")), "stop %s", got.StopLoss.Decimal)
	assert.Equal(t, ledger.ActionAutoBuy, fx.exec.Trades(flags.ModePaper)[2].Action)
	assert.Equal(t, reentry.StateActive, fx.exec.Reentry().State(flags.ModePaper, nifty))
	assert.True(t, fx.wallet.Wallet().Balance.Equal(d("9992500")), "balance %s", fx.wallet.Wallet().Balance)

	assert.Equal(t, float64(3), testutil.ToFloat64(fx.metrics.QuotesReceived))
}

func TestStopLoss_TrailingRatchets(t *testing.T) {
	fx := newFixture(t, stoploss.NameTrailing, defaultReentry())
	p := fx.buy(t, "100")
	assert.True(t, p.StopLoss.Decimal.Equal(d("95")))

	fx.quote("120")
	got, _ := fx.ledger.Get(p.ID)
	assert.True(t, got.StopLoss.Decimal.Equal(d("114")), "stop %s", got.StopLoss.Decimal)
	assert.True(t, got.HighestPrice.Equal(d("120")))

	fx.quote("115")
	got, _ = fx.ledger.Get(p.ID)
	assert.Equal(t, ledger.StateOpen, got.State)
	assert.True(t, got.StopLoss.Decimal.Equal(d("114")), "trailing stop never moves down")

	fx.quote("113")
	got, _ = fx.ledger.Get(p.ID)
	assert.Equal(t, ledger.StatePendingRebuy, got.State)
}

func TestStopLoss_ProfitAsksConfirmation(t *testing.T) {
	fx := newFixture(t, stoploss.NameTrailing, defaultReentry())
	p := fx.buy(t, "100")

	fx.quote("130")
	fx.quote("123")

	confs := fx.exec.Reentry().PendingConfirmations()
	require.Len(t, confs, 1)
	assert.True(t, confs[0].Profit.Equal(d("1725")), "profit %s", confs[0].Profit)
	assert.Equal(t, reentry.StateAwaitingConfirmation, fx.exec.Reentry().State(flags.ModePaper, nifty))

	require.NoError(t, fx.exec.Respond(context.Background(), confs[0].ID, "accept"))

	got, _ := fx.ledger.Get(p.ID)
	assert.Equal(t, ledger.StateOpen, got.State)
	assert.True(t, got.AveragePrice.Equal(d("123")))
	assert.Empty(t, fx.exec.Reentry().PendingConfirmations())

	err := fx.exec.Respond(context.Background(), confs[0].ID, "accept")
	assert.ErrorIs(t, err, common.ErrConfirmationNotFound)
	assert.ErrorIs(t, fx.exec.Respond(context.Background(), "x", "maybe"), common.ErrInvalidDecision)
}

func TestStopLoss_RejectClosesPosition(t *testing.T) {
	fx := newFixture(t, stoploss.NameTrailing, defaultReentry())
	p := fx.buy(t, "100")

	fx.quote("130")
	fx.quote("123")
	confs := fx.exec.Reentry().PendingConfirmations()
	require.Len(t, confs, 1)

	require.NoError(t, fx.exec.Respond(context.Background(), confs[0].ID, "reject"))
	got, _ := fx.ledger.Get(p.ID)
	assert.Equal(t, ledger.StateClosed, got.State)
	assert.Empty(t, fx.ledger.Active(flags.ModePaper))
	assert.Equal(t, reentry.StateCancelled, fx.exec.Reentry().State(flags.ModePaper, nifty))
}

func TestStopLoss_GlobalCooldownOffRebuysImmediately(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())
	fx.exec.SetGlobalCooldown(false)
	p := fx.buy(t, "100")

	fx.quote("89")

	got, _ := fx.ledger.Get(p.ID)
	assert.Equal(t, ledger.StateOpen, got.State)
	assert.Equal(t, 1, got.AutoBuyCount)
	assert.True(t, got.IndividualCooldownEnabled, "global switch must not erase the individual flag")
}

func TestBuy_TakesOverPendingRebuy(t *testing.T) {
	rc := defaultReentry()
	rc.Cooldown = time.Hour
	fx := newFixture(t, stoploss.NameFixed, rc)
	p := fx.buy(t, "100")

	fx.quote("89.50")
	require.Len(t, fx.exec.Reentry().Cooldowns(), 1)

	again := fx.buy(t, "91")
	assert.Equal(t, p.ID, again.ID, "pending record is reopened in place")
	assert.Equal(t, ledger.StateOpen, again.State)
	assert.Empty(t, fx.exec.Reentry().Cooldowns())
	assert.Equal(t, reentry.StateActive, fx.exec.Reentry().State(flags.ModePaper, nifty))
}

func TestCancelPending(t *testing.T) {
	rc := defaultReentry()
	rc.Cooldown = time.Hour
	fx := newFixture(t, stoploss.NameFixed, rc)
	p := fx.buy(t, "100")

	assert.ErrorIs(t, fx.exec.CancelPending(p.ID), common.ErrNotPending)

	fx.quote("89.50")
	require.NoError(t, fx.exec.CancelPending(p.ID))

	got, _ := fx.ledger.Get(p.ID)
	assert.Equal(t, ledger.StateClosed, got.State)
	assert.Empty(t, fx.exec.Reentry().Cooldowns())
}

func TestSell(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())
	p := fx.buy(t, "100")
	fx.quote("110")

	inst := nifty
	tr, err := fx.exec.Sell(context.Background(), SellRequest{Instrument: &inst})
	require.NoError(t, err)
	assert.Equal(t, ledger.ActionSell, tr.Action)
	assert.True(t, tr.PnL.Equal(d("750")))

	_, err = fx.exec.Sell(context.Background(), SellRequest{PositionID: p.ID, Price: d("110")})
	assert.ErrorIs(t, err, common.ErrAlreadyClosed)

	_, err = fx.exec.Sell(context.Background(), SellRequest{})
	assert.ErrorIs(t, err, common.ErrPositionNotFound)
}

func TestSellAll(t *testing.T) {
	rc := defaultReentry()
	rc.Cooldown = time.Hour
	fx := newFixture(t, stoploss.NameFixed, rc)
	ctx := context.Background()

	bank := ledger.Instrument{Symbol: "BANKNIFTY", Strike: decimal.NewFromInt(52000), Type: ledger.Put}
	p1 := fx.buy(t, "100")
	p2, err := fx.exec.Buy(ctx, BuyRequest{Instrument: bank, Lots: 1, Price: d("200")})
	require.NoError(t, err)
	fx.quote("89.50")

	trades, err := fx.exec.SellAll(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, p2.ID, trades[0].PositionID)

	for _, id := range []string{p1.ID, p2.ID} {
		got, _ := fx.ledger.Get(id)
		assert.Equal(t, ledger.StateClosed, got.State)
	}
	assert.Empty(t, fx.ledger.Active(flags.ModePaper))
}

func TestUpdateStopLoss(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())
	p := fx.buy(t, "100")

	_, err := fx.exec.UpdateStopLoss(p.ID, 90.3)
	assert.ErrorIs(t, err, common.ErrStopLossWithinTolerance)

	stop, err := fx.exec.UpdateStopLoss(p.ID, 85)
	require.NoError(t, err)
	assert.True(t, stop.Equal(d("85")))

	got, _ := fx.ledger.Get(p.ID)
	assert.Equal(t, ledger.SourceManual, got.StopLossSource)
	assert.True(t, got.PrevStopLoss.Decimal.Equal(d("90")))

	_, err = fx.exec.UpdateStopLoss("missing", 85)
	assert.ErrorIs(t, err, common.ErrPositionNotFound)
}

func TestLiveOrdersGatedOnSession(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())
	require.NoError(t, fx.exec.SetMode(context.Background(), flags.ModeLive))

	fx.session.err = common.ErrTokenExpired
	_, err := fx.exec.Buy(context.Background(), BuyRequest{Instrument: nifty, Lots: 1, Price: d("100")})
	assert.ErrorIs(t, err, common.ErrTokenExpired)
	assert.Empty(t, fx.exec.Positions(flags.ModeLive))

	fx.session.err = nil
	p, err := fx.exec.Buy(context.Background(), BuyRequest{Instrument: nifty, Lots: 1, Price: d("100")})
	require.NoError(t, err)
	assert.Equal(t, flags.ModeLive, p.Mode)
	assert.Len(t, fx.live.orders, 1)
	assert.Empty(t, fx.exec.Positions(flags.ModePaper))
	assert.True(t, fx.wallet.Wallet().Balance.Equal(d("10000000")), "live orders never touch the paper wallet")
}

func TestLiveOrderRejectedLeavesLedger(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())
	require.NoError(t, fx.exec.SetMode(context.Background(), flags.ModeLive))
	fx.live.err = common.ErrOrderRejected

	_, err := fx.exec.Buy(context.Background(), BuyRequest{Instrument: nifty, Lots: 1, Price: d("100")})
	assert.ErrorIs(t, err, common.ErrOrderRejected)
	assert.Empty(t, fx.exec.Positions(flags.ModeLive))
	assert.Empty(t, fx.exec.Trades(flags.ModeLive))
	require.Len(t, fx.session.reported, 1)
	assert.ErrorIs(t, fx.session.reported[0], common.ErrOrderRejected)
}

func TestPaperOrderErrorsNotReported(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())

	_, err := fx.exec.Buy(context.Background(), BuyRequest{Instrument: nifty, Quantity: 75 * 10_000, Price: d("100")})
	require.ErrorIs(t, err, common.ErrInsufficientFunds)
	assert.Empty(t, fx.session.reported)
}

func TestLiveTokenErrorBlocksFurtherOrders(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())
	mon := session.New(connectedProber{}, fx.flags, time.Hour, time.Second, nil)
	fx.exec.session = mon
	require.NoError(t, fx.exec.SetMode(context.Background(), flags.ModeLive))
	mon.Check(context.Background())
	require.NoError(t, mon.CanTrade())

	fx.live.err = fmt.Errorf("%w: incorrect api_key or access_token", common.ErrTokenExpired)
	_, err := fx.exec.Buy(context.Background(), BuyRequest{Instrument: nifty, Lots: 1, Price: d("100")})
	assert.ErrorIs(t, err, common.ErrTokenExpired)

	assert.Equal(t, session.StateTokenExpired, mon.Status().State)
	assert.ErrorIs(t, mon.CanTrade(), common.ErrTokenExpired)

	// the gate now refuses before the broker is called
	fx.live.err = nil
	_, err = fx.exec.Buy(context.Background(), BuyRequest{Instrument: nifty, Lots: 1, Price: d("100")})
	assert.ErrorIs(t, err, common.ErrTokenExpired)
	assert.Empty(t, fx.live.orders)
	assert.Empty(t, fx.exec.Positions(flags.ModeLive))
}

func TestOnQuote_StaleQuoteSkipsTick(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())
	p := fx.buy(t, "100")

	now := time.Now()
	fx.exec.OnQuote(context.Background(), feed.Quote{Instrument: nifty, LTP: d("105"), Ts: now})
	fx.exec.OnQuote(context.Background(), feed.Quote{Instrument: nifty, LTP: d("80"), Ts: now.Add(-time.Second)})

	got, _ := fx.ledger.Get(p.ID)
	assert.Equal(t, ledger.StateOpen, got.State, "an out-of-order quote must not trigger the stop")
	assert.True(t, got.LastPrice.Equal(d("105")), "last %s", got.LastPrice)
	last, _ := fx.exec.prices.LastPrice(nifty)
	assert.True(t, last.Equal(d("105")))
	assert.Len(t, fx.exec.Trades(flags.ModePaper), 1)
}

func TestStopTickRacingManualSell(t *testing.T) {
	for i := 0; i < 20; i++ {
		rc := defaultReentry()
		rc.Cooldown = time.Hour
		fx := newFixture(t, stoploss.NameFixed, rc)
		p := fx.buy(t, "100")

		var wg sync.WaitGroup
		var sellErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			fx.exec.OnQuote(context.Background(), feed.Quote{Instrument: nifty, LTP: d("89"), Ts: time.Now()})
		}()
		go func() {
			defer wg.Done()
			_, sellErr = fx.exec.Sell(context.Background(), SellRequest{PositionID: p.ID, Price: d("95")})
		}()
		wg.Wait()

		trades := fx.exec.Trades(flags.ModePaper)
		require.Len(t, trades, 2, "exactly one close per position")
		got, _ := fx.ledger.Get(p.ID)

		switch trades[1].Action {
		case ledger.ActionSell:
			require.NoError(t, sellErr)
			assert.Equal(t, ledger.StateClosed, got.State)
			assert.Empty(t, fx.exec.Reentry().Cooldowns())
		case ledger.ActionStopLossSell:
			assert.ErrorIs(t, sellErr, common.ErrAlreadyClosed)
			assert.Equal(t, ledger.StatePendingRebuy, got.State)
			assert.Len(t, fx.exec.Reentry().Cooldowns(), 1)
		default:
			t.Fatalf("unexpected close action %s", trades[1].Action)
		}
		assert.Equal(t, int64(0), got.Quantity)
	}
}

func TestFunds_NoGateway(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())
	_, err := fx.exec.Funds(context.Background())
	assert.ErrorIs(t, err, common.ErrGatewayUnavailable)
}

func TestRun_StopsOnClose(t *testing.T) {
	fx := newFixture(t, stoploss.NameFixed, defaultReentry())
	quotes := make(chan feed.Quote, 2)
	quotes <- feed.Quote{Instrument: nifty, LTP: d("100"), Ts: time.Now()}
	close(quotes)

	done := make(chan struct{})
	go func() {
		fx.exec.Run(context.Background(), quotes)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the quote channel closed")
	}
	last, ok := fx.exec.prices.LastPrice(nifty)
	assert.True(t, ok)
	assert.True(t, last.Equal(d("100")))
	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.QuotesReceived))
}
