package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"optiondesk/internal/broker"
	"optiondesk/internal/cfg"
	"optiondesk/internal/dashboard"
	"optiondesk/internal/events"
	"optiondesk/internal/exchange/kite"
	"optiondesk/internal/exec"
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
	"optiondesk/internal/storage"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	orderHistoryLimit = 500
	metricsInterval   = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the desk, the quote feed and the dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadSettings()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, c)
	},
}

func serve(ctx context.Context, c cfg.Settings) error {
	bus := events.NewBus()
	defer bus.Close()

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	// Subscribe before anything can publish
	dashEvents, unsubDash := bus.Subscribe(256)
	defer unsubDash()
	metricEvents, unsubMetrics := bus.Subscribe(256)
	defer unsubMetrics()

	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	f := flags.New(flags.ModePaper, c.CooldownEnabled, c.StopLossAlgorithm)
	sched := scheduler.New()
	defer sched.Stop()
	locks := keylock.New()
	prices := feed.NewPriceBook()

	var (
		ledgerStore  ledger.Store
		balanceStore paper.BalanceStore
		reentryStore reentry.Store
	)
	if store != nil {
		ledgerStore, balanceStore, reentryStore = store, store, store
	}

	book := ledger.New(ledgerStore, bus)
	wallet := paper.New(decimal.NewFromFloat(c.PaperBalance), balanceStore, bus)
	stops := stoploss.New(stoploss.Config{
		FixedPct:        c.FixedStopPct,
		TrailPct:        c.TrailPct,
		ManualTolerance: c.ManualTolerance,
	}, f, bus)

	paperOrders := broker.NewTracker(wallet, "paper", orderHistoryLimit)
	paperOrders.SetMetrics(mw)
	history := []dashboard.OrderHistory{paperOrders}

	// The live side only exists when credentials are configured
	var (
		liveExec    broker.Executor
		gateway     broker.Gateway
		monitor     *session.Monitor
		modeMonitor mode.Monitor
		deskSession exec.Session
		apiSession  dashboard.SessionAPI
	)
	if c.Key != "" && c.Secret != "" {
		client := kite.NewREST(c.Key, c.Secret, c.AccessToken, c.BaseURL, c.RESTTimeout)
		client.SetVenue(c.Exchange, c.Product)

		liveOrders := broker.NewTracker(client, "kite", orderHistoryLimit)
		liveOrders.SetMetrics(mw)
		history = append(history, liveOrders)

		monitor = session.New(client, f, c.SessionInterval, c.RESTTimeout, bus)
		liveExec, gateway = liveOrders, client
		modeMonitor, deskSession, apiSession = monitor, monitor, monitor
	} else {
		log.Info().Msg("Kite credentials not configured, live trading disabled")
	}

	switcher := mode.New(f, paperOrders, liveExec, modeMonitor, bus)
	desk := exec.New(exec.Deps{
		Flags:   f,
		Ledger:  book,
		Stops:   stops,
		Modes:   switcher,
		Session: deskSession,
		Gateway: gateway,
		Prices:  prices,
		Wallet:  wallet,
		Locks:   locks,
		Sched:   sched,
		Store:   reentryStore,
		Events:  bus,
		Metrics: mw,
	}, reentry.Config{
		Cooldown:            c.Cooldown,
		RequireConfirmation: c.RequireConfirmation,
		ConfirmTimeout:      c.ConfirmTimeout,
		ToggleDebounce:      c.ToggleDebounce,
		MaxAutoBuys:         c.MaxAutoBuys,
		RebuyTimeout:        2 * c.RESTTimeout,
	})

	if store != nil {
		restoreState(store, book, wallet, desk.Reentry())
	}

	if !c.PaperTrading {
		if err := switcher.SetMode(ctx, flags.ModeLive); err != nil {
			return err
		}
	}
	if monitor != nil {
		defer monitor.Stop()
	}

	var (
		fwd         *events.RedisForwarder
		redisEvents <-chan events.Event
	)
	if c.RedisAddr != "" {
		var err error
		fwd, err = events.NewRedisForwarder(ctx, c.RedisAddr, c.RedisChannel)
		if err != nil {
			log.Warn().Err(err).Msg("redis forwarding disabled")
		} else {
			defer fwd.Close()
			var unsubRedis func()
			redisEvents, unsubRedis = bus.Subscribe(256)
			defer unsubRedis()
		}
	}

	rd := dashboard.NewRiskDashboard(desk, apiSession, c.HTTPPort, history...)
	if err := rd.Start(dashEvents); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rd.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("dashboard shutdown failed")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	quotes := make(chan feed.Quote, 1024)
	feedErrs := make(chan error, 32)

	g.Go(func() error {
		ws := feed.NewWS(c.FeedURL)
		err := ws.Stream(gctx, c.Subscribe, quotes, feedErrs, c.Ping)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		desk.Run(gctx, quotes)
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-feedErrs:
				log.Error().Err(err).Msg("quote feed error")
				mw.ErrorInc()
				if errors.Is(err, feed.ErrReconnect) {
					mw.FeedReconnected()
				}
			}
		}
	})

	g.Go(func() error {
		mw.Run(gctx, metricEvents)
		return nil
	})

	if fwd != nil {
		g.Go(func() error {
			fwd.Run(gctx, redisEvents)
			return nil
		})
	}

	g.Go(func() error {
		<-scheduler.Every(gctx, metricsInterval, true, func(context.Context) {
			for _, md := range []flags.Mode{flags.ModePaper, flags.ModeLive} {
				m.UpdatePositions(md, desk.Positions(md))
			}
		})
		return nil
	})

	log.Info().
		Str("mode", string(f.Mode())).
		Int("port", c.HTTPPort).
		Str("feed", c.FeedURL).
		Msg("optiondesk started")

	err := g.Wait()
	log.Info().Msg("shutting down gracefully...")
	return err
}

// initializeStorage opens the store if DATA_PATH is configured
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		log.Warn().Msg("DATA_PATH not set, state will not survive a restart")
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		return nil
	}
	return store
}

// restoreState loads persisted positions, trades, the paper balance and any
// in-flight cooldowns or confirmations.
func restoreState(store *storage.Store, book *ledger.Ledger, wallet *paper.Simulator, rc *reentry.Controller) {
	positions, err := store.LoadPositions()
	if err != nil {
		log.Error().Err(err).Msg("failed to load positions")
	}
	trades, err := store.LoadTrades()
	if err != nil {
		log.Error().Err(err).Msg("failed to load trades")
	}
	book.Restore(positions, trades)

	if balance, ok, err := store.LoadBalance(); err != nil {
		log.Error().Err(err).Msg("failed to load paper balance")
	} else if ok {
		wallet.Restore(balance)
	}

	cooldowns, err := store.LoadCooldowns()
	if err != nil {
		log.Error().Err(err).Msg("failed to load cooldowns")
	}
	confirmations, err := store.LoadConfirmations()
	if err != nil {
		log.Error().Err(err).Msg("failed to load confirmations")
	}
	rc.Restore(cooldowns, confirmations)

	log.Info().
		Int("positions", len(positions)).
		Int("trades", len(trades)).
		Int("cooldowns", len(cooldowns)).
		Int("confirmations", len(confirmations)).
		Msg("state restored")
}
