package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"nifty_dipper/internal/broker"
	"nifty_dipper/internal/candidates"
	"nifty_dipper/internal/config"
	"nifty_dipper/internal/engine"
	"nifty_dipper/internal/marketdata"
	"nifty_dipper/internal/mock"
	"nifty_dipper/internal/notify"
	"nifty_dipper/internal/ratelimit"
	"nifty_dipper/internal/retry"
	"nifty_dipper/internal/storage"
	"nifty_dipper/internal/util"
)

// shutdownDrain bounds how long an in-flight cycle may run after a stop
// signal before the process exits anyway.
const shutdownDrain = 30 * time.Second

// Bot owns the wired subsystems and the scheduled trading day.
type Bot struct {
	config *config.Config
	logger *log.Logger

	broker broker.Broker
	store  storage.Interface
	cache  *marketdata.LTPCache
	feed   *marketdata.Feed
	market *marketdata.Service
	events *notify.Manager
	entry  *engine.EntryEngine
	exit   *engine.ExitEngine
	recon  *Reconciler
	loader *candidates.Loader

	exitPool     *util.WorkerPool
	analysisPool *util.WorkerPool

	scripMu sync.RWMutex
	scrips  broker.ScripTable
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags)
	logger.Printf("Starting nifty_dipper in %s mode", cfg.Environment.Mode)
	if !cfg.IsPaperTrading() {
		logger.Println("LIVE TRADING MODE - real orders will be placed")
	}

	bot, err := newBot(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping...")
		cancel()
	}()

	if err := bot.Run(ctx); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Stopped cleanly")
}

// newBot wires every subsystem from config. Persistence or configuration
// failures here are fatal; broker outages are not - the engine retries its
// way through those at runtime.
func newBot(cfg *config.Config, logger *log.Logger) (*Bot, error) {
	loc := cfg.Location()

	store, err := storage.NewStorage(cfg.Paths.LedgerFile, loc)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	bot := &Bot{
		config: cfg,
		logger: logger,
		store:  store,
		cache:  marketdata.NewLTPCache(),
		loader: candidates.NewLoader(cfg.Paths.CandidateDir, cfg.Sizing.MinCombinedScore, loc, logger),
	}

	bot.events = notify.NewManager(logger,
		notify.NewLogNotifier(logger),
		notify.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID),
	)

	if cfg.IsPaperTrading() {
		logger.Println("Paper mode: using the scripted in-memory broker")
		bot.broker = mock.NewBroker()
	} else {
		api := broker.NewNeoAPI(cfg.Broker.AccessToken, cfg.Broker.Mobile, cfg.Broker.Password, cfg.Broker.MPIN)
		if cfg.Broker.APIEndpoint != "" {
			api.WithBaseURL(cfg.Broker.APIEndpoint)
		}
		if cfg.Paths.ScripCacheDir != "" {
			api.WithScripCache(cfg.Paths.ScripCacheDir, loc)
		}
		pacer := ratelimit.NewPacer(cfg.RateLimitDelay())
		retrier := retry.NewExecutor(logger)
		breakers := broker.NewBreakerSet(broker.DefaultBreakerSettings())
		bot.broker = broker.NewProtectedBroker(api, pacer, retrier, breakers, logger)

		bot.feed = marketdata.NewFeed(
			marketdata.FeedConfig{
				URL:         bot.wsURL(cfg),
				BackoffBase: cfg.ReconnectBackoffBase(),
			},
			bot.cache,
			bot.resolveToken,
			bot.broker.WSToken,
			logger,
		)
	}

	bot.market = marketdata.NewService(bot.broker, bot.cache, cfg.LTPStaleThreshold(), logger)

	bot.exitPool = util.NewWorkerPool(util.PoolConfig{
		Name: "exit", MaxWorkers: cfg.Pacing.MaxWorkers,
	}, logger)
	bot.analysisPool = util.NewWorkerPool(util.PoolConfig{
		Name: "analysis", MaxWorkers: cfg.Pacing.MaxConcurrentAnalyses,
	}, logger)

	bot.entry = engine.NewEntryEngine(bot.broker, store, bot.market, bot.events,
		engine.EntryConfig{
			DefaultCapital:      cfg.Sizing.CapitalPerTrade,
			MaxPortfolioSize:    cfg.Sizing.MaxPortfolioSize,
			MaxPosToVolumeRatio: cfg.Sizing.MaxPosToVolumeRatio,
		}, loc, bot.analysisPool, logger)

	bot.exit = engine.NewExitEngine(bot.broker, store, bot.market, bot.events,
		engine.ExitConfig{
			RSIExit:        cfg.Strategy.RSIExit,
			RSIExitEnabled: cfg.Strategy.ExitOnEMA9OrRSI50,
		}, bot.exitPool, logger)

	bot.recon = NewReconciler(bot.broker, store, bot.events, logger)
	return bot, nil
}

// wsURL prefers the configured stream endpoint over the API default.
func (b *Bot) wsURL(cfg *config.Config) string {
	if cfg.Broker.WSEndpoint != "" {
		return cfg.Broker.WSEndpoint
	}
	return b.broker.WSURL()
}

// resolveToken maps a broker symbol to its instrument token through the
// day's scrip master table.
func (b *Bot) resolveToken(symbol string) (string, bool) {
	b.scripMu.RLock()
	defer b.scripMu.RUnlock()
	if b.scrips == nil {
		return "", false
	}
	s, ok := b.scrips.Lookup(symbol)
	if !ok {
		return "", false
	}
	return s.Token, true
}

// Run logs in, starts the feed, and hands the day over to the scheduler.
// Returns when ctx is cancelled; in-flight work drains up to shutdownDrain.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Println("Establishing broker session...")
	if err := b.broker.Login(ctx); err != nil {
		// Survivable: the session guard re-logins on the first auth error.
		b.logger.Printf("Warning: initial login failed (will retry on demand): %v", err)
	}
	b.market.ResetSession(time.Now().In(b.config.Location()).Format("2006-01-02"))

	if err := b.loadScripMaster(ctx); err != nil {
		b.logger.Printf("Warning: scrip master unavailable: %v", err)
	}

	if b.feed != nil {
		b.feed.Start()
		b.subscribeOpenPositions()
		if err := b.feed.WaitForConnection(ctx, 10*time.Second); err != nil {
			b.logger.Printf("Warning: tick feed not connected yet: %v", err)
		}
	}

	open := b.store.OpenPositions()
	b.logger.Printf("Ledger loaded: %d open positions, %d parked orders",
		len(open), len(b.store.FailedOrders()))

	sched := NewScheduler(b.config, b.runSlot, b.logger)
	err := sched.Run(ctx)

	b.shutdown()
	return err
}

func (b *Bot) loadScripMaster(ctx context.Context) error {
	table, err := b.broker.ScripMaster(ctx)
	if err != nil {
		return err
	}
	b.scripMu.Lock()
	b.scrips = table
	b.scripMu.Unlock()
	b.logger.Printf("Scrip master loaded: %d instruments", len(table))
	return nil
}

func (b *Bot) subscribeOpenPositions() {
	if b.feed == nil {
		return
	}
	var symbols []string
	for _, p := range b.store.OpenPositions() {
		symbols = append(symbols, p.BrokerSymbol)
	}
	if len(symbols) > 0 {
		b.feed.Subscribe(symbols...)
	}
}

// shutdown drains the worker pools and closes the feed, bounded by
// shutdownDrain so a wedged cycle cannot keep the process alive.
func (b *Bot) shutdown() {
	b.logger.Println("Draining in-flight work...")
	done := make(chan struct{})
	go func() {
		b.exitPool.Stop()
		b.analysisPool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrain):
		b.logger.Println("Warning: drain timed out, exiting with work in flight")
	}
	if b.feed != nil {
		b.feed.Stop()
	}
	if err := b.store.Save(); err != nil {
		b.logger.Printf("ERROR: final ledger save failed: %v", err)
	}
}
