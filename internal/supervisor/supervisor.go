// Package supervisor wires the pipeline together: the CoinGlass stream
// and REST poller feed the buffers and market context, detection runs
// per symbol behind a concurrency cap, and approved signals fan out to
// storage, the dashboard and the Telegram alert queue. The supervisor
// owns every background loop and the shutdown sequence.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"teleglas-pro/config"
	"teleglas-pro/internal/alerts"
	"teleglas-pro/internal/api"
	"teleglas-pro/internal/buffer"
	"teleglas-pro/internal/cache"
	"teleglas-pro/internal/coinglass"
	"teleglas-pro/internal/database"
	"teleglas-pro/internal/detectors"
	"teleglas-pro/internal/events"
	"teleglas-pro/internal/market"
	"teleglas-pro/internal/signals"
)

const (
	statsInterval     = 30 * time.Second
	cleanupInterval   = time.Hour
	trackerInterval   = 60 * time.Second
	actionsInterval   = 10 * time.Second
	discoveryInterval = 5 * time.Minute

	// A symbol seen only on the liquidation firehose gets a trades
	// subscription once it shows this many liquidations in the window.
	discoveryWindow  = 5 * time.Minute
	discoveryMinLiqs = 3

	shutdownGrace    = 5 * time.Second
	alertPollTimeout = time.Second
	persistTimeout   = 30 * time.Second

	baselineKeepHours = 72
	// Context warm start loads this many hours of poll history, enough
	// to refill the 72-slot snapshot rings at the 5 minute cadence.
	marketWarmHours = 6
	// Unresolved signals older than this stay in storage for the report
	// tooling instead of being revived into the tracker.
	pendingKeepHours = 24
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("supervisor already started")

// Deps carries the optional externally-constructed dependencies. Store,
// Cache and Telegram may be nil; the pipeline runs without them.
type Deps struct {
	Store    *database.Store
	Cache    *cache.Snapshots
	Telegram *alerts.Telegram
	Bus      *events.EventBus
}

// symbolState serializes analysis runs for one symbol.
type symbolState struct {
	mu      sync.Mutex
	lastRun time.Time
}

// Supervisor owns the component graph and its background loops.
type Supervisor struct {
	cfg *config.Config
	log zerolog.Logger

	stream         *coinglass.Stream
	poller         *coinglass.Poller
	eventValidator *coinglass.Validator
	buffers        *buffer.Manager
	marketCtx      *market.Context
	contextFilter  *market.Filter
	engine         *detectors.Engine
	generator      *signals.Generator
	scorer         *signals.Scorer
	sigValidator   *signals.Validator
	tracker        *signals.Tracker
	queue          *alerts.Queue
	formatter      *alerts.Formatter
	telegram       *alerts.Telegram
	bridge         *api.Bridge
	server         *api.Server
	store          *database.Store
	cache          *cache.Snapshots
	bus            *events.EventBus

	rootCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	slots    chan struct{}
	debounce time.Duration

	analysisMu sync.Mutex
	analysis   map[string]*symbolState

	subsMu     sync.Mutex
	tradeSubs  map[string]bool
	discovered map[string][]time.Time

	coinsMu   sync.Mutex
	coinsPrev map[string]bool

	mu        sync.Mutex
	started   bool
	startTime time.Time

	now func() time.Time

	eventsProcessed int64
	eventsInvalid   int64
	analysesRun     int64
	analysesSkipped int64
	analysesDropped int64
	analysisPanics  int64
	signalsEmitted  int64
	signalsRejected int64
	signalsFiltered int64
	alertsSent      int64
	alertsDropped   int64
	discoveredSubs  int64
}

// New builds the full component graph from config. Nothing connects or
// runs until Start.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Supervisor {
	log := logger.With().Str("component", "supervisor").Logger()

	bus := deps.Bus
	if bus == nil {
		bus = events.NewEventBus()
	}

	buffers := buffer.NewManager(cfg.BufferConfig.MaxLiquidations, cfg.BufferConfig.MaxTrades, logger)
	marketCtx := market.NewContext(logger)

	tiers := detectors.NewTiers(
		cfg.Monitoring.Tier1Symbols,
		cfg.Monitoring.Tier2Symbols,
		[3]float64{cfg.Monitoring.Tier1Cascade, cfg.Monitoring.Tier2Cascade, cfg.Monitoring.Tier3Cascade},
		[3]float64{cfg.Monitoring.Tier1Absorption, cfg.Monitoring.Tier2Absorption, cfg.Monitoring.Tier3Absorption},
	)
	engine := detectors.NewEngine(buffers, tiers, detectors.Options{
		StopHuntWindow:        time.Duration(cfg.AnalysisConfig.StopHuntWindowSeconds) * time.Second,
		AbsorptionWindow:      time.Duration(cfg.AnalysisConfig.AbsorptionWindowSeconds) * time.Second,
		OrderFlowWindow:       time.Duration(cfg.AnalysisConfig.OrderFlowWindowSeconds) * time.Second,
		WhaleWindow:           time.Duration(cfg.AnalysisConfig.WhaleWindowSeconds) * time.Second,
		LargeOrderUSD:         cfg.ThresholdConfig.LargeOrderUSD,
		AbsorptionMinOrderUSD: cfg.ThresholdConfig.AbsorptionMinOrderUSD,
		VolumeSpikeMultiplier: cfg.AnalysisConfig.VolumeSpikeMultiplier,
	}, logger)

	scorer := signals.NewScorer(tiers, cfg.SignalConfig.LearningRate, logger)
	tracker := signals.NewTracker(buffers, scorer, time.Duration(cfg.SignalConfig.CheckIntervalSeconds)*time.Second, logger)

	stream := coinglass.NewStream(coinglass.StreamOptions{
		URL:               cfg.WebsocketConfig.URL,
		APIKey:            cfg.CoinglassConfig.APIKey,
		PingInterval:      time.Duration(cfg.WebsocketConfig.PingIntervalSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.WebsocketConfig.ReadTimeoutSeconds) * time.Second,
		LoginTimeout:      time.Duration(cfg.WebsocketConfig.LoginTimeoutSeconds) * time.Second,
		MaxBackoff:        time.Duration(cfg.WebsocketConfig.MaxBackoffSeconds) * time.Second,
		MaxTimeoutStrikes: cfg.WebsocketConfig.MaxTimeoutStrikes,
	}, logger)
	poller := coinglass.NewPoller(coinglass.PollerOptions{
		BaseURL:      cfg.CoinglassConfig.RESTBaseURL,
		APIKey:       cfg.CoinglassConfig.APIKey,
		Interval:     cfg.PollInterval(),
		Jitter:       time.Duration(cfg.CoinglassConfig.PollJitterSeconds) * time.Second,
		RequestDelay: time.Duration(cfg.CoinglassConfig.RequestDelaySeconds * float64(time.Second)),
	}, logger)

	maxConcurrent := cfg.Monitoring.MaxConcurrentAnalysis
	if maxConcurrent < 1 {
		maxConcurrent = 30
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		cfg:            cfg,
		log:            log,
		stream:         stream,
		poller:         poller,
		eventValidator: coinglass.NewValidator(logger),
		buffers:        buffers,
		marketCtx:      marketCtx,
		engine:         engine,
		generator:      signals.NewGenerator(cfg.SignalConfig.MinConfidence, logger),
		scorer:         scorer,
		sigValidator: signals.NewValidator(signals.ValidatorOptions{
			MinConfidence:   cfg.SignalConfig.MinConfidence,
			Cooldown:        time.Duration(cfg.SignalConfig.CooldownMinutes) * time.Minute,
			DuplicateWindow: time.Duration(cfg.SignalConfig.DuplicateWindowMinutes) * time.Minute,
			MaxPerHour:      cfg.SignalConfig.MaxSignalsPerHour,
		}, logger),
		tracker:    tracker,
		queue:      alerts.NewQueue(cfg.AlertConfig.QueueSize, logger),
		formatter:  alerts.NewFormatter(),
		telegram:   deps.Telegram,
		bridge:     api.NewBridge(logger),
		store:      deps.Store,
		cache:      deps.Cache,
		bus:        bus,
		rootCtx:    ctx,
		cancel:     cancel,
		slots:      make(chan struct{}, maxConcurrent),
		debounce:   cfg.Debounce(),
		analysis:   make(map[string]*symbolState),
		tradeSubs:  make(map[string]bool),
		discovered: make(map[string][]time.Time),
		now:        time.Now,
	}

	if cfg.ContextConfig.Enabled {
		s.contextFilter = market.NewFilter(marketCtx, cfg.ContextConfig.FilterMode, cfg.ContextConfig.AdjustConfidence, logger)
	}

	if cfg.DashboardConfig.Enabled {
		var store api.Storage
		if deps.Store != nil {
			store = deps.Store
		}
		token := ""
		if cfg.DashboardTokenActive() {
			token = cfg.DashboardConfig.APIToken
		} else if cfg.DashboardConfig.APIToken != "" {
			s.log.Warn().Msg("Dashboard token is a placeholder, auth disabled")
		}
		s.server = api.NewServer(api.ServerConfig{
			Host:           cfg.DashboardConfig.Host,
			Port:           cfg.DashboardConfig.Port,
			APIToken:       token,
			CORSOrigins:    cfg.DashboardConfig.CORSOrigins,
			ProductionMode: cfg.LoggingConfig.JSONFormat,
		}, s.bridge, store, logger)
		broadcast := s.server.Hub().Broadcast
		s.bridge.SetBroadcastFunc(broadcast)
		// Bus-only events (connection state, outcome labels, market
		// context, errors) reach dashboard clients through the same
		// push socket.
		for _, et := range []events.EventType{events.EventStreamStatus, events.EventSignalOutcome, events.EventContextUpdate, events.EventError} {
			s.bus.Subscribe(et, func(ev events.Event) {
				broadcast(strings.ToLower(string(ev.Type)), ev.Data)
			})
		}
	}

	s.tracker.SetPersistFunc(s.persistOutcome)
	return s
}

// Bridge exposes the dashboard bridge, mainly for tests and tooling.
func (s *Supervisor) Bridge() *api.Bridge {
	return s.bridge
}

// Start restores persisted state, connects the stream and launches the
// background loops.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.startTime = s.now()
	s.mu.Unlock()

	s.restoreState()

	s.poller.UpdateSymbols(s.watchedBases())
	s.coinsMu.Lock()
	s.coinsPrev = s.coinsSnapshot()
	s.coinsMu.Unlock()

	s.stream.SetLiquidationCallback(s.handleLiquidations)
	s.stream.SetTradeCallback(s.handleTrades)
	s.stream.SetConnectCallback(func() {
		s.bus.PublishStreamStatus("connected", 0)
	})
	s.stream.SetDisconnectCallback(func(err error) {
		s.bus.PublishStreamStatus("disconnected", 0)
	})
	s.stream.SetErrorCallback(func(err error) {
		s.bus.PublishError("stream", "stream session error", err)
	})
	s.poller.SetOICallback(s.handleOI)
	s.poller.SetFundingCallback(s.handleFunding)

	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	if err := s.stream.Subscribe(coinglass.ChannelLiquidations); err != nil {
		s.log.Warn().Err(err).Msg("Liquidation subscription failed")
	}
	for _, coin := range s.bridge.Coins() {
		s.subscribeTrades(coin.Symbol)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.poller.Run(s.rootCtx)
	}()

	if s.server != nil {
		go func() {
			if err := s.server.Start(); err != nil {
				s.log.Error().Err(err).Msg("Dashboard server failed")
			}
		}()
	}

	if s.telegram != nil && s.telegram.Enabled() {
		s.wg.Add(1)
		go s.alertLoop()
	}
	s.wg.Add(1)
	go s.statsLoop()
	s.wg.Add(1)
	go s.cleanupLoop()
	s.wg.Add(1)
	go s.trackerLoop()
	s.wg.Add(1)
	go s.actionsLoop()
	s.wg.Add(1)
	go s.discoveryLoop()

	s.log.Info().
		Int("coins", s.bridge.CoinCount()).
		Bool("dashboard", s.server != nil).
		Bool("telegram", s.telegram != nil && s.telegram.Enabled()).
		Bool("storage", s.store != nil).
		Msg("Supervisor started")
	return nil
}

// Stop shuts the pipeline down: intake first, then a bounded wait for
// in-flight work, then state flush and resource teardown. Safe to call
// more than once.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.log.Info().Msg("Supervisor stopping")

		s.stream.Close()
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			s.log.Warn().Msg("Shutdown grace expired with tasks still running")
		}

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			if err := s.server.Shutdown(ctx); err != nil {
				s.log.Warn().Err(err).Msg("Dashboard shutdown error")
			}
			cancel()
		}

		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		s.flushState(flushCtx)
		cancel()

		if s.cache != nil {
			if err := s.cache.Close(); err != nil {
				s.log.Warn().Err(err).Msg("Cache close error")
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.log.Warn().Err(err).Msg("Store close error")
			}
		}
		s.log.Info().Msg("Supervisor stopped")
	})
}

func (s *Supervisor) symbolState(symbol string) *symbolState {
	s.analysisMu.Lock()
	defer s.analysisMu.Unlock()
	st, ok := s.analysis[symbol]
	if !ok {
		st = &symbolState{}
		s.analysis[symbol] = st
	}
	return st
}

// watchedBases returns the deduplicated base symbols of the watchlist,
// the set the REST poller cycles through.
func (s *Supervisor) watchedBases() []string {
	coins := s.bridge.Coins()
	seen := make(map[string]bool, len(coins))
	bases := make([]string, 0, len(coins))
	for _, coin := range coins {
		base := baseSymbol(coin.Symbol)
		if base == "" || seen[base] {
			continue
		}
		seen[base] = true
		bases = append(bases, base)
	}
	return bases
}

var quoteSuffixes = []string{"USDT", "BUSD", "USDC", "USD"}

// baseSymbol strips a known quote suffix from a pair: BTCUSDT -> BTC.
// Unknown quotes come back unchanged.
func baseSymbol(pair string) string {
	upper := strings.ToUpper(strings.TrimSpace(pair))
	for _, quote := range quoteSuffixes {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return strings.TrimSuffix(upper, quote)
		}
	}
	return upper
}
