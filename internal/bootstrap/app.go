// Package bootstrap assembles the daemon: configuration, logging,
// telemetry, storage, venues and the strategy loop.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"funding_arb/internal/collector"
	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/infrastructure/metrics"
	"funding_arb/internal/storage"
	"funding_arb/internal/strategy/funding"
	"funding_arb/internal/venue/binance"
	"funding_arb/internal/venue/paper"
	"funding_arb/pkg/logging"
	"funding_arb/pkg/telemetry"
)

const (
	serviceName        = "funding_arb"
	defaultMetricsPort = 9090
	postgresMaxConns   = 10
	shutdownTimeout    = 10 * time.Second

	// evaluationParallelism bounds concurrent position evaluations per tick.
	evaluationParallelism = 8

	// finderLimit caps ranked opportunities returned per tick.
	finderLimit = 20
)

// starter is implemented by venues that need network warm-up (symbol
// registry, order streams) before the first tick.
type starter interface {
	Start(ctx context.Context) error
}

// stopper is implemented by venues holding background connections.
type stopper interface {
	Stop()
}

// App holds the assembled dependency graph.
type App struct {
	Cfg          *config.Config
	Logger       core.ILogger
	Store        storage.Store
	Venues       map[string]core.IVenue
	Collector    *collector.Collector
	Orchestrator *funding.Orchestrator
	Metrics      *metrics.Server

	zap *logging.ZapLogger
	tel *telemetry.Telemetry
}

// NewApp builds the application from a config file path.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return buildApp(cfg)
}

// NewAppFromConfig builds the application from an already-validated config.
func NewAppFromConfig(cfg *config.Config) (*App, error) {
	return buildApp(cfg)
}

func buildApp(cfg *config.Config) (*App, error) {
	zapLogger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logger := core.ILogger(zapLogger)

	tel, err := telemetry.Setup(serviceName)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	venues, err := buildVenues(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("venues: %w", err)
	}
	venueList := make([]core.IVenue, 0, len(venues))
	for _, v := range venues {
		venueList = append(venueList, v)
	}

	coll := collector.New(venueList, store, logger)
	fees := funding.NewFeeCalculator(feeTable(cfg))
	finder := funding.NewFinder(store, fees, logger)

	executor := funding.NewExecutor(venues, store, funding.ExecutorConfig{
		MaxEntryDivergencePct: decimal.NewFromFloat(cfg.Strategy.MaxEntryPriceDivergencePct),
		LimitOrderOffsetPct:   decimal.NewFromFloat(cfg.Strategy.LimitOrderOffsetPct),
	}, logger)

	lifecycle := funding.NewLifecycleManager(venues, store, executor, funding.LifecycleConfig{
		MinHold:                   cfg.MinHold(),
		MaxAge:                    cfg.MaxPositionAge(),
		ProfitErosionThreshold:    decimal.NewFromFloat(cfg.Strategy.ProfitErosionThreshold),
		MinLiquidationDistancePct: decimal.NewFromFloat(cfg.Strategy.MinLiquidationDistancePct),
		WideSpreadMaxBps:          decimal.NewFromFloat(cfg.Strategy.WideSpreadMaxBps),
		WideSpreadCooldown:        cfg.WideSpreadCooldown(),
		CloseOrderType:            core.CloseOrderType(cfg.Strategy.CloseOrderType),
	}, logger)

	orch := funding.NewOrchestrator(coll, store, finder, executor, lifecycle, funding.OrchestratorConfig{
		CheckInterval:            cfg.CheckInterval(),
		MaxPositions:             cfg.Strategy.MaxPositions,
		MaxNewPositionsPerCycle:  cfg.Strategy.MaxNewPositionsPerCycle,
		MaxConcurrentEvaluations: evaluationParallelism,
		TargetMarginUSD:          cfg.TargetMarginUSD(),
		Leverage:                 cfg.Strategy.Leverage,
		AccountID:                cfg.Strategy.AccountID,
		Filter:                   filterSpec(cfg),
		DryRun:                   cfg.Strategy.DryRun,
	}, logger)

	app := &App{
		Cfg:          cfg,
		Logger:       logger,
		Store:        store,
		Venues:       venues,
		Collector:    coll,
		Orchestrator: orch,
		zap:          zapLogger,
		tel:          tel,
	}
	if cfg.Telemetry.EnableMetrics {
		port := cfg.Telemetry.MetricsPort
		if port == 0 {
			port = defaultMetricsPort
		}
		app.Metrics = metrics.NewServer(port, orch.Healthy, logger)
	}
	return app, nil
}

// Run starts the venues, the metrics endpoint and the orchestrator loop,
// then blocks until a termination signal or a fatal component error.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Logger.Info("Starting funding arbitrage daemon",
		"venues", len(a.Venues),
		"storage", a.Cfg.Storage.Backend,
		"dry_run", a.Cfg.Strategy.DryRun,
	)

	for name, v := range a.Venues {
		if s, ok := v.(starter); ok {
			if err := s.Start(ctx); err != nil {
				return fmt.Errorf("start venue %s: %w", name, err)
			}
		}
	}

	if a.Metrics != nil {
		a.Metrics.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Orchestrator.Run(gctx)
	})

	err := g.Wait()
	a.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.Logger.Info("Shutdown complete")
	return nil
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.Metrics != nil {
		if err := a.Metrics.Stop(ctx); err != nil {
			a.Logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	for _, v := range a.Venues {
		if s, ok := v.(stopper); ok {
			s.Stop()
		}
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("Store close failed", "error", err)
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", err)
	}
	_ = a.zap.Sync()
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		s, err := storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := storage.NewPostgresStore(string(cfg.Storage.DSN), postgresMaxConns)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// buildVenues constructs the venue set. Dry runs get a deterministic pair
// of paper venues; live runs instantiate real adapters per scan venue.
func buildVenues(cfg *config.Config, logger core.ILogger) (map[string]core.IVenue, error) {
	venues := make(map[string]core.IVenue)

	if cfg.Strategy.DryRun {
		for _, pc := range paperUniverse(cfg.Strategy.ScanVenues) {
			venues[pc.Name] = paper.New(pc)
		}
		return venues, nil
	}

	for _, name := range cfg.Strategy.ScanVenues {
		vc := cfg.Venues[name]
		switch name {
		case "binance":
			venues[name] = binance.New(binance.Config{
				Name:                  name,
				APIKey:                string(vc.APIKey),
				SecretKey:             string(vc.SecretKey),
				BaseURL:               vc.BaseURL,
				WebsocketURL:          vc.WebsocketURL,
				MaxConcurrentRequests: vc.MaxConcurrentRequests,
			}, logger)
		default:
			return nil, fmt.Errorf("unsupported venue %q", name)
		}
	}
	return venues, nil
}

// paperUniverse builds two paper venues with a standing funding divergence
// so dry runs exercise the full open/monitor/close path.
func paperUniverse(names []string) []paper.Config {
	longName, shortName := "paper_a", "paper_b"
	if len(names) >= 2 {
		longName, shortName = names[0], names[1]
	}

	symbols := func(rates map[string]string) map[string]paper.SymbolSpec {
		marks := map[string]struct {
			mark string
			vol  string
			oi   string
		}{
			"BTC": {"65000", "50000000", "20000000"},
			"ETH": {"3000", "20000000", "8000000"},
			"SOL": {"150", "8000000", "3000000"},
		}
		out := make(map[string]paper.SymbolSpec, len(rates))
		for sym, rate := range rates {
			m := marks[sym]
			out[sym] = paper.SymbolSpec{
				FundingRate:     decimal.RequireFromString(rate),
				IntervalHours:   decimal.NewFromInt(8),
				Mark:            decimal.RequireFromString(m.mark),
				SpreadBps:       decimal.NewFromInt(2),
				Volume24hUSD:    decimal.RequireFromString(m.vol),
				OpenInterestUSD: decimal.RequireFromString(m.oi),
			}
		}
		return out
	}

	return []paper.Config{
		{
			Name:     longName,
			TakerBps: decimal.RequireFromString("4.5"),
			Symbols: symbols(map[string]string{
				"BTC": "-0.0001",
				"ETH": "0.0000",
				"SOL": "0.0002",
			}),
		},
		{
			Name:     shortName,
			TakerBps: decimal.RequireFromString("5.5"),
			Symbols: symbols(map[string]string{
				"BTC": "0.0004",
				"ETH": "0.0006",
				"SOL": "0.0012",
			}),
		},
	}
}

func feeTable(cfg *config.Config) funding.FeeTable {
	table := make(funding.FeeTable, len(cfg.Fees))
	for venue, fc := range cfg.Fees {
		table[venue] = funding.VenueFees{
			MakerBps: decimal.NewFromFloat(fc.MakerBps),
			TakerBps: decimal.NewFromFloat(fc.TakerBps),
		}
	}
	return table
}

func filterSpec(cfg *config.Config) funding.FilterSpec {
	s := cfg.Strategy
	spec := funding.FilterSpec{
		MinProfitPerPeriod: decimal.NewFromFloat(s.MinProfitRate),
		MinOIUSD:           decimal.NewFromFloat(s.MinOIUSD),
		MinVolume24h:       decimal.NewFromFloat(s.MinVolume24h),
		ScanVenues:         s.ScanVenues,
		MandatoryVenue:     s.MandatoryVenue,
		ExcludedSymbols:    s.ExcludedSymbols,
		Limit:              finderLimit,
	}
	if s.MaxOIUSD > 0 {
		maxOI := decimal.NewFromFloat(s.MaxOIUSD)
		spec.MaxOIUSD = &maxOI
	}
	return spec
}
