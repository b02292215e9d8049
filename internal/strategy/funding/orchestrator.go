package funding

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"funding_arb/internal/core"
	"funding_arb/internal/storage"
	"funding_arb/pkg/concurrency"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"
)

// OrchestratorConfig parameterizes the control loop.
type OrchestratorConfig struct {
	CheckInterval            time.Duration
	MaxPositions             int
	MaxNewPositionsPerCycle  int
	MaxConcurrentEvaluations int
	TargetMarginUSD          decimal.Decimal
	Leverage                 int
	AccountID                string
	Filter                   FilterSpec
	DryRun                   bool
}

// Orchestrator drives one tick at a time: collect, evaluate open
// positions, then spend the entry budget on the best opportunities.
type Orchestrator struct {
	collector core.ICollector
	store     storage.Store
	finder    *Finder
	executor  core.IExecutor
	lifecycle *LifecycleManager
	pool      *concurrency.WorkerPool
	cfg       OrchestratorConfig
	logger    core.ILogger

	mu       sync.Mutex
	lastTick time.Time
	draining bool
}

// NewOrchestrator wires the strategy components into a control loop.
func NewOrchestrator(collector core.ICollector, store storage.Store, finder *Finder, executor core.IExecutor, lifecycle *LifecycleManager, cfg OrchestratorConfig, logger core.ILogger) *Orchestrator {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 60 * time.Second
	}
	if cfg.MaxNewPositionsPerCycle <= 0 {
		cfg.MaxNewPositionsPerCycle = 1
	}
	if cfg.MaxConcurrentEvaluations <= 0 {
		cfg.MaxConcurrentEvaluations = 8
	}
	log := logger.WithField("component", "orchestrator")
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "position_evaluations",
		MaxWorkers:  cfg.MaxConcurrentEvaluations,
		MaxCapacity: cfg.MaxConcurrentEvaluations * 4,
	}, log)
	return &Orchestrator{
		collector: collector,
		store:     store,
		finder:    finder,
		executor:  executor,
		lifecycle: lifecycle,
		pool:      pool,
		cfg:       cfg,
		logger:    log,
	}
}

// Run loops until the context is canceled, then drains: the in-flight
// tick finishes (closes are never interrupted) before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Orchestrator starting",
		"interval", o.cfg.CheckInterval, "max_positions", o.cfg.MaxPositions,
		"dry_run", o.cfg.DryRun)

	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()

	// First tick immediately rather than one interval in.
	o.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			o.draining = true
			o.mu.Unlock()
			o.logger.Info("Orchestrator draining")
			o.pool.Stop()
			o.logger.Info("Orchestrator stopped")
			return ctx.Err()
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	start := time.Now()
	tm, err := o.RunOnce(ctx)
	if err != nil {
		// A failed tick never terminates the loop; sleep and retry.
		o.logger.Error("Tick failed", "error", err)
		return
	}

	metrics := telemetry.GetGlobalMetrics()
	if metrics.TickDuration != nil {
		metrics.TickDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	o.logger.Info("Tick complete",
		"duration", time.Since(start),
		"opportunities", tm.OpportunitiesScanned,
		"opened", tm.PositionsOpened,
		"closed", tm.PositionsClosed,
		"errors", len(tm.Errors))
}

// RunOnce executes a single orchestration cycle and returns its metrics
// record.
func (o *Orchestrator) RunOnce(ctx context.Context) (core.TickMetrics, error) {
	tm := core.TickMetrics{At: time.Now().UTC(), Errors: make(map[string]int)}

	// 1. Collection completes before the finder reads latest rates.
	if err := o.collector.RunOnce(ctx); err != nil {
		return tm, err
	}

	// 2. Authoritative open-position state comes from storage every tick.
	positions, err := o.store.GetOpenPositions(ctx, o.cfg.AccountID)
	if err != nil {
		return tm, err
	}

	// 3. Parallel evaluations, bounded by the pool; one task per position
	// keeps same-position operations serialized.
	var evalMu sync.Mutex
	group := o.pool.Group()
	for i := range positions {
		pos := positions[i]
		group.Submit(func() {
			if err := o.lifecycle.Evaluate(ctx, &pos); err != nil {
				evalMu.Lock()
				tm.Errors["evaluate"]++
				evalMu.Unlock()
			}
		})
	}
	group.Wait()

	// Re-read to count what the evaluations closed and what remains open.
	remaining, err := o.store.GetOpenPositions(ctx, o.cfg.AccountID)
	if err != nil {
		return tm, err
	}
	tm.PositionsClosed = len(positions) - len(remaining)

	metrics := telemetry.GetGlobalMetrics()
	metrics.SetOpenPositions(int64(len(remaining)))

	// 4. Entry budget.
	slots := o.cfg.MaxPositions - len(remaining)
	if slots > o.cfg.MaxNewPositionsPerCycle {
		slots = o.cfg.MaxNewPositionsPerCycle
	}
	if o.isDraining() || ctx.Err() != nil {
		slots = 0
	}

	// 5. Spend the budget on the ranked opportunities, sequentially so
	// margin is never double-committed.
	if slots > 0 {
		opps, err := o.finder.Find(ctx, o.cfg.Filter)
		if err != nil {
			tm.Errors["find"]++
			return tm, nil
		}
		tm.OpportunitiesScanned = len(opps)
		if metrics.OpportunitiesFound != nil {
			metrics.OpportunitiesFound.Add(ctx, int64(len(opps)))
		}
		for _, opp := range opps {
			apy, _ := opp.NetAPY.Float64()
			metrics.SetBestNetAPY(opp.Symbol, apy)
		}

		held := heldPairs(remaining)
		for _, opp := range opps {
			if slots == 0 {
				break
			}
			if o.isDraining() || ctx.Err() != nil {
				break
			}
			if held[pairKey(opp.Symbol, opp.LongVenue, opp.ShortVenue)] {
				continue
			}
			if o.cfg.DryRun {
				o.logger.Info("Dry run: would open position",
					"symbol", opp.Symbol, "long", opp.LongVenue, "short", opp.ShortVenue,
					"net_apy", opp.NetAPY)
				slots--
				continue
			}
			_, err := o.executor.Open(ctx, opp, o.cfg.TargetMarginUSD, o.cfg.Leverage, o.cfg.AccountID)
			if err != nil {
				o.classifyOpenError(err, tm.Errors, opp)
				continue
			}
			held[pairKey(opp.Symbol, opp.LongVenue, opp.ShortVenue)] = true
			tm.PositionsOpened++
			slots--
		}
	}

	o.mu.Lock()
	o.lastTick = time.Now()
	o.mu.Unlock()
	return tm, nil
}

func (o *Orchestrator) classifyOpenError(err error, errors map[string]int, opp core.Opportunity) {
	switch {
	case apperrors.IsMarket(err):
		// Opportunity skipped; the next tick retries.
		errors["market"]++
		o.logger.Debug("Opportunity skipped",
			"symbol", opp.Symbol, "error", err)
	default:
		errors["open"]++
		o.logger.Warn("Open failed",
			"symbol", opp.Symbol, "long", opp.LongVenue, "short", opp.ShortVenue,
			"error", err)
	}
}

// Healthy reports whether a tick completed within two intervals. Backs
// the /healthz endpoint.
func (o *Orchestrator) Healthy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastTick.IsZero() {
		return true // still starting up
	}
	return time.Since(o.lastTick) < 2*o.cfg.CheckInterval
}

func (o *Orchestrator) isDraining() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draining
}

func heldPairs(positions []core.Position) map[string]bool {
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		held[pairKey(p.Symbol, p.LongVenue, p.ShortVenue)] = true
	}
	return held
}

func pairKey(symbol, longVenue, shortVenue string) string {
	return symbol + "|" + longVenue + "|" + shortVenue
}
