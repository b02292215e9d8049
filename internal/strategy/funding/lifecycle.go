package funding

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding_arb/internal/core"
	"funding_arb/internal/storage"
	"funding_arb/pkg/telemetry"
)

// legDriftTolerance is the allowed absolute quantity mismatch between the
// two legs, as a fraction of the larger leg.
var legDriftTolerance = decimal.NewFromFloat(0.01)

// LifecycleConfig parameterizes per-position risk checks.
type LifecycleConfig struct {
	MinHold                   time.Duration
	MaxAge                    time.Duration
	ProfitErosionThreshold    decimal.Decimal
	MinLiquidationDistancePct decimal.Decimal
	WideSpreadMaxBps          decimal.Decimal
	WideSpreadCooldown        time.Duration
	CloseOrderType            core.CloseOrderType
}

// LifecycleManager drives the per-position state machine
// opening -> monitoring -> (rebalancing -> monitoring)* -> closing -> closed.
// One Evaluate call per position per orchestrator tick; the orchestrator
// serializes calls for the same position.
type LifecycleManager struct {
	venues   map[string]core.IVenue
	store    storage.Store
	executor core.IExecutor
	cfg      LifecycleConfig
	logger   core.ILogger

	mu sync.Mutex
	// wideSince tracks when a position first saw an unusable BBO. The
	// timer resets on the first good sample on both legs.
	wideSince map[string]time.Time
}

// NewLifecycleManager creates a lifecycle manager.
func NewLifecycleManager(venues map[string]core.IVenue, store storage.Store, executor core.IExecutor, cfg LifecycleConfig, logger core.ILogger) *LifecycleManager {
	if cfg.CloseOrderType == "" {
		cfg.CloseOrderType = core.CloseMarket
	}
	return &LifecycleManager{
		venues:    venues,
		store:     store,
		executor:  executor,
		cfg:       cfg,
		logger:    logger.WithField("component", "lifecycle"),
		wideSince: make(map[string]time.Time),
	}
}

// Evaluate runs the ordered check chain for one open position, first match
// wins. Funding accrual and the heartbeat are written on every call.
func (m *LifecycleManager) Evaluate(ctx context.Context, pos *core.Position) error {
	now := time.Now().UTC()
	log := m.logger.WithField("position_id", pos.ID).WithField("symbol", pos.Symbol)

	// A position stuck in closing from a failed earlier close is retried
	// before anything else.
	if pos.Stage == core.StageClosing {
		reason := pos.ExitReason
		if reason == "" {
			reason = core.ExitManual
		}
		return m.requestClose(ctx, pos, reason, log)
	}

	longSnap, shortSnap := m.fetchSnapshots(ctx, pos)
	m.accrueFunding(ctx, pos, longSnap, shortSnap, now)

	// 1. Max age.
	if m.cfg.MaxAge > 0 && pos.Age(now) > m.cfg.MaxAge {
		log.Info("Position exceeded max age", "age", pos.Age(now))
		return m.requestClose(ctx, pos, core.ExitMaxAge, log)
	}

	// 2. Min-hold gate: funding keeps accruing, risk checks wait.
	if pos.Age(now) < m.cfg.MinHold {
		return nil
	}

	// 3. Liquidation proximity on either leg.
	if m.liquidationClose(longSnap) || m.liquidationClose(shortSnap) {
		log.Warn("Liquidation proximity breach")
		return m.requestClose(ctx, pos, core.ExitLiquidationRisk, log)
	}

	// 4. Profit erosion against the entry divergence.
	if eroded, ok := m.profitEroded(ctx, pos); ok && eroded {
		log.Info("Divergence eroded past threshold")
		return m.requestClose(ctx, pos, core.ExitProfitErosion, log)
	}

	// 5. Wide-spread / stale-data cooldown.
	expired, err := m.wideSpreadExpired(ctx, pos, now)
	if err == nil && expired {
		log.Warn("Wide spread persisted past cooldown")
		return m.requestClose(ctx, pos, core.ExitPersistentWideSpread, log)
	}

	// 6. Leg drift rebalance.
	if longSnap != nil && shortSnap != nil {
		if err := m.rebalanceIfDrifted(ctx, pos, longSnap, shortSnap, log); err != nil {
			log.Error("Rebalance failed", "error", err)
		}
	}
	return nil
}

func (m *LifecycleManager) requestClose(ctx context.Context, pos *core.Position, reason core.ExitReason, log core.ILogger) error {
	if err := m.store.UpdatePosition(ctx, pos.ID, storage.StagePatch(core.StageClosing)); err != nil {
		return err
	}
	pos.Stage = core.StageClosing
	if err := m.executor.Close(ctx, pos, m.cfg.CloseOrderType, reason); err != nil {
		// Stays in closing; the next tick retries.
		log.Error("Close failed, will retry next tick", "reason", reason, "error", err)
		return err
	}
	m.mu.Lock()
	delete(m.wideSince, pos.ID)
	m.mu.Unlock()
	return nil
}

func (m *LifecycleManager) fetchSnapshots(ctx context.Context, pos *core.Position) (*core.PositionSnapshot, *core.PositionSnapshot) {
	var longSnap, shortSnap *core.PositionSnapshot
	if v, ok := m.venues[pos.LongVenue]; ok {
		if snap, err := v.GetPositionSnapshot(ctx, v.Denormalize(pos.Symbol)); err == nil {
			longSnap = snap
		}
	}
	if v, ok := m.venues[pos.ShortVenue]; ok {
		if snap, err := v.GetPositionSnapshot(ctx, v.Denormalize(pos.Symbol)); err == nil {
			shortSnap = snap
		}
	}
	return longSnap, shortSnap
}

// accrueFunding folds both legs' venue-reported funding into the position
// row and writes the heartbeat.
func (m *LifecycleManager) accrueFunding(ctx context.Context, pos *core.Position, longSnap, shortSnap *core.PositionSnapshot, now time.Time) {
	total := decimal.Zero
	if longSnap != nil {
		total = total.Add(longSnap.FundingAccrued)
	}
	if shortSnap != nil {
		total = total.Add(shortSnap.FundingAccrued)
	}

	patch := storage.PositionPatch{LastHeartbeat: &now}
	if longSnap != nil || shortSnap != nil {
		patch.CumulativeFundingUSD = &total
		pos.CumulativeFundingUSD = total
		f, _ := total.Float64()
		telemetry.GetGlobalMetrics().SetCumulativeFunding(pos.ID, f)
	}
	if err := m.store.UpdatePosition(ctx, pos.ID, patch); err != nil {
		m.logger.Error("Heartbeat update failed", "position_id", pos.ID, "error", err)
	}
}

func (m *LifecycleManager) liquidationClose(snap *core.PositionSnapshot) bool {
	if snap == nil || snap.MarkPrice.Sign() <= 0 || snap.LiquidationPrice.Sign() <= 0 {
		return false
	}
	distance := snap.MarkPrice.Sub(snap.LiquidationPrice).Abs().Div(snap.MarkPrice)
	return distance.LessThan(m.cfg.MinLiquidationDistancePct)
}

// profitEroded compares the current directed divergence with the entry
// divergence. Returns ok=false when fresh samples for both legs are
// unavailable; stale data defers the check rather than forcing an exit.
func (m *LifecycleManager) profitEroded(ctx context.Context, pos *core.Position) (bool, bool) {
	if pos.EntryDivergence.Sign() <= 0 {
		return false, false
	}
	samples, err := m.store.GetLatestSamples(ctx,
		[]string{pos.LongVenue, pos.ShortVenue}, SampleMaxAge)
	if err != nil {
		return false, false
	}
	var longRate, shortRate *decimal.Decimal
	for _, s := range samples {
		if s.Symbol != pos.Symbol {
			continue
		}
		r := s.NormalizedRate
		switch s.Venue {
		case pos.LongVenue:
			longRate = &r
		case pos.ShortVenue:
			shortRate = &r
		}
	}
	if longRate == nil || shortRate == nil {
		return false, false
	}

	current := shortRate.Sub(*longRate)
	erosion := pos.EntryDivergence.Sub(current).Div(pos.EntryDivergence)
	return erosion.GreaterThanOrEqual(m.cfg.ProfitErosionThreshold), true
}

// wideSpreadExpired tracks how long the position has had unusable pricing.
// The timer starts when either leg's BBO is missing or wider than the cap,
// and resets as soon as both legs report a good sample.
func (m *LifecycleManager) wideSpreadExpired(ctx context.Context, pos *core.Position, now time.Time) (bool, error) {
	bad := false
	for _, name := range []string{pos.LongVenue, pos.ShortVenue} {
		venue, ok := m.venues[name]
		if !ok {
			bad = true
			break
		}
		bbo, err := venue.FetchBBO(ctx, venue.Denormalize(pos.Symbol))
		if err != nil || bbo.Mid().Sign() <= 0 {
			bad = true
			break
		}
		if m.cfg.WideSpreadMaxBps.Sign() > 0 && bbo.SpreadBps().GreaterThan(m.cfg.WideSpreadMaxBps) {
			bad = true
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !bad {
		delete(m.wideSince, pos.ID)
		return false, nil
	}
	since, ok := m.wideSince[pos.ID]
	if !ok {
		m.wideSince[pos.ID] = now
		return false, nil
	}
	return m.cfg.WideSpreadCooldown > 0 && now.Sub(since) >= m.cfg.WideSpreadCooldown, nil
}

// rebalanceIfDrifted trims the larger leg down to the smaller one when the
// absolute quantity gap exceeds 1% of the larger leg.
func (m *LifecycleManager) rebalanceIfDrifted(ctx context.Context, pos *core.Position, longSnap, shortSnap *core.PositionSnapshot, log core.ILogger) error {
	longQty := longSnap.Quantity.Abs()
	shortQty := shortSnap.Quantity.Abs()
	if longQty.Sign() == 0 || shortQty.Sign() == 0 {
		return nil
	}

	larger, smaller := longQty, shortQty
	largerVenue := pos.LongVenue
	largerSide := core.SideSell // reduce a long by selling
	if shortQty.GreaterThan(longQty) {
		larger, smaller = shortQty, longQty
		largerVenue = pos.ShortVenue
		largerSide = core.SideBuy // reduce a short by buying
	}

	drift := larger.Sub(smaller)
	if drift.LessThanOrEqual(larger.Mul(legDriftTolerance)) {
		return nil
	}

	if err := m.store.UpdatePosition(ctx, pos.ID, storage.StagePatch(core.StageRebalancing)); err != nil {
		return err
	}
	log.Info("Rebalancing drifted legs",
		"long_qty", longQty, "short_qty", shortQty, "trim", drift, "venue", largerVenue)

	venue := m.venues[largerVenue]
	res, err := venue.PlaceMarket(ctx, core.MarketOrderRequest{
		Symbol:        venue.Denormalize(pos.Symbol),
		Side:          largerSide,
		Quantity:      drift,
		ReduceOnly:    true,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		// Back to monitoring; drift persists and the next tick retries.
		if uerr := m.store.UpdatePosition(ctx, pos.ID, storage.StagePatch(core.StageMonitoring)); uerr != nil {
			log.Error("Stage revert failed", "error", uerr)
		}
		return err
	}
	log.Info("Rebalance order placed", "order_id", res.OrderID, "quantity", drift)

	if err := m.store.UpdatePosition(ctx, pos.ID, storage.StagePatch(core.StageMonitoring)); err != nil {
		return err
	}
	pos.Stage = core.StageMonitoring
	return nil
}
