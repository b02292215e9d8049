package funding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_arb/internal/core"
	"funding_arb/internal/mock"
	"funding_arb/internal/storage"
)

// recordingExecutor captures close requests and marks positions closed.
type recordingExecutor struct {
	mu      sync.Mutex
	store   storage.Store
	failure error
	closes  []core.ExitReason
}

func (r *recordingExecutor) Open(ctx context.Context, opp core.Opportunity, margin decimal.Decimal, leverage int, accountID string) (*core.Position, error) {
	return nil, nil
}

func (r *recordingExecutor) Close(ctx context.Context, pos *core.Position, orderType core.CloseOrderType, reason core.ExitReason) error {
	r.mu.Lock()
	r.closes = append(r.closes, reason)
	r.mu.Unlock()
	if r.failure != nil {
		return r.failure
	}
	return r.store.UpdatePosition(ctx, pos.ID,
		storage.ClosePatch(time.Now().UTC(), decimal.Zero, reason, false))
}

func (r *recordingExecutor) closeReasons() []core.ExitReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.ExitReason, len(r.closes))
	copy(out, r.closes)
	return out
}

func lifecycleFixture(t *testing.T, cfg LifecycleConfig) (*LifecycleManager, *recordingExecutor, *mock.Venue, *mock.Venue, *storage.MemoryStore) {
	t.Helper()
	long := mock.NewVenue("venueB")
	short := mock.NewVenue("venueA")
	for _, v := range []*mock.Venue{long, short} {
		v.SetBBO("BTC", core.BBO{Bid: dec("99.99"), Ask: dec("100.01")})
	}
	store := storage.NewMemoryStore()
	exec := &recordingExecutor{store: store}
	mgr := NewLifecycleManager(map[string]core.IVenue{
		"venueB": long, "venueA": short,
	}, store, exec, cfg, &noopLogger{})
	return mgr, exec, long, short, store
}

func seedPosition(t *testing.T, store storage.Store, age time.Duration) *core.Position {
	t.Helper()
	now := time.Now().UTC()
	pos := core.Position{
		ID:              uuid.NewString(),
		AccountID:       "acct",
		Symbol:          "BTC",
		LongVenue:       "venueB",
		ShortVenue:      "venueA",
		SizeUSD:         dec("300"),
		EntryDivergence: dec("0.0008"),
		EntryLongRate:   dec("-0.0002"),
		EntryShortRate:  dec("0.0006"),
		OpenedAt:        now.Add(-age),
		LastHeartbeat:   now.Add(-age),
		Stage:           core.StageMonitoring,
	}
	require.NoError(t, store.InsertPosition(context.Background(), pos))
	return &pos
}

func seedRates(t *testing.T, store storage.Store, longRate, shortRate string) {
	t.Helper()
	now := time.Now().UTC()
	for venue, rate := range map[string]string{"venueB": longRate, "venueA": shortRate} {
		require.NoError(t, store.UpsertFundingRate(context.Background(),
			core.NewFundingRateSample(venue, "BTC", dec(rate), decimal.NewFromInt(8), now)))
	}
}

func TestEvaluateMaxAgeForcesClose(t *testing.T) {
	mgr, exec, _, _, store := lifecycleFixture(t, LifecycleConfig{
		MaxAge:  12 * time.Hour,
		MinHold: time.Hour,
	})
	pos := seedPosition(t, store, 12*time.Hour+time.Minute)

	require.NoError(t, mgr.Evaluate(context.Background(), pos))

	assert.Equal(t, []core.ExitReason{core.ExitMaxAge}, exec.closeReasons())
	stored, _ := store.GetPosition(context.Background(), pos.ID)
	assert.Equal(t, core.StageClosed, stored.Stage)
}

func TestEvaluateMinHoldGatesRiskChecks(t *testing.T) {
	mgr, exec, _, _, store := lifecycleFixture(t, LifecycleConfig{
		MaxAge:                 24 * time.Hour,
		MinHold:                4 * time.Hour,
		ProfitErosionThreshold: dec("0.4"),
	})
	pos := seedPosition(t, store, time.Hour)
	// Divergence fully eroded, but the position is inside min hold.
	seedRates(t, store, "0.0000", "0.0001")

	require.NoError(t, mgr.Evaluate(context.Background(), pos))

	assert.Empty(t, exec.closeReasons())
	stored, _ := store.GetPosition(context.Background(), pos.ID)
	assert.Equal(t, core.StageMonitoring, stored.Stage)
	// Heartbeat still advanced.
	assert.WithinDuration(t, time.Now().UTC(), stored.LastHeartbeat, time.Minute)
}

func TestEvaluateProfitErosionCloses(t *testing.T) {
	mgr, exec, _, _, store := lifecycleFixture(t, LifecycleConfig{
		MaxAge:                 24 * time.Hour,
		MinHold:                time.Hour,
		ProfitErosionThreshold: dec("0.4"),
	})
	pos := seedPosition(t, store, 2*time.Hour)
	// entry 0.0008 -> current 0.0001: erosion 0.875 > 0.4.
	seedRates(t, store, "0.0000", "0.0001")

	require.NoError(t, mgr.Evaluate(context.Background(), pos))
	assert.Equal(t, []core.ExitReason{core.ExitProfitErosion}, exec.closeReasons())
}

func TestEvaluateErosionDefersOnStaleRates(t *testing.T) {
	mgr, exec, _, _, store := lifecycleFixture(t, LifecycleConfig{
		MaxAge:                 24 * time.Hour,
		MinHold:                time.Hour,
		ProfitErosionThreshold: dec("0.4"),
	})
	pos := seedPosition(t, store, 2*time.Hour)
	// No fresh samples at all: check defers, position stays open.

	require.NoError(t, mgr.Evaluate(context.Background(), pos))
	assert.Empty(t, exec.closeReasons())
}

func TestEvaluateLiquidationProximityCloses(t *testing.T) {
	mgr, exec, long, _, store := lifecycleFixture(t, LifecycleConfig{
		MaxAge:                    24 * time.Hour,
		MinHold:                   time.Hour,
		MinLiquidationDistancePct: dec("0.10"),
	})
	pos := seedPosition(t, store, 2*time.Hour)
	long.SetSnapshot("BTC", &core.PositionSnapshot{
		Venue: "venueB", Symbol: "BTC",
		Quantity:         dec("3"),
		MarkPrice:        dec("100"),
		LiquidationPrice: dec("95"), // 5% away, under the 10% floor
	})

	require.NoError(t, mgr.Evaluate(context.Background(), pos))
	assert.Equal(t, []core.ExitReason{core.ExitLiquidationRisk}, exec.closeReasons())
}

func TestEvaluateWideSpreadCooldown(t *testing.T) {
	mgr, exec, long, short, store := lifecycleFixture(t, LifecycleConfig{
		MaxAge:             24 * time.Hour,
		MinHold:            time.Hour,
		WideSpreadMaxBps:   dec("50"),
		WideSpreadCooldown: 30 * time.Millisecond,
	})
	pos := seedPosition(t, store, 2*time.Hour)
	ctx := context.Background()

	// Spread of ~400 bps on the long venue starts the timer.
	long.SetBBO("BTC", core.BBO{Bid: dec("98"), Ask: dec("102")})
	require.NoError(t, mgr.Evaluate(ctx, pos))
	assert.Empty(t, exec.closeReasons())

	// One good sample on both legs resets the timer.
	long.SetBBO("BTC", core.BBO{Bid: dec("99.99"), Ask: dec("100.01")})
	require.NoError(t, mgr.Evaluate(ctx, pos))
	assert.Empty(t, exec.closeReasons())

	// Bad again: the timer restarts; only after the cooldown elapses does
	// the position close.
	long.SetBBO("BTC", core.BBO{Bid: dec("98"), Ask: dec("102")})
	require.NoError(t, mgr.Evaluate(ctx, pos))
	assert.Empty(t, exec.closeReasons())

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, mgr.Evaluate(ctx, pos))
	assert.Equal(t, []core.ExitReason{core.ExitPersistentWideSpread}, exec.closeReasons())
	_ = short
}

func TestEvaluateRebalancesDriftedLegs(t *testing.T) {
	mgr, exec, long, short, store := lifecycleFixture(t, LifecycleConfig{
		MaxAge:  24 * time.Hour,
		MinHold: time.Hour,
	})
	pos := seedPosition(t, store, 2*time.Hour)
	long.SetMark("BTC", dec("100"))
	long.SetSnapshot("BTC", &core.PositionSnapshot{
		Venue: "venueB", Symbol: "BTC", Quantity: dec("3.1"),
	})
	short.SetSnapshot("BTC", &core.PositionSnapshot{
		Venue: "venueA", Symbol: "BTC", Quantity: dec("-3"),
	})

	require.NoError(t, mgr.Evaluate(context.Background(), pos))
	assert.Empty(t, exec.closeReasons())

	// The larger long leg is trimmed by the drift with a reduce-only SELL.
	markets := long.PlacedMarkets()
	require.Len(t, markets, 1)
	assert.Equal(t, core.SideSell, markets[0].Side)
	assert.True(t, markets[0].ReduceOnly)
	assert.True(t, dec("0.1").Equal(markets[0].Quantity), "got %s", markets[0].Quantity)

	stored, _ := store.GetPosition(context.Background(), pos.ID)
	assert.Equal(t, core.StageMonitoring, stored.Stage)
}

func TestEvaluateAccruesFunding(t *testing.T) {
	mgr, _, long, short, store := lifecycleFixture(t, LifecycleConfig{
		MaxAge:  24 * time.Hour,
		MinHold: 4 * time.Hour,
	})
	pos := seedPosition(t, store, time.Hour)
	long.SetSnapshot("BTC", &core.PositionSnapshot{
		Venue: "venueB", Symbol: "BTC", Quantity: dec("3"),
		FundingAccrued: dec("-0.4"),
	})
	short.SetSnapshot("BTC", &core.PositionSnapshot{
		Venue: "venueA", Symbol: "BTC", Quantity: dec("-3"),
		FundingAccrued: dec("1.6"),
	})

	require.NoError(t, mgr.Evaluate(context.Background(), pos))

	stored, _ := store.GetPosition(context.Background(), pos.ID)
	assert.True(t, dec("1.2").Equal(stored.CumulativeFundingUSD),
		"got %s", stored.CumulativeFundingUSD)
}

func TestEvaluateRetriesStuckClosing(t *testing.T) {
	mgr, exec, _, _, store := lifecycleFixture(t, LifecycleConfig{
		MaxAge:  24 * time.Hour,
		MinHold: time.Hour,
	})
	pos := seedPosition(t, store, 2*time.Hour)
	require.NoError(t, store.UpdatePosition(context.Background(), pos.ID,
		storage.StagePatch(core.StageClosing)))
	pos.Stage = core.StageClosing
	pos.ExitReason = core.ExitMaxAge

	require.NoError(t, mgr.Evaluate(context.Background(), pos))
	assert.Equal(t, []core.ExitReason{core.ExitMaxAge}, exec.closeReasons())

	stored, _ := store.GetPosition(context.Background(), pos.ID)
	assert.Equal(t, core.StageClosed, stored.Stage)
}
