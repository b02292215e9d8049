package funding

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_arb/internal/core"
	"funding_arb/internal/mock"
	"funding_arb/internal/storage"
	apperrors "funding_arb/pkg/errors"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testOpportunity() core.Opportunity {
	return core.Opportunity{
		Symbol:           "BTC",
		LongVenue:        "venueB",
		ShortVenue:       "venueA",
		LongRate:         dec("-0.0002"),
		ShortRate:        dec("0.0006"),
		Divergence:       dec("0.0008"),
		NetRatePerPeriod: dec("0.0004"),
	}
}

// executorFixture wires two mock venues around a fresh memory store.
func executorFixture(t *testing.T) (*Executor, *mock.Venue, *mock.Venue, *storage.MemoryStore) {
	t.Helper()
	long := mock.NewVenue("venueB")
	short := mock.NewVenue("venueA")
	for _, v := range []*mock.Venue{long, short} {
		v.SetBBO("BTC", core.BBO{Bid: dec("99.9"), Ask: dec("100.1")})
		v.SetMark("BTC", dec("100"))
	}
	store := storage.NewMemoryStore()
	cfg := ExecutorConfig{
		MaxEntryDivergencePct: dec("0.02"),
		LimitOrderOffsetPct:   dec("0.0002"),
		OrderUpdateTimeout:    100 * time.Millisecond,
	}
	exec := NewExecutor(map[string]core.IVenue{
		"venueB": long, "venueA": short,
	}, store, cfg, &noopLogger{})
	return exec, long, short, store
}

func TestOpenBothLegsFilled(t *testing.T) {
	exec, long, short, store := executorFixture(t)
	ctx := context.Background()

	pos, err := exec.Open(ctx, testOpportunity(), dec("100"), 3, "acct")
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, core.StageMonitoring, pos.Stage)
	assert.Equal(t, "venueB", pos.LongVenue)
	assert.Equal(t, "venueA", pos.ShortVenue)

	// notional 300 at mid 100 rounds to 3.0 per leg.
	limits := long.PlacedLimits()
	require.Len(t, limits, 1)
	assert.Equal(t, core.SideBuy, limits[0].Side)
	assert.True(t, limits[0].PostOnly)
	assert.True(t, dec("3").Equal(limits[0].Quantity), "got %s", limits[0].Quantity)

	shortLimits := short.PlacedLimits()
	require.Len(t, shortLimits, 1)
	assert.Equal(t, core.SideSell, shortLimits[0].Side)

	// Leverage configured on both venues.
	assert.Equal(t, 3, long.Leverage("BTC"))
	assert.Equal(t, 3, short.Leverage("BTC"))

	// One entry fill per leg.
	fills, err := store.GetTradeFills(ctx, pos.ID)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	for _, f := range fills {
		assert.Equal(t, core.TradeEntry, f.TradeType)
		assert.True(t, dec("3").Equal(f.TotalQuantity))
	}

	open, err := store.GetOpenPositions(ctx, "acct")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestOpenDivergenceGuardAborts(t *testing.T) {
	exec, long, short, store := executorFixture(t)
	// venueB mid 100, venueA mid 103: 3% > 2% cap.
	short.SetBBO("BTC", core.BBO{Bid: dec("102.9"), Ask: dec("103.1")})

	pos, err := exec.Open(context.Background(), testOpportunity(), dec("100"), 3, "acct")
	assert.ErrorIs(t, err, apperrors.ErrDivergenceTooWide)
	assert.Nil(t, pos)

	// No orders placed, nothing persisted.
	assert.Empty(t, long.PlacedLimits())
	assert.Empty(t, short.PlacedLimits())
	open, _ := store.GetOpenPositions(context.Background(), "acct")
	assert.Empty(t, open)
}

func TestOpenOneSidedFillRollsBack(t *testing.T) {
	exec, long, short, store := executorFixture(t)
	// The short leg never fills.
	short.SetPartialFillRatio(decimal.Zero)

	pos, err := exec.Open(context.Background(), testOpportunity(), dec("100"), 3, "acct")
	assert.ErrorIs(t, err, apperrors.ErrPartialEntryRolledBack)
	assert.Nil(t, pos)

	// Filled long leg flattened with a reduce-only market SELL.
	markets := long.PlacedMarkets()
	require.Len(t, markets, 1)
	assert.Equal(t, core.SideSell, markets[0].Side)
	assert.True(t, markets[0].ReduceOnly)
	assert.True(t, dec("3").Equal(markets[0].Quantity))

	// No position row; entry fill plus reversal recorded.
	open, err := store.GetOpenPositions(context.Background(), "acct")
	require.NoError(t, err)
	assert.Empty(t, open)

	// Both recorded fills are entries on the long venue.
	fills := allFills(t, store)
	require.Len(t, fills, 2)
	for _, f := range fills {
		assert.Equal(t, core.TradeEntry, f.TradeType)
		assert.Equal(t, "venueB", f.Venue)
	}
	assert.NotEqual(t, fills[0].Side, fills[1].Side)
}

func TestOpenMatchedPartialsBelowMinNotionalRollBack(t *testing.T) {
	exec, long, short, store := executorFixture(t)
	// Both legs fill 5% of quantity 3: 0.15 at ~100 is ~15 USD, under the
	// 50 USD per-leg minimum, so the matching fills are still unwound.
	for _, v := range []*mock.Venue{long, short} {
		v.SetPartialFillRatio(dec("0.05"))
		v.SetMinNotional(dec("50"))
	}

	pos, err := exec.Open(context.Background(), testOpportunity(), dec("100"), 3, "acct")
	assert.ErrorIs(t, err, apperrors.ErrPartialEntryRolledBack)
	assert.Nil(t, pos)

	for _, v := range []*mock.Venue{long, short} {
		markets := v.PlacedMarkets()
		require.Len(t, markets, 1)
		assert.True(t, markets[0].ReduceOnly)
		assert.True(t, dec("0.15").Equal(markets[0].Quantity), "got %s", markets[0].Quantity)
	}

	open, err := store.GetOpenPositions(context.Background(), "acct")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestOpenMatchedPartialsAboveMinNotionalOpen(t *testing.T) {
	exec, long, short, store := executorFixture(t)
	// Half fills on both legs clear the default 10 USD minimum: the
	// position opens with the realized quantity, remainders canceled.
	for _, v := range []*mock.Venue{long, short} {
		v.SetPartialFillRatio(dec("0.5"))
	}

	pos, err := exec.Open(context.Background(), testOpportunity(), dec("100"), 3, "acct")
	require.NoError(t, err)
	require.NotNil(t, pos)

	fills, err := store.GetTradeFills(context.Background(), pos.ID)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	for _, f := range fills {
		assert.True(t, dec("1.5").Equal(f.TotalQuantity), "got %s", f.TotalQuantity)
	}
	assert.Empty(t, long.PlacedMarkets())
	assert.Empty(t, short.PlacedMarkets())
}

func TestOpenBelowMinNotional(t *testing.T) {
	exec, long, _, _ := executorFixture(t)
	long.SetMinNotional(dec("1000"))

	_, err := exec.Open(context.Background(), testOpportunity(), dec("100"), 3, "acct")
	assert.ErrorIs(t, err, apperrors.ErrBelowMinNotional)
	assert.Empty(t, long.PlacedLimits())
}

func TestOpenPostOnlyCrossedRetriesOnce(t *testing.T) {
	exec, long, short, _ := executorFixture(t)
	// Both legs cross on the first and the retry attempt.
	long.CrossNextPostOnly(2)
	short.CrossNextPostOnly(2)

	_, err := exec.Open(context.Background(), testOpportunity(), dec("100"), 3, "acct")
	assert.ErrorIs(t, err, apperrors.ErrPostOnlyCrossed)

	assert.Len(t, long.PlacedLimits(), 2)
	assert.Len(t, short.PlacedLimits(), 2)
	// Nothing to roll back.
	assert.Empty(t, long.PlacedMarkets())
	assert.Empty(t, short.PlacedMarkets())
}

func TestOpenCrossedThenFilledOnRetry(t *testing.T) {
	exec, long, short, store := executorFixture(t)
	long.CrossNextPostOnly(1)
	short.CrossNextPostOnly(1)

	pos, err := exec.Open(context.Background(), testOpportunity(), dec("100"), 3, "acct")
	require.NoError(t, err)
	require.NotNil(t, pos)

	open, _ := store.GetOpenPositions(context.Background(), "acct")
	assert.Len(t, open, 1)
}

func TestCloseMarketBothLegs(t *testing.T) {
	exec, long, short, store := executorFixture(t)
	ctx := context.Background()

	pos, err := exec.Open(ctx, testOpportunity(), dec("100"), 3, "acct")
	require.NoError(t, err)

	long.SetSnapshot("BTC", &core.PositionSnapshot{
		Venue: "venueB", Symbol: "BTC", Side: core.SideBuy, Quantity: dec("3"),
	})
	short.SetSnapshot("BTC", &core.PositionSnapshot{
		Venue: "venueA", Symbol: "BTC", Side: core.SideSell, Quantity: dec("-3"),
	})

	require.NoError(t, exec.Close(ctx, pos, core.CloseMarket, core.ExitProfitErosion))

	stored, err := store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StageClosed, stored.Stage)
	assert.NotNil(t, stored.ClosedAt)
	assert.Equal(t, core.ExitProfitErosion, stored.ExitReason)
	assert.False(t, stored.CloseDegraded)
	require.NotNil(t, stored.PnLUSD)

	fills, err := store.GetTradeFills(ctx, pos.ID)
	require.NoError(t, err)
	entries, exits := 0, 0
	for _, f := range fills {
		switch f.TradeType {
		case core.TradeEntry:
			entries++
		case core.TradeExit:
			exits++
		}
	}
	assert.Equal(t, 2, entries)
	assert.Equal(t, 2, exits)

	open, _ := store.GetOpenPositions(ctx, "acct")
	assert.Empty(t, open)
}

func TestCloseDegradedWhenLegCannotFlatten(t *testing.T) {
	exec, long, short, store := executorFixture(t)
	ctx := context.Background()

	pos, err := exec.Open(ctx, testOpportunity(), dec("100"), 3, "acct")
	require.NoError(t, err)

	long.SetSnapshot("BTC", &core.PositionSnapshot{
		Venue: "venueB", Symbol: "BTC", Side: core.SideBuy, Quantity: dec("3"),
	})
	short.SetSnapshot("BTC", &core.PositionSnapshot{
		Venue: "venueA", Symbol: "BTC", Side: core.SideSell, Quantity: dec("-3"),
	})
	short.FailNextMarket(apperrors.ErrReduceOnlyRejected)

	err = exec.Close(ctx, pos, core.CloseMarket, core.ExitMaxAge)
	require.Error(t, err)

	// Short leg is still open: position stays in closing with the
	// degradation flag set, retried next tick.
	stored, gerr := store.GetPosition(ctx, pos.ID)
	require.NoError(t, gerr)
	assert.Equal(t, core.StageClosing, stored.Stage)
	assert.True(t, stored.CloseDegraded)
	assert.Nil(t, stored.ClosedAt)
}

func TestCloseWithOneLegAlreadyFlat(t *testing.T) {
	exec, long, short, store := executorFixture(t)
	ctx := context.Background()

	pos, err := exec.Open(ctx, testOpportunity(), dec("100"), 3, "acct")
	require.NoError(t, err)

	// The short venue already reports flat; only the long leg needs an
	// exit order.
	long.SetSnapshot("BTC", &core.PositionSnapshot{
		Venue: "venueB", Symbol: "BTC", Side: core.SideBuy, Quantity: dec("3"),
	})
	short.SetSnapshot("BTC", &core.PositionSnapshot{
		Venue: "venueA", Symbol: "BTC", Quantity: decimal.Zero,
	})

	require.NoError(t, exec.Close(ctx, pos, core.CloseMarket, core.ExitManual))

	assert.Len(t, long.PlacedMarkets(), 1)
	assert.Empty(t, short.PlacedMarkets())

	stored, err := store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StageClosed, stored.Stage)
	assert.False(t, stored.CloseDegraded)
}

func TestOpenDuplicateFillInsertIsNoOp(t *testing.T) {
	exec, _, _, store := executorFixture(t)
	ctx := context.Background()

	pos, err := exec.Open(ctx, testOpportunity(), dec("100"), 3, "acct")
	require.NoError(t, err)

	fills, err := store.GetTradeFills(ctx, pos.ID)
	require.NoError(t, err)
	require.Len(t, fills, 2)

	// Replaying an insert with the same (position, order) is dropped.
	inserted, err := store.InsertTradeFill(ctx, fills[0])
	require.NoError(t, err)
	assert.False(t, inserted)

	again, err := store.GetTradeFills(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

// allFills returns every fill in the memory store regardless of position;
// rollback fills carry the aborted attempt's position id.
func allFills(t *testing.T, store *storage.MemoryStore) []core.TradeFill {
	t.Helper()
	return store.AllTradeFills()
}
