package funding

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_arb/internal/core"
	"funding_arb/internal/storage"
)

type finderSeed struct {
	venue    string
	symbol   string
	rate     string
	interval int64
	vol      int64
	oi       int64
	age      time.Duration
}

func seedFinder(t *testing.T, store storage.Store, rows []finderSeed) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	for _, r := range rows {
		at := now.Add(-r.age)
		require.NoError(t, store.UpsertFundingRate(ctx,
			core.NewFundingRateSample(r.venue, r.symbol, dec(r.rate), decimal.NewFromInt(r.interval), at)))
		vol := decimal.NewFromInt(r.vol)
		oi := decimal.NewFromInt(r.oi)
		require.NoError(t, store.UpsertMarketData(ctx, core.MarketData{
			Venue: r.venue, Symbol: r.symbol,
			Volume24hUSD: &vol, OpenInterestUSD: &oi,
			UpdatedAt: at,
		}))
	}
}

func newTestFinder(store storage.Store) *Finder {
	f := NewFinder(store, NewFeeCalculator(testFeeTable()), &noopLogger{})
	f.SetUseHistory(false)
	return f
}

func TestFindRanksByNetRate(t *testing.T) {
	store := storage.NewMemoryStore()
	seedFinder(t, store, []finderSeed{
		{"venueA", "BTC", "0.0007", 8, 5_000_000, 2_000_000, 0},
		{"venueB", "BTC", "-0.0001", 8, 5_000_000, 2_000_000, 0},
		{"venueA", "ETH", "0.0008", 8, 5_000_000, 2_000_000, 0},
		{"venueB", "ETH", "-0.0002", 8, 5_000_000, 2_000_000, 0},
	})

	opps, err := newTestFinder(store).Find(context.Background(), FilterSpec{})
	require.NoError(t, err)
	require.Len(t, opps, 2)

	// Wider divergence first, and net rate strictly decreasing.
	assert.Equal(t, "ETH", opps[0].Symbol)
	assert.Equal(t, "BTC", opps[1].Symbol)
	assert.True(t, opps[0].NetRatePerPeriod.GreaterThanOrEqual(opps[1].NetRatePerPeriod))

	// Direction: long the lower rate, short the higher.
	assert.Equal(t, "venueB", opps[0].LongVenue)
	assert.Equal(t, "venueA", opps[0].ShortVenue)
}

func TestFindDropsFeeSwallowedPairs(t *testing.T) {
	store := storage.NewMemoryStore()
	// Divergence of 4 bps against a 6 bps maker round trip.
	seedFinder(t, store, []finderSeed{
		{"venueA", "BTC", "0.0003", 8, 5_000_000, 2_000_000, 0},
		{"venueB", "BTC", "-0.0001", 8, 5_000_000, 2_000_000, 0},
	})
	f := NewFinder(store, NewFeeCalculator(FeeTable{
		"venueA": {MakerBps: dec("1.5")},
		"venueB": {MakerBps: dec("1.5")},
	}), &noopLogger{})
	f.SetUseHistory(false)

	opps, err := f.Find(context.Background(), FilterSpec{})
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestFindEveryResultHasPositiveNetRate(t *testing.T) {
	store := storage.NewMemoryStore()
	seedFinder(t, store, []finderSeed{
		{"venueA", "BTC", "0.0008", 8, 5_000_000, 2_000_000, 0},
		{"venueB", "BTC", "-0.0001", 8, 5_000_000, 2_000_000, 0},
		{"venueA", "ETH", "0.0001", 8, 5_000_000, 2_000_000, 0},
		{"venueB", "ETH", "0.00009", 8, 5_000_000, 2_000_000, 0},
	})

	opps, err := newTestFinder(store).Find(context.Background(), FilterSpec{})
	require.NoError(t, err)
	require.NotEmpty(t, opps)
	for _, opp := range opps {
		assert.True(t, opp.NetRatePerPeriod.Sign() > 0,
			"%s %s/%s net %s", opp.Symbol, opp.LongVenue, opp.ShortVenue, opp.NetRatePerPeriod)
	}
}

func TestFindNormalizesIntervals(t *testing.T) {
	store := storage.NewMemoryStore()
	// 0.0001 per 1h on venueA is 0.0008 per 8h; venueB pays -0.0001 per 8h.
	seedFinder(t, store, []finderSeed{
		{"venueA", "BTC", "0.0001", 1, 5_000_000, 2_000_000, 0},
		{"venueB", "BTC", "-0.0001", 8, 5_000_000, 2_000_000, 0},
	})

	opps, err := newTestFinder(store).Find(context.Background(), FilterSpec{})
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.True(t, dec("0.0009").Equal(opps[0].Divergence), "divergence %s", opps[0].Divergence)
}

func TestFindSkipsStaleLegs(t *testing.T) {
	store := storage.NewMemoryStore()
	seedFinder(t, store, []finderSeed{
		{"venueA", "BTC", "0.0008", 8, 5_000_000, 2_000_000, 10 * time.Minute},
		{"venueB", "BTC", "-0.0002", 8, 5_000_000, 2_000_000, 0},
	})

	opps, err := newTestFinder(store).Find(context.Background(), FilterSpec{})
	require.NoError(t, err)
	assert.Empty(t, opps, "one stale leg disqualifies the symbol")
}

func TestFindMandatoryVenue(t *testing.T) {
	store := storage.NewMemoryStore()
	seedFinder(t, store, []finderSeed{
		{"venueA", "BTC", "0.0008", 8, 5_000_000, 2_000_000, 0},
		{"venueB", "BTC", "-0.0002", 8, 5_000_000, 2_000_000, 0},
		{"venueC", "BTC", "0.0002", 8, 5_000_000, 2_000_000, 0},
	})

	opps, err := newTestFinder(store).Find(context.Background(), FilterSpec{
		MandatoryVenue: "venueC",
	})
	require.NoError(t, err)
	require.NotEmpty(t, opps)
	for _, opp := range opps {
		assert.True(t, opp.LongVenue == "venueC" || opp.ShortVenue == "venueC",
			"%s/%s must include venueC", opp.LongVenue, opp.ShortVenue)
	}
}

func TestFindVolumeAndOIFloors(t *testing.T) {
	store := storage.NewMemoryStore()
	seedFinder(t, store, []finderSeed{
		{"venueA", "BTC", "0.0008", 8, 500_000, 2_000_000, 0},
		{"venueB", "BTC", "-0.0002", 8, 5_000_000, 2_000_000, 0},
		{"venueA", "ETH", "0.0008", 8, 5_000_000, 100_000, 0},
		{"venueB", "ETH", "-0.0002", 8, 5_000_000, 2_000_000, 0},
		{"venueA", "SOL", "0.0008", 8, 5_000_000, 2_000_000, 0},
		{"venueB", "SOL", "-0.0002", 8, 5_000_000, 2_000_000, 0},
	})

	// The weaker leg binds: BTC fails volume, ETH fails OI, SOL passes.
	opps, err := newTestFinder(store).Find(context.Background(), FilterSpec{
		MinVolume24h: dec("1000000"),
		MinOIUSD:     dec("1000000"),
	})
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, "SOL", opps[0].Symbol)
}

func TestFindMaxOICap(t *testing.T) {
	store := storage.NewMemoryStore()
	seedFinder(t, store, []finderSeed{
		{"venueA", "BTC", "0.0008", 8, 5_000_000, 900_000_000, 0},
		{"venueB", "BTC", "-0.0002", 8, 5_000_000, 2_000_000, 0},
	})

	oiCap := dec("100000000")
	opps, err := newTestFinder(store).Find(context.Background(), FilterSpec{MaxOIUSD: &oiCap})
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestFindExcludedSymbolsAndLimit(t *testing.T) {
	store := storage.NewMemoryStore()
	seedFinder(t, store, []finderSeed{
		{"venueA", "BTC", "0.0008", 8, 5_000_000, 2_000_000, 0},
		{"venueB", "BTC", "-0.0002", 8, 5_000_000, 2_000_000, 0},
		{"venueA", "ETH", "0.0006", 8, 5_000_000, 2_000_000, 0},
		{"venueB", "ETH", "-0.0002", 8, 5_000_000, 2_000_000, 0},
		{"venueA", "SOL", "0.0004", 8, 5_000_000, 2_000_000, 0},
		{"venueB", "SOL", "-0.0002", 8, 5_000_000, 2_000_000, 0},
	})

	opps, err := newTestFinder(store).Find(context.Background(), FilterSpec{
		ExcludedSymbols: []string{"BTC"},
		Limit:           1,
	})
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, "ETH", opps[0].Symbol)
}

func TestFindMinProfitFloor(t *testing.T) {
	store := storage.NewMemoryStore()
	seedFinder(t, store, []finderSeed{
		{"venueA", "BTC", "0.0008", 8, 5_000_000, 2_000_000, 0},
		{"venueB", "BTC", "-0.0002", 8, 5_000_000, 2_000_000, 0},
	})

	// Net rate is 0.0004 after 6 bps fees; a 5 bps floor rejects it.
	opps, err := newTestFinder(store).Find(context.Background(), FilterSpec{
		MinProfitPerPeriod: dec("0.0005"),
	})
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestFindDeterministicTieBreaks(t *testing.T) {
	store := storage.NewMemoryStore()
	rows := []finderSeed{
		{"venueA", "ETH", "0.0008", 8, 5_000_000, 2_000_000, 0},
		{"venueB", "ETH", "-0.0002", 8, 5_000_000, 2_000_000, 0},
		{"venueA", "BTC", "0.0008", 8, 5_000_000, 2_000_000, 0},
		{"venueB", "BTC", "-0.0002", 8, 5_000_000, 2_000_000, 0},
	}
	seedFinder(t, store, rows)

	f := newTestFinder(store)
	first, err := f.Find(context.Background(), FilterSpec{})
	require.NoError(t, err)
	require.Len(t, first, 2)
	// Equal net rate and OI: symbol order breaks the tie, stably.
	assert.Equal(t, "BTC", first[0].Symbol)
	for i := 0; i < 5; i++ {
		again, err := f.Find(context.Background(), FilterSpec{})
		require.NoError(t, err)
		require.Equal(t, len(first), len(again))
		for j := range first {
			assert.Equal(t, first[j].Symbol, again[j].Symbol)
			assert.Equal(t, first[j].LongVenue, again[j].LongVenue)
		}
	}
}

func TestFindLiquidityScoreUsesHistory(t *testing.T) {
	store := storage.NewMemoryStore()
	seedFinder(t, store, []finderSeed{
		{"venueA", "BTC", "0.0008", 8, 5_000_000, 2_000_000, 0},
		{"venueB", "BTC", "-0.0002", 8, 5_000_000, 2_000_000, 0},
	})
	// Perfectly stable history on both legs keeps the full OI as the score.
	ctx := context.Background()
	now := time.Now().UTC()
	for _, venue := range []string{"venueA", "venueB"} {
		for i := 0; i < 5; i++ {
			require.NoError(t, store.AppendFundingHistory(ctx,
				core.NewFundingRateSample(venue, "BTC", dec("0.0003"), decimal.NewFromInt(8),
					now.Add(-time.Duration(i)*8*time.Hour))))
		}
	}

	f := NewFinder(store, NewFeeCalculator(testFeeTable()), &noopLogger{})
	opps, err := f.Find(ctx, FilterSpec{})
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.True(t, dec("2000000").Equal(opps[0].LiquidityScore),
		"score %s", opps[0].LiquidityScore)
}
