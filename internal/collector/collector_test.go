package collector

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

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func sample(venue, symbol string, rate float64, interval int64) core.FundingRateSample {
	return core.NewFundingRateSample(venue, symbol,
		decimal.NewFromFloat(rate), decimal.NewFromInt(interval), time.Now().UTC())
}

func TestRunOncePersistsSamples(t *testing.T) {
	store := storage.NewMemoryStore()
	vol := decimal.NewFromInt(5_000_000)
	oi := decimal.NewFromInt(2_000_000)

	alpha := mock.NewVenue("alpha")
	alpha.SetFundingRate(sample("alpha", "BTC", 0.0001, 8))
	alpha.SetMarketData(core.MarketData{
		Venue: "alpha", Symbol: "BTC",
		Volume24hUSD: &vol, OpenInterestUSD: &oi,
		UpdatedAt: time.Now().UTC(),
	})

	beta := mock.NewVenue("beta")
	beta.SetFundingRate(sample("beta", "BTC", 0.0004, 8))

	c := New([]core.IVenue{alpha, beta}, store, &noopLogger{})
	require.NoError(t, c.RunOnce(context.Background()))

	latest, err := store.GetLatestSamples(context.Background(), nil, time.Minute)
	require.NoError(t, err)
	assert.Len(t, latest, 2)

	hist := store.FundingHistory()
	assert.Len(t, hist, 2)

	md, err := store.GetMarketData(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, md, 1)
}

func TestRunOnceIsolatesVenueFailure(t *testing.T) {
	store := storage.NewMemoryStore()

	bad := mock.NewVenue("bad")
	bad.SetFundingError(apperrors.ErrVenueUnavailable)

	good := mock.NewVenue("good")
	good.SetFundingRate(sample("good", "ETH", 0.0002, 8))

	c := New([]core.IVenue{bad, good}, store, &noopLogger{})
	require.NoError(t, c.RunOnce(context.Background()))

	// The healthy venue's samples landed despite the sibling failure.
	latest, err := store.GetLatestSamples(context.Background(), nil, time.Minute)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "good", latest[0].Venue)

	health := c.Health()
	assert.Equal(t, int64(1), health["bad"].ErrorCount)
	assert.Contains(t, health["bad"].LastError, "venue unavailable")
	assert.True(t, health["bad"].LastSuccess.IsZero())
	assert.False(t, health["good"].LastSuccess.IsZero())
	assert.Empty(t, health["good"].LastError)
}

func TestRunOnceHealthRecovers(t *testing.T) {
	store := storage.NewMemoryStore()
	flaky := mock.NewVenue("flaky")
	flaky.SetFundingError(apperrors.ErrNetwork)

	c := New([]core.IVenue{flaky}, store, &noopLogger{})
	require.NoError(t, c.RunOnce(context.Background()))
	assert.Equal(t, int64(1), c.Health()["flaky"].ErrorCount)

	flaky.SetFundingError(nil)
	flaky.SetFundingRate(sample("flaky", "SOL", 0.0003, 4))
	require.NoError(t, c.RunOnce(context.Background()))

	h := c.Health()["flaky"]
	assert.Empty(t, h.LastError)
	assert.False(t, h.LastSuccess.IsZero())
	// Error count is cumulative across cycles.
	assert.Equal(t, int64(1), h.ErrorCount)
}

func TestRunOnceCanceledContext(t *testing.T) {
	store := storage.NewMemoryStore()
	c := New([]core.IVenue{mock.NewVenue("alpha")}, store, &noopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.RunOnce(ctx), context.Canceled)
}
