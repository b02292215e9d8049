package paper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testVenue() *Venue {
	return New(Config{
		Name:     "paper_a",
		TakerBps: dec("4.5"),
		Symbols: map[string]SymbolSpec{
			"BTC": {
				FundingRate:     dec("0.0006"),
				IntervalHours:   dec("8"),
				Mark:            dec("100"),
				SpreadBps:       dec("2"),
				Volume24hUSD:    dec("5000000"),
				OpenInterestUSD: dec("2000000"),
			},
		},
	})
}

func TestFetchFundingRatesAndMarketData(t *testing.T) {
	v := testVenue()
	ctx := context.Background()

	rates, err := v.FetchFundingRates(ctx)
	require.NoError(t, err)
	require.Contains(t, rates, "BTC")
	assert.True(t, dec("0.0006").Equal(rates["BTC"].NormalizedRate))

	md, err := v.FetchMarketData(ctx)
	require.NoError(t, err)
	require.Contains(t, md, "BTC")
	assert.True(t, dec("2000000").Equal(*md["BTC"].OpenInterestUSD))
}

func TestFetchBBOSpread(t *testing.T) {
	v := testVenue()
	bbo, err := v.FetchBBO(context.Background(), "BTC")
	require.NoError(t, err)
	// 2 bps around 100: 99.99 / 100.01.
	assert.True(t, dec("99.99").Equal(bbo.Bid), "bid %s", bbo.Bid)
	assert.True(t, dec("100.01").Equal(bbo.Ask), "ask %s", bbo.Ask)

	_, err = v.FetchBBO(context.Background(), "DOGE")
	assert.ErrorIs(t, err, apperrors.ErrPriceUnavailable)
}

func TestPostOnlyRejectsCrossingPrice(t *testing.T) {
	v := testVenue()
	_, err := v.PlaceLimit(context.Background(), core.LimitOrderRequest{
		Symbol: "BTC", Side: core.SideBuy, Quantity: dec("1"),
		Price: dec("100.02"), PostOnly: true,
	})
	assert.ErrorIs(t, err, apperrors.ErrPostOnlyCrossed)

	// Below the ask it rests and fills at the limit price.
	res, err := v.PlaceLimit(context.Background(), core.LimitOrderRequest{
		Symbol: "BTC", Side: core.SideBuy, Quantity: dec("1"),
		Price: dec("99.95"), PostOnly: true,
	})
	require.NoError(t, err)
	info, err := v.GetOrderInfo(context.Background(), res.OrderID, false)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, info.Status)
	assert.True(t, dec("99.95").Equal(info.AvgFillPrice))
	assert.True(t, info.Fee.IsZero(), "maker fills carry no paper fee")
}

func TestMarketOrderFillsAtTouchWithTakerFee(t *testing.T) {
	v := testVenue()
	res, err := v.PlaceMarket(context.Background(), core.MarketOrderRequest{
		Symbol: "BTC", Side: core.SideSell, Quantity: dec("2"),
	})
	require.NoError(t, err)

	info, err := v.GetOrderInfo(context.Background(), res.OrderID, false)
	require.NoError(t, err)
	assert.True(t, dec("99.99").Equal(info.AvgFillPrice))
	// 4.5 bps on 199.98 notional.
	assert.True(t, dec("0.0899910").Equal(info.Fee), "fee %s", info.Fee)
}

func TestPositionTracksFills(t *testing.T) {
	v := testVenue()
	ctx := context.Background()
	require.NoError(t, v.SetLeverage(ctx, "BTC", 3))

	_, err := v.PlaceLimit(ctx, core.LimitOrderRequest{
		Symbol: "BTC", Side: core.SideBuy, Quantity: dec("3"),
		Price: dec("99.95"), PostOnly: true,
	})
	require.NoError(t, err)

	snap, err := v.GetPositionSnapshot(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, dec("3").Equal(snap.Quantity))
	assert.Equal(t, core.SideBuy, snap.Side)
	assert.True(t, dec("99.95").Equal(snap.EntryPrice))
	assert.Equal(t, 3, snap.Leverage)
	assert.True(t, snap.LiquidationPrice.LessThan(snap.EntryPrice))
}

func TestReduceOnlySemantics(t *testing.T) {
	v := testVenue()
	ctx := context.Background()

	// Reduce-only with no position is an exchange rejection.
	_, err := v.PlaceMarket(ctx, core.MarketOrderRequest{
		Symbol: "BTC", Side: core.SideSell, Quantity: dec("1"), ReduceOnly: true,
	})
	assert.ErrorIs(t, err, apperrors.ErrReduceOnlyRejected)

	_, err = v.PlaceMarket(ctx, core.MarketOrderRequest{
		Symbol: "BTC", Side: core.SideBuy, Quantity: dec("2"),
	})
	require.NoError(t, err)

	// Oversized reduce-only clamps to the open quantity.
	_, err = v.PlaceMarket(ctx, core.MarketOrderRequest{
		Symbol: "BTC", Side: core.SideSell, Quantity: dec("5"), ReduceOnly: true,
	})
	require.NoError(t, err)

	snap, err := v.GetPositionSnapshot(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, snap.Quantity.IsZero(), "quantity %s", snap.Quantity)
}

func TestFundingAccrualSign(t *testing.T) {
	v := testVenue()
	ctx := context.Background()

	// Short 3 BTC; with a positive rate the short side collects.
	_, err := v.PlaceMarket(ctx, core.MarketOrderRequest{
		Symbol: "BTC", Side: core.SideSell, Quantity: dec("3"),
	})
	require.NoError(t, err)

	v.mu.Lock()
	v.positions["BTC"].accruedAt = time.Now().UTC().Add(-8 * time.Hour)
	v.mu.Unlock()

	snap, err := v.GetPositionSnapshot(ctx, "BTC")
	require.NoError(t, err)
	// One full interval: 3 x 100 x 0.0006 = 0.18 received.
	assert.True(t, snap.FundingAccrued.Sign() > 0, "accrued %s", snap.FundingAccrued)
	diff := snap.FundingAccrued.Sub(dec("0.18")).Abs()
	assert.True(t, diff.LessThan(dec("0.001")), "accrued %s", snap.FundingAccrued)
}

func TestContractParameters(t *testing.T) {
	v := testVenue()
	ctx := context.Background()

	minNotional, err := v.MinOrderNotional(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, dec("10").Equal(minNotional))

	inc, err := v.OrderSizeIncrement(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, dec("0.001").Equal(inc))

	_, err = v.MinOrderNotional(ctx, "DOGE")
	assert.ErrorIs(t, err, apperrors.ErrInvalidSymbol)
}
