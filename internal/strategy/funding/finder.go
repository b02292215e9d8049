package funding

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"funding_arb/internal/core"
	"funding_arb/internal/storage"
)

// SampleMaxAge is how old a latest funding sample or market-data row may be
// before the finder ignores it.
const SampleMaxAge = 2 * time.Minute

// historyWindow is how many history rows feed the stability component of
// the liquidity score (21 eight-hour periods = 7 days).
const historyWindow = 21

// FilterSpec bounds which directed pairs qualify as opportunities.
type FilterSpec struct {
	MinProfitPerPeriod decimal.Decimal
	MinOIUSD           decimal.Decimal
	MaxOIUSD           *decimal.Decimal
	MinVolume24h       decimal.Decimal
	ScanVenues         []string
	MandatoryVenue     string
	ExcludedSymbols    []string
	Limit              int
}

// Finder enumerates directed venue pairs over the latest funding samples
// and ranks fee-net-profitable candidates.
type Finder struct {
	store  storage.Store
	fees   *FeeCalculator
	logger core.ILogger

	// useHistory enables the stability weighting of the liquidity score;
	// disabled when the history table is expected to be empty (fresh runs).
	useHistory bool
}

// NewFinder creates a Finder over the given store and fee calculator.
func NewFinder(store storage.Store, fees *FeeCalculator, logger core.ILogger) *Finder {
	return &Finder{
		store:      store,
		fees:       fees,
		logger:     logger.WithField("component", "opportunity_finder"),
		useHistory: true,
	}
}

// Find returns profitable opportunities sorted by descending net rate.
// Stale samples are skipped silently; a symbol needs fresh funding and
// market data on both legs to qualify.
func (f *Finder) Find(ctx context.Context, spec FilterSpec) ([]core.Opportunity, error) {
	samples, err := f.store.GetLatestSamples(ctx, spec.ScanVenues, SampleMaxAge)
	if err != nil {
		return nil, err
	}
	market, err := f.store.GetMarketData(ctx, spec.ScanVenues)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(spec.ExcludedSymbols))
	for _, s := range spec.ExcludedSymbols {
		excluded[s] = true
	}

	bySymbol := make(map[string][]core.FundingRateSample)
	for _, s := range samples {
		if excluded[s.Symbol] {
			continue
		}
		bySymbol[s.Symbol] = append(bySymbol[s.Symbol], s)
	}

	now := time.Now().UTC()
	var out []core.Opportunity
	for symbol, legs := range bySymbol {
		if len(legs) < 2 {
			continue
		}
		for _, long := range legs {
			for _, short := range legs {
				if long.Venue == short.Venue {
					continue
				}
				if spec.MandatoryVenue != "" &&
					long.Venue != spec.MandatoryVenue && short.Venue != spec.MandatoryVenue {
					continue
				}

				divergence := short.NormalizedRate.Sub(long.NormalizedRate)
				if divergence.Sign() <= 0 {
					continue
				}

				breakdown := f.fees.Calculate(long.Venue, short.Venue, divergence, true)
				if breakdown.NetRate.LessThan(spec.MinProfitPerPeriod) || !breakdown.IsProfitable {
					continue
				}

				longMD, ok := market[storage.VenueSymbol{Venue: long.Venue, Symbol: symbol}]
				if !ok || longMD.Stale(now, SampleMaxAge) {
					continue
				}
				shortMD, ok := market[storage.VenueSymbol{Venue: short.Venue, Symbol: symbol}]
				if !ok || shortMD.Stale(now, SampleMaxAge) {
					continue
				}

				minVol, ok := minOptional(longMD.Volume24hUSD, shortMD.Volume24hUSD)
				if !ok || minVol.LessThan(spec.MinVolume24h) {
					continue
				}
				minOI, ok := minOptional(longMD.OpenInterestUSD, shortMD.OpenInterestUSD)
				if !ok || minOI.LessThan(spec.MinOIUSD) {
					continue
				}
				if spec.MaxOIUSD != nil {
					maxOI := maxDec(*longMD.OpenInterestUSD, *shortMD.OpenInterestUSD)
					if maxOI.GreaterThan(*spec.MaxOIUSD) {
						continue
					}
				}

				out = append(out, core.Opportunity{
					Symbol:           symbol,
					LongVenue:        long.Venue,
					ShortVenue:       short.Venue,
					LongRate:         long.NormalizedRate,
					ShortRate:        short.NormalizedRate,
					Divergence:       divergence,
					Fees:             breakdown.TotalFee,
					NetRatePerPeriod: breakdown.NetRate,
					NetAPY:           breakdown.NetAPY,
					MinVol24h:        minVol,
					MinOIUSD:         minOI,
					LiquidityScore:   f.liquidityScore(ctx, symbol, long.Venue, short.Venue, minOI),
				})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.NetRatePerPeriod.Equal(b.NetRatePerPeriod) {
			return a.NetRatePerPeriod.GreaterThan(b.NetRatePerPeriod)
		}
		if !a.MinOIUSD.Equal(b.MinOIUSD) {
			return a.MinOIUSD.GreaterThan(b.MinOIUSD)
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.LongVenue != b.LongVenue {
			return a.LongVenue < b.LongVenue
		}
		return a.ShortVenue < b.ShortVenue
	})

	if spec.Limit > 0 && len(out) > spec.Limit {
		out = out[:spec.Limit]
	}
	return out, nil
}

// SetUseHistory toggles the stability weighting of the liquidity score.
func (f *Finder) SetUseHistory(v bool) { f.useHistory = v }

// liquidityScore is the pair's minimum two-sided OI weighted by the mean
// stability of both legs' recent funding history. With no history the
// weight is 1.
func (f *Finder) liquidityScore(ctx context.Context, symbol, longVenue, shortVenue string, minOI decimal.Decimal) decimal.Decimal {
	if !f.useHistory {
		return minOI
	}
	weight := decimal.Zero
	counted := 0
	for _, venue := range []string{longVenue, shortVenue} {
		hist, err := f.store.GetFundingHistory(ctx, venue, symbol, historyWindow)
		if err != nil || len(hist) == 0 {
			continue
		}
		stats := AnalyzeRates(hist)
		weight = weight.Add(stats.Stability.Div(maxStability))
		counted++
	}
	if counted == 0 {
		return minOI
	}
	return minOI.Mul(weight.Div(decimal.NewFromInt(int64(counted))))
}

func minOptional(a, b *decimal.Decimal) (decimal.Decimal, bool) {
	if a == nil || b == nil {
		return decimal.Zero, false
	}
	if a.LessThan(*b) {
		return *a, true
	}
	return *b, true
}

func maxDec(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
