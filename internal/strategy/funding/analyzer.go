package funding

import (
	"math"

	"github.com/shopspring/decimal"

	"funding_arb/internal/core"
)

// RateStats summarizes a window of funding-rate history for one
// (venue, symbol).
type RateStats struct {
	Mean          decimal.Decimal
	Stability     decimal.Decimal // |mean| / stddev, capped at 10
	PositiveRatio decimal.Decimal
	SignFlips     int
	AnnualizedAPR decimal.Decimal
}

var maxStability = decimal.NewFromInt(10)

// AnalyzeRates computes RateStats over history samples (newest first).
// StdDev uses float64; everything else stays in decimals.
func AnalyzeRates(samples []core.FundingRateSample) RateStats {
	if len(samples) == 0 {
		return RateStats{Stability: maxStability}
	}

	sum := decimal.Zero
	positive := 0
	for _, s := range samples {
		sum = sum.Add(s.NormalizedRate)
		if s.NormalizedRate.Sign() > 0 {
			positive++
		}
	}
	count := decimal.NewFromInt(int64(len(samples)))
	mean := sum.Div(count)

	meanF, _ := mean.Float64()
	var varianceSum float64
	for _, s := range samples {
		v, _ := s.NormalizedRate.Float64()
		varianceSum += math.Pow(v-meanF, 2)
	}
	stdDev := math.Sqrt(varianceSum / float64(len(samples)))

	stability := maxStability
	if stdDev > 0 {
		stability = mean.Abs().Div(decimal.NewFromFloat(stdDev))
		if stability.GreaterThan(maxStability) {
			stability = maxStability
		}
	}

	flips := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i].NormalizedRate.Sign() > 0) != (samples[i-1].NormalizedRate.Sign() > 0) {
			flips++
		}
	}

	return RateStats{
		Mean:          mean,
		Stability:     stability,
		PositiveRatio: decimal.NewFromInt(int64(positive)).Div(count),
		SignFlips:     flips,
		AnnualizedAPR: mean.Mul(periodsPerYear),
	}
}
