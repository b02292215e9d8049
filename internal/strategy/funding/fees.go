// Package funding implements the funding-arbitrage strategy core: fee math,
// opportunity discovery, atomic two-leg execution, position lifecycle and
// the orchestrator loop.
package funding

import (
	"github.com/shopspring/decimal"

	"funding_arb/internal/core"
)

var (
	bpsDivisor     = decimal.NewFromInt(10000)
	periodsPerYear = decimal.NewFromInt(core.PeriodsPerYear)
)

// VenueFees is the static maker/taker schedule for one venue, in basis
// points of notional.
type VenueFees struct {
	MakerBps decimal.Decimal
	TakerBps decimal.Decimal
}

// FeeTable maps venue name to its fee schedule.
type FeeTable map[string]VenueFees

// FeeBreakdown is the deterministic round-trip fee result for a directed
// pair. All rates are per unit notional per 8-hour period.
type FeeBreakdown struct {
	EntryFee     decimal.Decimal
	ExitFee      decimal.Decimal
	TotalFee     decimal.Decimal
	TotalFeeBps  decimal.Decimal
	NetRate      decimal.Decimal
	NetAPY       decimal.Decimal
	IsProfitable bool
}

// ProfitEstimate is the absolute PnL projection for a sized position held
// for a number of funding periods.
type ProfitEstimate struct {
	Gross decimal.Decimal
	Fees  decimal.Decimal
	Net   decimal.Decimal
	ROI   decimal.Decimal
}

// FeeCalculator computes round-trip fees from a static table. Calculate is
// pure: equal inputs produce bit-equal outputs.
type FeeCalculator struct {
	table FeeTable
}

// NewFeeCalculator creates a calculator over the given schedule.
func NewFeeCalculator(table FeeTable) *FeeCalculator {
	return &FeeCalculator{table: table}
}

// RoundTripBps returns the total entry+exit fee for both legs, in bps.
func (c *FeeCalculator) RoundTripBps(longVenue, shortVenue string, useMaker bool) decimal.Decimal {
	long := c.legBps(longVenue, useMaker)
	short := c.legBps(shortVenue, useMaker)
	// Entry and exit each pay one fee per leg.
	return long.Add(short).Mul(decimal.NewFromInt(2))
}

// Calculate returns the fee breakdown for a directed pair with the given
// per-period divergence.
func (c *FeeCalculator) Calculate(longVenue, shortVenue string, divergence decimal.Decimal, useMaker bool) FeeBreakdown {
	long := c.legBps(longVenue, useMaker)
	short := c.legBps(shortVenue, useMaker)

	entryFee := long.Add(short).Div(bpsDivisor)
	exitFee := entryFee
	totalFee := entryFee.Add(exitFee)
	netRate := divergence.Sub(totalFee)

	return FeeBreakdown{
		EntryFee:     entryFee,
		ExitFee:      exitFee,
		TotalFee:     totalFee,
		TotalFeeBps:  totalFee.Mul(bpsDivisor),
		NetRate:      netRate,
		NetAPY:       netRate.Mul(periodsPerYear),
		IsProfitable: netRate.Sign() > 0,
	}
}

// AbsoluteProfit projects gross funding income, fees, net profit and ROI
// for a position of positionSizeUSD notional held holdingPeriods funding
// periods.
func (c *FeeCalculator) AbsoluteProfit(longVenue, shortVenue string, divergence, positionSizeUSD decimal.Decimal, holdingPeriods int, useMaker bool) ProfitEstimate {
	breakdown := c.Calculate(longVenue, shortVenue, divergence, useMaker)
	periods := decimal.NewFromInt(int64(holdingPeriods))

	gross := divergence.Mul(periods).Mul(positionSizeUSD)
	fees := breakdown.TotalFee.Mul(positionSizeUSD)
	net := gross.Sub(fees)

	roi := decimal.Zero
	if positionSizeUSD.Sign() > 0 {
		roi = net.Div(positionSizeUSD)
	}
	return ProfitEstimate{Gross: gross, Fees: fees, Net: net, ROI: roi}
}

func (c *FeeCalculator) legBps(venue string, useMaker bool) decimal.Decimal {
	fees, ok := c.table[venue]
	if !ok {
		return decimal.Zero
	}
	if useMaker {
		return fees.MakerBps
	}
	return fees.TakerBps
}
