package funding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testFeeTable() FeeTable {
	return FeeTable{
		"venueA": {MakerBps: dec("1"), TakerBps: dec("4.5")},
		"venueB": {MakerBps: dec("2"), TakerBps: dec("5.5")},
	}
}

func TestRoundTripBps(t *testing.T) {
	calc := NewFeeCalculator(testFeeTable())

	// (1 + 2) bps per entry and again per exit.
	assert.True(t, dec("6").Equal(calc.RoundTripBps("venueB", "venueA", true)))
	assert.True(t, dec("20").Equal(calc.RoundTripBps("venueB", "venueA", false)))
}

func TestCalculateNetRate(t *testing.T) {
	calc := NewFeeCalculator(testFeeTable())

	b := calc.Calculate("venueB", "venueA", dec("0.0008"), true)
	assert.True(t, dec("0.0003").Equal(b.EntryFee), "entry fee %s", b.EntryFee)
	assert.True(t, dec("0.0006").Equal(b.TotalFee))
	assert.True(t, dec("0.0002").Equal(b.NetRate))
	assert.True(t, dec("0.219").Equal(b.NetAPY), "apy %s", b.NetAPY)
	assert.True(t, b.IsProfitable)
}

func TestCalculateUnprofitablePair(t *testing.T) {
	calc := NewFeeCalculator(testFeeTable())

	// Taker round trip of 20 bps swallows an 8 bps divergence.
	b := calc.Calculate("venueB", "venueA", dec("0.0008"), false)
	assert.True(t, b.NetRate.Sign() < 0)
	assert.False(t, b.IsProfitable)
}

func TestCalculateUnknownVenueHasZeroFees(t *testing.T) {
	calc := NewFeeCalculator(testFeeTable())

	b := calc.Calculate("unknown", "alsounknown", dec("0.0004"), true)
	assert.True(t, b.TotalFee.IsZero())
	assert.True(t, dec("0.0004").Equal(b.NetRate))
}

func TestCalculateIsDeterministic(t *testing.T) {
	calc := NewFeeCalculator(testFeeTable())

	first := calc.Calculate("venueB", "venueA", dec("0.00123456789"), true)
	for i := 0; i < 100; i++ {
		again := calc.Calculate("venueB", "venueA", dec("0.00123456789"), true)
		assert.Equal(t, first.NetRate.String(), again.NetRate.String())
		assert.Equal(t, first.NetAPY.String(), again.NetAPY.String())
		assert.Equal(t, first.TotalFee.String(), again.TotalFee.String())
	}
}

func TestAbsoluteProfit(t *testing.T) {
	calc := NewFeeCalculator(testFeeTable())

	// 10k notional, 8 bps divergence, 3 periods (24h), maker entries.
	est := calc.AbsoluteProfit("venueB", "venueA", dec("0.0008"), dec("10000"), 3, true)
	assert.True(t, dec("24").Equal(est.Gross), "gross %s", est.Gross)
	assert.True(t, dec("6").Equal(est.Fees), "fees %s", est.Fees)
	assert.True(t, dec("18").Equal(est.Net))
	assert.True(t, dec("0.0018").Equal(est.ROI))
}

func TestAbsoluteProfitZeroSize(t *testing.T) {
	calc := NewFeeCalculator(testFeeTable())
	est := calc.AbsoluteProfit("venueB", "venueA", dec("0.0008"), dec("0"), 3, true)
	assert.True(t, est.ROI.IsZero())
}
