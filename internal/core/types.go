// Package core defines the domain types and interfaces shared by the
// funding-arbitrage strategy core.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReferenceIntervalHours is the canonical funding interval all venue rates
// are normalized to.
const ReferenceIntervalHours = 8

// PeriodsPerYear is the number of 8-hour funding periods per year.
const PeriodsPerYear = 1095

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// TradeType distinguishes entry fills from exit fills.
type TradeType string

const (
	TradeEntry TradeType = "entry"
	TradeExit  TradeType = "exit"
)

// OrderStatus is the venue-reported order state, mapped to a common set.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// LifecycleStage is the state of an open arbitrage position.
type LifecycleStage string

const (
	StageOpening     LifecycleStage = "opening"
	StageMonitoring  LifecycleStage = "monitoring"
	StageRebalancing LifecycleStage = "rebalancing"
	StageClosing     LifecycleStage = "closing"
	StageClosed      LifecycleStage = "closed"
)

// ExitReason explains why a position was (or is being) closed.
type ExitReason string

const (
	ExitMaxAge              ExitReason = "max_age"
	ExitProfitErosion       ExitReason = "profit_erosion"
	ExitLiquidationRisk     ExitReason = "liquidation_risk"
	ExitPersistentWideSpread ExitReason = "persistent_wide_spread"
	ExitManual              ExitReason = "manual"
)

// FundingRateSample is one funding-rate observation from one venue/symbol.
// NormalizedRate is RawRate scaled to the canonical 8-hour interval.
type FundingRateSample struct {
	Venue           string
	Symbol          string
	RawRate         decimal.Decimal
	IntervalHours   decimal.Decimal
	NormalizedRate  decimal.Decimal
	NextFundingTime *time.Time
	SampledAt       time.Time
}

// NewFundingRateSample builds a sample and derives the normalized rate.
// IntervalHours must be positive; non-positive intervals fall back to the
// 8-hour reference so a misbehaving venue cannot poison the divergence math.
func NewFundingRateSample(venue, symbol string, raw, intervalHours decimal.Decimal, sampledAt time.Time) FundingRateSample {
	if intervalHours.Sign() <= 0 {
		intervalHours = decimal.NewFromInt(ReferenceIntervalHours)
	}
	normalized := raw.Mul(decimal.NewFromInt(ReferenceIntervalHours)).Div(intervalHours)
	return FundingRateSample{
		Venue:          venue,
		Symbol:         symbol,
		RawRate:        raw,
		IntervalHours:  intervalHours,
		NormalizedRate: normalized,
		SampledAt:      sampledAt,
	}
}

// Age returns how old the sample is relative to now.
func (s FundingRateSample) Age(now time.Time) time.Duration {
	return now.Sub(s.SampledAt)
}

// AnnualizedRate returns the sample's rate scaled to one year.
func (s FundingRateSample) AnnualizedRate() decimal.Decimal {
	return s.NormalizedRate.Mul(decimal.NewFromInt(PeriodsPerYear))
}

// MarketData is per venue/symbol liquidity data. OpenInterestUSD is always
// two-sided (long + short).
type MarketData struct {
	Venue           string
	Symbol          string
	Volume24hUSD    *decimal.Decimal
	OpenInterestUSD *decimal.Decimal
	UpdatedAt       time.Time
}

// Stale reports whether the row is older than maxAge.
func (m MarketData) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(m.UpdatedAt) > maxAge
}

// BBO is a best bid / best offer snapshot.
type BBO struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Mid returns the midpoint price.
func (b BBO) Mid() decimal.Decimal {
	return b.Bid.Add(b.Ask).Div(decimal.NewFromInt(2))
}

// SpreadBps returns the bid/ask spread in basis points of the mid.
func (b BBO) SpreadBps() decimal.Decimal {
	mid := b.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return b.Ask.Sub(b.Bid).Div(mid).Mul(decimal.NewFromInt(10000))
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook holds bids (descending) and asks (ascending).
type OrderBook struct {
	Bids []BookLevel
	Asks []BookLevel
}

// Opportunity is a directed delta-neutral candidate. It exists only in
// memory within one orchestrator tick.
type Opportunity struct {
	Symbol           string
	LongVenue        string
	ShortVenue       string
	LongRate         decimal.Decimal
	ShortRate        decimal.Decimal
	Divergence       decimal.Decimal
	Fees             decimal.Decimal
	NetRatePerPeriod decimal.Decimal
	NetAPY           decimal.Decimal
	MinVol24h        decimal.Decimal
	MinOIUSD         decimal.Decimal
	LiquidityScore   decimal.Decimal
}

// PositionSnapshot is a venue-reported view of one leg.
type PositionSnapshot struct {
	Venue            string
	Symbol           string
	Side             OrderSide
	Quantity         decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	Leverage         int
	LiquidationPrice decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	FundingAccrued   decimal.Decimal
}

// Position is a persisted open arbitrage position.
type Position struct {
	ID        string
	AccountID string
	Symbol    string
	LongVenue string
	ShortVenue string

	SizeUSD         decimal.Decimal
	EntryLongRate   decimal.Decimal
	EntryShortRate  decimal.Decimal
	EntryDivergence decimal.Decimal
	EntryLongPrice  decimal.Decimal
	EntryShortPrice decimal.Decimal
	OpenedAt        time.Time

	CumulativeFundingUSD decimal.Decimal
	LastHeartbeat        time.Time
	Stage                LifecycleStage

	ClosedAt      *time.Time
	PnLUSD        *decimal.Decimal
	ExitReason    ExitReason
	CloseDegraded bool
}

// Open reports whether the position has not reached the closed stage.
func (p Position) Open() bool {
	return p.Stage != StageClosed
}

// Age returns the time since the position was opened.
func (p Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// TradeFill is one coalesced fill per (position, order). Timestamp is naive
// UTC; duplicate (PositionID, OrderID) inserts are silent no-ops in storage.
type TradeFill struct {
	PositionID       string
	AccountID        string
	Venue            string
	Symbol           string
	TradeType        TradeType
	Side             OrderSide
	OrderID          string
	Timestamp        time.Time
	TotalQuantity    decimal.Decimal
	WeightedAvgPrice decimal.Decimal
	TotalFee         decimal.Decimal
	FeeCurrency      string
	RealizedPnL      *decimal.Decimal
	RealizedFunding  *decimal.Decimal
	FillCount        int
}

// LimitOrderRequest is the adapter-level request for a resting order.
type LimitOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	PostOnly      bool
	ReduceOnly    bool
	ClientOrderID string
}

// MarketOrderRequest is the adapter-level request for an immediate order.
type MarketOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Quantity      decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult is the immediate acknowledgement of an order action.
type OrderResult struct {
	OrderID string
	Status  OrderStatus
}

// OrderInfo is the current (possibly cached) state of an order.
type OrderInfo struct {
	OrderID        string
	Symbol         string
	Side           OrderSide
	Status         OrderStatus
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Fee            decimal.Decimal
	FeeCurrency    string
	FillCount      int
	UpdatedAt      time.Time
}

// Filled reports whether the order has any executed quantity.
func (o OrderInfo) Filled() bool {
	return o.FilledQuantity.Sign() > 0
}

// VenueHealth is a per-venue collector health snapshot.
type VenueHealth struct {
	Venue       string
	LastSuccess time.Time
	LastError   string
	ErrorCount  int64
	LastLatency time.Duration
}

// TickMetrics is the per-tick orchestrator record.
type TickMetrics struct {
	At                   time.Time
	OpportunitiesScanned int
	PositionsOpened      int
	PositionsClosed      int
	Errors               map[string]int
}
