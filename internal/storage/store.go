// Package storage owns the five tables the strategy core reads and writes:
// funding_rates (history), latest_funding_rates, dex_symbols,
// strategy_positions and trade_fills. All monetary fields are fixed-point
// decimals at rest; timestamps are stored naive UTC.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"funding_arb/internal/core"
)

// VenueSymbol keys per-venue market rows.
type VenueSymbol struct {
	Venue  string
	Symbol string
}

// PositionPatch is a partial update of a strategy position. Nil fields are
// left untouched.
type PositionPatch struct {
	Stage                *core.LifecycleStage
	CumulativeFundingUSD *decimal.Decimal
	LastHeartbeat        *time.Time
	ClosedAt             *time.Time
	PnLUSD               *decimal.Decimal
	ExitReason           *core.ExitReason
	CloseDegraded        *bool
}

// Store is the persistence contract for the strategy core. Every tick
// re-reads authoritative state through it; components never share mutable
// state directly.
type Store interface {
	UpsertFundingRate(ctx context.Context, s core.FundingRateSample) error
	AppendFundingHistory(ctx context.Context, s core.FundingRateSample) error
	UpsertMarketData(ctx context.Context, m core.MarketData) error

	// GetLatestSamples returns the latest sample per (venue, symbol) no
	// older than maxAge. An empty venue list means all venues.
	GetLatestSamples(ctx context.Context, venues []string, maxAge time.Duration) ([]core.FundingRateSample, error)
	// GetFundingHistory returns up to limit history rows for one
	// (venue, symbol), newest first.
	GetFundingHistory(ctx context.Context, venue, symbol string, limit int) ([]core.FundingRateSample, error)
	GetMarketData(ctx context.Context, venues []string) (map[VenueSymbol]core.MarketData, error)

	InsertPosition(ctx context.Context, p core.Position) error
	UpdatePosition(ctx context.Context, id string, patch PositionPatch) error
	GetOpenPositions(ctx context.Context, accountID string) ([]core.Position, error)
	GetPosition(ctx context.Context, id string) (*core.Position, error)

	// InsertTradeFill returns false when (position_id, order_id) already
	// exists; the duplicate is silently dropped.
	InsertTradeFill(ctx context.Context, f core.TradeFill) (bool, error)
	GetTradeFills(ctx context.Context, positionID string) ([]core.TradeFill, error)

	Close() error
}

func stagePtr(s core.LifecycleStage) *core.LifecycleStage { return &s }

// ClosePatch builds the patch applied when a position reaches its final
// state.
func ClosePatch(closedAt time.Time, pnl decimal.Decimal, reason core.ExitReason, degraded bool) PositionPatch {
	return PositionPatch{
		Stage:         stagePtr(core.StageClosed),
		ClosedAt:      &closedAt,
		PnLUSD:        &pnl,
		ExitReason:    &reason,
		CloseDegraded: &degraded,
	}
}

// StagePatch builds a patch that only moves the lifecycle stage.
func StagePatch(s core.LifecycleStage) PositionPatch {
	return PositionPatch{Stage: stagePtr(s)}
}
