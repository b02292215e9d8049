package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IVenue is the capability interface implemented once per perpetual venue.
// It is the sole polymorphic boundary of the core: message formats and
// signing are adapter-private. Adapter methods retry transport errors with
// exponential backoff internally; authentication and margin errors surface
// immediately.
type IVenue interface {
	// Identity
	Name() string

	// Public market data
	FetchFundingRates(ctx context.Context) (map[string]FundingRateSample, error)
	FetchMarketData(ctx context.Context) (map[string]MarketData, error)
	FetchBBO(ctx context.Context, symbol string) (BBO, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)

	// Symbol mapping. NormalizeSymbol strips the quote suffix and any
	// leading NNN0 multiplier prefix; Denormalize is its inverse for every
	// canonical symbol the venue lists.
	NormalizeSymbol(venueSymbol string) string
	Denormalize(canonical string) string

	// Account state
	GetPositionSnapshot(ctx context.Context, symbol string) (*PositionSnapshot, error)

	// Orders
	PlaceLimit(ctx context.Context, req LimitOrderRequest) (OrderResult, error)
	PlaceMarket(ctx context.Context, req MarketOrderRequest) (OrderResult, error)
	Cancel(ctx context.Context, orderID string) (OrderResult, error)
	GetOrderInfo(ctx context.Context, orderID string, forceRefresh bool) (*OrderInfo, error)
	// AwaitOrderUpdate blocks until a terminal websocket update for
	// orderID arrives or timeout elapses. A cached terminal state
	// returns immediately.
	AwaitOrderUpdate(ctx context.Context, orderID string, timeout time.Duration) (*OrderInfo, error)

	// Contract parameters
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	MinOrderNotional(ctx context.Context, symbol string) (decimal.Decimal, error)
	OrderSizeIncrement(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// ILogger is the structured logging interface (variadic key/value pairs).
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// ICollector refreshes funding and market data across venues.
type ICollector interface {
	RunOnce(ctx context.Context) error
	Health() map[string]VenueHealth
}

// IExecutor opens and closes paired positions atomically.
type IExecutor interface {
	Open(ctx context.Context, opp Opportunity, targetMarginUSD decimal.Decimal, leverage int, accountID string) (*Position, error)
	Close(ctx context.Context, pos *Position, orderType CloseOrderType, reason ExitReason) error
}

// CloseOrderType selects how exit legs are placed.
type CloseOrderType string

const (
	CloseMarket CloseOrderType = "market"
	CloseLimit  CloseOrderType = "limit"
)
