// Package mock provides a scriptable in-memory venue for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
)

// Venue implements core.IVenue with scriptable data and failure modes.
// Orders execute synchronously at placement time.
type Venue struct {
	name string
	mu   sync.RWMutex

	fundingRates map[string]core.FundingRateSample
	marketData   map[string]core.MarketData
	bbos         map[string]core.BBO
	books        map[string]core.OrderBook
	snapshots    map[string]*core.PositionSnapshot
	marks        map[string]decimal.Decimal
	leverage     map[string]int

	minNotional   decimal.Decimal
	sizeIncrement decimal.Decimal
	feeBps        decimal.Decimal

	orders   map[string]*core.OrderInfo
	orderSeq int

	fundingErr    error
	marketDataErr error
	leverageErr   error
	limitErrs     []error
	marketErrs    []error
	cancelErrs    []error

	// crossNext rejects that many upcoming post-only limit orders.
	crossNext int
	// partialRatio < 1 leaves limit orders partially filled.
	partialRatio decimal.Decimal

	placedLimits  []core.LimitOrderRequest
	placedMarkets []core.MarketOrderRequest
}

// NewVenue creates a mock venue with permissive defaults: every order
// fills fully at the requested price, fees are zero, min notional is 10.
func NewVenue(name string) *Venue {
	return &Venue{
		name:          name,
		fundingRates:  make(map[string]core.FundingRateSample),
		marketData:    make(map[string]core.MarketData),
		bbos:          make(map[string]core.BBO),
		books:         make(map[string]core.OrderBook),
		snapshots:     make(map[string]*core.PositionSnapshot),
		marks:         make(map[string]decimal.Decimal),
		leverage:      make(map[string]int),
		minNotional:   decimal.NewFromInt(10),
		sizeIncrement: decimal.NewFromFloat(0.001),
		feeBps:        decimal.Zero,
		orders:        make(map[string]*core.OrderInfo),
		orderSeq:      1000,
		partialRatio:  decimal.NewFromInt(1),
	}
}

// Scripting helpers

func (v *Venue) SetFundingRate(sample core.FundingRateSample) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fundingRates[sample.Symbol] = sample
}

func (v *Venue) SetMarketData(md core.MarketData) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marketData[md.Symbol] = md
}

func (v *Venue) SetBBO(symbol string, bbo core.BBO) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bbos[symbol] = bbo
}

func (v *Venue) SetOrderBook(symbol string, book core.OrderBook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.books[symbol] = book
}

func (v *Venue) SetSnapshot(symbol string, snap *core.PositionSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snapshots[symbol] = snap
}

func (v *Venue) SetMark(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[symbol] = price
}

func (v *Venue) SetMinNotional(n decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.minNotional = n
}

func (v *Venue) SetSizeIncrement(inc decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sizeIncrement = inc
}

func (v *Venue) SetFeeBps(bps decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.feeBps = bps
}

func (v *Venue) SetFundingError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fundingErr = err
}

func (v *Venue) SetMarketDataError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marketDataErr = err
}

func (v *Venue) SetLeverageError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leverageErr = err
}

// FailNextLimit queues an error for the next PlaceLimit call.
func (v *Venue) FailNextLimit(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.limitErrs = append(v.limitErrs, err)
}

// FailNextMarket queues an error for the next PlaceMarket call.
func (v *Venue) FailNextMarket(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marketErrs = append(v.marketErrs, err)
}

// FailNextCancel queues an error for the next Cancel call.
func (v *Venue) FailNextCancel(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelErrs = append(v.cancelErrs, err)
}

// CrossNextPostOnly rejects the next n post-only limit orders as crossing.
func (v *Venue) CrossNextPostOnly(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.crossNext = n
}

// SetPartialFillRatio makes limit orders fill only the given fraction.
func (v *Venue) SetPartialFillRatio(r decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.partialRatio = r
}

// PlacedLimits returns all limit requests seen so far.
func (v *Venue) PlacedLimits() []core.LimitOrderRequest {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]core.LimitOrderRequest, len(v.placedLimits))
	copy(out, v.placedLimits)
	return out
}

// PlacedMarkets returns all market requests seen so far.
func (v *Venue) PlacedMarkets() []core.MarketOrderRequest {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]core.MarketOrderRequest, len(v.placedMarkets))
	copy(out, v.placedMarkets)
	return out
}

// Leverage returns the last leverage set for a symbol.
func (v *Venue) Leverage(symbol string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.leverage[symbol]
}

// core.IVenue implementation

func (v *Venue) Name() string { return v.name }

func (v *Venue) FetchFundingRates(ctx context.Context) (map[string]core.FundingRateSample, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.fundingErr != nil {
		return nil, v.fundingErr
	}
	out := make(map[string]core.FundingRateSample, len(v.fundingRates))
	for k, s := range v.fundingRates {
		out[k] = s
	}
	return out, nil
}

func (v *Venue) FetchMarketData(ctx context.Context) (map[string]core.MarketData, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.marketDataErr != nil {
		return nil, v.marketDataErr
	}
	out := make(map[string]core.MarketData, len(v.marketData))
	for k, md := range v.marketData {
		out[k] = md
	}
	return out, nil
}

func (v *Venue) FetchBBO(ctx context.Context, symbol string) (core.BBO, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	bbo, ok := v.bbos[symbol]
	if !ok {
		return core.BBO{}, apperrors.ErrPriceUnavailable
	}
	return bbo, nil
}

func (v *Venue) FetchOrderBook(ctx context.Context, symbol string, depth int) (core.OrderBook, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	book, ok := v.books[symbol]
	if !ok {
		return core.OrderBook{}, apperrors.ErrPriceUnavailable
	}
	if depth > 0 {
		if len(book.Bids) > depth {
			book.Bids = book.Bids[:depth]
		}
		if len(book.Asks) > depth {
			book.Asks = book.Asks[:depth]
		}
	}
	return book, nil
}

func (v *Venue) NormalizeSymbol(venueSymbol string) string { return venueSymbol }
func (v *Venue) Denormalize(canonical string) string       { return canonical }

func (v *Venue) GetPositionSnapshot(ctx context.Context, symbol string) (*core.PositionSnapshot, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	snap, ok := v.snapshots[symbol]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

func (v *Venue) PlaceLimit(ctx context.Context, req core.LimitOrderRequest) (core.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.placedLimits = append(v.placedLimits, req)

	if len(v.limitErrs) > 0 {
		err := v.limitErrs[0]
		v.limitErrs = v.limitErrs[1:]
		return core.OrderResult{}, err
	}
	if req.PostOnly && v.crossNext > 0 {
		v.crossNext--
		return core.OrderResult{}, apperrors.ErrPostOnlyCrossed
	}

	filled := req.Quantity.Mul(v.partialRatio)
	status := core.OrderStatusFilled
	if filled.Sign() == 0 {
		status = core.OrderStatusNew
	} else if filled.LessThan(req.Quantity) {
		status = core.OrderStatusPartiallyFilled
	}

	info := &core.OrderInfo{
		OrderID:        v.nextOrderID(),
		Symbol:         req.Symbol,
		Side:           req.Side,
		Status:         status,
		Price:          req.Price,
		Quantity:       req.Quantity,
		FilledQuantity: filled,
		AvgFillPrice:   req.Price,
		Fee:            filled.Mul(req.Price).Mul(v.feeBps).Div(decimal.NewFromInt(10000)),
		FeeCurrency:    "USDT",
		FillCount:      1,
		UpdatedAt:      time.Now().UTC(),
	}
	v.orders[info.OrderID] = info
	return core.OrderResult{OrderID: info.OrderID, Status: status}, nil
}

func (v *Venue) PlaceMarket(ctx context.Context, req core.MarketOrderRequest) (core.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.placedMarkets = append(v.placedMarkets, req)

	if len(v.marketErrs) > 0 {
		err := v.marketErrs[0]
		v.marketErrs = v.marketErrs[1:]
		return core.OrderResult{}, err
	}

	price, ok := v.marks[req.Symbol]
	if !ok {
		if bbo, has := v.bbos[req.Symbol]; has {
			price = bbo.Mid()
		} else {
			return core.OrderResult{}, apperrors.ErrPriceUnavailable
		}
	}

	info := &core.OrderInfo{
		OrderID:        v.nextOrderID(),
		Symbol:         req.Symbol,
		Side:           req.Side,
		Status:         core.OrderStatusFilled,
		Quantity:       req.Quantity,
		FilledQuantity: req.Quantity,
		AvgFillPrice:   price,
		Fee:            req.Quantity.Mul(price).Mul(v.feeBps).Div(decimal.NewFromInt(10000)),
		FeeCurrency:    "USDT",
		FillCount:      1,
		UpdatedAt:      time.Now().UTC(),
	}
	v.orders[info.OrderID] = info
	return core.OrderResult{OrderID: info.OrderID, Status: info.Status}, nil
}

func (v *Venue) Cancel(ctx context.Context, orderID string) (core.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.cancelErrs) > 0 {
		err := v.cancelErrs[0]
		v.cancelErrs = v.cancelErrs[1:]
		return core.OrderResult{}, err
	}

	info, ok := v.orders[orderID]
	if !ok {
		return core.OrderResult{}, apperrors.ErrOrderNotFound
	}
	if !info.Status.Terminal() {
		info.Status = core.OrderStatusCanceled
		info.UpdatedAt = time.Now().UTC()
	}
	return core.OrderResult{OrderID: orderID, Status: info.Status}, nil
}

func (v *Venue) GetOrderInfo(ctx context.Context, orderID string, forceRefresh bool) (*core.OrderInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	info, ok := v.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	cp := *info
	return &cp, nil
}

func (v *Venue) AwaitOrderUpdate(ctx context.Context, orderID string, timeout time.Duration) (*core.OrderInfo, error) {
	// Orders execute synchronously, so the current state is the update.
	return v.GetOrderInfo(ctx, orderID, false)
}

func (v *Venue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.leverageErr != nil {
		return v.leverageErr
	}
	v.leverage[symbol] = leverage
	return nil
}

func (v *Venue) MinOrderNotional(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.minNotional, nil
}

func (v *Venue) OrderSizeIncrement(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sizeIncrement, nil
}

func (v *Venue) nextOrderID() string {
	v.orderSeq++
	return fmt.Sprintf("%s-%d", v.name, v.orderSeq)
}
