// Package paper provides an in-process simulated venue for dry runs. Orders
// fill against a synthetic book derived from a configured mark price, so the
// full open/close machinery can run without credentials or network access.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
)

var (
	two        = decimal.NewFromInt(2)
	bpsDivisor = decimal.NewFromInt(10000)
)

// SymbolSpec seeds one simulated market.
type SymbolSpec struct {
	FundingRate     decimal.Decimal // per funding interval
	IntervalHours   decimal.Decimal
	Mark            decimal.Decimal
	SpreadBps       decimal.Decimal
	Volume24hUSD    decimal.Decimal
	OpenInterestUSD decimal.Decimal
	SizeIncrement   decimal.Decimal
	MinNotional     decimal.Decimal
}

// Config parameterizes a paper venue.
type Config struct {
	Name     string
	TakerBps decimal.Decimal
	Symbols  map[string]SymbolSpec
}

type position struct {
	qty        decimal.Decimal // signed, positive long
	avgEntry   decimal.Decimal
	accrued    decimal.Decimal
	accruedAt  time.Time
	leverage   int
}

// Venue is a fully in-memory core.IVenue. Limit orders rest never: a
// passable post-only order fills at its limit price immediately, which is
// the optimistic-maker assumption dry runs are meant to exercise.
type Venue struct {
	name     string
	takerBps decimal.Decimal

	mu        sync.Mutex
	symbols   map[string]SymbolSpec
	positions map[string]*position
	orders    map[string]*core.OrderInfo
	seq       int
}

// New creates a paper venue from its spec.
func New(cfg Config) *Venue {
	symbols := make(map[string]SymbolSpec, len(cfg.Symbols))
	for s, spec := range cfg.Symbols {
		if spec.IntervalHours.Sign() <= 0 {
			spec.IntervalHours = decimal.NewFromInt(core.ReferenceIntervalHours)
		}
		if spec.SizeIncrement.Sign() <= 0 {
			spec.SizeIncrement = decimal.NewFromFloat(0.001)
		}
		if spec.MinNotional.Sign() <= 0 {
			spec.MinNotional = decimal.NewFromInt(10)
		}
		symbols[s] = spec
	}
	return &Venue{
		name:      cfg.Name,
		takerBps:  cfg.TakerBps,
		symbols:   symbols,
		positions: make(map[string]*position),
		orders:    make(map[string]*core.OrderInfo),
	}
}

func (v *Venue) Name() string { return v.name }

// SetFundingRate replaces one symbol's per-interval rate, letting dry runs
// script erosion over successive ticks.
func (v *Venue) SetFundingRate(symbol string, rate decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	spec, ok := v.symbols[symbol]
	if !ok {
		return
	}
	spec.FundingRate = rate
	v.symbols[symbol] = spec
}

// SetMark moves one symbol's mark price.
func (v *Venue) SetMark(symbol string, mark decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	spec, ok := v.symbols[symbol]
	if !ok {
		return
	}
	spec.Mark = mark
	v.symbols[symbol] = spec
}

func (v *Venue) FetchFundingRates(ctx context.Context) (map[string]core.FundingRateSample, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now().UTC()
	out := make(map[string]core.FundingRateSample, len(v.symbols))
	for s, spec := range v.symbols {
		out[s] = core.NewFundingRateSample(v.name, s, spec.FundingRate, spec.IntervalHours, now)
	}
	return out, nil
}

func (v *Venue) FetchMarketData(ctx context.Context) (map[string]core.MarketData, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now().UTC()
	out := make(map[string]core.MarketData, len(v.symbols))
	for s, spec := range v.symbols {
		vol, oi := spec.Volume24hUSD, spec.OpenInterestUSD
		out[s] = core.MarketData{
			Venue: v.name, Symbol: s,
			Volume24hUSD:    &vol,
			OpenInterestUSD: &oi,
			UpdatedAt:       now,
		}
	}
	return out, nil
}

func (v *Venue) FetchBBO(ctx context.Context, symbol string) (core.BBO, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bboLocked(symbol)
}

func (v *Venue) bboLocked(symbol string) (core.BBO, error) {
	spec, ok := v.symbols[symbol]
	if !ok || spec.Mark.Sign() <= 0 {
		return core.BBO{}, apperrors.ErrPriceUnavailable
	}
	half := spec.Mark.Mul(spec.SpreadBps).Div(bpsDivisor).Div(two)
	return core.BBO{Bid: spec.Mark.Sub(half), Ask: spec.Mark.Add(half)}, nil
}

func (v *Venue) FetchOrderBook(ctx context.Context, symbol string, depth int) (core.OrderBook, error) {
	bbo, err := v.FetchBBO(ctx, symbol)
	if err != nil {
		return core.OrderBook{}, err
	}
	if depth <= 0 {
		depth = 5
	}
	var book core.OrderBook
	step := bbo.Ask.Sub(bbo.Bid)
	size := decimal.NewFromInt(10)
	for i := 0; i < depth; i++ {
		offset := step.Mul(decimal.NewFromInt(int64(i)))
		book.Bids = append(book.Bids, core.BookLevel{Price: bbo.Bid.Sub(offset), Quantity: size})
		book.Asks = append(book.Asks, core.BookLevel{Price: bbo.Ask.Add(offset), Quantity: size})
	}
	return book, nil
}

// Canonical symbols are used directly.
func (v *Venue) NormalizeSymbol(venueSymbol string) string { return venueSymbol }
func (v *Venue) Denormalize(canonical string) string       { return canonical }

func (v *Venue) GetPositionSnapshot(ctx context.Context, symbol string) (*core.PositionSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	spec, ok := v.symbols[symbol]
	if !ok {
		return nil, apperrors.ErrInvalidSymbol
	}
	pos := v.positions[symbol]
	if pos == nil || pos.qty.Sign() == 0 {
		return &core.PositionSnapshot{Venue: v.name, Symbol: symbol}, nil
	}
	v.accrueLocked(symbol, pos, spec)

	snap := &core.PositionSnapshot{
		Venue:          v.name,
		Symbol:         symbol,
		Quantity:       pos.qty,
		EntryPrice:     pos.avgEntry,
		MarkPrice:      spec.Mark,
		FundingAccrued: pos.accrued,
		Leverage:       pos.leverage,
	}
	if pos.qty.Sign() > 0 {
		snap.Side = core.SideBuy
	} else {
		snap.Side = core.SideSell
	}
	if pos.leverage > 0 {
		// Crude cross-margin approximation, close enough for risk checks.
		frac := decimal.NewFromFloat(0.9).Div(decimal.NewFromInt(int64(pos.leverage)))
		if pos.qty.Sign() > 0 {
			snap.LiquidationPrice = pos.avgEntry.Mul(decimal.NewFromInt(1).Sub(frac))
		} else {
			snap.LiquidationPrice = pos.avgEntry.Mul(decimal.NewFromInt(1).Add(frac))
		}
	}
	return snap, nil
}

// accrueLocked folds funding owed since the last read into the position.
// Longs pay a positive rate, shorts receive it.
func (v *Venue) accrueLocked(symbol string, pos *position, spec SymbolSpec) {
	now := time.Now().UTC()
	if pos.accruedAt.IsZero() {
		pos.accruedAt = now
		return
	}
	hours := decimal.NewFromFloat(now.Sub(pos.accruedAt).Hours())
	if hours.Sign() <= 0 {
		return
	}
	notional := pos.qty.Mul(spec.Mark)
	payment := notional.Mul(spec.FundingRate).Mul(hours).Div(spec.IntervalHours)
	pos.accrued = pos.accrued.Sub(payment)
	pos.accruedAt = now
}

func (v *Venue) PlaceLimit(ctx context.Context, req core.LimitOrderRequest) (core.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	bbo, err := v.bboLocked(req.Symbol)
	if err != nil {
		return core.OrderResult{}, err
	}
	if req.PostOnly {
		crossed := (req.Side == core.SideBuy && req.Price.GreaterThanOrEqual(bbo.Ask)) ||
			(req.Side == core.SideSell && req.Price.LessThanOrEqual(bbo.Bid))
		if crossed {
			return core.OrderResult{}, apperrors.ErrPostOnlyCrossed
		}
	}
	// A resting maker order is assumed to fill at its limit price.
	return v.fillLocked(req.Symbol, req.Side, req.Quantity, req.Price, req.ReduceOnly, decimal.Zero)
}

func (v *Venue) PlaceMarket(ctx context.Context, req core.MarketOrderRequest) (core.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	bbo, err := v.bboLocked(req.Symbol)
	if err != nil {
		return core.OrderResult{}, err
	}
	price := bbo.Ask
	if req.Side == core.SideSell {
		price = bbo.Bid
	}
	return v.fillLocked(req.Symbol, req.Side, req.Quantity, price, req.ReduceOnly, v.takerBps)
}

func (v *Venue) fillLocked(symbol string, side core.OrderSide, qty, price decimal.Decimal, reduceOnly bool, feeBps decimal.Decimal) (core.OrderResult, error) {
	pos := v.positions[symbol]
	if pos == nil {
		pos = &position{accruedAt: time.Now().UTC()}
		v.positions[symbol] = pos
	}

	signed := qty
	if side == core.SideSell {
		signed = qty.Neg()
	}
	if reduceOnly {
		if pos.qty.Sign() == 0 || pos.qty.Sign() == signed.Sign() {
			return core.OrderResult{}, apperrors.ErrReduceOnlyRejected
		}
		if signed.Abs().GreaterThan(pos.qty.Abs()) {
			signed = pos.qty.Neg()
			qty = signed.Abs()
		}
	}

	next := pos.qty.Add(signed)
	if pos.qty.Sign() >= 0 && signed.Sign() > 0 || pos.qty.Sign() <= 0 && signed.Sign() < 0 {
		// Growing the position reweights the entry.
		total := pos.qty.Abs().Add(qty)
		pos.avgEntry = pos.avgEntry.Mul(pos.qty.Abs()).Add(price.Mul(qty)).Div(total)
	}
	pos.qty = next
	if pos.qty.Sign() == 0 {
		pos.avgEntry = decimal.Zero
	}

	v.seq++
	orderID := fmt.Sprintf("%s-%d", v.name, v.seq)
	fee := price.Mul(qty).Mul(feeBps).Div(bpsDivisor)
	info := &core.OrderInfo{
		OrderID:        orderID,
		Symbol:         symbol,
		Side:           side,
		Status:         core.OrderStatusFilled,
		Quantity:       qty,
		FilledQuantity: qty,
		AvgFillPrice:   price,
		Fee:            fee,
		UpdatedAt:      time.Now().UTC(),
	}
	v.orders[orderID] = info
	return core.OrderResult{OrderID: orderID, Status: core.OrderStatusFilled}, nil
}

func (v *Venue) Cancel(ctx context.Context, orderID string) (core.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	info, ok := v.orders[orderID]
	if !ok {
		return core.OrderResult{}, apperrors.ErrOrderNotFound
	}
	// Every paper order fills synchronously; cancels always arrive late.
	return core.OrderResult{OrderID: orderID, Status: info.Status}, nil
}

func (v *Venue) GetOrderInfo(ctx context.Context, orderID string, forceRefresh bool) (*core.OrderInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	info, ok := v.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	cp := *info
	return &cp, nil
}

func (v *Venue) AwaitOrderUpdate(ctx context.Context, orderID string, timeout time.Duration) (*core.OrderInfo, error) {
	return v.GetOrderInfo(ctx, orderID, false)
}

func (v *Venue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.symbols[symbol]; !ok {
		return apperrors.ErrInvalidSymbol
	}
	pos := v.positions[symbol]
	if pos == nil {
		pos = &position{accruedAt: time.Now().UTC()}
		v.positions[symbol] = pos
	}
	pos.leverage = leverage
	return nil
}

func (v *Venue) MinOrderNotional(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	spec, ok := v.symbols[symbol]
	if !ok {
		return decimal.Zero, apperrors.ErrInvalidSymbol
	}
	return spec.MinNotional, nil
}

func (v *Venue) OrderSizeIncrement(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	spec, ok := v.symbols[symbol]
	if !ok {
		return decimal.Zero, apperrors.ErrInvalidSymbol
	}
	return spec.SizeIncrement, nil
}
