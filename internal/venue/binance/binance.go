// Package binance implements the venue adapter for Binance USD-margined
// perpetual futures. REST calls go through the shared resilient HTTP client;
// order updates arrive over the user-data websocket stream.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"funding_arb/internal/core"
	"funding_arb/internal/venue/base"
	apperrors "funding_arb/pkg/errors"
	httpclient "funding_arb/pkg/http"
	"funding_arb/pkg/websocket"
)

const (
	defaultBaseURL      = "https://fapi.binance.com"
	defaultWebsocketURL = "wss://fstream.binance.com"
	requestTimeout      = 10 * time.Second

	// filterCacheTTL is how long exchangeInfo contract filters are trusted.
	filterCacheTTL = time.Hour

	// oiFanout bounds concurrent open-interest lookups during a market
	// data refresh; Binance reports OI one symbol at a time.
	oiFanout = 8
)

// Config holds the venue connection settings.
type Config struct {
	Name                  string
	APIKey                string
	SecretKey             string
	BaseURL               string
	WebsocketURL          string
	MaxConcurrentRequests int
}

// symbolFilters is the subset of exchangeInfo filters the executor needs.
type symbolFilters struct {
	minNotional decimal.Decimal
	stepSize    decimal.Decimal
}

// Venue is the Binance USD-M futures adapter.
type Venue struct {
	*base.Adapter

	public *httpclient.Client
	signed *httpclient.Client
	keyed  *httpclient.Client
	wsURL  string
	apiKey string

	filterMu  sync.RWMutex
	filters   map[string]symbolFilters
	filtersAt time.Time

	orderSymMu   sync.Mutex
	orderSymbols map[string]string

	streamMu     sync.Mutex
	stream       *websocket.Client
	streamCancel context.CancelFunc
	streamWG     sync.WaitGroup
}

// New creates a Binance venue adapter. Call Start before use so symbol
// mappings, contract filters and the order stream are in place.
func New(cfg Config, logger core.ILogger) *Venue {
	if cfg.Name == "" {
		cfg.Name = "binance"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.WebsocketURL == "" {
		cfg.WebsocketURL = defaultWebsocketURL
	}

	v := &Venue{
		Adapter:      base.NewAdapter(cfg.Name, cfg.MaxConcurrentRequests, logger),
		public:       httpclient.NewClient(cfg.BaseURL, requestTimeout, nil),
		signed:       httpclient.NewClient(cfg.BaseURL, requestTimeout, newHMACSigner(cfg.APIKey, cfg.SecretKey)),
		keyed:        httpclient.NewClient(cfg.BaseURL, requestTimeout, &keySigner{apiKey: cfg.APIKey}),
		wsURL:        cfg.WebsocketURL,
		apiKey:       cfg.APIKey,
		filters:      make(map[string]symbolFilters),
		orderSymbols: make(map[string]string),
	}
	v.SetIntervalFetcher(v.fetchFundingIntervals)
	return v
}

// Start loads contract metadata and opens the user-data stream. An empty
// API key skips the stream; public market data still works.
func (v *Venue) Start(ctx context.Context) error {
	if err := v.loadExchangeInfo(ctx); err != nil {
		return fmt.Errorf("load exchange info: %w", err)
	}
	if v.apiKey == "" {
		v.Logger().Warn("No API key configured, order stream disabled")
		return nil
	}
	return v.startUserStream(ctx)
}

// FetchFundingRates returns the latest funding rate per canonical symbol,
// normalized to the 8-hour reference interval.
func (v *Venue) FetchFundingRates(ctx context.Context) (map[string]core.FundingRateSample, error) {
	var rows []premiumIndexEntry
	err := v.Execute(ctx, func(ctx context.Context) error {
		raw, err := v.public.Get(ctx, "/fapi/v1/premiumIndex", nil)
		if err != nil {
			return classifyError(err)
		}
		return json.Unmarshal(raw, &rows)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make(map[string]core.FundingRateSample, len(rows))
	for _, row := range rows {
		// Delivery contracts (BTCUSDT_250926) carry no funding.
		if row.LastFundingRate == "" || strings.Contains(row.Symbol, "_") {
			continue
		}
		canonical := v.NormalizeSymbol(row.Symbol)
		sample := core.NewFundingRateSample(
			v.Name(), canonical,
			parseDec(row.LastFundingRate),
			v.FundingInterval(ctx, canonical),
			now,
		)
		if row.NextFundingTime > 0 {
			t := time.UnixMilli(row.NextFundingTime).UTC()
			sample.NextFundingTime = &t
		}
		out[canonical] = sample
	}
	return out, nil
}

// FetchMarketData returns 24h quote volume and two-sided open interest in
// USD per canonical symbol. Open interest requires one request per symbol,
// so lookups fan out with bounded concurrency; a failed lookup leaves that
// symbol's open interest unset rather than failing the whole refresh.
func (v *Venue) FetchMarketData(ctx context.Context) (map[string]core.MarketData, error) {
	var tickers []ticker24hEntry
	err := v.Execute(ctx, func(ctx context.Context) error {
		raw, err := v.public.Get(ctx, "/fapi/v1/ticker/24hr", nil)
		if err != nil {
			return classifyError(err)
		}
		return json.Unmarshal(raw, &tickers)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make(map[string]core.MarketData, len(tickers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(oiFanout)
	for _, row := range tickers {
		if strings.Contains(row.Symbol, "_") {
			continue
		}
		row := row
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			vol := parseDec(row.QuoteVolume)
			md := core.MarketData{
				Venue:        v.Name(),
				Symbol:       v.NormalizeSymbol(row.Symbol),
				Volume24hUSD: &vol,
				UpdatedAt:    now,
			}

			var oi openInterestEntry
			err := v.Execute(gctx, func(ctx context.Context) error {
				raw, err := v.public.Get(ctx, "/fapi/v1/openInterest", map[string]string{"symbol": row.Symbol})
				if err != nil {
					return classifyError(err)
				}
				return json.Unmarshal(raw, &oi)
			})
			if err != nil {
				v.Logger().Warn("Open interest fetch failed", "symbol", row.Symbol, "error", err)
			} else {
				usd := base.TwoSidedOI(parseDec(oi.OpenInterest).Mul(parseDec(row.LastPrice)), true)
				md.OpenInterestUSD = &usd
			}

			mu.Lock()
			out[md.Symbol] = md
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchBBO returns the best bid/offer for a canonical symbol.
func (v *Venue) FetchBBO(ctx context.Context, symbol string) (core.BBO, error) {
	var row bookTickerEntry
	err := v.Execute(ctx, func(ctx context.Context) error {
		raw, err := v.public.Get(ctx, "/fapi/v1/ticker/bookTicker", map[string]string{"symbol": v.Denormalize(symbol)})
		if err != nil {
			return classifyError(err)
		}
		return json.Unmarshal(raw, &row)
	})
	if err != nil {
		return core.BBO{}, err
	}

	bbo := core.BBO{Bid: parseDec(row.BidPrice), Ask: parseDec(row.AskPrice)}
	if bbo.Bid.Sign() <= 0 || bbo.Ask.Sign() <= 0 {
		return core.BBO{}, fmt.Errorf("%w: %s on %s", apperrors.ErrPriceUnavailable, symbol, v.Name())
	}
	return bbo, nil
}

// FetchOrderBook returns the top depth levels for a canonical symbol.
func (v *Venue) FetchOrderBook(ctx context.Context, symbol string, depth int) (core.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	var resp depthResponse
	err := v.Execute(ctx, func(ctx context.Context) error {
		raw, err := v.public.Get(ctx, "/fapi/v1/depth", map[string]string{
			"symbol": v.Denormalize(symbol),
			"limit":  strconv.Itoa(depth),
		})
		if err != nil {
			return classifyError(err)
		}
		return json.Unmarshal(raw, &resp)
	})
	if err != nil {
		return core.OrderBook{}, err
	}

	var book core.OrderBook
	book.Bids = parseBookLevels(resp.Bids)
	book.Asks = parseBookLevels(resp.Asks)
	return book, nil
}

// GetPositionSnapshot returns the venue-reported position for a canonical
// symbol. A flat symbol returns a snapshot with zero quantity.
func (v *Venue) GetPositionSnapshot(ctx context.Context, symbol string) (*core.PositionSnapshot, error) {
	var rows []positionRiskEntry
	err := v.Execute(ctx, func(ctx context.Context) error {
		raw, err := v.signed.Get(ctx, "/fapi/v2/positionRisk", map[string]string{"symbol": v.Denormalize(symbol)})
		if err != nil {
			return classifyError(err)
		}
		return json.Unmarshal(raw, &rows)
	})
	if err != nil {
		return nil, err
	}

	snap := &core.PositionSnapshot{Venue: v.Name(), Symbol: symbol}
	for _, row := range rows {
		amt := parseDec(row.PositionAmt)
		if amt.IsZero() {
			continue
		}
		snap.Quantity = amt.Abs()
		if amt.Sign() > 0 {
			snap.Side = core.SideBuy
		} else {
			snap.Side = core.SideSell
		}
		snap.EntryPrice = parseDec(row.EntryPrice)
		snap.MarkPrice = parseDec(row.MarkPrice)
		snap.LiquidationPrice = parseDec(row.LiquidationPrice)
		snap.UnrealizedPnL = parseDec(row.UnRealizedProfit)
		snap.Leverage, _ = strconv.Atoi(row.Leverage)
		break
	}
	return snap, nil
}

// PlaceLimit places a limit order. PostOnly maps to Binance's GTX time in
// force; a GTX order that would cross comes back EXPIRED and surfaces as a
// post-only rejection.
func (v *Venue) PlaceLimit(ctx context.Context, req core.LimitOrderRequest) (core.OrderResult, error) {
	native := v.Denormalize(req.Symbol)
	params := map[string]string{
		"symbol":      native,
		"side":        string(req.Side),
		"type":        "LIMIT",
		"quantity":    req.Quantity.String(),
		"price":       req.Price.String(),
		"timeInForce": "GTC",
	}
	if req.PostOnly {
		params["timeInForce"] = "GTX"
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	resp, err := v.placeOrder(ctx, params)
	if err != nil {
		return core.OrderResult{}, err
	}

	result := core.OrderResult{
		OrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:  mapOrderStatus(resp.Status),
	}
	v.rememberOrder(result.OrderID, native)
	if req.PostOnly && result.Status == core.OrderStatusExpired {
		return result, fmt.Errorf("%w: %s %s @ %s", apperrors.ErrPostOnlyCrossed, req.Side, req.Symbol, req.Price)
	}
	return result, nil
}

// PlaceMarket places a market order.
func (v *Venue) PlaceMarket(ctx context.Context, req core.MarketOrderRequest) (core.OrderResult, error) {
	native := v.Denormalize(req.Symbol)
	params := map[string]string{
		"symbol":   native,
		"side":     string(req.Side),
		"type":     "MARKET",
		"quantity": req.Quantity.String(),
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	resp, err := v.placeOrder(ctx, params)
	if err != nil {
		return core.OrderResult{}, err
	}

	result := core.OrderResult{
		OrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:  mapOrderStatus(resp.Status),
	}
	v.rememberOrder(result.OrderID, native)
	return result, nil
}

func (v *Venue) placeOrder(ctx context.Context, params map[string]string) (orderResponse, error) {
	var resp orderResponse
	err := v.Execute(ctx, func(ctx context.Context) error {
		raw, err := v.signed.PostParams(ctx, "/fapi/v1/order", params)
		if err != nil {
			return classifyError(err)
		}
		return json.Unmarshal(raw, &resp)
	})
	return resp, err
}

// Cancel cancels a resting order.
func (v *Venue) Cancel(ctx context.Context, orderID string) (core.OrderResult, error) {
	native, ok := v.lookupOrder(orderID)
	if !ok {
		return core.OrderResult{}, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}

	var resp orderResponse
	err := v.Execute(ctx, func(ctx context.Context) error {
		raw, err := v.signed.Delete(ctx, "/fapi/v1/order", map[string]string{
			"symbol":  native,
			"orderId": orderID,
		})
		if err != nil {
			return classifyError(err)
		}
		return json.Unmarshal(raw, &resp)
	})
	if err != nil {
		return core.OrderResult{}, err
	}
	return core.OrderResult{OrderID: orderID, Status: mapOrderStatus(resp.Status)}, nil
}

// GetOrderInfo returns the current order state. Without forceRefresh a
// cached terminal state from the order stream is served directly; otherwise
// the venue is queried and, for filled orders, fees are aggregated from the
// account trade list.
func (v *Venue) GetOrderInfo(ctx context.Context, orderID string, forceRefresh bool) (*core.OrderInfo, error) {
	if !forceRefresh {
		if cached, ok := v.CachedOrder(orderID); ok && cached.Status.Terminal() {
			return cached, nil
		}
	}

	native, ok := v.lookupOrder(orderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}

	var resp orderResponse
	err := v.Execute(ctx, func(ctx context.Context) error {
		raw, err := v.signed.Get(ctx, "/fapi/v1/order", map[string]string{
			"symbol":  native,
			"orderId": orderID,
		})
		if err != nil {
			return classifyError(err)
		}
		return json.Unmarshal(raw, &resp)
	})
	if err != nil {
		return nil, err
	}

	info := &core.OrderInfo{
		OrderID:        orderID,
		Symbol:         v.NormalizeSymbol(resp.Symbol),
		Side:           core.OrderSide(resp.Side),
		Status:         mapOrderStatus(resp.Status),
		Price:          parseDec(resp.Price),
		Quantity:       parseDec(resp.OrigQty),
		FilledQuantity: parseDec(resp.ExecutedQty),
		AvgFillPrice:   parseDec(resp.AvgPrice),
		UpdatedAt:      time.UnixMilli(resp.UpdateTime).UTC(),
	}
	if info.Filled() {
		if err := v.attachTradeFees(ctx, native, orderID, info); err != nil {
			v.Logger().Warn("Trade fee lookup failed", "order_id", orderID, "error", err)
		}
	}
	v.PublishOrderUpdate(info)
	return info, nil
}

func (v *Venue) attachTradeFees(ctx context.Context, native, orderID string, info *core.OrderInfo) error {
	var trades []userTradeEntry
	err := v.Execute(ctx, func(ctx context.Context) error {
		raw, err := v.signed.Get(ctx, "/fapi/v1/userTrades", map[string]string{
			"symbol":  native,
			"orderId": orderID,
		})
		if err != nil {
			return classifyError(err)
		}
		return json.Unmarshal(raw, &trades)
	})
	if err != nil {
		return err
	}

	fee := decimal.Zero
	for _, t := range trades {
		fee = fee.Add(parseDec(t.Commission))
		if info.FeeCurrency == "" {
			info.FeeCurrency = t.CommissionAsset
		}
	}
	info.Fee = fee
	info.FillCount = len(trades)
	return nil
}

// SetLeverage sets the initial leverage for a canonical symbol.
func (v *Venue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return v.Execute(ctx, func(ctx context.Context) error {
		_, err := v.signed.PostParams(ctx, "/fapi/v1/leverage", map[string]string{
			"symbol":   v.Denormalize(symbol),
			"leverage": strconv.Itoa(leverage),
		})
		return classifyError(err)
	})
}

// MinOrderNotional returns the contract's minimum order notional in USD.
func (v *Venue) MinOrderNotional(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f, err := v.symbolFilter(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return f.minNotional, nil
}

// OrderSizeIncrement returns the contract's quantity step size.
func (v *Venue) OrderSizeIncrement(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f, err := v.symbolFilter(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return f.stepSize, nil
}

func (v *Venue) symbolFilter(ctx context.Context, symbol string) (symbolFilters, error) {
	v.filterMu.RLock()
	f, ok := v.filters[symbol]
	stale := time.Since(v.filtersAt) > filterCacheTTL
	v.filterMu.RUnlock()
	if ok && !stale {
		return f, nil
	}

	if err := v.loadExchangeInfo(ctx); err != nil {
		if ok {
			// Stale filters beat no filters.
			return f, nil
		}
		return symbolFilters{}, err
	}

	v.filterMu.RLock()
	defer v.filterMu.RUnlock()
	if f, ok := v.filters[symbol]; ok {
		return f, nil
	}
	return symbolFilters{}, fmt.Errorf("%w: %s on %s", apperrors.ErrInvalidSymbol, symbol, v.Name())
}

// loadExchangeInfo refreshes the symbol registry and contract filters from
// exchangeInfo. Only trading perpetuals are registered.
func (v *Venue) loadExchangeInfo(ctx context.Context) error {
	var resp exchangeInfoResponse
	err := v.Execute(ctx, func(ctx context.Context) error {
		raw, err := v.public.Get(ctx, "/fapi/v1/exchangeInfo", nil)
		if err != nil {
			return classifyError(err)
		}
		return json.Unmarshal(raw, &resp)
	})
	if err != nil {
		return err
	}

	symbols := make([]string, 0, len(resp.Symbols))
	filters := make(map[string]symbolFilters, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.ContractType != "PERPETUAL" || s.Status != "TRADING" {
			continue
		}
		symbols = append(symbols, s.Symbol)
		var f symbolFilters
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "LOT_SIZE":
				f.stepSize = parseDec(flt.StepSize)
			case "MIN_NOTIONAL":
				f.minNotional = parseDec(flt.Notional)
			}
		}
		filters[base.Canonical(s.Symbol)] = f
	}
	v.RegisterSymbols(symbols)

	v.filterMu.Lock()
	v.filters = filters
	v.filtersAt = time.Now()
	v.filterMu.Unlock()

	v.Logger().Info("Exchange info loaded", "symbols", len(symbols))
	return nil
}

// fetchFundingIntervals reads advertised funding intervals. Binance lists
// only symbols that deviate from the 8-hour default.
func (v *Venue) fetchFundingIntervals(ctx context.Context) (map[string]decimal.Decimal, error) {
	var rows []fundingInfoEntry
	err := v.Execute(ctx, func(ctx context.Context) error {
		raw, err := v.public.Get(ctx, "/fapi/v1/fundingInfo", nil)
		if err != nil {
			return classifyError(err)
		}
		return json.Unmarshal(raw, &rows)
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		if row.FundingIntervalHours > 0 {
			out[base.Canonical(row.Symbol)] = decimal.NewFromInt(int64(row.FundingIntervalHours))
		}
	}
	return out, nil
}

func (v *Venue) rememberOrder(orderID, nativeSymbol string) {
	v.orderSymMu.Lock()
	v.orderSymbols[orderID] = nativeSymbol
	v.orderSymMu.Unlock()
}

func (v *Venue) lookupOrder(orderID string) (string, bool) {
	v.orderSymMu.Lock()
	defer v.orderSymMu.Unlock()
	native, ok := v.orderSymbols[orderID]
	return native, ok
}

func parseBookLevels(levels [][]string) []core.BookLevel {
	out := make([]core.BookLevel, 0, len(levels))
	for _, lv := range levels {
		if len(lv) < 2 {
			continue
		}
		out = append(out, core.BookLevel{Price: parseDec(lv[0]), Quantity: parseDec(lv[1])})
	}
	return out
}

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func mapOrderStatus(s string) core.OrderStatus {
	switch s {
	case "NEW", "PENDING_NEW":
		return core.OrderStatusNew
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return core.OrderStatusCanceled
	case "REJECTED":
		return core.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return core.OrderStatusExpired
	}
	return core.OrderStatusNew
}

// classifyError maps transport failures and Binance error codes onto the
// shared error taxonomy so the retry and venue-health layers can react.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *httpclient.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	switch {
	case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
		return fmt.Errorf("%w: status %d", apperrors.ErrAuthenticationFailed, apiErr.StatusCode)
	case apiErr.StatusCode == 418 || apiErr.StatusCode == 429:
		return fmt.Errorf("%w: status %d", apperrors.ErrRateLimitExceeded, apiErr.StatusCode)
	case apiErr.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", apperrors.ErrVenueUnavailable, apiErr.StatusCode)
	}

	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(apiErr.Body, &body) != nil {
		return err
	}
	if mapped := mapErrorCode(body.Code); mapped != nil {
		return fmt.Errorf("%w: binance %d: %s", mapped, body.Code, body.Msg)
	}
	return err
}

func mapErrorCode(code int) error {
	switch code {
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1021:
		// Timestamp outside recvWindow, usually clock skew; retryable.
		return apperrors.ErrNetwork
	case -1022, -2014, -2015:
		return apperrors.ErrAuthenticationFailed
	case -1121, -4141:
		return apperrors.ErrInvalidSymbol
	case -2011, -2013:
		return apperrors.ErrOrderNotFound
	case -2018, -2019:
		return apperrors.ErrInsufficientMargin
	case -2022:
		return apperrors.ErrReduceOnlyRejected
	case -4028:
		return apperrors.ErrLeverageUnsupported
	case -5022:
		return apperrors.ErrPostOnlyCrossed
	}
	return nil
}
