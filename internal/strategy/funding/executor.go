package funding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"funding_arb/internal/core"
	"funding_arb/internal/storage"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"
)

// ExecutorConfig bounds entry pre-flight checks and order waits.
type ExecutorConfig struct {
	MaxEntryDivergencePct decimal.Decimal
	LimitOrderOffsetPct   decimal.Decimal
	OrderUpdateTimeout    time.Duration
}

// DefaultExecutorConfig returns the standard executor parameters.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxEntryDivergencePct: decimal.NewFromFloat(0.01),
		LimitOrderOffsetPct:   decimal.NewFromFloat(0.0002),
		OrderUpdateTimeout:    10 * time.Second,
	}
}

// Executor opens and closes delta-neutral two-leg positions. Open is
// atomic in effect: on return either a position row exists with matching
// fills, or net exposure on the symbol is flat across both venues.
type Executor struct {
	venues map[string]core.IVenue
	store  storage.Store
	cfg    ExecutorConfig
	logger core.ILogger
}

// NewExecutor creates an executor over the given venue set.
func NewExecutor(venues map[string]core.IVenue, store storage.Store, cfg ExecutorConfig, logger core.ILogger) *Executor {
	if cfg.OrderUpdateTimeout <= 0 {
		cfg.OrderUpdateTimeout = 10 * time.Second
	}
	return &Executor{
		venues: venues,
		store:  store,
		cfg:    cfg,
		logger: logger.WithField("component", "executor"),
	}
}

// legOutcome is the resolved result of one entry leg attempt.
type legOutcome struct {
	venue   core.IVenue
	side    core.OrderSide
	info    *core.OrderInfo
	crossed bool
	err     error
}

func (o legOutcome) filled() decimal.Decimal {
	if o.info == nil {
		return decimal.Zero
	}
	return o.info.FilledQuantity
}

// Open runs the full entry protocol for one opportunity.
func (e *Executor) Open(ctx context.Context, opp core.Opportunity, targetMarginUSD decimal.Decimal, leverage int, accountID string) (*core.Position, error) {
	longVenue, ok := e.venues[opp.LongVenue]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", opp.LongVenue)
	}
	shortVenue, ok := e.venues[opp.ShortVenue]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", opp.ShortVenue)
	}

	log := e.logger.WithFields(map[string]interface{}{
		"symbol": opp.Symbol, "long": opp.LongVenue, "short": opp.ShortVenue,
	})

	// Pre-flight: fresh BBOs on both venues in parallel.
	var longBBO, shortBBO core.BBO
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		longBBO, err = longVenue.FetchBBO(gctx, longVenue.Denormalize(opp.Symbol))
		return err
	})
	g.Go(func() error {
		var err error
		shortBBO, err = shortVenue.FetchBBO(gctx, shortVenue.Denormalize(opp.Symbol))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := e.checkPriceDivergence(longBBO, shortBBO); err != nil {
		log.Info("Entry aborted on price divergence",
			"long_mid", longBBO.Mid(), "short_mid", shortBBO.Mid())
		return nil, err
	}

	qty, err := e.sizeLegs(ctx, opp, longVenue, shortVenue, longBBO, shortBBO, targetMarginUSD, leverage)
	if err != nil {
		return nil, err
	}

	if err := e.ensureLeverage(ctx, opp.Symbol, longVenue, shortVenue, leverage); err != nil {
		return nil, err
	}

	positionID := uuid.NewString()
	long, short := e.placeEntryLegs(ctx, opp.Symbol, qty, longVenue, shortVenue, longBBO, shortBBO)

	// Both legs crossed the book: one retry at the fresh BBO.
	if long.crossed && short.crossed {
		log.Info("Both entry legs crossed, retrying at fresh BBO")
		longBBO, lerr := longVenue.FetchBBO(ctx, longVenue.Denormalize(opp.Symbol))
		shortBBO, serr := shortVenue.FetchBBO(ctx, shortVenue.Denormalize(opp.Symbol))
		if lerr != nil || serr != nil {
			return nil, apperrors.ErrPriceUnavailable
		}
		long, short = e.placeEntryLegs(ctx, opp.Symbol, qty, longVenue, shortVenue, longBBO, shortBBO)
		if long.crossed && short.crossed {
			return nil, apperrors.ErrPostOnlyCrossed
		}
	}

	return e.resolveEntry(ctx, positionID, accountID, opp, qty, long, short, log)
}

func (e *Executor) checkPriceDivergence(longBBO, shortBBO core.BBO) error {
	longMid, shortMid := longBBO.Mid(), shortBBO.Mid()
	if longMid.Sign() <= 0 || shortMid.Sign() <= 0 {
		return apperrors.ErrPriceUnavailable
	}
	minMid := longMid
	if shortMid.LessThan(minMid) {
		minMid = shortMid
	}
	diff := longMid.Sub(shortMid).Abs().Div(minMid)
	if diff.GreaterThan(e.cfg.MaxEntryDivergencePct) {
		return apperrors.ErrDivergenceTooWide
	}
	return nil
}

// sizeLegs derives the shared canonical quantity: notional over each leg's
// mid, rounded down to the venue increment, smaller of the two.
func (e *Executor) sizeLegs(ctx context.Context, opp core.Opportunity, longVenue, shortVenue core.IVenue, longBBO, shortBBO core.BBO, targetMarginUSD decimal.Decimal, leverage int) (decimal.Decimal, error) {
	notional := targetMarginUSD.Mul(decimal.NewFromInt(int64(leverage)))

	longSym := longVenue.Denormalize(opp.Symbol)
	shortSym := shortVenue.Denormalize(opp.Symbol)

	longInc, err := longVenue.OrderSizeIncrement(ctx, longSym)
	if err != nil {
		return decimal.Zero, err
	}
	shortInc, err := shortVenue.OrderSizeIncrement(ctx, shortSym)
	if err != nil {
		return decimal.Zero, err
	}

	longQty := roundDownToIncrement(notional.Div(longBBO.Mid()), longInc)
	shortQty := roundDownToIncrement(notional.Div(shortBBO.Mid()), shortInc)
	qty := longQty
	if shortQty.LessThan(qty) {
		qty = shortQty
	}
	if qty.Sign() <= 0 {
		return decimal.Zero, apperrors.ErrBelowMinNotional
	}

	longMin, err := longVenue.MinOrderNotional(ctx, longSym)
	if err != nil {
		return decimal.Zero, err
	}
	shortMin, err := shortVenue.MinOrderNotional(ctx, shortSym)
	if err != nil {
		return decimal.Zero, err
	}
	if qty.Mul(longBBO.Mid()).LessThan(longMin) || qty.Mul(shortBBO.Mid()).LessThan(shortMin) {
		return decimal.Zero, apperrors.ErrBelowMinNotional
	}
	return qty, nil
}

func (e *Executor) ensureLeverage(ctx context.Context, symbol string, longVenue, shortVenue core.IVenue, leverage int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return longVenue.SetLeverage(gctx, longVenue.Denormalize(symbol), leverage)
	})
	g.Go(func() error {
		return shortVenue.SetLeverage(gctx, shortVenue.Denormalize(symbol), leverage)
	})
	return g.Wait()
}

// placeEntryLegs places both post-only entries concurrently and resolves
// each to a final fill state within the order-update timeout.
func (e *Executor) placeEntryLegs(ctx context.Context, symbol string, qty decimal.Decimal, longVenue, shortVenue core.IVenue, longBBO, shortBBO core.BBO) (legOutcome, legOutcome) {
	one := decimal.NewFromInt(1)
	longPrice := longBBO.Bid.Mul(one.Sub(e.cfg.LimitOrderOffsetPct))
	shortPrice := shortBBO.Ask.Mul(one.Add(e.cfg.LimitOrderOffsetPct))

	results := make(chan legOutcome, 2)
	place := func(venue core.IVenue, side core.OrderSide, price decimal.Decimal) {
		results <- e.placeAndAwait(ctx, venue, core.LimitOrderRequest{
			Symbol:        venue.Denormalize(symbol),
			Side:          side,
			Quantity:      qty,
			Price:         price,
			PostOnly:      true,
			ClientOrderID: uuid.NewString(),
		})
	}
	go place(longVenue, core.SideBuy, longPrice)
	go place(shortVenue, core.SideSell, shortPrice)

	a, b := <-results, <-results
	if a.venue.Name() == longVenue.Name() {
		return a, b
	}
	return b, a
}

// placeAndAwait places one leg and waits for its terminal state. Unfilled
// orders are canceled at timeout and the final state re-queried so any
// race-window fill is still counted.
func (e *Executor) placeAndAwait(ctx context.Context, venue core.IVenue, req core.LimitOrderRequest) legOutcome {
	out := legOutcome{venue: venue, side: req.Side}

	res, err := venue.PlaceLimit(ctx, req)
	if err != nil {
		if apperrors.IsMarket(err) {
			out.crossed = true
		}
		out.err = err
		return out
	}

	info, err := venue.AwaitOrderUpdate(ctx, res.OrderID, e.cfg.OrderUpdateTimeout)
	if err == nil && info.Status.Terminal() {
		out.info = info
		return out
	}

	// Timeout or non-terminal: cancel, then read the authoritative state.
	if _, cerr := venue.Cancel(ctx, res.OrderID); cerr != nil {
		e.logger.Error("Cancel of unfilled entry leg failed",
			"venue", venue.Name(), "order_id", res.OrderID, "error", cerr)
	}
	final, ferr := venue.GetOrderInfo(ctx, res.OrderID, true)
	if ferr != nil {
		out.err = ferr
		return out
	}
	out.info = final
	return out
}

// resolveEntry classifies the two leg outcomes and either persists the
// position or flattens whatever filled.
func (e *Executor) resolveEntry(ctx context.Context, positionID, accountID string, opp core.Opportunity, qty decimal.Decimal, long, short legOutcome, log core.ILogger) (*core.Position, error) {
	longFilled, shortFilled := long.filled(), short.filled()
	metrics := telemetry.GetGlobalMetrics()

	// Nothing filled anywhere: clean abort, no exposure to unwind.
	if longFilled.Sign() == 0 && shortFilled.Sign() == 0 {
		if long.err != nil {
			return nil, long.err
		}
		if short.err != nil {
			return nil, short.err
		}
		return nil, apperrors.ErrPostOnlyCrossed
	}

	// One-sided fill: flatten it with a reduce-only market.
	if longFilled.Sign() == 0 || shortFilled.Sign() == 0 {
		e.rollbackEntry(ctx, positionID, accountID, opp.Symbol, log, long, short)
		return nil, apperrors.ErrPartialEntryRolledBack
	}

	// Both have fills. Accept when quantities match within 1%.
	mismatch := longFilled.Sub(shortFilled).Abs()
	tolerance := qty.Mul(decimal.NewFromFloat(0.01))
	if mismatch.GreaterThan(tolerance) {
		log.Warn("Entry legs mismatched beyond tolerance, rolling back",
			"long_filled", longFilled, "short_filled", shortFilled)
		e.rollbackEntry(ctx, positionID, accountID, opp.Symbol, log, long, short)
		return nil, apperrors.ErrPartialEntryRolledBack
	}

	realized := longFilled
	if shortFilled.LessThan(realized) {
		realized = shortFilled
	}

	// Matched partials can still be too small to manage: both legs must
	// clear their venue's minimum notional or the entry is unwound.
	if e.belowVenueMinimum(ctx, opp.Symbol, realized, long, short) {
		log.Warn("Entry fills below venue minimum notional, rolling back",
			"long_filled", longFilled, "short_filled", shortFilled)
		e.rollbackEntry(ctx, positionID, accountID, opp.Symbol, log, long, short)
		return nil, apperrors.ErrPartialEntryRolledBack
	}

	now := time.Now().UTC()
	sizeUSD := realized.Mul(long.info.AvgFillPrice)
	pos := core.Position{
		ID:              positionID,
		AccountID:       accountID,
		Symbol:          opp.Symbol,
		LongVenue:       opp.LongVenue,
		ShortVenue:      opp.ShortVenue,
		SizeUSD:         sizeUSD,
		EntryLongRate:   opp.LongRate,
		EntryShortRate:  opp.ShortRate,
		EntryDivergence: opp.Divergence,
		EntryLongPrice:  long.info.AvgFillPrice,
		EntryShortPrice: short.info.AvgFillPrice,
		OpenedAt:        now,
		LastHeartbeat:   now,
		Stage:           core.StageMonitoring,
	}
	if err := e.store.InsertPosition(ctx, pos); err != nil {
		// The legs are live but unrecorded; flatten them so the invariant
		// holds.
		log.Error("Position insert failed, flattening legs", "error", err)
		e.rollbackEntry(ctx, positionID, accountID, opp.Symbol, log, long, short)
		return nil, err
	}

	e.recordEntryFill(ctx, positionID, accountID, opp.Symbol, long)
	e.recordEntryFill(ctx, positionID, accountID, opp.Symbol, short)

	if metrics.PositionsOpenedTotal != nil {
		metrics.PositionsOpenedTotal.Add(ctx, 1)
	}
	log.Info("Position opened",
		"position_id", positionID, "quantity", realized, "size_usd", sizeUSD,
		"net_rate", opp.NetRatePerPeriod, "net_apy", opp.NetAPY)
	return &pos, nil
}

// belowVenueMinimum reports whether the realized quantity values under
// either venue's minimum order notional at its fill price. A filter
// lookup failure keeps the fills: sizing already validated the target
// notional against fresh filters.
func (e *Executor) belowVenueMinimum(ctx context.Context, symbol string, realized decimal.Decimal, legs ...legOutcome) bool {
	for _, leg := range legs {
		min, err := leg.venue.MinOrderNotional(ctx, leg.venue.Denormalize(symbol))
		if err != nil {
			e.logger.Warn("Min notional lookup failed during entry resolution",
				"venue", leg.venue.Name(), "error", err)
			continue
		}
		if realized.Mul(leg.info.AvgFillPrice).LessThan(min) {
			return true
		}
	}
	return false
}

// rollbackEntry flattens any filled leg with a reduce-only market order.
// It runs shielded from caller cancellation: a canceled open must still
// leave the account flat.
func (e *Executor) rollbackEntry(ctx context.Context, positionID, accountID, symbol string, log core.ILogger, legs ...legOutcome) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	for _, leg := range legs {
		filled := leg.filled()
		if filled.Sign() == 0 {
			continue
		}
		e.recordEntryFill(rctx, positionID, accountID, symbol, leg)

		res, err := leg.venue.PlaceMarket(rctx, core.MarketOrderRequest{
			Symbol:        leg.venue.Denormalize(symbol),
			Side:          leg.side.Opposite(),
			Quantity:      filled,
			ReduceOnly:    true,
			ClientOrderID: uuid.NewString(),
		})
		if err != nil {
			log.Error("Entry rollback market order failed",
				"venue", leg.venue.Name(), "quantity", filled, "error", err)
			continue
		}
		info, err := leg.venue.GetOrderInfo(rctx, res.OrderID, true)
		if err != nil {
			log.Error("Entry rollback fill query failed",
				"venue", leg.venue.Name(), "order_id", res.OrderID, "error", err)
			continue
		}
		e.recordFill(rctx, positionID, accountID, symbol, leg.venue.Name(), core.TradeEntry, info)
		log.Info("Entry leg flattened",
			"venue", leg.venue.Name(), "quantity", filled)
	}
}

func (e *Executor) recordEntryFill(ctx context.Context, positionID, accountID, symbol string, leg legOutcome) {
	if leg.info == nil || leg.info.FilledQuantity.Sign() == 0 {
		return
	}
	e.recordFill(ctx, positionID, accountID, symbol, leg.venue.Name(), core.TradeEntry, leg.info)
}

func (e *Executor) recordFill(ctx context.Context, positionID, accountID, symbol, venue string, tradeType core.TradeType, info *core.OrderInfo) {
	inserted, err := e.store.InsertTradeFill(ctx, core.TradeFill{
		PositionID:       positionID,
		AccountID:        accountID,
		Venue:            venue,
		Symbol:           symbol,
		TradeType:        tradeType,
		Side:             info.Side,
		OrderID:          info.OrderID,
		Timestamp:        time.Now().UTC(),
		TotalQuantity:    info.FilledQuantity,
		WeightedAvgPrice: info.AvgFillPrice,
		TotalFee:         info.Fee,
		FeeCurrency:      info.FeeCurrency,
		FillCount:        info.FillCount,
	})
	if err != nil {
		e.logger.Error("Trade fill insert failed",
			"position_id", positionID, "order_id", info.OrderID, "error", err)
		return
	}
	if !inserted {
		e.logger.Error("Duplicate trade fill dropped",
			"position_id", positionID, "order_id", info.OrderID,
			"error", apperrors.ErrDuplicateFill)
	}
}

// Close exits both legs and marks the position closed. Limit closes that
// time out escalate to market; a leg that cannot be flattened marks the
// close degraded but the position still closes once both venues report
// zero size.
func (e *Executor) Close(ctx context.Context, pos *core.Position, orderType core.CloseOrderType, reason core.ExitReason) error {
	longVenue, ok := e.venues[pos.LongVenue]
	if !ok {
		return fmt.Errorf("unknown venue %q", pos.LongVenue)
	}
	shortVenue, ok := e.venues[pos.ShortVenue]
	if !ok {
		return fmt.Errorf("unknown venue %q", pos.ShortVenue)
	}

	log := e.logger.WithFields(map[string]interface{}{
		"position_id": pos.ID, "symbol": pos.Symbol, "reason": reason,
	})

	// Closes are never interrupted mid-execution.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	results := make(chan closeLegResult, 2)
	go func() {
		results <- e.closeLeg(cctx, longVenue, pos.Symbol, core.SideSell, orderType)
	}()
	go func() {
		results <- e.closeLeg(cctx, shortVenue, pos.Symbol, core.SideBuy, orderType)
	}()
	a, b := <-results, <-results

	var longRes, shortRes closeLegResult
	if a.venue == pos.LongVenue {
		longRes, shortRes = a, b
	} else {
		longRes, shortRes = b, a
	}

	degraded := false
	for _, r := range []closeLegResult{longRes, shortRes} {
		if r.info != nil {
			e.recordFill(cctx, pos.ID, pos.AccountID, pos.Symbol, r.venue, core.TradeExit, r.info)
		}
		if r.err != nil {
			degraded = true
			log.Error("Close leg failed", "venue", r.venue, "error", r.err)
		}
	}

	if degraded && !e.bothLegsFlat(cctx, pos, longVenue, shortVenue) {
		// Leave the position in closing; next tick retries. Record the
		// degradation so operators see it.
		flag := true
		stage := core.StageClosing
		if uerr := e.store.UpdatePosition(cctx, pos.ID, storage.PositionPatch{
			Stage: &stage, CloseDegraded: &flag,
		}); uerr != nil {
			log.Error("Degraded close update failed", "error", uerr)
		}
		return fmt.Errorf("close incomplete on %s: %w", pos.Symbol, errFirst(longRes.err, shortRes.err))
	}

	pnl, err := e.computeClosePnL(cctx, pos)
	if err != nil {
		log.Error("PnL computation failed", "error", err)
		pnl = decimal.Zero
	}

	if err := e.store.UpdatePosition(cctx, pos.ID,
		storage.ClosePatch(time.Now().UTC(), pnl, reason, degraded)); err != nil {
		return err
	}

	metrics := telemetry.GetGlobalMetrics()
	if metrics.PositionsClosedTotal != nil {
		metrics.PositionsClosedTotal.Add(cctx, 1)
	}
	metrics.ClearCumulativeFunding(pos.ID)

	log.Info("Position closed", "pnl_usd", pnl, "degraded", degraded)
	if degraded {
		return fmt.Errorf("position closed degraded: %w", errFirst(longRes.err, shortRes.err))
	}
	return nil
}

type closeLegResult struct {
	venue string
	info  *core.OrderInfo
	err   error
}

// closeLeg flattens one leg. Limit attempts use post-only at BBO and
// escalate to market when unfilled or crossed.
func (e *Executor) closeLeg(ctx context.Context, venue core.IVenue, symbol string, side core.OrderSide, orderType core.CloseOrderType) closeLegResult {
	out := closeLegResult{venue: venue.Name()}

	snap, err := venue.GetPositionSnapshot(ctx, venue.Denormalize(symbol))
	if err != nil {
		out.err = err
		return out
	}
	if snap == nil || snap.Quantity.Sign() == 0 {
		// Already flat on this venue.
		return out
	}
	qty := snap.Quantity.Abs()

	if orderType == core.CloseLimit {
		info, lerr := e.tryLimitClose(ctx, venue, symbol, side, qty)
		if lerr == nil && info != nil && info.FilledQuantity.Equal(qty) {
			out.info = info
			return out
		}
		if info != nil && info.FilledQuantity.Sign() > 0 {
			// Partial limit exit counts; market the remainder.
			out.info = info
			qty = qty.Sub(info.FilledQuantity)
		}
	}

	res, err := venue.PlaceMarket(ctx, core.MarketOrderRequest{
		Symbol:        venue.Denormalize(symbol),
		Side:          side,
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		out.err = err
		return out
	}
	info, err := venue.GetOrderInfo(ctx, res.OrderID, true)
	if err != nil {
		out.err = err
		return out
	}
	if out.info == nil {
		out.info = info
	} else {
		out.info = mergeFills(out.info, info)
	}
	return out
}

func (e *Executor) tryLimitClose(ctx context.Context, venue core.IVenue, symbol string, side core.OrderSide, qty decimal.Decimal) (*core.OrderInfo, error) {
	bbo, err := venue.FetchBBO(ctx, venue.Denormalize(symbol))
	if err != nil {
		return nil, err
	}
	price := bbo.Bid
	if side == core.SideSell {
		price = bbo.Ask
	}

	res, err := venue.PlaceLimit(ctx, core.LimitOrderRequest{
		Symbol:        venue.Denormalize(symbol),
		Side:          side,
		Quantity:      qty,
		Price:         price,
		PostOnly:      true,
		ReduceOnly:    true,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	info, err := venue.AwaitOrderUpdate(ctx, res.OrderID, e.cfg.OrderUpdateTimeout)
	if err == nil && info.Status.Terminal() {
		return info, nil
	}
	if _, cerr := venue.Cancel(ctx, res.OrderID); cerr != nil {
		e.logger.Error("Cancel of unfilled close leg failed",
			"venue", venue.Name(), "order_id", res.OrderID, "error", cerr)
	}
	return venue.GetOrderInfo(ctx, res.OrderID, true)
}

func (e *Executor) bothLegsFlat(ctx context.Context, pos *core.Position, longVenue, shortVenue core.IVenue) bool {
	for _, venue := range []core.IVenue{longVenue, shortVenue} {
		snap, err := venue.GetPositionSnapshot(ctx, venue.Denormalize(pos.Symbol))
		if err != nil {
			return false
		}
		if snap != nil && snap.Quantity.Sign() != 0 {
			return false
		}
	}
	return true
}

// computeClosePnL derives realized PnL from recorded fills:
// signed exit proceeds minus signed entry cost, plus accrued funding,
// minus every fee paid.
func (e *Executor) computeClosePnL(ctx context.Context, pos *core.Position) (decimal.Decimal, error) {
	fills, err := e.store.GetTradeFills(ctx, pos.ID)
	if err != nil {
		return decimal.Zero, err
	}

	price := decimal.Zero
	fees := decimal.Zero
	for _, f := range fills {
		notional := f.TotalQuantity.Mul(f.WeightedAvgPrice)
		// A SELL realizes positive cash flow, a BUY negative, for entry
		// and exit alike.
		if f.Side == core.SideSell {
			price = price.Add(notional)
		} else {
			price = price.Sub(notional)
		}
		fees = fees.Add(f.TotalFee)
	}
	return price.Add(pos.CumulativeFundingUSD).Sub(fees), nil
}

func roundDownToIncrement(qty, increment decimal.Decimal) decimal.Decimal {
	if increment.Sign() <= 0 {
		return qty
	}
	return qty.Div(increment).Floor().Mul(increment)
}

func mergeFills(a, b *core.OrderInfo) *core.OrderInfo {
	total := a.FilledQuantity.Add(b.FilledQuantity)
	merged := *a
	if total.Sign() > 0 {
		merged.AvgFillPrice = a.FilledQuantity.Mul(a.AvgFillPrice).
			Add(b.FilledQuantity.Mul(b.AvgFillPrice)).Div(total)
	}
	merged.FilledQuantity = total
	merged.Fee = a.Fee.Add(b.Fee)
	merged.FillCount = a.FillCount + b.FillCount
	return &merged
}

func errFirst(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
