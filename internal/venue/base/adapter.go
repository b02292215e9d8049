// Package base provides common plumbing for perpetual venue adapters:
// request pacing, transient-error retries, symbol mapping, funding interval
// caching, and websocket order-update fan-in.
package base

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/retry"
)

// DefaultMaxConcurrent bounds in-flight requests per venue.
const DefaultMaxConcurrent = 10

// intervalCacheTTL is how long advertised funding intervals are trusted
// before a refresh.
const intervalCacheTTL = 10 * time.Minute

// IntervalFetcher returns the advertised funding interval in hours per
// canonical symbol.
type IntervalFetcher func(ctx context.Context) (map[string]decimal.Decimal, error)

// quote suffixes stripped during symbol normalization, longest first.
var quoteSuffixes = []string{"USDT", "USDC", "PERP", "USD"}

// multiplierPrefix matches leading 10/100/1000/... contract multipliers
// (e.g. 1000PEPE).
var multiplierPrefix = regexp.MustCompile(`^(10+)([A-Z].*)$`)

// Adapter carries the state shared by all venue implementations. Concrete
// adapters embed it and layer venue-specific transport on top.
type Adapter struct {
	name    string
	logger  core.ILogger
	limiter *rate.Limiter
	sem     chan struct{}
	policy  retry.Policy

	symMu       sync.RWMutex
	toCanonical map[string]string
	toVenue     map[string]string

	intervalMu  sync.Mutex
	intervals   map[string]decimal.Decimal
	intervalsAt time.Time
	fetchIvals  IntervalFetcher

	orderMu sync.Mutex
	orders  map[string]*core.OrderInfo
	waiters map[string][]chan *core.OrderInfo
}

// NewAdapter creates the shared adapter state. maxConcurrent <= 0 uses
// DefaultMaxConcurrent.
func NewAdapter(name string, maxConcurrent int, logger core.ILogger) *Adapter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	policy := retry.DefaultPolicy
	log := logger.WithField("venue", name)
	policy.OnRetry = func(attempt int, err error) {
		log.Warn("Retrying venue request", "attempt", attempt, "error", err)
	}
	return &Adapter{
		name:        name,
		logger:      log,
		limiter:     rate.NewLimiter(rate.Limit(maxConcurrent), maxConcurrent),
		sem:         make(chan struct{}, maxConcurrent),
		policy:      policy,
		toCanonical: make(map[string]string),
		toVenue:     make(map[string]string),
		intervals:   make(map[string]decimal.Decimal),
		orders:      make(map[string]*core.OrderInfo),
		waiters:     make(map[string][]chan *core.OrderInfo),
	}
}

// Name returns the venue name.
func (a *Adapter) Name() string { return a.name }

// Logger returns the venue-tagged logger.
func (a *Adapter) Logger() core.ILogger { return a.logger }

// Execute runs fn under the venue's concurrency bound and retry policy.
// Transient errors (network, rate limit, venue unavailable) are retried
// with backoff; everything else surfaces immediately.
func (a *Adapter) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-a.sem }()

	return retry.Do(ctx, a.policy, apperrors.IsTransient, func() error {
		return fn(ctx)
	})
}

// RegisterSymbols records the venue's listed symbols and builds the
// canonical mapping in both directions. Later registrations win on
// canonical collisions.
func (a *Adapter) RegisterSymbols(venueSymbols []string) {
	a.symMu.Lock()
	defer a.symMu.Unlock()
	for _, vs := range venueSymbols {
		canonical := Canonical(vs)
		a.toCanonical[vs] = canonical
		a.toVenue[canonical] = vs
	}
}

// NormalizeSymbol maps a venue symbol to its canonical base asset.
func (a *Adapter) NormalizeSymbol(venueSymbol string) string {
	a.symMu.RLock()
	if c, ok := a.toCanonical[venueSymbol]; ok {
		a.symMu.RUnlock()
		return c
	}
	a.symMu.RUnlock()
	return Canonical(venueSymbol)
}

// Denormalize maps a canonical symbol back to the venue's native form.
// Unknown symbols pass through unchanged.
func (a *Adapter) Denormalize(canonical string) string {
	a.symMu.RLock()
	defer a.symMu.RUnlock()
	if vs, ok := a.toVenue[canonical]; ok {
		return vs
	}
	return canonical
}

// Canonical strips the quote-asset suffix and any leading contract
// multiplier prefix from a venue symbol: "1000PEPE-USDT" -> "PEPE".
func Canonical(venueSymbol string) string {
	s := strings.ToUpper(venueSymbol)
	s = strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
	for changed := true; changed; {
		changed = false
		for _, suf := range quoteSuffixes {
			if len(s) > len(suf) && strings.HasSuffix(s, suf) {
				s = strings.TrimSuffix(s, suf)
				changed = true
			}
		}
	}
	if m := multiplierPrefix.FindStringSubmatch(s); m != nil {
		s = m[2]
	}
	return s
}

// SetIntervalFetcher installs the venue's funding-interval source.
func (a *Adapter) SetIntervalFetcher(fn IntervalFetcher) {
	a.intervalMu.Lock()
	defer a.intervalMu.Unlock()
	a.fetchIvals = fn
}

// FundingInterval returns the advertised funding interval in hours for a
// canonical symbol. The cache refreshes at most every ten minutes; unknown
// symbols and fetch failures fall back to the 8-hour reference.
func (a *Adapter) FundingInterval(ctx context.Context, symbol string) decimal.Decimal {
	a.intervalMu.Lock()
	defer a.intervalMu.Unlock()

	if a.fetchIvals != nil && time.Since(a.intervalsAt) > intervalCacheTTL {
		ivals, err := a.fetchIvals(ctx)
		if err != nil {
			a.logger.Warn("Funding interval refresh failed", "error", err)
		} else {
			a.intervals = ivals
			a.intervalsAt = time.Now()
		}
	}

	if iv, ok := a.intervals[symbol]; ok && iv.Sign() > 0 {
		return iv
	}
	return decimal.NewFromInt(core.ReferenceIntervalHours)
}

// TwoSidedOI converts an open-interest figure to two-sided (long + short)
// USD. Venues that report only one side pass oneSided=true.
func TwoSidedOI(oi decimal.Decimal, oneSided bool) decimal.Decimal {
	if oneSided {
		return oi.Mul(decimal.NewFromInt(2))
	}
	return oi
}

// PublishOrderUpdate caches an order state and wakes any AwaitOrderUpdate
// callers blocked on it. Adapters call this from their websocket handlers.
func (a *Adapter) PublishOrderUpdate(info *core.OrderInfo) {
	a.orderMu.Lock()
	a.orders[info.OrderID] = info
	pending := a.waiters[info.OrderID]
	delete(a.waiters, info.OrderID)
	a.orderMu.Unlock()

	for _, ch := range pending {
		ch <- info
	}
}

// CachedOrder returns the last published state for an order, if any.
func (a *Adapter) CachedOrder(orderID string) (*core.OrderInfo, bool) {
	a.orderMu.Lock()
	defer a.orderMu.Unlock()
	info, ok := a.orders[orderID]
	return info, ok
}

// AwaitOrderUpdate blocks until a terminal update for orderID arrives or
// timeout elapses. Non-terminal updates (acks, partial fills) keep the
// wait alive so a resting order can fill out the window. A cached
// terminal state returns immediately without waiting.
func (a *Adapter) AwaitOrderUpdate(ctx context.Context, orderID string, timeout time.Duration) (*core.OrderInfo, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		a.orderMu.Lock()
		if info, ok := a.orders[orderID]; ok && info.Status.Terminal() {
			a.orderMu.Unlock()
			return info, nil
		}
		ch := make(chan *core.OrderInfo, 1)
		a.waiters[orderID] = append(a.waiters[orderID], ch)
		a.orderMu.Unlock()

		select {
		case info := <-ch:
			if info.Status.Terminal() {
				return info, nil
			}
		case <-timer.C:
			a.dropWaiter(orderID, ch)
			return nil, apperrors.ErrOrderUpdateTimeout
		case <-ctx.Done():
			a.dropWaiter(orderID, ch)
			return nil, ctx.Err()
		}
	}
}

func (a *Adapter) dropWaiter(orderID string, ch chan *core.OrderInfo) {
	a.orderMu.Lock()
	defer a.orderMu.Unlock()
	pending := a.waiters[orderID]
	for i, c := range pending {
		if c == ch {
			a.waiters[orderID] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(a.waiters[orderID]) == 0 {
		delete(a.waiters, orderID)
	}
}
