// Package apperrors defines the standardized error taxonomy shared by the
// venue adapters, the executor and the orchestrator.
package apperrors

import "errors"

// Transport and authorization errors.
var (
	ErrVenueUnavailable     = errors.New("venue unavailable")
	ErrNetwork              = errors.New("network error")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// Market errors. These abort the current opportunity only; the next tick
// retries.
var (
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrBelowMinNotional  = errors.New("below minimum order notional")
	ErrPostOnlyCrossed   = errors.New("post-only order would cross the book")
	ErrDivergenceTooWide = errors.New("entry price divergence too wide")
)

// Exchange rejections.
var (
	ErrInsufficientMargin  = errors.New("insufficient margin")
	ErrReduceOnlyRejected  = errors.New("reduce-only rejected: no position")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderRejected       = errors.New("order rejected")
	ErrInvalidSymbol       = errors.New("invalid symbol")
	ErrLeverageUnsupported = errors.New("leverage not supported")
)

// Entry outcomes surfaced by the two-leg executor.
var (
	ErrPartialEntryRolledBack = errors.New("partial entry rolled back")
	ErrOrderUpdateTimeout     = errors.New("timed out waiting for order update")
)

// Invariant violations. Logged at ERROR and treated as no-ops.
var (
	ErrDuplicateFill   = errors.New("duplicate trade fill")
	ErrImpossibleState = errors.New("impossible state")
)

// IsTransient reports whether an error is worth retrying with backoff.
// Authentication and margin errors are never transient.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrVenueUnavailable):
		return true
	}
	return false
}

// IsFatalForVenue reports whether an error disables the venue for the
// remainder of the current tick.
func IsFatalForVenue(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}

// IsMarket reports whether an error belongs to the market class (skip the
// opportunity, no rollback needed beyond what already ran).
func IsMarket(err error) bool {
	switch {
	case errors.Is(err, ErrPriceUnavailable),
		errors.Is(err, ErrBelowMinNotional),
		errors.Is(err, ErrPostOnlyCrossed),
		errors.Is(err, ErrDivergenceTooWide):
		return true
	}
	return false
}
