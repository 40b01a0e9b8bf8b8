package core

import "errors"

var (
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
	// ErrMarketNotFound indicates the market is unknown to the exchange.
	ErrMarketNotFound = errors.New("market not found")
	// ErrRateLimited indicates the exchange throttled the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrExchangeUnavailable indicates a server-side or transport failure.
	ErrExchangeUnavailable = errors.New("exchange unavailable")
	// ErrUnauthorized indicates missing or rejected trading credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// IsTransient reports whether an operation is worth retrying within the same
// polling cycle.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrExchangeUnavailable)
}
