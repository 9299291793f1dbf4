package apperrors

import "errors"

// Standardized venue errors. HTTP handlers map these to status codes;
// everything else wraps them with %w so callers can errors.Is.
var (
	ErrUserNotFound        = errors.New("User not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderTerminal       = errors.New("order already in terminal state")
	ErrDuplicateOrder      = errors.New("Duplicated externalId + symbol")
	ErrSymbolNotFound      = errors.New("symbol not found")
	ErrReduceOrderRejected = errors.New("Reduce order rejected")
	ErrHedgePositionSide   = errors.New("positionSide must be LONG or SHORT in hedge mode")
	ErrLeverageLocked      = errors.New("leverage locked by open position")
	ErrHedgeLocked         = errors.New("hedge mode locked by open positions")
	ErrPositionNotFound    = errors.New("position not found")
	ErrPriceUnavailable    = errors.New("no current price for symbol")
	ErrInvalidOrderParam   = errors.New("invalid order parameter")
	ErrNetwork             = errors.New("network error")
)
