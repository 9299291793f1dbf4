// Package core defines the domain types and component interfaces of the venue
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IStore is durable storage for all venue state. Implementations must make
// ApplyBalanceDelta atomic per wallet row and enforce the
// (externalId, symbol) uniqueness on order insert.
type IStore interface {
	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByCredentials(ctx context.Context, apiKey, apiSecret string) (*User, error)

	// Orders
	InsertOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, externalID, symbol string) (*Order, error)
	GetOrderByID(ctx context.Context, id string) (*Order, error)
	OpenLimitOrders(ctx context.Context) ([]*Order, error)
	OpenOrdersByUser(ctx context.Context, userID string) ([]*Order, error)
	OpenReduceOnlyOrders(ctx context.Context, userID, symbol string, exchange Exchange) ([]*Order, error)

	// Positions
	InsertPosition(ctx context.Context, p *Position) error
	UpdatePosition(ctx context.Context, p *Position) error
	GetPosition(ctx context.Context, uuid string) (*Position, error)
	OpenPositions(ctx context.Context) ([]*Position, error)
	OpenPositionsByUser(ctx context.Context, userID string) ([]*Position, error)

	// Wallets
	GetBalance(ctx context.Context, userID, asset string) (*Balance, error)
	UpsertBalance(ctx context.Context, b *Balance) error
	ApplyBalanceDelta(ctx context.Context, userID, asset string, freeDelta, lockedDelta decimal.Decimal) error
	BalancesByUser(ctx context.Context, userID string) ([]*Balance, error)
	AllBalances(ctx context.Context) ([]*Balance, error)

	// Leverage
	GetLeverage(ctx context.Context, userID, symbol string, side PositionSide) (*Leverage, error)
	EnsureLeverage(ctx context.Context, userID, symbol string, side PositionSide) (*Leverage, error)
	UpsertLeverage(ctx context.Context, l *Leverage) error
	AllLeverage(ctx context.Context) ([]*Leverage, error)
	DeleteLeverage(ctx context.Context, userID, symbol string, side PositionSide) error

	// Hedge mode
	GetHedge(ctx context.Context, userID string) (bool, error)
	SetHedge(ctx context.Context, userID string, hedge bool) error

	// Symbols
	UpsertSymbol(ctx context.Context, s *Symbol) error
	GetSymbol(ctx context.Context, pair string, exchange Exchange) (*Symbol, error)

	Close() error
}

// BusMessage is one raw pub/sub delivery.
type BusMessage struct {
	Channel string
	Payload []byte
}

// IMarketBus is the market-data pub/sub transport. Implementations own the
// connection lifecycle; on reconnect they invoke the registered callback so
// the engine can replay its watch set.
type IMarketBus interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Messages() <-chan BusMessage
	OnReconnect(fn func())
	Close() error
}

// ISymbolProvider resolves symbol parameters, consulting the external
// service on cache miss.
type ISymbolProvider interface {
	GetSymbol(ctx context.Context, pair string, exchange Exchange) (*Symbol, error)
}

// IPriceSource resolves the current price for marketable-limit promotion and
// market orders: live tick map first, then the shared latest-price hash,
// then the market-data service.
type IPriceSource interface {
	LatestPrice(ctx context.Context, symbol string, exchange Exchange) (decimal.Decimal, error)
}

// IEventSink receives per-user execution reports and balance snapshots.
// Delivery is best-effort; settlement correctness never depends on it.
type IEventSink interface {
	OrderUpdate(userID string, order *Order)
	AccountInfo(userID string, balances []*Balance)
	Error(userID string, message string)
}

// IFillDriver is the slice of the order lifecycle the tick path invokes:
// filling a crossed resting order and force-closing an unsafe position.
type IFillDriver interface {
	ProcessLimitFill(ctx context.Context, order *Order, tick *Ticker) error
	Liquidate(ctx context.Context, position *Position) error
}

// IHealthMonitor aggregates component liveness checks for the ops endpoints.
type IHealthMonitor interface {
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
