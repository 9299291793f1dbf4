package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Gainium/paper-trading-sh/internal/core"
	apperrors "github.com/Gainium/paper-trading-sh/pkg/errors"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// allPriceValidity bounds how old the shared allPrice snapshot may be before
// the resolver ignores it.
const allPriceValidity = 60 * time.Second

// PriceBoard holds the last live tick price per symbol@exchange. Intake is
// the only writer; order placement and settlement read it.
type PriceBoard struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func NewPriceBoard() *PriceBoard {
	return &PriceBoard{prices: make(map[string]decimal.Decimal)}
}

func (b *PriceBoard) Set(symbol string, exchange core.Exchange, price decimal.Decimal) {
	b.mu.Lock()
	b.prices[core.TopicKey(symbol, exchange)] = price
	b.mu.Unlock()
}

func (b *PriceBoard) Get(symbol string, exchange core.Exchange) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.prices[core.TopicKey(symbol, exchange)]
	return p, ok
}

// Invalidate drops a cached price, e.g. after a stale tick proved the feed
// unreliable for the symbol.
func (b *PriceBoard) Invalidate(symbol string, exchange core.Exchange) {
	b.mu.Lock()
	delete(b.prices, core.TopicKey(symbol, exchange))
	b.mu.Unlock()
}

func (b *PriceBoard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.prices)
}

// hashGetter is the slice of redis the resolver needs; *redis.Client
// satisfies it and tests substitute canned StringCmd results.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// latestPricer is the symbol-service fallback, the last resort of the chain.
type latestPricer interface {
	LatestPrice(ctx context.Context, symbol string, exchange core.Exchange) (decimal.Decimal, error)
}

// Resolver answers "what is this symbol worth right now" from three layers:
// the live tick board, the shared allPrice hash other services maintain in
// redis, and finally the symbol service itself.
type Resolver struct {
	board   *PriceBoard
	rdb     hashGetter
	service latestPricer
	logger  core.ILogger
	now     func() time.Time
}

func NewResolver(board *PriceBoard, rdb hashGetter, service latestPricer, logger core.ILogger) *Resolver {
	return &Resolver{
		board:   board,
		rdb:     rdb,
		service: service,
		logger:  logger.WithField("component", "price_resolver"),
		now:     time.Now,
	}
}

var _ core.IPriceSource = (*Resolver)(nil)

// LatestPrice resolves through the layers in order. A hit in a cheaper layer
// never consults the next one.
func (r *Resolver) LatestPrice(ctx context.Context, symbol string, exchange core.Exchange) (decimal.Decimal, error) {
	if p, ok := r.board.Get(symbol, exchange); ok {
		return p, nil
	}
	if p, ok := r.fromAllPrice(ctx, symbol, exchange); ok {
		return p, nil
	}
	if r.service != nil {
		p, err := r.service.LatestPrice(ctx, symbol, exchange)
		if err != nil {
			return decimal.Zero, err
		}
		return p, nil
	}
	return decimal.Zero, apperrors.ErrPriceUnavailable
}

// fromAllPrice reads the per-exchange price snapshot hash. The snapshot is a
// service envelope whose timeProfile dates the upstream fetch; entries older
// than allPriceValidity are ignored.
func (r *Resolver) fromAllPrice(ctx context.Context, symbol string, exchange core.Exchange) (decimal.Decimal, bool) {
	if r.rdb == nil {
		return decimal.Zero, false
	}
	raw, err := r.rdb.HGet(ctx, core.AllPriceHashKey, string(exchange)).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("allPrice read failed", "exchange", string(exchange), "error", err.Error())
		}
		return decimal.Zero, false
	}

	var envelope struct {
		Status string `json:"status"`
		Data   []struct {
			Symbol string          `json:"symbol"`
			Price  decimal.Decimal `json:"price"`
		} `json:"data"`
		TimeProfile struct {
			ExchangeRequestEndTime int64 `json:"exchangeRequestEndTime"`
		} `json:"timeProfile"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		r.logger.Warn("allPrice payload malformed", "exchange", string(exchange), "error", err.Error())
		return decimal.Zero, false
	}
	if envelope.Status != "OK" {
		return decimal.Zero, false
	}
	fetched := time.UnixMilli(envelope.TimeProfile.ExchangeRequestEndTime)
	if r.now().Sub(fetched) > allPriceValidity {
		return decimal.Zero, false
	}
	for _, entry := range envelope.Data {
		if entry.Symbol == symbol {
			return entry.Price, true
		}
	}
	return decimal.Zero, false
}
