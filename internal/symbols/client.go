// Package symbols resolves per-symbol trading parameters from the external
// market-data service and caches them with a TTL.
package symbols

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gainium/paper-trading-sh/internal/core"
	apperrors "github.com/Gainium/paper-trading-sh/pkg/errors"
	pkghttp "github.com/Gainium/paper-trading-sh/pkg/http"

	"github.com/shopspring/decimal"
)

// BaseReturn is the service's response envelope.
type BaseReturn struct {
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data"`
	Reason      string          `json:"reason,omitempty"`
	TimeProfile *TimeProfile    `json:"timeProfile,omitempty"`
}

// TimeProfile carries the service's own timing of the upstream exchange call.
type TimeProfile struct {
	ExchangeRequestStartTime int64 `json:"exchangeRequestStartTime,omitempty"`
	ExchangeRequestEndTime   int64 `json:"exchangeRequestEndTime,omitempty"`
}

// OK reports a successful envelope.
func (b *BaseReturn) OK() bool { return b.Status == "OK" }

// PriceEntry is one symbol price in a latestPrice / prices response.
type PriceEntry struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// ServiceClient talks to the symbol / market-data HTTP service. Every call
// retries up to 5 attempts through the resilient client before surfacing the
// error.
type ServiceClient struct {
	http   *pkghttp.Client
	logger core.ILogger
}

// NewServiceClient builds a client for the service at baseURL.
func NewServiceClient(baseURL string, timeout time.Duration, logger core.ILogger) *ServiceClient {
	return &ServiceClient{
		// 4 retries after the first try = 5 attempts total.
		http:   pkghttp.NewClientWithRetries(baseURL, timeout, 4),
		logger: logger.WithField("component", "symbol_service"),
	}
}

func (c *ServiceClient) get(ctx context.Context, path string, params map[string]string) (*BaseReturn, error) {
	body, err := c.http.Get(ctx, path, params)
	if err != nil {
		return nil, fmt.Errorf("symbol service %s: %w", path, err)
	}
	var ret BaseReturn
	if err := json.Unmarshal(body, &ret); err != nil {
		return nil, fmt.Errorf("symbol service %s: bad envelope: %w", path, err)
	}
	if !ret.OK() {
		return nil, fmt.Errorf("symbol service %s: %s: %w", path, ret.Reason, apperrors.ErrNetwork)
	}
	return &ret, nil
}

// SymbolInfo fetches one symbol's parameters.
func (c *ServiceClient) SymbolInfo(ctx context.Context, pair string, exchange core.Exchange) (*core.Symbol, error) {
	ret, err := c.get(ctx, "/exchange", map[string]string{
		"symbol":   pair,
		"exchange": string(exchange),
	})
	if err != nil {
		return nil, err
	}
	var sym core.Symbol
	if err := json.Unmarshal(ret.Data, &sym); err != nil {
		return nil, fmt.Errorf("failed to decode symbol %s@%s: %w", pair, exchange, err)
	}
	if sym.Pair == "" {
		return nil, fmt.Errorf("symbol %s@%s: %w", pair, exchange, apperrors.ErrSymbolNotFound)
	}
	if sym.Exchange == "" {
		sym.Exchange = exchange
	}
	return &sym, nil
}

// AllSymbols fetches every symbol the service knows for an exchange.
func (c *ServiceClient) AllSymbols(ctx context.Context, exchange core.Exchange) ([]*core.Symbol, error) {
	ret, err := c.get(ctx, "/exchange/all", map[string]string{"exchange": string(exchange)})
	if err != nil {
		return nil, err
	}
	var syms []*core.Symbol
	if err := json.Unmarshal(ret.Data, &syms); err != nil {
		return nil, fmt.Errorf("failed to decode symbols for %s: %w", exchange, err)
	}
	for _, s := range syms {
		if s.Exchange == "" {
			s.Exchange = exchange
		}
	}
	return syms, nil
}

// LatestPrice fetches the current price of one symbol.
func (c *ServiceClient) LatestPrice(ctx context.Context, pair string, exchange core.Exchange) (decimal.Decimal, error) {
	ret, err := c.get(ctx, "/latestPrice", map[string]string{
		"symbol":   pair,
		"exchange": string(exchange),
	})
	if err != nil {
		return decimal.Zero, err
	}
	var entry PriceEntry
	if err := json.Unmarshal(ret.Data, &entry); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price for %s@%s: %w", pair, exchange, err)
	}
	if entry.Price.IsZero() {
		return decimal.Zero, fmt.Errorf("price for %s@%s: %w", pair, exchange, apperrors.ErrPriceUnavailable)
	}
	return entry.Price, nil
}

// Passthrough forwards a GET (candles, trades, prices) and returns the raw
// envelope body for the REST proxy.
func (c *ServiceClient) Passthrough(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	body, err := c.http.Get(ctx, path, params)
	if err != nil {
		return nil, fmt.Errorf("symbol service %s: %w", path, err)
	}
	return body, nil
}
