package symbols

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Gainium/paper-trading-sh/internal/core"
	apperrors "github.com/Gainium/paper-trading-sh/pkg/errors"
)

// DefaultTTL is how long a cached symbol stays valid before the next lookup
// refreshes it from the service.
const DefaultTTL = 3 * time.Hour

// Fetcher is the slice of ServiceClient the cache needs.
type Fetcher interface {
	SymbolInfo(ctx context.Context, pair string, exchange core.Exchange) (*core.Symbol, error)
}

type entry struct {
	symbol    *core.Symbol
	fetchedAt time.Time
}

// Cache is the TTL symbol cache (core.ISymbolProvider). Hits return a copy
// of the snapshot; misses and stale entries go to the service, fall back to
// storage when the service cannot resolve, and persist fresh answers so
// reconciliation can resolve assets offline.
type Cache struct {
	fetcher Fetcher
	store   core.IStore
	logger  core.ILogger
	ttl     time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

func NewCache(fetcher Fetcher, store core.IStore, logger core.ILogger) *Cache {
	return &Cache{
		fetcher: fetcher,
		store:   store,
		logger:  logger.WithField("component", "symbol_cache"),
		ttl:     DefaultTTL,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// SetTTL overrides the refresh interval. Tests use it to force expiry.
func (c *Cache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

// GetSymbol resolves the symbol, refreshing entries older than the TTL.
func (c *Cache) GetSymbol(ctx context.Context, pair string, exchange core.Exchange) (*core.Symbol, error) {
	key := core.TopicKey(pair, exchange)

	c.mu.RLock()
	e, ok := c.entries[key]
	ttl := c.ttl
	c.mu.RUnlock()

	if ok && c.now().Sub(e.fetchedAt) < ttl {
		cp := *e.symbol
		return &cp, nil
	}

	sym, err := c.refresh(ctx, pair, exchange)
	if err == nil {
		return sym, nil
	}

	// Service failed: a stale entry beats no entry.
	if ok {
		c.logger.Warn("Symbol refresh failed, serving stale entry",
			"symbol", pair, "exchange", exchange, "error", err.Error())
		cp := *e.symbol
		return &cp, nil
	}

	// Last resort: the persisted copy from a previous run.
	if c.store != nil {
		if stored, serr := c.store.GetSymbol(ctx, pair, exchange); serr == nil {
			c.put(key, stored)
			cp := *stored
			return &cp, nil
		}
	}

	return nil, fmt.Errorf("symbol %s@%s: %w", pair, exchange, apperrors.ErrSymbolNotFound)
}

func (c *Cache) refresh(ctx context.Context, pair string, exchange core.Exchange) (*core.Symbol, error) {
	sym, err := c.fetcher.SymbolInfo(ctx, pair, exchange)
	if err != nil {
		return nil, err
	}
	c.put(core.TopicKey(pair, exchange), sym)

	if c.store != nil {
		if err := c.store.UpsertSymbol(ctx, sym); err != nil {
			c.logger.Warn("Failed to persist symbol", "symbol", pair, "error", err.Error())
		}
	}

	cp := *sym
	return &cp, nil
}

func (c *Cache) put(key string, sym *core.Symbol) {
	cp := *sym
	c.mu.Lock()
	c.entries[key] = entry{symbol: &cp, fetchedAt: c.now()}
	c.mu.Unlock()
}

var _ core.ISymbolProvider = (*Cache)(nil)
