// Package projection holds the process-local view of live venue state: open
// limit orders and open positions indexed for the matching hot path, plus the
// watch set that drives pub/sub subscriptions.
package projection

import (
	"sync"

	"github.com/Gainium/paper-trading-sh/internal/core"
)

// Projection indexes open limit orders by (symbol, externalId) and open
// positions by (symbol, uuid). Reads return defensive copies; writes replace
// whole records. Durable truth lives in storage; the projection is rebuilt
// from it at startup.
type Projection struct {
	mu        sync.RWMutex
	orders    map[string]map[string]*core.Order    // symbol -> externalId -> order
	positions map[string]map[string]*core.Position // symbol -> uuid -> position
}

func New() *Projection {
	return &Projection{
		orders:    make(map[string]map[string]*core.Order),
		positions: make(map[string]map[string]*core.Position),
	}
}

// GetOrder returns a copy of the order, or nil when absent.
func (p *Projection) GetOrder(symbol, externalID string) *core.Order {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if m, ok := p.orders[symbol]; ok {
		if o, ok := m[externalID]; ok {
			return o.Clone()
		}
	}
	return nil
}

// GetOrderByID scans for an order by its storage id. Linear; only the HTTP
// cancel-by-id path uses it.
func (p *Projection) GetOrderByID(id string) *core.Order {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.orders {
		for _, o := range m {
			if o.ID == id {
				return o.Clone()
			}
		}
	}
	return nil
}

// PutOrder inserts or replaces the projected order.
func (p *Projection) PutOrder(o *core.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.orders[o.Symbol]
	if !ok {
		m = make(map[string]*core.Order)
		p.orders[o.Symbol] = m
	}
	m[o.ExternalID] = o.Clone()
}

// RemoveOrder drops the order; empty symbol buckets are pruned.
func (p *Projection) RemoveOrder(symbol, externalID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.orders[symbol]; ok {
		delete(m, externalID)
		if len(m) == 0 {
			delete(p.orders, symbol)
		}
	}
}

// OrdersBySymbol snapshots the open orders for one symbol on one exchange.
func (p *Projection) OrdersBySymbol(symbol string, exchange core.Exchange) []*core.Order {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m := p.orders[symbol]
	out := make([]*core.Order, 0, len(m))
	for _, o := range m {
		if o.Exchange == exchange {
			out = append(out, o.Clone())
		}
	}
	return out
}

// OrderCount reports live orders per exchange, for gauges.
func (p *Projection) OrderCount() map[core.Exchange]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[core.Exchange]int64)
	for _, m := range p.orders {
		for _, o := range m {
			out[o.Exchange]++
		}
	}
	return out
}

// GetPosition returns a copy of the position, or nil when absent.
func (p *Projection) GetPosition(symbol, uuid string) *core.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if m, ok := p.positions[symbol]; ok {
		if pos, ok := m[uuid]; ok {
			return pos.Clone()
		}
	}
	return nil
}

// GetPositionByID scans all symbols for a position uuid. Linear.
func (p *Projection) GetPositionByID(uuid string) *core.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.positions {
		if pos, ok := m[uuid]; ok {
			return pos.Clone()
		}
	}
	return nil
}

// PutPosition inserts or replaces the projected position.
func (p *Projection) PutPosition(pos *core.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.positions[pos.Symbol]
	if !ok {
		m = make(map[string]*core.Position)
		p.positions[pos.Symbol] = m
	}
	m[pos.UUID] = pos.Clone()
}

// RemovePosition drops the position; empty symbol buckets are pruned.
func (p *Projection) RemovePosition(symbol, uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.positions[symbol]; ok {
		delete(m, uuid)
		if len(m) == 0 {
			delete(p.positions, symbol)
		}
	}
}

// PositionsBySymbol snapshots the open positions for one symbol on one exchange.
func (p *Projection) PositionsBySymbol(symbol string, exchange core.Exchange) []*core.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m := p.positions[symbol]
	out := make([]*core.Position, 0, len(m))
	for _, pos := range m {
		if pos.Exchange == exchange {
			out = append(out, pos.Clone())
		}
	}
	return out
}

// PositionsByUser snapshots a user's open positions on one (symbol, exchange).
func (p *Projection) PositionsByUser(userID, symbol string, exchange core.Exchange) []*core.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*core.Position
	for _, pos := range p.positions[symbol] {
		if pos.UserID == userID && pos.Exchange == exchange {
			out = append(out, pos.Clone())
		}
	}
	return out
}

// PositionCount reports live positions per exchange, for gauges.
func (p *Projection) PositionCount() map[core.Exchange]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[core.Exchange]int64)
	for _, m := range p.positions {
		for _, pos := range m {
			out[pos.Exchange]++
		}
	}
	return out
}
