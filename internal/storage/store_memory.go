package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/Gainium/paper-trading-sh/internal/core"
	apperrors "github.com/Gainium/paper-trading-sh/pkg/errors"

	"github.com/shopspring/decimal"
)

// MemoryStore implements core.IStore in memory. Used by tests and by the
// reconciler tests to drive drift scenarios without a database file.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*core.User
	orders    map[string]*core.Order    // keyed externalID+"\x00"+symbol
	ordersByI map[string]*core.Order    // keyed id
	positions map[string]*core.Position // keyed uuid
	wallets   map[string]*core.Balance  // keyed userID+"\x00"+asset
	leverage  map[string]*core.Leverage // keyed userID+"\x00"+symbol+"\x00"+side
	hedge     map[string]bool
	symbols   map[string]*core.Symbol // keyed pair+"\x00"+exchange
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*core.User),
		orders:    make(map[string]*core.Order),
		ordersByI: make(map[string]*core.Order),
		positions: make(map[string]*core.Position),
		wallets:   make(map[string]*core.Balance),
		leverage:  make(map[string]*core.Leverage),
		hedge:     make(map[string]bool),
		symbols:   make(map[string]*core.Symbol),
	}
}

func (s *MemoryStore) Close() error { return nil }

func orderKey(externalID, symbol string) string { return externalID + "\x00" + symbol }

func walletKey(userID, asset string) string { return userID + "\x00" + asset }

func symbolKey(pair string, ex core.Exchange) string { return pair + "\x00" + string(ex) }

func leverageKey(userID, symbol string, side core.PositionSide) string {
	return userID + "\x00" + symbol + "\x00" + string(side)
}

// Users

func (s *MemoryStore) CreateUser(ctx context.Context, u *core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, apperrors.ErrInvalidOrderParam)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByCredentials(ctx context.Context, apiKey, apiSecret string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.APIKey == apiKey && u.APISecret == apiSecret {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperrors.ErrUserNotFound
}

// Orders

func (s *MemoryStore) InsertOrder(ctx context.Context, o *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orderKey(o.ExternalID, o.Symbol)
	if _, ok := s.orders[key]; ok {
		return fmt.Errorf("order %s/%s: %w", o.ExternalID, o.Symbol, apperrors.ErrDuplicateOrder)
	}
	cp := o.Clone()
	s.orders[key] = cp
	s.ordersByI[o.ID] = cp
	return nil
}

func (s *MemoryStore) UpdateOrder(ctx context.Context, o *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.ordersByI[o.ID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	cp := o.Clone()
	s.orders[orderKey(old.ExternalID, old.Symbol)] = cp
	s.ordersByI[o.ID] = cp
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, externalID, symbol string) (*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderKey(externalID, symbol)]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) GetOrderByID(ctx context.Context, id string) (*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.ordersByI[id]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) OpenLimitOrders(ctx context.Context) ([]*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Order
	for _, o := range s.orders {
		if o.Type == core.OrderTypeLimit && !o.Status.IsTerminal() {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) OpenOrdersByUser(ctx context.Context, userID string) ([]*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Order
	for _, o := range s.orders {
		if o.UserID == userID && !o.Status.IsTerminal() {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) OpenReduceOnlyOrders(ctx context.Context, userID, symbol string, exchange core.Exchange) ([]*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Order
	for _, o := range s.orders {
		if o.UserID == userID && o.Symbol == symbol && o.Exchange == exchange &&
			o.ReduceOnly && !o.Status.IsTerminal() {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

// Positions

func (s *MemoryStore) InsertPosition(ctx context.Context, p *core.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.UUID] = p.Clone()
	return nil
}

func (s *MemoryStore) UpdatePosition(ctx context.Context, p *core.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.UUID]; !ok {
		return apperrors.ErrPositionNotFound
	}
	s.positions[p.UUID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPosition(ctx context.Context, uuid string) (*core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[uuid]
	if !ok {
		return nil, apperrors.ErrPositionNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) OpenPositions(ctx context.Context) ([]*core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Position
	for _, p := range s.positions {
		if p.Status == core.PositionStatusNew {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) OpenPositionsByUser(ctx context.Context, userID string) ([]*core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Status == core.PositionStatusNew {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

// Wallets

func (s *MemoryStore) GetBalance(ctx context.Context, userID, asset string) (*core.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.wallets[walletKey(userID, asset)]
	if !ok {
		return &core.Balance{UserID: userID, Asset: asset, Free: decimal.Zero, Locked: decimal.Zero}, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) UpsertBalance(ctx context.Context, b *core.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.wallets[walletKey(b.UserID, b.Asset)] = &cp
	return nil
}

func (s *MemoryStore) ApplyBalanceDelta(ctx context.Context, userID, asset string, freeDelta, lockedDelta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := walletKey(userID, asset)
	b, ok := s.wallets[key]
	if !ok {
		b = &core.Balance{UserID: userID, Asset: asset, Free: decimal.Zero, Locked: decimal.Zero}
		s.wallets[key] = b
	}
	b.Free = b.Free.Add(freeDelta)
	b.Locked = b.Locked.Add(lockedDelta)
	return nil
}

func (s *MemoryStore) BalancesByUser(ctx context.Context, userID string) ([]*core.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Balance
	for _, b := range s.wallets {
		if b.UserID == userID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) AllBalances(ctx context.Context) ([]*core.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Balance, 0, len(s.wallets))
	for _, b := range s.wallets {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

// Leverage

func (s *MemoryStore) GetLeverage(ctx context.Context, userID, symbol string, side core.PositionSide) (*core.Leverage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leverage[leverageKey(userID, symbol, side)]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) EnsureLeverage(ctx context.Context, userID, symbol string, side core.PositionSide) (*core.Leverage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := leverageKey(userID, symbol, side)
	if l, ok := s.leverage[key]; ok {
		cp := *l
		return &cp, nil
	}
	l := &core.Leverage{
		UserID:   userID,
		Symbol:   symbol,
		Side:     side,
		Leverage: decimal.NewFromInt(1),
		Locked:   false,
	}
	s.leverage[key] = l
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) UpsertLeverage(ctx context.Context, l *core.Leverage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.leverage[leverageKey(l.UserID, l.Symbol, l.Side)] = &cp
	return nil
}

func (s *MemoryStore) AllLeverage(ctx context.Context) ([]*core.Leverage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Leverage, 0, len(s.leverage))
	for _, l := range s.leverage {
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) DeleteLeverage(ctx context.Context, userID, symbol string, side core.PositionSide) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leverage, leverageKey(userID, symbol, side))
	return nil
}

// Hedge mode

func (s *MemoryStore) GetHedge(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hedge[userID], nil
}

func (s *MemoryStore) SetHedge(ctx context.Context, userID string, hedge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hedge[userID] = hedge
	return nil
}

// Symbols

func (s *MemoryStore) UpsertSymbol(ctx context.Context, sym *core.Symbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sym
	s.symbols[symbolKey(sym.Pair, sym.Exchange)] = &cp
	return nil
}

func (s *MemoryStore) GetSymbol(ctx context.Context, pair string, exchange core.Exchange) (*core.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sym, ok := s.symbols[symbolKey(pair, exchange)]
	if !ok {
		return nil, apperrors.ErrSymbolNotFound
	}
	cp := *sym
	return &cp, nil
}

var _ core.IStore = (*MemoryStore)(nil)
