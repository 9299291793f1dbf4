// Package account covers the non-order user surface: authentication,
// balances, positions, leverage, and hedge mode.
package account

import (
	"context"
	"fmt"

	"github.com/Gainium/paper-trading-sh/internal/core"
	apperrors "github.com/Gainium/paper-trading-sh/pkg/errors"
	"github.com/Gainium/paper-trading-sh/pkg/locks"

	"github.com/shopspring/decimal"
)

// Service reads and mutates account-level state. Leverage writes share the
// Common lock key with settlement's leverage locking, so a fill can never
// interleave with a client leverage change on the same (user, symbol).
type Service struct {
	store  core.IStore
	locks  *locks.Manager
	logger core.ILogger
}

func NewService(store core.IStore, lockMgr *locks.Manager, logger core.ILogger) *Service {
	return &Service{
		store:  store,
		locks:  lockMgr,
		logger: logger.WithField("component", "account"),
	}
}

// Authenticate resolves an api key/secret pair to the user record.
func (s *Service) Authenticate(ctx context.Context, apiKey, apiSecret string) (*core.User, error) {
	return s.store.GetUserByCredentials(ctx, apiKey, apiSecret)
}

// Balances returns every wallet row of the user.
func (s *Service) Balances(ctx context.Context, userID string) ([]*core.Balance, error) {
	return s.store.BalancesByUser(ctx, userID)
}

// Positions returns the user's open positions.
func (s *Service) Positions(ctx context.Context, userID string) ([]*core.Position, error) {
	return s.store.OpenPositionsByUser(ctx, userID)
}

// SetLeverage updates the leverage row for (user, symbol, side). While an
// open position holds the row it is locked and the change is rejected. An
// empty side means BOTH (one-way mode).
func (s *Service) SetLeverage(ctx context.Context, userID, symbol string, side core.PositionSide, leverage decimal.Decimal) (*core.Leverage, error) {
	if !leverage.IsPositive() {
		return nil, fmt.Errorf("leverage %s: %w", leverage, apperrors.ErrInvalidOrderParam)
	}
	if side == "" {
		side = core.PositionSideBoth
	}

	var out *core.Leverage
	err := s.locks.WithLock(locks.Common, userID+"\x00"+symbol, func() error {
		row, err := s.store.EnsureLeverage(ctx, userID, symbol, side)
		if err != nil {
			return fmt.Errorf("set leverage: %w", err)
		}
		if row.Locked {
			return apperrors.ErrLeverageLocked
		}
		row.Leverage = leverage
		if err := s.store.UpsertLeverage(ctx, row); err != nil {
			return fmt.Errorf("set leverage: %w", err)
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Leverage changed", "user", userID, "symbol", symbol,
		"side", string(side), "leverage", leverage.String())
	return out, nil
}

// Hedge reports the user's hedge mode.
func (s *Service) Hedge(ctx context.Context, userID string) (bool, error) {
	return s.store.GetHedge(ctx, userID)
}

// SetHedge switches between hedge and one-way mode. The switch is rejected
// while any derivative position is open; netting semantics of live positions
// must not change under the user.
func (s *Service) SetHedge(ctx context.Context, userID string, hedge bool) error {
	current, err := s.store.GetHedge(ctx, userID)
	if err != nil {
		return fmt.Errorf("set hedge: %w", err)
	}
	if current == hedge {
		return nil
	}

	positions, err := s.store.OpenPositionsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("set hedge: %w", err)
	}
	if len(positions) > 0 {
		return fmt.Errorf("open positions present: %w", apperrors.ErrHedgeLocked)
	}

	if err := s.store.SetHedge(ctx, userID, hedge); err != nil {
		return fmt.Errorf("set hedge: %w", err)
	}
	s.logger.Info("Hedge mode changed", "user", userID, "hedge", hedge)
	return nil
}
