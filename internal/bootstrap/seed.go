package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gainium/paper-trading-sh/internal/config"
	"github.com/Gainium/paper-trading-sh/internal/core"
	apperrors "github.com/Gainium/paper-trading-sh/pkg/errors"

	"github.com/shopspring/decimal"
)

// SeedUsers creates the configured demo users and their initial wallets.
// Users that already exist are left untouched so restarts never reset
// balances accumulated through trading.
func SeedUsers(ctx context.Context, store core.IStore, users []config.SeedUser, logger core.ILogger) error {
	for _, u := range users {
		id := u.ID
		if id == "" {
			id = u.Key
		}

		if _, err := store.GetUser(ctx, id); err == nil {
			logger.Debug("seed user already exists", "user", id)
			continue
		} else if !errors.Is(err, apperrors.ErrUserNotFound) {
			return fmt.Errorf("seed lookup %s: %w", id, err)
		}

		if err := store.CreateUser(ctx, &core.User{
			ID:        id,
			APIKey:    u.Key,
			APISecret: string(u.Secret),
		}); err != nil {
			return fmt.Errorf("seed user %s: %w", id, err)
		}

		for asset, amount := range u.Balances {
			free, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("seed balance %s/%s: %w", id, asset, err)
			}
			if err := store.UpsertBalance(ctx, &core.Balance{
				UserID: id,
				Asset:  asset,
				Free:   free,
				Locked: decimal.Zero,
			}); err != nil {
				return fmt.Errorf("seed balance %s/%s: %w", id, asset, err)
			}
		}

		logger.Info("seeded user", "user", id, "assets", len(u.Balances))
	}
	return nil
}
