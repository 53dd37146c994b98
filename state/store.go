// Package state persists what the session notifier has already reported.
package state

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"site-analytics/config"
	"site-analytics/models"
)

// Store persists the notifier's NotificationState.
type Store interface {
	Load(ctx context.Context) (*models.NotificationState, error)
	// AddNotified adds ids to the persisted notified set.
	AddNotified(ctx context.Context, ids ...string) error
	SaveLastCheck(ctx context.Context, t time.Time) error
	Close() error
}

// Open returns the store selected by state.driver.
func Open(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (Store, error) {
	switch cfg.State.Driver {
	case "", "file":
		return NewFileStore(cfg.State.Dir, logger)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB, cfg.State.Prefix, logger)
	default:
		return nil, fmt.Errorf("unknown state driver %q", cfg.State.Driver)
	}
}
