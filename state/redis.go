package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"site-analytics/models"
)

// RedisStore shares notifier state between several service instances.
// The notified set is a redis SET, the last check an epoch-seconds string.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	logger *zap.SugaredLogger
}

func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string, logger *zap.SugaredLogger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}

	logger.Infow("Notifier state connected to redis", "addr", addr)
	return &RedisStore{rdb: rdb, prefix: prefix, logger: logger}, nil
}

func (s *RedisStore) notifiedKey() string  { return s.prefix + "notified_sessions" }
func (s *RedisStore) lastCheckKey() string { return s.prefix + "last_check" }

func (s *RedisStore) Load(ctx context.Context) (*models.NotificationState, error) {
	ids, err := s.rdb.SMembers(ctx, s.notifiedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load notified sessions: %w", err)
	}
	st := models.NewNotificationState()
	st.MarkNotified(ids...)

	raw, err := s.rdb.Get(ctx, s.lastCheckKey()).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, fmt.Errorf("failed to load last check: %w", err)
	default:
		if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil && epoch > 0 {
			st.LastCheck = time.Unix(epoch, 0).UTC()
		} else {
			s.logger.Warnw("Ignoring unreadable last check marker", "value", raw)
		}
	}
	return st, nil
}

func (s *RedisStore) AddNotified(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := s.rdb.SAdd(ctx, s.notifiedKey(), members...).Err(); err != nil {
		return fmt.Errorf("failed to save notified sessions: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveLastCheck(ctx context.Context, t time.Time) error {
	if err := s.rdb.Set(ctx, s.lastCheckKey(), t.Unix(), 0).Err(); err != nil {
		return fmt.Errorf("failed to save last check: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
