package database

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/shopledger/backend/internal/config"
)

// OpenRedis returns nil when Redis is unreachable; callers treat a nil client
// as "no reservations, no backfill queue".
func OpenRedis(ctx context.Context, cfg config.RedisConfig, log *logrus.Logger) *redis.Client {
	addr := cfg.Host + ":" + cfg.Port
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("redis connection failed, continuing without redis")
		rdb.Close()
		return nil
	}

	log.WithField("addr", addr).Info("redis connection established")
	return rdb
}
