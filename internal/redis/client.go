package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-chat/config"
)

// ErrUnavailable is returned once every connection attempt has failed.
var ErrUnavailable = errors.New("rendezvous store unavailable")

var client *redis.Client

// Connect initializes the Redis client, pinging up to cfg.ConnectAttempts
// times with cfg.RetryDelay between attempts.
func Connect(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) error {
	c := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	attempts := max(cfg.ConnectAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = c.Ping(ctx).Err(); err == nil {
			client = c
			return nil
		}
		logger.Warn().Err(err).Int("attempt", attempt).Int("of", attempts).Msg("redis ping failed")
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			c.Close()
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(cfg.RetryDelay):
		}
	}
	c.Close()
	return fmt.Errorf("%w after %d attempts (%v); check your connection and restart", ErrUnavailable, attempts, err)
}

// Close closes the Redis connection
func Close() error {
	if client != nil {
		return client.Close()
	}
	return nil
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	return client
}
