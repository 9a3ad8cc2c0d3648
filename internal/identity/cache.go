package identity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gotrs-io/whups/internal/metrics"
)

// DefaultCacheKey is where the account list is cached.
const DefaultCacheKey = "whups:identity:accounts"

// RedisClient is the part of the go-redis client the cache uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedDirectory keeps the account list of another directory in Redis.
// Redis failures fall back to the wrapped directory.
type CachedDirectory struct {
	next   Directory
	client RedisClient
	key    string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedDirectory caches next's accounts for ttl.
func NewCachedDirectory(next Directory, client RedisClient, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{
		next:   next,
		client: client,
		key:    DefaultCacheKey,
		ttl:    ttl,
		logger: log.Logger.With().Str("module", "identity").Logger(),
	}
}

// Accounts returns the cached list, loading it from the wrapped directory on
// a miss.
func (c *CachedDirectory) Accounts(ctx context.Context) ([]Account, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	switch {
	case err == nil:
		var accounts []Account
		if jsonErr := json.Unmarshal(data, &accounts); jsonErr == nil {
			metrics.DirectoryCache.WithLabelValues("hit").Inc()
			return accounts, nil
		}
		metrics.DirectoryCache.WithLabelValues("error").Inc()
		c.logger.Warn().Str("key", c.key).Msg("Discarding undecodable cached accounts")
	case errors.Is(err, redis.Nil):
		metrics.DirectoryCache.WithLabelValues("miss").Inc()
	default:
		metrics.DirectoryCache.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Msg("Account cache read failed")
	}

	accounts, err := c.next.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(accounts); err == nil {
		if err := c.client.Set(ctx, c.key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Msg("Account cache write failed")
		}
	}
	return accounts, nil
}

// Invalidate drops the cached list.
func (c *CachedDirectory) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}
