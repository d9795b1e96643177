// Package redis provides the Redis-backed nonce cache for blockseal services.
// Mining is deterministic, so cached nonces are a memo of past searches and
// never the source of truth.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/blockseal/internal/sealer"
	"github.com/bardlex/blockseal/pkg/circuit"
	bserrors "github.com/bardlex/blockseal/pkg/errors"
	"github.com/bardlex/blockseal/pkg/retry"
)

// KeyPrefix namespaces nonce entries
const KeyPrefix = "seal:nonce:"

// Client wraps Redis operations for the nonce cache
type Client struct {
	rdb     *redis.Client
	ttl     time.Duration
	breaker *circuit.Breaker
	retry   *retry.Config
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// TTL applied to every cached nonce. Zero keeps entries indefinitely.
	TTL time.Duration

	// OnStateChange observes the client's circuit breaker
	OnStateChange func(name string, from, to circuit.State)
}

// NewClient creates a new Redis client and checks connectivity
func NewClient(cfg *Config) (*Client, error) {
	c := newClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		_ = c.rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return c, nil
}

// newClient builds the client without dialing
func newClient(cfg *Config) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{
		rdb: rdb,
		ttl: cfg.TTL,
		breaker: circuit.New(&circuit.Config{
			Name:            "redis",
			MaxFailures:     5,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange:   cfg.OnStateChange,
		}),
		retry: retry.CacheConfig(),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// NonceKey returns the Redis key for a cache key
func NonceKey(key sealer.Key) string {
	return KeyPrefix + key.String()
}

// GetNonce implements sealer.NonceCache
func (c *Client) GetNonce(ctx context.Context, key sealer.Key) (*big.Int, bool, error) {
	redisKey := NonceKey(key)

	raw, err := retry.DoWithResult(ctx, c.retry, func() (string, error) {
		return circuit.ExecuteWithResult(ctx, c.breaker, func() (string, error) {
			val, err := c.rdb.Get(ctx, redisKey).Result()
			if errors.Is(err, redis.Nil) {
				return "", nil
			}
			if err != nil {
				return "", bserrors.Wrap(err, bserrors.ErrorTypeCache, "get_nonce", "failed to get nonce").
					WithContext("key", redisKey)
			}
			return val, nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	if raw == "" {
		return nil, false, nil
	}

	nonce, ok := new(big.Int).SetString(raw, 10)
	if !ok || nonce.Sign() < 0 {
		return nil, false, bserrors.New(bserrors.ErrorTypeCache, "get_nonce", "cached nonce is not a decimal integer").
			WithContext("key", redisKey).
			WithContext("value", raw)
	}

	return nonce, true, nil
}

// SetNonce implements sealer.NonceCache
func (c *Client) SetNonce(ctx context.Context, key sealer.Key, nonce *big.Int) error {
	redisKey := NonceKey(key)

	return retry.Do(ctx, c.retry, func() error {
		return c.breaker.Execute(ctx, func() error {
			if err := c.rdb.Set(ctx, redisKey, nonce.String(), c.ttl).Err(); err != nil {
				return bserrors.Wrap(err, bserrors.ErrorTypeCache, "set_nonce", "failed to set nonce").
					WithContext("key", redisKey)
			}
			return nil
		})
	})
}

// BreakerStats returns the circuit breaker statistics
func (c *Client) BreakerStats() circuit.Stats {
	return c.breaker.GetStats()
}
