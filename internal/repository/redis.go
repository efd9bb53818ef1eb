package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/utils"
)

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisClient wraps Redis operations
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(config RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	utils.Info("connected to Redis", "addr", config.Addr)

	return &RedisClient{client: client}, nil
}

// Close closes the Redis client
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Set sets a key-value pair with expiration
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return r.client.Set(ctx, key, data, expiration).Err()
}

// Get retrieves a value by key. Returns domain.ErrNotFound for a missing key.
func (r *RedisClient) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("failed to get key: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return nil
}

// Del deletes a key
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// SetNX sets a key only if it doesn't exist
func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value: %w", err)
	}

	return r.client.SetNX(ctx, key, data, expiration).Result()
}

// Publish publishes a message to a channel
func (r *RedisClient) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return r.client.Publish(ctx, channel, data).Err()
}

// Ping tests connectivity
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// balanceCacheTTL bounds how stale a cached balance may get before the
// evaluator falls back to the database mirror.
const balanceCacheTTL = 15 * time.Minute

// CachedBalance is the balance snapshot kept in Redis between syncs.
type CachedBalance struct {
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
	FetchedAt time.Time `json:"fetched_at"`
}

func balanceKey(accountID string) string {
	return "potmatic:balance:" + accountID
}

// CacheBalance stores an account balance snapshot.
func (r *RedisClient) CacheBalance(ctx context.Context, accountID string, balance int64, currency string) error {
	return r.Set(ctx, balanceKey(accountID), CachedBalance{
		Balance:   balance,
		Currency:  currency,
		FetchedAt: time.Now().UTC(),
	}, balanceCacheTTL)
}

// GetCachedBalance retrieves a cached balance snapshot if one is fresh.
func (r *RedisClient) GetCachedBalance(ctx context.Context, accountID string) (*CachedBalance, error) {
	var cached CachedBalance
	if err := r.Get(ctx, balanceKey(accountID), &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

// StashOAuthNonce records an issued OAuth state nonce so the callback can
// confirm the flow originated here. Returns false when the nonce was
// already stashed.
func (r *RedisClient) StashOAuthNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	return r.SetNX(ctx, "potmatic:oauth:state:"+nonce, time.Now().UTC(), ttl)
}

// ConsumeOAuthNonce checks a nonce exists and burns it so the state
// parameter is single use.
func (r *RedisClient) ConsumeOAuthNonce(ctx context.Context, nonce string) (bool, error) {
	key := "potmatic:oauth:state:" + nonce
	var stashed time.Time
	if err := r.Get(ctx, key, &stashed); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := r.Del(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}
