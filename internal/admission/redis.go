package admission

import (
	"context"
	"fmt"

	"github.com/go-redis/redis"
)

const keyPrefix = "regenopt:active:"

// Redis is a Limiter shared by every service instance using the same server.
// Counters are plain integers: INCR takes a slot and is rolled back with DECR
// when it overshoots the limit.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// DialRedis connects to the server at addr and checks it answers.
func DialRedis(addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedis(client), nil
}

func (r *Redis) Acquire(_ context.Context, userID string, limit int) (bool, error) {
	key := keyPrefix + userID
	n, err := r.client.Incr(key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	if limit > 0 && n > int64(limit) {
		if err := r.client.Decr(key).Err(); err != nil {
			return false, fmt.Errorf("failed to roll back %s: %w", key, err)
		}
		return false, nil
	}
	return true, nil
}

func (r *Redis) Release(_ context.Context, userID string) error {
	key := keyPrefix + userID
	n, err := r.client.Decr(key).Result()
	if err != nil {
		return fmt.Errorf("failed to decrement %s: %w", key, err)
	}
	if n < 0 {
		// Undo only our own overshoot; concurrent acquires keep their slots.
		if err := r.client.IncrBy(key, -n).Err(); err != nil {
			return fmt.Errorf("failed to correct %s: %w", key, err)
		}
	}
	return nil
}

func (r *Redis) Active(_ context.Context, userID string) (int, error) {
	n, err := r.client.Get(keyPrefix + userID).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read active count: %w", err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// Ping checks the server answers.
func (r *Redis) Ping(context.Context) error {
	return r.client.Ping().Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Limiter = (*Redis)(nil)
