// Package quota - counters.go is the Redis-backed counter store.
//
// DESIGN: Counters hold REMAINING tokens for one (user, tier, window). A window
// key is created lazily at its plan limit with a TTL ending at the window
// boundary. Reservation is a single Lua script over every key of the tier
// (monthly and daily), checked first and decremented only if all can afford the
// amount, so no concurrent caller can observe a counter below zero.
// Keys share a {user} hash tag so a script never spans cluster slots.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Hold is one counter a reservation must fit into.
type Hold struct {
	Key   string
	Limit int64         // initial value when the window key does not exist
	TTL   time.Duration // lifetime of a freshly created window key
}

// Counters is the atomic counter backend.
type Counters interface {
	// Reserve decrements every hold by amount, or none of them.
	Reserve(ctx context.Context, amount int64, holds []Hold) (bool, error)
	// Adjust decrements existing keys by delta. A negative delta credits back.
	Adjust(ctx context.Context, delta int64, keys []string) error
	// Remaining returns the current value of a key and whether it exists.
	Remaining(ctx context.Context, key string) (int64, bool, error)
	Ping(ctx context.Context) error
}

// KEYS = window keys
// ARGV[1] = amount
// ARGV[2i], ARGV[2i+1] = limit, ttl_ms for KEYS[i]
// Returns: 1 if reserved, 0 if any window cannot afford amount
const luaReserveScript = `
local amount = tonumber(ARGV[1])
for i, key in ipairs(KEYS) do
    local limit = tonumber(ARGV[i * 2])
    local ttl = tonumber(ARGV[i * 2 + 1])
    if redis.call('EXISTS', key) == 0 then
        redis.call('SET', key, limit, 'PX', ttl)
    end
    if tonumber(redis.call('GET', key)) < amount then
        return 0
    end
end
for _, key in ipairs(KEYS) do
    redis.call('DECRBY', key, amount)
end
return 1
`

// KEYS = window keys, ARGV[1] = delta
// Missing keys are skipped so an adjustment never creates a window without a TTL.
const luaAdjustScript = `
local delta = tonumber(ARGV[1])
for _, key in ipairs(KEYS) do
    if redis.call('EXISTS', key) == 1 then
        redis.call('DECRBY', key, delta)
    end
end
return 1
`

// RedisCounters implements Counters on go-redis.
type RedisCounters struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	adjustScript  *redis.Script
}

// NewRedisCounters wraps an existing client.
func NewRedisCounters(rdb *redis.Client) *RedisCounters {
	return &RedisCounters{
		rdb:           rdb,
		reserveScript: redis.NewScript(luaReserveScript),
		adjustScript:  redis.NewScript(luaAdjustScript),
	}
}

// Reserve runs the check-and-decrement script.
func (c *RedisCounters) Reserve(ctx context.Context, amount int64, holds []Hold) (bool, error) {
	if len(holds) == 0 {
		return true, nil
	}
	keys := make([]string, len(holds))
	args := make([]any, 0, 1+2*len(holds))
	args = append(args, amount)
	for i, h := range holds {
		keys[i] = h.Key
		ttl := h.TTL
		if ttl < time.Second {
			ttl = time.Second
		}
		args = append(args, h.Limit, ttl.Milliseconds())
	}
	res, err := c.reserveScript.Run(ctx, c.rdb, keys, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("quota reserve: %w", err)
	}
	return res == 1, nil
}

// Adjust applies a correction to existing keys.
func (c *RedisCounters) Adjust(ctx context.Context, delta int64, keys []string) error {
	if delta == 0 || len(keys) == 0 {
		return nil
	}
	if err := c.adjustScript.Run(ctx, c.rdb, keys, delta).Err(); err != nil {
		return fmt.Errorf("quota adjust: %w", err)
	}
	return nil
}

// Remaining reads a counter.
func (c *RedisCounters) Remaining(ctx context.Context, key string) (int64, bool, error) {
	v, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Ping checks Redis connectivity.
func (c *RedisCounters) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
