// Package cache stores deterministic chat-completion responses.
//
// DESIGN: Only temperature-0, non-streaming requests are cacheable. The key is
// a SHA-256 over a canonical form of the request:
//   - messages reduced to {role, content}
//   - a fixed set of sampling scalars (stream and user are excluded)
//   - the serving tier and the cache schema version
//
// Canonical JSON has sorted object keys, so key generation is a pure function
// of the request's meaning, not its byte layout.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"

	"github.com/compresr/tier-gateway/internal/config"
)

const keyPrefix = "cache:resp:"

// keyedScalars are the request fields that change a deterministic response.
var keyedScalars = []string{
	"model", "temperature", "top_p", "max_tokens", "n", "stop", "seed",
	"presence_penalty", "frequency_penalty", "response_format", "tools", "tool_choice",
}

// Store is the response cache backend.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, response []byte) error
}

// IsCacheable reports whether a payload is deterministic:
// temperature explicitly 0 and not streaming.
func IsCacheable(payload []byte) bool {
	temp := gjson.GetBytes(payload, "temperature")
	if temp.Type != gjson.Number || temp.Float() != 0 {
		return false
	}
	return !gjson.GetBytes(payload, "stream").Bool()
}

// GenerateKey hashes the canonical form of payload for tier.
func GenerateKey(payload []byte, tier config.Tier, schemaVersion string) string {
	canonical := map[string]any{
		"_tier":   string(tier),
		"_schema": schemaVersion,
	}

	msgs := make([]map[string]any, 0)
	gjson.GetBytes(payload, "messages").ForEach(func(_, m gjson.Result) bool {
		msgs = append(msgs, map[string]any{
			"role":    m.Get("role").String(),
			"content": m.Get("content").Value(),
		})
		return true
	})
	canonical["messages"] = msgs

	for _, field := range keyedScalars {
		if v := gjson.GetBytes(payload, field); v.Exists() {
			canonical[field] = v.Value()
		}
	}

	// encoding/json sorts map keys at every level.
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// REDIS STORE
// =============================================================================

// RedisCache is a TTL-bounded Store on Redis.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a response cache. ttl <= 0 uses the default.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = config.DefaultCacheTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

// Get returns a cached response.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return data, true, nil
}

// Put stores a response. Responses carrying an error field are never stored.
func (c *RedisCache) Put(ctx context.Context, key string, response []byte) error {
	if !gjson.ValidBytes(response) || gjson.GetBytes(response, "error").Exists() {
		return nil
	}
	if err := c.rdb.Set(ctx, keyPrefix+key, response, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}
