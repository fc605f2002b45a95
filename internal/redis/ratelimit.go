package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// MessageRateLimitConfig bounds how fast a single user may push
// message:send events, protecting the gateway from a flooding client.
type MessageRateLimitConfig struct {
	Limit  int
	Window time.Duration
}

func DefaultMessageRateLimitConfig() MessageRateLimitConfig {
	return MessageRateLimitConfig{Limit: 60, Window: 60 * time.Second}
}

type RateLimiter struct {
	client *goredis.Client
	config MessageRateLimitConfig
}

type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

func NewRateLimiter(client *goredis.Client, config MessageRateLimitConfig) *RateLimiter {
	return &RateLimiter{client: client, config: config}
}

var slidingWindowScript = goredis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end

	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end

	if current < limit then
		redis.call('INCR', key)
		if ttl == window then
			redis.call('EXPIRE', key, window)
		end
		return {1, limit - current - 1, ttl}
	else
		return {0, 0, ttl}
	end
`)

// AllowMessage atomically increments and checks the per-user message
// counter via a Lua script, so check-then-increment never races under
// concurrent sends from the same user's multiple sessions.
func (r *RateLimiter) AllowMessage(ctx context.Context, userID string) (*RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:%s:messages", userID)
	result, err := slidingWindowScript.Run(ctx, r.client, []string{key}, r.config.Limit, int(r.config.Window.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	parsed, ok := result.([]interface{})
	if !ok || len(parsed) < 3 {
		return nil, fmt.Errorf("unexpected rate limit result format")
	}
	return &RateLimitResult{
		Allowed:   parsed[0].(int64) == 1,
		Remaining: int(parsed[1].(int64)),
		ResetIn:   time.Duration(parsed[2].(int64)) * time.Second,
	}, nil
}

func (r *RateLimiter) ResetUser(ctx context.Context, userID string) error {
	return r.client.Del(ctx, fmt.Sprintf("ratelimit:%s:messages", userID)).Err()
}
