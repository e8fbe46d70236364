// redis.go: Redis-backed token bucket for multi-instance relayer deployments
package ratelimit

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexafin/bridgeguard/internal/capability"
)

// Lua keeps refill-and-debit atomic across instances. Semantics mirror the
// in-memory bucket: lazy refill from elapsed seconds, saturate at capacity,
// reject without debit when short.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local bucket = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(bucket[1]) or capacity
local last = tonumber(bucket[2]) or now
local elapsed = math.max(0, now - last)
local new_tokens = math.min(capacity, tokens + elapsed * rate)
if new_tokens < requested then
  redis.call('HMSET', key, 'tokens', new_tokens, 'last', now)
  return {0, new_tokens}
end
new_tokens = new_tokens - requested
redis.call('HMSET', key, 'tokens', new_tokens, 'last', now)
return {1, new_tokens}
`)

// Credits back a lost-commit charge. No refill stamp update: a refund is
// not a time event.
var tokenRefundScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local amount = tonumber(ARGV[2])
local tokens = tonumber(redis.call('HGET', key, 'tokens')) or capacity
tokens = math.min(capacity, tokens + amount)
redis.call('HSET', key, 'tokens', tokens)
return tokens
`)

// RedisLimiter shares bucket state through Redis so several gateway
// instances charge the same quota. Policies are still capability-gated and
// held per instance; only the bucket counters live in Redis.
//
// Redis Lua arithmetic runs on doubles, so this limiter operates in the
// int64 domain: amounts, rates, or capacities beyond that are rejected.
type RedisLimiter struct {
	client    *redis.Client
	authority *capability.Authority
	logger    *zap.Logger

	mu      sync.RWMutex
	configs map[string]Config
}

var _ Service = (*RedisLimiter)(nil)

// NewRedisLimiter wraps an existing Redis client.
func NewRedisLimiter(client *redis.Client, authority *capability.Authority, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		client:    client,
		authority: authority,
		logger:    logger,
		configs:   make(map[string]Config),
	}
}

func bucketKey(resource string) string {
	return "bridgeguard:ratelimit:" + resource
}

// SetConfig installs a policy and resets the shared bucket to full capacity.
func (rl *RedisLimiter) SetConfig(ctx context.Context, cred *capability.Capability, resource string, cfg Config) error {
	if err := rl.authority.Verify(cred); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Enabled && (!cfg.Rate.IsInt64() || !cfg.Capacity.IsInt64()) {
		return fmt.Errorf("ratelimit: distributed limiter requires int64-range rate and capacity")
	}

	rl.mu.Lock()
	rl.configs[resource] = cfg
	rl.mu.Unlock()

	if cfg.Enabled {
		err := rl.client.HSet(ctx, bucketKey(resource),
			"tokens", cfg.Capacity.Int64(),
			"last", time.Now().Unix(),
		).Err()
		if err != nil {
			return fmt.Errorf("ratelimit: reset distributed bucket: %w", err)
		}
	}

	configChanges.WithLabelValues(resource).Inc()
	rl.logger.Info("distributed rate limit configured",
		zap.String("resource", resource), zap.Bool("enabled", cfg.Enabled))
	return nil
}

// Consume charges amount against the shared bucket.
func (rl *RedisLimiter) Consume(ctx context.Context, resource string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	rl.mu.RLock()
	cfg, ok := rl.configs[resource]
	rl.mu.RUnlock()

	if !ok {
		consumeTotal.WithLabelValues(resource, "unconfigured").Inc()
		return nil
	}
	if !cfg.Enabled {
		consumeTotal.WithLabelValues(resource, "disabled").Inc()
		return nil
	}
	if !amount.IsInt64() {
		return fmt.Errorf("ratelimit: amount %s exceeds distributed limiter range", amount)
	}

	res, err := tokenBucketScript.Run(ctx, rl.client, []string{bucketKey(resource)},
		cfg.Capacity.Int64(), cfg.Rate.Int64(), time.Now().Unix(), amount.Int64()).Int64Slice()
	if err != nil {
		return fmt.Errorf("ratelimit: distributed consume: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	if res[0] == 0 {
		consumeTotal.WithLabelValues(resource, "rejected").Inc()
		return &RateLimitExceededError{
			Resource:  resource,
			Requested: new(big.Int).Set(amount),
			Available: big.NewInt(res[1]),
		}
	}
	consumeTotal.WithLabelValues(resource, "allowed").Inc()
	return nil
}

// Refund credits back a lost-commit charge against the shared bucket.
func (rl *RedisLimiter) Refund(ctx context.Context, resource string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	rl.mu.RLock()
	cfg, ok := rl.configs[resource]
	rl.mu.RUnlock()

	if !ok || !cfg.Enabled {
		return nil
	}
	if !amount.IsInt64() {
		return fmt.Errorf("ratelimit: amount %s exceeds distributed limiter range", amount)
	}

	err := tokenRefundScript.Run(ctx, rl.client, []string{bucketKey(resource)},
		cfg.Capacity.Int64(), amount.Int64()).Err()
	if err != nil {
		return fmt.Errorf("ratelimit: distributed refund: %w", err)
	}
	consumeTotal.WithLabelValues(resource, "refunded").Inc()
	return nil
}

// decodeBucket parses a raw HMGET tokens/last reply. Missing fields fall
// back to a full bucket stamped now; malformed fields are an error, never
// a silent fallback.
func decodeBucket(vals []interface{}, capacity *big.Int, now int64) (*big.Int, int64, error) {
	if len(vals) != 2 {
		return nil, 0, fmt.Errorf("ratelimit: unexpected bucket reply %v", vals)
	}
	tokens := new(big.Int).Set(capacity)
	last := now
	if s, isStr := vals[0].(string); isStr {
		if _, parsed := tokens.SetString(s, 10); !parsed {
			return nil, 0, fmt.Errorf("ratelimit: malformed token count %q", s)
		}
	}
	if s, isStr := vals[1].(string); isStr {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("ratelimit: malformed refill stamp %q", s)
		}
		last = parsed
	}
	return tokens, last, nil
}

// State reads the shared bucket and applies the hypothetical refill locally.
func (rl *RedisLimiter) State(ctx context.Context, resource string) (BucketState, bool, error) {
	rl.mu.RLock()
	cfg, ok := rl.configs[resource]
	rl.mu.RUnlock()
	if !ok {
		return BucketState{}, false, nil
	}

	vals, err := rl.client.HMGet(ctx, bucketKey(resource), "tokens", "last").Result()
	if err != nil {
		return BucketState{}, false, fmt.Errorf("ratelimit: read distributed bucket: %w", err)
	}

	capacity := bigOrZero(cfg.Capacity)
	rate := bigOrZero(cfg.Rate)
	tokens, last, err := decodeBucket(vals, capacity, time.Now().Unix())
	if err != nil {
		return BucketState{}, false, err
	}

	elapsed := time.Now().Unix() - last
	if elapsed > 0 {
		tokens.Add(tokens, new(big.Int).Mul(rate, big.NewInt(elapsed)))
		if tokens.Cmp(capacity) > 0 {
			tokens.Set(capacity)
		}
	}
	return BucketState{
		Rate:        rate,
		Capacity:    capacity,
		Tokens:      tokens,
		LastUpdated: time.Unix(last, 0),
		Enabled:     cfg.Enabled,
	}, true, nil
}
