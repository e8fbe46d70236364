// types.go: Core types and errors for bridge path rate limiting
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/nexafin/bridgeguard/internal/capability"
)

var (
	// ErrInvalidConfig rejects enabled configs with a zero rate or capacity.
	ErrInvalidConfig = errors.New("ratelimit: enabled config requires rate > 0 and capacity > 0")

	// ErrInvalidAmount rejects nil or negative consumption amounts.
	ErrInvalidAmount = errors.New("ratelimit: amount must be a non-negative integer")
)

// Config holds the rate limit policy for a single resource (a bridging path
// or token). Rate and Capacity live in the uint128 domain and are carried as
// big integers so refill arithmetic never overflows.
type Config struct {
	Rate     *big.Int `json:"rate"`
	Capacity *big.Int `json:"capacity"`
	Enabled  bool     `json:"enabled"`
}

// Validate enforces the config invariant: enabled implies positive rate and
// capacity. Disabled configs are always acceptable.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Rate == nil || c.Rate.Sign() <= 0 || c.Capacity == nil || c.Capacity.Sign() <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// BucketState is a read-only snapshot of a bucket after a hypothetical
// refill. Returned by State for observability; computing it never mutates
// the stored bucket.
type BucketState struct {
	Rate        *big.Int  `json:"rate"`
	Capacity    *big.Int  `json:"capacity"`
	Tokens      *big.Int  `json:"tokens"`
	LastUpdated time.Time `json:"last_updated"`
	Enabled     bool      `json:"enabled"`
}

// RateLimitExceededError reports insufficient quota after refill. It carries
// a retry hint so relayers can distinguish retry-later from never-retry
// rejections.
type RateLimitExceededError struct {
	Resource   string
	Requested  *big.Int
	Available  *big.Int
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("ratelimit: resource %q exceeded: requested %s, available %s",
		e.Resource, e.Requested, e.Available)
}

// IsRateLimitExceeded reports whether err is a quota rejection.
func IsRateLimitExceeded(err error) bool {
	var rle *RateLimitExceededError
	return errors.As(err, &rle)
}

// QuotaConsumer is the contract the message router charges transfers
// against. Satisfied by both the in-memory Limiter and the Redis-backed
// RedisLimiter.
//
// Refund credits back a charge whose unit of work lost the digest commit:
// two racing admissions of the same message may both pass the early replay
// check and both consume, but only one commits — the loser's charge must not
// stay debited. Refunds saturate at capacity and never move the refill
// stamp.
type QuotaConsumer interface {
	Consume(ctx context.Context, resource string, amount *big.Int) error
	Refund(ctx context.Context, resource string, amount *big.Int) error
}

// Service is the full quota surface the admin API manages: charging plus
// capability-gated reconfiguration and observability.
type Service interface {
	QuotaConsumer
	SetConfig(ctx context.Context, cred *capability.Capability, resource string, cfg Config) error
	State(ctx context.Context, resource string) (BucketState, bool, error)
}
