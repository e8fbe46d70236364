// tokenbucket.go: Lazy-refill token bucket over big-integer amounts
package ratelimit

import (
	"math/big"
	"sync"
	"time"
)

// TokenBucket tracks the quota of one rate-limited resource. Refill is
// computed lazily from elapsed wall-clock seconds on every access; there is
// no background timer. All methods are safe for concurrent use and each runs
// to completion under the bucket mutex, so callers observe no partial state.
type TokenBucket struct {
	mu          sync.Mutex
	rate        *big.Int // tokens per second
	capacity    *big.Int
	tokens      *big.Int
	lastUpdated int64 // unix seconds
	enabled     bool
	now         func() time.Time
}

// NewTokenBucket creates a bucket from a validated config, full and stamped
// at the current time.
func NewTokenBucket(cfg Config, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	tb := &TokenBucket{now: now}
	tb.configure(cfg)
	return tb
}

// configure overwrites the bucket policy and resets it to full capacity.
// Quota accrued under the old config is discarded so operators get
// predictable headroom immediately after a policy change.
func (tb *TokenBucket) configure(cfg Config) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.enabled = cfg.Enabled
	tb.rate = bigOrZero(cfg.Rate)
	tb.capacity = bigOrZero(cfg.Capacity)
	tb.tokens = new(big.Int).Set(tb.capacity)
	tb.lastUpdated = tb.now().Unix()
}

// refillLocked advances tokens by rate*elapsed, saturating at capacity.
// Elapsed seconds are clamped at zero so a regressing host clock can never
// underflow the subtraction or mint a spuriously huge refill. Caller must
// hold tb.mu.
func (tb *TokenBucket) refillLocked(nowUnix int64) {
	elapsed := nowUnix - tb.lastUpdated
	if elapsed <= 0 {
		return
	}
	tb.tokens.Add(tb.tokens, new(big.Int).Mul(tb.rate, big.NewInt(elapsed)))
	if tb.tokens.Cmp(tb.capacity) > 0 {
		tb.tokens.Set(tb.capacity)
	}
	tb.lastUpdated = nowUnix
}

// consume refills, then debits amount or rejects with a
// *RateLimitExceededError. A disabled bucket admits everything. The refill
// bookkeeping is kept even when the debit is rejected, since it reflects
// real elapsed time.
func (tb *TokenBucket) consume(resource string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	if !tb.enabled {
		return nil
	}

	tb.refillLocked(tb.now().Unix())

	if tb.tokens.Cmp(amount) < 0 {
		return &RateLimitExceededError{
			Resource:   resource,
			Requested:  new(big.Int).Set(amount),
			Available:  new(big.Int).Set(tb.tokens),
			RetryAfter: tb.retryAfterLocked(amount),
		}
	}
	tb.tokens.Sub(tb.tokens, amount)
	return nil
}

// refund credits amount back, saturating at capacity. The refill stamp is
// untouched: a refund is not a time event. Disabled buckets took no charge,
// so there is nothing to credit.
func (tb *TokenBucket) refund(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	if !tb.enabled {
		return nil
	}
	tb.tokens.Add(tb.tokens, amount)
	if tb.tokens.Cmp(tb.capacity) > 0 {
		tb.tokens.Set(tb.capacity)
	}
	return nil
}

// retryAfterLocked estimates how long until the deficit refills. Zero when
// the request can never succeed (amount above capacity) is deliberately not
// special-cased; callers comparing amount to State().Capacity can tell.
func (tb *TokenBucket) retryAfterLocked(amount *big.Int) time.Duration {
	if tb.rate.Sign() <= 0 {
		return 0
	}
	deficit := new(big.Int).Sub(amount, tb.tokens)
	secs := new(big.Int).Add(deficit, new(big.Int).Sub(tb.rate, big.NewInt(1)))
	secs.Div(secs, tb.rate)
	if !secs.IsInt64() {
		return 0
	}
	return time.Duration(secs.Int64()) * time.Second
}

// state returns the hypothetical post-refill view without mutating the
// stored bucket.
func (tb *TokenBucket) state() BucketState {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tokens := new(big.Int).Set(tb.tokens)
	last := tb.lastUpdated
	elapsed := tb.now().Unix() - last
	if elapsed > 0 {
		tokens.Add(tokens, new(big.Int).Mul(tb.rate, big.NewInt(elapsed)))
		if tokens.Cmp(tb.capacity) > 0 {
			tokens.Set(tb.capacity)
		}
	}
	return BucketState{
		Rate:        new(big.Int).Set(tb.rate),
		Capacity:    new(big.Int).Set(tb.capacity),
		Tokens:      tokens,
		LastUpdated: time.Unix(last, 0),
		Enabled:     tb.enabled,
	}
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
