// Package ratelimit bounds the rate at which value flows through each
// bridging path using lazily refilled token buckets. Reconfiguration is
// gated by the administrative capability.
package ratelimit

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/nexafin/bridgeguard/internal/capability"
)

var (
	consumeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgeguard",
			Subsystem: "ratelimit",
			Name:      "consume_total",
			Help:      "Quota consumption attempts by result",
		},
		[]string{"resource", "result"},
	)

	configChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgeguard",
			Subsystem: "ratelimit",
			Name:      "config_changes_total",
			Help:      "Accepted rate limit reconfigurations",
		},
		[]string{"resource"},
	)
)

// Limiter owns one token bucket per resource. Buckets are created by
// SetConfig and never deleted, only reconfigured.
type Limiter struct {
	mu        sync.RWMutex
	buckets   map[string]*TokenBucket
	authority *capability.Authority
	logger    *zap.Logger
	now       func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Tests use this to drive refill
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates an empty limiter bound to an administrative authority.
func NewLimiter(authority *capability.Authority, logger *zap.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		buckets:   make(map[string]*TokenBucket),
		authority: authority,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ Service = (*Limiter)(nil)

// SetConfig installs a new policy for resource under the administrative
// capability. The bucket is reset to full capacity; quota accrued under the
// previous policy is discarded.
func (l *Limiter) SetConfig(_ context.Context, cred *capability.Capability, resource string, cfg Config) error {
	if err := l.authority.Verify(cred); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if tb, ok := l.buckets[resource]; ok {
		tb.configure(cfg)
	} else {
		l.buckets[resource] = NewTokenBucket(cfg, l.now)
	}

	configChanges.WithLabelValues(resource).Inc()
	l.logger.Info("rate limit configured",
		zap.String("resource", resource),
		zap.String("rate", cfg.Rate.String()),
		zap.String("capacity", cfg.Capacity.String()),
		zap.Bool("enabled", cfg.Enabled))
	return nil
}

// Consume charges amount against the resource's bucket. Resources with no
// configured bucket are unlimited, as is any bucket configured disabled.
func (l *Limiter) Consume(_ context.Context, resource string, amount *big.Int) error {
	l.mu.RLock()
	tb, ok := l.buckets[resource]
	l.mu.RUnlock()

	if !ok {
		consumeTotal.WithLabelValues(resource, "unconfigured").Inc()
		return nil
	}

	if err := tb.consume(resource, amount); err != nil {
		if IsRateLimitExceeded(err) {
			consumeTotal.WithLabelValues(resource, "rejected").Inc()
			l.logger.Warn("rate limit exceeded",
				zap.String("resource", resource),
				zap.String("amount", amount.String()))
		}
		return err
	}
	consumeTotal.WithLabelValues(resource, "allowed").Inc()
	return nil
}

// Refund credits back a charge whose admission lost the digest commit.
// Unconfigured resources took no charge.
func (l *Limiter) Refund(_ context.Context, resource string, amount *big.Int) error {
	l.mu.RLock()
	tb, ok := l.buckets[resource]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := tb.refund(amount); err != nil {
		return err
	}
	consumeTotal.WithLabelValues(resource, "refunded").Inc()
	return nil
}

// State returns the hypothetical post-refill bucket view for observability.
// The stored bucket is not mutated.
func (l *Limiter) State(_ context.Context, resource string) (BucketState, bool, error) {
	l.mu.RLock()
	tb, ok := l.buckets[resource]
	l.mu.RUnlock()
	if !ok {
		return BucketState{}, false, nil
	}
	return tb.state(), true, nil
}
