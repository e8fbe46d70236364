// Package breaker gates settlement behind per-path frozen flags. The router
// consults the Gate before committing any admission; a frozen path rejects
// the message without burning its digest, so it stays replayable once the
// path thaws. Pause and resume are capability-gated; the breaker also trips
// itself after repeated settlement failures.
package breaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/nexafin/bridgeguard/internal/capability"
)

var pathFrozen = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "bridgeguard",
		Subsystem: "breaker",
		Name:      "path_frozen",
		Help:      "1 when the bridging path is frozen",
	},
	[]string{"path"},
)

// Gate is the contract the router consults before settlement. The production
// deployment may point this at an external risk-monitoring oracle; Breaker
// is the in-process implementation.
type Gate interface {
	IsFrozen(path string) bool
}

// Breaker holds per-path frozen flags and a consecutive-failure trip wire.
type Breaker struct {
	mu          sync.RWMutex
	frozen      map[string]bool
	failures    map[string]int
	maxFailures int

	authority *capability.Authority
	logger    *zap.Logger
}

// New creates a breaker. maxFailures <= 0 disables auto-tripping.
func New(authority *capability.Authority, maxFailures int, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		frozen:      make(map[string]bool),
		failures:    make(map[string]int),
		maxFailures: maxFailures,
		authority:   authority,
		logger:      logger,
	}
}

// IsFrozen reports whether settlement on path is currently halted.
func (b *Breaker) IsFrozen(path string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frozen[path]
}

// Pause freezes a path under the administrative capability.
func (b *Breaker) Pause(cred *capability.Capability, path string) error {
	if err := b.authority.Verify(cred); err != nil {
		return err
	}
	b.mu.Lock()
	b.frozen[path] = true
	b.mu.Unlock()

	pathFrozen.WithLabelValues(path).Set(1)
	b.logger.Warn("bridging path paused", zap.String("path", path))
	return nil
}

// Resume thaws a path and clears its failure count.
func (b *Breaker) Resume(cred *capability.Capability, path string) error {
	if err := b.authority.Verify(cred); err != nil {
		return err
	}
	b.mu.Lock()
	b.frozen[path] = false
	b.failures[path] = 0
	b.mu.Unlock()

	pathFrozen.WithLabelValues(path).Set(0)
	b.logger.Info("bridging path resumed", zap.String("path", path))
	return nil
}

// RecordFailure counts a settlement failure. Reaching the threshold freezes
// the path until an administrator resumes it.
func (b *Breaker) RecordFailure(path string) {
	if b.maxFailures <= 0 {
		return
	}
	b.mu.Lock()
	b.failures[path]++
	tripped := !b.frozen[path] && b.failures[path] >= b.maxFailures
	if tripped {
		b.frozen[path] = true
	}
	count := b.failures[path]
	b.mu.Unlock()

	if tripped {
		pathFrozen.WithLabelValues(path).Set(1)
		b.logger.Warn("bridging path tripped by settlement failures",
			zap.String("path", path), zap.Int("failures", count))
	}
}

// RecordSuccess resets the consecutive-failure count.
func (b *Breaker) RecordSuccess(path string) {
	b.mu.Lock()
	b.failures[path] = 0
	b.mu.Unlock()
}
