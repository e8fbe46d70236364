// Package router admits inbound cross-chain messages exactly once, only
// from the trusted emitter. The pipeline runs pure checks first (replay,
// origin, frozen path, quota), commits the digest as the point of no return,
// then drives settlement. Retry-later rejections (rate limit, frozen path)
// happen before the digest commit so the same message stays admissible once
// the condition clears; a settlement failure after commit is journaled for
// recovery, never re-admitted.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/nexafin/bridgeguard/internal/breaker"
	"github.com/nexafin/bridgeguard/internal/capability"
	"github.com/nexafin/bridgeguard/internal/ratelimit"
	"github.com/nexafin/bridgeguard/internal/settlement"
	"github.com/nexafin/bridgeguard/internal/store"
)

var (
	// ErrNoTrustedEmitter rejects reception before an emitter is configured.
	ErrNoTrustedEmitter = errors.New("router: trusted emitter not configured")

	// ErrDuplicateMessage rejects an already-processed digest. Never retry.
	ErrDuplicateMessage = errors.New("router: message already processed")

	// ErrWrongEmitterChain rejects messages claiming the wrong origin chain.
	ErrWrongEmitterChain = errors.New("router: wrong emitter chain")

	// ErrUnauthorizedEmitter rejects messages from an untrusted address.
	ErrUnauthorizedEmitter = errors.New("router: unauthorized emitter")

	// ErrPathFrozen rejects admission while the circuit breaker holds the
	// path frozen. Retry once the path resumes.
	ErrPathFrozen = errors.New("router: bridging path frozen")
)

// SettlementFailedError reports an admission whose digest is committed but
// whose settlement did not complete. The message can never be resubmitted;
// recovery goes through the settlement journal.
type SettlementFailedError struct {
	Digest common.Hash
	Err    error
}

func (e *SettlementFailedError) Error() string {
	return fmt.Sprintf("router: settlement failed for admitted message %s: %v", e.Digest.Hex(), e.Err)
}

func (e *SettlementFailedError) Unwrap() error { return e.Err }

var (
	receiveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgeguard",
			Subsystem: "router",
			Name:      "receive_total",
			Help:      "Inbound messages by admission outcome",
		},
		[]string{"outcome"},
	)

	receiveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bridgeguard",
			Subsystem: "router",
			Name:      "receive_duration_seconds",
			Help:      "Time spent in the admission pipeline",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)
)

// trustedEmitter is the single authorized origin for this router instance.
type trustedEmitter struct {
	chainID uint16
	address common.Hash
	set     bool
}

// Router is the replay-guarded admission pipeline for one bridging path.
type Router struct {
	mu      sync.RWMutex
	emitter trustedEmitter

	path      string
	verifier  Verifier
	processed store.ProcessedSet
	gate      breaker.Gate
	quota     ratelimit.QuotaConsumer
	journal   *settlement.Journal
	authority *capability.Authority
	logger    *zap.Logger
}

// New wires the admission pipeline. path names the bridging path this router
// guards; it is both the circuit-breaker path ID and the rate-limit resource.
func New(
	path string,
	verifier Verifier,
	processed store.ProcessedSet,
	gate breaker.Gate,
	quota ratelimit.QuotaConsumer,
	journal *settlement.Journal,
	authority *capability.Authority,
	logger *zap.Logger,
) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		path:      path,
		verifier:  verifier,
		processed: processed,
		gate:      gate,
		quota:     quota,
		journal:   journal,
		authority: authority,
		logger:    logger,
	}
}

// SetTrustedEmitter overwrites the authorized origin under the
// administrative capability.
func (r *Router) SetTrustedEmitter(cred *capability.Capability, chainID uint16, address common.Hash) error {
	if err := r.authority.Verify(cred); err != nil {
		return err
	}
	r.mu.Lock()
	r.emitter = trustedEmitter{chainID: chainID, address: address, set: true}
	r.mu.Unlock()

	r.logger.Info("trusted emitter updated",
		zap.Uint16("chain_id", chainID),
		zap.String("address", address.Hex()))
	return nil
}

// Receive runs the admission pipeline on a raw inbound message and returns
// its digest. Arrival order carries no meaning: any message with a fresh
// digest, valid origin, open path, and available quota is admitted.
func (r *Router) Receive(ctx context.Context, raw []byte) (common.Hash, error) {
	start := time.Now()
	digest, err := r.receive(ctx, raw)
	receiveDuration.Observe(time.Since(start).Seconds())
	receiveTotal.WithLabelValues(outcomeLabel(err)).Inc()
	return digest, err
}

func (r *Router) receive(ctx context.Context, raw []byte) (common.Hash, error) {
	msg, err := r.verifier.Verify(ctx, raw)
	if err != nil {
		return common.Hash{}, err
	}

	seen, err := r.processed.Contains(ctx, msg.Digest)
	if err != nil {
		return msg.Digest, err
	}
	if seen {
		return msg.Digest, ErrDuplicateMessage
	}

	r.mu.RLock()
	emitter := r.emitter
	r.mu.RUnlock()
	if !emitter.set {
		return msg.Digest, ErrNoTrustedEmitter
	}
	if msg.EmitterChainID != emitter.chainID {
		return msg.Digest, fmt.Errorf("%w: got %d, want %d",
			ErrWrongEmitterChain, msg.EmitterChainID, emitter.chainID)
	}
	if msg.EmitterAddress != emitter.address {
		return msg.Digest, fmt.Errorf("%w: %s", ErrUnauthorizedEmitter, msg.EmitterAddress.Hex())
	}

	// Frozen paths and exhausted quota are retry-later conditions; both are
	// checked before the digest commit so the message stays admissible once
	// the condition clears.
	if r.gate.IsFrozen(r.path) {
		return msg.Digest, ErrPathFrozen
	}

	transfer, err := DecodeTransferPayload(msg.Payload)
	if err != nil {
		return msg.Digest, err
	}
	if err := r.quota.Consume(ctx, r.path, transfer.Amount); err != nil {
		return msg.Digest, err
	}

	// Point of no return. A concurrent commit of the same digest loses here
	// even though the early membership check passed; the loser's quota
	// charge is credited back so a duplicate rejection leaves no mutation.
	inserted, err := r.processed.Insert(ctx, msg.Digest)
	if err != nil {
		return msg.Digest, err
	}
	if !inserted {
		if rerr := r.quota.Refund(ctx, r.path, transfer.Amount); rerr != nil {
			r.logger.Error("quota refund failed after lost digest commit",
				zap.String("digest", msg.Digest.Hex()), zap.Error(rerr))
		}
		return msg.Digest, ErrDuplicateMessage
	}

	r.logger.Info("message admitted",
		zap.String("digest", msg.Digest.Hex()),
		zap.Uint16("emitter_chain", msg.EmitterChainID),
		zap.String("amount", transfer.Amount.String()))

	if err := r.journal.Execute(ctx, msg.Digest, transfer.Recipient, transfer.Amount, msg.Payload); err != nil {
		if rec, ok := r.gate.(failureRecorder); ok {
			rec.RecordFailure(r.path)
		}
		return msg.Digest, &SettlementFailedError{Digest: msg.Digest, Err: err}
	}
	if rec, ok := r.gate.(failureRecorder); ok {
		rec.RecordSuccess(r.path)
	}
	return msg.Digest, nil
}

// IsProcessed reports whether a digest was admitted.
func (r *Router) IsProcessed(ctx context.Context, digest common.Hash) (bool, error) {
	return r.processed.Contains(ctx, digest)
}

// TrustedEmitter returns the configured origin for observability.
func (r *Router) TrustedEmitter() (chainID uint16, address common.Hash, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emitter.chainID, r.emitter.address, r.emitter.set
}

// failureRecorder is the optional breaker surface for auto-tripping on
// settlement failures.
type failureRecorder interface {
	RecordFailure(path string)
	RecordSuccess(path string)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "admitted"
	case errors.Is(err, ErrDuplicateMessage):
		return "duplicate"
	case errors.Is(err, ErrWrongEmitterChain):
		return "wrong_chain"
	case errors.Is(err, ErrUnauthorizedEmitter):
		return "unauthorized_emitter"
	case errors.Is(err, ErrPathFrozen):
		return "path_frozen"
	case ratelimit.IsRateLimitExceeded(err):
		return "rate_limited"
	default:
		var sf *SettlementFailedError
		if errors.As(err, &sf) {
			return "settlement_failed"
		}
		return "rejected"
	}
}
