// Package settlement drives the downstream mint/release collaborator and
// journals every admission's outcome. Replay protection commits before
// settlement, so a settlement failure leaves an orphaned admission; the
// journal keeps those visible and re-drivable without re-admission.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var settleTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bridgeguard",
		Subsystem: "settlement",
		Name:      "attempts_total",
		Help:      "Settlement attempts by result",
	},
	[]string{"result"},
)

// Target is the external mint/release collaborator invoked after a message
// is admitted.
type Target interface {
	Settle(ctx context.Context, recipient common.Hash, amount *big.Int, payload []byte) error
}

// Status tracks a journal entry through its lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// Entry records one admitted message's settlement outcome.
type Entry struct {
	ID        string      `json:"id"`
	Digest    common.Hash `json:"digest"`
	Recipient common.Hash `json:"recipient"`
	Amount    *big.Int    `json:"amount"`
	Payload   []byte      `json:"payload"`
	Status    Status      `json:"status"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Journal wraps a Target with per-digest outcome records. Entries whose
// settlement failed stay pending-recovery: Retry re-drives the target
// without touching replay protection.
type Journal struct {
	mu      sync.Mutex
	entries map[common.Hash]*Entry
	target  Target
	logger  *zap.Logger
}

// NewJournal wraps target.
func NewJournal(target Target, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		entries: make(map[common.Hash]*Entry),
		target:  target,
		logger:  logger,
	}
}

// Execute records the admission and drives settlement. On failure the entry
// is kept with StatusFailed for later Retry, and the error is returned to
// the caller.
func (j *Journal) Execute(ctx context.Context, digest, recipient common.Hash, amount *big.Int, payload []byte) error {
	now := time.Now()
	entry := &Entry{
		ID:        uuid.NewString(),
		Digest:    digest,
		Recipient: recipient,
		Amount:    new(big.Int).Set(amount),
		Payload:   append([]byte(nil), payload...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	j.mu.Lock()
	j.entries[digest] = entry
	j.mu.Unlock()

	return j.drive(ctx, entry)
}

// Retry re-drives settlement for a failed admission.
func (j *Journal) Retry(ctx context.Context, digest common.Hash) error {
	j.mu.Lock()
	entry, ok := j.entries[digest]
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("settlement: no journal entry for digest %s", digest.Hex())
	}
	if entry.Status == StatusSettled {
		return nil
	}
	return j.drive(ctx, entry)
}

func (j *Journal) drive(ctx context.Context, entry *Entry) error {
	err := j.target.Settle(ctx, entry.Recipient, entry.Amount, entry.Payload)

	j.mu.Lock()
	entry.Attempts++
	entry.UpdatedAt = time.Now()
	if err != nil {
		entry.Status = StatusFailed
		entry.LastError = err.Error()
	} else {
		entry.Status = StatusSettled
		entry.LastError = ""
	}
	j.mu.Unlock()

	if err != nil {
		settleTotal.WithLabelValues("failed").Inc()
		j.logger.Error("settlement failed",
			zap.String("digest", entry.Digest.Hex()),
			zap.String("entry_id", entry.ID),
			zap.Error(err))
		return err
	}
	settleTotal.WithLabelValues("settled").Inc()
	j.logger.Info("settlement completed",
		zap.String("digest", entry.Digest.Hex()),
		zap.String("amount", entry.Amount.String()))
	return nil
}

// Pending lists admissions whose settlement has not completed — the orphaned
// admissions an operator must recover.
func (j *Journal) Pending() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Entry
	for _, e := range j.entries {
		if e.Status != StatusSettled {
			out = append(out, *e)
		}
	}
	return out
}

// Lookup returns the journal entry for a digest.
func (j *Journal) Lookup(digest common.Hash) (Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[digest]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// LogTarget is a development settlement target that only logs. Deployments
// replace it with the real token custodian client.
type LogTarget struct {
	Logger *zap.Logger
}

func (t *LogTarget) Settle(_ context.Context, recipient common.Hash, amount *big.Int, _ []byte) error {
	if t.Logger != nil {
		t.Logger.Info("settle (log target)",
			zap.String("recipient", recipient.Hex()),
			zap.String("amount", amount.String()))
	}
	return nil
}
