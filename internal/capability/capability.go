// Package capability implements the possession-based administrative
// credential gating privileged mutations. A Capability is an unforgeable
// value minted by an Authority; exactly one live holder exists per authority
// at any time, and administrative power moves only by explicit transfer.
package capability

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrUnauthorized is returned when a presented capability is not the
	// authority's current live credential.
	ErrUnauthorized = errors.New("capability: not the current credential holder")

	// ErrNilCapability is returned when no capability is presented at all.
	ErrNilCapability = errors.New("capability: nil credential")
)

// Capability is an unforgeable administrative credential. The nonce is
// unexported so a Capability can only be obtained from an Authority.
type Capability struct {
	nonce [32]byte
}

// Token returns the hex form of the credential for out-of-band presentation
// (e.g. the admin HTTP header). Treat it as a secret.
func (c *Capability) Token() string {
	return hex.EncodeToString(c.nonce[:])
}

// Authority mints and tracks the single live capability for one
// administrative scope.
type Authority struct {
	mu     sync.RWMutex
	holder *Capability
	logger *zap.Logger
}

// NewAuthority creates an authority and mints its initial capability.
func NewAuthority(logger *zap.Logger) (*Authority, *Capability, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Authority{logger: logger}
	cred, err := a.mint()
	if err != nil {
		return nil, nil, err
	}
	a.holder = cred
	return a, cred, nil
}

func (a *Authority) mint() (*Capability, error) {
	cred := &Capability{}
	if _, err := rand.Read(cred.nonce[:]); err != nil {
		return nil, err
	}
	return cred, nil
}

// Verify checks that cred is the live credential. Every capability-gated
// entry point calls this before mutating anything.
func (a *Authority) Verify(cred *Capability) error {
	if cred == nil {
		return ErrNilCapability
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.holder == nil || a.holder.nonce != cred.nonce {
		return ErrUnauthorized
	}
	return nil
}

// Transfer hands administrative power to a newly minted credential. The
// presented credential must be the live one; it is invalidated on success.
func (a *Authority) Transfer(cred *Capability) (*Capability, error) {
	if cred == nil {
		return nil, ErrNilCapability
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder == nil || a.holder.nonce != cred.nonce {
		return nil, ErrUnauthorized
	}
	next, err := a.mint()
	if err != nil {
		return nil, err
	}
	a.holder = next
	a.logger.Info("administrative capability transferred")
	return next, nil
}

// Resolve maps a presented hex token back to the live credential. Used by
// the admin API to turn a request header into a *Capability value.
func (a *Authority) Resolve(token string) (*Capability, error) {
	raw, err := hex.DecodeString(token)
	if err != nil || len(raw) != 32 {
		return nil, ErrUnauthorized
	}
	var nonce [32]byte
	copy(nonce[:], raw)
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.holder == nil || a.holder.nonce != nonce {
		return nil, ErrUnauthorized
	}
	return a.holder, nil
}
