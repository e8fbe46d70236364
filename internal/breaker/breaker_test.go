package breaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexafin/bridgeguard/internal/capability"
)

func newTestBreaker(t *testing.T, maxFailures int) (*Breaker, *capability.Capability) {
	t.Helper()
	auth, cred, err := capability.NewAuthority(zap.NewNop())
	require.NoError(t, err)
	return New(auth, maxFailures, zap.NewNop()), cred
}

func TestBreaker_PauseResume(t *testing.T) {
	b, cred := newTestBreaker(t, 0)

	assert.False(t, b.IsFrozen("tbtc"))

	require.NoError(t, b.Pause(cred, "tbtc"))
	assert.True(t, b.IsFrozen("tbtc"))
	assert.False(t, b.IsFrozen("other"), "freeze is per path")

	require.NoError(t, b.Resume(cred, "tbtc"))
	assert.False(t, b.IsFrozen("tbtc"))
}

func TestBreaker_PauseRequiresCapability(t *testing.T) {
	b, _ := newTestBreaker(t, 0)

	assert.ErrorIs(t, b.Pause(nil, "tbtc"), capability.ErrNilCapability)
	assert.ErrorIs(t, b.Resume(&capability.Capability{}, "tbtc"), capability.ErrUnauthorized)
	assert.False(t, b.IsFrozen("tbtc"))
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b, cred := newTestBreaker(t, 3)

	b.RecordFailure("tbtc")
	b.RecordFailure("tbtc")
	assert.False(t, b.IsFrozen("tbtc"))

	// A success in between resets the count.
	b.RecordSuccess("tbtc")
	b.RecordFailure("tbtc")
	b.RecordFailure("tbtc")
	assert.False(t, b.IsFrozen("tbtc"))

	b.RecordFailure("tbtc")
	assert.True(t, b.IsFrozen("tbtc"))

	// Only an administrator thaws a tripped path.
	require.NoError(t, b.Resume(cred, "tbtc"))
	assert.False(t, b.IsFrozen("tbtc"))
}

func TestBreaker_AutoTripDisabled(t *testing.T) {
	b, _ := newTestBreaker(t, 0)
	for i := 0; i < 100; i++ {
		b.RecordFailure("tbtc")
	}
	assert.False(t, b.IsFrozen("tbtc"))
}
