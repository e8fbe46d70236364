package ratelimit

import (
	"context"
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexafin/bridgeguard/internal/capability"
)

// No Redis instance backs these tests; they cover the policy and validation
// paths that return before any network call.
func newTestRedisLimiter(t *testing.T) (*RedisLimiter, *capability.Capability) {
	t.Helper()
	auth, cred, err := capability.NewAuthority(zap.NewNop())
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	return NewRedisLimiter(client, auth, zap.NewNop()), cred
}

func TestRedisLimiter_SetConfigRequiresCapability(t *testing.T) {
	rl, _ := newTestRedisLimiter(t)
	err := rl.SetConfig(context.Background(), nil, "tbtc", cfg(10, 100, true))
	assert.ErrorIs(t, err, capability.ErrNilCapability)
}

func TestRedisLimiter_SetConfigRejectsInvalid(t *testing.T) {
	rl, cred := newTestRedisLimiter(t)
	ctx := context.Background()

	assert.ErrorIs(t, rl.SetConfig(ctx, cred, "tbtc", cfg(0, 100, true)), ErrInvalidConfig)
	assert.ErrorIs(t, rl.SetConfig(ctx, cred, "tbtc", cfg(10, 0, true)), ErrInvalidConfig)
}

func TestRedisLimiter_SetConfigRejectsBeyondInt64(t *testing.T) {
	rl, cred := newTestRedisLimiter(t)
	huge, ok := new(big.Int).SetString("ffffffffffffffffffffffffffffffff", 16)
	require.True(t, ok)

	err := rl.SetConfig(context.Background(), cred, "tbtc", Config{
		Rate: big.NewInt(10), Capacity: huge, Enabled: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "int64")
}

func TestRedisLimiter_UnconfiguredResourceIsUnlimited(t *testing.T) {
	rl, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	assert.NoError(t, rl.Consume(ctx, "unknown", big.NewInt(1_000_000)))
	assert.NoError(t, rl.Refund(ctx, "unknown", big.NewInt(1_000_000)))

	_, ok, err := rl.State(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLimiter_DisabledBucketAdmitsEverything(t *testing.T) {
	rl, cred := newTestRedisLimiter(t)
	ctx := context.Background()
	require.NoError(t, rl.SetConfig(ctx, cred, "tbtc", Config{Enabled: false}))

	assert.NoError(t, rl.Consume(ctx, "tbtc", big.NewInt(1_000_000)))
	assert.NoError(t, rl.Refund(ctx, "tbtc", big.NewInt(1_000_000)))
}

// A disabled policy and a missing one are different operator states; the
// consume counter keeps them apart.
func TestRedisLimiter_ConsumeOutcomeLabels(t *testing.T) {
	rl, cred := newTestRedisLimiter(t)
	ctx := context.Background()
	require.NoError(t, rl.SetConfig(ctx, cred, "label-disabled", Config{Enabled: false}))

	before := testutil.ToFloat64(consumeTotal.WithLabelValues("label-disabled", "disabled"))
	require.NoError(t, rl.Consume(ctx, "label-disabled", big.NewInt(1)))
	assert.Equal(t, before+1,
		testutil.ToFloat64(consumeTotal.WithLabelValues("label-disabled", "disabled")))

	before = testutil.ToFloat64(consumeTotal.WithLabelValues("label-missing", "unconfigured"))
	require.NoError(t, rl.Consume(ctx, "label-missing", big.NewInt(1)))
	assert.Equal(t, before+1,
		testutil.ToFloat64(consumeTotal.WithLabelValues("label-missing", "unconfigured")))
}

func TestRedisLimiter_RejectsInvalidAmounts(t *testing.T) {
	rl, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	assert.ErrorIs(t, rl.Consume(ctx, "tbtc", nil), ErrInvalidAmount)
	assert.ErrorIs(t, rl.Consume(ctx, "tbtc", big.NewInt(-1)), ErrInvalidAmount)
	assert.ErrorIs(t, rl.Refund(ctx, "tbtc", nil), ErrInvalidAmount)
	assert.ErrorIs(t, rl.Refund(ctx, "tbtc", big.NewInt(-1)), ErrInvalidAmount)
}

func TestDecodeBucket(t *testing.T) {
	capacity := big.NewInt(100)

	// Missing fields: full bucket stamped now.
	tokens, last, err := decodeBucket([]interface{}{nil, nil}, capacity, 1_700_000_000)
	require.NoError(t, err)
	assert.Zero(t, tokens.Cmp(capacity))
	assert.Equal(t, int64(1_700_000_000), last)

	// Stored fields win.
	tokens, last, err = decodeBucket([]interface{}{"42", "1699999990"}, capacity, 1_700_000_000)
	require.NoError(t, err)
	assert.Zero(t, tokens.Cmp(big.NewInt(42)))
	assert.Equal(t, int64(1_699_999_990), last)

	// Corrupt fields are reported, not silently replaced.
	_, _, err = decodeBucket([]interface{}{"not-a-number", "1699999990"}, capacity, 1_700_000_000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed token count")

	_, _, err = decodeBucket([]interface{}{"42", "garbage"}, capacity, 1_700_000_000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed refill stamp")

	_, _, err = decodeBucket([]interface{}{"42"}, capacity, 1_700_000_000)
	require.Error(t, err)
}

func TestRedisLimiter_RejectsAmountBeyondInt64(t *testing.T) {
	rl, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	// Install the policy directly: the script path is what matters here.
	rl.configs["tbtc"] = cfg(10, 100, true)

	huge, ok := new(big.Int).SetString("ffffffffffffffffffffffffffffffff", 16)
	require.True(t, ok)

	err := rl.Consume(ctx, "tbtc", huge)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds distributed limiter range")

	err = rl.Refund(ctx, "tbtc", huge)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds distributed limiter range")
}
