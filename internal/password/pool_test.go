package password

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nimbus-ide/nimbus/internal/shared"
)

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithCost(bcrypt.MinCost)}, opts...)
	pool := NewPool(nil, opts...)
	t.Cleanup(pool.Close)
	return pool
}

func TestHashVerifyRoundTrip(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	digest, err := pool.Hash(ctx, "Str0ng!1")
	require.NoError(t, err)
	require.NotEmpty(t, digest)

	ok, err := pool.Verify(ctx, digest, "Str0ng!1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pool.Verify(ctx, digest, "wrong-password")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashesAreSalted(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	first, err := pool.Hash(ctx, "same-password")
	require.NoError(t, err)
	second, err := pool.Hash(ctx, "same-password")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)

	for _, digest := range []string{first, second} {
		ok, err := pool.Verify(ctx, digest, "same-password")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestDispatchTimesOut(t *testing.T) {
	pool := newTestPool(t, WithWorkers(1), WithTimeout(50*time.Millisecond))
	pool.run = func(req request) response {
		time.Sleep(300 * time.Millisecond)
		return response{}
	}

	_, err := pool.Hash(context.Background(), "anything")
	require.ErrorIs(t, err, shared.ErrHashTimeout)
}

func TestCrashedWorkerIsRespawned(t *testing.T) {
	pool := newTestPool(t, WithWorkers(1), WithTimeout(100*time.Millisecond))

	var calls atomic.Int32
	real := pool.execute
	pool.run = func(req request) response {
		if calls.Add(1) == 1 {
			panic("worker died")
		}
		return real(req)
	}

	// First request rides the crashing worker and is abandoned to its timeout.
	_, err := pool.Hash(context.Background(), "first")
	require.Error(t, err)

	// The slot must have been respawned and serve the next request.
	var digest string
	require.Eventually(t, func() bool {
		d, err := pool.Hash(context.Background(), "second")
		if err != nil {
			return false
		}
		digest = d
		return true
	}, 2*time.Second, 20*time.Millisecond)

	ok, err := pool.Verify(context.Background(), digest, "second")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestContextCancellation(t *testing.T) {
	pool := newTestPool(t, WithWorkers(1))
	pool.run = func(req request) response {
		time.Sleep(200 * time.Millisecond)
		return response{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Hash(ctx, "anything")
	require.True(t, errors.Is(err, context.Canceled) || errors.Is(err, shared.ErrHashTimeout))
}

func TestPoolSizeBounded(t *testing.T) {
	pool := newTestPool(t)
	assert.LessOrEqual(t, pool.Size(), maxWorkers)
	assert.GreaterOrEqual(t, pool.Size(), 1)
}

func TestClosedPoolRejectsRequests(t *testing.T) {
	pool := NewPool(nil, WithCost(bcrypt.MinCost))
	pool.Close()
	_, err := pool.Hash(context.Background(), "anything")
	require.Error(t, err)
}
