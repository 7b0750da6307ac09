package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdem(t *testing.T) (IdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return NewRedisIdempotency(rc, time.Hour), mr
}

func TestRedisIdempotency_Lifecycle(t *testing.T) {
	store, _ := newIdem(t)
	ctx := context.Background()
	tenant := uuid.New()

	prev, started, err := store.Begin(ctx, tenant, "k1")
	require.NoError(t, err)
	assert.True(t, started)
	assert.Nil(t, prev)

	prev, started, err = store.Begin(ctx, tenant, "k1")
	require.NoError(t, err)
	assert.False(t, started)
	assert.Nil(t, prev, "in-flight key has no result yet")

	require.NoError(t, store.Complete(ctx, tenant, "k1", []byte(`{"successful":1}`)))
	prev, started, err = store.Begin(ctx, tenant, "k1")
	require.NoError(t, err)
	assert.False(t, started)
	assert.JSONEq(t, `{"successful":1}`, string(prev))
}

func TestRedisIdempotency_AbortAllowsRetry(t *testing.T) {
	store, _ := newIdem(t)
	ctx := context.Background()
	tenant := uuid.New()

	_, started, err := store.Begin(ctx, tenant, "k")
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, store.Abort(ctx, tenant, "k"))

	_, started, err = store.Begin(ctx, tenant, "k")
	require.NoError(t, err)
	assert.True(t, started)
}

func TestRedisIdempotency_KeysAreTenantScopedAndExpire(t *testing.T) {
	store, mr := newIdem(t)
	ctx := context.Background()

	_, started, err := store.Begin(ctx, uuid.New(), "shared")
	require.NoError(t, err)
	require.True(t, started)
	_, started, err = store.Begin(ctx, uuid.New(), "shared")
	require.NoError(t, err)
	assert.True(t, started)

	tenant := uuid.New()
	_, _, err = store.Begin(ctx, tenant, "ttl")
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)
	_, started, err = store.Begin(ctx, tenant, "ttl")
	require.NoError(t, err)
	assert.True(t, started)
}
