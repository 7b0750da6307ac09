package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const idempotencyPending = "pending"

// IdempotencyStore remembers send results per (tenant, Idempotency-Key).
type IdempotencyStore interface {
	// Begin claims key. When another call already claimed it, started is false and prev holds its
	// stored result, or is nil while that call is still running.
	Begin(ctx context.Context, tenantID uuid.UUID, key string) (prev []byte, started bool, err error)
	Complete(ctx context.Context, tenantID uuid.UUID, key string, result []byte) error
	// Abort forgets a claim whose request failed before dispatch.
	Abort(ctx context.Context, tenantID uuid.UUID, key string) error
}

type redisIdempotency struct {
	rc  redis.UniversalClient
	ttl time.Duration
}

// NewRedisIdempotency keeps claims and results for ttl.
func NewRedisIdempotency(rc redis.UniversalClient, ttl time.Duration) IdempotencyStore {
	return &redisIdempotency{rc: rc, ttl: ttl}
}

func idempotencyKey(tenantID uuid.UUID, key string) string {
	sum := sha256.Sum256([]byte(key))
	return "idem:" + tenantID.String() + ":" + hex.EncodeToString(sum[:16])
}

func (r *redisIdempotency) Begin(ctx context.Context, tenantID uuid.UUID, key string) ([]byte, bool, error) {
	k := idempotencyKey(tenantID, key)
	ok, err := r.rc.SetNX(ctx, k, idempotencyPending, r.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return nil, true, nil
	}
	v, err := r.rc.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; claim again.
		ok, err = r.rc.SetNX(ctx, k, idempotencyPending, r.ttl).Result()
		return nil, ok, err
	}
	if err != nil {
		return nil, false, err
	}
	if string(v) == idempotencyPending {
		return nil, false, nil
	}
	return v, false, nil
}

func (r *redisIdempotency) Complete(ctx context.Context, tenantID uuid.UUID, key string, result []byte) error {
	return r.rc.Set(ctx, idempotencyKey(tenantID, key), result, redis.KeepTTL).Err()
}

func (r *redisIdempotency) Abort(ctx context.Context, tenantID uuid.UUID, key string) error {
	return r.rc.Del(ctx, idempotencyKey(tenantID, key)).Err()
}
