package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "payguard:nonce:"

	redisStateReserved = "reserved"
	redisStateConsumed = "consumed"
)

// markConsumedScript transitions reserved -> consumed and extends the key
// to the retention deadline. The whole transition runs inside Redis so it
// is atomic with respect to concurrent Reserve/Release calls.
var markConsumedScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == "reserved" then
	redis.call("SET", KEYS[1], "consumed", "PX", ARGV[1])
	return 1
end
return 0
`)

// releaseScript deletes the key only while it is still reserved, so a
// consumed record can never be released by a slow failure path.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == "reserved" then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is a Store backed by Redis, for deployments where replay
// protection must survive restarts or be shared by multiple instances of
// the resource server. Reservation atomicity comes from SET NX; expiry is
// delegated to Redis key TTLs.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed nonce store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(nonce string) string {
	return redisKeyPrefix + nonce
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, nonce string, ttl time.Duration) (ReserveStatus, error) {
	key := redisKey(nonce)

	set, err := s.client.SetNX(ctx, key, redisStateReserved, ttl).Result()
	if err != nil {
		return AlreadyReserved, fmt.Errorf("nonce: redis SETNX: %w", err)
	}
	if set {
		return Reserved, nil
	}

	state, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// The holder vanished between SETNX and GET. Treat as contended;
		// the payer can retry.
		return AlreadyReserved, nil
	}
	if err != nil {
		return AlreadyReserved, fmt.Errorf("nonce: redis GET: %w", err)
	}

	if state == redisStateConsumed {
		return AlreadyConsumed, nil
	}
	return AlreadyReserved, nil
}

// MarkConsumed implements Store.
func (s *RedisStore) MarkConsumed(ctx context.Context, nonce string, retainUntil time.Time) error {
	retainMillis := time.Until(retainUntil).Milliseconds()
	if retainMillis <= 0 {
		retainMillis = 1
	}

	ok, err := markConsumedScript.Run(ctx, s.client, []string{redisKey(nonce)}, retainMillis).Int()
	if err != nil {
		return fmt.Errorf("nonce: redis mark consumed: %w", err)
	}
	if ok != 1 {
		return ErrNotReserved
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, nonce string) error {
	if _, err := releaseScript.Run(ctx, s.client, []string{redisKey(nonce)}).Result(); err != nil {
		return fmt.Errorf("nonce: redis release: %w", err)
	}
	return nil
}

// SweepExpired implements Store. Redis evicts expired keys itself, so there
// is nothing to do here.
func (s *RedisStore) SweepExpired(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

var _ Store = (*RedisStore)(nil)
