package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "checkout_idempotency:"

// RedisStore shares submit keys across instances. Redis expiry replaces the cleanup sweep.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption customises a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces the stored keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore constructs the store over an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	store := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *RedisStore) key(key string) string {
	return s.prefix + storageID(key)
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	ttl = ttlOrDefault(ttl)
	id := s.key(key)
	record := held(fingerprint, now.UTC(), ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	// a key that expires between SETNX and GET gets one more attempt
	for i := 0; i < 2; i++ {
		created, err := s.client.SetNX(ctx, id, payload, ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: redis reserve: %w", err)
		}
		if created {
			return Reservation{State: ReservationStateNew, Record: record}, nil
		}
		existing, err := s.load(ctx, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Reservation{}, err
		}
		return existing.against(fingerprint)
	}
	return Reservation{State: ReservationStatePending}, nil
}

// SaveResponse implements Store.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	ttl = ttlOrDefault(ttl)
	id := s.key(key)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		record, err := decodeRecord(tx.Get(ctx, id))
		switch {
		case errors.Is(err, redis.Nil):
			record = Record{Fingerprint: fingerprint}
		case err != nil:
			return err
		case record.Fingerprint != fingerprint:
			return ErrFingerprintMismatch
		}
		payload, err := json.Marshal(record.withResponse(resp, now.UTC(), ttl))
		if err != nil {
			return fmt.Errorf("idempotency: encode record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, id, payload, ttl)
			return nil
		})
		return err
	}, id)
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	id := s.key(key)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		record, err := decodeRecord(tx.Get(ctx, id))
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil || record.Fingerprint != fingerprint {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, id)
			return nil
		})
		return err
	}, id)
}

// CleanupExpired is a no-op because every key carries a Redis TTL.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

// Ping reports whether Redis answers, for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) load(ctx context.Context, id string) (Record, error) {
	return decodeRecord(s.client.Get(ctx, id))
}

func decodeRecord(cmd *redis.StringCmd) (Record, error) {
	data, err := cmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("idempotency: redis get: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, nil
}
