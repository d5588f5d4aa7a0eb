package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps objects as plain string values in Redis.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisStore creates an object store sharing a task graph's Redis.
func NewRedisStore(rdb *redis.Client, namespace string) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	return &RedisStore{rdb: rdb, namespace: namespace}, nil
}

// ObjectKey returns the Redis key for an object.
// Pattern: crucible:{namespace}:object:{ref}
func ObjectKey(namespace string, ref Ref) string {
	return fmt.Sprintf("crucible:%s:object:%s", namespace, ref)
}

// Put stores data with SETNX; an existing object is left untouched.
func (s *RedisStore) Put(ctx context.Context, key Key, data []byte) (Ref, error) {
	ref, stored, err := prepare(key, data)
	if err != nil {
		return "", err
	}
	if err := s.rdb.SetNX(ctx, ObjectKey(s.namespace, ref), stored, 0).Err(); err != nil {
		return "", fmt.Errorf("failed to write object to Redis: %w", err)
	}
	return ref, nil
}

// Get reads and verifies an object.
func (s *RedisStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	_, digest, err := ref.Parse()
	if err != nil {
		return nil, err
	}
	stored, err := s.rdb.Get(ctx, ObjectKey(s.namespace, ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object from Redis: %w", err)
	}
	return decodeVerified(stored, ref, digest)
}

// Exists reports whether an object is stored under ref.
func (s *RedisStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	if _, _, err := ref.Parse(); err != nil {
		return false, err
	}
	n, err := s.rdb.Exists(ctx, ObjectKey(s.namespace, ref)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check object: %w", err)
	}
	return n == 1, nil
}
