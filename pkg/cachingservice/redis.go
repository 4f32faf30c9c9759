// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cachingservice

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/apigw/pkg/apiml"
)

// DefaultRedisKeyPrefix prefixes the hash holding one service's entries.
const DefaultRedisKeyPrefix = "apiml:cache:"

// updateExisting sets a hash field only when it is already present.
var updateExisting = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// RedisStorage keeps each service's entries in one Redis hash.
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStorage creates a storage backed by client. An empty prefix
// selects DefaultRedisKeyPrefix.
func NewRedisStorage(client redis.UniversalClient, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (s *RedisStorage) hash(serviceID string) string {
	return s.prefix + serviceID
}

// Create implements Storage.
func (s *RedisStorage) Create(ctx context.Context, serviceID string, kv KeyValue) error {
	created, err := s.client.HSetNX(ctx, s.hash(serviceID), kv.Key, kv.Value).Result()
	if err != nil {
		return fmt.Errorf("failed to create key %q: %w", kv.Key, err)
	}
	if !created {
		return fmt.Errorf("%w: key %q", apiml.ErrConflict, kv.Key)
	}
	return nil
}

// Read implements Storage.
func (s *RedisStorage) Read(ctx context.Context, serviceID, key string) (KeyValue, error) {
	value, err := s.client.HGet(ctx, s.hash(serviceID), key).Result()
	if errors.Is(err, redis.Nil) {
		return KeyValue{}, fmt.Errorf("%w: key %q", apiml.ErrNotFound, key)
	}
	if err != nil {
		return KeyValue{}, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return KeyValue{Key: key, Value: value}, nil
}

// Update implements Storage.
func (s *RedisStorage) Update(ctx context.Context, serviceID string, kv KeyValue) error {
	updated, err := updateExisting.Run(ctx, s.client, []string{s.hash(serviceID)}, kv.Key, kv.Value).Int()
	if err != nil {
		return fmt.Errorf("failed to update key %q: %w", kv.Key, err)
	}
	if updated == 0 {
		return fmt.Errorf("%w: key %q", apiml.ErrNotFound, kv.Key)
	}
	return nil
}

// Delete implements Storage.
func (s *RedisStorage) Delete(ctx context.Context, serviceID, key string) error {
	n, err := s.client.HDel(ctx, s.hash(serviceID), key).Result()
	if err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: key %q", apiml.ErrNotFound, key)
	}
	return nil
}

// ReadAll implements Storage. Entries are ordered by key.
func (s *RedisStorage) ReadAll(ctx context.Context, serviceID string) ([]KeyValue, error) {
	entries, err := s.client.HGetAll(ctx, s.hash(serviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read entries of %q: %w", serviceID, err)
	}
	out := make([]KeyValue, 0, len(entries))
	for k, v := range entries {
		out = append(out, KeyValue{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeleteAll implements Storage.
func (s *RedisStorage) DeleteAll(ctx context.Context, serviceID string) error {
	if err := s.client.Del(ctx, s.hash(serviceID)).Err(); err != nil {
		return fmt.Errorf("failed to delete entries of %q: %w", serviceID, err)
	}
	return nil
}
