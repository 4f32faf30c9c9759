package authsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/apigw/pkg/apiml"
)

// RevocationStore records tokens invalidated before their expiry.
//
//go:generate mockgen -destination=mocks/mock_revocation.go -package=mocks -source=revocation.go RevocationStore
type RevocationStore interface {
	// IsRevoked reports whether the token id was revoked. An error means the
	// store could not be consulted.
	IsRevoked(ctx context.Context, id string) (bool, error)

	// Revoke marks the token id as revoked until the given time.
	Revoke(ctx context.Context, id string, until time.Time) error
}

// TokenID returns the revocation id of a token: its jti when present,
// otherwise a digest of the raw value.
func TokenID(jti, raw string) string {
	if jti != "" {
		return jti
	}
	sum := sha256.Sum256([]byte(raw))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// MemoryRevocationStore keeps revocations in process memory.
type MemoryRevocationStore struct {
	entries sync.Map // id -> time.Time
	now     func() time.Time
}

// NewMemoryRevocationStore creates an empty in-memory store.
func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{now: time.Now}
}

// IsRevoked implements RevocationStore. Entries past their expiry are dropped.
func (s *MemoryRevocationStore) IsRevoked(_ context.Context, id string) (bool, error) {
	v, ok := s.entries.Load(id)
	if !ok {
		return false, nil
	}
	if until, _ := v.(time.Time); s.now().After(until) {
		s.entries.Delete(id)
		return false, nil
	}
	return true, nil
}

// Revoke implements RevocationStore.
func (s *MemoryRevocationStore) Revoke(_ context.Context, id string, until time.Time) error {
	s.entries.Store(id, until)
	return nil
}

// RedisRevocationStore keeps revocations in Redis so that every gateway
// instance sees them. Keys expire together with the token.
type RedisRevocationStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisRevocationStore creates a store on an existing client.
func NewRedisRevocationStore(client redis.UniversalClient, keyPrefix string) *RedisRevocationStore {
	return &RedisRevocationStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (s *RedisRevocationStore) key(id string) string {
	return s.keyPrefix + "revoked:" + id
}

// IsRevoked implements RevocationStore.
func (s *RedisRevocationStore) IsRevoked(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: revocation store: %v", apiml.ErrServiceUnavailable, err)
	}
	return n > 0, nil
}

// Revoke implements RevocationStore.
func (s *RedisRevocationStore) Revoke(ctx context.Context, id string, until time.Time) error {
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.key(id), "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: revocation store: %v", apiml.ErrServiceUnavailable, err)
	}
	return nil
}
