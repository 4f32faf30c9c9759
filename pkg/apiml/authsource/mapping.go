package authsource

import (
	"context"
	"strings"
)

// IdentityMapper maps a distributed identity to a mainframe user id.
type IdentityMapper interface {
	MapToMainframe(ctx context.Context, distributedID string) (string, bool)
}

// StaticMapper maps identities from a fixed table. Lookups are case-insensitive.
type StaticMapper struct {
	table map[string]string
}

// NewStaticMapper creates a mapper from distributed id to mainframe user.
func NewStaticMapper(table map[string]string) *StaticMapper {
	m := make(map[string]string, len(table))
	for k, v := range table {
		m[strings.ToLower(k)] = strings.ToUpper(v)
	}
	return &StaticMapper{table: m}
}

// MapToMainframe implements IdentityMapper.
func (m *StaticMapper) MapToMainframe(_ context.Context, distributedID string) (string, bool) {
	user, ok := m.table[strings.ToLower(distributedID)]
	return user, ok && user != ""
}
