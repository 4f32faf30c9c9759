package loadbalancer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/lbcache"
)

func instances(lbType string, ids ...string) []apiml.ServiceInstance {
	out := make([]apiml.ServiceInstance, 0, len(ids))
	for _, id := range ids {
		out = append(out, apiml.ServiceInstance{
			ServiceID:  "DISCOVERABLECLIENT",
			InstanceID: id,
			URI:        "https://" + id,
			Metadata:   map[string]string{apiml.MetadataLBType: lbType},
		})
	}
	return out
}

func TestBalancer_RoundRobin(t *testing.T) {
	t.Parallel()
	b := New(lbcache.New(), time.Hour)
	ctx := context.Background()
	all := instances("", "a", "b", "c")

	var got []string
	for range 4 {
		inst, err := b.Choose(ctx, all, "USER1")
		require.NoError(t, err)
		got = append(got, inst.InstanceID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestBalancer_Sticky(t *testing.T) {
	t.Parallel()
	cache := lbcache.New()
	b := New(cache, 8*time.Hour)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	// an earlier decision for a different instance is honored
	require.NoError(t, cache.Store(ctx, "USER1", "discoverableclient", lbcache.Record{InstanceID: "b", CreationTime: now}))
	all := instances(TypeAuthentication, "a", "b")
	for range 3 {
		inst, err := b.Choose(ctx, all, "USER1")
		require.NoError(t, err)
		assert.Equal(t, "b", inst.InstanceID)
	}

	// a fresh user gets the first instance, and keeps it
	inst, err := b.Choose(ctx, all, "USER2")
	require.NoError(t, err)
	assert.Equal(t, "a", inst.InstanceID)
	rec, err := cache.Retrieve(ctx, "USER2", "discoverableclient")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.InstanceID)
	assert.Equal(t, now, rec.CreationTime)

	// expired decisions are replaced
	now = now.Add(9 * time.Hour)
	inst, err = b.Choose(ctx, all, "USER1")
	require.NoError(t, err)
	assert.Equal(t, "a", inst.InstanceID)
	rec, err = cache.Retrieve(ctx, "USER1", "discoverableclient")
	require.NoError(t, err)
	assert.Equal(t, lbcache.Record{InstanceID: "a", CreationTime: now}, rec)
}

func TestBalancer_StickyInstanceGone(t *testing.T) {
	t.Parallel()
	cache := lbcache.New()
	b := New(cache, 0)
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, "USER1", "discoverableclient", lbcache.Record{InstanceID: "gone", CreationTime: time.Now()}))
	inst, err := b.Choose(ctx, instances(TypeAuthentication, "a", "b"), "USER1")
	require.NoError(t, err)
	assert.Equal(t, "a", inst.InstanceID)
}

func TestBalancer_StickyWithoutUser(t *testing.T) {
	t.Parallel()
	b := New(lbcache.New(), 0)
	all := instances(TypeAuthentication, "a", "b")

	first, err := b.Choose(context.Background(), all, "")
	require.NoError(t, err)
	second, err := b.Choose(context.Background(), all, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.InstanceID, second.InstanceID, "anonymous callers are balanced round-robin")
}

func TestBalancer_NoInstances(t *testing.T) {
	t.Parallel()
	_, err := New(nil, 0).Choose(context.Background(), nil, "USER1")
	assert.ErrorIs(t, err, apiml.ErrServiceUnavailable)
}
