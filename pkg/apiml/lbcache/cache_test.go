package lbcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/lbcache/mocks"
	"github.com/stacklok/apigw/pkg/apiml/metrics"
	"github.com/stacklok/apigw/pkg/cachingservice"
)

func record(id string) Record {
	return Record{InstanceID: id, CreationTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func encoded(t *testing.T, r Record) cachingservice.KeyValue {
	t.Helper()
	v, err := json.Marshal(r)
	require.NoError(t, err)
	return cachingservice.KeyValue{Key: Key("USER1", "svc"), Value: string(v)}
}

func TestKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "lb.USER1:discoverableclient", Key("USER1", "discoverableclient"))
}

func TestCache_RemoteUnreachable(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	remote := mocks.NewMockRemoteStore(ctrl)
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	c := New(WithRemote(remote), WithMetrics(m))
	ctx := context.Background()

	remote.EXPECT().Create(gomock.Any(), gomock.Any()).Return(apiml.ErrServiceUnavailable)
	remote.EXPECT().Update(gomock.Any(), gomock.Any()).Times(0)
	remote.EXPECT().Read(gomock.Any(), Key("USER1", "svc")).Return(cachingservice.KeyValue{}, apiml.ErrServiceUnavailable)

	require.NoError(t, c.Store(ctx, "USER1", "svc", record("inst-1")))
	got, err := c.Retrieve(ctx, "USER1", "svc")
	require.NoError(t, err)
	assert.Equal(t, record("inst-1"), got)

	expected := `
# HELP apigw_lbcache_remote_failures_total Failed calls to the remote load-balancer cache tier by operation.
# TYPE apigw_lbcache_remote_failures_total counter
apigw_lbcache_remote_failures_total{operation="create"} 1
apigw_lbcache_remote_failures_total{operation="read"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "apigw_lbcache_remote_failures_total"))
}

func TestCache_CreateConflictUpdates(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	remote := mocks.NewMockRemoteStore(ctrl)
	c := New(WithRemote(remote))

	kv := encoded(t, record("inst-2"))
	gomock.InOrder(
		remote.EXPECT().Create(gomock.Any(), kv).Return(fmt.Errorf("%w: key", apiml.ErrConflict)),
		remote.EXPECT().Update(gomock.Any(), kv).Return(nil),
	)

	require.NoError(t, c.Store(context.Background(), "USER1", "svc", record("inst-2")))
}

func TestCache_UpdateFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	remote := mocks.NewMockRemoteStore(ctrl)
	c := New(WithRemote(remote))

	remote.EXPECT().Create(gomock.Any(), gomock.Any()).Return(apiml.ErrConflict)
	remote.EXPECT().Update(gomock.Any(), gomock.Any()).Return(apiml.ErrServiceUnavailable)

	require.NoError(t, c.Store(context.Background(), "USER1", "svc", record("inst-2")))
	v, ok := c.local.Load(Key("USER1", "svc"))
	require.True(t, ok)
	assert.Equal(t, record("inst-2"), v)
}

func TestCache_Retrieve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		local   *Record
		remote  func(t *testing.T, m *mocks.MockRemoteStore)
		want    Record
		wantErr error
	}{
		{
			name:  "remote wins",
			local: &Record{InstanceID: "local"},
			remote: func(t *testing.T, m *mocks.MockRemoteStore) {
				t.Helper()
				m.EXPECT().Read(gomock.Any(), gomock.Any()).Return(encoded(t, record("remote")), nil)
			},
			want: record("remote"),
		},
		{
			name:  "undecodable remote value",
			local: &Record{InstanceID: "local"},
			remote: func(t *testing.T, m *mocks.MockRemoteStore) {
				t.Helper()
				m.EXPECT().Read(gomock.Any(), gomock.Any()).Return(cachingservice.KeyValue{Value: "{not json"}, nil)
			},
			want: Record{InstanceID: "local"},
		},
		{
			name:  "missing remotely",
			local: &Record{InstanceID: "local"},
			remote: func(t *testing.T, m *mocks.MockRemoteStore) {
				t.Helper()
				m.EXPECT().Read(gomock.Any(), gomock.Any()).Return(cachingservice.KeyValue{}, apiml.ErrNotFound)
			},
			want: Record{InstanceID: "local"},
		},
		{
			name: "missing everywhere",
			remote: func(t *testing.T, m *mocks.MockRemoteStore) {
				t.Helper()
				m.EXPECT().Read(gomock.Any(), gomock.Any()).Return(cachingservice.KeyValue{}, apiml.ErrNotFound)
			},
			want:    None,
			wantErr: apiml.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			remote := mocks.NewMockRemoteStore(ctrl)
			tt.remote(t, remote)
			c := New(WithRemote(remote))
			if tt.local != nil {
				c.local.Store(Key("USER1", "svc"), *tt.local)
			}

			got, err := c.Retrieve(context.Background(), "USER1", "svc")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCache_LocalOnly(t *testing.T) {
	t.Parallel()
	c := New()
	ctx := context.Background()

	_, err := c.Retrieve(ctx, "USER1", "svc")
	assert.ErrorIs(t, err, apiml.ErrNotFound)

	require.NoError(t, c.Store(ctx, "USER1", "svc", record("a")))
	got, err := c.Retrieve(ctx, "USER1", "svc")
	require.NoError(t, err)
	assert.Equal(t, record("a"), got)

	c.Delete(ctx, "USER1", "svc")
	_, err = c.Retrieve(ctx, "USER1", "svc")
	assert.ErrorIs(t, err, apiml.ErrNotFound)

	assert.ErrorIs(t, c.Store(ctx, "", "svc", record("a")), apiml.ErrInvalidInput)
}

func TestCache_ConcurrentKeys(t *testing.T) {
	t.Parallel()
	c := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := fmt.Sprintf("USER%d", i)
			assert.NoError(t, c.Store(ctx, user, "svc", record(user)))
			got, err := c.Retrieve(ctx, user, "svc")
			assert.NoError(t, err)
			assert.Equal(t, user, got.InstanceID)
		}()
	}
	wg.Wait()
}

func TestCache_CircuitBreaker(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	remote := mocks.NewMockRemoteStore(ctrl)
	c := New(WithRemote(remote), WithCircuitBreaker(2, time.Minute))
	now := time.Now()
	c.breaker.now = func() time.Time { return now }
	ctx := context.Background()

	remote.EXPECT().Read(gomock.Any(), gomock.Any()).Return(cachingservice.KeyValue{}, apiml.ErrServiceUnavailable).Times(2)
	for range 2 {
		_, err := c.Retrieve(ctx, "USER1", "svc")
		assert.ErrorIs(t, err, apiml.ErrNotFound)
	}
	assert.Equal(t, CircuitOpen, c.breaker.State())

	// open: the remote tier is not called
	require.NoError(t, c.Store(ctx, "USER1", "svc", record("local")))
	got, err := c.Retrieve(ctx, "USER1", "svc")
	require.NoError(t, err)
	assert.Equal(t, record("local"), got)

	// half-open after the timeout; a successful trial closes the circuit
	now = now.Add(time.Minute)
	remote.EXPECT().Read(gomock.Any(), gomock.Any()).Return(encoded(t, record("remote")), nil)
	got, err = c.Retrieve(ctx, "USER1", "svc")
	require.NoError(t, err)
	assert.Equal(t, record("remote"), got)
	assert.Equal(t, CircuitClosed, c.breaker.State())
}

func TestCircuitBreaker_HalfOpenFailure(t *testing.T) {
	t.Parallel()
	cb := newCircuitBreaker(1, time.Second)
	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.CanAttempt())

	now = now.Add(time.Second)
	assert.True(t, cb.CanAttempt())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.CanAttempt(), "one trial at a time")

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCache_WithCachingService(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.StripPrefix(cachingservice.APIPath,
		cachingservice.NewCacheRoutes(cachingservice.NewMemoryStorage()).Router()))
	t.Cleanup(srv.Close)

	client, err := cachingservice.NewClient(srv.URL+cachingservice.APIPath, "gateway", cachingservice.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	ctx := context.Background()
	first := New(WithRemote(client))
	second := New(WithRemote(client))

	require.NoError(t, first.Store(ctx, "USER1", "svc", record("inst-1")))
	require.NoError(t, first.Store(ctx, "USER1", "svc", record("inst-2")))

	got, err := second.Retrieve(ctx, "USER1", "svc")
	require.NoError(t, err)
	assert.Equal(t, record("inst-2"), got, "gateways share decisions through the remote tier")

	second.Delete(ctx, "USER1", "svc")
	first.local.Delete(Key("USER1", "svc"))
	_, err = first.Retrieve(ctx, "USER1", "svc")
	assert.ErrorIs(t, err, apiml.ErrNotFound)
}
