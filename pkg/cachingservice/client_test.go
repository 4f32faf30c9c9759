package cachingservice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/apigw/pkg/apiml"
)

func TestClient(t *testing.T) {
	t.Parallel()

	storage := NewMemoryStorage()
	srv := httptest.NewServer(http.StripPrefix(APIPath, NewCacheRoutes(storage).Router()))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL+APIPath, "gateway", WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Create(ctx, KeyValue{Key: "lb.USER1:svc", Value: "v1"}))
	assert.ErrorIs(t, c.Create(ctx, KeyValue{Key: "lb.USER1:svc", Value: "v2"}), apiml.ErrConflict)
	require.NoError(t, c.Update(ctx, KeyValue{Key: "lb.USER1:svc", Value: "v2"}))
	assert.ErrorIs(t, c.Update(ctx, KeyValue{Key: "missing", Value: "v"}), apiml.ErrNotFound)

	kv, err := c.Read(ctx, "lb.USER1:svc")
	require.NoError(t, err)
	assert.Equal(t, KeyValue{Key: "lb.USER1:svc", Value: "v2"}, kv)

	stored, err := storage.Read(ctx, "gateway", "lb.USER1:svc")
	require.NoError(t, err)
	assert.Equal(t, "v2", stored.Value, "entries land in the client's partition")

	require.NoError(t, c.Delete(ctx, "lb.USER1:svc"))
	_, err = c.Read(ctx, "lb.USER1:svc")
	assert.ErrorIs(t, err, apiml.ErrNotFound)
	assert.ErrorIs(t, c.Delete(ctx, "lb.USER1:svc"), apiml.ErrNotFound)
}

func TestClient_Unavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, "gateway")
	require.NoError(t, err)
	_, err = c.Read(context.Background(), "k")
	assert.ErrorIs(t, err, apiml.ErrServiceUnavailable)

	srv.Close()
	err = c.Create(context.Background(), KeyValue{Key: "k"})
	assert.ErrorIs(t, err, apiml.ErrServiceUnavailable)
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewClient("not a url", "gateway")
	assert.ErrorIs(t, err, apiml.ErrInvalidConfig)
	_, err = NewClient("http://localhost:10016", "")
	assert.ErrorIs(t, err, apiml.ErrInvalidConfig)
}
