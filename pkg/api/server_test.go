package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func named(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "%s %s", name, r.URL.Path)
	})
}

func TestNewRouter(t *testing.T) {
	t.Parallel()

	var seenByMiddleware []string
	router := NewRouter(ServerConfig{
		RequestTimeout: time.Second,
		Middleware: []func(http.Handler) http.Handler{
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					seenByMiddleware = append(seenByMiddleware, r.URL.Path)
					next.ServeHTTP(w, r)
				})
			},
		},
	}, Routes{
		Health: named("health"),
		Zaas:   named("zaas"),
		Auth:   named("auth"),
		Proxy:  named("proxy"),
	})

	tests := []struct {
		path string
		want string
	}{
		{path: "/application/health", want: "health /application/health"},
		{path: "/gateway/zaas/ticket", want: "zaas /gateway/zaas/ticket"},
		{path: "/gateway/api/v1/auth/logout", want: "auth /gateway/api/v1/auth/logout"},
		{path: "/discoverableclient/api/v1/greeting", want: "proxy /discoverableclient/api/v1/greeting"},
		{path: "/application/metrics", want: "proxy /application/metrics"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, tt.path)
		assert.Equal(t, tt.want, rec.Body.String(), tt.path)
	}
	assert.Len(t, seenByMiddleware, len(tests))
}

func TestServeListener_GracefulShutdown(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- serveListener(ctx, ServerConfig{}, listener, named("root"))
	}()

	resp, err := http.Get("http://" + listener.Addr().String() + "/ping")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "root /ping", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
