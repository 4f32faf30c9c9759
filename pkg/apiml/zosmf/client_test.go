package zosmf

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/stacklok/apigw/pkg/apiml"
)

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(url, opts...)
	require.NoError(t, err)
	c.initialInterval = time.Millisecond
	return c
}

func TestClient_Authenticate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		cookies  []*http.Cookie
		want     *Tokens
		wantErr  error
		wantHits int32
	}{
		{
			name:     "jwt and ltpa",
			status:   http.StatusOK,
			cookies:  []*http.Cookie{{Name: CookieJWT, Value: "jwt"}, {Name: CookieLTPA, Value: "ltpa"}},
			want:     &Tokens{JWT: "jwt", LTPA: "ltpa"},
			wantHits: 1,
		},
		{
			name:     "ltpa only",
			status:   http.StatusOK,
			cookies:  []*http.Cookie{{Name: CookieLTPA, Value: "ltpa"}},
			want:     &Tokens{LTPA: "ltpa"},
			wantHits: 1,
		},
		{
			name:     "no tokens",
			status:   http.StatusOK,
			want:     &Tokens{},
			wantHits: 1,
		},
		{
			name:     "rejected credentials are not retried",
			status:   http.StatusUnauthorized,
			wantErr:  apiml.ErrBadCredentials,
			wantHits: 1,
		},
		{
			name:     "server errors are retried",
			status:   http.StatusInternalServerError,
			wantErr:  apiml.ErrServiceUnavailable,
			wantHits: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, DefaultAuthEndpoint, r.URL.Path)
				_, present := r.Header[http.CanonicalHeaderKey(csrfHeader)]
				assert.True(t, present, "CSRF header must be sent")
				user, pass, ok := r.BasicAuth()
				assert.True(t, ok)
				assert.Equal(t, "USER1", user)
				assert.Equal(t, "TICKET", pass)
				for _, c := range tt.cookies {
					http.SetCookie(w, c)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, WithHTTPClient(srv.Client()), WithMaxRetries(2))
			got, err := c.Authenticate(context.Background(), "USER1", "TICKET")
			assert.Equal(t, tt.wantHits, hits.Load())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_AuthenticateUnreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	c := newTestClient(t, url, WithMaxRetries(1), WithTracerProvider(tp))
	_, err := c.Authenticate(context.Background(), "USER1", "TICKET")
	assert.ErrorIs(t, err, apiml.ErrServiceUnavailable)
	assert.NotErrorIs(t, err, apiml.ErrBadCredentials)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "zosmf.authenticate", spans[0].Name())
	assert.NotEmpty(t, spans[0].Events(), "error must be recorded on the span")
}

func TestClient_RealmIsFetchedOnce(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, DefaultInfoEndpoint, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"zosmf_version":"28","zosmf_saf_realm":"SAFRealm"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithHTTPClient(srv.Client()))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			realm, err := c.Realm(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "SAFRealm", realm)
		}()
	}
	wg.Wait()

	realm, err := c.Realm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SAFRealm", realm)
	assert.LessOrEqual(t, hits.Load(), int32(10))
	assert.GreaterOrEqual(t, hits.Load(), int32(1))

	before := hits.Load()
	_, err = c.Realm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, hits.Load(), "realm is memoized")
}

func TestClient_RealmMissing(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"zosmf_version":"28"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, WithHTTPClient(srv.Client())).Realm(context.Background())
	assert.Error(t, err)
}

func TestClient_RateLimitHonorsContext(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithHTTPClient(srv.Client()), WithRateLimit(0.001, 1))
	_, err := c.Authenticate(context.Background(), "USER1", "TICKET")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Authenticate(ctx, "USER1", "TICKET")
	assert.Error(t, err)
}

func TestNewClient_RequiresURL(t *testing.T) {
	t.Parallel()
	_, err := NewClient("")
	assert.ErrorIs(t, err, apiml.ErrInvalidConfig)
}

func TestTokens_String(t *testing.T) {
	t.Parallel()
	s := Tokens{JWT: "secret-jwt"}.String()
	assert.NotContains(t, s, "secret-jwt")
	assert.Contains(t, s, "<empty>")
}
