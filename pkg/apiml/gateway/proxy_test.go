package gateway_test

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apierrors "github.com/stacklok/apigw/pkg/api/errors"
	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/authsource"
	authmocks "github.com/stacklok/apigw/pkg/apiml/authsource/mocks"
	"github.com/stacklok/apigw/pkg/apiml/gateway"
	"github.com/stacklok/apigw/pkg/apiml/loadbalancer"
	"github.com/stacklok/apigw/pkg/apiml/metrics"
	ptmocks "github.com/stacklok/apigw/pkg/apiml/passticket/mocks"
	"github.com/stacklok/apigw/pkg/apiml/registry"
	"github.com/stacklok/apigw/pkg/apiml/routing"
	"github.com/stacklok/apigw/pkg/apiml/zaas"
)

var user1 = &authsource.Parsed{UserID: "USER1", Origin: authsource.OriginZowe}

type echo struct {
	Backend       string `json:"backend"`
	Path          string `json:"path"`
	Query         string `json:"query"`
	Authorization string `json:"authorization"`
	SafToken      string `json:"safToken"`
	Cookie        string `json:"cookie"`
	PrivateToken  string `json:"privateToken"`
	InstanceID    string `json:"instanceId"`
	ForwardedHost string `json:"forwardedHost"`
}

func backend(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(echo{
			Backend:       name,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Authorization: r.Header.Get("Authorization"),
			SafToken:      r.Header.Get(zaas.HeaderSafIdt),
			Cookie:        r.Header.Get("Cookie"),
			PrivateToken:  r.Header.Get(authsource.HeaderPAT),
			InstanceID:    r.Header.Get(routing.HeaderInstanceID),
			ForwardedHost: r.Header.Get("X-Forwarded-Host"),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func instance(service, id, uri string, metadata map[string]string) apiml.ServiceInstance {
	md := map[string]string{
		"apiml.routes.api-v1.gatewayUrl": "api/v1",
		"apiml.routes.api-v1.serviceUrl": "/" + service + "/api/v1",
	}
	for k, v := range metadata {
		md[k] = v
	}
	return apiml.ServiceInstance{ServiceID: service, InstanceID: id, URI: uri, Metadata: md}
}

type fixture struct {
	proxy   *gateway.Proxy
	auth    *authmocks.MockService
	gen     *ptmocks.MockGenerator
	metrics *prometheus.Registry
}

func newFixture(t *testing.T, services ...apiml.Service) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		auth:    authmocks.NewMockService(ctrl),
		gen:     ptmocks.NewMockGenerator(ctrl),
		metrics: prometheus.NewRegistry(),
	}
	m, err := metrics.New(f.metrics)
	require.NoError(t, err)

	reg := registry.New(services...)
	table := routing.NewTable(routing.NewLocator(routing.DefaultProducers()...), m)
	table.Watch(reg)

	exchangers, err := zaas.NewRegistry(
		zaas.NewPassTicketExchanger(f.gen),
		zaas.NewZoweJwtExchanger(f.auth),
	)
	require.NoError(t, err)

	f.proxy = gateway.NewProxy(gateway.Config{
		Routes:     table,
		Registry:   reg,
		Balancer:   loadbalancer.New(nil, 0),
		Exchangers: exchangers,
		Auth:       f.auth,
		Extractor:  authsource.NewExtractor(""),
		Metrics:    m,
	})
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.proxy.ServeHTTP(rec, req)
	return rec
}

func decodeEcho(t *testing.T, rec *httptest.ResponseRecorder) echo {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var e echo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	return e
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) apierrors.Message {
	t.Helper()
	var env apierrors.Envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	require.Len(t, env.Messages, 1)
	return env.Messages[0]
}

func TestProxy_RewritesBasePath(t *testing.T) {
	t.Parallel()

	dc := backend(t, "dc")
	f := newFixture(t, apiml.Service{ID: "discoverableclient", Instances: []apiml.ServiceInstance{
		instance("discoverableclient", "host:discoverableclient:1", dc.URL, nil),
	}})

	tests := []struct {
		name     string
		path     string
		wantPath string
	}{
		{name: "nested path", path: "/discoverableclient/api/v1/greeting/hello", wantPath: "/discoverableclient/api/v1/greeting/hello"},
		{name: "exact prefix", path: "/discoverableclient/api/v1", wantPath: "/discoverableclient/api/v1"},
		{name: "query kept", path: "/discoverableclient/api/v1/greeting?name=zowe", wantPath: "/discoverableclient/api/v1/greeting"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := decodeEcho(t, f.do(t, httptest.NewRequest(http.MethodGet, tt.path, nil)))
			assert.Equal(t, "dc", e.Backend)
			assert.Equal(t, tt.wantPath, e.Path)
			assert.Empty(t, e.Authorization)
			assert.NotEmpty(t, e.ForwardedHost)
		})
	}

	e := decodeEcho(t, f.do(t, httptest.NewRequest(http.MethodGet, "/discoverableclient/api/v1/greeting?name=zowe", nil)))
	assert.Equal(t, "name=zowe", e.Query)
}

func TestProxy_NoRoute(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/unknown/api/v1/x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxy_RoundRobinAndInstanceHeader(t *testing.T) {
	t.Parallel()

	one, two := backend(t, "one"), backend(t, "two")
	f := newFixture(t, apiml.Service{ID: "svc", Instances: []apiml.ServiceInstance{
		instance("svc", "host1:svc:1", one.URL, nil),
		instance("svc", "host2:svc:2", two.URL, nil),
	}})

	seen := map[string]int{}
	for range 4 {
		e := decodeEcho(t, f.do(t, httptest.NewRequest(http.MethodGet, "/svc/api/v1/ping", nil)))
		seen[e.Backend]++
	}
	assert.Equal(t, map[string]int{"one": 2, "two": 2}, seen)

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/svc/api/v1/ping", nil)
		req.Header.Set(routing.HeaderInstanceID, "host2:svc:2")
		e := decodeEcho(t, f.do(t, req))
		assert.Equal(t, "two", e.Backend)
		assert.Equal(t, "/svc/api/v1/ping", e.Path, "pinned routes keep the path")
		assert.Empty(t, e.InstanceID, "routing header is not forwarded")
	}
}

func TestProxy_PassTicket(t *testing.T) {
	t.Parallel()

	pt := backend(t, "pt")
	f := newFixture(t, apiml.Service{ID: "pt", Instances: []apiml.ServiceInstance{
		instance("pt", "host:pt:1", pt.URL, map[string]string{
			apiml.MetadataAuthScheme: "httpBasicPassTicket",
			apiml.MetadataAuthApplid: "PTAPPL",
		}),
	}})

	src := authsource.NewCookieToken("caller-token")
	f.auth.EXPECT().IsValid(gomock.Any(), src).Return(true, nil)
	f.auth.EXPECT().Parse(gomock.Any(), src).Return(user1, nil)
	f.gen.EXPECT().Generate(gomock.Any(), "USER1", "PTAPPL").Return("TICKET01", nil)

	req := httptest.NewRequest(http.MethodGet, "/pt/api/v1/data", nil)
	req.AddCookie(&http.Cookie{Name: authsource.CookieAuthName, Value: "caller-token"})
	e := decodeEcho(t, f.do(t, req))

	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("USER1:TICKET01")), e.Authorization)
	count, err := testutil.GatherAndCount(f.metrics, "apigw_zaas_exchanges_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestProxy_PassTicketDropsGatewayCookies(t *testing.T) {
	t.Parallel()

	pt := backend(t, "pt")
	f := newFixture(t, apiml.Service{ID: "pt", Instances: []apiml.ServiceInstance{
		instance("pt", "host:pt:1", pt.URL, map[string]string{
			apiml.MetadataAuthScheme: "httpBasicPassTicket",
			apiml.MetadataAuthApplid: "PTAPPL",
		}),
	}})

	src := authsource.NewCookieToken("caller-jwt")
	f.auth.EXPECT().IsValid(gomock.Any(), src).Return(true, nil)
	f.auth.EXPECT().Parse(gomock.Any(), src).Return(user1, nil)
	f.gen.EXPECT().Generate(gomock.Any(), "USER1", "PTAPPL").Return("TICKET01", nil)

	req := httptest.NewRequest(http.MethodGet, "/pt/api/v1/data", nil)
	req.AddCookie(&http.Cookie{Name: authsource.CookieAuthName, Value: "caller-jwt"})
	req.AddCookie(&http.Cookie{Name: authsource.CookiePATName, Value: "caller-pat"})
	req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})
	e := decodeEcho(t, f.do(t, req))

	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("USER1:TICKET01")), e.Authorization)
	assert.Equal(t, "theme=dark", e.Cookie)
}

func TestProxy_ZoweJwtReplacesCallerCredentials(t *testing.T) {
	t.Parallel()

	jwtSvc := backend(t, "jwt")
	f := newFixture(t, apiml.Service{ID: "jwt", Instances: []apiml.ServiceInstance{
		instance("jwt", "host:jwt:1", jwtSvc.URL, map[string]string{apiml.MetadataAuthScheme: "zoweJwt"}),
	}})

	src := authsource.NewBearerToken("caller-token")
	f.auth.EXPECT().IsValid(gomock.Any(), src).Return(true, nil)
	f.auth.EXPECT().Parse(gomock.Any(), src).Return(user1, nil)
	f.auth.EXPECT().GetJWT(gomock.Any(), src).Return("internal-jwt", nil)

	req := httptest.NewRequest(http.MethodGet, "/jwt/api/v1/data", nil)
	req.Header.Set("Authorization", "Bearer caller-token")
	req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})
	e := decodeEcho(t, f.do(t, req))

	assert.Empty(t, e.Authorization)
	assert.Contains(t, e.Cookie, "theme=dark")
	assert.Contains(t, e.Cookie, authsource.CookieAuthName+"=internal-jwt")
	assert.NotContains(t, e.Cookie, "caller-token")
}

func TestProxy_PATHeaderNotForwarded(t *testing.T) {
	t.Parallel()

	svc := backend(t, "svc")
	f := newFixture(t, apiml.Service{ID: "svc", Instances: []apiml.ServiceInstance{
		instance("svc", "host:svc:1", svc.URL, nil),
	}})

	src := authsource.NewPersonalAccessToken("pat-token")
	f.auth.EXPECT().IsValid(gomock.Any(), src).Return(true, nil)
	f.auth.EXPECT().Parse(gomock.Any(), src).Return(user1, nil)

	req := httptest.NewRequest(http.MethodGet, "/svc/api/v1/data", nil)
	req.Header.Set(authsource.HeaderPAT, "pat-token")
	e := decodeEcho(t, f.do(t, req))
	assert.Empty(t, e.PrivateToken)
}

func TestProxy_Rejections(t *testing.T) {
	t.Parallel()

	pt := backend(t, "pt")
	services := []apiml.Service{
		{ID: "pt", Instances: []apiml.ServiceInstance{
			instance("pt", "host:pt:1", pt.URL, map[string]string{
				apiml.MetadataAuthScheme: "httpBasicPassTicket",
				apiml.MetadataAuthApplid: "PTAPPL",
			}),
		}},
		{ID: "safidt", Instances: []apiml.ServiceInstance{
			instance("safidt", "host:safidt:1", pt.URL, map[string]string{
				apiml.MetadataAuthScheme: "safIdt",
				apiml.MetadataAuthApplid: "IDTAPPL",
			}),
		}},
	}
	src := authsource.NewCookieToken("caller-token")

	tests := []struct {
		name       string
		path       string
		cookie     bool
		setup      func(f *fixture)
		wantStatus int
		wantNumber string
	}{
		{
			name:       "anonymous caller on a credential route",
			path:       "/pt/api/v1/data",
			setup:      func(*fixture) {},
			wantStatus: http.StatusUnauthorized,
			wantNumber: zaas.MsgAuthRequired,
		},
		{
			name:   "invalid token",
			path:   "/pt/api/v1/data",
			cookie: true,
			setup: func(f *fixture) {
				f.auth.EXPECT().IsValid(gomock.Any(), src).Return(false, nil)
			},
			wantStatus: http.StatusUnauthorized,
			wantNumber: zaas.MsgTokenNotValid,
		},
		{
			name:   "token service unreachable",
			path:   "/pt/api/v1/data",
			cookie: true,
			setup: func(f *fixture) {
				f.auth.EXPECT().IsValid(gomock.Any(), src).Return(false, apiml.ErrServiceUnavailable)
			},
			wantStatus: http.StatusServiceUnavailable,
			wantNumber: zaas.MsgServiceNotAccessible,
		},
		{
			name:   "scheme without exchanger",
			path:   "/safidt/api/v1/data",
			cookie: true,
			setup: func(f *fixture) {
				f.auth.EXPECT().IsValid(gomock.Any(), src).Return(true, nil)
				f.auth.EXPECT().Parse(gomock.Any(), src).Return(user1, nil)
			},
			wantStatus: http.StatusInternalServerError,
			wantNumber: zaas.MsgNoExchangerForScheme,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, services...)
			tt.setup(f)
			f.gen.EXPECT().Generate(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.cookie {
				req.AddCookie(&http.Cookie{Name: authsource.CookieAuthName, Value: "caller-token"})
			}
			rec := f.do(t, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantNumber, decodeMessage(t, rec).MessageNumber)
		})
	}
}

func TestProxy_UpstreamUnreachable(t *testing.T) {
	t.Parallel()

	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	f := newFixture(t, apiml.Service{ID: "down", Instances: []apiml.ServiceInstance{
		instance("down", "host:down:1", down.URL, nil),
	}})

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/down/api/v1/x", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	count, err := testutil.GatherAndCount(f.metrics, "apigw_gateway_responses_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
