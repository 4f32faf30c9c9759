// Package api assembles the gateway's HTTP surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/apigw/pkg/logger"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second

	// maxRequestBodySize bounds bodies sent to the gateway's own endpoints.
	// Proxied bodies are streamed and not limited here.
	maxRequestBodySize = 1 << 20
)

// Mount points of the gateway's own endpoints.
const (
	PathHealth  = "/application/health"
	PathVersion = "/application/version"
	PathMetrics = "/application/metrics"
	PathZaas    = "/gateway/zaas"
	PathAuth    = "/gateway/api/v1/auth"
)

// Routes are the handlers served by the gateway.
type Routes struct {
	Health  http.Handler
	Version http.Handler
	Metrics http.Handler
	Zaas    http.Handler
	Auth    http.Handler
	// Proxy serves every path not claimed by another route.
	Proxy http.Handler
}

// ServerConfig configures the listener and the request pipeline.
type ServerConfig struct {
	Address           string
	ReadHeaderTimeout time.Duration
	// RequestTimeout bounds the gateway's own endpoints.
	RequestTimeout time.Duration
	// Middleware wraps every request, outermost first.
	Middleware []func(http.Handler) http.Handler
}

// NewRouter builds the request router.
func NewRouter(cfg ServerConfig, routes Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(cfg.Middleware...)

	api := []struct {
		prefix  string
		handler http.Handler
	}{
		{PathHealth, routes.Health},
		{PathVersion, routes.Version},
		{PathMetrics, routes.Metrics},
		{PathZaas, routes.Zaas},
		{PathAuth, routes.Auth},
	}
	for _, a := range api {
		if a.handler == nil {
			continue
		}
		h := requestBodySizeLimitMiddleware(maxRequestBodySize)(a.handler)
		if cfg.RequestTimeout > 0 {
			h = middleware.Timeout(cfg.RequestTimeout)(h)
		}
		r.Mount(a.prefix, h)
	}

	if routes.Proxy != nil {
		r.NotFound(routes.Proxy.ServeHTTP)
		r.MethodNotAllowed(routes.Proxy.ServeHTTP)
	}
	return r
}

// Serve listens on cfg.Address and serves handler until ctx is cancelled,
// then shuts down gracefully.
func Serve(ctx context.Context, cfg ServerConfig, handler http.Handler) error {
	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}
	return serveListener(ctx, cfg, listener, handler)
}

func serveListener(ctx context.Context, cfg ServerConfig, listener net.Listener, handler http.Handler) error {
	headerTimeout := cfg.ReadHeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = readHeaderTimeout
	}
	srv := &http.Server{
		// in-flight requests outlive ctx until Shutdown drains them
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		Handler:           handler,
		ReadHeaderTimeout: headerTimeout,
	}

	logger.Infof("starting HTTP server on %s", listener.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped with error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}

// requestBodySizeLimitMiddleware rejects bodies larger than limit. Handlers
// that fail decoding a truncated body with 400 are reported as 413.
func requestBodySizeLimitMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			if r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			body := &limitedBody{ReadCloser: http.MaxBytesReader(w, r.Body, limit)}
			r.Body = body
			next.ServeHTTP(&bodySizeResponseWriter{ResponseWriter: w, body: body}, r)
		})
	}
}

type limitedBody struct {
	io.ReadCloser
	exceeded bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		b.exceeded = true
	}
	return n, err
}

type bodySizeResponseWriter struct {
	http.ResponseWriter
	body *limitedBody
}

func (w *bodySizeResponseWriter) WriteHeader(code int) {
	if code == http.StatusBadRequest && w.body.exceeded {
		code = http.StatusRequestEntityTooLarge
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *bodySizeResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
