package cachingservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/apigw/pkg/apiml"
)

const (
	// APIPath is where the cache API is served.
	APIPath = "/cachingservice/api/v1"

	// HeaderServiceID names the partition a caller's entries belong to.
	HeaderServiceID = "X-CS-Service-ID"
	// HeaderCertificateDN carries the distinguished name of the caller's
	// client certificate as forwarded by the gateway.
	HeaderCertificateDN = "X-Certificate-DistinguishedName"

	defaultHTTPTimeout  = 30 * time.Second
	maxResponseBodySize = 1 << 20
)

var defaultHTTPClient = &http.Client{
	Timeout: defaultHTTPTimeout,
}

// Client calls a caching service.
type Client struct {
	baseURL   string
	serviceID string
	client    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for calls.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.client = c
	}
}

// NewClient creates a client for the caching service at baseURL, e.g.
// https://host:10016/cachingservice/api/v1. serviceID selects the partition.
func NewClient(baseURL, serviceID string, opts ...ClientOption) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: invalid caching service URL %q: %v", apiml.ErrInvalidConfig, baseURL, err)
	}
	if serviceID == "" {
		return nil, fmt.Errorf("%w: caching service client needs a service id", apiml.ErrInvalidConfig)
	}
	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		serviceID: serviceID,
		client:    defaultHTTPClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Create stores a new entry. An existing key yields apiml.ErrConflict.
func (c *Client) Create(ctx context.Context, kv KeyValue) error {
	resp, err := c.do(ctx, http.MethodPost, "/cache", kv)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("%w: key %q", apiml.ErrConflict, kv.Key)
	default:
		return statusError(resp)
	}
}

// Update replaces an existing entry. A missing key yields apiml.ErrNotFound.
func (c *Client) Update(ctx context.Context, kv KeyValue) error {
	resp, err := c.do(ctx, http.MethodPut, "/cache", kv)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: key %q", apiml.ErrNotFound, kv.Key)
	default:
		return statusError(resp)
	}
}

// Read returns the entry for key. A missing key yields apiml.ErrNotFound.
func (c *Client) Read(ctx context.Context, key string) (KeyValue, error) {
	resp, err := c.do(ctx, http.MethodGet, "/cache/"+url.PathEscape(key), nil)
	if err != nil {
		return KeyValue{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var kv KeyValue
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize)).Decode(&kv); err != nil {
			return KeyValue{}, fmt.Errorf("failed to decode cache entry %q: %w", key, err)
		}
		return kv, nil
	case http.StatusNotFound:
		return KeyValue{}, fmt.Errorf("%w: key %q", apiml.ErrNotFound, key)
	default:
		return KeyValue{}, statusError(resp)
	}
}

// Delete removes the entry for key. A missing key yields apiml.ErrNotFound.
func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/cache/"+url.PathEscape(key), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: key %q", apiml.ErrNotFound, key)
	default:
		return statusError(resp)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderServiceID, c.serviceID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: caching service: %v", apiml.ErrServiceUnavailable, err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	err := fmt.Errorf("caching service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %v", apiml.ErrServiceUnavailable, err)
	}
	return err
}
