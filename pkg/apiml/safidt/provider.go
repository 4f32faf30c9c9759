// Package safidt obtains SAF identity tokens (IDT) from the platform SAF
// REST service.
package safidt

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=provider.go Provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stacklok/apigw/pkg/logger"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	maxResponseBodySize = 1 << 20

	generatePath = "/generate"
	verifyPath   = "/verify"
)

// Provider issues and verifies SAF identity tokens.
type Provider interface {
	// Generate returns an IDT for the user, authenticating with a PassTicket
	// for the application.
	Generate(ctx context.Context, userID, passTicket, applID string) (string, error)

	// Verify reports whether the token is a valid IDT for the application.
	Verify(ctx context.Context, token, applID string) (bool, error)
}

// Error is a failure of the SAF IDT service. Auth is set when the service
// rejected the presented credentials.
type Error struct {
	Auth    bool
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Auth {
		return "SAF IDT authentication failed: " + e.Message
	}
	return "SAF IDT generation failed: " + e.Message
}

type generateRequest struct {
	Username string `json:"username"`
	Pass     string `json:"pass"`
	Appl     string `json:"appl"`
}

type generateResponse struct {
	JWT string `json:"jwt"`
}

type verifyRequest struct {
	JWT  string `json:"jwt"`
	Appl string `json:"appl"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

var defaultHTTPClient = &http.Client{
	Timeout: defaultHTTPTimeout,
}

// RESTProvider calls the SAF IDT REST service.
type RESTProvider struct {
	baseURL string
	client  *http.Client
}

// NewRESTProvider creates a provider for the service at baseURL. A nil
// client uses a default client with a 30 second timeout.
func NewRESTProvider(baseURL string, client *http.Client) *RESTProvider {
	if client == nil {
		client = defaultHTTPClient
	}
	return &RESTProvider{baseURL: strings.TrimSuffix(baseURL, "/"), client: client}
}

// Generate implements Provider.
func (p *RESTProvider) Generate(ctx context.Context, userID, passTicket, applID string) (string, error) {
	var out generateResponse
	err := p.post(ctx, generatePath, generateRequest{Username: userID, Pass: passTicket, Appl: applID}, &out)
	if err != nil {
		return "", err
	}
	if out.JWT == "" {
		return "", &Error{Status: http.StatusOK, Message: "response did not contain a token"}
	}
	return out.JWT, nil
}

// Verify implements Provider.
func (p *RESTProvider) Verify(ctx context.Context, token, applID string) (bool, error) {
	var out verifyResponse
	if err := p.post(ctx, verifyPath, verifyRequest{JWT: token, Appl: applID}, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

func (p *RESTProvider) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debugf("Failed to close SAF IDT response body: %v", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return &Error{Status: resp.StatusCode, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &Error{Auth: true, Status: resp.StatusCode, Message: "the SAF IDT service rejected the credentials"}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		logger.Debugf("SAF IDT service %s returned status %d: %s", path, resp.StatusCode, string(body))
		return &Error{Status: resp.StatusCode, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Status: resp.StatusCode, Message: "failed to parse response"}
	}
	return nil
}
