// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authsource

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go Service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/logger"
)

// Service validates and parses AuthSources and yields the gateway token for them.
type Service interface {
	// IsValid checks signature, expiry and revocation. A merely invalid
	// source yields false with a nil error; an error means infrastructure
	// needed for the decision is unreachable.
	IsValid(ctx context.Context, src AuthSource) (bool, error)

	// Parse extracts the identity. It has no side effects, so parsing the
	// same source twice yields equal values.
	Parse(ctx context.Context, src AuthSource) (*Parsed, error)

	// GetJWT returns the internal token representing the source.
	GetJWT(ctx context.Context, src AuthSource) (string, error)
}

// Handler implements Service for a set of source kinds.
type Handler interface {
	Service

	// Kinds returns the source kinds the handler serves.
	Kinds() []Kind
}

// NoMainframeIdentityError reports a distributed identity without a
// mainframe user. TokenValid tells whether the presented credential itself
// was valid.
type NoMainframeIdentityError struct {
	DistributedID string
	TokenValid    bool
}

func (e *NoMainframeIdentityError) Error() string {
	return fmt.Sprintf("no mainframe identity mapped to %q", e.DistributedID)
}

// Unwrap lets errors.Is match apiml.ErrNoMainframeIdentity.
func (*NoMainframeIdentityError) Unwrap() error {
	return apiml.ErrNoMainframeIdentity
}

// DefaultService dispatches to the handler registered for each source kind.
// Kinds without a handler (disabled in configuration) are never valid.
type DefaultService struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewService creates a service with the given handlers.
func NewService(handlers ...Handler) (*DefaultService, error) {
	s := &DefaultService{handlers: make(map[Kind]Handler)}
	for _, h := range handlers {
		if err := s.Register(h); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds a handler. A kind can be served by one handler only.
func (s *DefaultService) Register(h Handler) error {
	if h == nil {
		return errors.New("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range h.Kinds() {
		if _, exists := s.handlers[k]; exists {
			return fmt.Errorf("handler for kind %q is already registered", k)
		}
	}
	for _, k := range h.Kinds() {
		s.handlers[k] = h
	}
	return nil
}

func (s *DefaultService) handler(k Kind) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[k]
	return h, ok
}

// IsValid implements Service.
func (s *DefaultService) IsValid(ctx context.Context, src AuthSource) (bool, error) {
	if src.IsZero() {
		return false, nil
	}
	h, ok := s.handler(src.Kind())
	if !ok {
		logger.Debugf("No handler enabled for auth source kind %s", src.Kind())
		return false, nil
	}
	return h.IsValid(ctx, src)
}

// Parse implements Service.
func (s *DefaultService) Parse(ctx context.Context, src AuthSource) (*Parsed, error) {
	if src.IsZero() {
		return nil, fmt.Errorf("%w: empty auth source", apiml.ErrUnauthenticated)
	}
	h, ok := s.handler(src.Kind())
	if !ok {
		return nil, fmt.Errorf("%w: auth source kind %s is not enabled", apiml.ErrTokenNotValid, src.Kind())
	}
	return h.Parse(ctx, src)
}

// GetJWT implements Service.
func (s *DefaultService) GetJWT(ctx context.Context, src AuthSource) (string, error) {
	if src.IsZero() {
		return "", fmt.Errorf("%w: empty auth source", apiml.ErrUnauthenticated)
	}
	h, ok := s.handler(src.Kind())
	if !ok {
		return "", fmt.Errorf("%w: auth source kind %s is not enabled", apiml.ErrTokenUnavailable, src.Kind())
	}
	return h.GetJWT(ctx, src)
}
