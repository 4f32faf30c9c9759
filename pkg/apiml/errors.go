// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package apiml

import "errors"

// Common domain errors used across the gateway subpackages.
// Check them with errors.Is; wrapping errors add the specific detail.
var (
	// ErrNotFound indicates a requested entry (service, instance, cache key) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an entry with the same key already exists.
	ErrConflict = errors.New("already exists")

	// ErrInvalidConfig indicates invalid configuration was provided.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidInput indicates a malformed request parameter.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthenticated indicates the request carries no usable identity.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrTokenNotValid indicates a credential failed signature, issuer or revocation checks.
	ErrTokenNotValid = errors.New("token is not valid")

	// ErrTokenExpired indicates a credential is past its expiry.
	ErrTokenExpired = errors.New("token has expired")

	// ErrBadCredentials indicates the mainframe rejected the presented credentials
	// or issued nothing usable for them.
	ErrBadCredentials = errors.New("invalid credentials")

	// ErrServiceUnavailable indicates a collaborator the request cannot proceed
	// without (token service, revocation store, registry) is unreachable.
	ErrServiceUnavailable = errors.New("service not accessible")

	// ErrNoMainframeIdentity indicates a distributed identity has no mapped
	// mainframe user.
	ErrNoMainframeIdentity = errors.New("no mainframe identity")

	// ErrTokenUnavailable indicates a validated source cannot yield an internal token.
	ErrTokenUnavailable = errors.New("token cannot be provided")
)
