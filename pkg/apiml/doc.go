// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package apiml holds the domain types shared by the gateway components.
//
// The gateway sits in front of dynamically registered backend services. For
// every request it parses the caller's credential (see authsource), picks a
// routing rule and a concrete instance (see routing, loadbalancer and
// lbcache), and, when the backend needs it, translates the caller's identity
// into the credential scheme that backend understands (see zaas).
//
// Subpackages depend on this package, never the other way around. Domain
// errors live here so every layer can test them with errors.Is.
package apiml
