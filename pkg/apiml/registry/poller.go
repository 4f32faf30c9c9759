// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/config"
	"github.com/stacklok/apigw/pkg/logger"
)

const (
	defaultPollInterval = 30 * time.Second
	maxSnapshotSize     = 8 << 20
)

// Poller refreshes a Registry from a JSON snapshot endpoint. The endpoint
// returns the same shape as the registry.services configuration.
type Poller struct {
	url      string
	interval time.Duration
	client   *http.Client
	registry *Registry
}

// NewPoller creates a poller. A non-positive interval selects 30 seconds.
func NewPoller(url string, interval time.Duration, client *http.Client, registry *Registry) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if client == nil {
		client = &http.Client{Timeout: interval}
	}
	return &Poller{url: url, interval: interval, client: client, registry: registry}
}

// Run polls until ctx is cancelled. A failed poll keeps the previous
// snapshot. It returns nil on cancellation.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil {
			logger.Warnf("Failed to refresh registry from %s: %v", p.url, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches one snapshot and applies it.
func (p *Poller) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apiml.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: registry snapshot returned %d", apiml.ErrServiceUnavailable, resp.StatusCode)
	}

	var services []config.ServiceConfig
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSnapshotSize)).Decode(&services); err != nil {
		return fmt.Errorf("failed to decode registry snapshot: %w", err)
	}
	p.registry.Update(ServicesFromConfig(services))
	return nil
}
