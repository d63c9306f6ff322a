// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

// Package geo enriches sessions with coarse location data from an external
// IP lookup service. Enrichment is best-effort: failures return a zero
// snapshot and never block the event pipeline.
package geo

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/durzo/tracearr/internal/config"
	"github.com/durzo/tracearr/internal/logging"
	"github.com/durzo/tracearr/internal/models"
)

// Resolver looks up geographic data for client IP addresses.
type Resolver struct {
	cfg  config.GeoConfig
	http *http.Client
}

// New builds a resolver from the geo configuration. A disabled resolver is
// still safe to call; Snapshot returns a snapshot carrying only the address.
func New(cfg config.GeoConfig) *Resolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

type lookupResponse struct {
	City      string  `json:"city"`
	Region    string  `json:"region"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Snapshot resolves the location of an IP address. Private and unparseable
// addresses are not sent upstream.
func (r *Resolver) Snapshot(ctx context.Context, ip string) (models.GeoSnapshot, error) {
	snap := models.GeoSnapshot{IPAddress: ip}
	if !r.cfg.Enabled || r.cfg.URL == "" || ip == "" {
		return snap, nil
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		logging.Debug().Str("ip", ip).Msg("geo lookup skipped for unparseable address")
		return snap, nil
	}
	if parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() {
		return snap, nil
	}

	endpoint := fmt.Sprintf("%s/%s", r.cfg.URL, url.PathEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return snap, fmt.Errorf("geo: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return snap, fmt.Errorf("geo: lookup %s: %w", ip, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("geo: lookup %s: unexpected status %d", ip, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return snap, fmt.Errorf("geo: read response: %w", err)
	}

	var wire lookupResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return snap, fmt.Errorf("geo: decode response: %w", err)
	}

	snap.City = wire.City
	snap.Region = wire.Region
	snap.Country = wire.Country
	snap.Latitude = wire.Latitude
	snap.Longitude = wire.Longitude
	return snap, nil
}
