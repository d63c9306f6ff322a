// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/durzo/tracearr/internal/models"
)

// RuleTypeDeviceVelocity flags users streaming from many addresses rapidly.
const RuleTypeDeviceVelocity = "device_velocity"

// DeviceVelocityConfig is the rule configuration for address velocity.
type DeviceVelocityConfig struct {
	WindowMinutes int             `json:"window_minutes"`
	MaxUniqueIPs  int             `json:"max_unique_ips"`
	Severity      models.Severity `json:"severity,omitempty"`
	Terminate     bool            `json:"terminate"`
}

// DeviceVelocityEvaluator flags users whose sessions came from too many
// unique IP addresses within a short window. This can indicate VPN hopping
// or account sharing.
type DeviceVelocityEvaluator struct{}

// NewDeviceVelocityEvaluator creates the evaluator.
func NewDeviceVelocityEvaluator() *DeviceVelocityEvaluator {
	return &DeviceVelocityEvaluator{}
}

// Type returns the rule type.
func (e *DeviceVelocityEvaluator) Type() string {
	return RuleTypeDeviceVelocity
}

// Check counts unique source addresses across the user's recent sessions
// plus the candidate. Sessions without a captured address are skipped.
func (e *DeviceVelocityEvaluator) Check(ctx context.Context, rule *models.Rule, candidate *models.StreamSession, source SessionSource) (*models.Violation, error) {
	var cfg DeviceVelocityConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return nil, fmt.Errorf("invalid device_velocity config: %w", err)
	}
	if cfg.WindowMinutes <= 0 {
		return nil, fmt.Errorf("window_minutes must be positive")
	}
	if cfg.MaxUniqueIPs <= 0 {
		return nil, fmt.Errorf("max_unique_ips must be positive")
	}
	if candidate.Geo.IPAddress == "" {
		return nil, nil
	}

	window := time.Duration(cfg.WindowMinutes) * time.Minute
	recent, err := source.RecentUserSessions(ctx, candidate.UserID, window)
	if err != nil {
		return nil, fmt.Errorf("recent user sessions: %w", err)
	}

	ipSet := map[string]struct{}{candidate.Geo.IPAddress: {}}
	for _, s := range recent {
		if s.ID == candidate.ID || s.Geo.IPAddress == "" {
			continue
		}
		ipSet[s.Geo.IPAddress] = struct{}{}
	}
	if len(ipSet) <= cfg.MaxUniqueIPs {
		return nil, nil
	}

	ips := make([]string, 0, len(ipSet))
	for ip := range ipSet {
		ips = append(ips, ip)
	}

	severity := cfg.Severity
	if severity == "" {
		severity = models.SeverityWarning
	}

	return newViolation(rule, candidate, severity,
		fmt.Sprintf("user %s streamed from %d unique addresses in %d minutes (limit %d)",
			candidate.Username, len(ipSet), cfg.WindowMinutes, cfg.MaxUniqueIPs),
		map[string]any{
			"ip_addresses":   ips,
			"window_minutes": cfg.WindowMinutes,
			"max_unique_ips": cfg.MaxUniqueIPs,
		},
		cfg.Terminate,
	)
}
