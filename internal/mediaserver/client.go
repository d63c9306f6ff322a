// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

// Package mediaserver queries monitored media-server backends for current
// session metadata. The notification bus carries only identity and offset;
// this collaborator fills in the rest. Calls are wrapped with a per-server
// circuit breaker so an unreachable backend fails fast instead of stalling
// the event pipeline.
package mediaserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/durzo/tracearr/internal/config"
	"github.com/durzo/tracearr/internal/logging"
	"github.com/durzo/tracearr/internal/models"
)

// ErrUnknownServer is returned for a serverID with no configured backend.
var ErrUnknownServer = fmt.Errorf("mediaserver: unknown server")

// sessionResponse is the wire shape of the backend's session endpoint.
type sessionResponse struct {
	MediaID         string `json:"media_id"`
	LiveBroadcastID string `json:"live_broadcast_id"`
	UserID          int64  `json:"user_id"`
	Username        string `json:"username"`
	State           string `json:"state"`
	ViewOffsetMs    int64  `json:"view_offset_ms"`
	MediaType       string `json:"media_type"`
	Title           string `json:"title"`
	IPAddress       string `json:"ip_address"`
}

// serverClient is one configured backend with its circuit breaker.
type serverClient struct {
	cfg     config.MediaServerConfig
	breaker *gobreaker.CircuitBreaker[*models.SessionMetadata]
}

// Client fans session queries out to the configured backends.
type Client struct {
	servers map[string]*serverClient
	http    *http.Client
}

// New builds a client for the configured media servers.
func New(servers []config.MediaServerConfig, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		servers: make(map[string]*serverClient, len(servers)),
		http:    &http.Client{Timeout: timeout},
	}
	for _, cfg := range servers {
		c.servers[cfg.ID] = &serverClient{
			cfg:     cfg,
			breaker: newBreaker(cfg.ID),
		}
		logging.Info().Str("server_id", cfg.ID).Str("url", cfg.URL).Msg("media server registered")
	}
	return c
}

func newBreaker(serverID string) *gobreaker.CircuitBreaker[*models.SessionMetadata] {
	return gobreaker.NewCircuitBreaker[*models.SessionMetadata](gobreaker.Settings{
		Name:        "mediaserver-" + serverID,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("media server circuit state change")
		},
	})
}

// FetchSession returns the current metadata for a playback stream, or an
// error when the server is unknown, unreachable, or the circuit is open.
func (c *Client) FetchSession(ctx context.Context, serverID, sessionKey string) (*models.SessionMetadata, error) {
	sc, ok := c.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	return sc.breaker.Execute(func() (*models.SessionMetadata, error) {
		return c.fetch(ctx, sc, sessionKey)
	})
}

func (c *Client) fetch(ctx context.Context, sc *serverClient, sessionKey string) (*models.SessionMetadata, error) {
	endpoint := fmt.Sprintf("%s/api/sessions/%s", sc.cfg.URL, url.PathEscape(sessionKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if sc.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sc.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", sc.cfg.ID, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("session %s not found on %s", sessionKey, sc.cfg.ID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query %s: unexpected status %d", sc.cfg.ID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", sc.cfg.ID, err)
	}

	var wire sessionResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", sc.cfg.ID, err)
	}

	state := models.PlayState(wire.State)
	switch state {
	case models.StatePlaying, models.StatePaused, models.StateStopped:
	default:
		state = models.StatePlaying
	}

	return &models.SessionMetadata{
		MediaID:         wire.MediaID,
		LiveBroadcastID: wire.LiveBroadcastID,
		UserID:          wire.UserID,
		Username:        wire.Username,
		State:           state,
		ViewOffsetMs:    wire.ViewOffsetMs,
		MediaType:       wire.MediaType,
		Title:           wire.Title,
		IPAddress:       wire.IPAddress,
	}, nil
}
