// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package mediaserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durzo/tracearr/internal/config"
	"github.com/durzo/tracearr/internal/models"
)

func testServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchSessionReturnsMetadata(t *testing.T) {
	var gotAuth, gotPath string
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"media_id": "media-9",
			"user_id": 42,
			"username": "alice",
			"state": "playing",
			"view_offset_ms": 12500,
			"media_type": "movie",
			"title": "Example Movie",
			"ip_address": "203.0.113.9"
		}`))
	})

	client := New([]config.MediaServerConfig{
		{ID: "plex-1", Name: "Plex", URL: srv.URL, Token: "secret"},
	}, 5*time.Second)

	meta, err := client.FetchSession(context.Background(), "plex-1", "key-1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "/api/sessions/key-1", gotPath)
	assert.Equal(t, "media-9", meta.MediaID)
	assert.Equal(t, int64(42), meta.UserID)
	assert.Equal(t, "alice", meta.Username)
	assert.Equal(t, models.StatePlaying, meta.State)
	assert.Equal(t, int64(12500), meta.ViewOffsetMs)
	assert.Equal(t, "203.0.113.9", meta.IPAddress)
}

func TestFetchSessionUnknownServer(t *testing.T) {
	client := New(nil, time.Second)

	_, err := client.FetchSession(context.Background(), "nope", "key-1")
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestFetchSessionNotFound(t *testing.T) {
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	client := New([]config.MediaServerConfig{{ID: "plex-1", URL: srv.URL}}, time.Second)

	_, err := client.FetchSession(context.Background(), "plex-1", "gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestFetchSessionUnexpectedStatus(t *testing.T) {
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	client := New([]config.MediaServerConfig{{ID: "plex-1", URL: srv.URL}}, time.Second)

	_, err := client.FetchSession(context.Background(), "plex-1", "key-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")
}

func TestFetchSessionUnknownStateDefaultsToPlaying(t *testing.T) {
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"media_id": "m", "state": "buffering"}`))
	})
	client := New([]config.MediaServerConfig{{ID: "plex-1", URL: srv.URL}}, time.Second)

	meta, err := client.FetchSession(context.Background(), "plex-1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePlaying, meta.State)
}

func TestFetchSessionEscapesSessionKey(t *testing.T) {
	var gotPath string
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{"media_id": "m", "state": "playing"}`))
	})
	client := New([]config.MediaServerConfig{{ID: "plex-1", URL: srv.URL}}, time.Second)

	_, err := client.FetchSession(context.Background(), "plex-1", "a/b c")
	require.NoError(t, err)
	assert.Equal(t, "/api/sessions/a%2Fb%20c", gotPath)
}
