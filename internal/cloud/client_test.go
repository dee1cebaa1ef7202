// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/offline"
)

// =============================================================================
// REQUEST FORMAT TESTS
// =============================================================================

func TestStreamChat_RequestFormat(t *testing.T) {
	var got ChatRequest
	var contentType, accept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		contentType = r.Header.Get("Content-Type")
		accept = r.Header.Get("Accept")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(DefaultConfig())
	body, err := client.StreamChat(context.Background(), srv.URL+"/v1/chat/completions", "gpt-4o-mini", "sys\nuser: hi\n")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())

	assert.Equal(t, "data: [DONE]\n\n", string(data))
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "text/event-stream", accept)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "sys\nuser: hi\n", got.Messages[0].Content)
}

func TestStreamChat_RawBodyShape(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
	}))
	defer srv.Close()

	body, err := NewClient(DefaultConfig()).StreamChat(context.Background(), srv.URL, "m", "t")
	require.NoError(t, err)
	body.Close()

	assert.Len(t, raw, 3)
	assert.Contains(t, raw, "model")
	assert.Contains(t, raw, "messages")
	assert.Equal(t, true, raw["stream"])
}

func TestStreamChat_APIKeyHeader(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.APIKey = "sk-test"
	body, err := NewClient(cfg).StreamChat(context.Background(), srv.URL, "m", "t")
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, "Bearer sk-test", auth)
}

func TestClient_SetAPIKey(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.APIKey = "sk-old"
	client := NewClient(cfg)
	client.SetAPIKey("sk-new")
	body, err := client.StreamChat(context.Background(), srv.URL, "m", "t")
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, "Bearer sk-new", auth)

	client.SetAPIKey("")
	body, err = client.StreamChat(context.Background(), srv.URL, "m", "t")
	require.NoError(t, err)
	body.Close()
	assert.Empty(t, auth)
}

// =============================================================================
// ERROR MAPPING TESTS
// =============================================================================

func TestStreamChat_ErrorResponses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		kind     model.ErrorKind
		contains string
	}{
		{"error object", http.StatusTooManyRequests, `{"object":"error","message":"rate limited"}`, model.KindRemote, "rate limited"},
		{"openai error", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"auth"}}`, model.KindRemote, "bad key"},
		{"plain text", http.StatusBadGateway, `upstream down`, model.KindNetwork, "502"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := NewClient(DefaultConfig()).StreamChat(context.Background(), srv.URL, "m", "t")
			require.Error(t, err)
			assert.Equal(t, tc.kind, model.KindOf(err))
			assert.Contains(t, err.Error(), tc.contains)
		})
	}
}

func TestStreamChat_InvalidEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "ftp://example.com", "not a url", "http://"} {
		_, err := NewClient(DefaultConfig()).StreamChat(context.Background(), endpoint, "m", "t")
		require.Error(t, err, endpoint)
		assert.True(t, errors.Is(err, model.ErrNetwork), endpoint)
	}
}

func TestStreamChat_OfflineMode(t *testing.T) {
	offline.SetOfflineMode(true)
	defer offline.SetOfflineMode(false)

	_, err := NewClient(DefaultConfig()).StreamChat(context.Background(), "https://api.example.com/v1/chat/completions", "m", "t")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNetwork)
	assert.ErrorIs(t, err, offline.ErrNonLocalhost)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	body, err := NewClient(DefaultConfig()).StreamChat(context.Background(), srv.URL, "m", "t")
	require.NoError(t, err)
	body.Close()
}

func TestStreamChat_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := NewClient(DefaultConfig()).StreamChat(context.Background(), addr, "m", "t")
	require.Error(t, err)
	assert.Equal(t, model.KindNetwork, model.KindOf(err))
}

func TestStreamChat_CancelAbortsStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	body, err := NewClient(DefaultConfig()).StreamChat(ctx, srv.URL, "m", "t")
	require.NoError(t, err)
	defer body.Close()

	buf := make([]byte, 256)
	_, err = body.Read(buf)
	require.NoError(t, err)

	cancel()
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(body)
		done <- err
	}()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream read did not return after cancel")
	}
}

func TestStreamChat_CanceledBeforeRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(DefaultConfig()).StreamChat(ctx, "http://127.0.0.1:1", "m", "t")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrCanceled))
}

func TestClient_RateLimiter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 1
	client := NewClient(cfg)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	body, err := client.StreamChat(context.Background(), srv.URL, "m", "t")
	require.NoError(t, err)
	body.Close()

	// The second request must wait about a minute; a short deadline fails fast.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.StreamChat(ctx, srv.URL, "m", "t")
	require.Error(t, err)
}
