// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/offline"
)

const (
	// DefaultTimeout bounds connection setup and response headers.
	// The body itself is bounded only by the request context.
	DefaultTimeout = 30 * time.Second

	// MaxErrorBodySize is the most we read from a failed response.
	MaxErrorBodySize = 64 * 1024

	userAgent = "fullmoon/0.1"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatMessage is one message in a chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body POSTed to a hosted endpoint.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// NewTranscriptRequest wraps a whole transcript as a single user message.
func NewTranscriptRequest(modelName, transcript string) ChatRequest {
	return ChatRequest{
		Model:    modelName,
		Messages: []ChatMessage{{Role: "user", Content: transcript}},
		Stream:   true,
	}
}

// errorBody covers both {"object":"error","message":...} and {"error":{"message":...}}.
type errorBody struct {
	Object  string `json:"object"`
	Message string `json:"message"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// Config holds options for the hosted client.
type Config struct {
	// Timeout for connecting and receiving response headers (default: 30s).
	Timeout time.Duration

	// APIKey is sent as a bearer token when set.
	APIKey string

	// RequestsPerMinute throttles request issuance; 0 disables throttling.
	RequestsPerMinute int

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{Timeout: DefaultTimeout}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client issues streaming chat requests. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger

	keyMu  sync.RWMutex
	apiKey string
}

// NewClient creates a hosted client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No overall timeout: streams last as long as the context allows.
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
				TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
			},
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: limiter,
		log:     cfg.Logger.Named("cloud"),
		apiKey:  cfg.APIKey,
	}
}

// SetAPIKey replaces the bearer token for later requests.
func (c *Client) SetAPIKey(key string) {
	c.keyMu.Lock()
	c.apiKey = key
	c.keyMu.Unlock()
}

// StreamChat POSTs a transcript request to endpoint and returns the SSE body.
// The caller must close the body. Cancelling ctx aborts the stream.
func (c *Client) StreamChat(ctx context.Context, endpoint, modelName, transcript string) (io.ReadCloser, error) {
	return c.Stream(ctx, endpoint, NewTranscriptRequest(modelName, transcript))
}

// Stream POSTs req to endpoint and returns the SSE body on HTTP 200.
func (c *Client) Stream(ctx context.Context, endpoint string, req ChatRequest) (io.ReadCloser, error) {
	u, err := offline.ValidateURL(endpoint)
	if err != nil {
		return nil, model.Errorf(model.KindNetwork, err, "endpoint %q refused", endpoint)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, wrapTransportError(ctx, err)
	}

	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, model.NewError(model.KindProtocol, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, model.NewError(model.KindNetwork, "failed to create request", err)
	}
	c.setHeaders(httpReq)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.log.Warn("hosted request failed", zap.String("host", u.Host), zap.Error(err))
		return nil, wrapTransportError(ctx, err)
	}
	c.log.Debug("hosted response",
		zap.String("host", u.Host),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		return nil, handleErrorResponse(resp.StatusCode, data)
	}
	return resp.Body, nil
}

// setHeaders sets the request headers. The API key is never logged.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", userAgent)
	c.keyMu.RLock()
	key := c.apiKey
	c.keyMu.RUnlock()
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
}

// handleErrorResponse converts a non-200 response into a typed error.
// Bodies carrying an error message are RemoteErrors; anything else is a
// NetworkError naming the status.
func handleErrorResponse(status int, body []byte) error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		switch {
		case eb.Object == "error" && eb.Message != "":
			return model.Errorf(model.KindRemote, nil, "%s (HTTP %d)", eb.Message, status)
		case eb.Error != nil && eb.Error.Message != "":
			return model.Errorf(model.KindRemote, nil, "%s (HTTP %d)", eb.Error.Message, status)
		}
	}
	return model.Errorf(model.KindNetwork, nil, "hosted endpoint returned %d %s", status, http.StatusText(status))
}

// wrapTransportError maps transport failures, keeping cancellation distinct.
func wrapTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.NewError(model.KindCanceled, "request canceled", ctxErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewError(model.KindNetwork, "request timed out", err)
	}
	return model.NewError(model.KindNetwork, "request failed", err)
}
