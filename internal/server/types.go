// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"github.com/jeranaias/fullmoon-go/internal/cloud"
)

// ============================================================================
// WIRE TYPES
// ============================================================================

// ChatCompletionRequest is the body of POST /v1/chat/completions. It is the
// request the hosted backend sends.
type ChatCompletionRequest = cloud.ChatRequest

// ChatMessage is one request message.
type ChatMessage = cloud.ChatMessage

// ChunkDelta is the incremental content of a stream chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// ChunkChoice is one choice of a stream chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// StreamChunk is one "data:" record of a streaming response.
type StreamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ResponseMessage is the assistant message of a plain completion.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatChoice is one choice of a plain completion.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ChatCompletionResponse is the body of a non-streaming completion.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`

	// TokensPerSecond is reported for local models only.
	TokensPerSecond float64 `json:"tokens_per_second,omitempty"`
}

// ErrorResponse is the error record used both as a JSON body and as a
// terminal stream record.
type ErrorResponse struct {
	Object  string `json:"object"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// ModelEntry is one element of GET /v1/models.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the body of GET /v1/models.
type ModelsResponse struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Running   bool   `json:"running"`
	ModelInfo string `json:"model_info,omitempty"`
	Uptime    string `json:"uptime"`
}
