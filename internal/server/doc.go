// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the generation engine over HTTP.
//
// Endpoints:
//   - POST /v1/chat/completions - streaming or plain chat completions
//   - GET  /v1/models           - local and hosted model names
//   - GET  /health              - liveness and engine state
//
// Streaming responses use the same event stream the hosted backend reads:
// "data: {chunk}" lines, a final "data: [DONE]", and an
// {"object":"error","message":...} record when generation fails. One
// fullmoon instance can therefore act as the hosted endpoint of another.
package server
