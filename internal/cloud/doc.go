// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud opens streaming chat requests against hosted endpoints.
//
// A hosted endpoint is any OpenAI-compatible chat completions URL. The
// client only issues the request and hands back the SSE response body;
// parsing lives in the stream package.
//
// # Key Types
//
//   - Client: HTTP client with request throttling and error mapping
//   - ChatRequest: {"model","messages","stream"} request body
//
// # Usage
//
//	client := cloud.NewClient(cloud.DefaultConfig())
//	body, err := client.StreamChat(ctx, endpoint, "gpt-4o-mini", transcript)
//	if err != nil {
//	    return err
//	}
//	defer body.Close()
//
// Requests are never retried automatically.
package cloud
