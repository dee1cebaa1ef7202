// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !unix

package ollama

import "context"

// startOllamaProcess is only implemented on Unix; elsewhere the daemon must
// already be running.
func (c *Client) startOllamaProcess(ctx context.Context) error {
	return ErrNotRunning
}
