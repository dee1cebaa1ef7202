// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama adapts a local Ollama daemon into the local inference
// engine and model provisioner used by the local backend.
//
// # Key Types
//
//   - Client: HTTP client for the Ollama API (generate, pull, show, tags)
//   - Engine: streams raw-prompt completions token by token
//   - Provisioner: pulls a model if missing and reports download progress
//
// # Usage
//
//	client := ollama.NewClient()
//	engine := ollama.NewEngine(client)
//	prov := ollama.NewProvisioner(client, logger)
//
// Prompts are sent with raw mode enabled, so Ollama applies no template of
// its own; the prompt package owns the encoding.
package ollama
