// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for threads, messages and model selection.
//
// This package defines the core domain types shared by the prompt assembler,
// the backends and the session manager.
//
// # Key Types
//
//   - Thread: A conversation that owns its messages and an optional model override
//   - Message: Single message with role, content and a monotonic timestamp
//   - ModelSelection: Either a local model name or a hosted model descriptor
//   - LocalModel: Entry in the closed registry of loadable local models
//   - Error: Typed generation error carrying an ErrorKind
//
// # Usage
//
// Build a thread and read it back in prompt order:
//
//	thread := model.NewThread()
//	thread.AddMessage(model.NewMessage(model.RoleUser, "Hello!"))
//	for _, msg := range thread.SortedMessages() {
//	    fmt.Println(msg.Role, msg.Content)
//	}
//
// Resolve a local model by exact name:
//
//	cfg, err := model.DefaultLocalRegistry().Lookup("mlx-community/Llama-3.2-1B-Instruct-bf16")
package model
