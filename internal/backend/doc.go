// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend implements the two generation strategies behind one contract.
//
// # Key Types
//
//   - Backend: Load and Generate for a ModelSelection
//   - Local: drives a local inference Engine through a single-slot LoadState
//   - Hosted: streams from a remote chat endpoint over SSE
//   - Router: dispatches once per call on the selection variant
//
// Each strategy owns its prompt encoding and stream protocol.
package backend
