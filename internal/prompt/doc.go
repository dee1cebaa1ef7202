// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt turns an ordered message sequence and a system prompt into
// the encoded prompt string a backend sends to its model.
//
// The two encodings are deliberately separate:
//
//   - Local models use a per-family delimiter Template held in a Registry.
//   - Hosted models receive a flat "{role}: {content}\n" transcript.
//
// Both are pure functions of their inputs.
package prompt
