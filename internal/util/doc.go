// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across fullmoon packages.
//
//   - AtomicWriteFile: crash-safe file writing with fsync and rename
//   - TruncateWidth, PadRight: column-aware text fitting for terminal tables
//   - OneLine: whitespace collapsing for single-line previews
package util
