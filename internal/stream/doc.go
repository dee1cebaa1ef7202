// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream turns backend event streams into ordered text deltas.
//
// Two protocol variants share one contract: a finite, non-restartable
// sequence of deltas ended by normal completion or a terminal error.
//
//   - Decoder handles local token streams. It decodes every Stride tokens,
//     always decodes on Finish, and stops cleanly at MaxTokens.
//   - SSEParser handles hosted "data: <payload>" records. It reassembles
//     lines across deliveries, ends on [DONE] and surfaces error-object
//     records as a terminal RemoteError.
//
// Malformed individual records are skipped, never fatal.
package stream
