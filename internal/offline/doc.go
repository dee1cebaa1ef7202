// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline restricts network access to loopback endpoints.
//
// In offline mode a hosted model can still be used when it is served on
// localhost (for example a local OpenAI-compatible proxy); anything else is
// refused before a connection is attempted.
package offline
