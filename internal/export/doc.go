// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes saved threads as Markdown transcripts or JSON.
//
//	exp, _ := export.ForFormat("markdown", nil)
//	path, err := export.ExportToFile(thread, exp, &export.Options{OutputDir: "."})
package export
