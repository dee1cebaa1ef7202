// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"errors"

	"github.com/jeranaias/fullmoon-go/internal/model"
)

// JSONExporter writes the complete thread, with messages in conversation
// order, so that the output can be read back as a model.Thread.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a new JSON exporter. Options do not filter JSON output.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

// Export converts a thread to indented JSON.
func (e *JSONExporter) Export(t *model.Thread) ([]byte, error) {
	if t == nil {
		return nil, errors.New("thread is nil")
	}
	out := t.Clone()
	out.Messages = out.SortedMessages()
	return json.MarshalIndent(out, "", "  ")
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}
