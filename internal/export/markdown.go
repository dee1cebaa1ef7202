// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/fullmoon-go/internal/model"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports threads as Markdown transcripts.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export converts a thread to Markdown. Messages appear in conversation order.
func (e *MarkdownExporter) Export(t *model.Thread) ([]byte, error) {
	if t == nil {
		return nil, errors.New("thread is nil")
	}
	if t.IsEmpty() {
		return nil, errors.New("thread has no messages")
	}
	msgs := t.SortedMessages()

	var sb strings.Builder

	if e.options.FrontMatter {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "title: %s\n", escapeYAML(t.GetTitle()))
		if t.Selection != nil {
			fmt.Fprintf(&sb, "model: %s\n", escapeYAML(t.Selection.String()))
		}
		fmt.Fprintf(&sb, "date: %s\n", t.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(&sb, "messages: %d\n", len(msgs))
		fmt.Fprintf(&sb, "exported: %s\n", e.options.now().Format(time.RFC3339))
		sb.WriteString("generator: fullmoon\n")
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(t.GetTitle()))
	if e.options.IncludeMetadata {
		fmt.Fprintf(&sb, "_Started %s", formatTimestamp(t.Timestamp))
		if t.Selection != nil {
			fmt.Fprintf(&sb, " with %s", t.Selection.String())
		}
		sb.WriteString("_\n\n")
	}

	for i, msg := range msgs {
		if e.options.IncludeTimestamps {
			fmt.Fprintf(&sb, "### %s <sub>%s</sub>\n\n", msg.Role.DisplayName(), formatShortTimestamp(msg.Timestamp))
		} else {
			fmt.Fprintf(&sb, "### %s\n\n", msg.Role.DisplayName())
		}

		content := strings.TrimSpace(msg.Content)
		if msg.IsError {
			content = "> " + strings.ReplaceAll(content, "\n", "\n> ")
		}
		sb.WriteString(content)
		sb.WriteString("\n\n")

		if e.options.IncludeMetadata && msg.TokensPerSec > 0 {
			fmt.Fprintf(&sb, "<sub>%.1f tokens/s</sub>\n\n", msg.TokensPerSec)
		}
		if i < len(msgs)-1 {
			sb.WriteString("---\n\n")
		}
	}

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// =============================================================================
// ESCAPING HELPERS
// =============================================================================

// escapeMarkdown escapes characters that would break a heading.
func escapeMarkdown(s string) string {
	s = strings.ReplaceAll(s, "#", "\\#")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "[", "\\[")
	s = strings.ReplaceAll(s, "]", "\\]")
	return s
}

// escapeYAML quotes a front matter value when it holds special characters.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		s = strings.ReplaceAll(s, "\r", "\\r")
		return "\"" + s + "\""
	}
	return s
}
