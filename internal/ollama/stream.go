// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
)

// maxLineSize bounds a single NDJSON line.
const maxLineSize = 1 << 20

// errStopStream is returned by a line handler to end reading early.
var errStopStream = errors.New("stop stream")

// readLines decodes newline-delimited JSON from r, calling fn for each value.
// Malformed lines are skipped. Reading ends at EOF, when fn returns
// errStopStream (reported as nil), or on any other error from fn.
func readLines[T any](ctx context.Context, r io.Reader, fn func(T) error) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > maxLineSize {
			return &ClientError{Type: ErrTypeInvalidResponse, Message: "stream line too long"}
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var v T
			if jerr := json.Unmarshal(trimmed, &v); jerr == nil {
				if ferr := fn(v); ferr != nil {
					if errors.Is(ferr, errStopStream) {
						return nil
					}
					return ferr
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &ClientError{Type: ErrTypeConnection, Message: "stream read failed", Cause: err}
		}
	}
}
