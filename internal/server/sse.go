// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/fullmoon-go/internal/model"
)

// sseWriter turns cumulative output into delta chunks. Headers are written
// with the first chunk, so a request rejected before any output can still
// get a plain JSON error.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher

	id      string
	model   string
	created int64

	sent   string
	begun  bool
	closed bool
}

func newSSEWriter(w http.ResponseWriter, id, modelName string) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	return &sseWriter{
		w:       w,
		flusher: flusher,
		id:      id,
		model:   modelName,
		created: time.Now().Unix(),
	}, nil
}

func (s *sseWriter) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begun
}

// update sends the part of output not yet sent. Output that no longer
// extends what was sent is skipped.
func (s *sseWriter) update(output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendDeltaLocked(output)
}

// finish sends the remaining text, a stop chunk and [DONE].
func (s *sseWriter) finish(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.sendDeltaLocked(text)
	s.beginLocked()
	stop := "stop"
	s.writeLocked(StreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{FinishReason: &stop}},
	})
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
	s.closed = true
}

// fail ends the stream with an error record; no [DONE] follows.
func (s *sseWriter) fail(typ, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.beginLocked()
	s.writeLocked(ErrorResponse{Object: "error", Message: message, Type: typ})
	s.closed = true
}

func (s *sseWriter) sendDeltaLocked(output string) {
	if s.closed || !strings.HasPrefix(output, s.sent) {
		return
	}
	delta := output[len(s.sent):]
	if delta == "" {
		return
	}
	s.beginLocked()
	s.sent = output
	s.writeLocked(StreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{Content: delta}}},
	})
}

// beginLocked writes the headers and the role chunk once.
func (s *sseWriter) beginLocked() {
	if s.begun {
		return
	}
	s.begun = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)

	s.writeLocked(StreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{Role: string(model.RoleAssistant)}}},
	})
}

func (s *sseWriter) writeLocked(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}
