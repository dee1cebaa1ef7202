// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/jeranaias/fullmoon-go/internal/model"
)

// MaxLineSize is the largest SSE line the parser will buffer (1MB).
const MaxLineSize = 1 << 20

// readBufferSize is the size of each read from a response body.
const readBufferSize = 4096

var (
	dataPrefix  = []byte("data:")
	donePayload = []byte("[DONE]")

	// SSE fields other than data carry nothing for us.
	otherFields = [][]byte{[]byte("event:"), []byte("id:"), []byte("retry:")}
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// Chunk is a chat-completion chunk as sent by OpenAI-compatible endpoints.
type Chunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Content joins the delta content of every choice.
func (c *Chunk) Content() string {
	if len(c.Choices) == 1 {
		return c.Choices[0].Delta.Content
	}
	var sb strings.Builder
	for _, ch := range c.Choices {
		sb.WriteString(ch.Delta.Content)
	}
	return sb.String()
}

// errorRecord is the error-object shape: {"object":"error","message":"..."}.
// Only "object" decides the shape; other fields may carry any type.
type errorRecord struct {
	Object  string          `json:"object"`
	Message json.RawMessage `json:"message"`
}

// remoteError returns a RemoteError if payload is an error-object record.
func remoteError(payload []byte) (*model.Error, bool) {
	var rec errorRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, false
	}
	if rec.Object != "error" {
		return nil, false
	}
	var msg string
	if len(rec.Message) > 0 && json.Unmarshal(rec.Message, &msg) != nil {
		msg = string(rec.Message)
	}
	if msg == "" {
		msg = "remote endpoint reported an error"
	}
	return model.NewError(model.KindRemote, msg, nil), true
}

// =============================================================================
// SSE PARSER
// =============================================================================

// EventType distinguishes parser outputs.
type EventType int

const (
	EventDelta EventType = iota
	EventDone
)

// Event is one parsed SSE record.
type Event struct {
	Type  EventType
	Delta string
}

// SSEParser incrementally parses an SSE byte stream.
// Bytes may arrive split anywhere; only complete lines are parsed.
type SSEParser struct {
	buf     []byte
	done    bool
	failed  error
	skipped int

	// bare collects lines outside any SSE field, so that a JSON error body
	// spread over several lines can be recognised at end of input.
	bare []byte
}

// NewSSEParser creates an empty parser.
func NewSSEParser() *SSEParser {
	return &SSEParser{}
}

// Feed appends a delivery and returns the events completed by it.
// A non-nil error is terminal; later calls return the same error.
// After [DONE], further input is ignored.
func (p *SSEParser) Feed(data []byte) ([]Event, error) {
	if p.failed != nil {
		return nil, p.failed
	}
	if p.done {
		return nil, nil
	}
	p.buf = append(p.buf, data...)

	var events []Event
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := p.buf[:i]
		p.buf = p.buf[i+1:]

		ev, ok, err := p.parseLine(line)
		if err != nil {
			p.failed = err
			return events, err
		}
		if !ok {
			continue
		}
		events = append(events, ev)
		if ev.Type == EventDone {
			p.done = true
			p.buf = nil
			return events, nil
		}
	}

	if len(p.buf) > MaxLineSize {
		p.failed = model.Errorf(model.KindProtocol, nil, "sse line exceeds %d bytes", MaxLineSize)
		return events, p.failed
	}
	// Compact so the retained partial line does not pin the old backing array.
	if cap(p.buf) > 2*readBufferSize && len(p.buf) < cap(p.buf)/4 {
		p.buf = append([]byte(nil), p.buf...)
	}
	return events, nil
}

// Close parses any trailing unterminated line at end of input. Lines outside
// any SSE field are then checked, joined, for a JSON error object.
func (p *SSEParser) Close() ([]Event, error) {
	if p.failed != nil {
		return nil, p.failed
	}
	if p.done {
		return nil, nil
	}

	var events []Event
	if len(p.buf) > 0 {
		line := p.buf
		p.buf = nil
		ev, ok, err := p.parseLine(line)
		if err != nil {
			p.failed = err
			return nil, err
		}
		if ok {
			events = append(events, ev)
			if ev.Type == EventDone {
				p.done = true
				return events, nil
			}
		}
	}

	if len(p.bare) > 0 {
		bare := p.bare
		p.bare = nil
		if rerr, ok := remoteError(bytes.TrimSpace(bare)); ok {
			p.failed = rerr
			return events, rerr
		}
	}
	return events, nil
}

// Done reports whether [DONE] was seen.
func (p *SSEParser) Done() bool {
	return p.done
}

// Skipped returns the number of malformed records that were dropped.
func (p *SSEParser) Skipped() int {
	return p.skipped
}

// parseLine handles one complete line. ok is false for lines that carry no event.
func (p *SSEParser) parseLine(line []byte) (Event, bool, error) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 || line[0] == ':' {
		return Event{}, false, nil
	}

	if !bytes.HasPrefix(line, dataPrefix) {
		for _, f := range otherFields {
			if bytes.HasPrefix(line, f) {
				return Event{}, false, nil
			}
		}
		// Some endpoints answer with a bare JSON error object instead of SSE.
		if rerr, ok := remoteError(bytes.TrimSpace(line)); ok {
			return Event{}, false, rerr
		}
		if len(p.bare)+len(line) < MaxLineSize {
			p.bare = append(p.bare, line...)
			p.bare = append(p.bare, '\n')
		}
		return Event{}, false, nil
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if bytes.Equal(payload, donePayload) {
		return Event{Type: EventDone}, true, nil
	}

	var chunk Chunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		if rerr, ok := remoteError(payload); ok {
			return Event{}, false, rerr
		}
		p.skipped++
		return Event{}, false, nil
	}
	if chunk.Object == "error" || len(chunk.Choices) == 0 {
		if rerr, ok := remoteError(payload); ok {
			return Event{}, false, rerr
		}
	}

	content := chunk.Content()
	if content == "" {
		return Event{}, false, nil
	}
	return Event{Type: EventDelta, Delta: content}, true, nil
}

// =============================================================================
// READER DRIVER
// =============================================================================

// ReadSSE drives an SSEParser over r, calling onDelta for each delta in order,
// and returns the accumulated text. End of input without [DONE] is a normal
// completion. Read failures are NetworkErrors; ctx cancellation is Canceled.
// On error the text accumulated so far is still returned.
func ReadSSE(ctx context.Context, r io.Reader, onDelta func(string)) (string, error) {
	parser := NewSSEParser()
	var acc strings.Builder
	buf := make([]byte, readBufferSize)

	deliver := func(events []Event) {
		for _, ev := range events {
			if ev.Type != EventDelta {
				continue
			}
			acc.WriteString(ev.Delta)
			if onDelta != nil {
				onDelta(ev.Delta)
			}
		}
	}

	for !parser.Done() {
		if err := ctx.Err(); err != nil {
			return acc.String(), model.NewError(model.KindCanceled, "stream canceled", err)
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			events, err := parser.Feed(buf[:n])
			deliver(events)
			if err != nil {
				return acc.String(), err
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			events, err := parser.Close()
			deliver(events)
			return acc.String(), err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return acc.String(), model.NewError(model.KindCanceled, "stream canceled", ctxErr)
		}
		return acc.String(), model.NewError(model.KindNetwork, "stream read failed", readErr)
	}
	return acc.String(), nil
}
