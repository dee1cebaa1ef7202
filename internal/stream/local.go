// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"strings"
	"time"

	"github.com/jeranaias/fullmoon-go/internal/model"
)

// Defaults for local decoding.
const (
	DefaultStride    = 4
	DefaultMaxTokens = 4096
)

// Token is a single unit produced by the local inference engine.
type Token struct {
	ID   int
	Text string
}

// Step tells the engine whether to keep producing tokens.
type Step int

const (
	Continue Step = iota
	Stop
)

// DecodeFunc turns the cumulative token sequence into text.
type DecodeFunc func(tokens []Token) string

// ConcatDecode decodes by joining token texts.
func ConcatDecode(tokens []Token) string {
	var sb strings.Builder
	for _, t := range tokens {
		sb.WriteString(t.Text)
	}
	return sb.String()
}

// LocalResult summarizes a finished local generation.
type LocalResult struct {
	Text            string
	Tokens          int
	Duration        time.Duration
	TokensPerSecond float64
	HitCap          bool
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder accumulates local tokens and publishes decoded text at a fixed stride.
// A Decoder serves one generation and is not safe for concurrent use.
type Decoder struct {
	stride    int
	maxTokens int
	decode    DecodeFunc
	publish   func(string)

	tokens    []Token
	published string
	start     time.Time
	hitCap    bool
}

// NewDecoder creates a decoder. Non-positive stride or maxTokens use the defaults.
// A nil decode uses ConcatDecode; a nil publish discards updates.
func NewDecoder(stride, maxTokens int, decode DecodeFunc, publish func(string)) *Decoder {
	if stride <= 0 {
		stride = DefaultStride
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if decode == nil {
		decode = ConcatDecode
	}
	if publish == nil {
		publish = func(string) {}
	}
	return &Decoder{
		stride:    stride,
		maxTokens: maxTokens,
		decode:    decode,
		publish:   publish,
		start:     time.Now(),
	}
}

// Push records one token. It returns Stop once the token cap is reached, and
// Stop with a Canceled error if ctx is done. Tokens pushed after Stop are ignored.
func (d *Decoder) Push(ctx context.Context, tok Token) (Step, error) {
	if err := ctx.Err(); err != nil {
		return Stop, model.NewError(model.KindCanceled, "generation canceled", err)
	}
	if len(d.tokens) >= d.maxTokens {
		d.hitCap = true
		return Stop, nil
	}

	d.tokens = append(d.tokens, tok)
	if len(d.tokens)%d.stride == 0 {
		d.emit(d.decode(d.tokens))
	}
	if len(d.tokens) >= d.maxTokens {
		d.hitCap = true
		return Stop, nil
	}
	return Continue, nil
}

// Count returns the number of tokens accepted so far.
func (d *Decoder) Count() int {
	return len(d.tokens)
}

// Finish decodes the full sequence, publishes it if it differs from the last
// published text, and returns the result.
func (d *Decoder) Finish() LocalResult {
	text := d.decode(d.tokens)
	d.emit(text)

	elapsed := time.Since(d.start)
	res := LocalResult{
		Text:     text,
		Tokens:   len(d.tokens),
		Duration: elapsed,
		HitCap:   d.hitCap,
	}
	if elapsed > 0 {
		res.TokensPerSecond = float64(len(d.tokens)) / elapsed.Seconds()
	}
	return res
}

func (d *Decoder) emit(text string) {
	if text == d.published {
		return
	}
	d.published = text
	d.publish(text)
}
