// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/fullmoon-go/internal/model"
)

// =============================================================================
// LOCAL DECODER TESTS
// =============================================================================

func pieces(n int) []Token {
	toks := make([]Token, n)
	for i := range toks {
		toks[i] = Token{ID: i, Text: "t"}
	}
	return toks
}

func TestDecoder_PublishesAtStride(t *testing.T) {
	var published []string
	dec := NewDecoder(4, 100, nil, func(s string) { published = append(published, s) })

	for _, tok := range pieces(10) {
		step, err := dec.Push(context.Background(), tok)
		require.NoError(t, err)
		require.Equal(t, Continue, step)
	}
	// Tokens 4 and 8 trigger a decode.
	assert.Equal(t, []string{"tttt", "tttttttt"}, published)

	res := dec.Finish()
	assert.Equal(t, 10, res.Tokens)
	assert.Equal(t, strings.Repeat("t", 10), res.Text)
	// Finish publishes the unaligned tail.
	assert.Equal(t, strings.Repeat("t", 10), published[len(published)-1])
	assert.False(t, res.HitCap)
}

func TestDecoder_FinishSkipsDuplicatePublish(t *testing.T) {
	count := 0
	dec := NewDecoder(2, 100, nil, func(string) { count++ })
	for _, tok := range pieces(4) {
		_, err := dec.Push(context.Background(), tok)
		require.NoError(t, err)
	}
	dec.Finish()
	assert.Equal(t, 2, count)
}

func TestDecoder_TokenCapStopsAtExactlyN(t *testing.T) {
	const limit = 7
	dec := NewDecoder(4, limit, nil, nil)

	// An engine that would produce far more tokens stops when told to.
	produced := 0
	for _, tok := range pieces(1000) {
		produced++
		step, err := dec.Push(context.Background(), tok)
		require.NoError(t, err, "cap is a normal completion")
		if step == Stop {
			break
		}
	}

	res := dec.Finish()
	assert.Equal(t, limit, produced)
	assert.Equal(t, limit, res.Tokens)
	assert.Equal(t, limit, dec.Count())
	assert.True(t, res.HitCap)
}

func TestDecoder_IgnoresTokensAfterCap(t *testing.T) {
	dec := NewDecoder(1, 2, nil, nil)
	for _, tok := range pieces(5) {
		_, _ = dec.Push(context.Background(), tok)
	}
	assert.Equal(t, 2, dec.Count())
}

func TestDecoder_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dec := NewDecoder(4, 100, nil, nil)

	_, err := dec.Push(ctx, Token{Text: "a"})
	require.NoError(t, err)

	cancel()
	step, err := dec.Push(ctx, Token{Text: "b"})
	assert.Equal(t, Stop, step)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrCanceled))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, dec.Count())
}

func TestDecoder_CustomDecode(t *testing.T) {
	vocab := map[int]string{1: "Hel", 2: "lo"}
	decode := func(toks []Token) string {
		var sb strings.Builder
		for _, tk := range toks {
			sb.WriteString(vocab[tk.ID])
		}
		return sb.String()
	}
	dec := NewDecoder(4, 10, decode, nil)
	_, _ = dec.Push(context.Background(), Token{ID: 1})
	_, _ = dec.Push(context.Background(), Token{ID: 2})
	assert.Equal(t, "Hello", dec.Finish().Text)
}

func TestDecoder_PublishOrderIsMonotonic(t *testing.T) {
	var published []string
	dec := NewDecoder(3, 50, nil, func(s string) { published = append(published, s) })
	for _, tok := range pieces(20) {
		_, _ = dec.Push(context.Background(), tok)
	}
	dec.Finish()
	for i := 1; i < len(published); i++ {
		assert.True(t, strings.HasPrefix(published[i], published[i-1]))
		assert.Greater(t, len(published[i]), len(published[i-1]))
	}
}

// =============================================================================
// SSE PARSER TESTS
// =============================================================================

const helloStream = "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"

func collect(t *testing.T, p *SSEParser, deliveries ...string) ([]Event, error) {
	t.Helper()
	var all []Event
	for _, d := range deliveries {
		events, err := p.Feed([]byte(d))
		all = append(all, events...)
		if err != nil {
			return all, err
		}
	}
	events, err := p.Close()
	all = append(all, events...)
	return all, err
}

func TestSSEParser_SingleDeltaThenDone(t *testing.T) {
	p := NewSSEParser()
	events, err := collect(t, p, helloStream)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Event{Type: EventDelta, Delta: "hi"}, events[0])
	assert.Equal(t, EventDone, events[1].Type)
	assert.True(t, p.Done())
}

func TestSSEParser_SplitMidRecord(t *testing.T) {
	whole, err := collect(t, NewSSEParser(), helloStream)
	require.NoError(t, err)

	split, err := collect(t, NewSSEParser(),
		"data: {\"cho",
		"ices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n")
	require.NoError(t, err)
	assert.Equal(t, whole, split)
}

func TestSSEParser_EveryByteBoundary(t *testing.T) {
	whole, err := collect(t, NewSSEParser(), helloStream)
	require.NoError(t, err)

	for i := 1; i < len(helloStream); i++ {
		got, err := collect(t, NewSSEParser(), helloStream[:i], helloStream[i:])
		require.NoError(t, err, "split at %d", i)
		assert.Equal(t, whole, got, "split at %d", i)
	}
}

func TestSSEParser_PartialLineNotParsedEarly(t *testing.T) {
	p := NewSSEParser()
	events, err := p.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}"))
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = p.Feed([]byte("\n"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "hi", events[0].Delta)
}

func TestSSEParser_ErrorRecord(t *testing.T) {
	p := NewSSEParser()
	_, err := collect(t, p,
		"data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n",
		"data: {\"object\":\"error\",\"message\":\"rate limited\",\"type\":\"rate_limit\",\"code\":429}\n\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.True(t, errors.Is(err, model.ErrRemote))

	// Terminal: later input is not parsed.
	_, again := p.Feed([]byte(helloStream))
	assert.Equal(t, err, again)
}

func TestSSEParser_BareErrorObject(t *testing.T) {
	_, err := collect(t, NewSSEParser(), "{\"object\":\"error\",\"message\":\"invalid api key\"}\n")
	require.Error(t, err)
	assert.Equal(t, model.KindRemote, model.KindOf(err))
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestSSEParser_ErrorRecordWithConflictingFields(t *testing.T) {
	p := NewSSEParser()
	events, err := collect(t, p, "data: {\"object\":\"error\",\"id\":42,\"message\":\"rate limited\"}\n\n")
	require.Error(t, err)
	assert.Empty(t, events)
	assert.True(t, errors.Is(err, model.ErrRemote))
	assert.Contains(t, err.Error(), "rate limited")
	assert.Zero(t, p.Skipped())
}

func TestSSEParser_ErrorRecordNonStringMessage(t *testing.T) {
	_, err := collect(t, NewSSEParser(), "data: {\"object\":\"error\",\"message\":{\"detail\":\"quota\"}}\n\n")
	require.Error(t, err)
	assert.Equal(t, model.KindRemote, model.KindOf(err))
	assert.Contains(t, err.Error(), "quota")
}

func TestSSEParser_MultiLineBareErrorObject(t *testing.T) {
	body := "{\n  \"object\": \"error\",\n  \"message\": \"model overloaded\"\n}\n"

	_, err := collect(t, NewSSEParser(), body)
	require.Error(t, err)
	assert.Equal(t, model.KindRemote, model.KindOf(err))
	assert.Contains(t, err.Error(), "model overloaded")

	text, err := ReadSSE(context.Background(), iotest.OneByteReader(strings.NewReader(body)), nil)
	require.Error(t, err)
	assert.Empty(t, text)
	assert.True(t, errors.Is(err, model.ErrRemote))
}

func TestSSEParser_SkipsMalformedRecords(t *testing.T) {
	p := NewSSEParser()
	events, err := collect(t, p,
		"data: {not json\n\n",
		": keep-alive comment\n",
		"event: message\nid: 7\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n",
		"data: [DONE]\n\n")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ok", events[0].Delta)
	assert.Equal(t, 1, p.Skipped())
}

func TestSSEParser_IgnoresInputAfterDone(t *testing.T) {
	p := NewSSEParser()
	events, err := collect(t, p, helloStream, "data: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n\n")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSSEParser_CRLFAndMultipleChoices(t *testing.T) {
	events, err := collect(t, NewSSEParser(),
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}},{\"delta\":{\"content\":\"b\"}}]}\r\n\r\n")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ab", events[0].Delta)
}

func TestSSEParser_TrailingLineWithoutNewline(t *testing.T) {
	events, err := collect(t, NewSSEParser(), "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "x", events[0].Delta)
}

func TestSSEParser_LineTooLong(t *testing.T) {
	p := NewSSEParser()
	_, err := p.Feed([]byte("data: " + strings.Repeat("x", MaxLineSize+1)))
	require.Error(t, err)
	assert.Equal(t, model.KindProtocol, model.KindOf(err))
}

// =============================================================================
// READSSE TESTS
// =============================================================================

func TestReadSSE_AccumulatesDeltas(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n"

	var deltas []string
	text, err := ReadSSE(context.Background(), iotest.OneByteReader(strings.NewReader(body)),
		func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
}

func TestReadSSE_EOFWithoutDone(t *testing.T) {
	text, err := ReadSSE(context.Background(),
		strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, "partial", text)
}

func TestReadSSE_RemoteErrorKeepsPartial(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"so far\"}}]}\n\n" +
		"data: {\"object\":\"error\",\"message\":\"rate limited\"}\n\n"
	text, err := ReadSSE(context.Background(), strings.NewReader(body), nil)
	require.Error(t, err)
	assert.Equal(t, "so far", text)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestReadSSE_ReadFailureIsNetworkError(t *testing.T) {
	r := io.MultiReader(strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n"),
		iotest.ErrReader(errors.New("connection reset")))
	_, err := ReadSSE(context.Background(), r, nil)
	require.Error(t, err)
	assert.Equal(t, model.KindNetwork, model.KindOf(err))
}

func TestReadSSE_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReadSSE(ctx, strings.NewReader(helloStream), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrCanceled))
}
