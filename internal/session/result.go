// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"fmt"

	"github.com/jeranaias/fullmoon-go/internal/model"
)

// ErrorPrefix starts the display text of a failed generation.
const ErrorPrefix = "Error: "

// Result is the outcome of one Generate call. Exactly one of the following
// holds: Rejected is set, Err is set, or Text is the completed reply.
type Result struct {
	Text string

	// Tokens and TokensPerSecond are set for local completions.
	Tokens          int
	TokensPerSecond float64

	// Err is the typed failure. Text may still hold partial output.
	Err *model.Error

	// Rejected is set when another generation was already running.
	Rejected bool
}

// OK reports a completed generation.
func (r Result) OK() bool {
	return !r.Rejected && r.Err == nil
}

// Display formats the result for a user: the reply, or "Error: ..." on failure.
func (r Result) Display() string {
	switch {
	case r.Rejected:
		return ""
	case r.Err != nil:
		return ErrorPrefix + r.Err.Error()
	}
	return r.Text
}

// Stat formats the tokens/s statistic, or "" when there is none.
func (r Result) Stat() string {
	return formatStat(r.TokensPerSecond)
}

func formatStat(tps float64) string {
	if tps <= 0 {
		return ""
	}
	return fmt.Sprintf(" Tokens/s: %.3f", tps)
}
