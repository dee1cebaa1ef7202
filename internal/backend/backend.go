// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"

	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/stream"
)

// ProgressFunc receives load progress as a fraction in [0, 1].
type ProgressFunc func(fraction float64)

// DeltaFunc receives the cumulative output each time it grows.
type DeltaFunc func(output string)

// Output is the result of a successful generation.
type Output struct {
	Text string

	// Tokens and TokensPerSecond are reported by the local strategy only.
	Tokens          int
	TokensPerSecond float64
}

// Backend is the capability shared by both generation strategies.
type Backend interface {
	// Load prepares the selected model. Hosted models need no preparation.
	Load(ctx context.Context, sel model.ModelSelection, onProgress ProgressFunc) error

	// Generate produces a reply for msgs, which must be in prompt order.
	// onDelta is called with the cumulative output, in order, on the caller's goroutine.
	Generate(ctx context.Context, sel model.ModelSelection, msgs []*model.Message, system string, onDelta DeltaFunc) (Output, error)
}

// =============================================================================
// LOCAL ENGINE COLLABORATORS
// =============================================================================

// Handle is a ready-to-use local model returned by a Provisioner.
type Handle struct {
	Config      model.LocalModel
	EngineModel string
}

// Provisioner yields a ready local handle, downloading the model if needed.
type Provisioner interface {
	LoadLocalHandle(ctx context.Context, cfg model.LocalModel, onProgress ProgressFunc) (Handle, error)
}

// GenerateParams are the sampling inputs for one local generation.
type GenerateParams struct {
	Prompt      string
	Temperature float64
	Seed        int64
	MaxTokens   int
	Stop        []string
}

// TokenFunc receives each produced token and says whether to continue.
type TokenFunc func(tok stream.Token) (stream.Step, error)

// Engine runs token generation for a loaded handle.
// Implementations must stop producing tokens once onToken returns Stop or an error.
type Engine interface {
	Generate(ctx context.Context, h Handle, p GenerateParams, onToken TokenFunc) error
}

// TokenDecoder is implemented by engines whose tokens need real detokenization.
// Engines without it are decoded by concatenating token text.
type TokenDecoder interface {
	Decode(h Handle, tokens []stream.Token) string
}
