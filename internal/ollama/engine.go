// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"errors"

	"github.com/jeranaias/fullmoon-go/internal/backend"
	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/stream"
)

// Engine runs local generation through the Ollama daemon.
type Engine struct {
	client *Client
}

// NewEngine creates an engine backed by client.
func NewEngine(client *Client) *Engine {
	return &Engine{client: client}
}

// Generate streams a raw-prompt completion, handing each response fragment
// to onToken as one token. It stops as soon as onToken says so.
func (e *Engine) Generate(ctx context.Context, h backend.Handle, p backend.GenerateParams, onToken backend.TokenFunc) error {
	req := GenerateRequest{
		Model:  h.EngineModel,
		Prompt: p.Prompt,
		Raw:    true,
		Options: &Options{
			Temperature: p.Temperature,
			Seed:        p.Seed,
			NumPredict:  p.MaxTokens,
			Stop:        p.Stop,
		},
	}

	var tokenErr error
	index := 0
	err := e.client.GenerateStream(ctx, req, func(r GenerateResponse) bool {
		if r.Response == "" {
			return true
		}
		step, err := onToken(stream.Token{ID: index, Text: r.Response})
		index++
		if err != nil {
			tokenErr = err
			return false
		}
		return step == stream.Continue
	})
	if tokenErr != nil {
		return tokenErr
	}
	if err != nil {
		return engineError(err, h.EngineModel)
	}
	return nil
}

// engineError maps client failures onto generation error kinds.
func engineError(err error, name string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return model.NewError(model.KindCanceled, "generation canceled", err)
	}
	switch {
	case IsModelNotFound(err):
		return model.Errorf(model.KindModelNotFound, err, "model %s is not installed", name)
	case IsNotRunning(err):
		return model.NewError(model.KindProvision, "local engine unavailable", err)
	}
	var ce *ClientError
	if errors.As(err, &ce) && ce.Type == ErrTypeInvalidResponse {
		return model.NewError(model.KindProtocol, "local engine error", err)
	}
	return model.NewError(model.KindProvision, "local generation failed", err)
}
