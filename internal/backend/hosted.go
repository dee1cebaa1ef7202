// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/fullmoon-go/internal/cloud"
	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/prompt"
	"github.com/jeranaias/fullmoon-go/internal/stream"
)

// Hosted generates through a remote streaming chat endpoint.
type Hosted struct {
	client *cloud.Client
	log    *zap.Logger
}

// NewHosted creates the hosted strategy. A nil client uses cloud defaults.
func NewHosted(client *cloud.Client, logger *zap.Logger) *Hosted {
	if client == nil {
		client = cloud.NewClient(cloud.DefaultConfig())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hosted{client: client, log: logger.Named("hosted")}
}

// Load is a no-op: hosted models are always ready.
func (h *Hosted) Load(ctx context.Context, sel model.ModelSelection, onProgress ProgressFunc) error {
	if !sel.IsHosted() {
		return model.Errorf(model.KindModelNotFound, nil, "%s is not a hosted model", sel)
	}
	return nil
}

// Generate sends the flattened transcript as one user message and
// accumulates the streamed deltas.
func (h *Hosted) Generate(ctx context.Context, sel model.ModelSelection, msgs []*model.Message, system string, onDelta DeltaFunc) (Output, error) {
	if !sel.IsHosted() {
		return Output{}, model.Errorf(model.KindModelNotFound, nil, "%s is not a hosted model", sel)
	}
	m := sel.Hosted
	transcript := prompt.Hosted(system, msgs)

	start := time.Now()
	body, err := h.client.StreamChat(ctx, m.Endpoint, m.Name, transcript)
	if err != nil {
		return Output{}, err
	}
	defer body.Close()

	var acc strings.Builder
	text, err := stream.ReadSSE(ctx, body, func(delta string) {
		acc.WriteString(delta)
		if onDelta != nil {
			onDelta(acc.String())
		}
	})
	if err != nil {
		h.log.Warn("hosted generation failed", zap.String("model", m.Name), zap.Error(err))
		return Output{Text: text}, err
	}

	h.log.Debug("hosted generation finished",
		zap.String("model", m.Name),
		zap.Int("chars", len(text)),
		zap.Duration("elapsed", time.Since(start)))
	return Output{Text: text}, nil
}
