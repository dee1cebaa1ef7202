// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"

	"github.com/jeranaias/fullmoon-go/internal/model"
)

// Router picks the strategy for each call from the selection variant.
type Router struct {
	Local  Backend
	Hosted Backend
}

// NewRouter returns a Router over the two strategies. Either may be nil if
// the corresponding selections are never used.
func NewRouter(local, hosted Backend) *Router {
	return &Router{Local: local, Hosted: hosted}
}

func (r *Router) pick(sel model.ModelSelection) (Backend, error) {
	switch {
	case sel.IsLocal() && r.Local != nil:
		return r.Local, nil
	case sel.IsHosted() && r.Hosted != nil:
		return r.Hosted, nil
	}
	return nil, model.Errorf(model.KindModelNotFound, nil, "no backend for selection %s", sel)
}

// Load implements Backend.
func (r *Router) Load(ctx context.Context, sel model.ModelSelection, onProgress ProgressFunc) error {
	b, err := r.pick(sel)
	if err != nil {
		return err
	}
	return b.Load(ctx, sel, onProgress)
}

// Generate implements Backend.
func (r *Router) Generate(ctx context.Context, sel model.ModelSelection, msgs []*model.Message, system string, onDelta DeltaFunc) (Output, error) {
	b, err := r.pick(sel)
	if err != nil {
		return Output{}, err
	}
	return b.Generate(ctx, sel, msgs, system, onDelta)
}

var (
	_ Backend = (*Local)(nil)
	_ Backend = (*Hosted)(nil)
	_ Backend = (*Router)(nil)
)
