// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/prompt"
	"github.com/jeranaias/fullmoon-go/internal/stream"
)

// DefaultTemperature is the sampling temperature for local generation.
const DefaultTemperature = 0.5

// LocalConfig wires the local strategy to its collaborators.
type LocalConfig struct {
	Registry    *model.LocalRegistry
	Templates   *prompt.Registry
	Provisioner Provisioner
	Engine      Engine

	// State is the load slot; it belongs to the session manager.
	State *LoadState

	// Stride is the decode interval in tokens (default 4).
	Stride int
	// MaxTokens caps each generation (default 4096).
	MaxTokens int
	// Temperature for sampling (default 0.5).
	Temperature float64

	// Seed returns a fresh seed for each call (default: wall clock nanoseconds).
	Seed func() int64

	Logger *zap.Logger
}

// Local generates with an on-device inference engine.
type Local struct {
	cfg LocalConfig
	log *zap.Logger

	// mu guards cfg.Registry and cfg.Templates, which a config reload swaps.
	mu sync.RWMutex
}

// NewLocal creates the local strategy.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Provisioner == nil || cfg.Engine == nil {
		return nil, errors.New("backend: local strategy needs a provisioner and an engine")
	}
	if cfg.Registry == nil {
		cfg.Registry = model.DefaultLocalRegistry()
	}
	if cfg.Templates == nil {
		cfg.Templates = prompt.NewRegistry()
	}
	if cfg.State == nil {
		cfg.State = NewLoadState()
	}
	if cfg.Stride <= 0 {
		cfg.Stride = stream.DefaultStride
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = stream.DefaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Seed == nil {
		cfg.Seed = func() int64 { return time.Now().UnixNano() }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Local{cfg: cfg, log: cfg.Logger.Named("local")}, nil
}

// State returns the load slot used by this strategy.
func (l *Local) State() *LoadState {
	return l.cfg.State
}

// SetCatalog replaces the model registry and template families used by
// later calls. A nil argument keeps the current value. A model that is
// already loaded stays loaded.
func (l *Local) SetCatalog(reg *model.LocalRegistry, templates *prompt.Registry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if reg != nil {
		l.cfg.Registry = reg
	}
	if templates != nil {
		l.cfg.Templates = templates
	}
}

func (l *Local) catalog() (*model.LocalRegistry, *prompt.Registry) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.Registry, l.cfg.Templates
}

// Load resolves sel in the registry and makes it the loaded model.
func (l *Local) Load(ctx context.Context, sel model.ModelSelection, onProgress ProgressFunc) error {
	_, err := l.ensure(ctx, sel, onProgress)
	return err
}

func (l *Local) ensure(ctx context.Context, sel model.ModelSelection, onProgress ProgressFunc) (Handle, error) {
	if !sel.IsLocal() {
		return Handle{}, model.Errorf(model.KindModelNotFound, nil, "%s is not a local model", sel)
	}
	reg, _ := l.catalog()
	cfg, err := reg.Lookup(sel.Name)
	if err != nil {
		return Handle{}, err
	}
	if onProgress == nil {
		onProgress = func(float64) {}
	}

	return l.cfg.State.Ensure(ctx, cfg, func(ctx context.Context) (Handle, error) {
		start := time.Now()
		l.log.Info("loading local model", zap.String("model", cfg.Name))
		h, err := l.cfg.Provisioner.LoadLocalHandle(ctx, cfg, onProgress)
		if err != nil {
			l.log.Warn("local model load failed", zap.String("model", cfg.Name), zap.Error(err))
			return Handle{}, model.AsError(err, model.KindProvision)
		}
		if h.Config.Name == "" {
			h.Config = cfg
		}
		l.log.Info("local model loaded",
			zap.String("model", cfg.Name),
			zap.String("engine_model", h.EngineModel),
			zap.Duration("elapsed", time.Since(start)))
		return h, nil
	})
}

// Generate encodes msgs with the model family template and streams tokens
// through a stride decoder. Reaching the token cap is a normal completion.
func (l *Local) Generate(ctx context.Context, sel model.ModelSelection, msgs []*model.Message, system string, onDelta DeltaFunc) (Output, error) {
	h, err := l.ensure(ctx, sel, nil)
	if err != nil {
		return Output{}, err
	}

	_, templates := l.catalog()
	tmpl, err := templates.Get(h.Config.Family)
	if err != nil {
		return Output{}, err
	}
	encoded := tmpl.Encode(system, msgs)

	decode := stream.ConcatDecode
	if td, ok := l.cfg.Engine.(TokenDecoder); ok {
		decode = func(toks []stream.Token) string { return td.Decode(h, toks) }
	}
	dec := stream.NewDecoder(l.cfg.Stride, l.cfg.MaxTokens, decode, onDelta)

	params := GenerateParams{
		Prompt:      encoded,
		Temperature: l.cfg.Temperature,
		Seed:        l.cfg.Seed(),
		MaxTokens:   l.cfg.MaxTokens,
		Stop:        tmpl.Stop,
	}

	l.log.Debug("local generation started",
		zap.String("model", h.Config.Name),
		zap.Int("prompt_bytes", len(encoded)),
		zap.Int64("seed", params.Seed))

	err = l.cfg.Engine.Generate(ctx, h, params, func(tok stream.Token) (stream.Step, error) {
		return dec.Push(ctx, tok)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Output{Text: dec.Finish().Text}, model.NewError(model.KindCanceled, "generation canceled", ctxErr)
		}
		return Output{}, model.AsError(err, model.KindUnknown)
	}

	res := dec.Finish()
	l.log.Debug("local generation finished",
		zap.Int("tokens", res.Tokens),
		zap.Bool("hit_cap", res.HitCap),
		zap.Float64("tokens_per_sec", res.TokensPerSecond))
	return Output{Text: res.Text, Tokens: res.Tokens, TokensPerSecond: res.TokensPerSecond}, nil
}
