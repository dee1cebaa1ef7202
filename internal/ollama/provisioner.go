// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jeranaias/fullmoon-go/internal/backend"
	"github.com/jeranaias/fullmoon-go/internal/model"
)

// Provisioner makes local models available, pulling them when missing.
type Provisioner struct {
	client *Client
	log    *zap.Logger
}

// NewProvisioner creates a provisioner backed by client.
func NewProvisioner(client *Client, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{client: client, log: logger.Named("provision")}
}

// LoadLocalHandle returns a handle for cfg, downloading the model first if it
// is not installed. Download progress is reported as a fraction in [0, 1].
func (p *Provisioner) LoadLocalHandle(ctx context.Context, cfg model.LocalModel, onProgress backend.ProgressFunc) (backend.Handle, error) {
	if onProgress == nil {
		onProgress = func(float64) {}
	}
	h := backend.Handle{Config: cfg, EngineModel: cfg.EngineModel}
	if h.EngineModel == "" {
		h.EngineModel = cfg.Name
	}

	if err := p.client.EnsureRunning(ctx); err != nil {
		return backend.Handle{}, model.NewError(model.KindProvision, "local engine unavailable", err)
	}

	_, err := p.client.ShowModel(ctx, h.EngineModel)
	if err == nil {
		onProgress(1)
		return h, nil
	}
	if !IsModelNotFound(err) {
		return backend.Handle{}, model.Errorf(model.KindProvision, err, "failed to inspect %s", h.EngineModel)
	}

	p.log.Info("pulling model", zap.String("model", h.EngineModel))
	tracker := newPullTracker(onProgress)
	if err := p.client.Pull(ctx, h.EngineModel, tracker.update); err != nil {
		return backend.Handle{}, model.Errorf(model.KindProvision, err, "failed to download %s", h.EngineModel)
	}
	onProgress(1)
	p.log.Info("model pulled", zap.String("model", h.EngineModel))
	return h, nil
}

// pullTracker folds per-layer pull progress into one overall fraction.
type pullTracker struct {
	mu         sync.Mutex
	layers     map[string][2]int64
	last       float64
	onProgress backend.ProgressFunc
}

func newPullTracker(onProgress backend.ProgressFunc) *pullTracker {
	return &pullTracker{layers: make(map[string][2]int64), onProgress: onProgress}
}

func (t *pullTracker) update(pp PullProgress) {
	if pp.Digest == "" || pp.Total <= 0 {
		return
	}
	t.mu.Lock()
	t.layers[pp.Digest] = [2]int64{pp.Completed, pp.Total}
	var done, total int64
	for _, l := range t.layers {
		done += l[0]
		total += l[1]
	}
	f := float64(done) / float64(total)
	if f > 1 {
		f = 1
	}
	// A newly discovered layer grows the total; never report going backwards.
	if f < t.last {
		f = t.last
	}
	t.last = f
	t.mu.Unlock()

	t.onProgress(f)
}
