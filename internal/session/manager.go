// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jeranaias/fullmoon-go/internal/backend"
	"github.com/jeranaias/fullmoon-go/internal/cloud"
	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/prompt"
)

// =============================================================================
// SESSION MANAGER
// =============================================================================

// Manager runs generations one at a time and publishes their progress.
type Manager struct {
	mu sync.Mutex

	// guard admits a single generation; TryAcquire never waits.
	guard *semaphore.Weighted

	state   *backend.LoadState
	backend backend.Backend

	// Set only when the manager built the router itself.
	local  *backend.Local
	hosted *cloud.Client

	// Published state
	running      bool
	output       string
	tokensPerSec float64
	progress     float64
	modelInfo    string
	cancel       context.CancelFunc

	onUpdate func(Status)

	log *zap.Logger
}

// Config holds configuration for the session manager.
type Config struct {
	// Local configures the local strategy. Its State field is ignored: the
	// manager owns the load slot.
	Local backend.LocalConfig

	// Hosted is the transport for hosted models (default: cloud defaults).
	Hosted *cloud.Client

	// Backend replaces the local/hosted router when set.
	Backend backend.Backend

	Logger *zap.Logger
}

// NewManager creates a manager and the backends it drives.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	m := &Manager{
		guard: semaphore.NewWeighted(1),
		state: backend.NewLoadState(),
		log:   cfg.Logger.Named("session"),
	}

	if cfg.Backend != nil {
		m.backend = cfg.Backend
		return m, nil
	}

	localCfg := cfg.Local
	localCfg.State = m.state
	if localCfg.Logger == nil {
		localCfg.Logger = cfg.Logger
	}
	local, err := backend.NewLocal(localCfg)
	if err != nil {
		return nil, err
	}
	if cfg.Hosted == nil {
		hostedCfg := cloud.DefaultConfig()
		hostedCfg.Logger = cfg.Logger
		cfg.Hosted = cloud.NewClient(hostedCfg)
	}
	m.local, m.hosted = local, cfg.Hosted
	m.backend = backend.NewRouter(local, backend.NewHosted(cfg.Hosted, cfg.Logger))
	return m, nil
}

// Reconfigure applies a reloaded configuration to later generations: the
// local model registry, the template families and the hosted API key.
// Nil registries keep their current value. It does nothing when the manager
// was built with a custom Backend.
func (m *Manager) Reconfigure(reg *model.LocalRegistry, templates *prompt.Registry, apiKey string) {
	if m.local == nil {
		return
	}
	m.local.SetCatalog(reg, templates)
	m.hosted.SetAPIKey(apiKey)
	m.log.Debug("configuration reloaded")
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate produces a reply for msgs with the selected model. If another
// generation is running it returns a Rejected result at once and leaves the
// running one untouched. msgs must already be in prompt order.
func (m *Manager) Generate(ctx context.Context, sel model.ModelSelection, msgs []*model.Message, system string) Result {
	if !m.guard.TryAcquire(1) {
		m.log.Debug("generation rejected, another is running", zap.Stringer("selection", sel))
		return Result{Rejected: true}
	}
	defer m.guard.Release(1)

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.running = true
	m.output = ""
	m.tokensPerSec = 0
	m.cancel = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		m.running = false
		m.cancel = nil
		m.mu.Unlock()
		m.notify()
	}()
	m.notify()

	start := time.Now()
	m.log.Info("generation started",
		zap.Stringer("selection", sel),
		zap.Int("messages", len(msgs)))

	if sel.IsLocal() {
		if err := m.load(ctx, sel); err != nil {
			return m.fail(err, "")
		}
	}

	out, err := m.backend.Generate(ctx, sel, msgs, system, m.publish)
	if err != nil {
		return m.fail(err, out.Text)
	}

	m.mu.Lock()
	m.output = out.Text
	m.tokensPerSec = out.TokensPerSecond
	m.mu.Unlock()

	m.log.Info("generation finished",
		zap.Stringer("selection", sel),
		zap.Int("tokens", out.Tokens),
		zap.Float64("tokens_per_sec", out.TokensPerSecond),
		zap.Duration("elapsed", time.Since(start)))

	return Result{Text: out.Text, Tokens: out.Tokens, TokensPerSecond: out.TokensPerSecond}
}

// fail replaces the current output with the error text.
func (m *Manager) fail(err error, partial string) Result {
	e := model.AsError(err, model.KindUnknown)
	res := Result{Text: partial, Err: e}

	m.mu.Lock()
	m.output = res.Display()
	m.tokensPerSec = 0
	m.mu.Unlock()

	if e.Kind == model.KindCanceled {
		m.log.Info("generation canceled")
	} else {
		m.log.Warn("generation failed", zap.Stringer("kind", e.Kind), zap.Error(err))
	}
	return res
}

// publish receives cumulative output from the backend, in order.
func (m *Manager) publish(text string) {
	m.mu.Lock()
	m.output = text
	m.mu.Unlock()
	m.notify()
}

// Stop cancels the running generation, local or hosted.
// Returns false if nothing was running.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// =============================================================================
// MODEL LOADING
// =============================================================================

// Load prepares sel ahead of a generation. Loading the model already held is
// a no-op; concurrent loads share one provisioning call.
func (m *Manager) Load(ctx context.Context, sel model.ModelSelection) error {
	return m.load(ctx, sel)
}

// SwitchModel drops the held local model and loads sel.
func (m *Manager) SwitchModel(ctx context.Context, sel model.ModelSelection) error {
	m.mu.Lock()
	m.progress = 0
	m.mu.Unlock()
	m.state.Reset()

	if err := m.load(ctx, sel); err != nil {
		e := model.AsError(err, model.KindProvision)
		m.mu.Lock()
		m.output = ErrorPrefix + e.Error()
		m.mu.Unlock()
		m.notify()
		return e
	}
	return nil
}

// ForgetModel releases the slot if it holds the named local model.
func (m *Manager) ForgetModel(name string) {
	if m.state.ResetIf(name) {
		m.log.Info("released local model", zap.String("model", name))
	}
}

func (m *Manager) load(ctx context.Context, sel model.ModelSelection) error {
	if !sel.IsLocal() {
		return m.backend.Load(ctx, sel, nil)
	}
	if h, ok := m.state.Current(); ok && h.Config.Name == sel.Name {
		return nil
	}

	name := model.DisplayName(sel.Name)
	err := m.backend.Load(ctx, sel, func(fraction float64) {
		m.mu.Lock()
		m.progress = fraction
		m.modelInfo = fmt.Sprintf("Downloading %s: %d%%", name, int(fraction*100))
		m.mu.Unlock()
		m.notify()
	})
	if err != nil {
		if !errors.Is(err, model.ErrCanceled) {
			m.log.Warn("model load failed", zap.String("model", sel.Name), zap.Error(err))
		}
		return err
	}

	m.mu.Lock()
	m.progress = 1
	m.modelInfo = "Loaded " + name
	m.mu.Unlock()
	m.notify()
	return nil
}

// State returns the load slot owned by this manager.
func (m *Manager) State() *backend.LoadState {
	return m.state
}

// =============================================================================
// PUBLISHED STATE
// =============================================================================

// Running reports whether a generation is in flight.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Output returns the current output: partial text while running, then the
// final reply or the error text.
func (m *Manager) Output() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.output
}

// Stat returns " Tokens/s: N" after a local completion, else "".
func (m *Manager) Stat() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return formatStat(m.tokensPerSec)
}

// Progress returns the last load progress fraction.
func (m *Manager) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// ModelInfo returns the load status line.
func (m *Manager) ModelInfo() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modelInfo
}

// Status is a snapshot of the published state.
type Status struct {
	Running         bool
	Output          string
	TokensPerSecond float64
	Progress        float64
	ModelInfo       string
	Phase           backend.LoadPhase
}

// GetStatus returns the current published state.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	return Status{
		Running:         m.running,
		Output:          m.output,
		TokensPerSecond: m.tokensPerSec,
		Progress:        m.progress,
		ModelInfo:       m.modelInfo,
		Phase:           m.state.Phase(),
	}
}

// SetUpdateCallback sets the function called after every state change.
// It runs on the goroutine that made the change and must not block.
func (m *Manager) SetUpdateCallback(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

func (m *Manager) notify() {
	m.mu.Lock()
	fn := m.onUpdate
	var st Status
	if fn != nil {
		st = m.statusLocked()
	}
	m.mu.Unlock()

	if fn != nil {
		fn(st)
	}
}
