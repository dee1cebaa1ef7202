// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jeranaias/fullmoon-go/internal/model"
)

// LoadPhase is the state of the local model slot.
type LoadPhase int

const (
	Idle LoadPhase = iota
	Loaded
)

// String returns the phase name.
func (p LoadPhase) String() string {
	if p == Loaded {
		return "loaded"
	}
	return "idle"
}

// slotKey is the single singleflight key: one load at a time per slot.
const slotKey = "local-slot"

// LoadState is a single-slot cache of the loaded local model.
//
// At most one local model is held. Loading a different model drops the
// current one first; loading the held model again is a no-op. Concurrent
// loads share one in-flight provisioning call.
type LoadState struct {
	mu     sync.Mutex
	phase  LoadPhase
	handle Handle

	group singleflight.Group
}

// NewLoadState returns an Idle slot.
func NewLoadState() *LoadState {
	return &LoadState{}
}

// Phase returns the current phase.
func (s *LoadState) Phase() LoadPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Current returns the loaded handle, if any.
func (s *LoadState) Current() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.phase == Loaded
}

// Reset returns the slot to Idle.
func (s *LoadState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = Idle
	s.handle = Handle{}
}

// ResetIf returns the slot to Idle if it holds the named model.
func (s *LoadState) ResetIf(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Loaded || s.handle.Config.Name != name {
		return false
	}
	s.phase = Idle
	s.handle = Handle{}
	return true
}

func (s *LoadState) holding(name string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == Loaded && s.handle.Config.Name == name {
		return s.handle, true
	}
	return Handle{}, false
}

// Ensure makes cfg the loaded model, calling load only when needed.
func (s *LoadState) Ensure(ctx context.Context, cfg model.LocalModel, load func(context.Context) (Handle, error)) (Handle, error) {
	for {
		if h, ok := s.holding(cfg.Name); ok {
			return h, nil
		}
		if err := ctx.Err(); err != nil {
			return Handle{}, model.NewError(model.KindCanceled, "model load canceled", err)
		}

		v, err, _ := s.group.Do(slotKey, func() (any, error) {
			if h, ok := s.holding(cfg.Name); ok {
				return h, nil
			}
			// Drop whatever is held before loading something else.
			s.Reset()

			h, err := load(ctx)
			if err != nil {
				return Handle{}, err
			}
			s.mu.Lock()
			s.phase = Loaded
			s.handle = h
			s.mu.Unlock()
			return h, nil
		})
		if err != nil {
			return Handle{}, err
		}
		// A concurrent load for a different model may have won the slot; retry.
		if h := v.(Handle); h.Config.Name == cfg.Name {
			return h, nil
		}
	}
}
