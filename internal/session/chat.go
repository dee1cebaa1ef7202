// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/storage"
)

// DefaultSystemPrompt is used when none is configured.
const DefaultSystemPrompt = "you are a helpful assistant"

// ErrEmptyPrompt is returned by Send for blank input.
var ErrEmptyPrompt = errors.New("empty prompt")

// ChatConfig wires a Chat.
type ChatConfig struct {
	Manager *Manager
	Store   storage.Store

	SystemPrompt string

	// Default is used by threads without their own selection.
	Default model.ModelSelection

	Logger *zap.Logger
}

// Chat is the conversation flow: it owns the current thread, persists
// messages, and asks the Manager for replies.
type Chat struct {
	mu sync.Mutex

	// sending is held by the Send that owns the current turn, from staging
	// the user message until the reply is stored.
	sending atomic.Bool

	mgr     *Manager
	store   storage.Store
	system  string
	def     model.ModelSelection
	current *model.Thread
	deleted map[string]struct{}
	log     *zap.Logger
}

// NewChat creates a chat with no current thread.
func NewChat(cfg ChatConfig) *Chat {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Chat{
		mgr:     cfg.Manager,
		store:   cfg.Store,
		system:  cfg.SystemPrompt,
		def:     cfg.Default,
		deleted: make(map[string]struct{}),
		log:     cfg.Logger.Named("chat"),
	}
}

// Reply is the outcome of Send.
type Reply struct {
	Result Result
	Thread *model.Thread

	// Message is the stored assistant message; nil when rejected.
	Message *model.Message
}

// Manager returns the generation manager.
func (c *Chat) Manager() *Manager { return c.mgr }

// Current returns the current thread, or nil.
func (c *Chat) Current() *model.Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NewThread makes a fresh, unsaved thread current.
func (c *Chat) NewThread() *model.Thread {
	t := model.NewThread()
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
	return t
}

// Open loads a stored thread and makes it current.
func (c *Chat) Open(ctx context.Context, id string) (*model.Thread, error) {
	t, err := c.store.LoadThread(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
	return t, nil
}

// SystemPrompt returns the system prompt.
func (c *Chat) SystemPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.system
}

// SetSystemPrompt replaces the system prompt for later sends.
func (c *Chat) SetSystemPrompt(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.system = s
}

// Default returns the process-wide selection.
func (c *Chat) Default() model.ModelSelection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.def
}

// SetDefault replaces the process-wide selection.
func (c *Chat) SetDefault(sel model.ModelSelection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.def = sel
}

// SelectForThread overrides the model for the current thread. The override
// is saved with the thread once it has messages.
func (c *Chat) SelectForThread(ctx context.Context, sel model.ModelSelection) error {
	c.mu.Lock()
	t := c.current
	c.mu.Unlock()
	if t == nil {
		t = c.NewThread()
	}
	t.SetSelection(sel)
	if t.IsEmpty() {
		return nil
	}
	if err := c.store.InsertThread(t); err != nil {
		return err
	}
	return c.store.Save(ctx)
}

// Send adds a user message to the current thread (creating and saving the
// thread on its first message), generates a reply, and stores it. A failed
// generation is stored as an error-text assistant message.
//
// The returned error is a PersistenceError when saving failed; the Reply is
// still valid in that case.
func (c *Chat) Send(ctx context.Context, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyPrompt
	}
	if !c.sending.CompareAndSwap(false, true) {
		return Reply{Result: Result{Rejected: true}}, nil
	}
	defer c.sending.Store(false)
	if c.mgr.Running() {
		return Reply{Result: Result{Rejected: true}}, nil
	}

	c.mu.Lock()
	t := c.current
	if t == nil {
		t = model.NewThread()
		c.current = t
	}
	system, def := c.system, c.def
	c.mu.Unlock()

	var persistErrs []error
	first := t.IsEmpty()
	user := model.NewMessage(model.RoleUser, text)
	t.AddMessage(user)
	if first {
		persistErrs = append(persistErrs, c.store.InsertThread(t))
	}
	persistErrs = append(persistErrs, c.store.InsertMessage(user))
	persistErrs = append(persistErrs, c.store.Save(ctx))

	sel := t.EffectiveSelection(def)
	var res Result
	if !sel.IsLocal() && !sel.IsHosted() {
		res = Result{Err: model.NewError(model.KindModelNotFound, "no model selected", nil)}
	} else {
		res = c.mgr.Generate(ctx, sel, t.SortedMessages(), system)
	}
	if res.Rejected {
		return Reply{Result: res, Thread: t}, errors.Join(persistErrs...)
	}

	reply := model.NewMessage(model.RoleAssistant, res.Display())
	reply.IsError = res.Err != nil
	reply.TokensPerSec = res.TokensPerSecond

	if c.wasDeleted(t.ID) {
		c.log.Info("thread deleted during generation, reply discarded", zap.String("thread", t.ID))
		return Reply{Result: res, Thread: t, Message: reply}, errors.Join(persistErrs...)
	}

	t.AddMessage(reply)
	// Persist with a fresh context so a stopped generation still records its reply.
	saveCtx := context.WithoutCancel(ctx)
	persistErrs = append(persistErrs, c.store.InsertMessage(reply), c.store.Save(saveCtx))

	err := errors.Join(persistErrs...)
	if err != nil {
		c.log.Warn("failed to persist chat", zap.String("thread", t.ID), zap.Error(err))
	}
	return Reply{Result: res, Thread: t, Message: reply}, err
}

// DeleteThread deletes a thread and its messages. If it is the current
// thread, the reference is cleared so the next Send starts a new one.
func (c *Chat) DeleteThread(ctx context.Context, id string) error {
	c.mu.Lock()
	wasCurrent := c.current != nil && c.current.ID == id
	unsaved := wasCurrent && c.current.IsEmpty()
	if wasCurrent {
		c.current = nil
	}
	c.deleted[id] = struct{}{}
	c.mu.Unlock()

	if unsaved {
		return nil
	}
	return c.store.DeleteThread(ctx, id)
}

func (c *Chat) wasDeleted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.deleted[id]
	return ok
}

// RemoveModel clears every selection that references name: the default,
// the current thread, and stored threads. It also releases the local slot
// if the model is loaded.
func (c *Chat) RemoveModel(ctx context.Context, name string) error {
	c.mgr.ForgetModel(name)

	c.mu.Lock()
	if c.def.References(name) {
		c.def = model.ModelSelection{}
	}
	if c.current != nil {
		c.current.ClearSelectionFor(name)
	}
	c.mu.Unlock()

	metas, err := c.store.ListThreads(ctx)
	if err != nil {
		return err
	}
	changed := false
	for _, meta := range metas {
		t, err := c.store.LoadThread(ctx, meta.ID)
		if err != nil {
			return err
		}
		if t.ClearSelectionFor(name) {
			if err := c.store.InsertThread(t); err != nil {
				return err
			}
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return c.store.Save(ctx)
}
