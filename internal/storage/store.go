// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jeranaias/fullmoon-go/internal/model"
)

// Store is the persistence collaborator used by the chat flow.
type Store interface {
	// InsertThread stages a thread's metadata (title, selection) for the next Save.
	// Inserting an existing thread updates it.
	InsertThread(t *model.Thread) error

	// InsertMessage stages a message. Its ThreadID must name a thread that
	// is staged or already stored.
	InsertMessage(m *model.Message) error

	// Save commits staged writes. Staged writes are kept if Save fails.
	Save(ctx context.Context) error

	// DeleteThread removes a thread and all of its messages.
	DeleteThread(ctx context.Context, id string) error

	ListThreads(ctx context.Context) ([]model.ThreadMeta, error)
	LoadThread(ctx context.Context, id string) (*model.Thread, error)

	// Search returns threads whose title or message content contains query,
	// case-insensitively.
	Search(ctx context.Context, query string) ([]model.ThreadMeta, error)

	Close() error
}

// ErrThreadNotFound is wrapped by the PersistenceError returned for a missing thread.
var ErrThreadNotFound = errors.New("thread not found")

func notFound(id string) error {
	return model.Errorf(model.KindPersistence, ErrThreadNotFound, "thread %s", id)
}

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Config selects and locates a store.
type Config struct {
	// Backend is "json" or "sqlite" (default: sqlite).
	Backend string

	// Path is the thread directory for json, or the database file for sqlite.
	// Defaults live under ~/.fullmoon/.
	Path string
}

// DefaultPath returns the default location for backend.
func DefaultPath(backend string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if backend == BackendJSON {
		return filepath.Join(home, ".fullmoon", "threads"), nil
	}
	return filepath.Join(home, ".fullmoon", "fullmoon.db"), nil
}

// Open creates the store described by cfg.
func Open(cfg Config) (Store, error) {
	backend := strings.ToLower(cfg.Backend)
	if backend == "" {
		backend = BackendSQLite
	}
	path := cfg.Path
	if path == "" {
		p, err := DefaultPath(backend)
		if err != nil {
			return nil, persistErr(err, "resolve storage path")
		}
		path = p
	}

	switch backend {
	case BackendJSON:
		return NewJSONStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	}
	return nil, model.Errorf(model.KindPersistence, nil, "unknown storage backend %q", cfg.Backend)
}

func persistErr(err error, format string, args ...any) error {
	return model.Errorf(model.KindPersistence, err, format, args...)
}

// =============================================================================
// STAGING
// =============================================================================

// staging holds writes between Save calls. Both stores embed it.
type staging struct {
	mu       sync.Mutex
	threads  map[string]model.Thread
	messages map[string][]model.Message
	order    []string
}

func (s *staging) stageThread(t *model.Thread) error {
	if t == nil || t.ID == "" {
		return persistErr(nil, "cannot insert thread without an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threads == nil {
		s.threads = make(map[string]model.Thread)
	}
	meta := model.Thread{ID: t.ID, Title: t.Title, Timestamp: t.Timestamp}
	if t.Selection != nil {
		sel := *t.Selection
		meta.Selection = &sel
	}
	s.threads[t.ID] = meta
	s.touch(t.ID)
	return nil
}

func (s *staging) stageMessage(m *model.Message) error {
	if m == nil || m.ID == "" {
		return persistErr(nil, "cannot insert message without an id")
	}
	if m.ThreadID == "" {
		return persistErr(nil, "message %s has no thread", m.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages == nil {
		s.messages = make(map[string][]model.Message)
	}
	s.messages[m.ThreadID] = append(s.messages[m.ThreadID], *m)
	s.touch(m.ThreadID)
	return nil
}

func (s *staging) touch(id string) {
	for _, existing := range s.order {
		if existing == id {
			return
		}
	}
	s.order = append(s.order, id)
}

// batch is one thread's staged writes.
type batch struct {
	threadID string
	thread   *model.Thread
	messages []model.Message
}

// snapshot returns the staged writes in first-touched order without clearing them.
func (s *staging) snapshot() []batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]batch, 0, len(s.order))
	for _, id := range s.order {
		b := batch{threadID: id, messages: append([]model.Message(nil), s.messages[id]...)}
		if t, ok := s.threads[id]; ok {
			b.thread = &t
		}
		out = append(out, b)
	}
	return out
}

// commit drops the staged writes that were part of a successful Save.
// Writes staged while the Save was running are kept.
func (s *staging) commit(saved []batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range saved {
		if b.thread != nil {
			if cur, ok := s.threads[b.threadID]; ok && sameMeta(cur, *b.thread) {
				delete(s.threads, b.threadID)
			}
		}
		if msgs := s.messages[b.threadID]; len(msgs) >= len(b.messages) {
			rest := msgs[len(b.messages):]
			if len(rest) == 0 {
				delete(s.messages, b.threadID)
			} else {
				s.messages[b.threadID] = rest
			}
		}
	}
	order := s.order[:0]
	for _, id := range s.order {
		_, t := s.threads[id]
		_, m := s.messages[id]
		if t || m {
			order = append(order, id)
		}
	}
	s.order = order
}

// forget drops staged writes for a deleted thread.
func (s *staging) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, id)
	delete(s.messages, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func sameMeta(a, b model.Thread) bool {
	if a.Title != b.Title || !a.Timestamp.Equal(b.Timestamp) {
		return false
	}
	if (a.Selection == nil) != (b.Selection == nil) {
		return false
	}
	return a.Selection == nil || sameSelection(*a.Selection, *b.Selection)
}

func sameSelection(a, b model.ModelSelection) bool {
	if a.Kind != b.Kind || a.Name != b.Name || (a.Hosted == nil) != (b.Hosted == nil) {
		return false
	}
	return a.Hosted == nil || *a.Hosted == *b.Hosted
}

// matches reports whether t's title or any message contains the lowercased query.
func matches(t *model.Thread, query string) bool {
	if strings.Contains(strings.ToLower(t.Title), query) {
		return true
	}
	for _, m := range t.Messages {
		if strings.Contains(strings.ToLower(m.Content), query) {
			return true
		}
	}
	return false
}
