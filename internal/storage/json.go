// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/util"
)

// JSONStore keeps each thread, messages included, in <dir>/<id>.json.
type JSONStore struct {
	staging

	dir string
	mu  sync.Mutex // serializes file access
}

// NewJSONStore creates a store rooted at dir, creating it if needed.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, persistErr(err, "create thread directory")
	}
	return &JSONStore{dir: dir}, nil
}

// Dir returns the thread directory.
func (s *JSONStore) Dir() string { return s.dir }

func (s *JSONStore) InsertThread(t *model.Thread) error   { return s.stageThread(t) }
func (s *JSONStore) InsertMessage(m *model.Message) error { return s.stageMessage(m) }

// Save writes every thread touched since the last successful Save.
func (s *JSONStore) Save(ctx context.Context) error {
	batches := s.snapshot()
	if len(batches) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			s.commit(batches[:i])
			return persistErr(err, "save canceled")
		}
		if err := s.writeBatch(b); err != nil {
			s.commit(batches[:i])
			return err
		}
	}
	s.commit(batches)
	return nil
}

func (s *JSONStore) writeBatch(b batch) error {
	t, err := s.read(b.threadID)
	switch {
	case errors.Is(err, ErrThreadNotFound):
		if b.thread == nil {
			return persistErr(nil, "thread %s is not stored", b.threadID)
		}
		t = &model.Thread{ID: b.threadID}
	case err != nil:
		return err
	}

	if b.thread != nil {
		t.Title = b.thread.Title
		t.Timestamp = b.thread.Timestamp
		t.Selection = b.thread.Selection
	}
	for _, m := range b.messages {
		upsertMessage(t, m)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return persistErr(err, "encode thread %s", t.ID)
	}
	if err := util.AtomicWriteFile(s.path(t.ID), data, 0o600); err != nil {
		return persistErr(err, "write thread %s", t.ID)
	}
	return nil
}

func upsertMessage(t *model.Thread, m model.Message) {
	for _, existing := range t.Messages {
		if existing.ID == m.ID {
			*existing = m
			return
		}
	}
	msg := m
	t.Messages = append(t.Messages, &msg)
}

// DeleteThread removes the thread file, which holds its messages too.
func (s *JSONStore) DeleteThread(ctx context.Context, id string) error {
	s.forget(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return notFound(id)
		}
		return persistErr(err, "delete thread %s", id)
	}
	return nil
}

// LoadThread reads one thread with its messages.
func (s *JSONStore) LoadThread(ctx context.Context, id string) (*model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// ListThreads returns all stored threads, most recently active first.
// Unreadable files are skipped.
func (s *JSONStore) ListThreads(ctx context.Context) ([]model.ThreadMeta, error) {
	threads, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	metas := make([]model.ThreadMeta, 0, len(threads))
	for _, t := range threads {
		metas = append(metas, t.Meta())
	}
	sortMetas(metas)
	return metas, nil
}

// Search scans titles and message content.
func (s *JSONStore) Search(ctx context.Context, query string) ([]model.ThreadMeta, error) {
	threads, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(query)
	var metas []model.ThreadMeta
	for _, t := range threads {
		if matches(t, query) {
			metas = append(metas, t.Meta())
		}
	}
	sortMetas(metas)
	return metas, nil
}

// Close is a no-op; every Save is already durable.
func (s *JSONStore) Close() error { return nil }

// =============================================================================
// HELPERS
// =============================================================================

func (s *JSONStore) path(id string) string {
	return filepath.Join(s.dir, filepath.Base(id)+".json")
}

func (s *JSONStore) read(id string) (*model.Thread, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(id)
		}
		return nil, persistErr(err, "read thread %s", id)
	}
	var t model.Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, persistErr(err, "decode thread %s", id)
	}
	for _, m := range t.Messages {
		m.ThreadID = t.ID
	}
	return &t, nil
}

func (s *JSONStore) all(ctx context.Context) ([]*model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, persistErr(err, "list threads")
	}
	var threads []*model.Thread
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, persistErr(err, "list canceled")
		}
		t, err := s.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// sortMetas orders by last activity, newest first.
func sortMetas(metas []model.ThreadMeta) {
	sort.SliceStable(metas, func(i, j int) bool {
		return lastActive(metas[i]).After(lastActive(metas[j]))
	})
}

func lastActive(m model.ThreadMeta) time.Time {
	if m.UpdatedAt.After(m.Timestamp) {
		return m.UpdatedAt
	}
	return m.Timestamp
}
