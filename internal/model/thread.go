// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// THREAD TYPE
// =============================================================================

// Thread holds a conversation with its messages and optional model override.
// A thread owns its messages: deleting the thread deletes them.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Messages []*Message `json:"messages"`

	// Selection overrides the process-wide default when set.
	Selection *ModelSelection `json:"selection,omitempty"`
}

// NewThread creates a new empty thread with a generated ID.
// Empty threads are not persisted until their first message is sent.
func NewThread() *Thread {
	return &Thread{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Messages:  make([]*Message, 0),
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage adds a message to the thread and sets its back-reference.
func (t *Thread) AddMessage(msg *Message) {
	msg.ThreadID = t.ID
	t.Messages = append(t.Messages, msg)
	t.updateTitle()
}

// SortedMessages returns the messages ordered ascending by timestamp.
// Messages with equal timestamps keep their insertion order. The thread is
// not modified.
func (t *Thread) SortedMessages() []*Message {
	sorted := slices.Clone(t.Messages)
	slices.SortStableFunc(sorted, func(a, b *Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return sorted
}

// LastMessage returns the most recent message in prompt order, or nil if empty.
func (t *Thread) LastMessage() *Message {
	sorted := t.SortedMessages()
	if len(sorted) == 0 {
		return nil
	}
	return sorted[len(sorted)-1]
}

// MessageCount returns the number of messages.
func (t *Thread) MessageCount() int {
	return len(t.Messages)
}

// IsEmpty returns true if there are no messages.
func (t *Thread) IsEmpty() bool {
	return len(t.Messages) == 0
}

// =============================================================================
// MODEL SELECTION
// =============================================================================

// EffectiveSelection returns the thread override, falling back to def.
func (t *Thread) EffectiveSelection(def ModelSelection) ModelSelection {
	if t.Selection != nil {
		return *t.Selection
	}
	return def
}

// SetSelection sets the thread's model override.
func (t *Thread) SetSelection(sel ModelSelection) {
	t.Selection = &sel
}

// ClearSelectionFor drops the override if it references the named model.
// Returns true if the override was cleared.
func (t *Thread) ClearSelectionFor(name string) bool {
	if t.Selection == nil || !t.Selection.References(name) {
		return false
	}
	t.Selection = nil
	return true
}

// =============================================================================
// TITLE MANAGEMENT
// =============================================================================

// updateTitle derives a title from the first user message if not set.
func (t *Thread) updateTitle() {
	if t.Title != "" {
		return
	}
	for _, msg := range t.SortedMessages() {
		if msg.Role == RoleUser {
			t.Title = msg.Preview(50)
			return
		}
	}
}

// GetTitle returns the thread title or a default.
func (t *Thread) GetTitle() string {
	if t.Title != "" {
		return t.Title
	}
	return "New Thread"
}

// Meta returns lightweight metadata for listing.
func (t *Thread) Meta() ThreadMeta {
	meta := ThreadMeta{
		ID:           t.ID,
		Title:        t.GetTitle(),
		MessageCount: len(t.Messages),
		Timestamp:    t.Timestamp,
	}
	if last := t.LastMessage(); last != nil {
		meta.Preview = last.Preview(100)
		meta.UpdatedAt = last.Timestamp
	}
	return meta
}

// ThreadMeta holds lightweight metadata for listing.
type ThreadMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	Timestamp    time.Time `json:"timestamp"`
	UpdatedAt    time.Time `json:"updated_at"`
	Preview      string    `json:"preview"`
}

// Clone creates a deep copy of the thread.
func (t *Thread) Clone() *Thread {
	clone := &Thread{
		ID:        t.ID,
		Title:     t.Title,
		Timestamp: t.Timestamp,
		Messages:  make([]*Message, len(t.Messages)),
	}
	if t.Selection != nil {
		sel := *t.Selection
		clone.Selection = &sel
	}
	for i, msg := range t.Messages {
		msgCopy := *msg
		clone.Messages[i] = &msgCopy
	}
	return clone
}
