// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/fullmoon-go/internal/model"
)

// Placeholders substituted into template fields.
const (
	SystemPlaceholder  = "{system}"
	ContentPlaceholder = "{content}"
)

// Built-in family names.
const (
	FamilyLlama3      = "llama3"
	FamilyChatML      = "chatml"
	FamilyPassthrough = "passthrough"
)

// =============================================================================
// TEMPLATE
// =============================================================================

// Template describes how one model family delimits a conversation.
type Template struct {
	Name string `toml:"name" json:"name"`

	// Prefix is emitted once at the start of the prompt.
	Prefix string `toml:"prefix" json:"prefix"`

	// System wraps the system prompt ({system}).
	System string `toml:"system" json:"system"`

	// User wraps each user turn ({content}) and opens the assistant turn.
	User string `toml:"user" json:"user"`

	// Assistant wraps each prior assistant turn ({content}).
	Assistant string `toml:"assistant" json:"assistant"`

	// SystemTurn wraps system-role messages inside the history. Empty skips them.
	SystemTurn string `toml:"system_turn" json:"system_turn"`

	// Stop lists sequences that end a completion for this family.
	Stop []string `toml:"stop" json:"stop"`
}

// Validate checks that the template can encode every turn.
func (t Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if !strings.Contains(t.User, ContentPlaceholder) {
		return fmt.Errorf("template %q: user turn must contain %s", t.Name, ContentPlaceholder)
	}
	if !strings.Contains(t.Assistant, ContentPlaceholder) {
		return fmt.Errorf("template %q: assistant turn must contain %s", t.Name, ContentPlaceholder)
	}
	if t.System != "" && !strings.Contains(t.System, SystemPlaceholder) {
		return fmt.Errorf("template %q: system block must contain %s", t.Name, SystemPlaceholder)
	}
	return nil
}

// Encode wraps the system prompt and every user/assistant turn in the
// template's delimiters. msgs must already be in prompt order.
func (t Template) Encode(system string, msgs []*model.Message) string {
	var sb strings.Builder
	sb.WriteString(t.Prefix)
	sb.WriteString(strings.ReplaceAll(t.System, SystemPlaceholder, system))

	for _, msg := range msgs {
		var turn string
		switch msg.Role {
		case model.RoleUser:
			turn = t.User
		case model.RoleAssistant:
			turn = t.Assistant
		case model.RoleSystem:
			turn = t.SystemTurn
		}
		if turn == "" {
			continue
		}
		sb.WriteString(strings.ReplaceAll(turn, ContentPlaceholder, msg.Content))
	}
	return sb.String()
}

// Llama3 is the header-id template used by Llama 3.x instruct models.
var Llama3 = Template{
	Name:      FamilyLlama3,
	Prefix:    "<|begin_of_text|>",
	System:    "<|start_header_id|>system<|end_header_id|>\n{system}",
	User:      "<|eot_id|>\n<|start_header_id|>user<|end_header_id|>\n{content}\n<|eot_id|>\n<|start_header_id|>assistant<|end_header_id|>",
	Assistant: "{content}\n",
	Stop:      []string{"<|eot_id|>", "<|end_of_text|>"},
}

// ChatML is the im_start/im_end template used by Qwen models.
var ChatML = Template{
	Name:       FamilyChatML,
	System:     "<|im_start|>system\n{system}<|im_end|>\n",
	User:       "<|im_start|>user\n{content}<|im_end|>\n<|im_start|>assistant\n",
	Assistant:  "{content}<|im_end|>\n",
	SystemTurn: "<|im_start|>system\n{content}<|im_end|>\n",
	Stop:       []string{"<|im_end|>", "<|endoftext|>"},
}

// Passthrough concatenates the raw contents, one per line.
// It must be chosen explicitly; unknown families never fall back to it.
var Passthrough = Template{
	Name:      FamilyPassthrough,
	System:    "{system}\n",
	User:      "{content}\n",
	Assistant: "{content}\n",
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps family names to templates. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry returns a registry holding the built-in families.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]Template)}
	for _, t := range []Template{Llama3, ChatML, Passthrough} {
		r.templates[t.Name] = t
	}
	return r
}

// Register adds or replaces a family template.
func (r *Registry) Register(t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = t
	return nil
}

// Get returns the template for family.
func (r *Registry) Get(family string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[family]
	if !ok {
		return Template{}, model.Errorf(model.KindTemplate, nil, "no prompt template for family %q", family)
	}
	return t, nil
}

// Families returns the registered family names in sorted order.
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Local encodes a prompt for a local model of the given family.
// An unregistered family is an error rather than an empty prompt.
func (r *Registry) Local(family, system string, msgs []*model.Message) (string, error) {
	t, err := r.Get(family)
	if err != nil {
		return "", err
	}
	return t.Encode(system, msgs), nil
}

// =============================================================================
// HOSTED TRANSCRIPT
// =============================================================================

// Hosted flattens the conversation into a plain transcript prefixed by the
// system prompt: "{system}\n" followed by "{role}: {content}\n" per message.
func Hosted(system string, msgs []*model.Message) string {
	var sb strings.Builder
	sb.WriteString(system)
	sb.WriteString("\n")
	for _, msg := range msgs {
		sb.WriteString(msg.Role.String())
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
