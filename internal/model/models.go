// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// =============================================================================
// LOCAL MODEL TYPE
// =============================================================================

// LocalModel is a loadable configuration for the local inference engine.
type LocalModel struct {
	// Name is the human-readable identifier used for selection.
	Name string `json:"name" toml:"name"`

	// Family selects the prompt delimiter template (llama3, chatml, ...).
	Family string `json:"family" toml:"family"`

	// EngineModel is the identifier the inference engine loads.
	EngineModel string `json:"engine_model" toml:"engine_model"`

	// Description is a brief explanation of the model.
	Description string `json:"description,omitempty" toml:"description"`
}

// DefaultLocalModel is the model selected when nothing else is configured.
const DefaultLocalModel = "mlx-community/Llama-3.2-1B-Instruct-bf16"

// builtinLocalModels is the closed set of local models shipped by default.
var builtinLocalModels = []LocalModel{
	{
		Name:        "mlx-community/Llama-3.2-1B-Instruct-bf16",
		Family:      "llama3",
		EngineModel: "llama3.2:1b-instruct-fp16",
		Description: "Small and fast Llama 3.2",
	},
	{
		Name:        "mlx-community/Llama-3.2-3B-Instruct-8bit",
		Family:      "llama3",
		EngineModel: "llama3.2:3b-instruct-q8_0",
		Description: "Larger Llama 3.2, 8-bit quantized",
	},
	{
		Name:        "mlx-community/Qwen2.5-3B-Instruct-8bit",
		Family:      "chatml",
		EngineModel: "qwen2.5:3b-instruct-q8_0",
		Description: "Qwen 2.5 3B, 8-bit quantized",
	},
	{
		Name:        "mlx-community/Qwen2.5-1.5B-Instruct-bf16",
		Family:      "chatml",
		EngineModel: "qwen2.5:1.5b-instruct-fp16",
		Description: "Qwen 2.5 1.5B",
	},
}

// =============================================================================
// LOCAL REGISTRY
// =============================================================================

// LocalRegistry maps local model names to their configurations.
// Lookup is by exact name match. It is safe for concurrent use.
type LocalRegistry struct {
	mu     sync.RWMutex
	models map[string]LocalModel
}

// NewLocalRegistry builds a registry from the given models.
func NewLocalRegistry(models ...LocalModel) *LocalRegistry {
	r := &LocalRegistry{models: make(map[string]LocalModel, len(models))}
	for _, m := range models {
		r.models[m.Name] = m
	}
	return r
}

// DefaultLocalRegistry returns a registry containing the built-in models.
func DefaultLocalRegistry() *LocalRegistry {
	return NewLocalRegistry(builtinLocalModels...)
}

// Lookup returns the configuration for name or a ModelNotFound error.
func (r *LocalRegistry) Lookup(name string) (LocalModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return LocalModel{}, Errorf(KindModelNotFound, nil, "unknown local model %q", name)
	}
	return m, nil
}

// Add registers or replaces a model configuration.
func (r *LocalRegistry) Add(m LocalModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Name] = m
}

// Remove deletes a model configuration. Returns true if it existed.
func (r *LocalRegistry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[name]; !ok {
		return false
	}
	delete(r.models, name)
	return true
}

// Names returns all registered model names in sorted order.
func (r *LocalRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Models returns all registered models sorted by name.
func (r *LocalRegistry) Models() []LocalModel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LocalModel, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// =============================================================================
// DISPLAY HELPERS
// =============================================================================

var lower = cases.Lower(language.Und)

// DisplayName returns the short lowercase form of a model name,
// e.g. "mlx-community/Llama-3.2-1B-Instruct-bf16" -> "llama-3.2-1b-instruct-bf16".
func DisplayName(name string) string {
	return lower.String(strings.TrimPrefix(name, "mlx-community/"))
}
