// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/prompt"
)

// =============================================================================
// MODEL SELECTION
// =============================================================================

// ParseSelection resolves "local:NAME", "hosted:NAME" or a bare local name.
// Hosted names must be configured in hosted.
func ParseSelection(s string, hosted []model.HostedModel) (model.ModelSelection, error) {
	kind, name, found := strings.Cut(s, ":")
	if !found {
		kind, name = string(model.SelectionLocal), s
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return model.ModelSelection{}, fmt.Errorf("empty model name in %q", s)
	}

	switch model.SelectionKind(kind) {
	case model.SelectionLocal:
		return model.LocalSelection(name), nil
	case model.SelectionHosted:
		for _, m := range hosted {
			if m.Name == name || m.ID == name {
				return model.HostedSelection(m), nil
			}
		}
		return model.ModelSelection{}, model.Errorf(model.KindModelNotFound, nil, "hosted model %q is not configured", name)
	default:
		// Local names such as "llama3.2:1b" may contain a colon.
		return model.LocalSelection(s), nil
	}
}

// FormatSelection renders a selection in the current_model format.
func FormatSelection(sel model.ModelSelection) string {
	if sel.Kind == "" {
		return ""
	}
	return sel.String()
}

// DefaultSelection returns the process-wide default model selection.
// Local names must exist in LocalRegistry.
func (c *Config) DefaultSelection() (model.ModelSelection, error) {
	if c.General.CurrentModel == "" {
		return model.ModelSelection{}, nil
	}
	sel, err := ParseSelection(c.General.CurrentModel, c.Hosted.Models)
	if err != nil {
		return model.ModelSelection{}, err
	}
	if sel.IsLocal() {
		if _, err := c.LocalRegistry().Lookup(sel.Name); err != nil {
			return model.ModelSelection{}, err
		}
	}
	return sel, nil
}

// SetCurrentModel stores sel as the default selection.
func (c *Config) SetCurrentModel(sel model.ModelSelection) {
	c.General.CurrentModel = FormatSelection(sel)
}

// =============================================================================
// REGISTRIES
// =============================================================================

// LocalRegistry returns the built-in local models plus configured extras.
func (c *Config) LocalRegistry() *model.LocalRegistry {
	reg := model.DefaultLocalRegistry()
	for _, m := range c.Local.Models {
		reg.Add(m)
	}
	return reg
}

// Templates returns the built-in prompt families plus configured families.
func (c *Config) Templates() (*prompt.Registry, error) {
	reg := prompt.NewRegistry()
	for _, f := range c.Local.Families {
		if err := reg.Register(f); err != nil {
			return nil, fmt.Errorf("family %q: %w", f.Name, err)
		}
	}
	return reg, nil
}

// =============================================================================
// INSTALLED AND HOSTED MODELS
// =============================================================================

// IsInstalled reports whether a local model finished downloading.
func (c *Config) IsInstalled(name string) bool {
	return slices.Contains(c.Local.InstalledModels, name)
}

// MarkInstalled records a downloaded local model.
func (c *Config) MarkInstalled(name string) {
	if !c.IsInstalled(name) {
		c.Local.InstalledModels = append(c.Local.InstalledModels, name)
	}
}

// RemoveInstalled forgets a local model and clears it as the default.
func (c *Config) RemoveInstalled(name string) bool {
	i := slices.Index(c.Local.InstalledModels, name)
	if i < 0 {
		return false
	}
	c.Local.InstalledModels = slices.Delete(c.Local.InstalledModels, i, i+1)
	c.clearCurrent(name)
	return true
}

// FindHosted looks up a hosted model by name or ID.
func (c *Config) FindHosted(name string) (model.HostedModel, bool) {
	for _, m := range c.Hosted.Models {
		if m.Name == name || m.ID == name {
			return m, true
		}
	}
	return model.HostedModel{}, false
}

// AddHostedModel registers a hosted endpoint under a unique name.
func (c *Config) AddHostedModel(name, endpoint string) (model.HostedModel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.HostedModel{}, fmt.Errorf("hosted model name is required")
	}
	if _, exists := c.FindHosted(name); exists {
		return model.HostedModel{}, fmt.Errorf("hosted model %q already exists", name)
	}
	if err := validateURL(endpoint); err != nil {
		return model.HostedModel{}, err
	}
	m := model.NewHostedModel(name, endpoint)
	c.Hosted.Models = append(c.Hosted.Models, m)
	return m, nil
}

// RemoveHostedModel deletes a hosted model and clears it as the default.
func (c *Config) RemoveHostedModel(name string) bool {
	i := slices.IndexFunc(c.Hosted.Models, func(m model.HostedModel) bool {
		return m.Name == name || m.ID == name
	})
	if i < 0 {
		return false
	}
	removed := c.Hosted.Models[i]
	c.Hosted.Models = slices.Delete(c.Hosted.Models, i, i+1)
	c.clearCurrent(removed.Name)
	return true
}

func (c *Config) clearCurrent(name string) {
	current := c.General.CurrentModel
	if current == name || strings.HasSuffix(current, ":"+name) {
		c.General.CurrentModel = ""
	}
}
