// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "github.com/google/uuid"

// SelectionKind tags the ModelSelection variant.
type SelectionKind string

const (
	SelectionLocal  SelectionKind = "local"
	SelectionHosted SelectionKind = "hosted"
)

// HostedModel describes a remote streaming chat endpoint.
type HostedModel struct {
	ID       string `json:"id" toml:"id"`
	Name     string `json:"name" toml:"name"`
	Endpoint string `json:"endpoint" toml:"endpoint"`
}

// NewHostedModel creates a hosted model descriptor with a generated ID.
func NewHostedModel(name, endpoint string) HostedModel {
	return HostedModel{ID: uuid.NewString(), Name: name, Endpoint: endpoint}
}

// ModelSelection is either Local{Name} or Hosted{Model}.
// Use LocalSelection or HostedSelection to build one.
type ModelSelection struct {
	Kind   SelectionKind `json:"kind"`
	Name   string        `json:"name,omitempty"`
	Hosted *HostedModel  `json:"hosted,omitempty"`
}

// LocalSelection selects a local model by registry name.
func LocalSelection(name string) ModelSelection {
	return ModelSelection{Kind: SelectionLocal, Name: name}
}

// HostedSelection selects a hosted model.
func HostedSelection(m HostedModel) ModelSelection {
	return ModelSelection{Kind: SelectionHosted, Hosted: &m}
}

// IsLocal reports whether the selection targets the local engine.
func (s ModelSelection) IsLocal() bool { return s.Kind == SelectionLocal }

// IsHosted reports whether the selection targets a hosted endpoint.
func (s ModelSelection) IsHosted() bool { return s.Kind == SelectionHosted && s.Hosted != nil }

// ModelName returns the local name or the hosted model name.
func (s ModelSelection) ModelName() string {
	if s.IsHosted() {
		return s.Hosted.Name
	}
	return s.Name
}

// References reports whether the selection points at the named model.
// Hosted models match by name or ID.
func (s ModelSelection) References(name string) bool {
	if s.IsHosted() {
		return s.Hosted.Name == name || s.Hosted.ID == name
	}
	return s.Name == name
}

// String returns a short label such as "local:llama" or "hosted:gpt-4o".
func (s ModelSelection) String() string {
	if s.Kind == "" {
		return "none"
	}
	return string(s.Kind) + ":" + s.ModelName()
}
