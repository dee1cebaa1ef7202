// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for fullmoon.
//
// Configuration lives in ~/.fullmoon/config.toml. Missing keys fall back to
// built-in defaults and FULLMOON_* environment variables override the file.
//
// # Key Types
//
//   - Config: main configuration structure
//   - LocalConfig: local engine URL, stride, token cap and extra models
//   - HostedConfig: hosted endpoints and request limits
//   - Watcher: fsnotify hot reload of the config file
//
// # Configuration Precedence
//
//   - Environment variables (FULLMOON_*)
//   - ~/.fullmoon/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sel, err := cfg.DefaultSelection()
package config
