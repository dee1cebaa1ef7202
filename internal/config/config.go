// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/offline"
	"github.com/jeranaias/fullmoon-go/internal/prompt"
	"github.com/jeranaias/fullmoon-go/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete fullmoon configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	General GeneralConfig `toml:"general" json:"general"`

	// Local inference engine (Ollama)
	Local LocalConfig `toml:"local" json:"local"`

	// Hosted streaming chat endpoints
	Hosted HostedConfig `toml:"hosted" json:"hosted"`

	Storage StorageConfig `toml:"storage" json:"storage"`
	Server  ServerConfig  `toml:"server" json:"server"`
	Logging LoggingConfig `toml:"logging" json:"logging"`
}

// GeneralConfig contains settings shared by every conversation.
type GeneralConfig struct {
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`

	// CurrentModel is the default selection: "local:NAME" or "hosted:NAME".
	// A bare name means a local model.
	CurrentModel string `toml:"current_model" json:"current_model"`

	// Offline refuses every endpoint that is not on a loopback address.
	Offline bool `toml:"offline" json:"offline"`
}

// LocalConfig contains local generation settings.
type LocalConfig struct {
	OllamaURL string `toml:"ollama_url" json:"ollama_url"`

	// AutoStart launches "ollama serve" when the daemon is not reachable.
	AutoStart bool `toml:"auto_start" json:"auto_start"`

	// DisplayEveryNTokens is the decode/publish stride.
	DisplayEveryNTokens int `toml:"display_every_n_tokens" json:"display_every_n_tokens"`

	MaxTokens   int     `toml:"max_tokens" json:"max_tokens"`
	Temperature float64 `toml:"temperature" json:"temperature"`

	// InstalledModels lists local models that finished downloading.
	InstalledModels []string `toml:"installed_models" json:"installed_models"`

	// Models adds entries to the built-in local model registry.
	Models []model.LocalModel `toml:"models" json:"models"`

	// Families registers extra prompt templates, or replaces built-in ones.
	Families []prompt.Template `toml:"families" json:"families"`
}

// HostedConfig contains hosted endpoint settings.
type HostedConfig struct {
	Models []model.HostedModel `toml:"models" json:"models"`

	TimeoutSecs       int    `toml:"timeout_secs" json:"timeout_secs"`
	RequestsPerMinute int    `toml:"requests_per_minute" json:"requests_per_minute"`
	APIKey            string `toml:"api_key" json:"api_key"`
}

// StorageConfig selects the thread store.
type StorageConfig struct {
	// Backend is "sqlite" or "json".
	Backend string `toml:"backend" json:"backend"`

	// Path overrides the default database file or thread directory.
	Path string `toml:"path" json:"path"`
}

// ServerConfig configures "fullmoon serve".
type ServerConfig struct {
	Addr string `toml:"addr" json:"addr"`

	// APIKey, when set, is required as a bearer token by the server.
	APIKey string `toml:"api_key" json:"api_key"`

	RequestsPerMinute int `toml:"requests_per_minute" json:"requests_per_minute"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`

	// File receives logs; empty keeps the terminal clean.
	File string `toml:"file" json:"file"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1",

		General: GeneralConfig{
			SystemPrompt: "you are a helpful assistant",
			CurrentModel: "local:" + model.DefaultLocalModel,
		},

		Local: LocalConfig{
			OllamaURL:           "http://127.0.0.1:11434",
			DisplayEveryNTokens: 4,
			MaxTokens:           4096,
			Temperature:         0.5,
		},

		Hosted: HostedConfig{
			TimeoutSecs: 300,
		},

		Storage: StorageConfig{
			Backend: "sqlite",
		},

		Server: ServerConfig{
			Addr: "127.0.0.1:8787",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the fullmoon configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".fullmoon"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens a config file to 0600; it may hold an API key.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads ~/.fullmoon/config.toml, or uses defaults when it does not exist.
// Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific file with full validation.
// Missing keys keep their default values.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if err := ensureSecurePermissions(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SetDefaults fills zero values that would otherwise fail validation.
func (c *Config) SetDefaults() {
	d := Default()
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.General.SystemPrompt == "" {
		c.General.SystemPrompt = d.General.SystemPrompt
	}
	if c.Local.OllamaURL == "" {
		c.Local.OllamaURL = d.Local.OllamaURL
	}
	if c.Local.DisplayEveryNTokens == 0 {
		c.Local.DisplayEveryNTokens = d.Local.DisplayEveryNTokens
	}
	if c.Local.MaxTokens == 0 {
		c.Local.MaxTokens = d.Local.MaxTokens
	}
	if c.Hosted.TimeoutSecs == 0 {
		c.Hosted.TimeoutSecs = d.Hosted.TimeoutSecs
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	for i := range c.Hosted.Models {
		if c.Hosted.Models[i].ID == "" {
			c.Hosted.Models[i].ID = model.NewHostedModel("", "").ID
		}
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration atomically with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# fullmoon configuration file")
	fmt.Fprintln(&buf, "# Generated by fullmoon - edit with care")
	fmt.Fprintln(&buf)

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Local
	if err := validateURL(c.Local.OllamaURL); err != nil {
		add("local.ollama_url", "%v", err)
	} else if c.General.Offline {
		if err := offline.CheckLoopback(c.Local.OllamaURL); err != nil {
			add("local.ollama_url", "%v", err)
		}
	}
	if c.Local.DisplayEveryNTokens < 1 {
		add("local.display_every_n_tokens", "must be at least 1, got %d", c.Local.DisplayEveryNTokens)
	}
	if c.Local.MaxTokens < 1 || c.Local.MaxTokens > 131072 {
		add("local.max_tokens", "must be between 1 and 131072, got %d", c.Local.MaxTokens)
	}
	if c.Local.Temperature < 0 || c.Local.Temperature > 2 {
		add("local.temperature", "must be between 0 and 2, got %g", c.Local.Temperature)
	}

	templates := prompt.NewRegistry()
	for i, f := range c.Local.Families {
		if err := templates.Register(f); err != nil {
			add(fmt.Sprintf("local.families[%d]", i), "%v", err)
		}
	}
	for i, m := range c.Local.Models {
		field := fmt.Sprintf("local.models[%d]", i)
		if m.Name == "" {
			add(field, "name is required")
		}
		if _, err := templates.Get(m.Family); err != nil {
			add(field, "unknown prompt family %q", m.Family)
		}
	}

	// Hosted
	seen := make(map[string]bool)
	for i, m := range c.Hosted.Models {
		field := fmt.Sprintf("hosted.models[%d]", i)
		if m.Name == "" {
			add(field, "name is required")
		}
		if seen[m.Name] {
			add(field, "duplicate hosted model name %q", m.Name)
		}
		seen[m.Name] = true
		if err := validateURL(m.Endpoint); err != nil {
			add(field+".endpoint", "%v", err)
		}
	}
	if c.Hosted.TimeoutSecs < 0 {
		add("hosted.timeout_secs", "must not be negative")
	}
	if c.Hosted.RequestsPerMinute < 0 {
		add("hosted.requests_per_minute", "must not be negative")
	}

	// General
	if c.General.CurrentModel != "" {
		if _, err := c.DefaultSelection(); err != nil {
			add("general.current_model", "%v", err)
		}
	}

	// Storage
	switch strings.ToLower(c.Storage.Backend) {
	case "sqlite", "json":
	default:
		add("storage.backend", "invalid backend '%s', must be one of: sqlite, json", c.Storage.Backend)
	}

	// Server
	if host, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		add("server.addr", "invalid listen address %q: %v", c.Server.Addr, err)
	} else if c.General.Offline && !offline.IsLocalhost(host) {
		add("server.addr", "%v", offline.ErrNonLocalhost)
	}
	if c.Server.RequestsPerMinute < 0 {
		add("server.requests_per_minute", "must not be negative, got %d", c.Server.RequestsPerMinute)
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		add("logging.format", "invalid format '%s', must be one of: json, console", c.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL %q: missing host", raw)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - FULLMOON_MODEL: overrides general.current_model
//   - FULLMOON_SYSTEM_PROMPT: overrides general.system_prompt
//   - FULLMOON_OLLAMA_URL: overrides local.ollama_url
//   - FULLMOON_MAX_TOKENS: overrides local.max_tokens
//   - FULLMOON_API_KEY: overrides hosted.api_key
//   - FULLMOON_STORAGE: overrides storage.backend
//   - FULLMOON_STORAGE_PATH: overrides storage.path
//   - FULLMOON_LOG_LEVEL: overrides logging.level
//   - FULLMOON_OFFLINE: overrides general.offline
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("FULLMOON_MODEL"); v != "" {
		c.General.CurrentModel = v
	}
	if v := os.Getenv("FULLMOON_SYSTEM_PROMPT"); v != "" {
		c.General.SystemPrompt = v
	}
	if v := os.Getenv("FULLMOON_OLLAMA_URL"); v != "" {
		c.Local.OllamaURL = v
	}
	if v := os.Getenv("FULLMOON_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Local.MaxTokens = n
		}
	}
	if v := os.Getenv("FULLMOON_API_KEY"); v != "" {
		c.Hosted.APIKey = v
	}
	if v := os.Getenv("FULLMOON_STORAGE"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("FULLMOON_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("FULLMOON_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FULLMOON_OFFLINE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.General.Offline = b
		}
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "local.max_tokens").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field's type.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			boolVal := strVal == "1" || strings.ToLower(strVal) == "true" || strings.ToLower(strVal) == "yes"
			field.SetBool(boolVal)
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// GetAllKeys returns all scalar configuration keys in dot notation.
func GetAllKeys() []string {
	return []string{
		"version",
		"general.system_prompt",
		"general.current_model",
		"local.ollama_url",
		"local.auto_start",
		"local.display_every_n_tokens",
		"local.max_tokens",
		"local.temperature",
		"hosted.timeout_secs",
		"hosted.requests_per_minute",
		"hosted.api_key",
		"storage.backend",
		"storage.path",
		"server.addr",
		"server.requests_per_minute",
		"server.api_key",
		"logging.level",
		"logging.format",
		"logging.file",
	}
}

// =============================================================================
// COPY AND DISPLAY
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Local.InstalledModels = append([]string(nil), c.Local.InstalledModels...)
	clone.Local.Models = append([]model.LocalModel(nil), c.Local.Models...)
	clone.Local.Families = make([]prompt.Template, len(c.Local.Families))
	for i, f := range c.Local.Families {
		f.Stop = append([]string(nil), f.Stop...)
		clone.Local.Families[i] = f
	}
	clone.Hosted.Models = append([]model.HostedModel(nil), c.Hosted.Models...)
	return &clone
}

// String returns the config as JSON with the API key redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Hosted.APIKey != "" {
		safe.Hosted.APIKey = "[REDACTED]"
	}
	if safe.Server.APIKey != "" {
		safe.Server.APIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance, loading it on first
// access. A config that fails to load is reported and replaced by defaults.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		globalConfig = cfg
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigOnce.Do(func() {})
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
