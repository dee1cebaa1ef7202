// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/fullmoon-go/internal/backend"
	"github.com/jeranaias/fullmoon-go/internal/cloud"
	"github.com/jeranaias/fullmoon-go/internal/config"
	"github.com/jeranaias/fullmoon-go/internal/logging"
	"github.com/jeranaias/fullmoon-go/internal/offline"
	"github.com/jeranaias/fullmoon-go/internal/ollama"
	"github.com/jeranaias/fullmoon-go/internal/session"
	"github.com/jeranaias/fullmoon-go/internal/storage"
)

// =============================================================================
// APPLICATION WIRING
// =============================================================================

// App holds the loaded config and builds the engine components on first use,
// so commands such as "config path" never touch the daemon or the database.
type App struct {
	Config     *config.Config
	ConfigPath string
	Log        *zap.Logger

	ollama  *ollama.Client
	store   storage.Store
	manager *session.Manager
	chat    *session.Chat
}

func (a *App) init(opts *rootOptions) error {
	if a.Config != nil {
		return nil
	}
	cfg, path, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.offline && !cfg.General.Offline {
		cfg.General.Offline = true
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	offline.SetOfflineMode(cfg.General.Offline)

	logger, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		File:    cfg.Logging.File,
		Verbose: opts.verbose,
	})
	if err != nil {
		return err
	}

	a.Config = cfg
	a.ConfigPath = path
	a.Log = logger
	config.SetGlobal(cfg)
	return nil
}

func (a *App) logger() *zap.Logger {
	if a.Log == nil {
		a.Log = zap.NewNop()
	}
	return a.Log
}

// Ollama returns the local engine client.
func (a *App) Ollama() *ollama.Client {
	if a.ollama == nil {
		a.ollama = ollama.NewClientWithConfig(&ollama.ClientConfig{
			BaseURL:   a.Config.Local.OllamaURL,
			AutoStart: a.Config.Local.AutoStart,
			Logger:    a.logger(),
		})
	}
	return a.ollama
}

// Store opens the configured thread store.
func (a *App) Store() (storage.Store, error) {
	if a.store == nil {
		st, err := storage.Open(storage.Config{
			Backend: a.Config.Storage.Backend,
			Path:    a.Config.Storage.Path,
		})
		if err != nil {
			return nil, err
		}
		a.store = st
	}
	return a.store, nil
}

// Manager builds the session manager over the local and hosted backends.
func (a *App) Manager() (*session.Manager, error) {
	if a.manager != nil {
		return a.manager, nil
	}
	templates, err := a.Config.Templates()
	if err != nil {
		return nil, err
	}
	client := a.Ollama()

	mgr, err := session.NewManager(session.Config{
		Local: backend.LocalConfig{
			Registry:    a.Config.LocalRegistry(),
			Templates:   templates,
			Provisioner: ollama.NewProvisioner(client, a.logger()),
			Engine:      ollama.NewEngine(client),
			Stride:      a.Config.Local.DisplayEveryNTokens,
			MaxTokens:   a.Config.Local.MaxTokens,
			Temperature: a.Config.Local.Temperature,
		},
		Hosted: cloud.NewClient(cloud.Config{
			Timeout:           time.Duration(a.Config.Hosted.TimeoutSecs) * time.Second,
			APIKey:            a.Config.Hosted.APIKey,
			RequestsPerMinute: a.Config.Hosted.RequestsPerMinute,
			Logger:            a.logger(),
		}),
		Logger: a.logger(),
	})
	if err != nil {
		return nil, err
	}
	a.manager = mgr
	return mgr, nil
}

// Chat builds the conversation flow with the configured default model.
func (a *App) Chat() (*session.Chat, error) {
	if a.chat != nil {
		return a.chat, nil
	}
	mgr, err := a.Manager()
	if err != nil {
		return nil, err
	}
	st, err := a.Store()
	if err != nil {
		return nil, err
	}
	def, err := a.Config.DefaultSelection()
	if err != nil {
		a.logger().Warn("ignoring configured default model", zap.Error(err))
	}

	a.chat = session.NewChat(session.ChatConfig{
		Manager:      mgr,
		Store:        st,
		SystemPrompt: a.Config.General.SystemPrompt,
		Default:      def,
		Logger:       a.logger(),
	})
	return a.chat, nil
}

// Reload makes cfg the current configuration. Later commands and saves use
// it, and a built manager picks up its model catalog and hosted API key.
// Offline mode can be turned on by a reload but never off.
func (a *App) Reload(cfg *config.Config) error {
	templates, err := cfg.Templates()
	if err != nil {
		return err
	}
	a.Config = cfg
	config.SetGlobal(cfg)
	if cfg.General.Offline {
		offline.SetOfflineMode(true)
	}
	if a.manager != nil {
		a.manager.Reconfigure(cfg.LocalRegistry(), templates, cfg.Hosted.APIKey)
	}
	a.logger().Info("config reloaded", zap.String("path", a.ConfigPath))
	return nil
}

// reloadLogged is a config.Watch callback for commands without a prompt.
func (a *App) reloadLogged(cfg *config.Config) {
	if err := a.Reload(cfg); err != nil {
		a.logger().Warn("config reload ignored", zap.Error(err))
	}
}

// SaveConfig writes the config back to the file it was loaded from.
func (a *App) SaveConfig() error {
	return config.SaveTOML(a.Config, a.ConfigPath)
}

// Close releases the store and flushes the logger.
func (a *App) Close() {
	if a.manager != nil {
		a.manager.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger().Warn("closing store", zap.Error(err))
		}
		a.store = nil
	}
	if a.Log != nil {
		_ = a.Log.Sync()
	}
}
