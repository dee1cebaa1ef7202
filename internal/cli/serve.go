// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/fullmoon-go/internal/config"
	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/offline"
	"github.com/jeranaias/fullmoon-go/internal/server"
)

func newServeCmd(app *App) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve chat completions over HTTP",
		Long: `Serve exposes the engine as a streaming chat-completions endpoint.

Another fullmoon can use it as a hosted model:
  fullmoon models add peer http://HOST:8787/v1/chat/completions`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config
			if addr != "" {
				cfg.Server.Addr = addr
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			config.SetGlobal(cfg)
			mgr, err := app.Manager()
			if err != nil {
				return err
			}

			srv, err := server.New(server.Config{
				Addr:              cfg.Server.Addr,
				APIKey:            cfg.Server.APIKey,
				RequestsPerMinute: cfg.Server.RequestsPerMinute,
				Manager:           mgr,
				Resolve:           func(name string) (model.ModelSelection, error) { return resolveModel(config.Global(), name) },
				Models:            func() []server.ModelEntry { return modelEntries(config.Global()) },
				SystemPrompt:      func() string { return config.Global().General.SystemPrompt },
				Logger:            app.logger(),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if path := app.ConfigPath; path != "" {
				w, err := config.Watch(ctx, path, config.DefaultDebounce, app.reloadLogged, app.logger())
				if err != nil {
					app.logger().Debug("config hot reload disabled", zap.Error(err))
				} else {
					defer w.Close()
				}
			}

			out := cmd.OutOrStdout()
			line := "Serving on http://" + srv.Addr() + "/v1/chat/completions"
			if badge := offline.StatusBadge(); badge != "" {
				line += " " + WarningStyle.Render(badge)
			}
			fmt.Fprintln(out, SuccessStyle.Render(line))
			fmt.Fprintln(out, DimStyle.Render("Press Ctrl-C to stop."))
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config: server.addr)")
	return cmd
}

// resolveModel maps a request's model name to a selection. An empty name
// means the configured default; local names must be registered.
func resolveModel(cfg *config.Config, name string) (model.ModelSelection, error) {
	if name == "" {
		sel, err := cfg.DefaultSelection()
		if err != nil {
			return model.ModelSelection{}, err
		}
		if sel.Kind == "" {
			return model.ModelSelection{}, model.NewError(model.KindModelNotFound, "no default model configured", nil)
		}
		return sel, nil
	}
	sel, err := config.ParseSelection(name, cfg.Hosted.Models)
	if err != nil {
		return model.ModelSelection{}, err
	}
	if sel.IsLocal() {
		if _, err := cfg.LocalRegistry().Lookup(sel.Name); err != nil {
			return model.ModelSelection{}, err
		}
	}
	return sel, nil
}

// modelEntries lists every selectable model.
func modelEntries(cfg *config.Config) []server.ModelEntry {
	var out []server.ModelEntry
	for _, m := range cfg.LocalRegistry().Models() {
		out = append(out, server.ModelEntry{
			ID:      model.LocalSelection(m.Name).String(),
			Object:  "model",
			OwnedBy: "local",
		})
	}
	for _, h := range cfg.Hosted.Models {
		out = append(out, server.ModelEntry{
			ID:      model.HostedSelection(h).String(),
			Object:  "model",
			OwnedBy: "hosted",
		})
	}
	return out
}
