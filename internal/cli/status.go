// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/offline"
	"github.com/jeranaias/fullmoon-go/internal/storage"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"s"},
		Short:   "Show the engine, model and storage status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg := app.Config

			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			engine := SuccessStyle.Render("running")
			if err := app.Ollama().CheckRunning(ctx); err != nil {
				engine = ErrorStyle.Render("not running") + DimStyle.Render(" (start it with: ollama serve)")
			}

			current := DimStyle.Render("none")
			if sel, err := cfg.DefaultSelection(); err == nil && sel.Kind != "" {
				current = sel.String()
				if sel.IsLocal() {
					current = model.DisplayName(sel.Name) + DimStyle.Render(" (local)")
				}
			}

			storePath := cfg.Storage.Path
			if storePath == "" {
				storePath, _ = storage.DefaultPath(cfg.Storage.Backend)
			}

			fmt.Fprintln(out, TitleStyle.Render("fullmoon "+Version))
			fmt.Fprintln(out, RenderSeparator())
			fmt.Fprintln(out, RenderKeyValue("Ollama", cfg.Local.OllamaURL+" "+engine))
			fmt.Fprintln(out, RenderKeyValue("Model", current))
			fmt.Fprintln(out, RenderKeyValue("Installed", fmt.Sprint(len(cfg.Local.InstalledModels))))
			fmt.Fprintln(out, RenderKeyValue("Hosted models", fmt.Sprint(len(cfg.Hosted.Models))))
			network := "online"
			if offline.IsOfflineMode() {
				network = WarningStyle.Render("offline") + DimStyle.Render(" (localhost only)")
			}
			fmt.Fprintln(out, RenderKeyValue("Network", network))
			fmt.Fprintln(out, RenderKeyValue("Storage", cfg.Storage.Backend+" "+DimStyle.Render(storePath)))
			fmt.Fprintln(out, RenderKeyValue("Config", app.ConfigPath))
			return nil
		},
	}
}
