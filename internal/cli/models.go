// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/fullmoon-go/internal/config"
	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/util"
)

func newModelsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "models",
		Aliases: []string{"model"},
		Short:   "Manage local and hosted models",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List local and hosted models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			writeModelList(cmd, app.Config)
			return nil
		},
	}

	pull := &cobra.Command{
		Use:   "pull NAME",
		Short: "Download a local model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if _, err := app.Config.LocalRegistry().Lookup(name); err != nil {
				return err
			}
			mgr, err := app.Manager()
			if err != nil {
				return err
			}

			printer := &streamPrinter{out: cmd.OutOrStdout()}
			mgr.SetUpdateCallback(printer.update)
			printer.begin()
			err = mgr.Load(cmd.Context(), model.LocalSelection(name))
			printer.end("")
			if err != nil {
				return err
			}

			app.Config.MarkInstalled(name)
			if err := app.SaveConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Installed "+model.DisplayName(name)))
			return nil
		},
	}

	use := &cobra.Command{
		Use:   "use NAME",
		Short: `Set the default model ("local:NAME", "hosted:NAME" or a local name)`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := config.ParseSelection(args[0], app.Config.Hosted.Models)
			if err != nil {
				return err
			}
			app.Config.SetCurrentModel(sel)
			if err := app.Config.Validate(); err != nil {
				return err
			}
			if err := app.SaveConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Default model: "+sel.String()))
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add NAME ENDPOINT",
		Short: "Add a hosted streaming chat endpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := app.Config.AddHostedModel(args[0], args[1])
			if err != nil {
				return err
			}
			if err := app.SaveConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Added hosted model "+m.Name))
			return nil
		},
	}

	remove := &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Remove a model and clear every selection that uses it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			hosted, isHosted := app.Config.FindHosted(name)
			if isHosted {
				name = hosted.Name
			}
			removed := app.Config.RemoveHostedModel(name)
			removed = app.Config.RemoveInstalled(name) || removed
			if !removed {
				return model.Errorf(model.KindModelNotFound, nil, "model %q is not installed or configured", name)
			}

			chat, err := app.Chat()
			if err != nil {
				return err
			}
			if err := chat.RemoveModel(cmd.Context(), name); err != nil {
				return err
			}
			if err := app.SaveConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Removed "+name))
			return nil
		},
	}

	cmd.AddCommand(list, pull, use, add, remove)
	return cmd
}

// writeModelList prints the local registry and hosted endpoints, marking the
// default with "*".
func writeModelList(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	current, _ := cfg.DefaultSelection()

	fmt.Fprintln(out, TitleStyle.Render("Local models"))
	for _, m := range cfg.LocalRegistry().Models() {
		mark := " "
		if current.IsLocal() && current.Name == m.Name {
			mark = "*"
		}
		status := DimStyle.Render("not installed")
		if cfg.IsInstalled(m.Name) {
			status = SuccessStyle.Render("installed")
		}
		fmt.Fprintf(out, "%s %s  %s  %s\n", mark,
			util.PadRight(m.Name, 44),
			util.PadRight(m.Family, 8),
			status)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, TitleStyle.Render("Hosted models"))
	if len(cfg.Hosted.Models) == 0 {
		fmt.Fprintln(out, DimStyle.Render("  none (add one with: fullmoon models add NAME ENDPOINT)"))
		return
	}
	for _, m := range cfg.Hosted.Models {
		mark := " "
		if current.IsHosted() && current.Hosted.Name == m.Name {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %s  %s\n", mark, util.PadRight(m.Name, 44), DimStyle.Render(m.Endpoint))
	}
}
