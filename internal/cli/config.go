// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - "fullmoon config" subcommands.
//
//   show             Display the effective configuration (API key redacted)
//   path             Show the configuration file path
//   init [--force]   Write a default configuration file
//   get KEY          Print one value, e.g. local.max_tokens
//   set KEY VALUE    Change one value and save

package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/fullmoon-go/internal/config"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), app.Config.String())
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), app.Config.String())
			return nil
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), app.ConfigPath)
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(app.ConfigPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", app.ConfigPath)
			}
			if err := config.SaveTOML(config.Default(), app.ConfigPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Wrote "+app.ConfigPath))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	get := &cobra.Command{
		Use:   "get KEY",
		Short: "Print one configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.HasSuffix(strings.ToLower(args[0]), ".api_key") {
				return fmt.Errorf("%s is not printed; use 'config show' to check whether it is set", args[0])
			}
			v, err := app.Config.Get(args[0])
			if err != nil {
				return fmt.Errorf("%w (keys: %s)", err, strings.Join(config.GetAllKeys(), ", "))
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change one configuration value and save",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			updated := app.Config.Clone()
			if err := updated.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := updated.Validate(); err != nil {
				return err
			}
			if err := config.SaveTOML(updated, app.ConfigPath); err != nil {
				return err
			}
			app.Config = updated
			fmt.Fprintln(cmd.OutOrStdout(), RenderKeyValue(args[0], args[1]))
			return nil
		},
	}

	cmd.AddCommand(show, path, initCmd, get, set)
	return cmd
}
