// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/fullmoon-go/internal/config"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	verbose    bool
	offline    bool
}

// NewRootCmd builds the fullmoon command tree around app. The caller
// closes app once the command returns.
func NewRootCmd(app *App) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "fullmoon",
		Short: "Chat with local and hosted language models",
		Long: `fullmoon chats with language models running on a local Ollama daemon
or behind a hosted streaming chat endpoint. Conversations are saved as threads.`,
		Version:       fmt.Sprintf("%s (%s, %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init(opts)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, app, chatOptions{})
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.fullmoon/config.toml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")
	root.PersistentFlags().BoolVar(&opts.offline, "offline", false, "refuse every endpoint that is not on localhost")

	root.AddCommand(
		newChatCmd(app),
		newModelsCmd(app),
		newThreadsCmd(app),
		newConfigCmd(app),
		newStatusCmd(app),
		newServeCmd(app),
	)
	return root
}

// Execute runs the root command and reports a failure on stderr.
func Execute() int {
	app := &App{}
	defer app.Close()

	if err := NewRootCmd(app).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error:")+" "+err.Error())
		return 1
	}
	return 0
}

// loadConfig reads the --config file, or the default location.
func loadConfig(opts *rootOptions) (*config.Config, string, error) {
	if opts.configPath != "" {
		if _, err := os.Stat(opts.configPath); os.IsNotExist(err) {
			cfg := config.Default()
			cfg.ApplyEnvOverrides()
			cfg.SetDefaults()
			return cfg, opts.configPath, cfg.Validate()
		}
		cfg, err := config.LoadFromPath(opts.configPath)
		return cfg, opts.configPath, err
	}
	path, err := config.ConfigPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load()
	return cfg, path, err
}
