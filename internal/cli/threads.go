// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/jeranaias/fullmoon-go/internal/export"
	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/util"
)

func newThreadsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "threads",
		Aliases: []string{"thread"},
		Short:   "List, show, search and delete saved threads",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved threads, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.Store()
			if err != nil {
				return err
			}
			metas, err := st.ListThreads(cmd.Context())
			if err != nil {
				return err
			}
			if limit > 0 && len(metas) > limit {
				metas = metas[:limit]
			}
			if len(metas) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), DimStyle.Render("No saved threads."))
				return nil
			}
			writeThreadTable(cmd.OutOrStdout(), metas, GetTerminalWidth())
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 0, "show at most N threads")

	var raw bool
	show := &cobra.Command{
		Use:   "show THREAD_ID",
		Short: "Print a thread transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.Store()
			if err != nil {
				return err
			}
			t, err := st.LoadThread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			md, err := threadMarkdown(t)
			if err != nil {
				return err
			}
			if raw || !IsStdoutTTY() {
				fmt.Fprint(cmd.OutOrStdout(), md)
				return nil
			}
			out, err := renderMarkdown(md, GetTerminalWidth())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	show.Flags().BoolVar(&raw, "raw", false, "print markdown without rendering")

	del := &cobra.Command{
		Use:     "delete THREAD_ID",
		Aliases: []string{"rm"},
		Short:   "Delete a thread and its messages",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.Store()
			if err != nil {
				return err
			}
			if err := st.DeleteThread(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Deleted thread "+args[0]))
			return nil
		},
	}

	search := &cobra.Command{
		Use:   "search QUERY",
		Short: "Find threads whose title or messages contain QUERY",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.Store()
			if err != nil {
				return err
			}
			metas, err := st.Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if len(metas) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), DimStyle.Render("No matching threads."))
				return nil
			}
			writeThreadTable(cmd.OutOrStdout(), metas, GetTerminalWidth())
			return nil
		},
	}

	var (
		format string
		outDir string
	)
	exp := &cobra.Command{
		Use:   "export THREAD_ID",
		Short: "Write a thread to a markdown or json file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.Store()
			if err != nil {
				return err
			}
			t, err := st.LoadThread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			opts := export.DefaultOptions()
			opts.OutputDir = outDir
			exporter, err := export.ForFormat(format, opts)
			if err != nil {
				return err
			}
			path, err := export.ExportToFile(t, exporter, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Exported to "+path))
			return nil
		},
	}
	exp.Flags().StringVarP(&format, "format", "f", "markdown", "output format: markdown or json")
	exp.Flags().StringVarP(&outDir, "out", "o", ".", "directory to write into")

	cmd.AddCommand(list, show, del, search, exp)
	return cmd
}

// writeThreadTable prints one row per thread fitted to width columns.
func writeThreadTable(w io.Writer, metas []model.ThreadMeta, width int) {
	const (
		idWidth    = 36
		countWidth = 5
		dateWidth  = 16
	)
	titleWidth := width - idWidth - countWidth - dateWidth - 6
	if titleWidth < 12 {
		titleWidth = 12
	}

	header := util.PadRight("ID", idWidth) + "  " + util.PadRight("TITLE", titleWidth) + "  " +
		util.PadRight("MSGS", countWidth) + "  " + "UPDATED"
	fmt.Fprintln(w, DimStyle.Render(header))

	for _, m := range metas {
		updated := m.UpdatedAt
		if updated.IsZero() {
			updated = m.Timestamp
		}
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			util.PadRight(m.ID, idWidth),
			util.PadRight(util.OneLine(m.Title), titleWidth),
			util.PadRight(fmt.Sprint(m.MessageCount), countWidth),
			DimStyle.Render(updated.Local().Format("2006-01-02 15:04")))
	}
}

// threadMarkdown renders a thread as a markdown transcript for the terminal.
func threadMarkdown(t *model.Thread) (string, error) {
	exp := export.NewMarkdownExporter(&export.Options{IncludeMetadata: true})
	out, err := exp.Export(t)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func renderMarkdown(md string, width int) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-4),
	)
	if err != nil {
		return "", err
	}
	return r.Render(md)
}
