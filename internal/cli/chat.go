// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/fullmoon-go/internal/config"
	"github.com/jeranaias/fullmoon-go/internal/offline"
	"github.com/jeranaias/fullmoon-go/internal/session"
	"github.com/jeranaias/fullmoon-go/internal/util"
)

type chatOptions struct {
	model  string
	thread string
}

func newChatCmd(app *App) *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Long: `Start an interactive chat with the current model.

Ctrl-C stops a running reply. Type /help for commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, app, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", `model for this session ("local:NAME" or "hosted:NAME")`)
	cmd.Flags().StringVarP(&opts.thread, "thread", "t", "", "continue a saved thread")
	return cmd
}

func runChat(cmd *cobra.Command, app *App, opts chatOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var in lineReader
	stdin := cmd.InOrStdin()
	if stdin == os.Stdin && IsTTY() {
		li := newLineInput()
		defer li.Close()
		in = li
	} else {
		in = newPipeInput(stdin)
	}

	r, err := newREPL(ctx, app, in, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if opts.thread != "" {
		if _, err := r.chat.Open(ctx, opts.thread); err != nil {
			return err
		}
	}
	if opts.model != "" {
		if err := r.selectModel(ctx, opts.model); err != nil {
			return err
		}
	}

	// Ctrl-C while a reply streams stops it; at the prompt liner handles it.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()
	go func() {
		for range sigCh {
			if r.mgr.Stop() {
				fmt.Fprintln(r.out, "\n"+WarningStyle.Render("[Stopped]"))
			}
		}
	}()

	if app.ConfigPath != "" {
		w, err := config.Watch(ctx, app.ConfigPath, 0, r.queueConfig, app.logger())
		if err != nil {
			app.logger().Debug("config hot reload disabled", zap.Error(err))
		} else {
			defer w.Close()
		}
	}

	return r.run(ctx)
}

// =============================================================================
// LINE INPUT
// =============================================================================

// lineReader is the prompt source for the REPL.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// lineInput wraps liner with a persistent history file.
type lineInput struct {
	*liner.State
	historyFile string
}

func newLineInput() *lineInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	in := &lineInput{State: line, historyFile: filepath.Join(dir, "chat_history")}
	if f, err := os.Open(in.historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	return in
}

// Close saves history with 0600 permissions and restores the terminal.
func (in *lineInput) Close() {
	if err := os.MkdirAll(filepath.Dir(in.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			_, _ = in.WriteHistory(f)
			f.Close()
		}
	}
	in.State.Close()
}

// pipeInput reads prompts from non-terminal input, one per line, without
// echoing a prompt or keeping history.
type pipeInput struct {
	sc *bufio.Scanner
}

func newPipeInput(r io.Reader) *pipeInput {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &pipeInput{sc: sc}
}

func (p *pipeInput) Prompt(string) (string, error) {
	if !p.sc.Scan() {
		if err := p.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.sc.Text(), nil
}

func (p *pipeInput) AppendHistory(string) {}

// =============================================================================
// REPL
// =============================================================================

type repl struct {
	app  *App
	chat *session.Chat
	mgr  *session.Manager
	in   lineReader
	out  io.Writer

	printer *streamPrinter

	// reloaded holds a config picked up by the watcher until the next input
	// line applies it.
	reloaded atomic.Pointer[config.Config]
}

func newREPL(ctx context.Context, app *App, in lineReader, out io.Writer) (*repl, error) {
	chat, err := app.Chat()
	if err != nil {
		return nil, err
	}
	r := &repl{
		app:     app,
		chat:    chat,
		mgr:     chat.Manager(),
		in:      in,
		out:     out,
		printer: &streamPrinter{out: out},
	}
	r.mgr.SetUpdateCallback(r.printer.update)
	return r, nil
}

func (r *repl) run(ctx context.Context) error {
	r.printWelcome()
	for {
		input, err := r.in.Prompt(PromptStyle.Render("you> "))
		if err != nil {
			// Ctrl-C at the prompt, Ctrl-D, or a closed stdin
			fmt.Fprintln(r.out)
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		r.in.AppendHistory(input)

		quit, err := r.handle(ctx, input)
		if err != nil {
			fmt.Fprintln(r.out, ErrorStyle.Render("Error:")+" "+err.Error())
		}
		if quit {
			return nil
		}
	}
}

// handle runs one line of input and reports whether the REPL should exit.
func (r *repl) handle(ctx context.Context, input string) (bool, error) {
	if cfg := r.reloaded.Swap(nil); cfg != nil {
		if err := r.applyConfig(cfg); err != nil {
			fmt.Fprintln(r.out, WarningStyle.Render("Config reload ignored: "+err.Error()))
		}
	}
	if !strings.HasPrefix(input, "/") {
		return false, r.send(ctx, input)
	}

	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help", "/?":
		r.printHelp()
	case "/new":
		r.chat.NewThread()
		fmt.Fprintln(r.out, DimStyle.Render("Started a new thread."))
	case "/stop":
		if !r.mgr.Stop() {
			fmt.Fprintln(r.out, DimStyle.Render("Nothing is running."))
		}
	case "/model":
		if arg == "" {
			r.printModel()
			return false, nil
		}
		return false, r.selectModel(ctx, arg)
	case "/system":
		if arg == "" {
			fmt.Fprintln(r.out, RenderKeyValue("System prompt", r.chat.SystemPrompt()))
			return false, nil
		}
		r.chat.SetSystemPrompt(arg)
		r.app.Config.General.SystemPrompt = arg
		return false, r.app.SaveConfig()
	case "/threads":
		return false, r.listThreads(ctx)
	case "/open":
		if arg == "" {
			return false, errors.New("usage: /open THREAD_ID")
		}
		t, err := r.chat.Open(ctx, arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "%s %s (%d messages)\n", DimStyle.Render("Opened"), t.GetTitle(), t.MessageCount())
	case "/delete":
		id := arg
		if id == "" {
			cur := r.chat.Current()
			if cur == nil {
				return false, errors.New("no current thread")
			}
			id = cur.ID
		}
		if err := r.chat.DeleteThread(ctx, id); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, DimStyle.Render("Deleted thread "+id))
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func (r *repl) send(ctx context.Context, text string) error {
	r.printer.begin()
	reply, err := r.chat.Send(ctx, text)
	res := reply.Result

	switch {
	case errors.Is(err, session.ErrEmptyPrompt):
		return nil
	case res.Rejected:
		fmt.Fprintln(r.out, WarningStyle.Render("A reply is already being generated."))
	case res.Err != nil:
		r.printer.end("")
		fmt.Fprintln(r.out, ErrorStyle.Render(res.Display()))
	default:
		r.printer.end(res.Text)
		if stat := res.Stat(); stat != "" {
			fmt.Fprintln(r.out, DimStyle.Render(strings.TrimSpace(stat)))
		}
	}
	// The reply is shown even when it could not be saved.
	return err
}

// selectModel sets the default model and the current thread's model, then
// preloads local models so the download progress shows up front.
func (r *repl) selectModel(ctx context.Context, name string) error {
	sel, err := config.ParseSelection(name, r.app.Config.Hosted.Models)
	if err != nil {
		return err
	}
	if sel.IsLocal() {
		if _, err := r.app.Config.LocalRegistry().Lookup(sel.Name); err != nil {
			return err
		}
	}

	r.chat.SetDefault(sel)
	if cur := r.chat.Current(); cur != nil {
		if err := r.chat.SelectForThread(ctx, sel); err != nil {
			return err
		}
	}
	r.app.Config.SetCurrentModel(sel)
	if err := r.app.SaveConfig(); err != nil {
		return err
	}

	if sel.IsLocal() {
		r.printer.begin()
		err := r.mgr.SwitchModel(ctx, sel)
		r.printer.end("")
		if err != nil {
			return err
		}
		r.app.Config.MarkInstalled(sel.Name)
		if err := r.app.SaveConfig(); err != nil {
			return err
		}
	}
	fmt.Fprintln(r.out, SuccessStyle.Render("Using "+sel.String()))
	return nil
}

// queueConfig runs on the watcher goroutine. Offline mode applies at once;
// everything else waits for the next input line.
func (r *repl) queueConfig(cfg *config.Config) {
	if cfg.General.Offline {
		offline.SetOfflineMode(true)
	}
	r.reloaded.Store(cfg)
}

// applyConfig picks up edits to the config file while chatting.
func (r *repl) applyConfig(cfg *config.Config) error {
	if err := r.app.Reload(cfg); err != nil {
		return err
	}
	r.chat.SetSystemPrompt(cfg.General.SystemPrompt)
	def, err := cfg.DefaultSelection()
	if err != nil {
		return err
	}
	if def.Kind != "" {
		r.chat.SetDefault(def)
	}
	return nil
}

func (r *repl) listThreads(ctx context.Context) error {
	st, err := r.app.Store()
	if err != nil {
		return err
	}
	metas, err := st.ListThreads(ctx)
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Fprintln(r.out, DimStyle.Render("No saved threads."))
		return nil
	}
	if len(metas) > 10 {
		metas = metas[:10]
	}
	writeThreadTable(r.out, metas, GetTerminalWidth())
	return nil
}

func (r *repl) printWelcome() {
	title := TitleStyle.Render("fullmoon")
	if badge := offline.StatusBadge(); badge != "" {
		title += " " + WarningStyle.Render(badge)
	}
	fmt.Fprintln(r.out, title)
	r.printModel()
	fmt.Fprintln(r.out, DimStyle.Render("Type /help for commands, Ctrl-C to stop a reply, Ctrl-D to exit."))
	fmt.Fprintln(r.out)
}

func (r *repl) printModel() {
	sel := r.chat.Default()
	if cur := r.chat.Current(); cur != nil {
		sel = cur.EffectiveSelection(sel)
	}
	label := "none (use /model NAME)"
	if sel.Kind != "" {
		label = sel.String()
	}
	fmt.Fprintln(r.out, RenderKeyValue("Model", label))
}

func (r *repl) printHelp() {
	cmds := [][2]string{
		{"/new", "start a new thread"},
		{"/model [NAME]", "show or switch the model (local:NAME, hosted:NAME)"},
		{"/system [TEXT]", "show or set the system prompt"},
		{"/threads", "list recent threads"},
		{"/open ID", "continue a saved thread"},
		{"/delete [ID]", "delete a thread (default: current)"},
		{"/stop", "stop the running reply"},
		{"/quit", "exit"},
	}
	for _, c := range cmds {
		fmt.Fprintln(r.out, "  "+util.PadRight(c[0], 16)+DimStyle.Render(c[1]))
	}
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamPrinter writes the growing reply and load progress as the manager
// publishes them.
type streamPrinter struct {
	mu       sync.Mutex
	out      io.Writer
	printed  string
	lastInfo string
	progress bool
}

func (p *streamPrinter) begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed = ""
	p.lastInfo = ""
	p.progress = false
}

func (p *streamPrinter) update(st session.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st.ModelInfo != p.lastInfo {
		p.lastInfo = st.ModelInfo
		if strings.HasPrefix(st.ModelInfo, "Downloading") {
			fmt.Fprint(p.out, "\r"+DimStyle.Render(st.ModelInfo))
			p.progress = true
		} else if p.progress {
			fmt.Fprintln(p.out, "\r"+DimStyle.Render(st.ModelInfo)+"    ")
			p.progress = false
		}
	}

	if !st.Running || st.Output == "" {
		return
	}
	p.write(st.Output)
}

// write prints the part of text not yet shown. A decode that rewrites
// earlier output is left for end to reconcile.
func (p *streamPrinter) write(text string) {
	if p.printed == "" && text != "" {
		fmt.Fprint(p.out, AssistantStyle.Render("fullmoon> "))
	}
	if !strings.HasPrefix(text, p.printed) {
		return
	}
	fmt.Fprint(p.out, text[len(p.printed):])
	p.printed = text
}

// end flushes the final text and terminates the line.
func (p *streamPrinter) end(final string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.progress {
		fmt.Fprintln(p.out)
		p.progress = false
	}
	if final != "" {
		if !strings.HasPrefix(final, p.printed) {
			fmt.Fprintln(p.out)
			p.printed = ""
		}
		p.write(final)
	}
	if p.printed != "" {
		fmt.Fprintln(p.out)
	}
	p.printed = ""
}
