// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/fullmoon-go/internal/config"
	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/offline"
	"github.com/jeranaias/fullmoon-go/internal/session"
	"github.com/jeranaias/fullmoon-go/internal/storage"
)

// =============================================================================
// HELPERS
// =============================================================================

type testEnv struct {
	home       string
	configPath string
	dbPath     string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, key := range []string{
		"FULLMOON_MODEL", "FULLMOON_SYSTEM_PROMPT", "FULLMOON_OLLAMA_URL", "FULLMOON_MAX_TOKENS",
		"FULLMOON_API_KEY", "FULLMOON_STORAGE", "FULLMOON_LOG_LEVEL", "FULLMOON_OFFLINE",
	} {
		t.Setenv(key, "")
	}
	env := testEnv{
		home:       home,
		configPath: filepath.Join(home, "config.toml"),
		dbPath:     filepath.Join(home, "fullmoon.db"),
	}
	t.Setenv("FULLMOON_STORAGE_PATH", env.dbPath)
	config.ResetGlobalForTesting()
	t.Cleanup(config.ResetGlobalForTesting)
	t.Cleanup(func() { offline.SetOfflineMode(false) })
	return env
}

func (e testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := &App{}
	defer app.Close()
	root := NewRootCmd(app)
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func (e testEnv) loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromPath(e.configPath)
	require.NoError(t, err)
	return cfg
}

// scriptedInput feeds fixed lines to the REPL, then reports EOF.
type scriptedInput struct {
	lines []string
}

func (s *scriptedInput) Prompt(string) (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptedInput) AppendHistory(string) {}

// hostedServer answers the first request with "hi there" and later ones
// with a rate-limit error record.
func hostedServer(t *testing.T) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if calls.Add(1) == 1 {
			_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"+
				"data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n"+
				"data: [DONE]\n\n")
			return
		}
		_, _ = io.WriteString(w, "data: {\"object\":\"error\",\"message\":\"rate limited\"}\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// =============================================================================
// CONFIG COMMAND
// =============================================================================

func TestConfigCommand(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "config", "path")
	require.NoError(t, err)
	assert.Contains(t, out, env.configPath)

	_, err = env.run(t, "config", "init")
	require.NoError(t, err)
	_, err = env.run(t, "config", "init")
	assert.Error(t, err, "init refuses to overwrite")

	_, err = env.run(t, "config", "set", "local.max_tokens", "256")
	require.NoError(t, err)
	out, err = env.run(t, "config", "get", "local.max_tokens")
	require.NoError(t, err)
	assert.Contains(t, out, "256")

	_, err = env.run(t, "config", "set", "local.max_tokens", "-1")
	assert.Error(t, err)
	assert.Equal(t, 256, env.loadConfig(t).Local.MaxTokens, "invalid values are not saved")

	_, err = env.run(t, "config", "get", "hosted.api_key")
	assert.Error(t, err)

	t.Setenv("FULLMOON_API_KEY", "sk-secret")
	out, err = env.run(t, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-secret")
	assert.Contains(t, out, "[REDACTED]")
}

// =============================================================================
// MODELS COMMAND
// =============================================================================

func TestModelsCommand(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "models", "list")
	require.NoError(t, err)
	assert.Contains(t, out, model.DefaultLocalModel)
	assert.Contains(t, out, "none")

	_, err = env.run(t, "models", "add", "remote", "https://chat.example.com/v1")
	require.NoError(t, err)
	_, err = env.run(t, "models", "add", "remote", "https://chat.example.com/v1")
	assert.Error(t, err, "hosted names are unique")

	out, err = env.run(t, "models", "use", "hosted:remote")
	require.NoError(t, err)
	assert.Contains(t, out, "hosted:remote")

	out, err = env.run(t, "models", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "* remote")

	_, err = env.run(t, "models", "use", "local:no-such-model")
	assert.Error(t, err)

	_, err = env.run(t, "models", "remove", "remote")
	require.NoError(t, err)
	cfg := env.loadConfig(t)
	assert.Empty(t, cfg.Hosted.Models)
	assert.Empty(t, cfg.General.CurrentModel, "removing the default clears it")

	_, err = env.run(t, "models", "remove", "remote")
	assert.ErrorIs(t, err, model.ErrModelNotFound)

	_, err = env.run(t, "models", "pull", "not-in-registry")
	assert.ErrorIs(t, err, model.ErrModelNotFound)
}

// =============================================================================
// STATUS COMMAND
// =============================================================================

func TestStatusCommand_Offline(t *testing.T) {
	env := newTestEnv(t)
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	t.Setenv("FULLMOON_OLLAMA_URL", down.URL)

	out, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "online")
	assert.Contains(t, out, "not running")
	assert.False(t, offline.IsOfflineMode())

	out, err = env.run(t, "--offline", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "localhost only")
	assert.True(t, offline.IsOfflineMode())

	t.Setenv("FULLMOON_OLLAMA_URL", "http://gpu-box.lan:11434")
	_, err = env.run(t, "--offline", "status")
	assert.Error(t, err)
}

// =============================================================================
// THREADS COMMAND
// =============================================================================

func seedThread(t *testing.T, dbPath string) *model.Thread {
	t.Helper()
	st, err := storage.Open(storage.Config{Backend: storage.BackendSQLite, Path: dbPath})
	require.NoError(t, err)
	defer st.Close()

	th := model.NewThread()
	th.AddMessage(model.NewMessage(model.RoleUser, "What is the capital of France?"))
	require.NoError(t, st.InsertThread(th))
	reply := model.NewMessage(model.RoleAssistant, "Paris.")
	reply.TokensPerSec = 21.5
	th.AddMessage(reply)
	for _, m := range th.Messages {
		require.NoError(t, st.InsertMessage(m))
	}
	require.NoError(t, st.Save(context.Background()))
	return th
}

func TestThreadsCommand(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "threads", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No saved threads")

	th := seedThread(t, env.dbPath)

	out, err = env.run(t, "threads", "list")
	require.NoError(t, err)
	assert.Contains(t, out, th.ID)
	assert.Contains(t, out, "What is the")

	out, err = env.run(t, "threads", "show", "--raw", th.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "### You")
	assert.Contains(t, out, "Paris.")
	assert.Contains(t, out, "21.5 tokens/s")

	out, err = env.run(t, "threads", "search", "france")
	require.NoError(t, err)
	assert.Contains(t, out, th.ID)

	exportDir := t.TempDir()
	out, err = env.run(t, "threads", "export", "--format", "json", "--out", exportDir, th.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported to")
	files, err := filepath.Glob(filepath.Join(exportDir, "thread_*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	_, err = env.run(t, "threads", "export", "--format", "pdf", th.ID)
	assert.Error(t, err)

	_, err = env.run(t, "threads", "delete", th.ID)
	require.NoError(t, err)
	_, err = env.run(t, "threads", "show", th.ID)
	assert.ErrorIs(t, err, storage.ErrThreadNotFound)

	out, err = env.run(t, "threads", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No saved threads")
}

// =============================================================================
// CHAT REPL
// =============================================================================

func newTestApp(t *testing.T, env testEnv, endpoint string) *App {
	t.Helper()
	cfg := config.Default()
	cfg.ApplyEnvOverrides()
	_, err := cfg.AddHostedModel("remote", endpoint)
	require.NoError(t, err)
	cfg.General.CurrentModel = "hosted:remote"
	require.NoError(t, cfg.Validate())

	app := &App{Config: cfg, ConfigPath: env.configPath}
	t.Cleanup(app.Close)
	return app
}

func TestPipeInput(t *testing.T) {
	in := newPipeInput(strings.NewReader("hello\n/quit\nlast"))
	for _, want := range []string{"hello", "/quit", "last"} {
		line, err := in.Prompt("you> ")
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
	_, err := in.Prompt("you> ")
	assert.ErrorIs(t, err, io.EOF)
}

func TestChatCommand_PipedInput(t *testing.T) {
	env := newTestEnv(t)
	srv := hostedServer(t)
	cfg := config.Default()
	_, err := cfg.AddHostedModel("remote", srv.URL)
	require.NoError(t, err)
	cfg.General.CurrentModel = "hosted:remote"
	require.NoError(t, config.SaveTOML(cfg, env.configPath))

	app := &App{}
	defer app.Close()
	root := NewRootCmd(app)
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetIn(strings.NewReader("hello\n"))
	root.SetArgs([]string{"--config", env.configPath, "chat"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, buf.String(), "fullmoon> hi there")
}

func TestREPL_SendAndPersist(t *testing.T) {
	env := newTestEnv(t)
	srv := hostedServer(t)
	app := newTestApp(t, env, srv.URL)

	var out bytes.Buffer
	in := &scriptedInput{lines: []string{"hello", "again", "/threads", "/quit", "never read"}}
	r, err := newREPL(context.Background(), app, in, &out)
	require.NoError(t, err)
	require.NoError(t, r.run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "fullmoon> hi there")
	assert.Contains(t, text, "Error: rate limited")
	assert.Len(t, in.lines, 1, "/quit stops reading input")

	st, err := app.Store()
	require.NoError(t, err)
	metas, err := st.ListThreads(context.Background())
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, 4, metas[0].MessageCount)

	th, err := st.LoadThread(context.Background(), metas[0].ID)
	require.NoError(t, err)
	msgs := th.SortedMessages()
	assert.Equal(t, "hi there", msgs[1].Content)
	assert.True(t, msgs[3].IsError)
	assert.Contains(t, msgs[3].Content, "Error: rate limited")
}

func TestREPL_SlashCommands(t *testing.T) {
	env := newTestEnv(t)
	srv := hostedServer(t)
	app := newTestApp(t, env, srv.URL)
	ctx := context.Background()

	var out bytes.Buffer
	r, err := newREPL(ctx, app, &scriptedInput{}, &out)
	require.NoError(t, err)

	_, err = r.handle(ctx, "/bogus")
	assert.Error(t, err)

	_, err = r.handle(ctx, "/model local:not-a-model")
	assert.ErrorIs(t, err, model.ErrModelNotFound)

	_, err = r.handle(ctx, "/system be brief")
	require.NoError(t, err)
	assert.Equal(t, "be brief", r.chat.SystemPrompt())
	assert.Equal(t, "be brief", env.loadConfig(t).General.SystemPrompt)

	_, err = r.handle(ctx, "hello")
	require.NoError(t, err)
	cur := r.chat.Current()
	require.NotNil(t, cur)

	// Deleting the current thread means the next prompt starts a new one.
	_, err = r.handle(ctx, "/delete")
	require.NoError(t, err)
	assert.Nil(t, r.chat.Current())

	_, err = r.handle(ctx, "/open "+cur.ID)
	assert.ErrorIs(t, err, storage.ErrThreadNotFound)

	_, err = r.handle(ctx, "/new")
	require.NoError(t, err)
	assert.NotNil(t, r.chat.Current())

	quit, err := r.handle(ctx, "/exit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestREPL_ConfigReload(t *testing.T) {
	env := newTestEnv(t)
	srv := hostedServer(t)
	app := newTestApp(t, env, srv.URL)
	ctx := context.Background()

	var out bytes.Buffer
	r, err := newREPL(ctx, app, &scriptedInput{}, &out)
	require.NoError(t, err)

	edited := app.Config.Clone()
	_, err = edited.AddHostedModel("fresh", srv.URL)
	require.NoError(t, err)
	edited.General.SystemPrompt = "from file"
	r.queueConfig(edited)

	_, err = r.handle(ctx, "/model hosted:fresh")
	require.NoError(t, err)
	assert.Same(t, edited, app.Config)
	assert.Equal(t, "from file", r.chat.SystemPrompt())

	_, err = r.handle(ctx, "/system terse")
	require.NoError(t, err)

	saved := env.loadConfig(t)
	var names []string
	for _, m := range saved.Hosted.Models {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"remote", "fresh"}, names, "a save keeps the reloaded edits")
	assert.Equal(t, "terse", saved.General.SystemPrompt)
	assert.Equal(t, "hosted:fresh", saved.General.CurrentModel)
}

func TestStreamPrinter(t *testing.T) {
	var out bytes.Buffer
	p := &streamPrinter{out: &out}

	p.begin()
	p.update(statusRunning("he"))
	p.update(statusRunning("hello"))
	p.end("hello world")
	assert.Equal(t, "fullmoon> hello world\n", out.String())

	out.Reset()
	p.begin()
	p.update(statusRunning("abc"))
	p.end("xyz")
	assert.Equal(t, "fullmoon> abc\nfullmoon> xyz\n", out.String(), "a rewritten reply is printed again in full")
}

func TestWriteThreadTable(t *testing.T) {
	var out bytes.Buffer
	writeThreadTable(&out, []model.ThreadMeta{{
		ID:           "0b0e5f58-3e9d-4d8b-9d0f-3f1e0d0c0a01",
		Title:        "日本語のタイトル\nwith a newline and a very long tail that will not fit",
		MessageCount: 2,
	}}, 80)

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[1]), "日本語")
	assert.Contains(t, string(lines[1]), "...")
}

func statusRunning(output string) session.Status {
	return session.Status{Running: true, Output: output}
}

func TestMain(m *testing.M) {
	os.Setenv("NO_COLOR", "1")
	os.Exit(m.Run())
}

// =============================================================================
// SERVE
// =============================================================================

func TestResolveModel(t *testing.T) {
	cfg := config.Default()
	_, err := cfg.AddHostedModel("remote", "https://api.example.com/v1/chat/completions")
	require.NoError(t, err)

	sel, err := resolveModel(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, model.LocalSelection(model.DefaultLocalModel), sel)

	sel, err = resolveModel(cfg, "hosted:remote")
	require.NoError(t, err)
	assert.False(t, sel.IsLocal())

	_, err = resolveModel(cfg, "local:not-registered")
	assert.ErrorIs(t, err, model.ErrModelNotFound)

	cfg.General.CurrentModel = ""
	_, err = resolveModel(cfg, "")
	assert.ErrorIs(t, err, model.ErrModelNotFound)
}

func TestApp_ReloadReachesManager(t *testing.T) {
	env := newTestEnv(t)
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	app := newTestApp(t, env, srv.URL)
	config.SetGlobal(app.Config)
	mgr, err := app.Manager()
	require.NoError(t, err)

	edited := app.Config.Clone()
	_, err = edited.AddHostedModel("fresh", srv.URL)
	require.NoError(t, err)
	edited.Hosted.APIKey = "sk-reloaded"
	edited.Local.Models = append(edited.Local.Models, model.LocalModel{Name: "custom", Family: "chatml", EngineModel: "custom:latest"})
	app.reloadLogged(edited)

	_, err = resolveModel(config.Global(), "local:custom")
	require.NoError(t, err)

	sel, err := resolveModel(config.Global(), "hosted:fresh")
	require.NoError(t, err)
	res := mgr.Generate(context.Background(), sel, []*model.Message{model.NewMessage(model.RoleUser, "hi")}, "")
	require.True(t, res.OK(), res.Display())
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, "Bearer sk-reloaded", auth.Load())
}

func TestModelEntries(t *testing.T) {
	cfg := config.Default()
	_, err := cfg.AddHostedModel("remote", "https://api.example.com/v1/chat/completions")
	require.NoError(t, err)

	var ids []string
	for _, e := range modelEntries(cfg) {
		ids = append(ids, e.ID)
	}
	assert.Contains(t, ids, "local:"+model.DefaultLocalModel)
	assert.Contains(t, ids, "hosted:remote")
}
