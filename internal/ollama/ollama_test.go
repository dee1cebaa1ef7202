// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jeranaias/fullmoon-go/internal/backend"
	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/stream"
)

// fakeDaemon is a minimal stand-in for the Ollama HTTP API.
type fakeDaemon struct {
	mu        sync.Mutex
	installed map[string]bool
	pullLines []string
	tokens    []string
	lastGen   GenerateRequest
	pulls     int
}

func newFakeDaemon(installed ...string) *fakeDaemon {
	d := &fakeDaemon{installed: make(map[string]bool)}
	for _, name := range installed {
		d.installed[name] = true
	}
	return d
}

func (d *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Ollama is running")
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		var resp ListModelsResponse
		for name := range d.installed {
			resp.Models = append(resp.Models, ModelInfo{Name: name})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		var req ShowModelRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		d.mu.Lock()
		ok := d.installed[req.Model]
		d.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"error":"model '%s' not found"}`, req.Model)
			return
		}
		fmt.Fprint(w, `{"modelfile":"FROM x","details":{"family":"llama"}}`)
	})
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		var req PullRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		d.mu.Lock()
		d.pulls++
		lines := d.pullLines
		d.installed[req.Model] = true
		d.mu.Unlock()
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		d.mu.Lock()
		d.lastGen = req
		tokens := d.tokens
		d.mu.Unlock()
		flusher, _ := w.(http.Flusher)
		for _, tok := range tokens {
			data, _ := json.Marshal(GenerateResponse{Model: req.Model, Response: tok})
			fmt.Fprintf(w, "%s\n", data)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, `{"done":true,"done_reason":"stop"}`)
	})
	return mux
}

func (d *fakeDaemon) pullCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pulls
}

func newTestClient(t *testing.T, d *fakeDaemon) *Client {
	t.Helper()
	srv := httptest.NewServer(d.handler())
	t.Cleanup(srv.Close)
	return NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestClient_CheckRunning(t *testing.T) {
	c := newTestClient(t, newFakeDaemon())
	if err := c.CheckRunning(context.Background()); err != nil {
		t.Fatalf("CheckRunning() error = %v", err)
	}
}

func TestClient_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClientWithConfig(&ClientConfig{BaseURL: url})
	err := c.CheckRunning(context.Background())
	if !IsNotRunning(err) {
		t.Errorf("CheckRunning() error = %v, want not running", err)
	}
}

func TestClient_ShowModelNotFound(t *testing.T) {
	c := newTestClient(t, newFakeDaemon())
	_, err := c.ShowModel(context.Background(), "missing:latest")
	if !IsModelNotFound(err) {
		t.Fatalf("ShowModel() error = %v, want model not found", err)
	}
	if !strings.Contains(err.Error(), "missing:latest") {
		t.Errorf("error %q should carry the daemon message", err)
	}
}

func TestClient_ListModels(t *testing.T) {
	c := newTestClient(t, newFakeDaemon("a:1b"))
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 1 || models[0].Name != "a:1b" {
		t.Errorf("ListModels() = %+v", models)
	}
}

func TestClient_PullErrorLine(t *testing.T) {
	d := newFakeDaemon()
	d.pullLines = []string{`{"status":"pulling manifest"}`, `{"error":"manifest unknown"}`}
	c := newTestClient(t, d)

	err := c.Pull(context.Background(), "bad:1b", nil)
	if err == nil || !strings.Contains(err.Error(), "manifest unknown") {
		t.Errorf("Pull() error = %v, want manifest unknown", err)
	}
}

func TestPullProgress_Fraction(t *testing.T) {
	tests := []struct {
		p    PullProgress
		want float64
	}{
		{PullProgress{Total: 0}, -1},
		{PullProgress{Total: 200, Completed: 50}, 0.25},
		{PullProgress{Total: 100, Completed: 100}, 1},
	}
	for _, tt := range tests {
		if got := tt.p.Fraction(); got != tt.want {
			t.Errorf("Fraction(%+v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestReadLines_SkipsMalformed(t *testing.T) {
	input := "{\"response\":\"a\"}\nnot json\n\n{\"response\":\"b\"}"
	var got []string
	err := readLines(context.Background(), strings.NewReader(input), func(r GenerateResponse) error {
		got = append(got, r.Response)
		return nil
	})
	if err != nil {
		t.Fatalf("readLines() error = %v", err)
	}
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("readLines() = %v, want [a b]", got)
	}
}

// =============================================================================
// ENGINE TESTS
// =============================================================================

func TestEngine_Generate(t *testing.T) {
	d := newFakeDaemon("llama3.2:1b")
	d.tokens = []string{"Hel", "lo", "", " there"}
	engine := NewEngine(newTestClient(t, d))

	h := backend.Handle{EngineModel: "llama3.2:1b"}
	params := backend.GenerateParams{
		Prompt:      "<|begin_of_text|>",
		Temperature: 0.5,
		Seed:        42,
		MaxTokens:   16,
		Stop:        []string{"<|eot_id|>"},
	}

	var got []stream.Token
	err := engine.Generate(context.Background(), h, params, func(tok stream.Token) (stream.Step, error) {
		got = append(got, tok)
		return stream.Continue, nil
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d tokens, want 3 (empty fragments dropped)", len(got))
	}
	for i, tok := range got {
		if tok.ID != i {
			t.Errorf("token %d has ID %d", i, tok.ID)
		}
	}

	d.mu.Lock()
	req := d.lastGen
	d.mu.Unlock()
	if !req.Raw || !req.Stream {
		t.Errorf("request raw=%v stream=%v, want both true", req.Raw, req.Stream)
	}
	if req.Options == nil || req.Options.Seed != 42 || req.Options.NumPredict != 16 {
		t.Errorf("options = %+v", req.Options)
	}
	if len(req.Options.Stop) != 1 || req.Options.Stop[0] != "<|eot_id|>" {
		t.Errorf("stop = %v", req.Options.Stop)
	}
}

func TestEngine_StopsWhenTold(t *testing.T) {
	d := newFakeDaemon("m")
	d.tokens = []string{"a", "b", "c", "d"}
	engine := NewEngine(newTestClient(t, d))

	count := 0
	err := engine.Generate(context.Background(), backend.Handle{EngineModel: "m"}, backend.GenerateParams{},
		func(tok stream.Token) (stream.Step, error) {
			count++
			if count == 2 {
				return stream.Stop, nil
			}
			return stream.Continue, nil
		})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if count != 2 {
		t.Errorf("onToken called %d times after Stop, want 2", count)
	}
}

func TestEngine_TokenErrorReturned(t *testing.T) {
	d := newFakeDaemon("m")
	d.tokens = []string{"a", "b"}
	engine := NewEngine(newTestClient(t, d))

	boom := model.NewError(model.KindCanceled, "canceled", nil)
	err := engine.Generate(context.Background(), backend.Handle{EngineModel: "m"}, backend.GenerateParams{},
		func(stream.Token) (stream.Step, error) { return stream.Stop, boom })
	if !errors.Is(err, model.ErrCanceled) {
		t.Errorf("Generate() error = %v, want canceled", err)
	}
}

func TestEngine_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", ErrModelNotFound, model.ErrModelNotFound},
		{"not running", ErrNotRunning, model.ErrProvision},
		{"bad response", &ClientError{Type: ErrTypeInvalidResponse, Message: "x"}, model.ErrProtocol},
		{"canceled", context.Canceled, model.ErrCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engineError(tt.err, "m"); !errors.Is(got, tt.want) {
				t.Errorf("engineError(%v) = %v, want kind %v", tt.err, got, tt.want)
			}
		})
	}
}

// =============================================================================
// PROVISIONER TESTS
// =============================================================================

func TestProvisioner_InstalledModel(t *testing.T) {
	d := newFakeDaemon("llama3.2:1b")
	p := NewProvisioner(newTestClient(t, d), nil)

	var progress []float64
	cfg := model.LocalModel{Name: "mlx-community/Llama-3.2-1B", EngineModel: "llama3.2:1b"}
	h, err := p.LoadLocalHandle(context.Background(), cfg, func(f float64) { progress = append(progress, f) })
	if err != nil {
		t.Fatalf("LoadLocalHandle() error = %v", err)
	}
	if h.EngineModel != "llama3.2:1b" || h.Config.Name != cfg.Name {
		t.Errorf("handle = %+v", h)
	}
	if n := d.pullCount(); n != 0 {
		t.Errorf("installed model was pulled %d times", n)
	}
	if len(progress) != 1 || progress[0] != 1 {
		t.Errorf("progress = %v, want [1]", progress)
	}
}

func TestProvisioner_PullsMissingModel(t *testing.T) {
	d := newFakeDaemon()
	d.pullLines = []string{
		`{"status":"pulling manifest"}`,
		`{"status":"downloading","digest":"sha256:a","total":100,"completed":50}`,
		`{"status":"downloading","digest":"sha256:a","total":100,"completed":100}`,
		`{"status":"downloading","digest":"sha256:b","total":300,"completed":0}`,
		`{"status":"downloading","digest":"sha256:b","total":300,"completed":300}`,
		`{"status":"success"}`,
	}
	p := NewProvisioner(newTestClient(t, d), nil)

	var progress []float64
	_, err := p.LoadLocalHandle(context.Background(), model.LocalModel{Name: "m", EngineModel: "m:1b"},
		func(f float64) { progress = append(progress, f) })
	if err != nil {
		t.Fatalf("LoadLocalHandle() error = %v", err)
	}
	if n := d.pullCount(); n != 1 {
		t.Errorf("pulls = %d, want 1", n)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("progress went backwards: %v", progress)
		}
	}
	if progress[len(progress)-1] != 1 {
		t.Errorf("final progress = %v, want 1", progress[len(progress)-1])
	}
}

func TestProvisioner_PullFailureIsProvisionError(t *testing.T) {
	d := newFakeDaemon()
	d.pullLines = []string{`{"error":"pull model manifest: file does not exist"}`}
	p := NewProvisioner(newTestClient(t, d), nil)

	_, err := p.LoadLocalHandle(context.Background(), model.LocalModel{Name: "m", EngineModel: "nope"}, nil)
	if !errors.Is(err, model.ErrProvision) {
		t.Errorf("LoadLocalHandle() error = %v, want provision error", err)
	}
}

func TestProvisioner_EngineDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewProvisioner(NewClientWithConfig(&ClientConfig{BaseURL: url}), nil)
	_, err := p.LoadLocalHandle(context.Background(), model.LocalModel{Name: "m"}, nil)
	if !errors.Is(err, model.ErrProvision) {
		t.Errorf("LoadLocalHandle() error = %v, want provision error", err)
	}
}
