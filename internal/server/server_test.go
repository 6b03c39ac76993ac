package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"go.olrik.dev/tether/internal/bridge"
	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/state"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

type fakeBridge struct {
	mu        sync.Mutex
	connected bool
	snapshot  map[string]any
	selection string
	err       error
	retries   int
	history   []bridge.Transition
}

func (b *fakeBridge) Status() bridge.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := bridge.Status{State: bridge.StateDisconnected, MaxAttempts: 5}
	if b.connected {
		st.State = bridge.StateConnected
	}
	return st
}

func (b *fakeBridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBridge) Snapshot(ctx context.Context) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, bridge.ErrUnavailable
	}
	if b.err != nil {
		return nil, b.err
	}
	return b.snapshot, nil
}

func (b *fakeBridge) Selection(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return "", bridge.ErrUnavailable
	}
	return b.selection, nil
}

func (b *fakeBridge) Retry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retries++
	return true
}

func (b *fakeBridge) History() []bridge.Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bridge.Transition(nil), b.history...)
}

func (b *fakeBridge) connect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
}

func newTestServer(t *testing.T) (*ControlServer, *fakeBridge, *state.Store) {
	t.Helper()
	quietLogger(t)

	fb := &fakeBridge{snapshot: map[string]any{
		"sheet": "Sheet1",
		"range": "A1:B2",
		"data":  []any{[]any{"a", float64(1)}, []any{"b", float64(2)}},
	}}
	store := state.NewStore(filepath.Join(t.TempDir(), "state"))
	cfg := core.GetDefaultConfig().Worker
	cfg.MaxBodyBytes = 256
	return New(fb, store, cfg), fb, store
}

func do(t *testing.T, s *ControlServer, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, body := do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if int(body["pid"].(float64)) != os.Getpid() {
		t.Errorf("pid = %v, want %d", body["pid"], os.Getpid())
	}
	if body["bridgeState"] != string(bridge.StateDisconnected) {
		t.Errorf("bridgeState = %v", body["bridgeState"])
	}
	if body["version"] == "" {
		t.Error("version missing")
	}
	if _, ok := body["transitions"]; !ok {
		t.Error("transitions missing")
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestHealth_BoundsTransitions(t *testing.T) {
	s, fb, _ := newTestServer(t)
	for i := 0; i < 15; i++ {
		fb.history = append(fb.history, bridge.Transition{From: bridge.StateDisconnected, To: bridge.StateConnecting, Error: fmt.Sprint(i)})
	}

	_, body := do(t, s, http.MethodGet, "/health", "")
	transitions, ok := body["transitions"].([]any)
	if !ok || len(transitions) != healthTransitions {
		t.Fatalf("transitions = %v, want the last %d", body["transitions"], healthTransitions)
	}
	last := transitions[len(transitions)-1].(map[string]any)
	if last["error"] != "14" {
		t.Errorf("last transition = %v, want the newest", last)
	}
}

func TestSnapshot(t *testing.T) {
	s, fb, _ := newTestServer(t)

	rec, body := do(t, s, http.MethodGet, "/snapshot", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status before connect = %d, want 503", rec.Code)
	}
	if errorCode(body) != "bridge_unavailable" {
		t.Errorf("error code = %q, want bridge_unavailable", errorCode(body))
	}
	if _, ok := body["data"]; ok {
		t.Error("503 must not carry partial data")
	}

	fb.connect()
	rec, body = do(t, s, http.MethodGet, "/snapshot", "")
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("connected snapshot = %d %v", rec.Code, body)
	}
	data := body["data"].(map[string]any)
	if data["sheet"] != "Sheet1" {
		t.Errorf("data = %v", data)
	}
}

func TestSnapshot_ExtractionErrorIsData(t *testing.T) {
	s, fb, _ := newTestServer(t)
	fb.connect()
	fb.err = &bridge.ExtractionError{Reason: bridge.ReasonWrongDocumentKind, Message: "not a spreadsheet"}

	rec, body := do(t, s, http.MethodGet, "/snapshot", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	e := body["error"].(map[string]any)
	if e["code"] != "extraction_failed" || e["reason"] != bridge.ReasonWrongDocumentKind {
		t.Errorf("error = %v", e)
	}
}

func TestCommand_OversizedBodyNeverDispatches(t *testing.T) {
	s, _, _ := newTestServer(t)

	called := false
	s.Register("spy", func(ctx context.Context, payload json.RawMessage) (CommandResult, error) {
		called = true
		return CommandResult{}, nil
	})

	big := fmt.Sprintf(`{"name":"spy","payload":{"blob":"%s"}}`, strings.Repeat("x", 1024))

	rec, body := do(t, s, http.MethodPost, "/command", big)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if errorCode(body) != "body_too_large" {
		t.Errorf("code = %q", errorCode(body))
	}

	// Unknown length, caught while reading
	req := httptest.NewRequest(http.MethodPost, "/command", strings.NewReader(big))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("streamed status = %d, want 400", rec.Code)
	}

	if called {
		t.Error("oversized request reached command dispatch")
	}
}

func TestCommand_Validation(t *testing.T) {
	s, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed json", `{"name":`, "malformed_json"},
		{"not an object", `[1,2]`, "malformed_json"},
		{"missing name", `{"payload":{}}`, "missing_field"},
		{"blank name", `{"name":"  "}`, "missing_field"},
		{"unknown command", `{"name":"teleport"}`, "unknown_command"},
		{"bad payload", `{"name":"prompt","payload":"hello"}`, "invalid_payload"},
		{"missing prompt", `{"name":"prompt","payload":{}}`, "invalid_payload"},
		{"unknown git action", `{"name":"git","payload":{"action":"push"}}`, "invalid_payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, s, http.MethodPost, "/command", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%v)", rec.Code, body)
			}
			if errorCode(body) != tt.code {
				t.Errorf("code = %q, want %q", errorCode(body), tt.code)
			}
			if body["success"] != false {
				t.Error("success should be false")
			}
		})
	}
}

func TestCommand_EchoBridgeUsed(t *testing.T) {
	s, fb, _ := newTestServer(t)

	req := `{"name":"echo","payload":{"prompt":"hi"},"correlationId":"abc-123"}`

	rec, body := do(t, s, http.MethodPost, "/command", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["success"] != true || body["correlationId"] != "abc-123" {
		t.Errorf("envelope = %v", body)
	}
	result := body["result"].(map[string]any)
	if result["bridgeUsed"] != false {
		t.Errorf("bridgeUsed before connect = %v, want false", result["bridgeUsed"])
	}
	if result["payload"].(map[string]any)["prompt"] != "hi" {
		t.Errorf("payload not echoed: %v", result["payload"])
	}
	meta := body["metadata"].(map[string]any)
	if int(meta["pid"].(float64)) != os.Getpid() || meta["bridgeUsed"] != false {
		t.Errorf("metadata = %v", meta)
	}
	if _, err := time.Parse(time.RFC3339Nano, meta["timestamp"].(string)); err != nil {
		t.Errorf("timestamp not RFC3339: %v", err)
	}

	fb.connect()
	_, body = do(t, s, http.MethodPost, "/command", req)
	result = body["result"].(map[string]any)
	if result["bridgeUsed"] != true {
		t.Errorf("bridgeUsed after connect = %v, want true", result["bridgeUsed"])
	}
	if _, ok := result["snapshot"]; !ok {
		t.Error("expected snapshot attached when connected")
	}
	if body["metadata"].(map[string]any)["bridgeUsed"] != true {
		t.Error("metadata.bridgeUsed should be true")
	}
}

func TestCommand_GeneratesCorrelationID(t *testing.T) {
	s, _, _ := newTestServer(t)

	_, body := do(t, s, http.MethodPost, "/command", `{"name":"echo"}`)
	id, _ := body["correlationId"].(string)
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("correlationId %q is not a uuid: %v", id, err)
	}

	_, body = do(t, s, http.MethodPost, "/command", `{"name":"echo","session_id":"sess-1"}`)
	if body["correlationId"] != "sess-1" {
		t.Errorf("session_id should be used as correlation id, got %v", body["correlationId"])
	}
}

func TestCommand_Prompt(t *testing.T) {
	s, fb, _ := newTestServer(t)

	_, body := do(t, s, http.MethodPost, "/command", `{"name":"prompt","payload":{"prompt":"sum it"}}`)
	result := body["result"].(map[string]any)
	if result["response"] != "Processed prompt: 'sum it'" {
		t.Errorf("response = %q", result["response"])
	}
	if body["metadata"].(map[string]any)["bridgeUsed"] != false {
		t.Error("bridge should not be used when disconnected")
	}

	fb.connect()
	_, body = do(t, s, http.MethodPost, "/command", `{"name":"prompt","payload":{"prompt":"sum it"}}`)
	result = body["result"].(map[string]any)
	want := "Processed prompt: 'sum it'\nFound sheet data with 2 rows from 'Sheet1'"
	if result["response"] != want {
		t.Errorf("response = %q, want %q", result["response"], want)
	}

	// A caller-supplied selection is used as is
	_, body = do(t, s, http.MethodPost, "/command", `{"name":"prompt","payload":{"prompt":"x","selection":{"sheet":"Mine","data":[[1]]}}}`)
	result = body["result"].(map[string]any)
	if !strings.Contains(result["response"].(string), "1 rows from 'Mine'") {
		t.Errorf("response = %q", result["response"])
	}
	if body["metadata"].(map[string]any)["bridgeUsed"] != false {
		t.Error("bridge should not be consulted when a selection is supplied")
	}
}

func TestCommand_PromptFallsBackToSelectedText(t *testing.T) {
	s, fb, _ := newTestServer(t)
	fb.mu.Lock()
	fb.snapshot = map[string]any{"document": "notes.docx"}
	fb.selection = "héllo world"
	fb.mu.Unlock()
	fb.connect()

	_, body := do(t, s, http.MethodPost, "/command", `{"name":"prompt","payload":{"prompt":"fix it"}}`)
	result := body["result"].(map[string]any)
	want := "Processed prompt: 'fix it'\nFound selected text with 11 characters"
	if result["response"] != want {
		t.Errorf("response = %q, want %q", result["response"], want)
	}
	sel := result["selection"].(map[string]any)
	if sel["text"] != "héllo world" || sel["document"] != "notes.docx" {
		t.Errorf("selection = %v", sel)
	}
	if body["metadata"].(map[string]any)["bridgeUsed"] != true {
		t.Error("bridgeUsed should be true")
	}

	fb.mu.Lock()
	_, leaked := fb.snapshot["text"]
	fb.mu.Unlock()
	if leaked {
		t.Error("prompt mutated the bridge snapshot")
	}
}

func TestCommand_Git(t *testing.T) {
	s, _, _ := newTestServer(t)

	var gotDir string
	var gotArgs []string
	s.runGit = func(ctx context.Context, dir string, args ...string) (gitOutput, error) {
		gotDir, gotArgs = dir, args
		return gitOutput{Code: 0, Stdout: "## main"}, nil
	}

	rec, body := do(t, s, http.MethodPost, "/command", `{"name":"git","payload":{"repo":"/tmp/repo"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotDir != "/tmp/repo" || strings.Join(gotArgs, " ") != "status --porcelain=v1 -b" {
		t.Errorf("ran git %v in %q", gotArgs, gotDir)
	}
	result := body["result"].(map[string]any)
	if result["action"] != "status" || result["ok"] != true {
		t.Errorf("result = %v", result)
	}

	s.runGit = func(ctx context.Context, dir string, args ...string) (gitOutput, error) {
		return gitOutput{}, fmt.Errorf("exec: \"git\": executable file not found")
	}
	rec, body = do(t, s, http.MethodPost, "/command", `{"name":"git","payload":{"action":"branches"}}`)
	if rec.Code != http.StatusInternalServerError || errorCode(body) != "command_failed" {
		t.Errorf("missing git = %d %v", rec.Code, body)
	}
}

func TestCommand_Reconnect(t *testing.T) {
	s, fb, _ := newTestServer(t)

	rec, body := do(t, s, http.MethodPost, "/command", `{"name":"reconnect"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if fb.retries != 1 {
		t.Errorf("Retry called %d times, want 1", fb.retries)
	}
	if body["result"].(map[string]any)["rearmed"] != true {
		t.Errorf("result = %v", body["result"])
	}
}

func TestCommand_Shutdown(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, _ := do(t, s, http.MethodPost, "/command", `{"name":"shutdown"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("shutdown without hook = %d, want 400", rec.Code)
	}

	stopped := make(chan struct{})
	s.OnShutdown(func() { close(stopped) })

	rec, body := do(t, s, http.MethodPost, "/command", `{"name":"shutdown"}`)
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("shutdown = %d %v", rec.Code, body)
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hook not invoked")
	}
}

func TestRegistry(t *testing.T) {
	s, _, store := newTestServer(t)

	rec, body := do(t, s, http.MethodGet, "/registry", "")
	if rec.Code != http.StatusNotFound || errorCode(body) != "not_found" {
		t.Fatalf("absent registry = %d %v", rec.Code, body)
	}

	store.WriteAggregate(state.AggregateState{
		UpdatedAt: time.Now(),
		Workers:   map[string]state.WorkerIdentity{"worker": {PID: 7, Port: 54321, Host: "127.0.0.1"}},
	})

	rec, body = do(t, s, http.MethodGet, "/registry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	w := body["workers"].(map[string]any)["worker"].(map[string]any)
	if w["port"] != float64(54321) {
		t.Errorf("worker = %v", w)
	}
}

func TestCORSAndRouting(t *testing.T) {
	s, _, _ := newTestServer(t)

	for _, path := range []string{"/health", "/snapshot", "/nope"} {
		rec, _ := do(t, s, http.MethodGet, path, "")
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("%s missing CORS header", path)
		}
	}

	rec, _ := do(t, s, http.MethodOptions, "/command", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Error("preflight should allow POST")
	}

	rec, body := do(t, s, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound || errorCode(body) != "not_found" {
		t.Errorf("unknown route = %d %v", rec.Code, body)
	}
}

func TestListenServeShutdown(t *testing.T) {
	s, _, _ := newTestServer(t)

	port, err := s.Listen()
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if port <= 0 {
		t.Fatalf("port = %d", port)
	}

	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if err := <-served; err != nil {
		t.Errorf("Serve returned %v after clean shutdown", err)
	}
}

func serveInBackground(t *testing.T, s *ControlServer) (string, chan error) {
	t.Helper()
	port, err := s.Listen()
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve() }()
	return fmt.Sprintf("http://127.0.0.1:%d", port), served
}

type postResult struct {
	status int
	err    error
}

func postAsync(url, body string) chan postResult {
	out := make(chan postResult, 1)
	go func() {
		resp, err := http.Post(url+"/command", "application/json", strings.NewReader(body))
		if err != nil {
			out <- postResult{err: err}
			return
		}
		resp.Body.Close()
		out <- postResult{status: resp.StatusCode}
	}()
	return out
}

func TestShutdown_DrainsInFlightRequests(t *testing.T) {
	s, _, _ := newTestServer(t)

	entered := make(chan struct{})
	s.Register("slow", func(ctx context.Context, payload json.RawMessage) (CommandResult, error) {
		close(entered)
		time.Sleep(300 * time.Millisecond)
		return CommandResult{Value: "done"}, nil
	})

	base, served := serveInBackground(t, s)
	result := postAsync(base, `{"name":"slow"}`)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("slow command never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	res := <-result
	if res.err != nil || res.status != http.StatusOK {
		t.Errorf("in-flight request = (%d, %v), want 200", res.status, res.err)
	}
	if err := <-served; err != nil {
		t.Errorf("Serve returned %v", err)
	}

	if _, err := http.Get(base + "/health"); err == nil {
		t.Error("server accepted a new connection after shutdown")
	}
}

func TestShutdown_ForceClosesAfterGrace(t *testing.T) {
	s, _, _ := newTestServer(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	s.Register("stuck", func(ctx context.Context, payload json.RawMessage) (CommandResult, error) {
		close(entered)
		<-release
		return CommandResult{Value: "late"}, nil
	})

	base, served := serveInBackground(t, s)
	result := postAsync(base, `{"name":"stuck"}`)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("stuck command never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := s.Shutdown(ctx); err == nil {
		t.Error("Shutdown should report the unfinished drain")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown took %v, want it bounded by the grace period", elapsed)
	}

	select {
	case res := <-result:
		if res.err == nil {
			t.Errorf("request survived the forced close with status %d", res.status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("forced close did not drop the in-flight connection")
	}
	if err := <-served; err != nil {
		t.Errorf("Serve returned %v", err)
	}
}

func TestListen_RejectsNonLoopback(t *testing.T) {
	quietLogger(t)
	cfg := core.GetDefaultConfig().Worker
	cfg.ListenHost = "0.0.0.0"
	s := New(&fakeBridge{}, state.NewStore(t.TempDir()), cfg)
	if _, err := s.Listen(); err == nil {
		t.Fatal("expected non-loopback host to be refused")
	}
}
