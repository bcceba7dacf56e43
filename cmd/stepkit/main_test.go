package main

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/stepkit/dispatch"
	"github.com/vinayprograms/stepkit/errors"
	"github.com/vinayprograms/stepkit/state"
	"github.com/vinayprograms/stepkit/telemetry"
)

const greetYAML = `name: greet
steps:
  - method: log
    input:
      who: who
  - noop
---
name: broken
steps:
  - method: missing.method
`

// writeWorkspace lays out a config file and a tasks directory holding
// tasks, and returns the config path.
func writeWorkspace(t *testing.T, tasks string) string {
	t.Helper()
	for _, env := range []string{"STEPKIT_STORE_URL", "STEPKIT_LISTEN", "STEPKIT_LOG_LEVEL", "STEPKIT_TASKS_DIR", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		t.Setenv(env, "")
	}
	dir := t.TempDir()
	tasksDir := filepath.Join(dir, "tasks")
	if err := os.MkdirAll(tasksDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if tasks != "" {
		if err := os.WriteFile(filepath.Join(tasksDir, "tasks.yaml"), []byte(tasks), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfgPath := filepath.Join(dir, "stepkit.toml")
	cfg := "tasks_dir = \"" + filepath.ToSlash(tasksDir) + "\"\n\n[log]\nlevel = \"error\"\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// =============================================================================
// validate
// =============================================================================

func TestValidate(t *testing.T) {
	cfgPath := writeWorkspace(t, "")
	file := filepath.Join(t.TempDir(), "tasks.yaml")
	os.WriteFile(file, []byte(greetYAML), 0o644)

	out, err := execute(t, "--config", cfgPath, "validate", file)
	if !errors.Is(err, errors.ErrCodeInvalidDefinition) {
		t.Fatalf("expected INVALID_DEFINITION, got %v", err)
	}
	if !strings.Contains(out, "ok    greet") {
		t.Errorf("output missing greet: %q", out)
	}
	if !strings.Contains(out, "FAIL  #2 broken") {
		t.Errorf("output missing broken: %q", out)
	}
}

func TestValidate_AllGood(t *testing.T) {
	cfgPath := writeWorkspace(t, "")
	file := filepath.Join(t.TempDir(), "tasks.yaml")
	os.WriteFile(file, []byte("name: one\nsteps: [noop]\n"), 0o644)

	out, err := execute(t, "--config", cfgPath, "validate", file)
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}
}

func TestValidate_MissingFile(t *testing.T) {
	cfgPath := writeWorkspace(t, "")
	if _, err := execute(t, "--config", cfgPath, "validate", "/nonexistent/tasks.yaml"); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

// =============================================================================
// submit
// =============================================================================

func TestSubmit(t *testing.T) {
	cfgPath := writeWorkspace(t, "name: greet\nsteps: [noop]\n")

	out, err := execute(t, "--config", cfgPath, "submit", "greet", "--data", `{"who":"ada"}`, "--at", "1h")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if id := strings.TrimSpace(out); len(id) != 36 {
		t.Errorf("expected a uuid, got %q", out)
	}
}

func TestSubmit_LogsToStderr(t *testing.T) {
	cfgPath := writeWorkspace(t, "name: greet\nsteps: [noop]\n")
	t.Setenv("STEPKIT_LOG_LEVEL", "info")

	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs([]string{"--config", cfgPath, "submit", "greet"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if id := strings.TrimSpace(stdout.String()); len(id) != 36 {
		t.Errorf("stdout should hold only the id, got %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "task_defined") {
		t.Errorf("logs missing from stderr: %q", stderr.String())
	}
}

func TestSubmit_Errors(t *testing.T) {
	cfgPath := writeWorkspace(t, "name: greet\nsteps: [noop]\n")
	tests := []struct {
		name string
		args []string
		want errors.ErrorCode
	}{
		{"unknown task", []string{"submit", "nope"}, errors.ErrCodeTaskNotDefined},
		{"bad data", []string{"submit", "greet", "--data", "[1]"}, errors.ErrCodeInvalidInput},
		{"bad time", []string{"submit", "greet", "--at", "someday"}, errors.ErrCodeInvalidTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"--config", cfgPath}, tt.args...)...)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %s, got %v", tt.want, err)
			}
		})
	}
}

func TestShow_NotFound(t *testing.T) {
	cfgPath := writeWorkspace(t, "")
	if _, err := execute(t, "--config", cfgPath, "show", "missing"); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestLoadTasks_Invalid(t *testing.T) {
	cfgPath := writeWorkspace(t, greetYAML)
	if _, err := execute(t, "--config", cfgPath, "submit", "greet"); !errors.Is(err, errors.ErrCodeMethodNotDefined) {
		t.Errorf("expected METHOD_NOT_DEFINED, got %v", err)
	}
}

// =============================================================================
// serve
// =============================================================================

func TestServe_RunsAndShutsDown(t *testing.T) {
	cfgPath := writeWorkspace(t, "name: greet\nsteps: [noop]\n")

	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfgPath, io.Discard)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	id, _, err := a.dispatcher.Submit(ctx, dispatch.Submission{Task: "greet"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, false) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := a.engine.Store().Get(ctx, id)
		if err == nil && rec.Data.Complete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("instance not run by serve")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	if _, err := a.store.Get("anything"); !stderrors.Is(err, state.ErrClosed) {
		t.Errorf("store still open after shutdown: %v", err)
	}
}

func TestServe_ReportsFailedShutdownHandlers(t *testing.T) {
	cfgPath := writeWorkspace(t, "name: greet\nsteps: [noop]\n")
	events := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer events.Close()

	var logs bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfgPath, &logs)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	a.events = telemetry.NewHTTPExporter(events.URL)
	a.events.Emit(telemetry.Event{Name: telemetry.EventInstanceCreated})

	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, false) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("serve should report the failed telemetry flush")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	if !strings.Contains(logs.String(), "shutdown_incomplete") || !strings.Contains(logs.String(), "handlers=telemetry") {
		t.Errorf("shutdown log = %q", logs.String())
	}
}
