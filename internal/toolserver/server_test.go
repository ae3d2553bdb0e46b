package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/viable-systems/capacquire/apitypes"
	"github.com/viable-systems/capacquire/internal/events"
	"github.com/viable-systems/capacquire/internal/retry"
	"github.com/viable-systems/capacquire/internal/telemetry"
	"github.com/viable-systems/capacquire/internal/toolerrors"
)

// This suite re-invokes the test binary itself with a helper env var to
// exercise a real child process without shipping a fixture script.
const helperEnv = "CAPACQUIRE_TOOLSERVER_HELPER"

// exitAfterListEnv makes the helper exit right after answering tools/list,
// simulating a server that crashes on every start. crashOnceEnv points at a
// marker file: the helper crashes the first time (creating the marker) and
// behaves normally on subsequent starts.
const (
	exitAfterListEnv = "CAPACQUIRE_TOOLSERVER_EXIT_AFTER_LIST"
	crashOnceEnv     = "CAPACQUIRE_TOOLSERVER_CRASH_ONCE"
)

func helperConfig(t *testing.T, extraEnv ...string) Config {
	t.Helper()
	return Config{
		ID:          "srv-1",
		Command:     os.Args[0],
		Args:        []string{"-test.run=TestHelperProcess", "--"},
		Env:         append([]string{helperEnv + "=1"}, extraEnv...),
		InitTimeout: 2 * time.Second,
	}
}

func TestServerStartHandshakeAndInvoke(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	bus := events.NewBus(4)
	defer bus.Close()

	srv := New(helperConfig(t), logger, bus)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop(context.Background(), time.Second)

	if got := srv.State(); got != apitypes.ServerReady {
		t.Fatalf("expected ready, got %s", got)
	}
	if !srv.HasTool("echo") {
		t.Fatalf("expected declared tool echo, got %v", srv.Tools())
	}

	result, err := srv.Invoke(ctx, "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded["text"] != "hi" {
		t.Fatalf("unexpected result: %v", decoded)
	}
}

func TestServerInvokeUnknownToolFailsWithoutWireCall(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	bus := events.NewBus(4)
	defer bus.Close()

	srv := New(helperConfig(t), logger, bus)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop(context.Background(), time.Second)

	_, err := srv.Invoke(ctx, "does-not-exist", nil)
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestServerStopIsGraceful(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	bus := events.NewBus(4)
	sub := bus.Subscribe()
	defer bus.Close()

	srv := New(helperConfig(t), logger, bus)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	srv.Stop(context.Background(), time.Second)
	if got := srv.State(); got != apitypes.ServerStopped {
		t.Fatalf("expected stopped, got %s", got)
	}

	select {
	case ev := <-sub.C():
		if ev.Type != events.TypeServerReady && ev.Type != events.TypeServerGone {
			t.Fatalf("unexpected event type %s", ev.Type)
		}
	case <-time.After(time.Second):
	}
}

func TestServerRestartRecoversWithinPolicy(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	bus := events.NewBus(16)
	defer bus.Close()

	marker := filepath.Join(t.TempDir(), "crashed")
	cfg := helperConfig(t, crashOnceEnv+"="+marker)
	cfg.RestartPolicy = retry.Config{Base: time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond}
	srv := New(cfg, logger, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop(context.Background(), time.Second)
	originalTools := srv.Tools()

	// Let the child's first incarnation finish crashing, then drive health
	// checks until the restart brings the server back to ready. The state
	// still reads ready until a health check notices the dead transport, so
	// the first check runs unconditionally.
	time.Sleep(100 * time.Millisecond)
	firstCtx, firstCancel := context.WithTimeout(ctx, time.Second)
	srv.HealthCheck(firstCtx)
	firstCancel()
	deadline := time.Now().Add(5 * time.Second)
	for srv.State() != apitypes.ServerReady {
		if time.Now().After(deadline) {
			t.Fatalf("server never recovered, state %s", srv.State())
		}
		hcCtx, hcCancel := context.WithTimeout(ctx, time.Second)
		srv.HealthCheck(hcCtx)
		hcCancel()
	}

	if srv.ID() != cfg.ID {
		t.Fatalf("expected server id preserved across restart, got %s", srv.ID())
	}
	recovered := srv.Tools()
	if len(recovered) != len(originalTools) || recovered[0].Name != originalTools[0].Name {
		t.Fatalf("expected tool set preserved across restart, got %v", recovered)
	}
}

func TestServerRestartExhaustionStopsPermanently(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	bus := events.NewBus(16)
	sub := bus.Subscribe()
	defer bus.Close()

	cfg := helperConfig(t, exitAfterListEnv+"=1")
	cfg.MaxRestarts = 2
	cfg.RestartWindow = time.Minute
	cfg.RestartPolicy = retry.Config{Base: time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond}
	srv := New(cfg, logger, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Every incarnation of the child dies right after the handshake, so
	// each health check fails and burns one slot of the rolling restart
	// window until the policy is exhausted.
	deadline := time.Now().Add(10 * time.Second)
	for srv.State() != apitypes.ServerStopped {
		if time.Now().After(deadline) {
			t.Fatalf("server never exhausted its restart policy, state %s", srv.State())
		}
		hcCtx, hcCancel := context.WithTimeout(ctx, time.Second)
		srv.HealthCheck(hcCtx)
		hcCancel()
		time.Sleep(10 * time.Millisecond)
	}

	sawExhausted, sawGone := false, false
	drain := time.After(2 * time.Second)
	for !(sawExhausted && sawGone) {
		select {
		case ev := <-sub.C():
			switch ev.Type {
			case events.TypeServerRestartExhausted:
				sawExhausted = true
			case events.TypeServerGone:
				sawGone = true
			}
		case <-drain:
			t.Fatalf("missing events: restart_exhausted=%v gone=%v", sawExhausted, sawGone)
		}
	}
}

func TestServerStartSpawnFailureIsTagged(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	bus := events.NewBus(4)
	defer bus.Close()

	cfg := Config{ID: "srv-bad", Command: "/nonexistent/tool-server-binary", InitTimeout: time.Second}
	srv := New(cfg, logger, bus)
	err := srv.Start(context.Background())
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	if !toolerrors.HasCode(err, toolerrors.CodeServerSpawnFailed) {
		t.Fatalf("expected server.spawn_failed, got %v", err)
	}
	if got := srv.State(); got != apitypes.ServerStopped {
		t.Fatalf("expected stopped after spawn failure, got %s", got)
	}
}

func TestServerToolSetFrozenAcrossRestart(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	bus := events.NewBus(4)
	defer bus.Close()

	srv := New(helperConfig(t), logger, bus)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop(context.Background(), time.Second)

	// A second handshake advertising a different tool set must degrade the
	// server rather than silently rebasing its declared tools.
	srv.mu.Lock()
	srv.tools = []apitypes.ToolSpec{{Name: "something-else"}}
	srv.mu.Unlock()

	err := srv.Start(ctx)
	if err == nil {
		t.Fatal("expected tool-set mismatch error")
	}
	if got := srv.State(); got != apitypes.ServerDegraded {
		t.Fatalf("expected degraded on mismatched re-handshake, got %s", got)
	}
}

// TestHelperProcess is not a real test; it is spawned as a subprocess by the
// tests above and speaks the line-delimited JSON-RPC protocol on stdin/stdout.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process")
	}
	runHelperProcess()
}

type helperRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type helperResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Result  any    `json:"result,omitempty"`
}

func runHelperProcess() {
	reader := bufio.NewReader(os.Stdin)
	writer := os.Stdout
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		var req helperRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			continue
		}
		switch req.Method {
		case "initialize":
			writeHelperLine(writer, helperResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"capabilities": map[string]any{}}})
		case "tools/list":
			writeHelperLine(writer, helperResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
				"tools": []map[string]any{
					{"name": "echo", "description": "echoes input", "input_schema": map[string]any{"type": "object"}},
				},
			}})
			if os.Getenv(exitAfterListEnv) == "1" {
				os.Exit(1)
			}
			if marker := os.Getenv(crashOnceEnv); marker != "" {
				if _, err := os.Stat(marker); os.IsNotExist(err) {
					_ = os.WriteFile(marker, []byte("crashed"), 0o644)
					os.Exit(1)
				}
			}
		case "tools/call":
			var params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			_ = json.Unmarshal(req.Params, &params)
			writeHelperLine(writer, helperResponse{JSONRPC: "2.0", ID: req.ID, Result: params.Arguments})
		}
	}
	os.Exit(0)
}

func writeHelperLine(w *os.File, resp helperResponse) {
	data, _ := json.Marshal(resp)
	fmt.Fprintf(w, "%s\n", data)
}
