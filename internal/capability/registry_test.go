package capability

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/viable-systems/capacquire/internal/events"
	"github.com/viable-systems/capacquire/internal/servermanager"
	"github.com/viable-systems/capacquire/internal/telemetry"
	"github.com/viable-systems/capacquire/internal/toolerrors"
	"github.com/viable-systems/capacquire/internal/toolserver"
)

const helperEnv = "CAPACQUIRE_CAPABILITY_HELPER"

func newManagerWithServer(t *testing.T, bus events.Bus) (*servermanager.Manager, string) {
	t.Helper()
	logger, _, _ := telemetry.Noop()
	mgr := servermanager.New(logger, bus)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := mgr.StartServer(ctx, toolserver.Config{
		Command:        os.Args[0],
		Args:           []string{"-test.run=TestHelperProcess", "--"},
		Env:            []string{helperEnv + "=1"},
		InitTimeout:    2 * time.Second,
		HealthInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	return mgr, id
}

func TestRegistryBindResolveInvokeUnbind(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()
	mgr, serverID := newManagerWithServer(t, bus)
	defer mgr.Shutdown(context.Background(), time.Second)

	reg := New(mgr, bus)
	defer reg.Close()

	reg.Bind("fs.read", serverID, "read")
	gotServer, gotTool, err := reg.Resolve("fs.read")
	if err != nil || gotServer != serverID || gotTool != "read" {
		t.Fatalf("resolve mismatch: %v %v %v", gotServer, gotTool, err)
	}

	result, err := reg.Invoke(context.Background(), "fs.read", map[string]any{"path": "/x"}, time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(result, &decoded)
	if decoded["path"] != "/x" {
		t.Fatalf("unexpected result: %v", decoded)
	}

	reg.Unbind("fs.read")
	if _, _, err := reg.Resolve("fs.read"); !toolerrors.HasCode(err, toolerrors.CodeInvokeNotBound) {
		t.Fatalf("expected not_bound after unbind, got %v", err)
	}
}

func TestRegistryRebindReplacesAtomically(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()
	mgr, serverID := newManagerWithServer(t, bus)
	defer mgr.Shutdown(context.Background(), time.Second)

	reg := New(mgr, bus)
	defer reg.Close()

	reg.Bind("fs.read", serverID, "read")
	reg.Bind("fs.read", serverID, "read_v2")

	_, tool, err := reg.Resolve("fs.read")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tool != "read_v2" {
		t.Fatalf("expected rebind to replace tool, got %s", tool)
	}
	if len(reg.List()) != 1 {
		t.Fatalf("expected exactly one binding for fs.read, got %d", len(reg.List()))
	}
}

func TestRegistryUnbindsOnServerGone(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()
	mgr, serverID := newManagerWithServer(t, bus)

	reg := New(mgr, bus)
	defer reg.Close()
	reg.Bind("fs.read", serverID, "read")

	if err := mgr.StopServer(context.Background(), serverID, time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if _, _, err := reg.Resolve("fs.read"); toolerrors.HasCode(err, toolerrors.CodeInvokeNotBound) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("binding was not removed after server_gone")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRegistryRefreshBindsByToolName(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()
	mgr, serverID := newManagerWithServer(t, bus)
	defer mgr.Shutdown(context.Background(), time.Second)

	reg := New(mgr, bus)
	defer reg.Close()
	reg.Refresh()

	_, tool, err := reg.Resolve("echo")
	if err != nil {
		t.Fatalf("expected echo bound after refresh: %v", err)
	}
	if tool != "echo" {
		t.Fatalf("expected tool name echo, got %s", tool)
	}
	list := reg.List()
	// The helper declares read and echo; refresh binds both to the server.
	if len(list) != 2 || list[0].ServerID != serverID || list[1].ServerID != serverID {
		t.Fatalf("unexpected bindings: %v", list)
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process")
	}
	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			continue
		}
		switch req.Method {
		case "initialize":
			fmt.Fprintf(os.Stdout, `{"jsonrpc":"2.0","id":%d,"result":{}}`+"\n", req.ID)
		case "tools/list":
			fmt.Fprintf(os.Stdout, `{"jsonrpc":"2.0","id":%d,"result":{"tools":[`+
				`{"name":"read","description":"reads a file"},`+
				`{"name":"echo","description":"echoes input"}`+
				`]}}`+"\n", req.ID)
		case "tools/call":
			var params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			_ = json.Unmarshal(req.Params, &params)
			data, _ := json.Marshal(params.Arguments)
			fmt.Fprintf(os.Stdout, `{"jsonrpc":"2.0","id":%d,"result":%s}`+"\n", req.ID, data)
		}
	}
}
