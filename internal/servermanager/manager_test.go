package servermanager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/viable-systems/capacquire/internal/events"
	"github.com/viable-systems/capacquire/internal/telemetry"
	"github.com/viable-systems/capacquire/internal/toolserver"
)

const helperEnv = "CAPACQUIRE_SERVERMANAGER_HELPER"

func helperConfig() toolserver.Config {
	return toolserver.Config{
		Command:        os.Args[0],
		Args:           []string{"-test.run=TestHelperProcess", "--"},
		Env:            []string{helperEnv + "=1"},
		InitTimeout:    2 * time.Second,
		HealthInterval: 50 * time.Millisecond,
	}
}

func newManager() (*Manager, events.Bus) {
	logger, _, _ := telemetry.Noop()
	bus := events.NewBus(8)
	return New(logger, bus), bus
}

func TestManagerStartListStop(t *testing.T) {
	mgr, bus := newManager()
	defer bus.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := mgr.StartServer(ctx, helperConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	views := mgr.List()
	if len(views) != 1 || views[0].ServerID != id {
		t.Fatalf("expected one view for %s, got %v", id, views)
	}

	if err := mgr.StopServer(ctx, id, time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := mgr.Get(id); err == nil {
		t.Fatal("expected not-found after stop")
	}
}

func TestManagerRejectsDuplicateID(t *testing.T) {
	mgr, bus := newManager()
	defer bus.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := helperConfig()
	cfg.ID = "fixed-id"
	if _, err := mgr.StartServer(ctx, cfg); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer mgr.StopServer(context.Background(), "fixed-id", time.Second)

	if _, err := mgr.StartServer(ctx, cfg); err == nil {
		t.Fatal("expected error starting a duplicate id")
	}
}

func TestManagerStartStopDifferentIDsConcurrent(t *testing.T) {
	mgr, bus := newManager()
	defer bus.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		cfg := helperConfig()
		go func() {
			_, err := mgr.StartServer(ctx, cfg)
			errCh <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("concurrent start: %v", err)
		}
	}
	if got := len(mgr.List()); got != 2 {
		t.Fatalf("expected 2 servers, got %d", got)
	}
}

// TestHelperProcess is spawned as a child process by the tests above; it
// speaks the line-delimited JSON-RPC protocol on stdin/stdout, just enough
// to pass the initialize/tools-list handshake.
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
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			continue
		}
		switch req.Method {
		case "initialize":
			fmt.Fprintf(os.Stdout, `{"jsonrpc":"2.0","id":%d,"result":{}}`+"\n", req.ID)
		case "tools/list":
			fmt.Fprintf(os.Stdout, `{"jsonrpc":"2.0","id":%d,"result":{"tools":[]}}`+"\n", req.ID)
		}
	}
}
