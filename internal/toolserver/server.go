package toolserver

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/viable-systems/capacquire/apitypes"
	"github.com/viable-systems/capacquire/internal/events"
	"github.com/viable-systems/capacquire/internal/retry"
	"github.com/viable-systems/capacquire/internal/telemetry"
	"github.com/viable-systems/capacquire/internal/toolerrors"
	"github.com/viable-systems/capacquire/internal/transport"
)

const protocolVersion = "2024-11-05"

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type toolsListResult struct {
	Tools []wireToolSpec `json:"tools"`
}

type wireToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolsCallParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

// Server owns one child tool-server process end to end: its lifecycle
// state machine, its transport, its declared tool set, and its restart
// policy. All exported methods are safe for concurrent use.
type Server struct {
	cfg Config

	logger telemetry.Logger
	bus    events.Bus

	mu               sync.RWMutex
	state            apitypes.ServerState
	tools            []apitypes.ToolSpec
	readyAt          time.Time
	consecutiveFails int

	cmd    *exec.Cmd
	tr     *transport.Transport
	stdin  io.WriteCloser
	stderr *stderrRing

	backoff *retry.Backoff
	window  *retry.Window

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Server in the "stopped" state. Call Start to spawn it.
func New(cfg Config, logger telemetry.Logger, bus events.Bus) *Server {
	cfg = cfg.WithDefaults()
	return &Server{
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
		state:   apitypes.ServerStopped,
		backoff: retry.NewBackoff(cfg.RestartPolicy),
		window:  retry.NewWindow(cfg.MaxRestarts, cfg.RestartWindow),
		stopCh:  make(chan struct{}),
	}
}

// ID returns the server's identity.
func (s *Server) ID() string { return s.cfg.ID }

// State returns the server's current lifecycle state.
func (s *Server) State() apitypes.ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// View snapshots the server for the manager's List and status reporting.
func (s *Server) View() apitypes.ServerView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]apitypes.ToolSpec, len(s.tools))
	copy(tools, s.tools)
	return apitypes.ServerView{
		ServerID:            s.cfg.ID,
		Command:             s.cfg.Command,
		Args:                append([]string(nil), s.cfg.Args...),
		State:               s.state,
		Tools:               tools,
		ReadyAt:             s.readyAt,
		ConsecutiveFailures: s.consecutiveFails,
	}
}

func (s *Server) setState(st apitypes.ServerState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start runs the spawn, initialize, and tools/list sequence. On a spawn,
// initialize, or tools/list failure the child (if started) is killed, the
// server is marked stopped, and the error is tagged with the failing stage.
// A re-handshake whose tool set differs from the frozen one marks the
// server degraded instead and leaves the child running.
func (s *Server) Start(ctx context.Context) error {
	s.setState(apitypes.ServerStarting)

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = s.cfg.Env
	cmd.Dir = s.cfg.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setState(apitypes.ServerStopped)
		return toolerrors.Wrap(toolerrors.CodeServerSpawnFailed, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setState(apitypes.ServerStopped)
		return toolerrors.Wrap(toolerrors.CodeServerSpawnFailed, "stdout pipe", err)
	}
	ring := newStderrRing()
	cmd.Stderr = ring

	if err := cmd.Start(); err != nil {
		s.setState(apitypes.ServerStopped)
		return toolerrors.Wrap(toolerrors.CodeServerSpawnFailed, "start process", err)
	}

	tr := transport.New(stdin, stdout)
	tr.OnNotification(func(method string, params json.RawMessage) {
		s.logger.Debug(context.Background(), "tool-server notification", "server_id", s.cfg.ID, "method", method)
	})

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.stderr = ring
	s.tr = tr
	s.mu.Unlock()

	s.setState(apitypes.ServerInitializing)

	initCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()

	if _, err := s.tr.Call(initCtx, transport.Request{
		Method: "initialize",
		Params: initializeParams{ProtocolVersion: protocolVersion, ClientInfo: clientInfo{Name: "capacquire", Version: "1"}},
	}); err != nil {
		s.killLocked()
		s.setState(apitypes.ServerStopped)
		return toolerrors.Wrap(toolerrors.CodeServerInitFailed, "initialize", err).WithData(map[string]string{"stderr": string(ring.Bytes())})
	}
	_ = s.tr.Notify("notifications/initialized", nil)

	raw, err := s.tr.Call(initCtx, transport.Request{Method: "tools/list"})
	if err != nil {
		s.killLocked()
		s.setState(apitypes.ServerStopped)
		return toolerrors.Wrap(toolerrors.CodeServerListFailed, "tools/list", err).WithData(map[string]string{"stderr": string(ring.Bytes())})
	}
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.killLocked()
		s.setState(apitypes.ServerStopped)
		return toolerrors.Wrap(toolerrors.CodeServerListFailed, "decode tools/list", err)
	}

	tools := make([]apitypes.ToolSpec, 0, len(result.Tools))
	for _, wt := range result.Tools {
		tools = append(tools, apitypes.ToolSpec{
			Name:          wt.Name,
			Description:   wt.Description,
			InputSchema:   wt.InputSchema,
			SchemaInvalid: !validSchema(wt.InputSchema),
		})
	}
	for _, tool := range tools {
		if !tool.SchemaInvalid {
			continue
		}
		s.logger.Warn(ctx, "declared tool has invalid input schema, excluded from capability binding",
			"server_id", s.cfg.ID, "tool", tool.Name)
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Type:    events.TypeToolSchemaInvalid,
				Payload: events.ToolSchemaInvalid{ServerID: s.cfg.ID, Tool: tool.Name},
			})
		}
	}

	s.mu.Lock()
	if s.tools == nil {
		s.tools = tools
	} else if !sameToolNames(s.tools, tools) {
		// Declared tools are frozen after the first successful tools/list.
		// A mismatching re-handshake (e.g. after restart) degrades the
		// server rather than silently rebasing its contract.
		s.mu.Unlock()
		s.setState(apitypes.ServerDegraded)
		return toolerrors.New(toolerrors.CodeServerInitFailed, "tool set changed across restart")
	}
	s.readyAt = timeNow()
	s.mu.Unlock()

	s.setState(apitypes.ServerReady)
	s.backoff.Reset()
	s.publish(events.TypeServerReady, s.cfg.ID)
	return nil
}

// validSchema reports whether raw parses as a JSON Schema document. A tool
// whose input_schema fails to compile is still registered (the server may
// still be invokable) but flagged SchemaInvalid, logged, and announced on
// the bus during Start; the acquisition pipeline skips flagged tools when
// binding capabilities.
func validSchema(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return false
	}
	_, err := c.Compile("schema.json")
	return err == nil
}

func sameToolNames(a, b []apitypes.ToolSpec) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, t := range a {
		seen[t.Name] = struct{}{}
	}
	for _, t := range b {
		if _, ok := seen[t.Name]; !ok {
			return false
		}
	}
	return true
}

// Tools returns the server's frozen declared tool set.
func (s *Server) Tools() []apitypes.ToolSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]apitypes.ToolSpec, len(s.tools))
	copy(out, s.tools)
	return out
}

// HasTool reports whether name is in the declared tool set.
func (s *Server) HasTool(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Invoke calls tools/call for a declared tool. Unknown tools fail fast
// without a wire round trip.
func (s *Server) Invoke(ctx context.Context, tool string, args any) (json.RawMessage, error) {
	if !s.HasTool(tool) {
		return nil, toolerrors.Newf(toolerrors.CodeInvokeUnknownTool, "tool %q not declared by server %s", tool, s.cfg.ID)
	}
	s.mu.RLock()
	tr := s.tr
	s.mu.RUnlock()
	if tr == nil {
		return nil, toolerrors.New(toolerrors.CodeInvokeNotBound, "server has no active transport")
	}
	return tr.Call(ctx, transport.Request{Method: "tools/call", Params: toolsCallParams{Name: tool, Arguments: args}})
}

// HealthCheck issues a lightweight tools/list RPC. On success the
// consecutive-failure counter resets; on failure or dead transport it
// attempts a restart subject to the rolling-window policy.
func (s *Server) HealthCheck(ctx context.Context) {
	s.mu.RLock()
	tr := s.tr
	state := s.state
	s.mu.RUnlock()
	if state == apitypes.ServerStopped || state == apitypes.ServerStopping {
		return
	}

	healthy := tr != nil && tr.CloseErr() == nil
	if healthy {
		_, err := tr.Call(ctx, transport.Request{Method: "tools/list"})
		healthy = err == nil
	}

	if healthy {
		s.mu.Lock()
		s.consecutiveFails = 0
		if s.state == apitypes.ServerDegraded {
			s.state = apitypes.ServerReady
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.consecutiveFails++
	s.mu.Unlock()
	s.setState(apitypes.ServerDegraded)
	s.publish(events.TypeServerDegraded, s.cfg.ID)

	if !s.window.Allow(timeNow()) {
		s.killLocked()
		s.setState(apitypes.ServerStopped)
		s.publish(events.TypeServerRestartExhausted, s.cfg.ID)
		s.publish(events.TypeServerGone, s.cfg.ID)
		s.logger.Warn(ctx, "restart policy exhausted, server stopped permanently",
			"server_id", s.cfg.ID, "error", toolerrors.New(toolerrors.CodeServerRestartExhausted, "restart window exceeded").Error())
		return
	}

	s.setState(apitypes.ServerRestarting)
	s.publish(events.TypeServerRestarting, s.cfg.ID)
	delay := s.backoff.Next()
	select {
	case <-time.After(delay):
	case <-s.stopCh:
		return
	}
	s.killLocked()
	if err := s.Start(ctx); err != nil {
		s.logger.Warn(ctx, "restart failed", "server_id", s.cfg.ID, "error", err.Error())
	}
}

// Stop sends a best-effort shutdown notification, closes stdin, waits up to
// grace for the child to exit, then kills it.
func (s *Server) Stop(ctx context.Context, grace time.Duration) {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.setState(apitypes.ServerStopping)

	s.mu.RLock()
	tr := s.tr
	cmd := s.cmd
	stdin := s.stdin
	s.mu.RUnlock()

	if tr != nil {
		_ = tr.Notify("shutdown", nil)
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		done := make(chan struct{})
		go func() { _ = cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			<-done
		}
	}
	s.setState(apitypes.ServerStopped)
	s.publish(events.TypeServerGone, s.cfg.ID)
}

func (s *Server) killLocked() {
	s.mu.RLock()
	cmd := s.cmd
	s.mu.RUnlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (s *Server) publish(typ string, serverID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: typ, Payload: serverID})
}

// StderrTail returns the server's bounded recent stderr output, useful when
// reporting a failed acquisition.
func (s *Server) StderrTail() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stderr == nil {
		return nil
	}
	return s.stderr.Bytes()
}

var timeNow = time.Now
