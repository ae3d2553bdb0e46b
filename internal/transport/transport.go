// Package transport implements a JSON-RPC 2.0 transport over a child
// process's stdin/stdout, one JSON object per line terminated by \n.
// Requests are correlated to responses via a pending table keyed by
// request id, drained by a dedicated read-loop goroutine; writes to stdin
// are serialized so concurrent calls interleave only at message
// boundaries.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	"github.com/viable-systems/capacquire/internal/toolerrors"
)

// Request is an outbound JSON-RPC 2.0 call.
type Request struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// wireRequest is Request plus the envelope fields the transport owns.
type wireRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// wireNotification is a JSON-RPC notification: no id, no response expected.
type wireNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`

	// closed marks a synthetic response fanned out to pending waiters when
	// the transport dies; it never appears on the wire.
	closed bool
}

// inboundMessage is the superset shape of anything the child may write on
// stdout: a response (id set) or a server-initiated notification (method
// set, id absent).
type inboundMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *wireError      `json:"error"`
}

// NotificationHandler receives server-initiated notifications (messages
// with a method and no id). It runs on the read-loop goroutine, so it must
// not block.
type NotificationHandler func(method string, params json.RawMessage)

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Transport sends JSON-RPC requests to a child process over stdin and
// correlates responses read from stdout back to the caller. One line of
// JSON per message in both directions; malformed lines are skipped rather
// than killing the read loop, since a noisy tool server should degrade its
// caller rather than wedge it forever. The transport has no logger, so
// skipped lines are not logged.
type Transport struct {
	stdin  io.Writer
	writeM sync.Mutex

	nextID int64

	pendingM sync.Mutex
	pending  map[int64]chan wireResponse

	notifyM sync.RWMutex
	onNote  NotificationHandler

	closeOnce sync.Once
	closeErrM sync.Mutex
	closeErr  error
	done      chan struct{}
}

// New constructs a Transport writing requests to stdin and reading
// responses from stdout, and starts its read loop.
func New(stdin io.Writer, stdout io.Reader) *Transport {
	t := &Transport{
		stdin:   stdin,
		pending: make(map[int64]chan wireResponse),
		done:    make(chan struct{}),
	}
	go t.readLoop(stdout)
	return t
}

// Call sends a request and blocks until the matching response arrives, ctx
// is cancelled, or the transport closes. It returns the raw JSON result
// payload for the caller to unmarshal into a typed struct.
func (t *Transport) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	id := atomic.AddInt64(&t.nextID, 1)
	ch := make(chan wireResponse, 1)

	t.pendingM.Lock()
	t.pending[id] = ch
	t.pendingM.Unlock()

	defer func() {
		t.pendingM.Lock()
		delete(t.pending, id)
		t.pendingM.Unlock()
	}()

	// The write runs off the calling goroutine so that a child which stops
	// reading stdin cannot hold the call past ctx or transport death.
	written := make(chan error, 1)
	go func() { written <- t.writeMessage(wireRequest{JSONRPC: "2.0", ID: id, Method: req.Method, Params: req.Params}) }()
	select {
	case err := <-written:
		if err != nil {
			return nil, toolerrors.Wrap(toolerrors.CodeTransportClosed, "write request", err)
		}
	case <-ctx.Done():
		return nil, toolerrors.Wrap(toolerrors.CodeTransportTimeout, "call "+req.Method, ctx.Err())
	case <-t.done:
	}

	select {
	case resp := <-ch:
		if resp.closed {
			return nil, toolerrors.Wrap(toolerrors.CodeTransportClosed, "call "+req.Method, t.CloseErr())
		}
		if resp.Error != nil {
			return nil, toolerrors.New(toolerrors.CodeInvokeServerError, resp.Error.Message).WithData(resp.Error.Data)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, toolerrors.Wrap(toolerrors.CodeTransportTimeout, "call "+req.Method, ctx.Err())
	case <-t.done:
		// The read loop hands over every response it read before closing
		// done, so a response already in ch still wins over the close.
		select {
		case resp := <-ch:
			if !resp.closed {
				if resp.Error != nil {
					return nil, toolerrors.New(toolerrors.CodeInvokeServerError, resp.Error.Message).WithData(resp.Error.Data)
				}
				return resp.Result, nil
			}
		default:
		}
		return nil, toolerrors.Wrap(toolerrors.CodeTransportClosed, "call "+req.Method, t.CloseErr())
	}
}

// OnNotification registers fn to receive server-initiated notifications.
// Only one handler is active at a time; registering replaces the previous
// handler. Passing nil discards inbound notifications (the default).
func (t *Transport) OnNotification(fn NotificationHandler) {
	t.notifyM.Lock()
	t.onNote = fn
	t.notifyM.Unlock()
}

// Notify sends a one-way JSON-RPC notification (no id, no response).
func (t *Transport) Notify(method string, params any) error {
	if err := t.writeMessage(wireNotification{JSONRPC: "2.0", Method: method, Params: params}); err != nil {
		return toolerrors.Wrap(toolerrors.CodeTransportClosed, "write notification", err)
	}
	return nil
}

func (t *Transport) writeMessage(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	t.writeM.Lock()
	defer t.writeM.Unlock()
	_, err = t.stdin.Write(line)
	return err
}

func (t *Transport) readLoop(stdout io.Reader) {
	defer t.setClosed(io.EOF)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			// Not a message we understand (could be a log line the server
			// mistakenly wrote to stdout); skip rather than tear down.
			continue
		}
		if msg.ID == nil {
			// No id means a server-initiated notification.
			if msg.Method != "" {
				t.notifyM.RLock()
				fn := t.onNote
				t.notifyM.RUnlock()
				if fn != nil {
					fn(msg.Method, msg.Params)
				}
			}
			continue
		}
		t.pendingM.Lock()
		ch, ok := t.pending[*msg.ID]
		t.pendingM.Unlock()
		if !ok {
			// A response to an id we never issued (or already timed out);
			// drop it and keep the transport healthy.
			continue
		}
		// Non-blocking: the buffer holds one response per id, so a server
		// echoing the same id twice cannot wedge the read loop.
		select {
		case ch <- wireResponse{JSONRPC: msg.JSONRPC, ID: *msg.ID, Result: msg.Result, Error: msg.Error}:
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		t.setClosed(err)
		return
	}
	t.setClosed(io.EOF)
}

func (t *Transport) setClosed(err error) {
	t.closeOnce.Do(func() {
		t.closeErrM.Lock()
		t.closeErr = err
		t.closeErrM.Unlock()
		close(t.done)

		t.pendingM.Lock()
		defer t.pendingM.Unlock()
		for id, ch := range t.pending {
			// Non-blocking: a full buffer means a real response already
			// arrived for this waiter, and closing done wakes everyone else.
			select {
			case ch <- wireResponse{ID: id, closed: true}:
			default:
			}
		}
	})
}

// CloseErr reports why the transport stopped reading, or nil if it is
// still active.
func (t *Transport) CloseErr() error {
	select {
	case <-t.done:
	default:
		return nil
	}
	t.closeErrM.Lock()
	defer t.closeErrM.Unlock()
	return t.closeErr
}

// Done returns a channel closed when the read loop exits, signalling the
// child's stdout was closed or produced an unrecoverable read error.
func (t *Transport) Done() <-chan struct{} { return t.done }
