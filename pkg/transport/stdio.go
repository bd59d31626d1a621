package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/portbridge/portbridge/pkg/logger"
	terrors "github.com/portbridge/portbridge/pkg/transport/errors"
	"github.com/portbridge/portbridge/pkg/transport/types"
)

// stdioTerminateGrace is how long Disconnect waits between SIGTERM and
// SIGKILL.
const stdioTerminateGrace = 2 * time.Second

// stdioScanBuffer is the maximum stdout/stderr line length accepted from a
// child. Frames beyond this are truncated by the scanner and dropped.
const stdioScanBuffer = 4 * 1024 * 1024

// StdioAdapter speaks line-framed JSON-RPC to a spawned child process. It
// tolerates interleaved responses by correlating them to waiters via the
// JSON-RPC id.
type StdioAdapter struct {
	config types.ServiceConfig

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	connected bool
	closed    bool

	// pending maps JSON-RPC id keys to the waiter for that response.
	pendingMu sync.Mutex
	pending   map[string]chan *JSONRPCMessage

	events chan types.Event
	done   chan struct{}
}

// NewStdioAdapter creates a stdio adapter for the given config.
func NewStdioAdapter(cfg types.ServiceConfig) *StdioAdapter {
	return &StdioAdapter{
		config:  cfg,
		pending: make(map[string]chan *JSONRPCMessage),
		events:  make(chan types.Event, eventBufferSize),
		done:    make(chan struct{}),
	}
}

// Connect spawns the child process and starts the stdout/stderr pumps.
func (a *StdioAdapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return terrors.NewAdapterError(terrors.ErrClosed, a.config.Name, "")
	}
	if a.connected {
		return nil
	}
	if a.config.Command == "" {
		return terrors.NewAdapterError(terrors.ErrConnect, a.config.Name, "no command configured")
	}

	cmd := exec.Command(a.config.Command, a.config.Args...) // #nosec G204 -- command comes from a registered template
	cmd.Dir = a.config.WorkingDirectory
	cmd.Env = overlayEnv(os.Environ(), a.config.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return terrors.NewAdapterError(terrors.ErrConnect, a.config.Name, err.Error())
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return terrors.NewAdapterError(terrors.ErrConnect, a.config.Name, err.Error())
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return terrors.NewAdapterError(terrors.ErrConnect, a.config.Name, err.Error())
	}

	if err := cmd.Start(); err != nil {
		return terrors.NewAdapterError(terrors.ErrConnect, a.config.Name, err.Error())
	}

	a.cmd = cmd
	a.stdin = stdin
	a.connected = true

	go a.pumpStdout(stdout)
	go a.pumpStderr(stderr)
	go a.waitExit()

	return nil
}

// Send writes one line-framed JSON-RPC message to the child's stdin.
func (a *StdioAdapter) Send(_ context.Context, msg *JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON-RPC message: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.closed {
		return terrors.NewAdapterError(terrors.ErrNotConnected, a.config.Name, "")
	}

	if _, err := a.stdin.Write(append(data, '\n')); err != nil {
		return terrors.NewAdapterError(terrors.ErrClosed, a.config.Name, err.Error())
	}

	emitEvent(a.events, types.Event{Kind: types.EventSent, Payload: data})
	return nil
}

// SendAndReceive sends the message and awaits the response carrying the same
// id, bounded by the configured timeout.
func (a *StdioAdapter) SendAndReceive(ctx context.Context, msg *JSONRPCMessage) (*JSONRPCMessage, error) {
	key := IDKey(msg.ID)
	if key == "" {
		return nil, terrors.NewAdapterError(terrors.ErrProtocol, a.config.Name, "request has no id")
	}

	waiter := make(chan *JSONRPCMessage, 1)
	a.pendingMu.Lock()
	a.pending[key] = waiter
	a.pendingMu.Unlock()

	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, key)
		a.pendingMu.Unlock()
	}()

	if err := a.Send(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeoutFor(a.config))
	defer timer.Stop()

	select {
	case resp := <-waiter:
		return resp, nil
	case <-timer.C:
		return nil, terrors.NewAdapterError(terrors.ErrTimeout, a.config.Name,
			fmt.Sprintf("no response for id %s", key))
	case <-a.done:
		return nil, terrors.NewAdapterError(terrors.ErrClosed, a.config.Name, "child exited")
	case <-ctx.Done():
		return nil, terrors.NewAdapterError(terrors.ErrTimeout, a.config.Name, ctx.Err().Error())
	}
}

// Disconnect closes the child's stdin and terminates it, escalating from
// SIGTERM to SIGKILL after a grace period. Safe to call more than once.
func (a *StdioAdapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cmd := a.cmd
	stdin := a.stdin
	a.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-a.done:
		case <-time.After(stdioTerminateGrace):
			_ = cmd.Process.Kill()
			<-a.done
		}
	}

	return nil
}

// Events returns the adapter event stream.
func (a *StdioAdapter) Events() <-chan types.Event {
	return a.events
}

// PID returns the child process id, or 0 before Connect.
func (a *StdioAdapter) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cmd != nil && a.cmd.Process != nil {
		return a.cmd.Process.Pid
	}
	return 0
}

// pumpStdout reads line-framed JSON-RPC frames from the child and dispatches
// them to waiters and the event stream.
func (a *StdioAdapter) pumpStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), stdioScanBuffer)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logger.Debugw("dropping non-JSON stdout line", "service", a.config.Name, "error", err)
			continue
		}
		if err := msg.Validate(); err != nil {
			logger.Debugw("dropping invalid JSON-RPC frame", "service", a.config.Name, "error", err)
			continue
		}

		emitEvent(a.events, types.Event{Kind: types.EventMessage, Payload: json.RawMessage(line)})
		a.dispatch(&msg)
	}
}

// dispatch delivers a response to the waiter registered for its id. The
// correlation map guarantees a response is never handed to the wrong waiter
// even when the child interleaves responses.
func (a *StdioAdapter) dispatch(msg *JSONRPCMessage) {
	if !msg.IsResponse() {
		return
	}

	key := IDKey(msg.ID)
	a.pendingMu.Lock()
	waiter, ok := a.pending[key]
	if ok {
		delete(a.pending, key)
	}
	a.pendingMu.Unlock()

	if ok {
		waiter <- msg
	}
}

func (a *StdioAdapter) pumpStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), stdioScanBuffer)

	for scanner.Scan() {
		line := scanner.Text()
		emitEvent(a.events, types.Event{Kind: types.EventStderr, Line: line})
	}
}

func (a *StdioAdapter) waitExit() {
	err := a.cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	emitEvent(a.events, types.Event{Kind: types.EventExit, ExitCode: code})
	close(a.done)
}

// overlayEnv merges the config env over the inherited environment.
func overlayEnv(inherited []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return inherited
	}

	out := make([]string, 0, len(inherited)+len(overlay))
	for _, kv := range inherited {
		name, _, ok := strings.Cut(kv, "=")
		if ok {
			if _, shadowed := overlay[name]; shadowed {
				continue
			}
		}
		out = append(out, kv)
	}
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}
