package voxnote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxnote-ai/voxnote/pkg/gateway/live/protocol"
)

const defaultToolTimeout = 30 * time.Second

// ToolHandler executes one tool call. The returned map is sent back to the
// gateway verbatim as the tool response payload.
type ToolHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

type toolResponder interface {
	SendToolResponses(results []protocol.ToolResult) error
}

// Executor runs tool calls from the gateway against registered handlers.
// Every call gets a response: unknown tools, handler errors, and handlers
// that outlive the timeout all produce synthetic failure results, so the
// model is never left waiting on the client.
type Executor struct {
	responder toolResponder
	timeout   time.Duration

	mu       sync.RWMutex
	handlers map[string]ToolHandler
}

func NewExecutor(responder toolResponder, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	return &Executor{
		responder: responder,
		timeout:   timeout,
		handlers:  make(map[string]ToolHandler),
	}
}

func (e *Executor) Register(name string, handler ToolHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = handler
}

// Execute dispatches each call on its own goroutine and returns immediately.
// Responses are sent as each call settles.
func (e *Executor) Execute(ctx context.Context, calls []protocol.ToolCall) {
	for _, call := range calls {
		go e.run(ctx, call)
	}
}

func (e *Executor) run(ctx context.Context, call protocol.ToolCall) {
	e.mu.RLock()
	handler, ok := e.handlers[call.Name]
	e.mu.RUnlock()
	if !ok {
		e.respond(call, map[string]any{
			"error":   "unknown_tool",
			"message": fmt.Sprintf("no handler registered for %q", call.Name),
		})
		return
	}

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	go func() {
		result, err := handler(callCtx, call.Args)
		done <- outcome{result: result, err: err}
	}()

	// The handler goroutine may keep running past the deadline; the buffered
	// channel lets it finish without leaking, and its late result is ignored.
	select {
	case out := <-done:
		if out.err != nil {
			e.respond(call, map[string]any{
				"error":   "execution_failed",
				"message": out.err.Error(),
			})
			return
		}
		result := out.result
		if result == nil {
			result = map[string]any{"success": true}
		}
		e.respond(call, result)
	case <-callCtx.Done():
		e.respond(call, map[string]any{
			"error":   "timeout",
			"message": "tool execution timed out",
		})
	}
}

func (e *Executor) respond(call protocol.ToolCall, response map[string]any) {
	_ = e.responder.SendToolResponses([]protocol.ToolResult{{
		ID:       call.ID,
		Name:     call.Name,
		Response: response,
	}})
}
