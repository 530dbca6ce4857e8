package voxnote

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxnote-ai/voxnote/pkg/gateway/live/protocol"
)

type captureResponder struct {
	mu      sync.Mutex
	results []protocol.ToolResult
	ch      chan protocol.ToolResult
}

func newCaptureResponder() *captureResponder {
	return &captureResponder{ch: make(chan protocol.ToolResult, 16)}
}

func (r *captureResponder) SendToolResponses(results []protocol.ToolResult) error {
	r.mu.Lock()
	r.results = append(r.results, results...)
	r.mu.Unlock()
	for _, res := range results {
		r.ch <- res
	}
	return nil
}

func (r *captureResponder) next(t *testing.T) protocol.ToolResult {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for tool response")
	}
	return protocol.ToolResult{}
}

func TestExecutor_RunsHandler(t *testing.T) {
	responder := newCaptureResponder()
	e := NewExecutor(responder, time.Second)
	e.Register("create_task", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"success": true, "id": "t_1", "title": args["title"]}, nil
	})

	e.Execute(context.Background(), []protocol.ToolCall{
		{ID: "call_1", Name: "create_task", Args: map[string]any{"title": "buy milk"}},
	})

	res := responder.next(t)
	if res.ID != "call_1" || res.Name != "create_task" {
		t.Fatalf("unexpected result envelope: %+v", res)
	}
	if res.Response["success"] != true || res.Response["title"] != "buy milk" {
		t.Fatalf("unexpected response: %+v", res.Response)
	}
}

func TestExecutor_NilResultBecomesSuccess(t *testing.T) {
	responder := newCaptureResponder()
	e := NewExecutor(responder, time.Second)
	e.Register("complete_task", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, nil
	})

	e.Execute(context.Background(), []protocol.ToolCall{{ID: "call_1", Name: "complete_task"}})

	res := responder.next(t)
	if res.Response["success"] != true {
		t.Fatalf("unexpected response: %+v", res.Response)
	}
}

func TestExecutor_UnknownTool(t *testing.T) {
	responder := newCaptureResponder()
	e := NewExecutor(responder, time.Second)

	e.Execute(context.Background(), []protocol.ToolCall{{ID: "call_1", Name: "no_such_tool"}})

	res := responder.next(t)
	if res.Response["error"] != "unknown_tool" {
		t.Fatalf("unexpected response: %+v", res.Response)
	}
}

func TestExecutor_HandlerError(t *testing.T) {
	responder := newCaptureResponder()
	e := NewExecutor(responder, time.Second)
	e.Register("create_event", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("backend unavailable")
	})

	e.Execute(context.Background(), []protocol.ToolCall{{ID: "call_1", Name: "create_event"}})

	res := responder.next(t)
	if res.Response["error"] != "execution_failed" {
		t.Fatalf("unexpected response: %+v", res.Response)
	}
	if res.Response["message"] != "backend unavailable" {
		t.Fatalf("unexpected message: %+v", res.Response)
	}
}

func TestExecutor_TimeoutProducesSyntheticFailure(t *testing.T) {
	responder := newCaptureResponder()
	e := NewExecutor(responder, 50*time.Millisecond)
	release := make(chan struct{})
	e.Register("draft_message", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		<-release // hang past the deadline
		return map[string]any{"success": true}, nil
	})

	e.Execute(context.Background(), []protocol.ToolCall{{ID: "call_1", Name: "draft_message"}})

	res := responder.next(t)
	if res.Response["error"] != "timeout" {
		t.Fatalf("unexpected response: %+v", res.Response)
	}
	if res.Response["message"] != "tool execution timed out" {
		t.Fatalf("unexpected message: %+v", res.Response)
	}
	close(release)

	// The late handler result must not produce a second response.
	select {
	case extra := <-responder.ch:
		t.Fatalf("unexpected extra response: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExecutor_DispatchesBatchConcurrently(t *testing.T) {
	responder := newCaptureResponder()
	e := NewExecutor(responder, time.Second)
	e.Register("list_tasks", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"tasks": []any{}}, nil
	})

	e.Execute(context.Background(), []protocol.ToolCall{
		{ID: "call_1", Name: "list_tasks"},
		{ID: "call_2", Name: "list_tasks"},
	})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[responder.next(t).ID] = true
	}
	if !seen["call_1"] || !seen["call_2"] {
		t.Fatalf("missing responses: %v", seen)
	}
}
