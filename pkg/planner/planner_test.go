package planner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// writeJSON labels the body so the client's response unmarshalling runs;
// without the header net/http sniffs text/plain.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestBackend(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		var in TaskInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, Task{ID: "t_1", Title: in.Title, Notes: in.Notes, Due: in.Due})
	})
	mux.HandleFunc("POST /api/tasks/complete", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Title string `json:"title"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in.Title != "buy milk" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, Task{ID: "t_1", Title: in.Title, Completed: true})
	})
	mux.HandleFunc("GET /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]Task{"tasks": {{ID: "t_1", Title: "buy milk"}}})
	})
	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("day") == "2026-08-23" {
			writeJSON(w, http.StatusOK, map[string][]Event{"events": {{ID: "e_1", Title: "standup", Start: "2026-08-23T09:00:00Z"}}})
			return
		}
		writeJSON(w, http.StatusOK, map[string][]Event{"events": {}})
	})
	mux.HandleFunc("POST /api/drafts", func(w http.ResponseWriter, r *http.Request) {
		var in DraftInput
		_ = json.NewDecoder(r.Body).Decode(&in)
		writeJSON(w, http.StatusCreated, Draft{ID: "d_1", Recipient: in.Recipient, Subject: in.Subject, Body: in.Body})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, "sk-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New("   ", ""); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}

func TestCreateTask(t *testing.T) {
	_, c := newTestBackend(t)
	task, err := c.CreateTask(context.Background(), TaskInput{Title: "buy milk", Due: "2026-08-24"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID != "t_1" || task.Title != "buy milk" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestCreateTask_RequiresTitle(t *testing.T) {
	_, c := newTestBackend(t)
	if _, err := c.CreateTask(context.Background(), TaskInput{}); err == nil {
		t.Fatalf("expected error for missing title")
	}
}

func TestCompleteTask(t *testing.T) {
	_, c := newTestBackend(t)
	task, err := c.CompleteTask(context.Background(), "buy milk")
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if !task.Completed {
		t.Fatalf("task not completed: %+v", task)
	}

	if _, err := c.CompleteTask(context.Background(), "no such task"); err == nil {
		t.Fatalf("expected error for unknown task")
	}
}

func TestListTasks(t *testing.T) {
	_, c := newTestBackend(t)
	tasks, err := c.ListTasks(context.Background())
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "buy milk" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestListEvents_DayFilter(t *testing.T) {
	_, c := newTestBackend(t)
	events, err := c.ListEvents(context.Background(), "2026-08-23")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Title != "standup" {
		t.Fatalf("unexpected events: %+v", events)
	}

	events, err = c.ListEvents(context.Background(), "")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestCreateDraft(t *testing.T) {
	_, c := newTestBackend(t)
	draft, err := c.CreateDraft(context.Background(), DraftInput{Recipient: "sam", Subject: "plans", Body: "see you friday"})
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if draft.ID != "d_1" || draft.Recipient != "sam" {
		t.Fatalf("unexpected draft: %+v", draft)
	}
}
