// Package planner is the HTTP client for the calendar/task backend. Only the
// client-side tool executor talks to it; the gateway never calls the planner
// directly.
package planner

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type Task struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Notes     string `json:"notes,omitempty"`
	Due       string `json:"due,omitempty"`
	Completed bool   `json:"completed"`
}

type TaskInput struct {
	Title string `json:"title"`
	Notes string `json:"notes,omitempty"`
	Due   string `json:"due,omitempty"`
}

type Event struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Start    string `json:"start"`
	End      string `json:"end,omitempty"`
	Location string `json:"location,omitempty"`
}

type EventInput struct {
	Title    string `json:"title"`
	Start    string `json:"start"`
	End      string `json:"end,omitempty"`
	Location string `json:"location,omitempty"`
}

type Draft struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
}

type DraftInput struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
}

type Client struct {
	http *resty.Client
}

func New(baseURL, apiKey string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("planner base url is required")
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &Client{http: c}, nil
}

func (c *Client) CreateTask(ctx context.Context, in TaskInput) (Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return Task{}, fmt.Errorf("task title is required")
	}
	var out Task
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(in).
		SetResult(&out).
		Post("/api/tasks")
	if err != nil {
		return Task{}, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return Task{}, fmt.Errorf("POST /api/tasks: %s", resp.String())
	}
	return out, nil
}

// CompleteTask marks the newest open task with a matching title as done. The
// backend resolves the title; voice input never carries task ids.
func (c *Client) CompleteTask(ctx context.Context, title string) (Task, error) {
	if strings.TrimSpace(title) == "" {
		return Task{}, fmt.Errorf("task title is required")
	}
	var out Task
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"title": title}).
		SetResult(&out).
		Post("/api/tasks/complete")
	if err != nil {
		return Task{}, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Task{}, fmt.Errorf("no open task titled %q", title)
	}
	if resp.StatusCode() != http.StatusOK {
		return Task{}, fmt.Errorf("POST /api/tasks/complete: %s", resp.String())
	}
	return out, nil
}

func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/tasks")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/tasks: %s", resp.String())
	}
	return out.Tasks, nil
}

func (c *Client) CreateEvent(ctx context.Context, in EventInput) (Event, error) {
	if strings.TrimSpace(in.Title) == "" {
		return Event{}, fmt.Errorf("event title is required")
	}
	if strings.TrimSpace(in.Start) == "" {
		return Event{}, fmt.Errorf("event start is required")
	}
	var out Event
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(in).
		SetResult(&out).
		Post("/api/events")
	if err != nil {
		return Event{}, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return Event{}, fmt.Errorf("POST /api/events: %s", resp.String())
	}
	return out, nil
}

// ListEvents returns events for a day ("YYYY-MM-DD"); an empty day means
// today in the backend's timezone.
func (c *Client) ListEvents(ctx context.Context, day string) ([]Event, error) {
	var out struct {
		Events []Event `json:"events"`
	}
	req := c.http.R().
		SetContext(ctx).
		SetResult(&out)
	if strings.TrimSpace(day) != "" {
		req.SetQueryParam("day", day)
	}
	resp, err := req.Get("/api/events")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/events: %s", resp.String())
	}
	return out.Events, nil
}

func (c *Client) CreateDraft(ctx context.Context, in DraftInput) (Draft, error) {
	if strings.TrimSpace(in.Recipient) == "" {
		return Draft{}, fmt.Errorf("draft recipient is required")
	}
	if strings.TrimSpace(in.Body) == "" {
		return Draft{}, fmt.Errorf("draft body is required")
	}
	var out Draft
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(in).
		SetResult(&out).
		Post("/api/drafts")
	if err != nil {
		return Draft{}, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return Draft{}, fmt.Errorf("POST /api/drafts: %s", resp.String())
	}
	return out, nil
}
