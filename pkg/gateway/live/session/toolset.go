package session

import (
	"fmt"
	"strings"

	"github.com/voxnote-ai/voxnote/pkg/gateway/live/protocol"
	"github.com/voxnote-ai/voxnote/pkg/gateway/upstream"
)

const (
	logThoughtToolName = "log_thought"

	// actionKeyPrefixLen bounds the identifying-field prefix used for
	// semantic dedup, so small wording differences past the prefix still
	// collide.
	actionKeyPrefixLen = 24

	// DefaultSystemPrompt is used when the deployment does not override the
	// prompt through configuration.
	DefaultSystemPrompt = "You are a personal note-taking assistant. The user speaks unstructured brain dumps; extract concrete tasks, calendar events, and drafts, and create them with the provided tools. Call each tool at most once per distinct action. Use log_thought to narrate your reasoning instead of speaking it. Keep spoken replies short and do not read tool arguments back verbatim."
)

// AssistantTools is the fixed tool schema sent with every upstream session,
// including loop-recovery replacements.
func AssistantTools() []upstream.ToolDeclaration {
	return []upstream.ToolDeclaration{
		{
			Name:        "create_task",
			Description: "Create a to-do task for the user.",
			Params: []upstream.ToolParam{
				{Name: "title", Type: "string", Description: "Short task title", Required: true},
				{Name: "notes", Type: "string", Description: "Optional details"},
				{Name: "due", Type: "string", Description: "Due date, RFC 3339 or natural language"},
			},
		},
		{
			Name:        "complete_task",
			Description: "Mark an existing task as done.",
			Params: []upstream.ToolParam{
				{Name: "title", Type: "string", Description: "Title of the task to complete", Required: true},
			},
		},
		{
			Name:        "list_tasks",
			Description: "List the user's open tasks.",
			Params: []upstream.ToolParam{
				{Name: "limit", Type: "integer", Description: "Maximum number of tasks to return"},
			},
		},
		{
			Name:        "create_event",
			Description: "Create a calendar event.",
			Params: []upstream.ToolParam{
				{Name: "title", Type: "string", Description: "Event title", Required: true},
				{Name: "start", Type: "string", Description: "Start time, RFC 3339", Required: true},
				{Name: "end", Type: "string", Description: "End time, RFC 3339"},
				{Name: "location", Type: "string", Description: "Optional location"},
			},
		},
		{
			Name:        "list_events",
			Description: "List upcoming calendar events.",
			Params: []upstream.ToolParam{
				{Name: "limit", Type: "integer", Description: "Maximum number of events to return"},
			},
		},
		{
			Name:        "draft_message",
			Description: "Draft a message or email for the user to review.",
			Params: []upstream.ToolParam{
				{Name: "subject", Type: "string", Description: "Subject or first line", Required: true},
				{Name: "body", Type: "string", Description: "Draft body", Required: true},
				{Name: "recipient", Type: "string", Description: "Optional recipient"},
			},
		},
		{
			Name:        "log_thought",
			Description: "Record internal reasoning. Handled server-side; never spoken aloud.",
			Params: []upstream.ToolParam{
				{Name: "thought", Type: "string", Description: "The reasoning step", Required: true},
				{Name: "type", Type: "string", Description: "Category, e.g. plan or observation"},
			},
		},
	}
}

// serverToolThought recognizes server-only tools. These carry no externally
// observable side effect that needs client execution, so the proxy answers
// them itself and only relays an informational payload.
func serverToolThought(call upstream.FunctionCall) (protocol.ThoughtData, bool) {
	if !strings.EqualFold(strings.TrimSpace(call.Name), logThoughtToolName) {
		return protocol.ThoughtData{}, false
	}
	return protocol.ThoughtData{
		Thought: stringArg(call.Args, "thought"),
		Kind:    stringArg(call.Args, "type"),
	}, true
}

// actionKeyFor derives the coarse same-logical-action key for a call.
// Read-only tools have no action key; retrying a read is harmless.
func actionKeyFor(name string, args map[string]any) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	var field string
	switch name {
	case "create_task", "complete_task", "create_event":
		field = "title"
	case "draft_message":
		field = "subject"
	default:
		return "", false
	}
	value := strings.ToLower(strings.TrimSpace(stringArg(args, field)))
	if value == "" {
		return "", false
	}
	if len(value) > actionKeyPrefixLen {
		value = value[:actionKeyPrefixLen]
	}
	return fmt.Sprintf("%s|%s", name, value), true
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	for k, v := range args {
		if !strings.EqualFold(strings.TrimSpace(k), key) {
			continue
		}
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
