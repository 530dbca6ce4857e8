// Package upstream abstracts the bidirectional streaming connection to the
// conversational-AI backend. The proxy core only sees Channel and Dialer, so
// it can run against a fake in tests and against Gemini Live in production.
package upstream

import "context"

// FunctionCall is a tool invocation requested by the upstream model. ID may
// be empty; the Gemini Live SDK has been observed to omit it on some call
// variants, and callers must treat such calls as uncorrelatable.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

// FunctionResponse answers one upstream call id.
type FunctionResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// ToolParam is a flat parameter declaration. Type is one of
// "string", "number", "integer", "boolean".
type ToolParam struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

type ToolDeclaration struct {
	Name        string
	Description string
	Params      []ToolParam
}

type Event interface {
	eventKind() string
}

// ReadyEvent is emitted once after the upstream handshake completes.
type ReadyEvent struct{}

func (ReadyEvent) eventKind() string { return "ready" }

type AudioEvent struct {
	Data     []byte
	MIMEType string
}

func (AudioEvent) eventKind() string { return "audio" }

type InputTranscriptEvent struct {
	Text  string
	Final bool
}

func (InputTranscriptEvent) eventKind() string { return "input_transcript" }

type OutputTranscriptEvent struct {
	Text  string
	Final bool
}

func (OutputTranscriptEvent) eventKind() string { return "output_transcript" }

// ToolCallEvent carries the batch of calls emitted by one upstream turn.
type ToolCallEvent struct {
	Calls []FunctionCall
}

func (ToolCallEvent) eventKind() string { return "tool_call" }

type ToolCancelEvent struct {
	IDs []string
}

func (ToolCancelEvent) eventKind() string { return "tool_cancel" }

type TurnCompleteEvent struct{}

func (TurnCompleteEvent) eventKind() string { return "turn_complete" }

type InterruptedEvent struct{}

func (InterruptedEvent) eventKind() string { return "interrupted" }

// ClosedEvent is the terminal event on a channel's stream. Err is nil on a
// clean close.
type ClosedEvent struct {
	Err error
}

func (ClosedEvent) eventKind() string { return "closed" }

// Channel is one live upstream session. Sends are safe to call from the
// session event loop; Events is closed after a ClosedEvent is delivered.
type Channel interface {
	SendAudio(pcm []byte) error
	SendText(text string) error
	SendToolResponses(responses []FunctionResponse) error
	Events() <-chan Event
	Close() error
}

// Dialer opens upstream sessions with a fixed configuration. The session
// proxy redials through the same Dialer during loop recovery, so every
// replacement session carries identical configuration.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}
