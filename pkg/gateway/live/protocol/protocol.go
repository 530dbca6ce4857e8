package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ClientAudio carries one base64-encoded chunk of 16-bit PCM mic audio
// (16kHz mono). Chunks are forwarded upstream in arrival order.
type ClientAudio struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ClientToolResponse returns tool execution results to the proxy. The id on
// each entry is the proxy-issued internal id, never an upstream call id.
type ClientToolResponse struct {
	Type      string       `json:"type"`
	Responses []ToolResult `json:"responses"`
}

type ToolResult struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ClientText replays a turn as plain text. Emitted by clients after a
// fallback_text notice, when a malformed upstream call made the normal
// tool-calling path unusable for that turn.
type ClientText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "audio":
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badRequest("audio.data is required", "data")
		}
		return msg, nil
	case "toolResponse":
		var msg ClientToolResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid toolResponse frame", "")
		}
		if len(msg.Responses) == 0 {
			return nil, badRequest("toolResponse.responses must be non-empty", "responses")
		}
		for i, r := range msg.Responses {
			if strings.TrimSpace(r.ID) == "" {
				return nil, badRequest("toolResponse entries require an id", fmt.Sprintf("responses[%d].id", i))
			}
			if strings.TrimSpace(r.Name) == "" {
				return nil, badRequest("toolResponse entries require a name", fmt.Sprintf("responses[%d].name", i))
			}
		}
		return msg, nil
	case "text":
		var msg ClientText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text.text is required", "text")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ServerConnected acknowledges a freshly established upstream session.
type ServerConnected struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// ServerReconnected signals a loop-recovery session replacement. Clients
// must not reinitialize UI state on this event.
type ServerReconnected struct {
	Type string `json:"type"`
}

// ServerMessage relays a normalized upstream event. Tool-call ids inside
// Data are rewritten to proxy-internal ids before the frame is sent.
type ServerMessage struct {
	Type string          `json:"type"`
	Data UpstreamPayload `json:"data"`
}

const (
	KindAudio            = "audio"
	KindInputTranscript  = "inputTranscript"
	KindOutputTranscript = "outputTranscript"
	KindToolCall         = "toolCall"
	KindTurnComplete     = "turnComplete"
	KindInterrupted      = "interrupted"
)

type UpstreamPayload struct {
	Kind      string     `json:"kind"`
	AudioB64  string     `json:"audio_b64,omitempty"`
	MIMEType  string     `json:"mime_type,omitempty"`
	Text      string     `json:"text,omitempty"`
	Final     bool       `json:"final,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ServerThought reports a server-handled log_thought call. Informational
// only; no client tool execution is expected.
type ServerThought struct {
	Type string      `json:"type"`
	Data ThoughtData `json:"data"`
}

type ThoughtData struct {
	Thought string `json:"thought"`
	Kind    string `json:"type,omitempty"`
}

type ServerActivity struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// ServerFallbackText asks the client to re-issue the last user utterance as
// a plain text turn, bypassing tool calling.
type ServerFallbackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type ServerLoopDetected struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ServerClosed struct {
	Type string `json:"type"`
}
