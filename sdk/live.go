// Package voxnote is the Go client for the gateway live websocket API
// (/v1/live). It exposes the wire protocol as a typed event stream and
// provides a tool executor with its own timeout safety net.
package voxnote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxnote-ai/voxnote/pkg/gateway/live/protocol"
)

const defaultConnectTimeout = 15 * time.Second

// ConnectOptions configures a live session dial.
type ConnectOptions struct {
	// BaseURL is the gateway base, http(s) or ws(s) scheme.
	BaseURL string
	// APIKey is passed as the api_key query parameter; browser parity, since
	// websocket clients cannot always set headers.
	APIKey      string
	DialTimeout time.Duration
}

// Event is a typed server frame. Exactly one concrete type per wire frame.
type Event interface {
	eventKind() string
}

type ConnectedEvent struct{ SessionID string }

func (ConnectedEvent) eventKind() string { return "connected" }

// ReconnectedEvent signals the gateway replaced its upstream session after a
// detected loop. Conversation state on the client stays as-is.
type ReconnectedEvent struct{}

func (ReconnectedEvent) eventKind() string { return "reconnected" }

type AudioEvent struct {
	Data     []byte
	MIMEType string
}

func (AudioEvent) eventKind() string { return "audio" }

type InputTranscriptEvent struct {
	Text  string
	Final bool
}

func (InputTranscriptEvent) eventKind() string { return "inputTranscript" }

type OutputTranscriptEvent struct {
	Text  string
	Final bool
}

func (OutputTranscriptEvent) eventKind() string { return "outputTranscript" }

type ToolCallEvent struct{ Calls []protocol.ToolCall }

func (ToolCallEvent) eventKind() string { return "toolCall" }

type TurnCompleteEvent struct{}

func (TurnCompleteEvent) eventKind() string { return "turnComplete" }

type InterruptedEvent struct{}

func (InterruptedEvent) eventKind() string { return "interrupted" }

type ThoughtEvent struct {
	Thought string
	Kind    string
}

func (ThoughtEvent) eventKind() string { return "thought" }

type ActivityEvent struct{ State string }

func (ActivityEvent) eventKind() string { return "activity" }

// FallbackTextEvent asks the client to replay the turn as plain text.
type FallbackTextEvent struct{ Text string }

func (FallbackTextEvent) eventKind() string { return "fallback_text" }

type LoopDetectedEvent struct{ Message string }

func (LoopDetectedEvent) eventKind() string { return "loop_detected" }

type ErrorEvent struct{ Message string }

func (ErrorEvent) eventKind() string { return "error" }

type ClosedEvent struct{}

func (ClosedEvent) eventKind() string { return "closed" }

type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) eventKind() string { return e.Type }

// Session is a live websocket session. Writes are safe for concurrent use;
// Events must be drained by a single consumer.
type Session struct {
	conn      *websocket.Conn
	sessionID string

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// Connect dials the gateway and waits for the connected frame before
// returning. The returned session's event stream starts with that frame.
func Connect(ctx context.Context, opts ConnectOptions) (*Session, error) {
	wsURL, err := liveEndpoint(opts.BaseURL, opts.APIKey)
	if err != nil {
		return nil, err
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial live session: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read connected frame: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	first, err := decodeServerFrame(payload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	switch e := first.(type) {
	case ConnectedEvent:
		s := &Session{
			conn:      conn,
			sessionID: e.SessionID,
			events:    make(chan Event, 256),
			done:      make(chan struct{}),
		}
		s.emit(e)
		go s.readLoop()
		return s, nil
	case ErrorEvent:
		_ = conn.Close()
		return nil, fmt.Errorf("live session rejected: %s", e.Message)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", first.eventKind())
	}
}

// SessionID is the gateway-assigned session id from the connected frame.
func (s *Session) SessionID() string { return s.sessionID }

// Events yields decoded server frames until the connection ends.
func (s *Session) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.events
}

// SendAudioFrame sends one chunk of 16-bit PCM mic audio (16kHz mono).
func (s *Session) SendAudioFrame(pcm []byte) error {
	if len(pcm) == 0 {
		return fmt.Errorf("audio frame must not be empty")
	}
	return s.sendJSON(protocol.ClientAudio{
		Type: "audio",
		Data: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendToolResponses returns tool results to the gateway. Each entry's ID must
// be the id the gateway issued in the toolCall event.
func (s *Session) SendToolResponses(results []protocol.ToolResult) error {
	if len(results) == 0 {
		return fmt.Errorf("results must not be empty")
	}
	return s.sendJSON(protocol.ClientToolResponse{
		Type:      "toolResponse",
		Responses: results,
	})
}

// SendText replays a turn as plain text, used after a fallback_text frame.
func (s *Session) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("text must not be empty")
	}
	return s.sendJSON(protocol.ClientText{Type: "text", Text: text})
}

func (s *Session) sendJSON(v any) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("live session is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal session error, if any. Blocks until the session
// ends.
func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || s.closed.Load() {
				return
			}
			s.setErr(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		event, err := decodeServerFrame(data)
		if err != nil {
			s.setErr(err)
			return
		}
		s.emit(event)
		switch e := event.(type) {
		case ErrorEvent:
			s.setErr(fmt.Errorf("gateway error: %s", e.Message))
		case ClosedEvent:
			return
		}
	}
}

func (s *Session) emit(event Event) {
	if event == nil {
		return
	}
	select {
	case s.events <- event:
	default:
		// Keep the read loop alive when the consumer stalls.
	}
}

func decodeServerFrame(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode server frame: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, fmt.Errorf("server frame missing type")
	}

	switch typ {
	case "connected":
		var msg protocol.ServerConnected
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode connected: %w", err)
		}
		return ConnectedEvent{SessionID: msg.SessionID}, nil
	case "reconnected":
		return ReconnectedEvent{}, nil
	case "message":
		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		return decodeUpstreamPayload(msg.Data)
	case "thought":
		var msg protocol.ServerThought
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode thought: %w", err)
		}
		return ThoughtEvent{Thought: msg.Data.Thought, Kind: msg.Data.Kind}, nil
	case "activity":
		var msg protocol.ServerActivity
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode activity: %w", err)
		}
		return ActivityEvent{State: msg.State}, nil
	case "fallback_text":
		var msg protocol.ServerFallbackText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode fallback_text: %w", err)
		}
		return FallbackTextEvent{Text: msg.Text}, nil
	case "loop_detected":
		var msg protocol.ServerLoopDetected
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode loop_detected: %w", err)
		}
		return LoopDetectedEvent{Message: msg.Message}, nil
	case "error":
		var msg protocol.ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
		return ErrorEvent{Message: msg.Error}, nil
	case "closed":
		return ClosedEvent{}, nil
	default:
		return UnknownEvent{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

func decodeUpstreamPayload(p protocol.UpstreamPayload) (Event, error) {
	switch p.Kind {
	case protocol.KindAudio:
		pcm, err := base64.StdEncoding.DecodeString(p.AudioB64)
		if err != nil {
			return nil, fmt.Errorf("decode audio payload: %w", err)
		}
		return AudioEvent{Data: pcm, MIMEType: p.MIMEType}, nil
	case protocol.KindInputTranscript:
		return InputTranscriptEvent{Text: p.Text, Final: p.Final}, nil
	case protocol.KindOutputTranscript:
		return OutputTranscriptEvent{Text: p.Text, Final: p.Final}, nil
	case protocol.KindToolCall:
		return ToolCallEvent{Calls: p.ToolCalls}, nil
	case protocol.KindTurnComplete:
		return TurnCompleteEvent{}, nil
	case protocol.KindInterrupted:
		return InterruptedEvent{}, nil
	default:
		return UnknownEvent{Type: "message:" + p.Kind}, nil
	}
}

func liveEndpoint(baseURL, apiKey string) (string, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return "", fmt.Errorf("base url is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("base url must use http(s) or ws(s)")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/live"
	if apiKey != "" {
		q := u.Query()
		q.Set("api_key", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
