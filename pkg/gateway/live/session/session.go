package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxnote-ai/voxnote/pkg/gateway/live/protocol"
	"github.com/voxnote-ai/voxnote/pkg/gateway/upstream"
)

const outboundPriorityQueueSize = 8

var errBackpressure = errors.New("live outbound backpressure")

// TurnStore archives completed conversation turns. Implementations must be
// safe for concurrent use; archiving is best effort and never blocks the
// session loop.
type TurnStore interface {
	SaveTurn(ctx context.Context, sessionID, role, text string) error
}

type Config struct {
	MaxAudioFrameBytes  int
	MaxJSONMessageBytes int64
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	MaxSessionDuration  time.Duration
	DialTimeout         time.Duration

	DedupWindow      time.Duration
	MaxPending       time.Duration
	ActionWindow     time.Duration
	LoopThreshold    int
	AudioCooldown    time.Duration
	OverlapThreshold float64

	OutboundQueueSize int
}

type Dependencies struct {
	Conn      *websocket.Conn
	Dialer    upstream.Dialer
	Logger    *slog.Logger
	Store     TurnStore
	SessionID string
	RequestID string
	Config    Config
	Now       func() time.Time
}

// LiveProxy bridges one client websocket to one (replaceable) upstream live
// session. All state mutation happens on the Run loop; the read and write
// goroutines only move frames.
type LiveProxy struct {
	conn      *websocket.Conn
	dialer    upstream.Dialer
	logger    *slog.Logger
	store     TurnStore
	sessionID string
	requestID string
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan []byte
	outboundNormal   chan []byte

	deduper     *toolCallDeduper
	guard       *loopGuard
	activity    activityTracker
	transcripts *transcriptTracker

	callCounter atomic.Int64
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*LiveProxy, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("upstream dialer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.MaxAudioFrameBytes <= 0 {
		deps.Config.MaxAudioFrameBytes = 64 * 1024
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.DialTimeout <= 0 {
		deps.Config.DialTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LiveProxy{
		conn:             deps.Conn,
		dialer:           deps.Dialer,
		logger:           deps.Logger,
		store:            deps.Store,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan []byte, outboundPriorityQueueSize),
		outboundNormal:   make(chan []byte, deps.Config.OutboundQueueSize),
		guard:            newLoopGuard(deps.Config.LoopThreshold),
		transcripts:      newTranscriptTracker(deps.Config.AudioCooldown, deps.Config.OverlapThreshold, deps.Now),
	}
	s.deduper = newToolCallDeduper(dedupConfig{
		Window:       deps.Config.DedupWindow,
		MaxPending:   deps.Config.MaxPending,
		ActionWindow: deps.Config.ActionWindow,
	}, deps.Now, s.nextInternalID)
	return s, nil
}

func (s *LiveProxy) Run() error {
	defer s.cancel()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	channel, err := s.dialUpstream()
	if err != nil {
		_ = s.sendJSONPriority(protocol.ServerError{Type: "error", Error: "upstream connection failed"})
		return err
	}
	defer func() { _ = channel.Close() }()

	if err := s.sendJSONPriority(protocol.ServerConnected{Type: "connected", SessionID: s.sessionID}); err != nil {
		return err
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	var sessionTimer *time.Timer
	if s.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(s.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}

	// A quiet model emits no events while it waits on a function response,
	// so pending-call expiry cannot ride the event path alone.
	sweepInterval := s.cfg.MaxPending / 2
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	events := channel.Events()

	for {
		select {
		case <-s.ctx.Done():
			return nil

		case err := <-writerErrCh:
			return err

		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				return nil
			}
			if frame.messageType != websocket.TextMessage {
				continue
			}
			if err := s.handleClientFrame(channel, frame.data); err != nil {
				return err
			}

		case ev, ok := <-events:
			if !ok {
				_ = s.sendJSONPriority(protocol.ServerClosed{Type: "closed"})
				return nil
			}
			replacement, err := s.handleUpstreamEvent(channel, ev)
			if err != nil {
				return err
			}
			if replacement != nil {
				_ = channel.Close()
				channel = replacement
				events = channel.Events()
			}
			s.flushExpired(channel)

		case <-sweepTicker.C:
			s.flushExpired(channel)

		case <-sessionTimerCh():
			_ = s.sendJSONPriority(protocol.ServerClosed{Type: "closed"})
			return nil
		}
	}
}

// flushExpired expires dedup state and answers upstream for any call the
// client never responded to, so the upstream turn cannot stall forever.
func (s *LiveProxy) flushExpired(channel upstream.Channel) {
	timeouts := s.deduper.sweep()
	if len(timeouts) == 0 {
		return
	}
	if err := channel.SendToolResponses(timeouts); err != nil {
		s.logger.Warn("live: send timeout responses failed", "error", err, "session_id", s.sessionID)
	}
}

func (s *LiveProxy) handleClientFrame(channel upstream.Channel, data []byte) error {
	msg, decErr := protocol.DecodeClientMessage(data)
	if decErr != nil {
		return s.sendJSONPriority(protocol.ServerError{Type: "error", Error: decErr.Error()})
	}
	switch m := msg.(type) {
	case protocol.ClientAudio:
		audio, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			return s.sendJSONPriority(protocol.ServerError{Type: "error", Error: "invalid audio.data encoding"})
		}
		if len(audio) > s.cfg.MaxAudioFrameBytes {
			return s.sendJSONPriority(protocol.ServerError{Type: "error", Error: "audio frame exceeds max size"})
		}
		// Fire and forget: a single dropped mic chunk is not worth
		// tearing the session down for.
		if err := channel.SendAudio(audio); err != nil {
			s.logger.Warn("live: forward audio failed", "error", err, "session_id", s.sessionID)
		}

	case protocol.ClientToolResponse:
		var out []upstream.FunctionResponse
		for _, r := range m.Responses {
			responses, known := s.deduper.resolve(r.ID, r.Response)
			if !known {
				s.logger.Warn("live: tool response for unknown call", "call_id", r.ID, "name", r.Name, "session_id", s.sessionID)
				continue
			}
			out = append(out, responses...)
		}
		if len(out) > 0 {
			if err := channel.SendToolResponses(out); err != nil {
				s.logger.Warn("live: send tool responses failed", "error", err, "session_id", s.sessionID)
			}
		}

	case protocol.ClientText:
		if err := channel.SendText(m.Text); err != nil {
			s.logger.Warn("live: send text turn failed", "error", err, "session_id", s.sessionID)
		}
	}
	return nil
}

// handleUpstreamEvent relays one upstream event to the client. A non-nil
// replacement channel means loop recovery replaced the upstream session.
func (s *LiveProxy) handleUpstreamEvent(channel upstream.Channel, ev upstream.Event) (upstream.Channel, error) {
	switch e := ev.(type) {
	case upstream.ReadyEvent:
		return nil, nil

	case upstream.AudioEvent:
		if s.transcripts.suppressAudio() {
			return nil, nil
		}
		if err := s.setActivity(activitySpeaking); err != nil {
			return nil, err
		}
		s.sendUpstreamPayload(protocol.UpstreamPayload{
			Kind:     protocol.KindAudio,
			AudioB64: base64.StdEncoding.EncodeToString(e.Data),
			MIMEType: e.MIMEType,
		})
		return nil, nil

	case upstream.InputTranscriptEvent:
		s.transcripts.onInputTranscript(e.Text)
		if err := s.setActivity(activityListening); err != nil {
			return nil, err
		}
		s.sendUpstreamPayload(protocol.UpstreamPayload{
			Kind:  protocol.KindInputTranscript,
			Text:  e.Text,
			Final: e.Final,
		})
		return nil, nil

	case upstream.OutputTranscriptEvent:
		s.transcripts.onOutputTranscript(e.Text)
		if s.transcripts.suppressTurn() {
			return nil, nil
		}
		s.sendUpstreamPayload(protocol.UpstreamPayload{
			Kind:  protocol.KindOutputTranscript,
			Text:  e.Text,
			Final: e.Final,
		})
		return nil, nil

	case upstream.ToolCallEvent:
		return s.handleToolCalls(channel, e.Calls)

	case upstream.ToolCancelEvent:
		s.deduper.cancelUpstream(e.IDs)
		return nil, nil

	case upstream.TurnCompleteEvent:
		user, assistant, suppressed := s.transcripts.onTurnComplete()
		if !suppressed {
			s.archiveTurn(user, assistant)
		}
		s.sendUpstreamPayload(protocol.UpstreamPayload{Kind: protocol.KindTurnComplete})
		if err := s.setActivity(activityIdle); err != nil {
			return nil, err
		}
		return nil, nil

	case upstream.InterruptedEvent:
		s.transcripts.onInterrupted()
		s.sendUpstreamPayload(protocol.UpstreamPayload{Kind: protocol.KindInterrupted})
		if err := s.setActivity(activityListening); err != nil {
			return nil, err
		}
		return nil, nil

	case upstream.ClosedEvent:
		if e.Err != nil {
			s.logger.Warn("live: upstream closed", "error", e.Err, "session_id", s.sessionID)
			_ = s.sendJSONPriority(protocol.ServerError{Type: "error", Error: "upstream connection lost"})
		}
		_ = s.sendJSONPriority(protocol.ServerClosed{Type: "closed"})
		s.cancel()
		return nil, nil
	}
	return nil, nil
}

func (s *LiveProxy) handleToolCalls(channel upstream.Channel, calls []upstream.FunctionCall) (upstream.Channel, error) {
	for _, call := range calls {
		if s.guard.observe(rawCallPayload(call)) {
			return s.recoverFromLoop(call.Name)
		}
	}

	plan := s.deduper.planBatch(calls)

	for _, thought := range plan.thoughts {
		if err := s.sendJSON(protocol.ServerThought{Type: "thought", Data: thought}); err != nil && !errors.Is(err, errBackpressure) {
			return nil, err
		}
	}

	for _, call := range plan.malformed {
		s.logger.Warn("live: tool call missing id", "name", call.Name, "session_id", s.sessionID)
		if err := s.sendJSONPriority(protocol.ServerError{Type: "error", Error: "upstream tool call could not be correlated"}); err != nil {
			return nil, err
		}
		if last := s.transcripts.lastUserUtterance(); last != "" {
			if err := s.sendJSONPriority(protocol.ServerFallbackText{Type: "fallback_text", Text: last}); err != nil {
				return nil, err
			}
		}
	}

	if len(plan.immediate) > 0 {
		if err := channel.SendToolResponses(plan.immediate); err != nil {
			s.logger.Warn("live: send immediate responses failed", "error", err, "session_id", s.sessionID)
		}
	}

	if len(plan.forward) > 0 {
		if err := s.setActivity(activityThinking); err != nil {
			return nil, err
		}
		payload := protocol.UpstreamPayload{Kind: protocol.KindToolCall, ToolCalls: plan.forward}
		data, err := json.Marshal(protocol.ServerMessage{Type: "message", Data: payload})
		if err != nil {
			return nil, err
		}
		// Tool calls ride the priority lane: queued audio must not delay
		// the client executor.
		if err := s.enqueuePriority(data); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// recoverFromLoop replaces the upstream session after the loop guard trips.
// Pending calls die with the old session; action keys survive so the fresh
// session does not immediately redo the looping action.
func (s *LiveProxy) recoverFromLoop(toolName string) (upstream.Channel, error) {
	s.logger.Warn("live: tool call loop detected", "name", toolName, "session_id", s.sessionID)

	if err := s.sendJSONPriority(protocol.ServerLoopDetected{
		Type:    "loop_detected",
		Message: "assistant is repeating itself; restarting the conversation link",
	}); err != nil {
		return nil, err
	}

	replacement, err := s.dialUpstream()
	if err != nil {
		_ = s.sendJSONPriority(protocol.ServerError{Type: "error", Error: "upstream reconnection failed"})
		return nil, err
	}

	s.guard.reset()
	s.deduper.dropPending()

	if err := s.sendJSONPriority(protocol.ServerReconnected{Type: "reconnected"}); err != nil {
		_ = replacement.Close()
		return nil, err
	}
	return replacement, nil
}

func (s *LiveProxy) dialUpstream() (upstream.Channel, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	defer cancel()
	return s.dialer.Dial(ctx)
}

func (s *LiveProxy) archiveTurn(user, assistant string) {
	if s.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if user != "" {
			if err := s.store.SaveTurn(ctx, s.sessionID, "user", user); err != nil {
				s.logger.Warn("live: archive user turn failed", "error", err, "session_id", s.sessionID)
			}
		}
		if assistant != "" {
			if err := s.store.SaveTurn(ctx, s.sessionID, "assistant", assistant); err != nil {
				s.logger.Warn("live: archive assistant turn failed", "error", err, "session_id", s.sessionID)
			}
		}
	}()
}

func (s *LiveProxy) setActivity(next activityState) error {
	state, changed := s.activity.observe(next)
	if !changed {
		return nil
	}
	return s.sendJSONPriority(protocol.ServerActivity{Type: "activity", State: state.String()})
}

// sendUpstreamPayload relays a normal-lane frame. Backpressure drops the
// frame with a log line instead of failing the session; audio is continuous
// and the client will resynchronize on the next frame.
func (s *LiveProxy) sendUpstreamPayload(payload protocol.UpstreamPayload) {
	if err := s.sendJSON(protocol.ServerMessage{Type: "message", Data: payload}); err != nil {
		s.logger.Warn("live: drop outbound frame", "kind", payload.Kind, "error", err, "session_id", s.sessionID)
	}
}

func (s *LiveProxy) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(payload)
}

func (s *LiveProxy) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(payload)
}

func (s *LiveProxy) enqueueNormal(frame []byte) error {
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveProxy) enqueuePriority(frame []byte) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveProxy) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LiveProxy) nextInternalID() string {
	return fmt.Sprintf("call_%d", s.callCounter.Add(1))
}

// Cancel aborts the session from outside the Run loop.
func (s *LiveProxy) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Notify pushes an out-of-band error notice, e.g. a shutdown warning from
// the session tracker.
func (s *LiveProxy) Notify(message string) {
	if s == nil {
		return
	}
	_ = s.sendJSONPriority(protocol.ServerError{Type: "error", Error: message})
}
