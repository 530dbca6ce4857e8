package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

const (
	SensitivityHigh = "high"
	SensitivityLow  = "low"
)

// VADConfig tunes the upstream automatic voice activity detection.
type VADConfig struct {
	StartSensitivity  string
	EndSensitivity    string
	PrefixPaddingMS   int
	SilenceDurationMS int
}

// GeminiConfig is the fixed per-session upstream configuration.
type GeminiConfig struct {
	APIKey        string
	Model         string
	SystemPrompt  string
	Voice         string
	InputMIMEType string
	Tools         []ToolDeclaration
	VAD           VADConfig
}

// GeminiDialer opens Gemini Live sessions. One genai client is shared across
// dials; each Dial produces an independent live session.
type GeminiDialer struct {
	cfg    GeminiConfig
	client *genai.Client
	logger *slog.Logger
}

func NewGeminiDialer(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiDialer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("gemini model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiDialer{cfg: cfg, client: client, logger: logger}, nil
}

func (d *GeminiDialer) Dial(ctx context.Context) (Channel, error) {
	session, err := d.client.Live.Connect(ctx, d.cfg.Model, liveConnectConfig(d.cfg))
	if err != nil {
		return nil, fmt.Errorf("connect live session: %w", err)
	}

	ch := &geminiChannel{
		session: session,
		cfg:     d.cfg,
		logger:  d.logger,
		events:  make(chan Event, 64),
	}
	go ch.receiveLoop()
	return ch, nil
}

func liveConnectConfig(cfg GeminiConfig) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if prompt := strings.TrimSpace(cfg.SystemPrompt); prompt != "" {
		out.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: prompt}},
		}
	}
	if voice := strings.TrimSpace(cfg.Voice); voice != "" {
		out.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	if decls := functionDeclarations(cfg.Tools); len(decls) > 0 {
		out.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	out.RealtimeInputConfig = &genai.RealtimeInputConfig{
		AutomaticActivityDetection: activityDetection(cfg.VAD),
	}
	return out
}

func activityDetection(vad VADConfig) *genai.AutomaticActivityDetection {
	out := &genai.AutomaticActivityDetection{}
	switch strings.ToLower(strings.TrimSpace(vad.StartSensitivity)) {
	case SensitivityHigh:
		out.StartOfSpeechSensitivity = genai.StartSensitivityHigh
	case SensitivityLow:
		out.StartOfSpeechSensitivity = genai.StartSensitivityLow
	}
	switch strings.ToLower(strings.TrimSpace(vad.EndSensitivity)) {
	case SensitivityHigh:
		out.EndOfSpeechSensitivity = genai.EndSensitivityHigh
	case SensitivityLow:
		out.EndOfSpeechSensitivity = genai.EndSensitivityLow
	}
	if vad.PrefixPaddingMS > 0 {
		out.PrefixPaddingMs = genai.Ptr(int32(vad.PrefixPaddingMS))
	}
	if vad.SilenceDurationMS > 0 {
		out.SilenceDurationMs = genai.Ptr(int32(vad.SilenceDurationMS))
	}
	return out
}

func functionDeclarations(tools []ToolDeclaration) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			continue
		}
		properties := make(map[string]*genai.Schema, len(tool.Params))
		var required []string
		for _, p := range tool.Params {
			properties[p.Name] = &genai.Schema{
				Type:        schemaType(p.Type),
				Description: p.Description,
			}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		decl := &genai.FunctionDeclaration{
			Name:        name,
			Description: tool.Description,
		}
		if len(properties) > 0 {
			decl.Parameters = &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   required,
			}
		}
		decls = append(decls, decl)
	}
	return decls
}

func schemaType(t string) genai.Type {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

type geminiChannel struct {
	session *genai.Session
	cfg     GeminiConfig
	logger  *slog.Logger
	events  chan Event
}

func (c *geminiChannel) Events() <-chan Event {
	return c.events
}

func (c *geminiChannel) SendAudio(pcm []byte) error {
	mime := strings.TrimSpace(c.cfg.InputMIMEType)
	if mime == "" {
		mime = "audio/pcm;rate=16000"
	}
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: pcm, MIMEType: mime},
	})
}

func (c *geminiChannel) SendText(text string) error {
	return c.session.SendClientContent(textTurnInput(text))
}

// textTurnInput wraps a user utterance as a complete client turn so the
// model answers it immediately.
func textTurnInput(text string) genai.LiveClientContentInput {
	return genai.LiveClientContentInput{
		Turns: []*genai.Content{
			{Role: genai.RoleUser, Parts: []*genai.Part{{Text: text}}},
		},
		TurnComplete: genai.Ptr(true),
	}
}

func (c *geminiChannel) SendToolResponses(responses []FunctionResponse) error {
	if len(responses) == 0 {
		return nil
	}
	out := make([]*genai.FunctionResponse, 0, len(responses))
	for _, r := range responses {
		out = append(out, &genai.FunctionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: r.Response,
		})
	}
	return c.session.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: out})
}

func (c *geminiChannel) Close() error {
	return c.session.Close()
}

// receiveLoop pumps upstream messages into the event channel. It owns the
// channel and closes it after delivering the terminal ClosedEvent.
func (c *geminiChannel) receiveLoop() {
	defer close(c.events)
	for {
		msg, err := c.session.Receive()
		if err != nil {
			c.events <- ClosedEvent{Err: err}
			return
		}
		for _, ev := range TranslateServerMessage(msg) {
			c.events <- ev
		}
	}
}

// TranslateServerMessage flattens one Gemini live message into the neutral
// event union. A single message can carry audio, transcripts and turn
// signals at once; relative order within the message is preserved.
func TranslateServerMessage(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}
	var out []Event
	if msg.SetupComplete != nil {
		out = append(out, ReadyEvent{})
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			out = append(out, InputTranscriptEvent{
				Text:  sc.InputTranscription.Text,
				Final: sc.InputTranscription.Finished,
			})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out = append(out, OutputTranscriptEvent{
				Text:  sc.OutputTranscription.Text,
				Final: sc.OutputTranscription.Finished,
			})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				out = append(out, AudioEvent{
					Data:     part.InlineData.Data,
					MIMEType: part.InlineData.MIMEType,
				})
			}
		}
		if sc.Interrupted {
			out = append(out, InterruptedEvent{})
		}
		if sc.TurnComplete {
			out = append(out, TurnCompleteEvent{})
		}
	}
	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]FunctionCall, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			calls = append(calls, FunctionCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		out = append(out, ToolCallEvent{Calls: calls})
	}
	if tcc := msg.ToolCallCancellation; tcc != nil && len(tcc.IDs) > 0 {
		out = append(out, ToolCancelEvent{IDs: tcc.IDs})
	}
	return out
}
