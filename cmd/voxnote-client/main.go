package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/voxnote-ai/voxnote/internal/dotenv"
	"github.com/voxnote-ai/voxnote/pkg/audio"
	"github.com/voxnote-ai/voxnote/pkg/planner"
	voxnote "github.com/voxnote-ai/voxnote/sdk"
)

const (
	defaultBaseURL     = "http://127.0.0.1:8080"
	defaultPlannerURL  = "http://127.0.0.1:9090"
	defaultToolTimeout = 30 * time.Second
	captureFrameLen    = 20 * time.Millisecond
)

type clientConfig struct {
	BaseURL       string
	APIKey        string
	PlannerURL    string
	PlannerAPIKey string
	ToolTimeout   time.Duration
	AudioIn       string
	AudioOut      string
	ShowLevels    bool
}

func parseClientConfig(args []string, getenv func(string) string) (clientConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := clientConfig{}
	fs := flag.NewFlagSet("voxnote-client", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.BaseURL, "base-url", defaultBaseURL, "gateway base URL")
	fs.StringVar(&cfg.APIKey, "api-key", strings.TrimSpace(getenv("VOXNOTE_API_KEY")), "gateway api key (or VOXNOTE_API_KEY)")
	fs.StringVar(&cfg.PlannerURL, "planner-url", envOrDefault(getenv, "VOXNOTE_PLANNER_URL", defaultPlannerURL), "planner backend base URL (or VOXNOTE_PLANNER_URL)")
	fs.StringVar(&cfg.PlannerAPIKey, "planner-api-key", strings.TrimSpace(getenv("VOXNOTE_PLANNER_API_KEY")), "planner api key (or VOXNOTE_PLANNER_API_KEY)")
	fs.DurationVar(&cfg.ToolTimeout, "tool-timeout", defaultToolTimeout, "per-tool execution timeout")
	fs.StringVar(&cfg.AudioIn, "audio-in", "", "raw PCM s16le 16kHz mono file to stream as mic input")
	fs.StringVar(&cfg.AudioOut, "audio-out", "", "file to append received assistant PCM (s16le 24kHz mono)")
	fs.BoolVar(&cfg.ShowLevels, "levels", false, "print an input level meter while streaming audio")

	if err := fs.Parse(args); err != nil {
		return clientConfig{}, err
	}
	if err := validateClientConfig(cfg); err != nil {
		return clientConfig{}, err
	}
	return cfg, nil
}

func envOrDefault(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func validateClientConfig(cfg clientConfig) error {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return errors.New("base-url must not be empty")
	}
	u, err := url.Parse(base)
	if err != nil || strings.TrimSpace(u.Scheme) == "" || strings.TrimSpace(u.Host) == "" {
		return errors.New("base-url must be a valid absolute URL")
	}
	if strings.TrimSpace(cfg.PlannerURL) == "" {
		return errors.New("planner-url must not be empty")
	}
	if cfg.ToolTimeout <= 0 {
		return errors.New("tool-timeout must be > 0")
	}
	return nil
}

// registerPlannerTools wires every assistant tool to the planner backend.
// Handlers return plain maps; the executor wraps failures and timeouts.
func registerPlannerTools(e *voxnote.Executor, pc *planner.Client) {
	e.Register("create_task", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		task, err := pc.CreateTask(ctx, planner.TaskInput{
			Title: stringArg(args, "title"),
			Notes: stringArg(args, "notes"),
			Due:   stringArg(args, "due"),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "id": task.ID, "title": task.Title}, nil
	})
	e.Register("complete_task", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		task, err := pc.CompleteTask(ctx, stringArg(args, "title"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "id": task.ID, "title": task.Title}, nil
	})
	e.Register("list_tasks", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		tasks, err := pc.ListTasks(ctx)
		if err != nil {
			return nil, err
		}
		titles := make([]any, 0, len(tasks))
		for _, t := range tasks {
			titles = append(titles, map[string]any{"title": t.Title, "completed": t.Completed})
		}
		return map[string]any{"success": true, "tasks": titles}, nil
	})
	e.Register("create_event", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		event, err := pc.CreateEvent(ctx, planner.EventInput{
			Title:    stringArg(args, "title"),
			Start:    stringArg(args, "start"),
			End:      stringArg(args, "end"),
			Location: stringArg(args, "location"),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "id": event.ID, "title": event.Title}, nil
	})
	e.Register("list_events", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		events, err := pc.ListEvents(ctx, stringArg(args, "day"))
		if err != nil {
			return nil, err
		}
		entries := make([]any, 0, len(events))
		for _, ev := range events {
			entries = append(entries, map[string]any{"title": ev.Title, "start": ev.Start})
		}
		return map[string]any{"success": true, "events": entries}, nil
	})
	e.Register("draft_message", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		draft, err := pc.CreateDraft(ctx, planner.DraftInput{
			Recipient: stringArg(args, "recipient"),
			Subject:   stringArg(args, "subject"),
			Body:      stringArg(args, "body"),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "id": draft.ID}, nil
	})
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// streamAudioFile paces raw PCM from r to the session in real time.
func streamAudioFile(ctx context.Context, session *voxnote.Session, r io.Reader, showLevels bool, out io.Writer) error {
	chunker := audio.NewChunker(audio.CaptureFormat, captureFrameLen)
	buf := make([]byte, audio.CaptureFormat.BytesFor(captureFrameLen))
	ticker := time.NewTicker(captureFrameLen)
	defer ticker.Stop()

	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, frame := range chunker.Push(buf[:n]) {
				if showLevels {
					fmt.Fprintf(out, "\r[mic] level %.2f", audio.RMSEnergy(frame))
				}
				if sendErr := session.SendAudioFrame(frame); sendErr != nil {
					return sendErr
				}
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if err == io.EOF {
			if tail := chunker.Flush(); len(tail) > 0 {
				return session.SendAudioFrame(tail)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func runClient(ctx context.Context, cfg clientConfig, out io.Writer, errOut io.Writer) error {
	if err := validateClientConfig(cfg); err != nil {
		return err
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}

	pc, err := planner.New(cfg.PlannerURL, cfg.PlannerAPIKey)
	if err != nil {
		return fmt.Errorf("planner client: %w", err)
	}

	session, err := voxnote.Connect(ctx, voxnote.ConnectOptions{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	executor := voxnote.NewExecutor(session, cfg.ToolTimeout)
	registerPlannerTools(executor, pc)

	var audioOut io.WriteCloser
	if cfg.AudioOut != "" {
		f, err := os.OpenFile(cfg.AudioOut, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open audio-out: %w", err)
		}
		audioOut = f
		defer f.Close()
	}

	if cfg.AudioIn != "" {
		f, err := os.Open(cfg.AudioIn)
		if err != nil {
			return fmt.Errorf("open audio-in: %w", err)
		}
		go func() {
			defer f.Close()
			if err := streamAudioFile(ctx, session, f, cfg.ShowLevels, out); err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(errOut, "audio stream error: %v\n", err)
			}
		}()
	}

	playback := audio.NewPlaybackBuffer(audio.PlaybackFormat, 10*time.Second)
	var lastUserUtterance string

	fmt.Fprintf(out, "connected, session %s\n", session.SessionID())

	for event := range session.Events() {
		switch e := event.(type) {
		case voxnote.ConnectedEvent:
			// Already reported above.
		case voxnote.ReconnectedEvent:
			fmt.Fprintln(out, "[session] upstream reconnected, continuing")
		case voxnote.InputTranscriptEvent:
			if e.Final {
				lastUserUtterance = e.Text
			}
			fmt.Fprintf(out, "[you] %s\n", e.Text)
		case voxnote.OutputTranscriptEvent:
			fmt.Fprintf(out, "[assistant] %s\n", e.Text)
		case voxnote.ThoughtEvent:
			fmt.Fprintf(out, "[thought] %s\n", e.Thought)
		case voxnote.ActivityEvent:
			fmt.Fprintf(out, "[activity] %s\n", e.State)
		case voxnote.AudioEvent:
			playback.Write(e.Data)
			if audioOut != nil {
				if chunk := playback.Next(playback.Len()); chunk != nil {
					_, _ = audioOut.Write(chunk)
				}
			}
		case voxnote.InterruptedEvent:
			// Drop queued speech so stale audio is never played.
			playback.Clear()
			fmt.Fprintln(out, "[session] interrupted")
		case voxnote.ToolCallEvent:
			for _, call := range e.Calls {
				fmt.Fprintf(out, "[tool] %s\n", call.Name)
			}
			executor.Execute(ctx, e.Calls)
		case voxnote.FallbackTextEvent:
			text := strings.TrimSpace(e.Text)
			if text == "" {
				text = lastUserUtterance
			}
			if text != "" {
				fmt.Fprintln(out, "[session] replaying turn as text")
				if err := session.SendText(text); err != nil {
					fmt.Fprintf(errOut, "text fallback error: %v\n", err)
				}
			}
		case voxnote.LoopDetectedEvent:
			fmt.Fprintf(out, "[session] %s\n", e.Message)
		case voxnote.ErrorEvent:
			fmt.Fprintf(errOut, "gateway error: %s\n", e.Message)
		case voxnote.ClosedEvent:
			fmt.Fprintln(out, "session closed")
			return session.Err()
		}
	}
	return session.Err()
}

func main() {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "voxnote-client: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseClientConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxnote-client: %v\n", err)
		os.Exit(1)
	}

	if err := runClient(context.Background(), cfg, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "voxnote-client: %v\n", err)
		os.Exit(1)
	}
}
