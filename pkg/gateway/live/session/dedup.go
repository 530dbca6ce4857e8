package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/voxnote-ai/voxnote/pkg/gateway/live/protocol"
	"github.com/voxnote-ai/voxnote/pkg/gateway/upstream"
)

// pendingToolCall tracks one canonical tool invocation awaiting a client
// result, plus every exact duplicate queued behind it. The internal id is
// what the client sees; upstream ids never leave the proxy because the
// upstream reuses them across retries.
type pendingToolCall struct {
	internalID  string
	upstreamID  string
	name        string
	fingerprint string

	duplicateInternalIDs []string
	duplicateUpstreamIDs []string

	createdAt   time.Time
	respondedAt time.Time
	responded   bool

	cachedResult map[string]any
}

type dedupConfig struct {
	// Window keeps responded entries around so late duplicates still get
	// the cached answer.
	Window time.Duration
	// MaxPending bounds how long the upstream waits on a client result
	// before a synthetic timeout response is sent.
	MaxPending time.Duration
	// ActionWindow bounds the coarse same-logical-action suppression.
	ActionWindow time.Duration
}

// toolCallDeduper partitions upstream tool-call batches and correlates
// client results back to every caller. It holds no locks: all mutation
// happens on the session event loop.
type toolCallDeduper struct {
	cfg        dedupConfig
	pending    map[string]*pendingToolCall // by fingerprint
	byInternal map[string]*pendingToolCall
	actions    map[string]time.Time // actionKey -> last seen

	now   func() time.Time
	newID func() string
}

func newToolCallDeduper(cfg dedupConfig, now func() time.Time, newID func() string) *toolCallDeduper {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 15 * time.Second
	}
	if cfg.ActionWindow <= 0 {
		cfg.ActionWindow = 10 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &toolCallDeduper{
		cfg:        cfg,
		pending:    make(map[string]*pendingToolCall),
		byInternal: make(map[string]*pendingToolCall),
		actions:    make(map[string]time.Time),
		now:        now,
		newID:      newID,
	}
}

// batchPlan is the partition of one upstream tool-call batch.
type batchPlan struct {
	// forward is sent to the client as one atomic message; ids are
	// internal ids.
	forward []protocol.ToolCall
	// immediate is answered upstream without a client round trip:
	// cached duplicate results, semantic-duplicate acks, and server-only
	// tool successes.
	immediate []upstream.FunctionResponse
	// thoughts are server-handled log_thought payloads for the client's
	// informational channel.
	thoughts []protocol.ThoughtData
	// malformed calls carry no upstream id and cannot be correlated.
	malformed []upstream.FunctionCall
}

// planBatch implements the per-call decision order: server-only tools,
// malformed calls, exact-fingerprint duplicates, semantic (action-key)
// duplicates, then genuinely new calls.
func (d *toolCallDeduper) planBatch(calls []upstream.FunctionCall) batchPlan {
	var plan batchPlan
	now := d.now()

	for _, call := range calls {
		if thought, ok := serverToolThought(call); ok {
			plan.thoughts = append(plan.thoughts, thought)
			if strings.TrimSpace(call.ID) != "" {
				plan.immediate = append(plan.immediate, upstream.FunctionResponse{
					ID:       call.ID,
					Name:     call.Name,
					Response: map[string]any{"success": true},
				})
			}
			continue
		}

		if strings.TrimSpace(call.ID) == "" {
			plan.malformed = append(plan.malformed, call)
			continue
		}

		fp := fingerprint(call.Name, call.Args)
		if entry, ok := d.pending[fp]; ok {
			entry.duplicateInternalIDs = append(entry.duplicateInternalIDs, d.newID())
			entry.duplicateUpstreamIDs = append(entry.duplicateUpstreamIDs, call.ID)
			if entry.responded {
				plan.immediate = append(plan.immediate, upstream.FunctionResponse{
					ID:       call.ID,
					Name:     entry.name,
					Response: entry.cachedResult,
				})
			}
			continue
		}

		actionKey, hasAction := actionKeyFor(call.Name, call.Args)
		if hasAction {
			if seen, ok := d.actions[actionKey]; ok && now.Sub(seen) <= d.cfg.ActionWindow {
				plan.immediate = append(plan.immediate, upstream.FunctionResponse{
					ID:   call.ID,
					Name: call.Name,
					Response: map[string]any{
						"success":      true,
						"deduplicated": true,
						"note":         "already processed similar request",
					},
				})
				continue
			}
		}

		internalID := d.newID()
		entry := &pendingToolCall{
			internalID:  internalID,
			upstreamID:  call.ID,
			name:        call.Name,
			fingerprint: fp,
			createdAt:   now,
		}
		d.pending[fp] = entry
		d.byInternal[internalID] = entry
		if hasAction {
			d.actions[actionKey] = now
		}
		plan.forward = append(plan.forward, protocol.ToolCall{
			ID:   internalID,
			Name: call.Name,
			Args: call.Args,
		})
	}

	return plan
}

// resolve records a client result and returns the upstream responses it
// unlocks: the canonical call first, then every queued duplicate. Resolving
// an already-responded entry is a no-op; an unknown id returns ok=false.
func (d *toolCallDeduper) resolve(internalID string, result map[string]any) ([]upstream.FunctionResponse, bool) {
	entry, ok := d.byInternal[internalID]
	if !ok {
		return nil, false
	}
	if entry.responded {
		return nil, true
	}
	entry.cachedResult = result
	entry.responded = true
	entry.respondedAt = d.now()

	responses := make([]upstream.FunctionResponse, 0, 1+len(entry.duplicateUpstreamIDs))
	responses = append(responses, upstream.FunctionResponse{
		ID:       entry.upstreamID,
		Name:     entry.name,
		Response: result,
	})
	for _, dupID := range entry.duplicateUpstreamIDs {
		responses = append(responses, upstream.FunctionResponse{
			ID:       dupID,
			Name:     entry.name,
			Response: result,
		})
	}
	return responses, true
}

// sweep expires state. Responded entries older than Window are dropped;
// unanswered entries older than MaxPending produce a timeout error response
// for the canonical id and every queued duplicate so the upstream turn is
// never left stalled. Stale action keys are pruned too.
func (d *toolCallDeduper) sweep() []upstream.FunctionResponse {
	now := d.now()
	var timeouts []upstream.FunctionResponse

	for fp, entry := range d.pending {
		if entry.responded {
			if now.Sub(entry.respondedAt) > d.cfg.Window {
				delete(d.pending, fp)
				delete(d.byInternal, entry.internalID)
			}
			continue
		}
		if now.Sub(entry.createdAt) > d.cfg.MaxPending {
			timeout := map[string]any{
				"error":   "timeout",
				"message": "tool execution timed out",
			}
			timeouts = append(timeouts, upstream.FunctionResponse{
				ID:       entry.upstreamID,
				Name:     entry.name,
				Response: timeout,
			})
			for _, dupID := range entry.duplicateUpstreamIDs {
				timeouts = append(timeouts, upstream.FunctionResponse{
					ID:       dupID,
					Name:     entry.name,
					Response: timeout,
				})
			}
			delete(d.pending, fp)
			delete(d.byInternal, entry.internalID)
		}
	}

	for key, seen := range d.actions {
		if now.Sub(seen) > d.cfg.ActionWindow {
			delete(d.actions, key)
		}
	}

	return timeouts
}

// cancelUpstream drops entries whose canonical call was cancelled by the
// upstream. No response is owed for a cancelled call.
func (d *toolCallDeduper) cancelUpstream(upstreamIDs []string) {
	if len(upstreamIDs) == 0 {
		return
	}
	cancelled := make(map[string]struct{}, len(upstreamIDs))
	for _, id := range upstreamIDs {
		cancelled[id] = struct{}{}
	}
	for fp, entry := range d.pending {
		if _, ok := cancelled[entry.upstreamID]; ok {
			delete(d.pending, fp)
			delete(d.byInternal, entry.internalID)
		}
	}
}

// dropPending discards all unanswered state. Used on loop-recovery
// reconnect: the replaced upstream session cannot accept responses for old
// call ids. Action keys survive so the fresh session does not immediately
// re-execute the same logical action.
func (d *toolCallDeduper) dropPending() {
	d.pending = make(map[string]*pendingToolCall)
	d.byInternal = make(map[string]*pendingToolCall)
}

func (d *toolCallDeduper) pendingCount() int {
	return len(d.pending)
}

// fingerprint hashes a tool name plus normalized arguments. Normalization
// sorts object keys (json.Marshal does this for maps) and lowercases and
// trims string leaves, so {Title:"Foo "} and {title:"foo"} collide.
func fingerprint(name string, args map[string]any) string {
	canonical, err := json.Marshal(normalizeValue(args))
	if err != nil {
		canonical = []byte("{}")
	}
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(name))))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[strings.ToLower(strings.TrimSpace(k))] = normalizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeValue(inner)
		}
		return out
	case nil:
		return nil
	default:
		return val
	}
}

// rawCallPayload is the byte-identity key LoopGuard counts. Key order is
// made deterministic so identical payloads hash identically.
func rawCallPayload(call upstream.FunctionCall) string {
	var b strings.Builder
	b.WriteString(call.Name)
	b.WriteByte('|')
	keys := make([]string, 0, len(call.Args))
	for k := range call.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw, err := json.Marshal(call.Args[k])
		if err != nil {
			continue
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(raw)
		b.WriteByte(';')
	}
	return b.String()
}
