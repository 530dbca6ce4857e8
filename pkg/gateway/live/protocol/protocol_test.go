package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeClientMessage_Audio(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"audio","data":"AAAA"}`))
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	audio, ok := msg.(ClientAudio)
	if !ok {
		t.Fatalf("expected ClientAudio, got %T", msg)
	}
	if audio.Data != "AAAA" {
		t.Fatalf("unexpected data %q", audio.Data)
	}
}

func TestDecodeClientMessage_AudioMissingData(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"audio"}`))
	if err == nil {
		t.Fatalf("expected error for missing data")
	}
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected DecodeError, got %T", err)
	}
	if de.Param != "data" {
		t.Fatalf("expected param data, got %q", de.Param)
	}
}

func TestDecodeClientMessage_ToolResponse(t *testing.T) {
	raw := `{"type":"toolResponse","responses":[{"id":"c_1","name":"create_task","response":{"success":true,"taskId":"t1"}}]}`
	msg, err := DecodeClientMessage([]byte(raw))
	if err != nil {
		t.Fatalf("decode toolResponse: %v", err)
	}
	tr, ok := msg.(ClientToolResponse)
	if !ok {
		t.Fatalf("expected ClientToolResponse, got %T", msg)
	}
	if len(tr.Responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(tr.Responses))
	}
	if tr.Responses[0].ID != "c_1" || tr.Responses[0].Name != "create_task" {
		t.Fatalf("unexpected response entry %+v", tr.Responses[0])
	}
	if tr.Responses[0].Response["taskId"] != "t1" {
		t.Fatalf("response payload not preserved")
	}
}

func TestDecodeClientMessage_ToolResponseValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"empty responses", `{"type":"toolResponse","responses":[]}`, "responses"},
		{"missing id", `{"type":"toolResponse","responses":[{"name":"x","response":{}}]}`, "responses[0].id"},
		{"missing name", `{"type":"toolResponse","responses":[{"id":"c_1","response":{}}]}`, "responses[0].name"},
	}
	for _, tc := range cases {
		_, err := DecodeClientMessage([]byte(tc.raw))
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q in error, got %q", tc.name, tc.want, err.Error())
		}
	}
}

func TestDecodeClientMessage_Text(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"text","text":"add milk to my list"}`))
	if err != nil {
		t.Fatalf("decode text: %v", err)
	}
	if _, ok := msg.(ClientText); !ok {
		t.Fatalf("expected ClientText, got %T", msg)
	}
}

func TestDecodeClientMessage_Unsupported(t *testing.T) {
	for _, raw := range []string{`{}`, `{"type":""}`, `{"type":"nope"}`, `not json`} {
		if _, err := DecodeClientMessage([]byte(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestServerMessage_RoundTripsToolCallIDs(t *testing.T) {
	out := ServerMessage{
		Type: "message",
		Data: UpstreamPayload{
			Kind: KindToolCall,
			ToolCalls: []ToolCall{
				{ID: "c_abc", Name: "create_task", Args: map[string]any{"title": "Call Mom"}},
			},
		},
	}
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ServerMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Data.ToolCalls[0].ID != "c_abc" {
		t.Fatalf("tool call id not preserved: %+v", decoded.Data.ToolCalls)
	}
}
