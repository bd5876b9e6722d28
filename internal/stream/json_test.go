package stream

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecodeTaggedEvents(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Event
	}{
		{"text", `{"type":"text","text":"hi"}`, TextDelta{Text: "hi"}},
		{"tool_use", `{"type":"tool_use","invocation_id":"t1","tool_name":"search"}`, ToolUse{InvocationID: "t1", ToolName: "search"}},
		{"tool_result", `{"type":"tool_result","invocation_id":"t1","content":"ok","is_error":true}`, ToolResult{InvocationID: "t1", Content: "ok", IsError: true}},
		{"permission_request", `{"type":"permission_request","request_id":"p1","tool_name":"bash","description":"run"}`, PermissionRequest{RequestID: "p1", ToolName: "bash", Description: "run"}},
		{"permission_response", `{"type":"permission_response","request_id":"p1","approved":true}`, PermissionResponse{RequestID: "p1", Approved: true}},
		{"status", `{"type":"status","conversation_ref":"sdk-1"}`, Status{ConversationRef: "sdk-1"}},
		{"result", `{"type":"result"}`, Result{}},
		{"done", `{"type":"done"}`, Done{}},
		{"error", `{"type":"error","message":"boom"}`, Error{Message: "boom"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.raw))
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	events := []Event{
		TextDelta{Text: "hello"},
		ToolUse{InvocationID: "t1", ToolName: "search", ToolInput: map[string]any{"q": "x"}},
		ToolResult{InvocationID: "t1", Content: "3 results"},
		Done{},
	}
	for _, in := range events {
		raw, err := Encode(in)
		if err != nil {
			t.Fatalf("encode %T: %v", in, err)
		}
		out, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode %T: %v", in, err)
		}
		if !reflect.DeepEqual(out, in) {
			t.Fatalf("round trip changed %#v into %#v", in, out)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"telemetry"}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}
