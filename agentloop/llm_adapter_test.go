package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/martinemde/fusion/unifiedllm"
)

func TestProposeConvertsConversation(t *testing.T) {
	model := newScriptedModel(textReply("done"))
	adapter := NewLLMAdapter(model, LLMConfig{Model: "m", Provider: "openai"}, nil)

	msgs := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "task"},
		{Role: RoleAssistant, Content: "looking", ToolCalls: []ToolCallRequest{{CallID: "c1", ToolName: "glob", Arguments: json.RawMessage(`{"pattern":"*"}`)}}},
		{Role: RoleToolResult, ToolCallID: "c1", Content: "Error: nope", ToolStatus: StatusError},
	}
	defs := []ToolDefinition{{Name: "glob", Description: "find", Parameters: map[string]interface{}{"type": "object"}}}

	p, err := adapter.Propose(context.Background(), msgs, defs)
	if err != nil {
		t.Fatal(err)
	}
	if p.Text != "done" || len(p.ToolCalls) != 0 {
		t.Errorf("proposal = %+v", p)
	}

	reqs := model.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	req := reqs[0]
	if req.Model != "m" || req.Provider != "openai" || req.ToolChoice == nil || req.ToolChoice.Mode != "auto" {
		t.Errorf("request settings = %+v", req)
	}
	want := []unifiedllm.Message{
		unifiedllm.SystemMessage("sys"),
		unifiedllm.UserMessage("task"),
		{Role: unifiedllm.RoleAssistant, Content: []unifiedllm.ContentPart{
			unifiedllm.TextPart("looking"),
			unifiedllm.ToolCallPart("c1", "glob", json.RawMessage(`{"pattern":"*"}`)),
		}},
		unifiedllm.ToolResultMessage("c1", "Error: nope", true),
	}
	if diff := cmp.Diff(want, req.Messages); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}
	if len(req.ToolDefs) != 1 || req.ToolDefs[0].Name != "glob" {
		t.Errorf("tool defs = %+v", req.ToolDefs)
	}
}

func TestProposeWithoutToolsOmitsChoice(t *testing.T) {
	model := newScriptedModel(textReply("ok"))
	adapter := NewLLMAdapter(model, LLMConfig{Model: "m"}, nil)
	if _, err := adapter.Propose(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil); err != nil {
		t.Fatal(err)
	}
	if req := model.Requests()[0]; req.ToolChoice != nil || req.ToolDefs != nil {
		t.Errorf("request = %+v", req)
	}
}

func TestProposeToolCalls(t *testing.T) {
	model := newScriptedModel(toolReply(
		call("c1", "read_file", `{"path":"a.go"}`),
		call("", "glob", ``),
		call("c1", "grep", `null`),
	))
	adapter := NewLLMAdapter(model, LLMConfig{Model: "m"}, nil)
	p, err := adapter.Propose(context.Background(), []Message{{Role: RoleUser, Content: "go"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.ToolCalls) != 3 {
		t.Fatalf("calls = %+v", p.ToolCalls)
	}
	if p.ToolCalls[0].CallID != "c1" {
		t.Errorf("first id = %s", p.ToolCalls[0].CallID)
	}
	ids := map[string]bool{}
	for _, tc := range p.ToolCalls {
		if tc.CallID == "" || ids[tc.CallID] {
			t.Errorf("call ids must be present and unique: %+v", p.ToolCalls)
		}
		ids[tc.CallID] = true
	}
	if string(p.ToolCalls[1].Arguments) != "{}" || string(p.ToolCalls[2].Arguments) != "{}" {
		t.Errorf("empty arguments not normalized: %s %s", p.ToolCalls[1].Arguments, p.ToolCalls[2].Arguments)
	}
	if p.FinishReason != "tool_calls" || p.Usage.TotalTokens != 15 {
		t.Errorf("metadata = %+v", p)
	}
}

func TestProposeProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		step scriptStep
	}{
		{"nameless call", toolReply(call("c1", " ", `{}`))},
		{"array arguments", toolReply(call("c1", "glob", `["*"]`))},
		{"truncated arguments", toolReply(call("c1", "glob", `{"pattern":`))},
		{"empty response", textReply("  ")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := NewLLMAdapter(newScriptedModel(tt.step), LLMConfig{Model: "m"}, nil)
			_, err := adapter.Propose(context.Background(), []Message{{Role: RoleUser, Content: "go"}}, nil)
			if !unifiedllm.IsProtocolError(err) {
				t.Errorf("expected protocol error, got %v", err)
			}
		})
	}
}

func TestProposeStreamingMatchesComplete(t *testing.T) {
	steps := func() []scriptStep {
		return []scriptStep{
			toolReply(call("c1", "read_file", `{"path":"a.go"}`), call("c2", "glob", `{"pattern":"*"}`)),
			textReply("all done"),
		}
	}
	msgs := []Message{{Role: RoleUser, Content: "go"}}

	complete := NewLLMAdapter(newScriptedModel(steps()...), LLMConfig{Model: "m"}, nil)
	stream := NewLLMAdapter(newScriptedModel(steps()...), LLMConfig{Model: "m", Streaming: true}, nil)

	for i := 0; i < 2; i++ {
		a, err := complete.Propose(context.Background(), msgs, nil)
		if err != nil {
			t.Fatal(err)
		}
		b, err := stream.Propose(context.Background(), msgs, nil)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(a, b); diff != "" {
			t.Errorf("step %d: streaming differs (-complete +stream):\n%s", i, diff)
		}
	}
}

func TestProposeRetriesTransientErrors(t *testing.T) {
	model := newScriptedModel(
		errReply(&unifiedllm.ServerError{ProviderError: unifiedllm.ProviderError{SDKError: unifiedllm.SDKError{Message: "overloaded"}, Retryable: true}}),
		errReply(&unifiedllm.NetworkError{SDKError: unifiedllm.SDKError{Message: "reset"}}),
		textReply("recovered"),
	)
	adapter := NewLLMAdapter(model, LLMConfig{Model: "m", Retry: fastRetry}, nil)
	p, err := adapter.Propose(context.Background(), []Message{{Role: RoleUser, Content: "go"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Text != "recovered" || len(model.Requests()) != 3 {
		t.Errorf("text=%q requests=%d", p.Text, len(model.Requests()))
	}
}

func TestProposeDoesNotRetryPermanentErrors(t *testing.T) {
	authErr := &unifiedllm.AuthenticationError{ProviderError: unifiedllm.ProviderError{SDKError: unifiedllm.SDKError{Message: "bad key"}}}
	model := newScriptedModel(errReply(authErr), textReply("unreachable"))
	adapter := NewLLMAdapter(model, LLMConfig{Model: "m", Retry: fastRetry}, nil)

	_, err := adapter.Propose(context.Background(), []Message{{Role: RoleUser, Content: "go"}}, nil)
	var target *unifiedllm.AuthenticationError
	if !errors.As(err, &target) {
		t.Fatalf("err = %v", err)
	}
	if len(model.Requests()) != 1 {
		t.Errorf("requests = %d", len(model.Requests()))
	}
}

func TestProposeStreamCancelled(t *testing.T) {
	model := newScriptedModel(scriptStep{block: true})
	adapter := NewLLMAdapter(model, LLMConfig{Model: "m", Streaming: true}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := adapter.Propose(ctx, []Message{{Role: RoleUser, Content: "go"}}, nil); err == nil {
		t.Fatal("expected cancellation error")
	}
}

type brokenStream struct{ events []unifiedllm.StreamEvent }

func (b brokenStream) Complete(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
	return nil, errors.New("not used")
}

func (b brokenStream) Stream(context.Context, unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	ch := make(chan unifiedllm.StreamEvent, len(b.events))
	for _, ev := range b.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func TestProposeStreamWithoutFinish(t *testing.T) {
	adapter := NewLLMAdapter(brokenStream{events: []unifiedllm.StreamEvent{
		{Type: unifiedllm.TextDelta, Delta: "half"},
	}}, LLMConfig{Model: "m", Streaming: true}, nil)

	_, err := adapter.Propose(context.Background(), []Message{{Role: RoleUser, Content: "go"}}, nil)
	var streamErr *unifiedllm.StreamErrorType
	if !errors.As(err, &streamErr) {
		t.Errorf("err = %v", err)
	}
}
