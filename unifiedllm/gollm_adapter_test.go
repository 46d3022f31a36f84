package unifiedllm

import (
	"errors"
	"testing"
)

func TestGollmAdapterTranslateError(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}

	tests := []struct {
		msg       string
		check     func(error) bool
		retryable bool
	}{
		{"401 Unauthorized", func(e error) bool { var x *AuthenticationError; return errors.As(e, &x) }, false},
		{"invalid api key", func(e error) bool { var x *AuthenticationError; return errors.As(e, &x) }, false},
		{"403 Forbidden", func(e error) bool { var x *AccessDeniedError; return errors.As(e, &x) }, false},
		{"404 not found", func(e error) bool { var x *NotFoundError; return errors.As(e, &x) }, false},
		{"429 rate limit exceeded", func(e error) bool { var x *RateLimitError; return errors.As(e, &x) }, true},
		{"context length exceeded", func(e error) bool { var x *ContextLengthError; return errors.As(e, &x) }, false},
		{"500 internal server error", func(e error) bool { var x *ServerError; return errors.As(e, &x) }, true},
		{"timeout waiting for response", func(e error) bool { var x *RequestTimeoutError; return errors.As(e, &x) }, true},
		{"content filter triggered", func(e error) bool { var x *ContentFilterError; return errors.As(e, &x) }, false},
		{"dial tcp: connection refused", func(e error) bool { var x *NetworkError; return errors.As(e, &x) }, true},
		{"context canceled", func(e error) bool { var x *AbortError; return errors.As(e, &x) }, false},
		{"something unknown", func(e error) bool { var x *ProviderError; return errors.As(e, &x) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := adapter.translateError(errors.New(tt.msg))
			if !tt.check(err) {
				t.Errorf("unexpected error type %T", err)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestParseToolCallsPlainText(t *testing.T) {
	prose, calls, err := ParseToolCalls("The fix is done.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prose != "The fix is done." || len(calls) != 0 {
		t.Errorf("got prose %q calls %v", prose, calls)
	}
}

func TestParseToolCallsArray(t *testing.T) {
	text := `Let me look. [{"name": "read_file", "arguments": {"path": "auth.py"}}, {"id": "c2", "name": "grep", "arguments": {"pattern": "login"}}]`
	prose, calls, err := ParseToolCalls(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prose != "Let me look." {
		t.Errorf("prose = %q", prose)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "read_file" || calls[0].ID == "" {
		t.Errorf("unexpected first call %+v", calls[0])
	}
	if calls[1].ID != "c2" {
		t.Errorf("expected provided id to be kept, got %q", calls[1].ID)
	}
}

func TestParseToolCallsWrapped(t *testing.T) {
	text := `{"tool_calls": [{"name": "bash", "arguments": null}]}`
	_, calls, err := ParseToolCalls(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 1 || string(calls[0].Arguments) != "{}" {
		t.Errorf("unexpected calls %+v", calls)
	}
}

func TestParseToolCallsTrailingProse(t *testing.T) {
	text := "I'll read it.\n{\"tool_calls\":[{\"name\":\"read_file\",\"arguments\":{\"path\":\"a.go\"}}]}\nThen I will fix it."
	prose, calls, err := ParseToolCalls(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 1 || calls[0].Name != "read_file" || string(calls[0].Arguments) != `{"path":"a.go"}` {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if prose != "I'll read it.\n\nThen I will fix it." {
		t.Errorf("prose = %q", prose)
	}
}

func TestParseToolCallsIncidentalJSONIsProse(t *testing.T) {
	text := `Done. The config looks like [{"name": "x"} ] in the file.`
	prose, calls, err := ParseToolCalls(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prose != text || len(calls) != 0 {
		t.Errorf("got prose %q calls %v", prose, calls)
	}

	text = `Entries look like [{"name": "x"}]. Now: [{"name": "glob", "arguments": {"pattern": "*.go"}}]`
	prose, calls, err = ParseToolCalls(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 1 || calls[0].Name != "glob" {
		t.Fatalf("expected the later block to be parsed, got %+v", calls)
	}
	if prose != `Entries look like [{"name": "x"}]. Now:` {
		t.Errorf("prose = %q", prose)
	}
}

func TestParseToolCallsMalformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"truncated json", `[{"name": "read_file", "arguments": {"path": "a.go"`},
		{"string arguments", `[{"name": "read_file", "arguments": "a.go"}]`},
		{"missing name", `{"tool_calls": [{"name": "", "arguments": {}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseToolCalls(tt.text)
			var itc *InvalidToolCallError
			if !errors.As(err, &itc) {
				t.Fatalf("expected InvalidToolCallError, got %v", err)
			}
			if itc.Raw != tt.text {
				t.Errorf("expected raw text to be preserved")
			}
		})
	}
}

func TestBuildResponseFinishReason(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai", model: "gpt-4o"}

	resp, err := adapter.buildResponse(Request{}, `[{"name": "glob", "arguments": {"pattern": "**/*.go"}}]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls finish, got %q", resp.FinishReason.Reason)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("expected adapter default model, got %q", resp.Model)
	}

	resp, err = adapter.buildResponse(Request{Model: "gpt-4.1"}, "all done")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FinishReason.Reason != "stop" || resp.Text() != "all done" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestEstimateTokens(t *testing.T) {
	req := Request{
		Messages: []Message{
			UserMessage("Hello world, this is a test message."),
			ToolResultMessage("c1", "some tool output here", false),
		},
	}
	if tokens := estimateTokens(req); tokens <= 0 {
		t.Errorf("expected positive token estimate, got %d", tokens)
	}
	if tokens := estimateTokens(Request{}); tokens != 10 {
		t.Errorf("expected default token estimate of 10, got %d", tokens)
	}
}
