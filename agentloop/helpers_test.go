package agentloop

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/martinemde/fusion/unifiedllm"
)

// scriptStep is one scripted model reply. When block is set the call waits
// for its context to end.
type scriptStep struct {
	resp  *unifiedllm.Response
	err   error
	block bool
}

// scriptedModel replays a fixed sequence of replies and records requests.
type scriptedModel struct {
	mu       sync.Mutex
	steps    []scriptStep
	requests []unifiedllm.Request
}

func newScriptedModel(steps ...scriptStep) *scriptedModel {
	return &scriptedModel{steps: steps}
}

func (m *scriptedModel) next(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if len(m.steps) == 0 {
		m.mu.Unlock()
		return nil, &unifiedllm.InvalidRequestError{ProviderError: unifiedllm.ProviderError{
			SDKError: unifiedllm.SDKError{Message: "script exhausted"},
		}}
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	m.mu.Unlock()

	if step.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return step.resp, step.err
}

func (m *scriptedModel) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	return m.next(ctx, req)
}

func (m *scriptedModel) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	resp, err := m.next(ctx, req)
	if err != nil {
		return nil, err
	}
	calls := resp.ToolCallsFromResponse()
	ch := make(chan unifiedllm.StreamEvent, len(calls)+3)
	ch <- unifiedllm.StreamEvent{Type: unifiedllm.StreamStart}
	if text := resp.Text(); text != "" {
		ch <- unifiedllm.StreamEvent{Type: unifiedllm.TextDelta, Delta: text}
	}
	for i := range calls {
		ch <- unifiedllm.StreamEvent{Type: unifiedllm.ToolCallEnd, ToolCall: &calls[i]}
	}
	ch <- unifiedllm.StreamEvent{Type: unifiedllm.StreamFinish, FinishReason: &resp.FinishReason, Usage: &resp.Usage}
	close(ch)
	return ch, nil
}

func (m *scriptedModel) Requests() []unifiedllm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]unifiedllm.Request(nil), m.requests...)
}

func textReply(text string) scriptStep {
	return scriptStep{resp: &unifiedllm.Response{
		Message:      unifiedllm.AssistantMessage(text),
		FinishReason: unifiedllm.FinishReason{Reason: "stop"},
		Usage:        unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}}
}

func toolReply(calls ...unifiedllm.ToolCall) scriptStep {
	msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	for _, c := range calls {
		msg.Content = append(msg.Content, unifiedllm.ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	return scriptStep{resp: &unifiedllm.Response{
		Message:      msg,
		FinishReason: unifiedllm.FinishReason{Reason: "tool_calls"},
		Usage:        unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}}
}

func errReply(err error) scriptStep { return scriptStep{err: err} }

func call(id, name, args string) unifiedllm.ToolCall {
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

type emptyArgs struct{}

// funcTool builds a test tool from a plain function.
func funcTool(name string, fn func(ctx context.Context) (string, error)) Tool {
	return newTypedTool(name, "test tool "+name, false, func(ctx context.Context, _ emptyArgs, _ ExecutionEnvironment) (string, error) {
		return fn(ctx)
	})
}

type testRig struct {
	model      *scriptedModel
	env        *LocalExecutionEnvironment
	dispatcher *Dispatcher
	session    *Session
}

func newTestRig(t *testing.T, cfg SessionConfig, model *scriptedModel, extra []Tool, opts ...SessionOption) *testRig {
	t.Helper()
	env, err := NewLocalExecutionEnvironment(t.TempDir())
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	registry, err := NewToolRegistry(append(CoreTools(CoreToolOptions{}), extra...)...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	dispatcher, err := NewDispatcher(DefaultDispatcherConfig(), registry, env)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	llm := NewLLMAdapter(model, LLMConfig{Model: "test-model"}, nil)
	opts = append([]SessionOption{WithLogger(zaptest.NewLogger(t))}, opts...)
	session, err := NewSession(cfg, DefaultProfile(), llm, dispatcher, opts...)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return &testRig{model: model, env: env, dispatcher: dispatcher, session: session}
}

// toolResults returns the tool_result messages of a transcript.
func toolResults(msgs []Message) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Role == RoleToolResult {
			out = append(out, m)
		}
	}
	return out
}
