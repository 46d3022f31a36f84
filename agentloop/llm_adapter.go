package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martinemde/fusion/unifiedllm"
)

// Model is the transport the adapter talks to. *unifiedllm.Client
// satisfies it.
type Model interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
}

// LLMConfig holds the per-request model settings.
type LLMConfig struct {
	Model       string
	Provider    string
	Temperature *float64
	MaxTokens   *int
	// Streaming drains a stream into a full response instead of calling
	// Complete. The result is the same either way.
	Streaming bool
	Retry     unifiedllm.RetryPolicy
}

// Proposal is the model's answer for one cycle: tool calls to run, or a
// final text answer when ToolCalls is empty.
type Proposal struct {
	Text         string
	ToolCalls    []ToolCallRequest
	Reasoning    string
	FinishReason string
	Usage        unifiedllm.Usage
}

// LLMAdapter turns a conversation into a model request and the response
// into a validated Proposal.
type LLMAdapter struct {
	model  Model
	cfg    LLMConfig
	logger *zap.Logger
}

// NewLLMAdapter creates an adapter. logger may be nil.
func NewLLMAdapter(model Model, cfg LLMConfig, logger *zap.Logger) *LLMAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMAdapter{model: model, cfg: cfg, logger: logger}
}

// Config returns the adapter's settings.
func (a *LLMAdapter) Config() LLMConfig { return a.cfg }

// Propose sends messages and the available tools to the model. Transient
// transport failures are retried with the configured policy. A response
// with unparseable or nameless tool calls, or with neither text nor calls,
// is reported as *unifiedllm.InvalidToolCallError.
func (a *LLMAdapter) Propose(ctx context.Context, messages []Message, defs []ToolDefinition) (*Proposal, error) {
	req := unifiedllm.Request{
		Model:       a.cfg.Model,
		Provider:    a.cfg.Provider,
		Messages:    toLLMMessages(messages),
		ToolDefs:    toLLMToolDefs(defs),
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	}
	if len(req.ToolDefs) > 0 {
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}

	policy := a.cfg.Retry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		a.logger.Warn("model call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	resp, err := unifiedllm.Retry(ctx, policy, func(ctx context.Context) (*unifiedllm.Response, error) {
		if a.cfg.Streaming {
			return a.drain(ctx, req)
		}
		return a.model.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return toProposal(resp)
}

// drain consumes a stream until its finish event and returns the assembled
// response.
func (a *LLMAdapter) drain(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	events, err := a.model.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		text      strings.Builder
		reasoning strings.Builder
		calls     []unifiedllm.ToolCall
	)
	for {
		select {
		case <-ctx.Done():
			go func() {
				for range events {
				}
			}()
			return nil, &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: "stream cancelled", Cause: ctx.Err()}}
		case ev, ok := <-events:
			if !ok {
				return nil, &unifiedllm.StreamErrorType{SDKError: unifiedllm.SDKError{Message: "stream ended without a finish event"}}
			}
			switch ev.Type {
			case unifiedllm.TextDelta:
				text.WriteString(ev.Delta)
			case unifiedllm.ReasoningDelta:
				reasoning.WriteString(ev.Delta)
			case unifiedllm.ToolCallEnd:
				if ev.ToolCall != nil {
					calls = append(calls, *ev.ToolCall)
				}
			case unifiedllm.StreamError:
				go func() {
					for range events {
					}
				}()
				if ev.Error == nil {
					return nil, &unifiedllm.StreamErrorType{SDKError: unifiedllm.SDKError{Message: "stream failed"}}
				}
				return nil, ev.Error
			case unifiedllm.StreamFinish:
				go func() {
					for range events {
					}
				}()
				if ev.Response != nil {
					return ev.Response, nil
				}
				return assembleResponse(text.String(), reasoning.String(), calls, ev), nil
			}
		}
	}
}

func assembleResponse(text, reasoning string, calls []unifiedllm.ToolCall, finish unifiedllm.StreamEvent) *unifiedllm.Response {
	msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	if reasoning != "" {
		msg.Content = append(msg.Content, unifiedllm.ThinkingPart(reasoning, ""))
	}
	if text != "" {
		msg.Content = append(msg.Content, unifiedllm.TextPart(text))
	}
	for _, c := range calls {
		msg.Content = append(msg.Content, unifiedllm.ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	resp := &unifiedllm.Response{Message: msg}
	if finish.FinishReason != nil {
		resp.FinishReason = *finish.FinishReason
	}
	if finish.Usage != nil {
		resp.Usage = *finish.Usage
	}
	return resp
}

func toProposal(resp *unifiedllm.Response) (*Proposal, error) {
	p := &Proposal{
		Text:         strings.TrimSpace(resp.Text()),
		Reasoning:    resp.Reasoning(),
		FinishReason: resp.FinishReason.Reason,
		Usage:        resp.Usage,
	}

	seen := make(map[string]bool)
	for _, tc := range resp.ToolCallsFromResponse() {
		if strings.TrimSpace(tc.Name) == "" {
			return nil, invalidCall("tool call without a name", tc)
		}
		args := tc.Arguments
		if len(strings.TrimSpace(string(args))) == 0 || string(args) == "null" {
			args = json.RawMessage("{}")
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(args, &obj); err != nil {
			return nil, invalidCall(fmt.Sprintf("arguments for %s are not a JSON object", tc.Name), tc)
		}
		id := tc.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()[:8]
		}
		seen[id] = true
		p.ToolCalls = append(p.ToolCalls, ToolCallRequest{CallID: id, ToolName: tc.Name, Arguments: args})
	}

	if p.Text == "" && len(p.ToolCalls) == 0 {
		return nil, &unifiedllm.InvalidToolCallError{SDKError: unifiedllm.SDKError{Message: "model returned an empty response"}}
	}
	return p, nil
}

func invalidCall(msg string, tc unifiedllm.ToolCall) error {
	return &unifiedllm.InvalidToolCallError{
		SDKError: unifiedllm.SDKError{Message: msg},
		ToolName: tc.Name,
		Raw:      string(tc.Arguments),
	}
}

func toLLMMessages(messages []Message) []unifiedllm.Message {
	out := make([]unifiedllm.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, unifiedllm.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, unifiedllm.UserMessage(m.Content))
		case RoleAssistant:
			msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
			if m.Content != "" {
				msg.Content = append(msg.Content, unifiedllm.TextPart(m.Content))
			}
			for _, tc := range m.ToolCalls {
				msg.Content = append(msg.Content, unifiedllm.ToolCallPart(tc.CallID, tc.ToolName, tc.Arguments))
			}
			out = append(out, msg)
		case RoleToolResult:
			out = append(out, unifiedllm.ToolResultMessage(m.ToolCallID, m.Content, m.ToolStatus != StatusOK))
		}
	}
	return out
}

func toLLMToolDefs(defs []ToolDefinition) []unifiedllm.ToolDefinition {
	if len(defs) == 0 {
		return nil
	}
	out := make([]unifiedllm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = unifiedllm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}
