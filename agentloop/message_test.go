package agentloop

import (
	"encoding/json"
	"testing"
)

func TestConversationAppend(t *testing.T) {
	conv := NewConversationState(HeuristicCounter{})
	a := conv.Append(Message{Role: RoleSystem, Content: "system prompt", Pinned: true})
	b := conv.Append(Message{Role: RoleUser, Content: "task"})

	if a.Seq != 1 || b.Seq != 2 {
		t.Errorf("seq = %d, %d", a.Seq, b.Seq)
	}
	if a.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	if a.TokenCount != messageOverhead+(HeuristicCounter{}).Count("system prompt") {
		t.Errorf("token count = %d", a.TokenCount)
	}
	if conv.TokenCount() != a.TokenCount+b.TokenCount {
		t.Errorf("accumulator = %d", conv.TokenCount())
	}
	if last, ok := conv.Last(); !ok || last.Seq != 2 {
		t.Errorf("last = %+v", last)
	}
}

func TestConversationAppendIgnoresCallerTokenCount(t *testing.T) {
	conv := NewConversationState(HeuristicCounter{})
	m := conv.Append(Message{Role: RoleUser, Content: "abcdefgh", TokenCount: 999})
	if m.TokenCount != messageOverhead+2 {
		t.Errorf("token count = %d", m.TokenCount)
	}
}

func TestConversationCopiesAreIsolated(t *testing.T) {
	conv := NewConversationState(nil)
	conv.Append(Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCallRequest{{CallID: "c1", ToolName: "glob", Arguments: json.RawMessage(`{}`)}},
	})

	msgs := conv.Messages()
	msgs[0].Content = "mutated"
	msgs[0].ToolCalls[0].ToolName = "bash"

	again := conv.Messages()
	if again[0].Content != "" || again[0].ToolCalls[0].ToolName != "glob" {
		t.Errorf("stored message was mutated through a copy: %+v", again[0])
	}
}

func TestConversationReplaceRecomputesTokens(t *testing.T) {
	conv := NewConversationState(HeuristicCounter{})
	conv.Append(Message{Role: RoleSystem, Content: "sys", Pinned: true})
	conv.Append(Message{Role: RoleUser, Content: "a long message that will be dropped"})
	conv.Append(Message{Role: RoleUser, Content: "kept"})

	msgs := conv.Messages()
	conv.Replace([]Message{msgs[0], msgs[2]})

	if conv.Len() != 2 {
		t.Fatalf("len = %d", conv.Len())
	}
	if want := msgs[0].TokenCount + msgs[2].TokenCount; conv.TokenCount() != want {
		t.Errorf("tokens = %d, want %d", conv.TokenCount(), want)
	}
	if conv.Contains(2) || !conv.Contains(3) {
		t.Error("Contains does not reflect the replaced sequence")
	}
	next := conv.Append(Message{Role: RoleUser, Content: "after"})
	if next.Seq != 4 {
		t.Errorf("sequence numbers must keep increasing, got %d", next.Seq)
	}
}

func TestMessageTokensCountsToolCalls(t *testing.T) {
	c := HeuristicCounter{}
	plain := MessageTokens(c, Message{Content: "text"})
	withCall := MessageTokens(c, Message{Content: "text", ToolCalls: []ToolCallRequest{
		{ToolName: "read_file", Arguments: json.RawMessage(`{"path":"main.go"}`)},
	}})
	if withCall <= plain {
		t.Errorf("tool calls not counted: %d <= %d", withCall, plain)
	}
}
