package agentloop

import (
	"time"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// Message is one entry in a conversation. Messages are values: the store
// hands out copies and never mutates an appended message in place.
type Message struct {
	Seq        int               `json:"seq"`
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	ToolStatus ToolStatus        `json:"tool_status,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	TokenCount int               `json:"token_count"`
	Pinned     bool              `json:"pinned,omitempty"`
	Summarized bool              `json:"summarized,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

func (m Message) clone() Message {
	if m.ToolCalls != nil {
		calls := make([]ToolCallRequest, len(m.ToolCalls))
		copy(calls, m.ToolCalls)
		m.ToolCalls = calls
	}
	return m
}

// ConversationState is the ordered message sequence of one session together
// with its running token count. It is owned by a single Session and is not
// safe for concurrent use.
type ConversationState struct {
	messages []Message
	tokens   int
	nextSeq  int
	counter  TokenCounter
}

// NewConversationState creates an empty conversation that measures messages
// with counter.
func NewConversationState(counter TokenCounter) *ConversationState {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	return &ConversationState{counter: counter, nextSeq: 1}
}

// Append assigns the next sequence number, measures the message and adds it
// to the end of the conversation. It returns the stored copy.
func (c *ConversationState) Append(m Message) Message {
	m = m.clone()
	m.Seq = c.nextSeq
	c.nextSeq++
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.TokenCount = MessageTokens(c.counter, m)
	c.messages = append(c.messages, m)
	c.tokens += m.TokenCount
	return m.clone()
}

// Replace installs a compressed sequence. Sequence numbers are kept as they
// are; the token accumulator is recomputed from the new messages.
func (c *ConversationState) Replace(msgs []Message) {
	c.messages = make([]Message, len(msgs))
	c.tokens = 0
	for i, m := range msgs {
		c.messages[i] = m.clone()
		c.tokens += m.TokenCount
	}
}

// Messages returns a copy of the conversation.
func (c *ConversationState) Messages() []Message {
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.clone()
	}
	return out
}

// Last returns the most recent message, if any.
func (c *ConversationState) Last() (Message, bool) {
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1].clone(), true
}

// Contains reports whether the message with the given sequence number is
// still part of the conversation.
func (c *ConversationState) Contains(seq int) bool {
	for _, m := range c.messages {
		if m.Seq == seq {
			return true
		}
	}
	return false
}

// TokenCount returns the sum of the token counts of all messages.
func (c *ConversationState) TokenCount() int { return c.tokens }

// Len returns the number of messages.
func (c *ConversationState) Len() int { return len(c.messages) }
