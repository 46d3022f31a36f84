package agentloop

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultRecentTurns is the number of most recent turns kept verbatim.
const DefaultRecentTurns = 4

const synopsisPrefix = "[summarized] "

// definitionPattern picks out named definitions in source listings, with or
// without read_file's "N | " line prefix.
var definitionPattern = regexp.MustCompile(`^\s*(?:\d+ \| )?\s*(?:export\s+)?(?:async\s+)?(?:func|def|class|type|function|interface|struct)\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)`)

// Compressor fits a conversation into a token budget. Pinned messages are
// never altered. The most recent RecentTurns turns stay verbatim, older tool
// results are reduced to one-line synopses, and whole turns are evicted
// oldest first while the budget is still exceeded.
type Compressor struct {
	RecentTurns int
	Counter     TokenCounter
}

// NewCompressor creates a Compressor. A non-positive recentTurns selects
// DefaultRecentTurns.
func NewCompressor(recentTurns int, counter TokenCounter) *Compressor {
	if recentTurns <= 0 {
		recentTurns = DefaultRecentTurns
	}
	if counter == nil {
		counter = HeuristicCounter{}
	}
	return &Compressor{RecentTurns: recentTurns, Counter: counter}
}

// turn is a group of non-pinned message indexes that must be kept or
// evicted together: an assistant message with the tool results answering
// it, or any other single message.
type turn []int

func groupTurns(msgs []Message) []turn {
	var turns []turn
	open := -1 // index into turns of the assistant turn accepting results
	for i, m := range msgs {
		if m.Pinned {
			continue
		}
		switch {
		case m.Role == RoleAssistant:
			turns = append(turns, turn{i})
			open = len(turns) - 1
		case m.Role == RoleToolResult && open >= 0:
			turns[open] = append(turns[open], i)
		default:
			turns = append(turns, turn{i})
			open = -1
		}
	}
	return turns
}

// Compress returns messages fitted to budget. When the input already fits it
// is returned unchanged. The result is within budget whenever budget covers
// the pinned messages, and compressing the result again at the same budget
// changes nothing.
func (c *Compressor) Compress(messages []Message, budget int) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m.clone()
		if out[i].TokenCount == 0 {
			out[i].TokenCount = MessageTokens(c.Counter, out[i])
		}
	}
	if totalTokens(out) <= budget {
		return out
	}

	turns := groupTurns(out)
	windowStart := len(turns) - c.RecentTurns
	if windowStart < 0 {
		windowStart = 0
	}

	for _, t := range turns[:windowStart] {
		calls := map[string]*ToolCallRequest{}
		for _, i := range t {
			for j := range out[i].ToolCalls {
				calls[out[i].ToolCalls[j].CallID] = &out[i].ToolCalls[j]
			}
		}
		for _, i := range t {
			m := out[i]
			if m.Role != RoleToolResult || m.Summarized {
				continue
			}
			syn := Synopsis(m, calls[m.ToolCallID])
			candidate := m
			candidate.Content = syn
			tokens := MessageTokens(c.Counter, candidate)
			if tokens >= m.TokenCount {
				continue
			}
			candidate.Summarized = true
			candidate.TokenCount = tokens
			out[i] = candidate
		}
	}

	total := totalTokens(out)
	evicted := make([]bool, len(out))
	// Turns are chronological and the window is the tail, so this evicts
	// summarized history before touching the window.
	for _, t := range turns {
		if total <= budget {
			break
		}
		for _, i := range t {
			evicted[i] = true
			total -= out[i].TokenCount
		}
	}

	kept := out[:0]
	for i, m := range out {
		if !evicted[i] {
			kept = append(kept, m)
		}
	}
	return kept
}

// Synopsis renders a tool result as a short status line such as
// "read_file(auth.py) → ok, 240 lines, defines login".
func Synopsis(m Message, call *ToolCallRequest) string {
	name := m.ToolName
	target := ""
	if call != nil {
		if name == "" {
			name = call.ToolName
		}
		target = primaryArgument(call.Arguments)
	}
	status := m.ToolStatus
	if status == "" {
		status = StatusOK
	}
	lines := 0
	if m.Content != "" {
		lines = strings.Count(strings.TrimRight(m.Content, "\n"), "\n") + 1
	}

	s := fmt.Sprintf("%s%s(%s) → %s, %d lines", synopsisPrefix, name, target, status, lines)
	if fact := salientFact(m.Content, status); fact != "" {
		s += ", " + fact
	}
	return s
}

func primaryArgument(raw json.RawMessage) string {
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return ""
	}
	for _, key := range []string{"path", "pattern", "command"} {
		if v, ok := args[key].(string); ok {
			return clip(v, 60)
		}
	}
	return ""
}

func salientFact(content string, status ToolStatus) string {
	if status != StatusOK {
		for _, line := range strings.Split(content, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				return clip(line, 80)
			}
		}
		return ""
	}
	var names []string
	for _, line := range strings.Split(content, "\n") {
		if match := definitionPattern.FindStringSubmatch(line); match != nil {
			names = append(names, match[1])
			if len(names) == 3 {
				break
			}
		}
	}
	if len(names) == 0 {
		return ""
	}
	return "defines " + strings.Join(names, ", ")
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
