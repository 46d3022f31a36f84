package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// toolCallSignature is the tool name plus a hash of its arguments.
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentSignatures returns up to count signatures of the latest tool calls
// in chronological order.
func recentSignatures(messages []Message, count int) []string {
	var sigs []string
	for i := len(messages) - 1; i >= 0 && len(sigs) < count; i-- {
		m := messages[i]
		if m.Role != RoleAssistant {
			continue
		}
		for j := len(m.ToolCalls) - 1; j >= 0 && len(sigs) < count; j-- {
			tc := m.ToolCalls[j]
			sigs = append(sigs, toolCallSignature(tc.ToolName, tc.Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize tool calls repeat a pattern
// of length 1, 2 or 3 at least twice.
func DetectLoop(messages []Message, windowSize int) bool {
	if windowSize <= 0 {
		return false
	}
	sigs := recentSignatures(messages, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3 && patternLen*2 <= windowSize; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		matched := true
		for i := patternLen; i < windowSize && matched; i++ {
			matched = sigs[i] == sigs[i%patternLen]
		}
		if matched {
			return true
		}
	}
	return false
}
