package agentloop

import (
	"strings"
	"testing"
)

func TestTruncateOutput(t *testing.T) {
	in := strings.Repeat("a", 50) + strings.Repeat("b", 50)

	if got := TruncateOutput(in, 200, TruncateHeadTail); got != in {
		t.Error("output under the limit must be unchanged")
	}

	ht := TruncateOutput(in, 20, TruncateHeadTail)
	if !strings.HasPrefix(ht, strings.Repeat("a", 10)) || !strings.HasSuffix(ht, strings.Repeat("b", 10)) {
		t.Errorf("head_tail = %q", ht)
	}
	if !strings.Contains(ht, "80 characters were removed from the middle") {
		t.Errorf("head_tail marker missing: %q", ht)
	}

	tail := TruncateOutput(in, 20, TruncateTail)
	if !strings.HasSuffix(tail, strings.Repeat("b", 20)) || !strings.Contains(tail, "First 80 characters were removed") {
		t.Errorf("tail = %q", tail)
	}
}

func TestTruncateLines(t *testing.T) {
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, string(rune('0'+i)))
	}
	got := TruncateLines(strings.Join(lines, "\n"), 4)
	want := "0\n1\n[... 6 lines omitted ...]\n8\n9"
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

func TestTruncateToolOutputUsesOverrides(t *testing.T) {
	out := strings.Repeat("line\n", 300)
	if got := TruncateToolOutput(out, "bash", nil, nil); !strings.Contains(got, "lines omitted") {
		t.Error("default bash line limit not applied")
	}
	if got := TruncateToolOutput(out, "bash", nil, map[string]int{"bash": 1000}); got != out {
		t.Error("line limit override ignored")
	}
	if got := TruncateToolOutput(out, "read_file", map[string]int{"read_file": 10}, nil); !strings.Contains(got, "WARNING") {
		t.Error("char limit override ignored")
	}
}
