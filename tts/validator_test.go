package tts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newCandidate(t *testing.T, base string, files map[string]string, own ...TestCase) *RunRecord {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, copyTree(context.Background(), base, dir))
	writeTree(t, dir, files)
	return newRunRecord(recordInput{TrajectoryID: "r-t0", WorkspaceDir: dir, Verdict: done, Tests: own})
}

func TestCommandValidator(t *testing.T) {
	base := t.TempDir()
	writeTree(t, base, map[string]string{
		"bound.env":         "UPPER=9\n",
		"tests/baseline.sh": "exit 0\n",
	})
	own := []TestCase{
		{Path: "tests/own.sh", Content: "exit 0\n"},
		{Path: "tests/baseline.sh", Content: "exit 1\n"},
	}
	candidate := newCandidate(t, base, map[string]string{
		"bound.env":         "UPPER=10\n",
		"tests/own.sh":      "exit 0\n",
		"tests/baseline.sh": "exit 1\n",
	}, own...)

	cfg := DefaultConfig()
	cfg.TestCommand = "bash {path}"
	cfg.TestTimeout = 500 * time.Millisecond
	v := NewCommandValidator(base, cfg, zaptest.NewLogger(t))

	pool := []TestCase{
		{Name: "upper", Path: "tests/upper.sh", Content: ". ./bound.env\n[ \"$UPPER\" = 10 ]\n"},
		{Name: "wrong", Path: "tests/wrong.sh", Content: ". ./bound.env\n[ \"$UPPER\" = 11 ]\n"},
		// The candidate's own tests are reverted before a pooled test runs.
		{Name: "reverted", Path: "tests/check.sh", Content: "[ ! -e tests/own.sh ] && grep -q 'exit 0' tests/baseline.sh\n"},
		{Name: "slow", Path: "tests/slow.sh", Content: "sleep 5\n"},
		{Name: "nested", Path: "deep/dir/t.sh", Content: "exit 0\n"},
	}
	results, err := v.Validate(context.Background(), candidate, pool)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, false, true}, results)

	// Scratch copies never touch the candidate workspace.
	data, err := os.ReadFile(filepath.Join(candidate.WorkspaceDir(), "tests/baseline.sh"))
	require.NoError(t, err)
	assert.Equal(t, "exit 1\n", string(data))
	_, err = os.Stat(filepath.Join(candidate.WorkspaceDir(), "tests/upper.sh"))
	assert.True(t, os.IsNotExist(err))
}

func TestCommandValidatorRejectsEscapingPaths(t *testing.T) {
	base := t.TempDir()
	candidate := newCandidate(t, base, nil)
	cfg := DefaultConfig()
	cfg.TestCommand = "true"
	v := NewCommandValidator(base, cfg, nil)

	_, err := v.Validate(context.Background(), candidate, []TestCase{{Name: "x", Path: "../../x.sh", Content: "exit 0"}})
	require.NoError(t, err, "cleaned paths stay inside the scratch copy")

	_, err = v.Validate(context.Background(), candidate, []TestCase{{Name: "root", Path: "/", Content: "exit 0"}})
	assert.Error(t, err)
}

func TestCommandValidatorCancelled(t *testing.T) {
	base := t.TempDir()
	candidate := newCandidate(t, base, nil)
	cfg := DefaultConfig()
	cfg.TestCommand = "sleep 5"
	v := NewCommandValidator(base, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := v.Validate(ctx, candidate, []TestCase{{Name: "a", Path: "a.sh"}})
	assert.Error(t, err)
}

func TestExpandTestCommand(t *testing.T) {
	tests := []struct {
		command string
		path    string
		want    string
	}{
		{"go test ./{dir}", "pkg/loop/loop_test.go", "go test ./'pkg/loop'"},
		{"go test ./{dir}", "loop_test.go", "go test ./'.'"},
		{"pytest {path}", "tests/test_it's.py", `pytest 'tests/test_it'\''s.py'`},
		{"npx jest {path} --dir {dir}", "src/a b.test.js", "npx jest 'src/a b.test.js' --dir 'src'"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, expandTestCommand(tt.command, tt.path))
		})
	}
}
