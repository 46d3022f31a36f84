package tts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	err := Config{Trajectories: 2, Parallelism: -1, Dedup: "fuzzy", TestGlobs: []string{"[bad"}}.Validate()
	require.Error(t, err)
	for _, want := range []string{"parallelism must not be negative", `unknown dedup mode "fuzzy"`, `invalid test glob "[bad"`} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestConfigYAML(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(`
trajectories: 8
parallelism: 3
tie_break: earliest_completion
dedup: normalized
test_command: pytest {path}
test_timeout: 90s
`), &cfg))
	assert.Equal(t, 8, cfg.Trajectories)
	assert.Equal(t, TieBreakEarliestCompletion, cfg.TieBreak)
	assert.Equal(t, DedupNormalized, cfg.Dedup)
	assert.Equal(t, 90*time.Second, cfg.TestTimeout)

	cfg = cfg.withDefaults()
	assert.Equal(t, DefaultTestGlobs, cfg.TestGlobs)
	assert.Equal(t, 4, cfg.ValidationParallelism)
}

func TestIsTestFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"loop_test.go", true},
		{"pkg/loop/loop_test.go", true},
		{"loop.go", false},
		{"tests/test_loop.py", true},
		{"src/loop.test.ts", true},
		{"src/LoopTest.java", true},
		{"testdata/input.txt", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, isTestFile(DefaultTestGlobs, tt.path))
		})
	}
}
