package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/martinemde/fusion/agentloop"
	"github.com/martinemde/fusion/tts"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// clearEnv unsets the variables Load reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"OPENAI_API_KEY", "LLM_BASE_URL", "LLM_MODEL", "LOGS_DIR", "VERBOSE"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("FUSION_TEST_KEY", "from-file-env")
	t.Setenv("LLM_MODEL", "env-model")
	path := writeFile(t, t.TempDir(), "fusion.yaml", `
llm:
  model: file-model
  api_key: ${FUSION_TEST_KEY}
  temperature: 0.5
agent_config:
  max_iterations: 12
  yolo: true
logging:
  logs_dir: $FUSION_UNSET_VAR/logs
tts:
  trajectories: 6
  tie_break: index
`)

	core, logs := observer.New(zap.InfoLevel)
	cfg, err := Load(path, zap.New(core))
	require.NoError(t, err)

	assert.Equal(t, "env-model", cfg.LLM.Model, "environment beats the file")
	assert.Equal(t, "from-file-env", cfg.LLM.APIKey, "${VAR} is expanded")
	assert.Equal(t, 0.5, cfg.LLM.Temperature)
	assert.Equal(t, "openai", cfg.LLM.Provider, "unset keys keep their defaults")
	assert.Equal(t, 12, cfg.Agent.MaxIterations)
	assert.Equal(t, 100000, cfg.Agent.MaxContextTokens)
	assert.True(t, cfg.Agent.YOLO)
	assert.Equal(t, "$FUSION_UNSET_VAR/logs", cfg.Logging.LogsDir, "unset variables are left as written")
	assert.Equal(t, 6, cfg.TTS.Trajectories)
	assert.Equal(t, tts.TieBreakIndex, cfg.TTS.TieBreak)
	assert.Equal(t, tts.DedupLiteral, cfg.TTS.Dedup)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, 1, logs.FilterMessage("loaded configuration").Len())
}

func TestLoadLegacyAgentSection(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "fusion.yaml", "agent:\n  max_iterations: 7\n  agent: reviewer\n")
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Agent.MaxIterations)
	assert.Equal(t, "reviewer", cfg.Agent.Agent)

	path = writeFile(t, t.TempDir(), "fusion.yaml", "agent:\n  max_iterations: 7\nagent_config:\n  max_iterations: 9\n")
	cfg, err = Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Agent.MaxIterations, "agent_config wins over the legacy key")
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := writeFile(t, t.TempDir(), "bad.yaml", "llm: [\n")
	_, err = Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestLoadSearchPaths(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	first := writeFile(t, dir, "a.yaml", "llm:\n  model: first\n")
	second := writeFile(t, dir, "b.yaml", "llm:\n  model: second\n")

	orig := SearchPaths
	t.Cleanup(func() { SearchPaths = orig })

	SearchPaths = []string{filepath.Join(dir, "none.yaml"), first, second}
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", cfg.LLM.Model)
	assert.Equal(t, first, cfg.Path)

	SearchPaths = []string{filepath.Join(dir, "none.yaml")}
	cfg, err = Load("", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, 200, cfg.Agent.MaxIterations)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"OPENAI_API_KEY": "sk-test",
		"LLM_BASE_URL":   "http://localhost:11434",
		"LOGS_DIR":       "/var/log/fusion",
		"VERBOSE":        "Yes",
	}
	cfg := Default()
	cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.BaseURL)
	assert.Equal(t, "/var/log/fusion", cfg.Logging.LogsDir)
	assert.True(t, cfg.Logging.Verbose)

	env["VERBOSE"] = "off"
	cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	assert.False(t, cfg.Logging.Verbose)
}

func TestExpandEnv(t *testing.T) {
	lookup := func(k string) (string, bool) {
		v, ok := map[string]string{"HOME": "/home/me", "EMPTY": ""}[k]
		return v, ok
	}
	tests := []struct {
		in, want string
	}{
		{"${HOME}/x", "/home/me/x"},
		{"$HOME/x", "/home/me/x"},
		{"a${EMPTY}b", "ab"},
		{"${NOPE}", "${NOPE}"},
		{"cost: $5", "cost: $5"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, expandEnv(tt.in, lookup), tt.in)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "sk"
	cfg.LLM.Model = "gpt-4o"
	require.NoError(t, cfg.Validate())

	bad := Default()
	bad.LLM.Temperature = 3
	bad.LLM.Timeout = 0
	bad.LLM.BaseURL = "localhost"
	bad.Agent.MaxIterations = 0
	bad.Agent.RemoteToolEnabled = true
	bad.TTS.Trajectories = 0
	err := bad.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"LLM API key is required",
		"LLM model is required",
		"(e.g. gpt-4o)",
		"temperature must be 0-2, got 3",
		"timeout must be positive, got 0",
		"base_url must be an absolute URL",
		"max_iterations must be positive, got 0",
		"remote_tool_url is required",
		"tts: trajectories must be at least 1",
	} {
		assert.Contains(t, err.Error(), want)
	}

	ollama := Default()
	ollama.LLM.Provider = "ollama"
	ollama.LLM.Model = "llama3"
	assert.NoError(t, ollama.Validate(), "ollama needs no API key")
}

func TestMappings(t *testing.T) {
	cfg := Default()
	cfg.Agent.YOLO = true
	cfg.Agent.MaxIterations = 5
	cfg.Agent.BashTimeout = 10
	cfg.LLM.MaxTokens = 2048
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxRetries = 1

	s := cfg.SessionConfig()
	assert.Equal(t, agentloop.SessionConfig{
		MaxIterations:       5,
		MaxContextTokens:    100000,
		RecentTurns:         agentloop.DefaultRecentTurns,
		AutoApprove:         true,
		EnableLoopDetection: true,
		LoopDetectionWindow: 10,
	}, s)

	cfg.LLM.Model = "qwen2.5-coder-32b-instruct"
	assert.Equal(t, 32768, cfg.SessionConfig().MaxContextTokens, "capped at the model's context window")
	cfg.LLM.Model = "gpt-4.1"
	assert.Equal(t, 100000, cfg.SessionConfig().MaxContextTokens)

	d := cfg.DispatcherConfig()
	assert.Equal(t, agentloop.ModeLocal, d.Mode)
	assert.Equal(t, 60*time.Second, d.ToolTimeout)
	assert.Equal(t, 10*time.Second, d.Tools.BashTimeout)

	cfg.Agent.RemoteToolEnabled = true
	cfg.Agent.RemoteToolURL = "http://sandbox:8765"
	cfg.Agent.RemoteToolInstanceID = "inst-1"
	cfg.Agent.RemoteToolTimeout = 90
	d = cfg.DispatcherConfig()
	assert.Equal(t, agentloop.ModeRemote, d.Mode)
	assert.Equal(t, "http://sandbox:8765", d.SandboxURL)
	assert.Equal(t, "inst-1", d.InstanceID)
	assert.Equal(t, 90*time.Second, d.ToolTimeout)

	l := cfg.LLMConfig()
	require.NotNil(t, l.MaxTokens)
	assert.Equal(t, 2048, *l.MaxTokens)
	require.NotNil(t, l.Temperature)
	assert.Equal(t, 0.2, *l.Temperature)
	assert.Equal(t, 1, l.Retry.MaxRetries)

	cfg.LLM.MaxTokens = 0
	assert.Nil(t, cfg.LLMConfig().MaxTokens)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".fusion/logs"), expandHome("~/.fusion/logs"))
	assert.Equal(t, home, expandHome("~"))
	assert.Equal(t, "/abs/~x", expandHome("/abs/~x"))
	assert.Equal(t, "~other/x", expandHome("~other/x"))
}
