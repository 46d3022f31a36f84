package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/teilomillet/gollm"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/martinemde/fusion/agentloop"
	"github.com/martinemde/fusion/unifiedllm"
)

// NewLogger builds the process logger: JSON at info level, or a
// human-readable development logger at debug level when verbose.
func (c *Config) NewLogger() (*zap.Logger, error) {
	var zc zap.Config
	if c.Logging.Verbose {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// NewClient builds the LLM client for the llm section.
func (c *Config) NewClient(logger *zap.Logger) (*unifiedllm.Client, error) {
	opts := []unifiedllm.GollmAdapterOption{
		unifiedllm.WithModel(c.LLM.Model),
		unifiedllm.WithTemperature(c.LLM.Temperature),
	}
	if c.LLM.MaxTokens > 0 {
		opts = append(opts, unifiedllm.WithMaxTokens(c.LLM.MaxTokens))
	}
	if c.LLM.BaseURL != "" {
		if c.LLM.Provider != "ollama" {
			return nil, fmt.Errorf("base_url is only supported for the ollama provider, got %q", c.LLM.Provider)
		}
		opts = append(opts, unifiedllm.WithGollmOptions(gollm.SetOllamaEndpoint(c.LLM.BaseURL)))
	}
	adapter, err := unifiedllm.NewGollmAdapter(c.LLM.Provider, c.LLM.APIKey, opts...)
	if err != nil {
		return nil, err
	}
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(c.LLM.Provider, adapter),
		unifiedllm.WithMiddleware(
			unifiedllm.LoggingMiddleware(logger),
			unifiedllm.TimeoutMiddleware(seconds(c.LLM.Timeout)),
		),
	), nil
}

// ErrUnknownAgent is returned when no profile matches the configured agent.
var ErrUnknownAgent = errors.New("unknown agent")

// Profile resolves the configured agent: "default" is built in, a path to
// an existing file is loaded directly, anything else is matched by name
// against the profiles in AgentsDir.
func (c *Config) Profile() (*agentloop.AgentProfile, error) {
	name := strings.TrimSpace(c.Agent.Agent)
	if name == "" || name == "default" {
		return agentloop.DefaultProfile(), nil
	}
	if info, err := os.Stat(expandHome(name)); err == nil && !info.IsDir() {
		return agentloop.LoadProfile(expandHome(name))
	}

	profiles, err := LoadProfiles(expandHome(c.Agent.AgentsDir))
	if err != nil {
		return nil, err
	}
	if p, ok := profiles[name]; ok {
		return p, nil
	}
	known := make([]string, 0, len(profiles)+1)
	known = append(known, "default")
	for n := range profiles {
		known = append(known, n)
	}
	sort.Strings(known)
	return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownAgent, name, strings.Join(known, ", "))
}

// LoadProfiles reads every *.md profile in dir, keyed by profile name. A
// missing directory has no profiles.
func LoadProfiles(dir string) (map[string]*agentloop.AgentProfile, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	profiles := make(map[string]*agentloop.AgentProfile, len(paths))
	for _, path := range paths {
		p, err := agentloop.LoadProfile(path)
		if err != nil {
			return nil, err
		}
		if _, dup := profiles[p.Name]; dup {
			return nil, fmt.Errorf("agent %q is defined more than once in %s", p.Name, dir)
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}
