// Package config resolves fusion's configuration from defaults, a YAML file
// and environment variables, and maps it onto the option structs of the
// runtime packages.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/fusion/agentloop"
	"github.com/martinemde/fusion/tts"
	"github.com/martinemde/fusion/unifiedllm"
)

// SearchPaths are tried in order when no config file is named.
var SearchPaths = []string{".fusion.yaml", "~/.fusion.yaml", "~/.config/fusion/config.yaml"}

// LLMConfig configures the model transport.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	// MaxTokens of zero leaves the provider default.
	MaxTokens int `yaml:"max_tokens"`
	// Timeout bounds one model request, in seconds.
	Timeout    int  `yaml:"timeout"`
	MaxRetries int  `yaml:"max_retries"`
	Streaming  bool `yaml:"streaming"`
}

// AgentConfig configures a single run.
type AgentConfig struct {
	MaxIterations    int  `yaml:"max_iterations"`
	MaxContextTokens int  `yaml:"max_context_tokens"`
	RecentTurns      int  `yaml:"recent_turns"`
	YOLO             bool `yaml:"yolo"`
	// Agent is a profile name looked up in AgentsDir, a path to a profile
	// file, or "default".
	Agent               string `yaml:"agent"`
	AgentsDir           string `yaml:"agents_dir"`
	WorkspaceRoot       string `yaml:"workspace_root"`
	BashTimeout         int    `yaml:"bash_timeout"`
	ToolTimeout         int    `yaml:"tool_timeout"`
	EnableLoopDetection bool   `yaml:"enable_loop_detection"`
	LoopDetectionWindow int    `yaml:"loop_detection_window"`

	RemoteToolEnabled    bool   `yaml:"remote_tool_enabled"`
	RemoteToolURL        string `yaml:"remote_tool_url"`
	RemoteToolInstanceID string `yaml:"remote_tool_instance_id"`
	RemoteToolTimeout    int    `yaml:"remote_tool_timeout"`
}

// LoggingConfig configures logs and trajectory files.
type LoggingConfig struct {
	LogsDir string `yaml:"logs_dir"`
	Verbose bool   `yaml:"verbose"`
}

// SandboxConfig configures the sandbox executor server.
type SandboxConfig struct {
	Listen string `yaml:"listen"`
	// Root holds one directory per instance id.
	Root string `yaml:"root"`
	// MaxTimeout caps the timeout a caller may request, in seconds.
	MaxTimeout int `yaml:"max_timeout"`
}

// Config is the complete configuration.
type Config struct {
	LLM     LLMConfig     `yaml:"llm"`
	Agent   AgentConfig   `yaml:"agent_config"`
	Logging LoggingConfig `yaml:"logging"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	TTS     tts.Config    `yaml:"tts"`

	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-"`
}

// Default returns the built-in defaults.
func Default() *Config {
	session := agentloop.DefaultSessionConfig()
	return &Config{
		LLM: LLMConfig{
			Provider:   "openai",
			Timeout:    60,
			MaxRetries: unifiedllm.DefaultRetryPolicy().MaxRetries,
		},
		Agent: AgentConfig{
			MaxIterations:       session.MaxIterations,
			MaxContextTokens:    session.MaxContextTokens,
			RecentTurns:         session.RecentTurns,
			Agent:               "default",
			AgentsDir:           "~/.fusion/agents",
			WorkspaceRoot:       ".",
			BashTimeout:         30,
			ToolTimeout:         60,
			EnableLoopDetection: session.EnableLoopDetection,
			LoopDetectionWindow: session.LoopDetectionWindow,
			RemoteToolTimeout:   60,
		},
		Logging: LoggingConfig{
			LogsDir: "~/.fusion/logs",
		},
		Sandbox: SandboxConfig{
			Listen:     "127.0.0.1:8765",
			Root:       ".",
			MaxTimeout: 900,
		},
		TTS: tts.DefaultConfig(),
	}
}

// Load resolves configuration with the precedence defaults < file < env.
// An empty path searches SearchPaths; a named file must exist.
func Load(path string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(expandHome(path)); err != nil {
			return nil, err
		}
	} else {
		for _, candidate := range SearchPaths {
			err := cfg.loadFile(expandHome(candidate))
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			break
		}
	}
	if cfg.Path != "" {
		logger.Info("loaded configuration", zap.String("path", cfg.Path))
	}

	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

// legacySections accepts the older "agent" key for the agent section.
type legacySections struct {
	Agent       *yaml.Node `yaml:"agent"`
	AgentConfig *yaml.Node `yaml:"agent_config"`
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %s: %w", path, os.ErrNotExist)
		}
		return err
	}
	expanded := []byte(expandEnv(string(data), os.LookupEnv))
	if err := yaml.Unmarshal(expanded, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	var legacy legacySections
	if err := yaml.Unmarshal(expanded, &legacy); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if legacy.AgentConfig == nil && legacy.Agent != nil && legacy.Agent.Kind == yaml.MappingNode {
		if err := legacy.Agent.Decode(&c.Agent); err != nil {
			return fmt.Errorf("parse config file %s: agent: %w", path, err)
		}
	}
	c.Path = path
	return nil
}

var envReference = regexp.MustCompile(`\$\{([^}]+)\}|\$(\w+)`)

// expandEnv replaces ${VAR} and $VAR with their values. References to unset
// variables are left as written.
func expandEnv(s string, lookup func(string) (string, bool)) string {
	return envReference.ReplaceAllStringFunc(s, func(ref string) string {
		m := envReference.FindStringSubmatch(ref)
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if v, ok := lookup(name); ok {
			return v
		}
		return ref
	})
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("OPENAI_API_KEY"); ok {
		c.LLM.APIKey = v
	}
	if v, ok := lookup("LLM_BASE_URL"); ok {
		c.LLM.BaseURL = v
	}
	if v, ok := lookup("LLM_MODEL"); ok {
		c.LLM.Model = v
	}
	if v, ok := lookup("LOGS_DIR"); ok {
		c.Logging.LogsDir = v
	}
	if v, ok := lookup("VERBOSE"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			c.Logging.Verbose = true
		default:
			c.Logging.Verbose = false
		}
	}
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error
	if c.LLM.Provider != "ollama" && strings.TrimSpace(c.LLM.APIKey) == "" {
		errs = append(errs, errors.New("LLM API key is required. Set it via --api-key flag, OPENAI_API_KEY environment variable, or config file"))
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		msg := "LLM model is required. Set it via --model flag, LLM_MODEL environment variable, or config file"
		if m := unifiedllm.DefaultModel(c.LLM.Provider); m != nil {
			msg += fmt.Sprintf(" (e.g. %s)", m.ID)
		}
		errs = append(errs, errors.New(msg))
	}
	if c.LLM.BaseURL != "" {
		if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("base_url must be an absolute URL, got %q", c.LLM.BaseURL))
		}
	}

	checks := []struct {
		ok  bool
		msg string
		val interface{}
	}{
		{c.LLM.Temperature >= 0 && c.LLM.Temperature <= 2, "temperature must be 0-2", c.LLM.Temperature},
		{c.LLM.Timeout > 0, "timeout must be positive", c.LLM.Timeout},
		{c.LLM.MaxTokens >= 0, "max_tokens must not be negative", c.LLM.MaxTokens},
		{c.LLM.MaxRetries >= 0, "max_retries must not be negative", c.LLM.MaxRetries},
		{c.Agent.MaxIterations > 0, "max_iterations must be positive", c.Agent.MaxIterations},
		{c.Agent.MaxContextTokens > 0, "max_context_tokens must be positive", c.Agent.MaxContextTokens},
		{c.Agent.BashTimeout > 0, "bash_timeout must be positive", c.Agent.BashTimeout},
		{c.Agent.ToolTimeout > 0, "tool_timeout must be positive", c.Agent.ToolTimeout},
		{c.Agent.RemoteToolTimeout > 0, "remote_tool_timeout must be positive", c.Agent.RemoteToolTimeout},
	}
	for _, check := range checks {
		if !check.ok {
			errs = append(errs, fmt.Errorf("%s, got %v", check.msg, check.val))
		}
	}
	if c.Agent.RemoteToolEnabled && c.Agent.RemoteToolURL == "" {
		errs = append(errs, errors.New("remote_tool_url is required when remote_tool_enabled is set"))
	}
	if err := c.TTS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tts: %w", err))
	}
	return errors.Join(errs...)
}

// SessionConfig maps the agent section onto a session configuration. The
// context budget never exceeds the model's context window when the model is
// in the catalog.
func (c *Config) SessionConfig() agentloop.SessionConfig {
	return agentloop.SessionConfig{
		MaxIterations:       c.Agent.MaxIterations,
		MaxContextTokens:    min(c.Agent.MaxContextTokens, unifiedllm.ContextWindow(c.LLM.Model, c.Agent.MaxContextTokens)),
		RecentTurns:         c.Agent.RecentTurns,
		AutoApprove:         c.Agent.YOLO,
		EnableLoopDetection: c.Agent.EnableLoopDetection,
		LoopDetectionWindow: c.Agent.LoopDetectionWindow,
	}
}

// DispatcherConfig selects local or remote execution.
func (c *Config) DispatcherConfig() agentloop.DispatcherConfig {
	d := agentloop.DefaultDispatcherConfig()
	d.ToolTimeout = seconds(c.Agent.ToolTimeout)
	d.Tools.BashTimeout = seconds(c.Agent.BashTimeout)
	if c.Agent.RemoteToolEnabled {
		d.Mode = agentloop.ModeRemote
		d.SandboxURL = c.Agent.RemoteToolURL
		d.InstanceID = c.Agent.RemoteToolInstanceID
		d.ToolTimeout = seconds(c.Agent.RemoteToolTimeout)
	}
	return d
}

// LLMConfig maps the llm section onto the adapter settings.
func (c *Config) LLMConfig() agentloop.LLMConfig {
	retry := unifiedllm.DefaultRetryPolicy()
	retry.MaxRetries = c.LLM.MaxRetries
	temperature := c.LLM.Temperature
	lc := agentloop.LLMConfig{
		Model:       c.LLM.Model,
		Provider:    c.LLM.Provider,
		Temperature: &temperature,
		Streaming:   c.LLM.Streaming,
		Retry:       retry,
	}
	if c.LLM.MaxTokens > 0 {
		maxTokens := c.LLM.MaxTokens
		lc.MaxTokens = &maxTokens
	}
	return lc
}

// SandboxServerConfig returns the sandbox root and timeout cap.
func (c *Config) SandboxServerConfig() (root string, maxTimeout time.Duration) {
	return expandHome(c.Sandbox.Root), seconds(c.Sandbox.MaxTimeout)
}

// LogsDir returns the trajectory directory with ~ expanded.
func (c *Config) LogsDir() string { return expandHome(c.Logging.LogsDir) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
