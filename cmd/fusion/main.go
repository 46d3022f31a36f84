// Command fusion runs the autonomous coding agent: a single session with
// run, several cross-validated trajectories with tts, or the remote tool
// executor with sandbox.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/fusion/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	workspace  string
	model      string
	apiKey     string
	baseURL    string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fusion",
	Short: "Autonomous coding agent with trajectory-aware test-time scaling",
	Long: `fusion drives a language model through a tool loop against a workspace
until the task is done or a limit is hit.

  fusion run "fix the failing test in ./pkg/loop"
  fusion tts -n 4 "fix off-by-one in loop bound"
  fusion sandbox --root /srv/workspaces`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: .fusion.yaml, ~/.fusion.yaml, ~/.config/fusion/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: agent_config.workspace_root)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Model id (or set LLM_MODEL env)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "LLM API key (or set OPENAI_API_KEY env)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "LLM endpoint (or set LLM_BASE_URL env)")

	rootCmd.AddCommand(runCmd, ttsCmd, sandboxCmd)
}

// loadConfig resolves the configuration and applies the global flags on
// top of it. It also builds the process logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("verbose") {
		cfg.Logging.Verbose = verbose
	}
	if flags.Changed("workspace") {
		cfg.Agent.WorkspaceRoot = workspace
	}
	if flags.Changed("model") {
		cfg.LLM.Model = model
	}
	if flags.Changed("api-key") {
		cfg.LLM.APIKey = apiKey
	}
	if flags.Changed("base-url") {
		cfg.LLM.BaseURL = baseURL
	}

	logger, err = cfg.NewLogger()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if cfg.Path != "" {
		logger.Debug("loaded configuration", zap.String("path", cfg.Path))
	}
	return cfg, nil
}

// readTask joins args into the task prompt; "-" reads it from stdin.
func readTask(args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read task: %w", err)
		}
		args = []string{string(data)}
	}
	task := strings.TrimSpace(strings.Join(args, " "))
	if task == "" {
		return "", errors.New("empty task")
	}
	return task, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
