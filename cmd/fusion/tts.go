package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/fusion/agentloop"
	"github.com/martinemde/fusion/config"
	"github.com/martinemde/fusion/tts"
)

var (
	ttsTrajectories   int
	ttsParallelism    int
	ttsTestCommand    string
	ttsTieBreak       string
	ttsDedup          string
	ttsKeep           bool
	ttsWorkspacesRoot string
	ttsOutput         string
)

var ttsCmd = &cobra.Command{
	Use:   "tts [task...]",
	Short: "Run several trajectories and keep the one that passes the most pooled tests",
	Long: `Runs the task in N isolated copies of the workspace. Every test file a
trajectory writes joins a shared pool; each finished trajectory is scored
against the whole pool and the best patch is printed.

Tool calls are approved automatically: trajectories run unattended.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTTS,
}

func init() {
	ttsCmd.Flags().IntVarP(&ttsTrajectories, "trajectories", "n", 0, "Number of trajectories")
	ttsCmd.Flags().IntVar(&ttsParallelism, "parallelism", 0, "Trajectories running at once (0 = all)")
	ttsCmd.Flags().StringVar(&ttsTestCommand, "test-command", "", "Command that runs one test; {path} and {dir} are substituted")
	ttsCmd.Flags().StringVar(&ttsTieBreak, "tie-break", "", "fewest_iterations, earliest_completion or index")
	ttsCmd.Flags().StringVar(&ttsDedup, "dedup", "", "literal or normalized")
	ttsCmd.Flags().BoolVar(&ttsKeep, "keep", false, "Keep trajectory workspaces after the run")
	ttsCmd.Flags().StringVar(&ttsWorkspacesRoot, "workspaces-root", "", "Directory for trajectory workspaces (required with a remote sandbox)")
	ttsCmd.Flags().StringVarP(&ttsOutput, "output", "o", "", "Write the winning patch to this file instead of stdout")
}

func runTTS(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	applyTTSFlags(cmd, cfg)

	task, err := readTask(args)
	if err != nil {
		return err
	}
	profile, err := cfg.Profile()
	if err != nil {
		return err
	}
	if profile.Model != "" && !cmd.Flags().Changed("model") {
		cfg.LLM.Model = profile.Model
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Agent.RemoteToolEnabled && ttsWorkspacesRoot == "" {
		return errors.New("--workspaces-root is required with a remote sandbox: the sandbox must be rooted there")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := cfg.NewClient(logger)
	if err != nil {
		return err
	}
	defer client.Close()

	scfg := cfg.SessionConfig()
	scfg.AutoApprove = true
	runner := &tts.SessionRunner{
		Model:      client,
		LLM:        cfg.LLMConfig(),
		Session:    scfg,
		Dispatcher: cfg.DispatcherConfig(),
		Profile:    profile,
		LogsDir:    cfg.LogsDir(),
		Counter:    agentloop.DefaultTokenCounter(logger),
		Logger:     logger,
	}

	factory, err := tts.NewCopyFactory(cfg.Agent.WorkspaceRoot, ttsWorkspacesRoot, cfg.Agent.RemoteToolEnabled)
	if err != nil {
		return err
	}
	agg, err := tts.NewAggregator(cfg.TTS, cfg.Agent.WorkspaceRoot, runner,
		tts.WithLogger(logger),
		tts.WithWorkspaceFactory(factory))
	if err != nil {
		return err
	}

	out, err := agg.Run(ctx, task)
	if out != nil {
		printScores(cmd.ErrOrStderr(), out)
	}
	if err != nil {
		return err
	}
	if ttsKeep {
		logger.Info("kept trajectory workspaces", zap.String("root", factory.Root))
	}
	return writeWinner(cmd.OutOrStdout(), out.Winner, ttsOutput)
}

func applyTTSFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("trajectories") {
		cfg.TTS.Trajectories = ttsTrajectories
	}
	if flags.Changed("parallelism") {
		cfg.TTS.Parallelism = ttsParallelism
	}
	if flags.Changed("test-command") {
		cfg.TTS.TestCommand = ttsTestCommand
	}
	if flags.Changed("tie-break") {
		cfg.TTS.TieBreak = tts.TieBreak(ttsTieBreak)
	}
	if flags.Changed("dedup") {
		cfg.TTS.Dedup = tts.DedupMode(ttsDedup)
	}
	if flags.Changed("keep") {
		cfg.TTS.KeepWorkspaces = ttsKeep
	}
}

// printScores writes one row per trajectory. Trajectories that did not
// finish show their abort reason instead of a score.
func printScores(w io.Writer, out *tts.Outcome) {
	scores := make(map[int]tts.Score, len(out.Scores))
	for _, s := range out.Scores {
		scores[s.Index] = s
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRAJECTORY\tSTATE\tPASSED\tITERATIONS\tFILES")
	for _, r := range out.Records {
		if r == nil {
			continue
		}
		mark := ""
		if out.Winner != nil && r.Index() == out.Winner.Index() {
			mark = " *"
		}
		state := string(r.Verdict().State)
		if reason := r.Verdict().Reason; reason != "" {
			state += " (" + string(reason) + ")"
		}
		passed := "-"
		if s, ok := scores[r.Index()]; ok {
			passed = fmt.Sprintf("%d/%d", s.Passed, s.Total)
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\t%d\t%d\n", r.TrajectoryID(), mark, state, passed, r.IterationsUsed(), len(r.ChangedFiles()))
	}
	tw.Flush()
}

func writeWinner(w io.Writer, winner *tts.RunRecord, path string) error {
	output := winner.Output()
	if path == "" {
		_, err := io.WriteString(w, output)
		if err == nil && output != "" && output[len(output)-1] != '\n' {
			_, err = io.WriteString(w, "\n")
		}
		return err
	}
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return fmt.Errorf("write patch: %w", err)
	}
	logger.Info("wrote winning patch", zap.String("path", path), zap.String("trajectory_id", winner.TrajectoryID()))
	return nil
}
