package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/fusion/agentloop"
	"github.com/martinemde/fusion/config"
)

var (
	runAgent         string
	runYOLO          bool
	runMaxIterations int
	runRemoteURL     string
	runInstanceID    string
	runJSON          bool
	runStream        bool
)

var runCmd = &cobra.Command{
	Use:   "run [task...]",
	Short: "Run one agent session against the workspace",
	Long: `Runs the agent loop until the model answers without tool calls or a
limit is reached. Tool calls that modify the workspace ask for confirmation
unless --yolo is set. Use "-" to read the task from stdin.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent profile name or path")
	runCmd.Flags().BoolVar(&runYOLO, "yolo", false, "Approve every tool call without asking")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Model call budget")
	runCmd.Flags().StringVar(&runRemoteURL, "remote-url", "", "Execute tools on the sandbox at this URL")
	runCmd.Flags().StringVar(&runInstanceID, "instance-id", "", "Sandbox instance for remote execution")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the run summary as JSON")
	runCmd.Flags().BoolVar(&runStream, "stream", false, "Stream model responses")
}

func runTask(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	applyRunFlags(cmd, cfg)

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

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var approver agentloop.Approver
	if !cfg.Agent.YOLO {
		approver = newPromptApprover(os.Stdin, cmd.ErrOrStderr())
	}
	session, closeRun, err := newSession(ctx, cfg, profile, approver)
	if err != nil {
		return err
	}
	defer closeRun()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		printEvents(cmd.ErrOrStderr(), session.Events())
	}()
	result, err := session.Run(ctx, task)
	if err != nil {
		return err
	}
	wg.Wait()
	return reportRun(cmd.OutOrStdout(), result, runJSON)
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("agent") {
		cfg.Agent.Agent = runAgent
	}
	if flags.Changed("yolo") {
		cfg.Agent.YOLO = runYOLO
	}
	if flags.Changed("max-iterations") {
		cfg.Agent.MaxIterations = runMaxIterations
	}
	if flags.Changed("remote-url") {
		cfg.Agent.RemoteToolEnabled = true
		cfg.Agent.RemoteToolURL = runRemoteURL
	}
	if flags.Changed("instance-id") {
		cfg.Agent.RemoteToolInstanceID = runInstanceID
	}
	if flags.Changed("stream") {
		cfg.LLM.Streaming = runStream
	}
}

// newSession wires a session for cfg. The returned function releases the
// model client and the trajectory log.
func newSession(ctx context.Context, cfg *config.Config, profile *agentloop.AgentProfile, approver agentloop.Approver) (*agentloop.Session, func(), error) {
	client, err := cfg.NewClient(logger)
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{client.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close", zap.Error(err))
			}
		}
	}

	env, err := agentloop.NewLocalExecutionEnvironment(cfg.Agent.WorkspaceRoot)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	dcfg := cfg.DispatcherConfig()
	registry, err := agentloop.NewCoreRegistry(dcfg.Tools)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	allowed, err := profile.ToolRegistry(registry)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("agent %s: %w", profile.Name, err)
	}

	dispatchOpts := []agentloop.DispatcherOption{agentloop.WithDispatcherLogger(logger)}
	var dispatchEnv agentloop.ExecutionEnvironment = env
	if dcfg.Mode == agentloop.ModeRemote {
		remote := agentloop.NewRemoteExecutor(dcfg.SandboxURL, dcfg.InstanceID,
			agentloop.WithRemoteRetry(dcfg.RemoteRetry),
			agentloop.WithRemoteLogger(logger))
		if err := remote.Health(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("sandbox %s: %w", dcfg.SandboxURL, err)
		}
		dispatchOpts = append(dispatchOpts, agentloop.WithExecutor(remote))
		dispatchEnv = nil
	}
	dispatcher, err := agentloop.NewDispatcher(dcfg, registry, dispatchEnv, dispatchOpts...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	scfg := cfg.SessionConfig()
	scfg.SessionID = uuid.New().String()
	opts := []agentloop.SessionOption{
		agentloop.WithLogger(logger),
		agentloop.WithTokenCounter(agentloop.DefaultTokenCounter(logger)),
		agentloop.WithSystemPrompt(agentloop.BuildSystemPrompt(profile, env, cfg.LLM.Model, allowed.Names())),
	}
	if approver != nil {
		opts = append(opts, agentloop.WithApprover(approver))
	}
	if dir := cfg.LogsDir(); dir != "" {
		rec, path, err := agentloop.CreateTrajectoryFile(dir, scfg.SessionID)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		logger.Info("recording trajectory", zap.String("path", path))
		closers = append(closers, rec.Close)
		opts = append(opts, agentloop.WithRecorder(rec))
	}

	llm := agentloop.NewLLMAdapter(client, cfg.LLMConfig(), logger)
	session, err := agentloop.NewSession(scfg, profile, llm, dispatcher, opts...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return session, closeAll, nil
}

// promptApprover asks on the terminal before each confirmable tool call.
type promptApprover struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newPromptApprover(in io.Reader, out io.Writer) *promptApprover {
	return &promptApprover{in: bufio.NewReader(in), out: out}
}

func (p *promptApprover) Approve(ctx context.Context, req agentloop.ToolCallRequest) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "\nAllow %s %s? [y/N] ", req.ToolName, clipArgs(req.Arguments, 200))

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line, err}
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && !errors.Is(a.err, io.EOF) {
			return false, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

func clipArgs(raw json.RawMessage, n int) string {
	s := strings.Join(strings.Fields(string(raw)), " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// printEvents writes a one-line trace of tool activity until events closes.
func printEvents(w io.Writer, events <-chan agentloop.RunEvent) {
	for e := range events {
		switch e.Kind {
		case agentloop.EventToolCallEnd:
			fmt.Fprintf(w, "[%d] %s %s (%s)\n", e.Iteration, e.Data["tool_name"], e.Data["status"], e.Data["wall_time"])
		case agentloop.EventToolRejected:
			fmt.Fprintf(w, "[%d] %s rejected\n", e.Iteration, e.Data["tool_name"])
		case agentloop.EventLoopDetection:
			fmt.Fprintf(w, "[%d] loop detected\n", e.Iteration)
		case agentloop.EventCompression:
			fmt.Fprintf(w, "[%d] context compressed\n", e.Iteration)
		}
	}
}

// errRunAborted makes the process exit non-zero after the summary has been
// printed.
var errRunAborted = errors.New("run aborted")

func reportRun(w io.Writer, result *agentloop.RunResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else if result.State == agentloop.StateDone {
		fmt.Fprintln(w, result.FinalAnswer)
	}
	if result.State != agentloop.StateDone {
		return fmt.Errorf("%w: %s: %s", errRunAborted, result.Reason, result.Detail)
	}
	return nil
}
