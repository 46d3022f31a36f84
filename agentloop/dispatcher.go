package agentloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/fusion/unifiedllm"
)

// DispatchMode selects where tool calls execute.
type DispatchMode string

const (
	ModeLocal  DispatchMode = "local"
	ModeRemote DispatchMode = "remote"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Mode DispatchMode
	// ToolTimeout bounds every call in both modes. Bash calls get the
	// larger of this and their own timeout plus a grace period.
	ToolTimeout      time.Duration
	Tools            CoreToolOptions
	OutputCharLimits map[string]int
	OutputLineLimits map[string]int

	// Remote mode.
	SandboxURL string
	InstanceID string
	RemoteRetry unifiedllm.RetryPolicy
}

// DefaultDispatcherConfig returns local-mode defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Mode:        ModeLocal,
		ToolTimeout: 60 * time.Second,
		Tools:       CoreToolOptions{BashTimeout: 30 * time.Second, MaxBashTimeout: 10 * time.Minute},
		RemoteRetry: unifiedllm.RetryPolicy{
			MaxRetries:        3,
			BaseDelay:         500 * time.Millisecond,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 2,
			Jitter:            true,
		},
	}
}

// ToolExecutor runs a validated request and returns its result. Executors
// must honor ctx, which carries the per-call deadline.
type ToolExecutor interface {
	Execute(ctx context.Context, req ToolCallRequest) ToolCallResult
}

// LocalExecutor runs tools in-process against an ExecutionEnvironment.
type LocalExecutor struct {
	registry *ToolRegistry
	env      ExecutionEnvironment
}

// NewLocalExecutor creates a LocalExecutor.
func NewLocalExecutor(registry *ToolRegistry, env ExecutionEnvironment) *LocalExecutor {
	return &LocalExecutor{registry: registry, env: env}
}

// Execute runs the tool. A tool that ignores its context is abandoned when
// the deadline passes and the call reports timeout.
func (l *LocalExecutor) Execute(ctx context.Context, req ToolCallRequest) ToolCallResult {
	tool, ok := l.registry.Get(req.ToolName)
	if !ok {
		return errorResult(req.CallID, "Tool not found: %s", req.ToolName)
	}

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := tool.Execute(ctx, req.Arguments, l.env)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		switch {
		case o.err == nil:
			return ToolCallResult{CallID: req.CallID, Status: StatusOK, Payload: o.out}
		case errors.Is(o.err, ErrToolTimeout) || errors.Is(o.err, context.DeadlineExceeded):
			return ToolCallResult{CallID: req.CallID, Status: StatusTimeout, Payload: o.out, ErrorDetail: o.err.Error()}
		default:
			return ToolCallResult{CallID: req.CallID, Status: StatusError, Payload: o.out, ErrorDetail: o.err.Error()}
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ToolCallResult{CallID: req.CallID, Status: StatusTimeout, ErrorDetail: fmt.Sprintf("%s exceeded its time limit", req.ToolName)}
		}
		return errorResult(req.CallID, "%s cancelled", req.ToolName)
	}
}

// Dispatcher validates tool calls against the registry and forwards them to
// a local or remote executor. Both modes produce the same result envelope
// and apply the same per-call timeout and output truncation.
type Dispatcher struct {
	mode     DispatchMode
	registry *ToolRegistry
	executor ToolExecutor
	cfg      DispatcherConfig
	logger   *zap.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithExecutor replaces the executor chosen by mode.
func WithExecutor(exec ToolExecutor) DispatcherOption {
	return func(d *Dispatcher) {
		d.executor = exec
	}
}

// NewDispatcher creates a Dispatcher. Local mode needs env; remote mode
// needs cfg.SandboxURL.
func NewDispatcher(cfg DispatcherConfig, registry *ToolRegistry, env ExecutionEnvironment, opts ...DispatcherOption) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("dispatcher: registry is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeLocal
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 60 * time.Second
	}
	cfg.Tools = cfg.Tools.withDefaults()

	d := &Dispatcher{
		mode:     cfg.Mode,
		registry: registry,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.executor == nil {
		switch cfg.Mode {
		case ModeLocal:
			if env == nil {
				return nil, errors.New("dispatcher: local mode requires an execution environment")
			}
			d.executor = NewLocalExecutor(registry, env)
		case ModeRemote:
			if cfg.SandboxURL == "" {
				return nil, errors.New("dispatcher: remote mode requires a sandbox URL")
			}
			d.executor = NewRemoteExecutor(cfg.SandboxURL, cfg.InstanceID,
				WithRemoteRetry(cfg.RemoteRetry),
				WithRemoteLogger(d.logger))
		default:
			return nil, fmt.Errorf("dispatcher: unknown mode %q", cfg.Mode)
		}
	}
	return d, nil
}

// Mode returns the dispatch mode.
func (d *Dispatcher) Mode() DispatchMode { return d.mode }

// Registry returns the tool registry.
func (d *Dispatcher) Registry() *ToolRegistry { return d.registry }

// RequiresConfirmation reports whether calls to name pass the approval gate.
func (d *Dispatcher) RequiresConfirmation(name string) bool {
	t, ok := d.registry.Get(name)
	return ok && t.RequiresConfirmation()
}

// timeoutFor returns the per-call bound for req.
func (d *Dispatcher) timeoutFor(req ToolCallRequest) time.Duration {
	timeout := d.cfg.ToolTimeout
	if req.ToolName == "bash" {
		// Leave room for bash to report its own timeout with partial output.
		if bt := d.cfg.Tools.MaxBashTimeout + 5*time.Second; bt > timeout {
			timeout = bt
		}
	}
	return timeout
}

// Dispatch executes req and returns exactly one result carrying req.CallID.
// Failures are reported in the result, never as a Go error.
func (d *Dispatcher) Dispatch(ctx context.Context, req ToolCallRequest) ToolCallResult {
	start := time.Now()
	logger := d.logger.With(zap.String("tool", req.ToolName), zap.String("call_id", req.CallID))

	result := d.dispatch(ctx, req)
	if result.WallTime == 0 {
		result.WallTime = time.Since(start)
	}
	result.Payload = TruncateToolOutput(result.Payload, req.ToolName, d.cfg.OutputCharLimits, d.cfg.OutputLineLimits)
	result.ErrorDetail = TruncateOutput(result.ErrorDetail, 4000, TruncateHeadTail)

	logger.Debug("tool call finished",
		zap.String("status", string(result.Status)),
		zap.Duration("wall_time", result.WallTime),
		zap.Bool("transport", result.Transport))
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, req ToolCallRequest) ToolCallResult {
	tool, ok := d.registry.Get(req.ToolName)
	if !ok {
		return errorResult(req.CallID, "Tool not found: %s", req.ToolName)
	}
	if err := tool.Validate(req.Arguments); err != nil {
		return errorResult(req.CallID, "%v", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeoutFor(req))
	defer cancel()
	return d.executor.Execute(callCtx, req)
}
