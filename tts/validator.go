package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/fusion/agentloop"
)

// Validator runs pooled tests against a candidate. The result has one entry
// per test, true when the test passed.
type Validator interface {
	Validate(ctx context.Context, candidate *RunRecord, tests []TestCase) ([]bool, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, candidate *RunRecord, tests []TestCase) ([]bool, error)

func (f ValidatorFunc) Validate(ctx context.Context, candidate *RunRecord, tests []TestCase) ([]bool, error) {
	return f(ctx, candidate, tests)
}

// CommandValidator runs each test with a shell command in a scratch copy of
// the candidate workspace. The candidate's own generated tests are reverted
// to their base versions first so only the pooled test is judged. A test
// passes when the command exits zero within Timeout.
type CommandValidator struct {
	BaseDir     string
	Command     string
	Timeout     time.Duration
	ScratchRoot string
	Parallelism int
	Logger      *zap.Logger
}

// NewCommandValidator builds a validator from cfg.
func NewCommandValidator(baseDir string, cfg Config, logger *zap.Logger) *CommandValidator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandValidator{
		BaseDir:     baseDir,
		Command:     cfg.TestCommand,
		Timeout:     cfg.TestTimeout,
		Parallelism: cfg.ValidationParallelism,
		Logger:      logger,
	}
}

func (v *CommandValidator) Validate(ctx context.Context, candidate *RunRecord, tests []TestCase) ([]bool, error) {
	if v.Command == "" {
		return nil, errors.New("validator: no test command")
	}
	if candidate.WorkspaceDir() == "" {
		return nil, fmt.Errorf("validator: trajectory %s has no workspace", candidate.TrajectoryID())
	}
	scratchRoot, err := os.MkdirTemp(v.ScratchRoot, "validate-"+candidate.TrajectoryID()+"-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratchRoot)

	passed := make([]bool, len(tests))
	g, gctx := errgroup.WithContext(ctx)
	if v.Parallelism > 0 {
		g.SetLimit(v.Parallelism)
	}
	for i, tc := range tests {
		g.Go(func() error {
			ok, err := v.runOne(gctx, candidate, tc, filepath.Join(scratchRoot, fmt.Sprintf("%d", i)))
			if err != nil {
				return fmt.Errorf("test %s: %w", tc.Name, err)
			}
			passed[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return passed, nil
}

func (v *CommandValidator) runOne(ctx context.Context, candidate *RunRecord, tc TestCase, dir string) (bool, error) {
	if err := copyTree(ctx, candidate.WorkspaceDir(), dir); err != nil {
		return false, fmt.Errorf("scratch copy: %w", err)
	}
	for _, own := range candidate.Tests() {
		if err := v.revert(dir, own.Path); err != nil {
			return false, err
		}
	}
	target, err := confined(dir, tc.Path)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(target, []byte(tc.Content), 0o644); err != nil {
		return false, err
	}

	env, err := agentloop.NewLocalExecutionEnvironment(dir)
	if err != nil {
		return false, err
	}
	res, err := env.ExecCommand(ctx, expandTestCommand(v.Command, tc.Path), v.Timeout)
	if err != nil {
		return false, err
	}
	// A deadline on ctx looks like a test timeout to ExecCommand.
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok := !res.TimedOut && res.ExitCode == 0
	v.Logger.Debug("pooled test run",
		zap.String("trajectory_id", candidate.TrajectoryID()),
		zap.String("test", tc.Name),
		zap.String("origin", tc.Origin),
		zap.Bool("passed", ok),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration))
	return ok, nil
}

// revert restores rel to its base version, or removes it when the base has
// no such file.
func (v *CommandValidator) revert(dir, rel string) error {
	target, err := confined(dir, rel)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(v.BaseDir, filepath.FromSlash(rel)))
	switch {
	case err == nil:
		return os.WriteFile(target, data, 0o644)
	case errors.Is(err, os.ErrNotExist):
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	default:
		return err
	}
}

// confined joins rel onto dir, rejecting paths that leave it.
func confined(dir, rel string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(rel))
	if clean == "/" || strings.Contains(rel, "\x00") {
		return "", fmt.Errorf("invalid test path %q", rel)
	}
	target := filepath.Join(dir, filepath.FromSlash(clean))
	if r, err := filepath.Rel(dir, target); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("test path %q leaves the workspace", rel)
	}
	return target, nil
}

// expandTestCommand substitutes {path} and {dir} with the shell-quoted test
// path and its directory.
func expandTestCommand(command, testPath string) string {
	p := path.Clean(filepath.ToSlash(testPath))
	return strings.NewReplacer(
		"{path}", shellQuote(p),
		"{dir}", shellQuote(path.Dir(p)),
	).Replace(command)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
