package tts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/martinemde/fusion/agentloop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

// plan is what a scripted trajectory does to its workspace.
type plan struct {
	files      map[string]string
	state      agentloop.SessionState
	reason     agentloop.AbortReason
	iterations int
}

// scriptedRunner applies plans[ws.Index] instead of running a model.
func scriptedRunner(t *testing.T, plans []plan) RunnerFunc {
	return func(ctx context.Context, ws *Workspace, task string) (*agentloop.RunResult, error) {
		p := plans[ws.Index]
		writeTree(t, ws.Dir, p.files)
		state := p.state
		if state == "" {
			state = agentloop.StateDone
		}
		return &agentloop.RunResult{
			SessionID:   ws.TrajectoryID,
			State:       state,
			Reason:      p.reason,
			FinalAnswer: "done: " + task,
			Budget:      agentloop.Budget{IterationsUsed: p.iterations},
		}, nil
	}
}

const (
	testUpper = "#!/bin/bash\n. ./bound.env\n[ \"$UPPER\" = 10 ]\n"
	testLower = "#!/bin/bash\n. ./bound.env\n[ \"$LOWER\" = 0 ]\n"
	testStep  = "#!/bin/bash\n. ./bound.env\n[ \"$STEP\" = 1 ]\n"
	testOrder = "#!/bin/bash\n. ./bound.env\n[ \"$UPPER\" -gt \"$LOWER\" ]\n"
	testSet   = "#!/bin/bash\n. ./bound.env\n[ -n \"$STEP\" ]\n"
)

// offByOnePlans models the loop bound fix: trajectory 0 gets every bound
// right, the others each miss at least one.
func offByOnePlans() []plan {
	return []plan{
		{iterations: 9, files: map[string]string{
			"bound.env":      "UPPER=10\nLOWER=0\nSTEP=1\n",
			"tests/upper.sh": testUpper,
			"tests/lower.sh": testLower,
		}},
		{iterations: 3, files: map[string]string{
			"bound.env":      "UPPER=9\nLOWER=0\nSTEP=1\n",
			"tests/upper.sh": testUpper,
			"tests/step.sh":  testStep,
		}},
		{iterations: 4, files: map[string]string{
			"bound.env":      "UPPER=10\nLOWER=1\nSTEP=1\n",
			"tests/order.sh": testOrder,
		}},
		{iterations: 2, files: map[string]string{
			"bound.env":    "UPPER=11\nLOWER=0\nSTEP=2\n",
			"tests/set.sh": testSet,
		}},
	}
}

func newTestAggregator(t *testing.T, cfg Config, runner Runner, opts ...Option) (*Aggregator, string) {
	t.Helper()
	base := t.TempDir()
	writeTree(t, base, map[string]string{"bound.env": "UPPER=9\nLOWER=0\nSTEP=1\n", "README.md": "loop bounds\n"})
	factory, err := NewCopyFactory(base, t.TempDir(), false)
	require.NoError(t, err)
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithWorkspaceFactory(factory), WithRunID("run1")}, opts...)
	a, err := NewAggregator(cfg, base, runner, opts...)
	require.NoError(t, err)
	return a, base
}

func shellConfig(n int) Config {
	cfg := DefaultConfig()
	cfg.Trajectories = n
	cfg.TestGlobs = []string{"tests/*.sh"}
	cfg.TestCommand = "bash {path}"
	cfg.TestTimeout = 10 * time.Second
	return cfg
}

func TestAggregatorSelectsFullyPassingTrajectory(t *testing.T) {
	a, _ := newTestAggregator(t, shellConfig(4), scriptedRunner(t, offByOnePlans()))

	out, err := a.Run(context.Background(), "fix off-by-one in loop bound")
	require.NoError(t, err)

	require.Len(t, out.Pool, 5, "the duplicate upper test is pooled once")
	assert.Equal(t, "run1-t0", out.Pool[0].Origin)

	require.Len(t, out.Scores, 4)
	passed := map[int]int{}
	for _, s := range out.Scores {
		assert.Equal(t, 5, s.Total)
		passed[s.Index] = s.Passed
	}
	assert.Equal(t, map[int]int{0: 5, 1: 4, 2: 4, 3: 3}, passed)

	require.NotNil(t, out.Winner)
	assert.Equal(t, "run1-t0", out.Winner.TrajectoryID())
	assert.Contains(t, out.Winner.Patch(), "+UPPER=10")
	assert.Equal(t, []string{"bound.env", "tests/lower.sh", "tests/upper.sh"}, out.Winner.ChangedFiles())
	assert.Equal(t, out.Winner.Patch(), out.Winner.Output())
}

func TestAggregatorIsDeterministic(t *testing.T) {
	var winners []string
	var fractions [][]float64
	for i := 0; i < 2; i++ {
		a, _ := newTestAggregator(t, shellConfig(4), scriptedRunner(t, offByOnePlans()))
		out, err := a.Run(context.Background(), "fix off-by-one in loop bound")
		require.NoError(t, err)
		winners = append(winners, out.Winner.TrajectoryID())
		var f []float64
		for _, s := range out.Scores {
			f = append(f, s.Fraction())
		}
		fractions = append(fractions, f)
	}
	assert.Equal(t, winners[0], winners[1])
	assert.Equal(t, fractions[0], fractions[1])
}

func TestAggregatorNoWinner(t *testing.T) {
	plans := []plan{
		{state: agentloop.StateAborted, reason: agentloop.ReasonIterationLimit, files: map[string]string{"tests/upper.sh": testUpper}},
		{state: agentloop.StateAborted, reason: agentloop.ReasonTransportError},
	}
	validator := ValidatorFunc(func(context.Context, *RunRecord, []TestCase) ([]bool, error) {
		t.Error("aborted trajectories must not be validated")
		return nil, nil
	})
	a, _ := newTestAggregator(t, shellConfig(2), scriptedRunner(t, plans), WithValidator(validator))

	out, err := a.Run(context.Background(), "task")
	require.ErrorIs(t, err, ErrNoWinner)
	assert.Nil(t, out.Winner)
	require.Len(t, out.Records, 2)
	assert.Equal(t, agentloop.ReasonTransportError, out.Records[1].Verdict().Reason)
	// Aborted trajectories still contribute their tests.
	require.Len(t, out.Pool, 1)
	assert.Equal(t, "tests/upper.sh", out.Pool[0].Path)
}

func TestAggregatorEmptyPoolFallsBackToTieBreak(t *testing.T) {
	plans := []plan{
		{iterations: 7, files: map[string]string{"bound.env": "UPPER=10\n"}},
		{iterations: 2, files: map[string]string{"bound.env": "UPPER=11\n"}},
		{iterations: 2},
	}
	a, _ := newTestAggregator(t, shellConfig(3), scriptedRunner(t, plans))
	out, err := a.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Empty(t, out.Pool)
	assert.Equal(t, "run1-t1", out.Winner.TrajectoryID())

	// Without a patch the candidate output is the final answer.
	assert.Equal(t, "done: task", out.Records[2].Output())
}

func TestAggregatorIsolatesFailures(t *testing.T) {
	failing := &failingFactory{fail: 1}
	runner := scriptedRunner(t, []plan{{iterations: 1}, {}, {iterations: 1}})
	a, _ := newTestAggregator(t, shellConfig(3), runner)
	inner := a.factory
	failing.inner = inner
	a.factory = failing

	out, err := a.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, ReasonWorkspaceError, out.Records[1].Verdict().Reason)
	assert.Equal(t, agentloop.StateAborted, out.Records[1].Verdict().State)
	assert.True(t, out.Records[0].Verdict().Valid())
	assert.True(t, out.Records[2].Verdict().Valid())
	assert.Equal(t, "run1-t0", out.Winner.TrajectoryID())
}

type failingFactory struct {
	inner WorkspaceFactory
	fail  int
}

func (f *failingFactory) Provision(ctx context.Context, id string, index int) (*Workspace, error) {
	if index == f.fail {
		return nil, errors.New("disk full")
	}
	return f.inner.Provision(ctx, id, index)
}

func (f *failingFactory) Release(ws *Workspace) error { return f.inner.Release(ws) }

func TestAggregatorRunnerErrorIsAnAbortedRecord(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, ws *Workspace, task string) (*agentloop.RunResult, error) {
		if ws.Index == 0 {
			return nil, errors.New("bad profile")
		}
		return &agentloop.RunResult{State: agentloop.StateDone, FinalAnswer: "ok"}, nil
	})
	a, _ := newTestAggregator(t, shellConfig(2), runner)
	out, err := a.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, ReasonRunnerError, out.Records[0].Verdict().Reason)
	assert.Equal(t, "bad profile", out.Records[0].Verdict().Detail)
	assert.Equal(t, "run1-t1", out.Winner.TrajectoryID())
}

func TestAggregatorCancellation(t *testing.T) {
	const n = 3
	var started sync.WaitGroup
	started.Add(n)
	runner := RunnerFunc(func(ctx context.Context, ws *Workspace, task string) (*agentloop.RunResult, error) {
		started.Done()
		<-ctx.Done()
		return &agentloop.RunResult{State: agentloop.StateAborted, Reason: agentloop.ReasonCancelled, Detail: ctx.Err().Error()}, nil
	})
	a, _ := newTestAggregator(t, shellConfig(n), runner)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		started.Wait()
		cancel()
	}()

	out, err := a.Run(ctx, "task")
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, out.Records, n)
	for _, r := range out.Records {
		assert.True(t, r.Verdict().Cancelled(), r.TrajectoryID())
	}
	assert.Nil(t, out.Winner)
}

func TestAggregatorParallelismLimit(t *testing.T) {
	var running, peak atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, ws *Workspace, task string) (*agentloop.RunResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return &agentloop.RunResult{State: agentloop.StateDone, FinalAnswer: "ok"}, nil
	})
	cfg := shellConfig(6)
	cfg.Parallelism = 2
	a, _ := newTestAggregator(t, cfg, runner)

	out, err := a.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Len(t, out.Records, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestAggregatorReleasesWorkspaces(t *testing.T) {
	for _, keep := range []bool{false, true} {
		cfg := shellConfig(2)
		cfg.KeepWorkspaces = keep
		a, _ := newTestAggregator(t, cfg, scriptedRunner(t, []plan{{}, {}}))
		out, err := a.Run(context.Background(), "task")
		require.NoError(t, err)
		for _, r := range out.Records {
			_, statErr := os.Stat(r.WorkspaceDir())
			assert.Equal(t, keep, statErr == nil, "keep=%v %s", keep, r.WorkspaceDir())
		}
	}
}

func TestNewAggregatorValidatesConfig(t *testing.T) {
	runner := scriptedRunner(t, nil)
	_, err := NewAggregator(Config{Trajectories: 0, TieBreak: "coin_flip"}, t.TempDir(), runner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trajectories must be at least 1")
	assert.Contains(t, err.Error(), `unknown tie_break "coin_flip"`)

	_, err = NewAggregator(DefaultConfig(), t.TempDir(), nil)
	assert.Error(t, err)
}

func TestSelect(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	scores := []Score{
		{Index: 0, Passed: 4, Total: 5, IterationsUsed: 3, CompletedAt: t0.Add(3 * time.Second)},
		{Index: 1, Passed: 4, Total: 5, IterationsUsed: 2, CompletedAt: t0.Add(5 * time.Second)},
		{Index: 2, Passed: 4, Total: 5, IterationsUsed: 2, CompletedAt: t0.Add(1 * time.Second)},
		{Index: 3, Passed: 3, Total: 5, IterationsUsed: 1, CompletedAt: t0},
	}
	tests := []struct {
		tieBreak TieBreak
		want     int
	}{
		{TieBreakFewestIterations, 1},
		{TieBreakEarliestCompletion, 2},
		{TieBreakIndex, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.tieBreak), func(t *testing.T) {
			assert.Equal(t, tt.want, Select(scores, tt.tieBreak))
		})
	}

	assert.Equal(t, -1, Select(nil, TieBreakIndex))
	assert.Equal(t, 1, Select([]Score{{Index: 0, Passed: 1, Total: 2}, {Index: 1, Passed: 2, Total: 2}}, TieBreakIndex))
}

func TestScoreFraction(t *testing.T) {
	assert.Equal(t, 0.0, Score{}.Fraction())
	assert.Equal(t, 0.8, Score{Passed: 4, Total: 5}.Fraction())
}
