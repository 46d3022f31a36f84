// Package tts implements trajectory-aware test-time scaling: it runs several
// independent agent trajectories against isolated copies of a workspace,
// pools the tests each trajectory wrote, cross-validates every candidate
// against the pool and picks the best one.
package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/fusion/agentloop"
)

// ErrNoWinner is returned when no trajectory produced a valid candidate.
var ErrNoWinner = errors.New("tts: no valid candidate")

// Abort reasons for trajectories that never reached the agent loop.
const (
	ReasonWorkspaceError agentloop.AbortReason = "workspace_error"
	ReasonRunnerError    agentloop.AbortReason = "runner_error"
)

// Score is a candidate's cross-validation result.
type Score struct {
	TrajectoryID   string    `json:"trajectory_id"`
	Index          int       `json:"index"`
	Passed         int       `json:"passed"`
	Total          int       `json:"total"`
	Results        []bool    `json:"results,omitempty"`
	IterationsUsed int       `json:"iterations_used"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Fraction is Passed/Total, zero for an empty pool.
func (s Score) Fraction() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Passed) / float64(s.Total)
}

// Outcome is the result of an aggregation run.
type Outcome struct {
	RunID  string
	Winner *RunRecord
	// Scores holds one entry per valid candidate in trajectory order.
	Scores []Score
	Pool   []TestCase
	// Records holds every trajectory by index.
	Records []*RunRecord
}

// Aggregator fans a task out to independent trajectories and folds their
// results into one decision.
type Aggregator struct {
	cfg       Config
	base      string
	runner    Runner
	factory   WorkspaceFactory
	validator Validator
	logger    *zap.Logger
	runID     string
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithWorkspaceFactory replaces the default copying factory.
func WithWorkspaceFactory(f WorkspaceFactory) Option {
	return func(a *Aggregator) {
		a.factory = f
	}
}

// WithValidator replaces the default CommandValidator.
func WithValidator(v Validator) Option {
	return func(a *Aggregator) {
		a.validator = v
	}
}

// WithRunID fixes the prefix of trajectory ids.
func WithRunID(id string) Option {
	return func(a *Aggregator) {
		a.runID = id
	}
}

// NewAggregator creates an aggregator over the workspace at baseDir.
func NewAggregator(cfg Config, baseDir string, runner Runner, opts ...Option) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tts config: %w", err)
	}
	if runner == nil {
		return nil, errors.New("tts: runner is required")
	}
	a := &Aggregator{
		cfg:    cfg.withDefaults(),
		base:   baseDir,
		runner: runner,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.factory == nil {
		f, err := NewCopyFactory(baseDir, "", false)
		if err != nil {
			return nil, err
		}
		a.factory = f
	}
	if a.validator == nil {
		a.validator = NewCommandValidator(baseDir, a.cfg, a.logger)
	}
	if a.runID == "" {
		a.runID = uuid.New().String()[:8]
	}
	return a, nil
}

// TrajectoryID returns the id of trajectory i.
func (a *Aggregator) TrajectoryID(i int) string {
	return fmt.Sprintf("%s-t%d", a.runID, i)
}

// Run executes the configured number of trajectories and selects a winner.
// A failing trajectory never stops the others. Cancelling ctx cancels all of
// them; the error is then ctx.Err(), returned once every trajectory has
// concluded.
func (a *Aggregator) Run(ctx context.Context, task string) (*Outcome, error) {
	n := a.cfg.Trajectories
	records := make([]*RunRecord, n)
	workspaces := make([]*Workspace, n)
	logger := a.logger.With(zap.String("run_id", a.runID))
	logger.Info("aggregation started", zap.Int("trajectories", n), zap.Int("parallelism", a.cfg.Parallelism))

	var g errgroup.Group
	if a.cfg.Parallelism > 0 {
		g.SetLimit(a.cfg.Parallelism)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			records[i], workspaces[i] = a.runTrajectory(ctx, i, task, logger)
			return nil
		})
	}
	g.Wait()
	defer a.release(workspaces, logger)

	out := &Outcome{RunID: a.runID, Records: records}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	out.Pool = buildPool(records, a.cfg.Dedup)
	var candidates []*RunRecord
	for _, r := range records {
		if r.Verdict().Valid() {
			candidates = append(candidates, r)
		}
	}
	logger.Info("trajectories concluded", zap.Int("candidates", len(candidates)), zap.Int("pooled_tests", len(out.Pool)))
	if len(candidates) == 0 {
		return out, ErrNoWinner
	}

	for _, c := range candidates {
		score, err := a.score(ctx, c, out.Pool, logger)
		if err != nil {
			return out, err
		}
		out.Scores = append(out.Scores, score)
	}
	best := Select(out.Scores, a.cfg.TieBreak)
	out.Winner = records[out.Scores[best].Index]
	logger.Info("winner selected",
		zap.String("trajectory_id", out.Winner.TrajectoryID()),
		zap.Int("passed", out.Scores[best].Passed),
		zap.Int("total", out.Scores[best].Total))
	return out, nil
}

func (a *Aggregator) runTrajectory(ctx context.Context, i int, task string, logger *zap.Logger) (*RunRecord, *Workspace) {
	id := a.TrajectoryID(i)
	logger = logger.With(zap.String("trajectory_id", id), zap.Int("index", i))
	in := recordInput{TrajectoryID: id, Index: i}

	ws, err := a.factory.Provision(ctx, id, i)
	if err != nil {
		logger.Error("provision workspace", zap.Error(err))
		in.Verdict = failedVerdict(ctx, ReasonWorkspaceError, err)
		in.CompletedAt = time.Now()
		return newRunRecord(in), nil
	}
	in.WorkspaceDir = ws.Dir

	res, err := a.runner.Run(ctx, ws, task)
	in.CompletedAt = time.Now()
	if err == nil && res == nil {
		err = errors.New("runner returned no result")
	}
	if err != nil {
		logger.Error("trajectory failed", zap.Error(err))
		in.Verdict = failedVerdict(ctx, ReasonRunnerError, err)
	} else {
		in.Verdict = Verdict{State: res.State, Reason: res.Reason, Detail: res.Detail}
		in.FinalAnswer = res.FinalAnswer
		in.IterationsUsed = res.Budget.IterationsUsed
		in.TokensUsed = res.Budget.TokensUsed
	}

	cs, err := diffTrees(a.base, ws.Dir)
	if err != nil {
		logger.Warn("diff workspace", zap.Error(err))
	} else {
		in.Patch = cs.patch
		in.ChangedFiles = cs.files
		in.Tests = generatedTests(cs, a.cfg.TestGlobs, id, i)
	}

	logger.Info("trajectory concluded",
		zap.String("state", string(in.Verdict.State)),
		zap.String("reason", string(in.Verdict.Reason)),
		zap.Int("iterations", in.IterationsUsed),
		zap.Int("changed_files", len(in.ChangedFiles)),
		zap.Int("tests", len(in.Tests)))
	return newRunRecord(in), ws
}

func failedVerdict(ctx context.Context, reason agentloop.AbortReason, err error) Verdict {
	if ctx.Err() != nil {
		reason = agentloop.ReasonCancelled
	}
	return Verdict{State: agentloop.StateAborted, Reason: reason, Detail: err.Error()}
}

// score cross-validates c against pool. A validator failure other than
// cancellation scores the candidate as passing nothing.
func (a *Aggregator) score(ctx context.Context, c *RunRecord, pool []TestCase, logger *zap.Logger) (Score, error) {
	s := Score{
		TrajectoryID:   c.TrajectoryID(),
		Index:          c.Index(),
		Total:          len(pool),
		IterationsUsed: c.IterationsUsed(),
		CompletedAt:    c.CompletedAt(),
	}
	if len(pool) == 0 {
		return s, nil
	}
	results, err := a.validator.Validate(ctx, c, pool)
	if err == nil && len(results) != len(pool) {
		err = fmt.Errorf("validator returned %d results for %d tests", len(results), len(pool))
	}
	if err != nil {
		if ctx.Err() != nil {
			return s, ctx.Err()
		}
		logger.Warn("cross-validation failed", zap.String("trajectory_id", c.TrajectoryID()), zap.Error(err))
		s.Results = make([]bool, len(pool))
		return s, nil
	}
	s.Results = results
	for _, ok := range results {
		if ok {
			s.Passed++
		}
	}
	return s, nil
}

func (a *Aggregator) release(workspaces []*Workspace, logger *zap.Logger) {
	if a.cfg.KeepWorkspaces {
		return
	}
	for _, ws := range workspaces {
		if ws == nil {
			continue
		}
		if err := a.factory.Release(ws); err != nil {
			logger.Warn("release workspace", zap.String("trajectory_id", ws.TrajectoryID), zap.Error(err))
		}
	}
}

// Select returns the position in scores of the best candidate, or -1 when
// scores is empty. Higher pass fraction wins; ties go to the tie-break
// policy and then to the lowest trajectory index.
func Select(scores []Score, tieBreak TieBreak) int {
	best := -1
	for i := range scores {
		if best < 0 || better(scores[i], scores[best], tieBreak) {
			best = i
		}
	}
	return best
}

func better(a, b Score, tieBreak TieBreak) bool {
	// Compare Passed/Total without floating point.
	if l, r := a.Passed*max(b.Total, 1), b.Passed*max(a.Total, 1); l != r {
		return l > r
	}
	switch tieBreak {
	case TieBreakFewestIterations:
		if a.IterationsUsed != b.IterationsUsed {
			return a.IterationsUsed < b.IterationsUsed
		}
	case TieBreakEarliestCompletion:
		if !a.CompletedAt.Equal(b.CompletedAt) {
			return a.CompletedAt.Before(b.CompletedAt)
		}
	}
	return a.Index < b.Index
}
