package tts

import (
	"time"

	"github.com/martinemde/fusion/agentloop"
)

// TestCase is one self-generated test file. Name is unique within a pool;
// Path is where the file lives relative to the workspace root.
type TestCase struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Content string `json:"content"`
	// Origin is the id of the trajectory that wrote the test.
	Origin      string `json:"origin"`
	OriginIndex int    `json:"origin_index"`
}

// Verdict is how a trajectory ended.
type Verdict struct {
	State  agentloop.SessionState `json:"state"`
	Reason agentloop.AbortReason  `json:"reason,omitempty"`
	Detail string                 `json:"detail,omitempty"`
}

// Valid reports whether the trajectory produced a candidate.
func (v Verdict) Valid() bool { return v.State == agentloop.StateDone }

// Cancelled reports whether the trajectory was cut short by cancellation.
func (v Verdict) Cancelled() bool { return v.Reason == agentloop.ReasonCancelled }

// RunRecord is the write-once snapshot of a concluded trajectory.
type RunRecord struct {
	trajectoryID   string
	index          int
	workspaceDir   string
	patch          string
	changedFiles   []string
	finalAnswer    string
	tests          []TestCase
	verdict        Verdict
	iterationsUsed int
	tokensUsed     int
	completedAt    time.Time
}

// recordInput gathers everything a RunRecord is built from.
type recordInput struct {
	TrajectoryID   string
	Index          int
	WorkspaceDir   string
	Patch          string
	ChangedFiles   []string
	FinalAnswer    string
	Tests          []TestCase
	Verdict        Verdict
	IterationsUsed int
	TokensUsed     int
	CompletedAt    time.Time
}

func newRunRecord(in recordInput) *RunRecord {
	return &RunRecord{
		trajectoryID:   in.TrajectoryID,
		index:          in.Index,
		workspaceDir:   in.WorkspaceDir,
		patch:          in.Patch,
		changedFiles:   append([]string(nil), in.ChangedFiles...),
		finalAnswer:    in.FinalAnswer,
		tests:          append([]TestCase(nil), in.Tests...),
		verdict:        in.Verdict,
		iterationsUsed: in.IterationsUsed,
		tokensUsed:     in.TokensUsed,
		completedAt:    in.CompletedAt,
	}
}

func (r *RunRecord) TrajectoryID() string   { return r.trajectoryID }
func (r *RunRecord) Index() int             { return r.index }
func (r *RunRecord) WorkspaceDir() string   { return r.workspaceDir }
func (r *RunRecord) Patch() string          { return r.patch }
func (r *RunRecord) FinalAnswer() string    { return r.finalAnswer }
func (r *RunRecord) Verdict() Verdict       { return r.verdict }
func (r *RunRecord) IterationsUsed() int    { return r.iterationsUsed }
func (r *RunRecord) TokensUsed() int        { return r.tokensUsed }
func (r *RunRecord) CompletedAt() time.Time { return r.completedAt }

// ChangedFiles returns the workspace-relative paths that differ from the
// base, sorted.
func (r *RunRecord) ChangedFiles() []string { return append([]string(nil), r.changedFiles...) }

// Tests returns the test files the trajectory wrote or modified.
func (r *RunRecord) Tests() []TestCase { return append([]TestCase(nil), r.tests...) }

// Output is the candidate answer: the patch when the workspace changed,
// otherwise the final text.
func (r *RunRecord) Output() string {
	if r.patch != "" {
		return r.patch
	}
	return r.finalAnswer
}
