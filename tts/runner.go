package tts

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/martinemde/fusion/agentloop"
)

// Runner drives one trajectory to completion inside its workspace.
type Runner interface {
	Run(ctx context.Context, ws *Workspace, task string) (*agentloop.RunResult, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, ws *Workspace, task string) (*agentloop.RunResult, error)

func (f RunnerFunc) Run(ctx context.Context, ws *Workspace, task string) (*agentloop.RunResult, error) {
	return f(ctx, ws, task)
}

// SessionRunner runs an agentloop.Session per trajectory. Every trajectory
// gets its own dispatcher, environment and conversation; only the model
// transport is shared.
type SessionRunner struct {
	Model      agentloop.Model
	LLM        agentloop.LLMConfig
	Session    agentloop.SessionConfig
	Dispatcher agentloop.DispatcherConfig
	Profile    *agentloop.AgentProfile
	// LogsDir receives one <trajectory id>.jsonl file per trajectory when
	// set.
	LogsDir string
	Counter agentloop.TokenCounter
	Logger  *zap.Logger
}

func (r *SessionRunner) Run(ctx context.Context, ws *Workspace, task string) (*agentloop.RunResult, error) {
	if r.Model == nil {
		return nil, errors.New("session runner: model is required")
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("trajectory_id", ws.TrajectoryID))
	profile := r.Profile
	if profile == nil {
		profile = agentloop.DefaultProfile()
	}

	registry, err := agentloop.NewCoreRegistry(r.Dispatcher.Tools)
	if err != nil {
		return nil, err
	}
	allowed, err := profile.ToolRegistry(registry)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", profile.Name, err)
	}
	env, err := agentloop.NewLocalExecutionEnvironment(ws.Dir)
	if err != nil {
		return nil, err
	}

	dcfg := r.Dispatcher
	var dispatchEnv agentloop.ExecutionEnvironment = env
	if dcfg.Mode == agentloop.ModeRemote {
		dcfg.InstanceID = ws.InstanceID
		dispatchEnv = nil
	}
	dispatcher, err := agentloop.NewDispatcher(dcfg, registry, dispatchEnv, agentloop.WithDispatcherLogger(logger))
	if err != nil {
		return nil, err
	}

	scfg := r.Session
	scfg.SessionID = ws.TrajectoryID
	opts := []agentloop.SessionOption{
		agentloop.WithLogger(logger),
		agentloop.WithSystemPrompt(agentloop.BuildSystemPrompt(profile, env, r.LLM.Model, allowed.Names())),
	}
	if r.Counter != nil {
		opts = append(opts, agentloop.WithTokenCounter(r.Counter))
	}
	if r.LogsDir != "" {
		rec, path, err := agentloop.CreateTrajectoryFile(r.LogsDir, ws.TrajectoryID)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				logger.Warn("close trajectory log", zap.String("path", path), zap.Error(err))
			}
		}()
		opts = append(opts, agentloop.WithRecorder(rec))
	}

	session, err := agentloop.NewSession(scfg, profile, agentloop.NewLLMAdapter(r.Model, r.LLM, logger), dispatcher, opts...)
	if err != nil {
		return nil, err
	}
	return session.Run(ctx, task)
}
