package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martinemde/fusion/unifiedllm"
)

// SessionState is the position of a run in the iteration state machine.
type SessionState string

const (
	StateInit            SessionState = "init"
	StateAwaitingModel   SessionState = "awaiting_model"
	StateDispatchingTool SessionState = "dispatching_tool"
	StateAwaitingTool    SessionState = "awaiting_tool"
	StateDone            SessionState = "done"
	StateAborted         SessionState = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool { return s == StateDone || s == StateAborted }

// AbortReason says why a run ended in StateAborted.
type AbortReason string

const (
	ReasonIterationLimit     AbortReason = "iteration_limit"
	ReasonContextLimit       AbortReason = "context_limit"
	ReasonModelProtocolError AbortReason = "model_protocol_error"
	ReasonToolProtocolError  AbortReason = "tool_protocol_error"
	ReasonTransportError     AbortReason = "transport_error"
	ReasonModelError         AbortReason = "model_error"
	ReasonCancelled          AbortReason = "cancelled"
)

// SessionConfig holds the limits and switches of one run.
type SessionConfig struct {
	SessionID        string `json:"session_id,omitempty"`
	MaxIterations    int    `json:"max_iterations"`
	MaxContextTokens int    `json:"max_context_tokens"`
	RecentTurns      int    `json:"recent_turns"`
	// AutoApprove skips the confirmation gate for every tool call.
	AutoApprove         bool `json:"auto_approve"`
	EnableLoopDetection bool `json:"enable_loop_detection"`
	LoopDetectionWindow int  `json:"loop_detection_window"`
}

// DefaultSessionConfig returns the default limits.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxIterations:       200,
		MaxContextTokens:    100000,
		RecentTurns:         DefaultRecentTurns,
		EnableLoopDetection: true,
		LoopDetectionWindow: 10,
	}
}

// Approver is the confirmation gate for tool calls that mutate the
// workspace or run commands.
type Approver interface {
	Approve(ctx context.Context, req ToolCallRequest) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req ToolCallRequest) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, req ToolCallRequest) (bool, error) {
	return f(ctx, req)
}

// Budget tracks the run's counters against their bounds. TokensUsed is the
// largest context size sent to the model.
type Budget struct {
	MaxIterations    int `json:"max_iterations"`
	IterationsUsed   int `json:"iterations_used"`
	MaxContextTokens int `json:"max_context_tokens"`
	TokensUsed       int `json:"tokens_used"`
}

// Metrics summarizes the work done during a run.
type Metrics struct {
	ModelCalls        int                `json:"model_calls"`
	ProtocolRetries   int                `json:"protocol_retries"`
	ToolCalls         int                `json:"tool_calls"`
	ToolCallsByStatus map[ToolStatus]int `json:"tool_calls_by_status"`
	RejectedCalls     int                `json:"rejected_calls"`
	Compressions      int                `json:"compressions"`
	Usage             unifiedllm.Usage   `json:"usage"`
	WallTime          time.Duration      `json:"wall_time"`
}

// RunResult is the outcome of Session.Run.
type RunResult struct {
	SessionID   string       `json:"session_id"`
	State       SessionState `json:"state"`
	Reason      AbortReason  `json:"reason,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	FinalAnswer string       `json:"final_answer,omitempty"`
	Budget      Budget       `json:"budget"`
	Metrics     Metrics      `json:"metrics"`
	// Transcript is every message appended during the run, uncompressed.
	Transcript []Message `json:"-"`
}

// Session drives one run of the agent loop: it asks the model for the next
// step, dispatches the proposed tool calls and feeds the results back until
// the model answers or a limit is reached. A Session runs once.
type Session struct {
	id         string
	cfg        SessionConfig
	profile    *AgentProfile
	llm        *LLMAdapter
	dispatcher *Dispatcher
	tools      *ToolRegistry
	compressor *Compressor
	counter    TokenCounter
	approver   Approver
	recorder   Recorder
	emitter    *EventEmitter
	logger     *zap.Logger
	prompt     string

	conv       *ConversationState
	transcript []Message
	budget     Budget
	metrics    Metrics
	iteration  int

	mu       sync.Mutex
	state    SessionState
	steering []string
	started  bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithApprover enables the confirmation gate. Without an approver, or with
// AutoApprove set, every call proceeds.
func WithApprover(a Approver) SessionOption {
	return func(s *Session) {
		s.approver = a
	}
}

// WithRecorder persists the run's trajectory.
func WithRecorder(r Recorder) SessionOption {
	return func(s *Session) {
		s.recorder = r
	}
}

// WithTokenCounter sets how messages are measured.
func WithTokenCounter(c TokenCounter) SessionOption {
	return func(s *Session) {
		s.counter = c
	}
}

// WithSystemPrompt replaces the system message built from the profile.
func WithSystemPrompt(prompt string) SessionOption {
	return func(s *Session) {
		s.prompt = prompt
	}
}

// NewSession creates a session. The profile's tool allow-list narrows the
// dispatcher's registry; naming an unregistered tool is an error.
func NewSession(cfg SessionConfig, profile *AgentProfile, llm *LLMAdapter, dispatcher *Dispatcher, opts ...SessionOption) (*Session, error) {
	if llm == nil {
		return nil, errors.New("session: llm adapter is required")
	}
	if dispatcher == nil {
		return nil, errors.New("session: dispatcher is required")
	}
	if profile == nil {
		profile = DefaultProfile()
	}
	defaults := DefaultSessionConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = defaults.MaxContextTokens
	}
	if cfg.LoopDetectionWindow <= 0 {
		cfg.LoopDetectionWindow = defaults.LoopDetectionWindow
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}

	tools, err := profile.ToolRegistry(dispatcher.Registry())
	if err != nil {
		return nil, fmt.Errorf("session: profile %s: %w", profile.Name, err)
	}

	s := &Session{
		id:         cfg.SessionID,
		cfg:        cfg,
		profile:    profile,
		llm:        llm,
		dispatcher: dispatcher,
		tools:      tools,
		recorder:   nopRecorder{},
		logger:     zap.NewNop(),
		state:      StateInit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.counter == nil {
		s.counter = HeuristicCounter{}
	}
	s.logger = s.logger.With(zap.String("session_id", s.id))
	s.compressor = NewCompressor(cfg.RecentTurns, s.counter)
	s.conv = NewConversationState(s.counter)
	s.emitter = NewEventEmitter(s.id, 256)
	s.budget = Budget{MaxIterations: cfg.MaxIterations, MaxContextTokens: cfg.MaxContextTokens}
	s.metrics.ToolCallsByStatus = make(map[ToolStatus]int)
	if s.prompt == "" {
		s.prompt = profile.SystemPrompt
		if names := tools.Names(); len(names) > 0 {
			s.prompt += "\n\nAvailable tools: " + strings.Join(names, ", ")
		}
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the event channel. It is closed when Run returns.
func (s *Session) Events() <-chan RunEvent { return s.emitter.Events() }

// Steer queues a user message that is added before the next model call.
func (s *Session) Steer(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steering = append(s.steering, message)
}

// Run executes task to completion. An aborted run is reported through
// RunResult.State and Reason; the error is only for misuse.
func (s *Session) Run(ctx context.Context, task string) (*RunResult, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, errors.New("session: already run")
	}
	s.started = true
	s.mu.Unlock()
	if strings.TrimSpace(task) == "" {
		return nil, errors.New("session: empty task")
	}
	defer s.emitter.Close()

	start := time.Now()
	s.record(TrajectoryEntry{EventType: EntrySessionStart, Data: map[string]interface{}{
		"profile":            s.profile.Name,
		"model":              s.llm.Config().Model,
		"mode":               string(s.dispatcher.Mode()),
		"max_iterations":     s.cfg.MaxIterations,
		"max_context_tokens": s.cfg.MaxContextTokens,
		"task":               task,
	}})
	s.emitter.Emit(EventRunStart, 0, map[string]interface{}{"task": task})
	s.logger.Info("run started",
		zap.String("profile", s.profile.Name),
		zap.Int("max_iterations", s.cfg.MaxIterations),
		zap.Int("max_context_tokens", s.cfg.MaxContextTokens))

	s.append(Message{Role: RoleSystem, Content: s.prompt, Pinned: true})
	s.append(Message{Role: RoleUser, Content: task, Pinned: true})

	result := s.loop(ctx)
	result.SessionID = s.id
	s.metrics.WallTime = time.Since(start)
	result.Budget = s.budget
	result.Metrics = s.metrics
	result.Transcript = make([]Message, len(s.transcript))
	for i, m := range s.transcript {
		result.Transcript[i] = m.clone()
	}

	summary := *result
	summary.Transcript = nil
	s.record(TrajectoryEntry{EventType: EntrySummary, Summary: &summary})
	s.emitter.Emit(EventRunEnd, s.iteration, map[string]interface{}{
		"state":  string(result.State),
		"reason": string(result.Reason),
	})
	s.logger.Info("run finished",
		zap.String("state", string(result.State)),
		zap.String("reason", string(result.Reason)),
		zap.Int("iterations", s.budget.IterationsUsed),
		zap.Int("tokens_used", s.budget.TokensUsed),
		zap.Duration("wall_time", s.metrics.WallTime))
	return result, nil
}

func (s *Session) loop(ctx context.Context) *RunResult {
	for {
		if ctx.Err() != nil {
			return s.abort(ReasonCancelled, ctx.Err().Error())
		}
		if s.budget.IterationsUsed >= s.budget.MaxIterations {
			return s.abort(ReasonIterationLimit, fmt.Sprintf("reached %d iterations", s.budget.MaxIterations))
		}
		s.budget.IterationsUsed++
		s.iteration = s.budget.IterationsUsed
		s.setState(StateAwaitingModel)
		s.drainSteering()

		proposal, reason, detail := s.propose(ctx)
		if reason != "" {
			return s.abort(reason, detail)
		}

		s.append(Message{Role: RoleAssistant, Content: proposal.Text, ToolCalls: proposal.ToolCalls})
		if !s.fitContext() {
			return s.abort(ReasonContextLimit, fmt.Sprintf("context exceeds %d tokens after compression", s.budget.MaxContextTokens))
		}

		if len(proposal.ToolCalls) == 0 {
			s.setState(StateDone)
			return &RunResult{State: StateDone, FinalAnswer: proposal.Text}
		}

		results, reason, detail := s.dispatchBatch(ctx, proposal.ToolCalls)
		if reason != "" {
			return s.abort(reason, detail)
		}
		for i, res := range results {
			s.append(Message{
				Role:       RoleToolResult,
				Content:    res.Content(),
				ToolCallID: res.CallID,
				ToolName:   proposal.ToolCalls[i].ToolName,
				ToolStatus: res.Status,
			})
		}
		for _, res := range results {
			if res.Transport {
				return s.abort(ReasonTransportError, res.ErrorDetail)
			}
		}

		if s.cfg.EnableLoopDetection && DetectLoop(s.transcript, s.cfg.LoopDetectionWindow) {
			note := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", s.cfg.LoopDetectionWindow)
			s.append(Message{Role: RoleSystem, Content: note})
			s.emitter.Emit(EventLoopDetection, s.iteration, map[string]interface{}{"message": note})
			s.logger.Warn("loop detected", zap.Int("iteration", s.iteration))
		}
	}
}

// propose asks the model for the next step. A malformed response is retried
// once within the same iteration after a corrective note.
func (s *Session) propose(ctx context.Context) (*Proposal, AbortReason, string) {
	defs := s.tools.Definitions()
	for attempt := 0; ; attempt++ {
		if !s.fitContext() {
			return nil, ReasonContextLimit, fmt.Sprintf("context exceeds %d tokens after compression", s.budget.MaxContextTokens)
		}
		s.emitter.Emit(EventModelRequest, s.iteration, map[string]interface{}{
			"messages": s.conv.Len(),
			"tokens":   s.conv.TokenCount(),
		})
		s.metrics.ModelCalls++
		proposal, err := s.llm.Propose(ctx, s.conv.Messages(), defs)
		if err == nil {
			s.metrics.Usage = s.metrics.Usage.Add(proposal.Usage)
			s.emitter.Emit(EventModelResponse, s.iteration, map[string]interface{}{
				"text":       proposal.Text,
				"tool_calls": len(proposal.ToolCalls),
			})
			return proposal, "", ""
		}

		switch {
		case ctx.Err() != nil:
			return nil, ReasonCancelled, ctx.Err().Error()
		case unifiedllm.IsProtocolError(err):
			if attempt > 0 {
				return nil, ReasonModelProtocolError, err.Error()
			}
			s.metrics.ProtocolRetries++
			s.logger.Warn("malformed model response, retrying", zap.Int("iteration", s.iteration), zap.Error(err))
			s.emitter.Emit(EventProtocolRetry, s.iteration, map[string]interface{}{"error": err.Error()})
			s.append(Message{Role: RoleAssistant, Content: sanitizedResponse(err)})
			s.append(Message{Role: RoleSystem, Content: correctiveNote(err)})
		case unifiedllm.IsRetryable(err):
			s.emitter.Emit(EventError, s.iteration, map[string]interface{}{"error": err.Error()})
			return nil, ReasonTransportError, err.Error()
		default:
			s.emitter.Emit(EventError, s.iteration, map[string]interface{}{"error": err.Error()})
			return nil, ReasonModelError, err.Error()
		}
	}
}

// sanitizedResponse stands in for a response that could not be parsed so
// the raw malformed output is not fed back to the model.
func sanitizedResponse(err error) string {
	var itc *unifiedllm.InvalidToolCallError
	if errors.As(err, &itc) && itc.ToolName != "" {
		return fmt.Sprintf("[malformed call to %s omitted]", itc.ToolName)
	}
	return "[unparseable response omitted]"
}

func correctiveNote(err error) string {
	return "Your previous response could not be used: " + err.Error() +
		". Reply with tool calls whose arguments are a single JSON object, " +
		"or with a plain text answer if the task is complete."
}

// fitContext compresses the conversation into the token budget. It reports
// false when the budget cannot be met or the newest message was evicted.
func (s *Session) fitContext() bool {
	last, ok := s.conv.Last()
	msgs := s.conv.Messages()
	out := s.compressor.Compress(msgs, s.budget.MaxContextTokens)
	if len(out) != len(msgs) || totalTokens(out) != s.conv.TokenCount() {
		before := s.conv.TokenCount()
		s.conv.Replace(out)
		s.metrics.Compressions++
		data := map[string]interface{}{
			"tokens_before":   before,
			"tokens_after":    s.conv.TokenCount(),
			"messages_before": len(msgs),
			"messages_after":  len(out),
		}
		s.record(TrajectoryEntry{EventType: EntryCompression, Iteration: s.iteration, Data: data})
		s.emitter.Emit(EventCompression, s.iteration, data)
		s.logger.Debug("context compressed", zap.Int("tokens_before", before), zap.Int("tokens_after", s.conv.TokenCount()))
	}
	if tokens := s.conv.TokenCount(); tokens > s.budget.TokensUsed {
		s.budget.TokensUsed = tokens
	}
	if s.conv.TokenCount() > s.budget.MaxContextTokens {
		return false
	}
	return !ok || s.conv.Contains(last.Seq)
}

// dispatchBatch runs the approved calls of one model turn concurrently and
// returns their results in request order. Calls run detached from ctx so a
// cancelled run waits for them, bounded by the dispatcher's timeout, and
// then discards their results.
func (s *Session) dispatchBatch(ctx context.Context, calls []ToolCallRequest) ([]ToolCallResult, AbortReason, string) {
	s.setState(StateDispatchingTool)
	results := make([]ToolCallResult, len(calls))
	pending := make([]bool, len(calls))

	for i, call := range calls {
		s.emitter.Emit(EventToolCallStart, s.iteration, map[string]interface{}{
			"tool_name": call.ToolName,
			"call_id":   call.CallID,
		})
		if _, ok := s.tools.Get(call.ToolName); !ok {
			results[i] = errorResult(call.CallID, "Tool not found: %s", call.ToolName)
			continue
		}
		approved, err := s.approve(ctx, call)
		if ctx.Err() != nil {
			return nil, ReasonCancelled, ctx.Err().Error()
		}
		if err != nil || !approved {
			detail := "Tool call rejected by user"
			if err != nil {
				detail = fmt.Sprintf("Tool call not approved: %v", err)
			}
			s.metrics.RejectedCalls++
			s.emitter.Emit(EventToolRejected, s.iteration, map[string]interface{}{
				"tool_name": call.ToolName,
				"call_id":   call.CallID,
			})
			results[i] = errorResult(call.CallID, "%s", detail)
			continue
		}
		pending[i] = true
	}

	s.setState(StateAwaitingTool)
	detached := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i, call := range calls {
		if !pending[i] {
			continue
		}
		wg.Add(1)
		go func(i int, call ToolCallRequest) {
			defer wg.Done()
			results[i] = s.dispatcher.Dispatch(detached, call)
		}(i, call)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ReasonCancelled, ctx.Err().Error()
	}

	for i, call := range calls {
		res := results[i]
		if res.CallID != call.CallID {
			return nil, ReasonToolProtocolError, fmt.Sprintf("result for call %q answered outstanding call %q", res.CallID, call.CallID)
		}
		s.metrics.ToolCalls++
		s.metrics.ToolCallsByStatus[res.Status]++
		req := call
		s.record(TrajectoryEntry{EventType: EntryToolCall, Iteration: s.iteration, Request: &req, Result: &res})
		s.emitter.Emit(EventToolCallEnd, s.iteration, map[string]interface{}{
			"tool_name": call.ToolName,
			"call_id":   call.CallID,
			"status":    string(res.Status),
			"wall_time": res.WallTime.String(),
		})
	}
	return results, "", ""
}

func (s *Session) approve(ctx context.Context, call ToolCallRequest) (bool, error) {
	if s.cfg.AutoApprove || s.approver == nil || !s.dispatcher.RequiresConfirmation(call.ToolName) {
		return true, nil
	}
	return s.approver.Approve(ctx, call)
}

func (s *Session) drainSteering() {
	s.mu.Lock()
	queued := s.steering
	s.steering = nil
	s.mu.Unlock()

	for _, msg := range queued {
		s.append(Message{Role: RoleUser, Content: msg})
		s.emitter.Emit(EventSteeringInjected, s.iteration, map[string]interface{}{"content": msg})
	}
}

// append adds m to both the live context and the full transcript.
func (s *Session) append(m Message) Message {
	stored := s.conv.Append(m)
	s.transcript = append(s.transcript, stored)
	entry := stored.clone()
	s.record(TrajectoryEntry{EventType: EntryMessage, Iteration: s.iteration, Message: &entry})
	return stored
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev == state {
		return
	}
	s.record(TrajectoryEntry{EventType: EntryStateChange, Iteration: s.iteration, State: state})
	s.emitter.Emit(EventStateChange, s.iteration, map[string]interface{}{
		"from": string(prev),
		"to":   string(state),
	})
}

func (s *Session) abort(reason AbortReason, detail string) *RunResult {
	s.setState(StateAborted)
	s.logger.Warn("run aborted", zap.String("reason", string(reason)), zap.String("detail", detail))
	return &RunResult{State: StateAborted, Reason: reason, Detail: detail}
}

func (s *Session) record(e TrajectoryEntry) {
	e.SessionID = s.id
	if err := s.recorder.Record(e); err != nil {
		s.logger.Warn("trajectory write failed", zap.String("event_type", e.EventType), zap.Error(err))
	}
}
