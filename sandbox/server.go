// Package sandbox serves the remote side of the tool dispatcher: it accepts
// tool-call envelopes over HTTP and runs them against per-instance
// workspaces on this host. It executes calls; isolating them (containers,
// VMs, users) is left to whatever hosts the server.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martinemde/fusion/agentloop"
)

// ErrUnknownInstance is returned when an instance id has no workspace.
var ErrUnknownInstance = errors.New("unknown instance")

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Config configures a Server.
type Config struct {
	// Root holds one directory per instance, named by instance id.
	// Instances added with Register may live anywhere.
	Root string
	// MaxTimeout caps the timeout a caller may request.
	MaxTimeout time.Duration
	Dispatcher agentloop.DispatcherConfig
}

// DefaultConfig returns defaults rooted at root.
func DefaultConfig(root string) Config {
	return Config{
		Root:       root,
		MaxTimeout: 15 * time.Minute,
		Dispatcher: agentloop.DefaultDispatcherConfig(),
	}
}

// Server executes remote tool calls. Each instance gets its own local
// dispatcher, so read-before-edit tracking persists across calls to the
// same instance.
type Server struct {
	cfg      Config
	registry *agentloop.ToolRegistry
	logger   *zap.Logger

	mu        sync.Mutex
	instances map[string]*agentloop.Dispatcher
	dirs      map[string]string

	stats *stats
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry replaces the core tool registry.
func WithRegistry(r *agentloop.ToolRegistry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// New creates a Server.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg.Dispatcher.Mode = agentloop.ModeLocal
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultConfig("").MaxTimeout
	}
	s := &Server{
		cfg:       cfg,
		logger:    zap.NewNop(),
		instances: make(map[string]*agentloop.Dispatcher),
		dirs:      make(map[string]string),
		stats:     newStats(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		registry, err := agentloop.NewCoreRegistry(cfg.Dispatcher.Tools)
		if err != nil {
			return nil, err
		}
		s.registry = registry
	}
	if cfg.Root != "" {
		if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
			return nil, fmt.Errorf("sandbox root: %w", err)
		}
	}
	return s, nil
}

// Register maps instanceID to dir, replacing any previous mapping.
func (s *Server) Register(instanceID, dir string) error {
	if !instanceIDPattern.MatchString(instanceID) {
		return fmt.Errorf("invalid instance id %q", instanceID)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("register %s: %w", instanceID, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("register %s: %s is not a directory", instanceID, dir)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs[instanceID] = dir
	delete(s.instances, instanceID)
	return nil
}

// Instances returns the ids of instances that have served a call, sorted.
func (s *Server) Instances() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) dispatcher(instanceID string) (*agentloop.Dispatcher, error) {
	if !instanceIDPattern.MatchString(instanceID) || strings.Contains(instanceID, "..") {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstance, instanceID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.instances[instanceID]; ok {
		return d, nil
	}

	dir, ok := s.dirs[instanceID]
	if !ok {
		if s.cfg.Root == "" {
			return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
		}
		dir = filepath.Join(s.cfg.Root, instanceID)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}

	env, err := agentloop.NewLocalExecutionEnvironment(dir)
	if err != nil {
		return nil, err
	}
	d, err := agentloop.NewDispatcher(s.cfg.Dispatcher, s.registry, env,
		agentloop.WithDispatcherLogger(s.logger.With(zap.String("instance_id", instanceID))))
	if err != nil {
		return nil, err
	}
	s.instances[instanceID] = d
	return d, nil
}

// Handler returns the HTTP handler serving the sandbox API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+agentloop.ExecutePath, s.handleExecute)
	mux.HandleFunc("GET "+agentloop.HealthPath, s.handleHealth)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	return s.withRequestLog(mux)
}

// Execute runs one call against its instance. It is the in-process form
// of the execute endpoint.
func (s *Server) Execute(ctx context.Context, req agentloop.RemoteRequest) (agentloop.RemoteResponse, error) {
	d, err := s.dispatcher(req.InstanceID)
	if err != nil {
		return agentloop.RemoteResponse{}, err
	}

	timeout := s.cfg.MaxTimeout
	if req.TimeoutMs > 0 {
		if requested := time.Duration(req.TimeoutMs) * time.Millisecond; requested < timeout {
			timeout = requested
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := d.Dispatch(ctx, agentloop.ToolCallRequest{
		CallID:    req.CallID,
		ToolName:  req.ToolName,
		Arguments: req.Arguments,
	})
	s.stats.record(req.ToolName, res.Status, res.WallTime)
	return agentloop.NewRemoteResponse(res), nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req agentloop.RemoteRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeInvalidRequest(w, err.Error())
		return
	}
	switch {
	case strings.TrimSpace(req.InstanceID) == "":
		writeInvalidRequest(w, "instance_id is required")
		return
	case strings.TrimSpace(req.CallID) == "":
		writeInvalidRequest(w, "call_id is required")
		return
	case strings.TrimSpace(req.ToolName) == "":
		writeInvalidRequest(w, "tool_name is required")
		return
	case req.TimeoutMs < 0:
		writeInvalidRequest(w, "timeout_ms must not be negative")
		return
	}
	setLogFields(r, zap.String("instance_id", req.InstanceID), zap.String("tool", req.ToolName), zap.String("call_id", req.CallID))

	resp, err := s.Execute(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrUnknownInstance) {
			writeError(w, http.StatusNotFound, errorCodeNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "runtime_error", err.Error())
		return
	}
	setLogFields(r, zap.String("status", string(resp.Status)))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "fusion-sandbox"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.snapshot())
}

type logFieldsKey struct{}

type logFields struct {
	mu     sync.Mutex
	fields []zap.Field
}

func setLogFields(r *http.Request, fields ...zap.Field) {
	if lf, ok := r.Context().Value(logFieldsKey{}).(*logFields); ok {
		lf.mu.Lock()
		lf.fields = append(lf.fields, fields...)
		lf.mu.Unlock()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestLog tags each request with an id and logs its outcome.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		lf := &logFields{}
		r = r.WithContext(context.WithValue(r.Context(), logFieldsKey{}, lf))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		lf.mu.Lock()
		fields := append([]zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("http_status", rec.status),
			zap.Duration("duration", time.Since(start)),
		}, lf.fields...)
		lf.mu.Unlock()

		if rec.status >= http.StatusInternalServerError {
			s.logger.Error("sandbox request failed", fields...)
		} else {
			s.logger.Info("sandbox request", fields...)
		}
	})
}
