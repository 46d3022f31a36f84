package agentloop

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Trajectory entry types.
const (
	EntrySessionStart = "session_start"
	EntryMessage      = "message"
	EntryToolCall     = "tool_call"
	EntryStateChange  = "state_change"
	EntryCompression  = "compression"
	EntrySummary      = "session_summary"
)

// TrajectoryEntry is one line of a trajectory log. Which fields are set
// depends on EventType.
type TrajectoryEntry struct {
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	Iteration int                    `json:"iteration,omitempty"`
	Message   *Message               `json:"message,omitempty"`
	Request   *ToolCallRequest       `json:"request,omitempty"`
	Result    *ToolCallResult        `json:"result,omitempty"`
	State     SessionState           `json:"state,omitempty"`
	Summary   *RunResult             `json:"summary,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Recorder persists trajectory entries. Implementations must be safe for
// use by one session at a time.
type Recorder interface {
	Record(entry TrajectoryEntry) error
	Close() error
}

type nopRecorder struct{}

func (nopRecorder) Record(TrajectoryEntry) error { return nil }
func (nopRecorder) Close() error                 { return nil }

// JSONLRecorder appends entries as JSON lines and flushes after each one so
// the log can be tailed while the run is in progress.
type JSONLRecorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewJSONLRecorder writes to w. If w is an io.Closer it is closed by Close.
func NewJSONLRecorder(w io.Writer) *JSONLRecorder {
	r := &JSONLRecorder{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// CreateTrajectoryFile opens dir/<id>.jsonl for appending.
func CreateTrajectoryFile(dir, id string) (*JSONLRecorder, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create trajectory dir: %w", err)
	}
	path := filepath.Join(dir, id+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("open trajectory: %w", err)
	}
	return NewJSONLRecorder(f), path, nil
}

func (r *JSONLRecorder) Record(entry TrajectoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode trajectory entry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.w.Flush()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
		r.closer = nil
	}
	return err
}

// ReadTrajectory decodes a JSONL trajectory log.
func ReadTrajectory(rd io.Reader) ([]TrajectoryEntry, error) {
	var entries []TrajectoryEntry
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e TrajectoryEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return entries, fmt.Errorf("trajectory line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// ReplayTranscript rebuilds the full message sequence of a run from its
// trajectory entries.
func ReplayTranscript(entries []TrajectoryEntry) []Message {
	var msgs []Message
	for _, e := range entries {
		if e.EventType == EntryMessage && e.Message != nil {
			msgs = append(msgs, e.Message.clone())
		}
	}
	return msgs
}
