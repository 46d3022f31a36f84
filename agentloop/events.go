package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of run event.
type EventKind string

const (
	EventRunStart         EventKind = "run_start"
	EventRunEnd           EventKind = "run_end"
	EventStateChange      EventKind = "state_change"
	EventModelRequest     EventKind = "model_request"
	EventModelResponse    EventKind = "model_response"
	EventProtocolRetry    EventKind = "protocol_retry"
	EventCompression      EventKind = "compression"
	EventToolCallStart    EventKind = "tool_call_start"
	EventToolCallEnd      EventKind = "tool_call_end"
	EventToolRejected     EventKind = "tool_rejected"
	EventSteeringInjected EventKind = "steering_injected"
	EventLoopDetection    EventKind = "loop_detection"
	EventError            EventKind = "error"
)

// RunEvent is a typed event emitted while a session runs.
type RunEvent struct {
	Kind      EventKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	Iteration int                    `json:"iteration"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventEmitter delivers events on a buffered channel. It never blocks the
// loop: when the buffer is full, events are dropped.
type EventEmitter struct {
	sessionID string
	ch        chan RunEvent
	closed    bool
	dropped   int
	mu        sync.Mutex
}

// NewEventEmitter creates an emitter with the given buffer size.
func NewEventEmitter(sessionID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		sessionID: sessionID,
		ch:        make(chan RunEvent, bufferSize),
	}
}

// Emit sends an event. Events emitted after Close are dropped.
func (e *EventEmitter) Emit(kind EventKind, iteration int, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := RunEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		Iteration: iteration,
		Data:      data,
	}
	select {
	case e.ch <- event:
	default:
		e.dropped++
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (e *EventEmitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan RunEvent {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
