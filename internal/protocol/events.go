package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a session lifecycle event on the stream.
type EventType string

const (
	EventSessionCreated   EventType = "session.created"
	EventSessionDestroyed EventType = "session.destroyed"
	EventProcessStarted   EventType = "process.started"
	EventProcessExited    EventType = "process.exited"
	EventBrowserOpened    EventType = "browser.opened"
	EventBrowserClosed    EventType = "browser.closed"
	EventSweepCompleted   EventType = "sweep.completed"
)

// Event is the envelope broadcast to WebSocket event-stream subscribers.
type Event struct {
	Type      EventType       `json:"type"`
	ID        string          `json:"id"` // Event ID for correlation and deduplication.
	TaskID    string          `json:"task_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent creates an Event with a fresh ID and current timestamp.
func NewEvent(eventType EventType, taskID string, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Event{
		Type:      eventType,
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Event) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// SessionDestroyedPayload is sent with EventSessionDestroyed.
type SessionDestroyedPayload struct {
	Reason string `json:"reason"` // "explicit", "idle", "shutdown"
}

// ProcessStartedPayload is sent with EventProcessStarted.
type ProcessStartedPayload struct {
	ProcessID string `json:"process_id"`
	Command   string `json:"command"`
}

// ProcessExitedPayload is sent with EventProcessExited.
type ProcessExitedPayload struct {
	ProcessID string `json:"process_id"`
	ExitCode  int    `json:"exit_code"`
	TimedOut  bool   `json:"timed_out,omitempty"`
}

// SweepCompletedPayload is sent with EventSweepCompleted after each idle
// sweep pass.
type SweepCompletedPayload struct {
	Scanned   int    `json:"scanned"`
	Destroyed int    `json:"destroyed"`
	Duration  string `json:"duration"`
}
