package types

import "time"

// EventType tags a StreamEvent payload.
type EventType string

const (
	EventConnected          EventType = "connection_established"
	EventAgentStarted       EventType = "agent_started"
	EventTextChunk          EventType = "text_chunk"
	EventToolCall           EventType = "tool_call"
	EventToolResult         EventType = "tool_result"
	EventHandoff            EventType = "handoff"
	EventAgentCompleted     EventType = "agent_completed"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventExecutionStopped   EventType = "execution_stopped"
	EventHeartbeat          EventType = "heartbeat"
	EventError              EventType = "error"
)

// Terminal reports whether the event type ends an execution's stream.
// Consumers tear down shortly after forwarding a terminal event.
func (t EventType) Terminal() bool {
	switch t {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionStopped:
		return true
	}
	return false
}

// StreamEvent is one entry in an execution's event stream. Events are
// immutable once emitted and totally ordered per execution by Sequence.
type StreamEvent struct {
	ExecutionID string         `json:"execution_id"`
	Sequence    uint64         `json:"sequence"`
	Type        EventType      `json:"type"`
	Agent       string         `json:"agent,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewStreamEvent builds an event without a sequence number; the hub
// assigns Sequence at publish time.
func NewStreamEvent(executionID string, typ EventType, agent string, payload map[string]any) StreamEvent {
	return StreamEvent{
		ExecutionID: executionID,
		Type:        typ,
		Agent:       agent,
		Payload:     payload,
		Timestamp:   time.Now(),
	}
}
