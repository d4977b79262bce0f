package types

import (
	"fmt"
	"time"
)

// ExecutionStatus represents the lifecycle status of a swarm execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionStopped   ExecutionStatus = "stopped"
)

// Terminal reports whether the status is final. A terminal execution is
// never resumed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionStopped
}

// AgentConfig is the static description of one swarm participant.
// It is immutable once the execution starts; the coordinator looks
// configs up by name during handoff resolution.
type AgentConfig struct {
	Name           string   `json:"name" yaml:"name"`
	Description    string   `json:"description,omitempty" yaml:"description"`
	SystemPrompt   string   `json:"system_prompt" yaml:"system_prompt"`
	PermittedTools []string `json:"permitted_tools,omitempty" yaml:"permitted_tools"`
	Model          string   `json:"model,omitempty" yaml:"model"`
	Temperature    float64  `json:"temperature,omitempty" yaml:"temperature"`
}

// Validate checks the minimal structural requirements for an agent config.
func (c *AgentConfig) Validate() error {
	if c.Name == "" {
		return NewError(ErrInvalidRequest, "agent name is required")
	}
	if c.SystemPrompt == "" {
		return NewError(ErrInvalidRequest, fmt.Sprintf("agent %q has no system prompt", c.Name))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return NewError(ErrInvalidRequest, fmt.Sprintf("agent %q temperature out of range", c.Name))
	}
	return nil
}

// Artifact is a named blob produced by an agent during execution.
type Artifact struct {
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type,omitempty"`
	Data      []byte    `json:"data"`
	Agent     string    `json:"agent"`
	CreatedAt time.Time `json:"created_at"`
}

// SwarmExecution is one run of a task across a sequence of agents.
//
// The execution is owned by the coordinator goroutine that drives it:
// SharedContext and AgentSequence have a single writer and need no
// locking. The struct invariant, checked by CheckInvariant, is
//
//	HandoffCount <= MaxHandoffs
//	len(AgentSequence) == HandoffCount + 1 (once the first agent ran)
type SwarmExecution struct {
	ID            string          `json:"id"`
	Task          string          `json:"task"`
	Status        ExecutionStatus `json:"status"`
	AgentSequence []string        `json:"agent_sequence"`
	HandoffCount  int             `json:"handoff_count"`
	MaxHandoffs   int             `json:"max_handoffs"`

	// SharedContext maps agent name to that agent's produced output.
	// Append-only: agents read previous entries, never mutate them.
	SharedContext map[string]string `json:"shared_context"`

	Artifacts   []Artifact `json:"artifacts,omitempty"`
	FinalOutput string     `json:"final_output,omitempty"`
	Error       string     `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewSwarmExecution creates a running execution for the given task.
func NewSwarmExecution(id, task string, maxHandoffs int) *SwarmExecution {
	return &SwarmExecution{
		ID:            id,
		Task:          task,
		Status:        ExecutionRunning,
		AgentSequence: make([]string, 0, maxHandoffs+1),
		MaxHandoffs:   maxHandoffs,
		SharedContext: make(map[string]string),
		CreatedAt:     time.Now(),
	}
}

// CheckInvariant validates the execution's structural invariant.
func (e *SwarmExecution) CheckInvariant() error {
	if e.HandoffCount > e.MaxHandoffs {
		return fmt.Errorf("handoff count %d exceeds max %d", e.HandoffCount, e.MaxHandoffs)
	}
	if len(e.AgentSequence) > 0 && len(e.AgentSequence) != e.HandoffCount+1 {
		return fmt.Errorf("agent sequence length %d does not match handoff count %d",
			len(e.AgentSequence), e.HandoffCount)
	}
	return nil
}

// Finish moves the execution to a terminal status. Finishing an already
// terminal execution is a no-op so stop and normal completion can race
// safely.
func (e *SwarmExecution) Finish(status ExecutionStatus) {
	if e.Status.Terminal() {
		return
	}
	e.Status = status
	now := time.Now()
	e.FinishedAt = &now
}
