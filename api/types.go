package api

import (
	"time"

	"github.com/BaSui01/swarmflow/pool"
	"github.com/BaSui01/swarmflow/types"
)

// StartSwarmRequest starts a new swarm execution.
type StartSwarmRequest struct {
	Task        string              `json:"task"`
	Agents      []types.AgentConfig `json:"agents"`
	MaxHandoffs int                 `json:"max_handoffs,omitempty"`
}

// StartSwarmResponse acknowledges a started execution. Progress is
// observable through the status endpoint and the event stream.
type StartSwarmResponse struct {
	ExecutionID string                `json:"execution_id"`
	Status      types.ExecutionStatus `json:"status"`
	CreatedAt   time.Time             `json:"created_at"`
}

// ExecutionStatusResponse is a point-in-time view of one execution,
// combined with its pool status while the pool still tracks it.
type ExecutionStatusResponse struct {
	Execution types.SwarmExecution `json:"execution"`
	Pool      *pool.Status         `json:"pool,omitempty"`
}

// ExecutionListResponse lists known executions, newest first.
type ExecutionListResponse struct {
	Executions []types.SwarmExecution `json:"executions"`
	Count      int                    `json:"count"`
}

// StopSwarmResponse acknowledges a stop request.
type StopSwarmResponse struct {
	ExecutionID string `json:"execution_id"`
	Stopping    bool   `json:"stopping"`
}
