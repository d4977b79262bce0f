package swarm

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/swarmflow/types"
)

// Chunk is one streamed fragment emitted while an agent runs. Text
// chunks carry Text; tool events carry Payload.
type Chunk struct {
	Type    types.EventType
	Text    string
	Payload map[string]any
}

// Invocation is everything an executor needs to run one agent once.
type Invocation struct {
	ExecutionID string
	Agent       types.AgentConfig
	Prompt      string
	Attempt     int
}

// Result is an agent's final output. Handoff is set by backends that
// return structured decisions; when nil, the coordinator falls back
// to parsing Text for directive markers.
type Result struct {
	Text       string
	Handoff    *HandoffDecision
	Artifacts  []types.Artifact
	TokensUsed int
}

// EmitFunc receives streamed chunks during an invocation. It never
// blocks and may be called from the executor's own goroutines.
type EmitFunc func(Chunk)

// Executor runs a single agent to completion, streaming intermediate
// chunks through emit. Implementations must honor ctx cancellation:
// the pool kills overdue agents by cancelling the invocation context.
type Executor interface {
	Invoke(ctx context.Context, inv Invocation, emit EmitFunc) (*Result, error)
}

// BoundedExecutor caps process-wide concurrent invocations of an
// inner executor. Useful when the backend holds expensive resources
// per call, such as an LLM connection or a local model instance.
type BoundedExecutor struct {
	inner Executor
	sem   *semaphore.Weighted
}

// NewBoundedExecutor wraps inner with a concurrency limit.
func NewBoundedExecutor(inner Executor, limit int64) *BoundedExecutor {
	if limit <= 0 {
		limit = 1
	}
	return &BoundedExecutor{inner: inner, sem: semaphore.NewWeighted(limit)}
}

// Invoke implements Executor, waiting for a slot or ctx cancellation.
func (e *BoundedExecutor) Invoke(ctx context.Context, inv Invocation, emit EmitFunc) (*Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)
	return e.inner.Invoke(ctx, inv, emit)
}
