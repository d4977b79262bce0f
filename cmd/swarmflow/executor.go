package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/swarm"
	"github.com/BaSui01/swarmflow/types"
)

// loopbackExecutor is the built-in backend used when no external agent
// runtime is plugged in. It acknowledges each invocation with a single
// text chunk and never hands off, so a fresh deployment is exercisable
// end to end before a real executor is wired.
type loopbackExecutor struct {
	logger *zap.Logger
}

func newLoopbackExecutor(logger *zap.Logger) *loopbackExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("no agent backend configured, using loopback executor")
	return &loopbackExecutor{logger: logger.With(zap.String("component", "loopback_executor"))}
}

func (e *loopbackExecutor) Invoke(ctx context.Context, inv swarm.Invocation, emit swarm.EmitFunc) (*swarm.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := fmt.Sprintf("agent %s acknowledged the invocation (no backend configured)", inv.Agent.Name)
	emit(swarm.Chunk{Type: types.EventTextChunk, Text: text})

	e.logger.Debug("loopback invocation",
		zap.String("execution_id", inv.ExecutionID),
		zap.String("agent", inv.Agent.Name),
		zap.Int("attempt", inv.Attempt))

	return &swarm.Result{Text: text}, nil
}
