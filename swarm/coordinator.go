package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/pool"
	"github.com/BaSui01/swarmflow/stream"
	"github.com/BaSui01/swarmflow/types"
)

// Config tunes the coordinator's loop.
type Config struct {
	// MaxHandoffs is the default handoff cap for executions that do
	// not specify their own.
	MaxHandoffs int `yaml:"max_handoffs" json:"max_handoffs"`

	// ExecutorRetries is how many additional attempts a failing agent
	// gets before the execution fails.
	ExecutorRetries int `yaml:"executor_retries" json:"executor_retries"`

	// TokenBudget bounds the prior-work section of each prompt.
	TokenBudget int `yaml:"token_budget" json:"token_budget"`

	// AdmissionBackoff is the initial wait after a transient admission
	// rejection; it doubles per retry up to AdmissionBackoffCap.
	AdmissionBackoff    time.Duration `yaml:"admission_backoff" json:"admission_backoff"`
	AdmissionBackoffCap time.Duration `yaml:"admission_backoff_cap" json:"admission_backoff_cap"`

	// AdmissionMaxWait bounds the total time spent waiting for one
	// admission before the rejection becomes terminal.
	AdmissionMaxWait time.Duration `yaml:"admission_max_wait" json:"admission_max_wait"`

	// Repetition tunes the repetitive-handoff detector.
	Repetition RepetitionDetector `yaml:"repetition" json:"repetition"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		MaxHandoffs:         10,
		ExecutorRetries:     2,
		TokenBudget:         8000,
		AdmissionBackoff:    100 * time.Millisecond,
		AdmissionBackoffCap: 5 * time.Second,
		AdmissionMaxWait:    30 * time.Second,
		Repetition:          DefaultRepetitionDetector(),
	}
}

// Coordinator drives swarm executions: admission, invocation, handoff
// evaluation and event publication. One coordinator serves many
// concurrent executions; per-execution state lives in the Run.
type Coordinator struct {
	config   Config
	pool     *pool.Manager
	hub      *stream.Hub
	executor Executor
	builder  *ContextBuilder
	parser   HandoffParser
	detector RepetitionDetector
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewCoordinator creates a coordinator. pool, hub and executor are
// required; collector may be nil.
func NewCoordinator(config Config, poolMgr *pool.Manager, hub *stream.Hub, executor Executor, collector *metrics.Collector, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		config:   config,
		pool:     poolMgr,
		hub:      hub,
		executor: executor,
		builder:  NewContextBuilder(config.TokenBudget, nil),
		detector: config.Repetition,
		metrics:  collector,
		tracer:   otel.Tracer("github.com/BaSui01/swarmflow/swarm"),
		logger:   logger.With(zap.String("component", "coordinator")),
	}
}

// Run drives one execution to a terminal status. It blocks until the
// execution finishes and always leaves run.Execution terminal; the
// returned error reports a failed execution, not a coordinator bug.
func (c *Coordinator) Run(ctx context.Context, run *Run, agents []types.AgentConfig) error {
	exec := run.Execution
	logger := c.logger.With(zap.String("execution_id", exec.ID))
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, "swarm.run",
		trace.WithAttributes(
			attribute.String("swarm.execution_id", exec.ID),
			attribute.Int("swarm.agents", len(agents)),
		))
	defer span.End()

	c.metrics.ExecutionStarted()
	defer func() {
		c.metrics.ExecutionFinished(string(exec.Status), time.Since(start))
	}()

	if len(agents) == 0 {
		return c.finishFailed(ctx, run, span,
			types.NewError(types.ErrInvalidRequest, "execution has no agents"))
	}

	roster := make(map[string]types.AgentConfig, len(agents))
	for _, a := range agents {
		roster[a.Name] = a
	}

	if err := c.pool.StartExecution(ctx, exec.ID); err != nil {
		return c.finishFailed(ctx, run, span, fmt.Errorf("start execution: %w", err))
	}
	defer c.pool.FinishExecution(exec.ID)

	current := agents[0]
	run.mutate(func(e *types.SwarmExecution) {
		e.AgentSequence = append(e.AgentSequence, current.Name)
	})

	for {
		if ctx.Err() != nil {
			return c.finishStopped(run, span)
		}

		result, err := c.runAgent(ctx, run, current, agents, logger)
		if err != nil {
			if ctx.Err() != nil || types.GetErrorCode(err) == types.ErrExecutionStopped {
				return c.finishStopped(run, span)
			}
			return c.finishFailed(ctx, run, span, err)
		}

		run.mutate(func(e *types.SwarmExecution) {
			e.SharedContext[current.Name] = result.Text
			e.Artifacts = append(e.Artifacts, result.Artifacts...)
		})

		c.publish(ctx, types.NewStreamEvent(exec.ID, types.EventAgentCompleted, current.Name, map[string]any{
			"output_chars": len(result.Text),
			"tokens_used":  result.TokensUsed,
		}))

		decision := c.decide(result)
		next, outcome := c.evaluate(run, current, decision, roster)
		c.metrics.RecordHandoff(outcome)

		if outcome != handoffAccepted {
			logger.Info("execution completed",
				zap.String("last_agent", current.Name),
				zap.String("handoff_outcome", outcome),
				zap.Int("handoffs", exec.HandoffCount))
			return c.finishCompleted(ctx, run, span)
		}

		// The counter and the sequence move in one critical section so
		// every snapshot satisfies len(AgentSequence) == HandoffCount+1.
		run.mutate(func(e *types.SwarmExecution) {
			e.HandoffCount++
			e.AgentSequence = append(e.AgentSequence, next.Name)
		})
		c.publish(ctx, types.NewStreamEvent(exec.ID, types.EventHandoff, current.Name, map[string]any{
			"from":          current.Name,
			"to":            next.Name,
			"reason":        decision.Reason,
			"handoff_count": exec.HandoffCount,
		}))
		logger.Info("handoff",
			zap.String("from", current.Name),
			zap.String("to", next.Name),
			zap.String("reason", decision.Reason))
		current = next
	}
}

const (
	handoffAccepted           = "accepted"
	handoffNone               = "none"
	handoffRejectedTarget     = "rejected_target"
	handoffRejectedLimit      = "rejected_limit"
	handoffRejectedRepetition = "rejected_repetition"
)

// decide prefers a structured decision from the executor, falling
// back to directive parsing of the final text.
func (c *Coordinator) decide(result *Result) HandoffDecision {
	if result.Handoff != nil {
		return *result.Handoff
	}
	return c.parser.Parse(result.Text)
}

// evaluate maps a decision onto the next agent or a terminal outcome.
// Every rejection falls safe to completion.
func (c *Coordinator) evaluate(run *Run, current types.AgentConfig, decision HandoffDecision, roster map[string]types.AgentConfig) (types.AgentConfig, string) {
	exec := run.Execution
	if !decision.ShouldHandoff {
		return types.AgentConfig{}, handoffNone
	}

	target, ok := roster[decision.TargetAgent]
	if !ok || decision.TargetAgent == current.Name {
		c.logger.Warn("invalid handoff target, terminating",
			zap.String("execution_id", exec.ID),
			zap.String("target", decision.TargetAgent))
		return types.AgentConfig{}, handoffRejectedTarget
	}
	if exec.HandoffCount >= exec.MaxHandoffs {
		return types.AgentConfig{}, handoffRejectedLimit
	}
	if c.detector.Repetitive(exec.AgentSequence, target.Name) {
		c.logger.Info("repetitive handoff detected, terminating",
			zap.String("execution_id", exec.ID),
			zap.Strings("sequence", exec.AgentSequence),
			zap.String("candidate", target.Name))
		return types.AgentConfig{}, handoffRejectedRepetition
	}
	return target, handoffAccepted
}

// runAgent invokes one agent with admission and bounded retries. Each
// attempt is a fresh admission so failures feed the circuit breaker.
func (c *Coordinator) runAgent(ctx context.Context, run *Run, agent types.AgentConfig, roster []types.AgentConfig, logger *zap.Logger) (*Result, error) {
	exec := run.Execution
	var lastErr error

	for attempt := 0; attempt <= c.config.ExecutorRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		proc, err := c.admit(ctx, exec.ID, agent.Name)
		if err != nil {
			return nil, err
		}

		result, err := c.invoke(ctx, run, agent, roster, proc, attempt)
		if err == nil {
			return result, nil
		}
		if types.GetErrorCode(err) == types.ErrExecutionStopped {
			return nil, err
		}
		lastErr = err
		logger.Warn("agent attempt failed",
			zap.String("agent", agent.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	return nil, types.NewError(types.ErrExecutorFailure,
		fmt.Sprintf("agent %s failed after %d attempts", agent.Name, c.config.ExecutorRetries+1)).
		WithCause(lastErr)
}

// invoke runs a single admitted attempt.
func (c *Coordinator) invoke(ctx context.Context, run *Run, agent types.AgentConfig, roster []types.AgentConfig, proc *pool.AgentProcess, attempt int) (*Result, error) {
	exec := run.Execution
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, "swarm.agent",
		trace.WithAttributes(
			attribute.String("swarm.agent", agent.Name),
			attribute.Int("swarm.attempt", attempt),
		))
	defer span.End()

	invCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle := pool.NewCancelHandle(cancel)
	if err := c.pool.MarkRunning(exec.ID, proc.ID, handle); err != nil {
		return nil, err
	}

	payload := map[string]any{}
	if attempt > 0 {
		payload["attempt"] = attempt
	}
	c.publish(ctx, types.NewStreamEvent(exec.ID, types.EventAgentStarted, agent.Name, payload))

	var prompt string
	run.mutate(func(e *types.SwarmExecution) {
		prompt = c.builder.Build(e, agent, roster)
	})

	emit := func(chunk Chunk) {
		c.pool.Touch(exec.ID, proc.ID)
		ev := types.NewStreamEvent(exec.ID, chunk.Type, agent.Name, chunk.Payload)
		if chunk.Type == types.EventTextChunk {
			ev.Payload = map[string]any{"text": chunk.Text}
		}
		c.publish(ctx, ev)
	}

	result, err := c.executor.Invoke(invCtx, Invocation{
		ExecutionID: exec.ID,
		Agent:       agent,
		Prompt:      prompt,
		Attempt:     attempt,
	}, emit)

	handle.Finish()
	_ = c.pool.MarkCompleted(exec.ID, proc.ID, err == nil)

	status := "success"
	if err != nil {
		status = "failure"
		span.SetStatus(codes.Error, err.Error())
		// An attempt cancelled by the pool's runtime watchdog while
		// the execution itself is still live reads as a plain failure
		// and stays retryable.
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			err = types.NewError(types.ErrAgentRuntimeExceeded,
				fmt.Sprintf("agent %s exceeded its runtime budget", agent.Name)).WithCause(err)
		}
	}
	c.metrics.RecordAgentInvocation(agent.Name, status, time.Since(start))
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, types.NewError(types.ErrExecutorFailure, "executor returned no result")
	}
	return result, nil
}

// admit requests admission with exponential backoff on transient
// rejections, bounded by AdmissionMaxWait.
func (c *Coordinator) admit(ctx context.Context, executionID, role string) (*pool.AgentProcess, error) {
	backoff := c.config.AdmissionBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	deadline := time.Now().Add(c.config.AdmissionMaxWait)
	name := role + "-" + uuid.NewString()[:8]

	for {
		proc, err := c.pool.RegisterAgent(executionID, name, role)
		if err == nil {
			return proc, nil
		}
		c.metrics.RecordAdmissionRejection(string(types.GetErrorCode(err)))
		if !types.IsRetryable(err) || types.IsFatalAdmission(err) {
			return nil, err
		}
		if c.config.AdmissionMaxWait > 0 && time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if limit := c.config.AdmissionBackoffCap; limit > 0 && backoff > limit {
			backoff = limit
		}
	}
}

func (c *Coordinator) finishCompleted(ctx context.Context, run *Run, span trace.Span) error {
	exec := run.Execution
	run.mutate(func(e *types.SwarmExecution) {
		e.FinalOutput = compileFinalOutput(e)
		e.Finish(types.ExecutionCompleted)
	})
	c.publish(ctx, types.NewStreamEvent(exec.ID, types.EventExecutionCompleted, "", map[string]any{
		"final_output":   exec.FinalOutput,
		"agent_sequence": append([]string(nil), exec.AgentSequence...),
		"handoff_count":  exec.HandoffCount,
	}))
	span.SetStatus(codes.Ok, "")
	return nil
}

func (c *Coordinator) finishFailed(ctx context.Context, run *Run, span trace.Span, err error) error {
	exec := run.Execution
	run.mutate(func(e *types.SwarmExecution) {
		e.Error = err.Error()
		e.FinalOutput = compileFinalOutput(e)
		e.Finish(types.ExecutionFailed)
	})
	// The error event precedes the terminal event so consumers see the
	// cause before the stream closes.
	c.publish(ctx, types.NewStreamEvent(exec.ID, types.EventError, "", map[string]any{
		"message": err.Error(),
	}))
	c.publish(ctx, types.NewStreamEvent(exec.ID, types.EventExecutionFailed, "", map[string]any{
		"error": err.Error(),
	}))
	span.SetStatus(codes.Error, err.Error())
	c.logger.Error("execution failed",
		zap.String("execution_id", exec.ID), zap.Error(err))
	return err
}

func (c *Coordinator) finishStopped(run *Run, span trace.Span) error {
	exec := run.Execution
	run.mutate(func(e *types.SwarmExecution) {
		e.FinalOutput = compileFinalOutput(e)
		e.Finish(types.ExecutionStopped)
	})
	// Publish with a fresh context: the run context is already gone.
	c.publish(context.Background(), types.NewStreamEvent(exec.ID, types.EventExecutionStopped, "", map[string]any{
		"handoff_count": exec.HandoffCount,
	}))
	span.SetStatus(codes.Ok, "stopped")
	c.logger.Info("execution stopped", zap.String("execution_id", exec.ID))
	return nil
}

// publish forwards an event to the hub and records it.
func (c *Coordinator) publish(ctx context.Context, event types.StreamEvent) {
	c.hub.Publish(ctx, event)
	c.metrics.RecordEventPublished(string(event.Type))
}

// compileFinalOutput picks the last agent's output, falling back to
// joining everything accumulated so far. A failed execution still
// reports the work that did happen.
func compileFinalOutput(exec *types.SwarmExecution) string {
	for i := len(exec.AgentSequence) - 1; i >= 0; i-- {
		if out, ok := exec.SharedContext[exec.AgentSequence[i]]; ok && out != "" {
			return out
		}
	}
	var parts []string
	for _, name := range exec.AgentSequence {
		if out := exec.SharedContext[name]; out != "" {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, "\n\n")
}
