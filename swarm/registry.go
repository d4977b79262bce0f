package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/pool"
	"github.com/BaSui01/swarmflow/stream"
	"github.com/BaSui01/swarmflow/types"
)

// Run is one live execution. The coordinator goroutine is the only
// writer of Execution; everyone else reads through Snapshot.
type Run struct {
	Execution *types.SwarmExecution
	Agents    []types.AgentConfig

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// NewRun wraps an execution for coordination. Standalone runs, such
// as in tests, can pass a nil cancel.
func NewRun(exec *types.SwarmExecution, agents []types.AgentConfig, cancel context.CancelFunc) *Run {
	return &Run{
		Execution: exec,
		Agents:    agents,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// mutate applies fn to the execution under the run's lock.
func (r *Run) mutate(fn func(*types.SwarmExecution)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.Execution)
}

// Snapshot returns a deep copy of the execution's current state, safe
// to serialize while the coordinator keeps running.
func (r *Run) Snapshot() types.SwarmExecution {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := *r.Execution
	out.AgentSequence = append([]string(nil), r.Execution.AgentSequence...)
	out.Artifacts = append([]types.Artifact(nil), r.Execution.Artifacts...)
	out.SharedContext = make(map[string]string, len(r.Execution.SharedContext))
	for k, v := range r.Execution.SharedContext {
		out.SharedContext[k] = v
	}
	if r.Execution.FinishedAt != nil {
		t := *r.Execution.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Done closes when the coordinator goroutine has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Archiver persists terminal executions. Best-effort: a failed write
// never affects the execution's outcome.
type Archiver interface {
	Save(ctx context.Context, exec types.SwarmExecution) error
}

// Registry owns the live executions: it launches a coordinator
// goroutine per start request and maps stop requests onto it.
type Registry struct {
	coordinator *Coordinator
	pool        *pool.Manager
	hub         *stream.Hub
	archiver    Archiver
	runs        map[string]*Run
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewRegistry creates a registry. archiver may be nil.
func NewRegistry(coordinator *Coordinator, poolMgr *pool.Manager, hub *stream.Hub, archiver Archiver, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		coordinator: coordinator,
		pool:        poolMgr,
		hub:         hub,
		archiver:    archiver,
		runs:        make(map[string]*Run),
		logger:      logger.With(zap.String("component", "registry")),
	}
}

// Start validates the request, creates the execution and launches its
// coordinator goroutine. It returns promptly with the execution id;
// progress and failures are observable only through the event stream
// and the status endpoint.
func (r *Registry) Start(ctx context.Context, task string, agents []types.AgentConfig, maxHandoffs int) (*Run, error) {
	if task == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "task is required")
	}
	if len(agents) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "at least one agent is required")
	}
	names := make(map[string]struct{}, len(agents))
	for i := range agents {
		if err := agents[i].Validate(); err != nil {
			return nil, err
		}
		if _, dup := names[agents[i].Name]; dup {
			return nil, types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("duplicate agent name %q", agents[i].Name))
		}
		names[agents[i].Name] = struct{}{}
	}
	if maxHandoffs <= 0 {
		maxHandoffs = r.coordinator.config.MaxHandoffs
	}

	exec := types.NewSwarmExecution(uuid.NewString(), task, maxHandoffs)

	// The run outlives the start request's context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := NewRun(exec, agents, cancel)

	r.mu.Lock()
	r.runs[exec.ID] = run
	r.mu.Unlock()

	r.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.Int("agents", len(agents)),
		zap.Int("max_handoffs", maxHandoffs))

	go func() {
		defer close(run.done)
		defer cancel()
		_ = r.coordinator.Run(runCtx, run, agents)
		r.archive(run)
	}()
	return run, nil
}

// Get returns the run for an execution id.
func (r *Registry) Get(executionID string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[executionID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound,
			fmt.Sprintf("execution %s not found", executionID))
	}
	return run, nil
}

// Stop cancels an execution. Non-forced stops let in-flight agents
// drain within the pool's grace period before escalating; forced
// stops kill immediately.
func (r *Registry) Stop(ctx context.Context, executionID string, force bool) error {
	run, err := r.Get(executionID)
	if err != nil {
		return err
	}
	if run.Snapshot().Status.Terminal() {
		return nil
	}

	r.logger.Info("stopping execution",
		zap.String("execution_id", executionID), zap.Bool("force", force))

	if err := r.pool.StopExecution(ctx, executionID, force); err != nil {
		r.logger.Warn("pool stop failed",
			zap.String("execution_id", executionID), zap.Error(err))
	}
	if run.cancel != nil {
		run.cancel()
	}
	return nil
}

// List snapshots every known execution.
func (r *Registry) List() []types.SwarmExecution {
	r.mu.RLock()
	runs := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	r.mu.RUnlock()

	out := make([]types.SwarmExecution, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Snapshot())
	}
	return out
}

// Remove garbage-collects a terminal execution and drops its replay
// cache. Removing a live execution is an error.
func (r *Registry) Remove(ctx context.Context, executionID string) error {
	run, err := r.Get(executionID)
	if err != nil {
		return err
	}
	if !run.Snapshot().Status.Terminal() {
		return types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("execution %s is still running", executionID))
	}

	r.mu.Lock()
	delete(r.runs, executionID)
	r.mu.Unlock()

	r.hub.DropExecution(ctx, executionID)
	return nil
}

// Close stops all live executions and waits for their coordinator
// goroutines to finish.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	runs := make([]*Run, 0, len(r.runs))
	ids := make([]string, 0, len(r.runs))
	for id, run := range r.runs {
		runs = append(runs, run)
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Stop(ctx, id, true)
	}
	for _, run := range runs {
		select {
		case <-run.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// archive writes the terminal record best-effort.
func (r *Registry) archive(run *Run) {
	if r.archiver == nil {
		return
	}
	snapshot := run.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.archiver.Save(ctx, snapshot); err != nil {
		r.logger.Warn("archive write failed",
			zap.String("execution_id", snapshot.ID), zap.Error(err))
	}
}
