package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/types"
)

// Config configures the agent pool manager.
type Config struct {
	// MaxConcurrentAgents bounds active plus mid-admission agents per execution.
	MaxConcurrentAgents int `yaml:"max_concurrent_agents" json:"max_concurrent_agents"`

	// MaxTotalAgents bounds the total number of agents spawned per execution.
	MaxTotalAgents int `yaml:"max_total_agents" json:"max_total_agents"`

	// MaxExecutionTime is the wall-clock budget for a whole execution.
	MaxExecutionTime time.Duration `yaml:"max_execution_time" json:"max_execution_time"`

	// MaxAgentRuntime is the runtime budget for a single agent invocation.
	MaxAgentRuntime time.Duration `yaml:"max_agent_runtime" json:"max_agent_runtime"`

	// CPULimitPercent and MemoryLimitMB are process-level ceilings
	// sampled by the resource monitor.
	CPULimitPercent float64 `yaml:"cpu_limit_percent" json:"cpu_limit_percent"`
	MemoryLimitMB   float64 `yaml:"memory_limit_mb" json:"memory_limit_mb"`

	// MaxViolations is how many resource-ceiling violations are
	// tolerated before the execution is force-stopped.
	MaxViolations int `yaml:"max_violations" json:"max_violations"`

	// GracePeriod is how long a non-forced stop waits for in-flight
	// agents before escalating.
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`

	// KillDelay is the pause between cooperative stop and hard kill.
	KillDelay time.Duration `yaml:"kill_delay" json:"kill_delay"`

	// MonitorInterval is the resource monitor sampling period.
	MonitorInterval time.Duration `yaml:"monitor_interval" json:"monitor_interval"`

	// HistoryLimit bounds the terminal process history list.
	HistoryLimit int `yaml:"history_limit" json:"history_limit"`

	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentAgents: 5,
		MaxTotalAgents:      20,
		MaxExecutionTime:    10 * time.Minute,
		MaxAgentRuntime:     2 * time.Minute,
		CPULimitPercent:     85,
		MemoryLimitMB:       2048,
		MaxViolations:       3,
		GracePeriod:         5 * time.Second,
		KillDelay:           2 * time.Second,
		MonitorInterval:     5 * time.Second,
		HistoryLimit:        256,
		Breaker:             DefaultBreakerConfig(),
	}
}

// executionState is the per-execution slice of the manager's bookkeeping.
type executionState struct {
	id            string
	startTime     time.Time
	stopped       bool
	totalSpawned  int
	violations    int
	admitting     map[string]bool          // role -> mid-admission
	active        map[string]*AgentProcess // agent id -> process
	breaker       *CircuitBreaker
	monitorCancel context.CancelFunc
}

// Manager owns admission control and lifetime accounting for all
// concurrently executing agents across executions sharing the process.
// All shared state is guarded by a single mutex; admission is a strict
// check-then-commit critical section.
type Manager struct {
	config     Config
	executions map[string]*executionState
	history    []*AgentProcess
	sampler    ResourceSampler
	logger     *zap.Logger
	clock      func() time.Time
	mu         sync.Mutex
}

// NewManager creates a pool manager. A nil sampler disables resource
// sampling (runtime budgets are still enforced).
func NewManager(config Config, sampler ResourceSampler, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:     config,
		executions: make(map[string]*executionState),
		sampler:    sampler,
		logger:     logger.With(zap.String("component", "agent_pool")),
		clock:      time.Now,
	}
}

// StartExecution resets per-execution counters, records the start
// time, resets the circuit breaker, and starts the resource monitor
// loop. Idempotent per execution id.
func (m *Manager) StartExecution(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[executionID]; ok {
		return nil
	}

	st := &executionState{
		id:        executionID,
		startTime: m.clock(),
		admitting: make(map[string]bool),
		active:    make(map[string]*AgentProcess),
		breaker:   NewCircuitBreaker(m.config.Breaker, m.logger),
	}

	monitorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st.monitorCancel = cancel
	m.executions[executionID] = st

	go m.monitorLoop(monitorCtx, executionID)

	m.logger.Info("execution started",
		zap.String("execution_id", executionID),
		zap.Duration("max_execution_time", m.config.MaxExecutionTime))
	return nil
}

// CanSpawnAgent reports whether an agent with the given role could be
// admitted right now. The answer is advisory: RegisterAgent re-checks
// under the same lock before committing.
func (m *Manager) CanSpawnAgent(executionID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.executions[executionID]
	if !ok {
		return types.NewError(types.ErrAdmissionRejected,
			fmt.Sprintf("execution %s not started", executionID))
	}
	return m.canSpawnLocked(st, role, false)
}

// canSpawnLocked validates every admission precondition. When commit
// is true, a half-open breaker probe is consumed on success.
func (m *Manager) canSpawnLocked(st *executionState, role string, commit bool) error {
	if st.stopped {
		return types.NewError(types.ErrExecutionStopped, "execution is stopped")
	}
	if m.clock().Sub(st.startTime) > m.config.MaxExecutionTime {
		return types.NewError(types.ErrExecutionTimeExceeded,
			fmt.Sprintf("execution exceeded %v wall-clock budget", m.config.MaxExecutionTime))
	}
	if st.totalSpawned >= m.config.MaxTotalAgents {
		return types.NewError(types.ErrSpawnLimit,
			fmt.Sprintf("total agent limit %d reached", m.config.MaxTotalAgents))
	}
	if st.admitting[role] {
		return types.NewError(types.ErrRoleAdmitting,
			fmt.Sprintf("role %q is already mid-admission", role)).WithRetryable(true)
	}

	running := 0
	for _, p := range st.active {
		if p.Status == ProcessRunning {
			running++
		}
	}
	if running+len(st.admitting) >= m.config.MaxConcurrentAgents {
		return types.NewError(types.ErrConcurrencyLimit,
			fmt.Sprintf("concurrency limit %d reached", m.config.MaxConcurrentAgents)).WithRetryable(true)
	}

	if commit {
		if ok, err := st.breaker.Allow(); !ok {
			return types.NewError(types.ErrBreakerOpen, "circuit breaker rejected admission").
				WithCause(err).WithRetryable(true)
		}
	} else if ok, err := st.breaker.CanPass(); !ok {
		return types.NewError(types.ErrBreakerOpen, "circuit breaker rejected admission").
			WithCause(err).WithRetryable(true)
	}

	return nil
}

// RegisterAgent admits one agent invocation. The admission check and
// the registration happen atomically under the manager lock; the role
// stays marked mid-admission until MarkRunning or MarkCompleted.
func (m *Manager) RegisterAgent(executionID, name, role string) (*AgentProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.executions[executionID]
	if !ok {
		return nil, types.NewError(types.ErrAdmissionRejected,
			fmt.Sprintf("execution %s not started", executionID))
	}
	if err := m.canSpawnLocked(st, role, true); err != nil {
		return nil, err
	}

	now := m.clock()
	proc := &AgentProcess{
		ID:           uuid.NewString(),
		ExecutionID:  executionID,
		Name:         name,
		Role:         role,
		Status:       ProcessIdle,
		StartTime:    now,
		LastActivity: now,
	}

	st.admitting[role] = true
	st.active[proc.ID] = proc
	st.totalSpawned++

	m.logger.Debug("agent registered",
		zap.String("execution_id", executionID),
		zap.String("agent_id", proc.ID),
		zap.String("role", role),
		zap.Int("total_spawned", st.totalSpawned))
	return proc, nil
}

// MarkRunning transitions a registered agent to running and attaches
// its process handle for later cancellation.
func (m *Manager) MarkRunning(executionID, agentID string, handle ProcessHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, proc, err := m.lookupLocked(executionID, agentID)
	if err != nil {
		return err
	}
	// A stop in progress has already snapshotted the handle set; an
	// agent admitted before the stop must not start now.
	if st.stopped {
		delete(st.admitting, proc.Role)
		return types.NewError(types.ErrExecutionStopped, "execution is stopped")
	}

	proc.Status = ProcessRunning
	proc.LastActivity = m.clock()
	proc.handle = handle
	delete(st.admitting, proc.Role)
	return nil
}

// MarkCompleted moves an agent to a terminal status, appends it to the
// bounded history, and feeds the outcome into the circuit breaker.
func (m *Manager) MarkCompleted(executionID, agentID string, success bool) error {
	m.mu.Lock()
	st, proc, err := m.lookupLocked(executionID, agentID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	if success {
		proc.Status = ProcessCompleted
	} else {
		proc.Status = ProcessFailed
	}
	proc.LastActivity = m.clock()
	delete(st.admitting, proc.Role)
	delete(st.active, agentID)
	m.appendHistoryLocked(proc)
	breaker := st.breaker
	m.mu.Unlock()

	if success {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}
	return nil
}

// Touch refreshes an agent's last-activity timestamp.
func (m *Manager) Touch(executionID, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, proc, err := m.lookupLocked(executionID, agentID); err == nil {
		proc.LastActivity = m.clock()
	}
}

// StopExecution stops an execution. With force=false in-flight agents
// get GracePeriod to finish before the stop escalates; force=true
// cancels every tracked process, hard-killing any still alive after
// KillDelay, and cancels the monitor loop.
func (m *Manager) StopExecution(ctx context.Context, executionID string, force bool) error {
	m.mu.Lock()
	st, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrNotFound,
			fmt.Sprintf("execution %s not found", executionID))
	}
	st.stopped = true
	// Handles are copied while the lock is held; MarkRunning rejects a
	// stopped execution, so no process gains a handle after this point.
	activeCount := len(st.active)
	handles := make([]ProcessHandle, 0, activeCount)
	for _, p := range st.active {
		if p.handle != nil {
			handles = append(handles, p.handle)
		}
	}
	m.mu.Unlock()

	m.logger.Info("stopping execution",
		zap.String("execution_id", executionID),
		zap.Bool("force", force),
		zap.Int("active_agents", activeCount))

	if !force {
		if m.waitDrained(ctx, executionID, m.config.GracePeriod) {
			m.releaseExecution(executionID)
			return nil
		}
		// Grace expired, escalate.
		m.logger.Warn("grace period expired, escalating to forced stop",
			zap.String("execution_id", executionID))
	}

	for _, h := range handles {
		h.Stop()
	}

	timer := time.NewTimer(m.config.KillDelay)
	defer timer.Stop()
	expired := false
	for _, h := range handles {
		if expired {
			h.Kill()
			continue
		}
		select {
		case <-h.Done():
		case <-timer.C:
			expired = true
			h.Kill()
		case <-ctx.Done():
			expired = true
			h.Kill()
		}
	}

	m.mu.Lock()
	for id, p := range st.active {
		if !p.Status.Terminal() {
			p.Status = ProcessKilled
		}
		delete(st.active, id)
		m.appendHistoryLocked(p)
	}
	m.mu.Unlock()

	m.releaseExecution(executionID)
	return nil
}

// FinishExecution releases the per-execution state after a normal
// termination. Terminal processes stay in history.
func (m *Manager) FinishExecution(executionID string) {
	m.releaseExecution(executionID)
}

func (m *Manager) releaseExecution(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.executions[executionID]
	if !ok {
		return
	}
	if st.monitorCancel != nil {
		st.monitorCancel()
	}
	for id, p := range st.active {
		if !p.Status.Terminal() {
			p.Status = ProcessKilled
		}
		delete(st.active, id)
		m.appendHistoryLocked(p)
	}
	delete(m.executions, executionID)
}

// waitDrained polls until the execution has no active agents, the
// timeout elapses, or ctx is done. Returns true if fully drained.
func (m *Manager) waitDrained(ctx context.Context, executionID string, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		m.mu.Lock()
		st, ok := m.executions[executionID]
		drained := !ok || len(st.active) == 0
		m.mu.Unlock()
		if drained {
			return true
		}

		select {
		case <-tick.C:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Status is a point-in-time snapshot of one execution's pool state.
type Status struct {
	ExecutionID  string        `json:"execution_id"`
	ActiveAgents int           `json:"active_agents"`
	TotalSpawned int           `json:"total_spawned"`
	Violations   int           `json:"violations"`
	BreakerState string        `json:"breaker_state"`
	Failures     int           `json:"breaker_failures"`
	Stopped      bool          `json:"stopped"`
	RunningFor   time.Duration `json:"running_for"`
}

// ExecutionStatus returns the pool status of one execution.
func (m *Manager) ExecutionStatus(executionID string) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.executions[executionID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound,
			fmt.Sprintf("execution %s not found", executionID))
	}
	return &Status{
		ExecutionID:  executionID,
		ActiveAgents: len(st.active),
		TotalSpawned: st.totalSpawned,
		Violations:   st.violations,
		BreakerState: st.breaker.State().String(),
		Failures:     st.breaker.Failures(),
		Stopped:      st.stopped,
		RunningFor:   m.clock().Sub(st.startTime),
	}, nil
}

// ActiveProcesses returns copies of the active processes of one execution.
func (m *Manager) ActiveProcesses(executionID string) []AgentProcess {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.executions[executionID]
	if !ok {
		return nil
	}
	out := make([]AgentProcess, 0, len(st.active))
	for _, p := range st.active {
		out = append(out, *p)
	}
	return out
}

// History returns copies of the terminal process history, oldest first.
func (m *Manager) History() []AgentProcess {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AgentProcess, len(m.history))
	for i, p := range m.history {
		out[i] = *p
	}
	return out
}

func (m *Manager) lookupLocked(executionID, agentID string) (*executionState, *AgentProcess, error) {
	st, ok := m.executions[executionID]
	if !ok {
		return nil, nil, types.NewError(types.ErrNotFound,
			fmt.Sprintf("execution %s not found", executionID))
	}
	proc, ok := st.active[agentID]
	if !ok {
		return nil, nil, types.NewError(types.ErrNotFound,
			fmt.Sprintf("agent %s not found in execution %s", agentID, executionID))
	}
	return st, proc, nil
}

// appendHistoryLocked appends with the bounded-history policy.
func (m *Manager) appendHistoryLocked(proc *AgentProcess) {
	m.history = append(m.history, proc)
	if limit := m.config.HistoryLimit; limit > 0 && len(m.history) > limit {
		m.history = m.history[len(m.history)-limit:]
	}
}
