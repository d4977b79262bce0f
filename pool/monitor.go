package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

// ResourceSampler samples the process's current CPU utilisation and
// resident memory. Implementations must be safe for concurrent use.
type ResourceSampler interface {
	Sample() (cpuPercent, memoryMB float64, err error)
}

// ProcSampler reads CPU time and RSS for the current process from
// procfs. CPU percent is derived from the delta between samples, so
// the first sample always reports zero.
type ProcSampler struct {
	proc        procfs.Proc
	lastCPUTime float64
	lastSample  time.Time
	mu          sync.Mutex
}

// NewProcSampler creates a sampler for the current process.
func NewProcSampler() (*ProcSampler, error) {
	proc, err := procfs.Self()
	if err != nil {
		return nil, fmt.Errorf("open procfs self: %w", err)
	}
	return &ProcSampler{proc: proc}, nil
}

// Sample implements ResourceSampler.
func (s *ProcSampler) Sample() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat, err := s.proc.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("read proc stat: %w", err)
	}

	now := time.Now()
	cpuTime := stat.CPUTime()

	var cpuPercent float64
	if !s.lastSample.IsZero() {
		if elapsed := now.Sub(s.lastSample).Seconds(); elapsed > 0 {
			cpuPercent = (cpuTime - s.lastCPUTime) / elapsed * 100
		}
	}
	s.lastCPUTime = cpuTime
	s.lastSample = now

	memoryMB := float64(stat.ResidentMemory()) / (1 << 20)
	return cpuPercent, memoryMB, nil
}

// monitorLoop periodically enforces the execution's resource budgets:
// whole-execution wall clock, per-agent runtime, and process CPU/RSS
// ceilings. Ceiling breaches accumulate as violations and only a full
// violation budget forces a stop, tolerating brief spikes.
func (m *Manager) monitorLoop(ctx context.Context, executionID string) {
	ticker := time.NewTicker(m.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stop := m.monitorTick(ctx, executionID); stop {
				return
			}
		}
	}
}

// monitorTick runs one monitor pass. Returns true when the loop should
// exit because the execution is gone or was force-stopped.
func (m *Manager) monitorTick(ctx context.Context, executionID string) bool {
	m.mu.Lock()
	st, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		return true
	}

	if m.clock().Sub(st.startTime) > m.config.MaxExecutionTime {
		m.mu.Unlock()
		m.logger.Warn("execution exceeded wall-clock budget, force stopping",
			zap.String("execution_id", executionID),
			zap.Duration("budget", m.config.MaxExecutionTime))
		_ = m.StopExecution(ctx, executionID, true)
		return true
	}

	// Kill individual agents over their runtime budget.
	var overdue []*AgentProcess
	now := m.clock()
	for _, p := range st.active {
		if p.Status == ProcessRunning && now.Sub(p.StartTime) > m.config.MaxAgentRuntime {
			overdue = append(overdue, p)
		}
	}
	m.mu.Unlock()

	for _, p := range overdue {
		m.killAgent(executionID, p)
	}

	if m.sampler == nil {
		return false
	}
	cpu, mem, err := m.sampler.Sample()
	if err != nil {
		m.logger.Debug("resource sample failed", zap.Error(err))
		return false
	}

	m.mu.Lock()
	st, ok = m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		return true
	}
	for _, p := range st.active {
		p.CPUPercent = cpu
		p.MemoryMB = mem
	}

	violated := (m.config.CPULimitPercent > 0 && cpu > m.config.CPULimitPercent) ||
		(m.config.MemoryLimitMB > 0 && mem > m.config.MemoryLimitMB)
	if violated {
		st.violations++
		m.logger.Warn("resource ceiling violated",
			zap.String("execution_id", executionID),
			zap.Float64("cpu_percent", cpu),
			zap.Float64("memory_mb", mem),
			zap.Int("violations", st.violations))
	}
	exceeded := st.violations >= m.config.MaxViolations
	m.mu.Unlock()

	if exceeded {
		m.logger.Warn("violation budget exhausted, force stopping",
			zap.String("execution_id", executionID))
		_ = m.StopExecution(ctx, executionID, true)
		return true
	}
	return false
}

// killAgent terminates a single overdue agent without touching the
// rest of the execution.
func (m *Manager) killAgent(executionID string, proc *AgentProcess) {
	m.logger.Warn("agent exceeded runtime budget, killing",
		zap.String("execution_id", executionID),
		zap.String("agent_id", proc.ID),
		zap.String("role", proc.Role),
		zap.Duration("budget", m.config.MaxAgentRuntime))

	if proc.handle != nil {
		proc.handle.Stop()
		select {
		case <-proc.handle.Done():
		case <-time.After(m.config.KillDelay):
			proc.handle.Kill()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.executions[executionID]
	if !ok {
		return
	}
	if _, stillActive := st.active[proc.ID]; !stillActive {
		return
	}
	proc.Status = ProcessKilled
	delete(st.admitting, proc.Role)
	delete(st.active, proc.ID)
	m.appendHistoryLocked(proc)
}
