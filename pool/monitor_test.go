package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// stubSampler returns fixed readings.
type stubSampler struct {
	cpu float64
	mem float64
	n   atomic.Int64
}

func (s *stubSampler) Sample() (float64, float64, error) {
	s.n.Add(1)
	return s.cpu, s.mem, nil
}

func TestMonitor_ViolationsForceStop(t *testing.T) {
	cfg := testConfig()
	cfg.MonitorInterval = 20 * time.Millisecond
	cfg.CPULimitPercent = 50
	cfg.MaxViolations = 2

	sampler := &stubSampler{cpu: 90, mem: 10}
	m := NewManager(cfg, sampler, zaptest.NewLogger(t))
	require.NoError(t, m.StartExecution(context.Background(), "exec-mon"))

	h := startAgent(t, m, "exec-mon", "hot")
	_ = h

	require.Eventually(t, func() bool {
		_, err := m.ExecutionStatus("exec-mon")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "violation budget must force-stop the execution")

	for _, p := range m.History() {
		assert.True(t, p.Status.Terminal())
	}
}

func TestMonitor_ToleratesSpikesBelowBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MonitorInterval = 20 * time.Millisecond
	cfg.CPULimitPercent = 50
	cfg.MaxViolations = 1000

	sampler := &stubSampler{cpu: 90, mem: 10}
	m := NewManager(cfg, sampler, zaptest.NewLogger(t))
	require.NoError(t, m.StartExecution(context.Background(), "exec-spike"))
	t.Cleanup(func() { m.FinishExecution("exec-spike") })

	startAgent(t, m, "exec-spike", "warm")

	// Violations accumulate but stay under budget: execution survives.
	require.Eventually(t, func() bool { return sampler.n.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	status, err := m.ExecutionStatus("exec-spike")
	require.NoError(t, err)
	assert.Greater(t, status.Violations, 0)
	assert.False(t, status.Stopped)
}

func TestMonitor_KillsOverdueAgentOnly(t *testing.T) {
	cfg := testConfig()
	cfg.MonitorInterval = 20 * time.Millisecond
	cfg.MaxAgentRuntime = 50 * time.Millisecond
	cfg.KillDelay = 20 * time.Millisecond
	cfg.CPULimitPercent = 0
	cfg.MemoryLimitMB = 0

	m := NewManager(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, m.StartExecution(context.Background(), "exec-kill"))
	t.Cleanup(func() { _ = m.StopExecution(context.Background(), "exec-kill", true) })

	startAgent(t, m, "exec-kill", "slow")

	require.Eventually(t, func() bool {
		for _, p := range m.History() {
			if p.Role == "slow" && p.Status == ProcessKilled {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// The execution itself is still alive for new work.
	status, err := m.ExecutionStatus("exec-kill")
	require.NoError(t, err)
	assert.False(t, status.Stopped)
	require.NoError(t, m.CanSpawnAgent("exec-kill", "fresh"))
}

func TestMonitor_WallClockForceStop(t *testing.T) {
	cfg := testConfig()
	cfg.MonitorInterval = 20 * time.Millisecond
	cfg.MaxExecutionTime = 50 * time.Millisecond

	m := NewManager(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, m.StartExecution(context.Background(), "exec-wall"))

	startAgent(t, m, "exec-wall", "a")

	require.Eventually(t, func() bool {
		_, err := m.ExecutionStatus("exec-wall")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcSampler_Sample(t *testing.T) {
	sampler, err := NewProcSampler()
	if err != nil {
		t.Skipf("procfs not available: %v", err)
	}

	cpu, mem, err := sampler.Sample()
	require.NoError(t, err)
	assert.Zero(t, cpu, "first sample has no delta")
	assert.Greater(t, mem, 0.0)

	time.Sleep(20 * time.Millisecond)
	_, mem2, err := sampler.Sample()
	require.NoError(t, err)
	assert.Greater(t, mem2, 0.0)
}
