package swarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/swarmflow/pool"
	"github.com/BaSui01/swarmflow/stream"
	"github.com/BaSui01/swarmflow/types"
)

// recordingArchiver captures saved executions.
type recordingArchiver struct {
	mu    sync.Mutex
	saved []types.SwarmExecution
}

func (a *recordingArchiver) Save(_ context.Context, exec types.SwarmExecution) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, exec)
	return nil
}

func (a *recordingArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.saved)
}

func newTestRegistry(t *testing.T, executor Executor, archiver Archiver) *Registry {
	t.Helper()
	logger := zaptest.NewLogger(t)
	poolMgr := pool.NewManager(testPoolConfig(), nil, logger)
	hub := stream.NewHub(stream.Config{
		HeartbeatInterval: time.Hour,
		TeardownGrace:     time.Hour,
		CacheTimeout:      250 * time.Millisecond,
	}, stream.NewMemoryReplayCache(time.Minute), logger)

	cfg := DefaultConfig()
	cfg.TokenBudget = 0
	cfg.AdmissionBackoff = 10 * time.Millisecond
	coordinator := NewCoordinator(cfg, poolMgr, hub, executor, nil, logger)
	coordinator.builder = NewContextBuilder(0, charCounter{})
	return NewRegistry(coordinator, poolMgr, hub, archiver, logger)
}

func waitDone(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish")
	}
}

func TestRegistry_StartReturnsPromptly(t *testing.T) {
	release := make(chan struct{})
	executor := &mockExecutor{
		invoke: func(ctx context.Context, _ Invocation, _ EmitFunc) (*Result, error) {
			select {
			case <-release:
				return &Result{Text: "done"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	r := newTestRegistry(t, executor, nil)

	start := time.Now()
	run, err := r.Start(context.Background(), "slow task", testRoster()[:1], 10)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "start never blocks on execution progress")
	assert.NotEmpty(t, run.Execution.ID)
	assert.Equal(t, types.ExecutionRunning, run.Snapshot().Status)

	close(release)
	waitDone(t, run)
	assert.Equal(t, types.ExecutionCompleted, run.Snapshot().Status)
}

func TestRegistry_StartValidation(t *testing.T) {
	r := newTestRegistry(t, scriptExecutor(nil), nil)
	ctx := context.Background()

	_, err := r.Start(ctx, "", testRoster(), 10)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	_, err = r.Start(ctx, "task", nil, 10)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	_, err = r.Start(ctx, "task", []types.AgentConfig{
		{Name: "a", SystemPrompt: "p"},
		{Name: "a", SystemPrompt: "p"},
	}, 10)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	_, err = r.Start(ctx, "task", []types.AgentConfig{{Name: "a"}}, 10)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err),
		"agent without a system prompt is rejected")
}

func TestRegistry_DefaultMaxHandoffs(t *testing.T) {
	r := newTestRegistry(t, scriptExecutor(map[string]string{"researcher": "done"}), nil)

	run, err := r.Start(context.Background(), "task", testRoster()[:1], 0)
	require.NoError(t, err)
	waitDone(t, run)
	assert.Equal(t, DefaultConfig().MaxHandoffs, run.Snapshot().MaxHandoffs)
}

func TestRegistry_GetAndList(t *testing.T) {
	r := newTestRegistry(t, scriptExecutor(map[string]string{"researcher": "done"}), nil)

	run, err := r.Start(context.Background(), "task", testRoster()[:1], 10)
	require.NoError(t, err)
	waitDone(t, run)

	got, err := r.Get(run.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Execution.ID, got.Execution.ID)

	_, err = r.Get("no-such-id")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, run.Execution.ID, list[0].ID)
}

func TestRegistry_StopLiveExecution(t *testing.T) {
	started := make(chan struct{})
	executor := &mockExecutor{
		invoke: func(ctx context.Context, _ Invocation, _ EmitFunc) (*Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r := newTestRegistry(t, executor, nil)

	run, err := r.Start(context.Background(), "task", testRoster()[:1], 10)
	require.NoError(t, err)
	<-started

	require.NoError(t, r.Stop(context.Background(), run.Execution.ID, false))
	waitDone(t, run)
	assert.Equal(t, types.ExecutionStopped, run.Snapshot().Status)

	// Stopping again is a no-op.
	assert.NoError(t, r.Stop(context.Background(), run.Execution.ID, true))
}

func TestRegistry_StopUnknownExecution(t *testing.T) {
	r := newTestRegistry(t, scriptExecutor(nil), nil)
	err := r.Stop(context.Background(), "no-such-id", false)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestRegistry_RemoveRequiresTerminal(t *testing.T) {
	started := make(chan struct{})
	executor := &mockExecutor{
		invoke: func(ctx context.Context, _ Invocation, _ EmitFunc) (*Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r := newTestRegistry(t, executor, nil)

	run, err := r.Start(context.Background(), "task", testRoster()[:1], 10)
	require.NoError(t, err)
	<-started

	err = r.Remove(context.Background(), run.Execution.ID)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	require.NoError(t, r.Stop(context.Background(), run.Execution.ID, true))
	waitDone(t, run)

	require.NoError(t, r.Remove(context.Background(), run.Execution.ID))
	_, err = r.Get(run.Execution.ID)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestRegistry_ArchivesTerminalExecution(t *testing.T) {
	archiver := &recordingArchiver{}
	r := newTestRegistry(t, scriptExecutor(map[string]string{"researcher": "done"}), archiver)

	run, err := r.Start(context.Background(), "task", testRoster()[:1], 10)
	require.NoError(t, err)
	waitDone(t, run)

	require.Equal(t, 1, archiver.count())
	archiver.mu.Lock()
	saved := archiver.saved[0]
	archiver.mu.Unlock()
	assert.Equal(t, run.Execution.ID, saved.ID)
	assert.Equal(t, types.ExecutionCompleted, saved.Status)
}

func TestRegistry_CloseStopsEverything(t *testing.T) {
	executor := &mockExecutor{
		invoke: func(ctx context.Context, _ Invocation, _ EmitFunc) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r := newTestRegistry(t, executor, nil)

	var runs []*Run
	for i := 0; i < 3; i++ {
		run, err := r.Start(context.Background(), "task", testRoster()[:1], 10)
		require.NoError(t, err)
		runs = append(runs, run)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	for _, run := range runs {
		assert.True(t, run.Snapshot().Status.Terminal())
	}
}

func TestRun_SnapshotIsolated(t *testing.T) {
	exec := types.NewSwarmExecution("exec-1", "task", 10)
	exec.AgentSequence = []string{"a"}
	exec.SharedContext["a"] = "output"
	run := NewRun(exec, nil, nil)

	snapshot := run.Snapshot()
	snapshot.AgentSequence = append(snapshot.AgentSequence, "b")
	snapshot.SharedContext["b"] = "injected"

	assert.Equal(t, []string{"a"}, run.Execution.AgentSequence)
	_, leaked := run.Execution.SharedContext["b"]
	assert.False(t, leaked)
}
